package client

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fatih/color"
)

const (
	maxBodyDisplay = 500 // Max chars to display for body
)

var (
	methodColors = map[string]*color.Color{
		"GET":     color.New(color.FgGreen),
		"POST":    color.New(color.FgYellow),
		"PUT":     color.New(color.FgBlue),
		"DELETE":  color.New(color.FgRed),
		"PATCH":   color.New(color.FgMagenta),
		"OPTIONS": color.New(color.FgCyan),
		"HEAD":    color.New(color.FgWhite),
	}
	defaultMethodColor = color.New(color.FgWhite)

	statusColors = map[int]*color.Color{
		2: color.New(color.FgGreen),  // 2xx
		3: color.New(color.FgCyan),   // 3xx
		4: color.New(color.FgYellow), // 4xx
		5: color.New(color.FgRed),    // 5xx
	}
	defaultStatusColor = color.New(color.FgWhite)

	dimColor   = color.New(color.Faint)
	arrowColor = color.New(color.FgCyan)
	idColor    = color.New(color.FgHiBlack)
	bodyColor  = color.New(color.FgHiBlack)
)

// Display handles request/response logging for one client run.
type Display struct {
	target  string
	verbose bool
}

// NewDisplay creates a new display.
func NewDisplay(target string, verbose bool) *Display {
	return &Display{target: target, verbose: verbose}
}

// LogRequest logs an incoming request_start, optionally the assembled
// body once request_body(final=true) has arrived.
func (d *Display) LogRequest(method, path, requestID string, body []byte) {
	timestamp := time.Now().Format("15:04:05")

	mc := methodColors[method]
	if mc == nil {
		mc = defaultMethodColor
	}

	// Format: [15:04:05] → POST /webhooks/stripe (abc123)
	fmt.Printf("%s %s %s %s %s\n",
		dimColor.Sprintf("[%s]", timestamp),
		arrowColor.Sprint("→"),
		mc.Sprintf("%-7s", method),
		path,
		idColor.Sprintf("(%s)", requestID),
	)

	if d.verbose && len(body) > 0 {
		d.logBody("   req", body)
	}
}

// LogResponse logs a completed response_start/response_end pair.
func (d *Display) LogResponse(status int, duration time.Duration, body []byte) {
	timestamp := time.Now().Format("15:04:05")

	sc := statusColors[status/100]
	if sc == nil {
		sc = defaultStatusColor
	}

	// Format: [15:04:05] ← 200 (15ms)
	fmt.Printf("%s %s %s %s\n",
		dimColor.Sprintf("[%s]", timestamp),
		arrowColor.Sprint("←"),
		sc.Sprintf("%d", status),
		dimColor.Sprintf("(%s)", formatDuration(duration)),
	)

	if d.verbose && len(body) > 0 {
		d.logBody("   res", body)
	}
}

// LogError logs a local forwarding failure for method/path.
func (d *Display) LogError(method, path string, err error) {
	timestamp := time.Now().Format("15:04:05")

	fmt.Printf("%s %s %s %s %s\n",
		dimColor.Sprintf("[%s]", timestamp),
		color.RedString("✗"),
		method, path,
		color.RedString("error: %v", err),
	)
}

// LogConnected logs successful tunnel establishment.
func (d *Display) LogConnected(tunnelID, publicURL string) {
	fmt.Println()
	color.Green("✓ Connected!")
	fmt.Println()
	fmt.Printf("  Tunnel ID:  %s\n", color.CyanString(tunnelID))
	fmt.Printf("  Public URL: %s\n", color.CyanString(publicURL))
	fmt.Printf("  Forwarding: %s\n", color.CyanString(d.target))
	fmt.Println()
	fmt.Println(dimColor.Sprint("  Waiting for requests..."))
	fmt.Println(strings.Repeat("─", 50))
}

// LogDisconnected logs disconnection.
func (d *Display) LogDisconnected(err error) {
	if err != nil {
		color.Yellow("\n⚠ Disconnected: %v", err)
	} else {
		color.Yellow("\n⚠ Disconnected")
	}
}

// LogReconnecting logs a reconnection attempt.
func (d *Display) LogReconnecting(attempt int) {
	color.Yellow("↻ Reconnecting (attempt %d)...", attempt)
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

// logBody logs a truncated body with prefix.
func (d *Display) logBody(prefix string, body []byte) {
	if !isTextBody(body) {
		fmt.Printf("%s %s\n", bodyColor.Sprint(prefix), dimColor.Sprintf("[binary %d bytes]", len(body)))
		return
	}

	s := string(body)
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\t", " ")

	truncated := false
	if len(s) > maxBodyDisplay {
		s = s[:maxBodyDisplay]
		truncated = true
	}

	if truncated {
		fmt.Printf("%s %s%s\n", bodyColor.Sprint(prefix), bodyColor.Sprint(s), dimColor.Sprint("..."))
	} else {
		fmt.Printf("%s %s\n", bodyColor.Sprint(prefix), bodyColor.Sprint(s))
	}
}

// isTextBody checks if body appears to be text content.
func isTextBody(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	if !utf8.Valid(body) {
		return false
	}
	sample := body
	if len(sample) > 512 {
		sample = sample[:512]
	}
	controlChars := 0
	for _, b := range sample {
		if b < 32 && b != '\n' && b != '\r' && b != '\t' {
			controlChars++
		}
	}
	return float64(controlChars)/float64(len(sample)) < 0.1
}
