package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/watzon/sellia/internal/client"
	"github.com/watzon/sellia/internal/tui"
)

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sellia",
	Short: "A self-hostable reverse tunnel for local development",
	Long: `sellia exposes a local server to the internet through a relay you control.

Run 'sellia server' on a host with a public domain, then 'sellia client'
locally to receive traffic at a generated or requested subdomain.`,
	Version: version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the sellia version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// waitForSignal cancels ctx's cancel func on SIGINT/SIGTERM.
func waitForSignal(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()
}

// runTUI wires a client into a bubbletea program instead of the plain
// colored log lines, returning once the program (or the client) exits.
func runTUI(ctx context.Context, c *client.Client) error {
	model := tui.NewModel()
	c.SetTUIChannels(model.RequestChannel(), model.ConnectionChannel())

	program := tea.NewProgram(model, tea.WithAltScreen())

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	if _, err := program.Run(); err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	return <-errCh
}
