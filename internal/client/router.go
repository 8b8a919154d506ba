package client

import "strings"

// Route is one configured path rule: Pattern may contain a single "*"
// wildcard, matched by splitting at the first "*" and requiring the
// request path to start with the prefix; a pattern without "*" requires
// exact equality.
type Route struct {
	Pattern string
	Target  string
}

// Match is the result of a successful Router.Match call.
type Match struct {
	Target         string
	MatchedPattern string
}

// fallbackPattern is the pseudo-pattern reported when no rule matches
// but a default target is configured.
const fallbackPattern = "(fallback)"

// Router picks a local target for a public request path. Rules are
// scanned in order; the first match wins. If nothing matches and a
// fallback target is configured, that target is returned with
// MatchedPattern set to fallbackPattern.
type Router struct {
	routes   []Route
	fallback string
}

// NewRouter builds a Router from configured routes plus an optional
// fallback target (empty string disables the fallback).
func NewRouter(routes []Route, fallback string) *Router {
	cp := make([]Route, len(routes))
	copy(cp, routes)
	return &Router{routes: cp, fallback: fallback}
}

// Match finds the target for path, or reports ok=false if nothing
// matched and no fallback is configured.
func (r *Router) Match(path string) (Match, bool) {
	for _, route := range r.routes {
		if matchesPattern(route.Pattern, path) {
			return Match{Target: route.Target, MatchedPattern: route.Pattern}, true
		}
	}
	if r.fallback != "" {
		return Match{Target: r.fallback, MatchedPattern: fallbackPattern}, true
	}
	return Match{}, false
}

func matchesPattern(pattern, path string) bool {
	if idx := strings.Index(pattern, "*"); idx >= 0 {
		return strings.HasPrefix(path, pattern[:idx])
	}
	return pattern == path
}
