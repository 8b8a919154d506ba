// Package authstore provides concrete AuthProvider adapters behind the
// gateway's narrow interface: an in-memory map for tests and
// single-operator deployments, a JWT bearer-token validator, and a
// Postgres-backed lookup for multi-operator deployments. Each is a
// concrete adapter the gateway core never imports directly.
package authstore

import (
	"context"
	"sync"
)

// Static is an in-memory api_key -> account_id table. It also implements
// a reserved-name source so a deployment can seed the registry's reserved
// set from the same static config file.
type Static struct {
	mu       sync.RWMutex
	keys     map[string]string
	reserved []string
}

// NewStatic builds a Static provider from an api_key -> account_id map.
func NewStatic(keys map[string]string) *Static {
	cp := make(map[string]string, len(keys))
	for k, v := range keys {
		cp[k] = v
	}
	return &Static{keys: cp}
}

// Validate implements gateway.AuthProvider.
func (s *Static) Validate(_ context.Context, apiKey string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keys[apiKey]
	return id, ok
}

// Set adds or updates one key.
func (s *Static) Set(apiKey, accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[apiKey] = accountID
}

// Revoke removes a key.
func (s *Static) Revoke(apiKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, apiKey)
}

// WithReserved attaches a fixed set of administratively reserved names,
// exposed via ReservedNames.
func (s *Static) WithReserved(names ...string) *Static {
	s.reserved = names
	return s
}

// ReservedNames returns the attached reserved-name set, passed to
// registry.New as extraReserved by whichever AuthProvider a deployment
// picks. Postgres's own ReservedNames has a different, ctx/error-returning
// signature (its reserved set is a DB query, not a static slice), so the
// two adapters are read by their call sites individually rather than
// through one shared interface.
func (s *Static) ReservedNames() []string {
	return s.reserved
}

// AllowAll validates any non-empty api_key against a fixed account id.
// It exists for single-operator deployments that set require_auth: false
// and don't want to provision real per-account keys.
type AllowAll struct {
	AccountID string
}

// Validate implements gateway.AuthProvider.
func (a AllowAll) Validate(_ context.Context, apiKey string) (string, bool) {
	if apiKey == "" {
		return "", false
	}
	return a.AccountID, true
}
