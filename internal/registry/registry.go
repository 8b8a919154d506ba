// Package registry allocates, validates, and owns subdomains for active
// tunnels, keeping three indices (by_id, by_subdomain, by_client) under a
// single mutex rather than per-index locks.
package registry

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// randomAllocAttempts bounds the retry loop for collision-free random
// subdomain generation.
const randomAllocAttempts = 10

// DefaultReserved is the fixed default reserved-subdomain set, which
// cannot be removed administratively; callers may add more names via
// Registry.AddReserved.
var DefaultReserved = []string{
	"www", "api", "admin", "app", "mail", "ftp", "ns1", "ns2",
	"status", "metrics", "health", "dashboard", "docs", "blog",
}

// Tunnel is a single active tunnel binding a subdomain to an owning
// control-channel client.
type Tunnel struct {
	ID        string
	Subdomain string
	ClientID  string
	CreatedAt time.Time
	Auth      string // "user:pass", empty if the tunnel has no basic-auth challenge
}

// Registry owns the three indices describing active tunnels. All three
// move together under one exclusive lock rather than a lock per index,
// since a tunnel open/close must update them atomically.
type Registry struct {
	mu         sync.RWMutex
	byID       map[string]*Tunnel
	bySubdomain map[string]*Tunnel
	byClient   map[string]map[string]*Tunnel

	reserved map[string]bool
}

// New creates an empty registry seeded with DefaultReserved plus any
// administratively supplied extra names.
func New(extraReserved ...string) *Registry {
	r := &Registry{
		byID:        make(map[string]*Tunnel),
		bySubdomain: make(map[string]*Tunnel),
		byClient:    make(map[string]map[string]*Tunnel),
		reserved:    make(map[string]bool),
	}
	for _, n := range DefaultReserved {
		r.reserved[n] = true
	}
	for _, n := range extraReserved {
		r.reserved[strings.ToLower(n)] = true
	}
	return r
}

// AddReserved adds an administratively reserved name. DefaultReserved
// entries are never removable.
func (r *Registry) AddReserved(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reserved[strings.ToLower(name)] = true
}

// ValidateSubdomain checks the subdomain grammar: 3-63 chars, lowercase
// alphanumerics and hyphen, no leading/trailing/doubled hyphen, not in
// the reserved set.
func (r *Registry) ValidateSubdomain(name string) error {
	if !grammarValid(name) {
		return ErrSubdomainInvalid
	}
	r.mu.RLock()
	reserved := r.reserved[name]
	r.mu.RUnlock()
	if reserved {
		return ErrSubdomainReserved
	}
	return nil
}

func grammarValid(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if name[0] == '-' || name[len(name)-1] == '-' {
		return false
	}
	prevHyphen := false
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-':
			if prevHyphen {
				return false
			}
		default:
			return false
		}
		prevHyphen = c == '-'
	}
	return true
}

// Register allocates a tunnel for clientID. If requested is empty, a
// random 8-hex subdomain is generated, retrying on collision up to
// randomAllocAttempts times. If requested is non-empty it is lowercased,
// validated, and must not already be held.
func (r *Registry) Register(clientID, requested, auth string) (*Tunnel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var subdomain string
	if requested == "" {
		sd, err := r.allocateRandomLocked()
		if err != nil {
			return nil, err
		}
		subdomain = sd
	} else {
		subdomain = strings.ToLower(requested)
		if !grammarValid(subdomain) {
			return nil, ErrSubdomainInvalid
		}
		if r.reserved[subdomain] {
			return nil, ErrSubdomainReserved
		}
		if _, taken := r.bySubdomain[subdomain]; taken {
			return nil, ErrSubdomainUnavailable
		}
	}

	t := &Tunnel{
		ID:        uuid.New().String(),
		Subdomain: subdomain,
		ClientID:  clientID,
		CreatedAt: time.Now(),
		Auth:      auth,
	}
	r.byID[t.ID] = t
	r.bySubdomain[t.Subdomain] = t
	if r.byClient[clientID] == nil {
		r.byClient[clientID] = make(map[string]*Tunnel)
	}
	r.byClient[clientID][t.ID] = t
	return t, nil
}

func (r *Registry) allocateRandomLocked() (string, error) {
	for i := 0; i < randomAllocAttempts; i++ {
		name, err := randomSubdomain()
		if err != nil {
			return "", fmt.Errorf("registry: generate random subdomain: %w", err)
		}
		if r.reserved[name] {
			continue
		}
		if _, taken := r.bySubdomain[name]; taken {
			continue
		}
		return name, nil
	}
	return "", ErrSubdomainUnavailable
}

func randomSubdomain() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// FindBySubdomain looks up the active tunnel for a case-insensitive
// subdomain. O(1) expected.
func (r *Registry) FindBySubdomain(name string) (*Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.bySubdomain[strings.ToLower(name)]
	return t, ok
}

// UnregisterByID removes a single tunnel, returning it if it existed.
func (r *Registry) UnregisterByID(tunnelID string) (*Tunnel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[tunnelID]
	if !ok {
		return nil, false
	}
	r.removeLocked(t)
	return t, true
}

// UnregisterByClient removes every tunnel owned by clientID, used on
// control-channel disconnect so that the subdomain frees atomically with
// channel teardown.
func (r *Registry) UnregisterByClient(clientID string) []*Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()
	owned := r.byClient[clientID]
	if len(owned) == 0 {
		return nil
	}
	out := make([]*Tunnel, 0, len(owned))
	for _, t := range owned {
		out = append(out, t)
		delete(r.byID, t.ID)
		delete(r.bySubdomain, t.Subdomain)
	}
	delete(r.byClient, clientID)
	return out
}

func (r *Registry) removeLocked(t *Tunnel) {
	delete(r.byID, t.ID)
	delete(r.bySubdomain, t.Subdomain)
	if m := r.byClient[t.ClientID]; m != nil {
		delete(m, t.ID)
		if len(m) == 0 {
			delete(r.byClient, t.ClientID)
		}
	}
}

// ActiveTunnelCount returns the number of currently registered tunnels,
// used by the /health endpoint.
func (r *Registry) ActiveTunnelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
