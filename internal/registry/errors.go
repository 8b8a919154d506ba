package registry

import "errors"

var (
	// ErrSubdomainInvalid is returned when a requested subdomain fails the
	// grammar (length, charset, hyphen placement).
	ErrSubdomainInvalid = errors.New("registry: subdomain invalid")
	// ErrSubdomainReserved is returned when a requested subdomain is in the
	// reserved set.
	ErrSubdomainReserved = errors.New("registry: subdomain reserved")
	// ErrSubdomainUnavailable is returned when a requested subdomain is
	// already held by an active tunnel, or when random allocation exhausts
	// its retry budget.
	ErrSubdomainUnavailable = errors.New("registry: subdomain unavailable")
)
