package ingress

import "errors"

// ErrNoRoute names the case of a host that resolves to neither the base
// domain nor an active tunnel subdomain. No function in this package
// returns it; such requests are answered with a 404 directly.
var ErrNoRoute = errors.New("ingress: no route for host")
