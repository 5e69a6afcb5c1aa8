// Package api is the client of the legacy backend web service.
//
// Every request is a form-encoded POST to one endpoint, answered with a JSON
// envelope:
//
//	{"status": 0, "data": ...}
//
// A non-zero status is returned as *APIError. Authenticated services wrap
// their payload once more as data = [code, payload], where a non-zero code
// is also an *APIError.
//
// The Client carries requests over a tunnel.Conn that it dials on first use
// and drops once the connection closes, so a burst of calls shares one TLS
// session and the next burst dials again.
package api
