// Package api exposes the relay supervisor over HTTP.
//
// Handler routes the /v1/sessions endpoints to a Supervisor injected at
// construction time and maps its sentinel errors onto status codes in one
// place. The middleware chain assembled by New adds request IDs, request
// logging, metrics, a global rate limit and bearer-token authentication, so
// handlers never repeat those checks.
package api
