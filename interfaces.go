package chittybridge

import "net/http"

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Called once during App.New(), after every built-in route is registered,
// so extension routes share the same mux, auth chain, and OTEL
// instrumentation as the built-in surface.
type RouteRegistrar func(mux *http.ServeMux, auth AuthHelper)

// AuthHelper exposes the server's scope-gating middleware for use in a
// RouteRegistrar, so extension routes enforce the same §6 scope model
// without importing internal/server directly.
type AuthHelper interface {
	RequireScope(scope string) func(http.Handler) http.Handler
}

// Middleware wraps the root HTTP handler. Applied outermost — before
// routing — so it sees every request, including /health. Multiple
// middlewares are applied in registration order (first-registered is
// outermost).
type Middleware func(http.Handler) http.Handler
