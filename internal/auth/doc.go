// Package auth authenticates API callers for coven-runtime.
//
// # Validators
//
// A Validator turns a bearer credential into an Identity (subject plus
// scopes). Two implementations ship with the runtime:
//
//   - JWTValidator: HS256 tokens signed with the configured jwt_secret. The
//     "scope" claim is a space separated scope list.
//
//   - StaticValidator: long-lived tokens configured as bcrypt hashes.
//
// Chain combines them. When no validator is configured every request runs
// as Anonymous, which holds all scopes.
//
// # Scopes
//
//	tasks:write  message/send, message/stream, tasks/cancel, push config set
//	tasks:read   tasks/get, tasks/resubscribe, push config get
//	admin        the /api operator surface; implies the others
//
// # HTTP
//
//	mux.Handle("/api/", auth.Middleware(v)(auth.RequireScope(auth.ScopeAdmin)(api)))
//
// The A2A endpoint calls Authenticate directly so failures are reported as
// JSON-RPC errors rather than HTTP status codes.
package auth
