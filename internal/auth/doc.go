// Package auth handles customer authentication for the HTTP API.
//
// Credentials arrive as a bearer value in the Authorization header and may
// be either an HS256 JWT carrying the user id in the "sub" claim, or a raw
// API key looked up in the store. The middleware resolves the credential to
// a store.User and places it in the request context for handlers.
package auth
