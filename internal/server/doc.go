// Package server hosts the Fiber gateway in front of cachedrequest: the
// route registry built from [[Route]] config, the Host lookup middleware and
// the shared upstream http.Client. Handlers receive an already resolved
// *Route and never parse config themselves.
package server
