// Package cachedrequest wraps an HTTP client with a read-through response
// cache. Client.Request returns a Request immediately; a background resolver
// stats the Store, replays fresh entries (headers and body read in parallel)
// and otherwise performs the live call, streaming the body to the caller while
// a bounded copy is compressed and written back. Cache read failures fall back
// to the live call and cache write failures are reported as cache-error
// diagnostics only, so a broken Store degrades to a plain HTTP client.
//
// Callers choose between the completion form (Callback / Client.Do) and the
// stream form (Client.Stream, then Read until io.EOF). Both forms deliver the
// same bytes for cache hits and misses; hits carry X-From-Cache: true.
package cachedrequest
