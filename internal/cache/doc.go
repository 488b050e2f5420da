// Package cache defines the Store capability used by the cached request
// client to persist and replay responses. A Store keeps two records per
// fingerprint: the origin response headers (JSON) and the response body in its
// storage form (always gzip). Implementations ship for the local filesystem
// (temp file + fsync + rename) and for MinIO/S3-compatible object storage; the
// client never special-cases either of them. Absence is reported with a false
// ok flag, never as an error, so higher layers can tell a miss from a failure.
package cache
