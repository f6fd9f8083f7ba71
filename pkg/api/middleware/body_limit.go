package middleware

import (
	"net/http"
)

// BodySizeLimit creates middleware that limits the size of incoming request
// bodies. Requests that declare a larger Content-Length are rejected before
// the handler runs; others are cut off by http.MaxBytesReader.
func BodySizeLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				WriteError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

			next.ServeHTTP(w, r)
		})
	}
}
