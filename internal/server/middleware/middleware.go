// Package middleware holds the HTTP middleware of the inner FHIR surface.
package middleware

import (
	"log/slog"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/open-eprescription/erx-service/internal/erx"
	"github.com/open-eprescription/erx-service/internal/fhir"
)

// respondError mirrors the server package's error rendering; kept local so
// the middleware has no import cycle with it.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := erx.AsError(err)
	outcome := fhir.NewOperationOutcome(serviceErr.IssueCode(), serviceErr.Error())

	format := fhir.RequestFormat(r)
	body, encodeErr := fhir.EncodeResource(outcome, format)
	if encodeErr != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(serviceErr.HTTPStatus())
	_, _ = w.Write(body)
}

// RequireUserAgent rejects any request without a User-Agent header,
// regardless of token validity.
func RequireUserAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestSizeLimit returns a middleware that enforces a maximum request body
// size.
//
// Requests whose Content-Length already exceeds the limit are rejected
// immediately; otherwise the body reader enforces it, in case the header is
// absent or wrong.
func RequestSizeLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Max-Request-Size", strconv.FormatInt(maxBytes, 10))

			if r.ContentLength > maxBytes {
				respondError(w, r, erx.NewPayloadTooLargeError("request body exceeds maximum size"))
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit limits requests per second. If requestsPerSecond <= 0, rate
// limiting is disabled.
func RateLimit(requestsPerSecond int32, burst int32, logger *slog.Logger) func(http.Handler) http.Handler {
	if requestsPerSecond <= 0 {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	limiter := rate.NewLimiter(rate.Limit(requestsPerSecond), int(burst))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				logger.Warn("rate limit exceeded",
					slog.String("remote_addr", r.RemoteAddr))

				w.Header().Set("Retry-After", "1")
				respondError(w, r, erx.NewThrottledError("too many requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
