package transporthttp

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/httprate"

	"example.com/beacon/internal/domain"
	"example.com/beacon/internal/ingest"
)

// BodyLimit limits request bodies to maxBytes.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireJSON ensures Content-Type is application/json for POST endpoints.
func RequireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if r.Method == http.MethodPost && !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			WriteError(w, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", "expected application/json", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// APIKeyAuth allows an optional list of API keys; if the list is empty, auth is bypassed.
// Keys are expected in header: X-API-Key. It guards operator endpoints, not
// tenant pushes, which carry their key in the body.
func APIKeyAuth(allowed map[string]struct{}) func(http.Handler) http.Handler {
	if len(allowed) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if _, ok := allowed[key]; !ok {
				WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing API key", "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IPBurstGuard caps push requests per client address per second. It runs
// before the body is read and is independent of the per API key window.
func IPBurstGuard(perSecond int) func(http.Handler) http.Handler {
	if perSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		perSecond,
		time.Second,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			WriteError(w, http.StatusTooManyRequests, string(ingest.CodeRateLimitExceeded), "too many requests from this address", "")
		}),
	)
}

// RequestMetadata derives the request-level metadata attached to every
// event of a batch. countryHeaders are trusted proxy headers in priority
// order.
func RequestMetadata(r *http.Request, countryHeaders []string) domain.RequestMetadata {
	var meta domain.RequestMetadata
	for _, h := range countryHeaders {
		v := strings.TrimSpace(r.Header.Get(h))
		// XX is the proxies' "unknown" marker.
		if v != "" && !strings.EqualFold(v, "XX") {
			meta.Country = strings.ToUpper(v)
			break
		}
	}
	meta.UserAgent = r.UserAgent()
	return meta
}

// DrainBody fully reads and closes request bodies (handler helper).
func DrainBody(r *http.Request) {
	if r.Body != nil {
		_, _ = io.Copy(io.Discard, r.Body)
		_ = r.Body.Close()
	}
}
