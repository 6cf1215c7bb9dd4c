package transporthttp

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cdr.dev/slog/v3"

	"example.com/beacon/internal/config"
	"example.com/beacon/internal/domain"
	"example.com/beacon/internal/ingest"
	"example.com/beacon/internal/ratelimit"
)

// Pusher runs a decoded batch through the ingest pipeline.
type Pusher interface {
	Push(ctx context.Context, b *domain.Batch, meta domain.RequestMetadata) (ingest.Result, error)
}

type Readier interface {
	Ready(ctx context.Context) error
}

type ServerDeps struct {
	Cfg      config.Config
	Ingest   Pusher
	DB       Readier
	Logger   slog.Logger
	Gatherer prometheus.Gatherer
	Now      func() time.Time
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Health ---

func (d *ServerDeps) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (d *ServerDeps) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := d.DB.Ready(r.Context()); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "NOT_READY", "database not reachable", "")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

// --- Push ---

func (d *ServerDeps) HandlePush(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)

	var b domain.Batch
	if err := decodeJSON(r, &b); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, string(ingest.CodeInvalidRequest),
				"request body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes", "")
			return
		}
		var fe *domain.FieldError
		if errors.As(err, &fe) {
			WriteError(w, http.StatusBadRequest, string(ingest.CodeInvalidRequest), fe.Msg, fe.Field)
			return
		}
		WriteError(w, http.StatusBadRequest, string(ingest.CodeInvalidRequest), "invalid json: "+err.Error(), "")
		return
	}

	res, err := d.Ingest.Push(r.Context(), &b, RequestMetadata(r, d.Cfg.CountryHeaders))
	if res.RateLimit != nil {
		setRateLimitHeaders(w, *res.RateLimit)
	}
	if err != nil {
		var ie *ingest.Error
		if !errors.As(err, &ie) {
			ie = &ingest.Error{Code: ingest.CodeInternal, Message: "internal error", Err: err}
		}
		msg := ie.Message
		if ie.Code == ingest.CodeInternal {
			d.Logger.Error(r.Context(), "push failed",
				slog.F("app_id", res.Tenant.AppID),
				slog.F("reason", ie.Message),
				slog.Error(ie.Err),
			)
			msg = "internal error"
		}
		if ie.Code == ingest.CodeRateLimitExceeded && res.RateLimit != nil {
			w.Header().Set("Retry-After", strconv.Itoa(d.retryAfterSeconds(*res.RateLimit)))
		}
		WriteError(w, statusFor(ie.Code), string(ie.Code), msg, ie.Field)
		return
	}

	writeJSON(w, http.StatusCreated, successBody{Success: true})
}

func statusFor(code ingest.Code) int {
	switch code {
	case ingest.CodeInvalidAPIKey:
		return http.StatusForbidden
	case ingest.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case ingest.CodeInvalidRequest, ingest.CodePropertiesTooLarge:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func setRateLimitHeaders(w http.ResponseWriter, st ratelimit.Status) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(st.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(st.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(st.ResetAt.Unix(), 10))
}

func (d *ServerDeps) retryAfterSeconds(st ratelimit.Status) int {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	secs := int(math.Ceil(st.ResetAt.Sub(now()).Seconds()))
	return max(1, secs)
}

// --- Router ---

func (d *ServerDeps) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", d.HandleHealthz)
	r.Get("/readyz", d.HandleReadyz)

	if d.Gatherer != nil {
		r.With(APIKeyAuth(d.Cfg.MetricsAPIKeys)).
			Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/analytics", func(r chi.Router) {
		// Browsers push from any origin without cookies.
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Content-Type"},
			ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
		r.With(
			IPBurstGuard(d.Cfg.IPBurstPerSecond),
			BodyLimit(d.Cfg.MaxBodyBytes),
			RequireJSON,
		).Post("/push", d.HandlePush)
	})

	return r
}
