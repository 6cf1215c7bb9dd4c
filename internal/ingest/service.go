// Package ingest runs a push batch through authentication, rate limiting,
// validation and persistence, then schedules identity reconciliation.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"cdr.dev/slog/v3"

	"example.com/beacon/internal/domain"
	"example.com/beacon/internal/metrics"
	"example.com/beacon/internal/ratelimit"
	"example.com/beacon/internal/reconcile"
	"example.com/beacon/internal/storage"
)

// Code identifies a rejection reason on the wire.
type Code string

const (
	CodeInvalidAPIKey      Code = "INVALID_API_KEY"
	CodeRateLimitExceeded  Code = "RATE_LIMIT_EXCEEDED"
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodePropertiesTooLarge Code = "PROPERTIES_TOO_LARGE"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// Error is a rejected push. Field names the offending input, if any.
type Error struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Store is the subset of storage.Store the write path uses.
type Store interface {
	LookupAPIKey(ctx context.Context, key uuid.UUID) (domain.Tenant, error)
	InsertEvents(ctx context.Context, plane domain.DataPlane, records []domain.Record) ([]domain.Record, error)
}

type Limiter interface {
	Check(ctx context.Context, plane domain.DataPlane, apiKey uuid.UUID, incoming int) (ratelimit.Status, error)
}

type Reconciler interface {
	Enqueue(job reconcile.Job) bool
}

type Options struct {
	Store      Store
	Limiter    Limiter
	Reconciler Reconciler
	Clock      quartz.Clock
	Logger     slog.Logger
	Metrics    *metrics.Metrics
	// MaxPropertiesChars defaults to domain.DefaultMaxPropertiesChars.
	MaxPropertiesChars int
}

type Service struct {
	store      Store
	limiter    Limiter
	reconciler Reconciler
	clock      quartz.Clock
	log        slog.Logger
	metrics    *metrics.Metrics
	maxProps   int
}

func NewService(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.MaxPropertiesChars <= 0 {
		opts.MaxPropertiesChars = domain.DefaultMaxPropertiesChars
	}
	return &Service{
		store:      opts.Store,
		limiter:    opts.Limiter,
		reconciler: opts.Reconciler,
		clock:      opts.Clock,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		maxProps:   opts.MaxPropertiesChars,
	}
}

// Result describes an accepted push. RateLimit is also filled in when the
// push is rejected at or after the rate limit step.
type Result struct {
	Tenant    domain.Tenant
	RateLimit *ratelimit.Status
	Inserted  int64
}

// Push processes one batch. Each step's failure short-circuits the rest.
// On failure the error is an *Error.
func (s *Service) Push(ctx context.Context, b *domain.Batch, meta domain.RequestMetadata) (Result, error) {
	start := s.clock.Now()
	defer func() { s.metrics.ObservePush(s.clock.Since(start).Seconds()) }()

	var res Result

	tenant, authErr := s.authenticate(ctx, b.APIKey)
	if authErr != nil {
		return res, s.reject(authErr)
	}
	res.Tenant = tenant

	st, err := s.limiter.Check(ctx, tenant.Plane, tenant.APIKey, len(b.Events))
	if err != nil {
		return res, s.reject(&Error{Code: CodeInternal, Message: "rate limit check failed", Err: err})
	}
	res.RateLimit = &st
	if !st.Allowed {
		return res, s.reject(&Error{
			Code:    CodeRateLimitExceeded,
			Message: fmt.Sprintf("rate limit of %d events per window exceeded", st.Limit),
		})
	}

	if errs := domain.ValidateBatch(b); len(errs) > 0 {
		return res, s.reject(&Error{Code: CodeInvalidRequest, Message: errs[0].Msg, Field: errs[0].Field})
	}
	if fe := domain.CheckPropertiesSize(b.Events, s.maxProps); fe != nil {
		return res, s.reject(&Error{Code: CodePropertiesTooLarge, Message: fe.Msg, Field: fe.Field})
	}

	records := BuildRecords(b, tenant.APIKey, meta, s.clock.Now())
	inserted, err := s.store.InsertEvents(ctx, tenant.Plane, records)
	if err != nil {
		return res, s.reject(&Error{Code: CodeInternal, Message: "failed to store events", Err: err})
	}
	n := int64(len(inserted))
	res.Inserted = n
	// Re-sent events skipped by the store are not counted.
	for _, rec := range inserted {
		s.metrics.Accepted(string(tenant.Plane), string(rec.Type))
	}

	if b.UserID != "" && b.IdentifyID != "" && s.reconciler != nil {
		s.reconciler.Enqueue(reconcile.Job{
			Plane:      tenant.Plane,
			APIKey:     tenant.APIKey,
			UserID:     b.UserID,
			IdentifyID: b.IdentifyID,
		})
	}

	s.log.Debug(ctx, "stored push batch",
		slog.F("app_id", tenant.AppID),
		slog.F("plane", tenant.Plane),
		slog.F("events", len(b.Events)),
		slog.F("inserted", n),
	)
	return res, nil
}

func (s *Service) authenticate(ctx context.Context, raw string) (domain.Tenant, *Error) {
	key, err := uuid.Parse(raw)
	if err != nil {
		return domain.Tenant{}, &Error{Code: CodeInvalidAPIKey, Message: "invalid API key", Field: "apiKey"}
	}
	tenant, err := s.store.LookupAPIKey(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Tenant{}, &Error{Code: CodeInvalidAPIKey, Message: "invalid API key", Field: "apiKey"}
	}
	if err != nil {
		return domain.Tenant{}, &Error{Code: CodeInternal, Message: "failed to look up API key", Err: err}
	}
	return tenant, nil
}

func (s *Service) reject(err *Error) error {
	s.metrics.Rejected(string(err.Code))
	return err
}
