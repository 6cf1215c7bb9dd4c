// Package tracker is the client side of beacon. A Client buffers
// analytics events from the host application and pushes them in batches
// to an ingestion server, backing off while the server keeps failing.
//
// Tracking calls never block on the network and never return errors.
// Failures are only visible in the debug log.
package tracker

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"

	"example.com/beacon/internal/domain"
)

// Properties are event attributes. Values must be JSON encodable.
type Properties = domain.Properties

type Options struct {
	APIKey string
	// URL is the ingestion server root. Ignored when Pusher is set.
	URL        string
	AppVersion string
	// Info is merged over the probed DeviceInfo and sent with every batch.
	Info map[string]any

	// Storage persists the identify id. Nil uses MemoryStorage, so every
	// process is a new installation.
	Storage Storage
	// Lifecycle feeds foreground and background transitions. Nil disables
	// state events.
	Lifecycle  LifecycleSource
	HTTPClient *http.Client
	Pusher     Pusher

	Logger slog.Logger
	// Verbose replaces Logger with a human readable debug log on stderr.
	Verbose bool
	Clock   quartz.Clock

	FlushInterval     time.Duration
	MaxFailures       int
	BackoffDuration   time.Duration
	LifecycleDebounce time.Duration
	// MaxPropertiesChars should match the server's limit. Events over it
	// are dropped when tracked. Defaults to domain.DefaultMaxPropertiesChars.
	MaxPropertiesChars int
}

// Client tracks events for one installation. A tracking call drops its
// event, with a debug log, when the properties cannot be JSON encoded or
// exceed Options.MaxPropertiesChars.
type Client struct {
	log        slog.Logger
	clock      quartz.Clock
	identifyID string
	maxProps   int
	sched      *scheduler

	disposeLifecycle func()
	closeOnce        sync.Once
}

// New reads or creates the installation's identify id and starts the push
// timer. The client runs until Close; ctx only carries values and
// cancellation for the timer loop.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, xerrors.New("api key is required")
	}
	if opts.Pusher == nil {
		if opts.URL == "" {
			return nil, xerrors.New("server url is required")
		}
		opts.Pusher = &HTTPPusher{BaseURL: opts.URL, Client: opts.HTTPClient}
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultMaxFailures
	}
	if opts.BackoffDuration <= 0 {
		opts.BackoffDuration = DefaultBackoffDuration
	}
	if opts.LifecycleDebounce <= 0 {
		opts.LifecycleDebounce = DefaultLifecycleDebounce
	}
	if opts.MaxPropertiesChars <= 0 {
		opts.MaxPropertiesChars = domain.DefaultMaxPropertiesChars
	}
	if opts.Verbose {
		opts.Logger = slog.Make(sloghuman.Sink(os.Stderr)).Leveled(slog.LevelDebug)
	}
	log := opts.Logger.Named("tracker")
	if opts.Storage == nil {
		log.Info(ctx, "no storage configured, identify id will not survive restarts")
		opts.Storage = NewMemoryStorage()
	}

	info := DeviceInfo()
	maps.Copy(info, opts.Info)
	// Info goes out with every batch, so it must encode or nothing is sent.
	if _, err := json.Marshal(info); err != nil {
		return nil, xerrors.Errorf("info is not JSON encodable: %w", err)
	}

	c := &Client{
		log:      log,
		clock:    opts.Clock,
		maxProps: opts.MaxPropertiesChars,
	}
	c.identifyID = loadIdentifyID(ctx, safeStorage{s: opts.Storage, log: log}, log)

	c.sched = newScheduler(opts.Clock, log.Named("scheduler"), opts.Pusher, opts.FlushInterval, opts.MaxFailures, opts.BackoffDuration)
	c.sched.queue.maxProps = opts.MaxPropertiesChars
	c.sched.env = envelope{
		apiKey:     opts.APIKey,
		identifyID: c.identifyID,
		appVersion: opts.AppVersion,
		info:       info,
	}
	c.sched.start(ctx)

	if opts.Lifecycle == nil {
		log.Debug(ctx, "no lifecycle source, state events disabled")
		c.disposeLifecycle = func() {}
	} else {
		c.disposeLifecycle = observeLifecycle(opts.Lifecycle, opts.Clock, opts.LifecycleDebounce, c.onLifecycle)
	}

	log.Debug(ctx, "tracker started", slog.F("identify_id", c.identifyID))
	return c, nil
}

// loadIdentifyID returns the persisted identify id, creating and storing
// one on first use. A failed write keeps the new id for this process only.
func loadIdentifyID(ctx context.Context, store safeStorage, log slog.Logger) string {
	if id, ok := store.get(ctx, IdentifyIDKey); ok {
		return id
	}
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	if !store.set(ctx, IdentifyIDKey, id.String()) {
		log.Warn(ctx, "identify id not persisted, using it for this session only")
	}
	return id.String()
}

// IdentifyID is the installation's correlation id.
func (c *Client) IdentifyID() string {
	return c.identifyID
}

func (c *Client) Navigation(path string, props Properties) {
	c.track(domain.Navigation{Path: path, Properties: props, Date: c.now(), EventID: newEventID()}, nil)
}

func (c *Client) Action(name string, props Properties) {
	c.track(domain.Action{Name: name, Properties: props, Date: c.now(), EventID: newEventID()}, nil)
}

// Identify associates userID with this installation. Every later batch
// carries it until another Identify call.
func (c *Client) Identify(userID string, props Properties) {
	c.track(domain.Identify{ID: userID, Properties: props, Date: c.now(), EventID: newEventID()}, func(env *envelope) {
		env.userID = userID
	})
}

// CaptureError records err. A nil err is ignored.
func (c *Client) CaptureError(err error, props Properties) {
	if err == nil {
		return
	}
	c.track(domain.Error{Message: err.Error(), Properties: props, Date: c.now(), EventID: newEventID()}, nil)
}

// Flush pushes queued events now and waits for the push. It does nothing
// while another push is running or the client is backing off.
func (c *Client) Flush(ctx context.Context) {
	c.sched.flush(ctx)
}

// Close stops the timer and the lifecycle listener and discards queued
// events; call Flush first to send them. The result of a push still in
// flight is ignored. The client cannot be restarted.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.disposeLifecycle()
		c.sched.stop()
	})
	return nil
}

func (c *Client) track(ev domain.Event, mutate func(*envelope)) {
	// Events that could never be sent are dropped here, not retried.
	n, err := domain.PropertiesLength(ev.Props())
	if err != nil {
		c.log.Debug(context.Background(), "properties not JSON encodable, event dropped",
			slog.F("type", ev.Kind()),
			slog.Error(err),
		)
		return
	}
	if n > c.maxProps {
		c.log.Debug(context.Background(), "properties too large, event dropped",
			slog.F("type", ev.Kind()),
			slog.F("length", n),
			slog.F("max", c.maxProps),
		)
		return
	}
	if !c.sched.enqueue(ev, mutate) {
		c.log.Debug(context.Background(), "client closed, event dropped", slog.F("type", ev.Kind()))
	}
}

func (c *Client) onLifecycle(active bool) {
	c.track(domain.State{Active: active, Date: c.now(), EventID: newEventID()}, nil)
	c.sched.requestFlush()
}

// newEventID lets the server drop a batch re-sent after a lost response.
func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (c *Client) now() time.Time {
	return c.clock.Now().UTC().Truncate(time.Millisecond)
}
