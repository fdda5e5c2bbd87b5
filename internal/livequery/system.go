package livequery

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Option configures a System at construction time.
type Option func(*systemConfig)

type systemConfig struct {
	log                *zap.Logger
	defaultThrottleMS  int
	notificationDBConn string
	errorHandler       ErrorHandler
}

// WithLogger overrides the default zap logger (zap.NewNop() if never set).
func WithLogger(log *zap.Logger) Option {
	return func(c *systemConfig) { c.log = log }
}

// WithDefaultThrottle overrides the leading+trailing coalescing window
// applied to subscriptions that don't set SubscribeOptions.ThrottleMS.
func WithDefaultThrottle(ms int) Option {
	return func(c *systemConfig) { c.defaultThrottleMS = ms }
}

// WithErrorHandler sets the system-wide handler for subscription refresh
// failures and trigger-runtime/decode errors surfaced outside any single
// subscription's context. A subscription's own SubscribeOptions.OnError, if
// set, takes precedence for that subscription's own refresh failures. If
// never set, these errors are only logged.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(c *systemConfig) { c.errorHandler = fn }
}

// System is the live-query runtime: it owns the dedicated LISTEN
// connection, the notification dispatcher, and every active subscription.
// One System serves one PostgreSQL database.
type System struct {
	log     *zap.Logger
	cfg     systemConfig
	adminDB *sql.DB

	analyzer  *analyzer
	installer *installer
	refresh   *refreshEngine
	decoder   *decoder
	registry  *registry

	listener *listener

	subscribeMu sync.Mutex

	started  atomic.Bool
	stopDisp chan struct{}
	dispDone chan struct{}
}

// New constructs a System. adminDB is used for DDL (installing triggers and
// helper routines) and must point at the same database the notifyDSN later
// passed to Start connects to.
func New(adminDB *sql.DB, opts ...Option) *System {
	cfg := systemConfig{
		log:               zap.NewNop(),
		defaultThrottleMS: defaultThrottleMS,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &System{
		log:       cfg.log,
		cfg:       cfg,
		adminDB:   adminDB,
		analyzer:  newAnalyzer(),
		installer: newInstaller(adminDB),
		refresh:   newRefreshEngine(),
		decoder:   newDecoder(),
		registry:  newRegistry(),
	}
}

// Start installs the shared helper routines, opens the dedicated LISTEN
// connection, and starts the listener and dispatcher goroutines. notifyDSN
// must be a libpq connection string pgx can dial directly (the pooled
// adminDB connection can't be put into LISTEN mode safely, since
// database/sql may recycle the underlying connection at any time).
func (s *System) Start(ctx context.Context, notifyDSN string) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("system already started")
	}

	if _, err := s.adminDB.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS pgcrypto`); err != nil {
		return fmt.Errorf("ensure pgcrypto: %w", err)
	}
	if _, err := s.adminDB.ExecContext(ctx, installQualifyHelperSQL); err != nil {
		return fmt.Errorf("install qualify helper: %w", err)
	}
	if _, err := s.adminDB.ExecContext(ctx, installPartitionRootHelperSQL); err != nil {
		return fmt.Errorf("install partition-root helper: %w", err)
	}
	if _, err := s.adminDB.ExecContext(ctx, installParseQuerySQL); err != nil {
		return fmt.Errorf("install parse_query routine: %w", err)
	}

	conn, err := pgx.Connect(ctx, notifyDSN)
	if err != nil {
		return fmt.Errorf("open listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("LISTEN %s: %w", Channel, err)
	}

	s.listener = newListener(conn, s.log)
	s.stopDisp = make(chan struct{})
	s.dispDone = make(chan struct{})

	// ctx bounds startup only; the listener runs until Shutdown.
	go s.listener.Run(context.WithoutCancel(ctx))
	go s.dispatch()

	s.log.Info("live-query system started", zap.String("channel", Channel))
	return nil
}

// Shutdown stops the listener and dispatcher and closes every
// subscription's throttler. It does not uninstall triggers or helper
// routines; use DestroyObjects for that, after Shutdown.
func (s *System) Shutdown(ctx context.Context) {
	if !s.started.CompareAndSwap(true, false) {
		return
	}

	s.listener.Stop(ctx)
	close(s.stopDisp)
	select {
	case <-s.dispDone:
	case <-ctx.Done():
	}

	for _, sub := range s.registry.snapshot() {
		sub.throttle.Close()
	}
	s.log.Info("live-query system stopped")
}

// Dropped returns the number of notifications discarded because the
// internal delivery queue was full.
func (s *System) Dropped() int64 {
	if s.listener == nil {
		return 0
	}
	return s.listener.Dropped()
}

// Subscribe registers query under id, executes it once synchronously to
// populate the handle's initial result, installs triggers on every table
// it depends on, and returns a Handle kept current until Unsubscribe is
// called. An empty id gets a generated one. Calling Subscribe again with an
// id already registered re-points that same subscription at the new query
// and this call's options (an omitted policy becomes DefaultPolicy; nothing
// is carried over from the earlier call) without disturbing the identity of the
// returned Handle's underlying result holder — watchers registered on the
// original Handle keep receiving updates. db is the connection subsequent
// refreshes run against; it should be distinct from any connection used
// for LISTEN.
func (s *System) Subscribe(ctx context.Context, id string, db DBTX, query string, opts SubscribeOptions) (*Handle, error) {
	if !s.started.Load() {
		return nil, fmt.Errorf("system not started")
	}
	if id == "" {
		id = uuid.NewString()
	}

	spec, err := s.analyzer.Analyze(ctx, db, query)
	if err != nil {
		return nil, err
	}
	if err := s.installer.EnsureInstalled(ctx, spec.Tables); err != nil {
		return nil, err
	}

	throttleMS := opts.ThrottleMS
	if throttleMS <= 0 {
		throttleMS = s.cfg.defaultThrottleMS
	}
	policy := opts.Refresh
	if policy == nil {
		policy = DefaultPolicy{}
	}
	onError := opts.OnError
	if onError == nil {
		onError = s.cfg.errorHandler
	}

	s.subscribeMu.Lock()
	defer s.subscribeMu.Unlock()

	// Re-subscribing with an existing id builds a wholly new subscription
	// struct (preserving only the holder, for watcher continuity) and swaps
	// it into the registry as a single pointer write, rather than mutating
	// the live subscription's fields in place: the dispatcher reads those
	// fields from a snapshot taken outside the registry lock, so in-place
	// mutation would race with a concurrent notification's refresh.Decide.
	holder := newResultHolder()
	if existing, ok := s.registry.get(id); ok {
		existing.throttle.Close()
		holder = existing.holder
	}

	sub := &subscription{
		id:      id,
		query:   query,
		args:    opts.Args,
		db:      db,
		spec:    spec,
		policy:  policy,
		onError: onError,
		holder:  holder,
		log:     s.log,
	}
	sub.throttle = newThrottler(time.Duration(throttleMS)*time.Millisecond, sub.refreshNow)

	rows, hash, err := sub.runQuery(ctx)
	if err != nil {
		sub.throttle.Close()
		return nil, err
	}
	sub.holder.publish(rows, hash)

	s.registry.put(sub)

	return &Handle{id: sub.id, holder: sub.holder, sub: sub}, nil
}

// Unsubscribe stops keeping a handle's result current and releases its
// throttler. The Handle itself remains readable with its last value.
func (s *System) Unsubscribe(id string) {
	sub, ok := s.registry.remove(id)
	if !ok {
		return
	}
	sub.throttle.Close()
}

// dispatch is the single consumer of the listener's notification queue. It
// decodes each payload once and evaluates every subscription's refresh
// policy against it, so a table change touched by many subscriptions is
// decoded exactly once regardless of fan-out.
func (s *System) dispatch() {
	defer close(s.dispDone)
	queue := s.listener.Queue()
	for {
		select {
		case <-s.stopDisp:
			s.drain(queue)
			return
		case payload, ok := <-queue:
			if !ok {
				return
			}
			s.handlePayload(payload)
		}
	}
}

// drain empties any notifications already queued before Stop was observed,
// rather than discarding work that made it past the listener.
func (s *System) drain(queue <-chan string) {
	for {
		select {
		case payload, ok := <-queue:
			if !ok {
				return
			}
			s.handlePayload(payload)
		default:
			return
		}
	}
}

func (s *System) handlePayload(payload string) {
	change, err := s.decoder.Decode(payload)
	if err != nil {
		s.log.Warn("dispatch: failed to decode notification", zap.Error(err))
		if s.cfg.errorHandler != nil {
			s.cfg.errorHandler(err, payload)
		}
		return
	}

	ctx := context.Background()
	for _, sub := range s.registry.snapshot() {
		current := sub.holder.current()
		refresh, err := s.refresh.Decide(ctx, sub.db, sub.spec, sub.policy, current, change)
		if err != nil {
			sub.reportError(err)
			continue
		}
		if refresh {
			sub.throttle.Trigger()
		}
	}
}
