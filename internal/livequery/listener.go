package livequery

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/pgrealtime/pgrealtime/internal/logutil"
)

// defaultPollInterval bounds how long a single WaitForNotification call
// blocks before the listener loop re-checks for shutdown. It does not
// introduce polling latency for delivery: pgx returns as soon as a
// notification actually arrives.
const defaultPollInterval = 200 * time.Millisecond

// notificationQueueCapacity is the size of the buffered channel between the
// listener's read loop and the dispatcher. A slow dispatcher causes drops,
// not backpressure on Postgres.
const notificationQueueCapacity = 100

// listener owns the dedicated LISTEN connection and turns raw NOTIFY
// payloads into a channel of strings for the dispatcher to consume.
type listener struct {
	conn         *pgx.Conn
	log          *zap.Logger
	pollInterval time.Duration

	queue   chan string
	dropped atomic.Int64

	stop chan struct{}
	done chan struct{}
}

func newListener(conn *pgx.Conn, log *zap.Logger) *listener {
	return &listener{
		conn:         conn,
		log:          log,
		pollInterval: defaultPollInterval,
		queue:        make(chan string, notificationQueueCapacity),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Queue returns the channel raw payloads are delivered on.
func (l *listener) Queue() <-chan string { return l.queue }

// Dropped returns the count of notifications discarded because the queue
// was full. Surfaced by System as a metric rather than silently absorbed.
func (l *listener) Dropped() int64 { return l.dropped.Load() }

// Run blocks reading notifications until Stop is called or ctx is
// cancelled. Must be started in its own goroutine.
func (l *listener) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-l.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		waitCtx, cancel := context.WithTimeout(ctx, l.pollInterval)
		notif, err := l.conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue // no notification within this slice, re-check stop/ctx
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			// Connection loss or any other unrecoverable error: log and
			// terminate rather than spin against a dead connection.
			l.log.Warn("listener: wait for notification failed, terminating", zap.Error(err))
			return
		}

		select {
		case l.queue <- notif.Payload:
		default:
			l.dropped.Add(1)
			l.log.Warn("listener: notification queue full, dropping", logutil.Values(
				zap.Int("queue_capacity", notificationQueueCapacity),
				zap.Int64("total_dropped", l.dropped.Load()),
			))
		}
	}
}

// Stop signals Run to return and waits for it to do so, then closes the
// underlying connection. Any notifications already queued remain available
// on Queue() for the dispatcher to drain.
func (l *listener) Stop(ctx context.Context) {
	close(l.stop)
	select {
	case <-l.done:
	case <-ctx.Done():
	}
	_ = l.conn.Close(context.Background())
}
