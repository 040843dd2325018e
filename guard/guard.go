// Package guard validates connections handed out of a database connection
// pool. It probes liveness on acquisition, transparently re-establishes
// invalidated connections with truncated exponential backoff, and blocks
// reuse of connections across a fork boundary.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	DefaultInitialBackoff = 200 * time.Millisecond
	DefaultMaxBackoff     = 120 * time.Second
)

// Conn is the live session the guard probes during acquisition.
type Conn interface {
	ID() string
	// Ping issues a minimal no-op query against the connection.
	Ping(ctx context.Context) error
	CloseAfterResult() bool
	SetCloseAfterResult(bool)
}

// Record is the pool's bookkeeping entry for one physical connection. The
// owner token is written once at establishment and compared, never updated,
// on checkout.
type Record interface {
	ID() string
	Owner() (ProcessToken, bool)
	SetOwner(ProcessToken)
	// ClearConn drops the record's raw handle so it cannot be reused.
	ClearConn()
}

// Proxy is the in-flight checkout handle given to a caller.
type Proxy interface {
	ClearConn()
}

// Config configures a Guard.
type Config struct {
	// ReconnectTimeout bounds how long OnAcquire keeps retrying an
	// invalidated connection, measured from the first probe. Required.
	ReconnectTimeout time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration

	// Invalidated classifies probe errors. A true result means the
	// transport is confirmed dead and the probe may be retried; anything
	// else is terminal. Defaults to IsInvalidated.
	Invalidated func(error) bool

	Logger *slog.Logger
}

// Guard enforces pool lifecycle invariants. Install one per pool and route
// the pool's connect, acquire, and checkout events through it. The guard is
// reactive: it runs on the caller's goroutine and starts none of its own.
type Guard struct {
	id      string
	cfg     Config
	logger  *slog.Logger
	history *History
	stats   counters

	now   func() time.Time
	sleep func(time.Duration)
	randf func() float64
}

// New creates a Guard. ReconnectTimeout is required; backoff bounds and the
// error classifier fall back to defaults.
func New(cfg Config) (*Guard, error) {
	if cfg.ReconnectTimeout <= 0 {
		return nil, fmt.Errorf("guard: reconnect timeout is required")
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Invalidated == nil {
		cfg.Invalidated = IsInvalidated
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	id := ulid.Make().String()
	return &Guard{
		id:      id,
		cfg:     cfg,
		logger:  logger.With("guard_id", id),
		history: NewHistory(defaultHistorySize),
		now:     time.Now,
		sleep:   time.Sleep,
		randf:   rand.Float64,
	}, nil
}

// ID returns the guard's instance identifier, as used in its log output.
func (g *Guard) ID() string { return g.id }

// History returns the guard's record of recent invalidation events.
func (g *Guard) History() *History { return g.history }

// OnConnect stamps the record with the identity of the process establishing
// the connection. Invoked once per physical connection.
func (g *Guard) OnConnect(rec Record) {
	rec.SetOwner(CurrentProcess())
}

// OnAcquire proves the connection alive before the pool hands it to a
// caller. Sub-connections share their parent's already-validated liveness
// and are never probed.
//
// An invalidated probe is retried with truncated exponential backoff until
// it succeeds or ReconnectTimeout elapses since the first attempt. Because
// the pool discards its stale connections once a dead one is detected, the
// re-probe draws a freshly established physical connection. Any other
// database error is terminal and propagates immediately.
//
// The connection's close-after-result flag is forced off while probing and
// restored on every exit path. The calling goroutine blocks for the
// backoff sleeps; there is no way to cancel a running retry loop.
func (g *Guard) OnAcquire(ctx context.Context, conn Conn, sub bool) error {
	if sub {
		return nil
	}

	save := conn.CloseAfterResult()
	conn.SetCloseAfterResult(false)
	defer conn.SetCloseAfterResult(save)

	start := g.now()
	backoff := g.cfg.InitialBackoff
	attempt := 0
	for {
		attempt++
		g.stats.probes.Add(1)
		err := conn.Ping(ctx)
		if err == nil {
			if attempt > 1 {
				g.logger.Info("connection re-established",
					"conn_id", conn.ID(),
					"attempts", attempt,
					"elapsed", g.now().Sub(start))
			}
			return nil
		}

		if !g.cfg.Invalidated(err) {
			g.stats.probeFailures.Add(1)
			g.logger.Error("unknown database error during liveness probe, not retrying",
				"conn_id", conn.ID(),
				"error", err)
			return fmt.Errorf("liveness probe on connection %s: %w", conn.ID(), err)
		}

		g.history.Record(conn.ID(), err, g.now())

		// Elapsed is wall-clock since the first attempt, not per-attempt.
		elapsed := g.now().Sub(start)
		if elapsed >= g.cfg.ReconnectTimeout {
			g.stats.timeouts.Add(1)
			g.logger.Error("failed to re-establish connection within reconnect timeout",
				"conn_id", conn.ID(),
				"timeout", g.cfg.ReconnectTimeout,
				"elapsed", elapsed,
				"error", err)
			return &TimeoutError{Timeout: g.cfg.ReconnectTimeout, Elapsed: elapsed, Err: err}
		}

		g.stats.reconnects.Add(1)
		g.logger.Warn("connection invalidated, reconnecting",
			"conn_id", conn.ID(),
			"attempt", attempt,
			"error", err)

		// Full jitter on top of the current interval to avoid synchronized
		// retry storms across concurrently reconnecting clients.
		backoff += time.Duration(float64(backoff) * g.randf())
		g.sleep(min(backoff, g.cfg.MaxBackoff))
	}
}

// OnCheckout runs every time a connection leaves the pool, reused ones
// included. A connection established before a fork must never be used by
// the child: on an owner mismatch both the record and the checkout proxy
// lose their handle and the checkout fails, leaving the pool to discard the
// record and supply a different connection.
func (g *Guard) OnCheckout(rec Record, proxy Proxy) error {
	current := CurrentProcess()
	owner, stamped := rec.Owner()
	if stamped && owner.Equal(current) {
		return nil
	}

	rec.ClearConn()
	proxy.ClearConn()
	g.stats.affinityViolations.Add(1)
	g.logger.Error("connection checked out by a process that did not establish it",
		"conn_id", rec.ID(),
		"owner", owner,
		"current", current)
	return &DisconnectionError{Owner: owner, Current: current}
}
