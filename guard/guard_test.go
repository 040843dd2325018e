package guard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn scripts successive probe results and records the value of the
// close-after-result flag at each probe.
type fakeConn struct {
	id             string
	flag           bool
	results        []error
	pings          int
	flagDuringPing []bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Ping(ctx context.Context) error {
	c.flagDuringPing = append(c.flagDuringPing, c.flag)
	i := c.pings
	c.pings++
	if i < len(c.results) {
		return c.results[i]
	}
	return nil
}

func (c *fakeConn) CloseAfterResult() bool     { return c.flag }
func (c *fakeConn) SetCloseAfterResult(v bool) { c.flag = v }

type fakeRecord struct {
	id      string
	owner   ProcessToken
	stamped bool
	cleared bool
}

func (r *fakeRecord) ID() string { return r.id }

func (r *fakeRecord) Owner() (ProcessToken, bool) { return r.owner, r.stamped }

func (r *fakeRecord) SetOwner(t ProcessToken) {
	if r.stamped {
		return
	}
	r.owner = t
	r.stamped = true
}

func (r *fakeRecord) ClearConn() { r.cleared = true }

type fakeProxy struct {
	cleared bool
}

func (p *fakeProxy) ClearConn() { p.cleared = true }

// markedInvalidated carries the transport-dead verdict the classifier
// honors.
type markedInvalidated struct {
	msg string
}

func (e *markedInvalidated) Error() string               { return e.msg }
func (e *markedInvalidated) ConnectionInvalidated() bool { return true }

func invalidatedErr() error {
	return &markedInvalidated{msg: "server closed the connection unexpectedly"}
}

// newTestGuard returns a guard with a deterministic clock, jitter source,
// and a sleep that records durations while advancing the clock.
func newTestGuard(t *testing.T, cfg Config, jitter float64) (*Guard, *[]time.Duration) {
	t.Helper()
	if cfg.ReconnectTimeout == 0 {
		cfg.ReconnectTimeout = 5 * time.Second
	}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	g, err := New(cfg)
	require.NoError(t, err)

	sleeps := &[]time.Duration{}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	g.sleep = func(d time.Duration) {
		*sleeps = append(*sleeps, d)
		now = now.Add(d)
	}
	g.randf = func() float64 { return jitter }
	return g, sleeps
}

func TestNewRequiresReconnectTimeout(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestNewAppliesDefaults(t *testing.T) {
	g, err := New(Config{ReconnectTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, DefaultInitialBackoff, g.cfg.InitialBackoff)
	assert.Equal(t, DefaultMaxBackoff, g.cfg.MaxBackoff)
	assert.NotNil(t, g.cfg.Invalidated)
	assert.NotEmpty(t, g.ID())
}

func TestOnAcquireSucceedsOnFirstProbe(t *testing.T) {
	g, sleeps := newTestGuard(t, Config{}, 0.5)
	conn := &fakeConn{id: "c1"}

	require.NoError(t, g.OnAcquire(context.Background(), conn, false))
	assert.Equal(t, 1, conn.pings)
	assert.Empty(t, *sleeps)
}

func TestOnAcquireSubConnectionSkipsProbe(t *testing.T) {
	g, sleeps := newTestGuard(t, Config{}, 0.5)
	conn := &fakeConn{id: "c1", results: []error{invalidatedErr()}}

	require.NoError(t, g.OnAcquire(context.Background(), conn, true))
	assert.Zero(t, conn.pings)
	assert.Empty(t, *sleeps)
}

func TestOnAcquireTerminalErrorFailsImmediately(t *testing.T) {
	g, sleeps := newTestGuard(t, Config{}, 0.5)
	dbErr := errors.New(`syntax error at or near "SELEC"`)
	conn := &fakeConn{id: "c1", flag: true, results: []error{dbErr}}

	err := g.OnAcquire(context.Background(), conn, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, dbErr)
	assert.Equal(t, 1, conn.pings)
	assert.Empty(t, *sleeps)
	assert.True(t, conn.flag, "close-after-result flag must be restored")
	assert.Equal(t, uint64(1), g.Stats().ProbeFailures)
	assert.Zero(t, g.Stats().Reconnects)
}

func TestOnAcquireRetriesInvalidatedUntilSuccess(t *testing.T) {
	g, sleeps := newTestGuard(t, Config{
		ReconnectTimeout: 5 * time.Second,
		InitialBackoff:   200 * time.Millisecond,
	}, 0.5)
	conn := &fakeConn{
		id:      "c1",
		flag:    true,
		results: []error{invalidatedErr(), invalidatedErr(), invalidatedErr()},
	}

	require.NoError(t, g.OnAcquire(context.Background(), conn, false))

	// backoff 0.2 -> 0.3 -> 0.45 -> 0.675 with jitter fixed at 0.5
	require.Len(t, *sleeps, 3)
	assert.Equal(t, 300*time.Millisecond, (*sleeps)[0])
	assert.Equal(t, 450*time.Millisecond, (*sleeps)[1])
	assert.Equal(t, 675*time.Millisecond, (*sleeps)[2])
	assert.Equal(t, 4, conn.pings)

	assert.True(t, conn.flag, "close-after-result flag must be restored")
	for _, v := range conn.flagDuringPing {
		assert.False(t, v, "flag must be off while probing")
	}

	stats := g.Stats()
	assert.Equal(t, uint64(4), stats.Probes)
	assert.Equal(t, uint64(3), stats.Reconnects)
	assert.Zero(t, stats.Timeouts)

	ev, ok := g.History().Lookup("c1")
	require.True(t, ok)
	assert.Equal(t, 3, ev.Attempts)
}

func TestOnAcquireBackoffIncreasesAndRespectsCeiling(t *testing.T) {
	g, sleeps := newTestGuard(t, Config{
		ReconnectTimeout: time.Hour,
		InitialBackoff:   100 * time.Millisecond,
		MaxBackoff:       350 * time.Millisecond,
	}, 0.75)
	conn := &fakeConn{id: "c1", results: []error{
		invalidatedErr(), invalidatedErr(), invalidatedErr(), invalidatedErr(),
	}}

	require.NoError(t, g.OnAcquire(context.Background(), conn, false))

	require.Len(t, *sleeps, 4)
	for i, d := range *sleeps {
		assert.LessOrEqual(t, d, 350*time.Millisecond, "sleep %d exceeds ceiling", i)
	}
	assert.Less(t, (*sleeps)[0], (*sleeps)[1])
	assert.Less(t, (*sleeps)[1], (*sleeps)[2])
	assert.Equal(t, 350*time.Millisecond, (*sleeps)[2])
	assert.Equal(t, 350*time.Millisecond, (*sleeps)[3])
}

func TestOnAcquireTimeoutExceeded(t *testing.T) {
	g, sleeps := newTestGuard(t, Config{
		ReconnectTimeout: 5 * time.Second,
		InitialBackoff:   2 * time.Second,
	}, 0.5)
	last := invalidatedErr()
	conn := &fakeConn{id: "c1", flag: true, results: []error{
		invalidatedErr(), invalidatedErr(), last,
	}}

	err := g.OnAcquire(context.Background(), conn, false)
	require.Error(t, err)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 5*time.Second, te.Timeout)
	assert.GreaterOrEqual(t, te.Elapsed, 5*time.Second)
	assert.ErrorIs(t, err, last)

	// sleeps 3s then 4.5s put the clock past the deadline; the third
	// failure must not sleep again
	require.Len(t, *sleeps, 2)
	assert.Equal(t, 3*time.Second, (*sleeps)[0])
	assert.Equal(t, 4500*time.Millisecond, (*sleeps)[1])
	assert.Equal(t, 3, conn.pings)

	assert.True(t, conn.flag, "close-after-result flag must be restored")
	assert.Equal(t, uint64(1), g.Stats().Timeouts)
}

func TestOnAcquireCustomClassifier(t *testing.T) {
	sentinel := errors.New("wire torn")
	g, sleeps := newTestGuard(t, Config{
		Invalidated: func(err error) bool { return errors.Is(err, sentinel) },
	}, 0.5)
	conn := &fakeConn{id: "c1", results: []error{fmt.Errorf("probe: %w", sentinel)}}

	require.NoError(t, g.OnAcquire(context.Background(), conn, false))
	assert.Len(t, *sleeps, 1)
	assert.Equal(t, 2, conn.pings)
}

func TestOnConnectStampsOwner(t *testing.T) {
	g, _ := newTestGuard(t, Config{}, 0.5)
	rec := &fakeRecord{id: "r1"}

	g.OnConnect(rec)
	owner, ok := rec.Owner()
	require.True(t, ok)
	assert.True(t, owner.Equal(CurrentProcess()))
}

func TestOnCheckoutSameProcessPasses(t *testing.T) {
	g, _ := newTestGuard(t, Config{}, 0.5)
	rec := &fakeRecord{id: "r1"}
	proxy := &fakeProxy{}
	g.OnConnect(rec)

	require.NoError(t, g.OnCheckout(rec, proxy))
	assert.False(t, rec.cleared)
	assert.False(t, proxy.cleared)
	assert.Zero(t, g.Stats().AffinityViolations)
}

func TestOnCheckoutForeignProcessFails(t *testing.T) {
	g, _ := newTestGuard(t, Config{}, 0.5)
	owner := ProcessToken{PID: os.Getpid() + 1, Nonce: uuid.New()}
	rec := &fakeRecord{id: "r1", owner: owner, stamped: true}
	proxy := &fakeProxy{}

	err := g.OnCheckout(rec, proxy)
	require.Error(t, err)

	var de *DisconnectionError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, owner, de.Owner)
	assert.Equal(t, CurrentProcess(), de.Current)
	assert.Contains(t, err.Error(), owner.String())
	assert.Contains(t, err.Error(), CurrentProcess().String())

	assert.True(t, rec.cleared, "record handle must be cleared")
	assert.True(t, proxy.cleared, "proxy handle must be cleared")
	assert.Equal(t, uint64(1), g.Stats().AffinityViolations)
}

func TestOnCheckoutUnstampedRecordFails(t *testing.T) {
	g, _ := newTestGuard(t, Config{}, 0.5)
	rec := &fakeRecord{id: "r1"}
	proxy := &fakeProxy{}

	err := g.OnCheckout(rec, proxy)
	require.Error(t, err)
	assert.True(t, rec.cleared)
	assert.True(t, proxy.cleared)
}
