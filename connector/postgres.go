package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/Konsultn-Engineering/poolguard/guard"
)

func init() {
	Register("postgres", &postgresProvider{})
}

type postgresProvider struct{}

func (p *postgresProvider) Connect(ctx context.Context, cfg Config) (Connection, error) {
	return newPostgresConnection(ctx, cfg)
}

// PostgresConnection is a pgx connection pool with a lifecycle guard
// installed on its connect, acquire, and checkout events.
type PostgresConnection struct {
	config Config
	pool   *pgxpool.Pool
	guard  *guard.Guard
	logger *slog.Logger

	mu      sync.Mutex
	records map[*pgx.Conn]*connRecord
}

func newPostgresConnection(ctx context.Context, cfg Config) (*PostgresConnection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	applyPoolDefaults(&cfg.Pool)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	g, err := guard.New(cfg.Guard.guardConfig(pgInvalidated, logger))
	if err != nil {
		return nil, err
	}

	c := &PostgresConnection{
		config:  cfg,
		guard:   g,
		logger:  logger,
		records: make(map[*pgx.Conn]*connRecord),
	}

	poolCfg, err := pgxpool.ParseConfig(c.buildDSN())
	if err != nil {
		return nil, err
	}
	poolCfg.MaxConns = int32(cfg.Pool.MaxOpen)
	poolCfg.MinConns = int32(cfg.Pool.MaxIdle)
	poolCfg.MaxConnLifetime = cfg.Pool.MaxLifetime
	poolCfg.MaxConnIdleTime = cfg.Pool.MaxIdleTime
	poolCfg.AfterConnect = c.afterConnect
	poolCfg.BeforeAcquire = c.beforeAcquire
	poolCfg.BeforeClose = c.beforeClose

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	c.pool = pool
	return c, nil
}

func (c *PostgresConnection) buildDSN() string {
	return NewDSNBuilder("postgres").
		Auth(c.config.Username, c.config.Password).
		Host(c.config.Host, c.config.Port).
		Database(c.config.Database).
		Param("sslmode", c.config.SSLMode).
		Params(c.config.Params).
		Build()
}

// afterConnect runs once per physical connection: it creates the record and
// stamps it with the establishing process.
func (c *PostgresConnection) afterConnect(ctx context.Context, conn *pgx.Conn) error {
	rec := &connRecord{id: ulid.Make().String(), conn: conn}
	c.guard.OnConnect(rec)

	c.mu.Lock()
	c.records[conn] = rec
	c.mu.Unlock()
	return nil
}

// beforeAcquire enforces process affinity on every checkout. Returning
// false makes the pool destroy the record and supply a different
// connection.
func (c *PostgresConnection) beforeAcquire(ctx context.Context, conn *pgx.Conn) bool {
	c.mu.Lock()
	rec := c.records[conn]
	c.mu.Unlock()
	if rec == nil {
		// Not seen by afterConnect; do not hand it out.
		return false
	}

	proxy := &checkoutProxy{conn: conn}
	return c.guard.OnCheckout(rec, proxy) == nil
}

func (c *PostgresConnection) beforeClose(conn *pgx.Conn) {
	c.mu.Lock()
	delete(c.records, conn)
	c.mu.Unlock()
}

func (c *PostgresConnection) recordID(conn *pgx.Conn) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec := c.records[conn]; rec != nil {
		return rec.id
	}
	return ulid.Make().String()
}

// Acquire checks a connection out of the pool and proves it alive before
// handing it over. A guard failure tears down the raw connection so the
// pool cannot hand it out again.
func (c *PostgresConnection) Acquire(ctx context.Context) (*Session, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	sess := &Session{pc: c, conn: conn, id: c.recordID(conn.Conn())}
	if err := c.guard.OnAcquire(ctx, sess, false); err != nil {
		if sess.conn != nil {
			_ = sess.conn.Conn().Close(ctx)
			sess.conn.Release()
			sess.conn = nil
		}
		return nil, err
	}
	return sess, nil
}

// Health pings the pool.
func (c *PostgresConnection) Health(ctx context.Context) error {
	if c.pool == nil {
		return fmt.Errorf("not connected")
	}
	return c.pool.Ping(ctx)
}

// Guard returns the lifecycle guard installed on this pool.
func (c *PostgresConnection) Guard() *guard.Guard {
	return c.guard
}

// Stats returns pool and guard statistics.
func (c *PostgresConnection) Stats() ConnectionStats {
	if c.pool == nil {
		return ConnectionStats{}
	}
	s := c.pool.Stat()
	return ConnectionStats{
		OpenConnections: int(s.TotalConns()),
		InUse:           int(s.AcquiredConns()),
		Idle:            int(s.IdleConns()),
		Guard:           c.guard.Stats(),
	}
}

// Close closes the connection pool.
func (c *PostgresConnection) Close() error {
	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}
	return nil
}

// connRecord is the pool-side bookkeeping entry for one physical
// connection. The owner token is write-once.
type connRecord struct {
	id string

	mu      sync.Mutex
	conn    *pgx.Conn
	owner   guard.ProcessToken
	stamped bool
}

func (r *connRecord) ID() string { return r.id }

func (r *connRecord) Owner() (guard.ProcessToken, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owner, r.stamped
}

func (r *connRecord) SetOwner(t guard.ProcessToken) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stamped {
		return
	}
	r.owner = t
	r.stamped = true
}

func (r *connRecord) ClearConn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = nil
}

// checkoutProxy stands in for the caller-facing handle while the guard
// decides whether the checkout may proceed.
type checkoutProxy struct {
	mu   sync.Mutex
	conn *pgx.Conn
}

func (p *checkoutProxy) ClearConn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn = nil
}

// Session is a checked-out connection running under the guard. It
// implements guard.Conn for the liveness probe.
type Session struct {
	pc     *PostgresConnection
	conn   *pgxpool.Conn
	id     string
	parent *Session

	mu               sync.Mutex
	closeAfterResult bool
}

func (s *Session) ID() string { return s.id }

// Ping issues the minimal liveness query. When the raw connection has died,
// the dead handle is released so the next probe draws a freshly established
// physical connection from the pool, and the failure is reported as an
// invalidation.
func (s *Session) Ping(ctx context.Context) error {
	if err := s.ensureConn(ctx); err != nil {
		return err
	}

	var one int
	err := s.conn.QueryRow(ctx, "SELECT 1").Scan(&one)
	if err != nil && s.conn.Conn().IsClosed() {
		s.conn.Release() // pool destroys closed connections on release
		s.conn = nil
		return &invalidatedError{err: err}
	}
	return err
}

func (s *Session) ensureConn(ctx context.Context) error {
	if s.conn != nil && !s.conn.Conn().IsClosed() {
		return nil
	}
	if s.conn != nil {
		s.conn.Release()
		s.conn = nil
	}

	conn, err := s.pc.pool.Acquire(ctx)
	if err != nil {
		return &invalidatedError{err: err}
	}
	s.conn = conn
	s.id = s.pc.recordID(conn.Conn())
	return nil
}

func (s *Session) CloseAfterResult() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeAfterResult
}

func (s *Session) SetCloseAfterResult(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeAfterResult = v
}

// Conn exposes the underlying pooled connection for query execution, which
// is owned elsewhere.
func (s *Session) Conn() *pgxpool.Conn { return s.conn }

// Sub derives a session that shares this session's already-validated
// liveness. Sub acquisitions are never re-probed.
func (s *Session) Sub(ctx context.Context) (*Session, error) {
	sub := &Session{pc: s.pc, conn: s.conn, id: s.id, parent: s}
	if err := s.pc.guard.OnAcquire(ctx, sub, true); err != nil {
		return nil, err
	}
	return sub, nil
}

// Release returns the connection to the pool. When close-after-result is
// set, the raw connection is closed first so the pool discards it instead
// of reusing it. Releasing a sub-session is a no-op; the parent owns the
// connection.
func (s *Session) Release(ctx context.Context) {
	if s.parent != nil || s.conn == nil {
		return
	}
	if s.CloseAfterResult() {
		_ = s.conn.Conn().Close(ctx)
	}
	s.conn.Release()
	s.conn = nil
}

// invalidatedError marks a probe failure whose transport is confirmed dead.
type invalidatedError struct {
	err error
}

func (e *invalidatedError) Error() string               { return e.err.Error() }
func (e *invalidatedError) Unwrap() error               { return e.err }
func (e *invalidatedError) ConnectionInvalidated() bool { return true }

// pgInvalidated classifies probe failures from a pgx connection. Transport
// deaths and PostgreSQL connection-exception states mean the connection is
// gone; any other database error is a live server answering and is
// terminal.
func pgInvalidated(err error) bool {
	if guard.IsInvalidated(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "57P01", "57P02", "57P03": // admin_shutdown, crash_shutdown, cannot_connect_now
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08") // connection exception class
	}
	return false
}
