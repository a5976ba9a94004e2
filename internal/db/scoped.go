package db

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/j-veylop/agent-dashboard/internal/logger"
	"github.com/j-veylop/agent-dashboard/internal/models"
)

// DefaultConnectTimeout bounds each connection attempt.
const DefaultConnectTimeout = 15 * time.Second

const closeTimeout = 5 * time.Second

// ErrUnauthenticated is returned when no credential is available to open a
// connection. No connection attempt is made.
var ErrUnauthenticated = errors.New("no credential available for database connection")

// ConnectionError reports a connection that could not be established.
type ConnectionError struct {
	Err     error
	Host    string
	Timeout bool
}

func (e *ConnectionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("connection to %s timed out: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("connection to %s failed: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Querier is the statement surface handed to WithConnection callbacks.
// Both *pgx.Conn and pgx.Tx satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type conn interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
	Close(ctx context.Context) error
}

// ConnectorConfig holds the static connection parameters. The password is
// never configured here; it is the per-call credential.
type ConnectorConfig struct {
	Host           string
	Database       string
	User           string
	Port           int
	ConnectTimeout time.Duration
	// VerifyTLS enables peer certificate validation. TLS is always required.
	VerifyTLS bool
}

// Connector opens one connection per operation, authenticated with the
// caller's bearer credential. There is no pool: the secret changes per
// caller and per refresh.
type Connector struct {
	dial func(ctx context.Context, cfg *pgx.ConnConfig) (conn, error)
	cfg  ConnectorConfig
}

// NewConnector creates a connector.
func NewConnector(cfg ConnectorConfig) *Connector {
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &Connector{cfg: cfg, dial: dialPgx}
}

func dialPgx(ctx context.Context, cfg *pgx.ConnConfig) (conn, error) {
	c, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ConnString returns the connection URL without a password.
func (c *Connector) ConnString() string {
	sslmode := "require"
	if c.cfg.VerifyTLS {
		sslmode = "verify-full"
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.User(c.cfg.User),
		Host:   net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port)),
		Path:   "/" + c.cfg.Database,
	}
	q := url.Values{}
	q.Set("sslmode", sslmode)
	q.Set("application_name", "agent-dashboard")
	u.RawQuery = q.Encode()
	return u.String()
}

// WithConnection opens a connection using cred as the password, runs fn on
// it and closes it on every exit path, including a panic in fn.
func (c *Connector) WithConnection(ctx context.Context, cred *models.Credential, fn func(ctx context.Context, q Querier) error) error {
	cn, err := c.open(ctx, cred)
	if err != nil {
		return err
	}
	defer c.release(ctx, cn)

	return fn(ctx, cn)
}

// WithTx is WithConnection with fn wrapped in a transaction. The transaction
// commits when fn returns nil and rolls back otherwise.
func (c *Connector) WithTx(ctx context.Context, cred *models.Credential, fn func(ctx context.Context, q Querier) error) error {
	cn, err := c.open(ctx, cred)
	if err != nil {
		return err
	}
	defer c.release(ctx, cn)

	return pgx.BeginFunc(ctx, cn, func(tx pgx.Tx) error {
		return fn(ctx, tx)
	})
}

func (c *Connector) open(ctx context.Context, cred *models.Credential) (conn, error) {
	if cred == nil || cred.Value == "" {
		return nil, ErrUnauthenticated
	}

	pgCfg, err := pgx.ParseConfig(c.ConnString())
	if err != nil {
		return nil, fmt.Errorf("invalid connection config: %w", err)
	}
	pgCfg.Password = cred.Value
	pgCfg.ConnectTimeout = c.cfg.ConnectTimeout

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	cn, err := c.dial(dialCtx, pgCfg)
	if err != nil {
		return nil, &ConnectionError{
			Host:    c.cfg.Host,
			Timeout: pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded),
			Err:     err,
		}
	}
	return cn, nil
}

func (c *Connector) release(ctx context.Context, cn conn) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := cn.Close(closeCtx); err != nil {
		logger.Debug("failed to close database connection", "host", c.cfg.Host, "error", err)
	}
}
