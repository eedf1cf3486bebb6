package ygggo_dbclient

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Client is the database handle shared by every consumer. It is safe for
// concurrent use; build one per database and pass it around.
type Client struct {
	id       string
	cfg      Config
	pool     *Pool
	exec     *RetryExecutor
	logger   Logger
	classify Classifier
	metrics  *Metrics
	tracing  *tracing
	slowLog  *slowQueryLog

	slowQueryThreshold time.Duration
	pingTimeout        time.Duration

	closeOnce sync.Once
	closeErr  error
}

type clientOptions struct {
	logger         Logger
	retry          *RetryPolicy
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	leakHandler    func(BorrowLeak)
	classify       Classifier
}

// Option customises a Client.
type Option func(*clientOptions)

// WithLogger routes all log events to l.
func WithLogger(l Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// WithRetryPolicy overrides Config.Retry.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *clientOptions) { o.retry = &p }
}

// WithMeterProvider enables metrics on the given provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *clientOptions) { o.meterProvider = mp }
}

// WithTracerProvider enables tracing on the given provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *clientOptions) { o.tracerProvider = tp }
}

// WithLeakHandler is called for every lease held beyond Pool.BorrowWarnThreshold.
func WithLeakHandler(fn func(BorrowLeak)) Option {
	return func(o *clientOptions) { o.leakHandler = fn }
}

// WithClassifier replaces the default error classifier.
func WithClassifier(c Classifier) Option {
	return func(o *clientOptions) { o.classify = c }
}

// NewClient connects to a MySQL server with the given pool sizing and
// otherwise default settings.
func NewClient(ctx context.Context, hostname string, port int, username, password, database string, pool PoolConfig, opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	cfg.Host = hostname
	cfg.Port = port
	cfg.Username = username
	cfg.Password = password
	cfg.Database = database
	cfg.Pool = pool
	return NewClientWithConfig(ctx, cfg, opts...)
}

// NewClientWithConfig opens cfg.Driver through database/sql and builds a Client on it.
func NewClientWithConfig(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Pool.Validate(); err != nil {
		return nil, fmt.Errorf("new client: %w", err)
	}
	dsn, err := dsnFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("new client: %w", err)
	}
	transport, err := OpenSQLTransport(cfg.Driver, dsn, cfg.Pool)
	if err != nil {
		return nil, fmt.Errorf("new client: %w", err)
	}
	c, err := NewClientWithTransport(ctx, transport, cfg, opts...)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	return c, nil
}

// NewClientWithTransport builds a Client over any Transport. The pool warms
// MinSize connections before it returns.
func NewClientWithTransport(ctx context.Context, transport Transport, cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.retry != nil {
		cfg.Retry = *o.retry
	}
	if o.classify == nil {
		o.classify = Classify
	}

	id := uuid.NewString()
	base := o.logger
	if base == nil {
		base = loggerFromConfig(cfg.Logging)
	}
	logger := withFields(base, Fields{"client_id": id})

	c := &Client{
		id:                 id,
		cfg:                cfg,
		logger:             withFields(logger, Fields{"component": "client"}),
		classify:           o.classify,
		slowQueryThreshold: cfg.SlowQueryThreshold,
		pingTimeout:        cfg.PingTimeout,
	}
	if cfg.Metrics.Enabled || o.meterProvider != nil {
		c.metrics = newMetrics(o.meterProvider)
	}
	if cfg.Telemetry.Enabled || o.tracerProvider != nil {
		c.tracing = newTracing(o.tracerProvider, cfg.Driver)
	}
	if cfg.SlowQueryThreshold > 0 {
		c.slowLog = newSlowQueryLog(cfg.SlowQueryLogSize, 0)
	}

	c.exec = NewRetryExecutor(cfg.Retry, c.classify, logger)
	c.exec.metrics = c.metrics

	pool, err := NewPool(ctx, transport, cfg.Pool,
		WithPoolLogger(logger),
		WithPoolClassifier(c.classify),
		WithPoolLeakHandler(o.leakHandler),
		withPoolMetrics(c.metrics),
	)
	if err != nil {
		c.logger.Log(ctx, LevelError, "database client creation failed", Fields{
			"host":  cfg.Host,
			"port":  cfg.Port,
			"error": err.Error(),
		})
		return nil, err
	}
	c.pool = pool

	c.logger.Log(ctx, LevelInfo, "database client created", Fields{
		"driver":   cfg.Driver,
		"host":     cfg.Host,
		"port":     cfg.Port,
		"database": cfg.Database,
		"min_size": cfg.Pool.MinSize,
		"max_size": cfg.Pool.MaxSize,
	})
	return c, nil
}

func loggerFromConfig(lc LoggingConfig) Logger {
	if !lc.Enabled {
		return nopLogger{}
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: toSlogLevel(ParseLevel(lc.Level))})
	return NewSlogLogger(slog.New(h))
}

// ID identifies this client in log events.
func (c *Client) ID() string { return c.id }

// Config returns the resolved configuration.
func (c *Client) Config() Config { return c.cfg }

// Pool exposes the underlying connection pool.
func (c *Client) Pool() *Pool { return c.pool }

// Stats returns the pool counters.
func (c *Client) Stats() PoolStats { return c.pool.Stats() }

// Close releases every pooled connection. It is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.pool.Close()
		c.logger.Log(context.Background(), LevelInfo, "database client closed", nil)
	})
	return c.closeErr
}
