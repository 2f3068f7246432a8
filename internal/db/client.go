package db

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/metrics"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/models"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/rules"
	"github.com/business-development-service-account/ai-agent-dev-team-sdk/internal/sdkerrors"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Config selects the ledger database.
type Config struct {
	Driver         string        `mapstructure:"driver"`
	DSN            string        `mapstructure:"dsn"`
	MaxConnections int           `mapstructure:"max_connections"`
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// Client is the execution ledger. Writes from the hot path go through an
// async queue drained by a worker pool.
type Client struct {
	db     *sqlx.DB
	logger *zap.Logger
	cfg    Config

	writeQueue chan WriteRequest
	stopCh     chan struct{}
	stopOnce   sync.Once
	workerWg   sync.WaitGroup
}

// WriteType tags an async write.
type WriteType int

const (
	WriteTypeExecution WriteType = iota
	WriteTypeAudit
	WriteTypePhaseTransition
)

func (wt WriteType) String() string {
	switch wt {
	case WriteTypeExecution:
		return "execution"
	case WriteTypeAudit:
		return "audit"
	case WriteTypePhaseTransition:
		return "phase_transition"
	default:
		return "unknown"
	}
}

// WriteRequest is an async write operation.
type WriteRequest struct {
	Type     WriteType
	Data     interface{}
	Callback func(error)
}

// Open connects to the configured database, applies the schema and starts the writers.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}
	if cfg.DSN == "" {
		return nil, sdkerrors.Configuration("LEDGER_DSN_REQUIRED", "ledger dsn cannot be empty")
	}
	dbx, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, sdkerrors.Database("LEDGER_CONNECT_FAILED", "failed to connect to ledger database", err).
			WithDetail("driver", cfg.Driver)
	}
	if cfg.MaxConnections > 0 {
		dbx.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.Driver == DriverSQLite {
		// sqlite serialises writers anyway
		dbx.SetMaxOpenConns(1)
	}
	c := New(dbx, cfg, logger)
	if err := c.Migrate(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// New wraps an existing connection and starts the write workers.
func New(dbx *sqlx.DB, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	c := &Client{
		db:         dbx,
		logger:     logger,
		cfg:        cfg,
		writeQueue: make(chan WriteRequest, cfg.QueueSize),
		stopCh:     make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker(i)
	}
	logger.Info("Ledger client initialized",
		zap.String("driver", dbx.DriverName()),
		zap.Int("workers", cfg.Workers),
	)
	return c
}

func (c *Client) writeWorker(id int) {
	defer c.workerWg.Done()
	for {
		select {
		case <-c.stopCh:
			c.drainQueue()
			c.logger.Debug("Ledger write worker stopped", zap.Int("worker_id", id))
			return
		case req := <-c.writeQueue:
			c.processWrite(req)
		}
	}
}

func (c *Client) processWrite(req WriteRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()

	var err error
	switch data := req.Data.(type) {
	case models.TaskExecution:
		err = c.SaveExecution(ctx, FromExecution(data))
	case rules.AuditEntry:
		err = c.SaveAudit(ctx, fromAudit(data))
	case rules.PhaseTransition:
		err = c.SavePhaseTransition(ctx, data)
	default:
		err = sdkerrors.Database("LEDGER_UNKNOWN_WRITE", "unsupported ledger write", nil)
	}

	result := "ok"
	if err != nil {
		result = "error"
		c.logger.Error("Failed to process ledger write",
			zap.String("type", req.Type.String()),
			zap.Error(err),
		)
	}
	metrics.LedgerWrites.WithLabelValues(req.Type.String(), result).Inc()
	if req.Callback != nil {
		req.Callback(err)
	}
}

func (c *Client) drainQueue() {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case req := <-c.writeQueue:
			c.processWrite(req)
		case <-timeout:
			c.logger.Warn("Timeout draining ledger write queue")
			return
		default:
			return
		}
	}
}

// QueueWrite enqueues a write; a full queue falls back to a synchronous write.
func (c *Client) QueueWrite(writeType WriteType, data interface{}, callback func(error)) {
	req := WriteRequest{Type: writeType, Data: data, Callback: callback}
	select {
	case <-c.stopCh:
		c.processWrite(req)
		return
	default:
	}
	select {
	case c.writeQueue <- req:
	default:
		c.logger.Warn("Ledger write queue is full, writing synchronously",
			zap.String("type", writeType.String()))
		c.processWrite(req)
	}
}

// RecordExecution queues a finished task execution.
func (c *Client) RecordExecution(exec models.TaskExecution) {
	c.QueueWrite(WriteTypeExecution, exec.Clone(), nil)
}

// RecordAudit queues a rules engine audit entry.
func (c *Client) RecordAudit(entry rules.AuditEntry) {
	c.QueueWrite(WriteTypeAudit, entry, nil)
}

// RecordPhaseTransition queues a phase change.
func (c *Client) RecordPhaseTransition(t rules.PhaseTransition) {
	c.QueueWrite(WriteTypePhaseTransition, t, nil)
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB exposes the connection for health checks.
func (c *Client) DB() *sqlx.DB { return c.db }

// Close drains pending writes and closes the connection.
func (c *Client) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.workerWg.Wait()
		if cerr := c.db.Close(); cerr != nil {
			err = sdkerrors.Database("LEDGER_CLOSE_FAILED", "failed to close ledger database", cerr)
		}
		c.logger.Info("Ledger client closed")
	})
	return err
}
