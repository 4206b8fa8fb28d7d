// Package result implements the result channel of spec.md §4.8 step 9 and
// §6 (C10): a rate-limited sink for the packets the engine pushes out
// (status changes, debug/log messages, order events, and periodic
// result/runtime-statistics snapshots), plus a small chi-based HTTP surface
// a launcher collaborator can scrape. Its router idiom is lifted directly
// from the teacher's internal/dashboard.Server.
package result

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AlgorithmStatus mirrors the lifecycle states of spec.md §6.
type AlgorithmStatus string

// Algorithm status values.
const (
	StatusDeployError  AlgorithmStatus = "DeployError"
	StatusInQueue      AlgorithmStatus = "InQueue"
	StatusRunning      AlgorithmStatus = "Running"
	StatusStopped      AlgorithmStatus = "Stopped"
	StatusLiquidated   AlgorithmStatus = "Liquidated"
	StatusDeleted      AlgorithmStatus = "Deleted"
	StatusCompleted    AlgorithmStatus = "Completed"
	StatusRuntimeError AlgorithmStatus = "RuntimeError"
	StatusInvalid      AlgorithmStatus = "Invalid"
	StatusLoggingIn    AlgorithmStatus = "LoggingIn"
	StatusInitializing AlgorithmStatus = "Initializing"
	StatusHistory      AlgorithmStatus = "History"
)

// Packet is the envelope every emitted message shares; Kind selects which
// of the payload fields is meaningful, the same tagged-sum shape as
// internal/data.BaseData.
type Packet struct {
	Kind      string          `json:"kind"`
	UtcTime   time.Time       `json:"utcTime"`
	RunID     string          `json:"runId"`
	Status    StatusPacket    `json:"status,omitempty"`
	Debug     DebugPacket     `json:"debug,omitempty"`
	Error     ErrorPacket     `json:"error,omitempty"`
	OrderEvt  OrderEventPacket `json:"orderEvent,omitempty"`
	Snapshot  SnapshotPacket  `json:"snapshot,omitempty"`
}

// StatusPacket is spec.md §6's AlgorithmStatus packet.
type StatusPacket struct {
	AlgorithmID string          `json:"algorithmId"`
	ProjectID   string          `json:"projectId"`
	Status      AlgorithmStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
}

// DebugPacket is spec.md §6's Debug packet; HandledError has its own
// ErrorPacket below, and the Kind field distinguishes them on the wire.
type DebugPacket struct {
	Message string `json:"message"`
	Toast   bool   `json:"toast"`
}

// ErrorPacket is spec.md §6's HandledError packet.
type ErrorPacket struct {
	Message    string `json:"message"`
	StackTrace string `json:"stackTrace,omitempty"`
}

// OrderEventPacket is spec.md §6's OrderEvent packet.
type OrderEventPacket struct {
	OrderID            int64  `json:"orderId"`
	Status             string `json:"status"`
	FillQuantity       string `json:"fillQuantity"`
	FillPrice          string `json:"fillPrice"`
	FillPriceCurrency  string `json:"fillPriceCurrency"`
	Message            string `json:"message,omitempty"`
	OrderFee           string `json:"orderFee"`
}

// SnapshotPacket carries portfolio totals, the open-order count, a
// RuntimeStatistics snapshot and log lines; it has no chart points and no
// per-order or per-holding detail. The engine's per-slice snapshot fills the
// totals and the open-order count and leaves Statistics zero-valued.
type SnapshotPacket struct {
	TotalValue     string            `json:"totalValue"`
	CashValue      string            `json:"cashValue"`
	HoldingsValue  string            `json:"holdingsValue"`
	OpenOrders     int               `json:"openOrders"`
	Statistics     RuntimeStatistics `json:"statistics"`
	LogMessages    []string          `json:"logMessages,omitempty"`
}

// RuntimeStatistics is a rolling snapshot of run health, in the spirit of
// the teacher's storage.Statistics.
type RuntimeStatistics struct {
	TradeCount  int     `json:"tradeCount"`
	WinCount    int     `json:"winCount"`
	WinRate     float64 `json:"winRate"`
	EquityCurve []string `json:"equityCurveSample,omitempty"`
}

// DropPolicy governs what happens when the result channel's buffer is full.
type DropPolicy int

// Supported drop policies, per spec.md §5 "if the result channel is full,
// the engine emits a warning and drops the item (configurable policy)".
const (
	DropOldest DropPolicy = iota
	DropNewest
)

// Config configures a Channel.
type Config struct {
	AlgorithmID       string
	ProjectID         string
	BufferSize        int           // default 256
	RateLimitPerHour  int           // default 30, per spec.md §6
	DropPolicy        DropPolicy
	HTTPPort          int // 0 disables the HTTP surface
}

// Channel is the result-channel consumer: a bounded buffer that a consumer
// empties by calling Drain; it rate-limits notification packets and exposes
// the latest status over HTTP.
type Channel struct {
	cfg    Config
	runID  string
	logger *logrus.Logger

	mu          sync.Mutex
	buf         []Packet
	latest      Packet
	emittedThisHour int
	hourWindowStart time.Time

	router *chi.Mux
	server *http.Server
}

// New constructs a Channel. logger defaults to logrus.StandardLogger().
func New(cfg Config, logger *logrus.Logger) *Channel {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.RateLimitPerHour <= 0 {
		cfg.RateLimitPerHour = 30
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Channel{
		cfg:             cfg,
		runID:           uuid.NewString(),
		logger:          logger,
		hourWindowStart: time.Time{},
	}
	if cfg.HTTPPort > 0 {
		c.router = chi.NewRouter()
		c.router.Use(middleware.RequestID)
		c.router.Use(middleware.RealIP)
		c.router.Use(middleware.Recoverer)
		c.router.Use(middleware.Timeout(10 * time.Second))
		c.router.Get("/health", c.handleHealth)
		c.router.Get("/status", c.handleStatus)
	}
	return c
}

// RunID returns this engine run's correlation id.
func (c *Channel) RunID() string { return c.runID }

// Emit pushes a packet into the channel, applying the configured
// backpressure/drop policy if the buffer is full and logging a warning when
// a drop occurs, per spec.md §5.
func (c *Channel) Emit(p Packet) {
	p.RunID = c.runID
	if p.UtcTime.IsZero() {
		p.UtcTime = time.Now().UTC()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if p.Kind == "status" {
		c.latest = p
	}
	if p.Kind == "snapshot" {
		c.latest = p
	}

	if len(c.buf) >= c.cfg.BufferSize {
		c.logger.WithField("run_id", c.runID).Warn("result channel buffer full, dropping packet")
		switch c.cfg.DropPolicy {
		case DropNewest:
			return
		default:
			c.buf = c.buf[1:]
		}
	}
	c.buf = append(c.buf, p)
}

// EmitStatus is a convenience wrapper around Emit for AlgorithmStatus
// transitions.
func (c *Channel) EmitStatus(status AlgorithmStatus, message string) {
	c.Emit(Packet{Kind: "status", Status: StatusPacket{
		AlgorithmID: c.cfg.AlgorithmID, ProjectID: c.cfg.ProjectID, Status: status, Message: message,
	}})
}

// EmitError emits a HandledError packet.
func (c *Channel) EmitError(message, stackTrace string) {
	c.Emit(Packet{Kind: "error", Error: ErrorPacket{Message: message, StackTrace: stackTrace}})
}

// EmitDebug emits a Debug packet, rate-limited to cfg.RateLimitPerHour per
// rolling hour (non-fatal chatter is the category spec.md §6 calls out for
// rate limiting).
func (c *Channel) EmitDebug(message string, toast bool) {
	c.mu.Lock()
	now := time.Now()
	if now.Sub(c.hourWindowStart) > time.Hour {
		c.hourWindowStart = now
		c.emittedThisHour = 0
	}
	if c.emittedThisHour >= c.cfg.RateLimitPerHour {
		c.mu.Unlock()
		return
	}
	c.emittedThisHour++
	c.mu.Unlock()

	c.Emit(Packet{Kind: "debug", Debug: DebugPacket{Message: message, Toast: toast}})
}

// Drain removes and returns every buffered packet, for a consumer goroutine
// to write out.
func (c *Channel) Drain() []Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.buf
	c.buf = nil
	return out
}

// Start launches the HTTP status surface, if configured. Blocks until
// Shutdown is called or the listener errors.
func (c *Channel) Start() error {
	if c.router == nil {
		return nil
	}
	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.cfg.HTTPPort),
		Handler:           c.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP surface, if running.
func (c *Channel) Shutdown(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

func (c *Channel) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "healthy", "runId": c.runID, "timestamp": time.Now().Unix()})
}

func (c *Channel) handleStatus(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	latest := c.latest
	c.mu.Unlock()
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(latest)
}
