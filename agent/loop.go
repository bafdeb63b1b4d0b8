package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360studio/otaagent/metrics"
)

// drainBudget bounds the inbound messages processed per tick so a
// flooded topic cannot starve the workflow engine.
const drainBudget = 32

// EngineStepper is the workflow engine as seen by the loop: one bounded
// step per tick.
type EngineStepper interface {
	Tick(ctx context.Context, now time.Time)
}

// Loop is the agent's single-threaded cooperative event loop. Each tick
// executes, in order: (a) a bounded drain of MQTT callbacks, (b) DoWork
// on each operation in priority order (connection → enrollment →
// agent-info → update-request → root-key), (c) one workflow-engine step.
// No other goroutine touches operation or engine state.
type Loop struct {
	client  *Client
	rootKey *RootKeyOp
	engine  EngineStepper
	logger  *slog.Logger

	tickInterval time.Duration
	metrics      *metrics.Metrics
}

// NewLoop assembles the loop. rootKey and engine may be nil in reduced
// configurations (e.g. tests).
func NewLoop(client *Client, rootKey *RootKeyOp, engine EngineStepper, tickInterval time.Duration, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if tickInterval == 0 {
		tickInterval = 100 * time.Millisecond
	}
	return &Loop{
		client:       client,
		rootKey:      rootKey,
		engine:       engine,
		logger:       logger,
		tickInterval: tickInterval,
	}
}

// SetMetrics wires the loop's instruments. Optional.
func (l *Loop) SetMetrics(m *metrics.Metrics) { l.metrics = m }

// Run ticks until the context is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.client.Start(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(l.tickInterval)
	defer ticker.Stop()

	l.logger.Info("Agent loop started", "tick", l.tickInterval)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Agent loop stopping")
			return ctx.Err()
		case <-ticker.C:
			l.Tick(ctx, time.Now())
		}
	}
}

// Tick runs one loop iteration. Exported so tests and the daemon can
// drive the loop deterministically.
func (l *Loop) Tick(ctx context.Context, now time.Time) {
	// (a) Drain MQTT callbacks posted by the network thread.
	l.client.channel.Drain(drainBudget)

	// (b) Operations in priority order.
	l.client.Connection.DoWork(now)
	if l.metrics != nil {
		if l.client.channel.IsConnected() {
			l.metrics.ConnectionState.Set(1)
		} else {
			l.metrics.ConnectionState.Set(0)
		}
	}
	if l.client.channel.IsConnected() {
		l.client.Enrollment.DoWork(now)
		l.client.AgentInfo.DoWork(now)
		l.client.Updates.DoWork(now)
		if l.rootKey != nil {
			l.rootKey.DoWork(now)
		}
	}

	// (c) One workflow-engine step.
	if l.engine != nil {
		l.engine.Tick(ctx, now)
	}
}
