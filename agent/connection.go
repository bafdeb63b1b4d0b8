package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360studio/otaagent/mqtt"
)

// ConnectionOp keeps the MQTT channel connected. The attempt is the
// whole connect handshake, so success is known synchronously; the retry
// framework supplies the reconnect backoff with jitter.
type ConnectionOp struct {
	op      *Operation
	channel *mqtt.Channel
}

// NewConnectionOp creates the connection operation.
func NewConnectionOp(channel *mqtt.Channel, retry RetryParams, logger *slog.Logger) *ConnectionOp {
	c := &ConnectionOp{channel: channel}
	c.op = NewOperation("connection", retry, func(string) error {
		ctx, cancel := context.WithTimeout(context.Background(), retry.AttemptTimeout)
		defer cancel()
		return channel.Connect(ctx)
	}, Hooks{}, logger)
	return c
}

// DoWork arms the operation whenever the channel is down and completes
// it as soon as the channel is up. Called every loop tick, first in the
// priority order.
func (c *ConnectionOp) DoWork(now time.Time) OperationState {
	if c.channel.IsConnected() {
		if c.op.State() == OpInProgress {
			c.op.CompleteSuccess(now)
		}
		return c.op.State()
	}

	// Connection lost or never made: (re-)arm unless a retry is pending.
	if c.op.State() != OpInProgress {
		c.op.Arm(now)
	}
	state := c.op.DoWork(now)
	if c.channel.IsConnected() {
		c.op.CompleteSuccess(now)
	}
	return state
}
