package aria2

import (
	"context"

	"github.com/italolelis/aria2_monitor/internal/rpc"
	"github.com/italolelis/aria2_monitor/internal/telemetry"
)

// InstrumentedConn records a span, a counter and a latency histogram for every RPC round trip.
type InstrumentedConn struct {
	conn      Conn
	telemetry *telemetry.Telemetry
}

func NewInstrumentedConn(conn Conn, t *telemetry.Telemetry) *InstrumentedConn {
	return &InstrumentedConn{conn: conn, telemetry: t}
}

func (c *InstrumentedConn) Call(ctx context.Context, method string, params []any, result any) error {
	return c.telemetry.InstrumentRPCCall(ctx, method, func(ctx context.Context) error {
		return c.conn.Call(ctx, method, params, result)
	})
}

func (c *InstrumentedConn) Multicall(ctx context.Context, calls []rpc.Call) ([]rpc.Result, error) {
	var results []rpc.Result

	err := c.telemetry.InstrumentRPCCall(ctx, "system.multicall", func(ctx context.Context) error {
		var err error

		results, err = c.conn.Multicall(ctx, calls)

		return err
	})

	return results, err
}

func (c *InstrumentedConn) Subscribe(method string, handler rpc.NotificationHandler) func() {
	return c.conn.Subscribe(method, handler)
}

func (c *InstrumentedConn) Close() error {
	return c.conn.Close()
}
