// Package aria2test provides an in-memory aria2 RPC connection for tests.
package aria2test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/italolelis/aria2_monitor/internal/rpc"
)

// Status is a tellStatus result as aria2 would send it.
type Status map[string]any

// HandlerFunc answers one call. The params exclude the secret token.
type HandlerFunc func(ctx context.Context, params []any) (any, error)

// Conn is a fake aria2 connection. Method handlers are looked up by name; aria2.tellStatus
// defaults to the registered statuses. It is safe for concurrent use.
type Conn struct {
	mu          sync.Mutex
	handlers    map[string]HandlerFunc
	statuses    map[string]Status
	calls       map[string][][]any
	multicalls  [][]rpc.Call
	subscribers map[string]map[int]rpc.NotificationHandler
	nextSub     int
	closed      bool
	gate        chan struct{}
}

func NewConn() *Conn {
	return &Conn{
		handlers:    make(map[string]HandlerFunc),
		statuses:    make(map[string]Status),
		calls:       make(map[string][][]any),
		subscribers: make(map[string]map[int]rpc.NotificationHandler),
	}
}

// SetStatus registers the status returned for gid by aria2.tellStatus.
func (c *Conn) SetStatus(gid string, status Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status["gid"] = gid
	c.statuses[gid] = status
}

// Handle overrides the answer for method.
func (c *Conn) Handle(method string, fn HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers[method] = fn
}

// Gate makes aria2.tellStatus block until the returned function is called.
func (c *Conn) Gate() (release func()) {
	gate := make(chan struct{})

	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()

	var once sync.Once

	return func() { once.Do(func() { close(gate) }) }
}

// Calls returns the params of every call made to method, in order.
func (c *Conn) Calls(method string) [][]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([][]any(nil), c.calls[method]...)
}

// Multicalls returns the batches sent with Multicall, in order.
func (c *Conn) Multicalls() [][]rpc.Call {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([][]rpc.Call(nil), c.multicalls...)
}

// Subscribers returns the number of live subscriptions for method.
func (c *Conn) Subscribers(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.subscribers[method])
}

// Notify delivers a push notification for gid to the subscribers of method.
func (c *Conn) Notify(method, gid string) {
	params, _ := json.Marshal([]map[string]string{{"gid": gid}})

	c.mu.Lock()
	handlers := make([]rpc.NotificationHandler, 0, len(c.subscribers[method]))
	for _, h := range c.subscribers[method] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(params)
	}
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

func (c *Conn) Call(ctx context.Context, method string, params []any, result any) error {
	value, err := c.answer(ctx, method, params)
	if err != nil {
		return err
	}

	if result == nil {
		return nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return json.Unmarshal(raw, result)
}

func (c *Conn) Multicall(ctx context.Context, calls []rpc.Call) ([]rpc.Result, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil, rpc.ErrClosed
	}

	c.multicalls = append(c.multicalls, calls)
	handler := c.handlers["system.multicall"]
	c.mu.Unlock()

	if handler != nil {
		if _, err := handler(ctx, []any{calls}); err != nil {
			return nil, err
		}
	}

	results := make([]rpc.Result, len(calls))

	for i, call := range calls {
		value, err := c.answer(ctx, call.Method, call.Params)
		if err != nil {
			results[i].Err = err

			continue
		}

		results[i].Value, results[i].Err = json.Marshal(value)
	}

	return results, nil
}

func (c *Conn) Subscribe(method string, handler rpc.NotificationHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSub++
	id := c.nextSub

	if c.subscribers[method] == nil {
		c.subscribers[method] = make(map[int]rpc.NotificationHandler)
	}

	c.subscribers[method][id] = handler

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		delete(c.subscribers[method], id)
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	return nil
}

func (c *Conn) answer(ctx context.Context, method string, params []any) (any, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil, rpc.ErrClosed
	}

	c.calls[method] = append(c.calls[method], params)
	handler := c.handlers[method]
	gate := c.gate
	c.mu.Unlock()

	if handler != nil {
		return handler(ctx, params)
	}

	if method != "aria2.tellStatus" {
		return nil, &rpc.Error{Code: 1, Message: fmt.Sprintf("%s is not handled", method)}
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	gid, _ := params[0].(string)

	c.mu.Lock()
	status, ok := c.statuses[gid]
	c.mu.Unlock()

	if !ok {
		return nil, &rpc.Error{Code: 1, Message: fmt.Sprintf("GID %s is not found", gid)}
	}

	return status, nil
}
