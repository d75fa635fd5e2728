// Package rpc implements a JSON-RPC 2.0 connection to aria2 over a WebSocket. Besides
// request/response calls it delivers the server's push notifications to subscribers.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/italolelis/aria2_monitor/internal/logctx"
)

// Options configure a connection.
type Options struct {
	// Secret is sent as "token:<secret>" in front of every aria2.* call.
	Secret string
	// CallTimeout bounds each call. Zero means the caller's context is the only bound.
	CallTimeout time.Duration
	// OpenTimeout bounds the WebSocket handshake.
	OpenTimeout time.Duration
	// Header is sent with the handshake request.
	Header http.Header
}

type subscriber struct {
	id      uint64
	handler NotificationHandler
}

// Conn is an open connection. It is safe for concurrent use.
type Conn struct {
	url    string
	opts   Options
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu          sync.Mutex
	pending     map[string]chan *envelope
	subscribers map[string][]subscriber
	nextSubID   uint64
	closed      bool
	closeOnce   sync.Once

	done chan struct{}
}

// Open dials url and starts the read loop. The logger carried by ctx is used for the lifetime of
// the connection.
func Open(ctx context.Context, url string, opts Options) (*Conn, error) {
	logger := logctx.LoggerFromContext(ctx).With("rpc_url", url)

	dialer := *websocket.DefaultDialer
	if opts.OpenTimeout > 0 {
		dialer.HandshakeTimeout = opts.OpenTimeout

		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, opts.OpenTimeout)
		defer cancel()
	}

	ws, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			logger.Error("websocket handshake rejected", "status", resp.StatusCode, "err", err)
		}

		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	c := &Conn{
		url:         url,
		opts:        opts,
		ws:          ws,
		logger:      logger,
		pending:     make(map[string]chan *envelope),
		subscribers: make(map[string][]subscriber),
		done:        make(chan struct{}),
	}

	go c.readLoop()

	logger.Debug("rpc connection open")

	return c, nil
}

// Call invokes method and decodes the result into result, which may be nil to discard it.
func (c *Conn) Call(ctx context.Context, method string, params []any, result any) error {
	resp, err := c.roundTrip(ctx, method, withToken(c.opts.Secret, method, params))
	if err != nil {
		return err
	}

	if result == nil || len(resp.Result) == 0 {
		return nil
	}

	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}

	return nil
}

// Multicall bundles calls into one system.multicall round trip. A transport failure is returned
// as the error; a fault in one entry is reported in that entry's Result.Err.
func (c *Conn) Multicall(ctx context.Context, calls []Call) ([]Result, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	entries := make([]multicallEntry, len(calls))
	for i, call := range calls {
		entries[i] = multicallEntry{
			MethodName: call.Method,
			Params:     withToken(c.opts.Secret, call.Method, call.Params),
		}
	}

	resp, err := c.roundTrip(ctx, methodMulticall, []any{entries})
	if err != nil {
		return nil, err
	}

	return decodeMulticall(resp.Result, len(calls))
}

// Notify sends method without an id; the server does not answer it.
func (c *Conn) Notify(ctx context.Context, method string, params []any) error {
	if c.isClosed() {
		return ErrClosed
	}

	return c.write(ctx, request{
		JSONRPC: jsonRPCVersion,
		Method:  method,
		Params:  withToken(c.opts.Secret, method, params),
	})
}

// Subscribe registers handler for push notifications named method and returns a function that
// removes it. Handlers run on the read loop and must not block.
func (c *Conn) Subscribe(method string, handler NotificationHandler) func() {
	c.mu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.subscribers[method] = append(c.subscribers[method], subscriber{id: id, handler: handler})
	c.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()

			subs := c.subscribers[method]
			for i, s := range subs {
				if s.id == id {
					c.subscribers[method] = append(subs[:i:i], subs[i+1:]...)

					break
				}
			}
		})
	}
}

// Close closes the socket and fails every pending call with ErrClosed. It is idempotent.
func (c *Conn) Close() error {
	var err error

	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.writeMu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.ws.Close()
		c.writeMu.Unlock()

		<-c.done

		c.logger.Debug("rpc connection closed")
	})

	return err
}

// Done is closed once the read loop has exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) roundTrip(ctx context.Context, method string, params []any) (*envelope, error) {
	if c.opts.CallTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	ch := make(chan *envelope, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil, ErrClosed
	}

	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, request{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	case <-c.done:
		return nil, ErrClosed
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}

		return resp, nil
	}
}

func (c *Conn) write(ctx context.Context, req request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", req.Method, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
		defer c.ws.SetWriteDeadline(time.Time{})
	}

	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		if c.isClosed() {
			return ErrClosed
		}

		return fmt.Errorf("failed to write %s request: %w", req.Method, err)
	}

	return nil
}

func (c *Conn) readLoop() {
	defer close(c.done)

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.closed = true
			c.mu.Unlock()

			if !closed && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Error("rpc read loop ended", "err", err)
			}

			return
		}

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("failed to decode rpc message", "err", err)

			continue
		}

		if env.isNotification() {
			c.dispatch(env.Method, env.Params)

			continue
		}

		if env.ID == nil {
			c.logger.Warn("rpc response without id", "err", env.Error)

			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[*env.ID]
		c.mu.Unlock()

		if !ok {
			c.logger.Debug("dropping response for unknown call", "id", *env.ID)

			continue
		}

		ch <- &env
	}
}

func (c *Conn) dispatch(method string, params json.RawMessage) {
	c.mu.Lock()
	subs := append([]subscriber(nil), c.subscribers[method]...)
	c.mu.Unlock()

	if len(subs) == 0 {
		c.logger.Debug("notification without subscribers", "method", method)

		return
	}

	for _, s := range subs {
		s.handler(params)
	}
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}
