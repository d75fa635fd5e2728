// Package aria2 tracks the downloads of an aria2 daemon over its JSON-RPC interface.
//
// A Client owns the RPC connection and a Monitor. The Monitor keeps exactly one Task per gid,
// refreshed from aria2 push notifications and from polling, and emits lifecycle events to
// listeners registered with On.
package aria2

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/aria2_monitor/internal/logctx"
	"github.com/italolelis/aria2_monitor/internal/rpc"
	"github.com/italolelis/aria2_monitor/internal/telemetry"
)

// ConnectOptions configure Connect.
type ConnectOptions struct {
	URL          string
	Secret       string
	CallTimeout  time.Duration
	OpenTimeout  time.Duration
	PollInterval time.Duration
	Telemetry    *telemetry.Telemetry
}

// ClientOptions configure NewClient.
type ClientOptions struct {
	PollInterval time.Duration
	Telemetry    *telemetry.Telemetry
}

type Client struct {
	conn         Conn
	monitor      *Monitor
	telemetry    *telemetry.Telemetry
	disconnected <-chan struct{}
	closed       atomic.Bool
}

// Connect opens the RPC connection and returns a Client whose Monitor is already running.
func Connect(ctx context.Context, opts ConnectOptions) (*Client, error) {
	conn, err := rpc.Open(ctx, opts.URL, rpc.Options{
		Secret:      opts.Secret,
		CallTimeout: opts.CallTimeout,
		OpenTimeout: opts.OpenTimeout,
	})
	if err != nil {
		return nil, &ConnectionError{URL: opts.URL, Err: err}
	}

	return NewClient(ctx, conn, ClientOptions{
		PollInterval: opts.PollInterval,
		Telemetry:    opts.Telemetry,
	}), nil
}

// NewClient builds a Client on an open connection and starts its Monitor.
func NewClient(ctx context.Context, conn Conn, opts ClientOptions) *Client {
	var disconnected <-chan struct{}
	if d, ok := conn.(interface{ Done() <-chan struct{} }); ok {
		disconnected = d.Done()
	}

	if opts.Telemetry != nil {
		conn = NewInstrumentedConn(conn, opts.Telemetry)
	}

	m := NewMonitor(conn,
		WithPollInterval(opts.PollInterval),
		WithTelemetry(opts.Telemetry),
	)
	m.Start(ctx)

	return &Client{conn: conn, monitor: m, telemetry: opts.Telemetry, disconnected: disconnected}
}

// Disconnected is closed when the underlying connection is lost or closed. It is nil, and so
// never ready, when the connection does not report it.
func (c *Client) Disconnected() <-chan struct{} {
	return c.disconnected
}

// Monitor returns the monitor for registering listeners and looking up tasks.
func (c *Client) Monitor() *Monitor {
	return c.monitor
}

// Close stops the monitor and closes the connection. Later operations fail with ClosedError.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	if err := c.monitor.Close(); err != nil {
		return fmt.Errorf("failed to close monitor: %w", err)
	}

	if err := c.conn.Close(); err != nil && !errors.Is(err, rpc.ErrClosed) {
		return fmt.Errorf("failed to close connection: %w", err)
	}

	return nil
}

// Shutdown asks aria2 to exit and closes the client. A failed shutdown call is logged, never
// returned; the monitor is torn down while the call is in flight and the connection is closed
// once it has been answered.
func (c *Client) Shutdown(ctx context.Context, force bool) error {
	if c.closed.Load() {
		return &ClosedError{Operation: "shutdown"}
	}

	method := methodShutdown
	if force {
		method = methodForceShutdown
	}

	var g errgroup.Group

	g.Go(func() error {
		if err := c.conn.Call(ctx, method, nil, nil); err != nil {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "aria2 shutdown call failed",
				"err", &ShutdownCallError{Force: force, Err: err},
			)
		}

		return nil
	})

	g.Go(c.monitor.Close)

	if err := g.Wait(); err != nil {
		return err
	}

	return c.Close()
}

// DownloadURI adds a download from one or more mirrors of the same file, or a magnet link, and
// returns its live handle.
func (c *Client) DownloadURI(ctx context.Context, uris []string, opts DownloadOptions) (*Task, error) {
	if c.closed.Load() {
		return nil, &ClosedError{Operation: "download_uri"}
	}

	if len(uris) == 0 {
		return nil, &SubmissionError{Method: methodAddURI, Err: errors.New("no uris given")}
	}

	logger := logctx.LoggerFromContext(ctx)

	for _, uri := range uris {
		if !strings.HasPrefix(uri, "magnet:") {
			continue
		}

		magnet, err := metainfo.ParseMagnetUri(uri)
		if err != nil {
			return nil, &SubmissionError{Method: methodAddURI, Err: fmt.Errorf("invalid magnet link: %w", err)}
		}

		logger.DebugContext(ctx, "submitting magnet link",
			"info_hash", magnet.InfoHash.HexString(),
			"name", magnet.DisplayName,
			"trackers", len(magnet.Trackers),
		)
	}

	return c.submit(ctx, methodAddURI, submissionParams(opts, uris))
}

// DownloadTorrent adds a download from the raw bytes of a .torrent file.
func (c *Client) DownloadTorrent(ctx context.Context, data []byte, opts DownloadOptions) (*Task, error) {
	if c.closed.Load() {
		return nil, &ClosedError{Operation: "download_torrent"}
	}

	mi, err := metainfo.Load(bytes.NewReader(data))
	if err != nil {
		return nil, &SubmissionError{Method: methodAddTorrent, Err: fmt.Errorf("invalid torrent file: %w", err)}
	}

	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, &SubmissionError{Method: methodAddTorrent, Err: fmt.Errorf("invalid torrent info: %w", err)}
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "submitting torrent",
		"info_hash", mi.HashInfoBytes().HexString(),
		"name", info.BestName(),
		"size", humanize.Bytes(uint64(info.TotalLength())),
	)

	encoded := base64.StdEncoding.EncodeToString(data)

	return c.submit(ctx, methodAddTorrent, submissionParams(opts, encoded, []string{}))
}

func (c *Client) submit(ctx context.Context, method string, params []any) (*Task, error) {
	var gid string
	if err := c.conn.Call(ctx, method, params, &gid); err != nil {
		return nil, &SubmissionError{Method: method, Err: err}
	}

	if gid == "" {
		return nil, &SubmissionError{Method: method, Err: errors.New("aria2 returned no gid")}
	}

	ctx = logctx.WithGID(ctx, gid)
	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download submitted", "method", method)

	return c.monitor.WatchStatus(ctx, gid)
}

// ListActive returns the active downloads, merged into the monitor's registry.
func (c *Client) ListActive(ctx context.Context) ([]*Task, error) {
	if c.closed.Load() {
		return nil, &ClosedError{Operation: "list_active"}
	}

	return c.monitor.ReconcileActive(ctx)
}

// ListWaiting returns up to num waiting downloads starting at offset. The result is a snapshot
// and is not merged into the registry.
func (c *Client) ListWaiting(ctx context.Context, offset, num int) ([]Status, error) {
	return c.list(ctx, methodTellWaiting, "list_waiting", offset, num)
}

// ListStopped returns up to num stopped downloads starting at offset. The result is a snapshot
// and is not merged into the registry.
func (c *Client) ListStopped(ctx context.Context, offset, num int) ([]Status, error) {
	return c.list(ctx, methodTellStopped, "list_stopped", offset, num)
}

func (c *Client) list(ctx context.Context, method, operation string, offset, num int) ([]Status, error) {
	if c.closed.Load() {
		return nil, &ClosedError{Operation: operation}
	}

	var statuses []Status
	if err := c.conn.Call(ctx, method, []any{offset, num}, &statuses); err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}

	return statuses, nil
}

func (c *Client) Version(ctx context.Context) (Version, error) {
	var v Version

	if c.closed.Load() {
		return v, &ClosedError{Operation: "version"}
	}

	if err := c.conn.Call(ctx, methodGetVersion, nil, &v); err != nil {
		return v, fmt.Errorf("failed to get aria2 version: %w", err)
	}

	return v, nil
}

func (c *Client) GlobalStat(ctx context.Context) (GlobalStat, error) {
	var stat GlobalStat

	if c.closed.Load() {
		return stat, &ClosedError{Operation: "global_stat"}
	}

	if err := c.conn.Call(ctx, methodGetGlobalStat, nil, &stat); err != nil {
		return stat, fmt.Errorf("failed to get global stat: %w", err)
	}

	return stat, nil
}
