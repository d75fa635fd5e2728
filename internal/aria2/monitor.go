package aria2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/italolelis/aria2_monitor/internal/logctx"
	"github.com/italolelis/aria2_monitor/internal/rpc"
	"github.com/italolelis/aria2_monitor/internal/telemetry"
)

const (
	defaultPollInterval = time.Second
	// maxFollowDepth bounds the parent chain built from "following" references.
	maxFollowDepth = 4
)

var errFollowDepth = errors.New("following chain too deep")

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithPollInterval sets the progress polling interval. Non-positive values keep the default.
func WithPollInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

func WithTelemetry(t *telemetry.Telemetry) MonitorOption {
	return func(m *Monitor) {
		m.telemetry = t
	}
}

// WithLogger sets the logger used by background work. Defaults to the logger of the Start context.
func WithLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = l
	}
}

// WithClock replaces time.Now for status timestamps.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		m.now = now
	}
}

// Monitor keeps one live Task per gid, updated from aria2 push notifications and from polling,
// and dispatches lifecycle events to listeners.
type Monitor struct {
	conn         Conn
	telemetry    *telemetry.Telemetry
	logger       *slog.Logger
	pollInterval time.Duration
	now          func() time.Time

	flight singleflight.Group

	mu       sync.Mutex
	registry map[string]*Task
	// resolving maps a gid whose flight waits on its parent's flight to that parent.
	resolving   map[string]string
	polled      map[string]int
	listeners   map[listenerKey][]*Listener
	started     bool
	cancel      context.CancelFunc
	unsubscribe []func()

	queue      notificationQueue
	closed     atomic.Bool
	done       chan struct{}
	deliverMu  sync.Mutex
	dispatcher atomic.Uint64
}

func NewMonitor(conn Conn, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		conn:         conn,
		pollInterval: defaultPollInterval,
		now:          time.Now,
		registry:     make(map[string]*Task),
		resolving:    make(map[string]string),
		polled:       make(map[string]int),
		listeners:    make(map[listenerKey][]*Listener),
		queue:        notificationQueue{signal: make(chan struct{}, 1)},
		done:         make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start subscribes to the aria2 push notifications and starts the dispatcher, which handles
// notifications and poll ticks one at a time. It is a no-op after the first call or after Close.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started || m.closed.Load() {
		return
	}

	m.started = true

	if m.logger == nil {
		m.logger = logctx.LoggerFromContext(ctx)
	}

	ctx = logctx.WithLogger(ctx, m.logger)
	ctx, m.cancel = context.WithCancel(ctx)

	for _, n := range notifications {
		kind := n.kind
		m.unsubscribe = append(m.unsubscribe, m.conn.Subscribe(n.method, func(params json.RawMessage) {
			m.enqueue(kind, params)
		}))
	}

	go m.run(ctx)

	m.logger.Info("monitor started", "poll_interval", m.pollInterval)
}

// Close cancels the push subscriptions and stops the dispatcher. Once it returns no handler is
// running or invoked again: a handler already running waits to return first, so it must not wait
// on the goroutine calling Close. Close is idempotent and may be called from inside a handler, in
// which case the remaining handlers of that event are skipped.
func (m *Monitor) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.mu.Lock()
	cancel := m.cancel
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	started := m.started
	logger := m.logger
	m.mu.Unlock()

	for _, u := range unsubscribe {
		u()
	}

	if cancel != nil {
		cancel()
	}

	if !started {
		close(m.done)
	} else if goroutineID() != m.dispatcher.Load() {
		// the dispatcher holds deliverMu while a handler runs
		m.deliverMu.Lock()
		m.deliverMu.Unlock()
	}

	if logger != nil {
		logger.Info("monitor closed")
	}

	return nil
}

// Done is closed when the dispatcher goroutine has exited.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// GetTask returns the tracked task for gid, querying aria2 on first reference. Concurrent calls
// for an untracked gid share one tellStatus query and receive the same *Task.
func (m *Monitor) GetTask(ctx context.Context, gid string) (*Task, error) {
	if m.closed.Load() {
		return nil, &ClosedError{Operation: "get_task"}
	}

	task, _, err := m.lookupOrCreate(ctx, gid, nil, time.Time{}, nil)

	return task, err
}

// WatchStatus returns the live handle for a gid that was just submitted.
func (m *Monitor) WatchStatus(ctx context.Context, gid string) (*Task, error) {
	return m.GetTask(ctx, gid)
}

// ReconcileActive lists the active downloads and merges them into the registry.
func (m *Monitor) ReconcileActive(ctx context.Context) ([]*Task, error) {
	if m.closed.Load() {
		return nil, &ClosedError{Operation: "list_active"}
	}

	var statuses []Status
	if err := m.conn.Call(ctx, methodTellActive, nil, &statuses); err != nil {
		return nil, fmt.Errorf("failed to list active downloads: %w", err)
	}

	ts := m.now()
	tasks := make([]*Task, 0, len(statuses))

	for _, status := range statuses {
		task, err := m.track(ctx, status, ts)
		if err != nil {
			return nil, err
		}

		tasks = append(tasks, task)
	}

	return tasks, nil
}

// Tasks returns the tracked tasks ordered by gid.
func (m *Monitor) Tasks() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks := make([]*Task, 0, len(m.registry))
	for _, gid := range slices.Sorted(maps.Keys(m.registry)) {
		tasks = append(tasks, m.registry[gid])
	}

	return tasks
}

// On registers handler for events of kind on gid. Progress listeners add gid to the polled set.
func (m *Monitor) On(kind EventKind, gid string, handler Handler) *Listener {
	l := &Listener{key: listenerKey{kind: kind, gid: gid}, handler: handler}

	m.mu.Lock()
	m.listeners[l.key] = append(m.listeners[l.key], l)

	if kind == EventProgress {
		m.polled[gid]++
	}

	polled := len(m.polled)
	m.mu.Unlock()

	if kind == EventProgress {
		m.telemetry.SetPolledTasks(polled)
	}

	return l
}

// Off removes a listener. Removing the last progress listener of a gid stops polling it. It
// reports whether the listener was registered.
func (m *Monitor) Off(l *Listener) bool {
	if l == nil || !l.removed.CompareAndSwap(false, true) {
		return false
	}

	m.mu.Lock()

	ls := m.listeners[l.key]
	if i := slices.Index(ls, l); i >= 0 {
		ls = slices.Delete(ls, i, i+1)
	}

	if len(ls) == 0 {
		delete(m.listeners, l.key)
	} else {
		m.listeners[l.key] = ls
	}

	if l.key.kind == EventProgress {
		if m.polled[l.key.gid] <= 1 {
			delete(m.polled, l.key.gid)
		} else {
			m.polled[l.key.gid]--
		}
	}

	polled := len(m.polled)
	m.mu.Unlock()

	if l.key.kind == EventProgress {
		m.telemetry.SetPolledTasks(polled)
	}

	return true
}

// Forget drops gid from the registry together with its listeners and polling references.
// Handles already returned keep their last status but receive no further updates. A later
// GetTask builds a new Task, so one *Task per gid holds only between calls to Forget: callers
// that compare handles by identity must not keep one across a Forget. It reports whether gid
// was tracked.
func (m *Monitor) Forget(gid string) bool {
	m.mu.Lock()

	_, tracked := m.registry[gid]
	delete(m.registry, gid)

	for key, ls := range m.listeners {
		if key.gid != gid {
			continue
		}

		for _, l := range ls {
			l.removed.Store(true)
		}

		delete(m.listeners, key)
	}

	delete(m.polled, gid)

	trackedCount, polledCount := len(m.registry), len(m.polled)
	m.mu.Unlock()

	m.telemetry.SetTrackedTasks(trackedCount)
	m.telemetry.SetPolledTasks(polledCount)

	return tracked
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	m.dispatcher.Store(goroutineID())

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.queue.signal:
			for _, n := range m.queue.drain() {
				if ctx.Err() != nil {
					return
				}

				m.safely(ctx, "notification", func() { m.handleNotification(ctx, n) })
			}
		case <-ticker.C:
			m.safely(ctx, "tick", func() { m.tick(ctx) })
		}
	}
}

// safely runs fn and turns a panic into a logged error so the dispatcher keeps running.
func (m *Monitor) safely(ctx context.Context, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).Error("panic in monitor "+what,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			m.telemetry.RecordSystemError("monitor", "panic")
		}
	}()

	fn()
}

func (m *Monitor) enqueue(kind EventKind, params json.RawMessage) {
	if m.closed.Load() {
		return
	}

	var payload []struct {
		GID string `json:"gid"`
	}

	if err := json.Unmarshal(params, &payload); err != nil {
		m.logger.Warn("malformed notification", "kind", kind, "err", err)

		return
	}

	for _, p := range payload {
		if p.GID != "" {
			m.queue.push(notification{kind: kind, gid: p.GID})
		}
	}
}

func (m *Monitor) handleNotification(ctx context.Context, n notification) {
	ctx = logctx.WithGID(ctx, n.gid)
	logger := logctx.LoggerFromContext(ctx)

	task, created, err := m.lookupOrCreate(ctx, n.gid, nil, time.Time{}, nil)
	if err != nil {
		logger.ErrorContext(ctx, "failed to resolve task for notification", "kind", n.kind, "err", err)

		return
	}

	if !created {
		status, err := m.queryStatus(ctx, n.gid)
		if err != nil {
			logger.WarnContext(ctx, "failed to refresh task status", "kind", n.kind, "err", err)
		} else {
			m.apply(ctx, task, status, m.now())
		}
	}

	if n.kind == EventBtComplete && !task.IsTorrent() {
		logger.WarnContext(ctx, "bt-complete notification for a non-torrent task")

		return
	}

	m.emit(ctx, newEvent(n.kind, task))
}

// tick polls every gid with a progress listener in one system.multicall.
func (m *Monitor) tick(ctx context.Context) {
	m.mu.Lock()
	gids := slices.Sorted(maps.Keys(m.polled))
	m.mu.Unlock()

	if len(gids) == 0 {
		return
	}

	logger := logctx.LoggerFromContext(ctx)
	start := time.Now()

	calls := make([]rpc.Call, len(gids))
	for i, gid := range gids {
		calls[i] = rpc.Call{Method: methodTellStatus, Params: []any{gid}}
	}

	results, err := m.conn.Multicall(ctx, calls)
	if err != nil {
		if ctx.Err() == nil {
			logger.WarnContext(ctx, "poll tick failed", "err", &TickError{GIDs: gids, Err: err})
		}

		m.telemetry.RecordTick("error", time.Since(start))

		return
	}

	ts := m.now()
	outcome := "success"

	for i, res := range results {
		gid := gids[i]
		gctx := logctx.WithGID(ctx, gid)

		status, err := decodeStatus(res)
		if err != nil {
			logger.WarnContext(gctx, "poll tick entry failed", "err", &TickError{GIDs: []string{gid}, Err: err})

			outcome = "partial"

			continue
		}

		if status.GID == "" {
			status.GID = gid
		}

		task, err := m.track(gctx, status, ts)
		if err != nil {
			logger.WarnContext(gctx, "poll tick entry failed", "err", &TickError{GIDs: []string{gid}, Err: err})

			outcome = "partial"

			continue
		}

		m.emit(gctx, newEvent(EventProgress, task))
	}

	m.telemetry.RecordTick(outcome, time.Since(start))
}

func decodeStatus(res rpc.Result) (Status, error) {
	var status Status

	if res.Err != nil {
		return status, res.Err
	}

	if err := json.Unmarshal(res.Value, &status); err != nil {
		return status, fmt.Errorf("failed to decode status: %w", err)
	}

	return status, nil
}

// emit calls the listeners registered for the event's kind and gid in registration order.
func (m *Monitor) emit(ctx context.Context, ev Event) {
	m.mu.Lock()
	listeners := slices.Clone(m.listeners[listenerKey{kind: ev.Kind, gid: ev.Task.GID()}])
	m.mu.Unlock()

	if m.closed.Load() {
		return
	}

	m.telemetry.RecordEvent(string(ev.Kind))

	for _, l := range listeners {
		if l.removed.Load() {
			continue
		}

		if !m.deliverOpen(ctx, l, ev) {
			return
		}
	}
}

// deliverOpen calls l unless the monitor is closed. The check and the call happen under
// deliverMu, which Close takes from outside the dispatcher.
func (m *Monitor) deliverOpen(ctx context.Context, l *Listener, ev Event) bool {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	if m.closed.Load() {
		return false
	}

	m.deliver(ctx, l, ev)

	return true
}

func (m *Monitor) deliver(ctx context.Context, l *Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "event handler panicked",
				"kind", ev.Kind,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	l.handler(ev)
}

// track merges a status obtained from a listing or a poll into the registry.
func (m *Monitor) track(ctx context.Context, status Status, ts time.Time) (*Task, error) {
	task, _, err := m.lookupOrCreate(ctx, status.GID, &status, ts, nil)
	if err != nil {
		return nil, err
	}

	m.apply(ctx, task, status, ts)

	return task, nil
}

func (m *Monitor) apply(ctx context.Context, task *Task, status Status, ts time.Time) {
	if stale := task.applyStatus(status, ts); stale {
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "applied status older than the current one",
			"timestamp", ts,
			"current", task.Timestamp(),
		)
	}

	if status.HasTorrentMetadata() && !task.IsTorrent() {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "plain task reported torrent metadata")
	}
}

type constructed struct {
	task    *Task
	created bool
}

// lookupOrCreate is the only path by which tasks enter the registry. known, when set, is used
// instead of querying aria2. chain holds the gids being resolved through "following" by the
// current caller. created reports whether the task was built by this call or a flight it joined.
func (m *Monitor) lookupOrCreate(ctx context.Context, gid string, known *Status, ts time.Time, chain []string) (*Task, bool, error) {
	if task := m.lookup(gid); task != nil {
		return task, false, nil
	}

	if slices.Contains(chain, gid) {
		return nil, false, &QueryError{GID: gid, Err: fmt.Errorf("following cycle through %v", chain)}
	}

	if len(chain) >= maxFollowDepth {
		return nil, false, &QueryError{GID: gid, Err: errFollowDepth}
	}

	chain = append(slices.Clip(chain), gid)
	detached := context.WithoutCancel(ctx)

	ch := m.flight.DoChan(gid, func() (any, error) {
		return m.construct(detached, gid, known, ts, chain)
	})

	select {
	case <-ctx.Done():
		return nil, false, &QueryError{GID: gid, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}

		c := res.Val.(constructed)

		return c.task, c.created, nil
	}
}

func (m *Monitor) construct(ctx context.Context, gid string, known *Status, ts time.Time, chain []string) (constructed, error) {
	if task := m.lookup(gid); task != nil {
		return constructed{task: task}, nil
	}

	var status Status

	if known != nil {
		status = *known
	} else {
		queried, err := m.queryStatus(ctx, gid)
		if err != nil {
			return constructed{}, &QueryError{GID: gid, Err: err}
		}

		status = queried
		ts = m.now()
	}

	if status.GID == "" {
		status.GID = gid
	}

	var parent *Task

	if status.Following != "" && status.Following != gid {
		if err := m.awaitParent(gid, status.Following); err != nil {
			return constructed{}, &QueryError{GID: gid, Err: err}
		}

		p, _, err := m.lookupOrCreate(ctx, status.Following, nil, time.Time{}, chain)
		m.doneAwaiting(gid)

		if err != nil {
			return constructed{}, &QueryError{GID: gid, Err: fmt.Errorf("failed to resolve following %s: %w", status.Following, err)}
		}

		parent = p
	}

	task := newTask(status, ts, parent)

	m.mu.Lock()
	m.registry[gid] = task
	tracked := len(m.registry)
	m.mu.Unlock()

	m.telemetry.SetTrackedTasks(tracked)

	logctx.LoggerFromContext(ctx).DebugContext(logctx.WithGID(ctx, gid), "tracking task",
		"torrent", task.IsTorrent(),
		"state", status.State,
	)

	return constructed{task: task, created: true}, nil
}

// awaitParent records that the flight for gid is about to wait on the flight for parent. The
// chain of a single caller cannot see a flight started by another caller, so the wait is refused
// when the recorded waits already lead from parent back to gid.
func (m *Monitor) awaitParent(gid, parent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := parent
	for range len(m.resolving) + 1 {
		if next == gid {
			return fmt.Errorf("following cycle between %s and %s", gid, parent)
		}

		p, ok := m.resolving[next]
		if !ok {
			break
		}

		next = p
	}

	m.resolving[gid] = parent

	return nil
}

func (m *Monitor) doneAwaiting(gid string) {
	m.mu.Lock()
	delete(m.resolving, gid)
	m.mu.Unlock()
}

func (m *Monitor) lookup(gid string) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.registry[gid]
}

func (m *Monitor) queryStatus(ctx context.Context, gid string) (Status, error) {
	var status Status
	if err := m.conn.Call(ctx, methodTellStatus, []any{gid}, &status); err != nil {
		return Status{}, err
	}

	return status, nil
}

type notification struct {
	kind EventKind
	gid  string
}

// notificationQueue is an unbounded FIFO between the RPC read loop, which must never block, and
// the dispatcher.
type notificationQueue struct {
	mu     sync.Mutex
	items  []notification
	signal chan struct{}
}

func (q *notificationQueue) push(n notification) {
	q.mu.Lock()
	q.items = append(q.items, n)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *notificationQueue) drain() []notification {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil

	return items
}
