package aria2

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/aria2_monitor/internal/aria2/aria2test"
	"github.com/italolelis/aria2_monitor/internal/rpc"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond

	ubuntuInfoHash = "c9e15763f722f23e98a29decdfae341b98d53056"
)

func newTestMonitor(t *testing.T, conn *aria2test.Conn, opts ...MonitorOption) *Monitor {
	t.Helper()

	opts = append([]MonitorOption{
		WithPollInterval(10 * time.Millisecond),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)

	m := NewMonitor(conn, opts...)
	m.Start(context.Background())
	t.Cleanup(func() { _ = m.Close() })

	return m
}

func activeStatus(completed int) aria2test.Status {
	return aria2test.Status{
		"status":          "active",
		"totalLength":     "1000",
		"completedLength": strconv.Itoa(completed),
		"downloadSpeed":   "100",
		"uploadSpeed":     "0",
		"connections":     "4",
	}
}

func torrentStatus() aria2test.Status {
	s := activeStatus(0)
	s["infoHash"] = ubuntuInfoHash
	s["bittorrent"] = map[string]any{
		"mode": "single",
		"info": map[string]any{"name": "ubuntu.iso"},
	}

	return s
}

func collect(ch chan Event) Handler {
	return func(ev Event) {
		select {
		case ch <- ev:
		default:
		}
	}
}

func receive(t *testing.T, ch chan Event) Event {
	t.Helper()

	select {
	case ev := <-ch:
		return ev
	case <-time.After(waitFor):
		t.Fatal("event not delivered")

		return Event{}
	}
}

func TestGetTask_ConcurrentCallersShareOneQuery(t *testing.T) {
	conn := aria2test.NewConn()
	conn.SetStatus("g1", activeStatus(10))
	release := conn.Gate()

	m := newTestMonitor(t, conn)

	const callers = 16

	var wg sync.WaitGroup

	tasks := make([]*Task, callers)
	errs := make([]error, callers)

	for i := range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			tasks[i], errs[i] = m.GetTask(context.Background(), "g1")
		}()
	}

	require.Eventually(t, func() bool { return len(conn.Calls(methodTellStatus)) == 1 }, waitFor, tick)
	release()
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Same(t, tasks[0], tasks[i])
	}

	assert.Len(t, conn.Calls(methodTellStatus), 1)
	assert.Len(t, m.Tasks(), 1)
}

func TestGetTask_CallerCanAbandonSharedQuery(t *testing.T) {
	conn := aria2test.NewConn()
	conn.SetStatus("g1", activeStatus(10))
	release := conn.Gate()

	m := newTestMonitor(t, conn)

	ctx, cancel := context.WithCancel(context.Background())

	errs := make(chan error, 1)
	go func() {
		_, err := m.GetTask(ctx, "g1")
		errs <- err
	}()

	require.Eventually(t, func() bool { return len(conn.Calls(methodTellStatus)) == 1 }, waitFor, tick)
	cancel()

	var qe *QueryError
	require.ErrorAs(t, <-errs, &qe)
	assert.ErrorIs(t, qe, context.Canceled)

	release()

	task, err := m.GetTask(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, "g1", task.GID())
	assert.Len(t, conn.Calls(methodTellStatus), 1)
}

func TestGetTask_QueryErrorLeavesRegistryUntouched(t *testing.T) {
	conn := aria2test.NewConn()
	m := newTestMonitor(t, conn)

	_, err := m.GetTask(context.Background(), "missing")

	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "missing", qe.GID)

	var rpcErr *rpc.Error
	assert.ErrorAs(t, err, &rpcErr)
	assert.Empty(t, m.Tasks())

	conn.SetStatus("missing", activeStatus(0))

	task, err := m.GetTask(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, "missing", task.GID())
	assert.Len(t, conn.Calls(methodTellStatus), 2)
}

func TestGetTask_FollowingResolvesParentFirst(t *testing.T) {
	conn := aria2test.NewConn()

	meta := activeStatus(0)
	meta["status"] = "complete"
	meta["followedBy"] = []string{"t1"}
	conn.SetStatus("t0", meta)

	full := torrentStatus()
	full["following"] = "t0"
	conn.SetStatus("t1", full)

	m := newTestMonitor(t, conn)

	task, err := m.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, task.IsTorrent())

	parent, err := m.GetTask(context.Background(), "t0")
	require.NoError(t, err)

	torrent := task.Torrent()
	assert.Same(t, parent, torrent.Parent())
	assert.Equal(t, "ubuntu.iso", torrent.Name())
	assert.Equal(t, ubuntuInfoHash, torrent.InfoHash().HexString())

	calls := conn.Calls(methodTellStatus)
	require.Len(t, calls, 2)
	assert.Equal(t, "t1", calls[0][0])
	assert.Equal(t, "t0", calls[1][0])
}

func TestGetTask_FollowingCycleIsQueryError(t *testing.T) {
	conn := aria2test.NewConn()

	a := torrentStatus()
	a["following"] = "b"
	conn.SetStatus("a", a)

	b := torrentStatus()
	b["following"] = "a"
	conn.SetStatus("b", b)

	m := newTestMonitor(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	_, err := m.GetTask(ctx, "a")

	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, m.Tasks())
}

func TestGetTask_ConcurrentFollowingCycleFails(t *testing.T) {
	conn := aria2test.NewConn()
	conn.SetStatus("t0", aria2test.Status{"status": "active", "following": "t1"})
	conn.SetStatus("t1", aria2test.Status{"status": "active", "following": "t0"})
	release := conn.Gate()

	m := newTestMonitor(t, conn)

	errs := make(chan error, 2)

	for _, gid := range []string{"t0", "t1"} {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), waitFor)
			defer cancel()

			_, err := m.GetTask(ctx, gid)
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return len(conn.Calls(methodTellStatus)) >= 2 }, waitFor, tick)
	release()

	for range 2 {
		err := <-errs

		var qe *QueryError
		require.ErrorAs(t, err, &qe)
		assert.NotErrorIs(t, err, context.DeadlineExceeded)
	}

	assert.Empty(t, m.Tasks())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := m.GetTask(ctx, "t0")

	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}

func TestTorrentMetadataAlwaysYieldsTorrent(t *testing.T) {
	tests := []struct {
		name   string
		create func(t *testing.T, m *Monitor, conn *aria2test.Conn) *Task
	}{
		{
			name: "explicit query",
			create: func(t *testing.T, m *Monitor, _ *aria2test.Conn) *Task {
				task, err := m.GetTask(context.Background(), "bt")
				require.NoError(t, err)

				return task
			},
		},
		{
			name: "notification",
			create: func(t *testing.T, m *Monitor, conn *aria2test.Conn) *Task {
				events := make(chan Event, 1)
				m.On(EventStart, "bt", collect(events))
				conn.Notify("aria2.onDownloadStart", "bt")

				return receive(t, events).Task
			},
		},
		{
			name: "poll",
			create: func(t *testing.T, m *Monitor, _ *aria2test.Conn) *Task {
				events := make(chan Event, 1)
				m.On(EventProgress, "bt", collect(events))

				return receive(t, events).Task
			},
		},
		{
			name: "reconcile",
			create: func(t *testing.T, m *Monitor, conn *aria2test.Conn) *Task {
				status := torrentStatus()
				status["gid"] = "bt"
				conn.Handle(methodTellActive, func(context.Context, []any) (any, error) {
					return []aria2test.Status{status}, nil
				})

				tasks, err := m.ReconcileActive(context.Background())
				require.NoError(t, err)
				require.Len(t, tasks, 1)

				return tasks[0]
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := aria2test.NewConn()
			conn.SetStatus("bt", torrentStatus())

			m := newTestMonitor(t, conn)

			task := tt.create(t, m, conn)
			require.NotNil(t, task)
			assert.True(t, task.IsTorrent())
			assert.Equal(t, ubuntuInfoHash, task.Torrent().InfoHash().HexString())
			assert.Same(t, task, task.Torrent().Task)
		})
	}
}

func TestNotification_RefreshesTrackedTask(t *testing.T) {
	conn := aria2test.NewConn()
	conn.SetStatus("g1", activeStatus(10))

	m := newTestMonitor(t, conn)

	task, err := m.GetTask(context.Background(), "g1")
	require.NoError(t, err)

	done := activeStatus(1000)
	done["status"] = "complete"
	conn.SetStatus("g1", done)

	events := make(chan Event, 1)
	m.On(EventComplete, "g1", collect(events))
	conn.Notify("aria2.onDownloadComplete", "g1")

	ev := receive(t, events)
	assert.Equal(t, EventComplete, ev.Kind)
	assert.Same(t, task, ev.Task)
	assert.Equal(t, StateComplete, task.Status().State)
	assert.InDelta(t, 1.0, task.Progress(), 0.0001)
	assert.Nil(t, ev.Torrent)
}

func TestNotification_BtCompleteCarriesTorrent(t *testing.T) {
	conn := aria2test.NewConn()
	conn.SetStatus("bt", torrentStatus())

	m := newTestMonitor(t, conn)

	events := make(chan Event, 1)
	m.On(EventBtComplete, "bt", collect(events))
	conn.Notify("aria2.onBtDownloadComplete", "bt")

	ev := receive(t, events)
	require.NotNil(t, ev.Torrent)
	assert.Equal(t, "ubuntu.iso", ev.Torrent.Name())
	assert.Same(t, ev.Task, ev.Torrent.Task)
}

func TestNotification_OnlyMatchingKindAndGID(t *testing.T) {
	conn := aria2test.NewConn()
	conn.SetStatus("g1", activeStatus(0))
	conn.SetStatus("g2", activeStatus(0))

	m := newTestMonitor(t, conn)

	wrongGID := make(chan Event, 1)
	wrongKind := make(chan Event, 1)
	right := make(chan Event, 1)

	m.On(EventPause, "g2", collect(wrongGID))
	m.On(EventStop, "g1", collect(wrongKind))
	m.On(EventPause, "g1", collect(right))

	conn.Notify("aria2.onDownloadPause", "g1")

	ev := receive(t, right)
	assert.Equal(t, "g1", ev.Task.GID())
	assert.Empty(t, wrongGID)
	assert.Empty(t, wrongKind)
}

func TestTick_DeduplicatesProgressSubscriptions(t *testing.T) {
	conn := aria2test.NewConn()
	conn.SetStatus("abc", activeStatus(0))

	m := newTestMonitor(t, conn)

	m.On(EventProgress, "abc", func(Event) {})
	m.On(EventProgress, "abc", func(Event) {})

	require.Eventually(t, func() bool { return len(conn.Multicalls()) > 0 }, waitFor, tick)

	batch := conn.Multicalls()[0]
	require.Len(t, batch, 1)
	assert.Equal(t, methodTellStatus, batch[0].Method)
	assert.Equal(t, []any{"abc"}, batch[0].Params)
}

func TestTick_NoSubscriptionsNoCall(t *testing.T) {
	conn := aria2test.NewConn()
	newTestMonitor(t, conn)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, conn.Multicalls())
}

func TestTick_OffShrinksPolledSet(t *testing.T) {
	conn := aria2test.NewConn()
	conn.SetStatus("abc", activeStatus(0))

	m := newTestMonitor(t, conn)

	first := m.On(EventProgress, "abc", func(Event) {})
	second := m.On(EventProgress, "abc", func(Event) {})

	assert.True(t, m.Off(first))
	assert.False(t, m.Off(first))

	m.mu.Lock()
	assert.Equal(t, 1, m.polled["abc"])
	m.mu.Unlock()

	assert.True(t, m.Off(second))

	m.mu.Lock()
	assert.NotContains(t, m.polled, "abc")
	m.mu.Unlock()

	calls := len(conn.Multicalls())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, len(conn.Multicalls()))
}

func TestTick_FailureDoesNotStopPolling(t *testing.T) {
	conn := aria2test.NewConn()
	conn.SetStatus("g1", activeStatus(0))

	var batches atomic.Int32

	conn.Handle("system.multicall", func(context.Context, []any) (any, error) {
		if batches.Add(1) == 1 {
			return nil, errors.New("connection reset")
		}

		return nil, nil
	})

	m := newTestMonitor(t, conn)

	events := make(chan Event, 1)
	m.On(EventProgress, "g1", collect(events))

	ev := receive(t, events)
	assert.Equal(t, EventProgress, ev.Kind)
	assert.GreaterOrEqual(t, batches.Load(), int32(2))
}

func TestTick_EntryFaultIsIsolated(t *testing.T) {
	conn := aria2test.NewConn()
	conn.SetStatus("ok", activeStatus(0))

	m := newTestMonitor(t, conn)

	events := make(chan Event, 1)
	m.On(EventProgress, "gone", func(Event) { t.Error("no progress expected for a missing gid") })
	m.On(EventProgress, "ok", collect(events))

	ev := receive(t, events)
	assert.Equal(t, "ok", ev.Task.GID())
	assert.Len(t, m.Tasks(), 1)
}

func TestTimestampNeverDecreases(t *testing.T) {
	conn := aria2test.NewConn()

	var polls atomic.Int64

	conn.Handle(methodTellStatus, func(context.Context, []any) (any, error) {
		n := int(polls.Add(1))

		return activeStatus(n), nil
	})

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var ticks atomic.Int64

	clock := func() time.Time {
		n := ticks.Add(1)
		if n%2 == 0 {
			return base.Add(-time.Hour)
		}

		return base.Add(time.Duration(n) * time.Second)
	}

	m := newTestMonitor(t, conn, WithClock(clock))

	type observation struct {
		ts        time.Time
		completed int64
	}

	observed := make(chan observation, 16)

	m.On(EventProgress, "g1", func(ev Event) {
		select {
		case observed <- observation{ev.Task.Timestamp(), ev.Task.Status().CompletedLength}:
		default:
		}
	})

	var prev observation

	for i := range 6 {
		select {
		case obs := <-observed:
			if i > 0 {
				assert.False(t, obs.ts.Before(prev.ts), "timestamp went from %s to %s", prev.ts, obs.ts)
				assert.Greater(t, obs.completed, prev.completed, "latest snapshot must win")
			}

			prev = obs
		case <-time.After(waitFor):
			t.Fatal("progress not delivered")
		}
	}
}

func TestApplyStatus(t *testing.T) {
	now := time.Now()
	task := newTask(Status{GID: "g1", CompletedLength: 1}, now, nil)

	assert.False(t, task.applyStatus(Status{GID: "g1", CompletedLength: 2}, now.Add(time.Second)))
	assert.Equal(t, now.Add(time.Second), task.Timestamp())

	assert.True(t, task.applyStatus(Status{GID: "g1", CompletedLength: 3}, now))
	assert.Equal(t, now.Add(time.Second), task.Timestamp())
	assert.Equal(t, int64(3), task.Status().CompletedLength)
}

func TestReconcileActive_MergesWithoutDuplicates(t *testing.T) {
	conn := aria2test.NewConn()

	var listing atomic.Pointer[[]string]

	conn.Handle(methodTellActive, func(context.Context, []any) (any, error) {
		var out []aria2test.Status

		for _, gid := range *listing.Load() {
			s := activeStatus(5)
			s["gid"] = gid
			out = append(out, s)
		}

		return out, nil
	})

	m := newTestMonitor(t, conn)

	listing.Store(&[]string{"a", "b"})
	first, err := m.ReconcileActive(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 2)

	listing.Store(&[]string{"a", "c"})
	second, err := m.ReconcileActive(context.Background())
	require.NoError(t, err)
	require.Len(t, second, 2)

	assert.Same(t, first[0], second[0])

	var gids []string
	for _, task := range m.Tasks() {
		gids = append(gids, task.GID())
	}

	assert.Equal(t, []string{"a", "b", "c"}, gids)
	assert.Empty(t, conn.Calls(methodTellStatus))
}

func TestClose_InFlightNotificationDoesNotFire(t *testing.T) {
	conn := aria2test.NewConn()
	conn.SetStatus("g1", activeStatus(0))
	release := conn.Gate()

	m := newTestMonitor(t, conn)

	events := make(chan Event, 1)
	m.On(EventStart, "g1", collect(events))
	conn.Notify("aria2.onDownloadStart", "g1")

	require.Eventually(t, func() bool { return len(conn.Calls(methodTellStatus)) == 1 }, waitFor, tick)
	require.NoError(t, m.Close())
	release()

	assert.Never(t, func() bool { return len(events) > 0 }, 100*time.Millisecond, tick)
	assert.Zero(t, conn.Subscribers("aria2.onDownloadStart"))
}

func TestClose_InFlightTickDoesNotFire(t *testing.T) {
	conn := aria2test.NewConn()
	conn.SetStatus("g1", activeStatus(0))

	entered := make(chan struct{}, 1)
	unblock := make(chan struct{})

	conn.Handle("system.multicall", func(context.Context, []any) (any, error) {
		select {
		case entered <- struct{}{}:
		default:
		}

		<-unblock

		return nil, nil
	})

	m := newTestMonitor(t, conn)

	events := make(chan Event, 1)
	m.On(EventProgress, "g1", collect(events))

	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("tick did not start")
	}

	require.NoError(t, m.Close())
	close(unblock)

	assert.Never(t, func() bool { return len(events) > 0 }, 100*time.Millisecond, tick)

	select {
	case <-m.Done():
	case <-time.After(waitFor):
		t.Fatal("dispatcher did not stop")
	}
}

func TestClose_FromHandler(t *testing.T) {
	conn := aria2test.NewConn()
	conn.SetStatus("g1", activeStatus(0))

	m := newTestMonitor(t, conn)

	var later atomic.Int32

	m.On(EventStart, "g1", func(Event) { _ = m.Close() })
	m.On(EventStart, "g1", func(Event) { later.Add(1) })

	conn.Notify("aria2.onDownloadStart", "g1")

	select {
	case <-m.Done():
	case <-time.After(waitFor):
		t.Fatal("dispatcher did not stop")
	}

	assert.Zero(t, later.Load())
	assert.NoError(t, m.Close())

	_, err := m.GetTask(context.Background(), "g1")

	var ce *ClosedError
	assert.ErrorAs(t, err, &ce)
}

func TestClose_WaitsForRunningHandler(t *testing.T) {
	conn := aria2test.NewConn()
	conn.SetStatus("g1", activeStatus(0))

	m := newTestMonitor(t, conn)

	entered := make(chan struct{})
	unblock := make(chan struct{})

	var later atomic.Int32

	m.On(EventStart, "g1", func(Event) {
		close(entered)
		<-unblock
	})
	m.On(EventStart, "g1", func(Event) { later.Add(1) })

	conn.Notify("aria2.onDownloadStart", "g1")

	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("handler did not start")
	}

	var returned atomic.Bool

	closed := make(chan struct{})
	go func() {
		_ = m.Close()
		returned.Store(true)
		close(closed)
	}()

	assert.Never(t, returned.Load, 100*time.Millisecond, tick)
	close(unblock)

	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("close did not return")
	}

	assert.Zero(t, later.Load())
}

func TestClose_NoHandlerAfterReturn(t *testing.T) {
	conn := aria2test.NewConn()
	conn.SetStatus("g1", activeStatus(0))

	m := newTestMonitor(t, conn, WithPollInterval(time.Millisecond))

	var (
		returned atomic.Bool
		late     atomic.Int32
		calls    atomic.Int32
	)

	m.On(EventProgress, "g1", func(Event) {
		calls.Add(1)

		if returned.Load() {
			late.Add(1)
		}
	})

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, waitFor, time.Millisecond)
	require.NoError(t, m.Close())
	returned.Store(true)

	select {
	case <-m.Done():
	case <-time.After(waitFor):
		t.Fatal("dispatcher did not stop")
	}

	assert.Zero(t, late.Load())
}

func TestHandlerPanicIsContained(t *testing.T) {
	conn := aria2test.NewConn()
	conn.SetStatus("g1", activeStatus(0))

	m := newTestMonitor(t, conn)

	events := make(chan Event, 1)
	m.On(EventStart, "g1", func(Event) { panic("boom") })
	m.On(EventStart, "g1", collect(events))

	conn.Notify("aria2.onDownloadStart", "g1")

	assert.Equal(t, EventStart, receive(t, events).Kind)
}

func TestForget(t *testing.T) {
	conn := aria2test.NewConn()
	conn.SetStatus("g1", activeStatus(10))

	m := newTestMonitor(t, conn)

	first, err := m.GetTask(context.Background(), "g1")
	require.NoError(t, err)

	events := make(chan Event, 16)
	progress := m.On(EventProgress, "g1", collect(events))
	m.On(EventComplete, "g1", collect(events))

	receive(t, events)

	assert.True(t, m.Forget("g1"))
	assert.False(t, m.Forget("g1"))
	assert.Empty(t, m.Tasks())
	assert.False(t, m.Off(progress))

	// let a tick that was already running finish, then discard what it delivered
	time.Sleep(30 * time.Millisecond)

	for len(events) > 0 {
		<-events
	}

	calls := len(conn.Multicalls())
	conn.Notify("aria2.onDownloadComplete", "g1")

	second, err := m.GetTask(context.Background(), "g1")
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	assert.Never(t, func() bool { return len(events) > 0 }, 100*time.Millisecond, tick)
	assert.Equal(t, calls, len(conn.Multicalls()))
}
