package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/aria2_monitor/internal/aria2"
	"github.com/italolelis/aria2_monitor/internal/aria2/aria2test"
)

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
	sent     chan struct{}
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{sent: make(chan struct{}, 16)}
}

func (r *recordingNotifier) Notify(_ context.Context, content string) error {
	r.mu.Lock()
	r.messages = append(r.messages, content)
	r.mu.Unlock()

	r.sent <- struct{}{}

	return nil
}

func (r *recordingNotifier) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.messages...)
}

func trackedTask(t *testing.T, gid string, status aria2test.Status) *aria2.Task {
	t.Helper()

	conn := aria2test.NewConn()
	conn.SetStatus(gid, status)

	client := aria2.NewClient(context.Background(), conn, aria2.ClientOptions{PollInterval: time.Hour})
	t.Cleanup(func() { _ = client.Close() })

	task, err := client.Monitor().GetTask(context.Background(), gid)
	require.NoError(t, err)

	return task
}

func event(kind aria2.EventKind, task *aria2.Task) aria2.Event {
	return aria2.Event{Kind: kind, Task: task, Torrent: task.Torrent()}
}

func TestDiscordNotifier_Notify(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewDiscordNotifier(srv.URL, time.Second)
	require.NoError(t, n.Notify(context.Background(), "hello"))
	assert.Equal(t, map[string]string{"content": "hello"}, got)
}

func TestDiscordNotifier_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordNotifier(srv.URL, time.Second).Notify(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")

	err = NewDiscordNotifier("", time.Second).Notify(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNoWebhook)
}

func TestFormat(t *testing.T) {
	plain := trackedTask(t, "a1", aria2test.Status{
		"status":      "complete",
		"totalLength": "1048576",
		"files":       []map[string]any{{"index": "1", "path": "/downloads/debian.iso", "length": "1048576"}},
	})
	failed := trackedTask(t, "b2", aria2test.Status{
		"status":       "error",
		"errorCode":    "3",
		"errorMessage": "Resource not found",
	})
	torrent := trackedTask(t, "c3", aria2test.Status{
		"status":     "active",
		"infoHash":   "c9e15763f722f23e98a29decdfae341b98d53056",
		"bittorrent": map[string]any{"info": map[string]any{"name": "ubuntu.iso"}},
	})

	tests := []struct {
		name   string
		event  aria2.Event
		want   string
		notify bool
	}{
		{
			name:   "complete uses file name and size",
			event:  event(aria2.EventComplete, plain),
			want:   "✅ Download finished: debian.iso (a1, 1.0 MB)",
			notify: true,
		},
		{
			name:   "error carries aria2 message",
			event:  event(aria2.EventError, failed),
			want:   "❌ Download failed: b2 (b2): Resource not found",
			notify: true,
		},
		{
			name:   "bt complete uses torrent name",
			event:  event(aria2.EventBtComplete, torrent),
			want:   "🌱 Torrent downloaded, now seeding: ubuntu.iso (c3)",
			notify: true,
		},
		{
			name:  "progress is not notified",
			event: event(aria2.EventProgress, plain),
		},
		{
			name:  "pause is not notified",
			event: event(aria2.EventPause, plain),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Format(tt.event)
			assert.Equal(t, tt.notify, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEventForwarder_SendsQueuedEvents(t *testing.T) {
	rec := newRecordingNotifier()
	f := NewEventForwarder(rec, 6000, 8, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go f.Run(ctx)

	task := trackedTask(t, "b2", aria2test.Status{"status": "error", "errorMessage": "boom"})
	f.Handle(event(aria2.EventProgress, task))
	f.Handle(event(aria2.EventError, task))

	select {
	case <-rec.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("notification not sent")
	}

	assert.Equal(t, []string{"❌ Download failed: b2 (b2): boom"}, rec.Messages())
}

func TestEventForwarder_DropsWhenFull(t *testing.T) {
	rec := newRecordingNotifier()
	f := NewEventForwarder(rec, 60, 1, nil)

	task := trackedTask(t, "a1", aria2test.Status{"status": "complete"})
	f.Handle(event(aria2.EventComplete, task))
	f.Handle(event(aria2.EventComplete, task))

	assert.Len(t, f.queue, 1)
}
