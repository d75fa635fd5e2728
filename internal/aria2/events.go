package aria2

import "sync/atomic"

// EventKind names a task lifecycle transition.
type EventKind string

const (
	EventStart      EventKind = "start"
	EventProgress   EventKind = "progress"
	EventPause      EventKind = "pause"
	EventStop       EventKind = "stop"
	EventComplete   EventKind = "complete"
	EventError      EventKind = "error"
	EventBtComplete EventKind = "bt-complete"
)

// notifications maps the aria2 push notifications onto event kinds.
var notifications = []struct {
	method string
	kind   EventKind
}{
	{"aria2.onDownloadStart", EventStart},
	{"aria2.onDownloadPause", EventPause},
	{"aria2.onDownloadStop", EventStop},
	{"aria2.onDownloadComplete", EventComplete},
	{"aria2.onBtDownloadComplete", EventBtComplete},
	{"aria2.onDownloadError", EventError},
}

// Event is delivered to listeners. Torrent is set whenever the task is a torrent, and always for
// EventBtComplete.
type Event struct {
	Kind    EventKind
	Task    *Task
	Torrent *Torrent
}

func newEvent(kind EventKind, task *Task) Event {
	return Event{Kind: kind, Task: task, Torrent: task.Torrent()}
}

// Handler receives events. Handlers run on the Monitor's dispatcher goroutine, one at a time.
type Handler func(Event)

type listenerKey struct {
	kind EventKind
	gid  string
}

// Listener is the handle returned by Monitor.On and accepted by Monitor.Off.
type Listener struct {
	key     listenerKey
	handler Handler
	removed atomic.Bool
}

func (l *Listener) Kind() EventKind {
	return l.key.kind
}

func (l *Listener) GID() string {
	return l.key.gid
}
