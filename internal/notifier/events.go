package notifier

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/italolelis/aria2_monitor/internal/aria2"
	"github.com/italolelis/aria2_monitor/internal/logctx"
	"github.com/italolelis/aria2_monitor/internal/telemetry"
)

const channel = "discord"

// EventForwarder turns monitor events into notifications. Handle never blocks, so it can be
// registered directly as a monitor listener; messages are sent by Run.
type EventForwarder struct {
	notifier  Notifier
	limiter   *rate.Limiter
	telemetry *telemetry.Telemetry
	queue     chan string
}

// NewEventForwarder sends at most perMinute messages per minute and buffers up to queueSize
// pending ones. Messages beyond the buffer are dropped.
func NewEventForwarder(n Notifier, perMinute, queueSize int, t *telemetry.Telemetry) *EventForwarder {
	return &EventForwarder{
		notifier:  n,
		limiter:   rate.NewLimiter(rate.Limit(float64(perMinute)/60), 1),
		telemetry: t,
		queue:     make(chan string, queueSize),
	}
}

// Handle queues the message for ev, if the event kind is one that gets notified.
func (f *EventForwarder) Handle(ev aria2.Event) {
	content, ok := Format(ev)
	if !ok {
		return
	}

	select {
	case f.queue <- content:
	default:
		f.telemetry.RecordNotification(channel, "dropped")
	}
}

// Run sends queued messages until ctx is done.
func (f *EventForwarder) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case content := <-f.queue:
			if err := f.limiter.Wait(ctx); err != nil {
				return
			}

			if err := f.notifier.Notify(ctx, content); err != nil {
				logger.ErrorContext(ctx, "failed to send notification", "err", err)
				f.telemetry.RecordNotification(channel, "error")

				continue
			}

			f.telemetry.RecordNotification(channel, "success")
		}
	}
}

// Format renders the message for ev. Only completion and failure events are notified.
func Format(ev aria2.Event) (string, bool) {
	status := ev.Task.Status()
	name := displayName(ev)

	switch ev.Kind {
	case aria2.EventComplete:
		return fmt.Sprintf("✅ Download finished: %s (%s, %s)",
			name, ev.Task.GID(), humanize.Bytes(uint64(max(status.TotalLength, 0))),
		), true
	case aria2.EventBtComplete:
		return fmt.Sprintf("🌱 Torrent downloaded, now seeding: %s (%s)", name, ev.Task.GID()), true
	case aria2.EventError:
		msg := status.ErrorMessage
		if msg == "" {
			msg = "unknown error"
		}

		return fmt.Sprintf("❌ Download failed: %s (%s): %s", name, ev.Task.GID(), msg), true
	default:
		return "", false
	}
}

func displayName(ev aria2.Event) string {
	if name := ev.Task.Status().Name(); name != "" {
		return name
	}

	return ev.Task.GID()
}
