package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/italolelis/aria2_monitor/internal/aria2"
)

func runAdd(ctx context.Context, client *aria2.Client, cmd *addCmd) error {
	opts := aria2.DownloadOptions{
		Dir:   cmd.Dir,
		Out:   cmd.Out,
		Split: cmd.Split,
		Pause: cmd.Pause,
	}

	if cmd.Position >= 0 {
		pos := cmd.Position
		opts.Position = &pos
	}

	task, err := client.DownloadURI(ctx, cmd.URIs, opts)
	if err != nil {
		return err
	}

	fmt.Fprintf(color.Output, "%s %s\n", color.GreenString("added"), task.GID())

	if !cmd.Wait {
		return nil
	}

	return waitForTask(ctx, color.Output, client.Monitor(), task)
}

func runAddTorrent(ctx context.Context, client *aria2.Client, cmd *addTorrentCmd) error {
	data, err := os.ReadFile(cmd.File)
	if err != nil {
		return fmt.Errorf("failed to read torrent file: %w", err)
	}

	task, err := client.DownloadTorrent(ctx, data, aria2.DownloadOptions{
		Dir:        cmd.Dir,
		SelectFile: cmd.SelectFile,
		Pause:      cmd.Pause,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(color.Output, "%s %s\n", color.GreenString("added"), task.GID())

	if !cmd.Wait {
		return nil
	}

	return waitForTask(ctx, color.Output, client.Monitor(), task)
}

// waitForTask renders a progress bar on out until the task stops. A finished magnet or metalink
// download hands over to the download that follows it.
func waitForTask(ctx context.Context, out io.Writer, m *aria2.Monitor, task *aria2.Task) error {
	p := mpb.NewWithContext(ctx, mpb.WithAutoRefresh(), mpb.WithOutput(out))

	status := task.Status()
	bar := p.AddBar(status.TotalLength,
		mpb.PrependDecorators(
			decor.Name(barName(task), decor.WCSyncSpaceR),
			decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
		),
		mpb.AppendDecorators(decor.Percentage(decor.WCSyncSpace)),
	)

	stopped := make(chan aria2.Event, 1)
	finish := func(ev aria2.Event) {
		select {
		case stopped <- ev:
		default:
		}
	}

	update := func(ev aria2.Event) {
		s := ev.Task.Status()
		bar.SetTotal(s.TotalLength, false)
		bar.SetCurrent(s.CompletedLength)

		if s.State.IsStopped() {
			finish(ev)
		}
	}

	gid := task.GID()
	listeners := []*aria2.Listener{
		m.On(aria2.EventProgress, gid, update),
		m.On(aria2.EventComplete, gid, finish),
		m.On(aria2.EventStop, gid, finish),
		m.On(aria2.EventError, gid, finish),
	}

	defer func() {
		for _, l := range listeners {
			m.Off(l)
		}
	}()

	if status.State.IsStopped() {
		finish(aria2.Event{Kind: aria2.EventStop, Task: task, Torrent: task.Torrent()})
	}

	var ev aria2.Event

	select {
	case ev = <-stopped:
	case <-ctx.Done():
		bar.Abort(false)
		p.Wait()

		return ctx.Err()
	}

	final := ev.Task.Status()
	if final.State == aria2.StateComplete {
		bar.SetCurrent(final.CompletedLength)
		bar.SetTotal(-1, true)
	} else {
		bar.Abort(false)
	}

	p.Wait()

	switch final.State {
	case aria2.StateComplete:
		if len(final.FollowedBy) > 0 {
			next, err := m.GetTask(ctx, final.FollowedBy[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "%s %s\n", color.CyanString("following"), next.GID())

			return waitForTask(ctx, out, m, next)
		}

		fmt.Fprintf(out, "%s %s (%s)\n",
			color.GreenString("complete"), barName(task), humanize.Bytes(uint64(max(final.TotalLength, 0))),
		)

		return nil
	case aria2.StateError:
		return fmt.Errorf("download %s failed: %s", gid, final.ErrorMessage)
	default:
		fmt.Fprintf(out, "%s %s\n", color.YellowString(string(final.State)), gid)

		return nil
	}
}

func barName(task *aria2.Task) string {
	if name := task.Status().Name(); name != "" {
		return name
	}

	return task.GID()
}

func runList(ctx context.Context, client *aria2.Client, cmd *listCmd) error {
	var (
		statuses []aria2.Status
		err      error
	)

	switch strings.ToLower(cmd.Which) {
	case "active":
		var tasks []*aria2.Task

		tasks, err = client.ListActive(ctx)
		for _, t := range tasks {
			statuses = append(statuses, t.Status())
		}
	case "waiting":
		statuses, err = client.ListWaiting(ctx, cmd.Offset, cmd.Num)
	case "stopped":
		statuses, err = client.ListStopped(ctx, cmd.Offset, cmd.Num)
	default:
		return fmt.Errorf("unknown list %q, expected active, waiting or stopped", cmd.Which)
	}

	if err != nil {
		return err
	}

	for _, s := range statuses {
		name := s.Name()
		if name == "" {
			name = "-"
		}

		fmt.Fprintf(color.Output, "%s  %-17s %5.1f%%  %10s / %-10s  %10s/s  %s\n",
			s.GID,
			stateColor(s.State),
			s.Progress()*100,
			humanize.Bytes(uint64(max(s.CompletedLength, 0))),
			humanize.Bytes(uint64(max(s.TotalLength, 0))),
			humanize.Bytes(uint64(max(s.DownloadSpeed, 0))),
			name,
		)
	}

	return nil
}

func stateColor(s aria2.State) string {
	switch s {
	case aria2.StateActive:
		return color.CyanString(string(s))
	case aria2.StateComplete:
		return color.GreenString(string(s))
	case aria2.StateError:
		return color.RedString(string(s))
	default:
		return color.YellowString(string(s))
	}
}

func runStat(ctx context.Context, client *aria2.Client) error {
	stat, err := client.GlobalStat(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(color.Output, "down %s/s  up %s/s  active %d  waiting %d  stopped %d\n",
		humanize.Bytes(uint64(max(stat.DownloadSpeed, 0))),
		humanize.Bytes(uint64(max(stat.UploadSpeed, 0))),
		stat.NumActive,
		stat.NumWaiting,
		stat.NumStopped,
	)

	return nil
}

func runVersion(ctx context.Context, client *aria2.Client) error {
	v, err := client.Version(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(color.Output, "aria2 %s\n", color.CyanString(v.Version))

	if len(v.EnabledFeatures) > 0 {
		fmt.Fprintf(color.Output, "features: %s\n", strings.Join(v.EnabledFeatures, ", "))
	}

	return nil
}
