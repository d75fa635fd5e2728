package aria2

import (
	"sync"
	"time"

	"github.com/anacrolix/torrent/metainfo"
)

// Task is the live handle of one download. Its gid never changes; the status snapshot and its
// timestamp are replaced by the Monitor as updates arrive.
type Task struct {
	gid string

	mu        sync.RWMutex
	status    Status
	timestamp time.Time

	torrent *Torrent
}

// Torrent is a Task for a BitTorrent download. Parent is the metadata-only task this torrent
// was started from, when aria2 reported one through "following".
type Torrent struct {
	*Task

	infoHash metainfo.Hash
	parent   *Task
}

// newTask is the only constructor of registry entries. Snapshots with torrent metadata or a
// resolved parent always produce a Torrent.
func newTask(status Status, ts time.Time, parent *Task) *Task {
	t := &Task{
		gid:       status.GID,
		status:    status,
		timestamp: ts,
	}

	if status.HasTorrentMetadata() || parent != nil {
		t.torrent = &Torrent{Task: t, parent: parent}
		if status.InfoHash != "" {
			_ = t.torrent.infoHash.FromHexString(status.InfoHash)
		}
	}

	return t
}

func (t *Task) GID() string {
	return t.gid
}

// Status returns the latest snapshot.
func (t *Task) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.status
}

// Timestamp returns the time of the newest update applied so far.
func (t *Task) Timestamp() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.timestamp
}

func (t *Task) Progress() float64 {
	return t.Status().Progress()
}

func (t *Task) IsTorrent() bool {
	return t.torrent != nil
}

// Torrent returns the torrent view of the task, or nil for plain downloads.
func (t *Task) Torrent() *Torrent {
	return t.torrent
}

// applyStatus stores status unconditionally. The timestamp only moves forward; it reports
// whether ts was older than the current one.
func (t *Task) applyStatus(status Status, ts time.Time) (stale bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status = status

	if ts.Before(t.timestamp) {
		return true
	}

	t.timestamp = ts

	return false
}

// Name is the torrent name from the info dictionary. It is empty until aria2 knows the metadata.
func (t *Torrent) Name() string {
	return t.Status().TorrentName()
}

// InfoHash is the hash reported when the task was first seen. The zero hash means aria2 did not
// report one.
func (t *Torrent) InfoHash() metainfo.Hash {
	return t.infoHash
}

func (t *Torrent) Parent() *Task {
	return t.parent
}
