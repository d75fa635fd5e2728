package aria2

import (
	"fmt"
	"path"

	"github.com/dustin/go-humanize"
)

// State is the lifecycle state aria2 reports for a download.
type State string

const (
	StateActive   State = "active"
	StateWaiting  State = "waiting"
	StatePaused   State = "paused"
	StateError    State = "error"
	StateComplete State = "complete"
	StateRemoved  State = "removed"
)

// IsStopped reports whether the download left the queue for good.
func (s State) IsStopped() bool {
	return s == StateError || s == StateComplete || s == StateRemoved
}

// Status is one snapshot of a download as returned by aria2.tellStatus and the tell* listings.
// aria2 encodes integers as decimal strings.
type Status struct {
	GID             string      `json:"gid"`
	State           State       `json:"status"`
	TotalLength     int64       `json:"totalLength,string"`
	CompletedLength int64       `json:"completedLength,string"`
	UploadLength    int64       `json:"uploadLength,string"`
	DownloadSpeed   int64       `json:"downloadSpeed,string"`
	UploadSpeed     int64       `json:"uploadSpeed,string"`
	Connections     int         `json:"connections,string"`
	NumSeeders      int         `json:"numSeeders,string,omitempty"`
	InfoHash        string      `json:"infoHash,omitempty"`
	Following       string      `json:"following,omitempty"`
	FollowedBy      []string    `json:"followedBy,omitempty"`
	BelongsTo       string      `json:"belongsTo,omitempty"`
	Dir             string      `json:"dir,omitempty"`
	ErrorCode       string      `json:"errorCode,omitempty"`
	ErrorMessage    string      `json:"errorMessage,omitempty"`
	Files           []File      `json:"files,omitempty"`
	BitTorrent      *BitTorrent `json:"bittorrent,omitempty"`
}

// BitTorrent is the torrent metadata embedded in a status.
type BitTorrent struct {
	AnnounceList [][]string      `json:"announceList,omitempty"`
	Comment      string          `json:"comment,omitempty"`
	CreationDate int64           `json:"creationDate,omitempty"`
	Mode         string          `json:"mode,omitempty"`
	Info         *BitTorrentInfo `json:"info,omitempty"`
}

type BitTorrentInfo struct {
	Name string `json:"name"`
}

// File is one file of a download.
type File struct {
	Index           int    `json:"index,string"`
	Path            string `json:"path"`
	Length          int64  `json:"length,string"`
	CompletedLength int64  `json:"completedLength,string"`
	Selected        string `json:"selected"`
	URIs            []URI  `json:"uris,omitempty"`
}

type URI struct {
	URI    string `json:"uri"`
	Status string `json:"status"`
}

// Progress returns the completed fraction in [0, 1]. It is 0 when the total length is unknown.
func (s Status) Progress() float64 {
	if s.TotalLength <= 0 {
		return 0
	}

	return float64(s.CompletedLength) / float64(s.TotalLength)
}

// HasTorrentMetadata reports whether the snapshot belongs to a BitTorrent download.
func (s Status) HasTorrentMetadata() bool {
	return s.BitTorrent != nil || s.InfoHash != ""
}

// TorrentName returns the name from the torrent info dictionary, if known.
func (s Status) TorrentName() string {
	if s.BitTorrent == nil || s.BitTorrent.Info == nil {
		return ""
	}

	return s.BitTorrent.Info.Name
}

// Name returns a human readable name for the download: the torrent name, else the base name of
// its first file or URI. It is empty when aria2 has not reported any of them yet.
func (s Status) Name() string {
	if name := s.TorrentName(); name != "" {
		return name
	}

	for _, f := range s.Files {
		if f.Path != "" {
			return path.Base(f.Path)
		}

		if len(f.URIs) > 0 {
			return path.Base(f.URIs[0].URI)
		}
	}

	return ""
}

func (s Status) String() string {
	return fmt.Sprintf("%s %s %s/%s (%s/s)",
		s.GID,
		s.State,
		humanize.Bytes(uint64(max(s.CompletedLength, 0))),
		humanize.Bytes(uint64(max(s.TotalLength, 0))),
		humanize.Bytes(uint64(max(s.DownloadSpeed, 0))),
	)
}

// Version is the result of aria2.getVersion.
type Version struct {
	Version         string   `json:"version"`
	EnabledFeatures []string `json:"enabledFeatures"`
}

// GlobalStat is the result of aria2.getGlobalStat.
type GlobalStat struct {
	DownloadSpeed   int64 `json:"downloadSpeed,string"`
	UploadSpeed     int64 `json:"uploadSpeed,string"`
	NumActive       int   `json:"numActive,string"`
	NumWaiting      int   `json:"numWaiting,string"`
	NumStopped      int   `json:"numStopped,string"`
	NumStoppedTotal int   `json:"numStoppedTotal,string"`
}
