package aria2

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// DownloadOptions are the per-download settings accepted by DownloadURI and DownloadTorrent.
// Zero values are left to the aria2 defaults.
type DownloadOptions struct {
	Dir                    string
	Out                    string
	GID                    string
	Split                  int
	MaxConnectionPerServer int
	// MaxDownloadLimit is in bytes per second.
	MaxDownloadLimit int64
	Headers          map[string]string
	Pause            bool
	// SelectFile holds 1-based file indexes of a multi-file torrent.
	SelectFile []int
	SeedTime   time.Duration
	// Position is the queue position hint. Nil appends to the end of the queue.
	Position *int
	// Extra holds raw aria2 options. Typed fields take precedence.
	Extra map[string]string
}

// ResolveOptions turns opts into the aria2 option object: kebab-case keys with string values,
// except "header", which is a list.
func ResolveOptions(opts DownloadOptions) map[string]any {
	out := make(map[string]any, len(opts.Extra)+8)

	for k, v := range opts.Extra {
		if v != "" {
			out[k] = v
		}
	}

	setString := func(key, value string) {
		if value != "" {
			out[key] = value
		}
	}

	setString("dir", opts.Dir)
	setString("out", opts.Out)
	setString("gid", opts.GID)

	if opts.Split > 0 {
		out["split"] = strconv.Itoa(opts.Split)
	}

	if opts.MaxConnectionPerServer > 0 {
		out["max-connection-per-server"] = strconv.Itoa(opts.MaxConnectionPerServer)
	}

	if opts.MaxDownloadLimit > 0 {
		out["max-download-limit"] = strconv.FormatInt(opts.MaxDownloadLimit, 10)
	}

	if opts.Pause {
		out["pause"] = "true"
	}

	if len(opts.SelectFile) > 0 {
		indexes := make([]string, len(opts.SelectFile))
		for i, idx := range opts.SelectFile {
			indexes[i] = strconv.Itoa(idx)
		}

		out["select-file"] = strings.Join(indexes, ",")
	}

	if opts.SeedTime > 0 {
		out["seed-time"] = strconv.FormatFloat(opts.SeedTime.Minutes(), 'f', -1, 64)
	}

	if len(opts.Headers) > 0 {
		headers := make([]string, 0, len(opts.Headers))
		for _, name := range slices.Sorted(maps.Keys(opts.Headers)) {
			headers = append(headers, fmt.Sprintf("%s: %s", name, opts.Headers[name]))
		}

		out["header"] = headers
	}

	return out
}

// submissionParams appends the resolved options and the optional position to params.
func submissionParams(opts DownloadOptions, params ...any) []any {
	params = append(params, ResolveOptions(opts))
	if opts.Position != nil {
		params = append(params, *opts.Position)
	}

	return params
}
