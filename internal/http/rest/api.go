package rest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/go-chi/chi/v5"
	"github.com/zeebo/bencode"

	"github.com/italolelis/aria2_monitor/internal/aria2"
	"github.com/italolelis/aria2_monitor/internal/logctx"
	"github.com/italolelis/aria2_monitor/internal/rpc"
	"github.com/italolelis/aria2_monitor/internal/telemetry"
)

const (
	maxTorrentSize = 10 * 1024 * 1024
	defaultPage    = 100
)

// Downloads is the aria2 client surface served by the API. *aria2.Client implements it.
type Downloads interface {
	DownloadURI(ctx context.Context, uris []string, opts aria2.DownloadOptions) (*aria2.Task, error)
	DownloadTorrent(ctx context.Context, data []byte, opts aria2.DownloadOptions) (*aria2.Task, error)
	ListActive(ctx context.Context) ([]*aria2.Task, error)
	ListWaiting(ctx context.Context, offset, num int) ([]aria2.Status, error)
	ListStopped(ctx context.Context, offset, num int) ([]aria2.Status, error)
	Version(ctx context.Context) (aria2.Version, error)
	GlobalStat(ctx context.Context) (aria2.GlobalStat, error)
	Monitor() *aria2.Monitor
}

type TorrentView struct {
	Name     string `json:"name,omitempty"`
	InfoHash string `json:"infoHash,omitempty"`
	Parent   string `json:"parent,omitempty"`
}

type TaskView struct {
	GID             string       `json:"gid"`
	State           aria2.State  `json:"status"`
	Progress        float64      `json:"progress"`
	TotalLength     int64        `json:"totalLength"`
	CompletedLength int64        `json:"completedLength"`
	DownloadSpeed   int64        `json:"downloadSpeed"`
	UploadSpeed     int64        `json:"uploadSpeed"`
	Connections     int          `json:"connections"`
	Dir             string       `json:"dir,omitempty"`
	ErrorCode       string       `json:"errorCode,omitempty"`
	ErrorMessage    string       `json:"errorMessage,omitempty"`
	UpdatedAt       time.Time    `json:"updatedAt"`
	Torrent         *TorrentView `json:"torrent,omitempty"`
}

func newTaskView(t *aria2.Task) TaskView {
	s := t.Status()

	v := TaskView{
		GID:             t.GID(),
		State:           s.State,
		Progress:        s.Progress(),
		TotalLength:     s.TotalLength,
		CompletedLength: s.CompletedLength,
		DownloadSpeed:   s.DownloadSpeed,
		UploadSpeed:     s.UploadSpeed,
		Connections:     s.Connections,
		Dir:             s.Dir,
		ErrorCode:       s.ErrorCode,
		ErrorMessage:    s.ErrorMessage,
		UpdatedAt:       t.Timestamp(),
	}

	if tr := t.Torrent(); tr != nil {
		v.Torrent = &TorrentView{Name: tr.Name()}

		if ih := tr.InfoHash(); ih != (metainfo.Hash{}) {
			v.Torrent.InfoHash = ih.HexString()
		}

		if p := tr.Parent(); p != nil {
			v.Torrent.Parent = p.GID()
		}
	}

	return v
}

func newTaskViews(tasks []*aria2.Task) []TaskView {
	views := make([]TaskView, len(tasks))
	for i, t := range tasks {
		views[i] = newTaskView(t)
	}

	return views
}

// AddOptions mirror aria2.DownloadOptions in the request body.
type AddOptions struct {
	Dir                    string            `json:"dir"`
	Out                    string            `json:"out"`
	Split                  int               `json:"split"`
	MaxConnectionPerServer int               `json:"maxConnectionPerServer"`
	MaxDownloadLimit       int64             `json:"maxDownloadLimit"`
	Headers                map[string]string `json:"headers"`
	Pause                  bool              `json:"pause"`
	SelectFile             []int             `json:"selectFile"`
	Position               *int              `json:"position"`
	Extra                  map[string]string `json:"extra"`
}

func (o AddOptions) downloadOptions() aria2.DownloadOptions {
	return aria2.DownloadOptions{
		Dir:                    o.Dir,
		Out:                    o.Out,
		Split:                  o.Split,
		MaxConnectionPerServer: o.MaxConnectionPerServer,
		MaxDownloadLimit:       o.MaxDownloadLimit,
		Headers:                o.Headers,
		Pause:                  o.Pause,
		SelectFile:             o.SelectFile,
		Position:               o.Position,
		Extra:                  o.Extra,
	}
}

type AddURIRequest struct {
	URIs    []string   `json:"uris"`
	Options AddOptions `json:"options"`
}

type AddTorrentRequest struct {
	// MetaInfo is the base64 encoded .torrent file.
	MetaInfo string     `json:"metainfo"`
	Options  AddOptions `json:"options"`
}

// InvalidTorrentError reports an uploaded .torrent file that cannot be submitted.
type InvalidTorrentError struct {
	Reason string
	Err    error
}

func (e *InvalidTorrentError) Error() string {
	return "invalid torrent: " + e.Reason
}

func (e *InvalidTorrentError) Unwrap() error {
	return e.Err
}

type APIHandler struct {
	username    string
	password    string
	downloads   Downloads
	telemetry   *telemetry.Telemetry
	onSubmitted func(context.Context, *aria2.Task)
}

// NewAPIHandler creates the JSON API. onSubmitted, when not nil, is called with every task added
// through the API. Basic auth is enforced when username is not empty.
func NewAPIHandler(username, password string, downloads Downloads, t *telemetry.Telemetry, onSubmitted func(context.Context, *aria2.Task)) *APIHandler {
	return &APIHandler{
		username:    username,
		password:    password,
		downloads:   downloads,
		telemetry:   t,
		onSubmitted: onSubmitted,
	}
}

func (h *APIHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(h.telemetry).Middleware)

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Get("/tasks", h.HandleListTracked)
	r.Get("/tasks/{gid}", h.HandleGetTask)
	r.Post("/tasks", h.HandleAddURI)
	r.Post("/torrents", h.HandleAddTorrent)
	r.Get("/active", h.HandleListActive)
	r.Get("/waiting", h.HandleListWaiting)
	r.Get("/stopped", h.HandleListStopped)
	r.Get("/stat", h.HandleGlobalStat)
	r.Get("/version", h.HandleVersion)

	return r
}

// HandleListTracked returns every task the monitor tracks, without calling aria2.
func (h *APIHandler) HandleListTracked(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, newTaskViews(h.downloads.Monitor().Tasks()))
}

// HandleGetTask returns the live status of one download, tracking it on first reference. A gid
// the watcher has forgotten after it stopped is tracked again as a new task, so its events are
// only seen by listeners registered after this request.
func (h *APIHandler) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	gid := chi.URLParam(r, "gid")
	ctx := logctx.WithGID(r.Context(), gid)

	task, err := h.downloads.Monitor().GetTask(ctx, gid)
	if err != nil {
		writeError(w, r.WithContext(ctx), err)

		return
	}

	writeJSON(w, r, http.StatusOK, newTaskView(task))
}

func (h *APIHandler) HandleAddURI(w http.ResponseWriter, r *http.Request) {
	var req AddURIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if len(req.URIs) == 0 {
		http.Error(w, "uris must not be empty", http.StatusBadRequest)

		return
	}

	task, err := h.downloads.DownloadURI(r.Context(), req.URIs, req.Options.downloadOptions())
	if err != nil {
		writeError(w, r, err)

		return
	}

	h.submitted(r.Context(), task)
	writeJSON(w, r, http.StatusCreated, newTaskView(task))
}

func (h *APIHandler) HandleAddTorrent(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req AddTorrentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	data, err := decodeMetaInfo(req.MetaInfo)
	if err != nil {
		logger.Warn("rejected torrent upload", "err", err, "metainfo_length", len(req.MetaInfo))
		writeError(w, r, err)

		return
	}

	task, err := h.downloads.DownloadTorrent(r.Context(), data, req.Options.downloadOptions())
	if err != nil {
		writeError(w, r, err)

		return
	}

	h.submitted(r.Context(), task)
	writeJSON(w, r, http.StatusCreated, newTaskView(task))
}

func (h *APIHandler) HandleListActive(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.downloads.ListActive(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, newTaskViews(tasks))
}

func (h *APIHandler) HandleListWaiting(w http.ResponseWriter, r *http.Request) {
	h.handlePage(w, r, h.downloads.ListWaiting)
}

func (h *APIHandler) HandleListStopped(w http.ResponseWriter, r *http.Request) {
	h.handlePage(w, r, h.downloads.ListStopped)
}

func (h *APIHandler) handlePage(w http.ResponseWriter, r *http.Request, list func(context.Context, int, int) ([]aria2.Status, error)) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	num, err := queryInt(r, "num", defaultPage)
	if err != nil || num <= 0 {
		http.Error(w, "num must be a positive integer", http.StatusBadRequest)

		return
	}

	statuses, err := list(r.Context(), offset, num)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, statuses)
}

func (h *APIHandler) HandleGlobalStat(w http.ResponseWriter, r *http.Request) {
	stat, err := h.downloads.GlobalStat(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, stat)
}

func (h *APIHandler) HandleVersion(w http.ResponseWriter, r *http.Request) {
	v, err := h.downloads.Version(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, v)
}

func (h *APIHandler) submitted(ctx context.Context, task *aria2.Task) {
	if h.onSubmitted != nil {
		h.onSubmitted(ctx, task)
	}
}

func (h *APIHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}

	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}

	return v, nil
}

// decodeMetaInfo decodes and sanity checks an uploaded torrent before it is sent to aria2.
func decodeMetaInfo(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, &InvalidTorrentError{Reason: "metainfo must not be empty"}
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &InvalidTorrentError{Reason: "invalid base64 encoding", Err: err}
	}

	if len(data) > maxTorrentSize {
		return nil, &InvalidTorrentError{
			Reason: fmt.Sprintf("size %d bytes exceeds maximum %d bytes", len(data), maxTorrentSize),
		}
	}

	var root any
	if err := bencode.DecodeBytes(data, &root); err != nil {
		return nil, &InvalidTorrentError{Reason: "invalid bencode structure", Err: err}
	}

	dict, ok := root.(map[string]any)
	if !ok {
		return nil, &InvalidTorrentError{Reason: "bencode root must be a dictionary"}
	}

	if _, ok := dict["info"]; !ok {
		return nil, &InvalidTorrentError{Reason: "missing info dictionary"}
	}

	return data, nil
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

// writeError maps client errors onto HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		closedErr  *aria2.ClosedError
		submitErr  *aria2.SubmissionError
		queryErr   *aria2.QueryError
		torrentErr *InvalidTorrentError
		rpcErr     *rpc.Error
	)

	status := http.StatusBadGateway

	switch {
	case errors.As(err, &torrentErr):
		status = http.StatusBadRequest
	case errors.As(err, &closedErr), errors.Is(err, rpc.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.As(err, &queryErr) && errors.As(err, &rpcErr):
		status = http.StatusNotFound
	case errors.As(err, &submitErr) && errors.As(err, &rpcErr):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &submitErr):
		// rejected before reaching aria2
		status = http.StatusBadRequest
	}

	logger := logctx.LoggerFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed", "err", err)
	} else {
		logger.WarnContext(r.Context(), "request rejected", "err", err)
	}

	writeJSON(w, r, status, map[string]string{
		"error":      err.Error(),
		"request_id": telemetry.GetRequestID(r.Context()),
	})
}
