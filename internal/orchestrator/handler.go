package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"

	"hls-restreamer/internal/pipeline"
	"hls-restreamer/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"

	// GenerationHeader carries the generation that produced a served file.
	GenerationHeader = "X-Stream-Generation"
)

var errRateLimited = errors.New("too many control commands")

// Controller is the part of the Supervisor the HTTP layer needs.
type Controller interface {
	Status() StreamStatus
	Control(cmd Command) error
}

// Handler exposes status, control and HLS endpoints using go-chi.
type Handler struct {
	ctl     Controller
	hls     fs.FS
	log     *slog.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter
}

// NewHandler returns a Handler serving HLS files from hlsDir.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(ctl Controller, hlsDir string, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{ctl: ctl, hls: os.DirFS(hlsDir), log: log, metrics: m}
}

// WithCommandRate caps accepted control commands at perSecond, with bursts
// of the same size. Each command restarts the pipeline. perSecond <= 0
// disables the limit.
func (h *Handler) WithCommandRate(perSecond int) *Handler {
	if perSecond <= 0 {
		h.limiter = nil
		return h
	}
	h.limiter = rate.NewLimiter(rate.Limit(perSecond), perSecond)
	return h
}

// Routes mounts the API and HLS endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/status", h.Status)
	r.Route("/api/control", func(r chi.Router) {
		r.Get("/skip/{video_num}", h.Skip)
		r.Post("/skip/{video_num}", h.Skip)
		r.Get("/{command}", h.Control)
		r.Post("/{command}", h.Control)
	})
	r.Get("/hls/*", h.ServeHLS)
}

type controlResponse struct {
	Status  string `json:"status"`
	Command string `json:"command"`
	Video   int    `json:"video,omitempty"`
}

type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// Status handles GET /api/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctl.Status())
}

// Control handles /api/control/{command} for next and prev.
func (h *Handler) Control(w http.ResponseWriter, r *http.Request) {
	cmd, err := ParseCommand(chi.URLParam(r, "command"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.dispatch(w, cmd)
}

// Skip handles /api/control/skip/{video_num}.
func (h *Handler) Skip(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "video_num")
	n, err := strconv.Atoi(raw)
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: %q is not a number", ErrInvalidIndex, raw))
		return
	}
	h.dispatch(w, Command{Kind: CommandSkip, Index: n})
}

func (h *Handler) dispatch(w http.ResponseWriter, cmd Command) {
	if h.limiter != nil && !h.limiter.Allow() {
		h.writeError(w, errRateLimited)
		return
	}
	if err := h.ctl.Control(cmd); err != nil {
		h.log.Info("command rejected",
			slog.String("command", cmd.String()),
			slog.String("error", err.Error()))
		h.writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.IncCommand(cmd.Kind.String())
	}

	resp := controlResponse{Status: "ok", Command: cmd.Kind.String()}
	if cmd.Kind == CommandSkip {
		resp.Video = cmd.Index
	}
	writeJSON(w, http.StatusOK, resp)
}

// ServeHLS handles GET /hls/*. While the current generation is loading the
// manifest request gets an empty live playlist instead of stale or missing
// output.
func (h *Handler) ServeHLS(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	if !fs.ValidPath(name) || name == "." || strings.Contains(name, "/") || strings.HasPrefix(name, ".") {
		http.NotFound(w, r)
		return
	}

	st := h.ctl.Status()
	if st.Generation != "" {
		w.Header().Set(GenerationHeader, st.Generation)
	}

	switch path.Ext(name) {
	case ".m3u8":
		w.Header().Set("Content-Type", playlistContentType)
		w.Header().Set("Cache-Control", "no-cache")
		if name == pipeline.ManifestName && st.Status != ReadinessReady {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(PlaceholderManifest()))
			return
		}
	case ".ts":
		w.Header().Set("Content-Type", segmentContentType)
	}

	http.ServeFileFS(w, r, h.hls, name)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidIndex), errors.Is(err, ErrUnknownCommand):
		code = http.StatusBadRequest
	case errors.Is(err, ErrBusy):
		code = http.StatusConflict
	case errors.Is(err, ErrStopped):
		code = http.StatusServiceUnavailable
	case errors.Is(err, errRateLimited):
		code = http.StatusTooManyRequests
	default:
		h.log.Error("control failed", slog.String("error", err.Error()))
	}
	writeJSON(w, code, errorResponse{Status: "error", Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
