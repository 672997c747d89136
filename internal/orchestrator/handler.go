package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"camstream/internal/admission"
	"camstream/internal/camera"
	"camstream/internal/janitor"
	"camstream/internal/pipeline"
	"camstream/internal/platform/metrics"
	"camstream/internal/resources"

	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

// Admitter decides whether new pipelines may start.
type Admitter interface {
	Check(ctx context.Context) admission.Decision
}

// Handler exposes the supervisor over HTTP using go-chi.
type Handler struct {
	svc       *Supervisor
	gate      Admitter
	resources resources.Provider
	log       *slog.Logger
	metrics   *metrics.Metrics
}

// NewHandler returns a Handler. gate may be nil to admit every start.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Supervisor, gate Admitter, res resources.Provider, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, gate: gate, resources: res, log: log, metrics: m}
}

// Routes mounts the API endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/start-streams", h.StartStreams)
		r.Post("/stop-streams", h.StopStreams)
		r.Get("/status", h.Status)
		r.Get("/system-resources", h.SystemResources)
		r.Get("/check-stream/{camera_id}", h.CheckStream)
		r.Get("/debug/camera/{camera_id}", h.DebugCamera)
		r.Get("/recordings", h.Recordings)
		r.Get("/recordings/{name}", h.ServeRecording)
		r.Get("/recordings/{name}/thumbnail", h.RecordingThumbnail)
		r.Post("/recordings/{name}/delete", h.DeleteRecording)
	})
}

type startRequest struct {
	Cameras []cameraRef            `json:"cameras"`
	Outputs *pipeline.OutputConfig `json:"outputs"`
}

type startResponse struct {
	Status  string               `json:"status"`
	Started []camera.ID          `json:"started"`
	Errors  map[camera.ID]string `json:"errors"`
}

type stopResponse struct {
	Status  string               `json:"status"`
	Stopped []camera.ID          `json:"stopped"`
	Errors  map[camera.ID]string `json:"errors"`
}

type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// StartStreams handles POST /api/start-streams.
// Body: { "cameras": [0, "1"], "outputs": { "recording": { "enabled": false } } }.
// Outputs left out stay enabled.
func (h *Handler) StartStreams(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.log.Debug("invalid start body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ids, err := parseRefs(req.Cameras)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "no cameras specified")
		return
	}
	cfg := pipeline.DefaultOutputConfig()
	if req.Outputs != nil {
		cfg = *req.Outputs
	}
	if !cfg.Any() {
		writeError(w, http.StatusBadRequest, pipeline.ErrNoOutputsRequested.Error())
		return
	}

	if h.gate != nil {
		if d := h.gate.Check(r.Context()); !d.Allowed {
			h.log.Warn("start refused",
				slog.String("reason", string(d.Reason)),
				slog.Float64("cpu_percent", d.CPUPercent),
				slog.Float64("memory_percent", d.MemoryPercent))
			if h.metrics != nil {
				h.metrics.IncAdmissionDenied(string(d.Reason))
			}
			writeError(w, http.StatusServiceUnavailable, fmt.Errorf("%w: %s", ErrResourceExhausted, d).Error())
			return
		}
	}

	rep := h.svc.StartMany(r.Context(), ids, cfg)
	status := "success"
	if len(rep.Errors) > 0 {
		status = "error"
	}
	writeJSON(w, http.StatusOK, startResponse{Status: status, Started: rep.Succeeded, Errors: rep.Errors})
}

// StopStreams handles POST /api/stop-streams. The body is an optional list of
// cameras, either bare or as { "cameras": [...] }; without one every pipeline stops.
func (h *Handler) StopStreams(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	refs, err := decodeStopBody(body)
	if err != nil {
		h.log.Debug("invalid stop body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var rep Report
	if refs == nil {
		rep = h.svc.StopAll(r.Context())
	} else {
		ids, err := parseRefs(refs)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		rep = h.svc.StopMany(r.Context(), ids)
	}

	status := "success"
	if len(rep.Errors) > 0 {
		status = "partial_success"
	}
	writeJSON(w, http.StatusOK, stopResponse{Status: status, Stopped: rep.Succeeded, Errors: rep.Errors})
}

// Status handles GET /api/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"active_streams": h.svc.Status()})
}

// SystemResources handles GET /api/system-resources.
func (h *Handler) SystemResources(w http.ResponseWriter, r *http.Request) {
	snap, err := h.resources.Snapshot(r.Context())
	if err != nil {
		h.log.Error("resource snapshot failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		resources.Snapshot
		EstimatedCapacity admission.Capacity `json:"estimated_capacity"`
	}{snap.Rounded(), admission.EstimateCapacity(snap)})
}

// CheckStream handles GET /api/check-stream/{camera_id}.
func (h *Handler) CheckStream(w http.ResponseWriter, r *http.Request) {
	id, ok := h.cameraParam(w, r)
	if !ok {
		return
	}
	chk, err := h.svc.CheckStream(r.Context(), id)
	if err != nil {
		if errors.Is(err, janitor.ErrPlaylistNotFound) {
			writeError(w, http.StatusNotFound, "playlist file not found")
			return
		}
		h.log.Error("check stream failed", slog.String("camera_id", id.String()), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
		StreamCheck
	}{"ok", chk})
}

// DebugCamera handles GET /api/debug/camera/{camera_id}.
func (h *Handler) DebugCamera(w http.ResponseWriter, r *http.Request) {
	id, ok := h.cameraParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.svc.CheckCamera(r.Context(), id))
}

// Recordings handles GET /api/recordings.
func (h *Handler) Recordings(w http.ResponseWriter, r *http.Request) {
	recs, err := h.svc.Recordings()
	if err != nil {
		h.log.Error("list recordings failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []janitor.Recording{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"recordings": recs})
}

// ServeRecording handles GET /api/recordings/{name}. With ?download=true the
// file is sent as an attachment.
func (h *Handler) ServeRecording(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	path, err := h.svc.RecordingFile(name)
	if err != nil {
		h.recordingError(w, name, err, err.Error())
		return
	}
	if strings.EqualFold(r.URL.Query().Get("download"), "true") {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	}
	http.ServeFile(w, r, path)
}

// RecordingThumbnail handles GET /api/recordings/{name}/thumbnail.
func (h *Handler) RecordingThumbnail(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	path, err := h.svc.Thumbnail(r.Context(), name)
	if err != nil {
		h.recordingError(w, name, err, "failed to generate thumbnail")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeFile(w, r, path)
}

// DeleteRecording handles POST /api/recordings/{name}/delete.
func (h *Handler) DeleteRecording(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.svc.DeleteRecording(name); err != nil {
		h.recordingError(w, name, err, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// recordingError maps janitor errors to responses; anything else is a 500
// carrying msg.
func (h *Handler) recordingError(w http.ResponseWriter, name string, err error, msg string) {
	switch {
	case errors.Is(err, janitor.ErrInvalidRecordingName):
		writeError(w, http.StatusBadRequest, "invalid filename")
	case errors.Is(err, janitor.ErrRecordingNotFound):
		writeError(w, http.StatusNotFound, "recording not found")
	default:
		h.log.Error("recording request failed", slog.String("recording", name), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, msg)
	}
}

func (h *Handler) cameraParam(w http.ResponseWriter, r *http.Request) (camera.ID, bool) {
	id, err := camera.ParseID(chi.URLParam(r, "camera_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

// cameraRef accepts a camera id as a JSON number or string.
type cameraRef string

func (c *cameraRef) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*c = cameraRef(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("camera id must be a string or number: %s", b)
	}
	*c = cameraRef(n.String())
	return nil
}

// parseRefs validates refs and drops duplicates, keeping first-seen order.
func parseRefs(refs []cameraRef) ([]camera.ID, error) {
	ids := make([]camera.ID, 0, len(refs))
	seen := make(map[camera.ID]bool, len(refs))
	for _, ref := range refs {
		id, err := camera.ParseID(string(ref))
		if err != nil {
			return nil, err
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}

// decodeStopBody returns nil for an empty body or one without a camera list.
func decodeStopBody(body []byte) ([]cameraRef, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}
	if body[0] == '[' {
		var refs []cameraRef
		if err := json.Unmarshal(body, &refs); err != nil {
			return nil, err
		}
		if refs == nil {
			refs = []cameraRef{}
		}
		return refs, nil
	}
	var req struct {
		Cameras []cameraRef `json:"cameras"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	return req.Cameras, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Status: "error", Error: msg})
}
