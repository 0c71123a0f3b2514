package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/cjeanneret/ccdpreview/internal/capture"
	"github.com/cjeanneret/ccdpreview/internal/debug"
	"github.com/cjeanneret/ccdpreview/internal/device"
	"github.com/cjeanneret/ccdpreview/internal/errs"
	"github.com/cjeanneret/ccdpreview/internal/events"
	"github.com/cjeanneret/ccdpreview/internal/imaging"
	"github.com/cjeanneret/ccdpreview/internal/sequence"
)

// MaxBodyBytes bounds JSON request bodies.
const MaxBodyBytes = 1 << 20

// DefaultHeartbeat is the idle interval between SSE heartbeat comments.
const DefaultHeartbeat = 30 * time.Second

// Devices is the device session as seen by the request layer.
type Devices interface {
	ListDevices(ctx context.Context) ([]string, error)
	ListProperties(ctx context.Context, dev string) ([]device.Property, error)
	GetProperty(ctx context.Context, dev, path string) (device.Property, error)
	SetProperty(ctx context.Context, dev, path, value string) (device.Property, error)
}

// Capture is the capture controller as seen by the request layer.
type Capture interface {
	Preview(dev string, seconds float64) error
	StartFraming(dev string, seconds float64) error
	StopFraming(dev string)
	Status() []capture.DeviceStatus
}

// Sequences is the sequence coordinator as seen by the request layer.
type Sequences interface {
	List() []sequence.Sequence
	Continue(name string) error
}

// Images is the image converter as seen by the request layer.
type Images interface {
	Settings() imaging.Settings
	SetSettings(s imaging.Settings) error
	CleanCache() (int, error)
}

// EventSource is the event bus as seen by the request layer.
type EventSource interface {
	Subscribe() (*events.Subscription, error)
	Stats() events.Stats
}

// Deps are the collaborators of the handlers.
type Deps struct {
	Devices   Devices
	Capture   Capture
	Sequences Sequences
	Images    Images
	Events    EventSource
	StaticFS  fs.FS
	Heartbeat time.Duration
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	devices   Devices
	capture   Capture
	sequences Sequences
	images    Images
	events    EventSource
	staticFS  fs.FS
	heartbeat time.Duration
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(d Deps) *Handlers {
	if d.Heartbeat <= 0 {
		d.Heartbeat = DefaultHeartbeat
	}
	return &Handlers{
		devices:   d.Devices,
		capture:   d.Capture,
		sequences: d.Sequences,
		images:    d.Images,
		events:    d.Events,
		staticFS:  d.StaticFS,
		heartbeat: d.Heartbeat,
	}
}

// errorBody is the JSON body of every failed request.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"error_message"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrBusy), errors.Is(err, errs.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, errs.ErrNotCapturable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, errs.ErrBackend):
		return http.StatusBadGateway
	case errors.Is(err, errs.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, capture.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	title := errs.Kind(err)
	if title == "" {
		title = http.StatusText(status)
	}
	if status >= http.StatusInternalServerError {
		debug.Errorf("web: %v", err)
	} else {
		debug.Verbose("web: %v", err)
	}
	writeJSON(w, status, errorBody{Error: title, Message: errs.Message(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debug.Verbose("web: encode response: %v", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errs.ErrBadRequest, err)
	}
	return nil
}

func parseExposure(raw string) (float64, error) {
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: exposure %q is not a number", errs.ErrBadRequest, raw)
	}
	if err := capture.ValidateExposure(seconds); err != nil {
		return 0, err
	}
	return seconds, nil
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleDevices handles GET /devices: the sorted device names.
func (h *Handlers) HandleDevices(w http.ResponseWriter, r *http.Request) {
	names, err := h.devices.ListDevices(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

// HandleDeviceNames handles GET /device_names.
func (h *Handlers) HandleDeviceNames(w http.ResponseWriter, r *http.Request) {
	names, err := h.devices.ListDevices(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"devices": names})
}

// HandleProperties handles GET /device/{device}/properties.
func (h *Handlers) HandleProperties(w http.ResponseWriter, r *http.Request) {
	dev := r.PathValue("device")
	props, err := h.devices.ListProperties(r.Context(), dev)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, device.Device{Name: dev, Properties: props})
}

// HandleProperty handles GET /device/{device}/properties/{property}.
func (h *Handlers) HandleProperty(w http.ResponseWriter, r *http.Request) {
	p, err := h.devices.GetProperty(r.Context(), r.PathValue("device"), r.PathValue("property"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleSetProperty handles PUT /device/{device}/properties/{property}
// with body {"value": "..."} and answers with the confirmed property.
func (h *Handlers) HandleSetProperty(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value *string `json:"value"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Value == nil {
		writeError(w, fmt.Errorf("%w: missing \"value\"", errs.ErrBadRequest))
		return
	}
	p, err := h.devices.SetProperty(r.Context(), r.PathValue("device"), r.PathValue("property"), *body.Value)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandlePreview handles /device/{device}/preview/{exposure}. The image or
// the failure arrives on the event stream.
func (h *Handlers) HandlePreview(w http.ResponseWriter, r *http.Request) {
	seconds, err := parseExposure(r.PathValue("exposure"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.capture.Preview(r.PathValue("device"), seconds); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleFraming handles /device/{device}/framing/{exposure}; the exposure
// "stop" ends the loop.
func (h *Handlers) HandleFraming(w http.ResponseWriter, r *http.Request) {
	dev := r.PathValue("device")
	raw := r.PathValue("exposure")
	if raw == "stop" {
		h.capture.StopFraming(dev)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	seconds, err := parseExposure(raw)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.capture.StartFraming(dev, seconds); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStatus handles GET /status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Devices []capture.DeviceStatus `json:"devices"`
		Events  events.Stats           `json:"events"`
	}{h.capture.Status(), h.events.Stats()})
}

// HandleGetHistogramSettings handles GET /histogram/settings.
func (h *Handlers) HandleGetHistogramSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.images.Settings())
}

// HandleSetHistogramSettings handles PUT /histogram/settings. Missing
// fields keep their current value.
func (h *Handlers) HandleSetHistogramSettings(w http.ResponseWriter, r *http.Request) {
	s := h.images.Settings()
	if err := decodeJSON(w, r, &s); err != nil {
		writeError(w, err)
		return
	}
	if err := h.images.SetSettings(s); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errs.ErrBadRequest, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleCleanCache handles /clean-cache.
func (h *Handlers) HandleCleanCache(w http.ResponseWriter, r *http.Request) {
	n, err := h.images.CleanCache()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"files": n})
}

// HandleSequences handles GET /sequences.
func (h *Handlers) HandleSequences(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]sequence.Sequence{"sequences": h.sequences.List()})
}

// HandleContinueSequence handles POST /sequence/{name}/continue.
func (h *Handlers) HandleContinueSequence(w http.ResponseWriter, r *http.Request) {
	if err := h.sequences.Continue(r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleEvents handles GET /events: a server-sent event stream with one
// "data:" frame per event, identified by its sequence number.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sub, err := h.events.Subscribe()
	if err != nil {
		http.Error(w, "event stream closed", http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	// Send initial comment to establish connection
	if _, err := w.Write([]byte(": connected\n\n")); err != nil {
		return
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		waitCtx, cancel := context.WithTimeout(ctx, h.heartbeat)
		evt, err := sub.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
			data, merr := json.Marshal(evt)
			if merr != nil {
				debug.Errorf("web: encode event #%d: %v", evt.Seq, merr)
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", evt.Seq, data); err != nil {
				return
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// Heartbeat while idle
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
		default:
			return
		}
		flusher.Flush()
	}
}
