package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/cjeanneret/ccdpreview/internal/capture"
	"github.com/cjeanneret/ccdpreview/internal/device"
	"github.com/cjeanneret/ccdpreview/internal/device/sim"
	"github.com/cjeanneret/ccdpreview/internal/errs"
	"github.com/cjeanneret/ccdpreview/internal/events"
	"github.com/cjeanneret/ccdpreview/internal/imaging"
	"github.com/cjeanneret/ccdpreview/internal/sequence"
)

// ---------- Fakes ----------

type captureCall struct {
	op      string
	dev     string
	seconds float64
}

type fakeCapture struct {
	mu    sync.Mutex
	calls []captureCall
	err   error
}

func (f *fakeCapture) record(op, dev string, seconds float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, captureCall{op, dev, seconds})
	return f.err
}

func (f *fakeCapture) Preview(dev string, seconds float64) error {
	return f.record("preview", dev, seconds)
}

func (f *fakeCapture) StartFraming(dev string, seconds float64) error {
	return f.record("framing", dev, seconds)
}

func (f *fakeCapture) StopFraming(dev string) {
	_ = f.record("stop", dev, 0)
}

func (f *fakeCapture) Status() []capture.DeviceStatus {
	return []capture.DeviceStatus{{Device: "ccd0", State: capture.StateExposing, Exposure: 2, Framing: true, FramingExposure: 2}}
}

type fakeSequences struct {
	continued []string
}

func (f *fakeSequences) List() []sequence.Sequence {
	return []sequence.Sequence{
		{Name: "done", Steps: []sequence.Step{{Device: "ccd0", Exposure: 1, Count: 1}}, CurrentStep: 1, State: sequence.StateCompleted},
		{Name: "flats", Steps: []sequence.Step{{Device: "ccd0", Exposure: 0.5, Count: 5}}, State: sequence.StatePaused},
	}
}

func (f *fakeSequences) Continue(name string) error {
	switch name {
	case "flats":
		f.continued = append(f.continued, name)
		return nil
	case "done":
		return fmt.Errorf("%w: sequence %q is Completed, not Paused", errs.ErrInvalidState, name)
	default:
		return fmt.Errorf("%w: sequence %q", errs.ErrNotFound, name)
	}
}

// ---------- Handler helpers ----------

type testEnv struct {
	handlers  *Handlers
	server    *Server
	capture   *fakeCapture
	sequences *fakeSequences
	images    *imaging.Converter
	bus       *events.Bus
	imageDir  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	staticFS := fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html>test</html>")},
	}
	dir := t.TempDir()
	conv, err := imaging.NewConverter(imaging.Options{WorkDir: dir})
	if err != nil {
		t.Fatalf("NewConverter: %v", err)
	}
	bus := events.NewBus(16)
	t.Cleanup(bus.Close)

	env := &testEnv{
		capture:   &fakeCapture{},
		sequences: &fakeSequences{},
		images:    conv,
		bus:       bus,
		imageDir:  dir,
	}
	env.handlers = NewHandlers(Deps{
		Devices:   device.NewSession(sim.New(sim.WithSpeed(0.001)), time.Second),
		Capture:   env.capture,
		Sequences: env.sequences,
		Images:    conv,
		Events:    bus,
		StaticFS:  staticFS,
		Heartbeat: 50 * time.Millisecond,
	})
	env.server = NewServer(":0", env.handlers, Options{ImageURLPrefix: "/images", ImageDir: dir})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.server.Mux().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

// ---------- Devices ----------

func TestHandleDevices(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/devices", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var names []string
	if err := json.NewDecoder(w.Body).Decode(&names); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if strings.Join(names, ",") != "ccd0,mount0" {
		t.Errorf("devices = %v, want [ccd0 mount0]", names)
	}
}

func TestHandleDeviceNames(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/device_names", "")
	var body map[string][]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body["devices"]) != 2 {
		t.Errorf("device_names = %v", body)
	}
}

func TestHandleProperties(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/device/ccd0/properties", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var dev device.Device
	if err := json.NewDecoder(w.Body).Decode(&dev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dev.Name != "ccd0" || len(dev.Properties) == 0 {
		t.Errorf("properties = %+v", dev)
	}

	w = env.do(t, http.MethodGet, "/device/nope/properties", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown device: status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if body := decodeError(t, w); body.Error != "NotFound" || body.Message == "" {
		t.Errorf("error body = %+v", body)
	}
}

func TestHandleProperty(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/device/ccd0/properties/CCD_INFO.CCD_MAX_X", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var p device.Property
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Value != "640" {
		t.Errorf("CCD_MAX_X = %q, want 640", p.Value)
	}

	cases := []struct {
		path string
		want int
	}{
		{"/device/ccd0/properties/NOPE.X", http.StatusNotFound},
		{"/device/ccd0/properties/malformed", http.StatusBadRequest},
	}
	for _, tc := range cases {
		if w := env.do(t, http.MethodGet, tc.path, ""); w.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.path, w.Code, tc.want)
		}
	}
}

func TestHandleSetProperty(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPut, "/device/ccd0/properties/CCD_GAIN.GAIN", `{"value":"7"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body)
	}
	var p device.Property
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Value != "7" {
		t.Errorf("confirmed value = %q, want 7", p.Value)
	}

	cases := []struct {
		name string
		path string
		body string
		want int
	}{
		{"missing_value", "/device/ccd0/properties/CCD_GAIN.GAIN", `{}`, http.StatusBadRequest},
		{"invalid_json", "/device/ccd0/properties/CCD_GAIN.GAIN", `not json`, http.StatusBadRequest},
		{"oversized", "/device/ccd0/properties/CCD_GAIN.GAIN", `{"value":"` + strings.Repeat("x", 2<<20) + `"}`, http.StatusBadRequest},
		{"read_only", "/device/ccd0/properties/CCD_INFO.CCD_MAX_X", `{"value":"1"}`, http.StatusBadGateway},
		{"unknown", "/device/ccd0/properties/NOPE.X", `{"value":"1"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := env.do(t, http.MethodPut, tc.path, tc.body); w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

// ---------- Capture ----------

func TestHandlePreview(t *testing.T) {
	env := newTestEnv(t)
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		w := env.do(t, method, "/device/ccd0/preview/2.5", "")
		if w.Code != http.StatusNoContent {
			t.Errorf("%s: status = %d, want %d", method, w.Code, http.StatusNoContent)
		}
	}
	if len(env.capture.calls) != 2 || env.capture.calls[0] != (captureCall{"preview", "ccd0", 2.5}) {
		t.Errorf("calls = %v", env.capture.calls)
	}
}

func TestHandlePreview_InvalidExposure(t *testing.T) {
	env := newTestEnv(t)
	for _, raw := range []string{"0", "-1", "abc", "NaN", "Inf", "3601", fmt.Sprint(math.MaxFloat64)} {
		t.Run(raw, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/device/ccd0/preview/"+raw, "")
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
	if len(env.capture.calls) != 0 {
		t.Errorf("capture called with invalid exposure: %v", env.capture.calls)
	}
}

func TestHandlePreview_ErrorClasses(t *testing.T) {
	cases := []struct {
		err  error
		want int
		kind string
	}{
		{fmt.Errorf("%w: an exposure is already running on \"ccd0\"", errs.ErrBusy), http.StatusConflict, "Busy"},
		{capture.ErrClosed, http.StatusServiceUnavailable, "Service Unavailable"},
		{errors.New("unexpected"), http.StatusInternalServerError, "Internal Server Error"},
	}
	for _, tc := range cases {
		env := newTestEnv(t)
		env.capture.err = tc.err
		w := env.do(t, http.MethodPost, "/device/ccd0/preview/1", "")
		if w.Code != tc.want {
			t.Errorf("%v: status = %d, want %d", tc.err, w.Code, tc.want)
		}
		if body := decodeError(t, w); body.Error != tc.kind {
			t.Errorf("%v: error = %q, want %q", tc.err, body.Error, tc.kind)
		}
	}
}

func TestHandleFraming(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, http.MethodPost, "/device/ccd0/framing/1", ""); w.Code != http.StatusNoContent {
		t.Errorf("start: status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if w := env.do(t, http.MethodGet, "/device/ccd0/framing/stop", ""); w.Code != http.StatusNoContent {
		t.Errorf("stop: status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if w := env.do(t, http.MethodGet, "/device/ccd0/framing/later", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad exposure: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	want := []captureCall{{"framing", "ccd0", 1}, {"stop", "ccd0", 0}}
	if fmt.Sprint(env.capture.calls) != fmt.Sprint(want) {
		t.Errorf("calls = %v, want %v", env.capture.calls, want)
	}
}

func TestHandleStatus(t *testing.T) {
	env := newTestEnv(t)
	env.bus.Notify(events.LevelInfo, "hello", "")
	w := env.do(t, http.MethodGet, "/status", "")
	var body struct {
		Devices []capture.DeviceStatus `json:"devices"`
		Events  events.Stats           `json:"events"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Devices) != 1 || body.Devices[0].State != capture.StateExposing || !body.Devices[0].Framing {
		t.Errorf("devices = %+v", body.Devices)
	}
	if body.Events.Published != 1 {
		t.Errorf("published = %d, want 1", body.Events.Published)
	}
}

// ---------- Images ----------

func TestHistogramSettings(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPut, "/histogram/settings", `{"log_y":true}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("put: status = %d, want %d", w.Code, http.StatusNoContent)
	}

	w = env.do(t, http.MethodGet, "/histogram/settings", "")
	var s imaging.Settings
	if err := json.NewDecoder(w.Body).Decode(&s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Bins != imaging.DefaultBins || !s.LogY {
		t.Errorf("settings = %+v, want bins=%d log_y=true", s, imaging.DefaultBins)
	}

	if w := env.do(t, http.MethodPut, "/histogram/settings", `{"bins":1000}`); w.Code != http.StatusBadRequest {
		t.Errorf("invalid bins: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestCleanCache(t *testing.T) {
	env := newTestEnv(t)
	for _, name := range []string{"image-a.jpg", "image-b.png"} {
		if err := os.WriteFile(filepath.Join(env.imageDir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	w := env.do(t, http.MethodPost, "/clean-cache", "")
	var body map[string]int
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["files"] != 2 {
		t.Errorf("files = %d, want 2", body["files"])
	}
}

func TestImagesServed(t *testing.T) {
	env := newTestEnv(t)
	if err := os.WriteFile(filepath.Join(env.imageDir, "image-x.jpg"), []byte("jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}
	w := env.do(t, http.MethodGet, "/images/image-x.jpg", "")
	if w.Code != http.StatusOK || w.Body.String() != "jpeg" {
		t.Errorf("status = %d body = %q", w.Code, w.Body)
	}
	if w := env.do(t, http.MethodGet, "/images/", ""); w.Code != http.StatusNotFound {
		t.Errorf("directory listing: status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ---------- Sequences ----------

func TestHandleSequences(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/sequences", "")
	var body map[string][]sequence.Sequence
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body["sequences"]) != 2 || body["sequences"][1].Name != "flats" {
		t.Errorf("sequences = %+v", body)
	}
}

func TestHandleContinueSequence(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		want int
	}{
		{"flats", http.StatusNoContent},
		{"done", http.StatusConflict},
		{"nope", http.StatusNotFound},
	}
	for _, tc := range cases {
		if w := env.do(t, http.MethodPost, "/sequence/"+tc.name+"/continue", ""); w.Code != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, w.Code, tc.want)
		}
	}
	if w := env.do(t, http.MethodGet, "/sequence/flats/continue", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET continue: status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
	if len(env.sequences.continued) != 1 {
		t.Errorf("continued = %v", env.sequences.continued)
	}
}

// ---------- Event stream ----------

func readBlock(t *testing.T, r *bufio.Reader) []string {
	t.Helper()
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			return lines
		}
		lines = append(lines, line)
	}
}

func TestHandleEvents(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Mux())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	if got := readBlock(t, r); len(got) != 1 || got[0] != ": connected" {
		t.Fatalf("first block = %q", got)
	}

	env.bus.Publish(events.NewImage(events.Image{URL: "/images/image-1.jpg", ID: "1", Histogram: []float64{3}, BinEdges: []float64{0, 255}}))
	env.bus.Notify(events.LevelWarning, "Preview failed", "Busy")

	var frames [][]string
	for len(frames) < 2 {
		block := readBlock(t, r)
		if len(block) == 1 && block[0] == ": heartbeat" {
			continue
		}
		frames = append(frames, block)
	}
	if frames[0][0] != "id: 1" || frames[1][0] != "id: 2" {
		t.Errorf("ids = %q, %q", frames[0][0], frames[1][0])
	}
	var img map[string]any
	if err := json.Unmarshal([]byte(strings.TrimPrefix(frames[0][1], "data: ")), &img); err != nil {
		t.Fatalf("decode image frame: %v", err)
	}
	if img["type"] != "image" || img["image_id"] != "1" {
		t.Errorf("image frame = %v", img)
	}
	if !strings.Contains(frames[1][1], `"type":"notification"`) {
		t.Errorf("notification frame = %q", frames[1][1])
	}

	// Idle stream gets heartbeats.
	if got := readBlock(t, r); len(got) != 1 || got[0] != ": heartbeat" {
		t.Errorf("idle block = %q, want heartbeat", got)
	}

	// Disconnect releases the subscription.
	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for len(env.bus.Stats().Subscribers) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not released after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandleEvents_BusClosed(t *testing.T) {
	env := newTestEnv(t)
	env.bus.Close()
	w := env.do(t, http.MethodGet, "/events", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

// ---------- ServeIndex ----------

func TestServeIndex(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/", "")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/html; charset=utf-8", ct)
	}
	if !strings.Contains(w.Body.String(), "<html>") {
		t.Error("body should contain HTML content")
	}
	if w := env.do(t, http.MethodGet, "/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown path: status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestEmbeddedIndex(t *testing.T) {
	sub, err := StaticFS()
	if err != nil {
		t.Fatalf("StaticFS: %v", err)
	}
	f, err := sub.Open("index.html")
	if err != nil {
		t.Fatalf("open index.html: %v", err)
	}
	f.Close()
}

func TestServerShutdownEndsStreams(t *testing.T) {
	env := newTestEnv(t)
	ln, err := netListen(t)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.server.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/events")
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	readBlock(t, bufio.NewReader(resp.Body))

	start := time.Now()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
		if time.Since(start) > 2*time.Second {
			t.Errorf("shutdown took %s", time.Since(start))
		}
	case <-time.After(ShutdownTimeout + time.Second):
		t.Fatal("Serve did not return")
	}
}
