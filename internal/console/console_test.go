package console

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cjeanneret/ccdpreview/internal/capture"
	"github.com/cjeanneret/ccdpreview/internal/device"
	"github.com/cjeanneret/ccdpreview/internal/device/sim"
	"github.com/cjeanneret/ccdpreview/internal/errs"
	"github.com/cjeanneret/ccdpreview/internal/sequence"
)

type fakeCapture struct {
	previews []string
	framing  map[string]float64
	busy     bool
}

func (f *fakeCapture) Preview(dev string, seconds float64) error {
	if f.busy {
		return errs.ErrBusy
	}
	f.previews = append(f.previews, dev)
	return nil
}

func (f *fakeCapture) StartFraming(dev string, seconds float64) error {
	f.framing[dev] = seconds
	return nil
}

func (f *fakeCapture) StopFraming(dev string) { delete(f.framing, dev) }

func (f *fakeCapture) Status() []capture.DeviceStatus {
	return []capture.DeviceStatus{{
		Device: "ccd0",
		State:  capture.StateIdle,
		Last:   &capture.Result{Outcome: capture.OutcomeFailed, Error: "timeout"},
	}}
}

type fakeSequences struct {
	continued []string
}

func (f *fakeSequences) List() []sequence.Sequence {
	return []sequence.Sequence{{Name: "flats", Steps: make([]sequence.Step, 3), CurrentStep: 1, State: sequence.StatePaused}}
}

func (f *fakeSequences) Continue(name string) error {
	if name != "flats" {
		return errs.ErrNotFound
	}
	f.continued = append(f.continued, name)
	return nil
}

func newTestConsole(t *testing.T) (*Console, *fakeCapture, *fakeSequences) {
	t.Helper()
	session := device.NewSession(sim.New(), time.Second)
	capt := &fakeCapture{framing: make(map[string]float64)}
	seqs := &fakeSequences{}
	return newConsole(session, capt, seqs), capt, seqs
}

func run(t *testing.T, c *Console, line string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	err := c.Exec(context.Background(), line, &buf)
	return buf.String(), err
}

func TestDevicesAndProperties(t *testing.T) {
	c, _, _ := newTestConsole(t)

	out, err := run(t, c, "devices")
	if err != nil {
		t.Fatalf("devices: %v", err)
	}
	if out != "ccd0\nmount0\n" {
		t.Errorf("devices output = %q", out)
	}

	out, err = run(t, c, "props ccd0")
	if err != nil {
		t.Fatalf("props: %v", err)
	}
	if !strings.Contains(out, "CCD_INFO.CCD_MAX_X") || !strings.Contains(out, "640") {
		t.Errorf("props output missing CCD_MAX_X:\n%s", out)
	}

	if _, err := run(t, c, "props nope"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("props on unknown device: err = %v, want NotFound", err)
	}
}

func TestGetAndSet(t *testing.T) {
	c, _, _ := newTestConsole(t)

	out, err := run(t, c, "set ccd0 CCD_GAIN.GAIN 12")
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if out != "ccd0.CCD_GAIN.GAIN = 12\n" {
		t.Errorf("set output = %q", out)
	}
	out, err = run(t, c, "get ccd0 CCD_GAIN.GAIN")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if out != "ccd0.CCD_GAIN.GAIN = 12\n" {
		t.Errorf("get output = %q", out)
	}
	if _, err := run(t, c, "get ccd0"); !errors.Is(err, errs.ErrBadRequest) {
		t.Errorf("get without path: err = %v, want BadRequest", err)
	}
}

func TestCaptureCommands(t *testing.T) {
	c, capt, _ := newTestConsole(t)

	if _, err := run(t, c, "preview ccd0 1.5"); err != nil {
		t.Fatalf("preview: %v", err)
	}
	if len(capt.previews) != 1 || capt.previews[0] != "ccd0" {
		t.Errorf("previews = %v", capt.previews)
	}
	for _, bad := range []string{"preview ccd0 abc", "preview ccd0 0", "preview ccd0 -1", "preview ccd0 3601"} {
		if _, err := run(t, c, bad); !errors.Is(err, errs.ErrBadRequest) {
			t.Errorf("%q: err = %v, want BadRequest", bad, err)
		}
	}
	capt.busy = true
	if _, err := run(t, c, "preview ccd0 1"); !errors.Is(err, errs.ErrBusy) {
		t.Errorf("busy preview: err = %v, want Busy", err)
	}

	if _, err := run(t, c, "framing ccd0 2"); err != nil {
		t.Fatalf("framing: %v", err)
	}
	if capt.framing["ccd0"] != 2 {
		t.Errorf("framing exposure = %v, want 2", capt.framing["ccd0"])
	}
	if _, err := run(t, c, "stop ccd0"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, ok := capt.framing["ccd0"]; ok {
		t.Error("framing still active after stop")
	}

	out, _ := run(t, c, "status")
	if !strings.Contains(out, "Failed: timeout") {
		t.Errorf("status output = %q", out)
	}
}

func TestSequenceCommands(t *testing.T) {
	c, _, seqs := newTestConsole(t)

	out, _ := run(t, c, "seqs")
	if !strings.Contains(out, "flats") || !strings.Contains(out, "1/3") {
		t.Errorf("seqs output = %q", out)
	}
	if _, err := run(t, c, "continue flats"); err != nil {
		t.Fatalf("continue: %v", err)
	}
	if len(seqs.continued) != 1 {
		t.Errorf("continued = %v", seqs.continued)
	}
	if _, err := run(t, c, "continue darks"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("continue unknown: err = %v, want NotFound", err)
	}
}

func TestMiscCommands(t *testing.T) {
	c, _, _ := newTestConsole(t)

	if out, err := run(t, c, "   "); err != nil || out != "" {
		t.Errorf("blank line: out=%q err=%v", out, err)
	}
	if out, _ := run(t, c, "help"); !strings.Contains(out, "continue <name>") {
		t.Errorf("help output = %q", out)
	}
	if _, err := run(t, c, "QUIT"); !errors.Is(err, ErrQuit) {
		t.Errorf("quit: err = %v, want ErrQuit", err)
	}
	if _, err := run(t, c, "dance"); !errors.Is(err, errs.ErrBadRequest) {
		t.Errorf("unknown command: err = %v, want BadRequest", err)
	}
}
