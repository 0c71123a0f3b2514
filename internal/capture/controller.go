// Package capture runs exposures: single previews, continuous framing loops
// and the multi-exposure steps of sequences. At most one exposure runs per
// device; outcomes are reported on the event bus.
package capture

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cjeanneret/ccdpreview/internal/debug"
	"github.com/cjeanneret/ccdpreview/internal/device"
	"github.com/cjeanneret/ccdpreview/internal/errs"
	"github.com/cjeanneret/ccdpreview/internal/events"
	"github.com/cjeanneret/ccdpreview/internal/imaging"
)

// MaxExposure bounds a single exposure in seconds.
const MaxExposure = 3600

// DefaultWorkers is the global bound on running exposures when none is set.
const DefaultWorkers = 4

// DefaultRetryDelay is the pause of a framing loop after a failed exposure.
const DefaultRetryDelay = time.Second

// ErrClosed is returned by commands after Close.
var ErrClosed = errors.New("capture: controller closed")

// State is the per-device capture state.
type State string

// Capture states.
const (
	StateIdle     State = "Idle"
	StateExposing State = "Exposing"
)

// Outcome of a finished capture.
type Outcome string

// Capture outcomes.
const (
	OutcomeCompleted Outcome = "Completed"
	OutcomeFailed    Outcome = "Failed"
)

// Exposer runs a blocking exposure. *device.Session implements it.
type Exposer interface {
	StartExposure(ctx context.Context, device string, seconds float64) (device.RawFrame, error)
}

// Converter turns a frame into an image. *imaging.Converter implements it.
type Converter interface {
	Convert(frame device.RawFrame) (imaging.Image, error)
}

// Publisher receives capture events. *events.Bus implements it.
type Publisher interface {
	Publish(e events.Event) events.Event
}

// Indicator is told when an exposure begins and ends.
type Indicator interface {
	Begin()
	End()
}

// Options configure a Controller.
type Options struct {
	Workers        int    // global bound on running exposures
	ImageURLPrefix string // prefix of image URLs in events, e.g. "/images"
	Indicator      Indicator
}

// Result is the outcome of the last capture on a device.
type Result struct {
	Outcome  Outcome   `json:"outcome"`
	Exposure float64   `json:"exposure"`
	ImageID  string    `json:"image_id,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// DeviceStatus is a snapshot of one device.
type DeviceStatus struct {
	Device          string    `json:"device"`
	State           State     `json:"state"`
	Exposure        float64   `json:"exposure,omitempty"`
	Since           time.Time `json:"since,omitzero"`
	Framing         bool      `json:"framing"`
	FramingExposure float64   `json:"framing_exposure,omitempty"`
	Last            *Result   `json:"last,omitempty"`
}

type deviceState struct {
	state    State
	exposure float64
	since    time.Time
	last     *Result
	framing  *framingSession
}

// framingSession is the cancellation token of one framing loop.
type framingSession struct {
	exposure float64
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newFramingSession(exposure float64) *framingSession {
	return &framingSession{
		exposure: exposure,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (f *framingSession) stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
}

func (f *framingSession) stopped() bool {
	select {
	case <-f.stopCh:
		return true
	default:
		return false
	}
}

// Controller owns the per-device capture state.
type Controller struct {
	session    Exposer
	conv       Converter
	bus        Publisher
	urlPrefix  string
	indicator  Indicator
	pool       *semaphore.Weighted
	retryDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	devices map[string]*deviceState
	closed  bool
}

// NewController creates a controller.
func NewController(session Exposer, conv Converter, bus Publisher, opts Options) *Controller {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		session:    session,
		conv:       conv,
		bus:        bus,
		urlPrefix:  strings.TrimRight(opts.ImageURLPrefix, "/"),
		indicator:  opts.Indicator,
		pool:       semaphore.NewWeighted(int64(opts.Workers)),
		retryDelay: DefaultRetryDelay,
		ctx:        ctx,
		cancel:     cancel,
		devices:    make(map[string]*deviceState),
	}
}

// ValidateExposure checks that seconds is a finite duration in (0, MaxExposure].
func ValidateExposure(seconds float64) error {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds <= 0 || seconds > MaxExposure {
		return fmt.Errorf("%w: exposure must be in (0, %d] seconds, got %g", errs.ErrBadRequest, MaxExposure, seconds)
	}
	return nil
}

// Preview starts one exposure on dev and returns immediately. It fails with
// Busy if an exposure is already running on dev. The outcome is published:
// an image event on success, a warning notification on failure.
func (c *Controller) Preview(dev string, seconds float64) error {
	if err := ValidateExposure(seconds); err != nil {
		return err
	}
	if err := c.acquire(dev, seconds); err != nil {
		return err
	}
	go func() {
		defer c.wg.Done()
		img, err := c.shoot(dev, seconds)
		c.release(dev, seconds, img, err)
		c.report(dev, img, err, "Preview failed")
	}()
	return nil
}

// Run starts count exposures on dev, holding the device for the whole run.
// Each image is published; the first failure ends the run. onDone receives
// the failure or nil. Fails synchronously with Busy like Preview.
func (c *Controller) Run(dev string, seconds float64, count int, onDone func(error)) error {
	if err := ValidateExposure(seconds); err != nil {
		return err
	}
	if count <= 0 {
		return fmt.Errorf("%w: count must be > 0, got %d", errs.ErrBadRequest, count)
	}
	if err := c.acquire(dev, seconds); err != nil {
		return err
	}
	go func() {
		defer c.wg.Done()
		var (
			img imaging.Image
			err error
		)
		for i := 1; i <= count; i++ {
			debug.Step(i, fmt.Sprintf("exposure %d/%d on %s (%.3fs)", i, count, dev, seconds))
			img, err = c.shoot(dev, seconds)
			if err != nil {
				break
			}
			c.record(dev, seconds, img, nil)
			c.bus.Publish(c.imageEvent(dev, img))
		}
		c.release(dev, seconds, img, err)
		if onDone != nil {
			onDone(err)
		}
	}()
	return nil
}

// StartFraming starts a loop of exposures on dev until StopFraming.
//
// Calling it while a loop is active replaces that loop: the old loop is
// told to stop and the new one starts exposing only after the old one has
// exited, so two loops never expose the same device at once.
func (c *Controller) StartFraming(dev string, seconds float64) error {
	if err := ValidateExposure(seconds); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	ds := c.state(dev)
	prev := ds.framing
	if prev != nil {
		prev.stop()
	}
	fs := newFramingSession(seconds)
	ds.framing = fs
	c.wg.Add(1)
	c.mu.Unlock()

	go c.frame(dev, fs, prev)
	return nil
}

// StopFraming asks the framing loop on dev to stop. A running exposure is
// not interrupted: the loop exits before starting the next one. Stopping a
// device that is not framing is a no-op.
func (c *Controller) StopFraming(dev string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ds, ok := c.devices[dev]; ok && ds.framing != nil {
		ds.framing.stop()
		debug.Live("capture: framing stop requested on %s", dev)
	}
}

// fatalToFraming reports whether a failure must end a framing loop.
func fatalToFraming(err error) bool {
	return errors.Is(err, errs.ErrBusy) ||
		errors.Is(err, errs.ErrNotFound) ||
		errors.Is(err, errs.ErrNotCapturable) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, context.Canceled)
}

func (c *Controller) frame(dev string, fs *framingSession, prev *framingSession) {
	defer c.wg.Done()
	defer close(fs.done)
	defer c.clearFraming(dev, fs)

	if prev != nil {
		select {
		case <-prev.done:
		case <-c.ctx.Done():
			return
		}
	}

	debug.Info("capture: framing on %s every %.3fs", dev, fs.exposure)
	for iteration := 1; ; iteration++ {
		if fs.stopped() {
			debug.Info("capture: framing on %s stopped after %d exposures", dev, iteration-1)
			return
		}
		err := c.acquireFrame(dev, fs.exposure)
		var img imaging.Image
		if err == nil {
			img, err = c.shoot(dev, fs.exposure)
			c.release(dev, fs.exposure, img, err)
		}
		if err != nil && fatalToFraming(err) {
			c.bus.Publish(events.NewNotification(events.LevelWarning, "Framing stopped", errs.Message(err)))
			debug.Warn("capture: framing on %s ended: %v", dev, err)
			return
		}
		c.report(dev, img, err, "Framing error")
		if err != nil {
			select {
			case <-time.After(c.retryDelay):
			case <-fs.stopCh:
			case <-c.ctx.Done():
			}
		}
	}
}

func (c *Controller) clearFraming(dev string, fs *framingSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ds, ok := c.devices[dev]; ok && ds.framing == fs {
		ds.framing = nil
	}
}

// state returns the entry for dev, creating it. Callers hold c.mu.
func (c *Controller) state(dev string) *deviceState {
	ds, ok := c.devices[dev]
	if !ok {
		ds = &deviceState{state: StateIdle}
		c.devices[dev] = ds
	}
	return ds
}

// acquire moves dev from Idle to Exposing and registers a worker with wg.
func (c *Controller) acquire(dev string, seconds float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	ds := c.state(dev)
	if ds.state == StateExposing {
		return fmt.Errorf("%w: an exposure is already running on %q", errs.ErrBusy, dev)
	}
	ds.state = StateExposing
	ds.exposure = seconds
	ds.since = time.Now()
	c.wg.Add(1)
	return nil
}

// acquireFrame is acquire for a framing loop, which is already counted in wg.
func (c *Controller) acquireFrame(dev string, seconds float64) error {
	if err := c.acquire(dev, seconds); err != nil {
		return err
	}
	c.wg.Done()
	return nil
}

// release moves dev back to Idle and records the outcome.
func (c *Controller) release(dev string, seconds float64, img imaging.Image, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ds := c.state(dev)
	ds.state = StateIdle
	ds.exposure = 0
	ds.since = time.Time{}
	ds.last = newResult(seconds, img, err)
}

func (c *Controller) record(dev string, seconds float64, img imaging.Image, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state(dev).last = newResult(seconds, img, err)
}

func newResult(seconds float64, img imaging.Image, err error) *Result {
	r := &Result{Exposure: seconds, At: time.Now().UTC()}
	if err != nil {
		r.Outcome = OutcomeFailed
		r.Error = errs.Message(err)
	} else {
		r.Outcome = OutcomeCompleted
		r.ImageID = img.ID
	}
	return r
}

// shoot runs one exposure on the worker pool and converts the frame.
func (c *Controller) shoot(dev string, seconds float64) (imaging.Image, error) {
	if err := c.pool.Acquire(c.ctx, 1); err != nil {
		return imaging.Image{}, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	defer c.pool.Release(1)

	if c.indicator != nil {
		c.indicator.Begin()
		defer c.indicator.End()
	}

	start := time.Now()
	frame, err := c.session.StartExposure(c.ctx, dev, seconds)
	if err != nil {
		debug.Warn("capture: exposure on %s failed: %v", dev, err)
		return imaging.Image{}, err
	}
	img, err := c.conv.Convert(frame)
	if err != nil {
		debug.Error(err)
		return imaging.Image{}, fmt.Errorf("convert frame from %q: %w", dev, err)
	}
	debug.Live("capture: %s done in %s -> %s", dev, time.Since(start).Round(time.Millisecond), img.ID)
	return img, nil
}

// report publishes the outcome of one exposure.
func (c *Controller) report(dev string, img imaging.Image, err error, failTitle string) {
	if err != nil {
		c.bus.Publish(events.NewNotification(events.LevelWarning, failTitle, errs.Message(err)))
		return
	}
	c.bus.Publish(c.imageEvent(dev, img))
}

func (c *Controller) imageEvent(dev string, img imaging.Image) events.Event {
	return events.NewImage(events.Image{
		Device:    dev,
		URL:       c.urlPrefix + "/" + img.Filename,
		Histogram: img.Histogram,
		BinEdges:  img.BinEdges,
		ID:        img.ID,
	})
}

// State returns the capture state of dev.
func (c *Controller) State(dev string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ds, ok := c.devices[dev]; ok {
		return ds.state
	}
	return StateIdle
}

// Framing reports whether a framing loop is active on dev.
func (c *Controller) Framing(dev string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ds, ok := c.devices[dev]
	return ok && ds.framing != nil && !ds.framing.stopped()
}

// Status returns a snapshot of every device the controller has seen, sorted by name.
func (c *Controller) Status() []DeviceStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DeviceStatus, 0, len(c.devices))
	for name, ds := range c.devices {
		st := DeviceStatus{
			Device:   name,
			State:    ds.state,
			Exposure: ds.exposure,
			Since:    ds.since,
		}
		if ds.framing != nil && !ds.framing.stopped() {
			st.Framing = true
			st.FramingExposure = ds.framing.exposure
		}
		if ds.last != nil {
			last := *ds.last
			st.Last = &last
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out
}

// Close stops every framing loop and waits for running exposures. If ctx
// ends first, running exposures are cancelled and ctx.Err() is returned.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, ds := range c.devices {
		if ds.framing != nil {
			ds.framing.stop()
		}
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	defer c.cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}
