// Package sim is an in-memory device-control bus with a simulated CCD camera
// and a simulated mount. It implements device.Client.
package sim

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/cjeanneret/ccdpreview/internal/debug"
	"github.com/cjeanneret/ccdpreview/internal/device"
	"github.com/cjeanneret/ccdpreview/internal/errs"
)

// Default device names.
const (
	DefaultCamera = "ccd0"
	DefaultMount  = "mount0"
)

type simDevice struct {
	name     string
	props    []*device.Property // bus order
	camera   bool
	width    int
	height   int
	exposing bool
}

func (d *simDevice) find(vector, element string) *device.Property {
	for _, p := range d.props {
		if p.Vector == vector && p.Element == element {
			return p
		}
	}
	return nil
}

// Bus is a simulated device-control bus.
type Bus struct {
	mu      sync.Mutex
	devices map[string]*simDevice
	order   []string
	speed   float64
	rng     *rand.Rand
	faults  map[string][]error
}

// Option configures a Bus.
type Option func(*Bus)

// WithSpeed scales exposure durations (1 = real time, 0.01 = 100x faster).
func WithSpeed(f float64) Option {
	return func(b *Bus) {
		if f > 0 {
			b.speed = f
		}
	}
}

// WithCamera adds a camera device with the given sensor size.
func WithCamera(name string, width, height int) Option {
	return func(b *Bus) { b.addCamera(name, width, height) }
}

// WithMount adds a device without exposure capability.
func WithMount(name string) Option {
	return func(b *Bus) { b.addMount(name) }
}

// New creates a simulated bus. Without device options it holds
// DefaultCamera (640x480) and DefaultMount.
func New(opts ...Option) *Bus {
	b := &Bus{
		devices: make(map[string]*simDevice),
		speed:   1,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		faults:  make(map[string][]error),
	}
	for _, opt := range opts {
		opt(b)
	}
	if len(b.devices) == 0 {
		b.addCamera(DefaultCamera, 640, 480)
		b.addMount(DefaultMount)
	}
	return b
}

func (b *Bus) addCamera(name string, width, height int) {
	d := &simDevice{name: name, camera: true, width: width, height: height}
	d.props = []*device.Property{
		{Device: name, Vector: "CONNECTION", Element: "CONNECT", Value: "On", Permission: device.PermReadWrite},
		{Device: name, Vector: "DRIVER_INFO", Element: "DRIVER_NAME", Value: "CCD Simulator", Permission: device.PermRead},
		{Device: name, Vector: device.ExposureVector, Element: device.ExposureElement, Value: "0", Permission: device.PermReadWrite},
		{Device: name, Vector: "CCD_INFO", Element: "CCD_MAX_X", Value: strconv.Itoa(width), Permission: device.PermRead},
		{Device: name, Vector: "CCD_INFO", Element: "CCD_MAX_Y", Value: strconv.Itoa(height), Permission: device.PermRead},
		{Device: name, Vector: "CCD_INFO", Element: "CCD_BITSPERPIXEL", Value: "16", Permission: device.PermRead},
		{Device: name, Vector: "CCD_TEMPERATURE", Element: "CCD_TEMPERATURE_VALUE", Value: "20", Permission: device.PermReadWrite},
		{Device: name, Vector: "CCD_GAIN", Element: "GAIN", Value: "1", Permission: device.PermReadWrite},
	}
	b.register(d)
}

func (b *Bus) addMount(name string) {
	d := &simDevice{name: name}
	d.props = []*device.Property{
		{Device: name, Vector: "CONNECTION", Element: "CONNECT", Value: "On", Permission: device.PermReadWrite},
		{Device: name, Vector: "DRIVER_INFO", Element: "DRIVER_NAME", Value: "Telescope Simulator", Permission: device.PermRead},
		{Device: name, Vector: "EQUATORIAL_EOD_COORD", Element: "RA", Value: "0", Permission: device.PermReadWrite},
		{Device: name, Vector: "EQUATORIAL_EOD_COORD", Element: "DEC", Value: "90", Permission: device.PermReadWrite},
	}
	b.register(d)
}

func (b *Bus) register(d *simDevice) {
	if _, exists := b.devices[d.name]; !exists {
		b.order = append(b.order, d.name)
	}
	b.devices[d.name] = d
}

// InjectFault makes the next Shoot on device fail with err. Faults queue up.
func (b *Bus) InjectFault(deviceName string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[deviceName] = append(b.faults[deviceName], err)
}

// Properties returns matching properties; empty arguments match everything.
func (b *Bus) Properties(ctx context.Context, deviceName, vector, element string) ([]device.Property, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []device.Property
	for _, name := range b.order {
		if deviceName != "" && name != deviceName {
			continue
		}
		for _, p := range b.devices[name].props {
			if vector != "" && p.Vector != vector {
				continue
			}
			if element != "" && p.Element != element {
				continue
			}
			out = append(out, *p)
		}
	}
	return out, nil
}

// SetProperty writes a property value. Read-only properties are rejected.
func (b *Bus) SetProperty(ctx context.Context, deviceName, vector, element, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.devices[deviceName]
	if !ok {
		return fmt.Errorf("%w: device %q", errs.ErrNotFound, deviceName)
	}
	p := d.find(vector, element)
	if p == nil {
		return fmt.Errorf("%w: property %s.%s on device %q", errs.ErrNotFound, vector, element, deviceName)
	}
	if p.Permission == device.PermRead {
		return fmt.Errorf("%w: property %s.%s is read-only", errs.ErrBackend, vector, element)
	}
	p.Value = value
	debug.Trace("sim: %s %s.%s <- %q", deviceName, vector, element, value)
	return nil
}

// Shoot simulates an exposure: it waits the (scaled) duration and returns a
// synthetic star field whose brightness grows with exposure time.
func (b *Bus) Shoot(ctx context.Context, deviceName string, seconds float64) (device.RawFrame, error) {
	b.mu.Lock()
	d, ok := b.devices[deviceName]
	if !ok {
		b.mu.Unlock()
		return device.RawFrame{}, fmt.Errorf("%w: device %q", errs.ErrNotFound, deviceName)
	}
	if !d.camera {
		b.mu.Unlock()
		return device.RawFrame{}, fmt.Errorf("%w: device %q has no CCD", errs.ErrNotCapturable, deviceName)
	}
	if d.exposing {
		b.mu.Unlock()
		return device.RawFrame{}, fmt.Errorf("%w: exposure already in progress on %q", errs.ErrBackend, deviceName)
	}
	var fault error
	if q := b.faults[deviceName]; len(q) > 0 {
		fault, b.faults[deviceName] = q[0], q[1:]
	}
	d.exposing = true
	if p := d.find(device.ExposureVector, device.ExposureElement); p != nil {
		p.Value = strconv.FormatFloat(seconds, 'f', -1, 64)
	}
	width, height := d.width, d.height
	seed := b.rng.Int63()
	wait := time.Duration(seconds * b.speed * float64(time.Second))
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		d.exposing = false
		if p := d.find(device.ExposureVector, device.ExposureElement); p != nil {
			p.Value = "0"
		}
		b.mu.Unlock()
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return device.RawFrame{}, ctx.Err()
	}
	if fault != nil {
		return device.RawFrame{}, fault
	}

	return device.RawFrame{
		Device:     deviceName,
		Width:      width,
		Height:     height,
		Pixels:     starField(width, height, seconds, seed),
		Exposure:   seconds,
		CapturedAt: time.Now().UTC(),
	}, nil
}

// starField renders sky background with noise plus gaussian stars.
func starField(width, height int, seconds float64, seed int64) []uint16 {
	rng := rand.New(rand.NewSource(seed))
	pixels := make([]uint16, width*height)
	gain := math.Min(1, 0.1+seconds/10)
	background := 800 + 400*gain
	for i := range pixels {
		pixels[i] = clamp16(background + rng.NormFloat64()*60)
	}

	stars := (width * height) / 4000
	for s := 0; s < stars; s++ {
		cx := rng.Float64() * float64(width)
		cy := rng.Float64() * float64(height)
		peak := (2000 + rng.Float64()*60000) * gain
		sigma := 0.8 + rng.Float64()*1.5
		r := int(math.Ceil(sigma * 3))
		for y := int(cy) - r; y <= int(cy)+r; y++ {
			if y < 0 || y >= height {
				continue
			}
			for x := int(cx) - r; x <= int(cx)+r; x++ {
				if x < 0 || x >= width {
					continue
				}
				dx, dy := float64(x)-cx, float64(y)-cy
				v := peak * math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
				idx := y*width + x
				pixels[idx] = clamp16(float64(pixels[idx]) + v)
			}
		}
	}
	return pixels
}

func clamp16(v float64) uint16 {
	switch {
	case v < 0:
		return 0
	case v > math.MaxUint16:
		return math.MaxUint16
	default:
		return uint16(v)
	}
}
