package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/cjeanneret/ccdpreview/internal/debug"
	"github.com/cjeanneret/ccdpreview/internal/errs"
)

// DefaultTimeout bounds property calls when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// Session owns the connection state to one device-control backend.
// All methods block; callers that must not block run them on a worker.
type Session struct {
	client  Client
	timeout time.Duration
}

// NewSession wraps client. Property calls are bounded by timeout; exposures
// are bounded by their duration plus timeout.
func NewSession(client Client, timeout time.Duration) *Session {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Session{client: client, timeout: timeout}
}

// Timeout returns the per-call bound.
func (s *Session) Timeout() time.Duration {
	return s.timeout
}

// ListDevices returns the sorted set of device names known to the bus.
func (s *Session) ListDevices(ctx context.Context) ([]string, error) {
	props, err := s.properties(ctx, "", "", "")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	devices := make([]string, 0)
	for _, p := range props {
		if _, ok := seen[p.Device]; ok {
			continue
		}
		seen[p.Device] = struct{}{}
		devices = append(devices, p.Device)
	}
	sort.Strings(devices)
	return devices, nil
}

// ListProperties returns the properties of device in bus order.
func (s *Session) ListProperties(ctx context.Context, device string) ([]Property, error) {
	props, err := s.properties(ctx, device, "", "")
	if err != nil {
		return nil, err
	}
	if len(props) == 0 {
		return nil, fmt.Errorf("%w: device %q", errs.ErrNotFound, device)
	}
	return props, nil
}

// Describe returns the device with its properties.
func (s *Session) Describe(ctx context.Context, device string) (Device, error) {
	props, err := s.ListProperties(ctx, device)
	if err != nil {
		return Device{}, err
	}
	return Device{Name: device, Properties: props}, nil
}

// GetProperty reads one property addressed as "VECTOR.ELEMENT".
func (s *Session) GetProperty(ctx context.Context, device, path string) (Property, error) {
	vector, element, err := ParsePath(path)
	if err != nil {
		return Property{}, err
	}
	props, err := s.properties(ctx, device, vector, element)
	if err != nil {
		return Property{}, err
	}
	if len(props) == 0 {
		return Property{}, fmt.Errorf("%w: property %s on device %q", errs.ErrNotFound, path, device)
	}
	return props[0], nil
}

// SetProperty writes value and returns the property as confirmed by a
// subsequent read.
func (s *Session) SetProperty(ctx context.Context, device, path, value string) (Property, error) {
	vector, element, err := ParsePath(path)
	if err != nil {
		return Property{}, err
	}
	// Fail with NotFound rather than a backend-specific error.
	if _, err := s.GetProperty(ctx, device, path); err != nil {
		return Property{}, err
	}

	debug.Verbose("Setting %s.%s = %q", device, path, value)
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.SetProperty(callCtx, device, vector, element, value); err != nil {
		return Property{}, classify("set property "+path, err)
	}
	return s.GetProperty(ctx, device, path)
}

// IsCamera reports whether device exposes the CCD_EXPOSURE vector.
func (s *Session) IsCamera(ctx context.Context, device string) (bool, error) {
	props, err := s.properties(ctx, device, ExposureVector, "")
	if err != nil {
		return false, err
	}
	return len(props) > 0, nil
}

// StartExposure runs one exposure of the given duration and returns the raw frame.
// It fails with NotFound for unknown devices and NotCapturable for devices without a CCD.
func (s *Session) StartExposure(ctx context.Context, device string, seconds float64) (RawFrame, error) {
	camera, err := s.IsCamera(ctx, device)
	if err != nil {
		return RawFrame{}, err
	}
	if !camera {
		if _, err := s.ListProperties(ctx, device); err != nil {
			return RawFrame{}, err
		}
		return RawFrame{}, fmt.Errorf("%w: device %q is not a CCD camera", errs.ErrNotCapturable, device)
	}

	bound := s.timeout + time.Duration(seconds*float64(time.Second))
	callCtx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	debug.Exposure(device, seconds)
	frame, err := s.client.Shoot(callCtx, device, seconds)
	if err != nil {
		return RawFrame{}, classify("exposure on "+device, err)
	}
	return frame, nil
}

func (s *Session) properties(ctx context.Context, device, vector, element string) ([]Property, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	props, err := s.client.Properties(callCtx, device, vector, element)
	if err != nil {
		return nil, classify("get properties", err)
	}
	return props, nil
}

// ParsePath splits "VECTOR.ELEMENT".
func ParsePath(path string) (vector, element string, err error) {
	vector, element, ok := strings.Cut(path, ".")
	if !ok || vector == "" || element == "" {
		return "", "", fmt.Errorf("%w: property path %q must be VECTOR.ELEMENT", errs.ErrBadRequest, path)
	}
	return vector, element, nil
}

// classify maps a client failure onto the taxonomy. Already classified
// errors pass through; deadlines become Timeout; the rest BackendError.
func classify(op string, err error) error {
	if errs.Classified(err) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %s: no answer from device bus", errs.ErrTimeout, op)
	}
	return fmt.Errorf("%w: %s: %v", errs.ErrBackend, op, err)
}
