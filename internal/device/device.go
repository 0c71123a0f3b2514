// Package device mirrors the device-control bus: devices, their properties,
// and exposures on devices that have a CCD.
//
// A Client is the raw protocol client (simulated or remote). A Session wraps
// a Client with the orchestrator's contract: every call is bounded by a
// timeout and every failure is classified with the errs taxonomy.
package device

import (
	"context"
	"time"
)

// Exposure capability is detected through this property vector.
const (
	ExposureVector  = "CCD_EXPOSURE"
	ExposureElement = "CCD_EXPOSURE_VALUE"
)

// Property permissions.
const (
	PermRead      = "ro"
	PermWrite     = "wo"
	PermReadWrite = "rw"
)

// Property is one element of a property vector on a device.
// Last writer wins; there is no versioning.
type Property struct {
	Device     string `json:"device"`
	Vector     string `json:"property"`
	Element    string `json:"element"`
	Value      string `json:"value"`
	Permission string `json:"perm,omitempty"`
}

// Path returns the "VECTOR.ELEMENT" form used to address the property.
func (p Property) Path() string {
	return p.Vector + "." + p.Element
}

// Device is a device with its ordered properties, mirrored on demand.
type Device struct {
	Name       string     `json:"device"`
	Properties []Property `json:"properties"`
}

// RawFrame is an undecoded exposure result: 16-bit grey pixels in row-major order.
type RawFrame struct {
	Device     string
	Width      int
	Height     int
	Pixels     []uint16
	Exposure   float64 // seconds
	CapturedAt time.Time
}

// Client is the device-control protocol client.
//
// Empty device, vector or element arguments to Properties act as wildcards.
// SetProperty blocks until the bus acknowledges the new value.
// Shoot blocks for the whole exposure and returns the downloaded frame.
type Client interface {
	Properties(ctx context.Context, device, vector, element string) ([]Property, error)
	SetProperty(ctx context.Context, device, vector, element, value string) error
	Shoot(ctx context.Context, device string, seconds float64) (RawFrame, error)
}
