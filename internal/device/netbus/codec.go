package netbus

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/cjeanneret/ccdpreview/internal/device"
)

// Operations.
const (
	OpProperties  uint8 = 1
	OpSetProperty uint8 = 2
	OpShoot       uint8 = 3
)

// encMode is the CBOR encoder mode for bus messages.
// Configured for deterministic encoding with integer keys.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for bus messages.
var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Lenient for forward compatibility
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
		MaxArrayElements:  1 << 24,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Request is a client-to-server message.
type Request struct {
	ID        uint32  `cbor:"1,keyasint"`
	Op        uint8   `cbor:"2,keyasint"`
	Device    string  `cbor:"3,keyasint,omitempty"`
	Vector    string  `cbor:"4,keyasint,omitempty"`
	Element   string  `cbor:"5,keyasint,omitempty"`
	Value     string  `cbor:"6,keyasint,omitempty"`
	Seconds   float64 `cbor:"7,keyasint,omitempty"`
	TimeoutMs uint32  `cbor:"8,keyasint,omitempty"` // remaining budget of the caller
}

// Validate checks that the request is well-formed.
func (r *Request) Validate() error {
	switch r.Op {
	case OpProperties:
	case OpSetProperty:
		if r.Device == "" || r.Vector == "" || r.Element == "" {
			return fmt.Errorf("set property needs device, vector and element")
		}
	case OpShoot:
		if r.Device == "" {
			return fmt.Errorf("shoot needs a device")
		}
		if r.Seconds < 0 {
			return fmt.Errorf("negative exposure %g", r.Seconds)
		}
	default:
		return fmt.Errorf("unknown operation %d", r.Op)
	}
	return nil
}

// Response is a server-to-client message.
type Response struct {
	ID         uint32         `cbor:"1,keyasint"`
	ErrKind    string         `cbor:"2,keyasint,omitempty"`
	ErrMsg     string         `cbor:"3,keyasint,omitempty"`
	Properties []WireProperty `cbor:"4,keyasint,omitempty"`
	Frame      *WireFrame     `cbor:"5,keyasint,omitempty"`
}

// WireProperty is the wire form of device.Property.
type WireProperty struct {
	Device     string `cbor:"1,keyasint"`
	Vector     string `cbor:"2,keyasint"`
	Element    string `cbor:"3,keyasint"`
	Value      string `cbor:"4,keyasint"`
	Permission string `cbor:"5,keyasint,omitempty"`
}

// WireFrame is the wire form of device.RawFrame. Pixels are big-endian uint16.
type WireFrame struct {
	Device     string  `cbor:"1,keyasint"`
	Width      int     `cbor:"2,keyasint"`
	Height     int     `cbor:"3,keyasint"`
	Pixels     []byte  `cbor:"4,keyasint"`
	Exposure   float64 `cbor:"5,keyasint"`
	CapturedAt int64   `cbor:"6,keyasint"` // unix nanoseconds
}

// Marshal encodes a value to CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR bytes into a value.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// EncodeRequest encodes a request message to CBOR bytes.
func EncodeRequest(req *Request) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return Marshal(req)
}

// DecodeRequest decodes CBOR bytes into a request message.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return &req, nil
}

// EncodeResponse encodes a response message to CBOR bytes.
func EncodeResponse(resp *Response) ([]byte, error) {
	return Marshal(resp)
}

// DecodeResponse decodes CBOR bytes into a response message.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}

func toWireProperties(props []device.Property) []WireProperty {
	out := make([]WireProperty, len(props))
	for i, p := range props {
		out[i] = WireProperty{Device: p.Device, Vector: p.Vector, Element: p.Element, Value: p.Value, Permission: p.Permission}
	}
	return out
}

func fromWireProperties(props []WireProperty) []device.Property {
	out := make([]device.Property, len(props))
	for i, p := range props {
		out[i] = device.Property{Device: p.Device, Vector: p.Vector, Element: p.Element, Value: p.Value, Permission: p.Permission}
	}
	return out
}

func toWireFrame(f device.RawFrame) *WireFrame {
	buf := make([]byte, 2*len(f.Pixels))
	for i, px := range f.Pixels {
		binary.BigEndian.PutUint16(buf[2*i:], px)
	}
	return &WireFrame{
		Device:     f.Device,
		Width:      f.Width,
		Height:     f.Height,
		Pixels:     buf,
		Exposure:   f.Exposure,
		CapturedAt: f.CapturedAt.UnixNano(),
	}
}

func fromWireFrame(w *WireFrame) (device.RawFrame, error) {
	if w.Width <= 0 || w.Height <= 0 || len(w.Pixels) != 2*w.Width*w.Height {
		return device.RawFrame{}, fmt.Errorf("malformed frame %dx%d with %d bytes", w.Width, w.Height, len(w.Pixels))
	}
	pixels := make([]uint16, w.Width*w.Height)
	for i := range pixels {
		pixels[i] = binary.BigEndian.Uint16(w.Pixels[2*i:])
	}
	return device.RawFrame{
		Device:     w.Device,
		Width:      w.Width,
		Height:     w.Height,
		Pixels:     pixels,
		Exposure:   w.Exposure,
		CapturedAt: time.Unix(0, w.CapturedAt).UTC(),
	}, nil
}
