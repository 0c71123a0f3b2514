package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/ccdpreview/internal/device"
	"github.com/cjeanneret/ccdpreview/internal/errs"
)

func TestNew_DefaultDevices(t *testing.T) {
	b := New()
	props, err := b.Properties(context.Background(), "", "", "")
	require.NoError(t, err)

	devices := map[string]bool{}
	for _, p := range props {
		devices[p.Device] = true
	}
	assert.True(t, devices[DefaultCamera])
	assert.True(t, devices[DefaultMount])
}

func TestProperties_Filter(t *testing.T) {
	b := New()
	props, err := b.Properties(context.Background(), DefaultCamera, "CCD_INFO", "CCD_MAX_X")
	require.NoError(t, err)
	require.Len(t, props, 1)
	assert.Equal(t, "640", props[0].Value)
	assert.Equal(t, device.PermRead, props[0].Permission)

	props, err = b.Properties(context.Background(), DefaultMount, device.ExposureVector, "")
	require.NoError(t, err)
	assert.Empty(t, props)
}

func TestSetProperty(t *testing.T) {
	b := New()
	ctx := context.Background()

	require.NoError(t, b.SetProperty(ctx, DefaultCamera, "CCD_TEMPERATURE", "CCD_TEMPERATURE_VALUE", "-10"))
	props, _ := b.Properties(ctx, DefaultCamera, "CCD_TEMPERATURE", "CCD_TEMPERATURE_VALUE")
	assert.Equal(t, "-10", props[0].Value)

	err := b.SetProperty(ctx, DefaultCamera, "CCD_INFO", "CCD_MAX_X", "1")
	assert.ErrorIs(t, err, errs.ErrBackend)

	err = b.SetProperty(ctx, "nope", "CONNECTION", "CONNECT", "Off")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	err = b.SetProperty(ctx, DefaultCamera, "NOPE", "X", "1")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestShoot_ReturnsFrame(t *testing.T) {
	b := New(WithCamera("cam", 64, 48), WithSpeed(0.001))
	frame, err := b.Shoot(context.Background(), "cam", 2)
	require.NoError(t, err)
	assert.Equal(t, "cam", frame.Device)
	assert.Equal(t, 64, frame.Width)
	assert.Equal(t, 48, frame.Height)
	assert.Len(t, frame.Pixels, 64*48)
	assert.Equal(t, 2.0, frame.Exposure)

	var nonZero bool
	for _, px := range frame.Pixels {
		if px != 0 {
			nonZero = true
			break
		}
	}
	assert.True(t, nonZero, "frame should not be black")
}

func TestShoot_Errors(t *testing.T) {
	b := New(WithCamera("cam", 8, 8), WithMount("mount"), WithSpeed(0.001))
	ctx := context.Background()

	_, err := b.Shoot(ctx, "missing", 1)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = b.Shoot(ctx, "mount", 1)
	assert.ErrorIs(t, err, errs.ErrNotCapturable)

	boom := errors.New("shutter jammed")
	b.InjectFault("cam", boom)
	_, err = b.Shoot(ctx, "cam", 1)
	assert.ErrorIs(t, err, boom)

	// Fault is consumed.
	_, err = b.Shoot(ctx, "cam", 1)
	assert.NoError(t, err)
}

func TestShoot_ConcurrentOnSameDeviceRejected(t *testing.T) {
	b := New(WithCamera("cam", 8, 8), WithSpeed(1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := b.Shoot(ctx, "cam", 5)
		done <- err
	}()
	<-started

	assert.Eventually(t, func() bool {
		props, _ := b.Properties(context.Background(), "cam", device.ExposureVector, device.ExposureElement)
		return props[0].Value == "5"
	}, time.Second, 5*time.Millisecond)

	_, err := b.Shoot(context.Background(), "cam", 1)
	assert.ErrorIs(t, err, errs.ErrBackend)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
