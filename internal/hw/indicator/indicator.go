// Package indicator drives a GPIO line high while at least one exposure runs,
// e.g. to light an LED or gate a dew heater.
package indicator

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/ccdpreview/internal/debug"
	"github.com/cjeanneret/ccdpreview/internal/hw/gpio"
)

// Indicator is a reference-counted output line.
type Indicator struct {
	driver gpio.Driver
	pin    int

	mu     sync.Mutex
	active int
}

// New configures pin as an output and drives it low.
func New(driver gpio.Driver, pin int) (*Indicator, error) {
	if err := driver.SetupPin(pin, gpio.Output); err != nil {
		return nil, fmt.Errorf("indicator: setup pin %d: %w", pin, err)
	}
	if err := driver.WritePin(pin, gpio.Low); err != nil {
		return nil, fmt.Errorf("indicator: reset pin %d: %w", pin, err)
	}
	debug.Info("indicator: exposure line on GPIO %d", pin)
	return &Indicator{driver: driver, pin: pin}, nil
}

// Begin marks the start of an exposure. The line goes high on the first one.
func (i *Indicator) Begin() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.active++
	if i.active == 1 {
		i.write(gpio.High)
	}
}

// End marks the end of an exposure. The line goes low after the last one.
func (i *Indicator) End() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.active == 0 {
		return
	}
	i.active--
	if i.active == 0 {
		i.write(gpio.Low)
	}
}

// Active returns the number of running exposures.
func (i *Indicator) Active() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.active
}

// Close drives the line low and releases the driver.
func (i *Indicator) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.active = 0
	if err := i.driver.WritePin(i.pin, gpio.Low); err != nil {
		debug.Error(err)
	}
	return i.driver.Close()
}

// write logs failures: the indicator must never fail an exposure.
func (i *Indicator) write(level gpio.Level) {
	if err := i.driver.WritePin(i.pin, level); err != nil {
		debug.Errorf("indicator: GPIO %d -> %v: %v", i.pin, level, err)
	}
}
