// Package sequence tracks named multi-step capture plans that advance one
// step per external "continue" command.
package sequence

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cjeanneret/ccdpreview/internal/config"
	"github.com/cjeanneret/ccdpreview/internal/debug"
	"github.com/cjeanneret/ccdpreview/internal/errs"
	"github.com/cjeanneret/ccdpreview/internal/events"
)

// State of a sequence.
type State string

// Sequence states.
const (
	StateRunning   State = "Running"
	StatePaused    State = "Paused"
	StateCompleted State = "Completed"
)

// Step is one exposure batch of a sequence.
type Step struct {
	Device   string  `json:"device"`
	Exposure float64 `json:"exposure"`
	Count    int     `json:"count"`
}

// Sequence is a snapshot of a named plan.
type Sequence struct {
	Name        string `json:"name"`
	Steps       []Step `json:"steps"`
	CurrentStep int    `json:"current_step"` // index of the next step to run
	State       State  `json:"state"`
	LastError   string `json:"last_error,omitempty"`
}

// Runner executes a step. *capture.Controller implements it.
type Runner interface {
	Run(dev string, seconds float64, count int, onDone func(error)) error
}

// Publisher receives sequence notifications. *events.Bus implements it.
type Publisher interface {
	Publish(e events.Event) events.Event
}

// Coordinator owns the sequence table for the life of the process.
type Coordinator struct {
	runner Runner
	bus    Publisher

	mu   sync.Mutex
	seqs map[string]*Sequence
}

// FromConfig converts configured sequences.
func FromConfig(cfgs []config.SequenceConfig) []Sequence {
	out := make([]Sequence, 0, len(cfgs))
	for _, c := range cfgs {
		s := Sequence{Name: c.Name, Steps: make([]Step, 0, len(c.Steps))}
		for _, st := range c.Steps {
			s.Steps = append(s.Steps, Step{Device: st.Device, Exposure: st.Exposure, Count: st.Count})
		}
		out = append(out, s)
	}
	return out
}

// NewCoordinator registers defs. Every sequence starts Paused at its first step.
func NewCoordinator(runner Runner, bus Publisher, defs []Sequence) (*Coordinator, error) {
	c := &Coordinator{runner: runner, bus: bus, seqs: make(map[string]*Sequence, len(defs))}
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("sequence without a name")
		}
		if _, dup := c.seqs[d.Name]; dup {
			return nil, fmt.Errorf("duplicate sequence %q", d.Name)
		}
		if len(d.Steps) == 0 {
			return nil, fmt.Errorf("sequence %q has no steps", d.Name)
		}
		steps := make([]Step, len(d.Steps))
		for i, st := range d.Steps {
			if st.Count <= 0 {
				st.Count = 1
			}
			steps[i] = st
		}
		c.seqs[d.Name] = &Sequence{Name: d.Name, Steps: steps, State: StatePaused}
	}
	return c, nil
}

// List returns every sequence ordered by name.
func (c *Coordinator) List() []Sequence {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sequence, 0, len(c.seqs))
	for _, s := range c.seqs {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns one sequence.
func (c *Coordinator) Get(name string) (Sequence, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.seqs[name]
	if !ok {
		return Sequence{}, fmt.Errorf("%w: sequence %q", errs.ErrNotFound, name)
	}
	return s.snapshot(), nil
}

// Continue runs the next step of a paused sequence and returns once the
// step is started. It fails with NotFound for an unknown name, InvalidState
// unless the sequence is Paused, and Busy if the step's device is exposing.
// The step outcome is published as a notification.
func (c *Coordinator) Continue(name string) error {
	c.mu.Lock()
	s, ok := c.seqs[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: sequence %q", errs.ErrNotFound, name)
	}
	if s.State != StatePaused {
		state := s.State
		c.mu.Unlock()
		return fmt.Errorf("%w: sequence %q is %s, not %s", errs.ErrInvalidState, name, state, StatePaused)
	}
	index := s.CurrentStep
	step := s.Steps[index]
	s.State = StateRunning
	s.LastError = ""
	c.mu.Unlock()

	debug.Section(fmt.Sprintf("Sequence %s: step %d/%d", name, index+1, len(s.Steps)))
	err := c.runner.Run(step.Device, step.Exposure, step.Count, func(err error) {
		c.stepDone(name, index, err)
	})
	if err != nil {
		c.mu.Lock()
		if s.State == StateRunning && s.CurrentStep == index {
			s.State = StatePaused
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// Reset puts a sequence that is not running back to Paused at its first step.
func (c *Coordinator) Reset(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.seqs[name]
	if !ok {
		return fmt.Errorf("%w: sequence %q", errs.ErrNotFound, name)
	}
	if s.State == StateRunning {
		return fmt.Errorf("%w: sequence %q is running", errs.ErrInvalidState, name)
	}
	s.CurrentStep = 0
	s.State = StatePaused
	s.LastError = ""
	debug.Verbose("sequence: %s reset", name)
	return nil
}

func (c *Coordinator) stepDone(name string, index int, err error) {
	c.mu.Lock()
	s := c.seqs[name]
	total := len(s.Steps)
	var evt events.Event
	switch {
	case err != nil:
		s.State = StatePaused
		s.LastError = errs.Message(err)
		evt = events.NewNotification(events.LevelWarning,
			fmt.Sprintf("Sequence %s failed", name),
			fmt.Sprintf("Step %d/%d: %s", index+1, total, s.LastError))
	case index+1 >= total:
		s.CurrentStep = total
		s.State = StateCompleted
		evt = events.NewNotification(events.LevelSuccess,
			fmt.Sprintf("Sequence %s completed", name),
			fmt.Sprintf("All %d steps done", total))
	default:
		s.CurrentStep = index + 1
		s.State = StatePaused
		evt = events.NewNotification(events.LevelInfo,
			fmt.Sprintf("Sequence %s paused", name),
			fmt.Sprintf("Step %d/%d done", index+1, total))
	}
	c.mu.Unlock()

	debug.Info("sequence: %s step %d/%d -> %s", name, index+1, total, evt.Notification.Title)
	c.bus.Publish(evt)
}

func (s *Sequence) snapshot() Sequence {
	out := *s
	out.Steps = append([]Step(nil), s.Steps...)
	return out
}
