// Package console provides the interactive command line of ccdpreview:
// the same operations as the HTTP layer, typed at a readline prompt.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/chzyer/readline"

	"github.com/cjeanneret/ccdpreview/internal/capture"
	"github.com/cjeanneret/ccdpreview/internal/device"
	"github.com/cjeanneret/ccdpreview/internal/errs"
	"github.com/cjeanneret/ccdpreview/internal/sequence"
)

// Devices is the device session used by the console.
type Devices interface {
	ListDevices(ctx context.Context) ([]string, error)
	ListProperties(ctx context.Context, dev string) ([]device.Property, error)
	GetProperty(ctx context.Context, dev, path string) (device.Property, error)
	SetProperty(ctx context.Context, dev, path, value string) (device.Property, error)
}

// Capture is the capture controller used by the console.
type Capture interface {
	Preview(dev string, seconds float64) error
	StartFraming(dev string, seconds float64) error
	StopFraming(dev string)
	Status() []capture.DeviceStatus
}

// Sequences is the sequence coordinator used by the console.
type Sequences interface {
	List() []sequence.Sequence
	Continue(name string) error
}

// ErrQuit is returned by Exec for the quit command.
var ErrQuit = errors.New("quit")

// Console handles interactive mode.
type Console struct {
	devices   Devices
	capture   Capture
	sequences Sequences
	rl        *readline.Instance
	closeOnce sync.Once
}

// New creates a console with its own readline instance.
func New(devices Devices, capt Capture, seqs Sequences) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "ccd> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	c := newConsole(devices, capt, seqs)
	c.rl = rl
	return c, nil
}

func newConsole(devices Devices, capt Capture, seqs Sequences) *Console {
	return &Console{devices: devices, capture: capt, sequences: seqs}
}

// Stdout returns a writer that does not garble the prompt. Log output
// should go through it while the console runs.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Run reads commands until EOF, quit, or ctx ends. It calls cancel when the
// operator leaves so that the rest of the process shuts down too.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.close()
	// Unblock Readline on shutdown.
	stop := context.AfterFunc(ctx, c.close)
	defer stop()

	out := c.rl.Stdout()
	c.printHelp(out)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(out, "Exiting...")
			cancel()
			return
		}
		if err := c.Exec(ctx, line, out); err != nil {
			if errors.Is(err, ErrQuit) {
				fmt.Fprintln(out, "Exiting...")
				cancel()
				return
			}
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

func (c *Console) close() {
	c.closeOnce.Do(func() { c.rl.Close() })
}

// Exec runs one command line, writing its output to out.
func (c *Console) Exec(ctx context.Context, line string, out io.Writer) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp(out)
		return nil
	case "quit", "exit", "q":
		return ErrQuit
	case "devices", "d":
		return c.cmdDevices(ctx, out)
	case "props", "p":
		return c.cmdProps(ctx, args, out)
	case "get", "g":
		return c.cmdGet(ctx, args, out)
	case "set", "s":
		return c.cmdSet(ctx, args, out)
	case "preview":
		return c.cmdPreview(args, out)
	case "framing", "f":
		return c.cmdFraming(args, out)
	case "stop":
		return c.cmdStop(args, out)
	case "status":
		c.cmdStatus(out)
		return nil
	case "seqs":
		c.cmdSeqs(out)
		return nil
	case "continue", "c":
		return c.cmdContinue(args, out)
	default:
		return fmt.Errorf("%w: unknown command %q (type 'help')", errs.ErrBadRequest, cmd)
	}
}

func usage(format string) error {
	return fmt.Errorf("%w: usage: %s", errs.ErrBadRequest, format)
}

func (c *Console) printHelp(out io.Writer) {
	fmt.Fprint(out, `Commands:
  devices                       list devices
  props <device>                list properties of a device
  get <device> <VECTOR.ELEMENT> read one property
  set <device> <VECTOR.ELEMENT> <value>
  preview <device> <seconds>    take one exposure
  framing <device> <seconds>    expose continuously
  stop <device>                 stop framing
  status                        capture state per device
  seqs                          list sequences
  continue <name>               run the next step of a sequence
  help, quit
`)
}

func (c *Console) cmdDevices(ctx context.Context, out io.Writer) error {
	names, err := c.devices.ListDevices(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Fprintln(out, "no devices")
		return nil
	}
	for _, n := range names {
		fmt.Fprintln(out, n)
	}
	return nil
}

func (c *Console) cmdProps(ctx context.Context, args []string, out io.Writer) error {
	if len(args) != 1 {
		return usage("props <device>")
	}
	props, err := c.devices.ListProperties(ctx, args[0])
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, p := range props {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Path(), p.Value, p.Permission)
	}
	return tw.Flush()
}

func (c *Console) cmdGet(ctx context.Context, args []string, out io.Writer) error {
	if len(args) != 2 {
		return usage("get <device> <VECTOR.ELEMENT>")
	}
	p, err := c.devices.GetProperty(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s.%s = %s\n", p.Device, p.Path(), p.Value)
	return nil
}

func (c *Console) cmdSet(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 3 {
		return usage("set <device> <VECTOR.ELEMENT> <value>")
	}
	value := strings.Join(args[2:], " ")
	p, err := c.devices.SetProperty(ctx, args[0], args[1], value)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s.%s = %s\n", p.Device, p.Path(), p.Value)
	return nil
}

func parseSeconds(raw string) (float64, error) {
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: exposure %q is not a number", errs.ErrBadRequest, raw)
	}
	return secs, capture.ValidateExposure(secs)
}

func (c *Console) cmdPreview(args []string, out io.Writer) error {
	if len(args) != 2 {
		return usage("preview <device> <seconds>")
	}
	secs, err := parseSeconds(args[1])
	if err != nil {
		return err
	}
	if err := c.capture.Preview(args[0], secs); err != nil {
		return err
	}
	fmt.Fprintf(out, "exposing %s for %gs\n", args[0], secs)
	return nil
}

func (c *Console) cmdFraming(args []string, out io.Writer) error {
	if len(args) != 2 {
		return usage("framing <device> <seconds>")
	}
	secs, err := parseSeconds(args[1])
	if err != nil {
		return err
	}
	if err := c.capture.StartFraming(args[0], secs); err != nil {
		return err
	}
	fmt.Fprintf(out, "framing %s every %gs\n", args[0], secs)
	return nil
}

func (c *Console) cmdStop(args []string, out io.Writer) error {
	if len(args) != 1 {
		return usage("stop <device>")
	}
	c.capture.StopFraming(args[0])
	fmt.Fprintf(out, "framing stopped on %s\n", args[0])
	return nil
}

func (c *Console) cmdStatus(out io.Writer) {
	st := c.capture.Status()
	if len(st) == 0 {
		fmt.Fprintln(out, "no capture activity")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tSTATE\tFRAMING\tLAST")
	for _, s := range st {
		framing := "-"
		if s.Framing {
			framing = fmt.Sprintf("%gs", s.FramingExposure)
		}
		last := "-"
		if s.Last != nil {
			last = string(s.Last.Outcome)
			if s.Last.Error != "" {
				last += ": " + s.Last.Error
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Device, s.State, framing, last)
	}
	tw.Flush()
}

func (c *Console) cmdSeqs(out io.Writer) {
	seqs := c.sequences.List()
	if len(seqs) == 0 {
		fmt.Fprintln(out, "no sequences")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATE\tSTEP")
	for _, s := range seqs {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\n", s.Name, s.State, s.CurrentStep, len(s.Steps))
	}
	tw.Flush()
}

func (c *Console) cmdContinue(args []string, out io.Writer) error {
	if len(args) != 1 {
		return usage("continue <name>")
	}
	if err := c.sequences.Continue(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(out, "sequence %s running\n", args[0])
	return nil
}
