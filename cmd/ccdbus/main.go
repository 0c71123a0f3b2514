// Command ccdbus serves a simulated device bus over the netbus protocol so
// that ccdpreview can be run against a remote bus without hardware.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/ccdpreview/internal/debug"
	"github.com/cjeanneret/ccdpreview/internal/device/netbus"
	"github.com/cjeanneret/ccdpreview/internal/device/sim"
)

func main() {
	addr := flag.String("listen", "127.0.0.1:7624", "address to listen on")
	speed := flag.Float64("speed", 1, "exposure time factor (1 = real time, 0.01 = 100x faster)")
	cameras := flag.String("cameras", "", "comma separated cameras as name:WIDTHxHEIGHT (default ccd0:640x480)")
	mounts := flag.String("mounts", "", "comma separated non-camera devices (default mount0)")
	debugLevel := flag.Int("debug", debug.LevelInfo, "debug level (0-4)")
	flag.Parse()

	debug.Init(*debugLevel)

	opts, err := simOptions(*speed, *cameras, *mounts)
	if err != nil {
		log.Fatalf("invalid flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("listen on %s: %v", *addr, err)
	}
	if err := serve(ctx, ln, sim.New(opts...)); err != nil {
		log.Fatalf("ccdbus: %v", err)
	}
}

// serve runs the bus server on ln until ctx ends.
func serve(ctx context.Context, ln net.Listener, bus *sim.Bus) error {
	srv := netbus.NewServer(bus)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, netbus.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return srv.Close()
	})
	return g.Wait()
}

// simOptions turns the command line into simulator options.
func simOptions(speed float64, cameras, mounts string) ([]sim.Option, error) {
	if speed <= 0 {
		return nil, fmt.Errorf("speed must be > 0, got %g", speed)
	}
	opts := []sim.Option{sim.WithSpeed(speed)}
	for _, def := range splitList(cameras) {
		name, w, h, err := parseCamera(def)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sim.WithCamera(name, w, h))
	}
	for _, name := range splitList(mounts) {
		opts = append(opts, sim.WithMount(name))
	}
	return opts, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseCamera parses "name:WIDTHxHEIGHT".
func parseCamera(def string) (string, int, int, error) {
	name, size, ok := strings.Cut(def, ":")
	if !ok || name == "" {
		return "", 0, 0, fmt.Errorf("camera %q: want name:WIDTHxHEIGHT", def)
	}
	ws, hs, ok := strings.Cut(size, "x")
	if !ok {
		return "", 0, 0, fmt.Errorf("camera %q: want name:WIDTHxHEIGHT", def)
	}
	w, err := strconv.Atoi(ws)
	if err != nil || w <= 0 || w > 16384 {
		return "", 0, 0, fmt.Errorf("camera %q: invalid width %q", def, ws)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h <= 0 || h > 16384 {
		return "", 0, 0, fmt.Errorf("camera %q: invalid height %q", def, hs)
	}
	return name, w, h, nil
}
