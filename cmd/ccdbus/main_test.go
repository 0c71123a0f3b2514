package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cjeanneret/ccdpreview/internal/device"
	"github.com/cjeanneret/ccdpreview/internal/device/netbus"
	"github.com/cjeanneret/ccdpreview/internal/device/sim"
)

func TestParseCamera(t *testing.T) {
	name, w, h, err := parseCamera("guide:320x240")
	if err != nil {
		t.Fatalf("parseCamera: %v", err)
	}
	if name != "guide" || w != 320 || h != 240 {
		t.Errorf("got %s %dx%d", name, w, h)
	}

	for _, bad := range []string{"guide", ":320x240", "guide:320", "guide:0x240", "guide:320x-1", "guide:axb", "guide:99999x10"} {
		if _, _, _, err := parseCamera(bad); err == nil {
			t.Errorf("parseCamera(%q) should fail", bad)
		}
	}
}

func TestSimOptions(t *testing.T) {
	if _, err := simOptions(0, "", ""); err == nil {
		t.Error("speed 0 should be rejected")
	}
	if _, err := simOptions(1, "ccd0", ""); err == nil {
		t.Error("malformed camera should be rejected")
	}

	opts, err := simOptions(0.5, "main:100x80, guide:64x48", "mount0,focuser")
	if err != nil {
		t.Fatalf("simOptions: %v", err)
	}
	bus := sim.New(opts...)
	props, err := bus.Properties(context.Background(), "", "CONNECTION", "CONNECT")
	if err != nil {
		t.Fatalf("Properties: %v", err)
	}
	var names []string
	for _, p := range props {
		names = append(names, p.Device)
	}
	want := []string{"main", "guide", "mount0", "focuser"}
	if len(names) != len(want) {
		t.Fatalf("devices = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("devices[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestServeUntilCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, ln, sim.New(sim.WithSpeed(0.001))) }()

	client := netbus.NewClient(ln.Addr().String())
	defer client.Close()
	session := device.NewSession(client, 2*time.Second)
	names, err := session.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("ListDevices over netbus: %v", err)
	}
	if len(names) != 2 || names[0] != "ccd0" || names[1] != "mount0" {
		t.Errorf("devices = %v", names)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
