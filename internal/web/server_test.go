package web

import (
	"net"
	"testing"
)

func netListen(t *testing.T) (net.Listener, error) {
	t.Helper()
	return net.Listen("tcp", "127.0.0.1:0")
}

func TestNewServerImagePrefix(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "/images"},
		{"/", "/images"},
		{"frames", "/frames"},
		{"/frames/", "/frames"},
	}
	for _, tc := range cases {
		s := NewServer(":0", NewHandlers(Deps{}), Options{ImageURLPrefix: tc.in})
		if s.imagePrefix != tc.want {
			t.Errorf("prefix(%q) = %q, want %q", tc.in, s.imagePrefix, tc.want)
		}
	}
}
