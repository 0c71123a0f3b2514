package discovery

import (
	"errors"
	"net"
	"testing"

	"github.com/enbility/zeroconf/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/ccdpreview/internal/config"
)

type registration struct {
	instance, service, domain string
	port                      int
	text                      []string
}

func recordingAdvertiser(cfg config.DiscoveryConfig, got *[]registration, err error) *Advertiser {
	a := NewAdvertiser(cfg)
	a.register = func(instance, service, domain string, port int, text []string, _ []net.Interface, _ ...zeroconf.ServerOption) (*zeroconf.Server, error) {
		if err != nil {
			return nil, err
		}
		*got = append(*got, registration{instance, service, domain, port, text})
		return nil, nil
	}
	return a
}

func TestTXTRecords(t *testing.T) {
	info := Info{Version: "1.2.0", Devices: []string{"ccd1", "ccd0"}}
	assert.Equal(t, []string{"version=1.2.0", "path=/events", "devices=ccd0,ccd1"}, info.TXT())

	bare := Info{Version: "dev"}
	assert.Equal(t, []string{"version=dev", "path=/events"}, bare.TXT())
}

func TestAdvertiseUsesConfiguredInstance(t *testing.T) {
	var got []registration
	a := recordingAdvertiser(config.DiscoveryConfig{Instance: "roof"}, &got, nil)

	require.NoError(t, a.Advertise(Info{Port: 5000, Version: "dev"}))
	require.Len(t, got, 1)
	assert.Equal(t, "roof", got[0].instance)
	assert.Equal(t, ServiceType, got[0].service)
	assert.Equal(t, Domain, got[0].domain)
	assert.Equal(t, 5000, got[0].port)

	require.NoError(t, a.Advertise(Info{Instance: "dome", Port: 5001, Version: "dev"}))
	assert.Equal(t, "dome", got[1].instance)
	a.Stop()
	a.Stop()
}

func TestAdvertiseErrors(t *testing.T) {
	var got []registration
	a := recordingAdvertiser(config.DiscoveryConfig{}, &got, nil)
	assert.Error(t, a.Advertise(Info{Port: 0}))

	failing := recordingAdvertiser(config.DiscoveryConfig{}, &got, errors.New("no multicast"))
	err := failing.Advertise(Info{Port: 5000})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no multicast")

	badIface := recordingAdvertiser(config.DiscoveryConfig{Interface: "does-not-exist0"}, &got, nil)
	assert.Error(t, badIface.Advertise(Info{Port: 5000}))
	assert.Empty(t, got)
}
