//go:build mdns

package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryToAgent(t *testing.T) {
	entry := zeroconf.NewServiceEntry("claimlinc", ServiceType, mdnsDomain)
	entry.Port = 8080
	entry.Text = []string{"id=claimlinc", "caps=validation"}
	entry.AddrIPv4 = append(entry.AddrIPv4, net.IPv4(192, 168, 1, 10))

	a, err := entryToAgent(entry)
	require.NoError(t, err)
	assert.Equal(t, "claimlinc", a.ID)
	assert.Equal(t, "http://192.168.1.10:8080", a.Endpoint)
}

func TestEntryWithoutAddressSkipped(t *testing.T) {
	entry := zeroconf.NewServiceEntry("ghost", ServiceType, mdnsDomain)
	_, err := entryToAgent(entry)
	require.Error(t, err)
}
