package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/miel/pkg/types"
)

const validDoc = `
[global]
bind_address = "0.0.0.0"
log_level = "debug"
log_dir = "/tmp/miel"
max_sessions = 10

[[service]]
name = "fake-ssh"
port = 2222
protocol = "tcp"
container_template = "/var/lib/miel/templates/ssh"
pool_target = 2
capture = { pty = true, pcap = false }
session = { timeout_seconds = 60, max_bytes = 1048576 }

[[service.filter]]
action = "deny"
cidr = "10.0.0.0/8"
`

func TestParseValid(t *testing.T) {
	cfg, err := Parse([]byte(validDoc))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Global.LogLevel)
	assert.Equal(t, 10, cfg.Global.MaxSessions)
	require.Len(t, cfg.Services, 1)

	svc := cfg.Services[0]
	assert.Equal(t, "fake-ssh", svc.Name)
	assert.Equal(t, 2222, svc.Port)
	assert.Equal(t, types.TransportTCP, svc.Transport)
	assert.True(t, svc.Capture.PTY)
	assert.False(t, svc.Capture.PCAP)
	assert.Equal(t, 2, svc.PoolTarget)
	require.Len(t, svc.Filters, 1)
	assert.Equal(t, types.ActionDeny, svc.Filters[0].Action)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	doc := validDoc + "\nbogus_top_level = true\n"
	_, err := Parse([]byte(doc))
	assert.Error(t, err)
}

func TestParseRejectsDuplicatePortTransport(t *testing.T) {
	doc := validDoc + `
[[service]]
name = "fake-ssh-2"
port = 2222
protocol = "tcp"
container_template = "/var/lib/miel/templates/ssh2"
`
	_, err := Parse([]byte(doc))
	assert.ErrorContains(t, err, "duplicate")
}

func TestParseRequiresAtLeastOneService(t *testing.T) {
	_, err := Parse([]byte(`[global]
bind_address = "0.0.0.0"
`))
	assert.Error(t, err)
}

func TestParseRejectsBadPort(t *testing.T) {
	doc := `
[[service]]
name = "bad"
port = 0
container_template = "/x"
`
	_, err := Parse([]byte(doc))
	assert.Error(t, err)
}

func TestParseDefaultsProtocolToTCP(t *testing.T) {
	doc := `
[[service]]
name = "svc"
port = 80
container_template = "/x"
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, types.TransportTCP, cfg.Services[0].Transport)
	assert.Equal(t, 1, cfg.Services[0].PoolTarget)
}
