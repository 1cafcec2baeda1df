package pool

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/miel/pkg/types"
)

func TestNspawnUnitOverrideRendersIsolationDirectives(t *testing.T) {
	unit := string(nspawnUnitOverride("/var/lib/miel/overlays/miel-fake-ssh-abc123", "miel-br-fake-ssh"))

	for _, want := range []string{
		"PrivateUsers=yes",
		"NoNewPrivileges=yes",
		"DropCapability=all",
		"[Network]",
		"Private=yes",
		"VirtualEthernet=yes",
		"Bridge=miel-br-fake-ssh",
		"Bind=/var/lib/miel/overlays/miel-fake-ssh-abc123/merged:/",
	} {
		assert.Contains(t, unit, want)
	}

	// ReadOnly=yes is deliberately not set; the overlay's writable upperdir
	// already needs the merged root to stay writable.
	assert.NotContains(t, unit, "ReadOnly=yes")
}

func TestBridgeNameDefaultsFromServiceName(t *testing.T) {
	svc := types.ServiceConfig{Name: "fake-ssh"}
	assert.Equal(t, "miel-br-fake-ss", bridgeName(svc)) // truncated to 15 bytes

	svc.Bridge = "custom-br0"
	assert.Equal(t, "custom-br0", bridgeName(svc))
}

func TestBridgeNameTruncatesOverlongExplicitName(t *testing.T) {
	svc := types.ServiceConfig{Name: "fake-ssh", Bridge: "way-too-long-a-bridge-name"}
	name := bridgeName(svc)
	assert.LessOrEqual(t, len(name), 15)
	assert.True(t, strings.HasPrefix(name, "way-too-long-a"))
}

func TestRestrictedDevicePolicyDeniesByDefault(t *testing.T) {
	rules := restrictedDevicePolicy()
	if len(rules) == 0 {
		t.Fatal("expected at least one device cgroup rule")
	}
	assert.False(t, rules[0].Allow, "first rule must be the deny-all default")
	for _, r := range rules[1:] {
		assert.True(t, r.Allow, "every rule after the default deny should be an explicit allow")
	}
}
