// SPDX-FileCopyrightText: 2026 The Pantalaimon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg, err := Load([]byte(`
[Proxy]
UserID = "@alice:example.org"
DeviceID = "ALICEDEV"
StateDir = "/var/lib/pantalaimon"
`))
	require.NoError(t, err)

	require.Equal(t, "NOTICE", cfg.Logging.Level)
	require.Equal(t, KeyShareAutoAcceptFromVerified, cfg.Policy.KeySharePolicy)
	require.Equal(t, uint32(100), cfg.Policy.RotationMessages)
	require.Equal(t, 168*time.Hour, cfg.Policy.RotationPeriod())
	require.Equal(t, 5, cfg.Policy.KeyRequestRetries)
	require.Equal(t, 30*time.Second, cfg.Policy.KeyRequestBackoff())
	require.Equal(t, 5*time.Minute, cfg.Policy.VerificationTimeout())
	require.False(t, cfg.Policy.PermissiveReplay)
}

func TestConfigFull(t *testing.T) {
	cfg, err := Load([]byte(`
[Proxy]
UserID = "@alice:example.org"
DeviceID = "ALICEDEV"
StateDir = "/var/lib/pantalaimon"

[Logging]
Level = "DEBUG"
File = "/var/log/pantalaimon.log"

[Policy]
PermissiveReplay = true
RequireVerification = true
KeySharePolicy = "require-approval"
RotationMessages = 50
RotationPeriodHours = 24
`))
	require.NoError(t, err)
	require.True(t, cfg.Policy.PermissiveReplay)
	require.True(t, cfg.Policy.RequireVerification)
	require.Equal(t, KeyShareRequireApproval, cfg.Policy.KeySharePolicy)
	require.Equal(t, uint32(50), cfg.Policy.RotationMessages)
	require.Equal(t, 24*time.Hour, cfg.Policy.RotationPeriod())
}

func TestConfigRejects(t *testing.T) {
	// Missing Proxy block.
	_, err := Load([]byte(`[Logging]
Level = "DEBUG"
`))
	require.Error(t, err)

	// Relative state dir.
	_, err = Load([]byte(`
[Proxy]
UserID = "@alice:example.org"
DeviceID = "ALICEDEV"
StateDir = "state"
`))
	require.Error(t, err)

	// Unknown keys are refused, not ignored.
	_, err = Load([]byte(`
[Proxy]
UserID = "@alice:example.org"
DeviceID = "ALICEDEV"
StateDir = "/var/lib/pantalaimon"
Bogus = true
`))
	require.Error(t, err)

	// Invalid log level.
	_, err = Load([]byte(`
[Proxy]
UserID = "@alice:example.org"
DeviceID = "ALICEDEV"
StateDir = "/var/lib/pantalaimon"

[Logging]
Level = "TRACE"
`))
	require.Error(t, err)

	// Invalid key share policy.
	_, err = Load([]byte(`
[Proxy]
UserID = "@alice:example.org"
DeviceID = "ALICEDEV"
StateDir = "/var/lib/pantalaimon"

[Policy]
KeySharePolicy = "yolo"
`))
	require.Error(t, err)
}
