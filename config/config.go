// SPDX-FileCopyrightText: 2026 The Pantalaimon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config implements the proxy configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aspacca/pantalaimon/core/log"
)

const (
	defaultLogLevel = "NOTICE"

	defaultRotationMessages          = 100
	defaultRotationPeriodHours       = 168
	defaultKeyRequestRetries         = 5
	defaultKeyRequestBackoffSeconds  = 30
	defaultVerificationTimeoutSecs   = 300
	defaultPendingEventBufferPerRoom = 256
)

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (l *Logging) validate() error {
	lvl := map[string]bool{
		"ERROR":   true,
		"WARNING": true,
		"NOTICE":  true,
		"INFO":    true,
		"DEBUG":   true,
	}
	if !lvl[l.Level] {
		return fmt.Errorf("config: Logging: Level '%v' is invalid", l.Level)
	}
	return nil
}

// KeySharePolicy selects how inbound key shares are handled.
type KeySharePolicy string

const (
	// KeyShareAutoAcceptFromVerified installs shares from verified
	// devices without prompting; everything else requires approval.
	KeyShareAutoAcceptFromVerified KeySharePolicy = "auto-accept-from-verified"

	// KeyShareRequireApproval requires explicit approval for every
	// inbound share.
	KeyShareRequireApproval KeySharePolicy = "require-approval"
)

// Policy is the trust and session policy configuration.
type Policy struct {
	// PermissiveReplay disables the high-water mark replay check on
	// inbound group messages.  The default is strict: indexes at or
	// below the recorded high-water mark are rejected.
	PermissiveReplay bool

	// RequireVerification refuses to encrypt to rooms containing
	// unverified devices unless overridden per room.
	RequireVerification bool

	// KeySharePolicy selects the inbound key share policy.
	KeySharePolicy KeySharePolicy

	// RotationMessages is the outbound group session message count
	// rotation threshold.
	RotationMessages uint32

	// RotationPeriodHours is the outbound group session age rotation
	// threshold in hours.
	RotationPeriodHours uint32

	// KeyRequestRetries bounds the retransmissions of an unanswered
	// key request.
	KeyRequestRetries int

	// KeyRequestBackoffSeconds is the initial retry interval for key
	// requests; it doubles per attempt.
	KeyRequestBackoffSeconds uint32

	// VerificationTimeoutSeconds is the idle timeout for in-flight
	// verification transactions.
	VerificationTimeoutSeconds uint32

	// PendingEventBufferPerRoom bounds the buffered undecryptable
	// events per room awaiting key recovery.
	PendingEventBufferPerRoom int
}

func (p *Policy) applyDefaults() {
	if p.KeySharePolicy == "" {
		p.KeySharePolicy = KeyShareAutoAcceptFromVerified
	}
	if p.RotationMessages == 0 {
		p.RotationMessages = defaultRotationMessages
	}
	if p.RotationPeriodHours == 0 {
		p.RotationPeriodHours = defaultRotationPeriodHours
	}
	if p.KeyRequestRetries == 0 {
		p.KeyRequestRetries = defaultKeyRequestRetries
	}
	if p.KeyRequestBackoffSeconds == 0 {
		p.KeyRequestBackoffSeconds = defaultKeyRequestBackoffSeconds
	}
	if p.VerificationTimeoutSeconds == 0 {
		p.VerificationTimeoutSeconds = defaultVerificationTimeoutSecs
	}
	if p.PendingEventBufferPerRoom == 0 {
		p.PendingEventBufferPerRoom = defaultPendingEventBufferPerRoom
	}
}

func (p *Policy) validate() error {
	switch p.KeySharePolicy {
	case KeyShareAutoAcceptFromVerified, KeyShareRequireApproval:
	default:
		return fmt.Errorf("config: Policy: KeySharePolicy '%v' is invalid", p.KeySharePolicy)
	}
	return nil
}

// RotationPeriod returns the session age rotation threshold.
func (p *Policy) RotationPeriod() time.Duration {
	return time.Duration(p.RotationPeriodHours) * time.Hour
}

// KeyRequestBackoff returns the initial key request retry interval.
func (p *Policy) KeyRequestBackoff() time.Duration {
	return time.Duration(p.KeyRequestBackoffSeconds) * time.Second
}

// VerificationTimeout returns the verification idle timeout.
func (p *Policy) VerificationTimeout() time.Duration {
	return time.Duration(p.VerificationTimeoutSeconds) * time.Second
}

// Proxy is the local account configuration.
type Proxy struct {
	// UserID is the local user identifier.
	UserID string

	// DeviceID is the local device identifier.
	DeviceID string

	// StateDir is the absolute path to the state directory holding the
	// session database.
	StateDir string
}

func (p *Proxy) validate() error {
	if p.UserID == "" {
		return errors.New("config: Proxy: UserID is not set")
	}
	if p.DeviceID == "" {
		return errors.New("config: Proxy: DeviceID is not set")
	}
	if !filepath.IsAbs(p.StateDir) {
		return fmt.Errorf("config: Proxy: StateDir '%v' is not an absolute path", p.StateDir)
	}
	return nil
}

// Config is the top level proxy configuration.
type Config struct {
	Proxy   *Proxy
	Logging *Logging
	Policy  *Policy
}

// InitLogBackend creates the logging backend described by the config.
func (c *Config) InitLogBackend() (*log.Backend, error) {
	f := c.Logging.File
	if !c.Logging.Disable && f != "" && !filepath.IsAbs(f) {
		return nil, errors.New("config: log file path must be absolute path")
	}
	return log.New(f, c.Logging.Level, c.Logging.Disable)
}

// FixupAndValidate applies defaults and validates the configuration.
func (c *Config) FixupAndValidate() error {
	if c.Proxy == nil {
		return errors.New("config: No Proxy block was present")
	}
	if c.Logging == nil {
		c.Logging = &Logging{Level: defaultLogLevel}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Policy == nil {
		c.Policy = new(Policy)
	}
	c.Policy.applyDefaults()

	if err := c.Proxy.validate(); err != nil {
		return err
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}
	return c.Policy.validate()
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err = cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns
// the Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
