// Package config loads the card profile of the emulator: transport protocol, secure
// channel keys, session limits, logging and the applications installed at startup.
//
// Files may be TOML, YAML or JSON, chosen by extension. Environment variables prefixed
// with SECARD_ override file values.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gregLibert/secure-element/pkg/aid"
	"github.com/gregLibert/secure-element/pkg/card"
	"github.com/gregLibert/secure-element/pkg/gp"
	"github.com/gregLibert/secure-element/pkg/logging"
)

// Config is the complete card profile.
type Config struct {
	Card          CardConfig          `toml:"card" json:"card" yaml:"card"`
	SecureChannel SecureChannelConfig `toml:"secure_channel" json:"secure_channel" yaml:"secure_channel"`
	Session       SessionConfig       `toml:"session" json:"session" yaml:"session"`
	Logging       LoggingConfig       `toml:"logging" json:"logging" yaml:"logging"`

	// Applications are installed in order when the card is built.
	Applications []ApplicationConfig `toml:"applications" json:"applications" yaml:"applications"`
}

// CardConfig describes the emulated transport.
type CardConfig struct {
	// Protocol is T=0, T=1 or T=CL.
	Protocol string `toml:"protocol" json:"protocol" yaml:"protocol"`
}

// SecureChannelConfig configures the card manager's secure channel.
type SecureChannelConfig struct {
	// SCP is "01" or "02".
	SCP string `toml:"scp" json:"scp" yaml:"scp"`

	KeyVersion int `toml:"key_version" json:"key_version" yaml:"key_version"`

	// Static keys, 16 bytes hex.
	ENC string `toml:"enc" json:"enc" yaml:"enc"`
	MAC string `toml:"mac" json:"mac" yaml:"mac"`
	DEK string `toml:"dek" json:"dek" yaml:"dek"`

	DiversificationData string `toml:"diversification_data" json:"diversification_data" yaml:"diversification_data"`
	SequenceCounter     int    `toml:"sequence_counter" json:"sequence_counter" yaml:"sequence_counter"`
}

// SessionConfig bounds terminal sessions.
type SessionConfig struct {
	// IdleTimeoutSec closes a session after that many seconds without a successful
	// command. Zero disables the watchdog.
	IdleTimeoutSec int `toml:"idle_timeout_sec" json:"idle_timeout_sec" yaml:"idle_timeout_sec"`
}

// LoggingConfig selects the log level, format and destination.
type LoggingConfig struct {
	Level  string `toml:"level" json:"level" yaml:"level"`
	Format string `toml:"format" json:"format" yaml:"format"`
	Output string `toml:"output" json:"output" yaml:"output"`
}

// ApplicationConfig is an application instance to install.
type ApplicationConfig struct {
	// Module is a module name (echo, pse, payment) or module AID.
	Module string `toml:"module" json:"module" yaml:"module"`
	AID    string `toml:"aid" json:"aid" yaml:"aid"`

	// Params are the install parameters, hex encoded.
	Params string `toml:"params" json:"params" yaml:"params"`

	// Label is the application label listed in the PSE directory.
	Label string `toml:"label" json:"label" yaml:"label"`
}

// DefaultConfig returns a T=1 card with an SCP02 card manager using the
// GlobalPlatform test keys, and no applications.
func DefaultConfig() *Config {
	key := strings.ToUpper(hex.EncodeToString(gp.TestKey))
	return &Config{
		Card: CardConfig{Protocol: "T=1"},
		SecureChannel: SecureChannelConfig{
			SCP:        "02",
			KeyVersion: 0xFF,
			ENC:        key,
			MAC:        key,
			DEK:        key,
		},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stderr"},
	}
}

// ApplyEnvOverrides applies SECARD_* environment variables.
// SECARD_KEY sets all three static keys at once.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("SECARD_PROTOCOL"); v != "" {
		c.Card.Protocol = v
	}
	if v := os.Getenv("SECARD_SCP"); v != "" {
		c.SecureChannel.SCP = v
	}
	if v := os.Getenv("SECARD_KEY"); v != "" {
		c.SecureChannel.ENC, c.SecureChannel.MAC, c.SecureChannel.DEK = v, v, v
	}
	if v := os.Getenv("SECARD_KEY_VERSION"); v != "" {
		if n, err := strconv.ParseUint(v, 0, 8); err == nil {
			c.SecureChannel.KeyVersion = int(n)
		}
	}
	if v := os.Getenv("SECARD_IDLE_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.IdleTimeoutSec = n
		}
	}
	if v := os.Getenv("SECARD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SECARD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("SECARD_LOG_OUTPUT"); v != "" {
		c.Logging.Output = v
	}
}

// ParsedProtocol returns the transport protocol.
func (c CardConfig) ParsedProtocol() (card.Protocol, error) {
	return card.ParseProtocol(c.Protocol)
}

// ProtocolID returns the SCP identifier byte.
func (c SecureChannelConfig) ProtocolID() (byte, error) {
	switch strings.TrimPrefix(strings.ToUpper(c.SCP), "SCP") {
	case "01", "1":
		return 0x01, nil
	case "02", "2":
		return 0x02, nil
	default:
		return 0, fmt.Errorf("unsupported secure channel protocol %q", c.SCP)
	}
}

// Keys decodes the static key set.
func (c SecureChannelConfig) Keys() (gp.Keys, error) {
	keys := gp.Keys{Version: byte(c.KeyVersion)}
	for _, k := range []struct {
		name string
		hex  string
		dst  *[]byte
	}{{"enc", c.ENC, &keys.ENC}, {"mac", c.MAC, &keys.MAC}, {"dek", c.DEK, &keys.DEK}} {
		b, err := decodeHex(k.hex)
		if err != nil {
			return gp.Keys{}, fmt.Errorf("%s: %w", k.name, err)
		}
		*k.dst = b
	}
	return keys, keys.Validate()
}

// GP returns the secure channel configuration, without logger or primitives.
func (c SecureChannelConfig) GP() (gp.Config, error) {
	keys, err := c.Keys()
	if err != nil {
		return gp.Config{}, err
	}
	div, err := decodeHex(c.DiversificationData)
	if err != nil {
		return gp.Config{}, fmt.Errorf("diversification_data: %w", err)
	}
	return gp.Config{
		Keys:                keys,
		DiversificationData: div,
		SequenceCounter:     uint16(c.SequenceCounter),
	}, nil
}

// IdleTimeout returns the watchdog duration, zero when disabled.
func (c SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

// Parsed converts the logging section for the logging package.
func (c LoggingConfig) Parsed() (logging.Config, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return logging.Config{}, err
	}
	format, err := logging.ParseFormat(c.Format)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{Level: level, Format: format, Output: c.Output}, nil
}

// Parsed decodes the application AID and install parameters.
func (a ApplicationConfig) Parsed() (aid.AID, []byte, error) {
	id, err := aid.Parse(a.AID)
	if err != nil {
		return aid.AID{}, nil, err
	}
	params, err := decodeHex(a.Params)
	if err != nil {
		return aid.AID{}, nil, fmt.Errorf("params: %w", err)
	}
	return id, params, nil
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.ReplaceAll(s, " ", ""))
}
