package config

import (
	"fmt"
	"strings"

	"github.com/gregLibert/secure-element/pkg/aid"
	"github.com/gregLibert/secure-element/pkg/applets"
)

// ValidationError is a problem with one field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects every problem found.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the whole profile.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field string, err error) {
		if err != nil {
			errs = append(errs, ValidationError{Field: field, Message: err.Error()})
		}
	}

	_, err := c.Card.ParsedProtocol()
	add("card.protocol", err)

	_, err = c.SecureChannel.ProtocolID()
	add("secure_channel.scp", err)
	_, err = c.SecureChannel.GP()
	add("secure_channel", err)
	if v := c.SecureChannel.KeyVersion; v < 0 || v > 0xFF {
		add("secure_channel.key_version", fmt.Errorf("%d out of range", v))
	}
	if n := c.SecureChannel.SequenceCounter; n < 0 || n > 0xFFFF {
		add("secure_channel.sequence_counter", fmt.Errorf("%d out of range", n))
	}
	if div := strings.ReplaceAll(c.SecureChannel.DiversificationData, " ", ""); len(div) > 20 {
		add("secure_channel.diversification_data", fmt.Errorf("longer than 10 bytes"))
	}

	if c.Session.IdleTimeoutSec < 0 {
		add("session.idle_timeout_sec", fmt.Errorf("negative"))
	}

	_, err = c.Logging.Parsed()
	add("logging", err)

	seen := map[aid.AID]bool{}
	for i, app := range c.Applications {
		field := fmt.Sprintf("applications[%d]", i)
		if _, ok := applets.Lookup(app.Module); !ok {
			add(field+".module", fmt.Errorf("unknown module %q", app.Module))
		}
		id, _, err := app.Parsed()
		if err != nil {
			add(field, err)
			continue
		}
		if seen[id] {
			add(field+".aid", fmt.Errorf("duplicate %s", id))
		}
		seen[id] = true
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
