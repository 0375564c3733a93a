package main

import (
	"fmt"
	"log/slog"

	"github.com/gregLibert/secure-element/pkg/aid"
	"github.com/gregLibert/secure-element/pkg/applets"
	"github.com/gregLibert/secure-element/pkg/card"
	"github.com/gregLibert/secure-element/pkg/config"
	"github.com/gregLibert/secure-element/pkg/emv"
	"github.com/gregLibert/secure-element/pkg/gp"
)

// demoApplications is the card image used when the profile lists no application.
func demoApplications() []config.ApplicationConfig {
	return []config.ApplicationConfig{
		{Module: "payment", AID: "A0000000031010", Label: "VISA"},
		{Module: "payment", AID: "A0000000041010", Label: "MASTERCARD"},
		{Module: "echo", AID: "A000000062000101"},
		{Module: "pse", AID: fmt.Sprintf("%X", emv.PSEName)},
	}
}

// buildCard creates a runtime with the card manager and the profile's applications.
func buildCard(cfg *config.Config, logger *slog.Logger) (*card.Runtime, gp.SecureChannel, error) {
	protocol, err := cfg.Card.ParsedProtocol()
	if err != nil {
		return nil, nil, err
	}
	rt := card.New(card.WithLogger(logger), card.WithProtocol(protocol))

	channel, err := newChannel(cfg.SecureChannel, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := gp.InstallCardManager(rt, channel, applets.Catalog(), logger); err != nil {
		return nil, nil, fmt.Errorf("install card manager: %w", err)
	}

	apps := cfg.Applications
	if len(apps) == 0 {
		apps = demoApplications()
	}
	for _, app := range apps {
		id, params, err := installParams(app, apps)
		if err != nil {
			return nil, nil, fmt.Errorf("application %s: %w", app.AID, err)
		}
		if err := applets.Install(rt, app.Module, id, params); err != nil {
			return nil, nil, fmt.Errorf("application %s: %w", app.AID, err)
		}
	}
	return rt, channel, nil
}

func newChannel(sc config.SecureChannelConfig, logger *slog.Logger) (gp.SecureChannel, error) {
	cfg, err := sc.GP()
	if err != nil {
		return nil, err
	}
	cfg.Logger = logger

	id, err := sc.ProtocolID()
	if err != nil {
		return nil, err
	}
	if id == 0x01 {
		return gp.NewSCP01(cfg)
	}
	return gp.NewSCP02(cfg)
}

// installParams returns explicit params when given. Otherwise a payment application gets
// its label and a PSE gets a directory of every payment application of the profile.
func installParams(app config.ApplicationConfig, all []config.ApplicationConfig) (aid.AID, []byte, error) {
	id, params, err := app.Parsed()
	if err != nil || len(params) > 0 {
		return id, params, err
	}

	m, ok := applets.Lookup(app.Module)
	if !ok {
		return id, nil, fmt.Errorf("unknown module %q", app.Module)
	}
	switch {
	case m.AID.Equal(applets.PaymentModule):
		return id, []byte(app.Label), nil
	case m.AID.Equal(applets.PSEModule):
		var entries []emv.ApplicationTemplate
		for _, other := range all {
			if o, ok := applets.Lookup(other.Module); !ok || !o.AID.Equal(applets.PaymentModule) {
				continue
			}
			otherID, _, err := other.Parsed()
			if err != nil {
				return id, nil, err
			}
			entries = append(entries, emv.ApplicationTemplate{
				AID:                          otherID.Bytes(),
				ApplicationLabel:             []byte(other.Label),
				ApplicationPriorityIndicator: []byte{byte(len(entries) + 1)},
			})
		}
		params, err := applets.PSEParams(entries...)
		return id, params, err
	}
	return id, nil, nil
}
