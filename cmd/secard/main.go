// Command secard runs the EMV application discovery flow against the emulated secure
// element, or against a real card through PC/SC, and lists the applications registered
// with the card manager over an authenticated secure channel.
//
//	secard [-config card.toml] [-list] [-level cmac|cdec]
//	secard -pcsc [-reader 0] [-list]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ebfe/scard"

	"github.com/gregLibert/secure-element/pkg/config"
	"github.com/gregLibert/secure-element/pkg/emv"
	"github.com/gregLibert/secure-element/pkg/gp"
	"github.com/gregLibert/secure-element/pkg/iso7816"
	"github.com/gregLibert/secure-element/pkg/logging"
	"github.com/gregLibert/secure-element/pkg/session"
)

func main() {
	var (
		configPath = flag.String("config", "", "card profile (.toml, .yaml, .json)")
		usePCSC    = flag.Bool("pcsc", false, "talk to a PC/SC reader instead of the emulator")
		reader     = flag.Int("reader", 0, "PC/SC reader index")
		list       = flag.Bool("list", false, "list applications through the card manager")
		level      = flag.String("level", "cmac", "secure channel level for -list: none, cmac or cdec")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	lc, err := cfg.Logging.Parsed()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	lc.Component = "secard"
	logger, closer, err := logging.New(lc)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer closer.Close()

	if err := run(os.Stdout, cfg, logger, options{pcsc: *usePCSC, reader: *reader, list: *list, level: *level}); err != nil {
		logger.Error("secard failed", "err", err)
		closer.Close()
		os.Exit(1)
	}
}

type options struct {
	pcsc   bool
	reader int
	list   bool
	level  string
}

func run(w io.Writer, cfg *config.Config, logger *slog.Logger, opts options) error {
	level, err := parseLevel(opts.level)
	if err != nil {
		return err
	}

	var transmitter iso7816.Transmitter
	if opts.pcsc {
		ctx, c, err := connectToCard(w, opts.reader)
		if err != nil {
			return err
		}
		defer func() {
			if err := c.Disconnect(scard.LeaveCard); err != nil {
				logger.Warn("disconnect card", "err", err)
			}
			if err := ctx.Release(); err != nil {
				logger.Warn("release context", "err", err)
			}
		}()
		transmitter = c
	} else {
		rt, _, err := buildCard(cfg, logger)
		if err != nil {
			return err
		}
		var sessionOpts []session.Option
		if d := cfg.Session.IdleTimeout(); d > 0 {
			sessionOpts = append(sessionOpts, session.WithIdleTimeout(d))
		}
		s, err := session.NewCard(rt, logger).Open(context.Background(), sessionOpts...)
		if err != nil {
			return err
		}
		defer s.Close()
		transmitter = s
	}

	client := iso7816.NewClient(transmitter)
	cla, _ := iso7816.NewClass(0x00)
	if err := discover(w, client, cla); err != nil {
		return err
	}

	if opts.list {
		keys, err := cfg.SecureChannel.Keys()
		if err != nil {
			return err
		}
		return listApplications(w, gp.NewHost(client, keys, nil), level)
	}
	return nil
}

func parseLevel(s string) (gp.Level, error) {
	switch strings.ToLower(s) {
	case "none":
		return gp.LevelNone, nil
	case "cmac":
		return gp.LevelCMAC, nil
	case "cdec":
		return gp.LevelCMAC | gp.LevelCDecryption, nil
	default:
		return 0, fmt.Errorf("unknown security level %q", s)
	}
}

// connectToCard handles the PC/SC context establishment and reader connection.
func connectToCard(w io.Writer, index int) (*scard.Context, *scard.Card, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, nil, fmt.Errorf("establish context: %w", err)
	}

	readers, err := ctx.ListReaders()
	if err == nil && (index < 0 || index >= len(readers)) {
		err = errors.New("no smart card reader found")
	}
	if err != nil {
		_ = ctx.Release()
		return nil, nil, err
	}
	fmt.Fprintf(w, ">> Using reader: %s\n", readers[index])

	// T=0 or T=1 only: some readers reject the contactless-style "any" mask.
	c, err := ctx.Connect(readers[index], scard.ShareShared, scard.ProtocolT0|scard.ProtocolT1)
	if err != nil {
		_ = ctx.Release()
		return nil, nil, fmt.Errorf("connect to card: %w", err)
	}
	return ctx, c, nil
}

func banner(w io.Writer, title string) {
	fmt.Fprintln(w, "\n=============================================")
	fmt.Fprintln(w, " "+title)
	fmt.Fprintln(w, "=============================================")
}

// discover runs the PSE flow and prints every candidate application.
func discover(w io.Writer, client *iso7816.Client, cla iso7816.Class) error {
	banner(w, "EMV DISCOVERY ("+emv.PSEName+")")

	candidates, err := emv.Discover(client, cla)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	if len(candidates) == 0 {
		fmt.Fprintln(w, ">> No Applications found in the directory.")
		return nil
	}

	for i, c := range candidates {
		fmt.Fprintf(w, " [App %d/%d] %X %q\n", i+1, len(candidates), c.Entry.AID, c.Entry.ApplicationLabel)
		if c.FCI == nil {
			fmt.Fprintf(w, "    Selection Failed: %s\n", c.Status.Verbose())
			continue
		}
		fmt.Fprintf(w, "    DF Name: %X\n", c.FCI.DFName)
		if label := c.FCI.ProprietaryTemplate.ApplicationLabel; len(label) > 0 {
			fmt.Fprintf(w, "    Label:   %s\n", label)
		}
	}
	return nil
}

// listApplications opens a secure channel with the card manager and prints GET STATUS.
func listApplications(w io.Writer, host *gp.Host, level gp.Level) error {
	banner(w, "CARD MANAGER APPLICATIONS")

	if err := host.SelectCardManager(); err != nil {
		return fmt.Errorf("select card manager: %w", err)
	}
	if err := host.Open(level); err != nil {
		return fmt.Errorf("open secure channel: %w", err)
	}
	fmt.Fprintf(w, ">> SCP%02X channel open, level %s\n", host.Protocol(), host.Level())

	apps, err := host.Applications()
	if err != nil {
		return err
	}
	for _, app := range apps {
		fmt.Fprintf(w, " %-34X life cycle %02X privileges %X\n", app.AID, app.LifeCycle, app.Privileges)
	}
	return nil
}
