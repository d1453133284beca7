// main.go - Pantalaimon session daemon binary.
// SPDX-FileCopyrightText: 2026 The Pantalaimon Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/aspacca/pantalaimon/config"
	"github.com/aspacca/pantalaimon/core/utils"
	"github.com/aspacca/pantalaimon/engine"
	"github.com/aspacca/pantalaimon/store"
)

const stateDBFile = "state.db"

// Config holds the command line configuration
type Config struct {
	ConfigFile string
	GenOnly    bool
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "pantalaimon",
		Short: "Pantalaimon end-to-end encryption session daemon",
		Long: `Pantalaimon is the session daemon of an end-to-end encryption aware
intercepting proxy for federated real-time messaging.

It owns the long-lived cryptographic state on behalf of otherwise
encryption-unaware clients:

• Pairwise double ratchet sessions with remote devices
• Group sender key sessions per room, rotated on membership changes
• A device trust registry with interactive short-auth-string verification
• Recovery of missing session keys and versioned encrypted key backups

The daemon is designed to run as a long-lived process next to the proxy
front end and requires a configuration naming the local account and an
absolute state directory.`,
		Example: `  # Start the daemon with a custom configuration file
  pantalaimon --config /etc/pantalaimon/pantalaimon.toml

  # Generate the device identity keys only and exit (useful for setup)
  pantalaimon -f /etc/pantalaimon/pantalaimon.toml --generate-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "pantalaimon.toml",
		"path to the daemon configuration file (TOML format)")
	cmd.Flags().BoolVarP(&cfg.GenOnly, "generate-only", "g", false,
		"generate the device identity keys and exit without starting the daemon")

	return cmd
}

func main() {
	rootCmd := newRootCommand()

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

// logSender is the outbound to-device integration point.  The proxy
// front end replaces it with a transport bound to the homeserver; on its
// own the daemon records what it would have sent.
type logSender struct {
	log interface {
		Noticef(format string, args ...interface{})
	}
}

func (s *logSender) SendToDevice(ev *engine.ToDeviceEvent) error {
	s.log.Noticef("outbound %s to-device event for %s/%s queued",
		ev.Type, ev.TargetUser, ev.TargetDevice)
	return nil
}

func runDaemon(cfg Config) error {
	// Set the umask to something "paranoid".
	syscall.Umask(0077)

	proxyCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}
	logBackend, err := proxyCfg.InitLogBackend()
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %v", err)
	}
	log := logBackend.GetLogger("main")

	if !utils.Exists(proxyCfg.Proxy.StateDir) {
		return fmt.Errorf("state directory '%v' does not exist", proxyCfg.Proxy.StateDir)
	}
	st, err := store.Open(filepath.Join(proxyCfg.Proxy.StateDir, stateDBFile), logBackend, rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to open session store: %v", err)
	}
	defer st.Close()

	eng, err := engine.New(proxyCfg, logBackend, st, &logSender{log: log}, rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to spawn session engine: %v", err)
	}
	defer eng.Halt()
	if cfg.GenOnly {
		log.Noticef("device identity generated for %s/%s, exiting",
			proxyCfg.Proxy.UserID, proxyCfg.Proxy.DeviceID)
		return nil
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	// Rotate logs upon SIGHUP.
	go func() {
		for range rotateCh {
			if err := logBackend.Rotate(); err != nil {
				log.Errorf("log rotation failed: %v", err)
			}
		}
	}()

	// Surface engine events until termination.
	log.Noticef("session engine up for %s/%s", proxyCfg.Proxy.UserID, proxyCfg.Proxy.DeviceID)
	for {
		select {
		case ev := <-eng.EventSink():
			log.Noticef("%s", ev)
		case <-haltCh:
			log.Noticef("terminating gracefully")
			return nil
		}
	}
}
