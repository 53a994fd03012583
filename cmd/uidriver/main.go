// Package main provides the uidriver smoke CLI. It starts a managed
// automation server (or attaches to an already running one), prints its
// status, and keeps the session alive until interrupted — useful for
// verifying an installation without writing any code against the library.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	appconfig "github.com/entrhq/uidriver/pkg/config"
	"github.com/entrhq/uidriver/pkg/driver"
)

const version = "0.1.0"

// Config holds the command-line configuration.
type Config struct {
	Connect     string
	ConfigPath  string
	Credential  string
	InstallDir  string
	TimeoutMS   int
	ShowVersion bool
}

func parseFlags() Config {
	var cfg Config
	flag.StringVar(&cfg.Connect, "connect", "", "Attach to a running server at this base URL instead of starting one")
	flag.StringVar(&cfg.ConfigPath, "config", "", "Path to config.yaml (default: <root>/config.yaml)")
	flag.StringVar(&cfg.Credential, "credential", "", "Credential passed to the spawned server")
	flag.StringVar(&cfg.InstallDir, "install-dir", "", "Override the server installation directory")
	flag.IntVar(&cfg.TimeoutMS, "timeout", 0, "Startup timeout in milliseconds")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Print the version and exit")
	flag.Parse()
	return cfg
}

func main() {
	flags := parseFlags()

	if flags.ShowVersion {
		fmt.Printf("uidriver v%s\n", version)
		return
	}

	if err := run(flags); err != nil {
		log.Fatalf("uidriver: %v", err)
	}
}

func run(flags Config) error {
	session, err := newSession(flags)
	if err != nil {
		return err
	}
	defer session.Stop()

	status, err := session.Status()
	if err != nil {
		return fmt.Errorf("query server status: %w", err)
	}
	fmt.Printf("server %s at %s, up %s\n",
		status.Version, session.BaseURL(),
		(time.Duration(status.UptimeMS) * time.Millisecond).Round(time.Second))

	// Hold the session open until the user interrupts; the deferred Stop
	// terminates the spawned server on the way out.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	fmt.Println("press Ctrl+C to stop")
	<-sigCh
	fmt.Println("shutting down")
	return nil
}

func newSession(flags Config) (*driver.Session, error) {
	if flags.Connect != "" {
		session := driver.Connect(flags.Connect)
		if err := session.Ping(); err != nil {
			return nil, fmt.Errorf("no server answering at %s: %w", flags.Connect, err)
		}
		return session, nil
	}

	cfg, err := appconfig.Load(flags.ConfigPath)
	if err != nil {
		return nil, err
	}
	if flags.Credential != "" {
		cfg.Credential = flags.Credential
	}
	if flags.InstallDir != "" {
		cfg.InstallDir = flags.InstallDir
	}
	if flags.TimeoutMS > 0 {
		cfg.StartupTimeoutMS = flags.TimeoutMS
	}

	session, err := driver.New(driver.FromConfig(cfg))
	if err != nil {
		return nil, err
	}
	if err := session.Start(context.Background()); err != nil {
		session.Stop()
		return nil, err
	}
	return session, nil
}
