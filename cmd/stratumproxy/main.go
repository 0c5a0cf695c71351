// Command stratumproxy runs one fee-injecting Stratum proxy instance
// against the pools named in its configuration file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/shaeoj/stratumproxy/internal/certs"
	"github.com/shaeoj/stratumproxy/internal/config"
	"github.com/shaeoj/stratumproxy/internal/logger"
	"github.com/shaeoj/stratumproxy/internal/proxy"
)

// exit codes: 0 clean shutdown, 1 configuration/certificate fault,
// 2 listener bind fault.
const (
	exitOK         = 0
	exitConfig     = 1
	exitListenFail = 2
)

type options struct {
	ConfigPath string `short:"c" long:"config" description:"path to the YAML configuration file" default:"stratumproxy.yaml"`
}

func main() {
	os.Exit(run())
}

func run() int {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		return exitConfig
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stratumproxy: %v\n", err)
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "stratumproxy: invalid configuration: %v\n", err)
		return exitConfig
	}

	log, err := logger.New(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stratumproxy: open log: %v\n", err)
		return exitConfig
	}
	defer log.Close()

	if cfg.TLSPort != 0 {
		if _, err := certs.LoadTLSConfig(cfg.PemPath, cfg.KeyPath); err != nil {
			log.Errorf("main", "tls material: %v", err)
			return exitConfig
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Infof("main", "starting %s: tcp=%d tls=%d encrypt=%d share=%d fee_rate=%.4f develop_fee_rate=%.4f",
		cfg.Name, cfg.TCPPort, cfg.TLSPort, cfg.EncryptPort, cfg.Share, cfg.FeeRate, cfg.DevelopFeeRate)

	o := proxy.New(cfg, log)
	if err := o.Run(ctx); err != nil {
		log.Errorf("main", "fatal: %v", err)
		if ferr, ok := err.(*proxy.FatalError); ok && ferr.Kind == proxy.FatalPortInUse {
			return exitListenFail
		}
		return exitConfig
	}

	log.Infof("main", "shut down cleanly")
	return exitOK
}
