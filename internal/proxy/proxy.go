// Package proxy wires the transport acceptors, pool clients, fee
// scheduler, and telemetry fan-in into one running proxy instance.
package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/shaeoj/stratumproxy/internal/certs"
	"github.com/shaeoj/stratumproxy/internal/config"
	"github.com/shaeoj/stratumproxy/internal/feesched"
	"github.com/shaeoj/stratumproxy/internal/job"
	"github.com/shaeoj/stratumproxy/internal/logger"
	"github.com/shaeoj/stratumproxy/internal/metrics"
	"github.com/shaeoj/stratumproxy/internal/poolclient"
	"github.com/shaeoj/stratumproxy/internal/session"
	"github.com/shaeoj/stratumproxy/internal/supervisor"
	"github.com/shaeoj/stratumproxy/internal/telemetry"
	"github.com/shaeoj/stratumproxy/internal/transport"
)

// FatalKind distinguishes orchestrator-fatal error classes so main can
// map them to the documented process exit codes.
type FatalKind int

const (
	FatalNone FatalKind = iota
	FatalConfig
	FatalPortInUse
)

// FatalError carries a FatalKind alongside the underlying cause.
type FatalError struct {
	Kind FatalKind
	Err  error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Orchestrator owns every long-lived component of one proxy instance.
type Orchestrator struct {
	cfg     *config.Settings
	log     *logger.Logger
	metrics *metrics.Registry

	real *poolclient.Client
	fee  *poolclient.Client
	dev  *poolclient.Client

	scheduler  *feesched.Scheduler
	registry   *sessionRegistry
	fanIn      *telemetry.FanIn
	supervisor *supervisor.Client

	listenersMu sync.Mutex
	listeners   []net.Listener
}

// New builds an Orchestrator from validated configuration.
func New(cfg *config.Settings, log *logger.Logger) *Orchestrator {
	real := poolclient.New("real", cfg.PoolAddress, cfg.Name, "x", log)

	var fee, dev *poolclient.Client
	if cfg.Share != 0 {
		fee = poolclient.New("fee", cfg.ShareAddress, cfg.ShareName, "x", log)
	}
	if cfg.DevelopFeeRate > 0 {
		dev = poolclient.New("dev", cfg.DevelopShareAddress, cfg.DevelopShareName, "x", log)
	}

	var feePool, devPool *job.Pool
	var feeConn, devConn feesched.Connectivity
	if fee != nil {
		feePool, feeConn = fee.Jobs(), fee
	}
	if dev != nil {
		devPool, devConn = dev.Jobs(), dev
	}
	reg := metrics.New()

	scheduler := feesched.New(feePool, devPool, feeConn, devConn)
	scheduler.SetFeeRate(cfg.FeeRate)
	scheduler.SetDevelopRate(cfg.DevelopFeeRate)
	scheduler.Metrics = reg

	o := &Orchestrator{
		cfg:        cfg,
		log:        log,
		metrics:    reg,
		real:       real,
		fee:        fee,
		dev:        dev,
		scheduler:  scheduler,
		registry:   newSessionRegistry(reg),
		fanIn:      telemetry.NewFanIn(),
		supervisor: supervisor.New(cfg.Name, log),
	}

	real.OnJob = func(j job.Job) {
		scheduler.ObserveRealJobID(j.JobID)
		o.registry.Broadcast(j)
	}

	return o
}

// Run starts every component and blocks until ctx is cancelled or a
// fatal error occurs (bind/cert failure), in which case it cancels the
// rest of the proxy via a derived context and returns the fatal error.
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := o.real.Login(); err != nil {
		o.log.Warnf("proxy", "initial real-pool login failed, will retry: %v", err)
	}
	if o.fee != nil {
		if err := o.fee.Login(); err != nil {
			o.log.Warnf("proxy", "initial fee-pool login failed, will retry: %v", err)
		}
	}
	if o.dev != nil {
		if err := o.dev.Login(); err != nil {
			o.log.Warnf("proxy", "initial develop-fee-pool login failed, will retry: %v", err)
		}
	}
	defer o.real.Stop()
	defer func() {
		if o.fee != nil {
			o.fee.Stop()
		}
		if o.dev != nil {
			o.dev.Stop()
		}
	}()

	fatalCh := make(chan *FatalError, 4)

	o.startAcceptor(runCtx, fatalCh, "plain", o.cfg.TCPPort, transport.ListenPlain)
	if o.cfg.TLSPort != 0 {
		o.startTLSAcceptor(runCtx, fatalCh)
	}
	if o.cfg.EncryptPort != 0 {
		o.startEncryptedAcceptor(runCtx, fatalCh)
	}

	go o.supervisor.Run(runCtx, o.fanIn)
	go func() {
		if err := o.metrics.Serve(runCtx, o.cfg.MetricsListen); err != nil {
			o.log.Warnf("proxy", "metrics server stopped: %v", err)
		}
	}()

	select {
	case <-ctx.Done():
		o.closeListeners()
		return nil
	case ferr := <-fatalCh:
		cancel()
		o.closeListeners()
		return ferr
	}
}

func (o *Orchestrator) startAcceptor(ctx context.Context, fatalCh chan<- *FatalError, kind string, port int, listen func(string) (net.Listener, error)) {
	addr := fmt.Sprintf(":%d", port)
	ln, err := listen(addr)
	if err != nil {
		fatalCh <- &FatalError{Kind: FatalPortInUse, Err: fmt.Errorf("%s acceptor bind %s: %w", kind, addr, err)}
		return
	}
	o.trackListener(ln)
	go o.acceptLoop(ctx, ln, kind)
}

func (o *Orchestrator) startTLSAcceptor(ctx context.Context, fatalCh chan<- *FatalError) {
	tlsCfg, err := certs.LoadTLSConfig(o.cfg.PemPath, o.cfg.KeyPath)
	if err != nil {
		fatalCh <- &FatalError{Kind: FatalConfig, Err: err}
		return
	}
	o.startAcceptor(ctx, fatalCh, "tls", o.cfg.TLSPort, func(addr string) (net.Listener, error) {
		return transport.ListenTLS(addr, tlsCfg)
	})
}

func (o *Orchestrator) startEncryptedAcceptor(ctx context.Context, fatalCh chan<- *FatalError) {
	secret := []byte(o.cfg.EncryptKey)
	o.startAcceptor(ctx, fatalCh, "encrypted", o.cfg.EncryptPort, func(addr string) (net.Listener, error) {
		return transport.ListenEncrypted(addr, secret)
	})
}

func (o *Orchestrator) trackListener(ln net.Listener) {
	o.listenersMu.Lock()
	o.listeners = append(o.listeners, ln)
	o.listenersMu.Unlock()
}

func (o *Orchestrator) closeListeners() {
	o.listenersMu.Lock()
	defer o.listenersMu.Unlock()
	for _, ln := range o.listeners {
		ln.Close()
	}
}

func (o *Orchestrator) acceptLoop(ctx context.Context, ln net.Listener, kind string) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				o.log.Warnf("proxy", "%s acceptor: %v", kind, err)
				return
			}
		}
		framed := transport.NewFramed(conn)
		sess := session.New(framed, session.Deps{
			TransportKind: kind,
			Real:          o.real,
			Fee:           submitterOrNil(o.fee),
			Dev:           submitterOrNil(o.dev),
			Scheduler:     o.scheduler,
			Registry:      o.registry,
			FanIn:         o.fanIn,
			Metrics:       o.metrics,
			Log:           o.log,
		})
		go sess.Run()
	}
}

func submitterOrNil(c *poolclient.Client) session.Submitter {
	if c == nil {
		return nil
	}
	return c
}
