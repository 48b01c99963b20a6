/*
Copyright 2026 Portcullis Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package service assembles and supervises the gateway: the store, the
// routing pool, the policy engine, the session registry, the expiry
// watchdog, the audit sink, both protocol front-ends and the transcode
// workers, with per-proxy-IP listeners reconciled against the routing
// table while the process runs.
package service

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pawelmojski/portcullis"
	"github.com/pawelmojski/portcullis/lib/audit"
	"github.com/pawelmojski/portcullis/lib/config"
	"github.com/pawelmojski/portcullis/lib/defaults"
	"github.com/pawelmojski/portcullis/lib/expiry"
	"github.com/pawelmojski/portcullis/lib/policy"
	"github.com/pawelmojski/portcullis/lib/pool"
	"github.com/pawelmojski/portcullis/lib/rdp"
	"github.com/pawelmojski/portcullis/lib/session"
	"github.com/pawelmojski/portcullis/lib/srv"
	"github.com/pawelmojski/portcullis/lib/sshutils"
	"github.com/pawelmojski/portcullis/lib/store"
	"github.com/pawelmojski/portcullis/lib/transcode"
	"github.com/pawelmojski/portcullis/lib/utils"
)

// Process is one running gateway instance.
type Process struct {
	cfg *config.Config
	log *logrus.Entry

	store    *store.Store
	pool     *pool.Pool
	engine   *policy.Engine
	registry *session.Registry
	watchdog *expiry.Watchdog
	sink     *audit.Sink
	sshProxy *srv.Proxy
	rdpProxy *rdp.Proxy
	tpool    *transcode.Pool

	mu        sync.Mutex
	listeners map[string]*proxyListeners
}

// proxyListeners is the pair of servers bound to one proxy IP.
type proxyListeners struct {
	ssh *sshutils.Server
	rdp *sshutils.Server
}

func (l *proxyListeners) close() {
	if l.ssh != nil {
		l.ssh.Close()
	}
	if l.rdp != nil {
		l.rdp.Close()
	}
}

// New wires every component together and recovers state left behind by
// an unclean shutdown. Nothing is listening yet; Run starts serving.
func New(ctx context.Context, cfg *config.Config) (*Process, error) {
	if err := utils.InitLogger(cfg.LogLevel); err != nil {
		return nil, trace.Wrap(err)
	}
	log := utils.NewLogger(portcullis.ComponentService)

	for _, dir := range []string{cfg.TLSDir(), cfg.SSHRecordingDir(), cfg.RDPRecordingDir()} {
		if err := utils.EnsureDir(dir, 0o700); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	st, err := store.New(ctx, store.Config{URL: cfg.DBURL})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// A previous process may have died with stays open and transcodes
	// running; both must be visible as such, not as live work.
	if n, err := st.CloseOrphanStays(ctx); err != nil {
		st.Close()
		return nil, trace.Wrap(err)
	} else if n > 0 {
		log.Warnf("Closed %v stays orphaned by an unclean shutdown.", n)
	}
	if n, err := st.RequeueRunningTranscodes(ctx); err != nil {
		st.Close()
		return nil, trace.Wrap(err)
	} else if n > 0 {
		log.Warnf("Requeued %v transcode jobs orphaned by an unclean shutdown.", n)
	}

	routingPool, err := pool.New(ctx, pool.Config{Store: st})
	if err != nil {
		st.Close()
		return nil, trace.Wrap(err)
	}
	engine, err := policy.NewEngine(policy.Config{
		AccessPoint: st,
		Router:      routingPool,
	})
	if err != nil {
		st.Close()
		return nil, trace.Wrap(err)
	}
	registry, err := session.NewRegistry(session.Config{Store: st})
	if err != nil {
		st.Close()
		return nil, trace.Wrap(err)
	}
	sink, err := audit.NewSink(audit.Config{
		Store:        st,
		FallbackPath: cfg.AuditFallbackLog,
	})
	if err != nil {
		st.Close()
		return nil, trace.Wrap(err)
	}
	watchdog, err := expiry.New(expiry.Config{
		Registry:  registry,
		Policies:  st,
		Evaluator: engine,
	})
	if err != nil {
		st.Close()
		return nil, trace.Wrap(err)
	}

	hostSigner, err := sshutils.LoadOrGenerateHostKey(cfg.HostKeyPath())
	if err != nil {
		st.Close()
		return nil, trace.Wrap(err)
	}
	sshProxy, err := srv.New(srv.Config{
		Engine:       engine,
		Registry:     registry,
		Audit:        sink,
		Expiry:       watchdog,
		HostSigner:   hostSigner,
		RecordingDir: cfg.SSHRecordingDir(),
	})
	if err != nil {
		st.Close()
		return nil, trace.Wrap(err)
	}

	cert, err := rdp.LoadOrGenerateCert(cfg.TLSDir())
	if err != nil {
		st.Close()
		return nil, trace.Wrap(err)
	}
	rdpProxy, err := rdp.New(rdp.Config{
		Engine:       engine,
		Registry:     registry,
		Audit:        sink,
		Expiry:       watchdog,
		Driver:       rdp.NewRelayDriver(cert),
		RecordingDir: cfg.RDPRecordingDir(),
	})
	if err != nil {
		st.Close()
		return nil, trace.Wrap(err)
	}

	tpool, err := transcode.NewPool(transcode.Config{
		Queue:          transcode.NewQueue(st),
		Workers:        cfg.TranscodeWorkers,
		TranscoderPath: cfg.TranscoderPath,
		ReplayDir:      cfg.RDPRecordingDir(),
		OutputDir:      cfg.RDPRecordingDir(),
	})
	if err != nil {
		st.Close()
		return nil, trace.Wrap(err)
	}

	return &Process{
		cfg:       cfg,
		log:       log,
		store:     st,
		pool:      routingPool,
		engine:    engine,
		registry:  registry,
		watchdog:  watchdog,
		sink:      sink,
		sshProxy:  sshProxy,
		rdpProxy:  rdpProxy,
		tpool:     tpool,
		listeners: make(map[string]*proxyListeners),
	}, nil
}

// Run serves until the context ends, then shuts everything down in
// dependency order.
func (p *Process) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.watchdog.Run(ctx)
		return nil
	})
	g.Go(func() error {
		p.tpool.Run(ctx)
		return nil
	})
	g.Go(func() error {
		p.reconcileLoop(ctx)
		return nil
	})
	err := g.Wait()

	p.mu.Lock()
	for _, l := range p.listeners {
		l.close()
	}
	p.listeners = make(map[string]*proxyListeners)
	p.mu.Unlock()

	p.registry.Close(store.ReasonServerClosed)
	p.sink.Close()
	p.store.Close()
	p.log.Info("Gateway stopped.")
	return trace.Wrap(err)
}

// reconcileLoop keeps one SSH and one RDP listener per allocated proxy
// IP, following routing table changes made by the CLI while the
// gateway runs.
func (p *Process) reconcileLoop(ctx context.Context) {
	p.reconcileListeners(ctx)
	ticker := time.NewTicker(defaults.RoutingCacheTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reconcileListeners(ctx)
		}
	}
}

func (p *Process) reconcileListeners(ctx context.Context) {
	routes := p.pool.Routes()

	p.mu.Lock()
	defer p.mu.Unlock()
	for proxyIP, l := range p.listeners {
		if _, ok := routes[proxyIP]; !ok {
			p.log.Infof("Releasing listeners on %v.", proxyIP)
			l.close()
			delete(p.listeners, proxyIP)
		}
	}
	for proxyIP := range routes {
		if _, ok := p.listeners[proxyIP]; ok {
			continue
		}
		l, err := p.openListeners(ctx, proxyIP)
		if err != nil {
			// The address may not be plumbed on this host yet; the
			// next reconcile retries.
			p.log.WithError(err).Warnf("Failed to listen on %v.", proxyIP)
			continue
		}
		p.log.Infof("Serving SSH and RDP on %v.", proxyIP)
		p.listeners[proxyIP] = l
	}
}

func (p *Process) openListeners(ctx context.Context, proxyIP string) (*proxyListeners, error) {
	sshServer, err := p.openListener(ctx, proxyIP, p.cfg.SSHListenPort, p.sshProxy.HandleConnection)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	rdpServer, err := p.openListener(ctx, proxyIP, p.cfg.RDPListenPort, p.rdpProxy.HandleConnection)
	if err != nil {
		sshServer.Close()
		return nil, trace.Wrap(err)
	}
	return &proxyListeners{ssh: sshServer, rdp: rdpServer}, nil
}

func (p *Process) openListener(ctx context.Context, proxyIP string, port int, handle func(context.Context, net.Conn)) (*sshutils.Server, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(proxyIP, strconv.Itoa(port)))
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	server, err := sshutils.NewServer(sshutils.ServerConfig{
		Listener:       ln,
		MaxConnections: defaults.MaxProxyConnections,
		Handler: sshutils.ConnectionHandlerFunc(func(ctx context.Context, nc net.Conn) {
			handle(ctx, nc)
		}),
	})
	if err != nil {
		ln.Close()
		return nil, trace.Wrap(err)
	}
	go server.Serve()
	return server, nil
}
