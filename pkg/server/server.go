// Package server assembles a running node from its configuration: one
// virtual fabric per local port, the links between them (through a simulated
// switch or point-to-point), the port database, and the API and metrics
// servers.
//
// Each local port owns its fabric. Point-to-point logins give both ends fixed
// addresses, so two point-to-point pairs sharing one fabric would collide on
// their session keys.
package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/marmos91/dittofc/internal/logger"
	"github.com/marmos91/dittofc/pkg/api"
	"github.com/marmos91/dittofc/pkg/api/handlers"
	"github.com/marmos91/dittofc/pkg/config"
	"github.com/marmos91/dittofc/pkg/fc/exch"
	"github.com/marmos91/dittofc/pkg/fc/fabric"
	"github.com/marmos91/dittofc/pkg/fc/frame"
	"github.com/marmos91/dittofc/pkg/fc/portdb"
	"github.com/marmos91/dittofc/pkg/fc/switchsim"
	"github.com/marmos91/dittofc/pkg/fc/timer"
	"github.com/marmos91/dittofc/pkg/fc/transport"
	"github.com/marmos91/dittofc/pkg/metrics"
)

// AuxiliaryServer is an HTTP server run alongside the fabrics.
type AuxiliaryServer interface {
	Run(ctx context.Context) error
	Stop(ctx context.Context) error
	Addr() string
}

// ErrAlreadyStarted is returned by Start and Serve on a second call.
var ErrAlreadyStarted = errors.New("server: already started")

// host is one configured local port with the fabric it lives in.
type host struct {
	cfg  config.PortConfig
	vf   *fabric.Fabric
	lp   *fabric.LocalPort
	link *transport.Port
	rec  *portdb.Recorder
}

// Node is a running set of local ports.
type Node struct {
	cfg      *config.Config
	clk      timer.Clock
	registry *prometheus.Registry

	q     *transport.Queue
	sw    *switchsim.Switch
	hosts []*host
	store portdb.Store

	apiServer     AuxiliaryServer
	metricsServer AuxiliaryServer

	mu      sync.Mutex
	started bool
	closed  bool

	// ctx bounds discovery; queueCtx outlives it so logouts can complete.
	ctx         context.Context
	cancel      context.CancelFunc
	queueCancel context.CancelFunc
	queueDone   chan struct{}
	wg          sync.WaitGroup

	closeOnce sync.Once
}

var _ handlers.Node = (*Node)(nil)

// New builds the node described by cfg. Nothing runs until Start.
func New(cfg *config.Config) (*Node, error) {
	n := &Node{
		cfg:       cfg,
		clk:       timer.Real(),
		q:         transport.NewQueue(0),
		queueDone: make(chan struct{}),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	var (
		fcm  *metrics.FC
		dbm  *metrics.PortDBMetrics
		fail = func(err error) (*Node, error) {
			n.cancel()
			n.teardown()
			return nil, err
		}
	)
	if cfg.Metrics.Enabled {
		n.registry = prometheus.NewRegistry()
		fcm = metrics.NewFC(n.registry)
		dbm = metrics.NewPortDBMetrics(n.registry)
		n.metricsServer = metrics.NewServer(cfg.Metrics.Port, n.registry)
	}

	store, err := cfg.CreatePortDB()
	if err != nil {
		return fail(fmt.Errorf("failed to open port database: %w", err))
	}
	n.store = store

	for i := range cfg.Ports {
		pc := cfg.Ports[i]
		vf, err := cfg.CreateFabric(pc.Name, n.clk, fcm)
		if err != nil {
			return fail(fmt.Errorf("port %s: %w", pc.Name, err))
		}
		h := &host{cfg: pc, vf: vf}
		n.hosts = append(n.hosts, h)

		if h.lp, err = vf.AddLocalPort(pc.LocalPortConfig()); err != nil {
			return fail(fmt.Errorf("port %s: %w", pc.Name, err))
		}
		h.rec = portdb.NewRecorder(vf, store)
		h.rec.SetMetrics(dbm)
	}

	if err := n.link(); err != nil {
		return fail(err)
	}

	for _, h := range n.hosts {
		if h.cfg.HasRole("initiator") {
			n.watch(h)
		}
	}

	if cfg.API.IsEnabled() {
		n.apiServer = api.NewServer(cfg.API, n)
	}

	logger.Info("Node created", "mode", cfg.Fabric.Mode, logger.KeyCount, len(n.hosts))
	return n, nil
}

// link connects every local port to the switch, or pairs them in
// configuration order in point-to-point mode. Links stay down until Start.
func (n *Node) link() error {
	if n.cfg.Fabric.Mode == config.FabricModePTP {
		for i := 0; i+1 < len(n.hosts); i += 2 {
			a, b := n.hosts[i], n.hosts[i+1]
			pa, pb := transport.Connect(n.q, a.cfg.Name, b.cfg.Name)
			bind(a, pa)
			bind(b, pb)
		}
		return nil
	}

	sw, err := n.cfg.CreateSwitch(n.clk)
	if err != nil {
		return fmt.Errorf("failed to create switch: %w", err)
	}
	n.sw = sw
	for _, h := range n.hosts {
		pa, pb := transport.Connect(n.q, h.cfg.Name, n.cfg.Fabric.Name+"/"+h.cfg.Name)
		if _, err := sw.AddPort(pb); err != nil {
			return fmt.Errorf("port %s: %w", h.cfg.Name, err)
		}
		bind(h, pa)
	}
	return nil
}

// bind wires a local port to its end of a link.
func bind(h *host, p *transport.Port) {
	lp := h.lp
	p.Attach(lp.Receive)
	p.OnLink(func(up bool) {
		if up {
			lp.LinkUp()
		} else {
			lp.LinkDown()
		}
	})
	lp.AttachLink(p)
	h.link = p
}

// Start brings the links up and requests a fabric login on every port.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.started || n.closed {
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	n.started = true
	n.mu.Unlock()

	var qctx context.Context
	qctx, n.queueCancel = context.WithCancel(context.Background())
	go func() {
		defer close(n.queueDone)
		if err := n.q.Run(qctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Frame queue stopped", logger.Err(err))
		}
	}()

	for _, h := range n.hosts {
		h.lp.Logon(nil)
	}
	for _, h := range n.hosts {
		h.link.SetLink(true)
	}
	logger.Info("Node started", logger.KeyCount, len(n.hosts))
	return nil
}

// Serve starts the node and its HTTP servers and blocks until ctx is
// cancelled or a server fails. The node is shut down before Serve returns.
func (n *Node) Serve(ctx context.Context) error {
	if err := n.Start(); err != nil {
		return err
	}

	errChan := make(chan error, 2)
	for _, srv := range []AuxiliaryServer{n.apiServer, n.metricsServer} {
		if srv == nil {
			continue
		}
		go func(srv AuxiliaryServer) {
			if err := srv.Run(ctx); err != nil {
				errChan <- err
			}
		}(srv)
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received", "reason", ctx.Err())
		serveErr = ctx.Err()
	case err := <-errChan:
		logger.Error("Server failed - initiating shutdown", logger.Err(err))
		serveErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), n.cfg.ShutdownTimeout)
	defer cancel()
	if err := n.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown incomplete", logger.Err(err))
	}
	return serveErr
}

// Shutdown logs every port out, waiting until ctx is done at the latest,
// then tears the fabrics down and closes the port database. It is safe to
// call more than once.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	n.closed = true
	started := n.started
	n.mu.Unlock()

	var err error
	n.closeOnce.Do(func() {
		n.cancel()
		if started {
			err = n.logoff(ctx)
		}
		n.wg.Wait()
		for _, srv := range []AuxiliaryServer{n.apiServer, n.metricsServer} {
			if srv != nil {
				if serr := srv.Stop(ctx); serr != nil {
					logger.Warn("Server stop failed", logger.Err(serr))
				}
			}
		}
		n.teardown()
		if started {
			n.queueCancel()
			<-n.queueDone
		}
		logger.Info("Node stopped")
	})
	return err
}

// logoff waits for every port to get back to INIT.
func (n *Node) logoff(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, h := range n.hosts {
		wg.Add(1)
		h.lp.Logoff(wg.Done)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("logoff: %w", ctx.Err())
	}
}

// teardown releases whatever New managed to build.
func (n *Node) teardown() {
	for _, h := range n.hosts {
		if h.rec != nil {
			h.rec.Stop()
		}
		h.vf.Destroy()
	}
	n.q.Close()
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			logger.Warn("Port database close failed", logger.Err(err))
		}
	}
}

// spawn runs fn in a tracked goroutine unless the node is shutting down.
func (n *Node) spawn(fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

// watch starts discovery on an initiator port each time it becomes ready on
// a switched fabric and whenever an RSCN asks for it.
func (n *Node) watch(h *host) {
	h.lp.OnEvent(func(ev fabric.PortEvent) {
		if ev.Kind == fabric.PortEventReady && ev.Topology == fabric.TopologyFabric {
			n.spawn(func() { n.discover(h, nil) })
		}
	})
	h.lp.OnRSCN(func(ev fabric.RSCNEvent) {
		var fids []uint32
		if !ev.Full {
			if len(ev.FIDs) == 0 {
				return
			}
			fids = append(fids, ev.FIDs...)
		}
		n.spawn(func() { n.discover(h, fids) })
	})
}

// discover logs h in with the given addresses, or with every FCP port the
// name server knows when fids is nil.
func (n *Node) discover(h *host, fids []uint32) {
	if fids == nil {
		ctx, cancel := context.WithTimeout(n.ctx, 2*n.cfg.Timeouts.RATOV)
		defer cancel()
		found, err := h.lp.DiscoverPorts(ctx, frame.TypeFCP)
		if err != nil {
			logger.Warn("Discovery failed", logger.Port(h.cfg.Name), logger.Err(err))
			return
		}
		fids = found
	}
	logger.Debug("Discovered ports", logger.Port(h.cfg.Name), logger.KeyCount, len(fids))

	for _, fid := range fids {
		if fid == h.lp.FID() || frame.IsWellKnown(fid) {
			continue
		}
		s, err := h.vf.Session(h.lp, fid)
		if err != nil {
			logger.Warn("Session unavailable", logger.Port(h.cfg.Name),
				logger.RemoteFID(fid), logger.Err(err))
			continue
		}
		s.Start()
		s.Release()
	}
}

// ============================================================================
// Status
// ============================================================================

// Registry returns the metrics registry, or nil when metrics are disabled.
func (n *Node) Registry() *prometheus.Registry { return n.registry }

// Ports lists the local ports in configuration order.
func (n *Node) Ports() []fabric.PortInfo {
	out := make([]fabric.PortInfo, 0, len(n.hosts))
	for _, h := range n.hosts {
		out = append(out, h.lp.Info())
	}
	return out
}

func (n *Node) host(name string) *host {
	for _, h := range n.hosts {
		if h.cfg.Name == name {
			return h
		}
	}
	return nil
}

// PortSessions lists the sessions of the named port.
func (n *Node) PortSessions(name string) ([]fabric.SessionInfo, error) {
	h := n.host(name)
	if h == nil {
		return nil, fmt.Errorf("%w: %s", handlers.ErrPortNotFound, name)
	}
	return h.vf.Sessions(), nil
}

// Sessions lists every session ordered by port and remote address.
func (n *Node) Sessions() []fabric.SessionInfo {
	var out []fabric.SessionInfo
	for _, h := range n.hosts {
		out = append(out, h.vf.Sessions()...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// ExchangeStats sums the counters of every fabric's exchange manager.
func (n *Node) ExchangeStats() exch.Stats {
	var total exch.Stats
	for i, h := range n.hosts {
		st := h.vf.Exchanges().Stats()
		if i == 0 {
			total.MinXID, total.MaxXID = st.MinXID, st.MaxXID
		}
		total.NoFreeExch += st.NoFreeExch
		total.XIDNotFound += st.XIDNotFound
		total.XIDBusy += st.XIDBusy
		total.SeqNotFound += st.SeqNotFound
		total.NonBLSResp += st.NonBLSResp
		total.Dropped += st.Dropped
		total.Aborts += st.Aborts
		total.RecQuals += st.RecQuals
		total.Timeouts += st.Timeouts
		total.Busy += st.Busy
		total.Free += st.Free
		total.Pools += st.Pools
	}
	return total
}

// Exchanges lists the busy exchanges of every fabric.
func (n *Node) Exchanges() []exch.Info {
	var out []exch.Info
	for _, h := range n.hosts {
		out = append(out, h.vf.Exchanges().Snapshot()...)
	}
	return out
}

// PortDB lists the port database.
func (n *Node) PortDB(ctx context.Context) ([]*portdb.Record, error) {
	return n.store.List(ctx)
}

// SwitchEntries lists the switch's logged-in ports, or nil in point-to-point
// mode.
func (n *Node) SwitchEntries() []switchsim.Entry {
	if n.sw == nil {
		return nil
	}
	return n.sw.Entries()
}

// WaitReady blocks until every port is READY or ctx is done.
func (n *Node) WaitReady(ctx context.Context) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		ready := true
		for _, h := range n.hosts {
			if h.lp.State() != fabric.PortReady {
				ready = false
				break
			}
		}
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}
