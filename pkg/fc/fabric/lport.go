package fabric

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/marmos91/dittofc/internal/logger"
	"github.com/marmos91/dittofc/internal/telemetry"
	"github.com/marmos91/dittofc/pkg/fc/event"
	"github.com/marmos91/dittofc/pkg/fc/exch"
	"github.com/marmos91/dittofc/pkg/fc/frame"
	"github.com/marmos91/dittofc/pkg/fc/timer"
)

// ErrNoLink is returned by Send on a port with no attached link.
var ErrNoLink = errors.New("fabric: local port has no link")

// PortState is the state of a local port's fabric login.
type PortState int32

const (
	PortInit PortState = iota
	PortFLOGI
	PortDNS
	PortRegPN
	PortRegFT
	PortSCR
	PortReady
	PortDNSStop
	PortLogo
	PortReset
)

var portStateNames = [...]string{
	PortInit:    "INIT",
	PortFLOGI:   "FLOGI",
	PortDNS:     "DNS",
	PortRegPN:   "REG_PN",
	PortRegFT:   "REG_FT",
	PortSCR:     "SCR",
	PortReady:   "READY",
	PortDNSStop: "DNS_STOP",
	PortLogo:    "LOGO",
	PortReset:   "RESET",
}

func (s PortState) String() string {
	if s >= 0 && int(s) < len(portStateNames) {
		return portStateNames[s]
	}
	return fmt.Sprintf("PortState(%d)", int32(s))
}

// Topologies reported in port events and snapshots.
const (
	TopologyNone   = "none"
	TopologyFabric = "fabric"
	TopologyPTP    = "point-to-point"
)

// PortConfig describes one local N_Port.
type PortConfig struct {
	Name string
	WWPN frame.WWN
	WWNN frame.WWN

	// FC4Types are registered with the name server. With none the
	// registration step is skipped.
	FC4Types []frame.Type

	// Roles are the FCP service parameter function bits offered in PRLI.
	Roles uint32

	// MaxFrameSize is the receive data field size. Zero selects 2112.
	MaxFrameSize uint16

	// AcceptPLOGI decides whether an unsolicited PLOGI from a peer the port
	// never started a session with is accepted. Nil rejects them.
	AcceptPLOGI func(wwpn frame.WWN) bool
}

// Link carries a local port's outbound frames.
type Link interface {
	Send(f *frame.Frame) error
}

// LinkStatus is implemented by links that report error counters for RLS.
type LinkStatus interface {
	LinkErrors() frame.LinkErrorStatus
}

type linkRef struct{ l Link }

// PortEventKind tells what happened to a local port.
type PortEventKind int

const (
	// PortEventReady is delivered when the fabric login completes.
	PortEventReady PortEventKind = iota + 1
	// PortEventDown is delivered when a ready port is reset or logged off.
	PortEventDown
	// PortEventFID is delivered when the port's fabric address changes.
	PortEventFID
)

func (k PortEventKind) String() string {
	switch k {
	case PortEventReady:
		return "ready"
	case PortEventDown:
		return "down"
	case PortEventFID:
		return "fid"
	default:
		return "unknown"
	}
}

// PortEvent is delivered to port observers after the port lock is released.
type PortEvent struct {
	Port     *LocalPort
	Kind     PortEventKind
	Name     string
	FID      uint32
	Topology string
	// Peer is the remote address of a point-to-point link.
	Peer uint32
	At   time.Time
}

// RSCNEvent reports a state change notification that needs discovery:
// pages in area, domain or fabric format, or port pages naming devices the
// port has no session with.
type RSCNEvent struct {
	Port  *LocalPort
	Name  string
	Pages []frame.RSCNPage
	// Full is set when any page is not in port format.
	Full bool
	// FIDs lists port-format addresses without a session.
	FIDs []uint32
}

// PortInfo is a snapshot of one local port.
type PortInfo struct {
	Name     string    `json:"name"`
	WWPN     frame.WWN `json:"wwpn"`
	WWNN     frame.WWN `json:"wwnn"`
	FID      string    `json:"fid"`
	State    string    `json:"state"`
	Topology string    `json:"topology"`
	Peer     string    `json:"peer,omitempty"`
	LinkUp   bool      `json:"link_up"`
	Logon    bool      `json:"logon"`
	Retries  int       `json:"retries"`
	EDTOV    string    `json:"e_d_tov"`
	RATOV    string    `json:"r_a_tov"`
	Sessions int       `json:"sessions"`
}

// LocalPort is one local N_Port and its fabric login.
type LocalPort struct {
	vf    *Fabric
	cfg   PortConfig
	types frame.FC4Types

	// Read without the port lock by the exchange and session engines.
	fid    atomic.Uint32
	mirror atomic.Int32
	link   atomic.Pointer[linkRef]
	edtov  atomic.Int64
	ratov  atomic.Int64

	sessions map[*Session]struct{} // under vf.mu

	mu       sync.Mutex
	state    PortState
	gen      uint64
	timerGen uint64
	retries  int
	logon    bool
	linkUp   bool
	topology string
	ptp      *Session
	dns      *Session
	dnsID    event.ID
	upper    exch.RecvFunc
	onLogon  []func()
	onLogoff []func()
	timer    *timer.Timer
	span     trace.Span
	acts     []func()
	closed   bool

	events     event.List[PortEvent]
	rscnEvents event.List[RSCNEvent]
}

// AddLocalPort creates a local port in INIT. Names and port names must be
// unique within the fabric.
func (vf *Fabric) AddLocalPort(cfg PortConfig) (*LocalPort, error) {
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = frame.SPMaxMaxPayload
	}
	if cfg.MaxFrameSize < frame.SPMinMaxPayload {
		cfg.MaxFrameSize = frame.SPMinMaxPayload
	}
	lp := &LocalPort{
		vf:       vf,
		cfg:      cfg,
		sessions: make(map[*Session]struct{}),
		topology: TopologyNone,
	}
	for _, t := range cfg.FC4Types {
		lp.types.Set(t)
	}
	lp.edtov.Store(int64(vf.cfg.EDTOV))
	lp.ratov.Store(int64(vf.cfg.RATOV))
	lp.timer = timer.New(vf.cfg.Clock, lp.timeout)

	vf.mu.Lock()
	defer vf.mu.Unlock()
	if vf.closed {
		return nil, ErrClosed
	}
	for _, o := range vf.lports {
		if o.cfg.Name == cfg.Name || o.cfg.WWPN == cfg.WWPN {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePort, cfg.Name)
		}
	}
	vf.lports = append(vf.lports, lp)
	logger.Info("local port added", logger.Port(cfg.Name), logger.WWPN(cfg.WWPN))
	return lp, nil
}

// Name returns the configured port name.
func (lp *LocalPort) Name() string { return lp.cfg.Name }

// WWPN returns the port name.
func (lp *LocalPort) WWPN() frame.WWN { return lp.cfg.WWPN }

// WWNN returns the node name.
func (lp *LocalPort) WWNN() frame.WWN { return lp.cfg.WWNN }

// Fabric returns the owning fabric.
func (lp *LocalPort) Fabric() *Fabric { return lp.vf }

// FID returns the assigned fabric address, or 0.
func (lp *LocalPort) FID() uint32 { return lp.fid.Load() }

// State returns the current state.
func (lp *LocalPort) State() PortState { return PortState(lp.mirror.Load()) }

func (lp *LocalPort) timeouts() (edtov, ratov time.Duration) {
	return time.Duration(lp.edtov.Load()), time.Duration(lp.ratov.Load())
}

// AttachLink sets the link used by Send.
func (lp *LocalPort) AttachLink(l Link) {
	if l == nil {
		lp.link.Store(nil)
		return
	}
	lp.link.Store(&linkRef{l: l})
}

// Send transmits a frame on the attached link.
func (lp *LocalPort) Send(f *frame.Frame) error {
	ref := lp.link.Load()
	if ref == nil {
		return ErrNoLink
	}
	return ref.l.Send(f)
}

// Receive hands an inbound frame to the exchange manager.
func (lp *LocalPort) Receive(f *frame.Frame) {
	lp.vf.em.Recv(lp, f, lp.recvRequest)
}

// SetReceiver installs the handler for inbound requests that are not link
// services, such as FCP commands. Without one they are dropped.
func (lp *LocalPort) SetReceiver(h exch.RecvFunc) {
	lp.mu.Lock()
	lp.upper = h
	lp.mu.Unlock()
}

// OnEvent registers a handler for this port's events.
func (lp *LocalPort) OnEvent(h func(PortEvent)) event.ID {
	return lp.events.Register(h)
}

// OnRSCN registers an observer for state change notifications received by
// this port.
func (lp *LocalPort) OnRSCN(h func(RSCNEvent)) event.ID {
	return lp.rscnEvents.Register(h)
}

// Sessions returns this port's live sessions, each with a reference the
// caller must Release.
func (lp *LocalPort) Sessions() []*Session {
	return lp.vf.portSessions(lp)
}

// Topology returns how the port is attached: TopologyFabric,
// TopologyPTP or TopologyNone before login.
func (lp *LocalPort) Topology() string {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.topology
}

// PeerFID returns the remote address of a point-to-point link, or 0.
func (lp *LocalPort) PeerFID() uint32 {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.ptp == nil {
		return 0
	}
	return lp.ptp.rp.fid
}

// Info returns a snapshot of the port.
func (lp *LocalPort) Info() PortInfo {
	lp.vf.mu.Lock()
	n := len(lp.sessions)
	lp.vf.mu.Unlock()

	edtov, ratov := lp.timeouts()
	lp.mu.Lock()
	defer lp.mu.Unlock()
	info := PortInfo{
		Name:     lp.cfg.Name,
		WWPN:     lp.cfg.WWPN,
		WWNN:     lp.cfg.WWNN,
		FID:      frame.FormatFID(lp.FID()),
		State:    lp.state.String(),
		Topology: lp.topology,
		LinkUp:   lp.linkUp,
		Logon:    lp.logon,
		Retries:  lp.retries,
		EDTOV:    edtov.String(),
		RATOV:    ratov.String(),
		Sessions: n,
	}
	if lp.ptp != nil {
		info.Peer = frame.FormatFID(lp.ptp.rp.fid)
	}
	return info
}

// acceptsPLOGI applies the PLOGI policy. It reads only immutable
// configuration and may be called under a session lock.
func (lp *LocalPort) acceptsPLOGI(wwpn frame.WWN) bool {
	return lp.cfg.AcceptPLOGI != nil && lp.cfg.AcceptPLOGI(wwpn)
}

// serviceParams builds our FLOGI or PLOGI service parameters.
func (lp *LocalPort) serviceParams(cmd frame.ELSCmd, fabric bool) *frame.ServiceParams {
	edtov, ratov := lp.timeouts()
	sp := &frame.ServiceParams{
		Cmd:       cmd,
		Fabric:    fabric,
		HiVer:     frame.SPVersionHi,
		LoVer:     frame.SPVersionLo,
		BBCredit:  1,
		BBRcvSize: lp.cfg.MaxFrameSize,
		EDTOV:     uint32(edtov / time.Millisecond),
		WWPN:      lp.cfg.WWPN,
		WWNN:      lp.cfg.WWNN,
	}
	if fabric {
		sp.RATOV = uint32(ratov / time.Millisecond)
	} else {
		sp.Features = frame.SPFeatCIRC
		sp.TotalSeq = 255
		sp.RelOff = 0x1f
	}
	c3 := sp.Class3()
	c3.Class = frame.ClassValid | 0x0800
	c3.RcvDataSize = lp.cfg.MaxFrameSize
	c3.ConcurSeq = 255
	c3.OpenSeq = 1
	return sp
}

// ============================================================================
// Upward interface
// ============================================================================

// Logon requests a fabric login. done, if not nil, is called once the port
// is ready.
func (lp *LocalPort) Logon(done func()) {
	lp.mu.Lock()
	lp.logon = true
	if done != nil {
		if lp.state == PortReady {
			lp.after(done)
		} else {
			lp.onLogon = append(lp.onLogon, done)
		}
	}
	if lp.state == PortInit && lp.linkUp {
		lp.enterFLOGILocked()
	}
	lp.unlock()
}

// Logoff logs the port out of the fabric. done, if not nil, is called once
// the port is back in INIT.
func (lp *LocalPort) Logoff(done func()) {
	lp.mu.Lock()
	lp.logon = false
	if done != nil {
		if lp.state == PortInit {
			lp.after(done)
		} else {
			lp.onLogoff = append(lp.onLogoff, done)
		}
	}
	switch lp.state {
	case PortFLOGI:
		lp.enterInitLocked(0)
	case PortDNS, PortRegPN, PortRegFT, PortSCR, PortReady:
		lp.enterDNSStopLocked()
	}
	lp.unlock()
}

// LinkUp reports that the transport can carry frames.
func (lp *LocalPort) LinkUp() {
	lp.mu.Lock()
	lp.linkUp = true
	logger.Info("link up", logger.Port(lp.cfg.Name))
	if lp.state == PortInit && lp.logon {
		lp.enterFLOGILocked()
	}
	lp.unlock()
}

// LinkDown reports a link failure. The port resets.
func (lp *LocalPort) LinkDown() {
	lp.mu.Lock()
	lp.linkUp = false
	logger.Warn("link down", logger.Port(lp.cfg.Name), logger.State(lp.state))
	if lp.state != PortInit {
		lp.resetLocked()
	}
	lp.unlock()
}

// Reset re-initializes the port: every exchange and session it owns is
// reset, its address is cleared and FLOGI is sent again if a logon is still
// requested.
func (lp *LocalPort) Reset() {
	lp.mu.Lock()
	lp.resetLocked()
	lp.unlock()
}

// destroy resets the port and detaches it from the fabric.
func (lp *LocalPort) destroy() {
	lp.mu.Lock()
	lp.closed = true
	lp.logon = false
	lp.resetLocked()
	lp.unlock()
	lp.AttachLink(nil)
}

// ============================================================================
// State machine
// ============================================================================

func (lp *LocalPort) unlock() {
	acts := lp.acts
	lp.acts = nil
	lp.mu.Unlock()
	for _, fn := range acts {
		fn()
	}
	lp.events.Fire()
	lp.vf.portEvents.Fire()
}

func (lp *LocalPort) after(fn func()) { lp.acts = append(lp.acts, fn) }

func (lp *LocalPort) notifyLocked(kind PortEventKind) {
	ev := PortEvent{
		Port:     lp,
		Kind:     kind,
		Name:     lp.cfg.Name,
		FID:      lp.FID(),
		Topology: lp.topology,
		At:       lp.vf.cfg.Clock.Now(),
	}
	if lp.ptp != nil {
		ev.Peer = lp.ptp.rp.fid
	}
	lp.events.Defer(ev)
	lp.vf.portEvents.Defer(ev)
}

func (lp *LocalPort) enterLocked(st PortState) {
	old := lp.state
	if old != st {
		lp.retries = 0
		lp.gen++
	}
	lp.state = st
	lp.mirror.Store(int32(st))
	lp.vf.pm.RecordTransition(lp.cfg.Name, st.String(), st == PortReady)
	logger.Debug("local port state", logger.Port(lp.cfg.Name),
		logger.OldState(old), logger.State(st))
}

func (lp *LocalPort) setFIDLocked(fid uint32) {
	old := lp.fid.Swap(fid)
	if old == fid {
		return
	}
	lp.vf.setPortFID(lp, old, fid)
	lp.notifyLocked(PortEventFID)
	logger.Info("fabric address changed", logger.Port(lp.cfg.Name),
		logger.FID(fid), "old_fid", frame.FormatFID(old))
	if old != 0 {
		lp.after(lp.resetSessions)
	}
}

func (lp *LocalPort) resetSessions() {
	for _, s := range lp.vf.portSessions(lp) {
		s.portReset()
		s.Release()
	}
}

func (lp *LocalPort) setTimeouts(sp *frame.ServiceParams) {
	if ms := sp.EDTOVMillis(); ms != 0 {
		lp.edtov.Store(int64(time.Duration(ms) * time.Millisecond))
	}
	if sp.Fabric && sp.RATOV != 0 {
		lp.ratov.Store(int64(time.Duration(sp.RATOV) * time.Millisecond))
	}
}

// enterInitLocked returns to INIT. With a logon pending, FLOGI follows after
// delay, or at once when delay is zero.
func (lp *LocalPort) enterInitLocked(delay time.Duration) {
	lp.enterLocked(PortInit)
	lp.cancelTimerLocked()
	lp.topology = TopologyNone
	lp.releasePeersLocked()
	lp.setFIDLocked(0)
	lp.endSpanLocked(errors.New("logged out"))
	if cbs := lp.onLogoff; len(cbs) > 0 && !lp.logon {
		lp.onLogoff = nil
		for _, cb := range cbs {
			lp.after(cb)
		}
	}
	if !lp.logon || !lp.linkUp || lp.closed {
		return
	}
	if delay == 0 {
		lp.enterFLOGILocked()
		return
	}
	lp.armTimerLocked(delay)
}

func (lp *LocalPort) enterFLOGILocked() {
	lp.enterLocked(PortFLOGI)
	if lp.span == nil {
		_, lp.span = telemetry.StartPortSpan(context.Background(), lp.cfg.Name, lp.cfg.WWPN)
	}
	f := frame.NewELS(lp.serviceParams(frame.ELSFLogi, true))
	f.SID, f.DID = 0, frame.FIDFLogi
	lp.sendLocked(f)
}

func (lp *LocalPort) enterDNSLocked() {
	lp.enterLocked(PortDNS)
	lp.topology = TopologyFabric
	lp.after(lp.startDNS)
}

// startDNS logs in to the directory server.
func (lp *LocalPort) startDNS() {
	s, err := lp.vf.Session(lp, frame.FIDDirServ)
	lp.mu.Lock()
	if err != nil {
		if lp.state == PortDNS {
			logger.Warn("directory server session unavailable",
				logger.Port(lp.cfg.Name), logger.Err(err))
			lp.retryLocked()
		}
		lp.unlock()
		return
	}
	if lp.state != PortDNS || lp.dns != nil {
		lp.unlock()
		s.Release()
		return
	}
	lp.dns = s
	lp.dnsID = s.OnEvent(lp.dnsEvent)
	lp.unlock()
	s.Start()
}

func (lp *LocalPort) dnsEvent(ev SessionEvent) {
	lp.mu.Lock()
	defer lp.unlock()
	if ev.Session != lp.dns {
		return
	}
	switch ev.Kind {
	case SessionEventReady:
		if lp.state == PortDNS {
			lp.enterRegPNLocked()
		}
	case SessionEventFailed:
		if lp.state == PortDNS {
			lp.rejectLocked()
		}
	case SessionEventClosed:
		if lp.state == PortDNSStop {
			lp.enterLogoLocked()
		}
	}
}

func (lp *LocalPort) enterRegPNLocked() {
	lp.enterLocked(PortRegPN)
	f := frame.NewCT(frame.NewRPNID(lp.FID(), lp.cfg.WWPN))
	f.SID, f.DID = lp.FID(), frame.FIDDirServ
	lp.sendLocked(f)
}

func (lp *LocalPort) enterRegFTLocked() {
	if lp.types == (frame.FC4Types{}) {
		lp.enterSCRLocked()
		return
	}
	lp.enterLocked(PortRegFT)
	f := frame.NewCT(frame.NewRFTID(lp.FID(), lp.types))
	f.SID, f.DID = lp.FID(), frame.FIDDirServ
	lp.sendLocked(f)
}

func (lp *LocalPort) enterSCRLocked() {
	lp.enterLocked(PortSCR)
	f := frame.NewELS(&frame.SCR{Func: frame.SCRFull})
	f.SID, f.DID = lp.FID(), frame.FIDFCtrl
	lp.sendLocked(f)
}

func (lp *LocalPort) enterReadyLocked() {
	if lp.state == PortReady {
		return
	}
	lp.enterLocked(PortReady)
	lp.cancelTimerLocked()
	lp.endSpanLocked(nil)
	lp.notifyLocked(PortEventReady)
	for _, cb := range lp.onLogon {
		lp.after(cb)
	}
	lp.onLogon = nil
	lp.after(lp.kickSessions)
	logger.Info("local port ready", logger.Port(lp.cfg.Name),
		logger.FID(lp.FID()), logger.KeyOperation, lp.topology)
}

func (lp *LocalPort) kickSessions() {
	for _, s := range lp.vf.portSessions(lp) {
		s.kick()
		s.Release()
	}
}

func (lp *LocalPort) enterDNSStopLocked() {
	wasReady := lp.state == PortReady
	lp.enterLocked(PortDNSStop)
	lp.cancelTimerLocked()
	if wasReady {
		lp.notifyLocked(PortEventDown)
	}
	if ptp := lp.ptp; ptp != nil {
		lp.ptp = nil
		lp.after(func() {
			ptp.Stop()
			ptp.Release()
		})
	}
	dns := lp.dns
	if dns == nil {
		lp.enterLogoLocked()
		return
	}
	lp.after(func() {
		dns.Stop()
		if dns.State() == SessionInit {
			lp.dnsStopped(dns)
		}
	})
}

func (lp *LocalPort) dnsStopped(dns *Session) {
	lp.mu.Lock()
	if lp.state == PortDNSStop && lp.dns == dns {
		lp.enterLogoLocked()
	}
	lp.unlock()
}

func (lp *LocalPort) enterLogoLocked() {
	lp.enterLocked(PortLogo)
	lp.releasePeersLocked()
	f := frame.NewELS(&frame.LOGO{NPortID: lp.FID(), WWPN: lp.cfg.WWPN})
	f.SID, f.DID = lp.FID(), frame.FIDFLogi
	lp.sendLocked(f)
}

// releasePeersLocked drops the directory server and point-to-point session
// references.
func (lp *LocalPort) releasePeersLocked() {
	if dns := lp.dns; dns != nil {
		id := lp.dnsID
		lp.dns = nil
		lp.after(func() {
			dns.RemoveHandler(id)
			dns.Stop()
			dns.Release()
		})
	}
	if ptp := lp.ptp; ptp != nil {
		lp.ptp = nil
		lp.after(func() {
			ptp.Stop()
			ptp.Release()
		})
	}
}

// resetLocked enters RESET. The exchanges and sessions of the port are
// reset after the lock is dropped, and only then is INIT entered so a new
// FLOGI is not caught by the exchange reset.
func (lp *LocalPort) resetLocked() {
	wasReady := lp.state == PortReady
	lp.enterLocked(PortReset)
	lp.cancelTimerLocked()
	if wasReady {
		lp.notifyLocked(PortEventDown)
	}
	lp.releasePeersLocked()
	lp.setFIDLocked(0)
	logger.Info("local port reset", logger.Port(lp.cfg.Name))
	lp.after(func() {
		lp.vf.em.Reset(exch.ResetFilter{Endpoint: lp})
		lp.resetSessions()
		lp.mu.Lock()
		if lp.state == PortReset {
			lp.enterInitLocked(0)
		}
		lp.unlock()
	})
}

// rejectLocked escalates after a terminal reject or exhausted retries.
func (lp *LocalPort) rejectLocked() {
	logger.Warn("local port escalating", logger.Port(lp.cfg.Name), logger.State(lp.state))
	switch lp.state {
	case PortFLOGI:
		lp.retries++
		lp.armTimerLocked(lp.vf.cfg.FLOGIBackoff)
	case PortRegPN:
		lp.enterRegFTLocked()
	case PortRegFT:
		lp.enterSCRLocked()
	case PortSCR:
		lp.enterDNSStopLocked()
	case PortDNSStop:
		lp.enterLogoLocked()
	case PortDNS, PortLogo:
		edtov, _ := lp.timeouts()
		lp.enterInitLocked(edtov)
	}
}

func (lp *LocalPort) retryLocked() {
	if lp.retries < lp.vf.cfg.RetryLimit {
		lp.retries++
		lp.vf.pm.RecordRetry(lp.cfg.Name, lp.state.String())
		edtov, _ := lp.timeouts()
		logger.Debug("local port retry scheduled", logger.Port(lp.cfg.Name),
			logger.State(lp.state), logger.Retries(lp.retries))
		lp.armTimerLocked(edtov)
		return
	}
	lp.rejectLocked()
}

func (lp *LocalPort) armTimerLocked(d time.Duration) {
	lp.timerGen = lp.gen
	lp.timer.Set(d)
}

func (lp *LocalPort) cancelTimerLocked() {
	lp.timer.Cancel()
}

func (lp *LocalPort) timeout() {
	lp.mu.Lock()
	defer lp.unlock()
	if lp.gen != lp.timerGen {
		return
	}
	switch lp.state {
	case PortInit:
		if lp.logon && lp.linkUp && !lp.closed {
			lp.enterFLOGILocked()
		}
	case PortFLOGI:
		lp.enterFLOGILocked()
	case PortDNS:
		if lp.dns == nil {
			lp.after(lp.startDNS)
		}
	case PortRegPN:
		lp.enterRegPNLocked()
	case PortRegFT:
		lp.enterRegFTLocked()
	case PortSCR:
		lp.enterSCRLocked()
	case PortLogo:
		lp.enterLogoLocked()
	}
}

func (lp *LocalPort) endSpanLocked(err error) {
	if lp.span == nil {
		return
	}
	telemetry.EndSpan(lp.span, lp.state, err,
		telemetry.FID(lp.FID()), telemetry.Topology(lp.topology))
	lp.span = nil
}

// ============================================================================
// Outbound requests
// ============================================================================

type portReq struct {
	lp    *LocalPort
	state PortState
	gen   uint64
	done  atomic.Bool
}

func (r *portReq) recv(_ *exch.Sequence, f *frame.Frame) {
	if f.Type == frame.TypeBLS || !r.done.CompareAndSwap(false, true) {
		return
	}
	r.lp.response(r, f)
}

func (r *portReq) fail(_ *exch.Sequence, ev exch.Event) {
	if !r.done.CompareAndSwap(false, true) {
		return
	}
	r.lp.failure(r, ev)
}

func (lp *LocalPort) sendLocked(f *frame.Frame) {
	r := &portReq{lp: lp, state: lp.state, gen: lp.gen}
	edtov, _ := lp.timeouts()
	if _, err := lp.vf.em.SendRequest(lp, f, r.recv, r.fail, 2*edtov); err != nil {
		logger.Debug("local port request not sent", logger.Port(lp.cfg.Name),
			logger.State(lp.state), logger.Err(err))
		if lp.state == PortFLOGI {
			lp.armTimerLocked(edtov)
			return
		}
		lp.retryLocked()
	}
}

func (lp *LocalPort) response(r *portReq, f *frame.Frame) {
	lp.mu.Lock()
	defer lp.unlock()
	if lp.state != r.state || lp.gen != r.gen {
		logger.Debug("stale local port response", logger.Port(lp.cfg.Name),
			logger.State(lp.state), logger.KeyOperation, r.state.String())
		return
	}

	switch lp.state {
	case PortFLOGI:
		lp.flogiRespLocked(f)

	case PortRegPN, PortRegFT:
		var ct frame.CTRequest
		if f.Type != frame.TypeCT || ct.UnmarshalBinary(f.Payload) != nil {
			lp.retryLocked()
			return
		}
		if ct.Cmd != frame.CTFSAcc {
			logger.Warn("name server registration rejected", logger.Port(lp.cfg.Name),
				logger.State(lp.state), logger.KeyReason, ct.Reason, logger.KeyExplan, ct.Explan)
			lp.rejectLocked()
			return
		}
		if lp.state == PortRegPN {
			lp.enterRegFTLocked()
		} else {
			lp.enterSCRLocked()
		}

	case PortSCR:
		acc, rjt := parseReply(f)
		switch {
		case acc:
			lp.enterReadyLocked()
		case rjt.Busy():
			lp.retryLocked()
		default:
			lp.rejectLocked()
		}

	case PortLogo:
		lp.enterInitLocked(0)
	}
}

func (lp *LocalPort) flogiRespLocked(f *frame.Frame) {
	acc, rjt := parseReply(f)
	if !acc {
		logger.Warn("FLOGI rejected", logger.Port(lp.cfg.Name),
			logger.KeyReason, uint8(rjt.Reason), logger.KeyExplan, uint8(rjt.Explan))
		if rjt.Busy() {
			lp.retryLocked()
		} else {
			lp.rejectLocked()
		}
		return
	}
	var sp frame.ServiceParams
	if err := sp.UnmarshalBinary(f.Payload); err != nil || f.DID == 0 {
		logger.Warn("bad FLOGI accept", logger.Port(lp.cfg.Name), logger.FID(f.DID))
		lp.retryLocked()
		return
	}
	sp.Fabric = true
	lp.setTimeouts(&sp)
	lp.setFIDLocked(f.DID)
	if sp.Features&frame.SPFeatFPort == 0 {
		lp.ptpSetupLocked(f.SID)
		lp.enterReadyLocked()
		return
	}
	lp.enterDNSLocked()
}

// ptpSetupLocked makes the point-to-point peer at remote a started session.
func (lp *LocalPort) ptpSetupLocked(remote uint32) {
	lp.topology = TopologyPTP
	if lp.ptp != nil && lp.ptp.rp.fid == remote {
		return
	}
	if old := lp.ptp; old != nil {
		lp.ptp = nil
		lp.after(func() {
			old.Stop()
			old.Release()
		})
	}
	lp.after(func() {
		s, err := lp.vf.Session(lp, remote)
		if err != nil {
			logger.Warn("point-to-point session unavailable", logger.Port(lp.cfg.Name),
				logger.RemoteFID(remote), logger.Err(err))
			return
		}
		lp.mu.Lock()
		if lp.ptp != nil || lp.topology != TopologyPTP || lp.FID() == 0 {
			lp.unlock()
			s.Release()
			return
		}
		lp.ptp = s
		lp.unlock()
		s.Start()
	})
}

func (lp *LocalPort) failure(r *portReq, ev exch.Event) {
	lp.mu.Lock()
	defer lp.unlock()
	if lp.state != r.state || lp.gen != r.gen || ev != exch.EventTimeout {
		return
	}
	logger.Debug("local port request timed out", logger.Port(lp.cfg.Name),
		logger.State(lp.state))
	if lp.state == PortLogo {
		lp.enterInitLocked(0)
		return
	}
	lp.retryLocked()
}
