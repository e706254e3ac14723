// Package fabric implements the virtual fabric container together with the
// session (N_Port login) and local port (fabric login) engines.
//
// A Fabric owns one exchange manager plus the tables of sessions, local
// ports and remote ports that scope a single fabric domain. Objects inside a
// fabric follow one locking rule: the fabric lock is a leaf. It is taken
// only to update or read the tables and is never held while an object lock
// is acquired. Object locks are never held while calling into another
// object; cross-object work is queued under the lock and run after it is
// released.
package fabric

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/dittofc/internal/logger"
	"github.com/marmos91/dittofc/pkg/fc/event"
	"github.com/marmos91/dittofc/pkg/fc/exch"
	"github.com/marmos91/dittofc/pkg/fc/frame"
	"github.com/marmos91/dittofc/pkg/fc/timer"
	"github.com/marmos91/dittofc/pkg/metrics"
)

var (
	// ErrClosed is returned by operations on a destroyed fabric.
	ErrClosed = errors.New("fabric: closed")

	// ErrNoFID is returned when a session is requested for a local port that
	// has no fabric address yet.
	ErrNoFID = errors.New("fabric: local port has no fabric address")

	// ErrNotReady is returned by requests that need a logged-in port.
	ErrNotReady = errors.New("fabric: local port not ready")

	// ErrDuplicatePort is returned when adding a port whose name or WWPN is
	// already used.
	ErrDuplicatePort = errors.New("fabric: duplicate local port")
)

// Default timing values.
const (
	DefaultRetryLimit   = 3
	DefaultFLOGIBackoff = 20 * time.Second
)

// Config configures a Fabric.
type Config struct {
	// Name labels the fabric in logs. It defaults to the instance id.
	Name string

	// Exchange configures the exchange manager. Its clock and metrics are
	// taken from this config when unset.
	Exchange exch.Config

	// EDTOV and RATOV are the timeouts used until a login negotiates others.
	EDTOV time.Duration
	RATOV time.Duration

	// RetryLimit caps the retries per state.
	RetryLimit int

	// FLOGIBackoff is the retry interval used once FLOGI has exhausted
	// RetryLimit. FLOGI is never abandoned.
	FLOGIBackoff time.Duration

	Clock   timer.Clock
	Metrics *metrics.FC
}

func (c *Config) applyDefaults() {
	if c.EDTOV <= 0 {
		c.EDTOV = exch.DefaultEDTOV
	}
	if c.RATOV <= 0 {
		c.RATOV = exch.DefaultRATOV
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = DefaultRetryLimit
	}
	if c.FLOGIBackoff <= 0 {
		c.FLOGIBackoff = DefaultFLOGIBackoff
	}
	if c.Clock == nil {
		c.Clock = timer.Real()
	}
	if c.Exchange.Clock == nil {
		c.Exchange.Clock = c.Clock
	}
	if c.Exchange.MaxXID == 0 {
		c.Exchange.MaxXID = exch.DefaultMaxXID
	}
	if c.Exchange.RATOV <= 0 {
		c.Exchange.RATOV = c.RATOV
	}
	if c.Exchange.EDTOV <= 0 {
		c.Exchange.EDTOV = c.EDTOV
	}
	if c.Exchange.Metrics == nil && c.Metrics != nil {
		c.Exchange.Metrics = c.Metrics.Exchange
	}
}

// Fabric is one virtual fabric: the scope of an exchange manager and of the
// sessions, local ports and remote ports using it.
type Fabric struct {
	id  uuid.UUID
	cfg Config
	em  *exch.Manager
	sm  *metrics.SessionMetrics
	pm  *metrics.PortMetrics

	// mu protects the tables below. It is a leaf lock.
	mu       sync.Mutex
	sessions map[uint64]*Session
	lports   []*LocalPort
	byFID    map[uint32]*LocalPort
	rports   map[uint32]*RemotePort
	closed   bool

	sessionEvents event.List[SessionEvent]
	portEvents    event.List[PortEvent]
	rscnEvents    event.List[RSCNEvent]
}

// New creates a fabric with its exchange manager.
func New(cfg Config) (*Fabric, error) {
	cfg.applyDefaults()
	em, err := exch.New(cfg.Exchange)
	if err != nil {
		return nil, err
	}
	vf := &Fabric{
		id:       uuid.New(),
		cfg:      cfg,
		em:       em,
		sessions: make(map[uint64]*Session),
		byFID:    make(map[uint32]*LocalPort),
		rports:   make(map[uint32]*RemotePort),
	}
	if vf.cfg.Name == "" {
		vf.cfg.Name = vf.id.String()
	}
	if cfg.Metrics != nil {
		vf.sm, vf.pm = cfg.Metrics.Session, cfg.Metrics.Port
	}
	logger.Debug("fabric created", logger.KeyFabric, vf.cfg.Name)
	return vf, nil
}

// ID returns the fabric instance id.
func (vf *Fabric) ID() uuid.UUID { return vf.id }

// Name returns the fabric name.
func (vf *Fabric) Name() string { return vf.cfg.Name }

// Exchanges returns the exchange manager.
func (vf *Fabric) Exchanges() *exch.Manager { return vf.em }

// OnSession registers a handler for the session events of every session in
// the fabric.
func (vf *Fabric) OnSession(h func(SessionEvent)) event.ID {
	return vf.sessionEvents.Register(h)
}

// RemoveSessionHandler unregisters a handler added with OnSession.
func (vf *Fabric) RemoveSessionHandler(id event.ID) {
	vf.sessionEvents.Unregister(id)
}

// OnPort registers a handler for the events of every local port.
func (vf *Fabric) OnPort(h func(PortEvent)) event.ID {
	return vf.portEvents.Register(h)
}

// OnRSCN registers an observer for state change notifications received by
// any local port.
func (vf *Fabric) OnRSCN(h func(RSCNEvent)) event.ID {
	return vf.rscnEvents.Register(h)
}

// LocalPorts returns the local ports in creation order.
func (vf *Fabric) LocalPorts() []*LocalPort {
	vf.mu.Lock()
	defer vf.mu.Unlock()
	return append([]*LocalPort(nil), vf.lports...)
}

// LocalPort returns the local port with the given name.
func (vf *Fabric) LocalPort(name string) (*LocalPort, bool) {
	vf.mu.Lock()
	defer vf.mu.Unlock()
	for _, lp := range vf.lports {
		if lp.cfg.Name == name {
			return lp, true
		}
	}
	return nil, false
}

// LocalPortByFID returns the local port owning a fabric address.
func (vf *Fabric) LocalPortByFID(fid uint32) (*LocalPort, bool) {
	vf.mu.Lock()
	defer vf.mu.Unlock()
	lp, ok := vf.byFID[fid]
	return lp, ok
}

// setPortFID moves lp in the address table and re-keys its sessions.
func (vf *Fabric) setPortFID(lp *LocalPort, old, fid uint32) {
	vf.mu.Lock()
	defer vf.mu.Unlock()
	if old != 0 && vf.byFID[old] == lp {
		delete(vf.byFID, old)
	}
	if fid != 0 {
		vf.byFID[fid] = lp
	}
	for s := range lp.sessions {
		if vf.sessions[s.key] == s {
			delete(vf.sessions, s.key)
		}
		s.key = sessionKey(fid, s.rp.fid)
		if fid == 0 {
			continue
		}
		if cur, ok := vf.sessions[s.key]; !ok || cur.refs.Load() == 0 {
			vf.sessions[s.key] = s
		}
	}
}

// Destroy resets every local port and exchange and closes the fabric.
func (vf *Fabric) Destroy() {
	vf.mu.Lock()
	if vf.closed {
		vf.mu.Unlock()
		return
	}
	vf.closed = true
	lports := append([]*LocalPort(nil), vf.lports...)
	vf.mu.Unlock()

	for _, lp := range lports {
		lp.destroy()
	}
	vf.em.Reset(exch.ResetFilter{})
	logger.Debug("fabric destroyed", logger.KeyFabric, vf.cfg.Name)
}

// ============================================================================
// Remote ports
// ============================================================================

// RemotePort is a peer N_Port or well-known fabric service known to the
// fabric. Remote ports are shared by every session addressing the same
// fabric address and are freed with their last session.
type RemotePort struct {
	fid  uint32
	refs int // under Fabric.mu

	// Login parameters are atomics so sessions can read them while holding
	// their own lock.
	wwpn       atomic.Uint64
	wwnn       atomic.Uint64
	maxPayload atomic.Uint32
	roles      atomic.Uint32
}

// FID returns the remote port's fabric address.
func (rp *RemotePort) FID() uint32 { return rp.fid }

// Names returns the port and node names learned at login.
func (rp *RemotePort) Names() (wwpn, wwnn frame.WWN) {
	return frame.WWN(rp.wwpn.Load()), frame.WWN(rp.wwnn.Load())
}

// Roles returns the FCP service parameter function bits learned from PRLI.
func (rp *RemotePort) Roles() uint32 { return rp.roles.Load() }

// MaxPayload returns the receive data field size negotiated at login.
func (rp *RemotePort) MaxPayload() uint16 { return uint16(rp.maxPayload.Load()) }

func (rp *RemotePort) setNames(wwpn, wwnn frame.WWN, maxPayload uint16) {
	rp.wwpn.Store(uint64(wwpn))
	rp.wwnn.Store(uint64(wwnn))
	if maxPayload != 0 {
		rp.maxPayload.Store(uint32(maxPayload))
	}
}

func (rp *RemotePort) setRoles(roles uint32) { rp.roles.Store(roles) }

// getRemoteLocked returns the remote port for fid with a new reference.
func (vf *Fabric) getRemoteLocked(fid uint32) *RemotePort {
	rp, ok := vf.rports[fid]
	if !ok {
		rp = &RemotePort{fid: fid}
		rp.maxPayload.Store(uint32(frame.SPMinMaxPayload))
		vf.rports[fid] = rp
	}
	rp.refs++
	return rp
}

func (vf *Fabric) putRemoteLocked(rp *RemotePort) {
	rp.refs--
	if rp.refs <= 0 && vf.rports[rp.fid] == rp {
		delete(vf.rports, rp.fid)
	}
}

// RemotePort returns the remote port known at fid.
func (vf *Fabric) RemotePort(fid uint32) (*RemotePort, bool) {
	vf.mu.Lock()
	defer vf.mu.Unlock()
	rp, ok := vf.rports[fid]
	return rp, ok
}

// FindRemotePort looks a remote port up by port name.
func (vf *Fabric) FindRemotePort(wwpn frame.WWN) (*RemotePort, bool) {
	vf.mu.Lock()
	rps := make([]*RemotePort, 0, len(vf.rports))
	for _, rp := range vf.rports {
		rps = append(rps, rp)
	}
	vf.mu.Unlock()
	for _, rp := range rps {
		if w, _ := rp.Names(); w == wwpn {
			return rp, true
		}
	}
	return nil, false
}

// ============================================================================
// Session table
// ============================================================================

func sessionKey(lfid, rfid uint32) uint64 {
	return uint64(lfid)<<32 | uint64(rfid)
}

// LookupSession returns the live session between lp and the remote fabric
// address with a new reference, or nil.
func (vf *Fabric) LookupSession(lp *LocalPort, rfid uint32) *Session {
	vf.mu.Lock()
	defer vf.mu.Unlock()
	s, ok := vf.sessions[sessionKey(lp.FID(), rfid)]
	if !ok || s.lp != lp || !s.tryHold() {
		return nil
	}
	return s
}

// Session returns the session between lp and rfid, creating it if needed.
// The returned session carries a reference the caller must Release.
//
// Concurrent calls for the same pair return the same session: the table is
// checked again under the lock before a new session is inserted, and a
// session whose last reference is being dropped is replaced rather than
// revived.
func (vf *Fabric) Session(lp *LocalPort, rfid uint32) (*Session, error) {
	if s := vf.LookupSession(lp, rfid); s != nil {
		return s, nil
	}
	lfid := lp.FID()
	if lfid == 0 {
		return nil, ErrNoFID
	}

	s := newSession(vf, lp)

	vf.mu.Lock()
	if vf.closed {
		vf.mu.Unlock()
		return nil, ErrClosed
	}
	key := sessionKey(lfid, rfid)
	if cur, ok := vf.sessions[key]; ok && cur.lp == lp && cur.tryHold() {
		vf.mu.Unlock()
		return cur, nil
	}
	s.key = key
	s.rp = vf.getRemoteLocked(rfid)
	vf.sessions[key] = s
	lp.sessions[s] = struct{}{}
	vf.mu.Unlock()

	vf.sm.SessionCreated()
	logger.Debug("session created", logger.Port(lp.cfg.Name),
		logger.FID(lfid), logger.RemoteFID(rfid))
	return s, nil
}

// destroySession unlinks s after its last reference is dropped.
func (vf *Fabric) destroySession(s *Session) {
	vf.mu.Lock()
	if vf.sessions[s.key] == s {
		delete(vf.sessions, s.key)
	}
	delete(s.lp.sessions, s)
	vf.putRemoteLocked(s.rp)
	vf.mu.Unlock()

	vf.sm.SessionDestroyed()
	logger.Debug("session destroyed", logger.Port(s.lp.cfg.Name),
		logger.RemoteFID(s.rp.fid))
}

// portSessions returns every live session of lp with a reference held.
func (vf *Fabric) portSessions(lp *LocalPort) []*Session {
	vf.mu.Lock()
	defer vf.mu.Unlock()
	out := make([]*Session, 0, len(lp.sessions))
	for s := range lp.sessions {
		if s.tryHold() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].rp.fid < out[j].rp.fid })
	return out
}

// Sessions returns a snapshot of every session in the fabric.
func (vf *Fabric) Sessions() []SessionInfo {
	vf.mu.Lock()
	list := make([]*Session, 0, len(vf.sessions))
	for _, s := range vf.sessions {
		if s.tryHold() {
			list = append(list, s)
		}
	}
	vf.mu.Unlock()

	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
		s.Release()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Port != out[j].Port {
			return out[i].Port < out[j].Port
		}
		return out[i].RemoteFID < out[j].RemoteFID
	})
	return out
}
