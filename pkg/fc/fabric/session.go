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

// SessionState is the state of an N_Port login.
type SessionState int32

const (
	SessionInit SessionState = iota
	SessionStarted
	SessionPLOGI
	SessionPLOGIRecv
	SessionPRLI
	SessionRTV
	SessionReady
	SessionError
	SessionLogo
)

var sessionStateNames = [...]string{
	SessionInit:      "INIT",
	SessionStarted:   "STARTED",
	SessionPLOGI:     "PLOGI",
	SessionPLOGIRecv: "PLOGI_RECV",
	SessionPRLI:      "PRLI",
	SessionRTV:       "RTV",
	SessionReady:     "READY",
	SessionError:     "ERROR",
	SessionLogo:      "LOGO",
}

func (s SessionState) String() string {
	if s >= 0 && int(s) < len(sessionStateNames) {
		return sessionStateNames[s]
	}
	return fmt.Sprintf("SessionState(%d)", int32(s))
}

// SessionEventKind tells what happened to a session.
type SessionEventKind int

const (
	// SessionEventReady is delivered when the login completes.
	SessionEventReady SessionEventKind = iota + 1
	// SessionEventFailed is delivered when the login is rejected or its
	// retries are exhausted. The session is left in ERROR and may be
	// started again.
	SessionEventFailed
	// SessionEventClosed is delivered when a session returns to INIT.
	SessionEventClosed
)

func (k SessionEventKind) String() string {
	switch k {
	case SessionEventReady:
		return "ready"
	case SessionEventFailed:
		return "failed"
	case SessionEventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionEvent is delivered to session observers after the session lock is
// released.
type SessionEvent struct {
	Session   *Session
	Kind      SessionEventKind
	Port      string
	LocalFID  uint32
	RemoteFID uint32
	WWPN      frame.WWN
	WWNN      frame.WWN
	At        time.Time
}

// SessionInfo is a snapshot of one session.
type SessionInfo struct {
	Port       string    `json:"port"`
	LocalFID   string    `json:"local_fid"`
	RemoteFID  string    `json:"remote_fid"`
	WWPN       frame.WWN `json:"wwpn"`
	WWNN       frame.WWN `json:"wwnn"`
	State      string    `json:"state"`
	Retries    int       `json:"retries"`
	Refs       int32     `json:"refs"`
	Started    bool      `json:"started"`
	Roles      []string  `json:"roles,omitempty"`
	MaxPayload uint16    `json:"max_payload"`
	EDTOV      string    `json:"e_d_tov"`
	RATOV      string    `json:"r_a_tov"`
}

var (
	errSessionRejected = errors.New("login rejected")
	errSessionClosed   = errors.New("login closed")
)

// Session is the login between one local port and one remote port.
//
// References are held by whoever obtained the session from the fabric, by
// the started flag, by a completed PLOGI, by every outstanding request and
// by the pending retry timer. The session leaves the fabric tables when the
// last one is dropped.
type Session struct {
	vf   *Fabric
	lp   *LocalPort
	rp   *RemotePort
	key  uint64 // under vf.mu
	refs atomic.Int32

	mu        sync.Mutex
	state     SessionState
	gen       uint64 // bumped on every state change
	timerGen  uint64
	retries   int
	edtov     time.Duration
	ratov     time.Duration
	maxSeq    uint16
	started   bool
	plogiHeld bool
	adisc     bool
	timer     *timer.Timer
	span      trace.Span
	acts      []func()

	events event.List[SessionEvent]
}

func newSession(vf *Fabric, lp *LocalPort) *Session {
	edtov, ratov := lp.timeouts()
	s := &Session{vf: vf, lp: lp, edtov: edtov, ratov: ratov}
	s.refs.Store(1)
	s.timer = timer.New(vf.cfg.Clock, s.timeout)
	return s
}

// LocalPort returns the owning local port.
func (s *Session) LocalPort() *LocalPort { return s.lp }

// RemotePort returns the peer.
func (s *Session) RemotePort() *RemotePort { return s.rp }

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Retries returns the retry counter of the current state.
func (s *Session) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// Timeouts returns the E_D_TOV and R_A_TOV in use.
func (s *Session) Timeouts() (edtov, ratov time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.edtov, s.ratov
}

// Refs returns the reference count.
func (s *Session) Refs() int32 { return s.refs.Load() }

// OnEvent registers a handler for this session's events.
func (s *Session) OnEvent(h func(SessionEvent)) event.ID {
	return s.events.Register(h)
}

// RemoveHandler unregisters a handler added with OnEvent.
func (s *Session) RemoveHandler(id event.ID) {
	s.events.Unregister(id)
}

// Hold takes a reference. The caller must already hold one.
func (s *Session) Hold() { s.refs.Add(1) }

// tryHold takes a reference unless the count already dropped to zero.
func (s *Session) tryHold() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference. The last one removes the session from the
// fabric.
func (s *Session) Release() {
	n := s.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		logger.Error("session reference count underflow",
			logger.Port(s.lp.cfg.Name), logger.RemoteFID(s.rp.fid), logger.KeyRefcnt, n)
		s.refs.Store(0)
		return
	}
	s.mu.Lock()
	if s.timer.Cancel() {
		logger.Error("session freed with armed timer", logger.RemoteFID(s.rp.fid))
	}
	span := s.span
	s.span = nil
	state := s.state
	s.mu.Unlock()
	telemetry.EndSpan(span, state, errSessionClosed)
	s.vf.destroySession(s)
}

// unlock releases the session lock, then runs the queued actions and
// delivers the queued events.
func (s *Session) unlock() {
	acts := s.acts
	s.acts = nil
	s.mu.Unlock()
	for _, fn := range acts {
		fn()
	}
	s.events.Fire()
	s.vf.sessionEvents.Fire()
}

func (s *Session) after(fn func()) { s.acts = append(s.acts, fn) }

func (s *Session) notifyLocked(kind SessionEventKind) {
	wwpn, wwnn := s.rp.Names()
	ev := SessionEvent{
		Session:   s,
		Kind:      kind,
		Port:      s.lp.cfg.Name,
		LocalFID:  s.lp.FID(),
		RemoteFID: s.rp.fid,
		WWPN:      wwpn,
		WWNN:      wwnn,
		At:        s.vf.cfg.Clock.Now(),
	}
	s.events.Defer(ev)
	s.vf.sessionEvents.Defer(ev)
	s.vf.sm.RecordEvent(kind.String())
}

// ============================================================================
// Upward interface
// ============================================================================

// Start requests a login. The session logs in once its local port is ready;
// the directory server session logs in as soon as the fabric login
// completes. Starting a session in ERROR restarts the login.
func (s *Session) Start() {
	s.mu.Lock()
	if !s.started {
		s.started = true
		s.refs.Add(1)
	}
	switch s.state {
	case SessionInit, SessionError:
		s.enterStartedLocked()
	case SessionStarted:
		if s.canLoginLocked() {
			s.enterPLOGILocked()
		}
	}
	s.unlock()
}

// Stop logs out. A logged-in session sends LOGO first; any other state
// returns to INIT directly.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.started {
		s.started = false
		s.after(s.Release)
	}
	switch s.state {
	case SessionPRLI, SessionRTV, SessionReady:
		s.enterLogoLocked()
	case SessionInit, SessionLogo:
	default:
		s.enterInitLocked()
	}
	s.unlock()
}

// Reset drops the login without logging out and resets the exchanges with
// the peer. A started session logs in again when its port is ready.
func (s *Session) Reset() {
	s.mu.Lock()
	s.resetLocked("reset requested")
	s.unlock()
}

// Reprobe verifies a logged-in peer with ADISC. A failed or mismatching
// response resets the session.
func (s *Session) Reprobe() {
	s.mu.Lock()
	if s.state == SessionReady && !s.adisc {
		s.adisc = true
		adisc := &frame.ADISC{
			Cmd:      frame.ELSADisc,
			HardAddr: s.lp.FID(),
			WWPN:     s.lp.cfg.WWPN,
			WWNN:     s.lp.cfg.WWNN,
			PortID:   s.lp.FID(),
		}
		s.sendLocked(frame.ELSADisc, frame.NewELS(adisc))
	}
	s.unlock()
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	wwpn, wwnn := s.rp.Names()
	maxPayload, roles := s.rp.MaxPayload(), s.rp.Roles()
	return SessionInfo{
		Port:       s.lp.cfg.Name,
		LocalFID:   frame.FormatFID(s.lp.FID()),
		RemoteFID:  frame.FormatFID(s.rp.fid),
		WWPN:       wwpn,
		WWNN:       wwnn,
		State:      s.state.String(),
		Retries:    s.retries,
		Refs:       s.refs.Load(),
		Started:    s.started,
		Roles:      roleNames(roles),
		MaxPayload: maxPayload,
		EDTOV:      s.edtov.String(),
		RATOV:      s.ratov.String(),
	}
}

func roleNames(params uint32) []string {
	var out []string
	if params&frame.FCPSPPFInitFcn != 0 {
		out = append(out, "initiator")
	}
	if params&frame.FCPSPPFTargFcn != 0 {
		out = append(out, "target")
	}
	return out
}

// kick starts the PLOGI of a started session waiting for its port.
func (s *Session) kick() {
	s.mu.Lock()
	if s.state == SessionStarted && s.canLoginLocked() {
		s.enterPLOGILocked()
	}
	s.unlock()
}

// portReset drops the login after the local port reset its exchanges.
func (s *Session) portReset() {
	s.mu.Lock()
	s.adisc = false
	if s.state != SessionInit && s.state != SessionStarted {
		s.enterInitLocked()
	}
	if s.started && s.state != SessionStarted {
		s.enterStartedLocked()
	}
	s.unlock()
}

// ============================================================================
// State transitions
// ============================================================================

func (s *Session) canLoginLocked() bool {
	if s.lp.FID() == 0 {
		return false
	}
	ps := s.lp.State()
	return ps == PortReady || (s.rp.fid == frame.FIDDirServ && ps == PortDNS)
}

func (s *Session) enterLocked(st SessionState) {
	old := s.state
	if old != st {
		s.retries = 0
		s.gen++
	}
	s.state = st
	s.vf.sm.RecordTransition(st.String())
	logger.Debug("session state",
		logger.Port(s.lp.cfg.Name), logger.RemoteFID(s.rp.fid),
		logger.OldState(old), logger.State(st))
}

func (s *Session) enterStartedLocked() {
	s.enterLocked(SessionStarted)
	if s.canLoginLocked() {
		s.enterPLOGILocked()
	}
}

func (s *Session) enterPLOGILocked() {
	s.enterLocked(SessionPLOGI)
	s.startSpanLocked()
	s.sendLocked(frame.ELSPLogi, frame.NewELS(s.lp.serviceParams(frame.ELSPLogi, false)))
}

func (s *Session) enterPRLILocked() {
	s.enterLocked(SessionPRLI)
	prli := &frame.PRLI{
		Cmd:     frame.ELSPRLI,
		SPPType: frame.TypeFCP,
		Flags:   frame.SPPEstImgPair,
		Params:  s.lp.cfg.Roles,
	}
	s.sendLocked(frame.ELSPRLI, frame.NewELS(prli))
}

func (s *Session) enterRTVLocked() {
	s.enterLocked(SessionRTV)
	s.sendLocked(frame.ELSRTV, frame.NewELSCmd(frame.ELSRTV, frame.RTVLen))
}

// enterLogoLocked sends LOGO. A port that has lost its address cannot log
// out, so the session drops straight to INIT.
func (s *Session) enterLogoLocked() {
	if s.lp.FID() == 0 {
		s.enterInitLocked()
		return
	}
	s.enterLocked(SessionLogo)
	logo := &frame.LOGO{NPortID: s.lp.FID(), WWPN: s.lp.cfg.WWPN}
	s.sendLocked(frame.ELSLogo, frame.NewELS(logo))
}

func (s *Session) enterReadyLocked() {
	s.enterLocked(SessionReady)
	s.cancelTimerLocked()
	s.endSpanLocked(nil)
	s.notifyLocked(SessionEventReady)
	logger.Info("session ready", logger.Port(s.lp.cfg.Name),
		logger.RemoteFID(s.rp.fid), logger.WWPN(s.remoteWWPN()))
}

func (s *Session) enterErrorLocked() {
	s.enterLocked(SessionError)
	s.cancelTimerLocked()
	s.endSpanLocked(errSessionRejected)
	s.notifyLocked(SessionEventFailed)
	logger.Warn("session login failed", logger.Port(s.lp.cfg.Name),
		logger.RemoteFID(s.rp.fid))
}

func (s *Session) enterInitLocked() {
	old := s.state
	s.enterLocked(SessionInit)
	s.cancelTimerLocked()
	s.adisc = false
	if s.plogiHeld {
		s.plogiHeld = false
		s.after(s.Release)
	}
	s.endSpanLocked(errSessionClosed)
	if old != SessionInit {
		s.notifyLocked(SessionEventClosed)
	}
}

// resetLocked returns to INIT, resets the exchanges with the peer and then
// restarts a started session.
func (s *Session) resetLocked(reason string) {
	logger.Warn("session reset", logger.Port(s.lp.cfg.Name),
		logger.RemoteFID(s.rp.fid), logger.KeyReason, reason)
	s.enterInitLocked()
	lfid := s.lp.FID()
	s.after(func() {
		s.vf.em.Reset(exch.ResetFilter{Endpoint: s.lp, SID: lfid, DID: s.rp.fid})
		s.mu.Lock()
		if s.started && s.state == SessionInit {
			s.enterStartedLocked()
		}
		s.unlock()
	})
}

// rejectLocked gives up on the current state's request.
func (s *Session) rejectLocked() {
	switch s.state {
	case SessionRTV:
		s.enterReadyLocked()
	case SessionLogo:
		s.enterInitLocked()
	default:
		s.enterErrorLocked()
	}
}

func (s *Session) retryLocked(cmd frame.ELSCmd) {
	if s.retries < s.vf.cfg.RetryLimit {
		s.retries++
		s.vf.sm.RecordRetry(cmd.String())
		logger.Debug("session retry scheduled", logger.Port(s.lp.cfg.Name),
			logger.RemoteFID(s.rp.fid), logger.ELS(cmd), logger.Retries(s.retries))
		s.armTimerLocked(s.edtov)
		return
	}
	logger.Warn("session retries exhausted", logger.Port(s.lp.cfg.Name),
		logger.RemoteFID(s.rp.fid), logger.ELS(cmd), logger.State(s.state))
	s.rejectLocked()
}

func (s *Session) armTimerLocked(d time.Duration) {
	s.timerGen = s.gen
	if !s.timer.Set(d) {
		s.refs.Add(1)
	}
}

func (s *Session) cancelTimerLocked() {
	if s.timer.Cancel() {
		s.after(s.Release)
	}
}

func (s *Session) timeout() {
	s.mu.Lock()
	if s.gen == s.timerGen {
		switch s.state {
		case SessionPLOGI:
			s.enterPLOGILocked()
		case SessionPRLI:
			s.enterPRLILocked()
		case SessionRTV:
			s.enterRTVLocked()
		case SessionLogo:
			s.enterLogoLocked()
		}
	}
	s.after(s.Release)
	s.unlock()
}

func (s *Session) startSpanLocked() {
	if s.span == nil {
		_, s.span = telemetry.StartSessionSpan(context.Background(), s.lp.cfg.Name, s.lp.FID(), s.rp.fid)
	}
}

func (s *Session) endSpanLocked(err error) {
	if s.span == nil {
		return
	}
	telemetry.EndSpan(s.span, s.state, err, telemetry.Retries(s.retries))
	s.span = nil
}

func (s *Session) remoteWWPN() frame.WWN {
	w, _ := s.rp.Names()
	return w
}

// ============================================================================
// Outbound requests
// ============================================================================

// sessionReq tracks one outstanding request. Its session reference is
// dropped by whichever of the response or error callbacks runs first.
type sessionReq struct {
	s     *Session
	cmd   frame.ELSCmd
	state SessionState
	gen   uint64
	done  atomic.Bool
}

func (r *sessionReq) recv(_ *exch.Sequence, f *frame.Frame) {
	if f.Type == frame.TypeBLS {
		return
	}
	if !r.done.CompareAndSwap(false, true) {
		return
	}
	r.s.response(r, f)
	r.s.Release()
}

func (r *sessionReq) fail(_ *exch.Sequence, ev exch.Event) {
	if !r.done.CompareAndSwap(false, true) {
		return
	}
	r.s.failure(r, ev)
	r.s.Release()
}

func (s *Session) elsTimeout() time.Duration { return 2 * s.edtov }

func (s *Session) sendLocked(cmd frame.ELSCmd, f *frame.Frame) {
	f.SID, f.DID = s.lp.FID(), s.rp.fid
	r := &sessionReq{s: s, cmd: cmd, state: s.state, gen: s.gen}
	s.refs.Add(1)
	if _, err := s.vf.em.SendRequest(s.lp, f, r.recv, r.fail, s.elsTimeout()); err != nil {
		logger.Debug("session request not sent", logger.Port(s.lp.cfg.Name),
			logger.RemoteFID(s.rp.fid), logger.ELS(cmd), logger.Err(err))
		s.after(s.Release)
		if cmd == frame.ELSADisc {
			s.adisc = false
			return
		}
		s.retryLocked(cmd)
	}
}

// parseReply classifies an ELS reply.
func parseReply(f *frame.Frame) (bool, frame.LsRjt) {
	var rjt frame.LsRjt
	if f.Type != frame.TypeELS {
		rjt.Reason = frame.RjtProt
		return false, rjt
	}
	switch f.ELSCmd() {
	case frame.ELSLsAcc:
		return true, rjt
	case frame.ELSLsRjt:
		if err := rjt.UnmarshalBinary(f.Payload); err != nil {
			rjt.Reason = frame.RjtProt
		}
	default:
		rjt.Reason = frame.RjtProt
	}
	return false, rjt
}

func (s *Session) response(r *sessionReq, f *frame.Frame) {
	s.mu.Lock()
	defer s.unlock()

	if r.cmd == frame.ELSADisc {
		s.adiscRespLocked(r, f)
		return
	}
	if s.state != r.state || s.gen != r.gen {
		logger.Debug("stale session response", logger.Port(s.lp.cfg.Name),
			logger.RemoteFID(s.rp.fid), logger.ELS(r.cmd), logger.State(s.state))
		return
	}

	acc, rjt := parseReply(f)
	if !acc && r.cmd != frame.ELSRTV && r.cmd != frame.ELSLogo {
		s.vf.sm.RecordReject(r.cmd.String(), fmt.Sprintf("%#02x", uint8(rjt.Reason)))
		if rjt.Busy() {
			s.retryLocked(r.cmd)
			return
		}
		logger.Warn("session request rejected", logger.Port(s.lp.cfg.Name),
			logger.RemoteFID(s.rp.fid), logger.ELS(r.cmd),
			logger.KeyReason, uint8(rjt.Reason), logger.KeyExplan, uint8(rjt.Explan))
		s.enterErrorLocked()
		return
	}

	switch r.cmd {
	case frame.ELSPLogi:
		var sp frame.ServiceParams
		if err := sp.UnmarshalBinary(f.Payload); err != nil {
			s.retryLocked(r.cmd)
			return
		}
		s.learnParamsLocked(&sp)
		if !s.plogiHeld {
			s.plogiHeld = true
			s.refs.Add(1)
		}
		if frame.IsWellKnown(s.rp.fid) {
			s.enterReadyLocked()
		} else {
			s.enterPRLILocked()
		}

	case frame.ELSPRLI:
		var p frame.PRLI
		if err := p.UnmarshalBinary(f.Payload); err != nil || p.Resp() != frame.SPPRespAck {
			logger.Warn("PRLI accept without image pair", logger.Port(s.lp.cfg.Name),
				logger.RemoteFID(s.rp.fid))
			s.enterErrorLocked()
			return
		}
		s.rp.setRoles(p.Params)
		s.enterRTVLocked()

	case frame.ELSRTV:
		if acc {
			var rtv frame.RTVAcc
			if rtv.UnmarshalBinary(f.Payload) == nil {
				if rtv.RATOV != 0 {
					s.ratov = time.Duration(rtv.RATOV) * time.Millisecond
				}
				if ms := rtv.EDTOVMillis(); ms != 0 {
					s.edtov = time.Duration(ms) * time.Millisecond
				}
			}
		}
		s.enterReadyLocked()

	case frame.ELSLogo:
		s.enterInitLocked()
	}
}

func (s *Session) adiscRespLocked(r *sessionReq, f *frame.Frame) {
	s.adisc = false
	if s.state != SessionReady || s.gen != r.gen {
		return
	}
	acc, _ := parseReply(f)
	if !acc {
		s.resetLocked("ADISC rejected")
		return
	}
	var a frame.ADISC
	if err := a.UnmarshalBinary(f.Payload); err != nil {
		s.resetLocked("malformed ADISC accept")
		return
	}
	wwpn, wwnn := s.rp.Names()
	if a.WWPN != wwpn || a.WWNN != wwnn || a.PortID != s.rp.fid {
		s.resetLocked("ADISC mismatch")
		return
	}
	logger.Debug("ADISC verified", logger.Port(s.lp.cfg.Name), logger.RemoteFID(s.rp.fid))
}

func (s *Session) failure(r *sessionReq, ev exch.Event) {
	s.mu.Lock()
	defer s.unlock()

	if r.cmd == frame.ELSADisc {
		s.adisc = false
		if ev == exch.EventTimeout && s.state == SessionReady && s.gen == r.gen {
			s.resetLocked("ADISC timed out")
		}
		return
	}
	if s.state != r.state || s.gen != r.gen {
		return
	}
	logger.Debug("session request failed", logger.Port(s.lp.cfg.Name),
		logger.RemoteFID(s.rp.fid), logger.ELS(r.cmd), logger.Event(ev))
	if ev == exch.EventTimeout {
		s.retryLocked(r.cmd)
	}
}

func (s *Session) learnParamsLocked(sp *frame.ServiceParams) {
	maxPayload := sp.MaxPayload()
	if c3 := sp.Class3(); c3.Valid() {
		if c3.RcvDataSize != 0 && c3.RcvDataSize < maxPayload {
			maxPayload = c3.RcvDataSize
		}
		s.maxSeq = c3.ConcurSeq
	}
	if own := s.lp.cfg.MaxFrameSize; own != 0 && own < maxPayload {
		maxPayload = own
	}
	if maxPayload < frame.SPMinMaxPayload {
		maxPayload = frame.SPMinMaxPayload
	}
	if ms := sp.EDTOVMillis(); ms != 0 {
		if d := time.Duration(ms) * time.Millisecond; d > s.edtov {
			s.edtov = d
		}
	}
	s.rp.setNames(sp.WWPN, sp.WWNN, maxPayload)
}

// ============================================================================
// Inbound requests
// ============================================================================

// recvPLOGI answers a PLOGI from the peer.
func (s *Session) recvPLOGI(sp *exch.Sequence, sparams *frame.ServiceParams) {
	s.mu.Lock()
	defer s.unlock()

	reject := func(reason frame.RjtReason, explan frame.RjtExplan) {
		logger.Debug("PLOGI rejected", logger.Port(s.lp.cfg.Name),
			logger.RemoteFID(s.rp.fid), logger.State(s.state), logger.KeyReason, uint8(reason))
		s.after(func() { _ = sp.ReplyRjt(reason, explan) })
	}

	old := s.state
	switch old {
	case SessionInit:
		if !s.lp.acceptsPLOGI(sparams.WWPN) {
			reject(frame.RjtUnable, frame.ExplNone)
			return
		}
	case SessionStarted, SessionPLOGIRecv, SessionError:
	case SessionPLOGI:
		if sparams.WWPN <= s.lp.cfg.WWPN {
			reject(frame.RjtInProg, frame.ExplInProg)
			return
		}
	case SessionPRLI, SessionRTV, SessionReady:
		lfid := s.lp.FID()
		xp := sp.Exchange()
		s.after(func() {
			s.vf.em.Reset(exch.ResetFilter{Endpoint: s.lp, SID: lfid, DID: s.rp.fid, Except: xp})
		})
		if old == SessionReady {
			s.notifyLocked(SessionEventClosed)
		}
	default:
		reject(frame.RjtBusy, frame.ExplNone)
		return
	}

	s.learnParamsLocked(sparams)
	if !s.plogiHeld {
		s.plogiHeld = true
		s.refs.Add(1)
	}
	s.cancelTimerLocked()
	s.enterLocked(SessionPLOGIRecv)
	s.startSpanLocked()
	acc := frame.NewELSReply(s.lp.serviceParams(frame.ELSLsAcc, false))
	s.after(func() { _ = sp.Reply(acc) })
}

// recvPRLI answers a PRLI from the peer.
func (s *Session) recvPRLI(sp *exch.Sequence, f *frame.Frame) {
	s.mu.Lock()
	defer s.unlock()

	switch s.state {
	case SessionPLOGIRecv, SessionPRLI, SessionRTV, SessionReady:
	default:
		s.after(func() { _ = sp.ReplyRjt(frame.RjtUnable, frame.ExplPLogiReqd) })
		return
	}

	var req frame.PRLI
	if err := req.UnmarshalBinary(f.Payload); err != nil {
		s.after(func() { _ = sp.ReplyRjt(frame.RjtProt, frame.ExplInvLen) })
		return
	}
	acc := &frame.PRLI{Cmd: frame.ELSLsAcc, SPPType: req.SPPType, TypeExt: req.TypeExt}
	if req.SPPType != frame.TypeFCP {
		acc.Flags = uint8(frame.SPPRespInvl)
		s.after(func() { _ = sp.Reply(frame.NewELSReply(acc)) })
		return
	}
	acc.Flags = frame.SPPEstImgPair | uint8(frame.SPPRespAck)
	acc.Params = s.lp.cfg.Roles
	s.rp.setRoles(req.Params)
	s.after(func() { _ = sp.Reply(frame.NewELSReply(acc)) })

	if s.state == SessionPLOGIRecv || s.state == SessionPRLI {
		s.cancelTimerLocked()
		s.enterRTVLocked()
	}
}

// recvLOGO accepts a LOGO from the peer and drops the login.
func (s *Session) recvLOGO(sp *exch.Sequence) {
	s.mu.Lock()
	defer s.unlock()

	s.after(func() { _ = sp.ReplyAcc() })
	if s.state != SessionInit {
		s.enterInitLocked()
	}
}
