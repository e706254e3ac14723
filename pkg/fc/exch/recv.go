package exch

import (
	"github.com/marmos91/dittofc/internal/logger"
	"github.com/marmos91/dittofc/pkg/fc/frame"
)

// Drop reasons, also used as metric labels.
const (
	dropXIDNotFound = "xid_not_found"
	dropXIDBusy     = "xid_busy"
	dropSeqNotFound = "seq_not_found"
	dropNonBLSResp  = "non_bls_resp"
	dropAborting    = "aborting"
	dropAddrInvalid = "addr_invalid"
	dropNoExchange  = "no_exchange"
	dropBLSJunk     = "bls_junk"
	dropNoHandler   = "no_handler"
)

// Recv classifies an inbound frame and dispatches it to its exchange.
// Frames that open a new exchange are handed to onRequest unless the
// exchange already has a receive handler.
func (m *Manager) Recv(ep Endpoint, f *frame.Frame, onRequest RecvFunc) {
	if f.FCtl&frame.FCtlEndSeq != 0 {
		if fill := int(f.FCtl & frame.FCtlFillMask); fill > 0 && fill <= len(f.Payload) {
			f.Payload = f.Payload[:len(f.Payload)-fill]
		}
	}

	switch {
	case f.Type == frame.TypeBLS:
		m.recvBLS(ep, f)
	case f.FCtl&(frame.FCtlExCtx|frame.FCtlSeqCtx) == frame.FCtlExCtx:
		m.recvSeqResp(f)
	case f.FCtl&frame.FCtlSeqCtx != 0:
		m.recvResp(f)
	default:
		m.recvReq(ep, f, onRequest)
	}
}

func (m *Manager) recvBLS(ep Endpoint, f *frame.Frame) {
	xid := f.RXID
	if f.FCtl&frame.FCtlExCtx != 0 {
		xid = f.OXID
	}
	e, _ := m.Lookup(xid)
	if e != nil {
		defer e.Release()
		if f.FCtl&frame.FCtlSeqInit != 0 {
			e.mu.Lock()
			e.esb |= frame.ESBSeqInit
			e.mu.Unlock()
		}
	}

	// Link control frames acknowledging one of our sequences.
	if f.FCtl&frame.FCtlSeqCtx != 0 {
		if e == nil {
			m.drop(dropXIDNotFound, &m.stats.xidNotFound, f)
		}
		return
	}

	switch f.RCtl {
	case frame.RCtlBAACC, frame.RCtlBARJT:
		if e == nil {
			m.drop(dropXIDNotFound, &m.stats.xidNotFound, f)
			return
		}
		m.recvAbortResp(e, f)
	case frame.RCtlBAABTS:
		m.recvABTS(ep, e, f)
	default:
		m.drop(dropBLSJunk, nil, f)
	}
}

// recvAbortResp handles the BA_ACC or BA_RJT answering our ABTS.
func (m *Manager) recvAbortResp(e *Exchange, f *frame.Frame) {
	e.mu.Lock()
	n := 0
	if e.timer.Cancel() {
		n++
	}
	qual := false
	if f.RCtl == frame.RCtlBAACC {
		var acc frame.BAAcc
		if acc.UnmarshalBinary(f.Payload) == nil &&
			e.esb&frame.ESBRecQual == 0 &&
			(!acc.SeqIDValid || acc.SeqID == e.abortSeqID) &&
			acc.LowSeqCnt != acc.HighSeqCnt {
			e.esb |= frame.ESBRecQual
			e.refcnt.Add(1)
			qual = true
		}
	}
	recv := e.recv
	sp := &e.seq
	if e.fType != frame.TypeFCP && f.FCtl&frame.FCtlLastSeq != 0 {
		n += e.doneLocked()
	}
	e.mu.Unlock()
	e.releaseN(n)

	if recv != nil {
		recv(sp, f)
	}
	if qual {
		m.stats.recQuals.Add(1)
		m.metrics.RecordRecoveryQualifier()
		e.mu.Lock()
		e.setTimerLocked(e.ratov)
		e.mu.Unlock()
	}
}

// recvABTS answers a peer's ABTS. Unknown or completed exchanges get a
// BA_RJT; otherwise a recovery qualifier is held for R_A_TOV and BA_ACC is
// sent as the last sequence.
func (m *Manager) recvABTS(ep Endpoint, e *Exchange, f *frame.Frame) {
	if e == nil {
		m.sendBARjt(ep, f, frame.BARjtUnable, frame.BARjtExplInvXID)
		return
	}

	e.mu.Lock()
	if e.esb&frame.ESBComplete != 0 {
		e.mu.Unlock()
		m.sendBARjt(ep, f, frame.BARjtUnable, frame.BARjtExplInvXID)
		return
	}
	if e.esb&frame.ESBRecQual == 0 {
		e.esb |= frame.ESBRecQual
		e.refcnt.Add(1)
		m.stats.recQuals.Add(1)
		m.metrics.RecordRecoveryQualifier()
	}
	e.setTimerLocked(e.ratov)

	acc := frame.BAAcc{OXID: e.oxid, RXID: e.rxid, HighSeqCnt: 0xffff}
	if sp := &e.seq; sp.resp {
		acc.SeqIDValid = true
		acc.SeqID = sp.id
		acc.LowSeqCnt = sp.cnt
		acc.HighSeqCnt = f.SeqCnt
	}
	sp := e.startSeqLocked()
	e.esb |= frame.ESBAbnormal
	errh := e.errh

	rf := frame.NewELSReply(&acc)
	rf.Setup(frame.RCtlBAACC, frame.TypeBLS)
	err := sp.transmitLocked(rf, frame.FCtlLastSeq|frame.FCtlEndSeq|frame.FCtlSeqInit, false, 0, 0)
	n := e.doneLocked()
	e.mu.Unlock()
	e.releaseN(n)

	logger.Debug("exchange aborted by peer",
		logger.XID(e.xid), logger.OXID(f.OXID), logger.RXID(f.RXID),
		logger.RemoteFID(f.SID), logger.Err(err))
	if errh != nil {
		errh(sp, EventClosed)
	}
}

// sendBARjt rejects an ABTS without an exchange context.
func (m *Manager) sendBARjt(ep Endpoint, rx *frame.Frame, reason frame.BARjtReason, explan frame.BARjtExplan) {
	f := frame.NewELSReply(&frame.BARjt{Reason: reason, Explan: explan})
	f.Setup(frame.RCtlBARJT, frame.TypeBLS)
	f.SID, f.DID = rx.DID, rx.SID
	f.OXID, f.RXID = rx.OXID, rx.RXID
	f.SeqID = rx.SeqID
	f.FCtl = (rx.FCtl&frame.FCtlExCtx)^frame.FCtlExCtx |
		frame.FCtlLastSeq | frame.FCtlEndSeq | frame.FCtlSeqInit
	if err := ep.Send(f); err != nil {
		logger.Debug("BA_RJT send failed", logger.OXID(rx.OXID), logger.Err(err))
	}
}

// recvSeqResp handles frames sent by the responder of an exchange we
// originated.
func (m *Manager) recvSeqResp(f *frame.Frame) {
	e, err := m.Lookup(f.OXID)
	if err != nil {
		m.drop(dropXIDNotFound, &m.stats.xidNotFound, f)
		return
	}
	defer e.Release()

	e.mu.Lock()
	if e.state&stDone != 0 || e.esb&(frame.ESBAbnormal|frame.ESBRecQual) != 0 {
		e.mu.Unlock()
		m.drop(dropAborting, nil, f)
		return
	}
	if e.esb&frame.ESBRespCtx != 0 {
		e.mu.Unlock()
		m.drop(dropXIDNotFound, &m.stats.xidNotFound, f)
		return
	}
	if (e.did != f.SID && e.did != frame.FIDFLogi) || (e.sid != 0 && e.sid != f.DID) {
		e.mu.Unlock()
		m.drop(dropAddrInvalid, nil, f)
		return
	}
	if e.rxid == frame.XIDUnknown {
		e.rxid = f.RXID
	} else if e.rxid != f.RXID {
		e.mu.Unlock()
		m.drop(dropXIDNotFound, &m.stats.xidNotFound, f)
		return
	}

	sp := &e.seq
	if f.SeqCnt == 0 {
		sp.id = f.SeqID
		sp.resp = true
	} else if sp.id != f.SeqID {
		e.mu.Unlock()
		m.drop(dropSeqNotFound, &m.stats.seqNotFound, f)
		return
	}
	if f.FCtl&frame.FCtlSeqInit != 0 {
		e.esb |= frame.ESBSeqInit
	}
	m.ackLocked(e, f)

	recv := e.recv
	n := 0
	if e.fType != frame.TypeFCP &&
		f.FCtl&(frame.FCtlLastSeq|frame.FCtlEndSeq) == frame.FCtlLastSeq|frame.FCtlEndSeq {
		n = e.doneLocked()
	}
	e.mu.Unlock()
	e.releaseN(n)

	if recv != nil {
		recv(sp, f)
	}
}

// recvResp handles non-BLS frames sent by the recipient of one of our
// sequences. Such acknowledgements are not tracked.
func (m *Manager) recvResp(f *frame.Frame) {
	xid := f.RXID
	if f.FCtl&frame.FCtlExCtx != 0 {
		xid = f.OXID
	}
	e, err := m.Lookup(xid)
	if err != nil {
		m.drop(dropXIDNotFound, &m.stats.xidNotFound, f)
		return
	}
	e.mu.Lock()
	match := e.seq.id == f.SeqID
	e.mu.Unlock()
	e.Release()

	if !match {
		m.drop(dropSeqNotFound, &m.stats.seqNotFound, f)
		return
	}
	m.drop(dropNonBLSResp, &m.stats.nonBLSResp, f)
}

// recvReq handles frames sent by the originator of an exchange: new
// requests and follow-on sequences of exchanges we respond to.
func (m *Manager) recvReq(ep Endpoint, f *frame.Frame, onRequest RecvFunc) {
	xid := f.RXID
	if xid == 0 && f.RCtl == frame.RCtlELSReq && f.ELSCmd() == frame.ELSTest {
		xid = frame.XIDUnknown
	}

	var e *Exchange
	if xid != frame.XIDUnknown {
		e, _ = m.Lookup(xid)
	}
	if f.FCtl&frame.FCtlFirstSeq != 0 && f.SeqCnt == 0 && xid == frame.XIDUnknown {
		var err error
		if e, err = m.newResponder(ep, f); err != nil {
			m.drop(dropNoExchange, nil, f)
			return
		}
	} else if e == nil {
		m.drop(dropXIDNotFound, &m.stats.xidNotFound, f)
		return
	}
	defer e.Release()

	e.mu.Lock()
	if e.esb&frame.ESBRespCtx == 0 || e.oxid != f.OXID {
		e.mu.Unlock()
		m.drop(dropXIDBusy, &m.stats.xidBusy, f)
		return
	}
	if e.state&stDone != 0 || e.esb&frame.ESBAbnormal != 0 {
		e.mu.Unlock()
		m.drop(dropAborting, nil, f)
		return
	}
	sp := &e.seq
	if f.SeqCnt == 0 {
		sp.startLocked(f.SeqID)
		sp.resp = true
	} else if sp.id != f.SeqID {
		e.mu.Unlock()
		m.drop(dropSeqNotFound, &m.stats.seqNotFound, f)
		return
	}
	if f.FCtl&frame.FCtlSeqInit != 0 {
		e.esb |= frame.ESBSeqInit
	}
	m.ackLocked(e, f)
	recv := e.recv
	e.mu.Unlock()

	switch {
	case recv != nil:
		recv(sp, f)
	case onRequest != nil:
		onRequest(sp, f)
	default:
		m.drop(dropNoHandler, nil, f)
		e.Done()
	}
}

// newResponder allocates the responder exchange for a new request. The
// returned exchange carries an extra reference for the caller.
func (m *Manager) newResponder(ep Endpoint, f *frame.Frame) (*Exchange, error) {
	e, err := m.alloc(ep, -1)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.fCtl = frame.FCtlExCtx
	e.sid, e.did, e.oid = f.DID, f.SID, f.SID
	e.oxid = f.OXID
	e.rxid = e.xid
	e.esb |= frame.ESBRespCtx
	e.fType = f.Type
	e.mu.Unlock()
	e.refcnt.Add(1)
	return e, nil
}

// ackLocked acknowledges a class 2 data frame.
func (m *Manager) ackLocked(e *Exchange, rx *frame.Frame) {
	if m.class != 2 || e.ep == nil {
		return
	}
	f := frame.New(0)
	f.Setup(frame.RCtlACK1, frame.TypeBLS)
	f.FCtl = (rx.FCtl&(frame.FCtlExCtx|frame.FCtlSeqCtx|frame.FCtlEndSeq|frame.FCtlSeqInit))^
		(frame.FCtlExCtx|frame.FCtlSeqCtx)
	f.SID, f.DID = e.sid, e.did
	f.OXID, f.RXID = e.oxid, e.rxid
	f.SeqID = rx.SeqID
	f.SeqCnt = rx.SeqCnt
	f.Param = 1
	_ = e.ep.Send(f)
}
