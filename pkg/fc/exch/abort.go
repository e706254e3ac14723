package exch

import (
	"sync"

	"github.com/marmos91/dittofc/internal/logger"
	"github.com/marmos91/dittofc/pkg/fc/frame"
)

// Abort aborts the exchange by sending ABTS on a new sequence and arming the
// timer for R_A_TOV. If the local port has no address yet the ABTS is
// skipped and the exchange simply completes when the timer expires.
func (e *Exchange) Abort() error {
	e.mu.Lock()
	if e.esb&(frame.ESBComplete|frame.ESBAbnormal) != 0 {
		e.mu.Unlock()
		return ErrExchangeDone
	}
	e.abortSeqID = e.seq.id
	sp := e.startSeqLocked()
	e.esb |= frame.ESBSeqInit | frame.ESBAbnormal
	e.setTimerLocked(e.ratov)

	var err error
	if e.sid != 0 {
		e.state |= stAbortSent
		f := frame.New(0)
		f.Setup(frame.RCtlBAABTS, frame.TypeBLS)
		err = sp.transmitLocked(f, frame.FCtlEndSeq|frame.FCtlSeqInit, false, 0, 0)
	}
	e.mu.Unlock()

	e.mgr.stats.aborts.Add(1)
	e.mgr.metrics.RecordAbort()
	logger.Debug("exchange aborted", logger.XID(e.xid), logger.Err(err))
	return err
}

// timeout runs when the exchange timer fires. It owns the timer reference.
func (e *Exchange) timeout() {
	m := e.mgr
	e.mu.Lock()
	if e.state&(stDone|stResetCleanup) != 0 {
		e.mu.Unlock()
		e.Release()
		return
	}

	n := 0
	if e.esb&(frame.ESBAbnormal|frame.ESBComplete) == frame.ESBAbnormal {
		// No answer to our ABTS, or the peer's BA_ACC did not end the
		// exchange.
		n += e.doneLocked()
	}

	if e.esb&frame.ESBComplete != 0 {
		rrq := false
		if e.esb&frame.ESBRecQual != 0 {
			e.esb &^= frame.ESBRecQual
			if e.state&stAbortSent != 0 {
				rrq = true
			} else {
				n++
				n += e.doneLocked()
			}
		}
		e.mu.Unlock()
		e.releaseN(n)
		if rrq {
			m.sendRRQ(e)
		}
		e.Release()
		return
	}

	sp := &e.seq
	errh := e.errh
	e.recv, e.errh = nil, nil
	e.mu.Unlock()

	m.stats.timeouts.Add(1)
	m.metrics.RecordTimeout()
	logger.Debug("exchange timeout", logger.XID(e.xid))
	if errh != nil {
		errh(sp, EventTimeout)
	}
	_ = e.Abort()
	e.Release()
}

// sendRRQ reinstates the exchange's resources at the peer after an abort.
// The recovery qualifier reference taken when BA_ACC arrived is dropped once
// the RRQ completes.
func (m *Manager) sendRRQ(e *Exchange) {
	e.mu.Lock()
	ep := e.ep
	req := frame.XIDRequest{Cmd: frame.ELSRRQ, SID: e.oid, OXID: e.oxid, RXID: e.rxid}
	sid, did := e.sid, e.did
	e.mu.Unlock()

	f := frame.NewELS(&req)
	f.SID, f.DID = sid, did

	var once sync.Once
	finish := func() {
		once.Do(func() {
			e.Done()
			e.Release()
		})
	}
	_, err := m.SendRequest(ep, f,
		func(*Sequence, *frame.Frame) { finish() },
		func(*Sequence, Event) { finish() },
		m.edtov)
	if err == nil {
		return
	}

	logger.Debug("RRQ send failed, retrying after R_A_TOV", logger.XID(e.xid), logger.Err(err))
	e.mu.Lock()
	if e.state&(stDone|stResetCleanup) != 0 {
		e.mu.Unlock()
		e.Release()
		return
	}
	e.esb |= frame.ESBRecQual
	e.setTimerLocked(e.ratov)
	e.mu.Unlock()
}

// ResetFilter selects exchanges for Reset. Zero fields match everything.
type ResetFilter struct {
	Endpoint Endpoint
	SID      uint32
	DID      uint32
	Except   *Exchange
}

func (r *ResetFilter) match(e *Exchange) bool {
	if e == r.Except {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state&stDone != 0 {
		return false
	}
	if r.Endpoint != nil && e.ep != r.Endpoint {
		return false
	}
	if r.SID != 0 && e.sid != r.SID {
		return false
	}
	if r.DID != 0 && e.did != r.DID {
		return false
	}
	return true
}

// Reset terminates every exchange selected by flt. Each one has its timer
// cancelled, its recovery qualifier dropped and its error handler called
// with EventClosed. It returns the number of exchanges reset.
func (m *Manager) Reset(flt ResetFilter) int {
	var victims []*Exchange
	for _, p := range m.pools {
		p.mu.Lock()
		for i := p.busy.head; i >= 0; i = p.slots[i].next {
			e := p.slots[i]
			if e.refcnt.Load() == 0 && e.complete.Load() {
				continue
			}
			if flt.match(e) {
				e.refcnt.Add(1)
				victims = append(victims, e)
			}
		}
		p.mu.Unlock()
	}

	for _, e := range victims {
		e.reset()
		e.Release()
	}
	if len(victims) > 0 {
		logger.Debug("exchanges reset", logger.KeyCount, len(victims),
			logger.FID(flt.SID), logger.RemoteFID(flt.DID))
	}
	return len(victims)
}

func (e *Exchange) reset() {
	e.mu.Lock()
	if e.state&stDone != 0 {
		e.mu.Unlock()
		return
	}
	e.state |= stResetCleanup
	n := 0
	if e.timer.Cancel() {
		n++
	}
	if e.esb&frame.ESBRecQual != 0 {
		e.esb &^= frame.ESBRecQual
		n++
	}
	sp := &e.seq
	errh := e.errh
	n += e.doneLocked()
	e.mu.Unlock()
	e.releaseN(n)

	if errh != nil {
		errh(sp, EventClosed)
	}
}

// lookupRequested finds the exchange named by an RRQ or REC payload. The
// payload S_ID tells which side originated the exchange.
func (m *Manager) lookupRequested(local uint32, req *frame.XIDRequest) (*Exchange, frame.RjtExplan) {
	xid := req.RXID
	if req.SID == local {
		xid = req.OXID
	}
	e, err := m.Lookup(xid)
	if err != nil {
		return nil, frame.ExplOXIDRXID
	}
	e.mu.Lock()
	bad := frame.ExplNone
	switch {
	case e.oxid != req.OXID:
		bad = frame.ExplOXIDRXID
	case e.rxid != req.RXID && e.rxid != frame.XIDUnknown:
		bad = frame.ExplOXIDRXID
	case e.oid != req.SID:
		bad = frame.ExplSID
	}
	e.mu.Unlock()
	if bad != frame.ExplNone {
		e.Release()
		return nil, bad
	}
	return e, frame.ExplNone
}

// RecvRRQ handles a reinstate recovery qualifier request received on sp.
// The named exchange drops its qualifier and is finalized if complete.
func (m *Manager) RecvRRQ(sp *Sequence, f *frame.Frame) {
	var req frame.XIDRequest
	if err := req.UnmarshalBinary(f.Payload); err != nil {
		_ = sp.ReplyRjt(frame.RjtLogic, frame.ExplInvLen)
		return
	}
	e, explan := m.lookupRequested(f.DID, &req)
	if e == nil {
		logger.Debug("RRQ rejected", logger.OXID(req.OXID), logger.RXID(req.RXID),
			logger.RemoteFID(f.SID))
		_ = sp.ReplyRjt(frame.RjtLogic, explan)
		return
	}

	e.mu.Lock()
	n := 0
	if e.esb&frame.ESBRecQual != 0 {
		e.esb &^= frame.ESBRecQual
		n++
	}
	if e.esb&frame.ESBComplete != 0 {
		n += e.doneLocked()
	}
	e.mu.Unlock()
	e.releaseN(n)
	e.Release()

	_ = sp.ReplyAcc()
}

// RecvREC handles a read exchange concise request received on sp.
func (m *Manager) RecvREC(sp *Sequence, f *frame.Frame) {
	var req frame.XIDRequest
	if err := req.UnmarshalBinary(f.Payload); err != nil {
		_ = sp.ReplyRjt(frame.RjtLogic, frame.ExplInvLen)
		return
	}
	e, explan := m.lookupRequested(f.DID, &req)
	if e == nil {
		_ = sp.ReplyRjt(frame.RjtLogic, explan)
		return
	}

	e.mu.Lock()
	acc := frame.RECAcc{
		OXID:    e.oxid,
		RXID:    e.rxid,
		OrigFID: e.oid,
		EStat:   e.esb,
	}
	if e.oid == e.sid {
		acc.RespFID = e.did
	} else {
		acc.RespFID = e.sid
	}
	e.mu.Unlock()
	e.Release()

	_ = sp.Reply(frame.NewELSReply(&acc))
}
