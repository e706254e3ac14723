package exch

import (
	"time"

	"github.com/marmos91/dittofc/pkg/fc/frame"
)

// Sequence is the sequence embedded in an exchange. Only one sequence is
// tracked per exchange; starting the next sequence reuses it.
//
// A sequence holds one exchange reference from the moment it is started
// until it is both inactive and unreferenced.
type Sequence struct {
	ex     *Exchange
	id     uint8
	active bool
	resp   bool // initiated by the peer
	cnt    uint16
	refs   int32
	held   bool
}

// Exchange returns the owning exchange.
func (s *Sequence) Exchange() *Exchange { return s.ex }

// ID returns the current sequence id.
func (s *Sequence) ID() uint8 {
	s.ex.mu.Lock()
	defer s.ex.mu.Unlock()
	return s.id
}

// Hold keeps the sequence, and through it the exchange, alive after the
// exchange completes.
func (s *Sequence) Hold() {
	s.ex.mu.Lock()
	s.refs++
	s.ex.mu.Unlock()
}

// Release drops a reference taken by Hold.
func (s *Sequence) Release() {
	s.ex.mu.Lock()
	if s.refs > 0 {
		s.refs--
	}
	drop := s.dropHoldLocked()
	s.ex.mu.Unlock()
	if drop {
		s.ex.Release()
	}
}

func (s *Sequence) startLocked(id uint8) {
	if !s.held {
		s.held = true
		s.ex.refcnt.Add(1)
	}
	s.id = id
	s.active = true
	s.resp = false
	s.cnt = 0
}

func (s *Sequence) completeLocked() bool {
	s.active = false
	return s.dropHoldLocked()
}

func (s *Sequence) dropHoldLocked() bool {
	if s.held && !s.active && s.refs == 0 {
		s.held = false
		return true
	}
	return false
}

// transmitLocked stamps the exchange identifiers into f and hands it to the
// endpoint. When override is set, sid and did replace the exchange
// addresses in the header only.
func (s *Sequence) transmitLocked(f *frame.Frame, fctl uint32, override bool, sid, did uint32) error {
	e := s.ex
	fctl |= e.fCtl
	if fctl&frame.FCtlEndSeq != 0 {
		if fill := len(f.Payload) & 3; fill != 0 {
			fill = 4 - fill
			f.Payload = append(f.Payload, make([]byte, fill)...)
			fctl |= uint32(fill)
		}
	}
	f.FCtl = fctl
	f.OXID = e.oxid
	f.RXID = e.rxid
	f.SeqID = s.id
	f.SeqCnt = s.cnt
	f.SID, f.DID = e.sid, e.did
	if override {
		f.SID, f.DID = sid, did
	}
	s.cnt++

	err := e.ep.Send(f)
	if f.Type == frame.TypeBLS {
		return err
	}
	e.fCtl &^= frame.FCtlFirstSeq
	if fctl&frame.FCtlSeqInit != 0 {
		e.esb &^= frame.ESBSeqInit
	}
	return err
}

func (s *Sequence) send(f *frame.Frame, fctl uint32, override bool, sid, did uint32) error {
	e := s.ex
	e.mu.Lock()
	if e.state&stDone != 0 {
		e.mu.Unlock()
		return ErrExchangeDone
	}
	err := s.transmitLocked(f, fctl, override, sid, did)
	n := 0
	if fctl&frame.FCtlLastSeq != 0 {
		n = e.doneLocked()
	}
	e.mu.Unlock()
	e.releaseN(n)
	return err
}

// Send sends f as the last frame of the sequence. F_CTL bits already set in
// f are kept; LAST_SEQ completes the exchange.
func (s *Sequence) Send(f *frame.Frame) error {
	return s.send(f, f.FCtl|frame.FCtlEndSeq, false, 0, 0)
}

// SendFragment sends f without ending the sequence.
func (s *Sequence) SendFragment(f *frame.Frame) error {
	return s.send(f, f.FCtl&^(frame.FCtlEndSeq|frame.FCtlLastSeq), false, 0, 0)
}

// SendLast sends f as the last frame of the exchange, transferring the
// sequence initiative.
func (s *Sequence) SendLast(f *frame.Frame) error {
	return s.send(f, f.FCtl|frame.FCtlLastSeq|frame.FCtlEndSeq|frame.FCtlSeqInit, false, 0, 0)
}

func (s *Sequence) reply(f *frame.Frame, override bool, sid, did uint32) error {
	e := s.ex
	e.mu.Lock()
	if e.state&stDone != 0 {
		e.mu.Unlock()
		return ErrExchangeDone
	}
	sp := e.startSeqLocked()
	err := sp.transmitLocked(f, frame.FCtlLastSeq|frame.FCtlEndSeq|frame.FCtlSeqInit, override, sid, did)
	n := e.doneLocked()
	e.mu.Unlock()
	e.releaseN(n)
	return err
}

// Reply starts the response sequence and sends f as the last frame of the
// exchange.
func (s *Sequence) Reply(f *frame.Frame) error {
	return s.reply(f, false, 0, 0)
}

// ReplyFrom is Reply with explicit header addresses. It is used to answer a
// point-to-point FLOGI, where neither side owns an address yet.
func (s *Sequence) ReplyFrom(f *frame.Frame, sid, did uint32) error {
	return s.reply(f, true, sid, did)
}

// ReplyAcc replies with a bare LS_ACC.
func (s *Sequence) ReplyAcc() error {
	return s.Reply(frame.NewLsAcc())
}

// ReplyRjt replies with an LS_RJT.
func (s *Sequence) ReplyRjt(reason frame.RjtReason, explan frame.RjtExplan) error {
	return s.Reply(frame.NewLsRjt(reason, explan))
}

// SendRequest allocates an originator exchange, sends f as its first
// sequence and arms the exchange timer when timeout is positive. recv
// receives the response frames and errh the timeout or reset event.
//
// f must carry the source and destination addresses. When f has no F_CTL
// bits set, FIRST_SEQ|END_SEQ|SEQ_INIT is used.
func (m *Manager) SendRequest(ep Endpoint, f *frame.Frame, recv RecvFunc, errh ErrFunc, timeout time.Duration) (*Sequence, error) {
	e, err := m.alloc(ep, -1)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.esb |= frame.ESBSeqInit
	e.sid, e.did, e.oid = f.SID, f.DID, f.SID
	e.recv, e.errh = recv, errh
	e.fType = f.Type
	fctl := f.FCtl
	if fctl == 0 {
		fctl = frame.FCtlFirstSeq | frame.FCtlEndSeq | frame.FCtlSeqInit
	}
	sp := &e.seq
	sp.startLocked(e.seqID)
	if err := sp.transmitLocked(f, fctl, false, 0, 0); err != nil {
		n := e.doneLocked()
		e.mu.Unlock()
		e.releaseN(n)
		return nil, err
	}
	if timeout > 0 {
		e.setTimerLocked(timeout)
	}
	e.mu.Unlock()
	return sp, nil
}
