package exch

import (
	"testing"
	"time"

	"github.com/marmos91/dittofc/pkg/fc/frame"
	"github.com/marmos91/dittofc/pkg/fc/timer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	fidA uint32 = 0x010101
	fidB uint32 = 0x010102
)

// pair wires two managers back to back. Frames move only through toA and
// toB.
type pair struct {
	clk    *timer.ManualClock
	a, b   *Manager
	epA    *testPort
	epB    *testPort
	onReqB RecvFunc
}

func newPair(t *testing.T) *pair {
	t.Helper()
	clk := timer.NewManualClock(time.Unix(0, 0))
	return &pair{
		clk: clk,
		a:   newTestManager(t, clk),
		b:   newTestManager(t, clk),
		epA: &testPort{fid: fidA},
		epB: &testPort{fid: fidB},
	}
}

func (p *pair) toB(f *frame.Frame) { p.b.Recv(p.epB, f, p.onReqB) }
func (p *pair) toA(f *frame.Frame) { p.a.Recv(p.epA, f, nil) }

func request() *frame.Frame {
	f := frame.NewELSCmd(frame.ELSEcho, 8)
	f.SID, f.DID = fidA, fidB
	return f
}

func TestRequestResponse(t *testing.T) {
	t.Parallel()

	p := newPair(t)
	p.onReqB = func(sp *Sequence, f *frame.Frame) {
		assert.Equal(t, frame.ELSEcho, f.ELSCmd())
		require.NoError(t, sp.ReplyAcc())
	}

	var got []*frame.Frame
	_, err := p.a.SendRequest(p.epA, request(),
		func(_ *Sequence, f *frame.Frame) { got = append(got, f) },
		func(*Sequence, Event) { t.Error("unexpected error event") },
		2*time.Second)
	require.NoError(t, err)

	req := p.epA.takeOne(t)
	assert.Equal(t, frame.FCtlFirstSeq|frame.FCtlEndSeq|frame.FCtlSeqInit, req.FCtl)
	assert.Equal(t, frame.XIDUnknown, req.RXID)
	assert.Equal(t, uint16(0), req.SeqCnt)

	p.toB(req)
	rsp := p.epB.takeOne(t)
	assert.Equal(t, req.OXID, rsp.OXID)
	assert.NotEqual(t, frame.XIDUnknown, rsp.RXID)
	assert.Equal(t, fidB, rsp.SID)
	assert.Equal(t, fidA, rsp.DID)
	assert.NotZero(t, rsp.FCtl&frame.FCtlExCtx)
	assert.NotZero(t, rsp.FCtl&frame.FCtlLastSeq)
	assert.Equal(t, 0, p.b.Stats().Busy)

	p.toA(rsp)
	require.Len(t, got, 1)
	assert.Equal(t, frame.ELSLsAcc, got[0].ELSCmd())
	assert.Equal(t, 0, p.a.Stats().Busy)
	assert.Zero(t, p.clk.Pending(), "response cancels the timer")
}

func TestFillBytesStripped(t *testing.T) {
	t.Parallel()

	p := newPair(t)
	var payload []byte
	p.onReqB = func(sp *Sequence, f *frame.Frame) {
		payload = f.Payload
		sp.Exchange().Done()
	}

	f := frame.New(5)
	f.Setup(frame.RCtlDDUnsolCtl, frame.TypeCT)
	f.SID, f.DID = fidA, fidB
	_, err := p.a.SendRequest(p.epA, f, nil, nil, 0)
	require.NoError(t, err)

	sent := p.epA.takeOne(t)
	assert.Len(t, sent.Payload, 8)
	assert.Equal(t, uint32(3), sent.FCtl&frame.FCtlFillMask)

	p.toB(sent)
	assert.Len(t, payload, 5)
}

func TestTimeoutAbortsExchange(t *testing.T) {
	t.Parallel()

	p := newPair(t)
	var events []Event
	_, err := p.a.SendRequest(p.epA, request(), nil,
		func(_ *Sequence, ev Event) { events = append(events, ev) },
		2*time.Second)
	require.NoError(t, err)
	p.epA.take()

	p.clk.Advance(2 * time.Second)
	assert.Equal(t, []Event{EventTimeout}, events)

	abts := p.epA.takeOne(t)
	assert.Equal(t, frame.RCtlBAABTS, abts.RCtl)
	assert.Equal(t, frame.TypeBLS, abts.Type)
	assert.Equal(t, uint8(1), abts.SeqID)
	assert.Equal(t, 1, p.a.Stats().Busy)

	// No BA_ACC: the exchange completes after R_A_TOV.
	p.clk.Advance(10 * time.Second)
	s := p.a.Stats()
	assert.Equal(t, 0, s.Busy)
	assert.Equal(t, uint64(1), s.Timeouts)
	assert.Equal(t, uint64(1), s.Aborts)
	assert.Len(t, events, 1)
}

func TestAbortCompleteExchange(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, nil)
	e, err := m.Alloc(&testPort{fid: fidA}, 0)
	require.NoError(t, err)
	e.Hold()
	e.Done()
	assert.ErrorIs(t, e.Abort(), ErrExchangeDone)
	e.Release()
}

func TestAbortWithoutAddressSkipsABTS(t *testing.T) {
	t.Parallel()

	clk := timer.NewManualClock(time.Unix(0, 0))
	m := newTestManager(t, clk)
	ep := &testPort{}
	f := frame.NewELSCmd(frame.ELSFLogi, 116)
	f.DID = frame.FIDFLogi
	sp, err := m.SendRequest(ep, f, nil, nil, 0)
	require.NoError(t, err)
	ep.take()

	require.NoError(t, sp.Exchange().Abort())
	assert.Empty(t, ep.take())

	clk.Advance(10 * time.Second)
	assert.Equal(t, 0, m.Stats().Busy)
}

// Originator times out, responder holds a recovery qualifier, originator
// sends RRQ after R_A_TOV and both exchanges are freed.
func TestAbortRecoveryQualifierRoundTrip(t *testing.T) {
	t.Parallel()

	p := newPair(t)
	// The responder keeps its qualifier longer than the originator waits
	// before sending RRQ.
	var err error
	p.b, err = New(Config{MinXID: 0x10, MaxXID: 0x4f, Pools: 4, RATOV: 20 * time.Second, Clock: p.clk})
	require.NoError(t, err)
	p.onReqB = func(sp *Sequence, f *frame.Frame) {
		switch f.ELSCmd() {
		case frame.ELSRRQ:
			p.b.RecvRRQ(sp, f)
		default:
			// Start a data sequence and never finish the exchange.
			data := frame.New(4)
			data.Setup(frame.RCtlDDSolData, frame.TypeELS)
			require.NoError(t, sp.Exchange().StartSeq().SendFragment(data))
		}
	}

	var events []Event
	_, err = p.a.SendRequest(p.epA, request(), nil,
		func(_ *Sequence, ev Event) { events = append(events, ev) },
		2*time.Second)
	require.NoError(t, err)

	p.toB(p.epA.takeOne(t))
	p.toA(p.epB.takeOne(t))

	p.clk.Advance(2 * time.Second)
	require.Equal(t, []Event{EventTimeout}, events)
	abts := p.epA.takeOne(t)
	require.Equal(t, frame.RCtlBAABTS, abts.RCtl)

	p.toB(abts)
	baAcc := p.epB.takeOne(t)
	require.Equal(t, frame.RCtlBAACC, baAcc.RCtl)
	var acc frame.BAAcc
	require.NoError(t, acc.UnmarshalBinary(baAcc.Payload))
	assert.False(t, acc.SeqIDValid)
	assert.Equal(t, uint16(0xffff), acc.HighSeqCnt)
	assert.Equal(t, 1, p.b.Stats().Busy, "responder holds the qualifier")

	p.toA(baAcc)
	assert.Equal(t, 1, p.a.Stats().Busy, "originator holds the qualifier")
	assert.Equal(t, uint64(1), p.a.Stats().RecQuals)

	p.clk.Advance(5 * time.Second)
	assert.Empty(t, p.epA.take(), "no RRQ before R_A_TOV")

	p.clk.Advance(5 * time.Second)
	rrq := p.epA.takeOne(t)
	require.Equal(t, frame.ELSRRQ, rrq.ELSCmd())
	var req frame.XIDRequest
	require.NoError(t, req.UnmarshalBinary(rrq.Payload))
	assert.Equal(t, fidA, req.SID)
	assert.Equal(t, abts.OXID, req.OXID)
	assert.Equal(t, abts.RXID, req.RXID)

	p.toB(rrq)
	ack := p.epB.takeOne(t)
	assert.Equal(t, frame.ELSLsAcc, ack.ELSCmd())
	assert.Equal(t, 0, p.b.Stats().Busy)

	p.toA(ack)
	assert.Equal(t, 0, p.a.Stats().Busy)
	assert.Zero(t, p.clk.Pending())
}

func TestABTSForUnknownExchangeRejected(t *testing.T) {
	t.Parallel()

	p := newPair(t)
	abts := frame.New(0)
	abts.Setup(frame.RCtlBAABTS, frame.TypeBLS)
	abts.SID, abts.DID = fidA, fidB
	abts.OXID, abts.RXID = 0x20, 0x30
	abts.FCtl = frame.FCtlEndSeq | frame.FCtlSeqInit
	p.toB(abts)

	rjt := p.epB.takeOne(t)
	assert.Equal(t, frame.RCtlBARJT, rjt.RCtl)
	assert.Equal(t, fidA, rjt.DID)
	assert.NotZero(t, rjt.FCtl&frame.FCtlExCtx)
	var r frame.BARjt
	require.NoError(t, r.UnmarshalBinary(rjt.Payload))
	assert.Equal(t, frame.BARjtUnable, r.Reason)
	assert.Equal(t, frame.BARjtExplInvXID, r.Explan)
}

func TestResponseForUnknownExchangeDropped(t *testing.T) {
	t.Parallel()

	p := newPair(t)
	f := frame.NewLsAcc()
	f.SID, f.DID = fidB, fidA
	f.OXID, f.RXID = 0x21, 0x40
	f.FCtl = frame.FCtlExCtx | frame.FCtlLastSeq | frame.FCtlEndSeq
	p.toA(f)

	assert.Equal(t, uint64(1), p.a.Stats().XIDNotFound)
	assert.Empty(t, p.epA.take())
}

func TestResponseFromWrongPeerDropped(t *testing.T) {
	t.Parallel()

	p := newPair(t)
	called := false
	_, err := p.a.SendRequest(p.epA, request(),
		func(*Sequence, *frame.Frame) { called = true }, nil, time.Second)
	require.NoError(t, err)
	req := p.epA.takeOne(t)

	f := frame.NewLsAcc()
	f.SID, f.DID = 0x0a0b0c, fidA
	f.OXID, f.RXID = req.OXID, 0x40
	f.FCtl = frame.FCtlExCtx | frame.FCtlLastSeq | frame.FCtlEndSeq
	p.toA(f)

	assert.False(t, called)
	assert.Equal(t, 1, p.a.Stats().Busy)
}

func TestResetClosesMatchingExchanges(t *testing.T) {
	t.Parallel()

	p := newPair(t)
	var closed, other int
	_, err := p.a.SendRequest(p.epA, request(), nil,
		func(_ *Sequence, ev Event) {
			if ev == EventClosed {
				closed++
			}
		}, 2*time.Second)
	require.NoError(t, err)

	f := request()
	f.DID = 0x020202
	_, err = p.a.SendRequest(p.epA, f, nil,
		func(*Sequence, Event) { other++ }, 2*time.Second)
	require.NoError(t, err)

	n := p.a.Reset(ResetFilter{DID: fidB})
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, closed)
	assert.Equal(t, 0, other)
	assert.Equal(t, 1, p.a.Stats().Busy)
	assert.Equal(t, 1, p.clk.Pending())

	assert.Equal(t, 1, p.a.Reset(ResetFilter{Endpoint: p.epA}))
	assert.Equal(t, 1, other)
	assert.Equal(t, 0, p.a.Stats().Busy)
}

func TestRecvRECReportsExchange(t *testing.T) {
	t.Parallel()

	p := newPair(t)
	p.onReqB = func(sp *Sequence, f *frame.Frame) {
		if f.ELSCmd() == frame.ELSREC {
			p.b.RecvREC(sp, f)
		}
	}

	// Open an exchange at B and leave it active.
	_, err := p.a.SendRequest(p.epA, request(), nil, nil, 0)
	require.NoError(t, err)
	open := p.epA.takeOne(t)
	p.toB(open)
	bx := p.b.Snapshot()
	require.Len(t, bx, 1)

	rec := frame.NewELS(&frame.XIDRequest{Cmd: frame.ELSREC, SID: fidA, OXID: open.OXID, RXID: bx[0].RXID})
	rec.SID, rec.DID = fidA, fidB
	_, err = p.a.SendRequest(p.epA, rec, nil, nil, 0)
	require.NoError(t, err)
	p.toB(p.epA.takeOne(t))

	rsp := p.epB.takeOne(t)
	require.Equal(t, frame.ELSLsAcc, rsp.ELSCmd())
	var acc frame.RECAcc
	require.NoError(t, acc.UnmarshalBinary(rsp.Payload))
	assert.Equal(t, open.OXID, acc.OXID)
	assert.Equal(t, fidA, acc.OrigFID)
	assert.Equal(t, fidB, acc.RespFID)
	assert.NotZero(t, acc.EStat&frame.ESBRespCtx)

	// Unknown exchange.
	bad := frame.NewELS(&frame.XIDRequest{Cmd: frame.ELSREC, SID: fidA, OXID: 0x99, RXID: 0x4e})
	bad.SID, bad.DID = fidA, fidB
	_, err = p.a.SendRequest(p.epA, bad, nil, nil, 0)
	require.NoError(t, err)
	p.toB(p.epA.takeOne(t))
	rjt := p.epB.takeOne(t)
	require.Equal(t, frame.ELSLsRjt, rjt.ELSCmd())
	var r frame.LsRjt
	require.NoError(t, r.UnmarshalBinary(rjt.Payload))
	assert.Equal(t, frame.RjtLogic, r.Reason)
	assert.Equal(t, frame.ExplOXIDRXID, r.Explan)
}
