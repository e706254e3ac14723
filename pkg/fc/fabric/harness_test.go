package fabric

import (
	"testing"
	"time"

	"github.com/marmos91/dittofc/pkg/fc/exch"
	"github.com/marmos91/dittofc/pkg/fc/frame"
	"github.com/marmos91/dittofc/pkg/fc/switchsim"
	"github.com/marmos91/dittofc/pkg/fc/timer"
	"github.com/marmos91/dittofc/pkg/fc/transport"
	"github.com/stretchr/testify/require"
)

const (
	wwpnLow  frame.WWN = 0x2000000000000001
	wwpnMid  frame.WWN = 0x2000000000000002
	wwpnHigh frame.WWN = 0x2000000000000003

	testEDTOV = 2 * time.Second
)

// harness drives fabrics, a simulated switch and scripted peers from one
// manual clock and one synchronous frame queue.
type harness struct {
	t   *testing.T
	clk *timer.ManualClock
	q   *transport.Queue
	sw  *switchsim.Switch
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := timer.NewManualClock(time.Unix(1_700_000_000, 0))
	sw, err := switchsim.New(switchsim.Config{Name: "sw", Clock: clk, EDTOV: testEDTOV})
	require.NoError(t, err)
	return &harness{t: t, clk: clk, q: transport.NewQueue(0), sw: sw}
}

func (h *harness) fabric(name string) *Fabric {
	h.t.Helper()
	vf, err := New(Config{Name: name, Clock: h.clk, EDTOV: testEDTOV})
	require.NoError(h.t, err)
	return vf
}

func (h *harness) port(vf *Fabric, cfg PortConfig) *LocalPort {
	h.t.Helper()
	if cfg.WWNN == 0 {
		cfg.WWNN = cfg.WWPN | 0x0100000000000000
	}
	lp, err := vf.AddLocalPort(cfg)
	require.NoError(h.t, err)
	return lp
}

// settle delivers frames until the queue is empty.
func (h *harness) settle() { h.q.Pump() }

// advance moves the clock and delivers whatever the timers sent.
func (h *harness) advance(d time.Duration) {
	h.clk.Advance(d)
	h.q.Pump()
}

// bind connects lp to one end of a link.
func bind(lp *LocalPort, p *transport.Port) {
	p.Attach(lp.Receive)
	p.OnLink(func(up bool) {
		if up {
			lp.LinkUp()
		} else {
			lp.LinkDown()
		}
	})
	lp.AttachLink(p)
}

// plug connects lp to a new switch port and brings the link up.
func (h *harness) plug(lp *LocalPort) *transport.Port {
	h.t.Helper()
	a, b := transport.Connect(h.q, lp.Name(), "sw-"+lp.Name())
	bind(lp, a)
	_, err := h.sw.AddPort(b)
	require.NoError(h.t, err)
	a.SetLink(true)
	return a
}

// online logs lp in through the switch and waits for READY.
func (h *harness) online(lp *LocalPort) *transport.Port {
	h.t.Helper()
	lp.Logon(nil)
	link := h.plug(lp)
	h.settle()
	require.Equal(h.t, PortReady, lp.State())
	return link
}

// ============================================================================
// Scripted peer
// ============================================================================

// peer is a hand-driven N_Port on the far end of a point-to-point link. It
// answers the usual link services unless answer claims the request first.
type peer struct {
	t      *testing.T
	link   *transport.Port
	em     *exch.Manager
	fid    uint32
	wwpn   frame.WWN
	fabric bool // answer as a switch
	reqs   []*frame.Frame
	answer func(sp *exch.Sequence, f *frame.Frame) bool
}

// newPeer connects lp to a scripted peer. The link stays down.
func (h *harness) newPeer(lp *LocalPort, wwpn frame.WWN) *peer {
	h.t.Helper()
	a, b := transport.Connect(h.q, lp.Name(), "peer")
	bind(lp, a)
	em, err := exch.New(exch.Config{MaxXID: exch.DefaultMaxXID, Clock: h.clk})
	require.NoError(h.t, err)
	p := &peer{t: h.t, link: b, em: em, wwpn: wwpn}
	b.Attach(func(f *frame.Frame) { em.Recv(p, f, p.recv) })
	return p
}

func (p *peer) FID() uint32               { return p.fid }
func (p *peer) Send(f *frame.Frame) error { return p.link.Send(f) }

func (p *peer) up() { p.link.SetLink(true) }

func (p *peer) recv(sp *exch.Sequence, f *frame.Frame) {
	p.reqs = append(p.reqs, f)
	if p.answer != nil && p.answer(sp, f) {
		return
	}
	p.standard(sp, f)
}

func (p *peer) serviceParams(fabric bool) *frame.ServiceParams {
	sp := &frame.ServiceParams{
		Cmd:       frame.ELSLsAcc,
		Fabric:    fabric,
		HiVer:     frame.SPVersionHi,
		LoVer:     frame.SPVersionLo,
		BBRcvSize: frame.SPMaxMaxPayload,
		EDTOV:     uint32(testEDTOV / time.Millisecond),
		WWPN:      p.wwpn,
		WWNN:      p.wwpn | 0x0100000000000000,
	}
	if fabric {
		sp.RATOV = 10000
		if p.fabric {
			sp.Features = frame.SPFeatFPort
		}
	}
	c3 := sp.Class3()
	c3.Class = frame.ClassValid
	c3.RcvDataSize = frame.SPMaxMaxPayload
	c3.ConcurSeq = 255
	return sp
}

func (p *peer) standard(sp *exch.Sequence, f *frame.Frame) {
	if f.Type == frame.TypeCT {
		_ = sp.Reply(frame.NewCTReply(frame.CTFSAcc, 0, 0, nil))
		return
	}
	if f.Type != frame.TypeELS {
		sp.Exchange().Done()
		return
	}
	switch f.ELSCmd() {
	case frame.ELSFLogi:
		if p.fabric {
			_ = sp.ReplyFrom(frame.NewELSReply(p.serviceParams(true)), frame.FIDFLogi, 0x010100)
			return
		}
		p.fid = frame.PTPFIDHi
		_ = sp.ReplyFrom(frame.NewELSReply(p.serviceParams(true)), frame.PTPFIDHi, frame.PTPFIDLo)
	case frame.ELSPLogi:
		_ = sp.Reply(frame.NewELSReply(p.serviceParams(false)))
	case frame.ELSPRLI:
		_ = sp.Reply(frame.NewELSReply(&frame.PRLI{
			Cmd:     frame.ELSLsAcc,
			SPPType: frame.TypeFCP,
			Flags:   frame.SPPEstImgPair | uint8(frame.SPPRespAck),
			Params:  frame.FCPSPPFTargFcn,
		}))
	case frame.ELSRTV:
		_ = sp.Reply(frame.NewELSReply(&frame.RTVAcc{RATOV: 10000, EDTOV: 2000}))
	case frame.ELSADisc:
		_ = sp.Reply(frame.NewELSReply(&frame.ADISC{
			Cmd:      frame.ELSLsAcc,
			HardAddr: p.fid,
			WWPN:     p.wwpn,
			WWNN:     p.wwpn | 0x0100000000000000,
			PortID:   p.fid,
		}))
	default:
		_ = sp.ReplyAcc()
	}
}

// plogi builds a PLOGI from the peer to did.
func (p *peer) plogi(did uint32) *frame.Frame {
	sp := p.serviceParams(false)
	sp.Cmd = frame.ELSPLogi
	f := frame.NewELS(sp)
	f.SID, f.DID = p.fid, did
	return f
}

// request sends f from the peer and returns a pointer to the reply, filled
// in once the queue is pumped.
func (p *peer) request(f *frame.Frame) **frame.Frame {
	p.t.Helper()
	var got *frame.Frame
	recv := func(_ *exch.Sequence, rf *frame.Frame) { got = rf }
	_, err := p.em.SendRequest(p, f, recv, nil, 0)
	require.NoError(p.t, err)
	return &got
}

// cmds lists the ELS commands or CT commands the peer received, in order.
func (p *peer) cmds() []string {
	out := make([]string, 0, len(p.reqs))
	for _, f := range p.reqs {
		switch f.Type {
		case frame.TypeELS:
			out = append(out, f.ELSCmd().String())
		case frame.TypeCT:
			var ct frame.CTRequest
			if ct.UnmarshalBinary(f.Payload) == nil {
				out = append(out, ctName(ct.Cmd))
			}
		}
	}
	return out
}

func ctName(c frame.CTCmd) string {
	switch c {
	case frame.CTRPNID:
		return "RPN_ID"
	case frame.CTRFTID:
		return "RFT_ID"
	case frame.CTGIDFT:
		return "GID_FT"
	default:
		return "CT"
	}
}

// count returns how many requests with ELS command cmd the peer received.
func (p *peer) count(cmd frame.ELSCmd) int {
	n := 0
	for _, f := range p.reqs {
		if f.Type == frame.TypeELS && f.ELSCmd() == cmd {
			n++
		}
	}
	return n
}

// rejectOnce makes the first request with cmd fail with reason.
func rejectOnce(cmd frame.ELSCmd, reason frame.RjtReason) func(*exch.Sequence, *frame.Frame) bool {
	done := false
	return func(sp *exch.Sequence, f *frame.Frame) bool {
		if done || f.Type != frame.TypeELS || f.ELSCmd() != cmd {
			return false
		}
		done = true
		_ = sp.ReplyRjt(reason, frame.ExplNone)
		return true
	}
}

// collect records the events delivered to a handler.
type collect[E any] struct{ evs []E }

func (c *collect[E]) add(ev E) { c.evs = append(c.evs, ev) }
