package switchsim

import (
	"testing"
	"time"

	"github.com/marmos91/dittofc/pkg/fc/exch"
	"github.com/marmos91/dittofc/pkg/fc/frame"
	"github.com/marmos91/dittofc/pkg/fc/timer"
	"github.com/marmos91/dittofc/pkg/fc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// host is a bare N_Port driving the switch with hand-built requests.
type host struct {
	t    *testing.T
	link *transport.Port
	em   *exch.Manager
	fid  uint32
	wwpn frame.WWN
	reqs []*frame.Frame
}

func (h *host) FID() uint32               { return h.fid }
func (h *host) Send(f *frame.Frame) error { return h.link.Send(f) }

func (h *host) onRequest(sp *exch.Sequence, f *frame.Frame) {
	h.reqs = append(h.reqs, f)
	if f.Type == frame.TypeELS {
		_ = sp.ReplyAcc()
		return
	}
	sp.Exchange().Done()
}

// request sends f and returns a pointer filled with the reply once the
// queue is pumped.
func (h *host) request(f *frame.Frame) **frame.Frame {
	h.t.Helper()
	var got *frame.Frame
	recv := func(_ *exch.Sequence, rf *frame.Frame) { got = rf }
	_, err := h.em.SendRequest(h, f, recv, nil, 0)
	require.NoError(h.t, err)
	return &got
}

type rig struct {
	q  *transport.Queue
	sw *Switch
}

func newRig(t *testing.T) *rig {
	t.Helper()
	clk := timer.NewManualClock(time.Unix(0, 0))
	sw, err := New(Config{Name: "sw1", Clock: clk})
	require.NoError(t, err)
	return &rig{q: transport.NewQueue(0), sw: sw}
}

func (r *rig) attach(t *testing.T, name string, wwpn frame.WWN) *host {
	t.Helper()
	a, b := transport.Connect(r.q, name, "sw-"+name)
	em, err := exch.New(exch.Config{MaxXID: exch.DefaultMaxXID, Clock: timer.NewManualClock(time.Unix(0, 0))})
	require.NoError(t, err)
	h := &host{t: t, link: a, em: em, wwpn: wwpn}
	a.Attach(func(f *frame.Frame) { em.Recv(h, f, h.onRequest) })
	_, err = r.sw.AddPort(b)
	require.NoError(t, err)
	a.SetLink(true)
	return h
}

func flogi(wwpn frame.WWN) *frame.Frame {
	sp := &frame.ServiceParams{
		Cmd:       frame.ELSFLogi,
		Fabric:    true,
		HiVer:     frame.SPVersionHi,
		LoVer:     frame.SPVersionLo,
		BBRcvSize: frame.SPMaxMaxPayload,
		WWPN:      wwpn,
		WWNN:      wwpn | 0x1,
	}
	f := frame.NewELS(sp)
	f.SID, f.DID = 0, frame.FIDFLogi
	return f
}

// login performs FLOGI, directory server PLOGI and optionally RFT_ID and
// SCR for h.
func (r *rig) login(t *testing.T, h *host, fcp, scr bool) {
	t.Helper()
	rep := h.request(flogi(h.wwpn))
	r.q.Pump()
	require.NotNil(t, *rep)
	h.fid = (*rep).DID

	pl := frame.NewELS(&frame.ServiceParams{Cmd: frame.ELSPLogi, WWPN: h.wwpn, WWNN: h.wwpn | 1})
	pl.SID, pl.DID = h.fid, frame.FIDDirServ
	rep = h.request(pl)
	r.q.Pump()
	require.NotNil(t, *rep)
	require.Equal(t, frame.ELSLsAcc, (*rep).ELSCmd())

	if fcp {
		var types frame.FC4Types
		types.Set(frame.TypeFCP)
		ft := frame.NewCT(frame.NewRFTID(h.fid, types))
		ft.SID, ft.DID = h.fid, frame.FIDDirServ
		rep = h.request(ft)
		r.q.Pump()
		require.NotNil(t, *rep)
		require.Equal(t, frame.CTFSAcc, ctCmd(t, *rep))
	}
	if scr {
		sf := frame.NewELS(&frame.SCR{Func: frame.SCRFull})
		sf.SID, sf.DID = h.fid, frame.FIDFCtrl
		rep = h.request(sf)
		r.q.Pump()
		require.NotNil(t, *rep)
		require.Equal(t, frame.ELSLsAcc, (*rep).ELSCmd())
	}
}

func ctCmd(t *testing.T, f *frame.Frame) frame.CTCmd {
	t.Helper()
	var ct frame.CTRequest
	require.NoError(t, ct.UnmarshalBinary(f.Payload))
	return ct.Cmd
}

func TestFLOGIAssignsAddress(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	h0 := r.attach(t, "h0", 0x2000000000000001)
	h1 := r.attach(t, "h1", 0x2000000000000002)

	rep0 := h0.request(flogi(h0.wwpn))
	rep1 := h1.request(flogi(h1.wwpn))
	r.q.Pump()

	require.NotNil(t, *rep0)
	require.NotNil(t, *rep1)
	assert.Equal(t, uint32(0x010100), (*rep0).DID)
	assert.Equal(t, uint32(0x010200), (*rep1).DID)
	assert.Equal(t, frame.FIDFLogi, (*rep0).SID)

	var sp frame.ServiceParams
	require.NoError(t, sp.UnmarshalBinary((*rep0).Payload))
	assert.Equal(t, frame.ELSLsAcc, sp.Cmd)
	assert.NotZero(t, sp.Features&frame.SPFeatFPort)

	entries := r.sw.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "010100", entries[0].FID)
	assert.Equal(t, h0.wwpn, entries[0].WWPN)
}

func TestNameServerQueries(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	h0 := r.attach(t, "h0", 0x2000000000000001)
	h1 := r.attach(t, "h1", 0x2000000000000002)
	h2 := r.attach(t, "h2", 0x2000000000000003)
	r.login(t, h0, false, false)
	r.login(t, h1, true, false)
	r.login(t, h2, true, false)

	q := frame.NewCT(frame.NewGIDFT(frame.TypeFCP))
	q.SID, q.DID = h0.fid, frame.FIDDirServ
	rep := h0.request(q)
	r.q.Pump()
	require.NotNil(t, *rep)

	var ct frame.CTRequest
	require.NoError(t, ct.UnmarshalBinary((*rep).Payload))
	require.Equal(t, frame.CTFSAcc, ct.Cmd)
	fids, err := frame.DecodeGIDFTAcc(ct.Body)
	require.NoError(t, err)
	assert.Equal(t, []uint32{h1.fid, h2.fid}, fids)

	t.Run("no port of type", func(t *testing.T) {
		q := frame.NewCT(frame.NewGIDFT(frame.TypeIP))
		q.SID, q.DID = h0.fid, frame.FIDDirServ
		rep := h0.request(q)
		r.q.Pump()
		require.NotNil(t, *rep)
		var ct frame.CTRequest
		require.NoError(t, ct.UnmarshalBinary((*rep).Payload))
		assert.Equal(t, frame.CTFSRjt, ct.Cmd)
		assert.Equal(t, frame.CTExplFC4, ct.Explan)
	})

	t.Run("register port name", func(t *testing.T) {
		pn := frame.NewCT(frame.NewRPNID(h0.fid, h0.wwpn))
		pn.SID, pn.DID = h0.fid, frame.FIDDirServ
		rep := h0.request(pn)
		r.q.Pump()
		require.NotNil(t, *rep)
		assert.Equal(t, frame.CTFSAcc, ctCmd(t, *rep))
	})
}

func TestNameServerRequiresLogin(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	h := r.attach(t, "h0", 0x2000000000000001)

	rep := h.request(flogi(h.wwpn))
	r.q.Pump()
	require.NotNil(t, *rep)
	h.fid = (*rep).DID

	q := frame.NewCT(frame.NewGIDFT(frame.TypeFCP))
	q.SID, q.DID = h.fid, frame.FIDDirServ
	rep = h.request(q)
	r.q.Pump()
	require.NotNil(t, *rep)

	var ct frame.CTRequest
	require.NoError(t, ct.UnmarshalBinary((*rep).Payload))
	assert.Equal(t, frame.CTFSRjt, ct.Cmd)
	assert.Equal(t, frame.CTExplPortID, ct.Explan)
}

func TestRSCNToRegistrants(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	h0 := r.attach(t, "h0", 0x2000000000000001)
	h1 := r.attach(t, "h1", 0x2000000000000002)
	h2 := r.attach(t, "h2", 0x2000000000000003)
	r.login(t, h0, false, true)
	r.login(t, h1, false, false)

	r.login(t, h2, true, false)
	require.Len(t, h0.reqs, 1)
	assert.Empty(t, h1.reqs)

	var rscn frame.RSCN
	require.NoError(t, rscn.UnmarshalBinary(h0.reqs[0].Payload))
	require.Len(t, rscn.Pages, 1)
	assert.Equal(t, h2.fid, rscn.Pages[0].FID)
	assert.Equal(t, frame.AddrFmtPort, rscn.Pages[0].AddrFmt)
	assert.Equal(t, frame.FIDFCtrl, h0.reqs[0].SID)

	t.Run("link down", func(t *testing.T) {
		gone := h2.fid
		h2.link.SetLink(false)
		r.q.Pump()
		require.Len(t, h0.reqs, 2)
		require.NoError(t, rscn.UnmarshalBinary(h0.reqs[1].Payload))
		assert.Equal(t, gone, rscn.Pages[0].FID)
		assert.Len(t, r.sw.Entries(), 2)
	})
}

func TestFabricLogoutAnnounces(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	h0 := r.attach(t, "h0", 0x2000000000000001)
	h1 := r.attach(t, "h1", 0x2000000000000002)
	r.login(t, h0, false, true)
	r.login(t, h1, true, false)
	require.Len(t, h0.reqs, 1)

	lo := frame.NewELS(&frame.LOGO{NPortID: h1.fid, WWPN: h1.wwpn})
	lo.SID, lo.DID = h1.fid, frame.FIDFLogi
	rep := h1.request(lo)
	r.q.Pump()
	require.NotNil(t, *rep)
	assert.Equal(t, frame.ELSLsAcc, (*rep).ELSCmd())
	assert.Len(t, h0.reqs, 2)
	assert.Len(t, r.sw.Entries(), 1)
}

func TestForwardByDestination(t *testing.T) {
	t.Parallel()

	r := newRig(t)
	h0 := r.attach(t, "h0", 0x2000000000000001)
	h1 := r.attach(t, "h1", 0x2000000000000002)
	r.login(t, h0, false, false)
	r.login(t, h1, false, false)

	echo := frame.NewELSCmd(frame.ELSEcho, 8)
	echo.SID, echo.DID = h0.fid, h1.fid
	rep := h0.request(echo)
	r.q.Pump()

	require.Len(t, h1.reqs, 1)
	assert.Equal(t, h0.fid, h1.reqs[0].SID)
	require.NotNil(t, *rep)
	assert.Equal(t, frame.ELSLsAcc, (*rep).ELSCmd())

	t.Run("unknown destination", func(t *testing.T) {
		lost := frame.NewELSCmd(frame.ELSEcho, 8)
		lost.SID, lost.DID = h0.fid, 0x01ff00
		rep := h0.request(lost)
		r.q.Pump()
		assert.Nil(t, *rep)
	})
}
