package fabric

import (
	"context"
	"testing"
	"time"

	"github.com/marmos91/dittofc/pkg/fc/exch"
	"github.com/marmos91/dittofc/pkg/fc/frame"
	"github.com/marmos91/dittofc/pkg/fc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func acceptAll(frame.WWN) bool { return true }

func TestFabricLogin(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	vf := h.fabric("host")
	lp := h.port(vf, PortConfig{
		Name:     "fc0",
		WWPN:     wwpnLow,
		FC4Types: []frame.Type{frame.TypeFCP},
		Roles:    frame.FCPSPPFInitFcn,
	})

	var events collect[PortEvent]
	lp.OnEvent(events.add)
	done := 0
	lp.Logon(func() { done++ })

	h.plug(lp)
	h.settle()

	assert.Equal(t, PortReady, lp.State())
	assert.Equal(t, uint32(0x010100), lp.FID())
	assert.Equal(t, TopologyFabric, lp.Topology())
	assert.Equal(t, 1, done)

	require.Len(t, events.evs, 2)
	assert.Equal(t, PortEventFID, events.evs[0].Kind)
	assert.Equal(t, PortEventReady, events.evs[1].Kind)
	assert.Equal(t, uint32(0x010100), events.evs[1].FID)

	got, ok := vf.LocalPortByFID(0x010100)
	require.True(t, ok)
	assert.Same(t, lp, got)

	dns := vf.LookupSession(lp, frame.FIDDirServ)
	require.NotNil(t, dns)
	assert.Equal(t, SessionReady, dns.State())
	dns.Release()

	entries := h.sw.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, wwpnLow, entries[0].WWPN)
	assert.Equal(t, []string{"fcp"}, entries[0].FC4Types)
	assert.True(t, entries[0].SCR)

	t.Run("logon while ready completes at once", func(t *testing.T) {
		lp.Logon(func() { done++ })
		assert.Equal(t, 2, done)
	})
}

func TestLogonBeforeLinkUp(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	vf := h.fabric("host")
	lp := h.port(vf, PortConfig{Name: "fc0", WWPN: wwpnLow})

	a, b := transport.Connect(h.q, "fc0", "sw-fc0")
	bind(lp, a)
	_, err := h.sw.AddPort(b)
	require.NoError(t, err)

	lp.Logon(nil)
	h.settle()
	assert.Equal(t, PortInit, lp.State())

	a.SetLink(true)
	h.settle()
	assert.Equal(t, PortReady, lp.State())
}

func TestFLOGIRejectBacksOff(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	vf := h.fabric("host")
	lp := h.port(vf, PortConfig{Name: "fc0", WWPN: wwpnLow})
	p := h.newPeer(lp, wwpnHigh)
	p.fabric = true
	p.answer = rejectOnce(frame.ELSFLogi, frame.RjtUnable)

	lp.Logon(nil)
	p.up()
	h.settle()
	assert.Equal(t, PortFLOGI, lp.State())
	assert.Equal(t, 1, p.count(frame.ELSFLogi))

	h.advance(testEDTOV)
	assert.Equal(t, 1, p.count(frame.ELSFLogi))

	h.advance(DefaultFLOGIBackoff)
	assert.Equal(t, 2, p.count(frame.ELSFLogi))
	assert.Equal(t, PortReady, lp.State())
	assert.Equal(t, uint32(0x010100), lp.FID())
}

func TestFLOGIBusyRetriesAfterEDTOV(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	vf := h.fabric("host")
	lp := h.port(vf, PortConfig{Name: "fc0", WWPN: wwpnLow})
	p := h.newPeer(lp, wwpnHigh)
	p.fabric = true
	p.answer = rejectOnce(frame.ELSFLogi, frame.RjtBusy)

	lp.Logon(nil)
	p.up()
	h.settle()
	assert.Equal(t, PortFLOGI, lp.State())
	assert.Equal(t, 1, lp.Info().Retries)

	h.advance(testEDTOV)
	assert.Equal(t, 2, p.count(frame.ELSFLogi))
	assert.Equal(t, PortReady, lp.State())
	assert.Equal(t, 0, lp.Info().Retries)
}

func TestRegistrationEscalation(t *testing.T) {
	t.Parallel()

	ctReject := func(cmd frame.CTCmd) func(*exch.Sequence, *frame.Frame) bool {
		return func(sp *exch.Sequence, f *frame.Frame) bool {
			var ct frame.CTRequest
			if f.Type != frame.TypeCT || ct.UnmarshalBinary(f.Payload) != nil || ct.Cmd != cmd {
				return false
			}
			_ = sp.Reply(frame.NewCTReply(frame.CTFSRjt, frame.CTRjtUnable, frame.CTExplNone, nil))
			return true
		}
	}

	tests := []struct {
		name   string
		answer func(*exch.Sequence, *frame.Frame) bool
		cmds   []string
		state  PortState
	}{
		{
			name:   "RPN_ID rejected skips to RFT_ID",
			answer: ctReject(frame.CTRPNID),
			cmds:   []string{"FLOGI", "PLOGI", "RPN_ID", "RFT_ID", "SCR"},
			state:  PortReady,
		},
		{
			name:   "RFT_ID rejected skips to SCR",
			answer: ctReject(frame.CTRFTID),
			cmds:   []string{"FLOGI", "PLOGI", "RPN_ID", "RFT_ID", "SCR"},
			state:  PortReady,
		},
		{
			name:   "SCR rejected logs out",
			answer: rejectOnce(frame.ELSSCR, frame.RjtUnable),
			cmds:   []string{"FLOGI", "PLOGI", "RPN_ID", "RFT_ID", "SCR", "LOGO", "LOGO", "FLOGI"},
			state:  PortFLOGI,
		},
		{
			name:   "directory server login rejected",
			answer: rejectOnce(frame.ELSPLogi, frame.RjtUnable),
			cmds:   []string{"FLOGI", "PLOGI"},
			state:  PortInit,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			vf := h.fabric("host")
			lp := h.port(vf, PortConfig{
				Name:     "fc0",
				WWPN:     wwpnLow,
				FC4Types: []frame.Type{frame.TypeFCP},
			})
			p := h.newPeer(lp, wwpnHigh)
			p.fabric = true
			flogis := 0
			p.answer = func(sp *exch.Sequence, f *frame.Frame) bool {
				if f.Type == frame.TypeELS && f.ELSCmd() == frame.ELSFLogi {
					flogis++
					if flogis > 1 {
						sp.Exchange().Done()
						return true
					}
				}
				return tt.answer(sp, f)
			}

			lp.Logon(nil)
			p.up()
			h.settle()

			assert.Equal(t, tt.cmds, p.cmds())
			assert.Equal(t, tt.state, lp.State())
		})
	}
}

func TestDirectoryLoginRejectRestartsAfterEDTOV(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	vf := h.fabric("host")
	lp := h.port(vf, PortConfig{Name: "fc0", WWPN: wwpnLow})
	p := h.newPeer(lp, wwpnHigh)
	p.fabric = true
	p.answer = rejectOnce(frame.ELSPLogi, frame.RjtUnable)

	lp.Logon(nil)
	p.up()
	h.settle()
	require.Equal(t, PortInit, lp.State())
	assert.Zero(t, lp.FID())

	h.advance(testEDTOV)
	assert.Equal(t, PortReady, lp.State())
	assert.Equal(t, 2, p.count(frame.ELSFLogi))
	assert.Equal(t, 2, p.count(frame.ELSPLogi))
}

func TestLogoff(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	vf := h.fabric("host")
	lp := h.port(vf, PortConfig{Name: "fc0", WWPN: wwpnLow})
	h.online(lp)

	var events collect[PortEvent]
	lp.OnEvent(events.add)
	done := 0
	lp.Logoff(func() { done++ })
	h.settle()

	assert.Equal(t, PortInit, lp.State())
	assert.Equal(t, 1, done)
	assert.Zero(t, lp.FID())
	assert.Nil(t, vf.LookupSession(lp, frame.FIDDirServ))
	assert.Empty(t, h.sw.Entries())

	require.NotEmpty(t, events.evs)
	assert.Equal(t, PortEventDown, events.evs[0].Kind)

	t.Run("logoff in init completes at once", func(t *testing.T) {
		lp.Logoff(func() { done++ })
		assert.Equal(t, 2, done)
	})
}

func TestLinkBounce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	vf := h.fabric("host")
	lp := h.port(vf, PortConfig{Name: "fc0", WWPN: wwpnLow})
	link := h.online(lp)

	var events collect[PortEvent]
	vf.OnPort(events.add)

	link.SetLink(false)
	h.settle()
	assert.Equal(t, PortInit, lp.State())
	assert.Zero(t, lp.FID())
	assert.Nil(t, vf.LookupSession(lp, frame.FIDDirServ))
	require.NotEmpty(t, events.evs)
	assert.Equal(t, PortEventDown, events.evs[0].Kind)
	_, ok := vf.LocalPortByFID(0x010100)
	assert.False(t, ok)

	link.SetLink(true)
	h.settle()
	assert.Equal(t, PortReady, lp.State())
	assert.Equal(t, uint32(0x010100), lp.FID())
}

func TestResetSendsNothingWithoutAddress(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name   string
		fabric bool
	}{
		{"fabric", true},
		{"point-to-point", false},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			vf := h.fabric("host")
			lp := h.port(vf, PortConfig{Name: "fc0", WWPN: wwpnLow})
			p := h.newPeer(lp, wwpnHigh)
			p.fabric = tc.fabric

			lp.Logon(nil)
			p.up()
			h.settle()
			require.Equal(t, PortReady, lp.State())
			before := len(p.reqs)
			flogis, logos := p.count(frame.ELSFLogi), p.count(frame.ELSLogo)

			lp.Reset()
			h.settle()

			for _, f := range p.reqs[before:] {
				if f.SID != 0 {
					continue
				}
				assert.True(t, f.Type == frame.TypeELS && f.ELSCmd() == frame.ELSFLogi,
					"only FLOGI may leave without an address, got %s to %06x", f.ELSCmd(), f.DID)
			}
			assert.Equal(t, logos, p.count(frame.ELSLogo))
			assert.Equal(t, flogis+1, p.count(frame.ELSFLogi))
			assert.Equal(t, PortReady, lp.State())
		})
	}
}

func TestFabricLogoutResetsPort(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	vf := h.fabric("host")
	lp := h.port(vf, PortConfig{Name: "fc0", WWPN: wwpnLow})
	p := h.newPeer(lp, wwpnHigh)
	p.fabric = true

	lp.Logon(nil)
	p.up()
	h.settle()
	require.Equal(t, PortReady, lp.State())
	flogis := p.count(frame.ELSFLogi)

	logo := frame.NewELS(&frame.LOGO{NPortID: frame.FIDFLogi})
	logo.SID, logo.DID = frame.FIDFLogi, lp.FID()
	rep := p.request(logo)
	h.settle()

	require.NotNil(t, *rep)
	assert.Equal(t, frame.ELSLsAcc, (*rep).ELSCmd())
	assert.Equal(t, flogis+1, p.count(frame.ELSFLogi))
	assert.Equal(t, PortReady, lp.State())
}

func TestPointToPointLogin(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	vf := h.fabric("host")
	lp := h.port(vf, PortConfig{Name: "fc0", WWPN: wwpnLow, Roles: frame.FCPSPPFInitFcn})
	p := h.newPeer(lp, wwpnHigh)

	lp.Logon(nil)
	p.up()
	h.settle()

	assert.Equal(t, PortReady, lp.State())
	assert.Equal(t, frame.PTPFIDLo, lp.FID())
	assert.Equal(t, TopologyPTP, lp.Topology())
	assert.Equal(t, frame.PTPFIDHi, lp.PeerFID())
	assert.Equal(t, []string{"FLOGI", "PLOGI", "PRLI", "RTV"}, p.cmds())

	s := vf.LookupSession(lp, frame.PTPFIDHi)
	require.NotNil(t, s)
	defer s.Release()
	assert.Equal(t, SessionReady, s.State())
	assert.Equal(t, frame.FCPSPPFTargFcn, s.RemotePort().Roles())
	wwpn, _ := s.RemotePort().Names()
	assert.Equal(t, wwpnHigh, wwpn)
}

// Both ports send FLOGI at link up. The port with the higher name must end
// with the high address whichever FLOGI is delivered first.
func TestPointToPointFLOGIRace(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b frame.WWN
	}{
		{name: "lower port sends first", a: wwpnLow, b: wwpnHigh},
		{name: "higher port sends first", a: wwpnHigh, b: wwpnLow},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			vfA, vfB := h.fabric("a"), h.fabric("b")
			lpA := h.port(vfA, PortConfig{Name: "a", WWPN: tt.a, Roles: frame.FCPSPPFInitFcn, AcceptPLOGI: acceptAll})
			lpB := h.port(vfB, PortConfig{Name: "b", WWPN: tt.b, Roles: frame.FCPSPPFTargFcn, AcceptPLOGI: acceptAll})

			la, lb := transport.Connect(h.q, "a", "b")
			bind(lpA, la)
			bind(lpB, lb)
			lpA.Logon(nil)
			lpB.Logon(nil)
			la.SetLink(true)
			h.settle()

			hi, lo := lpA, lpB
			if tt.b > tt.a {
				hi, lo = lpB, lpA
			}
			require.Equal(t, PortReady, hi.State())
			require.Equal(t, PortReady, lo.State())
			assert.Equal(t, frame.PTPFIDHi, hi.FID())
			assert.Equal(t, frame.PTPFIDLo, lo.FID())
			assert.Equal(t, frame.PTPFIDLo, hi.PeerFID())
			assert.Equal(t, frame.PTPFIDHi, lo.PeerFID())

			for _, lp := range []*LocalPort{hi, lo} {
				s := lp.Fabric().LookupSession(lp, lp.PeerFID())
				require.NotNil(t, s, lp.Name())
				assert.Equal(t, SessionReady, s.State(), lp.Name())
				s.Release()
			}
		})
	}
}

func TestPointToPointSameWWPNRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	vf := h.fabric("host")
	lp := h.port(vf, PortConfig{Name: "fc0", WWPN: wwpnLow})
	p := h.newPeer(lp, wwpnLow)
	p.up()

	sp := p.serviceParams(true)
	sp.Cmd = frame.ELSFLogi
	f := frame.NewELS(sp)
	f.SID, f.DID = 0, frame.FIDFLogi
	rep := p.request(f)
	h.settle()

	require.NotNil(t, *rep)
	assert.Equal(t, frame.ELSLsRjt, (*rep).ELSCmd())
	assert.Zero(t, lp.FID())
}

func TestLinkServicesWithoutSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	vf := h.fabric("host")
	lp := h.port(vf, PortConfig{Name: "fc0", WWPN: wwpnLow, WWNN: 0x1000000000000001})
	p := h.newPeer(lp, wwpnHigh)
	lp.Logon(nil)
	p.up()
	h.settle()
	require.Equal(t, PortReady, lp.State())

	send := func(f *frame.Frame) *frame.Frame {
		t.Helper()
		f.SID, f.DID = p.fid, lp.FID()
		rep := p.request(f)
		h.settle()
		require.NotNil(t, *rep)
		return *rep
	}

	t.Run("ECHO", func(t *testing.T) {
		f := frame.NewELSCmd(frame.ELSEcho, 12)
		copy(f.Payload[4:], "ping")
		rep := send(f)
		assert.Equal(t, frame.ELSLsAcc, rep.ELSCmd())
		assert.Equal(t, "ping", string(rep.Payload[4:8]))
	})

	t.Run("ADISC", func(t *testing.T) {
		rep := send(frame.NewELS(&frame.ADISC{Cmd: frame.ELSADisc, PortID: p.fid, WWPN: p.wwpn}))
		var a frame.ADISC
		require.NoError(t, a.UnmarshalBinary(rep.Payload))
		assert.Equal(t, wwpnLow, a.WWPN)
		assert.Equal(t, lp.FID(), a.PortID)
	})

	t.Run("RNID", func(t *testing.T) {
		rep := send(frame.NewELS(&frame.RNIDRequest{Format: frame.RNIDFmtCommon}))
		var acc frame.RNIDAcc
		require.NoError(t, acc.UnmarshalBinary(rep.Payload))
		assert.Equal(t, wwpnLow, acc.WWPN)
	})

	t.Run("RLS", func(t *testing.T) {
		rep := send(frame.NewELS(&frame.RLSRequest{PortID: lp.FID()}))
		var st frame.LinkErrorStatus
		require.NoError(t, st.UnmarshalBinary(rep.Payload))
		assert.Equal(t, frame.ELSLsAcc, rep.ELSCmd())
	})

	t.Run("RTV", func(t *testing.T) {
		rep := send(frame.NewELSCmd(frame.ELSRTV, frame.RTVLen))
		var rtv frame.RTVAcc
		require.NoError(t, rtv.UnmarshalBinary(rep.Payload))
		assert.Equal(t, uint32(2000), rtv.EDTOV)
	})

	t.Run("unsupported", func(t *testing.T) {
		rep := send(frame.NewELSCmd(frame.ELSTest, 8))
		var rjt frame.LsRjt
		require.NoError(t, rjt.UnmarshalBinary(rep.Payload))
		assert.Equal(t, frame.RjtUnsup, rjt.Reason)
	})
}

func TestRSCNAndNameServer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	vfI, vfT := h.fabric("initiator"), h.fabric("target")
	lpI := h.port(vfI, PortConfig{Name: "init0", WWPN: wwpnLow, Roles: frame.FCPSPPFInitFcn})
	lpT := h.port(vfT, PortConfig{
		Name:        "tgt0",
		WWPN:        wwpnHigh,
		FC4Types:    []frame.Type{frame.TypeFCP},
		Roles:       frame.FCPSPPFTargFcn,
		AcceptPLOGI: acceptAll,
	})

	var fabricRSCN, portRSCN collect[RSCNEvent]
	vfI.OnRSCN(fabricRSCN.add)
	h.online(lpI)
	lpI.OnRSCN(portRSCN.add)

	h.online(lpT)
	require.Len(t, fabricRSCN.evs, 1)
	require.Len(t, portRSCN.evs, 1)
	ev := fabricRSCN.evs[0]
	assert.Equal(t, "init0", ev.Name)
	assert.False(t, ev.Full)
	assert.Equal(t, []uint32{lpT.FID()}, ev.FIDs)

	var got []uint32
	var qerr error
	require.NoError(t, lpI.QueryNameServer(frame.TypeFCP, func(fids []uint32, err error) {
		got, qerr = fids, err
	}))
	h.settle()
	require.NoError(t, qerr)
	assert.Equal(t, []uint32{lpT.FID()}, got)

	t.Run("own address is filtered", func(t *testing.T) {
		var got []uint32
		require.NoError(t, lpT.QueryNameServer(frame.TypeFCP, func(fids []uint32, err error) {
			got = fids
		}))
		h.settle()
		assert.Empty(t, got)
	})

	t.Run("no port of type", func(t *testing.T) {
		called := false
		require.NoError(t, lpI.QueryNameServer(frame.TypeIP, func(fids []uint32, err error) {
			called = true
			assert.NoError(t, err)
			assert.Empty(t, fids)
		}))
		h.settle()
		assert.True(t, called)
	})

	t.Run("known peer is probed instead of reported", func(t *testing.T) {
		s, err := vfI.Session(lpI, lpT.FID())
		require.NoError(t, err)
		defer s.Release()
		s.Start()
		h.settle()
		require.Equal(t, SessionReady, s.State())

		rscn := frame.NewELS(&frame.RSCN{Pages: []frame.RSCNPage{{AddrFmt: frame.AddrFmtPort, FID: lpT.FID()}}})
		rscn.SID, rscn.DID = frame.FIDFCtrl, lpI.FID()
		rscn.OXID, rscn.RXID = 0x0042, frame.XIDUnknown
		rscn.FCtl = frame.FCtlFirstSeq | frame.FCtlEndSeq | frame.FCtlSeqInit
		before := len(fabricRSCN.evs)
		lpI.Receive(rscn)
		h.settle()
		assert.Len(t, fabricRSCN.evs, before)
		assert.Equal(t, SessionReady, s.State())
	})

	t.Run("blocking discovery", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		ran := make(chan struct{})
		go func() {
			_ = h.q.Run(ctx)
			close(ran)
		}()
		qctx, qcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer qcancel()
		fids, err := lpI.DiscoverPorts(qctx, frame.TypeFCP)
		cancel()
		<-ran
		require.NoError(t, err)
		assert.Equal(t, []uint32{lpT.FID()}, fids)
	})
}

func TestQueryNameServerNeedsFabric(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	vf := h.fabric("host")
	lp := h.port(vf, PortConfig{Name: "fc0", WWPN: wwpnLow})

	err := lp.QueryNameServer(frame.TypeFCP, func([]uint32, error) {})
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = lp.DiscoverPorts(context.Background(), frame.TypeFCP)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestPortStateStrings(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "REG_PN", PortRegPN.String())
	assert.Equal(t, "DNS_STOP", PortDNSStop.String())
	assert.Equal(t, "PLOGI_RECV", SessionPLOGIRecv.String())
	assert.Equal(t, "ready", SessionEventReady.String())
}
