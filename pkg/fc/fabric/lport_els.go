package fabric

import (
	"time"

	"github.com/marmos91/dittofc/internal/logger"
	"github.com/marmos91/dittofc/pkg/fc/exch"
	"github.com/marmos91/dittofc/pkg/fc/frame"
)

// recvRequest dispatches a frame opening a new exchange. Link services that
// must be answered without a session are handled here; PLOGI, PRLI and
// LOGO are routed to the session for the sender.
func (lp *LocalPort) recvRequest(sp *exch.Sequence, f *frame.Frame) {
	if f.Type != frame.TypeELS || f.RCtl != frame.RCtlELSReq {
		lp.mu.Lock()
		upper := lp.upper
		lp.mu.Unlock()
		if upper != nil {
			upper(sp, f)
			return
		}
		logger.Debug("request without receiver dropped", logger.Port(lp.cfg.Name),
			logger.RemoteFID(f.SID), logger.KeyRCtl, f.RCtl.String())
		sp.Exchange().Done()
		return
	}

	cmd := f.ELSCmd()
	logger.Debug("ELS request", logger.Port(lp.cfg.Name),
		logger.RemoteFID(f.SID), logger.ELS(cmd))

	switch cmd {
	case frame.ELSFLogi:
		lp.recvFLOGI(sp, f)
	case frame.ELSLogo:
		lp.recvLOGO(sp, f)
	case frame.ELSEcho:
		lp.recvEcho(sp, f)
	case frame.ELSRNID:
		lp.recvRNID(sp, f)
	case frame.ELSADisc:
		lp.recvADISC(sp)
	case frame.ELSRLS:
		lp.recvRLS(sp)
	case frame.ELSRLIR:
		_ = sp.ReplyAcc()
	case frame.ELSRSCN:
		lp.recvRSCN(sp, f)
	case frame.ELSRRQ:
		lp.vf.em.RecvRRQ(sp, f)
	case frame.ELSREC:
		lp.vf.em.RecvREC(sp, f)
	case frame.ELSRTV:
		edtov, ratov := lp.timeouts()
		_ = sp.Reply(frame.NewELSReply(&frame.RTVAcc{
			RATOV: uint32(ratov / time.Millisecond),
			EDTOV: uint32(edtov / time.Millisecond),
		}))
	case frame.ELSPLogi:
		lp.recvPLOGI(sp, f)
	case frame.ELSPRLI:
		s := lp.vf.LookupSession(lp, f.SID)
		if s == nil {
			_ = sp.ReplyRjt(frame.RjtUnable, frame.ExplPLogiReqd)
			return
		}
		s.recvPRLI(sp, f)
		s.Release()
	case frame.ELSPRLO:
		_ = sp.ReplyRjt(frame.RjtUnsup, frame.ExplUnsupReq)
	default:
		_ = sp.ReplyRjt(frame.RjtUnsup, frame.ExplNone)
	}
}

// recvFLOGI answers a FLOGI from a directly attached N_Port. Both ends pick
// their address from the port name comparison so the assignment does not
// depend on which FLOGI arrives first.
func (lp *LocalPort) recvFLOGI(sp *exch.Sequence, f *frame.Frame) {
	var sparams frame.ServiceParams
	if err := sparams.UnmarshalBinary(f.Payload); err != nil {
		_ = sp.ReplyRjt(frame.RjtProt, frame.ExplInvLen)
		return
	}
	if sparams.WWPN == lp.cfg.WWPN {
		logger.Warn("FLOGI from port with our own WWPN", logger.Port(lp.cfg.Name),
			logger.WWPN(sparams.WWPN))
		_ = sp.ReplyRjt(frame.RjtUnable, frame.ExplNone)
		return
	}

	lp.mu.Lock()
	defer lp.unlock()

	remote := f.SID
	local := frame.PTPFIDLo
	if sparams.WWPN < lp.cfg.WWPN {
		local = frame.PTPFIDHi
		if remote == 0 || remote == local {
			remote = frame.PTPFIDLo
		}
	} else if remote == 0 {
		remote = frame.PTPFIDHi
	}
	logger.Info("point-to-point FLOGI", logger.Port(lp.cfg.Name),
		logger.WWPN(sparams.WWPN), logger.FID(local), logger.RemoteFID(remote))

	sparams.Fabric = true
	lp.setTimeouts(&sparams)
	lp.setFIDLocked(local)
	acc := frame.NewELSReply(lp.serviceParams(frame.ELSLsAcc, true))
	lp.after(func() { _ = sp.ReplyFrom(acc, local, remote) })
	lp.ptpSetupLocked(remote)
	lp.enterReadyLocked()
}

// recvLOGO handles a LOGO. A LOGO from the fabric login server resets the
// port; any other goes to the sender's session.
func (lp *LocalPort) recvLOGO(sp *exch.Sequence, f *frame.Frame) {
	if f.SID == frame.FIDFLogi {
		_ = sp.ReplyAcc()
		logger.Warn("logged out by fabric", logger.Port(lp.cfg.Name))
		lp.Reset()
		return
	}
	s := lp.vf.LookupSession(lp, f.SID)
	if s == nil {
		_ = sp.ReplyAcc()
		return
	}
	s.recvLOGO(sp)
	s.Release()
}

func (lp *LocalPort) recvPLOGI(sp *exch.Sequence, f *frame.Frame) {
	var sparams frame.ServiceParams
	if err := sparams.UnmarshalBinary(f.Payload); err != nil {
		_ = sp.ReplyRjt(frame.RjtProt, frame.ExplInvLen)
		return
	}
	s, err := lp.vf.Session(lp, f.SID)
	if err != nil {
		logger.Debug("PLOGI without session", logger.Port(lp.cfg.Name),
			logger.RemoteFID(f.SID), logger.Err(err))
		_ = sp.ReplyRjt(frame.RjtUnable, frame.ExplInsufRes)
		return
	}
	s.recvPLOGI(sp, &sparams)
	s.Release()
}

func (lp *LocalPort) recvEcho(sp *exch.Sequence, f *frame.Frame) {
	rsp := frame.New(len(f.Payload))
	copy(rsp.Payload, f.Payload)
	rsp.Payload[0] = byte(frame.ELSLsAcc)
	rsp.Setup(frame.RCtlELSRep, frame.TypeELS)
	_ = sp.Reply(rsp)
}

func (lp *LocalPort) recvRNID(sp *exch.Sequence, f *frame.Frame) {
	var req frame.RNIDRequest
	if err := req.UnmarshalBinary(f.Payload); err != nil {
		_ = sp.ReplyRjt(frame.RjtLogic, frame.ExplNone)
		return
	}
	acc := &frame.RNIDAcc{Format: frame.RNIDFmtCommon, WWPN: lp.cfg.WWPN, WWNN: lp.cfg.WWNN}
	if req.Format == frame.RNIDFmtTopology {
		acc.Format = frame.RNIDFmtTopology
		acc.Topology = &frame.RNIDTopology{
			AssocType: 0x01000000,
			PhysPort:  1,
			AttNodes:  1,
			NodeMgmt:  0x01,
		}
	}
	_ = sp.Reply(frame.NewELSReply(acc))
}

func (lp *LocalPort) recvADISC(sp *exch.Sequence) {
	fid := lp.FID()
	_ = sp.Reply(frame.NewELSReply(&frame.ADISC{
		Cmd:      frame.ELSLsAcc,
		HardAddr: fid,
		WWPN:     lp.cfg.WWPN,
		WWNN:     lp.cfg.WWNN,
		PortID:   fid,
	}))
}

func (lp *LocalPort) recvRLS(sp *exch.Sequence) {
	var st frame.LinkErrorStatus
	if ref := lp.link.Load(); ref != nil {
		if ls, ok := ref.l.(LinkStatus); ok {
			st = ls.LinkErrors()
		}
	}
	_ = sp.Reply(frame.NewELSReply(&st))
}

// recvRSCN re-probes known devices named by port-format pages and reports
// the rest to RSCN observers.
func (lp *LocalPort) recvRSCN(sp *exch.Sequence, f *frame.Frame) {
	var rscn frame.RSCN
	if err := rscn.UnmarshalBinary(f.Payload); err != nil {
		_ = sp.ReplyRjt(frame.RjtLogic, frame.ExplNone)
		return
	}
	_ = sp.ReplyAcc()
	lp.vf.pm.RecordRSCN(lp.cfg.Name)

	ev := RSCNEvent{Port: lp, Name: lp.cfg.Name, Pages: rscn.Pages}
	for _, p := range rscn.Pages {
		if p.AddrFmt != frame.AddrFmtPort {
			ev.Full = true
			continue
		}
		if p.FID == lp.FID() {
			continue
		}
		if s := lp.vf.LookupSession(lp, p.FID); s != nil {
			logger.Debug("RSCN re-probe", logger.Port(lp.cfg.Name), logger.RemoteFID(p.FID))
			s.Reprobe()
			s.Release()
			continue
		}
		ev.FIDs = append(ev.FIDs, p.FID)
	}
	logger.Info("RSCN received", logger.Port(lp.cfg.Name),
		logger.KeyCount, len(rscn.Pages), "full", ev.Full)
	if ev.Full || len(ev.FIDs) > 0 {
		lp.rscnEvents.Notify(ev)
		lp.vf.rscnEvents.Notify(ev)
	}
}
