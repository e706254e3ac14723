// Package switchsim simulates a single-domain Fibre Channel switch: the
// fabric login server, the directory (name) server and the fabric
// controller, plus D_ID routing of every other frame between attached
// N_Ports.
//
// The switch terminates well-known addresses with its own exchange manager
// and forwards the rest untouched. Membership changes, a registration of
// FC-4 types or a port leaving, are announced with RSCN to every port that
// registered with SCR.
package switchsim

import (
	"encoding/binary"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/marmos91/dittofc/internal/logger"
	"github.com/marmos91/dittofc/pkg/fc/exch"
	"github.com/marmos91/dittofc/pkg/fc/frame"
	"github.com/marmos91/dittofc/pkg/fc/timer"
	"github.com/marmos91/dittofc/pkg/fc/transport"
)

// ErrFull is returned by AddPort when every area of the domain is in use.
var ErrFull = errors.New("switchsim: no free port")

// DefaultDomain is the domain id used when none is configured.
const DefaultDomain = 1

// maxPorts is the number of areas in a domain.
const maxPorts = 255

// Config configures a Switch.
type Config struct {
	Name string

	// Domain is the switch domain id, the top byte of every assigned
	// address.
	Domain uint8

	// WWNN is the switch name. F_Port names are derived from it.
	WWNN frame.WWN

	EDTOV time.Duration
	RATOV time.Duration

	Exchange exch.Config
	Clock    timer.Clock
}

func (c *Config) applyDefaults() {
	if c.Domain == 0 {
		c.Domain = DefaultDomain
	}
	if c.WWNN == 0 {
		c.WWNN = 0x1000000000000000 | frame.WWN(c.Domain)<<16
	}
	if c.EDTOV <= 0 {
		c.EDTOV = exch.DefaultEDTOV
	}
	if c.RATOV <= 0 {
		c.RATOV = exch.DefaultRATOV
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
}

// Switch is the simulated fabric.
type Switch struct {
	cfg Config
	em  *exch.Manager

	mu    sync.Mutex
	ports []*Port
	byFID map[uint32]*Port
}

// Port is one F_Port of the switch.
type Port struct {
	sw   *Switch
	idx  int
	link *transport.Port
	wwpn frame.WWN

	// under sw.mu
	fid   uint32
	nport frame.WWN
	nnode frame.WWN
	pname frame.WWN // registered with RPN_ID
	types frame.FC4Types
	typed bool
	scr   uint8
	nslog bool // logged in to the directory server
}

// Entry is a snapshot of one logged-in N_Port.
type Entry struct {
	Port     int       `json:"port"`
	FID      string    `json:"fid"`
	WWPN     frame.WWN `json:"wwpn"`
	WWNN     frame.WWN `json:"wwnn"`
	FC4Types []string  `json:"fc4_types,omitempty"`
	SCR      bool      `json:"scr"`
}

// New creates a switch with no ports.
func New(cfg Config) (*Switch, error) {
	cfg.applyDefaults()
	em, err := exch.New(cfg.Exchange)
	if err != nil {
		return nil, err
	}
	return &Switch{cfg: cfg, em: em, byFID: make(map[uint32]*Port)}, nil
}

// Exchanges returns the switch's exchange manager.
func (sw *Switch) Exchanges() *exch.Manager { return sw.em }

// AddPort attaches the switch end of a link.
func (sw *Switch) AddPort(link *transport.Port) (*Port, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if len(sw.ports) >= maxPorts {
		return nil, ErrFull
	}
	p := &Port{
		sw:   sw,
		idx:  len(sw.ports),
		link: link,
		wwpn: sw.cfg.WWNN | frame.WWN(len(sw.ports)+1),
	}
	sw.ports = append(sw.ports, p)
	link.Attach(p.receive)
	link.OnLink(p.linkChanged)
	return p, nil
}

// Entries returns the logged-in N_Ports ordered by address.
func (sw *Switch) Entries() []Entry {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	out := make([]Entry, 0, len(sw.byFID))
	for _, p := range sw.byFID {
		e := Entry{
			Port: p.idx,
			FID:  frame.FormatFID(p.fid),
			WWPN: p.nport,
			WWNN: p.nnode,
			SCR:  p.scr != 0,
		}
		for _, t := range []frame.Type{frame.TypeFCP, frame.TypeIP} {
			if p.types.Has(t) {
				e.FC4Types = append(e.FC4Types, typeName(t))
			}
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FID < out[j].FID })
	return out
}

func typeName(t frame.Type) string {
	switch t {
	case frame.TypeFCP:
		return "fcp"
	case frame.TypeIP:
		return "ip"
	default:
		return "unknown"
	}
}

// addrFor returns the address given to the N_Port behind port idx.
func (sw *Switch) addrFor(idx int) uint32 {
	return uint32(sw.cfg.Domain)<<16 | uint32(idx+1)<<8
}

// FID implements exch.Endpoint. Frames the switch originates come from the
// fabric controller.
func (p *Port) FID() uint32 { return frame.FIDFCtrl }

// Send implements exch.Endpoint.
func (p *Port) Send(f *frame.Frame) error { return p.link.Send(f) }

// Index returns the port number.
func (p *Port) Index() int { return p.idx }

func (p *Port) receive(f *frame.Frame) {
	if frame.IsWellKnown(f.DID) {
		p.sw.em.Recv(p, f, p.serve)
		return
	}
	p.sw.mu.Lock()
	dst := p.sw.byFID[f.DID]
	p.sw.mu.Unlock()
	if dst == nil {
		logger.Debug("switch: no route", logger.Port(p.sw.cfg.Name),
			logger.RemoteFID(f.DID), logger.FID(f.SID))
		return
	}
	if err := dst.link.Send(f); err != nil {
		logger.Debug("switch: forward failed", logger.Port(p.sw.cfg.Name),
			logger.RemoteFID(f.DID), logger.Err(err))
	}
}

func (p *Port) linkChanged(up bool) {
	if up {
		return
	}
	sw := p.sw
	sw.mu.Lock()
	fid := p.fid
	announce := p.logoutLocked()
	sw.mu.Unlock()
	if announce {
		sw.announce(fid)
	}
}

// logoutLocked forgets the N_Port behind p and reports whether it was
// registered with the name server.
func (p *Port) logoutLocked() bool {
	if p.fid == 0 {
		return false
	}
	delete(p.sw.byFID, p.fid)
	was := p.typed || p.pname != 0
	p.fid, p.nport, p.nnode, p.pname = 0, 0, 0, 0
	p.types = frame.FC4Types{}
	p.typed, p.scr, p.nslog = false, 0, false
	return was
}

func (p *Port) serve(sp *exch.Sequence, f *frame.Frame) {
	switch f.DID {
	case frame.FIDFLogi:
		p.serveLoginServer(sp, f)
	case frame.FIDDirServ:
		p.serveDirServer(sp, f)
	case frame.FIDFCtrl:
		p.serveController(sp, f)
	default:
		_ = sp.ReplyRjt(frame.RjtUnable, frame.ExplNone)
	}
}

func (p *Port) serviceParams(wwpn frame.WWN, fabric bool) *frame.ServiceParams {
	sp := &frame.ServiceParams{
		Cmd:       frame.ELSLsAcc,
		Fabric:    fabric,
		HiVer:     frame.SPVersionHi,
		LoVer:     frame.SPVersionLo,
		BBCredit:  16,
		BBRcvSize: frame.SPMaxMaxPayload,
		EDTOV:     uint32(p.sw.cfg.EDTOV / time.Millisecond),
		WWPN:      wwpn,
		WWNN:      p.sw.cfg.WWNN,
	}
	if fabric {
		sp.Features = frame.SPFeatFPort
		sp.RATOV = uint32(p.sw.cfg.RATOV / time.Millisecond)
	} else {
		sp.TotalSeq = 255
	}
	c3 := sp.Class3()
	c3.Class = frame.ClassValid | 0x0800
	c3.RcvDataSize = frame.SPMaxMaxPayload
	c3.ConcurSeq = 255
	c3.OpenSeq = 1
	return sp
}

// ============================================================================
// Fabric login server
// ============================================================================

func (p *Port) serveLoginServer(sp *exch.Sequence, f *frame.Frame) {
	if f.Type != frame.TypeELS {
		sp.Exchange().Done()
		return
	}
	switch f.ELSCmd() {
	case frame.ELSFLogi:
		var req frame.ServiceParams
		if err := req.UnmarshalBinary(f.Payload); err != nil {
			_ = sp.ReplyRjt(frame.RjtProt, frame.ExplInvLen)
			return
		}
		sw := p.sw
		sw.mu.Lock()
		old := p.fid
		announce := p.logoutLocked()
		fid := sw.addrFor(p.idx)
		p.fid, p.nport, p.nnode = fid, req.WWPN, req.WWNN
		sw.byFID[fid] = p
		sw.mu.Unlock()
		if announce {
			sw.announce(old)
		}
		logger.Debug("switch: FLOGI", logger.Port(sw.cfg.Name),
			logger.WWPN(req.WWPN), logger.FID(fid))
		_ = sp.ReplyFrom(frame.NewELSReply(p.serviceParams(p.wwpn, true)), frame.FIDFLogi, fid)

	case frame.ELSLogo:
		sw := p.sw
		sw.mu.Lock()
		fid := p.fid
		announce := p.logoutLocked()
		sw.mu.Unlock()
		_ = sp.ReplyAcc()
		if announce {
			sw.announce(fid)
		}

	default:
		_ = sp.ReplyRjt(frame.RjtUnsup, frame.ExplNone)
	}
}

// ============================================================================
// Directory server
// ============================================================================

func (p *Port) serveDirServer(sp *exch.Sequence, f *frame.Frame) {
	switch f.Type {
	case frame.TypeELS:
		switch f.ELSCmd() {
		case frame.ELSPLogi:
			p.sw.mu.Lock()
			p.nslog = true
			p.sw.mu.Unlock()
			_ = sp.Reply(frame.NewELSReply(p.serviceParams(p.sw.cfg.WWNN|frame.WWN(frame.FIDDirServ), false)))
		case frame.ELSLogo:
			p.sw.mu.Lock()
			p.nslog = false
			p.sw.mu.Unlock()
			_ = sp.ReplyAcc()
		case frame.ELSPRLI:
			_ = sp.ReplyRjt(frame.RjtUnsup, frame.ExplNone)
		default:
			_ = sp.ReplyRjt(frame.RjtUnsup, frame.ExplNone)
		}
	case frame.TypeCT:
		p.serveCT(sp, f)
	default:
		sp.Exchange().Done()
	}
}

func ctReject(sp *exch.Sequence, reason, explan uint8) {
	_ = sp.Reply(frame.NewCTReply(frame.CTFSRjt, reason, explan, nil))
}

func (p *Port) serveCT(sp *exch.Sequence, f *frame.Frame) {
	var req frame.CTRequest
	if err := req.UnmarshalBinary(f.Payload); err != nil {
		ctReject(sp, frame.CTRjtLogic, frame.CTExplNone)
		return
	}
	sw := p.sw

	sw.mu.Lock()
	if p.fid == 0 || p.fid != f.SID || !p.nslog {
		sw.mu.Unlock()
		ctReject(sp, frame.CTRjtUnable, frame.CTExplPortID)
		return
	}
	sw.mu.Unlock()

	switch req.Cmd {
	case frame.CTRPNID:
		fid, wwpn, err := frame.ParseRPNID(req.Body)
		if err != nil || fid != f.SID {
			ctReject(sp, frame.CTRjtLogic, frame.CTExplPortID)
			return
		}
		sw.mu.Lock()
		p.pname = wwpn
		sw.mu.Unlock()
		_ = sp.Reply(frame.NewCTReply(frame.CTFSAcc, 0, 0, nil))

	case frame.CTRFTID:
		fid, types, err := frame.ParseRFTID(req.Body)
		if err != nil || fid != f.SID {
			ctReject(sp, frame.CTRjtLogic, frame.CTExplPortID)
			return
		}
		sw.mu.Lock()
		p.types, p.typed = types, true
		sw.mu.Unlock()
		_ = sp.Reply(frame.NewCTReply(frame.CTFSAcc, 0, 0, nil))
		sw.announce(fid)

	case frame.CTGIDFT:
		if len(req.Body) < 4 {
			ctReject(sp, frame.CTRjtLogic, frame.CTExplNone)
			return
		}
		t := frame.Type(req.Body[3])
		var fids []uint32
		sw.mu.Lock()
		for fid, q := range sw.byFID {
			if q.typed && q.types.Has(t) {
				fids = append(fids, fid)
			}
		}
		sw.mu.Unlock()
		if len(fids) == 0 {
			ctReject(sp, frame.CTRjtUnable, frame.CTExplFC4)
			return
		}
		sort.Slice(fids, func(i, j int) bool { return fids[i] < fids[j] })
		_ = sp.Reply(frame.NewCTReply(frame.CTFSAcc, 0, 0, frame.EncodeGIDFTAcc(fids)))

	case frame.CTGPNID:
		if len(req.Body) < 4 {
			ctReject(sp, frame.CTRjtLogic, frame.CTExplNone)
			return
		}
		fid := uint32(req.Body[1])<<16 | uint32(req.Body[2])<<8 | uint32(req.Body[3])
		sw.mu.Lock()
		q := sw.byFID[fid]
		var wwpn frame.WWN
		if q != nil {
			wwpn = q.nport
		}
		sw.mu.Unlock()
		if q == nil {
			ctReject(sp, frame.CTRjtUnable, frame.CTExplPortID)
			return
		}
		body := make([]byte, 8)
		binary.BigEndian.PutUint64(body, uint64(wwpn))
		_ = sp.Reply(frame.NewCTReply(frame.CTFSAcc, 0, 0, body))

	default:
		ctReject(sp, frame.CTRjtInvCmd, frame.CTExplNone)
	}
}

// ============================================================================
// Fabric controller
// ============================================================================

func (p *Port) serveController(sp *exch.Sequence, f *frame.Frame) {
	if f.Type != frame.TypeELS || f.ELSCmd() != frame.ELSSCR {
		_ = sp.ReplyRjt(frame.RjtUnsup, frame.ExplNone)
		return
	}
	var scr frame.SCR
	if err := scr.UnmarshalBinary(f.Payload); err != nil {
		_ = sp.ReplyRjt(frame.RjtProt, frame.ExplInvLen)
		return
	}
	p.sw.mu.Lock()
	if p.fid == 0 || p.fid != f.SID {
		p.sw.mu.Unlock()
		_ = sp.ReplyRjt(frame.RjtUnable, frame.ExplSID)
		return
	}
	if scr.Func == frame.SCRClear {
		p.scr = 0
	} else {
		p.scr = scr.Func
	}
	p.sw.mu.Unlock()
	_ = sp.ReplyAcc()
}

// announce sends a port-format RSCN for fid to every other registrant.
func (sw *Switch) announce(fid uint32) {
	sw.mu.Lock()
	var targets []*Port
	for _, q := range sw.byFID {
		if q.fid != fid && q.scr&frame.SCRNPort != 0 {
			targets = append(targets, q)
		}
	}
	sw.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].idx < targets[j].idx })

	rscn := &frame.RSCN{Pages: []frame.RSCNPage{{AddrFmt: frame.AddrFmtPort, FID: fid}}}
	for _, q := range targets {
		sw.mu.Lock()
		did := q.fid
		sw.mu.Unlock()
		if did == 0 {
			continue
		}
		f := frame.NewELS(rscn)
		f.SID, f.DID = frame.FIDFCtrl, did
		ignore := func(*exch.Sequence, *frame.Frame) {}
		fail := func(_ *exch.Sequence, ev exch.Event) {
			logger.Debug("switch: RSCN not acknowledged", logger.RemoteFID(did), logger.Event(ev))
		}
		if _, err := sw.em.SendRequest(q, f, ignore, fail, 2*sw.cfg.EDTOV); err != nil {
			logger.Debug("switch: RSCN not sent", logger.RemoteFID(did), logger.Err(err))
		}
	}
}
