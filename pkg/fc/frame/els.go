package frame

import (
	"encoding/binary"
	"fmt"
)

// ELSCmd is an extended link service command code (FC-LS).
type ELSCmd uint8

const (
	ELSLsRjt ELSCmd = 0x01
	ELSLsAcc ELSCmd = 0x02
	ELSPLogi ELSCmd = 0x03
	ELSFLogi ELSCmd = 0x04
	ELSLogo  ELSCmd = 0x05
	ELSRTV   ELSCmd = 0x0e
	ELSRLS   ELSCmd = 0x0f
	ELSEcho  ELSCmd = 0x10
	ELSTest  ELSCmd = 0x11
	ELSRRQ   ELSCmd = 0x12
	ELSREC   ELSCmd = 0x13
	ELSPRLI  ELSCmd = 0x20
	ELSPRLO  ELSCmd = 0x21
	ELSPDisc ELSCmd = 0x50
	ELSFDisc ELSCmd = 0x51
	ELSADisc ELSCmd = 0x52
	ELSRSCN  ELSCmd = 0x61
	ELSSCR   ELSCmd = 0x62
	ELSRNID  ELSCmd = 0x78
	ELSRLIR  ELSCmd = 0x79
	ELSLIRR  ELSCmd = 0x7a
)

var elsNames = map[ELSCmd]string{
	ELSLsRjt: "LS_RJT",
	ELSLsAcc: "LS_ACC",
	ELSPLogi: "PLOGI",
	ELSFLogi: "FLOGI",
	ELSLogo:  "LOGO",
	ELSRTV:   "RTV",
	ELSRLS:   "RLS",
	ELSEcho:  "ECHO",
	ELSTest:  "TEST",
	ELSRRQ:   "RRQ",
	ELSREC:   "REC",
	ELSPRLI:  "PRLI",
	ELSPRLO:  "PRLO",
	ELSPDisc: "PDISC",
	ELSFDisc: "FDISC",
	ELSADisc: "ADISC",
	ELSRSCN:  "RSCN",
	ELSSCR:   "SCR",
	ELSRNID:  "RNID",
	ELSRLIR:  "RLIR",
	ELSLIRR:  "LIRR",
}

func (c ELSCmd) String() string {
	if n, ok := elsNames[c]; ok {
		return n
	}
	return fmt.Sprintf("ELS(%#02x)", uint8(c))
}

// ============================================================================
// LS_RJT
// ============================================================================

// LsRjtLen is the LS_RJT payload size.
const LsRjtLen = 8

// RjtReason is the LS_RJT reason code.
type RjtReason uint8

const (
	RjtNone   RjtReason = 0x00
	RjtInval  RjtReason = 0x01 // invalid ELS command code
	RjtLogic  RjtReason = 0x03 // logical error
	RjtBusy   RjtReason = 0x05 // logical busy
	RjtProt   RjtReason = 0x07 // protocol error
	RjtUnable RjtReason = 0x09 // unable to perform command request
	RjtUnsup  RjtReason = 0x0b // command not supported
	RjtInProg RjtReason = 0x0e // command already in progress
	RjtVendor RjtReason = 0xff
)

// RjtExplan is the LS_RJT reason explanation.
type RjtExplan uint8

const (
	ExplNone      RjtExplan = 0x00
	ExplSPPOptErr RjtExplan = 0x01 // service parameter error - options
	ExplSPPICtl   RjtExplan = 0x03 // service parameter error - initiator control
	ExplSID       RjtExplan = 0x07 // invalid originator S_ID
	ExplOXIDRXID  RjtExplan = 0x17 // invalid OX_ID-RX_ID combination
	ExplInProg    RjtExplan = 0x19 // request already in progress
	ExplPLogiReqd RjtExplan = 0x1e // N_Port login required
	ExplInsufRes  RjtExplan = 0x29 // insufficient resources
	ExplUnabData  RjtExplan = 0x2a // unable to supply requested data
	ExplUnsupReq  RjtExplan = 0x2c // request not supported
	ExplInvLen    RjtExplan = 0x2d // invalid payload length
)

// LsRjt is the link service reject payload.
type LsRjt struct {
	Reason RjtReason
	Explan RjtExplan
	Vendor uint8
}

// MarshalBinary encodes the LS_RJT payload.
func (r *LsRjt) MarshalBinary() ([]byte, error) {
	b := make([]byte, LsRjtLen)
	b[0] = byte(ELSLsRjt)
	b[5] = byte(r.Reason)
	b[6] = byte(r.Explan)
	b[7] = r.Vendor
	return b, nil
}

// UnmarshalBinary decodes an LS_RJT payload.
func (r *LsRjt) UnmarshalBinary(b []byte) error {
	if len(b) < LsRjtLen {
		return ErrShortFrame
	}
	if ELSCmd(b[0]) != ELSLsRjt {
		return ErrBadPayload
	}
	r.Reason = RjtReason(b[5])
	r.Explan = RjtExplan(b[6])
	r.Vendor = b[7]
	return nil
}

// Busy reports whether the reject is transient: the peer is busy or already
// processing the same request.
func (r *LsRjt) Busy() bool {
	return r.Reason == RjtBusy || r.Reason == RjtInProg || r.Explan == ExplInProg
}

// ============================================================================
// FLOGI / PLOGI service parameters
// ============================================================================

// ServiceParamsLen is the FLOGI/PLOGI payload size.
const ServiceParamsLen = 116

// Common service parameter feature bits.
const (
	SPFeatCIRC  uint16 = 0x8000 // continuously increasing relative offset
	SPFeatCLAD  uint16 = 0x8000 // clean address (FLOGI LS_ACC)
	SPFeatRand  uint16 = 0x4000
	SPFeatVal   uint16 = 0x2000 // valid vendor version level
	SPFeatNPIV  uint16 = 0x2000 // NPIV supported (FLOGI LS_ACC)
	SPFeatFPort uint16 = 0x1000 // responder is an F_Port
	SPFeatABB   uint16 = 0x0800
	SPFeatEDTR  uint16 = 0x0400 // E_D_TOV resolution is nanoseconds
	SPFeatMcast uint16 = 0x0200
	SPFeatBcast uint16 = 0x0100
	SPFeatHunt  uint16 = 0x0080
	SPFeatSimp  uint16 = 0x0040
	SPFeatSec   uint16 = 0x0020
	SPFeatCSyn  uint16 = 0x0010
	SPFeatRTTOV uint16 = 0x0008
	SPFeatHalf  uint16 = 0x0004
	SPFeatSeqC  uint16 = 0x0002
	SPFeatPayl  uint16 = 0x0001
)

// ClassValid marks a class service parameter block as supported.
const ClassValid uint16 = 0x8000

// Service parameter version and payload size limits.
const (
	SPVersionHi     uint8  = 0x20
	SPVersionLo     uint8  = 0x20
	SPMinMaxPayload uint16 = 256
	SPMaxMaxPayload uint16 = 2112
	SPBBDataMask    uint16 = 0x0fff
)

// ClassParamsLen is the size of one class service parameter block.
const ClassParamsLen = 16

const classParamsStart = 36

// ClassParams is one class service parameter block.
type ClassParams struct {
	Class       uint16
	Init        uint16
	Recip       uint16
	RcvDataSize uint16
	ConcurSeq   uint16
	EECredit    uint16
	OpenSeq     uint8
}

// Valid reports whether the class is supported.
func (c *ClassParams) Valid() bool { return c.Class&ClassValid != 0 }

func (c *ClassParams) put(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], c.Class)
	binary.BigEndian.PutUint16(b[2:4], c.Init)
	binary.BigEndian.PutUint16(b[4:6], c.Recip)
	binary.BigEndian.PutUint16(b[6:8], c.RcvDataSize)
	binary.BigEndian.PutUint16(b[8:10], c.ConcurSeq)
	binary.BigEndian.PutUint16(b[10:12], c.EECredit)
	b[13] = c.OpenSeq
}

func (c *ClassParams) get(b []byte) {
	c.Class = binary.BigEndian.Uint16(b[0:2])
	c.Init = binary.BigEndian.Uint16(b[2:4])
	c.Recip = binary.BigEndian.Uint16(b[4:6])
	c.RcvDataSize = binary.BigEndian.Uint16(b[6:8])
	c.ConcurSeq = binary.BigEndian.Uint16(b[8:10])
	c.EECredit = binary.BigEndian.Uint16(b[10:12])
	c.OpenSeq = b[13]
}

// ServiceParams is the FLOGI/PLOGI request or accept payload.
//
// The fourth word of the common service parameters carries R_A_TOV in
// fabric login and the total concurrent sequences and relative offset
// categories in port login. Fabric selects the encoding; decoding fills both
// views.
type ServiceParams struct {
	Cmd       ELSCmd
	Fabric    bool
	HiVer     uint8
	LoVer     uint8
	BBCredit  uint16
	Features  uint16
	BBRcvSize uint16
	TotalSeq  uint16
	RelOff    uint16
	RATOV     uint32
	EDTOV     uint32
	WWPN      WWN
	WWNN      WWN
	Classes   [4]ClassParams
}

// Class3 returns the class 3 service parameters.
func (sp *ServiceParams) Class3() *ClassParams { return &sp.Classes[2] }

// MaxPayload returns the receive data field size advertised in the common
// service parameters.
func (sp *ServiceParams) MaxPayload() uint16 { return sp.BBRcvSize & SPBBDataMask }

// MarshalBinary encodes the service parameters.
func (sp *ServiceParams) MarshalBinary() ([]byte, error) {
	b := make([]byte, ServiceParamsLen)
	b[0] = byte(sp.Cmd)
	b[4] = sp.HiVer
	b[5] = sp.LoVer
	binary.BigEndian.PutUint16(b[6:8], sp.BBCredit)
	binary.BigEndian.PutUint16(b[8:10], sp.Features)
	binary.BigEndian.PutUint16(b[10:12], sp.BBRcvSize)
	if sp.Fabric {
		binary.BigEndian.PutUint32(b[12:16], sp.RATOV)
	} else {
		binary.BigEndian.PutUint16(b[12:14], sp.TotalSeq)
		binary.BigEndian.PutUint16(b[14:16], sp.RelOff)
	}
	binary.BigEndian.PutUint32(b[16:20], sp.EDTOV)
	binary.BigEndian.PutUint64(b[20:28], uint64(sp.WWPN))
	binary.BigEndian.PutUint64(b[28:36], uint64(sp.WWNN))
	for i := range sp.Classes {
		off := classParamsStart + i*ClassParamsLen
		sp.Classes[i].put(b[off : off+ClassParamsLen])
	}
	return b, nil
}

// UnmarshalBinary decodes FLOGI/PLOGI service parameters.
func (sp *ServiceParams) UnmarshalBinary(b []byte) error {
	if len(b) < ServiceParamsLen {
		return ErrShortFrame
	}
	sp.Cmd = ELSCmd(b[0])
	sp.HiVer = b[4]
	sp.LoVer = b[5]
	sp.BBCredit = binary.BigEndian.Uint16(b[6:8])
	sp.Features = binary.BigEndian.Uint16(b[8:10])
	sp.BBRcvSize = binary.BigEndian.Uint16(b[10:12])
	sp.RATOV = binary.BigEndian.Uint32(b[12:16])
	sp.TotalSeq = binary.BigEndian.Uint16(b[12:14])
	sp.RelOff = binary.BigEndian.Uint16(b[14:16])
	sp.EDTOV = binary.BigEndian.Uint32(b[16:20])
	sp.WWPN = WWN(binary.BigEndian.Uint64(b[20:28]))
	sp.WWNN = WWN(binary.BigEndian.Uint64(b[28:36]))
	for i := range sp.Classes {
		off := classParamsStart + i*ClassParamsLen
		sp.Classes[i].get(b[off : off+ClassParamsLen])
	}
	return nil
}

// EDTOVMillis returns E_D_TOV in milliseconds, honouring the resolution bit.
func (sp *ServiceParams) EDTOVMillis() uint32 {
	if sp.Features&SPFeatEDTR != 0 {
		return sp.EDTOV / 1000000
	}
	return sp.EDTOV
}

// ============================================================================
// PRLI / PRLO
// ============================================================================

// PRLILen is the size of a PRLI or PRLO payload carrying one service
// parameter page.
const PRLILen = 20

// Service parameter page flags.
const (
	SPPOrigPAValid uint8 = 0x80
	SPPRespPAValid uint8 = 0x40
	SPPEstImgPair  uint8 = 0x20
	SPPRespMask    uint8 = 0x0f
)

// SPPResp is the response code carried in accepted service parameter pages.
type SPPResp uint8

const (
	SPPRespAck  SPPResp = 1 // request executed
	SPPRespRes  SPPResp = 2 // unable due to lack of resources
	SPPRespInit SPPResp = 3 // initialization not complete
	SPPRespNoPA SPPResp = 4 // unknown process associator
	SPPRespConf SPPResp = 5 // configuration precludes image pair
	SPPRespCond SPPResp = 6 // request executed with conditions
	SPPRespMult SPPResp = 7 // unable to handle multiple pages
	SPPRespInvl SPPResp = 8 // invalid service parameters
)

// FCP service parameter page bits.
const (
	FCPSPPFTaskRetryID uint32 = 0x0200
	FCPSPPFRetry       uint32 = 0x0100
	FCPSPPFConfCompl   uint32 = 0x0080
	FCPSPPFOvlyAllow   uint32 = 0x0040
	FCPSPPFInitFcn     uint32 = 0x0020 // initiator function
	FCPSPPFTargFcn     uint32 = 0x0010 // target function
	FCPSPPFRdXrdyDis   uint32 = 0x0002
	FCPSPPFWrXrdyDis   uint32 = 0x0001
)

// PRLI is a process login (or logout) payload with a single page.
type PRLI struct {
	Cmd     ELSCmd
	SPPType Type
	TypeExt uint8
	Flags   uint8
	OrigPA  uint32
	RespPA  uint32
	Params  uint32
}

// Resp returns the page response code of an accept.
func (p *PRLI) Resp() SPPResp { return SPPResp(p.Flags & SPPRespMask) }

// MarshalBinary encodes the PRLI payload.
func (p *PRLI) MarshalBinary() ([]byte, error) {
	b := make([]byte, PRLILen)
	b[0] = byte(p.Cmd)
	b[1] = 0x10
	binary.BigEndian.PutUint16(b[2:4], PRLILen)
	b[4] = byte(p.SPPType)
	b[5] = p.TypeExt
	b[6] = p.Flags
	binary.BigEndian.PutUint32(b[8:12], p.OrigPA)
	binary.BigEndian.PutUint32(b[12:16], p.RespPA)
	binary.BigEndian.PutUint32(b[16:20], p.Params)
	return b, nil
}

// UnmarshalBinary decodes a PRLI payload and its first page.
func (p *PRLI) UnmarshalBinary(b []byte) error {
	if len(b) < PRLILen {
		return ErrShortFrame
	}
	if b[1] != 0x10 || int(binary.BigEndian.Uint16(b[2:4])) > len(b) {
		return ErrBadPayload
	}
	p.Cmd = ELSCmd(b[0])
	p.SPPType = Type(b[4])
	p.TypeExt = b[5]
	p.Flags = b[6]
	p.OrigPA = binary.BigEndian.Uint32(b[8:12])
	p.RespPA = binary.BigEndian.Uint32(b[12:16])
	p.Params = binary.BigEndian.Uint32(b[16:20])
	return nil
}

// ============================================================================
// RTV
// ============================================================================

// RTV payload sizes.
const (
	RTVLen    = 8
	RTVAccLen = 16
)

// RTVQualEDRes marks the accept's E_D_TOV as nanoseconds.
const RTVQualEDRes uint32 = 1 << 26

// RTVAcc is the read timeout value accept payload.
type RTVAcc struct {
	RATOV uint32
	EDTOV uint32
	Qual  uint32
}

// MarshalBinary encodes the RTV accept payload.
func (r *RTVAcc) MarshalBinary() ([]byte, error) {
	b := make([]byte, RTVAccLen)
	b[0] = byte(ELSLsAcc)
	binary.BigEndian.PutUint32(b[4:8], r.RATOV)
	binary.BigEndian.PutUint32(b[8:12], r.EDTOV)
	binary.BigEndian.PutUint32(b[12:16], r.Qual)
	return b, nil
}

// UnmarshalBinary decodes an RTV accept payload.
func (r *RTVAcc) UnmarshalBinary(b []byte) error {
	if len(b) < RTVAccLen {
		return ErrShortFrame
	}
	r.RATOV = binary.BigEndian.Uint32(b[4:8])
	r.EDTOV = binary.BigEndian.Uint32(b[8:12])
	r.Qual = binary.BigEndian.Uint32(b[12:16])
	return nil
}

// EDTOVMillis returns E_D_TOV in milliseconds.
func (r *RTVAcc) EDTOVMillis() uint32 {
	if r.Qual&RTVQualEDRes != 0 {
		return r.EDTOV / 1000000
	}
	return r.EDTOV
}

// ============================================================================
// RRQ / REC
// ============================================================================

// Exchange-identifying request payload sizes.
const (
	RRQLen    = 12
	RECLen    = 12
	RECAccLen = 24
)

// XIDRequest is the payload shared by RRQ and REC: the originator's S_ID and
// the exchange identifiers.
type XIDRequest struct {
	Cmd  ELSCmd
	SID  uint32
	OXID uint16
	RXID uint16
}

// MarshalBinary encodes the request.
func (r *XIDRequest) MarshalBinary() ([]byte, error) {
	b := make([]byte, RRQLen)
	b[0] = byte(r.Cmd)
	put24(b[5:8], r.SID)
	binary.BigEndian.PutUint16(b[8:10], r.OXID)
	binary.BigEndian.PutUint16(b[10:12], r.RXID)
	return b, nil
}

// UnmarshalBinary decodes an RRQ or REC request.
func (r *XIDRequest) UnmarshalBinary(b []byte) error {
	if len(b) < RRQLen {
		return ErrShortFrame
	}
	r.Cmd = ELSCmd(b[0])
	r.SID = get24(b[5:8])
	r.OXID = binary.BigEndian.Uint16(b[8:10])
	r.RXID = binary.BigEndian.Uint16(b[10:12])
	return nil
}

// ESB status bits reported by REC.
const (
	ESBRespCtx  uint32 = 1 << 31 // exchange responder
	ESBSeqInit  uint32 = 1 << 30 // sequence initiative held
	ESBComplete uint32 = 1 << 29
	ESBAbnormal uint32 = 1 << 28
	ESBRecQual  uint32 = 1 << 26
)

// RECAcc is the read exchange concise accept payload.
type RECAcc struct {
	OXID    uint16
	RXID    uint16
	OrigFID uint32
	RespFID uint32
	DataLen uint32
	EStat   uint32
}

// MarshalBinary encodes the REC accept payload.
func (r *RECAcc) MarshalBinary() ([]byte, error) {
	b := make([]byte, RECAccLen)
	b[0] = byte(ELSLsAcc)
	binary.BigEndian.PutUint16(b[4:6], r.OXID)
	binary.BigEndian.PutUint16(b[6:8], r.RXID)
	put24(b[9:12], r.OrigFID)
	put24(b[13:16], r.RespFID)
	binary.BigEndian.PutUint32(b[16:20], r.DataLen)
	binary.BigEndian.PutUint32(b[20:24], r.EStat)
	return b, nil
}

// UnmarshalBinary decodes a REC accept payload.
func (r *RECAcc) UnmarshalBinary(b []byte) error {
	if len(b) < RECAccLen {
		return ErrShortFrame
	}
	r.OXID = binary.BigEndian.Uint16(b[4:6])
	r.RXID = binary.BigEndian.Uint16(b[6:8])
	r.OrigFID = get24(b[9:12])
	r.RespFID = get24(b[13:16])
	r.DataLen = binary.BigEndian.Uint32(b[16:20])
	r.EStat = binary.BigEndian.Uint32(b[20:24])
	return nil
}

// ============================================================================
// ADISC / LOGO
// ============================================================================

// ADISCLen is the ADISC request and accept payload size.
const ADISCLen = 28

// ADISC is the address discovery payload.
type ADISC struct {
	Cmd      ELSCmd
	HardAddr uint32
	WWPN     WWN
	WWNN     WWN
	PortID   uint32
}

// MarshalBinary encodes the ADISC payload.
func (a *ADISC) MarshalBinary() ([]byte, error) {
	b := make([]byte, ADISCLen)
	b[0] = byte(a.Cmd)
	put24(b[5:8], a.HardAddr)
	binary.BigEndian.PutUint64(b[8:16], uint64(a.WWPN))
	binary.BigEndian.PutUint64(b[16:24], uint64(a.WWNN))
	put24(b[25:28], a.PortID)
	return b, nil
}

// UnmarshalBinary decodes an ADISC payload.
func (a *ADISC) UnmarshalBinary(b []byte) error {
	if len(b) < ADISCLen {
		return ErrShortFrame
	}
	a.Cmd = ELSCmd(b[0])
	a.HardAddr = get24(b[5:8])
	a.WWPN = WWN(binary.BigEndian.Uint64(b[8:16]))
	a.WWNN = WWN(binary.BigEndian.Uint64(b[16:24]))
	a.PortID = get24(b[25:28])
	return nil
}

// LOGOLen is the LOGO request payload size.
const LOGOLen = 16

// LOGO is the logout request payload.
type LOGO struct {
	NPortID uint32
	WWPN    WWN
}

// MarshalBinary encodes the LOGO payload.
func (l *LOGO) MarshalBinary() ([]byte, error) {
	b := make([]byte, LOGOLen)
	b[0] = byte(ELSLogo)
	put24(b[5:8], l.NPortID)
	binary.BigEndian.PutUint64(b[8:16], uint64(l.WWPN))
	return b, nil
}

// UnmarshalBinary decodes a LOGO payload.
func (l *LOGO) UnmarshalBinary(b []byte) error {
	if len(b) < LOGOLen {
		return ErrShortFrame
	}
	if ELSCmd(b[0]) != ELSLogo {
		return ErrBadPayload
	}
	l.NPortID = get24(b[5:8])
	l.WWPN = WWN(binary.BigEndian.Uint64(b[8:16]))
	return nil
}

// ============================================================================
// RSCN / SCR
// ============================================================================

// RSCN address formats carried in the low two bits of each page.
const (
	AddrFmtPort   uint8 = 0
	AddrFmtArea   uint8 = 1
	AddrFmtDomain uint8 = 2
	AddrFmtFabric uint8 = 3
)

// RSCNPage describes one affected address.
type RSCNPage struct {
	EventQual uint8 // bits 2-5 of the page flags
	AddrFmt   uint8
	FID       uint32
}

// Mask returns the address mask implied by the page's address format.
func (p RSCNPage) Mask() uint32 {
	switch p.AddrFmt {
	case AddrFmtPort:
		return 0xffffff
	case AddrFmtArea:
		return 0xffff00
	case AddrFmtDomain:
		return 0xff0000
	default:
		return 0
	}
}

// RSCN is a registered state change notification.
type RSCN struct {
	Pages []RSCNPage
}

// MarshalBinary encodes the RSCN payload.
func (r *RSCN) MarshalBinary() ([]byte, error) {
	n := 4 + 4*len(r.Pages)
	b := make([]byte, n)
	b[0] = byte(ELSRSCN)
	b[1] = 4
	binary.BigEndian.PutUint16(b[2:4], uint16(n))
	for i, p := range r.Pages {
		off := 4 + 4*i
		b[off] = (p.EventQual&0x0f)<<2 | p.AddrFmt&0x03
		put24(b[off+1:off+4], p.FID)
	}
	return b, nil
}

// UnmarshalBinary decodes an RSCN payload.
func (r *RSCN) UnmarshalBinary(b []byte) error {
	if len(b) < 4 {
		return ErrShortFrame
	}
	if ELSCmd(b[0]) != ELSRSCN || b[1] != 4 {
		return ErrBadPayload
	}
	n := int(binary.BigEndian.Uint16(b[2:4]))
	if n < 4 || n > len(b) || n%4 != 0 {
		return ErrBadPayload
	}
	r.Pages = make([]RSCNPage, 0, (n-4)/4)
	for off := 4; off < n; off += 4 {
		r.Pages = append(r.Pages, RSCNPage{
			EventQual: (b[off] >> 2) & 0x0f,
			AddrFmt:   b[off] & 0x03,
			FID:       get24(b[off+1 : off+4]),
		})
	}
	return nil
}

// SCR registration functions.
const (
	SCRFabric uint8 = 1
	SCRNPort  uint8 = 2
	SCRFull   uint8 = 3
	SCRClear  uint8 = 255
)

// SCRLen is the SCR payload size.
const SCRLen = 8

// SCR is the state change registration request.
type SCR struct {
	Func uint8
}

// MarshalBinary encodes the SCR payload.
func (s *SCR) MarshalBinary() ([]byte, error) {
	b := make([]byte, SCRLen)
	b[0] = byte(ELSSCR)
	b[7] = s.Func
	return b, nil
}

// UnmarshalBinary decodes an SCR payload.
func (s *SCR) UnmarshalBinary(b []byte) error {
	if len(b) < SCRLen {
		return ErrShortFrame
	}
	s.Func = b[7]
	return nil
}

// ============================================================================
// RNID
// ============================================================================

// RNID data formats.
const (
	RNIDFmtCommon   uint8 = 0x00
	RNIDFmtTopology uint8 = 0xdf
)

// RNID payload sizes.
const (
	RNIDLen         = 8
	rnidCommonLen   = 16
	rnidTopologyLen = 52
)

// RNIDRequest is the request node identification payload.
type RNIDRequest struct {
	Format uint8
}

// MarshalBinary encodes the RNID request.
func (r *RNIDRequest) MarshalBinary() ([]byte, error) {
	b := make([]byte, RNIDLen)
	b[0] = byte(ELSRNID)
	b[4] = r.Format
	return b, nil
}

// UnmarshalBinary decodes an RNID request.
func (r *RNIDRequest) UnmarshalBinary(b []byte) error {
	if len(b) < RNIDLen {
		return ErrShortFrame
	}
	r.Format = b[4]
	return nil
}

// RNIDTopology is the general topology specific node data.
type RNIDTopology struct {
	AssocType uint32
	PhysPort  uint32
	AttNodes  uint32
	NodeMgmt  uint8
	IPVersion uint8
	TCPPort   uint16
}

// RNIDAcc is the RNID accept payload.
type RNIDAcc struct {
	Format   uint8
	WWPN     WWN
	WWNN     WWN
	Topology *RNIDTopology
}

// MarshalBinary encodes the RNID accept. Topology data is included only for
// the general topology format.
func (r *RNIDAcc) MarshalBinary() ([]byte, error) {
	sidLen := 0
	if r.Format == RNIDFmtTopology && r.Topology != nil {
		sidLen = rnidTopologyLen
	}
	b := make([]byte, 8+rnidCommonLen+sidLen)
	b[0] = byte(ELSLsAcc)
	b[4] = r.Format
	b[5] = rnidCommonLen
	b[7] = byte(sidLen)
	binary.BigEndian.PutUint64(b[8:16], uint64(r.WWPN))
	binary.BigEndian.PutUint64(b[16:24], uint64(r.WWNN))
	if sidLen > 0 {
		t := b[24:]
		binary.BigEndian.PutUint32(t[16:20], r.Topology.AssocType)
		binary.BigEndian.PutUint32(t[20:24], r.Topology.PhysPort)
		binary.BigEndian.PutUint32(t[24:28], r.Topology.AttNodes)
		t[28] = r.Topology.NodeMgmt
		t[29] = r.Topology.IPVersion
		binary.BigEndian.PutUint16(t[30:32], r.Topology.TCPPort)
	}
	return b, nil
}

// UnmarshalBinary decodes an RNID accept.
func (r *RNIDAcc) UnmarshalBinary(b []byte) error {
	if len(b) < 8+rnidCommonLen {
		return ErrShortFrame
	}
	r.Format = b[4]
	if b[5] != rnidCommonLen {
		return ErrBadPayload
	}
	r.WWPN = WWN(binary.BigEndian.Uint64(b[8:16]))
	r.WWNN = WWN(binary.BigEndian.Uint64(b[16:24]))
	sidLen := int(b[7])
	if sidLen == 0 {
		r.Topology = nil
		return nil
	}
	if sidLen != rnidTopologyLen || len(b) < 24+sidLen {
		return ErrBadPayload
	}
	t := b[24:]
	r.Topology = &RNIDTopology{
		AssocType: binary.BigEndian.Uint32(t[16:20]),
		PhysPort:  binary.BigEndian.Uint32(t[20:24]),
		AttNodes:  binary.BigEndian.Uint32(t[24:28]),
		NodeMgmt:  t[28],
		IPVersion: t[29],
		TCPPort:   binary.BigEndian.Uint16(t[30:32]),
	}
	return nil
}

// ============================================================================
// RLS
// ============================================================================

// RLS payload sizes.
const (
	RLSLen    = 8
	RLSAccLen = 28
)

// LinkErrorStatus is the link error status block returned by RLS.
type LinkErrorStatus struct {
	LinkFail uint32
	SyncLoss uint32
	SigLoss  uint32
	PrimErr  uint32
	InvWord  uint32
	InvCRC   uint32
}

// MarshalBinary encodes the RLS accept payload.
func (l *LinkErrorStatus) MarshalBinary() ([]byte, error) {
	b := make([]byte, RLSAccLen)
	b[0] = byte(ELSLsAcc)
	for i, v := range []uint32{l.LinkFail, l.SyncLoss, l.SigLoss, l.PrimErr, l.InvWord, l.InvCRC} {
		binary.BigEndian.PutUint32(b[4+4*i:8+4*i], v)
	}
	return b, nil
}

// UnmarshalBinary decodes an RLS accept payload.
func (l *LinkErrorStatus) UnmarshalBinary(b []byte) error {
	if len(b) < RLSAccLen {
		return ErrShortFrame
	}
	w := func(i int) uint32 { return binary.BigEndian.Uint32(b[4+4*i : 8+4*i]) }
	l.LinkFail, l.SyncLoss, l.SigLoss = w(0), w(1), w(2)
	l.PrimErr, l.InvWord, l.InvCRC = w(3), w(4), w(5)
	return nil
}

// RLSRequest is the read link error status request.
type RLSRequest struct {
	PortID uint32
}

// MarshalBinary encodes the RLS request.
func (r *RLSRequest) MarshalBinary() ([]byte, error) {
	b := make([]byte, RLSLen)
	b[0] = byte(ELSRLS)
	put24(b[5:8], r.PortID)
	return b, nil
}

// UnmarshalBinary decodes an RLS request.
func (r *RLSRequest) UnmarshalBinary(b []byte) error {
	if len(b) < RLSLen {
		return ErrShortFrame
	}
	r.PortID = get24(b[5:8])
	return nil
}

// ============================================================================
// Builders
// ============================================================================

// NewELS returns a frame carrying the encoded payload with R_CTL and TYPE
// set for an ELS request.
func NewELS(m interface{ MarshalBinary() ([]byte, error) }) *Frame {
	b, _ := m.MarshalBinary()
	f := &Frame{Payload: b}
	f.Setup(RCtlELSReq, TypeELS)
	return f
}

// NewELSReply returns an ELS reply frame carrying the encoded payload.
func NewELSReply(m interface{ MarshalBinary() ([]byte, error) }) *Frame {
	b, _ := m.MarshalBinary()
	f := &Frame{Payload: b}
	f.Setup(RCtlELSRep, TypeELS)
	return f
}

// NewLsAcc returns a bare LS_ACC reply.
func NewLsAcc() *Frame {
	f := New(4)
	f.Payload[0] = byte(ELSLsAcc)
	f.Setup(RCtlELSRep, TypeELS)
	return f
}

// NewLsRjt returns an LS_RJT reply.
func NewLsRjt(reason RjtReason, explan RjtExplan) *Frame {
	return NewELSReply(&LsRjt{Reason: reason, Explan: explan})
}

// NewELSCmd returns an ELS request whose payload is only the command word
// padded to n bytes.
func NewELSCmd(cmd ELSCmd, n int) *Frame {
	if n < 4 {
		n = 4
	}
	f := New(n)
	f.Payload[0] = byte(cmd)
	f.Setup(RCtlELSReq, TypeELS)
	return f
}
