// Package frame defines the FC-FS2 frame header, the frame-control and
// routing-control constants, and the basic and extended link service payload
// codecs used by the exchange, session and local port engines.
//
// All multi-byte fields are big endian. Addresses (D_ID, S_ID) and F_CTL are
// 24-bit quantities carried in uint32 values.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderLen is the size of an encoded FC frame header.
const HeaderLen = 24

var (
	// ErrShortFrame is returned when a buffer is too short to hold the
	// structure being decoded.
	ErrShortFrame = errors.New("frame: buffer too short")

	// ErrBadPayload is returned when a payload carries an unexpected
	// command code or an inconsistent length field.
	ErrBadPayload = errors.New("frame: malformed payload")
)

// RCtl is the routing-control field (R_CTL).
type RCtl uint8

// Routing control values (FC-FS2 table 37 and the basic link services).
const (
	RCtlDDUncat    RCtl = 0x00 // uncategorized device data
	RCtlDDSolData  RCtl = 0x01 // solicited data
	RCtlDDUnsolCtl RCtl = 0x02 // unsolicited control (CT requests)
	RCtlDDSolCtl   RCtl = 0x03 // solicited control (CT responses)
	RCtlDDDataDesc RCtl = 0x05
	RCtlDDUnsolCmd RCtl = 0x06 // FCP_CMND
	RCtlDDCmdStat  RCtl = 0x07 // FCP_RSP

	RCtlELSReq RCtl = 0x22 // extended link service request
	RCtlELSRep RCtl = 0x23 // extended link service reply

	RCtlBANOP  RCtl = 0x80
	RCtlBAABTS RCtl = 0x81 // abort sequence
	RCtlBARMC  RCtl = 0x82 // remove connection
	RCtlBAACC  RCtl = 0x84 // basic accept
	RCtlBARJT  RCtl = 0x85 // basic reject
	RCtlBAPRMT RCtl = 0x86

	RCtlACK1 RCtl = 0xc0
	RCtlACK0 RCtl = 0xc1
	RCtlPRJT RCtl = 0xc2
	RCtlFRJT RCtl = 0xc3
	RCtlPBSY RCtl = 0xc4
	RCtlFBSY RCtl = 0xc5
)

// IsBLS reports whether r is a basic link service routing control.
func (r RCtl) IsBLS() bool { return r&0xf0 == 0x80 }

// IsLinkControl reports whether r is an ACK, reject or busy link-control frame.
func (r RCtl) IsLinkControl() bool { return r&0xf0 == 0xc0 }

func (r RCtl) String() string {
	switch r {
	case RCtlDDUnsolCtl:
		return "UNSOL_CTL"
	case RCtlDDSolCtl:
		return "SOL_CTL"
	case RCtlDDUnsolCmd:
		return "UNSOL_CMD"
	case RCtlELSReq:
		return "ELS_REQ"
	case RCtlELSRep:
		return "ELS_REP"
	case RCtlBAABTS:
		return "BA_ABTS"
	case RCtlBAACC:
		return "BA_ACC"
	case RCtlBARJT:
		return "BA_RJT"
	case RCtlACK1:
		return "ACK_1"
	case RCtlACK0:
		return "ACK_0"
	case RCtlPRJT:
		return "P_RJT"
	case RCtlFRJT:
		return "F_RJT"
	case RCtlPBSY:
		return "P_BSY"
	case RCtlFBSY:
		return "F_BSY"
	default:
		return fmt.Sprintf("RCTL(%#02x)", uint8(r))
	}
}

// Type is the data structure type field (TYPE).
type Type uint8

const (
	TypeBLS Type = 0x00
	TypeELS Type = 0x01
	TypeIP  Type = 0x05
	TypeFCP Type = 0x08
	TypeCT  Type = 0x20
)

// Frame control (F_CTL) bits, FC-FS2 table 43.
const (
	FCtlExCtx    uint32 = 1 << 23 // sender is exchange responder
	FCtlSeqCtx   uint32 = 1 << 22 // sender is sequence recipient
	FCtlFirstSeq uint32 = 1 << 21 // first sequence of exchange
	FCtlLastSeq  uint32 = 1 << 20 // last sequence of exchange
	FCtlEndSeq   uint32 = 1 << 19 // last frame of sequence
	FCtlEndConn  uint32 = 1 << 18
	FCtlChain    uint32 = 1 << 17
	FCtlSeqInit  uint32 = 1 << 16 // transfer sequence initiative
	FCtlXID      uint32 = 1 << 15
	FCtlAckMask  uint32 = 3 << 12
	FCtlRetxSeq  uint32 = 1 << 9
	FCtlUniDir   uint32 = 1 << 8
	FCtlContSeq  uint32 = 3 << 6
	FCtlAbortSeq uint32 = 3 << 4
	FCtlRelOff   uint32 = 1 << 3
	FCtlFillMask uint32 = 3
)

// XIDUnknown is the OX_ID/RX_ID value meaning "not yet assigned".
const XIDUnknown uint16 = 0xffff

// Well-known fabric addresses (FC-FS2 table 31).
const (
	FIDNone        uint32 = 0x000000
	FIDBroadcast   uint32 = 0xffffff
	FIDFLogi       uint32 = 0xfffffe // fabric login server
	FIDFCtrl       uint32 = 0xfffffd // fabric controller
	FIDDirServ     uint32 = 0xfffffc // directory (name) server
	FIDTimeServ    uint32 = 0xfffffb
	FIDMgmtServ    uint32 = 0xfffffa
	FIDQoS         uint32 = 0xfffff9
	FIDAlias       uint32 = 0xfffff8
	FIDSecKey      uint32 = 0xfffff7
	FIDClock       uint32 = 0xfffff6
	FIDMcastServ   uint32 = 0xfffff5
	FIDWellKnownLo uint32 = 0xfffff0
	FIDDomMgrBase  uint32 = 0xfffc00 // domain controller range
)

// Point-to-point addresses assigned after an N_Port to N_Port FLOGI exchange.
// The port with the higher world-wide port name takes PTPFIDHi.
const (
	PTPFIDLo uint32 = 0x010101
	PTPFIDHi uint32 = 0x010102
)

// IsWellKnown reports whether fid is a well-known fabric service address.
func IsWellKnown(fid uint32) bool {
	return fid >= FIDWellKnownLo || fid&0xffff00 == FIDDomMgrBase
}

// Header is the decoded 24-byte FC frame header.
type Header struct {
	RCtl   RCtl
	DID    uint32
	CSCtl  uint8
	SID    uint32
	Type   Type
	FCtl   uint32
	SeqID  uint8
	DFCtl  uint8
	SeqCnt uint16
	OXID   uint16
	RXID   uint16
	Param  uint32
}

// MarshalBinary encodes the header into its 24-byte wire form.
func (h *Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderLen)
	h.put(b)
	return b, nil
}

func (h *Header) put(b []byte) {
	b[0] = byte(h.RCtl)
	put24(b[1:4], h.DID)
	b[4] = h.CSCtl
	put24(b[5:8], h.SID)
	b[8] = byte(h.Type)
	put24(b[9:12], h.FCtl)
	b[12] = h.SeqID
	b[13] = h.DFCtl
	binary.BigEndian.PutUint16(b[14:16], h.SeqCnt)
	binary.BigEndian.PutUint16(b[16:18], h.OXID)
	binary.BigEndian.PutUint16(b[18:20], h.RXID)
	binary.BigEndian.PutUint32(b[20:24], h.Param)
}

// UnmarshalBinary decodes a 24-byte wire header.
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderLen {
		return ErrShortFrame
	}
	h.RCtl = RCtl(b[0])
	h.DID = get24(b[1:4])
	h.CSCtl = b[4]
	h.SID = get24(b[5:8])
	h.Type = Type(b[8])
	h.FCtl = get24(b[9:12])
	h.SeqID = b[12]
	h.DFCtl = b[13]
	h.SeqCnt = binary.BigEndian.Uint16(b[14:16])
	h.OXID = binary.BigEndian.Uint16(b[16:18])
	h.RXID = binary.BigEndian.Uint16(b[18:20])
	h.Param = binary.BigEndian.Uint32(b[20:24])
	return nil
}

// Frame is one FC frame: header plus payload.
type Frame struct {
	Header
	Payload []byte
}

// New allocates a frame with a zeroed payload of n bytes.
func New(n int) *Frame {
	return &Frame{Payload: make([]byte, n)}
}

// Setup sets the routing control and type fields.
func (f *Frame) Setup(r RCtl, t Type) {
	f.RCtl = r
	f.Type = t
}

// MarshalBinary encodes header and payload.
func (f *Frame) MarshalBinary() ([]byte, error) {
	b := make([]byte, HeaderLen+len(f.Payload))
	f.Header.put(b)
	copy(b[HeaderLen:], f.Payload)
	return b, nil
}

// UnmarshalBinary decodes header and payload. The payload aliases b.
func (f *Frame) UnmarshalBinary(b []byte) error {
	if err := f.Header.UnmarshalBinary(b); err != nil {
		return err
	}
	f.Payload = b[HeaderLen:]
	return nil
}

// ELSCmd returns the ELS command code in the first payload byte, or 0 for an
// empty payload.
func (f *Frame) ELSCmd() ELSCmd {
	if len(f.Payload) == 0 {
		return 0
	}
	return ELSCmd(f.Payload[0])
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s type=%#02x s_id=%06x d_id=%06x ox_id=%04x rx_id=%04x f_ctl=%06x seq_id=%d seq_cnt=%d len=%d",
		f.RCtl, uint8(f.Type), f.SID, f.DID, f.OXID, f.RXID, f.FCtl, f.SeqID, f.SeqCnt, len(f.Payload))
}

func put24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func get24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
