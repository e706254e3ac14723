package frame

import "encoding/binary"

// CTHeaderLen is the size of the FC-GS common transport preamble.
const CTHeaderLen = 16

// CT preamble constants for the directory (name) server.
const (
	CTRevision      uint8 = 0x01
	CTFSTypeDir     uint8 = 0xfc
	CTFSSubtypeName uint8 = 0x02
)

// CTCmd is a CT command or response code.
type CTCmd uint16

const (
	CTFSRjt CTCmd = 0x8001
	CTFSAcc CTCmd = 0x8002

	CTGIDFT CTCmd = 0x0171 // get port identifiers by FC-4 type
	CTGPNID CTCmd = 0x0112 // get port name by identifier
	CTRPNID CTCmd = 0x0212 // register port name
	CTRFTID CTCmd = 0x0217 // register FC-4 types
)

// CT reject reasons and explanations.
const (
	CTRjtInvCmd  uint8 = 0x01
	CTRjtLogic   uint8 = 0x03
	CTRjtUnable  uint8 = 0x09
	CTRjtUnsup   uint8 = 0x0b
	CTExplNone   uint8 = 0x00
	CTExplPortID uint8 = 0x01 // port identifier not registered
	CTExplFC4    uint8 = 0x07 // FC-4 types not registered
)

// CTHeader is the common transport preamble.
type CTHeader struct {
	Revision   uint8
	InID       uint32
	FSType     uint8
	FSSubtype  uint8
	Options    uint8
	Cmd        CTCmd
	MaxResSize uint16
	Reason     uint8
	Explan     uint8
	Vendor     uint8
}

// NewCTHeader returns a name server preamble for cmd.
func NewCTHeader(cmd CTCmd) CTHeader {
	return CTHeader{
		Revision:  CTRevision,
		FSType:    CTFSTypeDir,
		FSSubtype: CTFSSubtypeName,
		Cmd:       cmd,
	}
}

func (h *CTHeader) put(b []byte) {
	b[0] = h.Revision
	put24(b[1:4], h.InID)
	b[4] = h.FSType
	b[5] = h.FSSubtype
	b[6] = h.Options
	binary.BigEndian.PutUint16(b[8:10], uint16(h.Cmd))
	binary.BigEndian.PutUint16(b[10:12], h.MaxResSize)
	b[13] = h.Reason
	b[14] = h.Explan
	b[15] = h.Vendor
}

// UnmarshalBinary decodes the preamble.
func (h *CTHeader) UnmarshalBinary(b []byte) error {
	if len(b) < CTHeaderLen {
		return ErrShortFrame
	}
	h.Revision = b[0]
	h.InID = get24(b[1:4])
	h.FSType = b[4]
	h.FSSubtype = b[5]
	h.Options = b[6]
	h.Cmd = CTCmd(binary.BigEndian.Uint16(b[8:10]))
	h.MaxResSize = binary.BigEndian.Uint16(b[10:12])
	h.Reason = b[13]
	h.Explan = b[14]
	h.Vendor = b[15]
	return nil
}

// FC4Types is the 256-bit FC-4 types bitmap carried by RFT_ID.
type FC4Types [8]uint32

// Set marks t as supported.
func (f *FC4Types) Set(t Type) { f[t/32] |= 1 << (uint(t) % 32) }

// Has reports whether t is marked as supported.
func (f *FC4Types) Has(t Type) bool { return f[t/32]&(1<<(uint(t)%32)) != 0 }

// CTRequest is a name server request: preamble plus an opaque body.
type CTRequest struct {
	CTHeader
	Body []byte
}

// MarshalBinary encodes the request.
func (r *CTRequest) MarshalBinary() ([]byte, error) {
	b := make([]byte, CTHeaderLen+len(r.Body))
	r.CTHeader.put(b)
	copy(b[CTHeaderLen:], r.Body)
	return b, nil
}

// UnmarshalBinary decodes a request. Body aliases b.
func (r *CTRequest) UnmarshalBinary(b []byte) error {
	if err := r.CTHeader.UnmarshalBinary(b); err != nil {
		return err
	}
	r.Body = b[CTHeaderLen:]
	return nil
}

// NewRPNID builds the register-port-name request body.
func NewRPNID(fid uint32, wwpn WWN) *CTRequest {
	body := make([]byte, 12)
	put24(body[1:4], fid)
	binary.BigEndian.PutUint64(body[4:12], uint64(wwpn))
	return &CTRequest{CTHeader: NewCTHeader(CTRPNID), Body: body}
}

// ParseRPNID decodes a register-port-name body.
func ParseRPNID(body []byte) (uint32, WWN, error) {
	if len(body) < 12 {
		return 0, 0, ErrShortFrame
	}
	return get24(body[1:4]), WWN(binary.BigEndian.Uint64(body[4:12])), nil
}

// NewRFTID builds the register-FC-4-types request body.
func NewRFTID(fid uint32, types FC4Types) *CTRequest {
	body := make([]byte, 4+32)
	put24(body[1:4], fid)
	for i, w := range types {
		binary.BigEndian.PutUint32(body[4+4*i:8+4*i], w)
	}
	return &CTRequest{CTHeader: NewCTHeader(CTRFTID), Body: body}
}

// ParseRFTID decodes a register-FC-4-types body.
func ParseRFTID(body []byte) (uint32, FC4Types, error) {
	var types FC4Types
	if len(body) < 36 {
		return 0, types, ErrShortFrame
	}
	for i := range types {
		types[i] = binary.BigEndian.Uint32(body[4+4*i : 8+4*i])
	}
	return get24(body[1:4]), types, nil
}

// NewGIDFT builds a get-port-identifiers request for an FC-4 type.
func NewGIDFT(t Type) *CTRequest {
	body := make([]byte, 4)
	body[3] = byte(t)
	return &CTRequest{CTHeader: NewCTHeader(CTGIDFT), Body: body}
}

// gidLast marks the final entry of a GID_FT accept.
const gidLast uint8 = 0x80

// EncodeGIDFTAcc encodes the port identifier list of a GID_FT accept.
func EncodeGIDFTAcc(fids []uint32) []byte {
	body := make([]byte, 4*len(fids))
	for i, fid := range fids {
		put24(body[4*i+1:4*i+4], fid)
		if i == len(fids)-1 {
			body[4*i] = gidLast
		}
	}
	return body
}

// DecodeGIDFTAcc decodes the port identifier list of a GID_FT accept.
func DecodeGIDFTAcc(body []byte) ([]uint32, error) {
	var fids []uint32
	for off := 0; off+4 <= len(body); off += 4 {
		fids = append(fids, get24(body[off+1:off+4]))
		if body[off]&gidLast != 0 {
			return fids, nil
		}
	}
	if len(fids) == 0 {
		return nil, nil
	}
	return nil, ErrBadPayload
}

// NewCT returns a frame carrying a CT request to the directory server.
func NewCT(r *CTRequest) *Frame {
	b, _ := r.MarshalBinary()
	f := &Frame{Payload: b}
	f.Setup(RCtlDDUnsolCtl, TypeCT)
	return f
}

// NewCTReply returns a CT accept or reject reply frame.
func NewCTReply(cmd CTCmd, reason, explan uint8, body []byte) *Frame {
	h := NewCTHeader(cmd)
	h.Reason = reason
	h.Explan = explan
	r := &CTRequest{CTHeader: h, Body: body}
	b, _ := r.MarshalBinary()
	f := &Frame{Payload: b}
	f.Setup(RCtlDDSolCtl, TypeCT)
	return f
}
