package frame

import "encoding/binary"

// BAAccLen and BARjtLen are the BA_ACC and BA_RJT payload sizes.
const (
	BAAccLen = 12
	BARjtLen = 4
)

// BASeqIDValid marks the SEQ_ID field of a BA_ACC as meaningful.
const BASeqIDValid uint8 = 0x80

// BAAcc is the basic accept payload sent in reply to an ABTS.
type BAAcc struct {
	SeqIDValid bool
	SeqID      uint8
	OXID       uint16
	RXID       uint16
	LowSeqCnt  uint16
	HighSeqCnt uint16
}

// MarshalBinary encodes the BA_ACC payload.
func (a *BAAcc) MarshalBinary() ([]byte, error) {
	b := make([]byte, BAAccLen)
	if a.SeqIDValid {
		b[0] = BASeqIDValid
	}
	b[1] = a.SeqID
	binary.BigEndian.PutUint16(b[4:6], a.OXID)
	binary.BigEndian.PutUint16(b[6:8], a.RXID)
	binary.BigEndian.PutUint16(b[8:10], a.LowSeqCnt)
	binary.BigEndian.PutUint16(b[10:12], a.HighSeqCnt)
	return b, nil
}

// UnmarshalBinary decodes a BA_ACC payload.
func (a *BAAcc) UnmarshalBinary(b []byte) error {
	if len(b) < BAAccLen {
		return ErrShortFrame
	}
	a.SeqIDValid = b[0] == BASeqIDValid
	a.SeqID = b[1]
	a.OXID = binary.BigEndian.Uint16(b[4:6])
	a.RXID = binary.BigEndian.Uint16(b[6:8])
	a.LowSeqCnt = binary.BigEndian.Uint16(b[8:10])
	a.HighSeqCnt = binary.BigEndian.Uint16(b[10:12])
	return nil
}

// BARjtReason is the BA_RJT reason code.
type BARjtReason uint8

const (
	BARjtNone    BARjtReason = 0x00
	BARjtInvCmd  BARjtReason = 0x01
	BARjtLogErr  BARjtReason = 0x03
	BARjtLogBusy BARjtReason = 0x05
	BARjtProto   BARjtReason = 0x07
	BARjtUnable  BARjtReason = 0x09
	BARjtVendor  BARjtReason = 0xff
)

// BARjtExplan is the BA_RJT reason explanation.
type BARjtExplan uint8

const (
	BARjtExplNone    BARjtExplan = 0x00
	BARjtExplInvXID  BARjtExplan = 0x03 // invalid OX_ID-RX_ID combination
	BARjtExplAborted BARjtExplan = 0x05 // sequence aborted, no sequence information
)

// BARjt is the basic reject payload.
type BARjt struct {
	Reason BARjtReason
	Explan BARjtExplan
	Vendor uint8
}

// MarshalBinary encodes the BA_RJT payload.
func (r *BARjt) MarshalBinary() ([]byte, error) {
	return []byte{0, byte(r.Reason), byte(r.Explan), r.Vendor}, nil
}

// UnmarshalBinary decodes a BA_RJT payload.
func (r *BARjt) UnmarshalBinary(b []byte) error {
	if len(b) < BARjtLen {
		return ErrShortFrame
	}
	r.Reason = BARjtReason(b[1])
	r.Explan = BARjtExplan(b[2])
	r.Vendor = b[3]
	return nil
}
