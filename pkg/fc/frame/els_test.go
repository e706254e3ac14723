package frame

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLsRjt(t *testing.T) {
	t.Parallel()

	b, err := (&LsRjt{Reason: RjtUnsup, Explan: ExplNone}).MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0, 0, 0, 0, 0x0b, 0, 0}, b)

	var r LsRjt
	require.NoError(t, r.UnmarshalBinary(b))
	assert.Equal(t, RjtUnsup, r.Reason)
	assert.False(t, r.Busy())

	assert.ErrorIs(t, r.UnmarshalBinary([]byte{0x02, 0, 0, 0, 0, 0, 0, 0}), ErrBadPayload)
}

func TestLsRjtBusy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rjt  LsRjt
		want bool
	}{
		{"logical busy", LsRjt{Reason: RjtBusy}, true},
		{"in progress reason", LsRjt{Reason: RjtInProg}, true},
		{"in progress explanation", LsRjt{Reason: RjtUnable, Explan: ExplInProg}, true},
		{"unsupported", LsRjt{Reason: RjtUnsup}, false},
		{"login required", LsRjt{Reason: RjtUnable, Explan: ExplPLogiReqd}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rjt.Busy())
		})
	}
}

func TestServiceParamsFabric(t *testing.T) {
	t.Parallel()

	sp := ServiceParams{
		Cmd:       ELSLsAcc,
		Fabric:    true,
		HiVer:     SPVersionHi,
		LoVer:     SPVersionLo,
		BBCredit:  10,
		Features:  SPFeatFPort | SPFeatEDTR,
		BBRcvSize: 2048,
		RATOV:     10000,
		EDTOV:     2000000000,
		WWPN:      0x2000002500000001,
		WWNN:      0x1000002500000001,
	}
	sp.Class3().Class = ClassValid
	sp.Class3().RcvDataSize = 2048

	b, err := sp.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, ServiceParamsLen)
	assert.Equal(t, byte(ELSLsAcc), b[0])
	assert.Equal(t, []byte{0x80, 0x00}, b[68:70])

	var got ServiceParams
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, uint32(10000), got.RATOV)
	assert.Equal(t, uint32(2000), got.EDTOVMillis())
	assert.True(t, got.Class3().Valid())
	assert.NotZero(t, got.Features&SPFeatFPort)
	assert.Equal(t, uint16(2048), got.MaxPayload())
	assert.Equal(t, sp.WWPN, got.WWPN)
}

func TestServiceParamsPort(t *testing.T) {
	t.Parallel()

	sp := ServiceParams{Cmd: ELSPLogi, TotalSeq: 255, RelOff: 0x1f, EDTOV: 2000}
	b, err := sp.MarshalBinary()
	require.NoError(t, err)

	var got ServiceParams
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, uint16(255), got.TotalSeq)
	assert.Equal(t, uint16(0x1f), got.RelOff)
	assert.Equal(t, uint32(2000), got.EDTOVMillis())

	assert.ErrorIs(t, got.UnmarshalBinary(b[:100]), ErrShortFrame)
}

func TestPRLI(t *testing.T) {
	t.Parallel()

	p := PRLI{
		Cmd:     ELSLsAcc,
		SPPType: TypeFCP,
		Flags:   SPPEstImgPair | uint8(SPPRespAck),
		Params:  FCPSPPFInitFcn | FCPSPPFRdXrdyDis,
	}
	b, err := p.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x10, 0x00, 0x14}, b[:4])

	var got PRLI
	require.NoError(t, got.UnmarshalBinary(b))
	if diff := cmp.Diff(p, got); diff != "" {
		t.Errorf("PRLI mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, SPPRespAck, got.Resp())

	b[1] = 0x08
	assert.ErrorIs(t, got.UnmarshalBinary(b), ErrBadPayload)
}

func TestRTVAcc(t *testing.T) {
	t.Parallel()

	acc := RTVAcc{RATOV: 10000, EDTOV: 2000000000, Qual: RTVQualEDRes}
	b, err := acc.MarshalBinary()
	require.NoError(t, err)

	var got RTVAcc
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, acc, got)
	assert.Equal(t, uint32(2000), got.EDTOVMillis())
}

func TestXIDRequestAndREC(t *testing.T) {
	t.Parallel()

	req := XIDRequest{Cmd: ELSRRQ, SID: 0x010101, OXID: 0x20, RXID: 0x30}
	b, err := req.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0, 0, 0, 0, 0x01, 0x01, 0x01, 0, 0x20, 0, 0x30}, b)

	var got XIDRequest
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, req, got)

	acc := RECAcc{OXID: 1, RXID: 2, OrigFID: 0x010101, RespFID: 0x010102, EStat: ESBRespCtx | ESBComplete}
	b, err = acc.MarshalBinary()
	require.NoError(t, err)
	var gotAcc RECAcc
	require.NoError(t, gotAcc.UnmarshalBinary(b))
	assert.Equal(t, acc, gotAcc)
}

func TestADISCAndLOGO(t *testing.T) {
	t.Parallel()

	a := ADISC{Cmd: ELSADisc, WWPN: 1, WWNN: 2, PortID: 0x0a0b0c}
	b, err := a.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, ADISCLen)
	var gotA ADISC
	require.NoError(t, gotA.UnmarshalBinary(b))
	assert.Equal(t, a, gotA)

	l := LOGO{NPortID: 0x0a0b0c, WWPN: 0x20}
	b, err = l.MarshalBinary()
	require.NoError(t, err)
	var gotL LOGO
	require.NoError(t, gotL.UnmarshalBinary(b))
	assert.Equal(t, l, gotL)
}

func TestRSCN(t *testing.T) {
	t.Parallel()

	r := RSCN{Pages: []RSCNPage{
		{AddrFmt: AddrFmtPort, FID: 0x010203},
		{AddrFmt: AddrFmtDomain, EventQual: 1, FID: 0x020000},
	}}
	b, err := r.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x61, 0x04, 0x00, 0x0c}, b[:4])

	var got RSCN
	require.NoError(t, got.UnmarshalBinary(b))
	if diff := cmp.Diff(r, got); diff != "" {
		t.Errorf("RSCN mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint32(0xffffff), got.Pages[0].Mask())
	assert.Equal(t, uint32(0xff0000), got.Pages[1].Mask())

	b[3] = 0x0d
	assert.ErrorIs(t, got.UnmarshalBinary(b), ErrBadPayload)
}

func TestRNIDAcc(t *testing.T) {
	t.Parallel()

	acc := RNIDAcc{
		Format:   RNIDFmtTopology,
		WWPN:     0x20,
		WWNN:     0x10,
		Topology: &RNIDTopology{AssocType: 3, PhysPort: 1, AttNodes: 1, NodeMgmt: 2},
	}
	b, err := acc.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, 8+16+52)

	var got RNIDAcc
	require.NoError(t, got.UnmarshalBinary(b))
	if diff := cmp.Diff(acc, got); diff != "" {
		t.Errorf("RNID mismatch (-want +got):\n%s", diff)
	}

	plain := RNIDAcc{Format: RNIDFmtCommon, WWPN: 0x20, WWNN: 0x10}
	b, err = plain.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, 8+16)
}

func TestLinkErrorStatus(t *testing.T) {
	t.Parallel()

	l := LinkErrorStatus{LinkFail: 1, SyncLoss: 2, SigLoss: 3, PrimErr: 4, InvWord: 5, InvCRC: 6}
	b, err := l.MarshalBinary()
	require.NoError(t, err)
	var got LinkErrorStatus
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, l, got)
}
