package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleNodeID(b byte) NodeID {
	var id NodeID
	copy(id.Kind[:], "VLD0")
	id.Key[0] = b
	return id
}

func roundTrip(t *testing.T, op Operation) Operation {
	t.Helper()
	enc, err := EncodeOperation(op)
	require.NoError(t, err)
	require.LessOrEqual(t, len(enc), MaxOperationSize)
	dec, err := DecodeOperation(enc)
	require.NoError(t, err)
	return dec
}

func TestEncodeDecodeStatusQuestion(t *testing.T) {
	op := Operation{OpID: 42, Kind: KindQuestion, Detail: StatusQ{}}
	dec := roundTrip(t, op)
	require.Equal(t, OpID(42), dec.OpID)
	require.Equal(t, KindQuestion, dec.Kind)
	require.Equal(t, StatusQ{}, dec.Detail)
}

func TestEncodeDecodeStatusAnswer(t *testing.T) {
	di := DialInfo{Protocol: ProtoTCP, Address: "203.0.113.5:5150"}
	op := Operation{OpID: 7, Kind: KindAnswer, Detail: StatusA{SenderInfo: &di}}
	dec := roundTrip(t, op)
	sa, ok := dec.Detail.(StatusA)
	require.True(t, ok)
	require.NotNil(t, sa.SenderInfo)
	require.Equal(t, di, *sa.SenderInfo)
}

func TestEncodeDecodeFindNode(t *testing.T) {
	q := Operation{OpID: 1, Kind: KindQuestion, Detail: FindNodeQ{Target: sampleNodeID(5)}}
	dq := roundTrip(t, q)
	require.Equal(t, FindNodeQ{Target: sampleNodeID(5)}, dq.Detail)

	peers := []PeerInfo{{NodeID: sampleNodeID(4)}, {NodeID: sampleNodeID(6)}}
	a := Operation{OpID: 1, Kind: KindAnswer, Detail: FindNodeA{Peers: peers}}
	da := roundTrip(t, a)
	fa, ok := da.Detail.(FindNodeA)
	require.True(t, ok)
	require.Len(t, fa.Peers, 2)
	require.Equal(t, sampleNodeID(4), fa.Peers[0].NodeID)
}

func TestEncodeDecodeOperationSenderIdentity(t *testing.T) {
	sender := sampleNodeID(1)
	sni := SignedNodeInfo{Timestamp: 100}
	sni.Info.SigningPub[0] = 0xAB
	sni.Info.SigningPub[31] = 0xCD
	sni.Signature[0] = 0x01

	op := Operation{
		OpID:           3,
		Kind:           KindStatement,
		SenderID:       sender,
		SenderNodeInfo: &sni,
		Detail:         ReturnReceipt{},
	}
	dec := roundTrip(t, op)
	require.Equal(t, sender, dec.SenderID)
	require.NotNil(t, dec.SenderNodeInfo)
	require.Equal(t, sni.Info.SigningPub, dec.SenderNodeInfo.Info.SigningPub)
	require.Equal(t, sni.Timestamp, dec.SenderNodeInfo.Timestamp)
	require.Equal(t, sni.Signature, dec.SenderNodeInfo.Signature)
}

func TestEncodeDecodeSetValueSeqOrdering(t *testing.T) {
	key := ValueKey{Subkey: []byte("sub")}
	q := Operation{OpID: 9, Kind: KindQuestion, Detail: SetValueQ{Key: key, Value: ValueData{Data: []byte("A"), Seq: 1}}}
	dq := roundTrip(t, q)
	sv, ok := dq.Detail.(SetValueQ)
	require.True(t, ok)
	require.Equal(t, uint32(1), sv.Value.Seq)
	require.Equal(t, []byte("A"), sv.Value.Data)
}

func TestEncodeDecodeAppCall(t *testing.T) {
	q := Operation{OpID: 3, Kind: KindQuestion, Detail: AppCallQ{AppKind: 7, Payload: []byte("hello")}}
	dq := roundTrip(t, q)
	ac, ok := dq.Detail.(AppCallQ)
	require.True(t, ok)
	require.Equal(t, AppKind(7), ac.AppKind)
	require.Equal(t, []byte("hello"), ac.Payload)
}

func TestEncodeDecodeSignal(t *testing.T) {
	sig := Signal{Kind: SignalHolePunch, Target: sampleNodeID(9)}
	op := Operation{OpID: 4, Kind: KindStatement, Detail: sig}
	dec := roundTrip(t, op)
	require.Equal(t, sig, dec.Detail)
}

func TestDecodeRejectsOversizedClaim(t *testing.T) {
	_, err := DecodeOperation(make([]byte, MaxOperationSize+1))
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestDecodeRejectsTrailingGarbage(t *testing.T) {
	op := Operation{OpID: 1, Kind: KindQuestion, Detail: StatusQ{}}
	enc, err := EncodeOperation(op)
	require.NoError(t, err)
	enc = append(enc, 0xFF)
	_, err = DecodeOperation(enc)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDeterministicEncoding(t *testing.T) {
	info := NodeInfo{
		NetworkClass:    NetworkInboundCapable,
		MinProtoVersion: 1,
		MaxProtoVersion: 1,
		DialInfoDetails: []DialInfoDetail{{DialInfo: DialInfo{Protocol: ProtoUDP, Address: "1.2.3.4:5"}, Class: ClassDirect}},
	}
	b1 := EncodeSignedNodeInfoBody(info, 1234)
	b2 := EncodeSignedNodeInfoBody(info, 1234)
	require.Equal(t, b1, b2)
}
