package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed corresponds to spec.md §7's MalformedMessage: schema
// violations, oversized operations, bad addresses, or mismatched key
// lengths. The connection is closed and the peer penalized by the
// caller; the codec itself only reports the violation.
var ErrMalformed = errors.New("wire: malformed message")

// ErrTooLarge is ErrMalformed's specific oversize case, spec.md §4.2.
var ErrTooLarge = fmt.Errorf("%w: exceeds max operation size", ErrMalformed)

// writer accumulates a canonical, deterministic byte stream: identical
// logical values always produce identical bytes, required so a relayed
// SignedNodeInfo can be re-verified bit for bit (spec.md §4.2).
type writer struct{ buf []byte }

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) i64(v int64)  { w.u64(uint64(v)) }
func (w *writer) bytesRaw(b []byte) { w.buf = append(w.buf, b...) }

// bytesLP writes a length-prefixed (u32 LE length) byte string.
func (w *writer) bytesLP(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) stringLP(s string) { w.bytesLP([]byte(s)) }

func (w *writer) bool(b bool) {
	if b {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

type reader struct {
	buf []byte
	pos int
}

func newReader(b []byte) *reader { return &reader{buf: b} }

func (r *reader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return ErrMalformed
	}
	return nil
}

func (r *reader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) i64() (int64, error) {
	v, err := r.u64()
	return int64(v), err
}

func (r *reader) bool() (bool, error) {
	v, err := r.u8()
	return v != 0, err
}

func (r *reader) bytesRaw(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

// bytesLP reads a length-prefixed byte string, rejecting lengths that
// would blow the overall MaxOperationSize cap.
func (r *reader) bytesLP() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if n > MaxOperationSize {
		return nil, ErrTooLarge
	}
	return r.bytesRaw(int(n))
}

func (r *reader) stringLP() (string, error) {
	b, err := r.bytesLP()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) done() bool { return r.pos >= len(r.buf) }

// --- NodeID / DialInfo / NodeInfo / PeerInfo canonical codecs ---

func writeNodeID(w *writer, id NodeID) {
	w.bytesRaw(id.Kind[:])
	w.bytesRaw(id.Key[:])
}

func readNodeID(r *reader) (NodeID, error) {
	var id NodeID
	k, err := r.bytesRaw(CryptoKindSize)
	if err != nil {
		return id, err
	}
	copy(id.Kind[:], k)
	key, err := r.bytesRaw(32)
	if err != nil {
		return id, err
	}
	copy(id.Key[:], key)
	return id, nil
}

func writeDialInfo(w *writer, d DialInfo) {
	w.u8(uint8(d.Protocol))
	w.stringLP(d.Address)
	w.stringLP(d.Path)
}

func readDialInfo(r *reader) (DialInfo, error) {
	var d DialInfo
	p, err := r.u8()
	if err != nil {
		return d, err
	}
	d.Protocol = Protocol(p)
	if d.Address, err = r.stringLP(); err != nil {
		return d, err
	}
	if d.Path, err = r.stringLP(); err != nil {
		return d, err
	}
	return d, nil
}

func writeDialInfoDetail(w *writer, d DialInfoDetail) {
	writeDialInfo(w, d.DialInfo)
	w.u8(uint8(d.Class))
}

func readDialInfoDetail(r *reader) (DialInfoDetail, error) {
	var d DialInfoDetail
	di, err := readDialInfo(r)
	if err != nil {
		return d, err
	}
	d.DialInfo = di
	c, err := r.u8()
	if err != nil {
		return d, err
	}
	d.Class = DialInfoClass(c)
	return d, nil
}

func writeNodeInfo(w *writer, n NodeInfo) {
	w.u8(uint8(n.NetworkClass))
	w.u32(uint32(len(n.OutboundProtocols)))
	for _, p := range n.OutboundProtocols {
		w.u8(uint8(p))
	}
	w.u32(uint32(len(n.AddressTypes)))
	for _, p := range n.AddressTypes {
		w.u8(uint8(p))
	}
	w.u8(n.MinProtoVersion)
	w.u8(n.MaxProtoVersion)
	w.u32(uint32(len(n.DialInfoDetails)))
	for _, d := range n.DialInfoDetails {
		writeDialInfoDetail(w, d)
	}
	w.bool(n.RelayPeer != nil)
	if n.RelayPeer != nil {
		writeNodeID(w, *n.RelayPeer)
	}
	w.u8(uint8(n.Domain))
	w.bytesRaw(n.SigningPub[:])
}

func readNodeInfo(r *reader) (NodeInfo, error) {
	var n NodeInfo
	v, err := r.u8()
	if err != nil {
		return n, err
	}
	n.NetworkClass = NetworkClass(v)

	cnt, err := r.u32()
	if err != nil {
		return n, err
	}
	if cnt > MaxOperationSize {
		return n, ErrTooLarge
	}
	for i := uint32(0); i < cnt; i++ {
		p, err := r.u8()
		if err != nil {
			return n, err
		}
		n.OutboundProtocols = append(n.OutboundProtocols, Protocol(p))
	}

	cnt, err = r.u32()
	if err != nil {
		return n, err
	}
	if cnt > MaxOperationSize {
		return n, ErrTooLarge
	}
	for i := uint32(0); i < cnt; i++ {
		p, err := r.u8()
		if err != nil {
			return n, err
		}
		n.AddressTypes = append(n.AddressTypes, Protocol(p))
	}

	if n.MinProtoVersion, err = r.u8(); err != nil {
		return n, err
	}
	if n.MaxProtoVersion, err = r.u8(); err != nil {
		return n, err
	}

	cnt, err = r.u32()
	if err != nil {
		return n, err
	}
	if cnt > 4096 {
		return n, ErrTooLarge
	}
	for i := uint32(0); i < cnt; i++ {
		d, err := readDialInfoDetail(r)
		if err != nil {
			return n, err
		}
		n.DialInfoDetails = append(n.DialInfoDetails, d)
	}

	hasRelay, err := r.bool()
	if err != nil {
		return n, err
	}
	if hasRelay {
		id, err := readNodeID(r)
		if err != nil {
			return n, err
		}
		n.RelayPeer = &id
	}
	dom, err := r.u8()
	if err != nil {
		return n, err
	}
	n.Domain = RoutingDomain(dom)
	pub, err := r.bytesRaw(32)
	if err != nil {
		return n, err
	}
	copy(n.SigningPub[:], pub)
	return n, nil
}

func writeSignedNodeInfo(w *writer, s SignedNodeInfo) {
	writeNodeInfo(w, s.Info)
	w.i64(s.Timestamp)
	w.bytesRaw(s.Signature[:])
}

func readSignedNodeInfo(r *reader) (SignedNodeInfo, error) {
	var s SignedNodeInfo
	info, err := readNodeInfo(r)
	if err != nil {
		return s, err
	}
	s.Info = info
	if s.Timestamp, err = r.i64(); err != nil {
		return s, err
	}
	sig, err := r.bytesRaw(64)
	if err != nil {
		return s, err
	}
	copy(s.Signature[:], sig)
	return s, nil
}

func writePeerInfo(w *writer, p PeerInfo) {
	writeNodeID(w, p.NodeID)
	writeSignedNodeInfo(w, p.SignedNodeInfo)
}

func readPeerInfo(r *reader) (PeerInfo, error) {
	var p PeerInfo
	id, err := readNodeID(r)
	if err != nil {
		return p, err
	}
	p.NodeID = id
	sni, err := readSignedNodeInfo(r)
	if err != nil {
		return p, err
	}
	p.SignedNodeInfo = sni
	return p, nil
}

// EncodeSignedNodeInfoBody exposes the canonical encoding of a NodeInfo
// plus its timestamp, the bytes a SignedNodeInfo's signature covers:
// re-verifying a relayed SignedNodeInfo's signature requires re-encoding
// the exact same bytes that were originally signed.
func EncodeSignedNodeInfoBody(info NodeInfo, timestamp int64) []byte {
	w := &writer{}
	writeNodeInfo(w, info)
	w.i64(timestamp)
	return w.buf
}
