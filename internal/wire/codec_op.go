package wire

import "fmt"

func writeValueKey(w *writer, k ValueKey) {
	w.bytesRaw(k.Location[:])
	w.bytesLP(k.Subkey)
}

func readValueKey(r *reader) (ValueKey, error) {
	var k ValueKey
	loc, err := r.bytesRaw(32)
	if err != nil {
		return k, err
	}
	copy(k.Location[:], loc)
	if k.Subkey, err = r.bytesLP(); err != nil {
		return k, err
	}
	return k, nil
}

func writeValueData(w *writer, v ValueData) {
	w.bytesLP(v.Data)
	w.u32(v.Seq)
}

func readValueData(r *reader) (ValueData, error) {
	var v ValueData
	var err error
	if v.Data, err = r.bytesLP(); err != nil {
		return v, err
	}
	if v.Seq, err = r.u32(); err != nil {
		return v, err
	}
	return v, nil
}

func writePeerList(w *writer, peers []PeerInfo) {
	w.u32(uint32(len(peers)))
	for _, p := range peers {
		writePeerInfo(w, p)
	}
}

func readPeerList(r *reader) ([]PeerInfo, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if n > 4096 {
		return nil, ErrTooLarge
	}
	out := make([]PeerInfo, 0, n)
	for i := uint32(0); i < n; i++ {
		p, err := readPeerInfo(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// EncodeOperation canonically encodes a full Operation envelope. Decoding
// it with DecodeOperation is the identity on valid inputs (spec.md §8's
// round-trip property).
func EncodeOperation(op Operation) ([]byte, error) {
	w := &writer{}
	w.u64(uint64(op.OpID))
	w.bool(op.SenderNodeInfo != nil)
	if op.SenderNodeInfo != nil {
		writeNodeID(w, op.SenderID)
		writeSignedNodeInfo(w, *op.SenderNodeInfo)
	}
	w.u8(uint8(op.Kind))

	tag, err := tagFor(op.Detail)
	if err != nil {
		return nil, err
	}
	w.u8(uint8(tag))
	if err := encodeDetail(w, tag, op.Detail); err != nil {
		return nil, err
	}

	if len(w.buf) > MaxOperationSize {
		return nil, ErrTooLarge
	}
	return w.buf, nil
}

// DecodeOperation parses a canonical Operation envelope, enforcing the
// size cap and a single well-formed union variant per spec.md §4.2.
func DecodeOperation(b []byte) (Operation, error) {
	if len(b) > MaxOperationSize {
		return Operation{}, ErrTooLarge
	}
	r := newReader(b)
	var op Operation

	opid, err := r.u64()
	if err != nil {
		return op, err
	}
	op.OpID = OpID(opid)

	hasSender, err := r.bool()
	if err != nil {
		return op, err
	}
	if hasSender {
		id, err := readNodeID(r)
		if err != nil {
			return op, err
		}
		op.SenderID = id
		sni, err := readSignedNodeInfo(r)
		if err != nil {
			return op, err
		}
		op.SenderNodeInfo = &sni
	}

	k, err := r.u8()
	if err != nil {
		return op, err
	}
	op.Kind = Kind(k)

	tagByte, err := r.u8()
	if err != nil {
		return op, err
	}
	tag := OpTag(tagByte)

	detail, err := decodeDetail(r, tag, op.Kind)
	if err != nil {
		return op, err
	}
	op.Detail = detail
	if !r.done() {
		return op, ErrMalformed
	}
	return op, nil
}

func tagFor(detail any) (OpTag, error) {
	switch detail.(type) {
	case StatusQ:
		return OpStatus, nil
	case StatusA:
		return OpStatus, nil
	case FindNodeQ:
		return OpFindNode, nil
	case FindNodeA:
		return OpFindNode, nil
	case GetValueQ:
		return OpGetValue, nil
	case GetValueA:
		return OpGetValue, nil
	case SetValueQ:
		return OpSetValue, nil
	case SetValueA:
		return OpSetValue, nil
	case WatchValueQ:
		return OpWatchValue, nil
	case WatchValueA:
		return OpWatchValue, nil
	case ValueChanged:
		return OpValueChanged, nil
	case SupplyBlockQ:
		return OpSupplyBlock, nil
	case SupplyBlockA:
		return OpSupplyBlock, nil
	case FindBlockQ:
		return OpFindBlock, nil
	case FindBlockA:
		return OpFindBlock, nil
	case AppCallQ:
		return OpAppCall, nil
	case AppCallA:
		return OpAppCall, nil
	case AppMessage:
		return OpAppMessage, nil
	case Signal:
		return OpSignal, nil
	case ValidateDialInfo:
		return OpValidateDialInfo, nil
	case ReturnReceipt:
		return OpReturnReceipt, nil
	case StartTunnelQ:
		return OpStartTunnel, nil
	case StartTunnelA:
		return OpStartTunnel, nil
	case CompleteTunnelQ:
		return OpCompleteTunnel, nil
	case CompleteTunnelA:
		return OpCompleteTunnel, nil
	case CancelTunnelQ:
		return OpCancelTunnel, nil
	case CancelTunnelA:
		return OpCancelTunnel, nil
	case RouteOperation:
		return OpRoute, nil
	default:
		return 0, fmt.Errorf("%w: unknown operation detail type %T", ErrMalformed, detail)
	}
}

func encodeDetail(w *writer, tag OpTag, detail any) error {
	switch v := detail.(type) {
	case StatusQ:
		w.u8(0)
	case StatusA:
		w.bool(v.SenderInfo != nil)
		if v.SenderInfo != nil {
			writeDialInfo(w, *v.SenderInfo)
		}
	case FindNodeQ:
		writeNodeID(w, v.Target)
	case FindNodeA:
		writePeerList(w, v.Peers)
	case GetValueQ:
		writeValueKey(w, v.Key)
	case GetValueA:
		w.bool(v.Value != nil)
		if v.Value != nil {
			writeValueData(w, *v.Value)
		}
		writePeerList(w, v.ClosePeers)
	case SetValueQ:
		writeValueKey(w, v.Key)
		writeValueData(w, v.Value)
	case SetValueA:
		writeValueData(w, v.Value)
		writePeerList(w, v.ClosePeers)
	case WatchValueQ:
		writeValueKey(w, v.Key)
		w.i64(v.ExpireReq)
	case WatchValueA:
		w.i64(v.Expiration)
	case ValueChanged:
		writeValueKey(w, v.Key)
		writeValueData(w, v.Value)
	case SupplyBlockQ:
		w.bytesRaw(v.BlockID[:])
	case SupplyBlockA:
		w.bool(v.Accepted)
	case FindBlockQ:
		w.bytesRaw(v.BlockID[:])
	case FindBlockA:
		w.bytesLP(v.Data)
		writePeerList(w, v.ClosePeers)
	case AppCallQ:
		w.u16(uint16(v.AppKind))
		w.bytesLP(v.Payload)
	case AppCallA:
		w.bytesLP(v.Payload)
	case AppMessage:
		w.u16(uint16(v.AppKind))
		w.bytesLP(v.Payload)
	case Signal:
		w.u8(uint8(v.Kind))
		writeNodeID(w, v.Target)
		w.bytesRaw(v.ReceiptTok[:])
	case ValidateDialInfo:
		writeDialInfo(w, v.DialInfo)
		w.bytesRaw(v.ReceiptTok[:])
		w.bool(v.Redirect)
	case ReturnReceipt:
		w.bytesRaw(v.ReceiptTok[:])
	case StartTunnelQ:
		w.u8(uint8(v.Mode))
	case StartTunnelA:
		w.bytesRaw(v.TunnelID[:])
		writeDialInfo(w, v.Endpoint)
	case CompleteTunnelQ:
		w.bytesRaw(v.TunnelID[:])
		writeDialInfo(w, v.PeerEndpoint)
	case CompleteTunnelA:
		w.bool(v.Accepted)
	case CancelTunnelQ:
		w.bytesRaw(v.TunnelID[:])
	case CancelTunnelA:
		w.bool(v.Cancelled)
	case RouteOperation:
		w.bytesLP(v.Inner)
		w.u32(uint32(len(v.Signatures)))
		for i, sig := range v.Signatures {
			w.bytesRaw(sig[:])
			writeNodeID(w, v.SignerIDs[i])
		}
	default:
		return fmt.Errorf("%w: unhandled detail type %T", ErrMalformed, detail)
	}
	return nil
}


func decodeDetail(r *reader, tag OpTag, kind Kind) (any, error) {
	isQuestion := kind == KindQuestion
	switch tag {
	case OpStatus:
		if isQuestion {
			return StatusQ{}, nil
		}
		hasSender, err := r.bool()
		if err != nil {
			return nil, err
		}
		if !hasSender {
			return StatusA{}, nil
		}
		di, err := readDialInfo(r)
		if err != nil {
			return nil, err
		}
		return StatusA{SenderInfo: &di}, nil
	case OpFindNode:
		if isQuestion {
			id, err := readNodeID(r)
			if err != nil {
				return nil, err
			}
			return FindNodeQ{Target: id}, nil
		}
		peers, err := readPeerList(r)
		if err != nil {
			return nil, err
		}
		return FindNodeA{Peers: peers}, nil
	case OpGetValue:
		if isQuestion {
			k, err := readValueKey(r)
			if err != nil {
				return nil, err
			}
			return GetValueQ{Key: k}, nil
		}
		hasVal, err := r.bool()
		if err != nil {
			return nil, err
		}
		var val *ValueData
		if hasVal {
			v, err := readValueData(r)
			if err != nil {
				return nil, err
			}
			val = &v
		}
		peers, err := readPeerList(r)
		if err != nil {
			return nil, err
		}
		return GetValueA{Value: val, ClosePeers: peers}, nil
	case OpSetValue:
		if isQuestion {
			k, err := readValueKey(r)
			if err != nil {
				return nil, err
			}
			v, err := readValueData(r)
			if err != nil {
				return nil, err
			}
			return SetValueQ{Key: k, Value: v}, nil
		}
		v, err := readValueData(r)
		if err != nil {
			return nil, err
		}
		peers, err := readPeerList(r)
		if err != nil {
			return nil, err
		}
		return SetValueA{Value: v, ClosePeers: peers}, nil
	case OpWatchValue:
		if isQuestion {
			k, err := readValueKey(r)
			if err != nil {
				return nil, err
			}
			exp, err := r.i64()
			if err != nil {
				return nil, err
			}
			return WatchValueQ{Key: k, ExpireReq: exp}, nil
		}
		exp, err := r.i64()
		if err != nil {
			return nil, err
		}
		return WatchValueA{Expiration: exp}, nil
	case OpValueChanged:
		k, err := readValueKey(r)
		if err != nil {
			return nil, err
		}
		v, err := readValueData(r)
		if err != nil {
			return nil, err
		}
		return ValueChanged{Key: k, Value: v}, nil
	case OpSupplyBlock:
		if isQuestion {
			id, err := r.bytesRaw(32)
			if err != nil {
				return nil, err
			}
			var bid [32]byte
			copy(bid[:], id)
			return SupplyBlockQ{BlockID: bid}, nil
		}
		ok, err := r.bool()
		if err != nil {
			return nil, err
		}
		return SupplyBlockA{Accepted: ok}, nil
	case OpFindBlock:
		if isQuestion {
			id, err := r.bytesRaw(32)
			if err != nil {
				return nil, err
			}
			var bid [32]byte
			copy(bid[:], id)
			return FindBlockQ{BlockID: bid}, nil
		}
		data, err := r.bytesLP()
		if err != nil {
			return nil, err
		}
		peers, err := readPeerList(r)
		if err != nil {
			return nil, err
		}
		return FindBlockA{Data: data, ClosePeers: peers}, nil
	case OpAppCall:
		if isQuestion {
			kind, err := r.u16()
			if err != nil {
				return nil, err
			}
			payload, err := r.bytesLP()
			if err != nil {
				return nil, err
			}
			return AppCallQ{AppKind: AppKind(kind), Payload: payload}, nil
		}
		payload, err := r.bytesLP()
		if err != nil {
			return nil, err
		}
		return AppCallA{Payload: payload}, nil
	case OpAppMessage:
		kind, err := r.u16()
		if err != nil {
			return nil, err
		}
		payload, err := r.bytesLP()
		if err != nil {
			return nil, err
		}
		return AppMessage{AppKind: AppKind(kind), Payload: payload}, nil
	case OpSignal:
		k, err := r.u8()
		if err != nil {
			return nil, err
		}
		target, err := readNodeID(r)
		if err != nil {
			return nil, err
		}
		tok, err := r.bytesRaw(16)
		if err != nil {
			return nil, err
		}
		var t [16]byte
		copy(t[:], tok)
		return Signal{Kind: SignalKind(k), Target: target, ReceiptTok: t}, nil
	case OpValidateDialInfo:
		di, err := readDialInfo(r)
		if err != nil {
			return nil, err
		}
		tok, err := r.bytesRaw(16)
		if err != nil {
			return nil, err
		}
		var t [16]byte
		copy(t[:], tok)
		redirect, err := r.bool()
		if err != nil {
			return nil, err
		}
		return ValidateDialInfo{DialInfo: di, ReceiptTok: t, Redirect: redirect}, nil
	case OpReturnReceipt:
		tok, err := r.bytesRaw(16)
		if err != nil {
			return nil, err
		}
		var t [16]byte
		copy(t[:], tok)
		return ReturnReceipt{ReceiptTok: t}, nil
	case OpStartTunnel:
		if isQuestion {
			m, err := r.u8()
			if err != nil {
				return nil, err
			}
			return StartTunnelQ{Mode: TunnelMode(m)}, nil
		}
		tid, err := r.bytesRaw(16)
		if err != nil {
			return nil, err
		}
		var t TunnelID
		copy(t[:], tid)
		ep, err := readDialInfo(r)
		if err != nil {
			return nil, err
		}
		return StartTunnelA{TunnelID: t, Endpoint: ep}, nil
	case OpCompleteTunnel:
		if isQuestion {
			tid, err := r.bytesRaw(16)
			if err != nil {
				return nil, err
			}
			var t TunnelID
			copy(t[:], tid)
			ep, err := readDialInfo(r)
			if err != nil {
				return nil, err
			}
			return CompleteTunnelQ{TunnelID: t, PeerEndpoint: ep}, nil
		}
		ok, err := r.bool()
		if err != nil {
			return nil, err
		}
		return CompleteTunnelA{Accepted: ok}, nil
	case OpCancelTunnel:
		if isQuestion {
			tid, err := r.bytesRaw(16)
			if err != nil {
				return nil, err
			}
			var t TunnelID
			copy(t[:], tid)
			return CancelTunnelQ{TunnelID: t}, nil
		}
		ok, err := r.bool()
		if err != nil {
			return nil, err
		}
		return CancelTunnelA{Cancelled: ok}, nil
	case OpRoute:
		inner, err := r.bytesLP()
		if err != nil {
			return nil, err
		}
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		if n > MaxRouteHopCount {
			return nil, ErrTooLarge
		}
		op := RouteOperation{Inner: inner}
		for i := uint32(0); i < n; i++ {
			sig, err := r.bytesRaw(64)
			if err != nil {
				return nil, err
			}
			var s [64]byte
			copy(s[:], sig)
			id, err := readNodeID(r)
			if err != nil {
				return nil, err
			}
			op.Signatures = append(op.Signatures, s)
			op.SignerIDs = append(op.SignerIDs, id)
		}
		return op, nil
	default:
		return nil, fmt.Errorf("%w: unknown op tag %d", ErrMalformed, tag)
	}
}
