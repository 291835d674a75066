package core

import (
	"encoding/binary"
	"hash/fnv"
)

// DeriveFillID computes the deterministic idempotency key for a fill: a hash
// of (broker_order_id, fill_seq). Two derivations of the same broker order
// and sequence number, whether from the Engine's immediate reconciliation or
// a later Recovery Loop poll, or from a repeated poll after a process
// restart, always collide onto the same FillID, which is what lets the
// Ledger's append dedupe backstop the tracker's persistent seen-quantity
// counter.
func DeriveFillID(brokerOrderID string, fillSeq int64) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(brokerOrderID))
	_, _ = h.Write([]byte{0})
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], uint64(fillSeq))
	_, _ = h.Write(seqBytes[:])
	return fmtHex(h.Sum64())
}

func fmtHex(v uint64) string {
	const hexDigits = "0123456789abcdef"
	var buf [16]byte
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return string(buf[:])
}
