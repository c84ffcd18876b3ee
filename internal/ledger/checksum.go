package ledger

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/fiscaledge/ofd-gateway/pkg/types"
)

// checksum computes the CRC32-IEEE of an event's identity fields. The
// timestamp is excluded: it is informational and must not invalidate a
// record that is otherwise intact.
func checksum(eventType EventType, receiptID types.ReceiptID, seq uint64) uint32 {
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)

	h := crc32.NewIEEE()
	h.Write([]byte(eventType))
	h.Write([]byte(receiptID))
	h.Write(seqBuf[:])
	return h.Sum32()
}

func verifyChecksum(event Event) bool {
	return event.Checksum == checksum(event.Type, event.ReceiptID, event.Seq)
}
