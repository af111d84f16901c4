package raft

import (
	"hash/crc32"
	"math/rand"
	"time"

	"github.com/tidegate/raft/raftpb"
)

// randomRange returns a random duration within [lo, hi).
func randomRange(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

func min(a, b uint64) uint64 {
	if a <= b {
		return a
	}
	return b
}

// asyncNotifyCh is used to do an async channel send to
// a single channel without blocking.
func asyncNotifyCh(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// entryChecksum covers term, index, type and payload so that a record
// damaged at rest is caught when it is read back.
func entryChecksum(e *raftpb.Entry) uint32 {
	var buf [24]byte
	putUint64(buf[0:8], e.Term)
	putUint64(buf[8:16], e.Index)
	putUint64(buf[16:24], uint64(e.Type))
	sum := crc32.Update(0, crcTable, buf[:])
	return crc32.Update(sum, crcTable, e.Data)
}

// sealEntry stamps the checksum on an entry before it is handed to storage.
func sealEntry(e *raftpb.Entry) {
	e.Crc = entryChecksum(e)
}

// verifyEntry reports whether a stored entry still matches its checksum.
func verifyEntry(e *raftpb.Entry) bool {
	return e.Crc == entryChecksum(e)
}

func putUint64(b []byte, v uint64) {
	b[0] = byte(v >> 56)
	b[1] = byte(v >> 48)
	b[2] = byte(v >> 40)
	b[3] = byte(v >> 32)
	b[4] = byte(v >> 24)
	b[5] = byte(v >> 16)
	b[6] = byte(v >> 8)
	b[7] = byte(v)
}
