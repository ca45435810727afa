package scene

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// Fingerprint digests the visually relevant subset of a snapshot: the ordered
// id/version pairs of non-deleted elements plus document background. Two
// snapshots with equal fingerprints render identically, so persistence and
// thumbnail work can be skipped when the fingerprint has not moved.
type Fingerprint [32]byte

func (s *Snapshot) Fingerprint() Fingerprint {
	h := blake3.New()
	if s != nil {
		var buf [8]byte
		for _, el := range s.Elements {
			if el.Deleted {
				continue
			}
			h.Write([]byte(el.ID))
			h.Write([]byte{0})
			binary.LittleEndian.PutUint64(buf[:], uint64(el.Version))
			h.Write(buf[:])
		}
		h.Write([]byte{0})
		h.Write([]byte(s.Background))
	}
	var fp Fingerprint
	h.Digest().Read(fp[:])
	return fp
}
