package packfile

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"github.com/Nivl/git-receive/ginternals/githash"
	"golang.org/x/xerrors"
)

// IndexEntry describes one object of a packfile, as stored in the
// index file
type IndexEntry struct {
	ID     githash.Oid
	CRC32  uint32
	Offset uint64
}

// largeOffsetThreshold is the biggest offset that fits in a layer4
// entry. Offsets above it go to layer5 and layer4 keeps the MSB set
// alongside the position of the entry in layer5
const largeOffsetThreshold = 0x7fff_ffff

// WriteIndex writes a version 2 index file for the given entries.
// The layout mirrors what PackIndex parses: header, layer1 to layer5,
// then the checksum of the packfile followed by the checksum of the
// index itself
func WriteIndex(w io.Writer, hash githash.Hash, entries []IndexEntry, packID githash.Oid) (err error) {
	sorted := make([]IndexEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].ID.Bytes(), sorted[j].ID.Bytes()) < 0
	})

	// everything but the final checksum is part of the checksum
	hasher := hash.Hasher()
	out := io.MultiWriter(w, hasher)

	write := func(data []byte) {
		if err == nil {
			_, err = out.Write(data)
		}
	}
	writeUint32 := func(n uint32) {
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, n)
		write(buf)
	}

	write(indexHeader())

	// Layer1: the cumulative count of objects per first oid byte
	var fanout [256]uint32
	for _, e := range sorted {
		fanout[e.ID.Bytes()[0]]++
	}
	cumul := uint32(0)
	for i := 0; i < 256; i++ {
		cumul += fanout[i]
		writeUint32(cumul)
	}

	// Layer2: the sorted oids
	for _, e := range sorted {
		write(e.ID.Bytes())
	}

	// Layer3: the CRC of each object
	for _, e := range sorted {
		writeUint32(e.CRC32)
	}

	// Layer4 and layer5: 4-byte offsets, with the 8-byte overflow
	// area for offsets that don't fit in 31 bits
	largeOffsets := []uint64{}
	for _, e := range sorted {
		if e.Offset > largeOffsetThreshold {
			writeUint32(uint32(len(largeOffsets)) | 0x8000_0000)
			largeOffsets = append(largeOffsets, e.Offset)
			continue
		}
		writeUint32(uint32(e.Offset))
	}
	for _, offset := range largeOffsets {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, offset)
		write(buf)
	}

	write(packID.Bytes())
	if err != nil {
		return xerrors.Errorf("could not write index: %w", err)
	}

	// The index's own checksum covers everything written so far and
	// is NOT part of its own sum, so it goes to w directly
	if _, err = w.Write(hasher.Sum(nil)); err != nil {
		return xerrors.Errorf("could not write index checksum: %w", err)
	}
	return nil
}
