package packfile

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/Nivl/git-receive/ginternals"
	"github.com/Nivl/git-receive/ginternals/githash"
	"github.com/Nivl/git-receive/ginternals/object"
	"github.com/Nivl/git-receive/internal/cache"
	"github.com/Nivl/git-receive/internal/errutil"
	"github.com/klauspost/compress/zlib"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

const (
	// DefaultUnpackLimit is the object count up to which (inclusive) an
	// incoming pack gets exploded into loose objects instead of being kept
	// as a pack
	DefaultUnpackLimit = 100

	// baseCacheSize is the number of inflated delta bases kept in
	// memory while resolving a pack
	baseCacheSize = 256

	// spoolBufferSize is the size of the copy buffer used while
	// streaming an incoming pack to disk
	spoolBufferSize = 32 * 1024
)

var (
	// ErrMaxSizeExceeded is returned when an incoming pack is bigger
	// than the configured maximum input size
	ErrMaxSizeExceeded = errors.New("pack exceeds maximum allowed size")

	// ErrIngestTimeout is returned when receiving or resolving a pack
	// took longer than the configured limit
	ErrIngestTimeout = errors.New("pack ingestion timed out")

	// ErrChecksumMismatch is returned when the trailing checksum of a
	// pack doesn't match its content
	ErrChecksumMismatch = errors.New("packfile checksum mismatch")

	// ErrBaseNotFound is returned when a delta references a base that
	// is in neither the pack nor the object store
	ErrBaseNotFound = errors.New("delta base not found")

	// ErrObjectFailsFsck is returned when an object of the pack fails
	// a structural check mapped to the error severity
	ErrObjectFailsFsck = errors.New("object fails fsck")
)

// BaseResolver returns the object matching the given id from outside
// the pack being ingested, typically the main object store and its
// alternates. ginternals.ErrObjectNotFound signals a missing base
type BaseResolver func(oid githash.Oid) (*object.Object, error)

// IngestOptions alters how a pack gets ingested
type IngestOptions struct {
	// UnpackLimit is the object count up to which (inclusive) the pack
	// gets exploded into loose objects. 0 means DefaultUnpackLimit,
	// a negative value disables unpacking entirely
	UnpackLimit int
	// MaxInputSize bounds the byte size of the incoming pack.
	// 0 means no limit
	MaxInputSize uint64
	// Timeout bounds the wall-clock time of the whole ingestion.
	// 0 means no limit
	Timeout time.Duration
	// Fsck holds the structural checks to run on every ingested
	// object. nil disables checking
	Fsck *object.Fsck
	// OnProgress is called as objects get resolved. May be nil
	OnProgress func(done, total uint32)
}

// IngestResult describes what an ingestion produced
type IngestResult struct {
	// ObjectCount is the number of objects received from the client,
	// not counting bases appended to complete a thin pack
	ObjectCount uint32
	// Objects lists the ids of all received objects
	Objects []githash.Oid
	// Unpacked is true when the objects were written loose instead
	// of being kept as a pack
	Unpacked bool
	// PackID is the checksum of the final pack. nil when unpacked
	PackID githash.Oid
	// PackPath and IndexPath locate the final pack in the quarantine.
	// Empty when unpacked
	PackPath  string
	IndexPath string
	// Warnings holds the fsck issues that were below the error
	// severity
	Warnings []object.FsckIssue
}

// Ingestor receives a pack sent by a client and materializes it in a
// quarantine directory, either as an indexed pack or as loose objects
type Ingestor struct {
	fs          afero.Fs
	hash        githash.Hash
	resolveBase BaseResolver
	opts        IngestOptions
}

// NewIngestor returns an Ingestor writing through the given
// filesystem. resolveBase is used to complete thin packs and may only
// be nil if the incoming packs are guaranteed to be self-contained
func NewIngestor(fs afero.Fs, hash githash.Hash, resolveBase BaseResolver, opts *IngestOptions) *Ingestor {
	o := IngestOptions{}
	if opts != nil {
		o = *opts
	}
	if o.UnpackLimit == 0 {
		o.UnpackLimit = DefaultUnpackLimit
	}
	return &Ingestor{
		fs:          fs,
		hash:        hash,
		resolveBase: resolveBase,
		opts:        o,
	}
}

// packEntry holds the metadata of one object of a pack being ingested
type packEntry struct {
	offset uint64
	end    uint64
	typ    object.Type
	size   uint64

	// set for ObjectDeltaRef / ObjectDeltaOFS entries
	baseOid    githash.Oid
	baseOffset uint64

	// filled during resolution
	oid      githash.Oid
	realType object.Type
	crc      uint32
}

// ingestRun holds the state of one ingestion
type ingestRun struct {
	*Ingestor

	pack     afero.File
	packEnd  int64 // offset of the trailing checksum
	entries  []*packEntry
	byOffset map[uint64]*packEntry
	byOid    map[string]*packEntry
	bases    *cache.LRU

	// bases fetched from outside the pack, in use order
	thinBases []*object.Object
	thinSeen  map[string]struct{}
}

// Ingest reads a pack from r and materializes its objects under
// quarantinePath. The pack is spooled to quarantinePath/pack while
// being received, then either indexed in place or exploded into loose
// objects depending on the unpack limit
func (ing *Ingestor) Ingest(ctx context.Context, r io.Reader, quarantinePath string) (res *IngestResult, err error) {
	if ing.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ing.opts.Timeout)
		defer cancel()
	}

	packDir := filepath.Join(quarantinePath, "pack")
	if err = ing.fs.MkdirAll(packDir, 0o755); err != nil {
		return nil, xerrors.Errorf("could not create the pack directory: %w", err)
	}
	tmpPath := filepath.Join(packDir, "tmp_pack_incoming")
	f, err := ing.fs.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, xerrors.Errorf("could not create the spool file: %w", err)
	}
	keepPack := false
	defer func() {
		closeErr := f.Close()
		if err == nil && closeErr != nil {
			err = closeErr
		}
		if !keepPack {
			ing.fs.Remove(tmpPath) //nolint:errcheck // best effort cleanup
		}
	}()

	run := &ingestRun{
		Ingestor: ing,
		pack:     f,
		byOffset: map[uint64]*packEntry{},
		byOid:    map[string]*packEntry{},
		thinSeen: map[string]struct{}{},
	}
	run.bases, err = cache.NewLRU(baseCacheSize)
	if err != nil {
		return nil, xerrors.Errorf("could not create the base cache: %w", err)
	}

	objectCount, err := run.spool(ctx, r)
	if err != nil {
		return nil, err
	}
	if err = run.verifyChecksum(ctx); err != nil {
		return nil, err
	}
	if err = run.scanEntries(ctx, objectCount); err != nil {
		return nil, err
	}

	res = &IngestResult{
		ObjectCount: objectCount,
	}
	if err = run.resolveAll(ctx, res); err != nil {
		return nil, err
	}

	unpack := ing.opts.UnpackLimit > 0 && objectCount <= uint32(ing.opts.UnpackLimit)
	if unpack {
		if err = run.unpackLoose(ctx, quarantinePath, res); err != nil {
			return nil, err
		}
		return res, nil
	}

	if err = run.fixThinPack(ctx, objectCount); err != nil {
		return nil, err
	}
	if err = run.writeIndex(packDir, tmpPath, res); err != nil {
		return nil, err
	}
	keepPack = true
	return res, nil
}

// spool streams the incoming pack to disk, enforcing the size limit,
// and returns the object count announced in the header
func (run *ingestRun) spool(ctx context.Context, r io.Reader) (objectCount uint32, err error) {
	var received uint64
	buf := make([]byte, spoolBufferSize)
	for {
		if err = checkDeadline(ctx); err != nil {
			return 0, err
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			received += uint64(n)
			if run.opts.MaxInputSize > 0 && received > run.opts.MaxInputSize {
				return 0, ErrMaxSizeExceeded
			}
			if _, err = run.pack.Write(buf[:n]); err != nil {
				return 0, xerrors.Errorf("could not spool the pack: %w", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return 0, xerrors.Errorf("could not receive the pack: %w", readErr)
		}
	}

	minSize := uint64(packfileHeaderSize + run.hash.OidSize())
	if received < minSize {
		return 0, xerrors.Errorf("pack too short (%d bytes): %w", received, io.ErrUnexpectedEOF)
	}
	run.packEnd = int64(received) - int64(run.hash.OidSize())

	var header [packfileHeaderSize]byte
	if _, err = run.pack.ReadAt(header[:], 0); err != nil {
		return 0, xerrors.Errorf("could not read the pack header: %w", err)
	}
	if !bytes.Equal(header[0:4], packfileMagic()) {
		return 0, xerrors.Errorf("invalid header: %w", ErrInvalidMagic)
	}
	if !bytes.Equal(header[4:8], packfileVersion()) {
		return 0, xerrors.Errorf("invalid header: %w", ErrInvalidVersion)
	}
	return binary.BigEndian.Uint32(header[8:]), nil
}

// verifyChecksum recomputes the rolling checksum of the pack and
// compares it to the trailing one
func (run *ingestRun) verifyChecksum(ctx context.Context) error {
	if err := checkDeadline(ctx); err != nil {
		return err
	}

	hasher := run.hash.Hasher()
	if _, err := io.Copy(hasher, io.NewSectionReader(run.pack, 0, run.packEnd)); err != nil {
		return xerrors.Errorf("could not checksum the pack: %w", err)
	}
	trailer := make([]byte, run.hash.OidSize())
	if _, err := run.pack.ReadAt(trailer, run.packEnd); err != nil {
		return xerrors.Errorf("could not read the pack checksum: %w", err)
	}
	if !bytes.Equal(hasher.Sum(nil), trailer) {
		return ErrChecksumMismatch
	}
	return nil
}

// countingByteReader counts the bytes consumed from the underlying
// reader. Implementing io.ByteReader keeps zlib from reading past the
// end of an entry
type countingByteReader struct {
	r *bufio.Reader
	n int64
}

func (c *countingByteReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingByteReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

// scanEntries walks the pack once to find the boundary, type, and
// delta base of every entry. Contents are inflated to a counter only,
// so the memory cost stays flat no matter the pack size
func (run *ingestRun) scanEntries(ctx context.Context, objectCount uint32) error {
	run.entries = make([]*packEntry, 0, objectCount)

	offset := uint64(packfileHeaderSize)
	for i := uint32(0); i < objectCount; i++ {
		if err := checkDeadline(ctx); err != nil {
			return err
		}
		if int64(offset) >= run.packEnd {
			return xerrors.Errorf("pack announced %d objects but ends after %d: %w", objectCount, i, io.ErrUnexpectedEOF)
		}

		e, err := run.scanEntryAt(offset)
		if err != nil {
			return xerrors.Errorf("could not parse object %d at offset %d: %w", i, offset, err)
		}
		run.entries = append(run.entries, e)
		run.byOffset[offset] = e
		offset = e.end
	}

	if int64(offset) != run.packEnd {
		return xerrors.Errorf("pack has %d trailing bytes after its %d objects", run.packEnd-int64(offset), objectCount)
	}
	return nil
}

// scanEntryAt parses the metadata of the entry starting at the given
// offset and inflates its content to locate the entry's end
func (run *ingestRun) scanEntryAt(offset uint64) (e *packEntry, err error) {
	cr := &countingByteReader{
		r: bufio.NewReader(io.NewSectionReader(run.pack, int64(offset), run.packEnd-int64(offset))),
	}

	e = &packEntry{offset: offset}
	e.typ, e.size, err = readEntryHeader(cr)
	if err != nil {
		return nil, err
	}

	switch e.typ { //nolint:exhaustive // only 2 types have a special treatment
	case object.ObjectDeltaRef:
		baseID := make([]byte, run.hash.OidSize())
		if _, err = io.ReadFull(cr, baseID); err != nil {
			return nil, xerrors.Errorf("could not read the base id: %w", err)
		}
		e.baseOid, err = run.hash.ConvertFromBytes(baseID)
		if err != nil {
			return nil, xerrors.Errorf("invalid base id: %w", err)
		}
	case object.ObjectDeltaOFS:
		negOffset, err := readVarOffset(cr)
		if err != nil {
			return nil, xerrors.Errorf("could not read the base offset: %w", err)
		}
		if negOffset > offset {
			return nil, xerrors.Errorf("base offset %d points before the pack start", negOffset)
		}
		e.baseOffset = offset - negOffset
	}

	zr, err := zlib.NewReader(cr)
	if err != nil {
		return nil, xerrors.Errorf("could not get zlib reader: %w", err)
	}
	defer errutil.Close(zr, &err)

	inflated, err := io.Copy(io.Discard, zr)
	if err != nil {
		return nil, xerrors.Errorf("could not inflate the object: %w", err)
	}
	if uint64(inflated) != e.size {
		return nil, xerrors.Errorf("object size not valid. expecting %d, got %d", e.size, inflated)
	}

	e.end = offset + uint64(cr.n)
	e.crc, err = run.crcOf(e)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// crcOf computes the CRC of the raw bytes of an entry, headers
// included, the way the index file stores them
func (run *ingestRun) crcOf(e *packEntry) (uint32, error) {
	crc := crc32.NewIEEE()
	section := io.NewSectionReader(run.pack, int64(e.offset), int64(e.end-e.offset))
	if _, err := io.Copy(crc, section); err != nil {
		return 0, xerrors.Errorf("could not compute the CRC at offset %d: %w", e.offset, err)
	}
	return crc.Sum32(), nil
}

// readEntryHeader reads the type and inflated size of an entry.
// The first byte packs the MSB, 3 bits of type, and the low 4 bits of
// the size. Following bytes carry 7 more size bits each, little-endian
func readEntryHeader(r io.ByteReader) (object.Type, uint64, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, 0, xerrors.Errorf("could not read the object metadata: %w", err)
	}
	typ := object.Type((b & 0b_0111_0000) >> 4)
	if !typ.IsValid() {
		return 0, 0, xerrors.Errorf("unknown object type %d", typ)
	}
	size := uint64(b & 0b_0000_1111)

	shift := uint(4)
	for isMSBSet(b) {
		if shift > 64-7 {
			return 0, 0, ErrIntOverflow
		}
		b, err = r.ReadByte()
		if err != nil {
			return 0, 0, xerrors.Errorf("could not read the object size: %w", err)
		}
		size |= uint64(unsetMSB(b)) << shift
		shift += 7
	}
	return typ, size, nil
}

// readVarOffset reads a delta offset: 7 bits per byte, big-endian,
// each non-final chunk stored minus one
func readVarOffset(r io.ByteReader) (uint64, error) {
	var offset uint64
	for i := 0; ; i++ {
		if i >= 10 {
			return 0, ErrIntOverflow
		}
		b, err := r.ReadByte()
		if err != nil {
			return 0, xerrors.Errorf("could not read the offset: %w", err)
		}
		chunk := unsetMSB(b)
		if isMSBSet(b) {
			chunk++
		}
		offset = insertBigEndian7(offset, chunk)
		if !isMSBSet(b) {
			return offset, nil
		}
	}
}

// inflateEntry re-reads the raw content of an entry from the pack
func (run *ingestRun) inflateEntry(e *packEntry) (data []byte, err error) {
	cr := &countingByteReader{
		r: bufio.NewReader(io.NewSectionReader(run.pack, int64(e.offset), int64(e.end-e.offset))),
	}
	if _, _, err = readEntryHeader(cr); err != nil {
		return nil, err
	}
	switch e.typ { //nolint:exhaustive // only 2 types have extra metadata
	case object.ObjectDeltaRef:
		if _, err = cr.r.Discard(run.hash.OidSize()); err != nil {
			return nil, xerrors.Errorf("could not skip the base id: %w", err)
		}
	case object.ObjectDeltaOFS:
		if _, err = readVarOffset(cr); err != nil {
			return nil, err
		}
	}

	zr, err := zlib.NewReader(cr)
	if err != nil {
		return nil, xerrors.Errorf("could not get zlib reader: %w", err)
	}
	defer errutil.Close(zr, &err)

	var out bytes.Buffer
	out.Grow(int(e.size))
	if _, err = io.Copy(&out, zr); err != nil {
		return nil, xerrors.Errorf("could not inflate the object: %w", err)
	}
	return out.Bytes(), nil
}

// resolved holds the final type and content of an entry once its
// delta chain has been applied
type resolved struct {
	typ     object.Type
	content []byte
}

// resolveEntry returns the final content of an entry, walking its
// delta chain. Bases are looked up in the pack first, then in the
// main store for thin packs
func (run *ingestRun) resolveEntry(e *packEntry) (*resolved, error) {
	if v, ok := run.bases.Get(e.offset); ok {
		return v.(*resolved), nil
	}

	data, err := run.inflateEntry(e)
	if err != nil {
		return nil, err
	}

	var r *resolved
	switch e.typ {
	case object.ObjectDeltaOFS, object.ObjectDeltaRef:
		base, err := run.resolveBaseOf(e)
		if err != nil {
			return nil, err
		}
		content, err := applyDelta(base.content, data)
		if err != nil {
			return nil, xerrors.Errorf("could not apply delta at offset %d: %w", e.offset, err)
		}
		r = &resolved{typ: base.typ, content: content}
	default:
		r = &resolved{typ: e.typ, content: data}
	}

	run.bases.Add(e.offset, r)
	return r, nil
}

// resolveBaseOf returns the content the delta at e applies to
func (run *ingestRun) resolveBaseOf(e *packEntry) (*resolved, error) {
	if e.typ == object.ObjectDeltaOFS {
		base, ok := run.byOffset[e.baseOffset]
		if !ok {
			return nil, xerrors.Errorf("no object starts at offset %d: %w", e.baseOffset, ErrBaseNotFound)
		}
		return run.resolveEntry(base)
	}

	// ref delta: the base either precedes the delta in the pack, or
	// lives in the main store (thin pack)
	if base, ok := run.byOid[e.baseOid.String()]; ok {
		return run.resolveEntry(base)
	}
	if run.resolveBase == nil {
		return nil, xerrors.Errorf("base %s: %w", e.baseOid.String(), ErrBaseNotFound)
	}
	o, err := run.resolveBase(e.baseOid)
	if err != nil {
		if errors.Is(err, ginternals.ErrObjectNotFound) {
			return nil, xerrors.Errorf("base %s: %w", e.baseOid.String(), ErrBaseNotFound)
		}
		return nil, xerrors.Errorf("could not get base %s: %w", e.baseOid.String(), err)
	}
	if _, seen := run.thinSeen[e.baseOid.String()]; !seen {
		run.thinSeen[e.baseOid.String()] = struct{}{}
		run.thinBases = append(run.thinBases, o)
	}
	return &resolved{typ: o.Type(), content: o.Bytes()}, nil
}

// resolveAll computes the id of every entry, runs the structural
// checks, and reports progress
func (run *ingestRun) resolveAll(ctx context.Context, res *IngestResult) error {
	total := uint32(len(run.entries))
	res.Objects = make([]githash.Oid, 0, total)

	for i, e := range run.entries {
		if err := checkDeadline(ctx); err != nil {
			return err
		}

		r, err := run.resolveEntry(e)
		if err != nil {
			return err
		}
		o := object.New(run.hash, r.typ, r.content)
		e.oid = o.ID()
		e.realType = r.typ
		run.byOid[e.oid.String()] = e
		res.Objects = append(res.Objects, e.oid)

		if run.opts.Fsck != nil {
			issues := run.opts.Fsck.Check(o)
			for _, issue := range issues {
				if issue.Severity == object.FsckError {
					return xerrors.Errorf("object %s: %s (%s): %w", e.oid.String(), issue.Detail, issue.CheckID, ErrObjectFailsFsck)
				}
				res.Warnings = append(res.Warnings, issue)
			}
		}

		if run.opts.OnProgress != nil {
			run.opts.OnProgress(uint32(i)+1, total)
		}
	}
	return nil
}

// fixThinPack appends the missing bases of a thin pack so the final
// pack is self-contained, then rewrites the object count and the
// trailing checksum
func (run *ingestRun) fixThinPack(ctx context.Context, objectCount uint32) error {
	if len(run.thinBases) == 0 {
		return nil
	}
	if err := checkDeadline(ctx); err != nil {
		return err
	}

	// drop the old trailer, the appended entries replace it
	if err := run.pack.Truncate(run.packEnd); err != nil {
		return xerrors.Errorf("could not drop the pack trailer: %w", err)
	}
	if _, err := run.pack.Seek(run.packEnd, io.SeekStart); err != nil {
		return xerrors.Errorf("could not seek to the end of the pack: %w", err)
	}

	for _, base := range run.thinBases {
		offset := uint64(run.packEnd)

		header := encodeEntryHeader(base.Type(), uint64(base.Size()))
		if _, err := run.pack.Write(header); err != nil {
			return xerrors.Errorf("could not append the base header: %w", err)
		}

		var compressed bytes.Buffer
		zw := zlib.NewWriter(&compressed)
		if _, err := zw.Write(base.Bytes()); err != nil {
			return xerrors.Errorf("could not compress base %s: %w", base.ID().String(), err)
		}
		if err := zw.Close(); err != nil {
			return xerrors.Errorf("could not compress base %s: %w", base.ID().String(), err)
		}
		if _, err := run.pack.Write(compressed.Bytes()); err != nil {
			return xerrors.Errorf("could not append base %s: %w", base.ID().String(), err)
		}

		e := &packEntry{
			offset:   offset,
			end:      offset + uint64(len(header)) + uint64(compressed.Len()),
			typ:      base.Type(),
			size:     uint64(base.Size()),
			oid:      base.ID(),
			realType: base.Type(),
		}
		crc, err := run.crcOf(e)
		if err != nil {
			return err
		}
		e.crc = crc

		run.packEnd = int64(e.end)
		run.entries = append(run.entries, e)
		run.byOffset[e.offset] = e
		run.byOid[e.oid.String()] = e
	}

	// the header announces the new object count, and both changes
	// invalidate the old checksum
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], objectCount+uint32(len(run.thinBases)))
	if _, err := run.pack.WriteAt(countBuf[:], 8); err != nil {
		return xerrors.Errorf("could not update the object count: %w", err)
	}

	hasher := run.hash.Hasher()
	if _, err := io.Copy(hasher, io.NewSectionReader(run.pack, 0, run.packEnd)); err != nil {
		return xerrors.Errorf("could not checksum the completed pack: %w", err)
	}
	if _, err := run.pack.Seek(run.packEnd, io.SeekStart); err != nil {
		return xerrors.Errorf("could not seek to the end of the pack: %w", err)
	}
	if _, err := run.pack.Write(hasher.Sum(nil)); err != nil {
		return xerrors.Errorf("could not write the new checksum: %w", err)
	}
	return nil
}

// encodeEntryHeader builds the metadata bytes of a full (non-delta)
// entry: 3 bits of type and the size, 4 bits first then 7 per byte
func encodeEntryHeader(typ object.Type, size uint64) []byte {
	b := byte(typ)<<4 | byte(size&0b_0000_1111)
	size >>= 4

	out := []byte{}
	for size > 0 {
		out = append(out, b|0b_1000_0000)
		b = byte(size & 0b_0111_1111)
		size >>= 7
	}
	return append(out, b)
}

// writeIndex writes the index of the completed pack and gives both
// files their final, checksum-derived names
func (run *ingestRun) writeIndex(packDir, tmpPath string, res *IngestResult) error {
	trailer := make([]byte, run.hash.OidSize())
	if _, err := run.pack.ReadAt(trailer, run.packEnd); err != nil {
		return xerrors.Errorf("could not read the pack checksum: %w", err)
	}
	packID, err := run.hash.ConvertFromBytes(trailer)
	if err != nil {
		return xerrors.Errorf("invalid pack checksum: %w", err)
	}

	entries := make([]IndexEntry, 0, len(run.entries))
	for _, e := range run.entries {
		entries = append(entries, IndexEntry{
			ID:     e.oid,
			CRC32:  e.crc,
			Offset: e.offset,
		})
	}

	name := fmt.Sprintf("pack-%s", packID.String())
	indexPath := filepath.Join(packDir, name+ExtIndex)
	idxFile, err := run.fs.OpenFile(indexPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return xerrors.Errorf("could not create the index file: %w", err)
	}
	err = WriteIndex(idxFile, run.hash, entries, packID)
	closeErr := idxFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		run.fs.Remove(indexPath) //nolint:errcheck // it already failed
		return xerrors.Errorf("could not write the index: %w", err)
	}

	packPath := filepath.Join(packDir, name+ExtPackfile)
	if err = run.fs.Rename(tmpPath, packPath); err != nil {
		run.fs.Remove(indexPath) //nolint:errcheck // the pack kept its spool name
		return xerrors.Errorf("could not rename the pack: %w", err)
	}

	res.PackID = packID
	res.PackPath = packPath
	res.IndexPath = indexPath
	return nil
}

// unpackLoose writes every entry as a loose object under the
// quarantine directory
func (run *ingestRun) unpackLoose(ctx context.Context, quarantinePath string, res *IngestResult) error {
	for _, e := range run.entries {
		if err := checkDeadline(ctx); err != nil {
			return err
		}

		r, err := run.resolveEntry(e)
		if err != nil {
			return err
		}
		o := object.NewWithID(run.hash, e.oid, e.realType, r.content)
		compressed, err := o.Compress()
		if err != nil {
			return xerrors.Errorf("could not compress object %s: %w", e.oid.String(), err)
		}

		id := e.oid.String()
		dir := filepath.Join(quarantinePath, id[:2])
		path := filepath.Join(dir, id[2:])
		if _, err = run.fs.Stat(path); err == nil {
			// the object is already there, loose objects are
			// content-addressed so there's nothing to update
			continue
		}
		if err = run.fs.MkdirAll(dir, 0o755); err != nil {
			return xerrors.Errorf("could not create the object directory: %w", err)
		}
		if err = afero.WriteFile(run.fs, path, compressed, 0o444); err != nil {
			return xerrors.Errorf("could not write object %s: %w", id, err)
		}
	}

	res.Unpacked = true
	return nil
}

// checkDeadline maps a cancelled or expired context to the matching
// ingestion error
func checkDeadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrIngestTimeout
		}
		return err
	}
	return nil
}
