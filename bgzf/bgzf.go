// Package bgzf implements the Blocked GNU Zip Format, a gzip-compatible
// container of independently compressed deflate blocks that supports
// random access via 64-bit virtual file offsets.
package bgzf

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
)

const (
	// BlockSize is the target size, in bytes, of the uncompressed data
	// held by a single BGZF block. It leaves headroom below MaxBlockSize
	// for the worst-case inflation of an incompressible block.
	BlockSize = 0xff00

	// MaxBlockSize is the largest permissible size, in bytes, of a
	// compressed BGZF block including its gzip member framing.
	MaxBlockSize = 0x10000

	blockHeaderLen  = 10 // ID1,ID2,CM,FLG,MTIME(4),XFL,OS
	blockFooterLen  = 8  // CRC32, ISIZE
	extraHeaderLen  = 6  // SI1,SI2,SLEN(2),BSIZE(2)
)

// eofMarker is the canonical 28 byte empty BGZF block used to mark the
// end of a well-formed BAM/BGZF stream.
var eofMarker = []byte{
	0x1f, 0x8b, 0x08, 0x04,
	0x00, 0x00, 0x00, 0x00,
	0x00, 0xff, 0x06, 0x00,
	0x42, 0x43, 0x02, 0x00,
	0x1b, 0x00, 0x03, 0x00,
	0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
}

// Errors returned by block-level operations; see the core error kinds
// of the BAM/BAI specification (CorruptBlock, Truncated, BadMagic).
var (
	ErrBadMagic     = errors.New("bgzf: invalid block header")
	ErrCorruptBlock = errors.New("bgzf: corrupt block")
	ErrTruncated    = errors.New("bgzf: truncated block")
)

// Offset is a 64-bit virtual BGZF file offset: the byte offset of the
// start of a compressed block, combined with a byte offset into that
// block's decompressed data.
type Offset struct {
	File  int64
	Block uint16
}

// Chunk is a half-open interval [Begin, End) of virtual offsets.
type Chunk struct {
	Begin, End Offset
}

func vOffset(o Offset) int64 { return o.File<<16 | int64(o.Block) }

// expectedBlockSize returns the total compressed size, in bytes, of the
// BGZF member described by h, or -1 if h carries no BC extra subfield.
func expectedBlockSize(h gzip.Header) int {
	extra := h.Extra
	for i := 0; i+4 <= len(extra); {
		si1, si2 := extra[i], extra[i+1]
		slen := int(binary.LittleEndian.Uint16(extra[i+2 : i+4]))
		if si1 == 'B' && si2 == 'C' && slen == 2 && i+extraHeaderLen <= len(extra) {
			return int(binary.LittleEndian.Uint16(extra[i+4:i+6])) + 1
		}
		i += 4 + slen
	}
	return -1
}

// readMember reads one gzip/BGZF member from r, returning its
// decompressed data and the number of compressed bytes consumed. eof is
// true at the end of the input and for a member with no compressed
// payload; the canonical terminal block carries a two-byte empty deflate
// payload, so it yields no data with eof false.
func readMember(r io.Reader) (data []byte, consumed int64, eof bool, err error) {
	var hdr [blockHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, 0, true, io.EOF
		}
		return nil, 0, false, errors.Wrap(ErrTruncated, "bgzf: reading block header")
	}
	if hdr[0] != 0x1f || hdr[1] != 0x8b {
		return nil, 0, false, ErrBadMagic
	}
	if hdr[2] != 8 || hdr[3]&0x04 == 0 {
		return nil, 0, false, ErrCorruptBlock
	}

	var xlenb [2]byte
	if _, err := io.ReadFull(r, xlenb[:]); err != nil {
		return nil, 0, false, errors.Wrap(ErrTruncated, "bgzf: reading XLEN")
	}
	xlen := int(binary.LittleEndian.Uint16(xlenb[:]))
	if xlen < extraHeaderLen {
		return nil, 0, false, ErrCorruptBlock
	}
	extra := make([]byte, xlen)
	if _, err := io.ReadFull(r, extra); err != nil {
		return nil, 0, false, errors.Wrap(ErrTruncated, "bgzf: reading extra field")
	}

	bsize := -1
	for i := 0; i+4 <= len(extra); {
		si1, si2 := extra[i], extra[i+1]
		slen := int(binary.LittleEndian.Uint16(extra[i+2 : i+4]))
		if si1 == 'B' && si2 == 'C' && slen == 2 {
			bsize = int(binary.LittleEndian.Uint16(extra[i+4 : i+6]))
		}
		i += 4 + slen
	}
	if bsize < 0 {
		return nil, 0, false, errors.Wrap(ErrCorruptBlock, "bgzf: missing BC subfield")
	}

	total := bsize + 1
	compLen := total - blockHeaderLen - 2 - xlen - blockFooterLen
	if compLen < 0 {
		return nil, 0, false, ErrCorruptBlock
	}
	comp := make([]byte, compLen)
	if compLen > 0 {
		if _, err := io.ReadFull(r, comp); err != nil {
			return nil, 0, false, errors.Wrap(ErrTruncated, "bgzf: reading compressed data")
		}
	}

	var trailer [blockFooterLen]byte
	if _, err := io.ReadFull(r, trailer[:]); err != nil {
		return nil, 0, false, errors.Wrap(ErrTruncated, "bgzf: reading block trailer")
	}
	wantCRC := binary.LittleEndian.Uint32(trailer[0:4])
	wantISize := binary.LittleEndian.Uint32(trailer[4:8])
	consumed = int64(blockHeaderLen + 2 + xlen + compLen + blockFooterLen)

	if compLen == 0 {
		if wantCRC != 0 || wantISize != 0 {
			return nil, consumed, false, ErrCorruptBlock
		}
		return nil, consumed, true, nil
	}

	fr := flate.NewReader(bytes.NewReader(comp))
	defer fr.Close()
	out, err := io.ReadAll(fr)
	if err != nil {
		return nil, consumed, false, errors.Wrap(ErrCorruptBlock, "bgzf: inflating block")
	}
	if crc32.ChecksumIEEE(out) != wantCRC || uint32(len(out)) != wantISize {
		return nil, consumed, false, ErrCorruptBlock
	}
	return out, consumed, false, nil
}

// writeMember appends one BGZF member holding data (already compressed
// to comp) to out.
func writeMember(out io.Writer, data, comp []byte) error {
	var hdr [blockHeaderLen + 2 + extraHeaderLen]byte
	hdr[0], hdr[1] = 0x1f, 0x8b
	hdr[2] = 8
	hdr[3] = 0x04
	hdr[9] = 0xff
	binary.LittleEndian.PutUint16(hdr[10:12], extraHeaderLen)
	hdr[12], hdr[13] = 'B', 'C'
	binary.LittleEndian.PutUint16(hdr[14:16], 2)
	bsize := len(hdr) + len(comp) + blockFooterLen - 1
	binary.LittleEndian.PutUint16(hdr[16:18], uint16(bsize))
	if _, err := out.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := out.Write(comp); err != nil {
		return err
	}
	var trailer [blockFooterLen]byte
	binary.LittleEndian.PutUint32(trailer[0:4], crc32.ChecksumIEEE(data))
	binary.LittleEndian.PutUint32(trailer[4:8], uint32(len(data)))
	_, err := out.Write(trailer[:])
	return err
}

// deflateBlock compresses data at the given flate compression level.
func deflateBlock(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const memberOverhead = blockHeaderLen + 2 + extraHeaderLen + blockFooterLen

// writeBlock compresses and emits data as one or more BGZF members,
// halving the input and retrying whenever compression of the current
// span would overflow MaxBlockSize.
func writeBlock(out io.Writer, data []byte, level int) error {
	if len(data) == 0 {
		return nil
	}
	comp, err := deflateBlock(data, level)
	if err != nil {
		return err
	}
	if memberOverhead+len(comp) > MaxBlockSize {
		mid := len(data) / 2
		if mid == 0 {
			return errors.Wrap(ErrCorruptBlock, "bgzf: block does not fit size limit")
		}
		if err := writeBlock(out, data[:mid], level); err != nil {
			return err
		}
		return writeBlock(out, data[mid:], level)
	}
	return writeMember(out, data, comp)
}

// Writer implements buffered, block-compressed BGZF writing.
type Writer struct {
	w     io.Writer
	level int
	buf   bytes.Buffer
	err   error
}

// NewWriter returns a Writer using the default compression level. wc is
// accepted for API compatibility with concurrent BGZF writer designs;
// this implementation compresses blocks synchronously on Write/Flush.
func NewWriter(w io.Writer, wc int) (*Writer, error) {
	return NewWriterLevel(w, gzip.DefaultCompression, wc)
}

// NewWriterLevel returns a Writer compressing at the given flate level.
func NewWriterLevel(w io.Writer, level, wc int) (*Writer, error) {
	if level == gzip.DefaultCompression {
		level = flate.DefaultCompression
	}
	if level < flate.HuffmanOnly || level > flate.BestCompression {
		return nil, errors.Errorf("bgzf: invalid compression level: %d", level)
	}
	return &Writer{w: w, level: level}, nil
}

// Write buffers p, flushing full blocks to the underlying writer.
func (w *Writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	total := len(p)
	for len(p) > 0 {
		free := BlockSize - w.buf.Len()
		n := len(p)
		if n > free {
			n = free
		}
		w.buf.Write(p[:n])
		p = p[n:]
		if w.buf.Len() >= BlockSize {
			if err := w.Flush(); err != nil {
				return total - len(p), err
			}
		}
	}
	return total, nil
}

// Flush compresses and emits any buffered data as a BGZF block boundary.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	if err := writeBlock(w.w, w.buf.Bytes(), w.level); err != nil {
		w.err = err
		return err
	}
	w.buf.Reset()
	return nil
}

// Wait blocks until any outstanding compression work has completed. It
// is a no-op in this synchronous implementation, kept for API
// compatibility with concurrent BGZF writer designs.
func (w *Writer) Wait() error { return w.err }

// Close flushes any buffered data, emits the terminal BGZF EOF block,
// and closes the underlying writer if it implements io.Closer.
func (w *Writer) Close() error {
	if w.err != nil {
		return w.err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if _, err := w.w.Write(eofMarker); err != nil {
		w.err = err
		return err
	}
	if c, ok := w.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Reader implements buffered, block-compressed BGZF reading with
// support for seeking to arbitrary virtual offsets.
type Reader struct {
	src     io.Reader
	rd      int
	cache   Cache
	filePos int64
	block   *block
	txBegin Offset
	err     error
}

// NewReader returns a Reader reading from r. rd is accepted for API
// compatibility with concurrent BGZF reader designs; it has no effect
// in this synchronous implementation.
func NewReader(r io.Reader, rd int) (*Reader, error) {
	br := &Reader{src: r, rd: rd}
	if err := br.nextBlock(); err != nil && err != io.EOF {
		return nil, err
	}
	return br, nil
}

// SetCache installs a Cache used to recycle decoded block buffers.
func (r *Reader) SetCache(c Cache) { r.cache = c }

func (r *Reader) acquireBlock() *block {
	if r.cache != nil {
		if cb := r.cache.Get(r.filePos); cb != nil {
			if b, ok := cb.(*block); ok {
				return b
			}
		}
	}
	return &block{}
}

func (r *Reader) nextBlock() error {
	base := r.filePos
	data, consumed, eof, err := readMember(r.src)
	r.filePos += consumed
	if eof {
		return io.EOF
	}
	if err != nil {
		return err
	}
	blk := r.acquireBlock()
	blk.setOwner(r)
	blk.setBase(base)
	if _, err := blk.readFrom(bytes.NewReader(data)); err != nil {
		return err
	}
	if r.block != nil && r.cache != nil {
		r.cache.Put(r.block)
	}
	r.block = blk
	return nil
}

// Read implements io.Reader, transparently crossing block boundaries.
func (r *Reader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	var total int
	for len(p) > 0 {
		if r.block == nil || r.block.len() == 0 {
			if err := r.nextBlock(); err != nil {
				if total > 0 {
					return total, nil
				}
				r.err = err
				return 0, err
			}
		}
		n, err := r.block.Read(p)
		total += n
		p = p[n:]
		if err != nil && err != io.EOF {
			r.err = err
			return total, err
		}
	}
	return total, nil
}

func (r *Reader) tell() Offset {
	if r.block == nil {
		return Offset{File: r.filePos}
	}
	return Offset{File: r.block.Base(), Block: r.block.chunk.End.Block}
}

// Tx tracks a read transaction started by Reader.Begin.
type Tx struct {
	begin Offset
	r     *Reader
}

// End returns the Chunk spanning from the Begin call to now.
func (t Tx) End() Chunk { return Chunk{Begin: t.begin, End: t.r.tell()} }

// Begin marks the start of a read transaction whose span can later be
// retrieved with Tx.End or Reader.LastChunk.
func (r *Reader) Begin() Tx {
	r.txBegin = r.tell()
	return Tx{begin: r.txBegin, r: r}
}

// LastChunk returns the Chunk spanning the most recent transaction
// started by Begin.
func (r *Reader) LastChunk() Chunk {
	return Chunk{Begin: r.txBegin, End: r.tell()}
}

// Seek moves the Reader to the given virtual offset. The underlying
// reader must implement io.Seeker.
func (r *Reader) Seek(off Offset) error {
	seeker, ok := r.src.(io.Seeker)
	if !ok {
		return errors.New("bgzf: underlying reader does not support seeking")
	}
	if _, err := seeker.Seek(off.File, io.SeekStart); err != nil {
		return err
	}
	r.filePos = off.File
	r.block = nil
	r.err = nil
	if err := r.nextBlock(); err != nil {
		if err == io.EOF && off.Block == 0 {
			return nil
		}
		return err
	}
	return r.block.seek(int64(off.Block))
}

// Close closes the underlying reader if it implements io.Closer.
func (r *Reader) Close() error {
	if c, ok := r.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
