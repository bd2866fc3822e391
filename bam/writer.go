// Copyright ©2012 The bíogo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bam

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"io"

	"github.com/kestrelbio/bamkit/bgzf"
	"github.com/kestrelbio/bamkit/sam"
)

// Writer implements BAM data writing.
type Writer struct {
	h *sam.Header

	bg  *bgzf.Writer
	buf bytes.Buffer
}

// NewWriter returns a new Writer using the given SAM header. wc is
// passed to the BGZF writer, which compresses blocks synchronously and
// does not use wc for concurrency.
func NewWriter(w io.Writer, h *sam.Header, wc int) (*Writer, error) {
	return NewWriterLevel(w, h, gzip.DefaultCompression, wc)
}

func makeWriter(w io.Writer, level, wc int) (*bgzf.Writer, error) {
	if bw, ok := w.(*bgzf.Writer); ok {
		return bw, nil
	}
	return bgzf.NewWriterLevel(w, level, wc)
}

// NewWriterLevel returns a new Writer using the given SAM header. wc is
// passed to the BGZF writer as in NewWriter; compression level is set to level. Valid
// values for level are described in the compress/gzip documentation.
func NewWriterLevel(w io.Writer, h *sam.Header, level, wc int) (*Writer, error) {
	bg, err := makeWriter(w, level, wc)
	if err != nil {
		return nil, err
	}
	bw := &Writer{
		bg: bg,
		h:  h,
	}

	err = bw.writeHeader(h)
	if err != nil {
		return nil, err
	}
	bw.bg.Flush()
	err = bw.bg.Wait()
	if err != nil {
		return nil, err
	}
	return bw, nil
}

func (bw *Writer) writeHeader(h *sam.Header) error {
	bw.buf.Reset()
	err := h.EncodeBinary(&bw.buf)
	if err != nil {
		return err
	}

	_, err = bw.bg.Write(bw.buf.Bytes())
	return err
}

// extendedCigarThreshold is the CIGAR operation count at which the
// 16-bit n_cigar_op field would overflow, forcing the CGBI placeholder
// encoding.
const extendedCigarThreshold = 1 << 16

// placeholderCigar returns the on-disk two-op CIGAR substituted for a
// record whose true CIGAR has extendedCigarThreshold or more operations:
// a full-length soft clip of the query followed by a reference skip
// spanning the alignment.
func placeholderCigar(r *sam.Record) sam.Cigar {
	return sam.Cigar{
		sam.NewCigarOp(sam.CigarSoftClipped, r.Seq.Length),
		sam.NewCigarOp(sam.CigarSkipped, r.Len()),
	}
}

// buildExtendedCigar returns the CGBI trailing extension holding the
// true CIGAR operations of r.
func buildExtendedCigar(r *sam.Record) []byte {
	ext := make([]byte, 8+len(r.Cigar)*4)
	copy(ext, "CGBI")
	binary.LittleEndian.PutUint32(ext[4:8], uint32(len(r.Cigar)))
	for i, co := range r.Cigar {
		binary.LittleEndian.PutUint32(ext[8+i*4:12+i*4], uint32(co))
	}
	return ext
}

// ErrBadRecord is returned by Write when r fails the invariants required
// of on-disk BAM data: a refId or mateRefId outside the header's
// reference dictionary, or a CIGAR/sequence/quality length mismatch.
var ErrBadRecord = errors.New("bam: invalid record")

// validate checks r against bw's reference dictionary and against
// sam.IsValidRecord's CIGAR/sequence/quality length invariants.
func (bw *Writer) validate(r *sam.Record) error {
	n := len(bw.h.Refs())
	if id := r.Ref.ID(); id < -1 || id >= n {
		return ErrBadRecord
	}
	if id := r.MateRef.ID(); id < -1 || id >= n {
		return ErrBadRecord
	}
	if !sam.IsValidRecord(r) {
		return ErrBadRecord
	}
	return nil
}

// Write writes r to the BAM stream.
func (bw *Writer) Write(r *sam.Record) error {
	if len(r.Name) == 0 || len(r.Name) > 254 {
		return errors.New("bam: name absent or too long")
	}
	if err := bw.validate(r); err != nil {
		return err
	}
	tags := buildAux(r.AuxFields)

	cigar := r.Cigar
	var extCigar []byte
	if len(cigar) >= extendedCigarThreshold {
		extCigar = buildExtendedCigar(r)
		cigar = placeholderCigar(r)
	}

	recLen := bamFixedRemainder +
		len(r.Name) + 1 + // Null terminated.
		len(cigar)<<2 + // CigarOps are 4 bytes.
		len(r.Seq.Seq) +
		len(r.Qual) +
		len(tags) +
		len(extCigar)

	bw.buf.Reset()
	wb := errWriter{w: &bw.buf}
	bin := binaryWriter{w: &wb}

	// Write record header data.
	bin.writeInt32(int32(recLen))
	bin.writeInt32(int32(r.Ref.ID()))
	bin.writeInt32(int32(r.Pos))
	bin.writeUint8(byte(len(r.Name) + 1))
	bin.writeUint8(r.MapQ)
	bin.writeUint16(uint16(r.Bin())) //r.bin
	bin.writeUint16(uint16(len(cigar)))
	bin.writeUint16(uint16(r.Flags))
	bin.writeInt32(int32(r.Seq.Length))
	bin.writeInt32(int32(r.MateRef.ID()))
	bin.writeInt32(int32(r.MatePos))
	bin.writeInt32(int32(r.TempLen))

	// Write variable length data.
	wb.Write(append([]byte(r.Name), 0))
	writeCigarOps(&bin, cigar)
	wb.Write(doublets(r.Seq.Seq).Bytes())
	if r.Qual != nil {
		wb.Write(r.Qual)
	} else {
		for i := 0; i < r.Seq.Length; i++ {
			wb.WriteByte(0xff)
		}
	}
	wb.Write(tags)
	if extCigar != nil {
		wb.Write(extCigar)
	}
	if wb.err != nil {
		return wb.err
	}

	_, err := bw.bg.Write(bw.buf.Bytes())
	return err
}

func writeCigarOps(bin *binaryWriter, co []sam.CigarOp) {
	for _, o := range co {
		bin.writeUint32(uint32(o))
		if bin.w.err != nil {
			return
		}
	}
	return
}

// Close closes the writer.
func (bw *Writer) Close() error {
	return bw.bg.Close()
}

type errWriter struct {
	w   *bytes.Buffer
	err error
}

func (w *errWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	var n int
	n, w.err = w.w.Write(p)
	return n, w.err
}

func (w *errWriter) WriteByte(b byte) error {
	if w.err != nil {
		return w.err
	}
	w.err = w.w.WriteByte(b)
	return w.err
}

type binaryWriter struct {
	w   *errWriter
	buf [4]byte
}

func (w *binaryWriter) writeUint8(v uint8) {
	w.buf[0] = v
	w.w.Write(w.buf[:1])
}

func (w *binaryWriter) writeUint16(v uint16) {
	binary.LittleEndian.PutUint16(w.buf[:2], v)
	w.w.Write(w.buf[:2])
}

func (w *binaryWriter) writeInt32(v int32) {
	binary.LittleEndian.PutUint32(w.buf[:4], uint32(v))
	w.w.Write(w.buf[:4])
}

func (w *binaryWriter) writeUint32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[:4], v)
	w.w.Write(w.buf[:4])
}
