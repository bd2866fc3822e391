// Copyright ©2014 The bíogo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bam_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/kortschak/utter"

	"github.com/kestrelbio/bamkit/bam"
	"github.com/kestrelbio/bamkit/sam"
)

func newTestHeader(t *testing.T, refLens ...int) (*sam.Header, []*sam.Reference) {
	t.Helper()
	refs := make([]*sam.Reference, len(refLens))
	for i, l := range refLens {
		r, err := sam.NewReference(string(rune('A'+i)), "", "", l, nil, nil)
		if err != nil {
			t.Fatalf("NewReference: %v", err)
		}
		refs[i] = r
	}
	h, err := sam.NewHeader(nil, refs)
	if err != nil {
		t.Fatalf("NewHeader: %v", err)
	}
	return h, refs
}

func newTestRecord(t *testing.T, name string, ref *sam.Reference, pos int, cigar []sam.CigarOp, seq string) *sam.Record {
	t.Helper()
	qual := make([]byte, len(seq))
	for i := range qual {
		qual[i] = 30
	}
	r, err := sam.NewRecord(name, ref, ref, pos, pos, len(seq), 60, cigar, []byte(seq), qual, nil)
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	return r
}

// TestReadWriteRoundTrip checks that a minimal record, including a
// typed aux tag, survives an encode/decode cycle unchanged.
func TestReadWriteRoundTrip(t *testing.T) {
	h, refs := newTestHeader(t, 1000)
	rec := newTestRecord(t, "read1", refs[0], 99,
		[]sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, 10)}, "ACGTACGTAC")

	aux, err := sam.NewAux(sam.NewTag("XD"), 3.5)
	if err != nil {
		t.Fatalf("NewAux: %v", err)
	}
	rec.AuxFields = append(rec.AuxFields, aux)

	var buf bytes.Buffer
	w, err := bam.NewWriter(&buf, h, 1)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Write(rec); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := bam.NewReader(&buf, 1)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	got, err := r.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	t.Log(utter.Sdump(got))
	if got.Name != rec.Name {
		t.Errorf("Name: got %q, want %q", got.Name, rec.Name)
	}
	if got.Pos != rec.Pos {
		t.Errorf("Pos: got %d, want %d", got.Pos, rec.Pos)
	}
	if len(got.Cigar) != 1 || got.Cigar[0] != rec.Cigar[0] {
		t.Errorf("Cigar: got %v, want %v", got.Cigar, rec.Cigar)
	}
	if !bytes.Equal(got.Seq.Seq, rec.Seq.Seq) {
		t.Errorf("Seq: got %v, want %v", got.Seq.Seq, rec.Seq.Seq)
	}
	tag, ok := got.Tag([]byte("XD"))
	if !ok {
		t.Fatalf("missing XD tag after round trip")
	}
	if v, ok := tag.Value().(float64); !ok || v != 3.5 {
		t.Errorf("XD value: got %v, want 3.5", tag.Value())
	}

	if _, err := r.Read(); err != io.EOF {
		t.Fatalf("expected io.EOF after last record, got %v", err)
	}
}

// TestExtendedCigarRoundTrip checks that a CIGAR with enough operations
// to overflow the 16-bit n_cigar_op field is written using the
// placeholder-plus-trailer encoding and reconstructed exactly on read.
func TestExtendedCigarRoundTrip(t *testing.T) {
	h, refs := newTestHeader(t, 1<<20)

	const n = (1 << 16) + 5
	cigar := make([]sam.CigarOp, n)
	for i := range cigar {
		if i%2 == 0 {
			cigar[i] = sam.NewCigarOp(sam.CigarMatch, 1)
		} else {
			cigar[i] = sam.NewCigarOp(sam.CigarDeletion, 1)
		}
	}
	seqLen := 0
	for _, c := range cigar {
		if c.Type() == sam.CigarMatch {
			seqLen++
		}
	}
	seq := make([]byte, seqLen)
	for i := range seq {
		seq[i] = "ACGT"[i%4]
	}
	rec := newTestRecord(t, "longcigar", refs[0], 0, cigar, string(seq))

	var buf bytes.Buffer
	w, err := bam.NewWriter(&buf, h, 1)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Write(rec); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := bam.NewReader(&buf, 1)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	got, err := r.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	t.Log(utter.Sdump(got.Cigar[:4]))
	if len(got.Cigar) != n {
		t.Fatalf("Cigar length: got %d, want %d", len(got.Cigar), n)
	}
	for i := range cigar {
		if got.Cigar[i] != cigar[i] {
			t.Fatalf("Cigar[%d]: got %v, want %v", i, got.Cigar[i], cigar[i])
		}
	}
}

// TestParseRegion checks the region-string grammar, including whole
// reference, start-only, single-reference ranges, and cross-reference
// ranges.
func TestParseRegion(t *testing.T) {
	h, refs := newTestHeader(t, 1000, 2000)

	cases := []struct {
		s    string
		want bam.BamRegion
	}{
		{"A", bam.BamRegion{LeftRefID: 0, LeftPos: 0, RightRefID: 0, RightPos: 999}},
		{"A:101", bam.BamRegion{LeftRefID: 0, LeftPos: 100, RightRefID: 0, RightPos: 999}},
		{"A:101..200", bam.BamRegion{LeftRefID: 0, LeftPos: 100, RightRefID: 0, RightPos: 199}},
		{"A:500..B:100", bam.BamRegion{LeftRefID: 0, LeftPos: 499, RightRefID: 1, RightPos: 99}},
	}
	for _, c := range cases {
		re, err := bam.ParseRegion(h, c.s)
		if err != nil {
			t.Fatalf("ParseRegion(%q): %v", c.s, err)
		}
		if *re != c.want {
			t.Errorf("ParseRegion(%q): got %+v, want %+v", c.s, *re, c.want)
		}
	}

	if _, err := bam.ParseRegion(h, "nosuchref"); err == nil {
		t.Errorf("ParseRegion(%q): expected error for unknown reference", "nosuchref")
	}
	_ = refs
}

// TestRegionIteration builds a small coordinate-sorted BAM and index in
// memory and checks that a region query returns only the overlapping
// records.
func TestRegionIteration(t *testing.T) {
	h, refs := newTestHeader(t, 10000)
	h.SortOrder = sam.Coordinate

	positions := []int{10, 500, 1500, 3000, 8000}
	var buf bytes.Buffer
	w, err := bam.NewWriter(&buf, h, 1)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i, p := range positions {
		rec := newTestRecord(t, string(rune('a'+i)), refs[0], p,
			[]sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, 10)}, "ACGTACGTAC")
		if err := w.Write(rec); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := bam.NewReader(bytes.NewReader(buf.Bytes()), 1)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	var idx bam.Index
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if err := idx.Add(rec, r.LastChunk()); err != nil {
			t.Fatalf("Index.Add: %v", err)
		}
	}

	re, err := bam.ParseRegion(h, "A:400..2000")
	if err != nil {
		t.Fatalf("ParseRegion: %v", err)
	}

	r2, err := bam.NewReader(bytes.NewReader(buf.Bytes()), 1)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	it, err := bam.NewRegionIterator(r2, &idx, h.Refs(), re)
	if err != nil {
		t.Fatalf("NewRegionIterator: %v", err)
	}
	var got []string
	for it.Next() {
		got = append(got, it.Record().Name)
	}
	if err := it.Close(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	want := []string{"b", "c"} // positions 500 and 1500
	if len(got) != len(want) {
		t.Fatalf("region query returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("region query returned %v, want %v", got, want)
		}
	}
}

// TestSorterCoordinate checks that the external-merge sorter reorders
// records by coordinate regardless of input order, using a record limit
// small enough to force multiple spilled runs.
func TestSorterCoordinate(t *testing.T) {
	h, refs := newTestHeader(t, 10000)

	order := []int{900, 100, 500, 50, 700, 200}
	var buf bytes.Buffer
	w, err := bam.NewWriter(&buf, h, 1)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i, p := range order {
		rec := newTestRecord(t, string(rune('a'+i)), refs[0], p,
			[]sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, 10)}, "ACGTACGTAC")
		if err := w.Write(rec); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := bam.NewReader(bytes.NewReader(buf.Bytes()), 1)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	s := &bam.Sorter{RecordLimit: 2, Order: sam.Coordinate}
	var out bytes.Buffer
	if err := s.Sort(r, &out, h); err != nil {
		t.Fatalf("Sort: %v", err)
	}

	sr, err := bam.NewReader(bytes.NewReader(out.Bytes()), 1)
	if err != nil {
		t.Fatalf("NewReader on sorted output: %v", err)
	}
	var gotPos []int
	for {
		rec, err := sr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		gotPos = append(gotPos, rec.Pos)
	}
	for i := 1; i < len(gotPos); i++ {
		if gotPos[i-1] > gotPos[i] {
			t.Fatalf("output not sorted by coordinate: %v", gotPos)
		}
	}
	if len(gotPos) != len(order) {
		t.Fatalf("record count: got %d, want %d", len(gotPos), len(order))
	}
	if sr.Header().SortOrder != sam.Coordinate {
		t.Errorf("output header SortOrder: got %v, want %v", sr.Header().SortOrder, sam.Coordinate)
	}
}
