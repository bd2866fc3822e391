package bam

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kestrelbio/bamkit/bgzf"
	"github.com/kestrelbio/bamkit/sam"
)

// BamRegion describes a genomic interval in 0-based reference ID/position
// coordinates; LeftPos and RightPos are both inclusive. It may span more
// than one reference.
type BamRegion struct {
	LeftRefID, LeftPos   int
	RightRefID, RightPos int
}

// ErrUnknownReference is returned by ParseRegion when a region string
// names a reference absent from the header's dictionary.
var ErrUnknownReference = fmt.Errorf("bam: unknown reference")

func findReference(h *sam.Header, name string) (*sam.Reference, bool) {
	for _, r := range h.Refs() {
		if r.Name() == name {
			return r, true
		}
	}
	return nil, false
}

// ParseRegion parses a region string of the form
//
//	name[:start[..stop-spec]]
//	stop-spec := stop | name:stop
//
// against the reference dictionary of h. start and stop are 1-based
// inclusive on the wire and are converted to the 0-based coordinates used
// throughout this package. A region lacking a range spans the whole named
// reference; a range lacking a stop spans from start to the end of its
// reference.
func ParseRegion(h *sam.Header, s string) (*BamRegion, error) {
	name, rangePart, hasRange := s, "", false
	if i := strings.IndexByte(s, ':'); i >= 0 {
		name, rangePart, hasRange = s[:i], s[i+1:], true
	}

	left, ok := findReference(h, name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownReference, name)
	}
	re := &BamRegion{LeftRefID: left.ID(), RightRefID: left.ID()}
	if !hasRange {
		re.LeftPos, re.RightPos = 0, left.Len()-1
		return re, nil
	}

	startPart, stopSpec, hasStop := rangePart, "", false
	if i := strings.Index(rangePart, ".."); i >= 0 {
		startPart, stopSpec, hasStop = rangePart[:i], rangePart[i+2:], true
	}
	start, err := strconv.Atoi(startPart)
	if err != nil {
		return nil, fmt.Errorf("bam: invalid region start %q", startPart)
	}
	re.LeftPos = start - 1
	if !hasStop {
		re.RightPos = left.Len() - 1
		return re, nil
	}

	if i := strings.IndexByte(stopSpec, ':'); i >= 0 {
		stopName, stopNum := stopSpec[:i], stopSpec[i+1:]
		right, ok := findReference(h, stopName)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownReference, stopName)
		}
		stop, err := strconv.Atoi(stopNum)
		if err != nil {
			return nil, fmt.Errorf("bam: invalid region stop %q", stopNum)
		}
		re.RightRefID, re.RightPos = right.ID(), stop-1
		return re, nil
	}

	stop, err := strconv.Atoi(stopSpec)
	if err != nil {
		return nil, fmt.Errorf("bam: invalid region stop %q", stopSpec)
	}
	re.RightPos = stop - 1
	return re, nil
}

// maxPos is used as an open-ended upper bound when a region's right edge
// runs to the end of a reference whose length is not needed for the query.
const maxPos = 1<<31 - 1

// Chunks resolves re against idx, returning the candidate BGZF chunks that
// may hold alignments overlapping the region. refs must be the same
// reference dictionary the index was built from.
func (re *BamRegion) Chunks(idx *Index, refs []*sam.Reference) ([]bgzf.Chunk, error) {
	if re.LeftRefID == re.RightRefID {
		return idx.Chunks(refs[re.LeftRefID], re.LeftPos, re.RightPos+1)
	}

	var all []bgzf.Chunk
	first, err := idx.Chunks(refs[re.LeftRefID], re.LeftPos, maxPos)
	if err != nil {
		return nil, err
	}
	all = append(all, first...)
	for id := re.LeftRefID + 1; id < re.RightRefID; id++ {
		mid, err := idx.Chunks(refs[id], 0, maxPos)
		if err != nil {
			return nil, err
		}
		all = append(all, mid...)
	}
	last, err := idx.Chunks(refs[re.RightRefID], 0, re.RightPos+1)
	if err != nil {
		return nil, err
	}
	return append(all, last...), nil
}

// done reports whether rec lies beyond the region and iteration should
// stop: the canonical termination condition is the first record whose
// position exceeds the region's right edge on the right reference.
func (re *BamRegion) done(rec *sam.Record) bool {
	if rec.Ref == nil {
		return false
	}
	id := rec.Ref.ID()
	if id > re.RightRefID {
		return true
	}
	return id == re.RightRefID && rec.Pos > re.RightPos
}
