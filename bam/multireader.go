package bam

import (
	"errors"
	"io"
	"os"

	"github.com/kestrelbio/bamkit/bgzf"
	"github.com/kestrelbio/bamkit/sam"
)

// MultiReader is the read side of a multi-file merge: it opens a Reader
// per path, merges their alignments under a shared Merger, and can
// narrow every underlying stream to a single genomic region once each
// has an index.
type MultiReader struct {
	readers []*Reader
	start   []bgzf.Offset
	idxs    []*Index

	less func(a, b *sam.Record) bool
	m    *Merger
}

// Open opens a Reader for every path, verifies they share a pairwise
// identical reference dictionary (ErrInconsistentDictionaries
// otherwise), and returns a MultiReader streaming their merged
// alignments. less selects the merge order when the shared header's
// sort order is unknown; for any other sort order it is ignored, as in
// NewMerger.
func Open(paths []string, less func(a, b *sam.Record) bool) (*MultiReader, error) {
	if len(paths) == 0 {
		return nil, errors.New("bam: no input paths")
	}
	mr := &MultiReader{less: less}
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			mr.Close()
			return nil, err
		}
		r, err := NewReader(f, 0)
		if err != nil {
			f.Close()
			mr.Close()
			return nil, err
		}
		mr.readers = append(mr.readers, r)
		mr.start = append(mr.start, r.LastChunk().End)
		mr.idxs = append(mr.idxs, nil)
	}
	if err := mr.remerge(); err != nil {
		mr.Close()
		return nil, err
	}
	return mr, nil
}

func (mr *MultiReader) remerge() error {
	headers := make([]*sam.Header, len(mr.readers))
	srcs := make([]recordSource, len(mr.readers))
	for i, r := range mr.readers {
		headers[i] = r.Header()
		srcs[i] = r
	}
	m, err := newMerger(mr.less, headers, srcs)
	if err != nil {
		return err
	}
	mr.m = m
	return nil
}

// Header returns the merged header.
func (mr *MultiReader) Header() *sam.Header { return mr.m.Header() }

// Read returns the next record in merge order.
func (mr *MultiReader) Read() (*sam.Record, error) { return mr.m.Read() }

// ErrIndexMissing is returned by SetRegion when an underlying reader has
// no index; call CreateIndexes first.
var ErrIndexMissing = errors.New("bam: SetRegion requires an index on every input")

// CreateIndexes builds an in-memory index for every underlying reader
// that does not already have one, by making a full pass over its
// records, then rewinds every such reader and re-primes the merge.
func (mr *MultiReader) CreateIndexes() error {
	built := false
	for i, r := range mr.readers {
		if mr.idxs[i] != nil {
			continue
		}
		if err := r.Seek(mr.start[i]); err != nil {
			return err
		}
		var idx Index
		for {
			rec, err := r.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if err := idx.Add(rec, r.LastChunk()); err != nil {
				return err
			}
		}
		if err := r.Seek(mr.start[i]); err != nil {
			return err
		}
		mr.idxs[i] = &idx
		built = true
	}
	if built {
		return mr.remerge()
	}
	return nil
}

// SetRegion narrows every underlying reader to region and re-primes the
// merge. Every reader must already carry an index (see CreateIndexes).
func (mr *MultiReader) SetRegion(region *BamRegion) error {
	refs := mr.Header().Refs()
	headers := make([]*sam.Header, len(mr.readers))
	srcs := make([]recordSource, len(mr.readers))
	for i, r := range mr.readers {
		if mr.idxs[i] == nil {
			return ErrIndexMissing
		}
		it, err := NewRegionIterator(r, mr.idxs[i], refs, region)
		if err != nil {
			return err
		}
		headers[i] = r.Header()
		srcs[i] = &iteratorSource{it}
	}
	m, err := newMerger(mr.less, headers, srcs)
	if err != nil {
		return err
	}
	mr.m = m
	return nil
}

// iteratorSource adapts an Iterator to the recordSource interface a
// Merger reads from, so a region-narrowed stream can feed a merge the
// same way a plain Reader does.
type iteratorSource struct {
	it *Iterator
}

func (s *iteratorSource) Read() (*sam.Record, error) {
	if !s.it.Next() {
		if err := s.it.Error(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return s.it.Record(), nil
}

// Close closes every underlying reader, which in turn closes its file.
func (mr *MultiReader) Close() error {
	var first error
	for _, r := range mr.readers {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
