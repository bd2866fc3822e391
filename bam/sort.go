package bam

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/kestrelbio/bamkit/sam"
)

// Default thresholds for Sorter, matching the external-merge sort's
// documented defaults.
const (
	DefaultSortRecordLimit = 500000
	DefaultSortMemoryLimit = 1024 * 1024 * 1024 // 1024 MiB
)

// recordOverhead approximates the fixed, non-payload memory cost of a
// buffered sam.Record, used only to decide when a sort run is full.
const recordOverhead = 96

func recordMemory(r *sam.Record) int64 {
	n := recordOverhead + len(r.Name) + len(r.Cigar)*4 + len(r.Seq.Seq) + len(r.Qual)
	for _, a := range r.AuxFields {
		n += len(a)
	}
	return int64(n)
}

// Sorter implements an external-merge sort over BAM records: it buffers
// input into runs bounded by a record count or a memory estimate, sorts
// and spills each run to a temporary BAM file, then merges the runs into
// the final output.
type Sorter struct {
	// RecordLimit and MemoryLimit bound the size of a single in-memory
	// run. A zero value selects the package default.
	RecordLimit int
	MemoryLimit int64

	// Order selects the sort comparator and the @HD SO value written to
	// the output header. sam.Coordinate and sam.QueryName are supported;
	// any other value sorts by sam.Unsorted (streams runs in input order).
	Order sam.SortOrder

	// TempDir selects the directory used for intermediate run files. An
	// empty value uses os.TempDir.
	TempDir string
}

// NewSorter returns a Sorter configured with the package's default
// thresholds, sorting by coordinate.
func NewSorter() *Sorter {
	return &Sorter{
		RecordLimit: DefaultSortRecordLimit,
		MemoryLimit: DefaultSortMemoryLimit,
		Order:       sam.Coordinate,
	}
}

func (s *Sorter) limits() (int, int64) {
	n, m := s.RecordLimit, s.MemoryLimit
	if n <= 0 {
		n = DefaultSortRecordLimit
	}
	if m <= 0 {
		m = DefaultSortMemoryLimit
	}
	return n, m
}

func (s *Sorter) less() func(a, b *sam.Record) bool {
	switch s.Order {
	case sam.QueryName:
		return (*sam.Record).LessByName
	case sam.Coordinate:
		return (*sam.Record).LessByCoordinate
	default:
		return nil
	}
}

// Sort reads every record from r, sorts it under s.Order, and writes the
// result to w using h as the output header (with SortOrder overwritten to
// s.Order). Temporary run files are created under s.TempDir and removed on
// success; they are left in place if Sort fails, to aid debugging.
func (s *Sorter) Sort(r *Reader, w io.Writer, h *sam.Header) (err error) {
	limitN, limitMem := s.limits()
	less := s.less()

	var runs []string
	defer func() {
		if err == nil {
			for _, path := range runs {
				os.Remove(path)
			}
		}
	}()

	var buf []*sam.Record
	var mem int64
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if less != nil {
			sort.SliceStable(buf, func(i, j int) bool { return less(buf[i], buf[j]) })
		}
		path, werr := s.writeRun(h, buf)
		if werr != nil {
			return werr
		}
		runs = append(runs, path)
		buf = nil
		mem = 0
		return nil
	}

	for {
		rec, rerr := r.Read()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return errors.Wrap(rerr, "bam: reading record during sort")
		}
		buf = append(buf, rec)
		mem += recordMemory(rec)
		if len(buf) >= limitN || mem >= limitMem {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	out := h.Clone()
	out.SortOrder = s.Order
	if out.Version == "" {
		// The @HD line, which carries SO, is only written with a version.
		out.Version = "1.6"
	}

	if len(runs) == 0 {
		bw, err := NewWriter(w, out, 1)
		if err != nil {
			return err
		}
		return bw.Close()
	}

	return s.mergeRuns(runs, out, w, less)
}

func (s *Sorter) writeRun(h *sam.Header, recs []*sam.Record) (path string, err error) {
	f, err := os.CreateTemp(s.TempDir, "bamkit-sort-"+uuid.NewString()+"-*.bam")
	if err != nil {
		return "", errors.Wrap(err, "bam: creating sort run file")
	}
	path = f.Name()
	defer func() {
		// bw.Close already closes f on the success path.
		if cerr := f.Close(); err == nil && !errors.Is(cerr, os.ErrClosed) {
			err = cerr
		}
	}()

	// Runs are written with an unknown sort order so that Merger always
	// honors the comparator this Sorter chose rather than re-deriving one
	// from (possibly stale) header metadata.
	runHeader := h.Clone()
	runHeader.SortOrder = sam.UnknownOrder

	bw, err := NewWriterLevel(f, runHeader, gzip.NoCompression, 1)
	if err != nil {
		return path, err
	}
	for _, rec := range recs {
		if err := bw.Write(rec); err != nil {
			bw.Close()
			return path, errors.Wrap(err, "bam: writing sort run")
		}
	}
	if err := bw.Close(); err != nil {
		return path, err
	}
	return path, nil
}

func (s *Sorter) mergeRuns(runs []string, h *sam.Header, w io.Writer, less func(a, b *sam.Record) bool) error {
	readers := make([]*Reader, 0, len(runs))
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()
	for _, path := range runs {
		f, err := os.Open(path)
		if err != nil {
			return errors.Wrapf(err, "bam: opening sort run %s", filepath.Base(path))
		}
		br, err := NewReader(f, 1)
		if err != nil {
			return errors.Wrapf(err, "bam: reading sort run %s", filepath.Base(path))
		}
		readers = append(readers, br)
	}

	m, err := NewMerger(less, readers...)
	if err != nil {
		return errors.Wrap(err, "bam: merging sort runs")
	}
	m.h = h

	bw, err := NewWriter(w, h, 1)
	if err != nil {
		return err
	}
	for {
		rec, err := m.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "bam: merging sort runs")
		}
		if err := bw.Write(rec); err != nil {
			return errors.Wrap(err, "bam: writing sorted output")
		}
	}
	return bw.Close()
}
