// Copyright ©2012 The bíogo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command bamkit is a thin CLI over the core BAM/BGZF operations:
// inspecting a header, building a standard index, merging sorted inputs,
// external-merge sorting, and counting records, optionally restricted to
// a region.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/kestrelbio/bamkit/bam"
	"github.com/kestrelbio/bamkit/sam"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("bamkit: ")

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "header":
		err = runHeader(os.Args[2:])
	case "index":
		err = runIndex(os.Args[2:])
	case "merge":
		err = runMerge(os.Args[2:])
	case "sort":
		err = runSort(os.Args[2:])
	case "count":
		err = runCount(os.Args[2:])
	case "-h", "-help", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "bamkit: unknown subcommand %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: bamkit <command> [flags]

commands:
  header  -in <file>
  index   -in <file>
  merge   -in <file> [-in <file> ...] -out <file>
  sort    -in <file> -out <file> [-n <count>] [-m <bytes>] [-order coordinate|queryname]
  count   -in <file> [-region <R>]`)
}

// stringList accumulates repeated -in flags.
type stringList []string

func (l *stringList) String() string { return fmt.Sprint([]string(*l)) }
func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func openReader(path string) (*bam.Reader, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	r, err := bam.NewReader(f, 0)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return r, f, nil
}

func runHeader(args []string) error {
	fs := flag.NewFlagSet("header", flag.ExitOnError)
	in := fs.String("in", "", "input BAM file")
	fs.Parse(args)
	if *in == "" {
		return fmt.Errorf("bamkit header: -in is required")
	}

	r, f, err := openReader(*in)
	if err != nil {
		return err
	}
	defer f.Close()
	defer r.Close()

	text, err := r.Header().MarshalText()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(text)
	return err
}

func runIndex(args []string) error {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	in := fs.String("in", "", "input BAM file")
	fs.Parse(args)
	if *in == "" {
		return fmt.Errorf("bamkit index: -in is required")
	}

	r, f, err := openReader(*in)
	if err != nil {
		return err
	}
	defer f.Close()
	defer r.Close()

	var idx bam.Index
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

	out, err := os.Create(*in + ".bai")
	if err != nil {
		return err
	}
	defer out.Close()
	return bam.WriteIndex(out, &idx)
}

func runMerge(args []string) error {
	fs := flag.NewFlagSet("merge", flag.ExitOnError)
	var ins stringList
	fs.Var(&ins, "in", "input BAM file (repeatable)")
	out := fs.String("out", "", "output BAM file")
	fs.Parse(args)
	if len(ins) == 0 || *out == "" {
		return fmt.Errorf("bamkit merge: at least one -in and an -out are required")
	}

	readers := make([]*bam.Reader, 0, len(ins))
	files := make([]*os.File, 0, len(ins))
	defer func() {
		for _, r := range readers {
			r.Close()
		}
		for _, f := range files {
			f.Close()
		}
	}()
	for _, path := range ins {
		r, f, err := openReader(path)
		if err != nil {
			return err
		}
		readers = append(readers, r)
		files = append(files, f)
	}

	m, err := bam.NewMerger(nil, readers...)
	if err != nil {
		return err
	}

	outFile, err := os.Create(*out)
	if err != nil {
		return err
	}
	defer outFile.Close()

	w, err := bam.NewWriter(outFile, m.Header(), 0)
	if err != nil {
		return err
	}
	for {
		rec, err := m.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	return w.Close()
}

func runSort(args []string) error {
	fs := flag.NewFlagSet("sort", flag.ExitOnError)
	in := fs.String("in", "", "input BAM file")
	out := fs.String("out", "", "output BAM file")
	n := fs.Int("n", bam.DefaultSortRecordLimit, "maximum records per sort run")
	m := fs.Int64("m", bam.DefaultSortMemoryLimit, "maximum estimated bytes per sort run")
	order := fs.String("order", "coordinate", "sort order: coordinate or queryname")
	fs.Parse(args)
	if *in == "" || *out == "" {
		return fmt.Errorf("bamkit sort: -in and -out are required")
	}

	var so sam.SortOrder
	switch *order {
	case "coordinate":
		so = sam.Coordinate
	case "queryname":
		so = sam.QueryName
	default:
		return fmt.Errorf("bamkit sort: unknown -order %q", *order)
	}

	r, f, err := openReader(*in)
	if err != nil {
		return err
	}
	defer f.Close()
	defer r.Close()

	outFile, err := os.Create(*out)
	if err != nil {
		return err
	}
	defer outFile.Close()

	s := &bam.Sorter{RecordLimit: *n, MemoryLimit: *m, Order: so}
	return s.Sort(r, outFile, r.Header())
}

func runCount(args []string) error {
	fs := flag.NewFlagSet("count", flag.ExitOnError)
	in := fs.String("in", "", "input BAM file")
	region := fs.String("region", "", "restrict to a region, e.g. chr1:100..200")
	fs.Parse(args)
	if *in == "" {
		return fmt.Errorf("bamkit count: -in is required")
	}

	r, f, err := openReader(*in)
	if err != nil {
		return err
	}
	defer f.Close()
	defer r.Close()

	var n int
	if *region == "" {
		for {
			_, err := r.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			n++
		}
		fmt.Println(n)
		return nil
	}

	re, err := bam.ParseRegion(r.Header(), *region)
	if err != nil {
		return err
	}
	idxFile, err := os.Open(*in + ".bai")
	if err != nil {
		return fmt.Errorf("bamkit count: opening index: %w", err)
	}
	defer idxFile.Close()
	idx, err := bam.ReadIndex(idxFile)
	if err != nil {
		return err
	}

	it, err := bam.NewRegionIterator(r, idx, r.Header().Refs(), re)
	if err != nil {
		return err
	}
	for it.Next() {
		n++
	}
	if err := it.Close(); err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}
