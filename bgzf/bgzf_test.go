// Copyright ©2012 The bíogo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bgzf_test

import (
	"bytes"
	"compress/gzip"
	"io"
	"io/ioutil"
	"testing"

	. "github.com/kestrelbio/bamkit/bgzf"
)

// TestEmpty checks that a writer with no writes still produces a valid
// BGZF stream consisting solely of the terminal EOF block.
func TestEmpty(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, 1)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewReader(&buf, 1)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	b, err := ioutil.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(b) != 0 {
		t.Fatalf("got %d bytes, want 0", len(b))
	}
}

// TestRoundTrip writes a payload spanning several blocks and checks it
// reads back unchanged, and that the stream is a valid concatenated-gzip
// member sequence by the stdlib's own reckoning.
func TestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog\n"), 4000)

	var buf bytes.Buffer
	w, err := NewWriter(&buf, 1)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	gr, err := gzip.NewReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("stdlib gzip rejected bgzf stream: %v", err)
	}
	gr.Multistream(true)
	got, err := ioutil.ReadAll(gr)
	if err != nil {
		t.Fatalf("stdlib gzip ReadAll: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("stdlib-decoded payload mismatch: got %d bytes, want %d", len(got), len(payload))
	}

	r, err := NewReader(bytes.NewReader(buf.Bytes()), 1)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	got, err = ioutil.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

// TestSeekToChunk checks that a Chunk recorded during a first pass over
// a stream can be sought back to and yields the exact bytes originally
// read at that offset.
func TestSeekToChunk(t *testing.T) {
	first := bytes.Repeat([]byte("A"), BlockSize*2)
	second := []byte("the needle in the haystack")

	var buf bytes.Buffer
	w, err := NewWriter(&buf, 1)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.Write(first); err != nil {
		t.Fatalf("Write first: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, err := w.Write(second); err != nil {
		t.Fatalf("Write second: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	src := bytes.NewReader(buf.Bytes())
	r, err := NewReader(src, 1)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	discard := make([]byte, len(first))
	if _, err := io.ReadFull(r, discard); err != nil {
		t.Fatalf("discard read: %v", err)
	}

	tx := r.Begin()
	got := make([]byte, len(second))
	if _, err := io.ReadFull(r, got); err != nil {
		t.Fatalf("reading second: %v", err)
	}
	chunk := tx.End()
	if !bytes.Equal(got, second) {
		t.Fatalf("first pass mismatch: got %q, want %q", got, second)
	}

	r2, err := NewReader(src, 1)
	if err != nil {
		t.Fatalf("NewReader for seek: %v", err)
	}
	if err := r2.Seek(chunk.Begin); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	got2 := make([]byte, len(second))
	if _, err := io.ReadFull(r2, got2); err != nil {
		t.Fatalf("reading after seek: %v", err)
	}
	if !bytes.Equal(got2, second) {
		t.Fatalf("seek mismatch: got %q, want %q", got2, second)
	}
}

// TestLastChunkSpansBlockBoundary checks that a transaction bracketing a
// read that crosses a block boundary still reports a non-empty chunk.
func TestLastChunkSpansBlockBoundary(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, 1)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	payload := bytes.Repeat([]byte("x"), BlockSize*3)
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewReader(bytes.NewReader(buf.Bytes()), 1)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	small := make([]byte, 16)
	if _, err := io.ReadFull(r, small); err != nil {
		t.Fatalf("priming read: %v", err)
	}

	r.Begin()
	spanning := make([]byte, BlockSize+32)
	if _, err := io.ReadFull(r, spanning); err != nil {
		t.Fatalf("spanning read: %v", err)
	}
	chunk := r.LastChunk()
	if chunk.Begin == chunk.End {
		t.Fatalf("chunk did not advance across the spanning read")
	}
	if chunk.Begin.File == chunk.End.File {
		t.Fatalf("expected the spanning read to cross a block boundary: begin=%v end=%v", chunk.Begin, chunk.End)
	}
}
