// Copyright ©2015 The bíogo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package index

import (
	"errors"

	"github.com/kestrelbio/bamkit/bgzf"
)

// ErrNoReference is returned when a reference is not found in an index.
var ErrNoReference = errors.New("index: no reference")

// ErrInvalid is returned when an index is invalid.
var ErrInvalid = errors.New("index: invalid interval")

// ReferenceStats holds mapping statistics for a genomic reference.
type ReferenceStats struct {
	// Chunk is the span of the indexed BGZF holding alignments to the
	// reference.
	Chunk bgzf.Chunk

	// Mapped is the count of mapped reads.
	Mapped uint64

	// Unmapped is the count of unmapped reads.
	Unmapped uint64
}

func vOffset(o bgzf.Offset) int64 {
	return o.File<<16 | int64(o.Block)
}
