// Copyright ©2012 The bíogo Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sam

const (
	wordBits = 31
	maxInt32 = 1<<wordBits - 1
	minInt32 = -1 << wordBits
)

func validInt32(n int) bool { return minInt32 <= n && n <= maxInt32 }

// validLen returns whether l is a valid for a length field, which in SAM
// and BAM is a non-negative value fitting in 32 bits.
func validLen(l int) bool { return 0 <= l && l <= maxInt32 }

// validPos returns whether p is a valid coordinate, allowing the sentinel
// value -1 used to indicate absence of a position.
func validPos(p int) bool { return -1 <= p && p <= maxInt32 }

// validTmpltLen returns whether n is a valid template length.
func validTmpltLen(n int) bool { return minInt32 <= n && n <= maxInt32 }
