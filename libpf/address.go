// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package libpf contains the basic address and identifier types shared
// across the tracing engine.
package libpf // import "github.com/slatrace/slatrace/libpf"

const (
	// PageOffsetBits is the number of bits available for the page offset.
	PageOffsetBits = 12

	// PageSize is the guest page size.
	PageSize = 1 << PageOffsetBits
)

// Address represents a guest kernel virtual address.
type Address uint64

// PhysAddr represents a guest physical address.
type PhysAddr uint64

// Frame represents a guest physical page-frame number.
type Frame uint64

// Frame returns the page-frame number containing the physical address.
func (pa PhysAddr) Frame() Frame {
	return Frame(pa >> PageOffsetBits)
}

// Offset returns the offset of the physical address within its frame.
func (pa PhysAddr) Offset() uint64 {
	return uint64(pa) % PageSize
}

// PhysAddr composes a physical address from the frame and an offset.
func (f Frame) PhysAddr(offset uint64) PhysAddr {
	return PhysAddr(uint64(f)<<PageOffsetBits | offset%PageSize)
}

// Base returns the physical address of the first byte of the frame.
func (f Frame) Base() PhysAddr {
	return PhysAddr(uint64(f) << PageOffsetBits)
}

// Hash32 returns a 32 bits hash of the input.
// It's main purpose is to be used as key for caching.
func (adr Address) Hash32() uint32 {
	return uint32(hashUint64(uint64(adr)))
}

// HashUint64 computes a 32-bit cache key from a 64-bit value using the
// finalizer function for Murmur3.
// Via https://lemire.me/blog/2018/08/15/fast-strongly-universal-64-bit-hashing-everywhere/
func HashUint64(x uint64) uint32 {
	return uint32(hashUint64(x))
}

func hashUint64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}
