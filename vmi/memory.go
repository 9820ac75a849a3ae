// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package vmi // import "github.com/slatrace/slatrace/vmi"

import (
	"encoding/binary"

	"github.com/slatrace/slatrace/libpf"
)

// Memory wraps a Guest with typed little-endian accessors for guest
// physical memory.
type Memory struct {
	g Guest
}

// MemoryFor returns typed accessors for the guest's physical memory.
func MemoryFor(g Guest) Memory {
	return Memory{g: g}
}

// Uint8 reads one byte of guest physical memory.
func (m Memory) Uint8(pa libpf.PhysAddr) (uint8, error) {
	var buf [1]byte
	if err := m.g.ReadPhys(pa, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// Uint64 reads a 64-bit word of guest physical memory.
func (m Memory) Uint64(pa libpf.PhysAddr) (uint64, error) {
	var buf [8]byte
	if err := m.g.ReadPhys(pa, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// PutUint8 writes one byte of guest physical memory.
func (m Memory) PutUint8(pa libpf.PhysAddr, value uint8) error {
	return m.g.WritePhys(pa, []byte{value})
}

// PutUint64 writes a 64-bit word of guest physical memory.
func (m Memory) PutUint64(pa libpf.PhysAddr, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return m.g.WritePhys(pa, buf[:])
}

// ReadPage reads the full frame into a fresh buffer.
func (m Memory) ReadPage(frame libpf.Frame) ([]byte, error) {
	buf := make([]byte, libpf.PageSize)
	if err := m.g.ReadPhys(frame.Base(), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WritePage overwrites the full frame.
func (m Memory) WritePage(frame libpf.Frame, p []byte) error {
	return m.g.WritePhys(frame.Base(), p)
}
