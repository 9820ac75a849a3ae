// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package vmi_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slatrace/slatrace/libpf"
	"github.com/slatrace/slatrace/testsupport/fakeguest"
	"github.com/slatrace/slatrace/vmi"
)

func TestMemoryAccessors(t *testing.T) {
	g := fakeguest.New("guest0", vmi.OSLinux)
	mem := vmi.MemoryFor(g)

	pa := libpf.Frame(0x42).PhysAddr(0x123)
	require.NoError(t, mem.PutUint64(pa, 0x1122334455667788))

	value, err := mem.Uint64(pa)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1122334455667788), value)

	// Guest words are little endian.
	low, err := mem.Uint8(pa)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x88), low)

	require.NoError(t, mem.PutUint8(pa, 0xCC))
	value, err = mem.Uint64(pa)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x11223344556677CC), value)
}

func TestMemoryPageRoundtrip(t *testing.T) {
	g := fakeguest.New("guest0", vmi.OSLinux)
	mem := vmi.MemoryFor(g)

	page := make([]byte, libpf.PageSize)
	for i := range page {
		page[i] = byte(i)
	}
	require.NoError(t, mem.WritePage(0x10, page))

	copied, err := mem.ReadPage(0x10)
	require.NoError(t, err)
	assert.Equal(t, page, copied)

	// A never-written frame reads as zeroes.
	zero, err := mem.ReadPage(0x11)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, libpf.PageSize), zero)
}
