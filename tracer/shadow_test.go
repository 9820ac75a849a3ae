// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slatrace/slatrace/domctl"
	"github.com/slatrace/slatrace/libpf"
	"github.com/slatrace/slatrace/testsupport/fakeguest"
)

// checkShadowInvariants verifies the byte-level and accounting
// invariants that must hold between events.
func checkShadowInvariants(t *testing.T, g *fakeguest.Guest, trc *Tracer) {
	t.Helper()

	require.Len(t, trc.pageRecords, len(trc.pageTranslation))
	for frame, shadow := range trc.pageTranslation {
		rec, ok := trc.pageRecords[shadow]
		require.True(t, ok, "missing page record for shadow %#x", shadow)
		require.Equal(t, frame, rec.frame)
		require.Equal(t, shadow, rec.shadowFrame)

		// The shadow frame is installed in the shadow view in place of
		// the original.
		mapped, ok := g.ViewFrame(trc.shadowView, frame)
		require.True(t, ok)
		require.Equal(t, shadow, mapped)

		for offset := range rec.children {
			shadowByte, err := trc.mem.Uint8(shadow.PhysAddr(offset))
			require.NoError(t, err)
			require.Equal(t, uint8(breakpointInst), shadowByte)
		}
	}

	// Reservation accounting.
	require.Equal(t, trc.initMemSize+
		libpf.PageSize*uint64(len(trc.pageRecords)), trc.currMemSize)
	require.Equal(t, trc.currMemSize, g.MaxMem)
	require.Equal(t, len(trc.pageRecords), g.ExtraFrames())
}

func TestTwoSymbolsOnSamePage(t *testing.T) {
	g := newTestGuest(t)
	trc := newTestTracer(t, g)
	rec := &recorder{}

	require.NoError(t, trc.AttachSyscallCb(rec.callback("sys_open")))
	checkShadowInvariants(t, g, trc)
	require.NoError(t, trc.AttachSyscallCb(rec.callback("sys_close")))
	checkShadowInvariants(t, g, trc)

	// One page record, two children.
	require.Len(t, trc.pageRecords, 1)
	for _, page := range trc.pageRecords {
		assert.Len(t, page.children, 2)
	}
	assert.Equal(t, int64(1), trc.Stats().PageRecords)
	assert.Equal(t, int64(2), trc.Stats().Breakpoints)

	// Original bytes are untouched in the original frame.
	buf, err := g.ReadVirt(testSysOpen, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0x55), buf[0])

	// The shadow copy differs from the original only at the breakpoint
	// offsets.
	shadow := trc.pageTranslation[libpf.Frame(0x1234)]
	orig, err := trc.mem.ReadPage(libpf.Frame(0x1234))
	require.NoError(t, err)
	copyPage, err := trc.mem.ReadPage(shadow)
	require.NoError(t, err)
	for i := range orig {
		if i == 0x560 || i == 0x580 {
			assert.Equal(t, byte(breakpointInst), copyPage[i])
			continue
		}
		assert.Equal(t, orig[i], copyPage[i], "offset %#x", i)
	}
}

func TestIdempotentInstall(t *testing.T) {
	g := newTestGuest(t)
	trc := newTestTracer(t, g)

	first := &recorder{}
	second := &recorder{}
	require.NoError(t, trc.AttachSyscallCb(first.callback("sys_open")))
	require.NoError(t, trc.AttachSyscallCb(second.callback("sys_open")))

	require.Len(t, trc.pageRecords, 1)
	for _, page := range trc.pageRecords {
		require.Len(t, page.children, 1)
	}

	// The callbacks of the first install win.
	slot := testStack + 0xE00
	armStack(t, g, trc, 0, slot)
	g.InjectInterrupt(0, testSysOpen)
	assert.Len(t, first.calls, 1)
	assert.Empty(t, second.calls)
}

type failingPopulate struct {
	*fakeguest.Guest
}

func (f failingPopulate) PopulatePhysmap(domctl.DomainID, libpf.Frame) (libpf.Frame, error) {
	return 0, errors.New("out of frames")
}

func TestAllocationFailureUnwinds(t *testing.T) {
	g := newTestGuest(t)
	trc, err := NewTracer(&Config{
		GuestName: "guest0",
		Guest:     g,
		Control:   failingPopulate{g},
	})
	require.NoError(t, err)
	require.NoError(t, trc.prepare())

	rec := &recorder{}
	err = trc.AttachSyscallCb(rec.callback("sys_open"))
	require.ErrorIs(t, err, ErrAllocation)

	// Nothing half-installed, and the reservation accounting reflects
	// reality.
	assert.Empty(t, trc.pageRecords)
	assert.Empty(t, trc.pageTranslation)
	assert.Equal(t, trc.initMemSize, trc.currMemSize)
	assert.Equal(t, g.BaseMem, g.MaxMem)
	assert.Equal(t, 0, g.ExtraFrames())
}

func TestInstallRemoveSequences(t *testing.T) {
	g := newTestGuest(t)
	trc := newTestTracer(t, g)
	rec := &recorder{}

	// A second instrumented page, far from the first.
	otherPage := libpf.Address(0xFFFFFFFF81400000)
	g.MapRange(otherPage, 0x1400, 1)
	require.NoError(t, g.WriteVirt(otherPage+0x10, []byte{0x41}))
	g.AddSymbol("sys_getpid", otherPage+0x10)

	for _, name := range []string{"sys_open", "sys_close", "sys_getpid"} {
		require.NoError(t, trc.AttachSyscallCb(rec.callback(name)))
		checkShadowInvariants(t, g, trc)
	}
	require.Len(t, trc.pageRecords, 2)

	// Remove everything; the guest must be byte-exact again.
	require.NoError(t, trc.Quit())
	assert.Equal(t, 0, g.ExtraFrames())
	assert.Equal(t, g.BaseMem, g.MaxMem)
	assert.Equal(t, 0, g.ViewMappings(trc.shadowView))

	for va, want := range map[libpf.Address]byte{
		testSysOpen:      0x55,
		testSysClose:     0x53,
		otherPage + 0x10: 0x41,
	} {
		buf, err := g.ReadVirt(va, 1)
		require.NoError(t, err)
		assert.Equal(t, want, buf[0], "byte at %#x", va)
	}
}
