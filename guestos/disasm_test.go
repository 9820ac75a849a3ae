// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package guestos

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slatrace/slatrace/libpf"
	"github.com/slatrace/slatrace/testsupport/fakeguest"
	"github.com/slatrace/slatrace/vmi"
)

const testEntry = libpf.Address(0xFFFFFFFF81000000)

func entryGuest(t *testing.T, os vmi.OSType, stub []byte) *fakeguest.Guest {
	t.Helper()
	g := fakeguest.New("guest0", os)
	g.LStar = testEntry
	g.MapRange(testEntry, 0x1000, 1)
	require.NoError(t, g.WriteVirt(testEntry, stub))
	return g
}

func TestLinuxReturnPoint(t *testing.T) {
	// push rcx; call +0x10; nop; ret
	stub := []byte{0x51, 0xE8, 0x10, 0x00, 0x00, 0x00, 0x90, 0xC3}
	g := entryGuest(t, vmi.OSLinux, stub)

	addr, err := NewLinuxAdapter().FindReturnPointAddr(g)
	require.NoError(t, err)
	// The instruction after the direct dispatch call.
	assert.Equal(t, testEntry+6, addr)
}

func TestLinuxReturnPointWithStrayPrefix(t *testing.T) {
	// A stray prefix byte before the call must not derail the sweep.
	stub := []byte{0x2E, 0x51, 0xE8, 0x10, 0x00, 0x00, 0x00, 0x90, 0xC3}
	g := entryGuest(t, vmi.OSLinux, stub)

	addr, err := NewLinuxAdapter().FindReturnPointAddr(g)
	require.NoError(t, err)
	assert.Equal(t, testEntry+7, addr)
}

func TestWindowsReturnPoint(t *testing.T) {
	// push rcx; call +0x10 (direct, skipped); call r10; nop; ret
	stub := []byte{0x51, 0xE8, 0x10, 0x00, 0x00, 0x00, 0x41, 0xFF, 0xD2, 0x90, 0xC3}
	g := entryGuest(t, vmi.OSWindows, stub)

	addr, err := NewWindowsAdapter().FindReturnPointAddr(g)
	require.NoError(t, err)
	// The instruction after the indirect dispatch call.
	assert.Equal(t, testEntry+9, addr)
}

func TestReturnPointNotFound(t *testing.T) {
	// No call instruction anywhere in the page.
	stub := []byte{0x90, 0x90, 0xC3}
	g := entryGuest(t, vmi.OSLinux, stub)

	_, err := NewLinuxAdapter().FindReturnPointAddr(g)
	require.Error(t, err)
}

func TestForOSType(t *testing.T) {
	tests := map[string]struct {
		os      vmi.OSType
		wantErr bool
	}{
		"linux":   {os: vmi.OSLinux},
		"windows": {os: vmi.OSWindows},
		"unknown": {os: vmi.OSUnknown, wantErr: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			adapter, err := ForOSType(tc.os)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, adapter.Callbacks())
		})
	}
}

func TestSyscallSpecFormat(t *testing.T) {
	spec := &syscallSpec{
		name: "sys_read",
		args: []argSpec{{"fd", argDec}, {"buf", argHex}, {"count", argDec}},
	}
	regs := &vmi.Registers{RDI: 3, RSI: 0x7FFF0000, RDX: 128}

	assert.Equal(t, "fd=3, buf=0x7fff0000, count=128",
		spec.format(regs, linuxArgRegs))
}

func TestPrintCallbacksThreadState(t *testing.T) {
	spec := &syscallSpec{name: "sys_close", args: []argSpec{{"fd", argDec}}}
	cb := printCallbacks(spec, linuxArgRegs)

	ev := &vmi.InterruptEvent{Regs: &vmi.Registers{RDI: 5, RAX: 0}}
	state := cb.OnCall(ev, 1, 0xFFFF8800DEADBE00, nil)
	assert.Equal(t, "sys_close", state)
	// The return callback accepts the state without panicking.
	cb.OnRet(ev, 1, 0xFFFF8800DEADBE00, state)
}
