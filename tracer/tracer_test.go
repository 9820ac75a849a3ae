// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slatrace/slatrace/domctl"
	"github.com/slatrace/slatrace/guestos"
	"github.com/slatrace/slatrace/libpf"
	"github.com/slatrace/slatrace/testsupport/fakeguest"
	"github.com/slatrace/slatrace/vmi"
)

const (
	testLStar   = libpf.Address(0xffffffff81000000)
	testSymPage = libpf.Address(0xffffffff81234000)
	testStack   = libpf.Address(0xffff8800deadb000)

	testSysOpen  = testSymPage + 0x560
	testSysClose = testSymPage + 0x580

	testCR3 = uint64(0x3000)
	testPID = libpf.PID(4242)
)

// entryStub models the first bytes of the syscall entry handler:
//
//	push rcx
//	call +0x10         ; dispatch call, return point follows
//	nop
//	int3               ; unreachable filler byte, found as trampoline
//	ret
var entryStub = []byte{0x51, 0xE8, 0x10, 0x00, 0x00, 0x00, 0x90, 0xCC, 0xC3}

const (
	stubReturnOffset     = 6
	stubTrampolineOffset = 7
)

func newTestGuest(t *testing.T) *fakeguest.Guest {
	t.Helper()
	g := fakeguest.New("guest0", vmi.OSLinux)
	g.LStar = testLStar

	g.MapRange(testLStar, 0x1000, 1)
	require.NoError(t, g.WriteVirt(testLStar, entryStub))

	g.MapRange(testSymPage, 0x1234, 1)
	require.NoError(t, g.WriteVirt(testSysOpen, []byte{0x55}))
	require.NoError(t, g.WriteVirt(testSysClose, []byte{0x53}))
	g.AddSymbol("sys_open", testSysOpen)
	g.AddSymbol("sys_close", testSysClose)

	g.MapRange(testStack, 0x2000, 1)
	g.AddPID(testCR3, testPID)
	return g
}

func newTestTracer(t *testing.T, g *fakeguest.Guest) *Tracer {
	t.Helper()
	trc, err := NewTracer(&Config{GuestName: "guest0", Guest: g, Control: g})
	require.NoError(t, err)
	require.NoError(t, trc.prepare())
	require.Equal(t, testLStar+stubReturnOffset, trc.returnAddr)
	require.Equal(t, testLStar+stubTrampolineOffset, trc.trampolineAddr)
	return trc
}

// armStack puts the expected dispatch return address into the stack
// slot and points the VCPU's registers at it.
func armStack(t *testing.T, g *fakeguest.Guest, trc *Tracer, vcpu uint32,
	slot libpf.Address) {
	t.Helper()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(trc.returnAddr))
	require.NoError(t, g.WriteVirt(slot, buf[:]))
	g.Regs[vcpu] = vmi.Registers{RSP: uint64(slot), CR3: testCR3}
}

func stackWord(t *testing.T, g *fakeguest.Guest, slot libpf.Address) uint64 {
	t.Helper()
	buf, err := g.ReadVirt(slot, 8)
	require.NoError(t, err)
	return binary.LittleEndian.Uint64(buf)
}

type invocation struct {
	pid   libpf.PID
	tid   libpf.Address
	state any
}

// recorder captures callback invocations for assertions.
type recorder struct {
	calls []invocation
	rets  []invocation
	next  int
}

func (r *recorder) callback(name string) guestos.SyscallCallback {
	return guestos.SyscallCallback{
		Name: name,
		OnCall: func(_ *vmi.InterruptEvent, pid libpf.PID, tid libpf.Address,
			_ any) any {
			r.next++
			state := r.next
			r.calls = append(r.calls, invocation{pid: pid, tid: tid, state: state})
			return state
		},
		OnRet: func(_ *vmi.InterruptEvent, pid libpf.PID, tid libpf.Address,
			state any) {
			r.rets = append(r.rets, invocation{pid: pid, tid: tid, state: state})
		},
	}
}

func TestNewTracerEnablesShadowView(t *testing.T) {
	g := newTestGuest(t)
	trc, err := NewTracer(&Config{GuestName: "guest0", Guest: g, Control: g})
	require.NoError(t, err)

	assert.True(t, g.AltP2M)
	assert.Equal(t, domctl.ViewID(1), trc.shadowView)
	// The shadow view exists but is not active before Run.
	assert.Equal(t, domctl.DefaultView, g.ActiveView)
	assert.Equal(t, g.PauseCount, g.ResumeCount)
}

func TestNewTracerUnknownGuest(t *testing.T) {
	g := newTestGuest(t)
	_, err := NewTracer(&Config{GuestName: "nosuch", Guest: g, Control: g})
	require.Error(t, err)
}

func TestPrepareActivatesShadowView(t *testing.T) {
	g := newTestGuest(t)
	trc := newTestTracer(t, g)
	assert.Equal(t, trc.shadowView, g.ActiveView)
}

func TestPrepareRequiresTrampoline(t *testing.T) {
	g := newTestGuest(t)
	// Entry handler without any INT3 byte.
	require.NoError(t, g.WriteVirt(testLStar,
		[]byte{0x51, 0xE8, 0x10, 0x00, 0x00, 0x00, 0x90, 0xC3}))
	trc, err := NewTracer(&Config{GuestName: "guest0", Guest: g, Control: g})
	require.NoError(t, err)

	err = trc.prepare()
	require.ErrorContains(t, err, "trampoline")
	// The failed activation must not leave the shadow view armed.
	assert.Equal(t, domctl.DefaultView, g.ActiveView)
}

func TestAttachUnknownSymbol(t *testing.T) {
	g := newTestGuest(t)
	trc := newTestTracer(t, g)

	rec := &recorder{}
	err := trc.AttachSyscallCb(rec.callback("sys_nonexistent"))
	require.ErrorIs(t, err, ErrUnknownSymbol)
	assert.Empty(t, trc.pageRecords)
}

func TestAttachBatchSkipsFailures(t *testing.T) {
	g := newTestGuest(t)
	trc := newTestTracer(t, g)

	rec := &recorder{}
	count := trc.AttachSyscallCbs([]guestos.SyscallCallback{
		rec.callback("sys_open"),
		rec.callback("sys_nonexistent"),
		rec.callback("sys_close"),
	})
	assert.Equal(t, 2, count)
	assert.Equal(t, int64(2), trc.Stats().Breakpoints)
}

func TestAttachBatchEmptyNameTerminates(t *testing.T) {
	g := newTestGuest(t)
	trc := newTestTracer(t, g)

	rec := &recorder{}
	count := trc.AttachSyscallCbs([]guestos.SyscallCallback{
		rec.callback("sys_open"),
		{},
		rec.callback("sys_close"),
	})
	assert.Equal(t, 1, count)
}

func TestQuitWithCallInFlight(t *testing.T) {
	g := newTestGuest(t)
	trc := newTestTracer(t, g)
	rec := &recorder{}
	require.NoError(t, trc.AttachSyscallCb(rec.callback("sys_open")))

	slot := testStack + 0xE00
	armStack(t, g, trc, 0, slot)
	g.InjectInterrupt(0, testSysOpen)
	require.Len(t, trc.callsInFlight, 1)
	require.Equal(t, uint64(trc.trampolineAddr), stackWord(t, g, slot))

	require.NoError(t, trc.Quit())

	// The hijacked return slot was restored before the engine let go.
	assert.Equal(t, uint64(trc.returnAddr), stackWord(t, g, slot))
	assert.Empty(t, trc.callsInFlight)
	assert.Empty(t, trc.pageRecords)
	assert.Empty(t, trc.pageTranslation)
	assert.Equal(t, domctl.DefaultView, g.ActiveView)
	assert.Equal(t, 0, g.ExtraFrames())
	assert.Equal(t, g.BaseMem, g.MaxMem)
	assert.True(t, trc.interrupted.Load())
}

func TestQuitRestoresOriginalBytes(t *testing.T) {
	g := newTestGuest(t)
	trc := newTestTracer(t, g)
	rec := &recorder{}
	require.NoError(t, trc.AttachSyscallCb(rec.callback("sys_open")))
	require.NoError(t, trc.AttachSyscallCb(rec.callback("sys_close")))

	require.NoError(t, trc.Quit())

	// Original frame holds the original bytes, and no shadow mapping
	// remains in the view.
	buf, err := g.ReadVirt(testSysOpen, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0x55), buf[0])
	assert.Equal(t, 0, g.ViewMappings(trc.shadowView))
}

func TestFreeReleasesResources(t *testing.T) {
	g := newTestGuest(t)
	trc := newTestTracer(t, g)
	require.NoError(t, trc.Quit())
	require.NoError(t, trc.Free())

	assert.False(t, g.AltP2M)
	assert.True(t, g.Closed)
	assert.True(t, g.Destroyed)
	assert.Equal(t, g.BaseMem, g.MaxMem)
}

func TestRunLoopServicesQueuedEvents(t *testing.T) {
	g := newTestGuest(t)
	trc, err := NewTracer(&Config{GuestName: "guest0", Guest: g, Control: g})
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, trc.AttachSyscallCb(rec.callback("sys_open")))

	// Arm the stack before the loop starts; the discovered return point
	// is deterministic for the entry stub.
	slot := testStack + 0xE00
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(testLStar+stubReturnOffset))
	require.NoError(t, g.WriteVirt(slot, buf[:]))
	g.Regs[0] = vmi.Registers{RSP: uint64(slot), CR3: testCR3}

	done := make(chan error, 1)
	go func() { done <- trc.Run(context.Background()) }()

	// Give prepare a moment, then drive one call through the loop.
	time.Sleep(20 * time.Millisecond)
	g.QueueInterrupt(0, testSysOpen)
	time.Sleep(20 * time.Millisecond)

	trc.Interrupt()
	require.NoError(t, <-done)

	require.Len(t, rec.calls, 1)
	assert.Equal(t, testPID, rec.calls[0].pid)
}

func TestPIDCache(t *testing.T) {
	g := newTestGuest(t)
	trc := newTestTracer(t, g)

	assert.Equal(t, testPID, trc.pidForCR3(testCR3))
	// Second lookup is served from the cache.
	assert.Equal(t, testPID, trc.pidForCR3(testCR3))
	// Unknown page-table bases resolve to -1 and are not cached.
	assert.Equal(t, libpf.PID(-1), trc.pidForCR3(0x9999))
}
