// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer // import "github.com/slatrace/slatrace/tracer"

import (
	log "github.com/sirupsen/logrus"

	"github.com/slatrace/slatrace/domctl"
	"github.com/slatrace/slatrace/libpf"
	"github.com/slatrace/slatrace/vmi"
)

// stepThroughOriginal switches the faulting VCPU to the default view
// for one instruction; the single-step completion switches it back.
func (t *Tracer) stepThroughOriginal() vmi.EventResponse {
	return vmi.EventResponse{
		Flags: vmi.RespToggleSinglestep | vmi.RespSwitchView,
		View:  uint16(domctl.DefaultView),
	}
}

// handleInterrupt services both breakpoint flavors. All three event
// handlers run serialized on the event-delivery goroutine, so the
// engine maps are touched without locking.
func (t *Tracer) handleInterrupt(ev *vmi.InterruptEvent) vmi.EventResponse {
	ev.Reinject = false

	if ev.GLA == t.trampolineAddr {
		return t.handleSysretBreakpoint(ev)
	}
	return t.handleSyscallBreakpoint(ev)
}

// handleSyscallBreakpoint services a call-site hit: invoke the call
// callback, hijack the return slot on the guest stack to point at the
// trampoline, and step the VCPU through the displaced original
// instruction.
func (t *Tracer) handleSyscallBreakpoint(ev *vmi.InterruptEvent) vmi.EventResponse {
	record := t.breakpointForVirt(ev.GLA)
	if record == nil {
		// Not ours; let the guest service its own interrupt.
		ev.Reinject = true
		return vmi.EventResponse{}
	}

	resp := t.stepThroughOriginal()

	threadID := libpf.Address(ev.Regs.RSP)
	returnLoc, err := t.guest.TranslateKV2P(threadID)
	if err != nil || returnLoc == 0 {
		return resp
	}

	returnAddr, err := t.mem.Uint64(returnLoc)
	if err != nil || libpf.Address(returnAddr) != t.returnAddr {
		// The stack does not point back at the dispatch site; the
		// routine was entered through an unexpected caller. Leave the
		// stack alone.
		log.Debugf("Unexpected return address %#x at %#x, not hijacking",
			returnAddr, threadID)
		return resp
	}

	pid := t.pidForCR3(ev.Regs.CR3)

	call := &callInFlight{
		threadID: threadID,
		record:   record,
	}
	if record.onCall != nil {
		call.userState = record.onCall(ev, pid, threadID, record.data)
	}

	t.callsInFlight[threadID] = call
	t.statCalls.Add(1)

	if err = t.mem.PutUint64(returnLoc, uint64(t.trampolineAddr)); err != nil {
		log.Errorf("Failed to hijack return slot at %#x: %v", returnLoc, err)
	}

	return resp
}

// handleSysretBreakpoint services a trampoline hit: invoke the return
// callback, point RIP back at the real return site and retire the
// in-flight call. No single step is needed since RIP is rewritten.
func (t *Tracer) handleSysretBreakpoint(ev *vmi.InterruptEvent) vmi.EventResponse {
	// The return has already popped the slot.
	threadID := libpf.Address(ev.Regs.RSP - t.ptrWidth)

	call, ok := t.callsInFlight[threadID]
	if !ok {
		return vmi.EventResponse{}
	}

	if call.record.onRet != nil {
		pid := t.pidForCR3(ev.Regs.CR3)
		call.record.onRet(ev, pid, threadID, call.userState)
	}

	if err := t.guest.SetVCPUReg(vmi.RegRIP, uint64(t.returnAddr),
		ev.VCPU); err != nil {
		log.Errorf("Failed to redirect VCPU %d to return point: %v",
			ev.VCPU, err)
	}

	delete(t.callsInFlight, threadID)
	t.statCalls.Add(-1)

	return vmi.EventResponse{}
}

// handleMemAccess services a guest read or write of a monitored frame,
// likely a kernel integrity check. The VCPU gets one instruction
// against the clean bytes; no callback fires.
func (t *Tracer) handleMemAccess(_ *vmi.MemEvent) vmi.EventResponse {
	return t.stepThroughOriginal()
}

// handleSinglestep re-arms the shadow view on the stepped VCPU and
// turns single-stepping back off.
func (t *Tracer) handleSinglestep(_ *vmi.SinglestepEvent) vmi.EventResponse {
	return vmi.EventResponse{
		Flags: vmi.RespToggleSinglestep | vmi.RespSwitchView,
		View:  uint16(t.shadowView),
	}
}
