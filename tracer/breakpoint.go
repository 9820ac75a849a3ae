// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer // import "github.com/slatrace/slatrace/tracer"

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/slatrace/slatrace/guestos"
	"github.com/slatrace/slatrace/libpf"
)

// breakpointRecord describes one traced kernel entry point within a
// page record.
type breakpointRecord struct {
	offset uint64
	onCall guestos.CallFunc
	onRet  guestos.RetFunc
	data   any
	page   *pageRecord
}

// installBreakpoint emplaces a call-site breakpoint at the kernel
// virtual address. Idempotent: a second install on the same address
// returns the existing record with the callbacks of the first install.
//
// The record is linked into its page only after the breakpoint byte
// has been written, so a failure leaves no half-installed state.
func (t *Tracer) installBreakpoint(va libpf.Address,
	cb guestos.SyscallCallback) (*breakpointRecord, error) {
	pa, err := t.guest.TranslateKV2P(va)
	if err != nil || pa == 0 {
		return nil, fmt.Errorf("%w: virtual address %#x", ErrTranslation, va)
	}

	frame, offset := pa.Frame(), pa.Offset()
	rec, created, err := t.ensurePageRecord(frame)
	if err != nil {
		return nil, err
	}

	if bp, ok := rec.children[offset]; ok {
		return bp, nil
	}

	bp := &breakpointRecord{
		offset: offset,
		onCall: cb.OnCall,
		onRet:  cb.OnRet,
		data:   cb.Data,
		page:   rec,
	}

	if err = t.mem.PutUint8(rec.shadowFrame.PhysAddr(offset),
		breakpointInst); err != nil {
		if created {
			if destroyErr := t.destroyPageRecord(rec); destroyErr != nil {
				log.Warnf("Failed to unwind page record for frame %#x: %v",
					frame, destroyErr)
			}
			delete(t.pageTranslation, frame)
			delete(t.pageRecords, rec.shadowFrame)
		}
		return nil, fmt.Errorf("failed to write breakpoint at shadow %#x+%#x: %w",
			rec.shadowFrame, offset, err)
	}

	rec.children[offset] = bp
	t.statBreakpoints.Add(1)
	return bp, nil
}

// removeBreakpoint copies the original instruction byte back over the
// breakpoint in the shadow frame.
func (t *Tracer) removeBreakpoint(bp *breakpointRecord) error {
	orig, err := t.mem.Uint8(bp.page.frame.PhysAddr(bp.offset))
	if err != nil {
		return err
	}
	return t.mem.PutUint8(bp.page.shadowFrame.PhysAddr(bp.offset), orig)
}

// breakpointForPhys returns the breakpoint record covering a guest
// physical address, or nil.
func (t *Tracer) breakpointForPhys(pa libpf.PhysAddr) *breakpointRecord {
	shadow, ok := t.pageTranslation[pa.Frame()]
	if !ok {
		return nil
	}
	rec, ok := t.pageRecords[shadow]
	if !ok {
		return nil
	}
	return rec.children[pa.Offset()]
}

// breakpointForVirt returns the breakpoint record covering a kernel
// virtual address, or nil.
func (t *Tracer) breakpointForVirt(va libpf.Address) *breakpointRecord {
	pa, err := t.guest.TranslateKV2P(va)
	if err != nil || pa == 0 {
		return nil
	}
	return t.breakpointForPhys(pa)
}

// AttachSyscallCb attaches a callback pair to the named kernel
// function. The guest is paused around the installation.
func (t *Tracer) AttachSyscallCb(cb guestos.SyscallCallback) error {
	if err := t.guest.Pause(); err != nil {
		return fmt.Errorf("failed to pause guest: %w", err)
	}
	defer func() {
		if err := t.guest.Resume(); err != nil {
			log.Errorf("Failed to resume guest: %v", err)
		}
	}()

	va, err := t.guest.TranslateKSym2V(cb.Name)
	if err != nil || va == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, cb.Name)
	}

	_, err = t.installBreakpoint(va, cb)
	return err
}

// AttachSyscallCbs attaches every callback in the table and returns
// the number attached successfully. An entry with an empty name
// terminates the table; a failed registration is logged and skipped.
func (t *Tracer) AttachSyscallCbs(cbs []guestos.SyscallCallback) int {
	count := 0
	for i := range cbs {
		if t.interrupted.Load() || cbs[i].Name == "" {
			break
		}
		if err := t.AttachSyscallCb(cbs[i]); err != nil {
			log.Warnf("Skipping %s: %v", cbs[i].Name, err)
			continue
		}
		count++
	}
	return count
}
