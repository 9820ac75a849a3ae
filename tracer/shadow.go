// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer // import "github.com/slatrace/slatrace/tracer"

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/slatrace/slatrace/domctl"
	"github.com/slatrace/slatrace/libpf"
	"github.com/slatrace/slatrace/vmi"
)

// pageRecord describes one instrumented kernel-code frame. Its
// children are the breakpoints within the frame, keyed by page offset.
type pageRecord struct {
	frame       libpf.Frame
	shadowFrame libpf.Frame
	children    map[uint64]*breakpointRecord
}

// allocateShadowFrame grows the guest's reservation by one page and
// returns the newly populated frame. On any sub-step failure the
// reservation accounting is unwound so currMemSize reflects reality.
func (t *Tracer) allocateShadowFrame() (libpf.Frame, error) {
	proposed := t.currMemSize + libpf.PageSize
	if err := t.ctl.SetMaxMem(t.dom, proposed); err != nil {
		return 0, fmt.Errorf("%w: failed to raise maxmem to %#x: %v",
			ErrAllocation, proposed, err)
	}
	t.currMemSize = proposed

	frame, err := t.ctl.IncreaseReservation(t.dom)
	if err != nil {
		t.shrinkMaxMem()
		return 0, fmt.Errorf("%w: failed to increase reservation: %v",
			ErrAllocation, err)
	}

	populated, err := t.ctl.PopulatePhysmap(t.dom, frame)
	if err != nil {
		if decErr := t.ctl.DecreaseReservation(t.dom, frame); decErr != nil {
			log.Warnf("Failed to release unpopulated frame %#x: %v", frame, decErr)
		}
		t.shrinkMaxMem()
		return 0, fmt.Errorf("%w: failed to populate frame %#x: %v",
			ErrAllocation, frame, err)
	}

	return populated, nil
}

func (t *Tracer) shrinkMaxMem() {
	t.currMemSize -= libpf.PageSize
	if err := t.ctl.SetMaxMem(t.dom, t.currMemSize); err != nil {
		log.Warnf("Failed to lower maxmem to %#x: %v", t.currMemSize, err)
	}
}

// freeShadowFrame releases a shadow frame and lowers the reservation
// accordingly.
func (t *Tracer) freeShadowFrame(frame libpf.Frame) error {
	err := t.ctl.DecreaseReservation(t.dom, frame)
	if err != nil {
		err = fmt.Errorf("failed to release shadow frame %#x: %w", frame, err)
	}
	t.shrinkMaxMem()
	return err
}

// ensurePageRecord returns the page record covering the original
// frame, creating the shadow copy and the monitoring subscriptions if
// this is the first breakpoint on the frame. The second return value
// reports whether the record was created by this call.
//
// Nothing is inserted into the engine maps until every hypervisor-side
// step has succeeded.
func (t *Tracer) ensurePageRecord(frame libpf.Frame) (*pageRecord, bool, error) {
	if shadow, ok := t.pageTranslation[frame]; ok {
		rec, ok := t.pageRecords[shadow]
		if !ok {
			return nil, false, fmt.Errorf("shadow frame %#x has no page record",
				shadow)
		}
		return rec, false, nil
	}

	shadow, err := t.allocateShadowFrame()
	if err != nil {
		return nil, false, err
	}

	// The shadow must be byte-exact before any breakpoint is emplaced.
	page, err := t.mem.ReadPage(frame)
	if err == nil {
		err = t.mem.WritePage(shadow, page)
	}
	if err != nil {
		t.unwindShadowFrame(frame, shadow, false)
		return nil, false, fmt.Errorf("failed to copy frame %#x to shadow %#x: %w",
			frame, shadow, err)
	}

	if err = t.ctl.ChangeGFN(t.dom, t.shadowView, frame, shadow); err != nil {
		t.unwindShadowFrame(frame, shadow, false)
		return nil, false, fmt.Errorf("failed to map shadow frame %#x: %w",
			shadow, err)
	}

	// Trap guest reads and writes of this frame while the shadow view
	// is active; kernel integrity checks show up here.
	if err = t.guest.SetMemAccess(frame, vmi.AccessRW, uint16(t.shadowView)); err != nil {
		t.unwindShadowFrame(frame, shadow, true)
		return nil, false, fmt.Errorf("failed to monitor frame %#x: %w",
			frame, err)
	}

	rec := &pageRecord{
		frame:       frame,
		shadowFrame: shadow,
		children:    make(map[uint64]*breakpointRecord),
	}
	t.pageTranslation[frame] = shadow
	t.pageRecords[shadow] = rec
	t.statPages.Add(1)

	log.Debugf("Created page record %#x -> shadow %#x", frame, shadow)
	return rec, true, nil
}

func (t *Tracer) unwindShadowFrame(frame, shadow libpf.Frame, mapped bool) {
	if mapped {
		if err := t.ctl.ChangeGFN(t.dom, t.shadowView, frame,
			domctl.FrameNone); err != nil {
			log.Warnf("Failed to unmap shadow frame %#x: %v", shadow, err)
		}
	}
	if err := t.freeShadowFrame(shadow); err != nil {
		log.Warnf("%v", err)
	}
}

// destroyPageRecord stops monitoring the original frame, restores the
// original bytes under every child breakpoint, unmaps the shadow slot
// from the shadow view and releases the shadow frame. The caller
// removes the record from the engine maps.
func (t *Tracer) destroyPageRecord(rec *pageRecord) error {
	var errs []error

	for offset, bp := range rec.children {
		if err := t.removeBreakpoint(bp); err != nil {
			errs = append(errs, fmt.Errorf(
				"failed to restore byte at shadow %#x offset %#x: %w",
				rec.shadowFrame, offset, err))
		}
		delete(rec.children, offset)
		t.statBreakpoints.Add(-1)
	}

	if err := t.guest.SetMemAccess(rec.frame, vmi.AccessNone,
		uint16(t.shadowView)); err != nil {
		errs = append(errs, fmt.Errorf("failed to unmonitor frame %#x: %w",
			rec.frame, err))
	}

	if err := t.ctl.ChangeGFN(t.dom, t.shadowView, rec.frame,
		domctl.FrameNone); err != nil {
		errs = append(errs, fmt.Errorf("failed to unmap shadow of frame %#x: %w",
			rec.frame, err))
	}

	if err := t.freeShadowFrame(rec.shadowFrame); err != nil {
		errs = append(errs, err)
	}
	t.statPages.Add(-1)

	return errors.Join(errs...)
}
