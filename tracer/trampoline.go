// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer // import "github.com/slatrace/slatrace/tracer"

import (
	"bytes"
	"fmt"

	"github.com/slatrace/slatrace/libpf"
	"github.com/slatrace/slatrace/vmi"
)

// findTrampolineAddr scans the first page of the syscall entry handler
// for a pre-existing INT3 byte and returns its virtual address. The
// byte is part of the kernel image and unreachable in normal
// execution, which makes it a free return-site breakpoint: nothing has
// to be emplaced, and there is no second class of foreign bytes the
// guest might checksum.
func (t *Tracer) findTrampolineAddr() (libpf.Address, error) {
	// LSTAR is constant across VCPUs.
	lstar, err := t.guest.GetVCPUReg(vmi.RegMSRLstar, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to read MSR_LSTAR: %w", err)
	}

	entry := libpf.Address(lstar)
	pa, err := t.guest.TranslateKV2P(entry)
	if err != nil || pa == 0 {
		return 0, fmt.Errorf("%w: syscall entry %#x", ErrTranslation, entry)
	}

	code := make([]byte, libpf.PageSize)
	if err = t.guest.ReadPhys(pa, code); err != nil {
		return 0, fmt.Errorf("failed to read syscall entry page at %#x: %w", pa, err)
	}

	idx := bytes.IndexByte(code, breakpointInst)
	if idx < 0 {
		return 0, fmt.Errorf("no INT3 byte within a page of %#x", entry)
	}

	return entry + libpf.Address(idx), nil
}
