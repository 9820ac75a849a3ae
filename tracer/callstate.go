// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer // import "github.com/slatrace/slatrace/tracer"

import (
	"fmt"

	"github.com/slatrace/slatrace/libpf"
)

// callInFlight is the state kept between a call-site hit and its
// matching return-site hit. The thread ID is the guest stack pointer
// at the call site; distinct kernel threads run on distinct kernel
// stacks, so it is unique among pending calls.
type callInFlight struct {
	threadID  libpf.Address
	record    *breakpointRecord
	userState any
}

// restoreReturnAddr rewrites a hijacked stack slot with the real
// return address. Needed at teardown so the guest kernel does not
// return into a trampoline that is no longer serviced.
func (t *Tracer) restoreReturnAddr(call *callInFlight) error {
	pa, err := t.guest.TranslateKV2P(call.threadID)
	if err != nil || pa == 0 {
		return fmt.Errorf("failed to restore stack slot at %#x, guest will likely fail: %w",
			call.threadID, err)
	}
	if err = t.mem.PutUint64(pa, uint64(t.returnAddr)); err != nil {
		return fmt.Errorf("failed to restore stack slot at %#x, guest will likely fail: %w",
			call.threadID, err)
	}
	return nil
}
