// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "github.com/slatrace/slatrace/libpf"

// PID represents a guest process ID as reported by the VMI layer.
type PID int32

func (p PID) Hash32() uint32 {
	return uint32(p)
}
