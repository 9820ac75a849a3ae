// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !xen

package domctl // import "github.com/slatrace/slatrace/domctl"

// Open returns a handle to the hypervisor control interface. This stub
// is built unless the xen build tag is set and always returns
// ErrNoBackend; this repository contains no binding for the xen tag.
func Open() (Control, error) {
	return nil, ErrNoBackend
}
