// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package times // import "github.com/slatrace/slatrace/times"

import "time"

// Times holds the intervals and timeouts used across the tracer in a
// central place and comes with Getters to read them.
type Times struct {
	eventPollTimeout time.Duration
	monitorInterval  time.Duration
}

// IntervalsAndTimers is a meta-interface that exists purely to document
// its functionality.
type IntervalsAndTimers interface {
	// EventPollTimeout defines how long a single hypervisor event wait
	// may block; the loop re-checks its termination flag in between.
	EventPollTimeout() time.Duration
	// MonitorInterval defines the interval for logging engine
	// statistics.
	MonitorInterval() time.Duration
}

var _ IntervalsAndTimers = (*Times)(nil)

func (t *Times) EventPollTimeout() time.Duration { return t.eventPollTimeout }

func (t *Times) MonitorInterval() time.Duration { return t.monitorInterval }

// New returns a Times instance with the given durations.
func New(eventPollTimeout, monitorInterval time.Duration) *Times {
	return &Times{
		eventPollTimeout: eventPollTimeout,
		monitorInterval:  monitorInterval,
	}
}
