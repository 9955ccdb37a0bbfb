// Package clock re-exports k8s.io/utils/clock, the monotonic time source
// the teacher's kwok/ec2 client already depends on, so every component in
// this engine can be driven by a fake clock in tests instead of reaching
// for time.Now() directly.
package clock

import "k8s.io/utils/clock"

// Clock is the monotonic time source every component (spec.md Component A)
// is constructed with.
type Clock = clock.Clock

// PassiveClock is the read-only subset some components only need.
type PassiveClock = clock.PassiveClock

// RealClock is the production implementation backed by time.Now.
var RealClock = clock.RealClock{}
