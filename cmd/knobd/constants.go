package main

import "time"

// Daemon defaults
const (
	defaultGPIOChip = "/dev/gpiochip0"
	defaultLineDT   = 17
	defaultLineCLK  = 27
	defaultConsumer = "knobd"

	// Velocity decay cadence. At the library's default decrement of 0.01
	// per call, 50 Hz lets a full-speed knob cool down in two seconds.
	defaultDecayHz = 50

	defaultListenAddr = ":3501"
	defaultWSPath     = "/ws"
	defaultIPCSocket  = "/tmp/knobd.sock"
)

// velocityCoalesceWindow rate-limits velocity broadcasts: decay ticks arrive
// at decay_hz but clients only need the latest value every so often. A drop
// to exactly zero is always broadcast so clients see the knob settle.
const velocityCoalesceWindow = 100 * time.Millisecond
