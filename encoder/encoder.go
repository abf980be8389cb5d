// Package encoder decodes the quadrature signal of a rotary encoder into
// discrete direction events, with an optional time-windowed angular-velocity
// estimate layered on top.
//
// The decoder is a pure synchronous state machine: Update performs only pin
// reads, bit arithmetic and a fixed table lookup, so it is safe to call from
// an interrupt handler or a tight edge-event loop. Each decoder instance
// assumes single-owner, non-reentrant access; callers that share an instance
// across goroutines must synchronize externally.
package encoder

// Pin is the injected digital-input capability for one encoder phase line.
// Two independent pins (DT and CLK) are required per decoder.
type Pin interface {
	// IsHigh reports the current logic level of the line.
	IsHigh() (bool, error)
}

// Direction is the outcome of the most recent Update call. It is not
// cumulative: it resets to DirectionNone on every call that does not
// complete a detent.
type Direction uint8

const (
	// DirectionNone means the last update did not complete a detent.
	DirectionNone Direction = iota
	// DirectionClockwise means the last update completed a clockwise detent.
	DirectionClockwise
	// DirectionAnticlockwise means the last update completed an
	// anticlockwise detent.
	DirectionAnticlockwise
)

func (d Direction) String() string {
	switch d {
	case DirectionClockwise:
		return "clockwise"
	case DirectionAnticlockwise:
		return "anticlockwise"
	default:
		return "none"
	}
}

// Sensitivity is the number of net valid quadrature steps that make up one
// recognized detent. A larger value means a coarser, less sensitive knob.
type Sensitivity int8

const (
	// SensitivityDefault reports a detent every 2 net valid steps.
	SensitivityDefault Sensitivity = 2
	// SensitivityLow reports a detent every 4 net valid steps.
	SensitivityLow Sensitivity = 4
)

// states maps a 4-bit (previous sample, current sample) pair to a signed
// step. Valid single Gray-code transitions contribute +1 or -1; repeats and
// impossible double jumps map to 0 and are absorbed silently, which is what
// debounces contact chatter without any timers.
var states = [16]int8{0, -1, 1, 0, 1, 0, 0, -1, -1, 0, 0, 1, 0, 1, -1, 0}

// Decoder is a quadrature decoder for a two-phase rotary encoder. It takes
// exclusive ownership of both pins at construction; Release hands them back.
type Decoder struct {
	pinDT  Pin
	pinCLK Pin

	posCalc     int8
	sensitivity Sensitivity
	transition  uint8
	direction   Direction
}

// NewDecoder takes ownership of the DT and CLK input pins and returns a
// decoder with default sensitivity.
func NewDecoder(pinDT, pinCLK Pin) *Decoder {
	return &Decoder{
		pinDT:       pinDT,
		pinCLK:      pinCLK,
		sensitivity: SensitivityDefault,
		direction:   DirectionNone,
	}
}

// SetSensitivity changes how many net valid steps form one detent.
func (d *Decoder) SetSensitivity(s Sensitivity) {
	d.sensitivity = s
}

// Update advances the state machine. Call it once per detected edge on
// either pin, ideally from the interrupt vector or edge-event loop.
//
// A failed pin read degrades to "low" instead of surfacing an error: the
// hot path never fails, and a misread resolves itself on the next edge.
func (d *Decoder) Update() {
	dtHigh, err := d.pinDT.IsHigh()
	if err != nil {
		dtHigh = false
	}
	clkHigh, err := d.pinCLK.IsHigh()
	if err != nil {
		clkHigh = false
	}

	var current uint8
	if dtHigh {
		current |= 0b10
	}
	if clkHigh {
		current |= 0b01
	}

	// The low 4 bits of the history hold (previous sample, current sample).
	d.transition = (d.transition << 2) | current
	d.posCalc += states[d.transition&0x0F]

	threshold := int8(d.sensitivity)
	if d.posCalc == threshold || d.posCalc == -threshold {
		if d.posCalc == threshold {
			d.direction = DirectionClockwise
		} else {
			d.direction = DirectionAnticlockwise
		}
		d.posCalc = 0
		return
	}

	d.direction = DirectionNone
}

// Direction returns the direction computed by the last Update call.
func (d *Decoder) Direction() Direction {
	return d.direction
}

// Pins exposes the underlying pins without transferring ownership, so the
// caller can acknowledge or clear a pending hardware interrupt on them.
func (d *Decoder) Pins() (Pin, Pin) {
	return d.pinDT, d.pinCLK
}

// Release returns ownership of both pins to the caller. The decoder must
// not be used after Release.
func (d *Decoder) Release() (Pin, Pin) {
	dt, clk := d.pinDT, d.pinCLK
	d.pinDT = nil
	d.pinCLK = nil
	return dt, clk
}
