package encoder

// Velocity tuning defaults. An increment of 0.2 per in-window detent reaches
// full speed after five quick clicks; a decrement of 0.01 per decay call
// cools down smoothly on a caller-scheduled timer.
const (
	DefaultVelocityIncFactor = 0.2
	DefaultVelocityDecFactor = 0.01
	DefaultVelocityActionMS  = 25
)

// Tracker wraps a Decoder and derives a smoothed angular-velocity scalar in
// [0.0, 1.0] from the timing between direction events. It shares the
// decoder's execution model: no allocation, no locking, no error paths.
//
// Update must be fed a monotonically non-decreasing timestamp by the caller;
// DecayVelocity runs on an independent cadence so velocity relaxes to zero
// when rotation stops.
type Tracker struct {
	inner *Decoder

	velocity     float64
	incFactor    float64
	decFactor    float64
	actionMS     uint64
	previousTime uint64
}

// NewTracker takes ownership of both input pins and wraps a fresh decoder
// with default velocity tuning.
func NewTracker(pinDT, pinCLK Pin) *Tracker {
	return &Tracker{
		inner:     NewDecoder(pinDT, pinCLK),
		incFactor: DefaultVelocityIncFactor,
		decFactor: DefaultVelocityDecFactor,
		actionMS:  DefaultVelocityActionMS,
	}
}

// SetVelocityIncFactor sets how much each in-window detent raises velocity.
func (t *Tracker) SetVelocityIncFactor(f float64) {
	t.incFactor = f
}

// SetVelocityDecFactor sets how much each DecayVelocity call lowers velocity.
func (t *Tracker) SetVelocityDecFactor(f float64) {
	t.decFactor = f
}

// SetVelocityActionMS sets the window (milliseconds) within which a detent
// counts as "fast" and raises velocity.
func (t *Tracker) SetVelocityActionMS(ms uint64) {
	t.actionMS = ms
}

// SetSensitivity forwards to the wrapped decoder.
func (t *Tracker) SetSensitivity(s Sensitivity) {
	t.inner.SetSensitivity(s)
}

// DecayVelocity lowers velocity by the decrement factor, clamped at 0.0.
// Call it periodically (timer or main loop), independent of Update.
func (t *Tracker) DecayVelocity() {
	t.velocity -= t.decFactor
	if t.velocity < 0.0 {
		t.velocity = 0.0
	}
}

// Update advances the wrapped decoder and folds the elapsed time into the
// velocity estimate. currentTime is a caller-supplied timestamp in
// milliseconds and must be non-decreasing across calls.
//
// The previous-time marker only advances on quiet samples (direction None).
// Consecutive detents inside the action window are therefore all measured
// against the last quiet moment and keep boosting velocity until motion
// pauses. Keep this condition as is: moving the timestamp update to every
// call changes the velocity dynamics.
func (t *Tracker) Update(currentTime uint64) {
	t.inner.Update()

	if t.inner.Direction() != DirectionNone {
		if currentTime-t.previousTime < t.actionMS && t.velocity < 1.0 {
			t.velocity += t.incFactor
			if t.velocity > 1.0 {
				t.velocity = 1.0
			}
		}
		return
	}

	t.previousTime = currentTime
}

// Direction returns the direction computed by the last Update call.
func (t *Tracker) Direction() Direction {
	return t.inner.Direction()
}

// Velocity returns the current angular-velocity estimate in [0.0, 1.0].
// It is useful for scaling a value change exponentially with spin speed.
func (t *Tracker) Velocity() float64 {
	return t.velocity
}

// Inner exposes the wrapped decoder for direct reconfiguration.
func (t *Tracker) Inner() *Decoder {
	return t.inner
}

// Pins exposes the underlying pins without transferring ownership.
func (t *Tracker) Pins() (Pin, Pin) {
	return t.inner.Pins()
}

// Release returns ownership of both pins to the caller. The tracker must
// not be used after Release.
func (t *Tracker) Release() (Pin, Pin) {
	return t.inner.Release()
}
