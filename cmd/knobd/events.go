package main

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Actions - runtime commands for the daemon loop
// ============================================================================
// Actions represent intent from external sources (IPC, future UI). The
// daemon loop is the single owner of the tracker and consumes these actions
// between edge events.
// ============================================================================

// Action is a marker interface for all daemon commands
type Action interface {
	actionMarker()
}

// SetSensitivity changes how many quadrature steps form one detent.
type SetSensitivity struct {
	Level string `json:"level"` // "default" or "low"
}

func (SetSensitivity) actionMarker() {}

// SetVelocityTuning adjusts the velocity engine. Zero-valued fields are
// left unchanged.
type SetVelocityTuning struct {
	IncFactor float64 `json:"inc_factor,omitempty"`
	DecFactor float64 `json:"dec_factor,omitempty"`
	ActionMS  uint64  `json:"action_ms,omitempty"`
}

func (SetVelocityTuning) actionMarker() {}

// ResetSteps zeroes the net detent counter.
type ResetSteps struct{}

func (ResetSteps) actionMarker() {}

// RequestSnapshot asks the daemon loop for the current state. Internal only
// (used by the WS server for state_init); not accepted over IPC.
type RequestSnapshot struct {
	Reply chan Snapshot `json:"-"`
}

func (RequestSnapshot) actionMarker() {}

// Snapshot is the daemon state handed to a newly connected WS client.
type Snapshot struct {
	Direction   string  `json:"direction"`
	Velocity    float64 `json:"velocity"`
	Steps       int64   `json:"steps"`
	Sensitivity string  `json:"sensitivity"`
}

// ============================================================================
// JSON envelope (IPC wire format)
// ============================================================================

// ActionEnvelope wraps an action with a type discriminator for JSON
type ActionEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalAction deserializes a JSON action envelope into a concrete Action
func UnmarshalAction(data []byte) (Action, error) {
	var env ActionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "set_sensitivity":
		var a SetSensitivity
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal SetSensitivity: %w", err)
		}
		return a, nil

	case "set_velocity_tuning":
		var a SetVelocityTuning
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("unmarshal SetVelocityTuning: %w", err)
		}
		return a, nil

	case "reset_steps":
		return ResetSteps{}, nil

	default:
		return nil, fmt.Errorf("unknown action type: %q", env.Type)
	}
}

// MarshalAction serializes an Action into a JSON envelope with type discriminator
func MarshalAction(a Action) ([]byte, error) {
	var env ActionEnvelope

	switch a := a.(type) {
	case SetSensitivity:
		env.Type = "set_sensitivity"
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal SetSensitivity: %w", err)
		}
		env.Data = data

	case SetVelocityTuning:
		env.Type = "set_velocity_tuning"
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal SetVelocityTuning: %w", err)
		}
		env.Data = data

	case ResetSteps:
		env.Type = "reset_steps"

	default:
		return nil, fmt.Errorf("unsupported action type: %T", a)
	}

	return json.Marshal(env)
}

// ============================================================================
// WS outbound events
// ============================================================================

// wsOutboundEvent is a state event ready for broadcast to WS clients.
type wsOutboundEvent struct {
	Type string
	Data any
	At   time.Time // zero means "stamp at marshal time"
}

// wsEnvelope is the wire format envelope for WS messages.
type wsEnvelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

// wsDirectionData is the `data` payload for "direction" events.
type wsDirectionData struct {
	Direction string  `json:"direction"`
	Velocity  float64 `json:"velocity"`
	Steps     int64   `json:"steps"`
}

// wsVelocityData is the `data` payload for "velocity" events.
type wsVelocityData struct {
	Velocity float64 `json:"velocity"`
}

// wsSensitivityData is the `data` payload for "sensitivity_changed".
type wsSensitivityData struct {
	Sensitivity string `json:"sensitivity"`
}

// marshalOutbound converts an outbound event to a WS JSON frame.
func marshalOutbound(ev wsOutboundEvent) ([]byte, error) {
	ts := ev.At
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return json.Marshal(wsEnvelope{
		Type: ev.Type,
		Ts:   &ts,
		Data: ev.Data,
	})
}
