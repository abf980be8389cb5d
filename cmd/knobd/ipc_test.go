package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func startTestIPCServer(t *testing.T) (string, chan Action) {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "knobd-test.sock")
	actions := make(chan Action, 8)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() {
		done <- runIPCServer(ctx, socketPath, actions, testLogger())
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(1 * time.Second):
			t.Error("timeout waiting for IPC server to stop")
		}
	})

	// Wait for the listener to come up.
	eventually(t, 1*time.Second, func() bool {
		err := SendIPCAction(socketPath, ResetSteps{})
		if err == nil {
			// Drain the probe action.
			<-actions
			return true
		}
		return false
	}, "IPC server did not start")

	return socketPath, actions
}

func TestIPC_ActionRoundTrip(t *testing.T) {
	socketPath, actions := startTestIPCServer(t)

	if err := SendIPCAction(socketPath, SetSensitivity{Level: "low"}); err != nil {
		t.Fatalf("SendIPCAction failed: %v", err)
	}

	select {
	case act := <-actions:
		a, ok := act.(SetSensitivity)
		if !ok {
			t.Fatalf("expected SetSensitivity, got %T", act)
		}
		if a.Level != "low" {
			t.Errorf("expected level %q, got %q", "low", a.Level)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for action to reach the daemon channel")
	}
}

func TestIPC_VelocityTuningRoundTrip(t *testing.T) {
	socketPath, actions := startTestIPCServer(t)

	want := SetVelocityTuning{IncFactor: 0.3, DecFactor: 0.02, ActionMS: 40}
	if err := SendIPCAction(socketPath, want); err != nil {
		t.Fatalf("SendIPCAction failed: %v", err)
	}

	select {
	case act := <-actions:
		a, ok := act.(SetVelocityTuning)
		if !ok {
			t.Fatalf("expected SetVelocityTuning, got %T", act)
		}
		if a != want {
			t.Errorf("expected %+v, got %+v", want, a)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for action to reach the daemon channel")
	}
}
