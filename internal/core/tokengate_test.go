package core

import (
	"testing"

	"github.com/dotcommander/novelorc/internal/domain/novel"
)

func TestTokenGateBothEmptyIsValid(t *testing.T) {
	gate := NewTokenGate("")
	if !gate.TokenValid("") {
		t.Fatalf("both-empty token comparison must be valid")
	}
}

func TestTokenGateOneEmptyIsInvalid(t *testing.T) {
	gate := NewTokenGate("")
	if gate.TokenValid("T2") {
		t.Fatalf("a legacy instance holding no token must be invalid once the project has one")
	}
}

// Instance A holds T1, instance B writes T2; A's
// next should_stop_processing call must return true.
func TestTokenGateDetectsSupersession(t *testing.T) {
	instanceA := NewTokenGate("T1")
	project := &novel.Project{GenerationToken: "T1"}

	if instanceA.ShouldStopProcessing(project, StopSignal{}) {
		t.Fatalf("instance A must not stop while it still holds the current token")
	}

	project.GenerationToken = "T2" // instance B supersedes.

	if !instanceA.ShouldStopProcessing(project, StopSignal{}) {
		t.Fatalf("instance A must stop once its held token no longer matches the stored token")
	}
}

func TestTokenGateStopsOnCancellationRegardlessOfToken(t *testing.T) {
	gate := NewTokenGate("T1")
	project := &novel.Project{GenerationToken: "T1"}
	if !gate.ShouldStopProcessing(project, StopSignal{Cancelled: true}) {
		t.Fatalf("explicit cancellation must stop processing even with a matching token")
	}
	if !gate.ShouldStopProcessing(project, StopSignal{CorrectionCancelled: true}) {
		t.Fatalf("correction-cancelled flag must stop processing even with a matching token")
	}
}
