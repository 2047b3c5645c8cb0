package core

import "github.com/dotcommander/novelorc/internal/domain/novel"

// StopSignal reports externally-observed reasons to halt processing,
// checked at every safe breakpoint (before each chapter, each scene, each
// correction iteration).
type StopSignal struct {
	// Cancelled is set when the project was externally cancelled.
	Cancelled bool
	// CorrectionCancelled is the project-scoped "correction cancelled" flag.
	CorrectionCancelled bool
}

// TokenGate implements the single-field optimistic coordination primitive
// that enforces at-most-one-active-generation per project: no locking, just
// a comparison of the instance's held token against the project's stored
// token on every safe breakpoint.
type TokenGate struct {
	// heldToken is the generation token this orchestrator instance holds,
	// empty if it holds none.
	heldToken string
}

// NewTokenGate returns a gate holding the given token (empty string means
// "holds no token").
func NewTokenGate(heldToken string) *TokenGate {
	return &TokenGate{heldToken: heldToken}
}

// ShouldStopProcessing implements should_stop_processing: true if the
// project was cancelled, its correction-cancelled flag is set, or this
// instance's token no longer matches the project's stored token.
//
// Token validity: an instance holding a token must match the project's
// stored token exactly (including the both-empty case, which is valid —
// a fresh project with no token yet). An instance holding no token while
// the project now has one is a legacy process superseded by a newer one.
func (g *TokenGate) ShouldStopProcessing(project *novel.Project, signal StopSignal) bool {
	if signal.Cancelled || signal.CorrectionCancelled {
		return true
	}
	return !g.TokenValid(project.GenerationToken)
}

// TokenValid reports whether this instance's held token is still valid
// against the project's currently stored token.
func (g *TokenGate) TokenValid(storedToken string) bool {
	if g.heldToken == "" {
		// Holds no token: valid only if the project also has none yet.
		return storedToken == ""
	}
	return g.heldToken == storedToken
}

// HeldToken returns the token this gate instance holds.
func (g *TokenGate) HeldToken() string {
	return g.heldToken
}
