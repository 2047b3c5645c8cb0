package core

import (
	"context"
)

// Agent is the minimal surface the orchestration layer needs from an
// LLM-backed role agent, independent of which provider client backs it.
type Agent interface {
	Execute(ctx context.Context, prompt string, input any) (string, error)
	ExecuteJSON(ctx context.Context, prompt string, input any) (string, error)
}

// Storage is the raw byte-oriented persistence surface that checkpoint
// mechanisms (scene progress, World Bible snapshots) run on top of.
type Storage interface {
	Save(ctx context.Context, path string, data []byte) error
	Load(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, pattern string) ([]string, error)
	Exists(ctx context.Context, path string) bool
	Delete(ctx context.Context, path string) error
}