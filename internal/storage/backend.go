// Package storage provides staging area backends for staged clone sessions.
//
// A staged clone parks the source image on intermediate storage so the
// source node can be released before any target exists. Backends differ in
// where that intermediate storage lives: a directory tree on the controller
// host (path), a pool of raw volumes (block), or a remote staging depot
// reached over HTTP (depot). The clone service picks one per session through
// the Registry and never touches backend internals directly.
package storage

import (
	"context"

	"github.com/ironpxe/ironpxe/internal/domain"
)

// Backend allocates and releases staging areas.
type Backend interface {
	// ID uniquely names this backend instance. Staging records carry it so
	// teardown finds its way back to the owning backend after a restart.
	ID() string

	// Kind reports the backend family: "path", "block" or "depot".
	Kind() string

	// Provision allocates a staging area large enough for sizeBytes and
	// returns its record with Status left at pending. The caller owns the
	// state machine.
	Provision(ctx context.Context, sessionID string, sizeBytes int64) (*domain.StagingInfo, error)

	// Delete releases the staging area. Deleting an area that is already
	// gone is not an error.
	Delete(ctx context.Context, info *domain.StagingInfo) error

	// FreeBytes reports how large an allocation this backend could currently
	// satisfy. Used by the most_free selection strategy.
	FreeBytes(ctx context.Context) (int64, error)

	// Directions tells an agent how to reach the staging area.
	Directions(info *domain.StagingInfo) Directions
}

// Directions is the agent-facing locator for a staging area. Exactly one of
// Path or URL is set depending on the backend kind. Token authenticates
// depot access and is empty for the other kinds.
type Directions struct {
	Kind  string `json:"kind"`
	Path  string `json:"path,omitempty"`
	URL   string `json:"url,omitempty"`
	Token string `json:"token,omitempty"`
}
