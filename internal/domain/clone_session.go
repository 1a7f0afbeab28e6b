package domain

import (
	"fmt"
	"time"
)

// CloneMode selects how disk bytes travel between the two agents. Fixed at
// session creation.
type CloneMode string

const (
	// CloneModeDirect streams the disk over a mutual-TLS socket from the
	// source agent straight to the target agent.
	CloneModeDirect CloneMode = "direct"
	// CloneModeStaged uploads the disk image to a storage backend first and
	// lets one or more targets download it later.
	CloneModeStaged CloneMode = "staged"
)

// Valid returns true for a known clone mode.
func (m CloneMode) Valid() bool {
	return m == CloneModeDirect || m == CloneModeStaged
}

// SessionStatus is the top-level state of a clone session.
type SessionStatus string

const (
	SessionStatusPending     SessionStatus = "pending"
	SessionStatusSourceReady SessionStatus = "source_ready"
	SessionStatusCloning     SessionStatus = "cloning"
	SessionStatusCompleted   SessionStatus = "completed"
	SessionStatusFailed      SessionStatus = "failed"
	SessionStatusCancelled   SessionStatus = "cancelled"
)

// Terminal returns true once a session can no longer change state.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled:
		return true
	}
	return false
}

// Valid returns true for a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusPending, SessionStatusSourceReady, SessionStatusCloning,
		SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled:
		return true
	}
	return false
}

// StagingStatus is the nested sub-state of a staged session's image.
type StagingStatus string

const (
	StagingStatusPending     StagingStatus = "pending"
	StagingStatusProvisioned StagingStatus = "provisioned"
	StagingStatusUploading   StagingStatus = "uploading"
	StagingStatusReady       StagingStatus = "ready"
	StagingStatusDownloading StagingStatus = "downloading"
	StagingStatusCleanup     StagingStatus = "cleanup"
	StagingStatusDeleted     StagingStatus = "deleted"
)

// Valid returns true for a known staging status.
func (s StagingStatus) Valid() bool {
	switch s {
	case StagingStatusPending, StagingStatusProvisioned, StagingStatusUploading,
		StagingStatusReady, StagingStatusDownloading, StagingStatusCleanup,
		StagingStatusDeleted:
		return true
	}
	return false
}

// ResizeMode selects how the partition layout is adjusted when source and
// target disks differ in size.
type ResizeMode string

const (
	ResizeModeNone         ResizeMode = "none"
	ResizeModeShrinkSource ResizeMode = "shrink_source"
	ResizeModeGrowTarget   ResizeMode = "grow_target"
)

// Valid returns true for a known resize mode.
func (m ResizeMode) Valid() bool {
	switch m {
	case ResizeModeNone, ResizeModeShrinkSource, ResizeModeGrowTarget:
		return true
	}
	return false
}

// TransferPhase is the fine-grained activity reported by agents while the
// session status is cloning. Informational only; never gates a transition.
type TransferPhase string

const (
	TransferPhaseTransferring TransferPhase = "transferring"
	TransferPhaseVerifying    TransferPhase = "verifying"
	TransferPhaseResizing     TransferPhase = "resizing"
)

// Valid returns true for a known transfer phase.
func (p TransferPhase) Valid() bool {
	switch p {
	case TransferPhaseTransferring, TransferPhaseVerifying, TransferPhaseResizing:
		return true
	}
	return false
}

// StagingInfo tracks the backend-allocated space holding an in-transit disk
// image for a staged session.
type StagingInfo struct {
	BackendID string        `json:"backend_id"`
	Path      string        `json:"path"`
	SizeBytes int64         `json:"size_bytes"`
	Status    StagingStatus `json:"status"`
	// Retain keeps the uploaded image after the first download completes so
	// additional sessions can reuse it without a second upload.
	Retain bool `json:"retain,omitempty"`
	// ReusedFrom is the id of the session whose retained image this session
	// downloads. Sessions that reuse an image never upload and never own the
	// backend resource.
	ReusedFrom string `json:"reused_from,omitempty"`
}

// CloneSession is the aggregate root for one disk clone between two nodes.
type CloneSession struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`

	Mode   CloneMode     `json:"mode"`
	Status SessionStatus `json:"status"`
	Phase  TransferPhase `json:"phase,omitempty"`

	SourceNodeID string `json:"source_node_id"`
	TargetNodeID string `json:"target_node_id,omitempty"`
	SourceDevice string `json:"source_device"`
	TargetDevice string `json:"target_device"`

	// Direct-mode endpoint the target dials, reported by the source agent in
	// its readiness callback.
	SourceIP   string `json:"source_ip,omitempty"`
	SourcePort int32  `json:"source_port,omitempty"`

	SourceCertificate *SessionCertificate `json:"source_certificate,omitempty"`
	TargetCertificate *SessionCertificate `json:"target_certificate,omitempty"`

	Staging *StagingInfo `json:"staging,omitempty"`

	ResizeMode    ResizeMode `json:"resize_mode"`
	PartitionPlan []PlanStep `json:"partition_plan,omitempty"`

	BytesTotal       *int64 `json:"bytes_total,omitempty"`
	BytesTransferred int64  `json:"bytes_transferred"`
	TransferRateBps  int64  `json:"transfer_rate_bps"`

	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// sessionTransitions is the legal forward edge set of the top-level machine.
// failed and cancelled are handled separately: both are reachable from any
// non-terminal state.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusPending:     {SessionStatusSourceReady},
	SessionStatusSourceReady: {SessionStatusCloning},
	SessionStatusCloning:     {SessionStatusCompleted},
}

// stagingTransitions is the legal edge set of the nested staging machine.
// Every non-terminal state may enter cleanup so cancellation and retained
// image release share one teardown path. downloading may return to ready,
// but only for retained images (enforced in TransitionStagingTo).
var stagingTransitions = map[StagingStatus][]StagingStatus{
	StagingStatusPending:     {StagingStatusProvisioned, StagingStatusCleanup},
	StagingStatusProvisioned: {StagingStatusUploading, StagingStatusCleanup},
	StagingStatusUploading:   {StagingStatusReady, StagingStatusCleanup},
	StagingStatusReady:       {StagingStatusDownloading, StagingStatusCleanup},
	StagingStatusDownloading: {StagingStatusReady, StagingStatusCleanup},
	StagingStatusCleanup:     {StagingStatusDeleted},
	StagingStatusDeleted:     {},
}

// CanTransitionTo reports whether moving the top-level status to target is
// legal from the current state. Same-state moves are legal no-ops so retried
// callbacks stay idempotent.
func (s *CloneSession) CanTransitionTo(target SessionStatus) bool {
	if s.Status == target {
		return true
	}
	if target == SessionStatusFailed || target == SessionStatusCancelled {
		return !s.Status.Terminal()
	}
	for _, next := range sessionTransitions[s.Status] {
		if next == target {
			return true
		}
	}
	return false
}

// TransitionTo advances the top-level status, enforcing the composed
// outer/inner rules: direct sessions need an assigned target before cloning,
// and staged sessions complete only once the image is deleted or explicitly
// retained in the ready state. A same-state call is a no-op.
func (s *CloneSession) TransitionTo(target SessionStatus) error {
	if s.Status == target {
		return nil
	}
	if !s.CanTransitionTo(target) {
		return fmt.Errorf("%w: session %s cannot move from %s to %s",
			ErrInvalidTransition, s.ID, s.Status, target)
	}
	switch target {
	case SessionStatusCloning:
		if s.Mode == CloneModeDirect && s.TargetNodeID == "" {
			return fmt.Errorf("%w: direct session %s cannot enter cloning without a target node",
				ErrInvalidTransition, s.ID)
		}
	case SessionStatusCompleted:
		if s.Mode == CloneModeStaged {
			if s.Staging == nil {
				return fmt.Errorf("%w: staged session %s has no staging state",
					ErrInvalidTransition, s.ID)
			}
			retained := s.Staging.Retain && s.Staging.Status == StagingStatusReady
			if s.Staging.Status != StagingStatusDeleted && !retained {
				return fmt.Errorf("%w: staged session %s cannot complete with staging %s",
					ErrInvalidTransition, s.ID, s.Staging.Status)
			}
		}
	}
	now := time.Now()
	s.Status = target
	s.UpdatedAt = now
	switch target {
	case SessionStatusSourceReady:
		if s.StartedAt == nil {
			s.StartedAt = &now
		}
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusCancelled:
		if s.CompletedAt == nil {
			s.CompletedAt = &now
		}
	}
	return nil
}

// TransitionStagingTo advances the nested staging machine. Once the session
// itself is terminal only the teardown edges (cleanup, deleted) remain legal,
// so a finished session can never re-enter the transfer path.
func (s *CloneSession) TransitionStagingTo(target StagingStatus) error {
	if s.Mode != CloneModeStaged || s.Staging == nil {
		return fmt.Errorf("%w: session %s has no staging state", ErrInvalidArgument, s.ID)
	}
	current := s.Staging.Status
	if current == target {
		return nil
	}
	legal := false
	for _, next := range stagingTransitions[current] {
		if next == target {
			legal = true
			break
		}
	}
	if !legal {
		return fmt.Errorf("%w: staging for session %s cannot move from %s to %s",
			ErrInvalidTransition, s.ID, current, target)
	}
	if current == StagingStatusDownloading && target == StagingStatusReady && !s.Staging.Retain {
		return fmt.Errorf("%w: staging for session %s is not retained and cannot return to ready",
			ErrInvalidTransition, s.ID)
	}
	if s.Status.Terminal() && target != StagingStatusCleanup && target != StagingStatusDeleted {
		return fmt.Errorf("%w: staging for session %s cannot move to %s after session %s",
			ErrInvalidTransition, s.ID, target, s.Status)
	}
	s.Staging.Status = target
	s.UpdatedAt = time.Now()
	return nil
}

// Fail marks the session failed with a reason. The first terminal failure
// wins: failing an already-failed session keeps the original message, and
// failing a completed or cancelled session is rejected.
func (s *CloneSession) Fail(message string) error {
	if s.Status == SessionStatusFailed {
		return nil
	}
	if err := s.TransitionTo(SessionStatusFailed); err != nil {
		return err
	}
	s.ErrorMessage = message
	return nil
}

// Cancel marks the session cancelled. Cancelling twice is a no-op; cancelling
// a completed or failed session is rejected.
func (s *CloneSession) Cancel() error {
	if s.Status == SessionStatusCancelled {
		return nil
	}
	return s.TransitionTo(SessionStatusCancelled)
}

// ApplyProgress folds one progress callback into the session. The stored
// bytesTransferred never decreases and never exceeds bytesTotal once the
// total is known, so re-delivered or out-of-order callbacks are safe. The
// transfer rate is always overwritten; it is instantaneous, not cumulative.
func (s *CloneSession) ApplyProgress(bytesTransferred, rateBps int64, bytesTotal *int64, phase TransferPhase) error {
	if s.Status.Terminal() {
		return fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, s.ID, s.Status)
	}
	if bytesTransferred < 0 || rateBps < 0 {
		return fmt.Errorf("%w: progress values must be non-negative", ErrInvalidArgument)
	}
	if phase != "" {
		if !phase.Valid() {
			return fmt.Errorf("%w: unknown transfer phase %q", ErrInvalidArgument, phase)
		}
		s.Phase = phase
	}
	if bytesTotal != nil && *bytesTotal > 0 {
		total := *bytesTotal
		s.BytesTotal = &total
	}
	if bytesTransferred > s.BytesTransferred {
		s.BytesTransferred = bytesTransferred
	}
	if s.BytesTotal != nil && s.BytesTransferred > *s.BytesTotal {
		s.BytesTransferred = *s.BytesTotal
	}
	s.TransferRateBps = rateBps
	s.UpdatedAt = time.Now()
	return nil
}

// ProgressPercent returns transfer completion in the range [0,100], or -1
// while the total is unknown.
func (s *CloneSession) ProgressPercent() float64 {
	if s.BytesTotal == nil || *s.BytesTotal <= 0 {
		return -1
	}
	pct := float64(s.BytesTransferred) / float64(*s.BytesTotal) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// StagingReadyForDownload reports whether a target may begin downloading the
// staged image.
func (s *CloneSession) StagingReadyForDownload() bool {
	return s.Mode == CloneModeStaged && s.Staging != nil &&
		s.Staging.Status == StagingStatusReady
}

// Validate checks cross-field invariants that must hold in every state.
func (s *CloneSession) Validate() error {
	if !s.Mode.Valid() {
		return fmt.Errorf("%w: unknown clone mode %q", ErrInvalidArgument, s.Mode)
	}
	if s.SourceNodeID == "" {
		return NewValidationError("source node is required")
	}
	if s.TargetNodeID != "" && s.TargetNodeID == s.SourceNodeID {
		return NewValidationError("source and target nodes must differ")
	}
	if !s.ResizeMode.Valid() {
		return fmt.Errorf("%w: unknown resize mode %q", ErrInvalidArgument, s.ResizeMode)
	}
	if s.Mode == CloneModeStaged && s.Staging == nil && s.Status != SessionStatusPending {
		return NewValidationError("staged session is missing staging state")
	}
	return nil
}
