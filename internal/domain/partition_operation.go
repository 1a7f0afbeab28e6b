// Package domain contains core business entities for the IronPXE platform.
// This file defines queued partition operations and their typed parameter
// payloads.
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// OperationType identifies the kind of partition operation.
type OperationType string

const (
	OperationResize  OperationType = "resize"
	OperationCreate  OperationType = "create"
	OperationDelete  OperationType = "delete"
	OperationFormat  OperationType = "format"
	OperationMove    OperationType = "move"
	OperationSetFlag OperationType = "set_flag"
)

// Valid returns true for one of the six known operation kinds.
func (t OperationType) Valid() bool {
	switch t {
	case OperationResize, OperationCreate, OperationDelete,
		OperationFormat, OperationMove, OperationSetFlag:
		return true
	}
	return false
}

// OperationStatus is the lifecycle state of a queued operation.
type OperationStatus string

const (
	OperationStatusPending   OperationStatus = "pending"
	OperationStatusRunning   OperationStatus = "running"
	OperationStatusCompleted OperationStatus = "completed"
	OperationStatusFailed    OperationStatus = "failed"
)

// Terminal returns true for COMPLETED and FAILED.
func (s OperationStatus) Terminal() bool {
	return s == OperationStatusCompleted || s == OperationStatusFailed
}

// OperationParams is the closed union of per-kind parameter payloads. Each
// operation kind has exactly one concrete params type; decoding is keyed by
// the operation kind so an unknown or mismatched payload is rejected before
// it ever reaches a queue.
type OperationParams interface {
	isOperationParams()
}

// ResizeParams resizes a partition to a new size, keeping its start offset.
type ResizeParams struct {
	Partition    int32 `json:"partition"`
	NewSizeBytes int64 `json:"new_size_bytes"`
}

// CreateParams creates a new partition.
type CreateParams struct {
	StartBytes int64  `json:"start_bytes"`
	SizeBytes  int64  `json:"size_bytes"`
	Type       string `json:"type"`
	Filesystem string `json:"filesystem,omitempty"`
	Label      string `json:"label,omitempty"`
}

// DeleteParams removes a partition. Deleting a partition carrying the boot
// flag requires Override.
type DeleteParams struct {
	Partition int32 `json:"partition"`
	Override  bool  `json:"override,omitempty"`
}

// FormatParams creates (or grows, for offline-grow filesystems after a
// partition resize) a filesystem on a partition.
type FormatParams struct {
	Partition  int32  `json:"partition"`
	Filesystem string `json:"filesystem"`
	Label      string `json:"label,omitempty"`
}

// MoveParams shifts a partition to a new start offset. Move operations are
// only ever generated by the resize planner, never queued by users.
type MoveParams struct {
	Partition     int32 `json:"partition"`
	NewStartBytes int64 `json:"new_start_bytes"`
}

// SetFlagParams sets or clears a partition flag.
type SetFlagParams struct {
	Partition int32  `json:"partition"`
	Flag      string `json:"flag"`
	Value     bool   `json:"value"`
}

func (ResizeParams) isOperationParams()  {}
func (CreateParams) isOperationParams()  {}
func (DeleteParams) isOperationParams()  {}
func (FormatParams) isOperationParams()  {}
func (MoveParams) isOperationParams()    {}
func (SetFlagParams) isOperationParams() {}

// DecodeOperationParams unmarshals a raw params payload into the concrete
// type for the given operation kind.
func DecodeOperationParams(op OperationType, raw []byte) (OperationParams, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing params for operation %s", ErrInvalidArgument, op)
	}
	switch op {
	case OperationResize:
		var p ResizeParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case OperationCreate:
		var p CreateParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case OperationDelete:
		var p DeleteParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case OperationFormat:
		var p FormatParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case OperationMove:
		var p MoveParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case OperationSetFlag:
		var p SetFlagParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: unknown operation type %q", ErrInvalidArgument, op)
}

// PlanStep is one entry of a resize plan: an operation descriptor that has
// not been queued yet. Plans are replaceable, so steps carry no identity or
// status of their own.
type PlanStep struct {
	Operation OperationType   `json:"operation"`
	Params    OperationParams `json:"params"`
	Sequence  int32           `json:"sequence"`
}

type planStepJSON struct {
	Operation OperationType   `json:"operation"`
	Params    json.RawMessage `json:"params"`
	Sequence  int32           `json:"sequence"`
}

// UnmarshalJSON decodes the params payload into the concrete type keyed by
// the operation kind.
func (p *PlanStep) UnmarshalJSON(data []byte) error {
	var raw planStepJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	params, err := DecodeOperationParams(raw.Operation, raw.Params)
	if err != nil {
		return err
	}
	p.Operation = raw.Operation
	p.Params = params
	p.Sequence = raw.Sequence
	return nil
}

// PartitionOperation is one entry in a device's ordered operation queue.
// Sequence defines execution order and is unique per (node, device).
type PartitionOperation struct {
	ID           string          `json:"id"`
	NodeID       string          `json:"node_id"`
	SessionID    string          `json:"session_id,omitempty"`
	Device       string          `json:"device"`
	Operation    OperationType   `json:"operation"`
	Params       OperationParams `json:"params"`
	Sequence     int32           `json:"sequence"`
	Status       OperationStatus `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// partitionOperationJSON mirrors PartitionOperation with raw params for
// two-phase decoding.
type partitionOperationJSON struct {
	ID           string          `json:"id"`
	NodeID       string          `json:"node_id"`
	SessionID    string          `json:"session_id,omitempty"`
	Device       string          `json:"device"`
	Operation    OperationType   `json:"operation"`
	Params       json.RawMessage `json:"params"`
	Sequence     int32           `json:"sequence"`
	Status       OperationStatus `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// UnmarshalJSON decodes the params payload into the concrete type keyed by
// the operation kind.
func (o *PartitionOperation) UnmarshalJSON(data []byte) error {
	var raw partitionOperationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	params, err := DecodeOperationParams(raw.Operation, raw.Params)
	if err != nil {
		return err
	}
	o.ID = raw.ID
	o.NodeID = raw.NodeID
	o.SessionID = raw.SessionID
	o.Device = raw.Device
	o.Operation = raw.Operation
	o.Params = params
	o.Sequence = raw.Sequence
	o.Status = raw.Status
	o.ErrorMessage = raw.ErrorMessage
	o.CreatedAt = raw.CreatedAt
	o.UpdatedAt = raw.UpdatedAt
	return nil
}
