package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeOperationParams(t *testing.T) {
	params, err := DecodeOperationParams(OperationResize, []byte(`{"partition":2,"new_size_bytes":1073741824}`))
	if err != nil {
		t.Fatalf("DecodeOperationParams failed: %v", err)
	}
	resize, ok := params.(ResizeParams)
	if !ok {
		t.Fatalf("Expected ResizeParams, got %T", params)
	}
	if resize.Partition != 2 || resize.NewSizeBytes != 1<<30 {
		t.Errorf("Unexpected resize params: %+v", resize)
	}

	params, err = DecodeOperationParams(OperationSetFlag, []byte(`{"partition":1,"flag":"boot","value":true}`))
	if err != nil {
		t.Fatalf("DecodeOperationParams failed: %v", err)
	}
	if sf, ok := params.(SetFlagParams); !ok || sf.Flag != "boot" || !sf.Value {
		t.Errorf("Unexpected set_flag params: %+v", params)
	}

	if _, err := DecodeOperationParams("shred", []byte(`{}`)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for unknown operation, got %v", err)
	}
	if _, err := DecodeOperationParams(OperationResize, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for missing params, got %v", err)
	}
}

func TestPartitionOperationJSONRoundTrip(t *testing.T) {
	op := PartitionOperation{
		ID:        "op-1",
		NodeID:    "node-a",
		Device:    "/dev/sda",
		Operation: OperationMove,
		Params:    MoveParams{Partition: 2, NewStartBytes: 50 << 30},
		Sequence:  3,
		Status:    OperationStatusPending,
	}

	data, err := json.Marshal(op)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded PartitionOperation
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	move, ok := decoded.Params.(MoveParams)
	if !ok {
		t.Fatalf("Expected MoveParams after round trip, got %T", decoded.Params)
	}
	if move.NewStartBytes != 50<<30 {
		t.Errorf("Expected new start 50 GiB, got %d", move.NewStartBytes)
	}
	if decoded.Sequence != 3 || decoded.Status != OperationStatusPending {
		t.Errorf("Unexpected decoded operation: %+v", decoded)
	}
}

func TestPartitionOperationUnmarshalRejectsUnknownKind(t *testing.T) {
	payload := []byte(`{"id":"op-1","node_id":"n","device":"/dev/sda","operation":"wipe","params":{},"sequence":1,"status":"pending"}`)
	var op PartitionOperation
	if err := json.Unmarshal(payload, &op); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for unknown operation kind, got %v", err)
	}
}

func TestPlanStepUnmarshal(t *testing.T) {
	payload := []byte(`{"operation":"resize","params":{"partition":2,"new_size_bytes":53579350016},"sequence":1}`)
	var step PlanStep
	if err := json.Unmarshal(payload, &step); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	resize, ok := step.Params.(ResizeParams)
	if !ok {
		t.Fatalf("Expected ResizeParams, got %T", step.Params)
	}
	if resize.Partition != 2 {
		t.Errorf("Expected partition 2, got %d", resize.Partition)
	}
}

func TestOperationTypeValid(t *testing.T) {
	for _, op := range []OperationType{OperationResize, OperationCreate, OperationDelete, OperationFormat, OperationMove, OperationSetFlag} {
		if !op.Valid() {
			t.Errorf("Expected %s to be valid", op)
		}
	}
	if OperationType("wipe").Valid() {
		t.Error("Expected wipe to be invalid")
	}
}
