//go:build !integration

package redis

import (
	"encoding/json"
	"testing"
	"time"

	"vibephoto/internal/domain/model"
)

func TestDecodeEvent(t *testing.T) {
	at := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	in := model.Event{
		Type:      model.EventJobStatus,
		AccountID: "acc-1",
		Payload:   model.JobStatusPayload{JobID: "job-1", Status: model.JobStatusCompleted},
		At:        at,
	}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	out, err := decodeEvent(b)
	if err != nil {
		t.Fatalf("expected no error, but got: %v", err)
	}
	if out.Type != in.Type || out.AccountID != in.AccountID || !out.At.Equal(at) {
		t.Errorf("unexpected event: %+v", out)
	}

	// the payload is kept raw and re-encodes to the same json
	again, _ := json.Marshal(out.Payload)
	want, _ := json.Marshal(in.Payload)
	if string(again) != string(want) {
		t.Errorf("expected payload %s, but got %s", want, again)
	}

	if _, err := decodeEvent([]byte("not json")); err == nil {
		t.Error("expected an error for malformed input")
	}
}
