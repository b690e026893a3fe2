package httpapi

import (
	"encoding/json"
	"testing"
	"time"

	"lexflow/engagement"
)

func TestEngagementResponseCarriesCompletionState(t *testing.T) {
	now := time.Now().UTC()
	e := engagement.Engagement{
		ID:                    "eng-1",
		CaseID:                "case-1",
		BidID:                 "bid-1",
		ClientID:              "client-1",
		AttorneyID:            "attorney-1",
		AttorneyConfirmedAt:   &now,
		ClientConfirmedAt:     &now,
		ClientComplianceAck:   true,
		AttorneyComplianceAck: true,
		CompletionStatus:      engagement.CompletionConfirmed,
		CompletionRequestedAt: &now,
		CompletionConfirmedAt: &now,
		CompletionNote:        "all deliverables accepted",
		Version:               3,
	}

	resp := toEngagementResponse(e)
	if resp.CompletionNote != "all deliverables accepted" {
		t.Fatalf("completion note dropped, got %q", resp.CompletionNote)
	}
	if resp.CompletionStatus != engagement.CompletionConfirmed {
		t.Fatalf("completion status: %s", resp.CompletionStatus)
	}

	body, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["completion_note"] != "all deliverables accepted" {
		t.Fatalf("completion_note missing from body: %v", decoded["completion_note"])
	}

	// The note is omitted while empty, not serialized as "".
	e.CompletionNote = ""
	body, err = json.Marshal(toEngagementResponse(e))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded = map[string]any{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["completion_note"]; ok {
		t.Fatal("empty completion note must be omitted")
	}
}
