package events

import "testing"

func TestValidateRejectsMissingOrg(t *testing.T) {
	ev := NewPlanProcessingStarted("", "plan-1", 1000)
	if err := ev.Validate(); err == nil {
		t.Error("expected error for missing organizationId")
	}
}

func TestValidateRejectsMissingField(t *testing.T) {
	ev := Event{OrganizationID: "org-1", Name: PlanProcessingStarted, Data: map[string]any{"planId": "plan-1"}}
	if err := ev.Validate(); err == nil {
		t.Error("expected error for missing startedAt")
	}
}

func TestValidateRejectsUnknownField(t *testing.T) {
	ev := Event{OrganizationID: "org-1", Name: PlanProcessingStarted, Data: map[string]any{
		"planId": "plan-1", "startedAt": int64(1000), "bogus": true,
	}}
	if err := ev.Validate(); err == nil {
		t.Error("expected error for unexpected field")
	}
}

func TestValidateRejectsUnknownName(t *testing.T) {
	ev := Event{OrganizationID: "org-1", Name: "notARealEvent", Data: map[string]any{}}
	if err := ev.Validate(); err == nil {
		t.Error("expected error for unknown event name")
	}
}

func TestConstructorsProduceValidEvents(t *testing.T) {
	cases := []Event{
		NewPlanProcessingStarted("org-1", "plan-1", 1000),
		NewPlanProcessingProgress("org-1", "plan-1", 40),
		NewSheetImageGenerated("org-1", SheetImageGeneratedFields{
			SheetID: "sheet-0", ProjectID: "proj-1", PlanID: "plan-1", PlanName: "Tower A",
			LocalImagePath: "/tmp/sheet-0.png", PageNumber: 1, Width: 1024, Height: 768, GeneratedAt: 2000,
		}),
		NewSheetMetadataExtracted("org-1", SheetMetadataExtractedFields{
			SheetID: "sheet-0", PlanID: "plan-1", SheetNumber: "A-101", ExtractedAt: 3000,
		}),
		NewPlanMetadataCompleted("org-1", "plan-1", []string{"sheet-0"}, map[string]string{"sheet-0": "A-101"}, 4000),
		NewSheetCalloutsDetected("org-1", "sheet-0", "plan-1", []any{}, 0, 5000),
		NewSheetGridBubblesDetected("org-1", "sheet-0", []any{}, 5000),
		NewSheetLayoutRegionsDetected("org-1", "sheet-0", []any{}, 6000),
		NewSheetTilesGenerated("org-1", SheetTilesGeneratedFields{
			SheetID: "sheet-0", PlanID: "plan-1", LocalPmtilesPath: "/tmp/sheet-0.pmtiles", MinZoom: 0, MaxZoom: 18, GeneratedAt: 7000,
		}),
		NewPlanProcessingCompleted("org-1", "plan-1", 1, 8000),
		NewPlanProcessingFailed("org-1", "plan-1", "deadline exceeded", 9000),
	}
	for _, ev := range cases {
		if err := ev.Validate(); err != nil {
			t.Errorf("%s: unexpected validation error: %v", ev.Name, err)
		}
	}
}

func TestSheetImageGeneratedOptionalField(t *testing.T) {
	ev := NewSheetImageGenerated("org-1", SheetImageGeneratedFields{
		SheetID: "sheet-0", ProjectID: "proj-1", PlanID: "plan-1", PlanName: "Tower A",
		LocalImagePath: "/tmp/sheet-0.png", RemoteImagePath: "s3://bucket/key", PageNumber: 1,
		Width: 1024, Height: 768, GeneratedAt: 2000,
	})
	if err := ev.Validate(); err != nil {
		t.Errorf("unexpected validation error with optional field set: %v", err)
	}
	if ev.Data["remoteImagePath"] != "s3://bucket/key" {
		t.Error("expected remoteImagePath to be carried through")
	}
}
