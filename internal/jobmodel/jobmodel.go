// Package jobmodel defines the structurally-typed job records carried as
// the payload of each stage's queue entry. They are opaque to the queue
// itself (it only ever sees the marshaled bytes under the "data" field,
// the same convention the teacher used for its AI page jobs).
package jobmodel

// ImageGenJob drives the image-gen stage: render every page of the source
// PDF to a per-sheet PNG. The core never opens the PDF itself to count
// pages — this job carries no page count, since only the container's
// GenerateImages response (the one place allowed to parse the PDF) is
// authoritative; the handler initializes the coordinator's plan state
// itself once that response arrives.
type ImageGenJob struct {
	PlanID         string `json:"plan_id"`
	ProjectID      string `json:"project_id"`
	OrganizationID string `json:"organization_id"`
	PDFPath        string `json:"pdf_path"`
	PlanName       string `json:"plan_name"`
	TimeoutMs      int64  `json:"timeout_ms"`
}

// MetadataJob extracts sheet number/title/discipline/validity for one sheet.
type MetadataJob struct {
	PlanID         string `json:"plan_id"`
	ProjectID      string `json:"project_id"`
	OrganizationID string `json:"organization_id"`
	SheetID        string `json:"sheet_id"`
	SheetNumber    int    `json:"sheet_number"` // 1-based
	TotalSheets    int    `json:"total_sheets"`
}

// CalloutJob detects callout/grid-bubble markers on one valid sheet.
type CalloutJob struct {
	PlanID           string   `json:"plan_id"`
	ProjectID        string   `json:"project_id"`
	OrganizationID   string   `json:"organization_id"`
	SheetID          string   `json:"sheet_id"`
	SheetNumber      string   `json:"sheet_number"`
	ValidSheetNumbers []string `json:"valid_sheet_numbers"`
}

// LayoutJob detects layout regions on one valid sheet.
type LayoutJob struct {
	PlanID         string `json:"plan_id"`
	ProjectID      string `json:"project_id"`
	OrganizationID string `json:"organization_id"`
	SheetID        string `json:"sheet_id"`
	SheetNumber    string `json:"sheet_number"`
}

// TilesJob renders the PMTiles pyramid for one valid sheet.
type TilesJob struct {
	PlanID         string `json:"plan_id"`
	ProjectID      string `json:"project_id"`
	OrganizationID string `json:"organization_id"`
	SheetID        string `json:"sheet_id"`
}

// Stage names the five queue streams; used both as Redis stream-name
// suffixes and as the "stage" label on metrics.
type Stage string

const (
	StageImageGen Stage = "image_generation"
	StageMetadata Stage = "metadata_extraction"
	StageCallout  Stage = "callout_detection"
	StageLayout   Stage = "layout_detection"
	StageTiles    Stage = "tile_generation"
)
