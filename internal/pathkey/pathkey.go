// Package pathkey builds the canonical blob paths and tenancy keys shared by
// every stage worker. The layout is a wire contract: viewers resolve sheet
// images and tile archives by reconstructing these paths themselves.
package pathkey

import "fmt"

// Tenant identifies the organization/project/plan a job or event belongs to.
type Tenant struct {
	OrganizationID string
	ProjectID      string
	PlanID         string
}

// SheetID returns the zero-based sheet identifier for a page index.
func SheetID(index int) string {
	return fmt.Sprintf("sheet-%d", index)
}

// SourcePDF is the canonical path of the uploaded source document.
func (t Tenant) SourcePDF() string {
	return fmt.Sprintf("organizations/%s/projects/%s/plans/%s/source.pdf", t.OrganizationID, t.ProjectID, t.PlanID)
}

// SheetPNG is the canonical path of a rasterized sheet image.
func (t Tenant) SheetPNG(sheetID string) string {
	return fmt.Sprintf("organizations/%s/projects/%s/plans/%s/sheets/%s/source.png", t.OrganizationID, t.ProjectID, t.PlanID, sheetID)
}

// SheetTiles is the canonical path of a sheet's tiled pyramid archive.
func (t Tenant) SheetTiles(sheetID string) string {
	return fmt.Sprintf("organizations/%s/projects/%s/plans/%s/sheets/%s/tiles.pmtiles", t.OrganizationID, t.ProjectID, t.PlanID, sheetID)
}
