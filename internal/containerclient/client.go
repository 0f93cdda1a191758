// Package containerclient talks to the stateless compute container over
// HTTP: the external collaborator that actually rasterizes pages, extracts
// metadata, and detects callouts/layout/tiles. The core never parses PDFs
// or runs inference itself — it only shapes these requests and decodes
// these responses, per spec.md §6.
package containerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Per-call deadlines suggested by spec.md §5.
const (
	GenerationTimeout = 120 * time.Second
	DetectionTimeout  = 60 * time.Second
	MetadataTimeout   = 30 * time.Second
)

// StatusError wraps a non-2xx container response; errkind.Classify type-
// switches on its StatusCode method via the HTTPStatus interface.
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("container %s: status %d: %s", e.Path, e.Code, e.Body)
}

func (e *StatusError) StatusCode() int { return e.Code }

// Client is a thin HTTP client for the six container endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

type GeneratedSheet struct {
	SheetID    string `json:"sheetId"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	PageNumber int    `json:"pageNumber"`
}

type GenerateImagesResponse struct {
	Sheets     []GeneratedSheet `json:"sheets"`
	TotalPages int              `json:"totalPages"`
}

// GenerateImages discovers the sheet layout of a PDF. Deadline: 120s.
func (c *Client) GenerateImages(ctx context.Context, planID string, pdf []byte) (*GenerateImagesResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, GenerationTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate-images", bytes.NewReader(pdf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/pdf")
	req.Header.Set("X-Plan-Id", planID)

	var out GenerateImagesResponse
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type RenderedPage struct {
	PageNumber int    `json:"pageNumber"`
	PNGBase64  string `json:"pngBase64"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

type RenderPagesResponse struct {
	Pages []RenderedPage `json:"pages"`
}

// RenderPages rasterizes a batch of pages to PNG. Deadline: 120s.
func (c *Client) RenderPages(ctx context.Context, planID string, pdf []byte, pageNumbers []int) (*RenderPagesResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, GenerationTimeout)
	defer cancel()

	pageNumbersJSON, err := json.Marshal(pageNumbers)
	if err != nil {
		return nil, fmt.Errorf("marshal page numbers: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render-pages", bytes.NewReader(pdf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Plan-Id", planID)
	req.Header.Set("X-Page-Numbers", string(pageNumbersJSON))

	var out RenderPagesResponse
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type ExtractMetadataResponse struct {
	SheetNumber *string `json:"sheetNumber"`
	Title       string  `json:"title,omitempty"`
	Discipline  string  `json:"discipline,omitempty"`
	IsValid     bool    `json:"isValid"`
}

// ExtractMetadata extracts sheet number/title/discipline/validity from a
// rasterized sheet. Deadline: 30s.
func (c *Client) ExtractMetadata(ctx context.Context, planID, sheetID string, png []byte) (*ExtractMetadataResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, MetadataTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract-metadata", bytes.NewReader(png))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("X-Sheet-Id", sheetID)
	req.Header.Set("X-Plan-Id", planID)

	var out ExtractMetadataResponse
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type CalloutMarker struct {
	ID            string  `json:"id"`
	Label         string  `json:"label"`
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
	Confidence    float64 `json:"confidence"`
	NeedsReview   bool    `json:"needsReview"`
	TargetSheetRef *string `json:"targetSheetRef,omitempty"`
	TargetSheetID  *string `json:"targetSheetId,omitempty"`
}

type GridBubble struct {
	Label      string  `json:"label"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Confidence float64 `json:"confidence"`
}

type DetectCalloutsResponse struct {
	Markers        []CalloutMarker `json:"markers"`
	UnmatchedCount int             `json:"unmatchedCount"`
	GridBubbles    []GridBubble    `json:"grid_bubbles,omitempty"`
}

// DetectCallouts detects callout markers and grid bubbles. Deadline: 60s.
func (c *Client) DetectCallouts(ctx context.Context, planID, sheetID, sheetNumber string, png []byte, validSheetNumbers []string) (*DetectCalloutsResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, DetectionTimeout)
	defer cancel()

	validJSON, err := json.Marshal(validSheetNumbers)
	if err != nil {
		return nil, fmt.Errorf("marshal valid sheet numbers: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect-callouts", bytes.NewReader(png))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("X-Sheet-Id", sheetID)
	req.Header.Set("X-Plan-Id", planID)
	req.Header.Set("X-Sheet-Number", sheetNumber)
	req.Header.Set("X-Valid-Sheet-Numbers", string(validJSON))

	var out DetectCalloutsResponse
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type LayoutRegion struct {
	Class      string     `json:"class"`
	BBox       [4]float64 `json:"bbox"` // x, y, width, height, all in [0,1]
	Confidence float64    `json:"confidence"`
}

type DetectLayoutResponse struct {
	Regions []LayoutRegion `json:"regions"`
}

// DetectLayout detects layout regions on a sheet. Deadline: 60s.
func (c *Client) DetectLayout(ctx context.Context, planID, sheetID string, png []byte) (*DetectLayoutResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, DetectionTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect-layout", bytes.NewReader(png))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("X-Sheet-Id", sheetID)
	req.Header.Set("X-Plan-Id", planID)

	var out DetectLayoutResponse
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateTiles renders a sheet's PMTiles pyramid and returns the raw
// binary archive. Deadline: 120s (shares the generation budget).
func (c *Client) GenerateTiles(ctx context.Context, orgID, projectID, planID, sheetID string, png []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, GenerationTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate-tiles", bytes.NewReader(png))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Sheet-Id", sheetID)
	req.Header.Set("X-Plan-Id", planID)
	req.Header.Set("X-Organization-Id", orgID)
	req.Header.Set("X-Project-Id", projectID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read generate-tiles response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Path: "/generate-tiles", Code: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Path: req.URL.Path, Code: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
