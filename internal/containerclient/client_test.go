package containerclient_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/local/planpipeline/internal/containerclient"
	"github.com/local/planpipeline/internal/errkind"
)

func TestGenerateImages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generate-images" {
			t.Errorf("path = %s, want /generate-images", r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/pdf" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("X-Plan-Id") != "plan-1" {
			t.Errorf("X-Plan-Id = %q", r.Header.Get("X-Plan-Id"))
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "pdf-bytes" {
			t.Errorf("body = %q", body)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"sheets":     []map[string]any{{"sheetId": "sheet-0", "width": 100, "height": 200, "pageNumber": 1}},
			"totalPages": 1,
		})
	}))
	defer server.Close()

	c := containerclient.New(server.URL, nil)
	resp, err := c.GenerateImages(context.Background(), "plan-1", []byte("pdf-bytes"))
	if err != nil {
		t.Fatalf("GenerateImages: %v", err)
	}
	if resp.TotalPages != 1 || len(resp.Sheets) != 1 || resp.Sheets[0].SheetID != "sheet-0" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestExtractMetadataHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Sheet-Id") != "sheet-0" || r.Header.Get("X-Plan-Id") != "plan-1" {
			t.Errorf("missing tenancy headers: %v", r.Header)
		}
		sheetNumber := "A1"
		json.NewEncoder(w).Encode(map[string]any{"sheetNumber": sheetNumber, "isValid": true})
	}))
	defer server.Close()

	c := containerclient.New(server.URL, nil)
	resp, err := c.ExtractMetadata(context.Background(), "plan-1", "sheet-0", []byte("png-bytes"))
	if err != nil {
		t.Fatalf("ExtractMetadata: %v", err)
	}
	if !resp.IsValid || resp.SheetNumber == nil || *resp.SheetNumber != "A1" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestDetectCalloutsHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Sheet-Number") != "A1" {
			t.Errorf("X-Sheet-Number = %q", r.Header.Get("X-Sheet-Number"))
		}
		var validNumbers []string
		if err := json.Unmarshal([]byte(r.Header.Get("X-Valid-Sheet-Numbers")), &validNumbers); err != nil {
			t.Fatalf("decode X-Valid-Sheet-Numbers: %v", err)
		}
		if len(validNumbers) != 2 {
			t.Errorf("validNumbers = %v, want 2 entries", validNumbers)
		}
		json.NewEncoder(w).Encode(map[string]any{"markers": []any{}, "unmatchedCount": 0})
	}))
	defer server.Close()

	c := containerclient.New(server.URL, nil)
	_, err := c.DetectCallouts(context.Background(), "plan-1", "sheet-0", "A1", []byte("png-bytes"), []string{"A1", "S1"})
	if err != nil {
		t.Fatalf("DetectCallouts: %v", err)
	}
}

func TestServerErrorClassifiesTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	c := containerclient.New(server.URL, nil)
	_, err := c.DetectLayout(context.Background(), "plan-1", "sheet-0", []byte("png-bytes"))
	if err == nil {
		t.Fatal("expected error for 502 response")
	}
	if got := errkind.Classify(err, false); got != errkind.TransientExternal {
		t.Errorf("Classify(502) = %v, want TransientExternal", got)
	}
}

func TestClientErrorClassifiesPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte("malformed image"))
	}))
	defer server.Close()

	c := containerclient.New(server.URL, nil)
	_, err := c.DetectLayout(context.Background(), "plan-1", "sheet-0", []byte("png-bytes"))
	if err == nil {
		t.Fatal("expected error for 422 response")
	}
	if got := errkind.Classify(err, false); got != errkind.PermanentExternal {
		t.Errorf("Classify(422) = %v, want PermanentExternal", got)
	}
}

func TestGenerateTilesReturnsBinary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Organization-Id") != "org-1" || r.Header.Get("X-Project-Id") != "proj-1" {
			t.Errorf("missing tenancy headers: %v", r.Header)
		}
		w.Write([]byte{0x01, 0x02, 0x03})
	}))
	defer server.Close()

	c := containerclient.New(server.URL, nil)
	data, err := c.GenerateTiles(context.Background(), "org-1", "proj-1", "plan-1", "sheet-0", []byte("png-bytes"))
	if err != nil {
		t.Fatalf("GenerateTiles: %v", err)
	}
	if len(data) != 3 {
		t.Errorf("data = %v, want 3 bytes", data)
	}
}
