package containerclient

import (
	"context"
)

// Breaker is the limiter surface LimitedClient depends on;
// *limiter.Adaptive satisfies it directly.
type Breaker interface {
	IsOpen(ctx context.Context, stage string) bool
	Open(ctx context.Context, stage string)
	Close(ctx context.Context, stage string)
	Allow(stage string) (func(), bool)
}

// LimitedClient wraps a Client with a per-stage circuit breaker and
// inflight-call cap, so a struggling container degrades one stage at a
// time instead of every stage retrying into it simultaneously. Each stage
// worker is given one LimitedClient bound to its own stage name; all five
// share the underlying Client and Breaker.
type LimitedClient struct {
	*Client
	Breaker Breaker
	Stage   string
}

func (c *LimitedClient) reserve(ctx context.Context, op string) (func(), error) {
	if c.Breaker.IsOpen(ctx, c.Stage) {
		return nil, &StatusError{Path: op, Code: 503, Body: "circuit open for stage " + c.Stage}
	}
	release, ok := c.Breaker.Allow(c.Stage)
	if !ok {
		return nil, &StatusError{Path: op, Code: 429, Body: "max inflight reached for stage " + c.Stage}
	}
	return release, nil
}

func (c *LimitedClient) GenerateImages(ctx context.Context, planID string, pdf []byte) (*GenerateImagesResponse, error) {
	release, err := c.reserve(ctx, "generateImages")
	if err != nil {
		return nil, err
	}
	defer release()
	resp, err := c.Client.GenerateImages(ctx, planID, pdf)
	c.record(ctx, err)
	return resp, err
}

func (c *LimitedClient) RenderPages(ctx context.Context, planID string, pdf []byte, pageNumbers []int) (*RenderPagesResponse, error) {
	release, err := c.reserve(ctx, "renderPages")
	if err != nil {
		return nil, err
	}
	defer release()
	resp, err := c.Client.RenderPages(ctx, planID, pdf, pageNumbers)
	c.record(ctx, err)
	return resp, err
}

func (c *LimitedClient) ExtractMetadata(ctx context.Context, planID, sheetID string, png []byte) (*ExtractMetadataResponse, error) {
	release, err := c.reserve(ctx, "extractMetadata")
	if err != nil {
		return nil, err
	}
	defer release()
	resp, err := c.Client.ExtractMetadata(ctx, planID, sheetID, png)
	c.record(ctx, err)
	return resp, err
}

func (c *LimitedClient) DetectCallouts(ctx context.Context, planID, sheetID, sheetNumber string, png []byte, validSheetNumbers []string) (*DetectCalloutsResponse, error) {
	release, err := c.reserve(ctx, "detectCallouts")
	if err != nil {
		return nil, err
	}
	defer release()
	resp, err := c.Client.DetectCallouts(ctx, planID, sheetID, sheetNumber, png, validSheetNumbers)
	c.record(ctx, err)
	return resp, err
}

func (c *LimitedClient) DetectLayout(ctx context.Context, planID, sheetID string, png []byte) (*DetectLayoutResponse, error) {
	release, err := c.reserve(ctx, "detectLayout")
	if err != nil {
		return nil, err
	}
	defer release()
	resp, err := c.Client.DetectLayout(ctx, planID, sheetID, png)
	c.record(ctx, err)
	return resp, err
}

func (c *LimitedClient) GenerateTiles(ctx context.Context, orgID, projectID, planID, sheetID string, png []byte) ([]byte, error) {
	release, err := c.reserve(ctx, "generateTiles")
	if err != nil {
		return nil, err
	}
	defer release()
	data, err := c.Client.GenerateTiles(ctx, orgID, projectID, planID, sheetID, png)
	c.record(ctx, err)
	return data, err
}

func (c *LimitedClient) record(ctx context.Context, err error) {
	if err != nil {
		c.Breaker.Open(ctx, c.Stage)
		return
	}
	c.Breaker.Close(ctx, c.Stage)
}
