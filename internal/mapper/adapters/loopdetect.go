package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lucent-vision/depthmap/internal/httputil"
	"github.com/lucent-vision/depthmap/internal/mapper"
)

// HTTPLoopDetector asks the model sidecar's place-recognition index for
// revisits between a finished session's chunks.
type HTTPLoopDetector struct {
	baseURL string
	client  httputil.HTTPClient
}

func NewHTTPLoopDetector(baseURL string, client httputil.HTTPClient) *HTTPLoopDetector {
	if client == nil {
		client = httputil.NewStandardClient(&http.Client{Timeout: 5 * time.Minute})
	}
	return &HTTPLoopDetector{baseURL: baseURL, client: client}
}

type loopChunk struct {
	Index      int `json:"index"`
	FrameStart int `json:"frame_start"`
	FrameEnd   int `json:"frame_end"`
}

type loopRequest struct {
	FramesDir string      `json:"frames_dir"`
	Chunks    []loopChunk `json:"chunks"`
}

type loopResponse struct {
	Edges []mapper.LoopEdge `json:"edges"`
	Error string            `json:"error,omitempty"`
}

// DetectLoops implements mapper.LoopDetector.
func (d *HTTPLoopDetector) DetectLoops(ctx context.Context, framesDir string, chunks []mapper.Chunk) ([]mapper.LoopEdge, error) {
	req := loopRequest{FramesDir: framesDir}
	for _, ch := range chunks {
		req.Chunks = append(req.Chunks, loopChunk{Index: ch.Index, FrameStart: ch.Start, FrameEnd: ch.End})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding loop request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1/loops", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling loop sidecar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("loop sidecar returned %d: %s", resp.StatusCode, msg)
	}
	var parsed loopResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding loop response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("loop sidecar error: %s", parsed.Error)
	}
	return parsed.Edges, nil
}
