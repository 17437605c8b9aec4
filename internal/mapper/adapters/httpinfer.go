// Package adapters connects the mapping pipeline to the external model
// sidecar that hosts the depth network and the place-recognition index.
package adapters

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/lucent-vision/depthmap/internal/httputil"
	"github.com/lucent-vision/depthmap/internal/mapper"
)

// HTTPInference calls a model sidecar over HTTP to run depth inference on a
// chunk of frames.
type HTTPInference struct {
	baseURL string
	client  httputil.HTTPClient
}

// NewHTTPInference builds an adapter against the sidecar at baseURL. A nil
// client gets a long-timeout default; chunk inference on accelerator-backed
// sidecars routinely takes minutes.
func NewHTTPInference(baseURL string, client httputil.HTTPClient) *HTTPInference {
	if client == nil {
		client = httputil.NewStandardClient(&http.Client{Timeout: 10 * time.Minute})
	}
	return &HTTPInference{baseURL: baseURL, client: client}
}

type inferRequest struct {
	Frames          []string `json:"frames"`
	RefViewStrategy string   `json:"ref_view_strategy,omitempty"`
}

// inferFrame is one frame of the sidecar's response. Depth, confidence, and
// color rasters travel as base64-wrapped little-endian buffers.
type inferFrame struct {
	DepthB64   string      `json:"depth_b64"`
	ConfB64    string      `json:"conf_b64"`
	ColorsB64  string      `json:"colors_b64,omitempty"`
	Intrinsics [9]float64  `json:"intrinsics"`
	Extrinsics [12]float64 `json:"extrinsics"`
}

type inferResponse struct {
	Width  int          `json:"width"`
	Height int          `json:"height"`
	Frames []inferFrame `json:"frames"`
	Error  string       `json:"error,omitempty"`
}

// Infer implements mapper.DepthInferenceAdapter.
func (h *HTTPInference) Infer(ctx context.Context, frames []string, refViewStrategy string) (*mapper.InferenceResult, error) {
	body, err := json.Marshal(inferRequest{Frames: frames, RefViewStrategy: refViewStrategy})
	if err != nil {
		return nil, fmt.Errorf("encoding inference request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/infer", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling inference sidecar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("inference sidecar returned %d: %s", resp.StatusCode, msg)
	}

	var parsed inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding inference response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("inference sidecar error: %s", parsed.Error)
	}
	if len(parsed.Frames) != len(frames) {
		return nil, fmt.Errorf("inference sidecar returned %d frames, sent %d", len(parsed.Frames), len(frames))
	}

	px := parsed.Width * parsed.Height
	result := &mapper.InferenceResult{
		Width:      parsed.Width,
		Height:     parsed.Height,
		Depth:      make([][]float32, len(parsed.Frames)),
		Conf:       make([][]float32, len(parsed.Frames)),
		Intrinsics: make([][9]float64, len(parsed.Frames)),
		Extrinsics: make([][12]float64, len(parsed.Frames)),
	}
	hasColors := parsed.Frames[0].ColorsB64 != ""
	if hasColors {
		result.Colors = make([][]uint8, len(parsed.Frames))
	}
	for i, fr := range parsed.Frames {
		if result.Depth[i], err = decodeFloat32s(fr.DepthB64, px); err != nil {
			return nil, fmt.Errorf("frame %d depth: %w", i, err)
		}
		if result.Conf[i], err = decodeFloat32s(fr.ConfB64, px); err != nil {
			return nil, fmt.Errorf("frame %d confidence: %w", i, err)
		}
		result.Intrinsics[i] = fr.Intrinsics
		result.Extrinsics[i] = fr.Extrinsics
		if hasColors {
			raw, err := base64.StdEncoding.DecodeString(fr.ColorsB64)
			if err != nil {
				return nil, fmt.Errorf("frame %d colors: %w", i, err)
			}
			if len(raw) != 3*px {
				return nil, fmt.Errorf("frame %d colors: got %d bytes, want %d", i, len(raw), 3*px)
			}
			result.Colors[i] = raw
		}
	}
	return result, nil
}

// decodeFloat32s unwraps a base64 little-endian float32 buffer of n values.
func decodeFloat32s(b64 string, n int) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	if len(raw) != 4*n {
		return nil, fmt.Errorf("got %d bytes, want %d", len(raw), 4*n)
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out, nil
}
