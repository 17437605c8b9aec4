package adapters

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"
	"testing"

	"github.com/lucent-vision/depthmap/internal/httputil"
)

func b64Floats(vals ...float32) string {
	raw := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// inferBody builds a sidecar response for n frames of 2x1 rasters.
func inferBody(t *testing.T, n int, withColors bool) string {
	t.Helper()
	frames := make([]map[string]any, n)
	for i := range frames {
		f := map[string]any{
			"depth_b64":  b64Floats(1.5, 2.5),
			"conf_b64":   b64Floats(0.9, 0.8),
			"intrinsics": [9]float64{100, 0, 1, 0, 100, 0.5, 0, 0, 1},
			"extrinsics": [12]float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0},
		}
		if withColors {
			f["colors_b64"] = base64.StdEncoding.EncodeToString([]byte{10, 20, 30, 40, 50, 60})
		}
		frames[i] = f
	}
	body, err := json.Marshal(map[string]any{"width": 2, "height": 1, "frames": frames})
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestHTTPInferenceDecodesResponse(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, inferBody(t, 2, true))
	h := NewHTTPInference("http://sidecar:9020", mock)

	res, err := h.Infer(context.Background(), []string{"a.jpg", "b.jpg"}, "middle")
	if err != nil {
		t.Fatal(err)
	}
	if res.Width != 2 || res.Height != 1 || res.Frames() != 2 {
		t.Fatalf("result shape %dx%d, %d frames", res.Width, res.Height, res.Frames())
	}
	if res.Depth[0][1] != 2.5 || res.Conf[1][0] != 0.9 {
		t.Fatalf("rasters decoded wrong: depth %v conf %v", res.Depth[0], res.Conf[1])
	}
	if res.Intrinsics[0][0] != 100 {
		t.Fatalf("intrinsics %v", res.Intrinsics[0])
	}
	if len(res.Colors) != 2 || res.Colors[0][3] != 40 {
		t.Fatalf("colors %v", res.Colors)
	}

	req := mock.Request(0)
	if req.Method != http.MethodPost || req.URL.Path != "/v1/infer" {
		t.Fatalf("request %s %s", req.Method, req.URL)
	}
	var sent struct {
		Frames          []string `json:"frames"`
		RefViewStrategy string   `json:"ref_view_strategy"`
	}
	if err := json.Unmarshal(mock.RequestBody(0), &sent); err != nil {
		t.Fatal(err)
	}
	if len(sent.Frames) != 2 || sent.RefViewStrategy != "middle" {
		t.Fatalf("sent %+v", sent)
	}
}

func TestHTTPInferenceNoColors(t *testing.T) {
	mock := httputil.NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, inferBody(t, 1, false))
	h := NewHTTPInference("http://sidecar:9020", mock)

	res, err := h.Infer(context.Background(), []string{"a.jpg"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Colors != nil {
		t.Fatalf("expected no colors, got %v", res.Colors)
	}
}

func TestHTTPInferenceErrors(t *testing.T) {
	cases := []struct {
		name    string
		prime   func(m *httputil.MockHTTPClient)
		wantSub string
	}{
		{
			"transport failure",
			func(m *httputil.MockHTTPClient) { m.AddErrorResponse(errors.New("connection refused")) },
			"connection refused",
		},
		{
			"non-200",
			func(m *httputil.MockHTTPClient) { m.AddResponse(http.StatusBadGateway, "model OOM") },
			"502",
		},
		{
			"sidecar error field",
			func(m *httputil.MockHTTPClient) {
				m.AddResponse(http.StatusOK, `{"width":2,"height":1,"frames":[],"error":"no frames on disk"}`)
			},
			"no frames on disk",
		},
		{
			"frame count mismatch",
			func(m *httputil.MockHTTPClient) { m.AddResponse(http.StatusOK, inferBody(t, 1, false)) },
			"returned 1 frames",
		},
		{
			"short raster",
			func(m *httputil.MockHTTPClient) {
				body := strings.Replace(inferBody(t, 2, false), b64Floats(1.5, 2.5), b64Floats(1.5), 1)
				m.AddResponse(http.StatusOK, body)
			},
			"depth",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mock := httputil.NewMockHTTPClient()
			tc.prime(mock)
			h := NewHTTPInference("http://sidecar:9020", mock)
			_, err := h.Infer(context.Background(), []string{"a.jpg", "b.jpg"}, "")
			if err == nil || !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("err = %v, want substring %q", err, tc.wantSub)
			}
		})
	}
}
