package pose

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"io"
	"net/http"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/meshoverlay/internal/geometry"
	"github.com/banshee-data/meshoverlay/internal/httputil"
	"github.com/banshee-data/meshoverlay/internal/video"
)

// RemoteEstimator calls an HTTP pose service that runs detection and mesh
// recovery together. The box passed to Estimate is ignored; the service
// reports the box it used.
type RemoteEstimator struct {
	BaseURL     string
	Client      httputil.HTTPClient
	JPEGQuality int
}

// NewRemoteEstimator returns an estimator posting to baseURL/pose/hybrid.
func NewRemoteEstimator(baseURL string, client httputil.HTTPClient) *RemoteEstimator {
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteEstimator{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		Client:      client,
		JPEGQuality: 90,
	}
}

type hybridRequest struct {
	ImageBase64 string `json:"image_base64"`
	FrameNumber int    `json:"frame_number"`
}

type hybridResponse struct {
	FrameNumber      int          `json:"frame_number"`
	MeshVerticesData [][3]float64 `json:"mesh_vertices_data"`
	MeshFacesData    [][3]int     `json:"mesh_faces_data"`
	CameraParams     *struct {
		Scale float64 `json:"scale"`
		TX    float64 `json:"tx"`
		TY    float64 `json:"ty"`
	} `json:"camera_params"`
	Detection *struct {
		BoxCenter          [2]float64 `json:"box_center"`
		BoxSize            float64    `json:"box_size"`
		NumPersonsDetected int        `json:"num_persons_detected"`
	} `json:"detection"`
	Error string `json:"error"`
}

// Estimate implements Estimator.
func (e *RemoteEstimator) Estimate(ctx context.Context, frame *video.Frame, _ geometry.BBox) (Estimate, error) {
	var img bytes.Buffer
	if err := jpeg.Encode(&img, frame.RGBA(), &jpeg.Options{Quality: e.JPEGQuality}); err != nil {
		return Estimate{}, fmt.Errorf("failed to encode frame %d: %w", frame.Index, err)
	}
	body, err := json.Marshal(hybridRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(img.Bytes()),
		FrameNumber: frame.Index,
	})
	if err != nil {
		return Estimate{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/pose/hybrid", bytes.NewReader(body))
	if err != nil {
		return Estimate{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.Client.Do(req)
	if err != nil {
		return Estimate{}, fmt.Errorf("pose service request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return Estimate{}, fmt.Errorf("failed to read pose service response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet := string(data)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return Estimate{}, fmt.Errorf("pose service returned %d: %s", resp.StatusCode, snippet)
	}

	var hr hybridResponse
	if err := json.Unmarshal(data, &hr); err != nil {
		return Estimate{}, fmt.Errorf("failed to decode pose service response: %w", err)
	}
	return hr.toEstimate()
}

func (hr hybridResponse) toEstimate() (Estimate, error) {
	if hr.Detection != nil && hr.Detection.NumPersonsDetected == 0 {
		return Estimate{}, ErrNoSubject
	}
	if hr.Error != "" {
		return Estimate{}, fmt.Errorf("pose service: %s", hr.Error)
	}
	if hr.CameraParams == nil || hr.Detection == nil {
		return Estimate{}, fmt.Errorf("pose service response missing camera or detection")
	}

	mesh := &MeshGeometry{
		Vertices: make([]r3.Vec, len(hr.MeshVerticesData)),
		Faces:    hr.MeshFacesData,
	}
	for i, v := range hr.MeshVerticesData {
		mesh.Vertices[i] = r3.Vec{X: v[0], Y: v[1], Z: v[2]}
	}

	half := hr.Detection.BoxSize / 2
	c := hr.Detection.BoxCenter
	box := geometry.BBox{X1: c[0] - half, Y1: c[1] - half, X2: c[0] + half, Y2: c[1] + half}

	return Estimate{
		Mesh: mesh,
		Camera: geometry.CropCamera{
			S:  hr.CameraParams.Scale,
			TX: hr.CameraParams.TX,
			TY: hr.CameraParams.TY,
		},
		Confidence: 1,
		BBox:       &box,
	}, nil
}
