package pose

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/meshoverlay/internal/geometry"
)

// Messages between the pool and a worker process are msgpack documents
// framed by a 4-byte big-endian length.

// maxMessageSize bounds a single frame (a 4K RGB frame is ~25MB).
const maxMessageSize = 64 << 20

const (
	msgReady    = "ready"
	msgEstimate = "estimate"
	msgResult   = "result"
	msgShutdown = "shutdown"
)

type wireRequest struct {
	Type       string         `msgpack:"type"`
	FrameIndex int            `msgpack:"frame_index"`
	Timestamp  float64        `msgpack:"timestamp"`
	Width      int            `msgpack:"width"`
	Height     int            `msgpack:"height"`
	Pix        []byte         `msgpack:"pix"`
	Hint       *geometry.BBox `msgpack:"hint,omitempty"`
}

type wireResponse struct {
	Type       string `msgpack:"type"`
	WorkerID   int    `msgpack:"worker_id"`
	FrameIndex int    `msgpack:"frame_index"`
	Success    bool   `msgpack:"success"`

	// Vertices are flattened xyz triples. Faces are flattened index triples
	// and are only sent with the first successful result of a process.
	Vertices []float32 `msgpack:"vertices,omitempty"`
	Faces    []int32   `msgpack:"faces,omitempty"`

	Camera       *geometry.CropCamera `msgpack:"camera,omitempty"`
	BBox         *geometry.BBox       `msgpack:"bbox,omitempty"`
	Confidence   float64              `msgpack:"confidence"`
	Error        string               `msgpack:"error,omitempty"`
	Category     Category             `msgpack:"category,omitempty"`
	ProcessingMs float64              `msgpack:"processing_ms"`
}

func writeMessage(w io.Writer, v interface{}) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}
	if len(data) > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit of %d", len(data), maxMessageSize)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write msgpack data: %w", err)
	}
	return nil
}

// readMessage returns io.EOF only when the stream ends cleanly between
// messages.
func readMessage(r io.Reader, v interface{}) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds limit of %d", n, maxMessageSize)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("failed to read msgpack data: %w", err)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}

func flattenVertices(vs []r3.Vec) []float32 {
	out := make([]float32, 0, len(vs)*3)
	for _, v := range vs {
		out = append(out, float32(v.X), float32(v.Y), float32(v.Z))
	}
	return out
}

func unflattenVertices(flat []float32) ([]r3.Vec, error) {
	if len(flat)%3 != 0 {
		return nil, fmt.Errorf("%w: %d vertex components is not a multiple of 3", ErrInvalidMesh, len(flat))
	}
	out := make([]r3.Vec, len(flat)/3)
	for i := range out {
		out[i] = r3.Vec{X: float64(flat[3*i]), Y: float64(flat[3*i+1]), Z: float64(flat[3*i+2])}
	}
	return out, nil
}

func flattenFaces(fs [][3]int) []int32 {
	out := make([]int32, 0, len(fs)*3)
	for _, f := range fs {
		out = append(out, int32(f[0]), int32(f[1]), int32(f[2]))
	}
	return out
}

func unflattenFaces(flat []int32) ([][3]int, error) {
	if len(flat)%3 != 0 {
		return nil, fmt.Errorf("%w: %d face indices is not a multiple of 3", ErrInvalidMesh, len(flat))
	}
	out := make([][3]int, len(flat)/3)
	for i := range out {
		out[i] = [3]int{int(flat[3*i]), int(flat[3*i+1]), int(flat[3*i+2])}
	}
	return out, nil
}
