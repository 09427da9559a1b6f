package vision

import (
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"
)

// Detector runs object detection over an encoded image. Implementations are
// stateless with respect to call history: the confidence threshold is a
// per-call filter, and detections below it are excluded from the result.
type Detector interface {
	Detect(img []byte, conf float64) ([]Detection, error)
	Close() error
}

// NetDetector is a Detector backed by an OpenCV DNN (SSD MobileNet style:
// the network consumes a 300x300 blob and emits rows of
// [batch, class, confidence, x1, y1, x2, y2] with normalized coordinates).
type NetDetector struct {
	mu  sync.Mutex // gocv.Net forwards are not concurrency-safe
	net gocv.Net
}

// NewNetDetector loads the network from the model and config files.
func NewNetDetector(modelPath, configPath string) (*NetDetector, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}
	if _, err := os.Stat(configPath); err != nil {
		return nil, fmt.Errorf("model config file: %w", err)
	}

	net := gocv.ReadNet(modelPath, configPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network from %s", modelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		return nil, fmt.Errorf("set backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		return nil, fmt.Errorf("set target: %w", err)
	}

	return &NetDetector{net: net}, nil
}

// Detect decodes img, runs the network, and returns detections with
// confidence >= conf in pixel coordinates.
func (d *NetDetector) Detect(img []byte, conf float64) ([]Detection, error) {
	mat, err := gocv.IMDecode(img, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedImage, err)
	}
	defer mat.Close()

	if mat.Empty() || mat.Cols() == 0 || mat.Rows() == 0 {
		return nil, fmt.Errorf("%w: decoded image is empty", ErrMalformedImage)
	}

	blob := gocv.BlobFromImage(mat, 1.0/127.5, image.Pt(300, 300), gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	defer blob.Close()

	// Serialize the whole forward pass and output parse: the net and its
	// output blob are not safe for concurrent use.
	d.mu.Lock()
	defer d.mu.Unlock()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	rows := output.Reshape(1, output.Total()/7)
	defer rows.Close()

	cols := float32(mat.Cols())
	height := float32(mat.Rows())

	var results []Detection
	for i := 0; i < rows.Rows(); i++ {
		confidence := float64(rows.GetFloatAt(i, 2))
		if confidence < conf {
			continue
		}
		classID := int(rows.GetFloatAt(i, 1))
		results = append(results, Detection{
			Label:      classLabel(classID),
			Confidence: confidence,
			XMin:       int(rows.GetFloatAt(i, 3) * cols),
			YMin:       int(rows.GetFloatAt(i, 4) * height),
			XMax:       int(rows.GetFloatAt(i, 5) * cols),
			YMax:       int(rows.GetFloatAt(i, 6) * height),
		})
	}

	return results, nil
}

// Close releases the network.
func (d *NetDetector) Close() error {
	return d.net.Close()
}
