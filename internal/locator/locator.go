// Package locator detects face regions in a frame.
//
// Detection runs an SCRFD model over a letterboxed copy of the frame. It is
// stateless across calls and fails softly: a frame with no face yields an
// empty slice, not an error. Detection is the most expensive stage when run
// every frame, so the tracker invokes it at a reduced duty cycle.
package locator

import (
	"image"
	"math"

	"github.com/cockroachdb/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/visagelab/liveswap/internal/frame"
	"github.com/visagelab/liveswap/internal/inference"
)

// Locator implements SCRFD-based face detection.
type Locator struct {
	session        *inference.Session
	inputSize      int
	confThreshold  float32
	nmsThreshold   float32
	featureStrides []int
	numAnchors     int
}

// New creates a face locator from an SCRFD model file.
func New(modelPath string, inputSize int, confThreshold, nmsThreshold float32) (*Locator, error) {
	// SCRFD has 1 input and 9 outputs (3 feature levels × score/bbox/kps)
	inputNames := []string{"input.1"}
	outputNames := []string{
		"score_8", "score_16", "score_32",
		"bbox_8", "bbox_16", "bbox_32",
		"kps_8", "kps_16", "kps_32",
	}

	session, err := inference.NewSession(modelPath, inputNames, outputNames)
	if err != nil {
		return nil, errors.Wrap(err, "create SCRFD session")
	}

	return &Locator{
		session:        session,
		inputSize:      inputSize,
		confThreshold:  confThreshold,
		nmsThreshold:   nmsThreshold,
		featureStrides: []int{8, 16, 32},
		numAnchors:     2,
	}, nil
}

// Locate finds faces in the frame. Regions are stamped with the frame's
// sequence number. An empty result means no face, never an error.
func (l *Locator) Locate(f *frame.Frame) ([]frame.FaceRegion, error) {
	regions, err := l.LocateImage(*f.Image)
	if err != nil {
		return nil, err
	}
	for i := range regions {
		regions[i].Seq = f.Seq
	}
	return regions, nil
}

// LocateImage runs detection on a bare image. Used for still images such as
// the source identity photo, where no sequence number applies.
func (l *Locator) LocateImage(img gocv.Mat) ([]frame.FaceRegion, error) {
	origHeight := img.Rows()
	origWidth := img.Cols()

	inputBlob, scale := l.preprocess(img)
	defer inputBlob.Close()

	floatData := matToFloat32(inputBlob)

	inputTensor, err := ort.NewTensor(
		ort.NewShape(1, 3, int64(l.inputSize), int64(l.inputSize)),
		floatData,
	)
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}
	defer inputTensor.Destroy()

	outputs := make([]ort.Value, 9)
	outputTensors := make([]*ort.Tensor[float32], 9)
	// Registered before the allocation loop so a mid-loop failure still
	// destroys the tensors created so far.
	defer func() {
		for _, t := range outputTensors {
			if t != nil {
				t.Destroy()
			}
		}
	}()
	for i := 0; i < 3; i++ {
		fm := l.inputSize / l.featureStrides[i]
		numAnchors := fm * fm * l.numAnchors

		scoreTensor, err := inference.CreateEmptyTensor[float32]([]int64{int64(numAnchors), 1})
		if err != nil {
			return nil, err
		}
		bboxTensor, err := inference.CreateEmptyTensor[float32]([]int64{int64(numAnchors), 4})
		if err != nil {
			return nil, err
		}
		kpsTensor, err := inference.CreateEmptyTensor[float32]([]int64{int64(numAnchors), 10})
		if err != nil {
			return nil, err
		}

		outputs[i], outputTensors[i] = scoreTensor, scoreTensor
		outputs[i+3], outputTensors[i+3] = bboxTensor, bboxTensor
		outputs[i+6], outputTensors[i+6] = kpsTensor, kpsTensor
	}

	if err := l.session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, errors.Wrap(err, "detection inference")
	}

	levels := make([]levelOutput, 3)
	for i := 0; i < 3; i++ {
		levels[i] = levelOutput{
			stride: l.featureStrides[i],
			scores: outputTensors[i].GetData(),
			bboxes: outputTensors[i+3].GetData(),
			kps:    outputTensors[i+6].GetData(),
		}
	}

	regions := decodeRegions(levels, l.inputSize, l.numAnchors, l.confThreshold,
		scale, origWidth, origHeight)

	return suppress(regions, l.nmsThreshold), nil
}

// preprocess letterboxes the image into the square model input and normalizes
// pixels to (x - 127.5) / 128.
func (l *Locator) preprocess(img gocv.Mat) (gocv.Mat, float32) {
	height := img.Rows()
	width := img.Cols()

	scale := float32(l.inputSize) / float32(max(height, width))

	newWidth := int(float32(width) * scale)
	newHeight := int(float32(height) * scale)

	resized := gocv.NewMat()
	gocv.Resize(img, &resized, image.Pt(newWidth, newHeight), 0, 0, gocv.InterpolationLinear)

	padded := gocv.NewMatWithSize(l.inputSize, l.inputSize, gocv.MatTypeCV8UC3)
	padded.SetTo(gocv.NewScalar(0, 0, 0, 0))

	roi := padded.Region(image.Rect(0, 0, newWidth, newHeight))
	resized.CopyTo(&roi)
	roi.Close()
	resized.Close()

	rgb := gocv.NewMat()
	gocv.CvtColor(padded, &rgb, gocv.ColorBGRToRGB)
	padded.Close()

	blob := gocv.NewMat()
	rgb.ConvertTo(&blob, gocv.MatTypeCV32FC3)
	rgb.Close()

	gocv.AddWeighted(blob, 1.0/128.0, blob, 0, -127.5/128.0, &blob)

	// HWC -> NCHW
	blobNCHW := gocv.BlobFromImage(blob, 1.0, image.Pt(l.inputSize, l.inputSize),
		gocv.NewScalar(0, 0, 0, 0), false, false)
	blob.Close()

	return blobNCHW, scale
}

// levelOutput is one feature level of raw SCRFD output.
type levelOutput struct {
	stride int
	scores []float32
	bboxes []float32
	kps    []float32
}

// decodeRegions converts anchor-relative model outputs to frame-space regions.
func decodeRegions(levels []levelOutput, inputSize, numAnchors int, confThreshold,
	scale float32, origWidth, origHeight int) []frame.FaceRegion {

	var regions []frame.FaceRegion

	for _, level := range levels {
		fm := inputSize / level.stride
		stride := float32(level.stride)

		anchorIdx := 0
		for y := 0; y < fm; y++ {
			for x := 0; x < fm; x++ {
				for a := 0; a < numAnchors; a++ {
					score := sigmoid(level.scores[anchorIdx])
					if score > confThreshold {
						cx := (float32(x) + 0.5) * stride
						cy := (float32(y) + 0.5) * stride

						// bbox encodes distance to each edge
						bi := anchorIdx * 4
						x1 := clamp((cx-level.bboxes[bi]*stride)/scale, 0, float32(origWidth))
						y1 := clamp((cy-level.bboxes[bi+1]*stride)/scale, 0, float32(origHeight))
						x2 := clamp((cx+level.bboxes[bi+2]*stride)/scale, 0, float32(origWidth))
						y2 := clamp((cy+level.bboxes[bi+3]*stride)/scale, 0, float32(origHeight))

						ki := anchorIdx * 10
						kp := func(n int) frame.Point {
							return frame.Point{
								X: (cx + level.kps[ki+n*2]*stride) / scale,
								Y: (cy + level.kps[ki+n*2+1]*stride) / scale,
							}
						}

						regions = append(regions, frame.FaceRegion{
							Box: frame.BoundingBox{X1: x1, Y1: y1, X2: x2, Y2: y2},
							Landmarks: frame.Landmarks{
								LeftEye:    kp(0),
								RightEye:   kp(1),
								Nose:       kp(2),
								LeftMouth:  kp(3),
								RightMouth: kp(4),
							},
							Score: score,
						})
					}
					anchorIdx++
				}
			}
		}
	}

	return regions
}

// Close releases detector resources.
func (l *Locator) Close() error {
	return l.session.Destroy()
}

func sigmoid(x float32) float32 {
	return 1.0 / (1.0 + float32(math.Exp(float64(-x))))
}

func clamp(x, lo, hi float32) float32 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func matToFloat32(m gocv.Mat) []float32 {
	data := m.ToBytes()
	result := make([]float32, len(data)/4)
	for i := range result {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		result[i] = math.Float32frombits(bits)
	}
	return result
}
