package runner

import (
	"image"
	"math"

	"github.com/cockroachdb/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gocv.io/x/gocv"

	"github.com/visagelab/liveswap/internal/inference"
)

const encoderSize = 112

// Embedding is a 512-dimensional L2-normalized face identity vector.
type Embedding [512]float32

// Encoder extracts identity embeddings with an ArcFace model. Used once per
// model load to encode the source face; not part of the per-frame path.
type Encoder struct {
	session *inference.Session
}

// NewEncoder creates an ArcFace encoder.
func NewEncoder(modelPath string) (*Encoder, error) {
	inputNames := []string{"input.1"}
	outputNames := []string{"683"} // output node name in the arcface export

	session, err := inference.NewSession(modelPath, inputNames, outputNames)
	if err != nil {
		return nil, errors.Wrap(err, "create ArcFace session")
	}

	return &Encoder{session: session}, nil
}

// Extract computes the embedding from an aligned 112x112 face.
func (e *Encoder) Extract(alignedFace gocv.Mat) (*Embedding, error) {
	if alignedFace.Rows() != encoderSize || alignedFace.Cols() != encoderSize {
		return nil, errors.Wrapf(ErrShape, "expected %dx%d input, got %dx%d",
			encoderSize, encoderSize, alignedFace.Cols(), alignedFace.Rows())
	}

	inputData := e.preprocess(alignedFace)

	inputTensor, err := ort.NewTensor(ort.NewShape(1, 3, encoderSize, encoderSize), inputData)
	if err != nil {
		return nil, errors.Wrap(err, "create input tensor")
	}
	defer inputTensor.Destroy()

	outputTensor, err := inference.CreateEmptyTensor[float32]([]int64{1, 512})
	if err != nil {
		return nil, errors.Wrap(err, "create output tensor")
	}
	defer outputTensor.Destroy()

	if err := e.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return nil, errors.Wrap(err, "inference")
	}

	return normalizeEmbedding(outputTensor.GetData()), nil
}

// preprocess converts the aligned BGR face to normalized RGB NCHW.
func (e *Encoder) preprocess(img gocv.Mat) []float32 {
	rgb := gocv.NewMat()
	gocv.CvtColor(img, &rgb, gocv.ColorBGRToRGB)
	defer rgb.Close()

	floatImg := gocv.NewMat()
	rgb.ConvertTo(&floatImg, gocv.MatTypeCV32FC3)
	defer floatImg.Close()

	blob := gocv.BlobFromImage(floatImg, 1.0/255.0, image.Pt(encoderSize, encoderSize),
		gocv.NewScalar(0, 0, 0, 0), false, false)
	defer blob.Close()

	return bytesToFloat32(blob.ToBytes())
}

// normalizeEmbedding L2-normalizes the raw model output.
func normalizeEmbedding(data []float32) *Embedding {
	var embedding Embedding

	var norm float64
	for _, v := range data[:512] {
		norm += float64(v * v)
	}
	norm = math.Sqrt(norm)
	if norm < 1e-10 {
		norm = 1
	}

	for i := 0; i < 512; i++ {
		embedding[i] = data[i] / float32(norm)
	}

	return &embedding
}

// Close releases encoder resources.
func (e *Encoder) Close() error {
	return e.session.Destroy()
}

// CosineSimilarity computes cosine similarity between two embeddings.
// Embeddings are L2-normalized, so the dot product is the similarity.
func CosineSimilarity(a, b *Embedding) float32 {
	var dot float32
	for i := 0; i < 512; i++ {
		dot += a[i] * b[i]
	}
	return dot
}

func bytesToFloat32(data []byte) []float32 {
	result := make([]float32, len(data)/4)
	for i := range result {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		result[i] = math.Float32frombits(bits)
	}
	return result
}
