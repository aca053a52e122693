package runner

import (
	"encoding/binary"
	"math"
	"os"

	"github.com/cockroachdb/errors"
)

// Emap is the 512x512 latent projection shipped alongside inswapper-family
// artifacts. The generator does not consume the raw identity embedding; it
// expects the embedding projected into its latent space and re-normalized.
type Emap [512][512]float32

// LoadEmap reads the projection matrix from its raw little-endian float32
// dump.
func LoadEmap(path string) (*Emap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read emap %s", path)
	}

	const expected = 512 * 512 * 4
	if len(data) != expected {
		return nil, errors.Newf("emap %s is %d bytes, want %d", path, len(data), expected)
	}

	var emap Emap
	for i := 0; i < 512; i++ {
		for j := 0; j < 512; j++ {
			offset := (i*512 + j) * 4
			emap[i][j] = math.Float32frombits(binary.LittleEndian.Uint32(data[offset : offset+4]))
		}
	}
	return &emap, nil
}

// Project maps an identity embedding into the generator's latent space:
// latent = embedding @ emap, L2-normalized.
func (e *Emap) Project(embedding *Embedding) *Embedding {
	var latent Embedding
	for j := 0; j < 512; j++ {
		var sum float32
		for i := 0; i < 512; i++ {
			sum += embedding[i] * e[i][j]
		}
		latent[j] = sum
	}

	var norm float64
	for _, v := range latent {
		norm += float64(v * v)
	}
	if n := float32(math.Sqrt(norm)); n > 0 {
		for i := range latent {
			latent[i] /= n
		}
	}
	return &latent
}
