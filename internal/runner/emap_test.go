package runner

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmapRejectsTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emap.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 1024), 0o644))

	_, err := LoadEmap(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1024 bytes")
}

func TestLoadEmapIdentityRoundTrip(t *testing.T) {
	// Identity projection: Project must reduce to plain L2 normalization.
	buf := make([]byte, 512*512*4)
	for i := 0; i < 512; i++ {
		offset := (i*512 + i) * 4
		binary.LittleEndian.PutUint32(buf[offset:], math.Float32bits(1))
	}
	path := filepath.Join(t.TempDir(), "emap.bin")
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	emap, err := LoadEmap(path)
	require.NoError(t, err)

	var embedding Embedding
	embedding[0] = 3
	embedding[1] = 4

	latent := emap.Project(&embedding)
	assert.InDelta(t, 0.6, latent[0], 1e-6)
	assert.InDelta(t, 0.8, latent[1], 1e-6)

	var norm float64
	for _, v := range latent {
		norm += float64(v * v)
	}
	assert.InDelta(t, 1.0, norm, 1e-6)
}

func TestProjectZeroEmbedding(t *testing.T) {
	var emap Emap
	var embedding Embedding

	latent := emap.Project(&embedding)
	for _, v := range latent {
		assert.Zero(t, v)
	}
}

func TestL2NormalizeUnitLength(t *testing.T) {
	var embedding Embedding
	for i := range embedding {
		embedding[i] = float32(i%7) - 3
	}

	out := l2Normalize(&embedding)
	var norm float64
	for _, v := range out {
		norm += float64(v * v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}
