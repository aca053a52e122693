package main

import (
	"image"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/visagelab/liveswap/internal/config"
	"github.com/visagelab/liveswap/internal/frame"
	"github.com/visagelab/liveswap/internal/locator"
	"github.com/visagelab/liveswap/internal/runner"
	"github.com/visagelab/liveswap/internal/tracker"
)

// encoderInputSize is the canonical face size the identity encoder expects.
const encoderInputSize = 112

// sourceEmbedding extracts the identity vector of the face in the configured
// source image: detect, align to the encoder's canonical pose, encode. The
// encoder session only lives for this one extraction.
func sourceEmbedding(cfg config.Config, loc *locator.Locator, log *zap.Logger) (*runner.Embedding, error) {
	img := gocv.IMRead(cfg.SourceFace, gocv.IMReadColor)
	if img.Empty() {
		return nil, errors.Newf("cannot read source face image %s", cfg.SourceFace)
	}
	defer img.Close()

	regions, err := loc.LocateImage(img)
	if err != nil {
		return nil, errors.Wrapf(err, "detect face in %s", cfg.SourceFace)
	}
	if len(regions) == 0 {
		return nil, errors.Newf("no face found in source image %s", cfg.SourceFace)
	}

	best := regions[0]
	for _, r := range regions[1:] {
		if r.Score > best.Score {
			best = r
		}
	}

	transform, err := tracker.AlignTransform(best.Landmarks, encoderInputSize)
	if err != nil {
		return nil, errors.Wrap(err, "align source face")
	}
	warp := frame.AffineMat(transform)
	defer warp.Close()

	aligned := gocv.NewMat()
	defer aligned.Close()
	gocv.WarpAffine(img, &aligned, warp, image.Pt(encoderInputSize, encoderInputSize))

	enc, err := runner.NewEncoder(cfg.EncoderModel)
	if err != nil {
		return nil, err
	}
	defer enc.Close()

	embedding, err := enc.Extract(aligned)
	if err != nil {
		return nil, errors.Wrapf(err, "encode source face %s", cfg.SourceFace)
	}

	log.Info("source identity encoded",
		zap.String("image", cfg.SourceFace),
		zap.Float32("detect_score", best.Score))
	return embedding, nil
}
