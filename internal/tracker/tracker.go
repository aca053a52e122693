// Package tracker aligns detected faces to a canonical pose and persists
// identity across frames so full detection does not run every frame.
//
// While the track is confident the tracker re-estimates from its smoothed
// state inside the last known region; a fresh detection is requested at a
// configurable duty cycle or after tracking loss. On successful alignment the
// forward similarity transform is stored so the compositor can invert it.
package tracker

import (
	"image"
	"math"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/visagelab/liveswap/internal/frame"
	"github.com/visagelab/liveswap/internal/geom"
)

// Canonical 5-point template for a 112x112 aligned face (ArcFace convention).
// Scaled up to the configured crop size at alignment time.
var canonicalTemplate = [5]geom.Point2{
	{X: 38.2946, Y: 51.6963}, // left eye
	{X: 73.5318, Y: 51.5014}, // right eye
	{X: 56.0252, Y: 71.7366}, // nose
	{X: 41.5493, Y: 92.3655}, // left mouth
	{X: 70.7299, Y: 92.2041}, // right mouth
}

const templateSize = 112.0

// Config holds tracker tuning. The duty-cycle ratio and smoothing strength
// are product-tuning parameters, so they are configuration, not constants.
type Config struct {
	CropSize       int     // canonical crop edge length
	DetectEveryN   int     // full detection duty cycle in frames
	LossThreshold  int     // missed frames tolerated before track reset
	SmoothingAlpha float64 // EMA weight for new observations, (0,1]
	MinScore       float32 // detections below this are treated as misses
	MaxJumpRatio   float64 // max center jump per frame, fraction of frame width
}

// DefaultConfig returns tuning that holds a webcam face steady at 30fps.
func DefaultConfig() Config {
	return Config{
		CropSize:       128,
		DetectEveryN:   5,
		LossThreshold:  8,
		SmoothingAlpha: 0.4,
		MinScore:       0.5,
		MaxJumpRatio:   0.3,
	}
}

// TrackState is the per-identity persisted state. Exactly one per tracked
// face per pipeline instance; mutated only by the Tracker.
type TrackState struct {
	Landmarks         frame.Landmarks
	Box               frame.BoundingBox
	Score             float32
	LastSeenSeq       uint64
	MissedFrames      int
	FramesSinceDetect int
}

// Tracker owns the track state for a single face.
type Tracker struct {
	cfg   Config
	log   *zap.Logger
	state *TrackState // nil when not tracking
}

// New creates a tracker.
func New(cfg Config, log *zap.Logger) *Tracker {
	if cfg.CropSize <= 0 {
		cfg.CropSize = 128
	}
	if cfg.SmoothingAlpha <= 0 || cfg.SmoothingAlpha > 1 {
		cfg.SmoothingAlpha = 0.4
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{cfg: cfg, log: log}
}

// NeedsDetection reports whether the next frame should run full detection
// instead of lightweight re-estimation.
func (t *Tracker) NeedsDetection() bool {
	if t.state == nil {
		return true
	}
	if t.state.MissedFrames > 0 {
		return true
	}
	return t.state.FramesSinceDetect >= t.cfg.DetectEveryN-1
}

// State returns the current track state, or nil when no face is tracked.
func (t *Tracker) State() *TrackState {
	return t.state
}

// Reset drops the track.
func (t *Tracker) Reset() {
	if t.state != nil {
		t.log.Debug("track reset", zap.Uint64("last_seen_seq", t.state.LastSeenSeq))
	}
	t.state = nil
}

// Update advances the track with this frame's detections (regions is the
// locator output when detection ran; detectionRan is false on tracked frames)
// and produces the canonical-pose crop. ok is false when no face is available
// for this frame, in which case the compositor passes the frame through.
func (t *Tracker) Update(f *frame.Frame, regions []frame.FaceRegion, detectionRan bool) (*frame.AlignedCrop, bool) {
	landmarks, ok := t.advance(regions, detectionRan, f.Seq, f.Width)
	if !ok {
		return nil, false
	}

	crop, err := t.align(f, landmarks)
	if err != nil {
		// Degenerate landmark geometry: treat as tracking loss.
		t.log.Warn("alignment failed, treating as tracking loss",
			zap.Uint64("seq", f.Seq), zap.Error(err))
		t.miss(f.Seq, false)
		return nil, false
	}
	return crop, true
}

// advance is the pure bookkeeping half of Update: it selects an observation,
// applies smoothing, and maintains the loss counters.
func (t *Tracker) advance(regions []frame.FaceRegion, detectionRan bool, seq uint64, frameWidth int) (frame.Landmarks, bool) {
	if detectionRan {
		best, found := t.selectRegion(regions, frameWidth)
		if !found {
			// An empty detection means the frame has no face to composite;
			// candidates that were merely rejected may still belong to the
			// tracked identity, so only those carry the crop forward.
			return t.miss(seq, len(regions) > 0)
		}
		if t.state == nil {
			t.state = &TrackState{
				Landmarks:   best.Landmarks,
				Box:         best.Box,
				Score:       best.Score,
				LastSeenSeq: seq,
			}
			t.log.Debug("track acquired", zap.Uint64("seq", seq),
				zap.Float32("score", best.Score))
			return t.state.Landmarks, true
		}

		t.smooth(best)
		t.state.LastSeenSeq = seq
		t.state.MissedFrames = 0
		t.state.FramesSinceDetect = 0
		return t.state.Landmarks, true
	}

	// Lightweight path: re-use the smoothed state within the last region.
	if t.state == nil {
		return frame.Landmarks{}, false
	}
	t.state.FramesSinceDetect++
	t.state.LastSeenSeq = seq
	return t.state.Landmarks, true
}

// miss records a missed observation and decides whether the track survives.
// The state is kept across short misses so a reappearing face re-acquires
// without a cold start, but a crop is emitted only when carry is set: a frame
// whose detection came back empty must pass through unswapped.
func (t *Tracker) miss(seq uint64, carry bool) (frame.Landmarks, bool) {
	if t.state == nil {
		return frame.Landmarks{}, false
	}
	t.state.MissedFrames++
	if t.state.MissedFrames > t.cfg.LossThreshold {
		t.log.Info("track lost", zap.Uint64("seq", seq),
			zap.Int("missed_frames", t.state.MissedFrames))
		t.state = nil
		return frame.Landmarks{}, false
	}
	t.state.FramesSinceDetect++
	if !carry {
		return frame.Landmarks{}, false
	}
	return t.state.Landmarks, true
}

// selectRegion picks the detection belonging to the current track, or the
// highest-scoring face when no track exists.
func (t *Tracker) selectRegion(regions []frame.FaceRegion, frameWidth int) (frame.FaceRegion, bool) {
	var best frame.FaceRegion
	found := false

	if t.state == nil {
		for _, r := range regions {
			if r.Score < t.cfg.MinScore {
				continue
			}
			if !found || r.Score > best.Score {
				best = r
				found = true
			}
		}
		return best, found
	}

	center := t.state.Box.Center()
	maxJump := t.cfg.MaxJumpRatio * float64(frameWidth)
	bestDist := math.Inf(1)
	for _, r := range regions {
		if r.Score < t.cfg.MinScore {
			continue
		}
		c := r.Box.Center()
		dist := math.Hypot(float64(c.X-center.X), float64(c.Y-center.Y))
		if dist > maxJump {
			continue
		}
		if dist < bestDist {
			best = r
			bestDist = dist
			found = true
		}
	}
	return best, found
}

// smooth applies EMA to the new observation. Confidence is not smoothed.
func (t *Tracker) smooth(obs frame.FaceRegion) {
	a := float32(t.cfg.SmoothingAlpha)
	ema := func(old, new float32) float32 { return a*new + (1-a)*old }

	s := t.state
	s.Landmarks.LeftEye.X = ema(s.Landmarks.LeftEye.X, obs.Landmarks.LeftEye.X)
	s.Landmarks.LeftEye.Y = ema(s.Landmarks.LeftEye.Y, obs.Landmarks.LeftEye.Y)
	s.Landmarks.RightEye.X = ema(s.Landmarks.RightEye.X, obs.Landmarks.RightEye.X)
	s.Landmarks.RightEye.Y = ema(s.Landmarks.RightEye.Y, obs.Landmarks.RightEye.Y)
	s.Landmarks.Nose.X = ema(s.Landmarks.Nose.X, obs.Landmarks.Nose.X)
	s.Landmarks.Nose.Y = ema(s.Landmarks.Nose.Y, obs.Landmarks.Nose.Y)
	s.Landmarks.LeftMouth.X = ema(s.Landmarks.LeftMouth.X, obs.Landmarks.LeftMouth.X)
	s.Landmarks.LeftMouth.Y = ema(s.Landmarks.LeftMouth.Y, obs.Landmarks.LeftMouth.Y)
	s.Landmarks.RightMouth.X = ema(s.Landmarks.RightMouth.X, obs.Landmarks.RightMouth.X)
	s.Landmarks.RightMouth.Y = ema(s.Landmarks.RightMouth.Y, obs.Landmarks.RightMouth.Y)

	s.Box.X1 = ema(s.Box.X1, obs.Box.X1)
	s.Box.Y1 = ema(s.Box.Y1, obs.Box.Y1)
	s.Box.X2 = ema(s.Box.X2, obs.Box.X2)
	s.Box.Y2 = ema(s.Box.Y2, obs.Box.Y2)
	s.Score = obs.Score
}

// align warps the face to the canonical pose and records the transform.
func (t *Tracker) align(f *frame.Frame, landmarks frame.Landmarks) (*frame.AlignedCrop, error) {
	transform, err := AlignTransform(landmarks, t.cfg.CropSize)
	if err != nil {
		return nil, err
	}

	m := frame.AffineMat(transform)
	defer m.Close()

	aligned := gocv.NewMat()
	gocv.WarpAffine(*f.Image, &aligned, m, image.Pt(t.cfg.CropSize, t.cfg.CropSize))

	return &frame.AlignedCrop{
		Image:     &aligned,
		Size:      t.cfg.CropSize,
		Transform: transform,
		Region: frame.FaceRegion{
			Landmarks: landmarks,
			Box:       t.state.Box,
			Score:     t.state.Score,
			Seq:       f.Seq,
		},
		Seq: f.Seq,
	}, nil
}

// AlignTransform computes the similarity transform mapping the detected
// landmarks onto the canonical template scaled to cropSize.
func AlignTransform(landmarks frame.Landmarks, cropSize int) (geom.Affine, error) {
	scale := float64(cropSize) / templateSize

	src := []geom.Point2{
		{X: float64(landmarks.LeftEye.X), Y: float64(landmarks.LeftEye.Y)},
		{X: float64(landmarks.RightEye.X), Y: float64(landmarks.RightEye.Y)},
		{X: float64(landmarks.Nose.X), Y: float64(landmarks.Nose.Y)},
		{X: float64(landmarks.LeftMouth.X), Y: float64(landmarks.LeftMouth.Y)},
		{X: float64(landmarks.RightMouth.X), Y: float64(landmarks.RightMouth.Y)},
	}
	dst := make([]geom.Point2, 5)
	for i, p := range canonicalTemplate {
		dst[i] = geom.Point2{X: p.X * scale, Y: p.Y * scale}
	}

	return geom.EstimateSimilarity(src, dst)
}
