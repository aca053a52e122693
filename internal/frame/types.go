package frame

// Point represents a 2D point in frame coordinates
type Point struct {
	X, Y float32
}

// BoundingBox represents a face bounding box
type BoundingBox struct {
	X1, Y1 float32 // top-left
	X2, Y2 float32 // bottom-right
}

// Width returns box width
func (b BoundingBox) Width() float32 {
	return b.X2 - b.X1
}

// Height returns box height
func (b BoundingBox) Height() float32 {
	return b.Y2 - b.Y1
}

// Center returns box center point
func (b BoundingBox) Center() Point {
	return Point{
		X: (b.X1 + b.X2) / 2,
		Y: (b.Y1 + b.Y2) / 2,
	}
}

// Area returns box area
func (b BoundingBox) Area() float32 {
	return b.Width() * b.Height()
}

// Landmarks represents 5 facial landmark points
type Landmarks struct {
	LeftEye    Point
	RightEye   Point
	Nose       Point
	LeftMouth  Point
	RightMouth Point
}

// AsSlice returns landmarks as a flat slice [x0,y0,x1,y1,...]
func (l Landmarks) AsSlice() []float32 {
	return []float32{
		l.LeftEye.X, l.LeftEye.Y,
		l.RightEye.X, l.RightEye.Y,
		l.Nose.X, l.Nose.Y,
		l.LeftMouth.X, l.LeftMouth.Y,
		l.RightMouth.X, l.RightMouth.Y,
	}
}

// FaceRegion is one detected face. Immutable once produced; Seq ties it to
// the frame it was computed from.
type FaceRegion struct {
	Box       BoundingBox
	Landmarks Landmarks
	Score     float32
	Seq       uint64
}
