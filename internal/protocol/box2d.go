package protocol

// BoxScale is the normalized coordinate range. All bounding boxes on the
// wire use integers in [0, BoxScale] regardless of the actual viewport;
// pixel conversion happens only at render time.
const BoxScale = 1000

// Box2D is a normalized bounding box.
type Box2D struct {
	YMin int `json:"ymin"`
	XMin int `json:"xmin"`
	YMax int `json:"ymax"`
	XMax int `json:"xmax"`
}

// PixelRect is a bounding box in canvas pixels.
type PixelRect struct {
	X float64
	Y float64
	W float64
	H float64
}

// BoxToPixel converts a normalized box to a pixel rectangle for a canvas of
// the given size.
func BoxToPixel(box Box2D, canvasW, canvasH float64) PixelRect {
	x := float64(box.XMin) / BoxScale * canvasW
	y := float64(box.YMin) / BoxScale * canvasH
	w := float64(box.XMax-box.XMin) / BoxScale * canvasW
	h := float64(box.YMax-box.YMin) / BoxScale * canvasH
	return PixelRect{X: x, Y: y, W: w, H: h}
}

// PixelToBox converts a pixel rectangle back to a normalized box, clamping
// to [0, BoxScale] so out-of-canvas drags still produce a valid box.
func PixelToBox(r PixelRect, canvasW, canvasH float64) Box2D {
	if canvasW <= 0 || canvasH <= 0 {
		return Box2D{}
	}
	return Box2D{
		YMin: clampCoord(r.Y / canvasH * BoxScale),
		XMin: clampCoord(r.X / canvasW * BoxScale),
		YMax: clampCoord((r.Y + r.H) / canvasH * BoxScale),
		XMax: clampCoord((r.X + r.W) / canvasW * BoxScale),
	}
}

// Contains reports whether the normalized point (x, y) falls inside the box.
func (b Box2D) Contains(x, y int) bool {
	return x >= b.XMin && x <= b.XMax && y >= b.YMin && y <= b.YMax
}

func clampCoord(v float64) int {
	if v < 0 {
		return 0
	}
	if v > BoxScale {
		return BoxScale
	}
	return int(v + 0.5)
}
