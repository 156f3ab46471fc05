// Package geometry turns detected percentage corners into the pixel corners
// used for cropping and perspective correction.
package geometry

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	MaxOffsetPercent = 10.0
	cornerCount      = 4
)

// Corner labels in the fixed TL, TR, BR, BL order.
var Labels = [cornerCount]string{"top-left", "top-right", "bottom-right", "bottom-left"}

var (
	ErrCornerCount       = errors.New("exactly four corners are required")
	ErrMissingCoordinate = errors.New("corner is missing a coordinate")
	ErrInvalidDimensions = errors.New("image dimensions must be positive")
)

// PercentCorner is one detected corner as percentages of the image size.
// Nil coordinates mark values the model failed to provide.
type PercentCorner struct {
	X     *float64 `json:"x_percent"`
	Y     *float64 `json:"y_percent"`
	Label string   `json:"label,omitempty"`
}

// Corner carries both the pixel and the percentage representation.
type Corner struct {
	Label    string  `json:"label"`
	X        int     `json:"x"`
	Y        int     `json:"y"`
	XPercent float64 `json:"x_percent"`
	YPercent float64 `json:"y_percent"`
}

// Result is the output of Derive.
type Result struct {
	Corners       [cornerCount]Corner `json:"corners"`
	AvgWidth      float64             `json:"avg_width"`
	AvgHeight     float64             `json:"avg_height"`
	OffsetPercent float64             `json:"offset_percent"`
	ImageWidth    int                 `json:"image_width"`
	ImageHeight   int                 `json:"image_height"`
}

type point struct {
	x, y float64
}

// Derive converts percentage corners to pixels, moves each corner inward by
// offsetPercent of the average edge lengths and clamps to the image bounds.
func Derive(in []PercentCorner, width, height int, offsetPercent float64) (Result, error) {
	if len(in) != cornerCount {
		return Result{}, fmt.Errorf("%w: got %d", ErrCornerCount, len(in))
	}
	if width <= 0 || height <= 0 {
		return Result{}, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	for i, c := range in {
		if c.X == nil || c.Y == nil {
			return Result{}, fmt.Errorf("%w: %s", ErrMissingCoordinate, Labels[i])
		}
	}
	offsetPercent = clampFloat(offsetPercent, 0, MaxOffsetPercent)

	var px [cornerCount]point
	for i, c := range in {
		px[i] = point{
			x: math.Round(*c.X / 100 * float64(width)),
			y: math.Round(*c.Y / 100 * float64(height)),
		}
	}

	tl, tr, br, bl := px[0], px[1], px[2], px[3]
	avgWidth := (distance(tl, tr) + distance(bl, br)) / 2
	avgHeight := (distance(tl, bl) + distance(tr, br)) / 2

	dx := offsetPercent / 100 * avgWidth
	dy := offsetPercent / 100 * avgHeight
	signs := [cornerCount]point{{1, 1}, {-1, 1}, {-1, -1}, {1, -1}}

	res := Result{
		AvgWidth:      avgWidth,
		AvgHeight:     avgHeight,
		OffsetPercent: offsetPercent,
		ImageWidth:    width,
		ImageHeight:   height,
	}
	for i, p := range px {
		x := clampInt(int(math.Round(p.x+signs[i].x*dx)), 0, width-1)
		y := clampInt(int(math.Round(p.y+signs[i].y*dy)), 0, height-1)
		res.Corners[i] = Corner{
			Label:    Labels[i],
			X:        x,
			Y:        y,
			XPercent: roundTo(float64(x)/float64(width)*100, 4),
			YPercent: roundTo(float64(y)/float64(height)*100, 4),
		}
	}
	return res, nil
}

// OutputSize is the rectified canvas size: the longer of each pair of
// opposite edges of the adjusted quadrilateral.
func (r Result) OutputSize() (int, int) {
	var p [cornerCount]point
	for i, c := range r.Corners {
		p[i] = point{float64(c.X), float64(c.Y)}
	}
	w := math.Max(distance(p[0], p[1]), distance(p[3], p[2]))
	h := math.Max(distance(p[0], p[3]), distance(p[1], p[2]))
	return int(math.Round(w)), int(math.Round(h))
}

// ParseCorners reads the "corners" array of an extracted model answer.
// Coordinates may be keyed x/y or x_percent/y_percent and may be numbers or
// numeric strings.
func ParseCorners(v any) ([]PercentCorner, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: corners is not a list", ErrCornerCount)
	}
	if len(list) != cornerCount {
		return nil, fmt.Errorf("%w: got %d", ErrCornerCount, len(list))
	}
	out := make([]PercentCorner, cornerCount)
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not an object", ErrMissingCoordinate, Labels[i])
		}
		x, okX := number(m, "x", "x_percent")
		y, okY := number(m, "y", "y_percent")
		if !okX || !okY {
			return nil, fmt.Errorf("%w: %s", ErrMissingCoordinate, Labels[i])
		}
		label, _ := m["label"].(string)
		out[i] = PercentCorner{X: &x, Y: &y, Label: label}
	}
	return out, nil
}

// ValidateCorners is an extraction validator for corner detection answers.
func ValidateCorners(obj map[string]any) error {
	_, err := ParseCorners(obj["corners"])
	return err
}

func number(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v, !math.IsNaN(v) && !math.IsInf(v, 0)
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func distance(a, b point) float64 {
	return math.Hypot(b.x-a.x, b.y-a.y)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
