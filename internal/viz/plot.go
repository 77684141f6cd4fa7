// Package viz renders per-level centricity curves and detection scores as images.
package viz

import (
	"fmt"
	"image/color"

	"github.com/hanielwang/Audio-Visual-TAD/internal/decode"
	"github.com/hanielwang/Audio-Visual-TAD/internal/features"
	"github.com/hanielwang/Audio-Visual-TAD/internal/head"
	"github.com/hanielwang/Audio-Visual-TAD/internal/segments"
	"github.com/hanielwang/Audio-Visual-TAD/pkg/util"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Size of the saved image
var (
	Width  = 14 * vg.Inch
	Height = 6 * vg.Inch
)

// CurvePoints returns the sigmoid centricity of every valid timestep of pred,
// placed at the timestep's absolute time.
func CurvePoints(pred *head.LevelPrediction, tb features.TimeBase) plotter.XYs {
	pts := make(plotter.XYs, 0, pred.Len())
	stride := float64(pred.Stride)
	for i := 0; i < pred.Len(); i++ {
		if !pred.Mask[i] {
			continue
		}
		pts = append(pts, plotter.XY{
			X: tb.Seconds(float64(i) * stride),
			Y: decode.Sigmoid(pred.Centricity[i]),
		})
	}
	return pts
}

// ScorePoints places each detection at its segment midpoint
func ScorePoints(dets []segments.Detection) plotter.XYs {
	pts := make(plotter.XYs, len(dets))
	for i, d := range dets {
		pts[i] = plotter.XY{X: (d.Start + d.End) / 2, Y: d.Score}
	}
	return pts
}

// Centricity saves a plot with one centricity curve per level and a scatter of
// detection scores. The image format follows the extension of path.
func Centricity(path, title string, preds []*head.LevelPrediction, tb features.TimeBase, dets []segments.Detection) error {
	if len(preds) == 0 && len(dets) == 0 {
		return fmt.Errorf("nothing to plot")
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (s)"
	if tb.IsZero() {
		p.X.Label.Text = "Grid position"
	}
	p.Y.Label.Text = "Centricity / score"
	p.Y.Min = 0
	p.Y.Max = 1

	colors := generateColors(len(preds))
	for i, pred := range preds {
		pts := CurvePoints(pred, tb)
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = colors[i]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("level %d (stride %d)", pred.Level, pred.Stride), line)
	}

	if len(dets) > 0 {
		scatter, err := plotter.NewScatter(ScorePoints(dets))
		if err != nil {
			return err
		}
		scatter.GlyphStyle.Color = color.RGBA{A: 255}
		scatter.GlyphStyle.Radius = vg.Points(2)
		p.Add(scatter)
		p.Legend.Add("detections", scatter)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := util.EnsureParent(path); err != nil {
		return err
	}
	if err := p.Save(Width, Height, path); err != nil {
		return fmt.Errorf("save plot %s: %w", path, err)
	}
	return nil
}

// generateColors spreads n hues evenly around the colour wheel
func generateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}

	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		r, g, b := hslToRGB(float64(i)/float64(n), 0.7, 0.5)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

func hslToRGB(h, s, l float64) (r, g, b uint8) {
	if s == 0 {
		v := uint8(l * 255)
		return v, v, v
	}
	q := l + s - l*s
	if l < 0.5 {
		q = l * (1 + s)
	}
	p := 2*l - q
	return uint8(hueToRGB(p, q, h+1.0/3) * 255),
		uint8(hueToRGB(p, q, h) * 255),
		uint8(hueToRGB(p, q, h-1.0/3) * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6:
		return p + (q-p)*6*t
	case t < 0.5:
		return q
	case t < 2.0/3:
		return p + (q-p)*(2.0/3-t)*6
	}
	return p
}
