package predictions

import (
	"image/color"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PlotPath returns the PNG drawn next to a prediction file.
func PlotPath(predictionPath string) string {
	return strings.TrimSuffix(predictionPath, ".txt") + ".png"
}

// Plot draws the bag predictions of one patient (blue) against the bag
// truths (grey) and saves the figure as PNG.
func Plot(path, patientID string, records []Record) error {
	if len(records) == 0 {
		return errors.Errorf("no predictions to plot for %s", patientID)
	}
	preds := make(plotter.XYs, len(records))
	truths := make(plotter.XYs, len(records))
	for i, r := range records {
		preds[i].X, preds[i].Y = float64(r.BagID), float64(r.Pred)
		truths[i].X, truths[i].Y = float64(r.BagID), float64(r.Truth)
	}

	p := plot.New()
	p.Title.Text = "Bag predictions: " + patientID
	p.X.Label.Text = "bag_id"
	p.Y.Label.Text = "tumor purity"

	truth, err := plotter.NewScatter(truths)
	if err != nil {
		return errors.WithStack(err)
	}
	truth.GlyphStyle.Color = color.RGBA{R: 120, G: 120, B: 120, A: 180}
	truth.GlyphStyle.Radius = vg.Points(1.8)
	p.Add(truth)
	p.Legend.Add("truth", truth)

	pred, err := plotter.NewScatter(preds)
	if err != nil {
		return errors.WithStack(err)
	}
	pred.GlyphStyle.Color = color.RGBA{R: 20, G: 80, B: 200, A: 220}
	pred.GlyphStyle.Radius = vg.Points(2.2)
	p.Add(pred)
	p.Legend.Add("pred", pred)

	p.Add(plotter.NewGrid())
	p.Y.Min = min(0, minY(preds))
	p.Y.Max = max(1, maxY(preds))

	if err = p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "failed to save plot %s", path)
	}
	return nil
}

func minY(xys plotter.XYs) float64 {
	m := xys[0].Y
	for _, p := range xys[1:] {
		m = min(m, p.Y)
	}
	return m
}

func maxY(xys plotter.XYs) float64 {
	m := xys[0].Y
	for _, p := range xys[1:] {
		m = max(m, p.Y)
	}
	return m
}
