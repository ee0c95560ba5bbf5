package calibration

import (
	"fmt"
	"image/color"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"go.orion.dev/depth/utils"
)

// WriteReport plots the reprojection error of every sample next to the overall RMS and saves it
// to path. The format follows the extension (png, svg, pdf).
func WriteReport(path string, sc *StereoCalibration) error {
	if sc == nil || len(sc.ViewErrors) == 0 {
		return errors.New("calibration has no per sample errors to plot")
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Stereo reprojection error (RMS %.3f px)", sc.RMS)
	p.X.Label.Text = "Sample"
	p.Y.Label.Text = "RMS error (px)"

	bars, err := plotter.NewBarChart(plotter.Values(sc.ViewErrors), vg.Points(12))
	if err != nil {
		return err
	}
	bars.Color = color.RGBA{R: 70, G: 130, B: 180, A: 255}
	bars.LineStyle.Width = vg.Length(0)
	p.Add(bars)

	overall := make(plotter.XYs, 2)
	overall[0] = plotter.XY{X: -0.5, Y: sc.RMS}
	overall[1] = plotter.XY{X: float64(len(sc.ViewErrors)) - 0.5, Y: sc.RMS}
	line, err := plotter.NewLine(overall)
	if err != nil {
		return err
	}
	line.Color = color.RGBA{R: 200, G: 50, B: 50, A: 255}
	line.Width = vg.Points(1)
	line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(line)
	p.Legend.Add("sample", bars)
	p.Legend.Add("overall", line)
	p.Legend.Top = true

	width := vg.Length(max(len(sc.ViewErrors), 10)) * 0.5 * vg.Inch
	if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	return p.Save(width, 4*vg.Inch, path)
}
