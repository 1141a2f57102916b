package monitor

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/camctl/internal/ipa/controller"
)

var (
	requestedColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	appliedColor   = color.RGBA{R: 255, G: 127, B: 14, A: 255}
)

type series struct {
	label string
	color color.Color
	value func(controller.FrameRecord) float64
}

// GeneratePlots writes exposure, gain and focus convergence plots for the
// held frames into outputDir and returns the number of files written.
func (t *Trace) GeneratePlots(outputDir string) (int, error) {
	frames := t.Frames(0)
	if len(frames) == 0 {
		return 0, nil
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create output dir: %w", err)
	}

	specs := []struct {
		file   string
		title  string
		yLabel string
		series []series
	}{
		{
			file: "exposure.png", title: "Exposure", yLabel: "Lines",
			series: []series{
				{"requested", requestedColor, func(r controller.FrameRecord) float64 { return float64(r.Controls.ExposureLines) }},
				{"applied", appliedColor, func(r controller.FrameRecord) float64 { return float64(r.Sensor.Exposure) }},
			},
		},
		{
			file: "gain.png", title: "Analogue gain", yLabel: "Gain",
			series: []series{
				{"requested", requestedColor, func(r controller.FrameRecord) float64 { return r.Controls.AnalogueGain }},
				{"applied", appliedColor, func(r controller.FrameRecord) float64 { return r.Sensor.Gain }},
			},
		},
		{
			file: "focus.png", title: "Focus", yLabel: "Lens step",
			series: []series{
				{"focus", requestedColor, func(r controller.FrameRecord) float64 { return float64(r.Controls.FocusStep) }},
			},
		},
		{
			file: "contrast.png", title: "AF contrast", yLabel: "Variance",
			series: []series{
				{"variance", requestedColor, func(r controller.FrameRecord) float64 { return r.AFVariance }},
			},
		},
	}

	n := 0
	for _, s := range specs {
		p := plot.New()
		p.Title.Text = s.title
		p.X.Label.Text = "Frame"
		p.Y.Label.Text = s.yLabel
		for _, ser := range s.series {
			pts := make(plotter.XYs, len(frames))
			for i, r := range frames {
				pts[i] = plotter.XY{X: float64(r.Sequence), Y: ser.value(r)}
			}
			line, err := plotter.NewLine(pts)
			if err != nil {
				return n, fmt.Errorf("%s: %w", s.file, err)
			}
			line.Color = ser.color
			line.Width = vg.Points(1)
			p.Add(line)
			p.Legend.Add(ser.label, line)
		}
		p.Legend.Top = true
		p.Legend.Left = false
		p.Legend.XOffs = -10
		p.Legend.YOffs = -10

		if err := p.Save(12*vg.Inch, 5*vg.Inch, filepath.Join(outputDir, s.file)); err != nil {
			return n, fmt.Errorf("save %s: %w", s.file, err)
		}
		n++
	}
	return n, nil
}
