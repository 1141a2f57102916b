package monitor

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/camctl/internal/httputil"
)

const defaultChartFrames = 300

// AttachAdminRoutes serves the trace as an HTML chart at /debug/controls.
// The frames query parameter limits how many recent frames are drawn.
func (t *Trace) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("controls", "exposure, gain and focus chart", t.handleChart)
}

func (t *Trace) handleChart(w http.ResponseWriter, r *http.Request) {
	limit := defaultChartFrames
	if v := r.URL.Query().Get("frames"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > len(t.frames) {
			httputil.BadRequest(w, "invalid frames")
			return
		}
		limit = n
	}

	frames := t.Frames(limit)
	x := make([]string, len(frames))
	exposure := make([]opts.LineData, len(frames))
	applied := make([]opts.LineData, len(frames))
	gain := make([]opts.LineData, len(frames))
	focus := make([]opts.LineData, len(frames))
	for i, f := range frames {
		x[i] = strconv.FormatUint(uint64(f.Sequence), 10)
		exposure[i] = opts.LineData{Value: f.Controls.ExposureLines}
		applied[i] = opts.LineData{Value: f.Sensor.Exposure}
		gain[i] = opts.LineData{Value: f.Controls.AnalogueGain}
		focus[i] = opts.LineData{Value: f.Controls.FocusStep}
	}

	subtitle := fmt.Sprintf("%d frames", len(frames))
	newLine := func(title string) *charts.Line {
		l := charts.NewLine()
		l.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px"}),
			charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
			charts.WithXAxisOpts(opts.XAxis{Name: "Frame"}),
		)
		l.SetXAxis(x)
		return l
	}

	exp := newLine("Exposure (lines)")
	exp.AddSeries("requested", exposure).AddSeries("applied", applied)
	g := newLine("Analogue gain")
	g.AddSeries("requested", gain)
	af := newLine("Focus step")
	af.AddSeries("focus", focus)

	page := components.NewPage()
	page.PageTitle = "Camera controls"
	page.AddCharts(exp, g, af)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
