package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// maxChartCells caps the number of heatmap cells sent to the browser. Larger
// frames are downsampled by stride before rendering.
const maxChartCells = 16384

// handleLatestHeatmap renders the most recent frame as an ECharts heatmap
// (HTML). This is a debugging-only endpoint to eyeball captured images
// without a client UI.
// Query params:
//   - max_cells (optional; default 16384) to reduce payload size
func (ws *WebServer) handleLatestHeatmap(w http.ResponseWriter, r *http.Request) {
	f := ws.Latest()
	if f == nil {
		ws.writeJSONError(w, http.StatusNotFound, "no frames captured yet")
		return
	}
	if f.XCount == 0 || f.YCount == 0 {
		ws.writeJSONError(w, http.StatusUnprocessableEntity, "frame has no region dimensions")
		return
	}

	maxCells := maxChartCells
	if mc := r.URL.Query().Get("max_cells"); mc != "" {
		if v, err := strconv.Atoi(mc); err == nil && v > 100 && v <= 100000 {
			maxCells = v
		}
	}

	// Downsample by stride along both axes to stay within maxCells.
	stride := 1
	if total := f.XCount * f.YCount; total > maxCells {
		stride = int(math.Ceil(math.Sqrt(float64(total) / float64(maxCells))))
	}

	xs := make([]string, 0, f.XCount/stride+1)
	for x := 0; x < f.XCount; x += stride {
		xs = append(xs, strconv.Itoa(x))
	}

	data := make([]opts.HeatMapData, 0, len(xs)*(f.YCount/stride+1))
	maxVal := float64(0)
	for y := 0; y < f.YCount; y += stride {
		for x := 0; x < f.XCount; x += stride {
			idx := y*f.XCount + x
			if idx >= len(f.Pixels) {
				continue
			}
			v := float64(f.Pixels[idx])
			if v > maxVal {
				maxVal = v
			}
			data = append(data, opts.HeatMapData{Value: []interface{}{x / stride, y / stride, v}})
		}
	}
	if maxVal == 0 {
		maxVal = 1
	}

	heatmap := charts.NewHeatMap()
	heatmap.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Scan Frame", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Latest Frame",
			Subtitle: fmt.Sprintf("frame=%s cookie=%#04x %dx%d stride=%d partial=%v", f.FrameID, f.Cookie, f.XCount, f.YCount, stride, f.Partial),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Name: "X"}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Name: "Y"}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxVal),
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}},
		}),
	)
	heatmap.SetXAxis(xs).AddSeries("intensity", data)

	var buf bytes.Buffer
	if err := heatmap.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render heatmap: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
