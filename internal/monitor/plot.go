package monitor

import (
	"fmt"
	"net/http"

	"github.com/nanographs/scan-generator/internal/frame"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// frameGrid adapts a captured frame to the plotter.GridXYZ interface so it
// can be rendered as a heatmap. Row 0 of the frame is the first scanned row,
// which plots at the bottom of the image.
type frameGrid struct {
	f *frame.Frame
}

func (g frameGrid) Dims() (int, int) { return g.f.XCount, g.f.YCount }

func (g frameGrid) X(c int) float64 { return float64(c) }

func (g frameGrid) Y(r int) float64 { return float64(r) }

func (g frameGrid) Z(c, r int) float64 {
	idx := r*g.f.XCount + c
	if idx >= len(g.f.Pixels) {
		return 0
	}
	return float64(g.f.Pixels[idx])
}

// handleLatestPNG renders the most recent frame as a PNG heatmap.
func (ws *WebServer) handleLatestPNG(w http.ResponseWriter, r *http.Request) {
	f := ws.Latest()
	if f == nil {
		ws.writeJSONError(w, http.StatusNotFound, "no frames captured yet")
		return
	}
	if f.XCount == 0 || f.YCount == 0 {
		ws.writeJSONError(w, http.StatusUnprocessableEntity, "frame has no region dimensions")
		return
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Frame %s (cookie %#04x)", f.FrameID, f.Cookie)
	p.X.Label.Text = "X"
	p.Y.Label.Text = "Y"

	hm := plotter.NewHeatMap(frameGrid{f: f}, palette.Heat(256, 1))
	p.Add(hm)

	wt, err := p.WriterTo(8*vg.Inch, 8*vg.Inch, "png")
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render frame image: %v", err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		// Client likely went away mid-write.
		return
	}
}
