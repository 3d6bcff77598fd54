package api

import (
	"bytes"
	"fmt"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/presence.report/internal/httputil"
)

// tierColor maps an alert tier to its series color on the debug chart.
func tierColor(tier string) string {
	switch tier {
	case "red":
		return "#ff5252"
	case "orange":
		return "#ff9800"
	case "yellow":
		return "#fde725"
	case "blue":
		return "#31688e"
	default:
		return "#9e9e9e"
	}
}

// handleTrailsChart renders recent track trails as a scatter plot (HTML).
// This is a debugging-only endpoint to eyeball track behaviour without a
// frontend. One series per alert tier so tiers are visually separable.
func (s *Server) handleTrailsChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "persistence not configured")
		return
	}

	since, limit := s.trailWindow(r)
	points, err := s.store.RecentTrails(r.Context(), since, limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to query trails: %v", err))
		return
	}
	if len(points) == 0 {
		httputil.WriteJSONError(w, http.StatusNotFound, "no trail points in window")
		return
	}

	series := make(map[string][]opts.ScatterData)
	maxAbs := 0.0
	for _, p := range points {
		if math.Abs(p.X) > maxAbs {
			maxAbs = math.Abs(p.X)
		}
		if math.Abs(p.Y) > maxAbs {
			maxAbs = math.Abs(p.Y)
		}
		series[p.Tier] = append(series[p.Tier], opts.ScatterData{
			Value: []interface{}{p.X, p.Y, p.Confidence},
		})
	}

	// Add a small padding so points at the edges are visible
	pad := maxAbs * 1.05
	if pad == 0 {
		pad = 1.0
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Presence Trails", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Track Trails", Subtitle: fmt.Sprintf("session=%s points=%d", s.sessionID, len(points))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)

	// Fixed tier order keeps the legend stable across reloads.
	for _, tier := range []string{"none", "blue", "yellow", "orange", "red"} {
		pts, ok := series[tier]
		if !ok {
			continue
		}
		scatter.AddSeries(tier, pts,
			charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}),
			charts.WithItemStyleOpts(opts.ItemStyle{Color: tierColor(tier)}),
		)
	}

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
