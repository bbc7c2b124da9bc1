package race

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

var (
	// chartBackground is slightly lighter than Discord's dark theme.
	chartBackground = drawing.Color{R: 0x40, G: 0x44, B: 0x4B, A: 0xFF}
	chartText       = drawing.ColorWhite
	offClassStroke  = drawing.Color{R: 0x80, G: 0x80, B: 0x80, A: 0xFF}
)

const (
	highlightStrokeWidth = 5.0
	normalStrokeWidth    = 1.5
)

// Render draws the reconstructed standings as a PNG. Positions are plotted
// negated so that rank 1 sits at the top of the axis; tick labels undo the
// negation.
func Render(c *Chart) ([]byte, error) {
	if len(c.Traces) == 0 {
		return nil, fmt.Errorf("no traces to render")
	}

	series := make([]chart.Series, 0, len(c.Traces))
	colorIdx := 0
	for _, t := range c.Traces {
		xs := make([]float64, len(t.Points))
		ys := make([]float64, len(t.Points))
		for i, p := range t.Points {
			xs[i] = p.Lap
			ys[i] = -p.Position
		}
		style := chart.Style{StrokeWidth: normalStrokeWidth}
		if t.Highlight {
			style.StrokeWidth = highlightStrokeWidth
		}
		if t.ClassMatch {
			style.StrokeColor = chart.GetDefaultColor(colorIdx)
			colorIdx++
		} else {
			style.StrokeColor = offClassStroke
		}
		series = append(series, chart.ContinuousSeries{
			Name:    t.Label,
			XValues: xs,
			YValues: ys,
			Style:   style,
		})
	}

	xTicks := make([]chart.Tick, 0, c.MaxLap-c.MinLap+1)
	for lap := c.MinLap; lap <= c.MaxLap; lap += c.TickInterval {
		xTicks = append(xTicks, chart.Tick{Value: float64(lap), Label: strconv.Itoa(lap)})
	}
	yTicks := make([]chart.Tick, 0, c.TotalEntities)
	for pos := c.TotalEntities; pos >= 1; pos-- {
		yTicks = append(yTicks, chart.Tick{Value: float64(-pos), Label: strconv.Itoa(pos)})
	}

	graph := chart.Chart{
		Title:      c.Title,
		TitleStyle: chart.Style{FontColor: chartText},
		Width:      1000,
		Height:     600,
		Background: chart.Style{FillColor: chartBackground},
		Canvas:     chart.Style{FillColor: chartBackground},
		XAxis: chart.XAxis{
			Name:      "Lap Number",
			NameStyle: chart.Style{FontColor: chartText},
			Style:     chart.Style{FontColor: chartText},
			Ticks:     xTicks,
			Range: &chart.ContinuousRange{
				Min: float64(c.MinLap),
				Max: float64(c.MaxLap),
			},
		},
		YAxis: chart.YAxis{
			Name:      "Position",
			NameStyle: chart.Style{FontColor: chartText},
			Style:     chart.Style{FontColor: chartText},
			Ticks:     yTicks,
			Range: &chart.ContinuousRange{
				Min: float64(-c.TotalEntities) - 0.5,
				Max: -0.5,
			},
		},
		Series: series,
	}

	var buf bytes.Buffer
	if err := graph.Render(chart.PNG, &buf); err != nil {
		return nil, fmt.Errorf("render standings chart: %w", err)
	}
	return buf.Bytes(), nil
}
