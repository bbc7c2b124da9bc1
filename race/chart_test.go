package race

import (
	"bytes"
	"testing"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

func TestRenderProducesPNG(t *testing.T) {
	c := &Chart{
		Title: "GT Sprint",
		Traces: []Trace{
			{EntityID: 1, Label: "Leader", Points: []TracePoint{{1, 1}, {2, 1}, {3, 1}}, Highlight: true, ClassMatch: true},
			{EntityID: 2, Label: "Runner Up", Points: []TracePoint{{1, 2}, {2, 2}, {3, 2}}, ClassMatch: true},
			{EntityID: 3, Label: "Other Class", Points: []TracePoint{{1, 3}, {2, 3}, {3, 3}}},
		},
		MinLap:        1,
		MaxLap:        3,
		TickInterval:  1,
		TotalEntities: 3,
	}
	png, err := Render(c)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !bytes.HasPrefix(png, pngMagic) {
		t.Errorf("output is not a PNG (starts with % x)", png[:minInt(8, len(png))])
	}
}

func TestRenderEmptyChart(t *testing.T) {
	if _, err := Render(&Chart{Title: "empty"}); err == nil {
		t.Fatal("expected error for chart with no traces")
	}
}

func TestRenderSyntheticLaps(t *testing.T) {
	// Fractional laps from retirement and reclassification points must render.
	c := &Chart{
		Title: "GT Sprint",
		Traces: []Trace{
			{EntityID: 1, Label: "Leader", Points: []TracePoint{{1, 1}, {2, 1}, {5, 1}}, ClassMatch: true},
			{EntityID: 2, Label: "Retiree", Points: []TracePoint{{1, 2}, {2, 2}, {2.5, 3}, {5, 3}}, ClassMatch: true},
		},
		MinLap:        1,
		MaxLap:        5,
		TickInterval:  1,
		TotalEntities: 3,
	}
	png, err := Render(c)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !bytes.HasPrefix(png, pngMagic) {
		t.Error("output is not a PNG")
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
