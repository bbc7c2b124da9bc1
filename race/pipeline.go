package race

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pitwall/raceday/iracing"
	"github.com/pitwall/raceday/telemetry"
)

// Pipeline composes the textual summary and the standings chart for a race.
type Pipeline struct {
	API   iracing.API
	Cars  *iracing.CarCache
	Store Store
}

// Compose builds the message to post and, when possible, the chart PNG. A
// chart failure is not fatal: the message is still returned with a nil image
// so the caller can post text-only.
func (p *Pipeline) Compose(ctx context.Context, r *iracing.Race, custID int64) (string, []byte, error) {
	ctx, span := telemetry.StartSpan(ctx, "compose_race",
		attribute.Int64("subsession_id", r.SubsessionID),
		attribute.Int64("cust_id", custID))
	defer span.End()

	summary, err := BuildSummary(ctx, p.API, p.Cars, p.Store, r, custID)
	if err != nil {
		telemetry.RecordError(span, err)
		return "", nil, err
	}

	png, err := p.chart(ctx, r, custID)
	if err != nil {
		telemetry.ChartFailures.Inc()
		slog.Warn("standings chart unavailable, posting text only",
			slog.Int64("subsession_id", r.SubsessionID), slog.Any("err", err))
		png = nil
	} else {
		telemetry.ChartsRendered.Inc()
	}
	telemetry.SetSpanSuccess(span)
	return summary.Message(), png, nil
}

func (p *Pipeline) chart(ctx context.Context, r *iracing.Race, custID int64) ([]byte, error) {
	result, err := p.API.Result(ctx, r.SubsessionID)
	if err != nil {
		return nil, err
	}
	simsessionNumber := 0
	if rs := findRaceSession(result); rs != nil {
		simsessionNumber = rs.SimsessionNumber
	}
	rows, err := p.API.LapChartData(ctx, r.SubsessionID, simsessionNumber)
	if err != nil {
		return nil, err
	}
	chart, err := Reconstruct(r.SeriesName, rows, result, custID)
	if err != nil {
		return nil, err
	}
	return Render(chart)
}
