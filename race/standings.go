package race

import (
	"fmt"
	"sort"

	"github.com/pitwall/raceday/iracing"
)

// TracePoint is one (lap, position) sample. Lap is fractional for the
// synthetic retirement and reclassification points.
type TracePoint struct {
	Lap      float64
	Position float64
}

// Trace is the full position history of one competitive entity, a driver in
// individual events or a team in team events.
type Trace struct {
	EntityID   int64
	Label      string
	Points     []TracePoint
	Highlight  bool
	ClassMatch bool
}

// Chart is the reconstructed standings ready for rendering.
type Chart struct {
	Title         string
	Traces        []Trace
	MinLap        int
	MaxLap        int
	TickInterval  int
	TotalEntities int
}

// entityInfo is the per-entity slice of the final classification.
type entityInfo struct {
	finishPos  int // 1-based
	carClassID int
	label      string
	highlight  bool
}

// Reconstruct turns raw per-lap position samples and the final classification
// into one continuous trace per entity. Individual retirements get a synthetic
// drop toward their official finish position; completed entities whose last
// recorded position differs from the official result get a short transition at
// the final lap. Team races plot only real samples for retirees, the trace
// simply stops.
func Reconstruct(title string, rows []iracing.LapRow, result *iracing.SubsessionResult, highlightedCustID int64) (*Chart, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no lap samples")
	}
	raceSession := findRaceSession(result)
	if raceSession == nil {
		return nil, fmt.Errorf("subsession %d has no RACE session", result.SubsessionID)
	}

	teamRace := false
	for i := range raceSession.Results {
		if len(raceSession.Results[i].DriverResults) > 0 {
			teamRace = true
			break
		}
	}

	entities := classify(raceSession, teamRace, highlightedCustID)

	// Group samples by entity, ascending by lap.
	samples := make(map[int64][]TracePoint)
	maxLap, minLap := 0, 0
	haveLeaderLap := false
	for _, row := range rows {
		id := row.CustID
		if teamRace {
			id = row.GroupID
		}
		samples[id] = append(samples[id], TracePoint{Lap: float64(row.LapNumber), Position: float64(row.LapPosition)})
		if row.LapPosition == 1 {
			if !haveLeaderLap || row.LapNumber > maxLap {
				maxLap = row.LapNumber
			}
			if !haveLeaderLap || row.LapNumber < minLap {
				minLap = row.LapNumber
			}
			haveLeaderLap = true
		}
	}
	if !haveLeaderLap {
		// Degenerate data with no recorded leader. Fall back to the longest trace.
		for _, pts := range samples {
			for _, p := range pts {
				if int(p.Lap) > maxLap {
					maxLap = int(p.Lap)
				}
			}
		}
	}
	for id := range samples {
		pts := samples[id]
		sort.Slice(pts, func(i, j int) bool { return pts[i].Lap < pts[j].Lap })
		samples[id] = pts
	}

	total := len(samples)
	highlightClass, haveHighlightClass := highlightedClass(entities)

	traces := make([]Trace, 0, total)
	for id, pts := range samples {
		info, known := entities[id]
		extended := pts
		switch {
		case !known:
			// No classification for this entity, plot the raw samples.
		case !teamRace && int(pts[len(pts)-1].Lap) < maxLap:
			dnfLap := int(pts[len(pts)-1].Lap)
			drop := dropPosition(dnfLap, samples, info.finishPos, total)
			extended = append(append([]TracePoint{}, pts...),
				TracePoint{Lap: float64(dnfLap) + 0.5, Position: float64(drop)},
				TracePoint{Lap: float64(maxLap), Position: float64(info.finishPos)})
		case teamRace && int(pts[len(pts)-1].Lap) < maxLap:
			// Team attrition shows as the trace stopping.
		case int(pts[len(pts)-1].Position) != info.finishPos:
			lastPos := pts[len(pts)-1].Position
			extended = append(append([]TracePoint{}, pts...),
				TracePoint{Lap: float64(maxLap) - 0.3, Position: lastPos},
				TracePoint{Lap: float64(maxLap), Position: float64(info.finishPos)})
		default:
			extended = append(append([]TracePoint{}, pts...),
				TracePoint{Lap: float64(maxLap), Position: float64(info.finishPos)})
		}

		t := Trace{
			EntityID:   id,
			Label:      fmt.Sprintf("#%d", id),
			Points:     extended,
			ClassMatch: true,
		}
		if known {
			t.Highlight = info.highlight
			if info.label != "" {
				t.Label = info.label
			}
			if haveHighlightClass {
				t.ClassMatch = info.carClassID == highlightClass
			}
		}
		traces = append(traces, t)
	}
	sort.Slice(traces, func(i, j int) bool { return traces[i].EntityID < traces[j].EntityID })

	return &Chart{
		Title:         title,
		Traces:        traces,
		MinLap:        minLap,
		MaxLap:        maxLap,
		TickInterval:  tickInterval(maxLap),
		TotalEntities: total,
	}, nil
}

// classify builds the per-entity classification keyed the same way the lap
// samples are keyed: cust id for individual events, team id for team events.
func classify(raceSession *iracing.SimSession, teamRace bool, highlightedCustID int64) map[int64]entityInfo {
	entities := make(map[int64]entityInfo, len(raceSession.Results))
	for i := range raceSession.Results {
		r := &raceSession.Results[i]
		id := r.CustID
		highlight := r.CustID == highlightedCustID
		if teamRace {
			id = r.TeamID
			highlight = false
			for _, d := range r.DriverResults {
				if d.CustID == highlightedCustID {
					highlight = true
					break
				}
			}
		}
		entities[id] = entityInfo{
			finishPos:  r.FinishPosition + 1,
			carClassID: r.CarClassID,
			label:      r.DisplayName,
			highlight:  highlight,
		}
	}
	return entities
}

func highlightedClass(entities map[int64]entityInfo) (int, bool) {
	for _, e := range entities {
		if e.highlight {
			return e.carClassID, true
		}
	}
	return 0, false
}

// dropPosition picks the synthetic intermediate position for a retiree: one
// below the lowest-placed entity still lapping at the retirement lap, never
// below the official finish position or the field size.
func dropPosition(dnfLap int, samples map[int64][]TracePoint, finishPos, total int) int {
	lowest := 0
	for _, pts := range samples {
		if len(pts) == 0 || int(pts[len(pts)-1].Lap) < dnfLap {
			continue
		}
		for _, p := range pts {
			if int(p.Lap) == dnfLap && int(p.Position) > lowest {
				lowest = int(p.Position)
			}
		}
	}
	if lowest == 0 {
		return finishPos
	}
	drop := lowest + 1
	if finishPos < drop {
		drop = finishPos
	}
	if total < drop {
		drop = total
	}
	return drop
}

// tickInterval picks the x-axis tick spacing from the race distance.
func tickInterval(totalLaps int) int {
	switch {
	case totalLaps <= 15:
		return 1
	case totalLaps <= 30:
		return 2
	case totalLaps <= 60:
		return 5
	case totalLaps <= 100:
		return 10
	case totalLaps <= 300:
		return 50
	default:
		return 100
	}
}
