package race

import (
	"reflect"
	"testing"

	"github.com/pitwall/raceday/iracing"
)

// lapRows builds samples for one entity with positions indexed from lap 1.
func lapRows(entityID int64, positions ...int) []iracing.LapRow {
	rows := make([]iracing.LapRow, len(positions))
	for i, pos := range positions {
		rows[i] = iracing.LapRow{GroupID: entityID, CustID: entityID, LapNumber: i + 1, LapPosition: pos}
	}
	return rows
}

func individualResult(results ...iracing.SessionResult) *iracing.SubsessionResult {
	return &iracing.SubsessionResult{
		SubsessionID: 500,
		SessionResults: []iracing.SimSession{
			{SimsessionName: "QUALIFY"},
			{SimsessionName: "RACE", Results: results},
		},
	}
}

func traceByID(t *testing.T, c *Chart, id int64) Trace {
	t.Helper()
	for _, tr := range c.Traces {
		if tr.EntityID == id {
			return tr
		}
	}
	t.Fatalf("no trace for entity %d", id)
	return Trace{}
}

func TestReconstructFullRace(t *testing.T) {
	rows := append(lapRows(1, 1, 1, 1), lapRows(2, 2, 2, 2)...)
	result := individualResult(
		iracing.SessionResult{CustID: 1, FinishPosition: 0, DisplayName: "Leader"},
		iracing.SessionResult{CustID: 2, FinishPosition: 1, DisplayName: "Runner Up"},
	)

	c, err := Reconstruct("GT Sprint", rows, result, 1)
	if err != nil {
		t.Fatalf("Reconstruct() error = %v", err)
	}
	if c.MaxLap != 3 || c.MinLap != 1 {
		t.Errorf("lap range = %d..%d, want 1..3", c.MinLap, c.MaxLap)
	}
	if c.TotalEntities != 2 || c.TickInterval != 1 {
		t.Errorf("TotalEntities=%d TickInterval=%d", c.TotalEntities, c.TickInterval)
	}

	leader := traceByID(t, c, 1)
	if !leader.Highlight {
		t.Error("highlighted driver not flagged")
	}
	if leader.Label != "Leader" {
		t.Errorf("Label = %q", leader.Label)
	}
	last := leader.Points[len(leader.Points)-1]
	if last.Lap != 3 || last.Position != 1 {
		t.Errorf("final point = %+v, want (3, 1)", last)
	}
	if other := traceByID(t, c, 2); other.Highlight {
		t.Error("non-highlighted driver flagged")
	}
}

func TestReconstructIsIdempotent(t *testing.T) {
	rows := append(lapRows(1, 1, 1, 1), lapRows(2, 2, 2)...)
	result := individualResult(
		iracing.SessionResult{CustID: 1, FinishPosition: 0},
		iracing.SessionResult{CustID: 2, FinishPosition: 1},
	)

	a, err := Reconstruct("GT Sprint", rows, result, 1)
	if err != nil {
		t.Fatalf("Reconstruct() error = %v", err)
	}
	b, err := Reconstruct("GT Sprint", rows, result, 1)
	if err != nil {
		t.Fatalf("Reconstruct() error = %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Error("two runs over identical input differ")
	}
}

func TestReconstructRetirementDrop(t *testing.T) {
	// Five lap race. Driver 3 stops after lap 2 while running P2 and is
	// classified P4 of 4.
	rows := append(lapRows(1, 1, 1, 1, 1, 1), lapRows(2, 3, 3, 2, 2, 2)...)
	rows = append(rows, lapRows(3, 2, 2)...)
	rows = append(rows, lapRows(4, 4, 4, 3, 3, 3)...)
	result := individualResult(
		iracing.SessionResult{CustID: 1, FinishPosition: 0},
		iracing.SessionResult{CustID: 2, FinishPosition: 1},
		iracing.SessionResult{CustID: 3, FinishPosition: 3},
		iracing.SessionResult{CustID: 4, FinishPosition: 2},
	)

	c, err := Reconstruct("GT Sprint", rows, result, 1)
	if err != nil {
		t.Fatalf("Reconstruct() error = %v", err)
	}
	retiree := traceByID(t, c, 3)
	if len(retiree.Points) != 4 {
		t.Fatalf("retiree points = %+v, want 2 real + 2 synthetic", retiree.Points)
	}
	drop := retiree.Points[2]
	final := retiree.Points[3]
	if drop.Lap != 2.5 {
		t.Errorf("drop lap = %v, want 2.5", drop.Lap)
	}
	// Lowest running position on lap 2 is P4, so the interpolated drop would
	// be P5, capped at the finish position (P4).
	if drop.Position != 4 {
		t.Errorf("drop position = %v, want 4", drop.Position)
	}
	if final.Lap != 5 || final.Position != 4 {
		t.Errorf("final point = %+v, want (5, 4)", final)
	}

	// Invariant: synthetic drop never exceeds finish position or field size.
	if drop.Position > float64(retireeFinish(result, 3)) {
		t.Error("drop below official finish position")
	}
	if drop.Position > float64(c.TotalEntities) {
		t.Error("drop below field size")
	}
}

func retireeFinish(result *iracing.SubsessionResult, custID int64) int {
	for _, s := range result.SessionResults {
		if s.SimsessionName != "RACE" {
			continue
		}
		for _, r := range s.Results {
			if r.CustID == custID {
				return r.FinishPosition + 1
			}
		}
	}
	return 0
}

func TestReconstructReclassification(t *testing.T) {
	// Driver 2 crosses the line P2 but is classified P3 post-race.
	rows := append(lapRows(1, 1, 1, 1), lapRows(2, 2, 2, 2)...)
	rows = append(rows, lapRows(3, 3, 3, 3)...)
	result := individualResult(
		iracing.SessionResult{CustID: 1, FinishPosition: 0},
		iracing.SessionResult{CustID: 2, FinishPosition: 2},
		iracing.SessionResult{CustID: 3, FinishPosition: 1},
	)

	c, err := Reconstruct("GT Sprint", rows, result, 1)
	if err != nil {
		t.Fatalf("Reconstruct() error = %v", err)
	}
	penalized := traceByID(t, c, 2)
	n := len(penalized.Points)
	transition := penalized.Points[n-2]
	final := penalized.Points[n-1]
	if transition.Lap != 2.7 || transition.Position != 2 {
		t.Errorf("transition point = %+v, want (2.7, 2)", transition)
	}
	if final.Lap != 3 || final.Position != 3 {
		t.Errorf("final point = %+v, want (3, 3)", final)
	}
}

func TestReconstructTeamRace(t *testing.T) {
	// Lap rows keyed by team (group) id; team 20 retires after lap 2.
	rows := []iracing.LapRow{
		{GroupID: 10, CustID: 101, LapNumber: 1, LapPosition: 1},
		{GroupID: 10, CustID: 102, LapNumber: 2, LapPosition: 1},
		{GroupID: 10, CustID: 102, LapNumber: 3, LapPosition: 1},
		{GroupID: 20, CustID: 201, LapNumber: 1, LapPosition: 2},
		{GroupID: 20, CustID: 201, LapNumber: 2, LapPosition: 2},
	}
	result := individualResult(
		iracing.SessionResult{TeamID: 10, FinishPosition: 0, DisplayName: "Team Alpha", CarClassID: 1,
			DriverResults: []iracing.TeamDriver{{CustID: 101}, {CustID: 102}}},
		iracing.SessionResult{TeamID: 20, FinishPosition: 1, DisplayName: "Team Beta", CarClassID: 2,
			DriverResults: []iracing.TeamDriver{{CustID: 201}}},
	)

	c, err := Reconstruct("Endurance", rows, result, 102)
	if err != nil {
		t.Fatalf("Reconstruct() error = %v", err)
	}
	if c.TotalEntities != 2 {
		t.Fatalf("TotalEntities = %d, want 2 teams", c.TotalEntities)
	}

	alpha := traceByID(t, c, 10)
	if !alpha.Highlight {
		t.Error("team with highlighted roster member not flagged")
	}
	beta := traceByID(t, c, 20)
	if beta.Highlight {
		t.Error("other team flagged")
	}
	// Off-class relative to the highlighted team.
	if !alpha.ClassMatch || beta.ClassMatch {
		t.Errorf("class match flags: alpha=%v beta=%v", alpha.ClassMatch, beta.ClassMatch)
	}

	// No synthetic drop for a retired team: the trace just stops.
	last := beta.Points[len(beta.Points)-1]
	if last.Lap != 2 || last.Position != 2 {
		t.Errorf("retired team trace = %+v, want to end at (2, 2)", beta.Points)
	}
}

func TestReconstructNoRaceSession(t *testing.T) {
	result := &iracing.SubsessionResult{
		SessionResults: []iracing.SimSession{{SimsessionName: "PRACTICE"}},
	}
	if _, err := Reconstruct("GT Sprint", lapRows(1, 1), result, 1); err == nil {
		t.Fatal("expected error for missing RACE session")
	}
}

func TestReconstructEmptyRows(t *testing.T) {
	if _, err := Reconstruct("GT Sprint", nil, individualResult(), 1); err == nil {
		t.Fatal("expected error for empty samples")
	}
}

func TestTickInterval(t *testing.T) {
	tests := []struct {
		laps int
		want int
	}{
		{10, 1}, {15, 1}, {16, 2}, {30, 2}, {31, 5}, {60, 5},
		{61, 10}, {100, 10}, {101, 50}, {300, 50}, {301, 100}, {1000, 100},
	}
	for _, tt := range tests {
		if got := tickInterval(tt.laps); got != tt.want {
			t.Errorf("tickInterval(%d) = %d, want %d", tt.laps, got, tt.want)
		}
	}
}
