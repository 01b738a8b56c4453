package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/Lllllllleong/servicerequestflow/internal/columnar"
	"github.com/Lllllllleong/servicerequestflow/internal/models"
	"github.com/Lllllllleong/servicerequestflow/internal/socrata"
)

// Statuses collected by every run.
var activeStatuses = []string{"Open", "In Progress"}

// FetchWindow is the created_date range requested by one run.
type FetchWindow struct {
	Mode  string
	Start time.Time
	End   time.Time
}

// PlanWindow decides between an initial and an incremental load. A nil state,
// a forced initial load, or a checkpoint that cannot be parsed all start over
// from the lookback horizon.
func PlanWindow(req *models.CollectRequest, st *models.IngestionState, now time.Time) FetchWindow {
	if !req.ForceInitialLoad && st != nil {
		if last, ok := columnar.ParseTimestamp(st.LastRunTimestamp); ok {
			return FetchWindow{
				Mode:  models.ModeIncremental,
				Start: last.Add(time.Second),
				End:   now,
			}
		}
	}

	from := now.AddDate(0, 0, -req.InitialLookbackDays)
	return FetchWindow{
		Mode:  models.ModeInitial,
		Start: time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC),
		End:   now,
	}
}

// Filter builds the $where expression for the window. Initial loads have no
// upper bound; incremental loads are bounded on both sides.
func (w FetchWindow) Filter() socrata.Expr {
	status := make([]socrata.Expr, len(activeStatuses))
	for i, s := range activeStatuses {
		status[i] = socrata.Eq("status", s)
	}
	active := socrata.Or(status...)

	if w.Mode == models.ModeInitial {
		return socrata.And(active, socrata.Compare(columnar.CreatedDateField, socrata.OpGte, w.Start))
	}
	return socrata.And(
		active,
		socrata.Compare(columnar.CreatedDateField, socrata.OpGt, w.Start),
		socrata.Compare(columnar.CreatedDateField, socrata.OpLte, w.End),
	)
}

// DateRange renders the window for the run summary.
func (w FetchWindow) DateRange() string {
	return fmt.Sprintf("%s to %s", w.Start.Format(models.TimestampLayout), w.End.Format(models.TimestampLayout))
}

// resolveNow returns the effective "now" for a run. The wall clock is read in
// loc and kept as a floating time in UTC, the same form the provider's
// created_date values take. A test end date of the form YYYY-MM-DD pins now to
// the last second of that day; a full timestamp is used as given.
func resolveNow(testEndDate string, clock func() time.Time, loc *time.Location) (time.Time, error) {
	testEndDate = strings.TrimSpace(testEndDate)
	if testEndDate == "" {
		if loc == nil {
			loc = time.UTC
		}
		local := clock().In(loc)
		return time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), local.Minute(), local.Second(), 0, time.UTC), nil
	}
	if d, err := time.Parse("2006-01-02", testEndDate); err == nil {
		return time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, time.UTC), nil
	}
	if t, ok := columnar.ParseTimestamp(testEndDate); ok {
		return t.Truncate(time.Second), nil
	}
	return time.Time{}, fmt.Errorf("invalid test_end_date %q", testEndDate)
}
