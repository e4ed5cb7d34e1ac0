package parser

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/sitepoll/extract"
)

// KindForecast is the two-week temperature forecast widget.
const KindForecast = "forecast"

const forecastSelector = "div[data-widget-id=forecast] span.unit_temperature_c"

var errNoForecast = errors.New("no forecast temperatures found")

// Forecast reads the daily max/min temperature pairs of a forecast widget.
// Values come in document order as max, min, max, min...; the first pair is
// today, each following pair the next day. A trailing unpaired value is
// ignored.
type Forecast struct {
	now func() time.Time
}

// NewForecast returns a Forecast dating rows from now(). nil means time.Now.
func NewForecast(now func() time.Time) *Forecast {
	if now == nil {
		now = time.Now
	}
	return &Forecast{now: now}
}

// EnsureDestination implements Capability.
func (f *Forecast) EnsureDestination(ctx context.Context, exec Executor, target string) error {
	return exec.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
    outcome_id INTEGER NOT NULL REFERENCES request_outcomes(id) ON DELETE CASCADE,
    date       TEXT NOT NULL,
    maxt       INTEGER NOT NULL,
    mint       INTEGER NOT NULL
)`, target))
}

// Parse implements Capability.
func (f *Forecast) Parse(body []byte, outcomeID int64, target string) (*Batch, error) {
	doc, err := extract.Parse(body)
	if err != nil {
		return nil, &ParseError{Kind: KindForecast, Err: err}
	}
	nodes := extract.QueryAll(doc, forecastSelector)
	if len(nodes) < 2 {
		return nil, &ParseError{Kind: KindForecast, Err: errNoForecast}
	}

	day := f.now()
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())

	b := &Batch{Columns: []string{"outcome_id", "date", "maxt", "mint"}}
	for i := 0; i+1 < len(nodes); i += 2 {
		maxt, err := parseTemperature(extract.Text(nodes[i]))
		if err != nil {
			return nil, &ParseError{Kind: KindForecast, Err: err}
		}
		mint, err := parseTemperature(extract.Text(nodes[i+1]))
		if err != nil {
			return nil, &ParseError{Kind: KindForecast, Err: err}
		}
		b.Rows = append(b.Rows, []any{outcomeID, day.Format(time.DateOnly), maxt, mint})
		day = day.AddDate(0, 0, 1)
	}
	return b, nil
}

// parseTemperature accepts "+5", "-3" and the typographic minus "−3".
func parseTemperature(s string) (int, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "−", "-")
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("temperature %q: %w", s, err)
	}
	return v, nil
}
