// Package backtest replays recorded candle datasets through the same decision
// pipeline the live bot runs, then reports per-strategy performance.
package backtest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gocarina/gocsv"

	"symmetry-trader/internal/types"
)

// csvTime parses the dataset timestamp column.
type csvTime struct {
	time.Time
}

const csvTimeLayout = "2006-01-02 15:04:05"

func (t *csvTime) UnmarshalCSV(s string) error {
	parsed, err := time.Parse(csvTimeLayout, s)
	if err != nil {
		// Fall back to RFC3339 for exports that carry a zone offset.
		parsed, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("unparseable timestamp %q: %w", s, err)
		}
	}
	t.Time = parsed
	return nil
}

func (t csvTime) MarshalCSV() (string, error) {
	return t.Format(csvTimeLayout), nil
}

// Row is one dataset record: a closed candle for one instrument. Kind labels
// the instrument's role (INDEX, CE, or PE) and Strike is zero for the index.
type Row struct {
	Instrument string  `csv:"instrument"`
	Kind       string  `csv:"kind"`
	Strike     float64 `csv:"strike"`
	Expiry     string  `csv:"expiry"`
	Timestamp  csvTime `csv:"timestamp"`
	Open       float64 `csv:"open"`
	High       float64 `csv:"high"`
	Low        float64 `csv:"low"`
	Close      float64 `csv:"close"`
	Volume     float64 `csv:"volume"`
	OI         float64 `csv:"oi"`
}

func (r Row) candle() types.Candle {
	return types.Candle{
		Instrument: r.Instrument,
		Start:      r.Timestamp.Time,
		Open:       r.Open,
		High:       r.High,
		Low:        r.Low,
		Close:      r.Close,
		Volume:     r.Volume,
		OI:         r.OI,
	}
}

// Day is one trading day's rows in replay order.
type Day struct {
	Date time.Time
	Rows []Row
}

// LoadDir reads every *.csv file under dir and groups rows by calendar day.
// Days come back sorted; rows within a day sort by timestamp, then by kind so
// option candles replay before the index candle of the same minute, then by
// instrument for a total order.
func LoadDir(dir string) ([]Day, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no csv files under %s", dir)
	}
	sort.Strings(matches)

	var all []Row
	for _, path := range matches {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", path, err)
		}
		var rows []Row
		err = gocsv.UnmarshalFile(f, &rows)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		all = append(all, rows...)
	}
	return groupByDay(all), nil
}

func groupByDay(rows []Row) []Day {
	byDay := make(map[time.Time][]Row)
	for _, r := range rows {
		d := r.Timestamp.Truncate(24 * time.Hour)
		byDay[d] = append(byDay[d], r)
	}
	days := make([]Day, 0, len(byDay))
	for date, dayRows := range byDay {
		sort.SliceStable(dayRows, func(i, j int) bool {
			a, b := dayRows[i], dayRows[j]
			if !a.Timestamp.Equal(b.Timestamp.Time) {
				return a.Timestamp.Before(b.Timestamp.Time)
			}
			if a.Kind != b.Kind {
				return kindOrder(a.Kind) < kindOrder(b.Kind)
			}
			return a.Instrument < b.Instrument
		})
		days = append(days, Day{Date: date, Rows: dayRows})
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Date.Before(days[j].Date) })
	return days
}

// FilterDays restricts the dataset to [from, to] inclusive. Empty bounds are
// open-ended.
func FilterDays(days []Day, from, to string) ([]Day, error) {
	var fromT, toT time.Time
	var err error
	if from != "" {
		if fromT, err = time.Parse("2006-01-02", from); err != nil {
			return nil, fmt.Errorf("invalid from date: %w", err)
		}
	}
	if to != "" {
		if toT, err = time.Parse("2006-01-02", to); err != nil {
			return nil, fmt.Errorf("invalid to date: %w", err)
		}
	}
	var out []Day
	for _, d := range days {
		if !fromT.IsZero() && d.Date.Before(fromT) {
			continue
		}
		if !toT.IsZero() && d.Date.After(toT) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// kindOrder fixes the intra-minute replay order: calls, puts, then the index,
// so the index close that drives a decision sees the same-minute option state.
func kindOrder(kind string) int {
	switch kind {
	case "CE":
		return 0
	case "PE":
		return 1
	default:
		return 2
	}
}
