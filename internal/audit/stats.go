package audit

import "time"

// Weeks is the number of trailing weeks Stats reports.
const Weeks = 4

// WeekCount is the number of events in one seven-day window.
type WeekCount struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"` // exclusive
	Total int       `json:"total"`
}

// Label renders the window as first day - last day.
func (w WeekCount) Label() string {
	return w.Start.Format("2006-01-02") + " - " + w.End.AddDate(0, 0, -1).Format("2006-01-02")
}

// Stats summarizes audit activity.
type Stats struct {
	Total    int            `json:"total"`
	ByAction map[Action]int `json:"by_action"`
	Weeks    []WeekCount    `json:"weeks"`
}

// Summarize counts events per action and per week. Week windows start at
// midnight on now's date minus 0, 7, 14 and 21 days, oldest first.
func Summarize(events []Event, now time.Time) Stats {
	s := Stats{
		Total:    len(events),
		ByAction: make(map[Action]int),
		Weeks:    make([]WeekCount, 0, Weeks),
	}
	for _, ev := range events {
		s.ByAction[ev.Action]++
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	for i := Weeks - 1; i >= 0; i-- {
		start := today.AddDate(0, 0, -7*i)
		w := WeekCount{Start: start, End: start.AddDate(0, 0, 7)}
		for _, ev := range events {
			if !ev.Timestamp.Before(w.Start) && ev.Timestamp.Before(w.End) {
				w.Total++
			}
		}
		s.Weeks = append(s.Weeks, w)
	}
	return s
}
