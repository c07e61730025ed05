package store

import (
	"time"

	"github.com/ChamsBouzaiene/agentsessions/internal/session"
)

// maxSpanDays bounds how many days one session's duration is spread across.
const maxSpanDays = 366

// dayContribution is what one session adds to one day's rollup.
type dayContribution struct {
	Source session.Source
	Day    string
	Delta  RollupDelta
}

// contributions attributes a row to local calendar days. Messages and commands land on
// the anchor day (start, or file mtime when the log has no time anchor); duration is
// split across every day the session overlaps.
func contributions(row IndexRow, loc *time.Location) []dayContribution {
	anchor := time.Unix(0, row.ModTimeNs).In(loc)
	if row.StartUnix > 0 {
		anchor = time.Unix(row.StartUnix, 0).In(loc)
	}
	out := []dayContribution{{
		Source: row.Source,
		Day:    anchor.Format(DayLayout),
		Delta:  RollupDelta{Messages: row.Messages, Commands: row.Commands},
	}}

	if row.StartUnix <= 0 || row.EndUnix <= row.StartUnix {
		return out
	}
	total := row.EndUnix - row.StartUnix
	if total/86400 > maxSpanDays {
		out[0].Delta.DurationSeconds = total
		return out
	}

	cursor := time.Unix(row.StartUnix, 0).In(loc)
	end := time.Unix(row.EndUnix, 0).In(loc)
	for cursor.Before(end) {
		y, m, d := cursor.Date()
		next := time.Date(y, m, d+1, 0, 0, 0, 0, loc)
		if next.After(end) {
			next = end
		}
		secs := next.Unix() - cursor.Unix()
		day := cursor.Format(DayLayout)
		if day == out[0].Day {
			out[0].Delta.DurationSeconds += secs
		} else {
			out = append(out, dayContribution{
				Source: row.Source,
				Day:    day,
				Delta:  RollupDelta{DurationSeconds: secs},
			})
		}
		cursor = next
	}
	return out
}
