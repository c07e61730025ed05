package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	units "github.com/docker/go-units"

	"github.com/ChamsBouzaiene/agentsessions/internal/analytics"
	"github.com/ChamsBouzaiene/agentsessions/internal/indexer"
	"github.com/ChamsBouzaiene/agentsessions/internal/session"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#E5A50A"))

	labelStyle = lipgloss.NewStyle().
			Width(12).
			Foreground(lipgloss.Color("#AAAAAA"))

	sourceColors = map[session.Source]lipgloss.Color{
		session.SourceClaude:   lipgloss.Color("#D97757"),
		session.SourceCodex:    lipgloss.Color("#10A37F"),
		session.SourceGemini:   lipgloss.Color("#4285F4"),
		session.SourceOpenCode: lipgloss.Color("#F5A623"),
		session.SourceCopilot:  lipgloss.Color("#8957E5"),
		session.SourceDroid:    lipgloss.Color("#E84393"),
	}

	roleStyles = map[session.EventKind]lipgloss.Style{
		session.KindUser:       lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#4285F4")),
		session.KindAssistant:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#10A37F")),
		session.KindToolCall:   lipgloss.NewStyle().Foreground(lipgloss.Color("#E5A50A")),
		session.KindToolResult: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		session.KindError:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#E01B24")),
	}
)

func sourceTag(src session.Source) string {
	return lipgloss.NewStyle().
		Width(9).
		Foreground(sourceColors[src]).
		Render(string(src))
}

func humanDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return units.HumanDuration(d)
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return units.HumanDuration(time.Since(t)) + " ago"
}

func renderRefresh(w io.Writer, r *indexer.RefreshResult) {
	status := titleStyle.Render("Refresh complete")
	if r.Degraded {
		status = warnStyle.Render("Refresh completed with errors")
	}
	fmt.Fprintf(w, "%s %s\n", status, dimStyle.Render(fmt.Sprintf("(%s, %s, %v)", r.Trigger, r.Mode, r.Duration.Round(time.Millisecond))))
	fmt.Fprintf(w, "  %d changed/new, %d removed, %d unchanged, %d failed\n\n", r.ChangedOrNew, r.Removed, r.Unchanged, r.Failed)

	for _, sr := range r.Sources {
		line := fmt.Sprintf("  %s %4d considered  %4d indexed  %3d removed", sourceTag(sr.Source), sr.Considered, sr.ChangedOrNew, sr.Removed)
		if sr.Failed > 0 {
			line += warnStyle.Render(fmt.Sprintf("  %d failed", sr.Failed))
		}
		if sr.Races > 0 {
			line += dimStyle.Render(fmt.Sprintf("  %d still changing", sr.Races))
		}
		fmt.Fprintln(w, line)
		for _, err := range sr.Errors {
			fmt.Fprintln(w, warnStyle.Render("      "+err.Error()))
		}
	}
}

func renderSessions(w io.Writer, sessions []session.Session) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No sessions found."))
		return
	}

	for _, s := range sessions {
		fmt.Fprintf(w, "%s %s\n", sourceTag(s.Source), titleStyle.Render(s.Title))

		var meta []string
		if s.RepoName != "" {
			meta = append(meta, s.RepoName)
		}
		meta = append(meta, fmt.Sprintf("%d messages", s.EventCount))
		if s.CommandCount > 0 {
			meta = append(meta, fmt.Sprintf("%d commands", s.CommandCount))
		}
		if d := s.Duration(); d > 0 {
			meta = append(meta, humanDuration(d))
		}
		if s.Model != "" {
			meta = append(meta, s.Model)
		}
		last := s.EndTime
		if last.IsZero() {
			last = s.Fingerprint.ModTime()
		}
		meta = append(meta, ago(last))

		fmt.Fprintf(w, "          %s\n", dimStyle.Render(strings.Join(meta, " · ")))
		fmt.Fprintf(w, "          %s\n\n", dimStyle.Render(s.ID))
	}
}

func renderTranscript(w io.Writer, s session.Session) {
	fmt.Fprintln(w, titleStyle.Render(s.Title))
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Source"), string(s.Source))
	if s.CWD != "" {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Directory"), s.CWD)
	}
	if s.Model != "" {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Model"), s.Model)
	}
	if !s.StartTime.IsZero() {
		fmt.Fprintf(w, "%s %s (%s)\n", labelStyle.Render("Started"), s.StartTime.Local().Format("2006-01-02 15:04"), humanDuration(s.Duration()))
	}
	fmt.Fprintf(w, "%s %s (%s)\n\n", labelStyle.Render("Log"), s.FilePath, units.HumanSize(float64(s.FileSizeBytes)))

	if len(s.Events) == 0 {
		fmt.Fprintln(w, dimStyle.Render("This session has no messages."))
		return
	}

	for _, ev := range s.Events {
		style, ok := roleStyles[ev.Kind]
		if !ok {
			style = dimStyle
		}
		header := style.Render(string(ev.Kind))
		if len(ev.Tools) > 0 {
			header += " " + dimStyle.Render(strings.Join(ev.Tools, ", "))
		}
		if !ev.Timestamp.IsZero() {
			header += " " + dimStyle.Render(ev.Timestamp.Local().Format("15:04:05"))
		}
		fmt.Fprintln(w, header)
		if text := strings.TrimSpace(ev.Text); text != "" {
			fmt.Fprintln(w, text)
		}
		fmt.Fprintln(w)
	}
}

func renderSnapshot(w io.Writer, snap analytics.Snapshot) {
	heading := "Agent activity"
	if r := snap.Query.Range; r.Start != "" || r.End != "" {
		heading += fmt.Sprintf(" %s → %s", orDash(r.Start), orDash(r.End))
	}
	fmt.Fprintln(w, titleStyle.Render(heading))
	if snap.Stale {
		fmt.Fprintln(w, warnStyle.Render("Index unavailable; showing the last known figures."))
	}
	fmt.Fprintln(w)

	sum := snap.Summary
	fmt.Fprintf(w, "%s %d\n", labelStyle.Render("Sessions"), sum.Sessions)
	fmt.Fprintf(w, "%s %d\n", labelStyle.Render("Messages"), sum.Messages)
	fmt.Fprintf(w, "%s %d\n", labelStyle.Render("Commands"), sum.Commands)
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Time"), humanDuration(time.Duration(sum.DurationSeconds)*time.Second))
	fmt.Fprintf(w, "%s %s\n\n", labelStyle.Render("Avg session"), humanDuration(snap.AvgSession))

	if len(snap.Breakdown) == 0 {
		return
	}
	total := 0
	for _, slice := range snap.Breakdown {
		total += slice.Sessions
	}
	for _, slice := range snap.Breakdown {
		share := 0.0
		if total > 0 {
			share = float64(slice.Sessions) / float64(total)
		}
		bar := lipgloss.NewStyle().Foreground(sourceColors[slice.Source]).Render(strings.Repeat("█", int(share*30+0.5)))
		fmt.Fprintf(w, "%s %5d %s %s\n", sourceTag(slice.Source), slice.Sessions, bar,
			dimStyle.Render(humanDuration(time.Duration(slice.DurationSeconds)*time.Second)))
	}
}

func orDash(s string) string {
	if s == "" {
		return "…"
	}
	return s
}
