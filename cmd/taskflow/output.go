package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/taskflow/internal/bus"
	"github.com/basket/taskflow/internal/repository"
	"github.com/basket/taskflow/internal/resilient"
	"github.com/basket/taskflow/internal/service"
	"github.com/basket/taskflow/internal/task"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	statusStyles = map[task.Status]lipgloss.Style{
		task.StatusNew:        lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		task.StatusReady:      lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
		task.StatusInProgress: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		task.StatusBlocked:    lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		task.StatusReview:     lipgloss.NewStyle().Foreground(lipgloss.Color("13")),
		task.StatusDone:       lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		task.StatusDropped:    dimStyle,
	}

	outcomeStyles = map[service.Outcome]lipgloss.Style{
		service.Applied:      lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		service.Failed:       lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		service.NotAttempted: dimStyle,
	}

	modeStyles = map[resilient.Mode]lipgloss.Style{
		resilient.ModeClosed:   lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		resilient.ModeHalfOpen: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		resilient.ModeOpen:     lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	}
)

func renderStatus(s task.Status) string {
	if st, ok := statusStyles[s]; ok {
		return st.Render(string(s))
	}
	return string(s)
}

func (a *app) writeJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeTable prints rows under a bold header with columns padded to the
// widest cell. Cell widths ignore ANSI styling.
func writeTable(w io.Writer, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i, c := range r {
			if cw := lipgloss.Width(c); cw > widths[i] {
				widths[i] = cw
			}
		}
	}
	line := func(cells []string, style *lipgloss.Style) {
		var b strings.Builder
		for i, c := range cells {
			if style != nil {
				c = style.Render(c)
			}
			b.WriteString(c)
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(c)+2))
			}
		}
		fmt.Fprintln(w, b.String())
	}
	line(header, &headerStyle)
	for _, r := range rows {
		line(r, nil)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func (a *app) printTask(t *task.Task) error {
	if a.jsonOutput() {
		return a.writeJSON(t)
	}
	rows := [][]string{
		{"id", t.ID},
		{"title", t.Title},
		{"status", renderStatus(t.Status)},
		{"priority", "P" + strconv.Itoa(t.Priority)},
		{"project", t.ProjectID},
		{"sprint", orDash(t.Sprint())},
		{"assignees", orDash(strings.Join(t.Assignees, ", "))},
		{"version", strconv.FormatInt(t.Version, 10)},
		{"updated", t.UpdatedAt.Local().Format(time.DateTime)},
	}
	writeTable(a.stdout, []string{"FIELD", "VALUE"}, rows)
	return nil
}

func (a *app) printPage(p *repository.Page) error {
	if a.jsonOutput() {
		return a.writeJSON(p)
	}
	rows := make([][]string, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		rows = append(rows, []string{
			t.ID, renderStatus(t.Status), "P" + strconv.Itoa(t.Priority), t.ProjectID,
			orDash(t.Sprint()), strconv.FormatInt(t.Version, 10), t.Title,
		})
	}
	writeTable(a.stdout, []string{"ID", "STATUS", "PRI", "PROJECT", "SPRINT", "VER", "TITLE"}, rows)
	fmt.Fprintln(a.stdout, dimStyle.Render(fmt.Sprintf("%d of %d task(s)", len(p.Tasks), p.Total)))
	return nil
}

func (a *app) printEvents(events []task.Event) error {
	if a.jsonOutput() {
		return a.writeJSON(map[string]any{"events": events})
	}
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		change := "-"
		if ev.From != "" || ev.To != "" {
			change = renderStatus(ev.From) + " -> " + renderStatus(ev.To)
		}
		rows = append(rows, []string{
			strconv.FormatInt(ev.Version, 10), ev.Type, change, orDash(ev.Actor), orDash(ev.TraceID),
			ev.CreatedAt.Local().Format(time.DateTime),
		})
	}
	writeTable(a.stdout, []string{"VER", "EVENT", "STATUS", "ACTOR", "TRACE", "AT"}, rows)
	return nil
}

func (a *app) printBulk(res service.BulkResult) error {
	if a.jsonOutput() {
		return a.writeJSON(res)
	}
	rows := make([][]string, 0, len(res.Items))
	for _, it := range res.Items {
		outcome := string(it.Outcome)
		if st, ok := outcomeStyles[it.Outcome]; ok {
			outcome = st.Render(outcome)
		}
		detail := ""
		switch it.Outcome {
		case service.Applied:
			detail = fmt.Sprintf("now %s at version %d", it.Task.Status, it.Task.Version)
		case service.Failed:
			detail = string(it.Kind) + ": " + it.Message
		}
		rows = append(rows, []string{strconv.Itoa(it.Index), it.ID, outcome, detail})
	}
	writeTable(a.stdout, []string{"#", "TASK", "OUTCOME", "DETAIL"}, rows)
	return nil
}

// statusReport is what 'taskflow status' prints.
type statusReport struct {
	Store   *repository.Health        `json:"store,omitempty"`
	Error   string                    `json:"error,omitempty"`
	Circuit resilient.CircuitSnapshot `json:"circuit"`
	BaseURL string                    `json:"base_url"`
}

func (a *app) printStatus(r statusReport) error {
	if a.jsonOutput() {
		return a.writeJSON(r)
	}
	mode := string(r.Circuit.Mode)
	if st, ok := modeStyles[r.Circuit.Mode]; ok {
		mode = st.Render(mode)
	}
	rows := [][]string{{"store", r.BaseURL}, {"circuit", mode}}
	if r.Store != nil {
		health := outcomeStyles[service.Applied].Render("healthy")
		if !r.Store.Healthy {
			health = outcomeStyles[service.Failed].Render("unhealthy")
		}
		rows = append(rows,
			[]string{"health", health},
			[]string{"version", r.Store.Version},
			[]string{"task events", strconv.FormatInt(r.Store.TaskEvents, 10)},
			[]string{"stream clients", strconv.Itoa(r.Store.StreamSubscribers)},
			[]string{"config", orDash(r.Store.ConfigFingerprint)},
		)
	}
	if r.Error != "" {
		rows = append(rows, []string{"error", outcomeStyles[service.Failed].Render(r.Error)})
	}
	writeTable(a.stdout, []string{"CHECK", "VALUE"}, rows)
	return nil
}

func (a *app) printChange(ev bus.TaskChangeEvent) error {
	if a.jsonOutput() {
		return json.NewEncoder(a.stdout).Encode(ev)
	}
	change := ""
	if ev.From != "" || ev.To != "" {
		change = " " + renderStatus(task.Status(ev.From)) + " -> " + renderStatus(task.Status(ev.To))
	}
	fmt.Fprintf(a.stdout, "%s %s %s v%d%s %s\n",
		dimStyle.Render(ev.At.Local().Format(time.TimeOnly)), ev.Type, ev.TaskID, ev.Version, change,
		dimStyle.Render(orDash(ev.TraceID)))
	return nil
}
