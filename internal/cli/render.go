package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/ignatij/gocadence/pkg/models"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)

	statusActive    = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusPaused    = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	statusCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("69"))
	statusCleared   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func styleStatus(status string) string {
	switch status {
	case string(models.ActiveCadenceStatus), string(models.PendingTaskStatus):
		return statusActive.Render(status)
	case string(models.PausedCadenceStatus), string(models.TriagedTaskStatus):
		return statusPaused.Render(status)
	case string(models.CompletedCadenceStatus):
		return statusCompleted.Render(status)
	default:
		return statusCleared.Render(status)
	}
}

// table renders rows in padded columns; widths come from the widest cell.
type table struct {
	title   string
	headers []string
	rows    [][]string
}

func newTable(title string, headers ...string) *table {
	return &table{title: title, headers: headers}
}

func (t *table) addRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) render(w io.Writer) {
	if t.title != "" {
		fmt.Fprintln(w, titleStyle.Render(t.title))
	}
	if len(t.rows) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("(none)"))
		return
	}
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	line := func(cells []string, style *lipgloss.Style) string {
		parts := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			if style != nil {
				cell = style.Render(cell)
			}
			parts[i] = cell + strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}
	fmt.Fprintln(w, line(t.headers, &headerStyle))
	for _, row := range t.rows {
		fmt.Fprintln(w, line(row, nil))
	}
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func renderTemplates(w io.Writer, templates []models.CadenceTemplate) {
	t := newTable("Cadence templates", "ID", "NAME", "VERSION", "ACTIVE", "STEPS", "RELATIONSHIPS")
	for _, tmpl := range templates {
		types := make([]string, len(tmpl.RelationshipTypes))
		for i, rt := range tmpl.RelationshipTypes {
			types[i] = string(rt)
		}
		rels := strings.Join(types, ",")
		if rels == "" {
			rels = "any"
		}
		t.addRow(tmpl.ID, tmpl.Name, fmt.Sprint(tmpl.Version), fmt.Sprint(tmpl.IsActive), fmt.Sprint(len(tmpl.Steps)), rels)
	}
	t.render(w)
}

func renderTemplate(w io.Writer, tmpl models.CadenceTemplate) {
	title := tmpl.Name
	if tmpl.ID != "" {
		title = fmt.Sprintf("%s (v%d)", tmpl.Name, tmpl.Version)
	}
	t := newTable(title, "#", "NAME", "TYPE", "DAY")
	for _, step := range tmpl.Steps {
		t.addRow(fmt.Sprint(step.StepNumber), step.Name, string(step.TaskType), fmt.Sprintf("+%d", step.DayOffset))
	}
	t.render(w)
}

func renderCadence(w io.Writer, ac models.AppliedCadence) {
	t := newTable("Cadence "+ac.ID, "FIELD", "VALUE")
	t.addRow("template", fmt.Sprintf("%s (v%d)", ac.CadenceTemplateID, ac.TemplateVersion))
	t.addRow("contact", ac.ContactID)
	t.addRow("relationship", orDash(ac.RelationshipID))
	t.addRow("status", styleStatus(string(ac.Status)))
	t.addRow("step index", fmt.Sprint(ac.CurrentStepIndex))
	t.addRow("start date", ac.StartDate.Format(models.DateLayout))
	t.addRow("clear reason", orDash(ac.ClearReason))
	t.render(w)
}

func renderCadences(w io.Writer, title string, cadences []models.AppliedCadence) {
	t := newTable(title, "ID", "TEMPLATE", "STATUS", "STEP", "START")
	for _, ac := range cadences {
		t.addRow(ac.ID, ac.CadenceTemplateID, styleStatus(string(ac.Status)), fmt.Sprint(ac.CurrentStepIndex), ac.StartDate.Format(models.DateLayout))
	}
	t.render(w)
}

func renderEvents(w io.Writer, events []models.CadenceEvent) {
	t := newTable("Cadence history", "WHEN", "ACTION", "FROM", "TO", "STEP", "MESSAGE")
	for _, e := range events {
		t.addRow(e.LoggedAt.Format("2006-01-02 15:04"), e.Action, string(e.FromStatus), string(e.ToStatus), fmt.Sprint(e.StepIndex), e.Message)
	}
	t.render(w)
}

func renderTaskPage(w io.Writer, page models.TaskPage) {
	t := newTable(fmt.Sprintf("Tasks (page %d, %d total)", page.Page, page.Total), "ID", "DUE", "TYPE", "STATUS", "CONTACT", "TITLE")
	for _, task := range page.Tasks {
		t.addRow(task.ID, task.DueDate.Format(models.DateLayout), string(task.TaskType), styleStatus(string(task.Status)), task.ContactID, task.Title)
	}
	t.render(w)
}
