package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/generation/emitter"
)

var (
	batchTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	batchMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	batchErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	batchOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	batchPanelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

const batchRecentItems = 8

type batchEventMsg struct{ evt domain.Event }

type batchStreamEndMsg struct{ err error }

type batchModel struct {
	id       string
	phase    string
	progress domain.Progress
	items    []domain.ItemEvent
	summary  *domain.CompleteEvent
	err      error
	width    int

	bar     progress.Model
	spinner spinner.Model
}

func newBatchModel(id string, total int) batchModel {
	return batchModel{
		id:       id,
		phase:    "connecting",
		progress: domain.Progress{Total: total},
		width:    80,
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(50)),
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(batchTitleStyle)),
	}
}

func (m batchModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m batchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(10, min(60, msg.Width-20))
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		}
		return m, nil
	case batchEventMsg:
		return m.apply(msg.evt)
	case batchStreamEndMsg:
		m.err = msg.err
		if m.err == nil && m.summary == nil {
			m.err = errors.New("stream ended before the batch completed")
		}
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m batchModel) apply(evt domain.Event) (tea.Model, tea.Cmd) {
	if m.id == "" {
		m.id = evt.BatchID
	}
	switch d := evt.Data.(type) {
	case domain.StatusEvent:
		m.phase = d.Phase
	case domain.ItemEvent:
		m.progress = d.Progress
		m.items = append(m.items, d)
		if len(m.items) > batchRecentItems {
			m.items = m.items[len(m.items)-batchRecentItems:]
		}
	case domain.CompleteEvent:
		m.phase = "complete"
		m.summary = &d
		m.progress = domain.Progress{Completed: d.Total, Total: d.Total}
		return m, tea.Quit
	}
	return m, nil
}

func (m batchModel) percent() float64 {
	if m.progress.Total == 0 {
		return 0
	}
	return float64(m.progress.Completed) / float64(m.progress.Total)
}

func (m batchModel) View() string {
	header := batchTitleStyle.Render("genrelay batch") + " " + batchMutedStyle.Render(m.id)

	status := m.spinner.View() + " " + m.phase
	if m.summary != nil {
		status = batchOKStyle.Render("done")
		if m.summary.Failed > 0 {
			status = batchErrorStyle.Render("done with failures")
		}
	}

	counts := batchMutedStyle.Render(fmt.Sprintf("%d/%d", m.progress.Completed, m.progress.Total))
	bar := m.bar.ViewAs(m.percent()) + " " + counts

	var lines []string
	for _, item := range m.items {
		lines = append(lines, renderItem(item, m.width))
	}
	if len(lines) == 0 {
		lines = append(lines, batchMutedStyle.Render("waiting for results..."))
	}
	panel := batchPanelStyle.Render(strings.Join(lines, "\n"))

	footer := batchMutedStyle.Render("q to detach; the batch keeps running on the server")
	if m.summary != nil {
		footer = fmt.Sprintf("%d succeeded, %d failed in %dms",
			m.summary.Succeeded, m.summary.Failed, m.summary.DurationMs)
	}
	if m.err != nil {
		footer = batchErrorStyle.Render("stream error: " + m.err.Error())
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, status, bar, panel, footer) + "\n"
}

func renderItem(item domain.ItemEvent, width int) string {
	mark := batchOKStyle.Render("ok  ")
	detail := item.ResultRef
	if item.Status == domain.ItemFailed {
		mark = batchErrorStyle.Render("fail")
		detail = item.Error
	}
	if limit := width - 16; limit > 20 && len(detail) > limit {
		detail = detail[:limit-3] + "..."
	}
	return fmt.Sprintf("#%-3d %s %s", item.Index, mark, detail)
}

// runBatchView drives the live view from the event stream and returns the
// completion summary, nil when the user detached early.
func runBatchView(ctx context.Context, id string, total int, body io.Reader) (*domain.CompleteEvent, error) {
	p := tea.NewProgram(newBatchModel(id, total), tea.WithContext(ctx))

	go func() {
		err := emitter.Parse(body, func(f emitter.Frame) error {
			evt, err := emitter.Decode(f)
			if err != nil {
				return err
			}
			p.Send(batchEventMsg{evt: evt})
			return nil
		})
		p.Send(batchStreamEndMsg{err: err})
	}()

	finalModel, err := p.Run()
	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("run batch view: %w", err)
	}
	m, ok := finalModel.(batchModel)
	if !ok {
		return nil, nil
	}
	if m.err != nil {
		return m.summary, m.err
	}
	return m.summary, nil
}
