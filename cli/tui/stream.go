package tui

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/pithecene-io/theory/orchestrator"
	"github.com/pithecene-io/theory/types"
)

// maxLogLines bounds the rolling log window.
const maxLogLines = 8

// Messages pumped into the model from the run stream.
type (
	tokenMsg string
	phaseMsg types.EventContent
	logMsg   types.LogContent
	frameMsg types.FrameContent
	doneMsg  struct {
		result *orchestrator.Result
		err    error
	}
)

type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// StreamModel is the Bubble Tea model for a live run.
type StreamModel struct {
	ref         string
	executionID string

	spin     spinner.Model
	phase    string
	tokens   strings.Builder
	logs     []string
	frames   int
	result   *orchestrator.Result
	err      error
	done     bool
	quitting bool
	width    int
}

// NewStreamModel creates a stream viewer for one run.
func NewStreamModel(ref, executionID string) StreamModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = TitleStyle
	return StreamModel{
		ref:         ref,
		executionID: executionID,
		spin:        s,
		phase:       "pending",
	}
}

// Init implements tea.Model.
func (m StreamModel) Init() tea.Cmd {
	return m.spin.Tick
}

// Update implements tea.Model.
func (m StreamModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case tokenMsg:
		m.tokens.WriteString(string(msg))
		return m, nil

	case phaseMsg:
		m.phase = msg.Phase
		if msg.Noop {
			m.phase += " (noop)"
		}
		return m, nil

	case logMsg:
		line := fmt.Sprintf("[%s] %s", msg.Level, msg.Message)
		m.logs = append(m.logs, line)
		if len(m.logs) > maxLogLines {
			m.logs = m.logs[len(m.logs)-maxLogLines:]
		}
		return m, nil

	case frameMsg:
		m.frames++
		return m, nil

	case doneMsg:
		m.done = true
		m.result = msg.result
		m.err = msg.err
		return m, tea.Quit
	}

	return m, nil
}

// View implements tea.Model.
func (m StreamModel) View() string {
	if m.quitting && !m.done {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("theory run"))
	b.WriteString("\n\n")
	b.WriteString(fmt.Sprintf("%s %s\n", LabelStyle.Render("Ref:"), m.ref))
	b.WriteString(fmt.Sprintf("%s %s\n", LabelStyle.Render("Execution:"), m.executionID))

	status := m.statusLine()
	b.WriteString(fmt.Sprintf("%s %s\n", LabelStyle.Render("Status:"), status))
	if m.frames > 0 {
		b.WriteString(fmt.Sprintf("%s %d\n", LabelStyle.Render("Artifacts:"), m.frames))
	}

	if m.tokens.Len() > 0 {
		b.WriteString("\n")
		b.WriteString(BoxStyle.Render(TokenStyle.Render(m.tokens.String())))
		b.WriteString("\n")
	}

	if len(m.logs) > 0 {
		b.WriteString("\n")
		for _, line := range m.logs {
			b.WriteString(LogStyle.Render(line))
			b.WriteString("\n")
		}
	}

	b.WriteString(HelpStyle.Render("Press q or Ctrl+C to quit"))
	b.WriteString("\n")
	return b.String()
}

func (m StreamModel) statusLine() string {
	if !m.done {
		return fmt.Sprintf("%s %s", m.spin.View(), PhaseStyle(m.phase).Render(m.phase))
	}
	if m.err != nil {
		return ErrorStyle.Render("failed: " + m.err.Error())
	}
	env := m.result.Envelope
	if env.Status == types.StatusSuccess {
		return SuccessStyle.Render("success")
	}
	return ErrorStyle.Render(fmt.Sprintf("error (%s)", env.Error.Code))
}

// classify maps a wire frame to its tea message, or nil for frames the
// viewer does not display.
func classify(m *types.Message) tea.Msg {
	switch m.Kind {
	case types.KindToken:
		var c types.TokenContent
		if json.Unmarshal(m.Content, &c) == nil {
			return tokenMsg(c.Text)
		}
	case types.KindEvent:
		var c types.EventContent
		if json.Unmarshal(m.Content, &c) == nil {
			return phaseMsg(c)
		}
	case types.KindLog:
		var c types.LogContent
		if json.Unmarshal(m.Content, &c) == nil {
			return logMsg(c)
		}
	case types.KindFrame:
		var c types.FrameContent
		if json.Unmarshal(m.Content, &c) == nil {
			return frameMsg(c)
		}
	}
	return nil
}

// Stream runs the viewer over s until the run completes or the user quits,
// then returns the terminal result.
func Stream(ref, executionID string, s *orchestrator.Stream) (*orchestrator.Result, error) {
	p := tea.NewProgram(NewStreamModel(ref, executionID))

	go func() {
		for m := range s.Events() {
			if msg := classify(m); msg != nil {
				p.Send(msg)
			}
		}
		result, err := s.Wait()
		p.Send(doneMsg{result: result, err: err})
	}()

	final, err := p.Run()
	if err != nil {
		return nil, err
	}
	model, ok := final.(StreamModel)
	if !ok || !model.done {
		// User quit before the terminal frame; the run keeps draining.
		return s.Wait()
	}
	return model.result, model.err
}
