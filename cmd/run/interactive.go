package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/artifact"
	"github.com/wippyai/wasm-sandbox/config"
	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/runtime"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#F5F5F5")).
			Background(lipgloss.Color("#2E6F95")).
			Padding(0, 1)

	nameStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#A3E635"))

	sigStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7DD3FC"))

	cursorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F5F5F5")).
			Background(lipgloss.Color("#2E6F95"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#86EFAC"))

	trapStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FCA5A5"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#374151")).
			Padding(0, 1)
)

type screen int

const (
	screenExports screen = iota
	screenArgs
	screenOutcome
	screenPool
)

// callRecord is one finished call shown on the outcome screen.
type callRecord struct {
	fn        string
	args      []uint64
	heapPages uint32
	out       string
	err       error
	took      time.Duration
}

type sandboxModel struct {
	cfg    config.Config
	logger *zap.Logger
	path   string

	rt      *runtime.Runtime
	id      artifact.Identity
	exports []runtime.Export
	loadErr error

	screen screen
	cursor int
	fields []textinput.Model
	focus  int
	last   *callRecord
	calls  int
	traps  int
}

func newSandboxModel(cfg config.Config, logger *zap.Logger, path string) *sandboxModel {
	return &sandboxModel{cfg: cfg, logger: logger, path: path}
}

type compiledMsg struct {
	rt      *runtime.Runtime
	id      artifact.Identity
	exports []runtime.Export
	err     error
}

type calledMsg struct{ rec *callRecord }

func (m *sandboxModel) Init() tea.Cmd {
	return m.compile
}

func (m *sandboxModel) compile() tea.Msg {
	ctx := context.Background()
	rt, id, err := load(ctx, m.cfg, m.logger, m.path)
	if err != nil {
		return compiledMsg{err: err}
	}
	exports, err := rt.Exports(id)
	if err != nil {
		_ = rt.Close(ctx)
		return compiledMsg{err: err}
	}
	return compiledMsg{rt: rt, id: id, exports: exports}
}

func (m *sandboxModel) quit() (tea.Model, tea.Cmd) {
	if m.rt != nil {
		_ = m.rt.Close(context.Background())
	}
	return m, tea.Quit
}

func (m *sandboxModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case compiledMsg:
		m.rt, m.id, m.exports, m.loadErr = msg.rt, msg.id, msg.exports, msg.err
		return m, nil

	case calledMsg:
		m.last = msg.rec
		m.calls++
		if errors.IsTrap(msg.rec.err) {
			m.traps++
		}
		m.screen = screenOutcome
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m.quit()
		}
		if m.rt == nil {
			if msg.String() == "q" {
				return m.quit()
			}
			return m, nil
		}
		return m.key(msg)
	}
	return m, nil
}

func (m *sandboxModel) key(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.screen {
	case screenExports:
		switch msg.String() {
		case "q":
			return m.quit()
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.exports)-1 {
				m.cursor++
			}
		case "p":
			m.screen = screenPool
		case "enter":
			if len(m.exports) == 0 {
				return m, nil
			}
			m.buildFields()
			m.screen = screenArgs
		}
		return m, nil

	case screenArgs:
		switch msg.String() {
		case "esc":
			m.fields = nil
			m.screen = screenExports
			return m, nil
		case "tab", "shift+tab":
			m.fields[m.focus].Blur()
			step := 1
			if msg.String() == "shift+tab" {
				step = len(m.fields) - 1
			}
			m.focus = (m.focus + step) % len(m.fields)
			m.fields[m.focus].Focus()
			return m, nil
		case "enter":
			return m, m.invoke
		}
		cmds := make([]tea.Cmd, len(m.fields))
		for i := range m.fields {
			m.fields[i], cmds[i] = m.fields[i].Update(msg)
		}
		return m, tea.Batch(cmds...)

	case screenOutcome:
		switch msg.String() {
		case "q":
			return m.quit()
		case "r":
			// same call again, served by a reused instance when the policy allows
			return m, m.repeat
		case "p":
			m.screen = screenPool
		case "enter", "esc":
			m.screen = screenExports
		}
		return m, nil

	case screenPool:
		switch msg.String() {
		case "q":
			return m.quit()
		case "esc", "enter", "p":
			m.screen = screenExports
		}
	}
	return m, nil
}

// buildFields creates one input per parameter plus a trailing heap pages
// field, empty meaning the compiled ceiling.
func (m *sandboxModel) buildFields() {
	sig := m.exports[m.cursor].Signature
	m.fields = make([]textinput.Model, 0, len(sig.Params)+1)
	for i, p := range sig.Params {
		in := textinput.New()
		in.Prompt = fmt.Sprintf("%-10s", fmt.Sprintf("$%d %s", i, p))
		in.Placeholder = "0"
		in.Width = 32
		m.fields = append(m.fields, in)
	}
	pages := textinput.New()
	pages.Prompt = fmt.Sprintf("%-10s", "pages")
	pages.Placeholder = strconv.FormatUint(uint64(m.rt.Config().HeapPages), 10)
	pages.Width = 12
	m.fields = append(m.fields, pages)

	m.focus = 0
	m.fields[0].Focus()
}

func (m *sandboxModel) invoke() tea.Msg {
	exp := m.exports[m.cursor]
	n := len(exp.Signature.Params)

	rec := &callRecord{fn: exp.Name, args: make([]uint64, n)}
	for i := 0; i < n; i++ {
		s := m.fields[i].Value()
		if strings.TrimSpace(s) == "" {
			s = "0"
		}
		v, err := engine.ParseValue(s, exp.Signature.Params[i])
		if err != nil {
			rec.err = err
			return calledMsg{rec: rec}
		}
		rec.args[i] = v
	}
	if s := strings.TrimSpace(m.fields[n].Value()); s != "" {
		pages, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			rec.err = fmt.Errorf("heap pages %q: %w", s, err)
			return calledMsg{rec: rec}
		}
		rec.heapPages = uint32(pages)
	}
	return m.call(rec)
}

func (m *sandboxModel) repeat() tea.Msg {
	prev := m.last
	if prev == nil {
		return nil
	}
	return m.call(&callRecord{fn: prev.fn, args: prev.args, heapPages: prev.heapPages})
}

func (m *sandboxModel) call(rec *callRecord) tea.Msg {
	var sig engine.Signature
	for _, e := range m.exports {
		if e.Name == rec.fn {
			sig = e.Signature
		}
	}
	start := time.Now()
	out, err := m.rt.Call(context.Background(), m.id, rec.fn, rec.args, rec.heapPages)
	rec.took = time.Since(start)
	rec.err = err
	if err == nil {
		rec.out = formatResults(out, sig.Results)
	}
	return calledMsg{rec: rec}
}

func (m *sandboxModel) View() string {
	if m.loadErr != nil {
		return trapStyle.Render(fmt.Sprintf("Error: %v", m.loadErr)) + "\n\n" + dimStyle.Render("q quit")
	}
	if m.rt == nil {
		return "Compiling " + m.path + "..."
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render("wasm-sandbox"))
	b.WriteString(" " + m.path + " ")
	b.WriteString(dimStyle.Render(fmt.Sprintf("%s | %s | %s", m.rt.Engine(), m.rt.Policy(), m.id.Short())))
	b.WriteString("\n\n")

	switch m.screen {
	case screenExports:
		m.viewExports(&b)
	case screenArgs:
		m.viewArgs(&b)
	case screenOutcome:
		m.viewOutcome(&b)
	case screenPool:
		m.viewPool(&b)
	}
	return b.String()
}

func (m *sandboxModel) viewExports(b *strings.Builder) {
	if len(m.exports) == 0 {
		b.WriteString("No exported functions.\n\n")
		b.WriteString(dimStyle.Render("p pool • q quit"))
		return
	}
	for i, e := range m.exports {
		line := e.Name + e.Signature.String()
		if i == m.cursor {
			b.WriteString(cursorStyle.Render("› " + line))
		} else {
			b.WriteString("  " + nameStyle.Render(e.Name) + sigStyle.Render(e.Signature.String()))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("%d calls, %d traps", m.calls, m.traps)))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("↑/↓ move • enter call • p pool • q quit"))
}

func (m *sandboxModel) viewArgs(b *strings.Builder) {
	exp := m.exports[m.cursor]
	b.WriteString(nameStyle.Render(exp.Name) + sigStyle.Render(exp.Signature.String()))
	b.WriteString("\n\n")
	for _, f := range m.fields {
		b.WriteString(f.View())
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("tab next • enter run • esc back"))
}

func (m *sandboxModel) viewOutcome(b *strings.Builder) {
	rec := m.last
	b.WriteString(nameStyle.Render(rec.fn))
	b.WriteString(dimStyle.Render(fmt.Sprintf(" in %s", rec.took.Round(time.Microsecond))))
	b.WriteString("\n\n")
	switch {
	case rec.err == nil:
		b.WriteString(okStyle.Render("→ " + rec.out))
	case errors.IsTrap(rec.err):
		b.WriteString(trapStyle.Render(fmt.Sprintf("trap (%s): %v", errors.CauseOf(rec.err), rec.err)))
		b.WriteString("\n")
		b.WriteString(dimStyle.Render("the instance was discarded"))
	default:
		b.WriteString(trapStyle.Render(fmt.Sprintf("error: %v", rec.err)))
	}
	b.WriteString("\n\n")
	s := m.rt.Stats()
	b.WriteString(dimStyle.Render(fmt.Sprintf("pool: %d live, %d idle", s.Live, s.Idle)))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("r repeat • p pool • enter back • q quit"))
}

func (m *sandboxModel) viewPool(b *strings.Builder) {
	s := m.rt.Stats()
	var rows strings.Builder
	fmt.Fprintf(&rows, "%-14s %6s %5s %7s %5s\n", "identity", "pages", "idle", "active", "uses")
	for _, g := range s.Groups {
		pages := "ceiling"
		if g.HeapPages != 0 {
			pages = strconv.FormatUint(uint64(g.HeapPages), 10)
		}
		fmt.Fprintf(&rows, "%-14s %6s %5d %7d %5d\n", g.Identity.Short(), pages, g.Idle, g.Active, g.Uses)
	}
	if len(s.Groups) == 0 {
		rows.WriteString(dimStyle.Render("no live instances"))
	}
	b.WriteString(panelStyle.Render(strings.TrimSuffix(rows.String(), "\n")))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("%d live, %d idle, %d active", s.Live, s.Idle, s.Active)))
	b.WriteString("\n\n")
	b.WriteString(dimStyle.Render("esc back • q quit"))
}

func runInteractive(cfg config.Config, logger *zap.Logger, path string) error {
	_, err := tea.NewProgram(newSandboxModel(cfg, logger, path), tea.WithAltScreen()).Run()
	return err
}
