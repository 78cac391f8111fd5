package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/openeuler-mirror/WasmEngine/catalog"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// invoker is the part of the application the TUI drives.
type invoker interface {
	List() []catalog.Entry
	Invoke(ctx context.Context, name string, args map[string]string) (string, error)
}

type modelState int

const (
	stateSelectFunc modelState = iota
	stateInputArgs
	stateShowResult
)

type interactiveModel struct {
	ctx      context.Context
	err      error
	fns      invoker
	result   string
	funcs    []catalog.Entry
	inputs   []textinput.Model
	selected int
	focusIdx int
	state    modelState
}

type loadedMsg struct {
	funcs []catalog.Entry
}

type callResultMsg struct {
	err    error
	result string
}

func newInteractiveModel(ctx context.Context, fns invoker, preselect string) *interactiveModel {
	m := &interactiveModel{ctx: ctx, fns: fns, state: stateSelectFunc}
	m.funcs = fns.List()
	for i, f := range m.funcs {
		if f.Name == preselect {
			m.selected = i
			m.state = stateInputArgs
			m.inputs = []textinput.Model{newArgInput(true)}
		}
	}
	return m
}

func (m *interactiveModel) Init() tea.Cmd {
	if m.state == stateInputArgs {
		return textinput.Blink
	}
	return nil
}

func (m *interactiveModel) reload() tea.Msg {
	return loadedMsg{funcs: m.fns.List()}
}

func newArgInput(focus bool) textinput.Model {
	ti := textinput.New()
	ti.Placeholder = "key=value"
	ti.Prompt = "arg: "
	ti.Width = 40
	if focus {
		ti.Focus()
	}
	return ti
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit

		case "q":
			if m.state != stateInputArgs {
				return m, tea.Quit
			}

		case "r":
			if m.state == stateSelectFunc {
				return m, m.reload
			}

		case "up", "k":
			if m.state == stateSelectFunc && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectFunc && m.selected < len(m.funcs)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectFunc:
				if len(m.funcs) == 0 {
					return m, nil
				}
				m.inputs = []textinput.Model{newArgInput(true)}
				m.focusIdx = 0
				m.state = stateInputArgs
				return m, textinput.Blink

			case stateInputArgs:
				return m, m.callFunction

			case stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}
			return m, nil

		case "ctrl+n":
			if m.state == stateInputArgs {
				m.inputs[m.focusIdx].Blur()
				m.inputs = append(m.inputs, newArgInput(true))
				m.focusIdx = len(m.inputs) - 1
				return m, textinput.Blink
			}

		case "tab":
			if m.state == stateInputArgs && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			switch m.state {
			case stateInputArgs:
				m.state = stateSelectFunc
				m.inputs = nil
			case stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}
			return m, nil
		}

	case loadedMsg:
		m.funcs = msg.funcs
		if m.selected >= len(m.funcs) {
			m.selected = max(len(m.funcs)-1, 0)
		}

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
	}

	if m.state == stateInputArgs {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

// collectArgs reads the non-empty key=value inputs.
func (m *interactiveModel) collectArgs() (map[string]string, error) {
	var pairs []string
	for _, input := range m.inputs {
		if v := strings.TrimSpace(input.Value()); v != "" {
			pairs = append(pairs, v)
		}
	}
	return parseArgs(pairs)
}

func (m *interactiveModel) callFunction() tea.Msg {
	args, err := m.collectArgs()
	if err != nil {
		return callResultMsg{err: err}
	}
	out, err := m.fns.Invoke(m.ctx, m.funcs[m.selected].Name, args)
	return callResultMsg{result: out, err: err}
}

func (m *interactiveModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("WasmEngine"))
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectFunc:
		if len(m.funcs) == 0 {
			b.WriteString("No functions deployed.\n\n")
			b.WriteString(helpStyle.Render("r reload • q quit"))
			return b.String()
		}
		b.WriteString("Select a function to invoke:\n\n")
		for i, f := range m.funcs {
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + formatEntry(f)))
			} else {
				b.WriteString("  " + formatEntry(f))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter choose • r reload • q quit"))

	case stateInputArgs:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Invoking %s\n\n", funcStyle.Render(f.Name)))
		for _, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("ctrl+n add arg • tab next field • enter invoke • esc back"))

	case stateShowResult:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", funcStyle.Render(f.Name)))
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func formatEntry(f catalog.Entry) string {
	kind := "raw"
	if f.WASICap {
		kind = "wasi"
	}
	return funcStyle.Render(f.Name) + " " + typeStyle.Render("["+kind+"]") + " " + f.ImageReference
}

func runInteractive(ctx context.Context, fns invoker, preselect string) error {
	p := tea.NewProgram(newInteractiveModel(ctx, fns, preselect), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
