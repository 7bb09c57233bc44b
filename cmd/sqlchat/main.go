// cmd/sqlchat — terminal client for the SQL query agent.
//
// Layout: session list on the left, transcript viewport on the right,
// one-line input at the bottom. A login form takes over the input row
// when the backend demands authentication.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"

	"github.com/deepagent/sqlchat/internal/agent"
	"github.com/deepagent/sqlchat/internal/auth"
	"github.com/deepagent/sqlchat/internal/chat"
	"github.com/deepagent/sqlchat/internal/config"
	"github.com/deepagent/sqlchat/internal/schema"
	"github.com/deepagent/sqlchat/internal/session"
	"github.com/deepagent/sqlchat/internal/transport"
	"github.com/deepagent/sqlchat/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	if err := logger.InitWithFile(cfg.LogDir); err != nil {
		fmt.Fprintln(os.Stderr, "log init failed:", err)
		os.Exit(1)
	}
	defer logger.ShutdownFileHandler()
	logger.SetLevel(cfg.LogLevel)

	creds := auth.NewTokenStore(cfg.TokenPath)
	store := session.NewStore(cfg.SessionTitleMaxRunes)
	tc := transport.NewClient(cfg.APIBaseURL, cfg.HTTPTimeout(), cfg.StreamIdleTimeout(), creds)
	ctrl := chat.NewController(store, tc, creds)
	login := auth.NewClient(cfg.APIBaseURL, cfg.HTTPTimeout(), creds)
	schemaCli := schema.NewClient(cfg.APIBaseURL, cfg.HTTPTimeout(), creds)

	p := tea.NewProgram(newModel(ctrl, login, schemaCli), tea.WithAltScreen())
	ctrl.SetNotify(func() { p.Send(stateChangedMsg{}) })

	if _, err := p.Run(); err != nil {
		logger.Error("tui exited", logger.FieldError, err)
		os.Exit(1)
	}
}

// ========================================
// 消息
// ========================================

type stateChangedMsg struct{}

type loginDoneMsg struct{ err error }

type schemaListMsg struct {
	tables []schema.TableSummary
	err    error
}

// ========================================
// 主模型
// ========================================

type pane int

const (
	paneChat pane = iota
	paneLogin
	paneSchema
)

type model struct {
	ctrl      *chat.Controller
	login     *auth.Client
	schemaCli *schema.Client

	active pane

	input      textinput.Model
	transcript viewport.Model
	sidebar    viewport.Model
	spin       spinner.Model

	// login form
	userInput textinput.Model
	passInput textinput.Model
	passStage bool
	loginBusy bool

	schemaTables []schema.TableSummary

	width, height int
	ready         bool
	statusLine    string

	theme theme
}

type theme struct {
	header    lipgloss.Style
	sidebar   lipgloss.Style
	current   lipgloss.Style
	user      lipgloss.Style
	assistant lipgloss.Style
	phase     lipgloss.Style
	sqlBlock  lipgloss.Style
	errText   lipgloss.Style
	muted     lipgloss.Style
	footer    lipgloss.Style
}

func newTheme() theme {
	blue := lipgloss.Color("#61afef")
	green := lipgloss.Color("#98c379")
	red := lipgloss.Color("#e06c75")
	grey := lipgloss.Color("#5c6370")
	yellow := lipgloss.Color("#e5c07b")
	return theme{
		header:    lipgloss.NewStyle().Foreground(blue).Bold(true),
		sidebar:   lipgloss.NewStyle().Foreground(grey),
		current:   lipgloss.NewStyle().Foreground(green).Bold(true),
		user:      lipgloss.NewStyle().Foreground(green).Bold(true),
		assistant: lipgloss.NewStyle().Foreground(blue).Bold(true),
		phase:     lipgloss.NewStyle().Foreground(grey).Italic(true),
		sqlBlock:  lipgloss.NewStyle().Foreground(yellow),
		errText:   lipgloss.NewStyle().Foreground(red).Bold(true),
		muted:     lipgloss.NewStyle().Foreground(grey),
		footer:    lipgloss.NewStyle().Foreground(grey),
	}
}

func newModel(ctrl *chat.Controller, login *auth.Client, schemaCli *schema.Client) model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.Placeholder = "Ask about your data..."
	input.CharLimit = 2000
	input.Focus()

	userInput := textinput.New()
	userInput.Prompt = "username ❯ "
	passInput := textinput.New()
	passInput.Prompt = "password ❯ "
	passInput.EchoMode = textinput.EchoPassword

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return model{
		ctrl:       ctrl,
		login:      login,
		schemaCli:  schemaCli,
		active:     paneChat,
		input:      input,
		userInput:  userInput,
		passInput:  passInput,
		transcript: viewport.New(0, 0),
		sidebar:    viewport.New(0, 0),
		spin:       sp,
		statusLine: "ready",
		theme:      newTheme(),
	}
}

func (m model) Init() tea.Cmd {
	return m.spin.Tick
}

// ========================================
// Update
// ========================================

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.ready = true
		m.renderPanes()

	case stateChangedMsg:
		if m.ctrl.AuthRequired() && m.active == paneChat {
			m.enterLogin()
		}
		m.renderPanes()

	case loginDoneMsg:
		m.loginBusy = false
		if msg.err != nil {
			m.statusLine = "login failed: " + msg.err.Error()
			m.passStage = false
			m.userInput.Focus()
			m.passInput.Blur()
			m.passInput.SetValue("")
			break
		}
		m.statusLine = "logged in"
		m.ctrl.ClearError()
		m.leaveLogin()
		m.renderPanes()

	case schemaListMsg:
		if msg.err != nil {
			m.statusLine = "schema load failed: " + msg.err.Error()
			m.active = paneChat
			break
		}
		m.schemaTables = msg.tables
		m.renderPanes()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		cmds = append(cmds, cmd)
		if m.ctrl.IsLoading() {
			m.renderPanes()
		}

	case tea.KeyMsg:
		newM, cmd, handled := m.handleKey(msg)
		if handled {
			return newM, cmd
		}
		m = newM
	}

	// 非快捷键输入交给当前焦点组件
	switch m.active {
	case paneLogin:
		var cmd tea.Cmd
		if m.passStage {
			m.passInput, cmd = m.passInput.Update(msg)
		} else {
			m.userInput, cmd = m.userInput.Update(msg)
		}
		cmds = append(cmds, cmd)
	default:
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
		m.transcript, cmd = m.transcript.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m model) handleKey(msg tea.KeyMsg) (model, tea.Cmd, bool) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit, true

	case "esc":
		if m.active == paneLogin && !m.loginBusy {
			m.leaveLogin()
			return m, nil, true
		}
		if m.active == paneSchema {
			m.active = paneChat
			m.input.Focus()
			m.renderPanes()
			return m, nil, true
		}
		m.ctrl.ClearError()
		return m, nil, true

	case "ctrl+n":
		if m.active == paneChat {
			m.ctrl.CreateAndSwitch()
			m.statusLine = "new session"
			m.renderPanes()
			return m, nil, true
		}

	case "ctrl+p", "ctrl+j":
		if m.active == paneChat {
			m.cycleSession(msg.String() == "ctrl+j")
			return m, nil, true
		}

	case "ctrl+s":
		if m.active == paneChat {
			m.active = paneSchema
			m.input.Blur()
			m.statusLine = "loading schema..."
			return m, m.loadSchemaCmd(), true
		}

	case "ctrl+l":
		if m.active == paneChat {
			m.enterLogin()
			return m, nil, true
		}

	case "enter":
		switch m.active {
		case paneLogin:
			return m.submitLogin()
		case paneChat:
			text := m.input.Value()
			if strings.TrimSpace(text) == "" {
				return m, nil, true
			}
			m.input.SetValue("")
			m.ctrl.SendTurn(text)
			m.renderPanes()
			return m, nil, true
		}
	}
	return m, nil, false
}

// cycleSession steps to the previous/next session in creation order.
func (m *model) cycleSession(forward bool) {
	sums := m.ctrl.Sessions()
	if len(sums) < 2 {
		return
	}
	cur := m.ctrl.CurrentSessionID()
	idx := 0
	for i, s := range sums {
		if s.ID == cur {
			idx = i
			break
		}
	}
	if forward {
		idx = (idx + 1) % len(sums)
	} else {
		idx = (idx - 1 + len(sums)) % len(sums)
	}
	m.ctrl.SwitchSession(sums[idx].ID)
	m.renderPanes()
}

// ========================================
// 登录表单
// ========================================

func (m *model) enterLogin() {
	m.active = paneLogin
	m.passStage = false
	m.input.Blur()
	m.userInput.SetValue("")
	m.passInput.SetValue("")
	m.userInput.Focus()
	m.statusLine = "authentication required"
}

func (m *model) leaveLogin() {
	m.active = paneChat
	m.userInput.Blur()
	m.passInput.Blur()
	m.input.Focus()
}

func (m model) submitLogin() (model, tea.Cmd, bool) {
	if m.loginBusy {
		return m, nil, true
	}
	if !m.passStage {
		if strings.TrimSpace(m.userInput.Value()) == "" {
			return m, nil, true
		}
		m.passStage = true
		m.userInput.Blur()
		m.passInput.Focus()
		return m, nil, true
	}

	username := strings.TrimSpace(m.userInput.Value())
	password := m.passInput.Value()
	m.loginBusy = true
	m.statusLine = "logging in..."
	cli := m.login
	return m, func() tea.Msg {
		err := cli.Login(context.Background(), username, password)
		return loginDoneMsg{err: err}
	}, true
}

func (m model) loadSchemaCmd() tea.Cmd {
	cli := m.schemaCli
	return func() tea.Msg {
		tables, err := cli.ListTables(context.Background())
		return schemaListMsg{tables: tables, err: err}
	}
}

// ========================================
// 渲染
// ========================================

const sidebarWidth = 28

func (m *model) resize() {
	contentHeight := m.height - 4
	if contentHeight < 3 {
		contentHeight = 3
	}
	m.transcript.Width = m.width - sidebarWidth - 3
	m.transcript.Height = contentHeight
	m.sidebar.Width = sidebarWidth
	m.sidebar.Height = contentHeight
	m.input.Width = m.width - 4
}

func (m *model) renderPanes() {
	m.sidebar.SetContent(m.renderSidebar())
	atBottom := m.transcript.AtBottom()
	m.transcript.SetContent(m.renderTranscript())
	if atBottom {
		m.transcript.GotoBottom()
	}
}

func (m *model) renderSidebar() string {
	if m.active == paneSchema {
		var b strings.Builder
		b.WriteString(m.theme.header.Render("Tables") + "\n\n")
		for _, t := range m.schemaTables {
			b.WriteString(t.Name + "\n")
			if t.Description != "" {
				b.WriteString(m.theme.muted.Render("  "+t.Description) + "\n")
			}
		}
		return b.String()
	}

	var b strings.Builder
	b.WriteString(m.theme.header.Render("Sessions") + "\n\n")
	cur := m.ctrl.CurrentSessionID()
	for _, s := range m.ctrl.Sessions() {
		line := fmt.Sprintf("%s (%d)", s.Title, s.MessageCount)
		if s.ID == cur {
			b.WriteString(m.theme.current.Render("• "+line) + "\n")
		} else {
			b.WriteString(m.theme.sidebar.Render("  "+line) + "\n")
		}
	}
	return b.String()
}

func (m *model) renderTranscript() string {
	var b strings.Builder
	for _, msg := range m.ctrl.Messages() {
		if msg.Role == session.RoleUser {
			b.WriteString(m.theme.user.Render("you") + "  " + msg.Text + "\n\n")
			continue
		}
		b.WriteString(m.theme.assistant.Render("agent") + "\n")
		b.WriteString(m.renderAssistant(msg))
		b.WriteString("\n")
	}
	return b.String()
}

// renderAssistant shows phase events as captions, the generated SQL as
// a block, only the latest result, then the accumulated answer text.
func (m *model) renderAssistant(msg session.Message) string {
	var b strings.Builder
	lastResult := -1
	for i, ev := range msg.Events {
		if ev.Type == agent.EventResult {
			lastResult = i
		}
	}
	for i, ev := range msg.Events {
		switch ev.Type {
		case agent.EventThinking, agent.EventExecuting, agent.EventPlan:
			b.WriteString(m.theme.phase.Render("· "+ev.Content) + "\n")
		case agent.EventSQL:
			b.WriteString(m.theme.sqlBlock.Render("  "+ev.Content) + "\n")
		case agent.EventResult:
			if i == lastResult {
				b.WriteString(m.renderResult(ev))
			}
		case agent.EventError:
			b.WriteString(m.theme.errText.Render("✗ "+ev.Content) + "\n")
		}
	}
	if msg.Text != "" {
		b.WriteString(msg.Text + "\n")
	}
	if msg.Streaming {
		b.WriteString(m.spin.View() + m.theme.muted.Render(" working...") + "\n")
	}
	return b.String()
}

func (m *model) renderResult(ev agent.Event) string {
	var b strings.Builder
	b.WriteString(m.theme.muted.Render(fmt.Sprintf("  %s · %d rows", strings.Join(ev.Columns, " | "), ev.RowCount)) + "\n")
	max := len(ev.Rows)
	if max > 5 {
		max = 5
	}
	for _, row := range ev.Rows[:max] {
		cells := make([]string, 0, len(ev.Columns))
		for _, col := range ev.Columns {
			cells = append(cells, fmt.Sprint(row[col]))
		}
		b.WriteString("  " + strings.Join(cells, " | ") + "\n")
	}
	if len(ev.Rows) > max {
		b.WriteString(m.theme.muted.Render(fmt.Sprintf("  ... %d more", len(ev.Rows)-max)) + "\n")
	}
	return b.String()
}

func (m model) View() string {
	if !m.ready {
		return "starting..."
	}

	body := lipgloss.JoinHorizontal(lipgloss.Top, m.sidebar.View(), " │ ", m.transcript.View())

	var inputRow string
	switch m.active {
	case paneLogin:
		if m.passStage {
			inputRow = m.passInput.View()
		} else {
			inputRow = m.userInput.View()
		}
	default:
		inputRow = m.input.View()
	}

	status := m.statusLine
	if errMsg := m.ctrl.Error(); errMsg != "" {
		status = m.theme.errText.Render(errMsg + "  (esc to dismiss)")
	} else if m.ctrl.IsLoading() {
		status = m.spin.View() + " thinking..."
	}

	footer := m.theme.footer.Render("enter send · ctrl+n new · ctrl+p/ctrl+j sessions · ctrl+s schema · ctrl+l login · ctrl+c quit")

	return lipgloss.JoinVertical(lipgloss.Left, body, inputRow, status, footer)
}
