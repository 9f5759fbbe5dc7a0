package internal

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// tui model struct for all the components and modes
type TUIModel struct {
	textInput textinput.Model
	spinner   spinner.Model

	serverJoinURL string
	httpBase      string
	sessionPath   string

	username string
	userID   string
	role     string
	token    string

	quotationID  string
	session      *Session
	events       chan tea.Msg
	indicators   *TypingIndicators
	disposers    []func()
	wasConnected bool

	messages       []ChatMessage
	seen           map[string]bool
	notices        []string
	participants   []Participant
	typing         []TypingUser
	disabled       bool
	disabledReason string
	toast          string
	toastSeq       int

	connState       connState
	connectionError error
	mode            appMode
	authIntent      authIntent
	pendingUsername string
	pendingPassword string
	loading         bool
}

type appMode int

const (
	modeAuthMenu appMode = iota
	modeAuthUsername
	modeAuthPassword
	modeAuthRole
	modeQuotationPrompt
	modeChat
)

type authIntent int

const (
	authIntentLogin authIntent = iota
	authIntentSignup
)

type connState int

const (
	connOffline connState = iota
	connConnecting
	connLive
)

const (
	toastDuration = 4 * time.Second
	eventBacklog  = 256
)

// ClientOptions seeds the TUI from flags.
type ClientOptions struct {
	ServerJoinURL string
	Username      string
	QuotationID   string
	SessionPath   string
}

func NewTUIModel(opts ClientOptions) *TUIModel {
	input := textinput.New()
	input.CharLimit = 0
	input.Prompt = ""

	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = connectingStyle

	username := opts.Username
	if username == "" {
		username = defaultUsername()
	}

	model := &TUIModel{
		textInput:     input,
		spinner:       spin,
		serverJoinURL: opts.ServerJoinURL,
		sessionPath:   opts.SessionPath,
		username:      username,
		quotationID:   opts.QuotationID,
		seen:          make(map[string]bool),
		events:        make(chan tea.Msg, eventBacklog),
		mode:          modeAuthMenu,
	}
	if base, err := httpBaseFromJoinURL(opts.ServerJoinURL); err == nil {
		model.httpBase = base
	} else {
		model.addNotice("Invalid server URL: " + err.Error())
	}
	if saved, err := loadSessionFromDisk(opts.SessionPath); err == nil && saved.UserID != "" {
		model.username = saved.Username
		model.userID = saved.UserID
		model.role = saved.Role
		model.token = saved.Token
		model.enterQuotationPrompt()
	}
	return model
}

// init user
func defaultUsername() string {
	if user := os.Getenv("QUOTECHAT_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return ""
}

func (model *TUIModel) Init() tea.Cmd {
	cmds := []tea.Cmd{model.spinner.Tick, waitForEvent(model.events)}
	if model.mode == modeQuotationPrompt && model.quotationID != "" {
		cmds = append(cmds, model.openRoom(model.quotationID))
	}
	return tea.Batch(cmds...)
}

func (model *TUIModel) isAdmin() bool {
	return model.role == RoleAdmin
}

func (model *TUIModel) addNotice(text string) {
	model.notices = append(model.notices, text)
	if len(model.notices) > 4 {
		model.notices = model.notices[len(model.notices)-4:]
	}
}

// addMessage appends a record unless it is already shown. The same message can
// arrive twice: once from our own POST and again from the relay or a history refetch.
func (model *TUIModel) addMessage(message ChatMessage) bool {
	if message.ID != "" {
		if model.seen[message.ID] {
			return false
		}
		model.seen[message.ID] = true
	}
	model.messages = append(model.messages, message)
	return true
}

func (model *TUIModel) resetRoom() {
	for _, dispose := range model.disposers {
		dispose()
	}
	model.disposers = nil
	if model.indicators != nil {
		model.indicators.Clear()
	}
	if model.session != nil {
		_ = model.session.Close()
	}
	model.session = nil
	model.indicators = nil
	model.messages = nil
	model.seen = make(map[string]bool)
	model.participants = nil
	model.typing = nil
	model.disabled = false
	model.disabledReason = ""
	model.toast = ""
	model.connState = connOffline
	model.connectionError = nil
	model.wasConnected = false
}

func (model *TUIModel) enterQuotationPrompt() {
	model.mode = modeQuotationPrompt
	model.textInput.SetValue(model.quotationID)
	model.textInput.Placeholder = "Quotation id…"
	model.textInput.Prompt = "quotation> "
	model.textInput.EchoMode = textinput.EchoNormal
	model.textInput.Focus()
}

// the TUI owns the terminal, so session logs go nowhere.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
