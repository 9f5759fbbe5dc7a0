package internal

import (
	"context"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// async results fed back into Update
type (
	authDoneMsg struct {
		resp *loginResponse
		err  error
	}
	signupDoneMsg struct{ err error }
	historyMsg    struct {
		quotationID string
		messages    []ChatMessage
		err         error
	}
	chatStatusMsg struct {
		quotationID string
		status      chatStatusResponse
		err         error
	}
	sessionReadyMsg struct{ err error }
	postedMsg       struct {
		message ChatMessage
		err     error
	}
	toastExpiredMsg struct{ seq int }

	// pushed from Session listeners through model.events
	incomingMsg      ChatMessage
	typingChangedMsg []TypingUser
	userJoinedMsg    UserJoined
	userLeftMsg      UserLeft
	roomJoinedMsg    RoomJoined
	roomStatusMsg    RoomStatus
	serverErrorMsg   struct{ err error }
	connectionMsg    struct {
		connected bool
		err       error
	}
)

// waitForEvent blocks on the bridge channel; Update re-arms it after every event.
func waitForEvent(events <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-events
	}
}

func (model *TUIModel) loginCmd(username, password string) tea.Cmd {
	base := model.httpBase
	return func() tea.Msg {
		resp, err := apiLogin(base, username, password)
		return authDoneMsg{resp: resp, err: err}
	}
}

func (model *TUIModel) signupCmd(username, password, role string) tea.Cmd {
	base := model.httpBase
	return func() tea.Msg {
		return signupDoneMsg{err: apiSignup(base, username, password, role)}
	}
}

func (model *TUIModel) historyCmd(quotationID string) tea.Cmd {
	base, token := model.httpBase, model.token
	return func() tea.Msg {
		messages, err := apiListMessages(base, token, quotationID)
		return historyMsg{quotationID: quotationID, messages: messages, err: err}
	}
}

func (model *TUIModel) chatStatusCmd(quotationID string) tea.Cmd {
	base, token := model.httpBase, model.token
	return func() tea.Msg {
		status, err := apiChatStatus(base, token, quotationID)
		return chatStatusMsg{quotationID: quotationID, status: status, err: err}
	}
}

// postCmd saves first; only a saved record is announced over the socket.
func (model *TUIModel) postCmd(body string) tea.Cmd {
	base, token, quotationID, session := model.httpBase, model.token, model.quotationID, model.session
	return func() tea.Msg {
		saved, err := apiPostMessage(base, token, quotationID, body)
		if err != nil {
			return postedMsg{err: err}
		}
		if session != nil {
			if err := session.SendMessage(saved); err != nil {
				// saved but not relayed; others see it on their next history fetch.
				return postedMsg{message: saved, err: err}
			}
		}
		return postedMsg{message: saved}
	}
}

func (model *TUIModel) connectCmd(session *Session) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return sessionReadyMsg{err: session.Connect(ctx)}
	}
}

func (model *TUIModel) toastCmd(text string) tea.Cmd {
	model.toastSeq++
	model.toast = text
	seq := model.toastSeq
	return tea.Tick(toastDuration, func(time.Time) tea.Msg {
		return toastExpiredMsg{seq: seq}
	})
}

// openRoom builds a fresh Session for the quotation and bridges its callbacks
// into Bubble Tea messages.
func (model *TUIModel) openRoom(quotationID string) tea.Cmd {
	model.resetRoom()
	model.quotationID = quotationID
	model.mode = modeChat
	model.connState = connConnecting
	model.textInput.SetValue("")
	model.textInput.Placeholder = "Type a message…"
	model.textInput.Prompt = "> "
	model.textInput.Focus()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+model.token)
	session := NewSession(SessionConfig{URL: model.serverJoinURL, Header: header, Logger: discardLogger()})
	events := model.events
	push := func(msg tea.Msg) { events <- msg }

	model.indicators = NewTypingIndicators(TypingExpiry, func(users []TypingUser) {
		push(typingChangedMsg(users))
	})
	indicators := model.indicators
	model.disposers = []func(){
		session.OnNewMessage(func(message ChatMessage) { push(incomingMsg(message)) }),
		session.OnUserTyping(func(ev UserTyping) { indicators.Apply(ev) }),
		session.OnUserJoined(func(ev UserJoined) { push(userJoinedMsg(ev)) }),
		session.OnUserLeft(func(ev UserLeft) {
			indicators.Apply(UserTyping{UserID: ev.UserID, Role: ev.Role, IsTyping: false})
			push(userLeftMsg(ev))
		}),
		session.OnRoomJoined(func(ev RoomJoined) { push(roomJoinedMsg(ev)) }),
		session.OnRoomStatus(func(ev RoomStatus) { push(roomStatusMsg(ev)) }),
		session.OnError(func(err error) { push(serverErrorMsg{err: err}) }),
		session.OnConnectionChange(func(connected bool, err error) {
			if !connected {
				indicators.Clear()
			}
			push(connectionMsg{connected: connected, err: err})
		}),
	}
	model.session = session

	return tea.Batch(
		model.connectCmd(session),
		model.historyCmd(quotationID),
		model.chatStatusCmd(quotationID),
	)
}

//entry for bubbletea
func RunClient(opts ClientOptions) error {
	model := NewTUIModel(opts)
	program := tea.NewProgram(model)
	_, err := program.Run()
	model.resetRoom()
	return err
}
