package internal

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		// ctrl+c always bails out, whatever the screen.
		if typedMessage.Type == tea.KeyCtrlC {
			model.resetRoom()
			return model, tea.Quit
		}
		switch model.mode {
		case modeAuthMenu:
			return model.updateAuthMenu(typedMessage)
		case modeAuthUsername, modeAuthPassword, modeAuthRole:
			return model.updateAuthPrompt(typedMessage)
		case modeQuotationPrompt:
			return model.updateQuotationPrompt(typedMessage)
		case modeChat:
			return model.updateChat(typedMessage)
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		model.spinner, cmd = model.spinner.Update(typedMessage)
		return model, cmd

	case authDoneMsg:
		model.loading = false
		if typedMessage.err != nil {
			model.addNotice("Login failed: " + describeError(typedMessage.err))
			model.startAuthPrompt(model.authIntent)
			return model, nil
		}
		resp := typedMessage.resp
		model.username, model.userID, model.role, model.token = resp.Username, resp.UserID, resp.Role, resp.Token
		if err := saveSessionToDisk(model.sessionPath, sessionFile{Username: resp.Username, UserID: resp.UserID, Role: resp.Role, Token: resp.Token}); err != nil {
			model.addNotice("Could not remember login: " + err.Error())
		}
		model.notices = nil
		if model.quotationID != "" {
			return model, model.openRoom(model.quotationID)
		}
		model.enterQuotationPrompt()
		return model, nil

	case signupDoneMsg:
		model.loading = false
		if typedMessage.err != nil {
			model.addNotice("Sign up failed: " + describeError(typedMessage.err))
			model.startAuthPrompt(authIntentSignup)
			return model, nil
		}
		model.loading = true
		return model, model.loginCmd(model.pendingUsername, model.pendingPassword)

	case historyMsg:
		if typedMessage.quotationID != model.quotationID || model.mode != modeChat {
			return model, nil
		}
		if typedMessage.err != nil {
			if errors.Is(typedMessage.err, errUnauthorized) {
				return model, model.logout("Session expired, please log in again.")
			}
			return model, model.toastCmd("Could not load history: " + describeError(typedMessage.err))
		}
		for _, chat := range typedMessage.messages {
			model.addMessage(chat)
		}
		return model, nil

	case chatStatusMsg:
		if typedMessage.quotationID != model.quotationID || typedMessage.err != nil {
			return model, nil
		}
		model.disabled = typedMessage.status.Disabled
		model.disabledReason = typedMessage.status.Reason
		return model, nil

	case sessionReadyMsg:
		if model.session == nil {
			return model, nil
		}
		if typedMessage.err != nil {
			model.connState = connOffline
			model.connectionError = typedMessage.err
			return model, nil
		}
		if err := model.session.JoinRoom(model.quotationID, model.userID, model.role); err != nil {
			model.connectionError = err
		}
		return model, nil

	case postedMsg:
		if typedMessage.err != nil {
			if errors.Is(typedMessage.err, ErrChatDisabled) {
				model.disabled = true
			}
			if typedMessage.message.QuotationID == model.quotationID {
				model.addMessage(typedMessage.message)
			}
			return model, model.toastCmd("Failed to send: " + describeError(typedMessage.err))
		}
		if typedMessage.message.QuotationID == model.quotationID {
			model.addMessage(typedMessage.message)
		}
		return model, nil

	case toastExpiredMsg:
		if typedMessage.seq == model.toastSeq {
			model.toast = ""
		}
		return model, nil

	case incomingMsg:
		if typedMessage.QuotationID == model.quotationID && model.mode == modeChat {
			model.addMessage(ChatMessage(typedMessage))
		}
		return model, waitForEvent(model.events)

	case typingChangedMsg:
		model.typing = []TypingUser(typedMessage)
		return model, waitForEvent(model.events)

	case userJoinedMsg:
		model.addNotice(fmt.Sprintf("%s (%s) joined", typedMessage.UserID, typedMessage.Role))
		model.participants = appendParticipant(model.participants, Participant{ConnectionID: typedMessage.ConnectionID, UserID: typedMessage.UserID, Role: typedMessage.Role})
		return model, waitForEvent(model.events)

	case userLeftMsg:
		model.addNotice(fmt.Sprintf("%s (%s) left", typedMessage.UserID, typedMessage.Role))
		model.participants = removeParticipant(model.participants, typedMessage.ConnectionID)
		return model, waitForEvent(model.events)

	case roomJoinedMsg:
		model.participants = typedMessage.Participants
		model.disabled = typedMessage.Disabled
		model.disabledReason = typedMessage.DisabledReason
		return model, waitForEvent(model.events)

	case roomStatusMsg:
		if typedMessage.QuotationID == model.quotationID {
			model.disabled = typedMessage.Disabled
			model.disabledReason = typedMessage.DisabledReason
		}
		return model, waitForEvent(model.events)

	case serverErrorMsg:
		if errors.Is(typedMessage.err, ErrChatDisabled) {
			model.disabled = true
		}
		return model, tea.Batch(waitForEvent(model.events), model.toastCmd(describeError(typedMessage.err)))

	case connectionMsg:
		cmds := []tea.Cmd{waitForEvent(model.events)}
		switch {
		case typedMessage.connected:
			model.connState = connLive
			model.connectionError = nil
			if model.wasConnected {
				// anything said while we were away is only in the log.
				cmds = append(cmds, model.historyCmd(model.quotationID), model.chatStatusCmd(model.quotationID))
			}
			model.wasConnected = true
		case IsExhausted(typedMessage.err), errors.Is(typedMessage.err, ErrRemoved):
			model.connState = connOffline
			model.connectionError = typedMessage.err
		default:
			model.connState = connConnecting
			model.connectionError = typedMessage.err
		}
		return model, tea.Batch(cmds...)
	}
	return model, nil
}

func (model *TUIModel) updateAuthMenu(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.String() {
	case "1", "l", "L":
		model.startAuthPrompt(authIntentLogin)
		return model, textinput.Blink
	case "2", "s", "S":
		model.startAuthPrompt(authIntentSignup)
		return model, textinput.Blink
	case "q", "Q", "esc":
		return model, tea.Quit
	}
	return model, nil
}

func (model *TUIModel) startAuthPrompt(intent authIntent) {
	model.authIntent = intent
	model.mode = modeAuthUsername
	model.textInput.EchoMode = textinput.EchoNormal
	model.textInput.SetValue(model.username)
	model.textInput.Placeholder = "username"
	model.textInput.Prompt = "user> "
	model.textInput.Focus()
}

func (model *TUIModel) updateAuthPrompt(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	if model.loading {
		return model, nil
	}
	switch key.Type {
	case tea.KeyEsc:
		model.mode = modeAuthMenu
		model.textInput.SetValue("")
		model.textInput.EchoMode = textinput.EchoNormal
		model.textInput.Blur()
		return model, nil
	case tea.KeyEnter:
		value := strings.TrimSpace(model.textInput.Value())
		if value == "" {
			return model, nil
		}
		switch model.mode {
		case modeAuthUsername:
			model.pendingUsername = value
			model.mode = modeAuthPassword
			model.textInput.SetValue("")
			model.textInput.Placeholder = "password"
			model.textInput.Prompt = "pass> "
			model.textInput.EchoMode = textinput.EchoPassword
			return model, nil
		case modeAuthPassword:
			model.pendingPassword = value
			model.textInput.SetValue("")
			model.textInput.EchoMode = textinput.EchoNormal
			if model.authIntent == authIntentSignup {
				model.mode = modeAuthRole
				model.textInput.Placeholder = "customer or admin"
				model.textInput.Prompt = "role> "
				return model, nil
			}
			model.loading = true
			return model, model.loginCmd(model.pendingUsername, model.pendingPassword)
		case modeAuthRole:
			role := strings.ToLower(value)
			if !ValidRole(role) {
				model.addNotice("Role must be customer or admin.")
				return model, nil
			}
			model.textInput.SetValue("")
			model.loading = true
			return model, model.signupCmd(model.pendingUsername, model.pendingPassword, role)
		}
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

func (model *TUIModel) updateQuotationPrompt(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEsc:
		return model, model.logout("")
	case tea.KeyEnter:
		quotationID := strings.TrimSpace(model.textInput.Value())
		if quotationID == "" {
			return model, nil
		}
		return model, model.openRoom(quotationID)
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

func (model *TUIModel) updateChat(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEsc:
		model.leaveRoom()
		return model, nil
	case tea.KeyEnter:
		trimmed := strings.TrimSpace(model.textInput.Value())
		if strings.HasPrefix(trimmed, "/") {
			return model, model.runSlashCommand(strings.ToLower(trimmed))
		}
		if trimmed == "" {
			return model, nil
		}
		if model.disabled {
			return model, model.toastCmd("Chat is closed: " + model.disabledReason)
		}
		model.textInput.SetValue("")
		return model, model.postCmd(trimmed)
	}
	if model.disabled {
		return model, nil
	}
	before := model.textInput.Value()
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	if model.session != nil && model.textInput.Value() != before {
		model.session.StartTyping()
	}
	return model, cmd
}

func (model *TUIModel) runSlashCommand(command string) tea.Cmd {
	model.textInput.SetValue("")
	switch command {
	case "/quit", "/exit":
		model.resetRoom()
		return tea.Quit
	case "/leave":
		model.leaveRoom()
		return nil
	case "/logout":
		return model.logout("Logged out.")
	case "/refresh":
		return tea.Batch(model.historyCmd(model.quotationID), model.chatStatusCmd(model.quotationID))
	}
	return model.toastCmd("Unknown command " + command)
}

func (model *TUIModel) leaveRoom() {
	if model.session != nil {
		_ = model.session.LeaveRoom(model.quotationID)
	}
	model.resetRoom()
	model.enterQuotationPrompt()
}

func (model *TUIModel) logout(notice string) tea.Cmd {
	base, token := model.httpBase, model.token
	model.resetRoom()
	model.token, model.userID, model.role = "", "", ""
	_ = deleteSessionFile(model.sessionPath)
	model.mode = modeAuthMenu
	model.textInput.SetValue("")
	model.textInput.Blur()
	if notice != "" {
		model.addNotice(notice)
	}
	if token == "" {
		return nil
	}
	return func() tea.Msg {
		_ = apiLogout(base, token)
		return nil
	}
}

func describeError(err error) string {
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return protoErr.Err.Error()
	}
	if errors.Is(err, errUnauthorized) {
		return "not authorized"
	}
	return err.Error()
}

// participants are tracked per connection; one user may hold several.
func appendParticipant(list []Participant, participant Participant) []Participant {
	for _, existing := range list {
		if existing.ConnectionID == participant.ConnectionID {
			return list
		}
	}
	return append(list, participant)
}

func removeParticipant(list []Participant, connectionID string) []Participant {
	kept := list[:0:0]
	for _, existing := range list {
		if existing.ConnectionID != connectionID {
			kept = append(kept, existing)
		}
	}
	return kept
}
