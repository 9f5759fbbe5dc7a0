package internal

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// pre styled colors// all from lipglpss
var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	subtitleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).MarginTop(1)
	menuBoxStyle       = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 2).MarginTop(1)
	menuItemStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).PaddingLeft(1)
	menuHotkeyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	menuHintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	noticeBoxStyle     = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("95")).Padding(1, 2).MarginTop(1)
	chatHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	offlineStyle       = statusStyle.Copy().Foreground(lipgloss.Color("240")).Bold(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	messageBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	disabledInputStyle = inputBoxStyle.Copy().BorderForeground(lipgloss.Color("238")).Foreground(lipgloss.Color("240"))
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	activeUserStyle    = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	adminBadgeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("16")).Background(lipgloss.Color("213")).Padding(0, 1)
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	typingStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	toastStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).Background(lipgloss.Color("160")).Padding(0, 1).MarginTop(1)
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	sidebarStyle       = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1).MarginLeft(1)
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	userColorPalette   = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

func (model TUIModel) View() string {
	switch model.mode {
	case modeAuthMenu:
		return model.renderAuthMenuView()
	case modeAuthUsername, modeAuthPassword, modeAuthRole:
		return model.renderAuthPromptView()
	case modeQuotationPrompt:
		return model.renderPrompt("Open a quotation", fmt.Sprintf("Signed in as %s (%s). Enter a quotation id and press Enter. Esc logs out.", model.username, model.role))
	default:
		if model.isAdmin() {
			return model.renderAdminView()
		}
		return model.renderCustomerView()
	}
}

func (model TUIModel) renderAuthMenuView() string {
	title := appTitleStyle.Render("QuoteChat")
	subtitle := subtitleStyle.Render("Talk through a quotation with the people pricing it")

	options := []string{
		renderMenuOption("1", "Log in"),
		renderMenuOption("2", "Sign up"),
		renderMenuOption("q", "Quit"),
	}

	viewSections := []string{
		lipgloss.JoinVertical(lipgloss.Left, title, subtitle),
		menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, options...)),
	}

	if notices := model.renderSystemNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}

	viewSections = append(viewSections, menuHintStyle.Render("1) Log in  •  2) Sign up  •  q) Quit"))

	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model TUIModel) renderAuthPromptView() string {
	title := "Log in"
	if model.authIntent == authIntentSignup {
		title = "Create an account"
	}
	hint := "Enter your username"
	switch model.mode {
	case modeAuthPassword:
		hint = "Enter your password"
	case modeAuthRole:
		hint = "Are you a customer or an admin?"
	}
	return model.renderPrompt(title, hint)
}

func (model TUIModel) renderPrompt(title, hint string) string {
	header := appTitleStyle.Render(title)
	hintText := menuHintStyle.Render(hint)

	viewSections := []string{header, hintText}

	if model.loading {
		viewSections = append(viewSections, model.spinner.View()+connectingStyle.Render(" Working…"))
	}

	if notices := model.renderSystemNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}

	viewSections = append(viewSections, inputBoxStyle.Render(model.textInput.View()))

	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

// the customer sees the thread and whether support is around.
func (model TUIModel) renderCustomerView() string {
	support := "No one from the team is here right now"
	for _, participant := range model.participants {
		if participant.Role == RoleAdmin {
			support = "A team member is in the chat"
			break
		}
	}
	header := model.renderChatHeader("Quotation "+model.quotationID, support)
	return lipgloss.JoinVertical(lipgloss.Left, append([]string{header}, model.renderChatBody()...)...)
}

// the admin view adds a live participant list beside the thread.
func (model TUIModel) renderAdminView() string {
	header := model.renderChatHeader(adminBadgeStyle.Render("ADMIN")+" Quotation "+model.quotationID, fmt.Sprintf("%d connected", len(model.participants)))
	body := model.renderChatBody()

	var people []string
	for _, participant := range model.participants {
		people = append(people, usernameStyle.Copy().Foreground(colorForUser(participant.UserID)).Render(participant.UserID)+timestampStyle.Render(" "+participant.Role))
	}
	if len(people) == 0 {
		people = append(people, menuHintStyle.Render("nobody yet"))
	}
	sidebar := sidebarStyle.Render(lipgloss.JoinVertical(lipgloss.Left, append([]string{subtitleStyle.Render("In the room")}, people...)...))

	thread := lipgloss.JoinVertical(lipgloss.Left, body...)
	return lipgloss.JoinVertical(lipgloss.Left, header, lipgloss.JoinHorizontal(lipgloss.Top, thread, sidebar))
}

func (model TUIModel) renderChatHeader(title, detail string) string {
	segments := []string{"QuoteChat", title, detail, fmt.Sprintf("User %s", model.username)}
	return chatHeaderStyle.Render(strings.Join(segments, dividerStyle))
}

func (model TUIModel) renderChatBody() []string {
	sections := []string{model.renderConnectionBadge()}

	if notices := model.renderSystemNotices(); notices != "" {
		sections = append(sections, notices)
	}

	var messageLines []string
	for _, chat := range model.messages {
		messageLines = append(messageLines, model.renderChatMessage(chat))
	}
	if len(messageLines) == 0 {
		messageLines = append(messageLines, systemMessageStyle.Render("No messages yet. Say hi and start the conversation."))
	}
	sections = append(sections, messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, messageLines...)))

	if line := model.renderTypingLine(); line != "" {
		sections = append(sections, line)
	}
	if model.toast != "" {
		sections = append(sections, toastStyle.Render(model.toast))
	}

	if model.disabled {
		reason := model.disabledReason
		if reason == "" {
			reason = "This chat is closed."
		}
		sections = append(sections, disabledInputStyle.Render("🔒 "+reason))
	} else {
		sections = append(sections, inputBoxStyle.Render(model.textInput.View()))
	}
	sections = append(sections, menuHintStyle.Render("Esc or /leave to switch quotation • /refresh • /logout • /quit"))
	return sections
}

func (model TUIModel) renderConnectionBadge() string {
	switch model.connState {
	case connLive:
		return connectedStyle.Render("● Live")
	case connConnecting:
		line := model.spinner.View() + connectingStyle.Render(" Connecting…")
		if model.connectionError != nil {
			line += timestampStyle.Render(" (" + model.connectionError.Error() + ")")
		}
		return line
	default:
		if IsExhausted(model.connectionError) {
			return errorStyle.Render("○ Offline: gave up reconnecting. /leave and reopen to try again.")
		}
		if model.connectionError != nil {
			return errorStyle.Render("○ Offline: " + model.connectionError.Error())
		}
		return offlineStyle.Render("○ Offline")
	}
}

func (model TUIModel) renderTypingLine() string {
	if len(model.typing) == 0 {
		return ""
	}
	names := make([]string, 0, len(model.typing))
	for _, user := range model.typing {
		names = append(names, user.UserID)
	}
	verb := "is"
	if len(names) > 1 {
		verb = "are"
	}
	return typingStyle.Render(fmt.Sprintf("%s %s typing…", strings.Join(names, ", "), verb))
}

func renderMenuOption(hotkey string, label string) string {
	key := menuHotkeyStyle.Render(hotkey)
	return lipgloss.JoinHorizontal(lipgloss.Left, key, menuItemStyle.Render(label))
}

func (model TUIModel) renderSystemNotices() string {
	if len(model.notices) == 0 {
		return ""
	}
	var notices []string
	for _, notice := range model.notices {
		notices = append(notices, systemMessageStyle.Render(notice))
	}
	return noticeBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, notices...))
}

// renderChatMessage renders a single log line. It stamps the timestamp, picks
// a color for the sender, and indents multi-line messages so they stay legible.
func (model TUIModel) renderChatMessage(chat ChatMessage) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", chat.CreatedAt.Local().Format("15:04:05")))

	var nameStyle lipgloss.Style
	if chat.SenderID == model.userID {
		nameStyle = activeUserStyle
	} else {
		nameStyle = usernameStyle.Copy().Foreground(colorForUser(chat.SenderID))
	}

	label := chat.SenderID
	if chat.SenderRole == RoleAdmin {
		label += " (team)"
	}
	name := nameStyle.Render(label)
	bodyText := messageBodyStyle.Render(strings.ReplaceAll(chat.Body, "\n", "\n   "))

	return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", name, ": ", bodyText)
}

// color for users
func colorForUser(name string) lipgloss.Color {
	if len(userColorPalette) == 0 {
		return lipgloss.Color("249")
	}
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}
