// Package agent – selectors.go names every page element the agent touches.
// The chat application's DOM changes shape across releases, so each lookup is
// an ordered list of candidate selectors tried first-match-wins, and the
// whole set can be overridden from configuration without touching the state
// machine.
package agent

// Selectors locates the page elements the task state machine drives.
type Selectors struct {
	// Input locates the prompt entry element, in preference order.
	Input []string

	// SendButton locates the send control, in preference order. Disabled
	// matches are skipped.
	SendButton []string

	// AssistantMessage matches assistant messages; the watch loop reads the
	// last match.
	AssistantMessage string

	// Generating matches anything indicating generation in progress (stop
	// control, streaming spinner).
	Generating string

	// NewChatButton triggers new-conversation creation.
	NewChatButton string

	// ModeLabel shows the currently selected model/mode.
	ModeLabel string

	// ModePicker opens the mode menu; ModeOption matches its entries.
	ModePicker string
	ModeOption string

	// CopyButton copies the last reply to the clipboard.
	CopyButton string

	// ConversationMenu, DeleteItem and DeleteConfirm drive conversation
	// deletion during cleanup.
	ConversationMenu string
	DeleteItem       string
	DeleteConfirm    string
}

// Override returns a copy of s with every non-empty field of o applied.
func (s Selectors) Override(o Selectors) Selectors {
	if len(o.Input) > 0 {
		s.Input = o.Input
	}
	if len(o.SendButton) > 0 {
		s.SendButton = o.SendButton
	}
	if o.AssistantMessage != "" {
		s.AssistantMessage = o.AssistantMessage
	}
	if o.Generating != "" {
		s.Generating = o.Generating
	}
	if o.NewChatButton != "" {
		s.NewChatButton = o.NewChatButton
	}
	if o.ModeLabel != "" {
		s.ModeLabel = o.ModeLabel
	}
	if o.ModePicker != "" {
		s.ModePicker = o.ModePicker
	}
	if o.ModeOption != "" {
		s.ModeOption = o.ModeOption
	}
	if o.CopyButton != "" {
		s.CopyButton = o.CopyButton
	}
	if o.ConversationMenu != "" {
		s.ConversationMenu = o.ConversationMenu
	}
	if o.DeleteItem != "" {
		s.DeleteItem = o.DeleteItem
	}
	if o.DeleteConfirm != "" {
		s.DeleteConfirm = o.DeleteConfirm
	}
	return s
}

// DefaultSelectors targets the Gemini web application's current markup.
func DefaultSelectors() Selectors {
	return Selectors{
		Input: []string{
			"rich-textarea .ql-editor",
			"div[contenteditable='true'][role='textbox']",
			"div[contenteditable='true']",
			"textarea",
		},
		SendButton: []string{
			"button.send-button",
			"button[aria-label='Send message']",
			"button[aria-label*='Send']",
			"button[mattooltip*='Send']",
		},
		AssistantMessage: "message-content",
		Generating:       "button[aria-label*='Stop'], [class*='generating'], .streaming-indicator",
		NewChatButton:    "[aria-label='New chat'], button[data-test-id='new-chat-button']",
		ModeLabel:        "[data-test-id='bard-mode-menu-button'], .current-mode-title",
		ModePicker:       "[data-test-id='bard-mode-menu-button']",
		ModeOption:       "[role='menuitemradio'], .mode-option",
		CopyButton:       "[data-test-id='copy-button'], button[aria-label*='Copy']",
		ConversationMenu: "[data-test-id='conversation-actions-button'], .conversation.selected [aria-label*='menu']",
		DeleteItem:       "[data-test-id='delete-button'], [aria-label*='Delete']",
		DeleteConfirm:    "[data-test-id='confirm-button'], button[aria-label*='Confirm']",
	}
}
