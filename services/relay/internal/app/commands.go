package app

import (
	"fmt"
	"strings"

	"txtwise/pkg/domain"
)

type command string

const (
	cmdStatus       command = "STATUS"
	cmdHelp         command = "HELP"
	cmdSubscription command = "SUBSCRIPTION"
	cmdAI           command = "AI"
	cmdTokens       command = "TOKENS"
	cmdKeywords     command = "KEYWORDS"
)

var commands = []command{cmdStatus, cmdHelp, cmdSubscription, cmdAI, cmdTokens, cmdKeywords}

// parseCommand matches the whole body against the uppercase command words.
// "status" or "STATUS please" are ordinary messages.
func parseCommand(body string) (command, bool) {
	for _, c := range commands {
		if body == string(c) {
			return c, true
		}
	}
	return "", false
}

func (a *App) commandReply(cmd command, user domain.User, conv domain.Conversation) string {
	switch cmd {
	case cmdStatus:
		paused := "no"
		if conv.Paused {
			paused = "yes"
		}
		return fmt.Sprintf("AI: %s\nPaused: %s\nPlan: %s\nTokens: %s", conv.Provider.Keyword(), paused, user.Plan, a.remainingText(user))
	case cmdHelp:
		return "Text any message to chat with the AI on this number. Start a message with a provider name (for example CLAUDE) to switch AI. Start with image: to create a picture. Send KEYWORDS for all commands."
	case cmdSubscription:
		if user.Plan.Metered() {
			return fmt.Sprintf("Plan: %s (%d tokens per day). Upgrade at https://txtwise.io for unlimited messages.", user.Plan, a.ledger.Ceiling())
		}
		return fmt.Sprintf("Plan: %s (unlimited tokens).", user.Plan)
	case cmdAI:
		return fmt.Sprintf("Current AI: %s\nAvailable: %s", conv.Provider.Keyword(), keywordList(a.providers))
	case cmdTokens:
		return "Tokens remaining today: " + a.remainingText(user)
	case cmdKeywords:
		words := make([]string, 0, len(commands))
		for _, c := range commands {
			words = append(words, string(c))
		}
		return fmt.Sprintf("Commands: %s\nSwitch AI: %s", strings.Join(words, ", "), keywordList(a.providers))
	}
	return ""
}

func (a *App) remainingText(user domain.User) string {
	if !user.Plan.Metered() {
		return "unlimited"
	}
	return fmt.Sprintf("%d", max(user.DailyTokensRemaining, 0))
}

func keywordList(providers []domain.Provider) string {
	words := make([]string, 0, len(providers))
	for _, p := range providers {
		words = append(words, p.Keyword())
	}
	return strings.Join(words, ", ")
}
