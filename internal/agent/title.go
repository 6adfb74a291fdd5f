package agent

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	titleSystemPrompt = "Write a short title, at most six words, for a conversation that starts with the exchange below. Reply with the title only."
	maxTitleRunes     = 80
	titleExcerptRunes = 500
)

// titleInBackground generates a conversation title without blocking the
// turn. It runs detached from the request context and never affects the
// turn's outcome.
func (l *Loop) titleInBackground(conversationID, question, answer string) {
	if l.titles == nil || conversationID == "" {
		return
	}
	provider := l.titleProvider
	if provider == nil {
		p, err := l.Provider("")
		if err != nil {
			return
		}
		provider = p
	}

	l.goBackground(func() {
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("title generation panicked", "conversation_id", conversationID, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), l.titleTimeout)
		defer cancel()
		if err := l.generateTitle(ctx, provider, conversationID, question, answer); err != nil {
			l.logger.Warn("title generation failed", "conversation_id", conversationID, "error", err)
		}
	})
}

func (l *Loop) generateTitle(ctx context.Context, provider Provider, conversationID, question, answer string) error {
	existing, err := l.titles.ConversationTitle(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load title: %w", err)
	}
	if strings.TrimSpace(existing) != "" {
		return nil
	}

	prompt := "User: " + truncateRunes(question, titleExcerptRunes) + "\nAssistant: " + truncateRunes(answer, titleExcerptRunes)
	raw, err := provider.QuickChat(ctx, l.titleModel, titleSystemPrompt, prompt)
	if err != nil {
		return fmt.Errorf("generate title: %w", err)
	}
	title := CleanTitle(raw)
	if title == "" {
		return nil
	}
	if err := l.titles.SetConversationTitle(ctx, conversationID, title); err != nil {
		return fmt.Errorf("save title: %w", err)
	}
	return nil
}

// CleanTitle keeps the first line of a model reply, strips wrapping quotes
// and trailing punctuation, and caps the length.
func CleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.TrimPrefix(title, "Title:")
	title = strings.Trim(strings.TrimSpace(title), "\"'`*")
	title = strings.TrimRight(title, ".!?:; ")
	return truncateRunes(strings.TrimSpace(title), maxTitleRunes)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
