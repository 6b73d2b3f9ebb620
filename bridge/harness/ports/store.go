package harnessports

import "context"

// ConversationStore persists conversation messages outside the process (audit log).
type ConversationStore interface {
	SaveMessage(ctx context.Context, conversationID string, msg Message) error
	LoadMessages(ctx context.Context, conversationID string, k int) ([]Message, error) // last-k messages
}
