package chat

import (
	"context"
	"log/slog"
	"sync"
	"unicode/utf8"
)

// previewRunes caps the summary preview length.
const previewRunes = 80

// UnreadBoard is the process-wide unread state: a count per conversation
// and their total. Only the read-state synchronizer and startup seeding
// write to it. Subscribers are called with the new total after every
// change, outside the lock.
type UnreadBoard struct {
	mu     sync.Mutex
	counts map[int64]int
	subs   map[int]func(total int)
	nextID int
}

func NewUnreadBoard() *UnreadBoard {
	return &UnreadBoard{
		counts: make(map[int64]int),
		subs:   make(map[int]func(int)),
	}
}

// Set records the unread count for one conversation.
func (b *UnreadBoard) Set(conversationID int64, count int) {
	b.mu.Lock()

	if old, ok := b.counts[conversationID]; ok && old == count {
		b.mu.Unlock()
		return
	}

	b.counts[conversationID] = count
	total, subs := b.snapshotLocked()
	b.mu.Unlock()

	notify(subs, total)
}

// Count returns the unread count for one conversation.
func (b *UnreadBoard) Count(conversationID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.counts[conversationID]
}

// Total returns the aggregate unread count.
func (b *UnreadBoard) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	total, _ := b.snapshotLocked()

	return total
}

// Subscribe registers fn and returns a func that removes it.
func (b *UnreadBoard) Subscribe(fn func(total int)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = fn

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Reset clears every count, on logout or shutdown.
func (b *UnreadBoard) Reset() {
	b.mu.Lock()
	b.counts = make(map[int64]int)
	_, subs := b.snapshotLocked()
	b.mu.Unlock()

	notify(subs, 0)
}

type unreadCounter interface {
	UnreadCount(ctx context.Context, conversationID, userID int64) (int, error)
}

// Seed loads server-side unread counts for the given conversations. A
// failing conversation is logged and skipped.
func (b *UnreadBoard) Seed(ctx context.Context, api unreadCounter, userID int64, conversationIDs []int64, logger *slog.Logger) {
	for _, id := range conversationIDs {
		n, err := api.UnreadCount(ctx, id, userID)
		if err != nil {
			logger.Debug("seeding unread count failed",
				slog.Int64("conversation_id", id),
				slog.String("error", err.Error()),
			)

			continue
		}

		b.Set(id, n)
	}
}

func (b *UnreadBoard) snapshotLocked() (int, []func(int)) {
	total := 0
	for _, n := range b.counts {
		total += n
	}

	subs := make([]func(int), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}

	return total, subs
}

func notify(subs []func(int), total int) {
	for _, fn := range subs {
		fn(total)
	}
}

// markForeignRead sets IsRead on every foreign unread entry in place and
// reports how many changed.
func markForeignRead(list []Message, self int64) int {
	n := 0

	for i := range list {
		if list[i].Foreign(self) && !list[i].IsRead {
			list[i].IsRead = true
			n++
		}
	}

	return n
}

func unreadCount(list []Message, self int64) int {
	n := 0

	for _, m := range list {
		if m.Foreign(self) && !m.IsRead {
			n++
		}
	}

	return n
}

// summarize derives the conversation summary from the ordered list.
func summarize(conversationID int64, list []Message, self int64) Summary {
	s := Summary{ConversationID: conversationID, UnreadCount: unreadCount(list, self)}
	if len(list) == 0 {
		return s
	}

	last := list[len(list)-1]
	s.LastMessageTime = last.Timestamp
	s.LastMessagePreview = preview(last)

	return s
}

func preview(m Message) string {
	if m.Content == "" && m.AttachmentURL != "" {
		return "[attachment]"
	}

	if utf8.RuneCountInString(m.Content) <= previewRunes {
		return m.Content
	}

	r := []rune(m.Content)

	return string(r[:previewRunes]) + "…"
}
