package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBackend is an in-memory chat server. Messages are stamped with the
// current (possibly fake) clock.
type fakeBackend struct {
	mu     sync.Mutex
	convID int64
	store  []Message
	nextID int64

	historyCalls int
	sinceCalls   []time.Time
	created      []NewMessage
	edits        int
	deletes      int
	markReads    int
	uploads      []string

	sinceErrs []error
	createErr error
	uploadErr error

	// createGate, when set, holds CreateMessage after the message is
	// stored, as if the response were slow.
	createGate chan struct{}
}

func newFakeBackend(convID int64) *fakeBackend {
	return &fakeBackend{convID: convID}
}

func (b *fakeBackend) insertLocked(sender int64, content, attachment string, read bool) Message {
	b.nextID++

	m := Message{
		ID:             ServerID(b.nextID),
		ConversationID: b.convID,
		SenderID:       sender,
		Content:        content,
		AttachmentURL:  attachment,
		Timestamp:      time.Now(),
		State:          Confirmed,
		IsRead:         read,
	}
	b.store = append(b.store, m)

	return m
}

// add stores a message as if another client had sent it.
func (b *fakeBackend) add(sender int64, content string) Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.insertLocked(sender, content, "", false)
}

func (b *fakeBackend) networkCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.historyCalls + len(b.sinceCalls) + len(b.created) + b.edits + b.deletes + b.markReads + len(b.uploads)
}

func (b *fakeBackend) counts() (created, uploads, markReads int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.created), len(b.uploads), b.markReads
}

func (b *fakeBackend) polls() []time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	return slices.Clone(b.sinceCalls)
}

func (b *fakeBackend) History(_ context.Context, _ int64) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.historyCalls++

	return slices.Clone(b.store), nil
}

func (b *fakeBackend) Since(_ context.Context, _ int64, since time.Time) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sinceCalls = append(b.sinceCalls, since)

	if len(b.sinceErrs) > 0 {
		err := b.sinceErrs[0]
		b.sinceErrs = b.sinceErrs[1:]

		return nil, err
	}

	var out []Message

	for _, m := range b.store {
		if m.Timestamp.After(since) {
			out = append(out, m)
		}
	}

	return out, nil
}

func (b *fakeBackend) CreateMessage(ctx context.Context, nm NewMessage) (Message, error) {
	b.mu.Lock()
	b.created = append(b.created, nm)

	if b.createErr != nil {
		err := b.createErr
		b.mu.Unlock()

		return Message{}, err
	}

	m := b.insertLocked(nm.SenderID, nm.Content, nm.AttachmentURL, false)
	gate := b.createGate
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}

	return m, nil
}

func (b *fakeBackend) EditMessage(_ context.Context, id int64, content, attachmentURL string) (Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.edits++

	for i := range b.store {
		if sid, _ := b.store[i].ID.Server(); sid == id {
			b.store[i].Content = content
			b.store[i].AttachmentURL = attachmentURL

			return b.store[i], nil
		}
	}

	return Message{}, fmt.Errorf("message %d not found", id)
}

func (b *fakeBackend) DeleteMessage(_ context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.deletes++
	b.store = slices.DeleteFunc(b.store, func(m Message) bool {
		sid, _ := m.ID.Server()
		return sid == id
	})

	return nil
}

func (b *fakeBackend) MarkRead(_ context.Context, _, userID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.markReads++

	for i := range b.store {
		if b.store[i].SenderID != userID {
			b.store[i].IsRead = true
		}
	}

	return nil
}

func (b *fakeBackend) Upload(_ context.Context, name string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.uploads = append(b.uploads, name)

	if b.uploadErr != nil {
		return "", b.uploadErr
	}

	return fmt.Sprintf("https://files.example.com/%d/%s", len(data), name), nil
}

// fakePush hands its event channel to the test and runs until cancelled.
type fakePush struct {
	started chan chan<- PushEvent
	exited  chan struct{}
}

func newFakePush() *fakePush {
	return &fakePush{
		started: make(chan chan<- PushEvent, 1),
		exited:  make(chan struct{}),
	}
}

func (p *fakePush) Run(ctx context.Context, events chan<- PushEvent) error {
	p.started <- events
	<-ctx.Done()
	close(p.exited)

	return nil
}
