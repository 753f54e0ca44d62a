package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	chaterrors "github.com/alexjbarnes/clinic-sync/internal/errors"
	"github.com/alexjbarnes/clinic-sync/internal/metrics"
)

// Send creates a message. While push is unhealthy an Optimistic entry is
// shown immediately; otherwise the server broadcast is relied on alone.
// The server reply is reconciled with the optimistic entry by identity.
// On failure the optimistic entry is removed and the error is returned
// once, wrapping ErrSendFailed. Nothing is retried.
func (s *Session) Send(ctx context.Context, content, attachmentURL string) (Message, error) {
	content = norm.NFC.String(content)
	if strings.TrimSpace(content) == "" && attachmentURL == "" {
		return Message{}, chaterrors.ErrEmptyMessage
	}

	var local Identity

	err := s.do(ctx, func(now time.Time) {
		if s.watchdog.Healthy(now) {
			return
		}

		local = NewLocalID()
		s.apply([]Message{{
			ID:             local,
			ConversationID: s.conv.ID,
			SenderID:       s.self,
			SenderRole:     s.role,
			Content:        content,
			AttachmentURL:  attachmentURL,
			Timestamp:      now,
			State:          Optimistic,
			IsRead:         true,
		}}, metrics.SourceSend)
	})
	if err != nil {
		return Message{}, err
	}

	cctx, cancel := mergeCancel(ctx, s.life)
	defer cancel()

	created, err := s.api.CreateMessage(cctx, NewMessage{
		ConversationID: s.conv.ID,
		SenderID:       s.self,
		Content:        content,
		AttachmentURL:  attachmentURL,
	})
	s.metrics.Send(err)

	if err != nil {
		if !local.IsZero() {
			_ = s.do(context.Background(), func(time.Time) {
				s.replace(RemoveIdentity(s.list, local))
			})
		}

		s.logger.Warn("send failed", slog.String("error", err.Error()))

		return Message{}, fmt.Errorf("%w: %w", chaterrors.ErrSendFailed, err)
	}

	if created.ConversationID == 0 {
		created.ConversationID = s.conv.ID
	}

	if created.SenderID == 0 {
		created.SenderID = s.self
	}

	if created.SenderRole == "" {
		created.SenderRole = s.role
	}

	created.IsRead = true

	var final Message

	err = s.do(context.Background(), func(time.Time) {
		s.replace(Promote(s.list, local, created, s.window))
		final = findSent(s.list, local, created)
	})
	if err != nil {
		// The server has the message even though this session is gone.
		return created, nil
	}

	return final, nil
}

// findSent locates the entry a send ended up in. A reply without an id
// leaves the entry under its local identity or its content key.
func findSent(list []Message, local Identity, created Message) Message {
	if m, ok := Find(list, created.ID); ok {
		return m
	}

	if m, ok := Find(list, local); ok {
		return m
	}

	for _, m := range list {
		if keyOf(m) == keyOf(created) {
			return m
		}
	}

	return created
}

// SendAttachment uploads a staged file, releases the staged copy once the
// durable URL is known, then sends a message carrying that URL. An upload
// failure keeps the staged copy so the caller can retry.
func (s *Session) SendAttachment(ctx context.Context, staged *StagedFile, caption string) (Message, error) {
	f, err := staged.Open()
	if err != nil {
		return Message{}, fmt.Errorf("%w: %w", chaterrors.ErrUploadFailed, err)
	}

	uctx, cancel := mergeCancel(ctx, s.life)
	url, err := s.api.Upload(uctx, staged.Name, f)
	cancel()
	f.Close()
	s.metrics.Upload(err)

	if err != nil {
		return Message{}, fmt.Errorf("%w: %w", chaterrors.ErrUploadFailed, err)
	}

	if url == "" || url == staged.PreviewURL {
		return Message{}, fmt.Errorf("%w: server returned no durable URL", chaterrors.ErrUploadFailed)
	}

	if err := staged.Release(); err != nil {
		s.logger.Warn("releasing staged attachment", slog.String("error", err.Error()))
	}

	s.logger.Debug("attachment uploaded", slog.String("name", staged.Name), slog.String("url", url))

	return s.Send(ctx, caption, url)
}

// owned returns the server id of a message the current user may modify.
func (s *Session) owned(ctx context.Context, id Identity) (int64, Message, error) {
	var (
		target Message
		found  bool
	)

	if err := s.do(ctx, func(time.Time) {
		target, found = Find(s.list, id)
	}); err != nil {
		return 0, Message{}, err
	}

	if !found {
		return 0, Message{}, fmt.Errorf("%w: %s", chaterrors.ErrMessageNotFound, id)
	}

	if target.SenderID != s.self {
		return 0, Message{}, fmt.Errorf("%w: %s", chaterrors.ErrNotOwner, id)
	}

	serverID, ok := target.ID.Server()
	if !ok {
		return 0, Message{}, fmt.Errorf("%w: %s is not confirmed yet", chaterrors.ErrMessageNotFound, id)
	}

	return serverID, target, nil
}

// Edit replaces the content of one of the current user's messages.
func (s *Session) Edit(ctx context.Context, id Identity, content string) (Message, error) {
	content = norm.NFC.String(content)

	serverID, before, err := s.owned(ctx, id)
	if err != nil {
		return Message{}, err
	}

	if strings.TrimSpace(content) == "" && before.AttachmentURL == "" {
		return Message{}, chaterrors.ErrEmptyMessage
	}

	ectx, cancel := mergeCancel(ctx, s.life)
	defer cancel()

	edited, err := s.api.EditMessage(ectx, serverID, content, before.AttachmentURL)
	if err != nil {
		return Message{}, fmt.Errorf("editing message %d: %w", serverID, err)
	}

	if edited.ID.IsZero() {
		edited.ID = before.ID
	}

	if edited.Timestamp.IsZero() {
		edited.Timestamp = before.Timestamp
	}

	edited.Revision = DescribeEdit(before.Content, edited.Content)

	if s.logger.Enabled(ectx, slog.LevelDebug) {
		s.logger.Debug("message edited",
			slog.Int64("message_id", serverID),
			slog.String("delta", edited.Revision.Delta),
			slog.Int("inserted", edited.Revision.Inserted),
			slog.Int("deleted", edited.Revision.Deleted),
		)
	}

	var final Message

	if err := s.do(context.Background(), func(time.Time) {
		s.apply([]Message{edited}, metrics.SourceSend)
		final, _ = Find(s.list, edited.ID)
	}); err != nil {
		return edited, nil
	}

	return final, nil
}

// Delete removes one of the current user's messages once the server
// confirms.
func (s *Session) Delete(ctx context.Context, id Identity) error {
	serverID, _, err := s.owned(ctx, id)
	if err != nil {
		return err
	}

	dctx, cancel := mergeCancel(ctx, s.life)
	defer cancel()

	if err := s.api.DeleteMessage(dctx, serverID); err != nil {
		return fmt.Errorf("deleting message %d: %w", serverID, err)
	}

	_ = s.do(context.Background(), func(time.Time) {
		s.replace(RemoveIdentity(s.list, id))
	})

	return nil
}
