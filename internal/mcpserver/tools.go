// Package mcpserver registers MCP tools that expose the active
// conversation. It adapts the chat package to the MCP SDK's tool handler
// interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/clinic-sync/internal/auth"
	"github.com/alexjbarnes/clinic-sync/internal/chat"
	chaterrors "github.com/alexjbarnes/clinic-sync/internal/errors"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const defaultMessageLimit = 50

// Conversation is the part of a chat session the tools drive.
// *chat.Session satisfies it.
type Conversation interface {
	Messages() []chat.Message
	Summary() chat.Summary
	PushHealthy() bool
	PollingActive() bool
	Send(ctx context.Context, content, attachmentURL string) (chat.Message, error)
	Edit(ctx context.Context, id chat.Identity, content string) (chat.Message, error)
	Delete(ctx context.Context, id chat.Identity) error
	Focus(ctx context.Context) error
	Blur(ctx context.Context) error
}

// Chat gives the tools access to whichever conversation is open.
type Chat interface {
	// Active returns the open conversation, or nil.
	Active() Conversation
	SendFile(ctx context.Context, path, caption string) (chat.Message, error)
	UnreadTotal() int
}

// FromMessenger adapts a messenger and its unread board to Chat.
func FromMessenger(m *chat.Messenger, board *chat.UnreadBoard) Chat {
	return messengerChat{m: m, board: board}
}

type messengerChat struct {
	m     *chat.Messenger
	board *chat.UnreadBoard
}

func (c messengerChat) Active() Conversation {
	if s := c.m.Active(); s != nil {
		return s
	}

	return nil
}

func (c messengerChat) SendFile(ctx context.Context, path, caption string) (chat.Message, error) {
	return c.m.SendFile(ctx, path, caption)
}

func (c messengerChat) UnreadTotal() int {
	if c.board == nil {
		return 0
	}

	return c.board.Total()
}

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, c Chat, logger *slog.Logger) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_status",
		Description: "Show the open conversation, transport health (push or polling) and the unread total. Use this first.",
	}, statusHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_messages",
		Description: "List the most recent messages of the open conversation in display order, oldest first. Unconfirmed sends have a local id.",
	}, messagesHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send",
		Description: "Send a text message to the other participant. Returns the stored message.",
	}, sendHandler(c, logger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send_attachment",
		Description: "Upload a local file and send it as an attachment with an optional caption. The size limit is checked before upload.",
	}, sendAttachmentHandler(c, logger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_edit",
		Description: "Replace the content of one of your own confirmed messages.",
	}, editHandler(c, logger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_delete",
		Description: "Delete one of your own confirmed messages.",
	}, deleteHandler(c, logger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_focus",
		Description: "Mark the conversation as viewed (focused=true marks received messages read and keeps them read as they arrive) or not viewed.",
	}, focusHandler(c))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// MessagesInput holds parameters for chat_messages.
type MessagesInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of messages to return, defaults to 50"`
}

// SendInput holds parameters for chat_send.
type SendInput struct {
	Content string `json:"content" jsonschema:"message text"`
}

// SendAttachmentInput holds parameters for chat_send_attachment.
type SendAttachmentInput struct {
	Path    string `json:"path" jsonschema:"absolute path of the local file to send"`
	Caption string `json:"caption,omitempty" jsonschema:"optional text sent with the attachment"`
}

// EditInput holds parameters for chat_edit.
type EditInput struct {
	MessageID int64  `json:"message_id" jsonschema:"server id of the message"`
	Content   string `json:"content" jsonschema:"replacement text"`
}

// DeleteInput holds parameters for chat_delete.
type DeleteInput struct {
	MessageID int64 `json:"message_id" jsonschema:"server id of the message"`
}

// FocusInput holds parameters for chat_focus.
type FocusInput struct {
	Focused bool `json:"focused" jsonschema:"true when the conversation is being viewed"`
}

// --- Results ---

// MessageView is the tool representation of a message.
type MessageView struct {
	ID            string `json:"id"`
	SenderID      int64  `json:"sender_id"`
	SenderRole    string `json:"sender_role"`
	Content       string `json:"content"`
	AttachmentURL string `json:"attachment_url,omitempty"`
	Timestamp     string `json:"timestamp"`
	Confirmed     bool   `json:"confirmed"`
	Read          bool   `json:"read"`
	Edited        bool   `json:"edited,omitempty"`
	EditDelta     string `json:"edit_delta,omitempty"`
	Inserted      int    `json:"inserted,omitempty"`
	Deleted       int    `json:"deleted,omitempty"`
}

// StatusResult is returned by chat_status.
type StatusResult struct {
	ConversationID int64  `json:"conversation_id"`
	Transport      string `json:"transport"`
	UnreadTotal    int    `json:"unread_total"`
	LastPreview    string `json:"last_message_preview,omitempty"`
	LastTime       string `json:"last_message_time,omitempty"`
	Unread         int    `json:"unread"`
}

// MessagesResult is returned by chat_messages.
type MessagesResult struct {
	Total    int           `json:"total"`
	Messages []MessageView `json:"messages"`
}

// MessageResult wraps a single message.
type MessageResult struct {
	Message MessageView `json:"message"`
}

// DeleteResult is returned by chat_delete.
type DeleteResult struct {
	Deleted int64 `json:"deleted"`
}

// FocusResult is returned by chat_focus.
type FocusResult struct {
	Focused bool `json:"focused"`
	Unread  int  `json:"unread"`
}

func viewOf(m chat.Message) MessageView {
	return MessageView{
		ID:            m.ID.String(),
		SenderID:      m.SenderID,
		SenderRole:    string(m.SenderRole),
		Content:       m.Content,
		AttachmentURL: m.AttachmentURL,
		Timestamp:     m.Timestamp.Format(time.RFC3339),
		Confirmed:     m.State == chat.Confirmed,
		Read:          m.IsRead,
		Edited:        m.Edited,
		EditDelta:     m.Revision.Delta,
		Inserted:      m.Revision.Inserted,
		Deleted:       m.Revision.Deleted,
	}
}

// active returns the open conversation or ErrSessionClosed.
func active(c Chat) (Conversation, error) {
	conv := c.Active()
	if conv == nil {
		return nil, fmt.Errorf("no open conversation: %w", chaterrors.ErrSessionClosed)
	}

	return conv, nil
}

func logCall(ctx context.Context, logger *slog.Logger, tool string, attrs ...any) {
	attrs = append(attrs,
		slog.String("tool", tool),
		slog.String("user_id", auth.RequestUserID(ctx)),
		slog.String("ip", auth.RequestRemoteIP(ctx)),
	)
	logger.Info("mcp tool call", attrs...)
}

// --- Handlers ---

func statusHandler(c Chat) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		conv, err := active(c)
		if err != nil {
			return nil, nil, err
		}

		sum := conv.Summary()
		result := &StatusResult{
			ConversationID: sum.ConversationID,
			Transport:      "push",
			UnreadTotal:    c.UnreadTotal(),
			LastPreview:    sum.LastMessagePreview,
			Unread:         sum.UnreadCount,
		}

		if conv.PollingActive() {
			result.Transport = "polling"
		} else if !conv.PushHealthy() {
			result.Transport = "connecting"
		}

		if !sum.LastMessageTime.IsZero() {
			result.LastTime = sum.LastMessageTime.Format(time.RFC3339)
		}

		return textResult(result), result, nil
	}
}

func messagesHandler(c Chat) mcp.ToolHandlerFor[MessagesInput, *MessagesResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input MessagesInput) (*mcp.CallToolResult, *MessagesResult, error) {
		conv, err := active(c)
		if err != nil {
			return nil, nil, err
		}

		limit := input.Limit
		if limit <= 0 {
			limit = defaultMessageLimit
		}

		msgs := conv.Messages()
		result := &MessagesResult{Total: len(msgs), Messages: []MessageView{}}

		if len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}

		for _, m := range msgs {
			result.Messages = append(result.Messages, viewOf(m))
		}

		return textResult(result), result, nil
	}
}

func sendHandler(c Chat, logger *slog.Logger) mcp.ToolHandlerFor[SendInput, *MessageResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendInput) (*mcp.CallToolResult, *MessageResult, error) {
		conv, err := active(c)
		if err != nil {
			return nil, nil, err
		}

		logCall(ctx, logger, "chat_send", slog.Int("length", len(input.Content)))

		msg, err := conv.Send(ctx, input.Content, "")
		if err != nil {
			return nil, nil, err
		}

		result := &MessageResult{Message: viewOf(msg)}

		return textResult(result), result, nil
	}
}

func sendAttachmentHandler(c Chat, logger *slog.Logger) mcp.ToolHandlerFor[SendAttachmentInput, *MessageResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendAttachmentInput) (*mcp.CallToolResult, *MessageResult, error) {
		if input.Path == "" {
			return nil, nil, fmt.Errorf("path is required")
		}

		logCall(ctx, logger, "chat_send_attachment", slog.String("path", input.Path))

		msg, err := c.SendFile(ctx, input.Path, input.Caption)
		if err != nil {
			return nil, nil, err
		}

		result := &MessageResult{Message: viewOf(msg)}

		return textResult(result), result, nil
	}
}

func editHandler(c Chat, logger *slog.Logger) mcp.ToolHandlerFor[EditInput, *MessageResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input EditInput) (*mcp.CallToolResult, *MessageResult, error) {
		conv, err := active(c)
		if err != nil {
			return nil, nil, err
		}

		logCall(ctx, logger, "chat_edit", slog.Int64("message_id", input.MessageID))

		msg, err := conv.Edit(ctx, chat.ServerID(input.MessageID), input.Content)
		if err != nil {
			return nil, nil, err
		}

		result := &MessageResult{Message: viewOf(msg)}

		return textResult(result), result, nil
	}
}

func deleteHandler(c Chat, logger *slog.Logger) mcp.ToolHandlerFor[DeleteInput, *DeleteResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input DeleteInput) (*mcp.CallToolResult, *DeleteResult, error) {
		conv, err := active(c)
		if err != nil {
			return nil, nil, err
		}

		logCall(ctx, logger, "chat_delete", slog.Int64("message_id", input.MessageID))

		if err := conv.Delete(ctx, chat.ServerID(input.MessageID)); err != nil {
			return nil, nil, err
		}

		result := &DeleteResult{Deleted: input.MessageID}

		return textResult(result), result, nil
	}
}

func focusHandler(c Chat) mcp.ToolHandlerFor[FocusInput, *FocusResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input FocusInput) (*mcp.CallToolResult, *FocusResult, error) {
		conv, err := active(c)
		if err != nil {
			return nil, nil, err
		}

		if input.Focused {
			err = conv.Focus(ctx)
		} else {
			err = conv.Blur(ctx)
		}

		if err != nil {
			return nil, nil, err
		}

		result := &FocusResult{Focused: input.Focused, Unread: conv.Summary().UnreadCount}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
