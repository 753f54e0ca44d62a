package errors

import "errors"

// Conversation errors.
var (
	ErrPreconditionFailed   = errors.New("no appointment exists between patient and doctor")
	ErrConversationNotFound = errors.New("conversation not found")
)

// Message errors.
var (
	ErrEmptyMessage    = errors.New("message has no content or attachment")
	ErrSendFailed      = errors.New("sending message failed")
	ErrNotOwner        = errors.New("message belongs to another participant")
	ErrMessageNotFound = errors.New("message not found")
	ErrSessionClosed   = errors.New("conversation session closed")
	ErrMalformed       = errors.New("malformed message skipped")
)

// Attachment errors.
var (
	ErrAttachmentTooLarge = errors.New("attachment exceeds size limit")
	ErrUploadFailed       = errors.New("attachment upload failed")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
