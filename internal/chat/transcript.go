package chat

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/clinic-sync/internal/models"
)

// Transcript is the exported form of a conversation.
type Transcript struct {
	ConversationID int64             `yaml:"conversation_id"`
	PatientID      int64             `yaml:"patient_id"`
	DoctorID       int64             `yaml:"doctor_id"`
	ExportedAt     time.Time         `yaml:"exported_at"`
	Messages       []TranscriptEntry `yaml:"messages"`
}

type TranscriptEntry struct {
	ID         string    `yaml:"id,omitempty"`
	Sender     int64     `yaml:"sender"`
	Role       Role      `yaml:"role,omitempty"`
	Sent       time.Time `yaml:"sent"`
	Content    string    `yaml:"content,omitempty"`
	Attachment string    `yaml:"attachment,omitempty"`
	Read       bool      `yaml:"read"`
	Edited     bool      `yaml:"edited,omitempty"`
}

// BuildTranscript converts an ordered message list. Entries that never
// reached the server are left out.
func BuildTranscript(conv models.Conversation, msgs []Message, exportedAt time.Time) Transcript {
	t := Transcript{
		ConversationID: conv.ID,
		PatientID:      conv.PatientID,
		DoctorID:       conv.DoctorID,
		ExportedAt:     exportedAt.UTC(),
		Messages:       make([]TranscriptEntry, 0, len(msgs)),
	}

	for _, m := range msgs {
		if m.State != Confirmed {
			continue
		}

		id := ""
		if sid, ok := m.ID.Server(); ok {
			id = strconv.FormatInt(sid, 10)
		}

		t.Messages = append(t.Messages, TranscriptEntry{
			ID:         id,
			Sender:     m.SenderID,
			Role:       m.SenderRole,
			Sent:       m.Timestamp.UTC(),
			Content:    m.Content,
			Attachment: m.AttachmentURL,
			Read:       m.IsRead,
			Edited:     m.Edited,
		})
	}

	return t
}

// WriteTranscript encodes t as YAML.
func WriteTranscript(w io.Writer, t Transcript) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(t); err != nil {
		return fmt.Errorf("encoding transcript: %w", err)
	}

	return enc.Close()
}
