package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"

	chaterrors "github.com/alexjbarnes/clinic-sync/internal/errors"
	"github.com/alexjbarnes/clinic-sync/internal/models"
	"github.com/tidwall/gjson"
	"golang.org/x/text/unicode/norm"
)

// CursorLayout is the exact format the backend expects for the since
// parameter: a local date-time with no zone suffix.
const CursorLayout = "2006-01-02T15:04:05"

// localLayouts are the zone-less date-time forms the backend emits.
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Field aliases seen on the wire, in lookup order.
var (
	idFields         = []string{"messageId", "id"}
	conversationKeys = []string{"conversationId", "conversation.id", "conversation"}
	senderKeys       = []string{"senderId", "sender.id", "sender"}
	roleKeys         = []string{"senderRole", "sender.role", "role"}
	attachmentKeys   = []string{"attachmentURL", "attachmentUrl", "attachment_url"}
	timestampKeys    = []string{"createdAt", "sentAt", "timestamp"}
	readKeys         = []string{"isRead", "read"}
)

// FormatCursor renders t as the since cursor in the client's location.
func FormatCursor(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}

	return t.In(loc).Format(CursorLayout)
}

// DecodeMessages decodes a JSON array of messages, or a single message
// object, into canonical form. Zone-less timestamps are read in loc.
//
// Items that cannot be decoded are skipped. The remaining messages are
// returned together with an error wrapping ErrMalformed, so callers can
// keep the good part of a batch.
func DecodeMessages(data []byte, loc *time.Location) ([]Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("decoding messages: invalid JSON")
	}

	root := gjson.ParseBytes(data)
	if !root.IsArray() {
		m, err := decodeMessage(root, loc)
		if err != nil {
			return nil, err
		}

		return []Message{m}, nil
	}

	items := root.Array()
	out := make([]Message, 0, len(items))

	var skipped []error

	for i, item := range items {
		m, err := decodeMessage(item, loc)
		if err != nil {
			skipped = append(skipped, fmt.Errorf("message %d: %w", i, err))
			continue
		}

		out = append(out, m)
	}

	if len(skipped) > 0 {
		return out, fmt.Errorf("%w: %d of %d: %w",
			chaterrors.ErrMalformed, len(skipped), len(items), errors.Join(skipped...))
	}

	return out, nil
}

// Partial reports whether err only describes skipped items, leaving the
// decoded messages usable.
func Partial(err error) bool {
	return errors.Is(err, chaterrors.ErrMalformed)
}

// DecodeMessage decodes one JSON message object.
func DecodeMessage(data []byte, loc *time.Location) (Message, error) {
	if !gjson.ValidBytes(data) {
		return Message{}, fmt.Errorf("decoding message: invalid JSON")
	}

	return decodeMessage(gjson.ParseBytes(data), loc)
}

func decodeMessage(v gjson.Result, loc *time.Location) (Message, error) {
	if !v.IsObject() {
		return Message{}, fmt.Errorf("decoding message: expected object, got %s", v.Type)
	}

	if loc == nil {
		loc = time.Local
	}

	var m Message

	// Some backends omit the id on system notes; Merge keys those by
	// sender, content and timestamp.
	if id := firstInt(v, idFields); id != 0 {
		m.ID = ServerID(id)
	}

	m.ConversationID = firstInt(v, conversationKeys)
	m.SenderID = firstInt(v, senderKeys)

	if role := firstString(v, roleKeys); role != "" {
		if r, err := ParseRole(role); err == nil {
			m.SenderRole = r
		}
	}

	m.Content = norm.NFC.String(v.Get("content").String())
	m.AttachmentURL = strings.TrimSpace(firstString(v, attachmentKeys))

	ts, err := firstTime(v, timestampKeys, loc)
	if err != nil {
		return Message{}, err
	}

	m.Timestamp = ts

	for _, k := range readKeys {
		if r := v.Get(k); r.Exists() {
			m.IsRead = r.Bool()
			break
		}
	}

	m.State = Confirmed

	return m, nil
}

// DecodeConversation decodes a conversation object.
func DecodeConversation(data []byte) (models.Conversation, error) {
	if !gjson.ValidBytes(data) {
		return models.Conversation{}, fmt.Errorf("decoding conversation: invalid JSON")
	}

	v := gjson.ParseBytes(data)

	c := models.Conversation{
		ID:        firstInt(v, []string{"id", "conversationId"}),
		PatientID: firstInt(v, []string{"patientId", "patient.id"}),
		DoctorID:  firstInt(v, []string{"doctorId", "doctor.id"}),
	}
	if c.ID == 0 {
		return models.Conversation{}, fmt.Errorf("decoding conversation: missing id")
	}

	return c, nil
}

// firstInt returns the first alias holding a number. Objects are skipped
// so "sender" only matches when it is a bare id.
func firstInt(v gjson.Result, keys []string) int64 {
	for _, k := range keys {
		r := v.Get(k)
		switch r.Type {
		case gjson.Number:
			return r.Int()
		case gjson.String:
			if n := r.Int(); n != 0 {
				return n
			}
		}
	}

	return 0
}

func firstString(v gjson.Result, keys []string) string {
	for _, k := range keys {
		if r := v.Get(k); r.Type == gjson.String && r.Str != "" {
			return r.Str
		}
	}

	return ""
}

func firstTime(v gjson.Result, keys []string, loc *time.Location) (time.Time, error) {
	for _, k := range keys {
		r := v.Get(k)
		if !r.Exists() || r.Type == gjson.Null {
			continue
		}

		return parseTimestamp(r, loc)
	}

	return time.Time{}, fmt.Errorf("decoding message: missing timestamp")
}

// parseTimestamp accepts RFC 3339, zone-less local date-times, epoch
// milliseconds, and the [y,m,d,h,min,s,nanos] array form.
func parseTimestamp(r gjson.Result, loc *time.Location) (time.Time, error) {
	switch {
	case r.Type == gjson.Number:
		return time.UnixMilli(r.Int()), nil

	case r.IsArray():
		parts := r.Array()
		if len(parts) < 3 {
			return time.Time{}, fmt.Errorf("decoding timestamp: short array %s", r.Raw)
		}

		f := make([]int, 7)
		for i := 0; i < len(parts) && i < len(f); i++ {
			f[i] = int(parts[i].Int())
		}

		return time.Date(f[0], time.Month(f[1]), f[2], f[3], f[4], f[5], f[6], loc), nil

	case r.Type == gjson.String:
		s := strings.TrimSpace(r.Str)
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, nil
		}

		for _, layout := range localLayouts {
			if t, err := time.ParseInLocation(layout, s, loc); err == nil {
				return t, nil
			}
		}

		return time.Time{}, fmt.Errorf("decoding timestamp: unrecognized format %q", s)
	}

	return time.Time{}, fmt.Errorf("decoding timestamp: unexpected %s", r.Type)
}
