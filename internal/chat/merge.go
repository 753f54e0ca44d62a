package chat

import (
	"slices"
	"sort"
	"time"
)

// DefaultMergeWindow is how far apart in time an unconfirmed local entry
// and a server message may be and still be treated as the same send.
const DefaultMergeWindow = 15 * time.Second

// Merge combines an incoming batch into the current list and returns a
// new list sorted by (Timestamp, Seq). current is not modified.
//
// Incoming messages with a server identity match existing entries by
// that identity. Server messages without an id match by sender, content
// and timestamp. Failing that, they claim the earliest unconfirmed local
// entry with the same sender, content and attachment whose timestamp is
// within window. Matched entries absorb the server copy in place and
// keep their Seq; everything else is appended with a fresh Seq. Merging
// the same batch twice is a no-op the second time.
func Merge(current, incoming []Message, window time.Duration) []Message {
	out := make([]Message, len(current), len(current)+len(incoming))
	copy(out, current)

	if len(incoming) == 0 {
		return out
	}

	byServer := make(map[int64]int, len(out))
	byLocal := make(map[Identity]int)
	byContent := make(map[compositeKey]int)

	var seq uint64

	for i, m := range out {
		switch id, ok := m.ID.Server(); {
		case ok:
			byServer[id] = i
		case m.ID.IsLocal():
			byLocal[m.ID] = i
		}

		if m.State == Confirmed {
			if _, dup := byContent[keyOf(m)]; !dup {
				byContent[keyOf(m)] = i
			}
		}

		seq = max(seq, m.Seq)
	}

	for _, in := range incoming {
		if in.ID.IsLocal() {
			if _, found := byLocal[in.ID]; found {
				continue
			}

			seq++
			in.Seq = seq
			out = append(out, in)
			byLocal[in.ID] = len(out) - 1

			continue
		}

		id, durable := in.ID.Server()
		if durable {
			if i, found := byServer[id]; found {
				out[i] = absorb(out[i], in)
				continue
			}
		}

		// An entry first seen without an id is upgraded when the same
		// message later arrives with one.
		key := keyOf(in)
		if i, found := byContent[key]; found && keyOf(out[i]) == key && (!durable || !hasServerID(out[i])) {
			out[i] = absorb(out[i], in)

			if durable {
				byServer[id] = i
			}

			continue
		}

		if i := matchUnconfirmed(out, in, window); i >= 0 {
			delete(byLocal, out[i].ID)
			out[i] = absorb(out[i], in)
			byContent[keyOf(out[i])] = i

			if durable {
				byServer[id] = i
			} else {
				byLocal[out[i].ID] = i
			}

			continue
		}

		seq++
		in.Seq = seq
		in.State = Confirmed
		out = append(out, in)
		byContent[key] = len(out) - 1

		if durable {
			byServer[id] = len(out) - 1
		}
	}

	sortMessages(out)

	return out
}

func hasServerID(m Message) bool {
	_, ok := m.ID.Server()
	return ok
}

// compositeKey identifies a server message that carries no id.
type compositeKey struct {
	sender  int64
	content string
	at      int64
}

func keyOf(m Message) compositeKey {
	return compositeKey{sender: m.SenderID, content: m.Content, at: m.Timestamp.UnixNano()}
}

// Promote reconciles the server's reply to a send with the local entry
// created for it. If a push or poll already delivered the confirmed
// copy as a separate entry, the local entry is dropped so exactly one
// entry survives.
func Promote(current []Message, local Identity, confirmed Message, window time.Duration) []Message {
	li := indexOf(current, local)
	if local.IsZero() || li < 0 {
		return Merge(current, []Message{confirmed}, window)
	}

	if indexOf(current, confirmed.ID) >= 0 {
		return Merge(RemoveIdentity(current, local), []Message{confirmed}, window)
	}

	out := slices.Clone(current)
	out[li] = absorb(out[li], confirmed)
	sortMessages(out)

	return out
}

// RemoveIdentity returns a copy of list without the entry carrying id.
func RemoveIdentity(list []Message, id Identity) []Message {
	out := make([]Message, 0, len(list))

	for _, m := range list {
		if m.ID != id {
			out = append(out, m)
		}
	}

	return out
}

// Find returns the entry with the given identity.
func Find(list []Message, id Identity) (Message, bool) {
	if i := indexOf(list, id); i >= 0 {
		return list[i], true
	}

	return Message{}, false
}

func indexOf(list []Message, id Identity) int {
	if id.IsZero() {
		return -1
	}

	for i := range list {
		if list[i].ID == id {
			return i
		}
	}

	return -1
}

// absorb merges a server copy into an existing entry. Read state only
// moves forward so a stale batch cannot make a message unread again. An
// id-less copy leaves the entry's identity alone.
func absorb(cur, in Message) Message {
	if cur.State == Confirmed && cur.Content != in.Content {
		cur.Edited = true
	}

	if !in.ID.IsZero() {
		cur.ID = in.ID
	}

	cur.Content = in.Content
	cur.AttachmentURL = in.AttachmentURL
	cur.Timestamp = in.Timestamp
	cur.State = Confirmed
	cur.IsRead = cur.IsRead || in.IsRead
	cur.Edited = cur.Edited || in.Edited

	if !in.Revision.IsZero() {
		cur.Revision = in.Revision
	}

	if in.ConversationID != 0 {
		cur.ConversationID = in.ConversationID
	}

	if in.SenderID != 0 {
		cur.SenderID = in.SenderID
	}

	if in.SenderRole != "" {
		cur.SenderRole = in.SenderRole
	}

	return cur
}

// matchUnconfirmed finds the earliest-arrived local entry that the server
// message is the confirmation of.
func matchUnconfirmed(list []Message, in Message, window time.Duration) int {
	best := -1

	for i, m := range list {
		if !m.ID.IsLocal() || m.State != Optimistic {
			continue
		}

		if m.SenderID != in.SenderID || m.Content != in.Content || m.AttachmentURL != in.AttachmentURL {
			continue
		}

		if d := m.Timestamp.Sub(in.Timestamp); d > window || d < -window {
			continue
		}

		if best < 0 || m.Seq < list[best].Seq {
			best = i
		}
	}

	return best
}

func sortMessages(list []Message) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}

		return a.Seq < b.Seq
	})
}
