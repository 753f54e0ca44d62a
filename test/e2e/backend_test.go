package e2e_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3/frame"
)

const wireLayout = "2006-01-02T15:04:05.000000"

type wireMessage struct {
	ID             int64  `json:"messageId"`
	ConversationID int64  `json:"conversationId"`
	SenderID       int64  `json:"senderId"`
	SenderRole     string `json:"senderRole"`
	Content        string `json:"content"`
	AttachmentURL  string `json:"attachmentURL,omitempty"`
	CreatedAt      string `json:"createdAt"`
	IsRead         bool   `json:"isRead"`

	at time.Time
}

// backend is an in-memory chat server: the REST endpoints the client
// uses plus a STOMP-over-websocket broadcast endpoint. Timestamps are
// emitted zone-less in UTC.
type backend struct {
	mu        sync.Mutex
	nextID    int64
	convID    int64
	patientID int64
	doctorID  int64
	messages  []*wireMessage
	subs      map[*websocket.Conn]string
	markReads int
	uploads   int
	deltas    int

	pushDown atomic.Bool
}

func newBackend() *backend {
	return &backend{nextID: 100, subs: make(map[*websocket.Conn]string)}
}

func (b *backend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /conversations/by-patient-and-doctor", b.findConversation)
	mux.HandleFunc("POST /conversations", b.createConversation)
	mux.HandleFunc("GET /appointments/by-patient-and-doctor", func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `[{"id":1}]`)
	})
	mux.HandleFunc("GET /messages/by-conversation", b.history)
	mux.HandleFunc("GET /messages/new", b.since)
	mux.HandleFunc("POST /messages", b.createMessage)
	mux.HandleFunc("POST /messages/mark-read", b.markRead)
	mux.HandleFunc("GET /messages/unread-count", b.unreadCount)
	mux.HandleFunc("POST /files", b.upload)
	mux.HandleFunc("/ws", b.push)

	return mux
}

func (b *backend) findConversation(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.convID == 0 {
		http.NotFound(w, nil)
		return
	}

	fmt.Fprintf(w, `{"id":%d,"patientId":%d,"doctorId":%d}`, b.convID, b.patientID, b.doctorID)
}

func (b *backend) createConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PatientID int64 `json:"patientId"`
		DoctorID  int64 `json:"doctorId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.convID, b.patientID, b.doctorID = 3, req.PatientID, req.DoctorID
	fmt.Fprintf(w, `{"id":%d,"patientId":%d,"doctorId":%d}`, b.convID, b.patientID, b.doctorID)
}

func (b *backend) history(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	json.NewEncoder(w).Encode(b.messages)
}

func (b *backend) since(w http.ResponseWriter, r *http.Request) {
	cursor, err := time.ParseInLocation("2006-01-02T15:04:05", r.URL.Query().Get("since"), time.UTC)
	if err != nil {
		http.Error(w, "bad since", http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.deltas++

	out := []*wireMessage{}
	for _, m := range b.messages {
		if m.at.After(cursor) {
			out = append(out, m)
		}
	}

	json.NewEncoder(w).Encode(out)
}

func (b *backend) createMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID int64  `json:"conversationId"`
		SenderID       int64  `json:"senderId"`
		Content        string `json:"content"`
		AttachmentURL  string `json:"attachmentURL"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Write(b.store(req.SenderID, req.Content, req.AttachmentURL))
}

// store saves a message and broadcasts it to every subscriber.
func (b *backend) store(senderID int64, content, attachmentURL string) []byte {
	b.mu.Lock()

	b.nextID++
	now := time.Now().UTC()
	role := "PATIENT"
	if senderID == b.doctorID {
		role = "DOCTOR"
	}

	m := &wireMessage{
		ID:             b.nextID,
		ConversationID: b.convID,
		SenderID:       senderID,
		SenderRole:     role,
		Content:        content,
		AttachmentURL:  attachmentURL,
		CreatedAt:      now.Format(wireLayout),
		at:             now,
	}
	b.messages = append(b.messages, m)
	body, _ := json.Marshal(m)

	subs := make(map[*websocket.Conn]string, len(b.subs))
	for c, dest := range b.subs {
		subs[c] = dest
	}
	b.mu.Unlock()

	for c, dest := range subs {
		f := frame.New(frame.MESSAGE,
			frame.Destination, dest,
			frame.Subscription, "sub-0",
			frame.MessageId, strconv.FormatInt(m.ID, 10),
			frame.ContentType, "application/json",
		)
		f.Body = body

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = writeFrame(ctx, c, f)
		cancel()
	}

	return body
}

func (b *backend) markRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID int64 `json:"userId"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.markReads++
	for _, m := range b.messages {
		if m.SenderID != req.UserID {
			m.IsRead = true
		}
	}

	io.WriteString(w, "{}")
}

func (b *backend) unreadCount(w http.ResponseWriter, r *http.Request) {
	userID, _ := strconv.ParseInt(r.URL.Query().Get("userId"), 10, 64)

	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, m := range b.messages {
		if m.SenderID != userID && !m.IsRead {
			n++
		}
	}

	fmt.Fprintf(w, `{"count":%d}`, n)
}

func (b *backend) upload(w http.ResponseWriter, r *http.Request) {
	f, hdr, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer f.Close()

	n, _ := io.Copy(io.Discard, f)

	b.mu.Lock()
	b.uploads++
	b.mu.Unlock()

	fmt.Fprintf(w, `{"url":"https://files.example.com/%d/%s"}`, n, hdr.Filename)
}

// push speaks just enough STOMP 1.2: CONNECTED after CONNECT, then it
// records the SUBSCRIBE destination and broadcasts to it. Heart-beats go
// out at the interval the client asked for.
func (b *backend) push(w http.ResponseWriter, r *http.Request) {
	if b.pushDown.Load() {
		http.Error(w, "push unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{"v12.stomp"}})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}

		f, err := frame.NewReader(bytes.NewReader(data)).Read()
		if err != nil || f == nil {
			continue
		}

		switch f.Command {
		case frame.CONNECT:
			if err := writeFrame(ctx, conn, frame.New(frame.CONNECTED, frame.Version, "1.2")); err != nil {
				return
			}

			if every := requestedHeartBeat(f.Header.Get(frame.HeartBeat)); every > 0 {
				go heartBeats(ctx, conn, every)
			}

		case frame.SUBSCRIBE:
			b.mu.Lock()
			b.subs[conn] = f.Header.Get(frame.Destination)
			b.mu.Unlock()

		case frame.DISCONNECT:
			b.drop(conn)
			conn.Close(websocket.StatusNormalClosure, "")

			return
		}
	}

	b.drop(conn)
}

// requestedHeartBeat returns the server-to-client interval from a
// "cx,cy" heart-beat header.
func requestedHeartBeat(v string) time.Duration {
	_, cy, ok := strings.Cut(v, ",")
	if !ok {
		return 0
	}

	ms, err := strconv.Atoi(cy)
	if err != nil {
		return 0
	}

	return time.Duration(ms) * time.Millisecond
}

func heartBeats(ctx context.Context, conn *websocket.Conn, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Write(ctx, websocket.MessageText, []byte("\n")); err != nil {
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}

	return conn.Write(ctx, websocket.MessageText, buf.Bytes())
}

func (b *backend) drop(conn *websocket.Conn) {
	b.mu.Lock()
	delete(b.subs, conn)
	b.mu.Unlock()
}

func (b *backend) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subs)
}

func (b *backend) deltaCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.deltas
}

func (b *backend) counts() (messages, markReads, uploads int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.messages), b.markReads, b.uploads
}
