package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	chaterrors "github.com/alexjbarnes/clinic-sync/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient creates a Client pointed at the given httptest server.
func newTestClient(srv *httptest.Server) *Client {
	return &Client{
		httpClient: srv.Client(),
		baseURL:    srv.URL,
		token:      "tok-123",
		loc:        time.UTC,
	}
}

// --- send internals ---

func TestSend_SetsAuthorizationHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).History(context.Background(), 1)
	require.NoError(t, err)
}

func TestSend_NoTokenNoHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	c.token = ""
	_, err := c.History(context.Background(), 1)
	require.NoError(t, err)
}

func TestSend_TransientStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))

		_, err := newTestClient(srv).History(context.Background(), 1)
		assert.True(t, IsTransient(err), "status %d should be transient", code)
		assert.ErrorIs(t, err, chaterrors.ErrAPIResponse)
		srv.Close()
	}
}

func TestSend_PermanentStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"content must not be blank"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).CreateMessage(context.Background(), NewMessage{ConversationID: 1})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "content must not be blank")
	assert.Contains(t, err.Error(), "400")
}

func TestSend_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newTestClient(srv)
	srv.Close()

	_, err := c.History(context.Background(), 1)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, chaterrors.ErrAPIRequest)
}

func TestSanitizeResponseBody(t *testing.T) {
	assert.Equal(t, "a?b", sanitizeResponseBody([]byte("a\x01b")))
	assert.Equal(t, "line\nnext", sanitizeResponseBody([]byte("line\nnext")))
	assert.Len(t, sanitizeResponseBody([]byte(strings.Repeat("x", 1000))), 256)
	assert.Equal(t, "?", sanitizeResponseBody([]byte{0xff}))
}

func TestSameHostRedirectPolicy(t *testing.T) {
	orig, _ := http.NewRequest(http.MethodGet, "https://api.example.com/a", nil)
	same, _ := http.NewRequest(http.MethodGet, "https://api.example.com/b", nil)
	other, _ := http.NewRequest(http.MethodGet, "https://evil.example.com/b", nil)

	assert.NoError(t, sameHostRedirectPolicy(same, []*http.Request{orig}))
	assert.ErrorContains(t, sameHostRedirectPolicy(other, []*http.Request{orig}), "redirect to different host blocked")
}

// --- conversations ---

func TestFindConversation_Found(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversations/by-patient-and-doctor", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("patientId"))
		assert.Equal(t, "2", r.URL.Query().Get("doctorId"))
		w.Write([]byte(`{"id":9,"patientId":1,"doctorId":2}`))
	}))
	defer srv.Close()

	conv, err := newTestClient(srv).FindConversation(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(9), conv.ID)
}

func TestFindConversation_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FindConversation(context.Background(), 1, 2)
	assert.ErrorIs(t, err, chaterrors.ErrConversationNotFound)
}

func TestFindConversation_EmptyBodyIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`null`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FindConversation(context.Background(), 1, 2)
	assert.ErrorIs(t, err, chaterrors.ErrConversationNotFound)
}

func TestCreateConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/conversations", r.URL.Path)

		var body map[string]int64
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]int64{"patientId": 1, "doctorId": 2}, body)

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":11}`))
	}))
	defer srv.Close()

	conv, err := newTestClient(srv).CreateConversation(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(11), conv.ID)
	assert.Equal(t, int64(1), conv.PatientID, "pair filled in when the response omits it")
	assert.Equal(t, int64(2), conv.DoctorID)
}

func TestHasAppointment(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"non-empty list", 200, `[{"id":1}]`, true},
		{"empty list", 200, `[]`, false},
		{"single object", 200, `{"id":1}`, true},
		{"not found", 404, ``, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/appointments/by-patient-and-doctor", r.URL.Path)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			got, err := newTestClient(srv).HasAppointment(context.Background(), 1, 2)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// --- messages ---

func TestSince_SendsExactCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages/new", r.URL.Path)
		assert.Equal(t, "3", r.URL.Query().Get("conversationId"))
		assert.Equal(t, "2024-01-01T10:00:00", r.URL.Query().Get("since"))
		w.Write([]byte(`[{"messageId":1,"senderId":2,"content":"Hi","sentAt":"2024-01-01T10:00:01"}]`))
	}))
	defer srv.Close()

	since := time.Date(2024, 1, 1, 10, 0, 0, 500_000_000, time.UTC)
	msgs, err := newTestClient(srv).Since(context.Background(), 3, since)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hi", msgs[0].Content)
}

func TestCreateMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"conversationId":3,"senderId":5,"content":"hello","attachmentURL":"https://f/1"}`, string(body))
		w.Write([]byte(`{"messageId":44,"conversationId":3,"senderId":5,"content":"hello","attachmentURL":"https://f/1","createdAt":"2024-01-01T10:00:00"}`))
	}))
	defer srv.Close()

	m, err := newTestClient(srv).CreateMessage(context.Background(), NewMessage{
		ConversationID: 3, SenderID: 5, Content: "hello", AttachmentURL: "https://f/1",
	})
	require.NoError(t, err)
	assert.Equal(t, ServerID(44), m.ID)
	assert.Equal(t, "https://f/1", m.AttachmentURL)
}

func TestCreateMessage_OmitsEmptyAttachment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.NotContains(t, string(body), "attachmentURL")
		w.Write([]byte(`{"messageId":1,"senderId":5,"content":"x","createdAt":"2024-01-01T10:00:00"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).CreateMessage(context.Background(), NewMessage{ConversationID: 3, SenderID: 5, Content: "x"})
	require.NoError(t, err)
}

func TestEditAndDeleteMessage(t *testing.T) {
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodPut {
			w.Write([]byte(`{"messageId":7,"senderId":5,"content":"fixed","createdAt":"2024-01-01T10:00:00"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	m, err := c.EditMessage(context.Background(), 7, "fixed", "")
	require.NoError(t, err)
	assert.Equal(t, "fixed", m.Content)

	require.NoError(t, c.DeleteMessage(context.Background(), 7))
	assert.Equal(t, []string{"PUT /messages/7", "DELETE /messages/7"}, methods)
}

func TestUnreadCount(t *testing.T) {
	for _, body := range []string{`4`, `{"count":4}`} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "9", r.URL.Query().Get("userId"))
			w.Write([]byte(body))
		}))

		n, err := newTestClient(srv).UnreadCount(context.Background(), 1, 9)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
		srv.Close()
	}
}

func TestUnreadCount_NotANumber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`"four"`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).UnreadCount(context.Background(), 1, 9)
	assert.ErrorIs(t, err, chaterrors.ErrAPIResponse)
}

func TestMarkRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages/mark-read", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"conversationId":1,"userId":9}`, string(body))
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(srv).MarkRead(context.Background(), 1, 9))
}

// --- upload ---

func TestUpload_Multipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files", r.URL.Path)
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()

		data, _ := io.ReadAll(f)
		assert.Equal(t, "scan.pdf", hdr.Filename)
		assert.Equal(t, "PDFDATA", string(data))
		w.Write([]byte(`{"url":"https://cdn.example.com/f/abc.pdf"}`))
	}))
	defer srv.Close()

	url, err := newTestClient(srv).Upload(context.Background(), "scan.pdf", strings.NewReader("PDFDATA"))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/f/abc.pdf", url)
}

func TestUpload_MissingURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Upload(context.Background(), "a.txt", strings.NewReader("x"))
	assert.ErrorIs(t, err, chaterrors.ErrAPIResponse)
}

func TestUpload_ServerRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Upload(context.Background(), "a.txt", strings.NewReader("x"))
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusRequestEntityTooLarge, se.StatusCode)
}
