package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	chaterrors "github.com/alexjbarnes/clinic-sync/internal/errors"
	"github.com/alexjbarnes/clinic-sync/internal/models"
	"github.com/tidwall/gjson"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API %s returned status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error { return chaterrors.ErrAPIResponse }

func isStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory. Full history
	// responses are the largest payloads.
	maxAPIResponseBytes = 8 * 1024 * 1024
)

// Client talks to the chat backend REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	loc        *time.Location
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host so the bearer token never leaks to
// a third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for baseURL. If httpClient is nil, a
// client with a 30-second timeout and same-host redirect policy is
// created. Zone-less timestamps are interpreted in loc (time.Local when nil).
func NewClient(baseURL, token string, httpClient *http.Client, loc *time.Location) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	if loc == nil {
		loc = time.Local
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		loc:        loc,
	}
}

// Location returns the zone used for cursors and zone-less timestamps.
func (c *Client) Location() *time.Location { return c.loc }

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// doJSON sends a request with an optional JSON body and returns the raw
// response body.
func (c *Client) doJSON(ctx context.Context, method, endpoint string, query url.Values, body interface{}) ([]byte, error) {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	target := c.baseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	req.Header.Set("Accept", "application/json")

	return c.send(req, endpoint)
}

// send executes req and classifies the outcome. Network errors and
// retryable statuses come back as TransientError.
func (c *Client) send(req *http.Request, endpoint string) ([]byte, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("%w: sending request to %s: %w", chaterrors.ErrAPIRequest, endpoint, err)
		return nil, &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := sanitizeResponseBody(respBody)
		if m := gjson.GetBytes(respBody, "message"); m.Type == gjson.String && m.Str != "" {
			msg = sanitizeResponseBody([]byte(m.Str))
		}

		err := &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: msg}
		if isTransientStatus(resp.StatusCode) {
			return nil, &TransientError{Err: err}
		}

		return nil, err
	}

	return respBody, nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

func pairQuery(patientID, doctorID int64) url.Values {
	return url.Values{
		"patientId": {strconv.FormatInt(patientID, 10)},
		"doctorId":  {strconv.FormatInt(doctorID, 10)},
	}
}

// FindConversation looks up the conversation for a pair. A missing
// conversation returns ErrConversationNotFound.
func (c *Client) FindConversation(ctx context.Context, patientID, doctorID int64) (models.Conversation, error) {
	body, err := c.doJSON(ctx, http.MethodGet, "/conversations/by-patient-and-doctor", pairQuery(patientID, doctorID), nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return models.Conversation{}, fmt.Errorf("patient %d, doctor %d: %w", patientID, doctorID, chaterrors.ErrConversationNotFound)
		}

		return models.Conversation{}, fmt.Errorf("finding conversation: %w", err)
	}

	if len(bytes.TrimSpace(body)) == 0 || string(bytes.TrimSpace(body)) == "null" {
		return models.Conversation{}, fmt.Errorf("patient %d, doctor %d: %w", patientID, doctorID, chaterrors.ErrConversationNotFound)
	}

	return DecodeConversation(body)
}

// CreateConversation creates the conversation for a pair.
func (c *Client) CreateConversation(ctx context.Context, patientID, doctorID int64) (models.Conversation, error) {
	req := map[string]int64{"patientId": patientID, "doctorId": doctorID}

	body, err := c.doJSON(ctx, http.MethodPost, "/conversations", nil, req)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("creating conversation: %w", err)
	}

	conv, err := DecodeConversation(body)
	if err != nil {
		return models.Conversation{}, err
	}

	if conv.PatientID == 0 {
		conv.PatientID = patientID
	}

	if conv.DoctorID == 0 {
		conv.DoctorID = doctorID
	}

	return conv, nil
}

// HasAppointment reports whether any appointment exists between the pair.
func (c *Client) HasAppointment(ctx context.Context, patientID, doctorID int64) (bool, error) {
	body, err := c.doJSON(ctx, http.MethodGet, "/appointments/by-patient-and-doctor", pairQuery(patientID, doctorID), nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return false, nil
		}

		return false, fmt.Errorf("checking appointments: %w", err)
	}

	r := gjson.ParseBytes(body)
	if r.IsArray() {
		return len(r.Array()) > 0, nil
	}

	return r.IsObject(), nil
}

// History returns the full message history of a conversation.
func (c *Client) History(ctx context.Context, conversationID int64) ([]Message, error) {
	q := url.Values{"conversationId": {strconv.FormatInt(conversationID, 10)}}

	body, err := c.doJSON(ctx, http.MethodGet, "/messages/by-conversation", q, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}

	return DecodeMessages(body, c.loc)
}

// Since returns messages created after the cursor.
func (c *Client) Since(ctx context.Context, conversationID int64, since time.Time) ([]Message, error) {
	q := url.Values{
		"conversationId": {strconv.FormatInt(conversationID, 10)},
		"since":          {FormatCursor(since, c.loc)},
	}

	body, err := c.doJSON(ctx, http.MethodGet, "/messages/new", q, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching new messages: %w", err)
	}

	return DecodeMessages(body, c.loc)
}

// CreateMessage posts a new message and returns the stored copy.
func (c *Client) CreateMessage(ctx context.Context, msg NewMessage) (Message, error) {
	body, err := c.doJSON(ctx, http.MethodPost, "/messages", nil, msg)
	if err != nil {
		return Message{}, fmt.Errorf("creating message: %w", err)
	}

	return DecodeMessage(body, c.loc)
}

// EditMessage replaces the content of a message the caller owns.
func (c *Client) EditMessage(ctx context.Context, id int64, content, attachmentURL string) (Message, error) {
	req := struct {
		Content       string `json:"content"`
		AttachmentURL string `json:"attachmentURL,omitempty"`
	}{content, attachmentURL}

	body, err := c.doJSON(ctx, http.MethodPut, "/messages/"+strconv.FormatInt(id, 10), nil, req)
	if err != nil {
		return Message{}, fmt.Errorf("editing message %d: %w", id, err)
	}

	return DecodeMessage(body, c.loc)
}

// DeleteMessage removes a message the caller owns.
func (c *Client) DeleteMessage(ctx context.Context, id int64) error {
	if _, err := c.doJSON(ctx, http.MethodDelete, "/messages/"+strconv.FormatInt(id, 10), nil, nil); err != nil {
		return fmt.Errorf("deleting message %d: %w", id, err)
	}

	return nil
}

// UnreadCount returns how many messages in the conversation userID has
// not read.
func (c *Client) UnreadCount(ctx context.Context, conversationID, userID int64) (int, error) {
	q := url.Values{
		"conversationId": {strconv.FormatInt(conversationID, 10)},
		"userId":         {strconv.FormatInt(userID, 10)},
	}

	body, err := c.doJSON(ctx, http.MethodGet, "/messages/unread-count", q, nil)
	if err != nil {
		return 0, fmt.Errorf("fetching unread count: %w", err)
	}

	r := gjson.ParseBytes(body)
	if r.IsObject() {
		r = r.Get("count")
	}

	if r.Type != gjson.Number {
		return 0, fmt.Errorf("%w: unread count is not a number: %s", chaterrors.ErrAPIResponse, sanitizeResponseBody(body))
	}

	return int(r.Int()), nil
}

// MarkRead marks every message in the conversation not sent by userID
// as read.
func (c *Client) MarkRead(ctx context.Context, conversationID, userID int64) error {
	req := map[string]int64{"conversationId": conversationID, "userId": userID}

	if _, err := c.doJSON(ctx, http.MethodPost, "/messages/mark-read", nil, req); err != nil {
		return fmt.Errorf("marking read: %w", err)
	}

	return nil
}

// Upload sends a file to the blob endpoint and returns its durable URL.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile("file", name)
		if err == nil {
			_, err = io.Copy(part, r)
		}

		if err == nil {
			err = mw.Close()
		}

		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", pr)
	if err != nil {
		pr.Close()
		return "", fmt.Errorf("creating upload request: %w", err)
	}

	req.Header.Set("Content-Type", mw.FormDataContentType())

	body, err := c.send(req, "/files")
	if err != nil {
		pr.Close()
		return "", fmt.Errorf("uploading %s: %w", name, err)
	}

	durable := gjson.GetBytes(body, "url").String()
	if durable == "" {
		durable = gjson.GetBytes(body, "fileUrl").String()
	}

	if durable == "" {
		return "", fmt.Errorf("%w: upload response has no url: %s", chaterrors.ErrAPIResponse, sanitizeResponseBody(body))
	}

	return durable, nil
}
