package e2e_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alexjbarnes/clinic-sync/internal/auth"
	"github.com/alexjbarnes/clinic-sync/internal/chat"
	"github.com/alexjbarnes/clinic-sync/internal/mcpserver"
	"github.com/alexjbarnes/clinic-sync/internal/metrics"
	"github.com/alexjbarnes/clinic-sync/internal/server"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	patientID    = int64(1)
	doctorID     = int64(2)
	testUsername = "testuser"
	testPassword = "testpass"
	testAPIKey   = "cs_0123456789abcdef0123456789abcdef"

	silenceThreshold = 400 * time.Millisecond
)

// harness holds the full e2e stack: a fake chat backend, a patient
// messenger connected to it over REST and websocket, and the
// authenticated MCP server in front of the messenger.
type harness struct {
	Backend   *backend
	Messenger *chat.Messenger
	Board     *chat.UnreadBoard
	Session   *chat.Session
	URL       string
	Client    *http.Client
}

// newHarness starts the backend, opens the patient's conversation with
// the doctor and serves the MCP endpoint.
func newHarness(t *testing.T, pushDown bool) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	be := newBackend()
	be.pushDown.Store(pushDown)

	api := httptest.NewServer(be.handler())
	t.Cleanup(api.Close)

	client := chat.NewClient(api.URL, "backend-token", api.Client(), time.UTC)
	m := metrics.New()
	board := chat.NewUnreadBoard()
	m.RegisterUnread(board.Total)

	wsURL := "ws" + strings.TrimPrefix(api.URL, "http") + "/ws"

	messenger := chat.NewMessenger(chat.MessengerConfig{
		Self:     patientID,
		Role:     chat.RolePatient,
		API:      client,
		Resolver: chat.NewResolver(client, client, nil, m, logger),
		NewPush: func(conversationID int64) chat.PushRunner {
			return chat.NewPushChannel(chat.PushConfig{
				URL:            wsURL,
				Token:          "backend-token",
				ConversationID: conversationID,
				ReconnectDelay: 100 * time.Millisecond,
				HeartBeat:      silenceThreshold / 4,
				Location:       time.UTC,
			}, logger)
		},
		Stager:           chat.NewStager(t.TempDir(), 0),
		Board:            board,
		Metrics:          m,
		Logger:           logger,
		PollInterval:     50 * time.Millisecond,
		SilenceThreshold: silenceThreshold,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		messenger.Close()
	})

	session, err := messenger.Open(ctx, doctorID)
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	store := auth.NewStore(auth.UserCredentials{testUsername: string(hash)})
	store.AddAPIKey("agent", testAPIKey)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "clinic-sync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, mcpserver.FromMessenger(messenger, board), logger)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Store:          store,
		MCPHandler:     mcpHandler,
		MetricsHandler: m.Handler(),
		Logger:         logger,
	}))
	t.Cleanup(ts.Close)

	return &harness{
		Backend:   be,
		Messenger: messenger,
		Board:     board,
		Session:   session,
		URL:       ts.URL,
		Client:    ts.Client(),
	}
}

// mcpSession creates an MCP client session that sends authz on every
// request.
func (h *harness) mcpSession(t *testing.T, authz string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &authTransport{
				authz: authz,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// waitPushHealthy blocks until the session's push subscription is live.
func (h *harness) waitPushHealthy(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.Session.PushHealthy() && h.Backend.subscribers() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

// authTransport is an http.RoundTripper that injects an Authorization
// header into every request.
type authTransport struct {
	authz string
	base  http.RoundTripper
}

func (at *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", at.authz)

	return at.base.RoundTrip(req)
}

func basicAuth(user, pass string) string {
	req, _ := http.NewRequest("GET", "/", nil)
	req.SetBasicAuth(user, pass)

	return req.Header.Get("Authorization")
}
