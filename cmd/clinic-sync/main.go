package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alexjbarnes/clinic-sync/internal/auth"
	"github.com/alexjbarnes/clinic-sync/internal/chat"
	"github.com/alexjbarnes/clinic-sync/internal/config"
	"github.com/alexjbarnes/clinic-sync/internal/logging"
	"github.com/alexjbarnes/clinic-sync/internal/mcpserver"
	"github.com/alexjbarnes/clinic-sync/internal/metrics"
	"github.com/alexjbarnes/clinic-sync/internal/server"
	"github.com/alexjbarnes/clinic-sync/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	cmd := "run"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var err error

	switch cmd {
	case "hash-password":
		// Handled before config loading; needs no chat settings.
		err = hashPassword()
	case "gen-api-key":
		fmt.Println(auth.GenerateAPIKey())
	case "export":
		err = export()
	case "run":
		err = run()
	default:
		err = fmt.Errorf("unknown command %q (want run, export, hash-password or gen-api-key)", cmd)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func hashPassword() error {
	fmt.Fprint(os.Stderr, "Enter password: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return fmt.Errorf("no input")
	}

	hash, err := auth.HashPassword(scanner.Text())
	if err != nil {
		return err
	}

	fmt.Println(hash)

	return nil
}

// app holds what run and export share.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	state    *state.State
	client   *chat.Client
	resolver *chat.Resolver
	metrics  *metrics.Metrics
}

func setup() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	var appState *state.State
	if cfg.StatePath != "" {
		appState, err = state.LoadAt(cfg.StatePath)
	} else {
		appState, err = state.Load()
	}

	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	// Fall back to the last conversation opened.
	if cfg.PeerID == 0 {
		cfg.PeerID = appState.LastPeer()
	}

	if err := cfg.RequirePeer(); err != nil {
		appState.Close()
		return nil, err
	}

	m := metrics.New()
	client := chat.NewClient(cfg.APIURL, cfg.APIToken, nil, time.Local)

	return &app{
		cfg:      cfg,
		logger:   logger,
		state:    appState,
		client:   client,
		resolver: chat.NewResolver(client, client, appState, m, logger),
		metrics:  m,
	}, nil
}

func run() error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.state.Close()

	cfg, logger := a.cfg, a.logger
	logger.Info("clinic-sync starting",
		slog.String("version", Version),
		slog.Int64("user_id", cfg.UserID),
		slog.String("role", string(cfg.Role)),
		slog.Int64("peer_id", cfg.PeerID),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	board := chat.NewUnreadBoard()
	a.metrics.RegisterUnread(board.Total)

	unsubscribe := board.Subscribe(func(total int) {
		logger.Debug("unread total changed", slog.Int("total", total))
	})
	defer unsubscribe()

	if convs, err := a.state.AllConversations(); err != nil {
		logger.Warn("listing cached conversations", slog.String("error", err.Error()))
	} else {
		ids := make([]int64, 0, len(convs))
		for _, c := range convs {
			ids = append(ids, c.ID)
		}

		board.Seed(ctx, a.client, cfg.UserID, ids, logger)
	}

	messenger := chat.NewMessenger(chat.MessengerConfig{
		Self:     cfg.UserID,
		Role:     cfg.Role,
		API:      a.client,
		Resolver: a.resolver,
		NewPush: func(conversationID int64) chat.PushRunner {
			return chat.NewPushChannel(chat.PushConfig{
				URL:            cfg.WSURL,
				Token:          cfg.APIToken,
				ConversationID: conversationID,
				ReconnectDelay: cfg.ReconnectDelay,
				HeartBeat:      cfg.SilenceThreshold / 2,
				Location:       a.client.Location(),
			}, logger.With(slog.String("service", "push")))
		},
		Stager:           chat.NewStager(cfg.StagingDir, int64(cfg.MaxAttachmentSize)),
		Board:            board,
		Peers:            a.state,
		Metrics:          a.metrics,
		Logger:           logger,
		PollInterval:     cfg.PollInterval,
		SilenceThreshold: cfg.SilenceThreshold,
		Lookback:         cfg.PollLookback,
		MergeWindow:      cfg.MergeWindow,
		OnAppend: func(msgs []chat.Message) {
			for _, m := range msgs {
				if m.Foreign(cfg.UserID) {
					printMessage(m)
				}
			}
		},
	})
	defer messenger.Close()

	session, err := messenger.Open(ctx, cfg.PeerID)
	if err != nil {
		return fmt.Errorf("opening conversation: %w", err)
	}

	for _, m := range session.Messages() {
		printMessage(m)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.OutboxDir != "" {
		outbox := chat.NewOutbox(cfg.OutboxDir, messenger, logger.With(slog.String("service", "outbox")))
		g.Go(func() error {
			return outbox.Watch(gctx)
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, messenger, board, a.metrics, logger)
		})
	}

	g.Go(func() error {
		return readCommands(gctx, messenger, logger)
	})

	return g.Wait()
}

// runMCP starts the MCP HTTP server.
func runMCP(ctx context.Context, cfg *config.Config, messenger *chat.Messenger, board *chat.UnreadBoard, m *metrics.Metrics, logger *slog.Logger) error {
	users, err := cfg.ParseMCPUsers()
	if err != nil {
		return fmt.Errorf("parsing MCP auth users: %w", err)
	}

	apiKeys, err := cfg.ParseMCPAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	mcpLogger := logger.With(slog.String("service", "mcp"))

	store := auth.NewStore(users)
	for _, k := range apiKeys {
		store.AddAPIKey(k.UserID, k.Key)
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "clinic-sync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, mcpserver.FromMessenger(messenger, board), mcpLogger)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Store:          store,
		MCPHandler:     mcpHandler,
		MetricsHandler: m.Handler(),
		Health: func() server.Health {
			return health(messenger, board)
		},
		Logger: mcpLogger,
	})

	srv := &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Int("users", len(users)),
		slog.Int("api_keys", store.APIKeyCount()),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}

func health(messenger *chat.Messenger, board *chat.UnreadBoard) server.Health {
	s := messenger.Active()
	if s == nil {
		return server.Health{Transport: "closed", Unread: board.Total()}
	}

	h := server.Health{
		ConversationID: s.Conversation().ID,
		Transport:      "push",
		Unread:         board.Total(),
	}

	switch {
	case s.PollingActive():
		h.Transport = "polling"
	case !s.PushHealthy():
		h.Transport = "connecting"
	}

	return h
}

// readCommands sends each stdin line as a message. Lines starting with a
// slash are commands. EOF stops reading but not the daemon.
func readCommands(ctx context.Context, messenger *chat.Messenger, logger *slog.Logger) error {
	lines := make(chan string)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				logger.Debug("stdin closed")
				return nil
			}

			if err := handleCommand(ctx, messenger, line); err != nil {
				fmt.Fprintf(os.Stderr, "! %v\n", err)
			}
		}
	}
}

func handleCommand(ctx context.Context, messenger *chat.Messenger, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	s := messenger.Active()
	if s == nil {
		return errors.New("no open conversation")
	}

	if !strings.HasPrefix(line, "/") {
		_, err := s.Send(ctx, line, "")
		return err
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/file":
		path, caption, _ := strings.Cut(rest, " ")
		if path == "" {
			return errors.New("usage: /file <path> [caption]")
		}

		_, err := messenger.SendFile(ctx, path, strings.TrimSpace(caption))

		return err

	case "/edit":
		idText, content, _ := strings.Cut(rest, " ")

		id, err := strconv.ParseInt(idText, 10, 64)
		if err != nil {
			return errors.New("usage: /edit <message id> <text>")
		}

		_, err = s.Edit(ctx, chat.ServerID(id), strings.TrimSpace(content))

		return err

	case "/delete":
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return errors.New("usage: /delete <message id>")
		}

		return s.Delete(ctx, chat.ServerID(id))

	case "/refresh":
		return s.Refresh(ctx)

	case "/focus":
		return s.Focus(ctx)

	case "/blur":
		return s.Blur(ctx)

	case "/unread":
		fmt.Println(s.Summary().UnreadCount)
		return nil
	}

	return fmt.Errorf("unknown command %s", cmd)
}

func printMessage(m chat.Message) {
	line := fmt.Sprintf("[%s] #%s %s: %s", m.Timestamp.Format("15:04"), m.ID, m.SenderRole, m.Content)
	if m.AttachmentURL != "" {
		line += " <" + m.AttachmentURL + ">"
	}

	fmt.Println(line)
}

// export writes the conversation with CHAT_PEER_ID as YAML to stdout.
func export() error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.state.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	patientID, doctorID := a.cfg.UserID, a.cfg.PeerID
	if a.cfg.Role == chat.RoleDoctor {
		patientID, doctorID = doctorID, patientID
	}

	conv, err := a.resolver.GetOrCreate(ctx, patientID, doctorID, a.cfg.Role)
	if err != nil {
		return fmt.Errorf("resolving conversation: %w", err)
	}

	history, err := a.client.History(ctx, conv.ID)
	if err != nil && !chat.Partial(err) {
		return fmt.Errorf("fetching history: %w", err)
	}

	if err != nil {
		a.logger.Warn("transcript omits malformed messages", slog.String("error", err.Error()))
	}

	msgs := chat.Merge(nil, history, a.cfg.MergeWindow)

	a.logger.Debug("exporting transcript",
		slog.Int64("conversation_id", conv.ID),
		slog.Int("messages", len(msgs)),
	)

	return chat.WriteTranscript(os.Stdout, chat.BuildTranscript(conv, msgs, time.Now()))
}
