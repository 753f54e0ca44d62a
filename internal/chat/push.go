package chat

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3/frame"
)

const (
	// DefaultReconnectDelay is the fixed wait between push reconnects.
	DefaultReconnectDelay = 5 * time.Second

	// DefaultHeartBeat is the server heart-beat interval requested on
	// CONNECT. Half the silence threshold keeps an idle channel healthy.
	DefaultHeartBeat = DefaultSilenceThreshold / 2

	// pushReadLimit caps a single websocket message. Message payloads are
	// small JSON objects; attachments travel by URL.
	pushReadLimit = 1024 * 1024

	// handshakeTimeout bounds the wait for CONNECTED after CONNECT.
	handshakeTimeout = 10 * time.Second

	// teardownTimeout bounds the best-effort DISCONNECT on shutdown.
	teardownTimeout = 2 * time.Second

	subscriptionID = "sub-0"
)

// PushEventKind classifies events emitted by the push channel.
type PushEventKind int

const (
	PushConnected PushEventKind = iota + 1
	PushDisconnected
	PushActivity
	PushMessages
)

// PushEvent is sent to the session for every state change and frame.
type PushEvent struct {
	Kind     PushEventKind
	Messages []Message
	Err      error
}

// wsConn abstracts the WebSocket connection so PushChannel can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type dialFunc func(ctx context.Context) (wsConn, error)

// PushConfig holds the parameters for one conversation subscription.
type PushConfig struct {
	URL            string
	Token          string
	ConversationID int64
	ReconnectDelay time.Duration
	HeartBeat      time.Duration
	Location       *time.Location
}

// PushChannel keeps one STOMP subscription to a conversation topic alive,
// reconnecting after a fixed delay whenever the connection drops.
type PushChannel struct {
	dial           dialFunc
	host           string
	token          string
	topic          string
	reconnectDelay time.Duration
	heartBeat      time.Duration
	loc            *time.Location
	logger         *slog.Logger
}

// NewPushChannel creates a push channel for cfg.ConversationID.
func NewPushChannel(cfg PushConfig, logger *slog.Logger) *PushChannel {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}

	if cfg.HeartBeat <= 0 {
		cfg.HeartBeat = DefaultHeartBeat
	}

	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	host := cfg.URL
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}

	if i := strings.IndexAny(host, "/?"); i >= 0 {
		host = host[:i]
	}

	return &PushChannel{
		dial:           websocketDialer(cfg.URL, cfg.Token),
		host:           host,
		token:          cfg.Token,
		topic:          Topic(cfg.ConversationID),
		reconnectDelay: cfg.ReconnectDelay,
		heartBeat:      cfg.HeartBeat,
		loc:            cfg.Location,
		logger:         logger,
	}
}

// Topic is the destination a conversation's messages are broadcast on.
func Topic(conversationID int64) string {
	return "/topic/conversations/" + strconv.FormatInt(conversationID, 10)
}

func websocketDialer(url, token string) dialFunc {
	return func(ctx context.Context) (wsConn, error) {
		opts := &websocket.DialOptions{
			Subprotocols: []string{"v12.stomp"},
		}
		if token != "" {
			opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
		}

		conn, _, err := websocket.Dial(ctx, url, opts) //nolint:bodyclose // websocket.Dial closes the response body internally
		if err != nil {
			return nil, fmt.Errorf("dialing websocket: %w", err)
		}

		return conn, nil
	}
}

// Run connects, subscribes and forwards events until ctx is cancelled.
// Every connection ends with a PushDisconnected event unless ctx is
// already done; after Run returns no further events are sent. Returns
// nil on cancellation, or an error the server made permanent.
func (p *PushChannel) Run(ctx context.Context, events chan<- PushEvent) error {
	for {
		err := p.connectOnce(ctx, events)

		if ctx.Err() != nil {
			return nil
		}

		p.emit(ctx, events, PushEvent{Kind: PushDisconnected, Err: err})

		if isPermanentError(err) {
			return fmt.Errorf("permanent push error: %w", err)
		}

		p.logger.Warn("push channel lost, reconnecting",
			slog.String("topic", p.topic),
			slog.String("error", errString(err)),
			slog.Duration("delay", p.reconnectDelay),
		)

		timer := time.NewTimer(p.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// connectOnce runs a single connection from dial to close.
func (p *PushChannel) connectOnce(ctx context.Context, events chan<- PushEvent) error {
	conn, err := p.dial(ctx)
	if err != nil {
		return err
	}

	conn.SetReadLimit(pushReadLimit)

	if err := p.handshake(ctx, conn); err != nil {
		conn.Close(websocket.StatusNormalClosure, "handshake failed")
		return err
	}

	p.logger.Info("push channel subscribed", slog.String("topic", p.topic))
	p.emit(ctx, events, PushEvent{Kind: PushConnected})

	err = p.readLoop(ctx, conn, events)

	if ctx.Err() != nil {
		p.teardown(conn)
		return nil
	}

	conn.Close(websocket.StatusGoingAway, "push error")

	return err
}

// handshake sends CONNECT, waits for CONNECTED and subscribes.
func (p *PushChannel) handshake(ctx context.Context, conn wsConn) error {
	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2",
		frame.Host, p.host,
		frame.HeartBeat, heartBeatHeader(p.heartBeat.Milliseconds()),
	)
	if p.token != "" {
		connect.Header.Add("Authorization", "Bearer "+p.token)
	}

	if err := p.write(ctx, conn, connect); err != nil {
		return fmt.Errorf("sending CONNECT: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	for {
		_, data, err := conn.Read(hctx)
		if err != nil {
			return fmt.Errorf("waiting for CONNECTED: %w", err)
		}

		frames, err := decodeFrames(data)
		if err != nil {
			return fmt.Errorf("decoding handshake reply: %w", err)
		}

		for _, f := range frames {
			switch f.Command {
			case frame.CONNECTED:
				sub := frame.New(frame.SUBSCRIBE,
					frame.Id, subscriptionID,
					frame.Destination, p.topic,
					frame.Ack, "auto",
				)
				if err := p.write(ctx, conn, sub); err != nil {
					return fmt.Errorf("sending SUBSCRIBE: %w", err)
				}

				return nil

			case frame.ERROR:
				return fmt.Errorf("connect rejected: %s", frameError(f))
			}
		}
	}
}

// readLoop forwards frames until the connection fails or ctx ends.
func (p *PushChannel) readLoop(ctx context.Context, conn wsConn, events chan<- PushEvent) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}

		if typ == websocket.MessageBinary {
			p.logger.Debug("unexpected binary frame", slog.Int("bytes", len(data)))
		}

		frames, err := decodeFrames(data)
		if err != nil {
			p.logger.Debug("unparseable frame", slog.String("error", err.Error()))
			p.emit(ctx, events, PushEvent{Kind: PushActivity})

			continue
		}

		if len(frames) == 0 {
			p.emit(ctx, events, PushEvent{Kind: PushActivity})
			continue
		}

		for _, f := range frames {
			switch f.Command {
			case frame.MESSAGE:
				msgs, err := DecodeMessages(f.Body, p.loc)
				if err != nil {
					p.logger.Warn("dropping undecodable push payload",
						slog.String("destination", f.Header.Get(frame.Destination)),
						slog.String("error", err.Error()),
					)
				}

				if len(msgs) == 0 {
					p.emit(ctx, events, PushEvent{Kind: PushActivity})
					continue
				}

				p.emit(ctx, events, PushEvent{Kind: PushMessages, Messages: msgs})

			case frame.ERROR:
				return fmt.Errorf("server error frame: %s", frameError(f))

			default:
				p.emit(ctx, events, PushEvent{Kind: PushActivity})
			}
		}
	}
}

// teardown unsubscribes and disconnects without waiting on a cancelled ctx.
func (p *PushChannel) teardown(conn wsConn) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	_ = p.write(ctx, conn, frame.New(frame.UNSUBSCRIBE, frame.Id, subscriptionID))
	_ = p.write(ctx, conn, frame.New(frame.DISCONNECT))

	conn.Close(websocket.StatusNormalClosure, "bye")
	p.logger.Debug("push channel closed", slog.String("topic", p.topic))
}

func (p *PushChannel) write(ctx context.Context, conn wsConn, f *frame.Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}

	return conn.Write(ctx, websocket.MessageText, data)
}

// emit delivers ev unless ctx is done, so nothing is sent after teardown.
func (p *PushChannel) emit(ctx context.Context, events chan<- PushEvent, ev PushEvent) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

// isPermanentError returns true for errors that won't resolve on retry.
func isPermanentError(err error) bool {
	if err == nil {
		return false
	}

	if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
		return true
	}

	msg := strings.ToLower(err.Error())

	return strings.Contains(msg, "connect rejected") &&
		(strings.Contains(msg, "unauthorized") ||
			strings.Contains(msg, "forbidden") ||
			strings.Contains(msg, "access denied"))
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
