package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/clinic-sync/internal/errors"
	"github.com/alexjbarnes/clinic-sync/internal/metrics"
)

// PeerStore remembers the last opened peer between runs.
type PeerStore interface {
	SetLastPeer(peerID int64) error
}

// MessengerConfig wires a Messenger. NewPush may be nil, in which case
// sessions run on polling alone.
type MessengerConfig struct {
	Self int64
	Role Role

	API      SessionAPI
	Resolver *Resolver
	NewPush  func(conversationID int64) PushRunner
	Stager   *Stager
	Board    *UnreadBoard
	Peers    PeerStore
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	PollInterval     time.Duration
	SilenceThreshold time.Duration
	Lookback         time.Duration
	MergeWindow      time.Duration

	OnAppend func([]Message)
}

// Messenger holds the single active conversation session. Switching
// conversations tears the old session down completely before the new one
// starts.
type Messenger struct {
	cfg MessengerConfig

	mu     sync.Mutex
	active *Session
	cancel context.CancelFunc
}

func NewMessenger(cfg MessengerConfig) *Messenger {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Messenger{cfg: cfg}
}

// pair orders self and peer as (patient, doctor) according to role.
func (m *Messenger) pair(peerID int64) (patientID, doctorID int64) {
	if m.cfg.Role == RolePatient {
		return m.cfg.Self, peerID
	}

	return peerID, m.cfg.Self
}

// Open resolves the conversation with peerID and makes it active. The
// session runs until ctx is cancelled or another Open or Close replaces
// it.
func (m *Messenger) Open(ctx context.Context, peerID int64) (*Session, error) {
	patientID, doctorID := m.pair(peerID)

	conv, err := m.cfg.Resolver.GetOrCreate(ctx, patientID, doctorID, m.cfg.Role)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()

	var push PushRunner
	if m.cfg.NewPush != nil {
		push = m.cfg.NewPush(conv.ID)
	}

	s := NewSession(SessionConfig{
		Conversation:     conv,
		Self:             m.cfg.Self,
		Role:             m.cfg.Role,
		API:              m.cfg.API,
		Push:             push,
		Board:            m.cfg.Board,
		Metrics:          m.cfg.Metrics,
		Logger:           m.cfg.Logger,
		PollInterval:     m.cfg.PollInterval,
		SilenceThreshold: m.cfg.SilenceThreshold,
		Lookback:         m.cfg.Lookback,
		MergeWindow:      m.cfg.MergeWindow,
		OnAppend:         m.cfg.OnAppend,
	})

	runCtx, cancel := context.WithCancel(ctx)

	go func() {
		if err := s.Run(runCtx); err != nil {
			m.cfg.Logger.Error("session stopped", slog.String("error", err.Error()))
		}
	}()

	select {
	case <-s.Ready():
	case <-ctx.Done():
		cancel()
		<-s.Done()

		return nil, ctx.Err()
	}

	m.active, m.cancel = s, cancel

	if m.cfg.Peers != nil {
		if err := m.cfg.Peers.SetLastPeer(peerID); err != nil {
			m.cfg.Logger.Warn("saving last peer", slog.String("error", err.Error()))
		}
	}

	return s, nil
}

// Active returns the current session, or nil.
func (m *Messenger) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.active
}

// Close stops the active session and clears the unread board.
func (m *Messenger) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()

	if m.cfg.Board != nil {
		m.cfg.Board.Reset()
	}
}

func (m *Messenger) stopLocked() {
	if m.active == nil {
		return
	}

	m.cancel()
	<-m.active.Done()

	m.active, m.cancel = nil, nil
}

// SendFile stages path and sends it as an attachment on the active
// session. The staged copy never outlives the call.
func (m *Messenger) SendFile(ctx context.Context, path, caption string) (Message, error) {
	s := m.Active()
	if s == nil {
		return Message{}, fmt.Errorf("no open conversation: %w", chaterrors.ErrSessionClosed)
	}

	if m.cfg.Stager == nil {
		return Message{}, fmt.Errorf("attachments are not configured")
	}

	staged, err := m.cfg.Stager.Stage(path)
	if err != nil {
		return Message{}, err
	}
	defer staged.Release()

	return s.SendAttachment(ctx, staged, caption)
}
