package chat

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	chaterrors "github.com/alexjbarnes/clinic-sync/internal/errors"
	"github.com/alexjbarnes/clinic-sync/internal/metrics"
	"github.com/alexjbarnes/clinic-sync/internal/models"
)

// pushEventBuffer sizes the channel between the push goroutine and the
// session loop.
const pushEventBuffer = 16

// SessionAPI is the subset of the REST client a session uses.
type SessionAPI interface {
	History(ctx context.Context, conversationID int64) ([]Message, error)
	Since(ctx context.Context, conversationID int64, since time.Time) ([]Message, error)
	CreateMessage(ctx context.Context, msg NewMessage) (Message, error)
	EditMessage(ctx context.Context, id int64, content, attachmentURL string) (Message, error)
	DeleteMessage(ctx context.Context, id int64) error
	MarkRead(ctx context.Context, conversationID, userID int64) error
	Upload(ctx context.Context, name string, r io.Reader) (string, error)
}

// PushRunner is a push transport. Run must stop emitting once ctx is done.
type PushRunner interface {
	Run(ctx context.Context, events chan<- PushEvent) error
}

// SessionConfig configures a Session. Zero durations take the package
// defaults. A nil Push runs the session on polling alone.
type SessionConfig struct {
	Conversation models.Conversation
	Self         int64
	Role         Role

	API     SessionAPI
	Push    PushRunner
	Board   *UnreadBoard
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	PollInterval     time.Duration
	SilenceThreshold time.Duration
	Lookback         time.Duration
	MergeWindow      time.Duration

	// StartBlurred opens the session without the opening read-sync.
	StartBlurred bool

	// OnAppend receives entries new to the list. OnSummary receives every
	// recomputed summary. Both run on the session loop and must not call
	// back into the session synchronously.
	OnAppend  func([]Message)
	OnSummary func(Summary)
}

// Session owns the message list of one conversation. A single goroutine,
// started by Run, applies push events, poll results and API completions
// in arrival order; public methods post work to it and block on the
// result.
type Session struct {
	conv         models.Conversation
	self         int64
	role         Role
	api          SessionAPI
	push         PushRunner
	board        *UnreadBoard
	metrics      *metrics.Metrics
	logger       *slog.Logger
	pollInterval time.Duration
	window       time.Duration
	onAppend     func([]Message)
	onSummary    func(Summary)

	// Owned by the loop.
	list         []Message
	watchdog     *Watchdog
	poller       *Poller
	focused      bool
	pollTicker   *time.Ticker
	pollInFlight bool

	calls    chan func(now time.Time)
	stopping chan struct{}
	ready    chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	// life is cancelled when the loop exits so in-flight requests abort.
	life context.Context
	kill context.CancelFunc

	mu       sync.RWMutex
	snapshot []Message
	summary  Summary

	pushHealthy   atomic.Bool
	pollingActive atomic.Bool
}

// NewSession creates a session. Nothing happens until Run is called.
func NewSession(cfg SessionConfig) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	if cfg.MergeWindow <= 0 {
		cfg.MergeWindow = DefaultMergeWindow
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	life, kill := context.WithCancel(context.Background())

	return &Session{
		conv:         cfg.Conversation,
		self:         cfg.Self,
		role:         cfg.Role,
		api:          cfg.API,
		push:         cfg.Push,
		board:        cfg.Board,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger.With(slog.Int64("conversation_id", cfg.Conversation.ID)),
		pollInterval: cfg.PollInterval,
		window:       cfg.MergeWindow,
		onAppend:     cfg.OnAppend,
		onSummary:    cfg.OnSummary,
		watchdog:     NewWatchdog(cfg.SilenceThreshold),
		poller:       NewPoller(cfg.API, cfg.Conversation.ID, cfg.Lookback),
		focused:      !cfg.StartBlurred,
		calls:        make(chan func(time.Time)),
		stopping:     make(chan struct{}),
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
		life:         life,
		kill:         kill,
		summary:      Summary{ConversationID: cfg.Conversation.ID},
	}
}

// Conversation returns the conversation this session serves.
func (s *Session) Conversation() models.Conversation {
	return s.conv
}

// Ready is closed once history is loaded and the loop is running.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed after Run has released every resource.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run loads history, starts the push channel and processes events until
// ctx is cancelled. The push channel, tickers and every background
// request are stopped before Run returns.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.kill()

	s.loadHistory(ctx)

	if s.focused {
		s.readSync()
	}

	s.publish(0)

	pushCtx, pushCancel := context.WithCancel(s.life)
	events := make(chan PushEvent, pushEventBuffer)

	var pushExit chan error
	if s.push != nil {
		pushExit = make(chan error, 1)
		go func() { pushExit <- s.push.Run(pushCtx, events) }()
	}

	watch := time.NewTicker(watchdogInterval)

	defer func() {
		close(s.stopping)
		watch.Stop()
		s.stopPolling()
		s.kill()
		pushCancel()

		if pushExit != nil {
			<-pushExit
		}

		s.wg.Wait()
		s.logger.Info("conversation session closed")
	}()

	s.evaluate(time.Now())
	close(s.ready)
	s.logger.Info("conversation session started",
		slog.Int("messages", len(s.list)),
		slog.Bool("push", s.push != nil),
	)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev := <-events:
			now := time.Now()
			s.handlePush(ev, now)
			s.evaluate(now)

		case err := <-pushExit:
			pushExit = nil
			if err != nil {
				s.logger.Error("push channel stopped, polling only", slog.String("error", err.Error()))
			}

			now := time.Now()
			s.watchdog.SetConnected(false, now)
			s.evaluate(now)

		case now := <-watch.C:
			s.evaluate(now)

		case now := <-s.pollC():
			s.pollTick(now)

		case call := <-s.calls:
			call(time.Now())
		}
	}
}

func (s *Session) loadHistory(ctx context.Context) {
	start := time.Now()

	hctx, cancel := mergeCancel(ctx, s.life)
	defer cancel()

	msgs, err := s.api.History(hctx, s.conv.ID)
	if err != nil && !Partial(err) {
		if ctx.Err() == nil {
			s.logger.Warn("loading history failed", slog.String("error", err.Error()))
		}

		return
	}

	if err != nil {
		s.logger.Warn("history had malformed messages", slog.String("error", err.Error()))
	}

	s.list = Merge(s.list, s.ownConversation(msgs), s.window)
	s.poller.Advance(start)
	s.metrics.Merged(metrics.SourceHistory, len(msgs))
}

// --- push, watchdog and polling ---

func (s *Session) handlePush(ev PushEvent, now time.Time) {
	switch ev.Kind {
	case PushConnected:
		s.watchdog.SetConnected(true, now)
		s.metrics.PushConnected()

	case PushDisconnected:
		s.watchdog.SetConnected(false, now)
		s.metrics.PushDisconnected()

	case PushActivity:
		s.watchdog.Touch(now)

	case PushMessages:
		s.watchdog.Touch(now)
		s.apply(ev.Messages, metrics.SourcePush)
	}
}

// evaluate starts or stops the polling ticker according to the watchdog.
func (s *Session) evaluate(now time.Time) {
	healthy := s.watchdog.Healthy(now)

	switch {
	case !healthy && s.pollTicker == nil:
		s.pollTicker = time.NewTicker(s.pollInterval)
		s.logger.Info("polling fallback active")

	case healthy && s.pollTicker != nil:
		s.stopPolling()
		s.logger.Info("push healthy, polling fallback idle")
	}

	if s.pushHealthy.Load() != healthy || s.pollingActive.Load() != !healthy {
		s.pushHealthy.Store(healthy)
		s.pollingActive.Store(!healthy)
		s.metrics.Liveness(healthy, !healthy)
	}
}

func (s *Session) stopPolling() {
	if s.pollTicker != nil {
		s.pollTicker.Stop()
		s.pollTicker = nil
	}
}

func (s *Session) pollC() <-chan time.Time {
	if s.pollTicker == nil {
		return nil
	}

	return s.pollTicker.C
}

// pollTick fetches the delta since the cursor. The cursor advances to the
// tick's start only when the fetch succeeds.
func (s *Session) pollTick(now time.Time) {
	if s.pollInFlight {
		return
	}

	s.pollInFlight = true
	since := s.poller.Since(now)

	s.spawn(func(ctx context.Context) func(time.Time) {
		msgs, err := s.poller.Poll(ctx, since)

		return func(time.Time) {
			s.pollInFlight = false

			if Partial(err) {
				s.logger.Warn("poll skipped malformed messages", slog.String("error", err.Error()))
				err = nil
			}

			s.metrics.Poll(err)

			if err != nil {
				s.logger.Debug("poll failed", slog.String("error", err.Error()))
				return
			}

			s.poller.Advance(now)
			s.apply(msgs, metrics.SourcePoll)
		}
	})
}

// --- list mutation ---

// apply merges a batch from any channel and runs the read-state
// synchronizer over the result.
func (s *Session) apply(incoming []Message, source string) {
	incoming = s.ownConversation(incoming)
	if len(incoming) == 0 {
		return
	}

	prev := maxSeq(s.list)
	s.list = Merge(s.list, incoming, s.window)
	s.metrics.Merged(source, len(incoming))
	s.afterChange(prev)
}

func (s *Session) replace(list []Message) {
	prev := maxSeq(s.list)
	s.list = list
	s.afterChange(prev)
}

func (s *Session) afterChange(prevSeq uint64) {
	if s.focused {
		s.readSync()
	}

	s.publish(prevSeq)
}

// readSync marks foreign unread entries read and tells the server, once
// per batch that contained any.
func (s *Session) readSync() {
	if markForeignRead(s.list, s.self) == 0 {
		return
	}

	s.spawn(func(ctx context.Context) func(time.Time) {
		if err := s.api.MarkRead(ctx, s.conv.ID, s.self); err != nil && ctx.Err() == nil {
			s.logger.Debug("mark-read failed", slog.String("error", err.Error()))
		}

		return nil
	})
}

// publish refreshes the observable snapshot, summary and unread board,
// and reports entries whose Seq is above prevSeq as appended.
func (s *Session) publish(prevSeq uint64) {
	summary := summarize(s.conv.ID, s.list, s.self)
	snap := slices.Clone(s.list)

	s.mu.Lock()
	s.snapshot = snap
	s.summary = summary
	s.mu.Unlock()

	if s.board != nil {
		s.board.Set(s.conv.ID, summary.UnreadCount)
	}

	if s.onAppend != nil {
		var added []Message

		for _, m := range snap {
			if m.Seq > prevSeq {
				added = append(added, m)
			}
		}

		if len(added) > 0 {
			s.onAppend(added)
		}
	}

	if s.onSummary != nil {
		s.onSummary(summary)
	}
}

func (s *Session) ownConversation(msgs []Message) []Message {
	out := msgs[:0:0]

	for _, m := range msgs {
		if m.ConversationID != 0 && m.ConversationID != s.conv.ID {
			s.logger.Debug("ignoring message for another conversation",
				slog.Int64("other_conversation_id", m.ConversationID))

			continue
		}

		out = append(out, m)
	}

	return out
}

func maxSeq(list []Message) uint64 {
	var n uint64
	for _, m := range list {
		n = max(n, m.Seq)
	}

	return n
}

// --- loop plumbing ---

// do runs fn on the loop and waits for it. It fails once the session is
// stopping or ctx ends before the loop accepts the call.
func (s *Session) do(ctx context.Context, fn func(now time.Time)) error {
	finished := make(chan struct{})
	call := func(now time.Time) {
		defer close(finished)
		fn(now)
	}

	select {
	case s.calls <- call:
	case <-s.stopping:
		return chaterrors.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	<-finished

	return nil
}

// spawn runs work off the loop and applies the returned func on the loop.
// Results arriving after shutdown began are dropped.
func (s *Session) spawn(work func(ctx context.Context) func(now time.Time)) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		apply := work(s.life)
		if apply == nil {
			return
		}

		select {
		case s.calls <- apply:
		case <-s.stopping:
		}
	}()
}

// mergeCancel returns a context cancelled when either parent is.
func mergeCancel(ctx, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)

	return ctx, func() {
		stop()
		cancel()
	}
}

// --- observers ---

// Messages returns a copy of the ordered list.
func (s *Session) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.snapshot)
}

// Summary returns the latest conversation summary.
func (s *Session) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.summary
}

// PushHealthy reports the watchdog's last verdict.
func (s *Session) PushHealthy() bool {
	return s.pushHealthy.Load()
}

// PollingActive reports whether the polling fallback is running.
func (s *Session) PollingActive() bool {
	return s.pollingActive.Load()
}

// Focus marks the conversation as in view: every foreign unread message is
// marked read now and on arrival.
func (s *Session) Focus(ctx context.Context) error {
	return s.do(ctx, func(time.Time) {
		s.focused = true
		s.readSync()
		s.publish(maxSeq(s.list))
	})
}

// Blur stops opportunistic read marking; arrivals raise the unread count.
func (s *Session) Blur(ctx context.Context) error {
	return s.do(ctx, func(time.Time) {
		s.focused = false
	})
}

// Refresh reloads the full history and merges it.
func (s *Session) Refresh(ctx context.Context) error {
	rctx, cancel := mergeCancel(ctx, s.life)
	defer cancel()

	msgs, err := s.api.History(rctx, s.conv.ID)
	if err != nil {
		return err
	}

	return s.do(ctx, func(time.Time) {
		s.apply(msgs, metrics.SourceHistory)
	})
}
