package chat

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	chaterrors "github.com/alexjbarnes/clinic-sync/internal/errors"
)

const (
	outboxDirPerm = fs.FileMode(0o700)

	// outboxDebounceInterval is how often pending files are checked.
	outboxDebounceInterval = 500 * time.Millisecond

	// outboxSettle is how long a file must go unmodified before it is
	// sent, so half-written files are not uploaded.
	outboxSettle = 300 * time.Millisecond
)

type fileSender interface {
	SendFile(ctx context.Context, path, caption string) (Message, error)
}

// Outbox sends every file dropped into a directory as an attachment on
// the active conversation. Sent files are removed; files that fail stay
// where they are.
type Outbox struct {
	dir    string
	sender fileSender
	logger *slog.Logger
}

func NewOutbox(dir string, sender fileSender, logger *slog.Logger) *Outbox {
	return &Outbox{dir: dir, sender: sender, logger: logger}
}

// Watch blocks until ctx is cancelled. Files already present when it
// starts are sent too.
func (o *Outbox) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(o.dir, outboxDirPerm); err != nil {
		return fmt.Errorf("creating outbox dir: %w", err)
	}

	if err := watcher.Add(o.dir); err != nil {
		return fmt.Errorf("watching outbox dir: %w", err)
	}

	o.logger.Info("outbox watcher started", slog.String("dir", o.dir))

	pending := make(map[string]time.Time)

	entries, err := os.ReadDir(o.dir)
	if err != nil {
		return fmt.Errorf("reading outbox dir: %w", err)
	}

	for _, e := range entries {
		path := filepath.Join(o.dir, e.Name())
		if e.Type().IsRegular() && !ignoreOutboxFile(path) {
			pending[path] = time.Time{}
		}
	}

	ticker := time.NewTicker(outboxDebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if ignoreOutboxFile(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			o.logger.Warn("outbox watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < outboxSettle {
					continue
				}

				if o.send(ctx, path) {
					delete(pending, path)
				}
			}
		}
	}
}

// send reports whether path is finished with, sent or not. Files wait
// in pending while no conversation is open.
func (o *Outbox) send(ctx context.Context, path string) bool {
	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return true
	}

	msg, err := o.sender.SendFile(ctx, path, "")
	if err != nil {
		if errors.Is(err, chaterrors.ErrSessionClosed) {
			return false
		}

		o.logger.Warn("outbox send failed, leaving file in place",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return true
	}

	if err := os.Remove(path); err != nil {
		o.logger.Warn("removing sent outbox file", slog.String("path", path), slog.String("error", err.Error()))
	}

	o.logger.Info("outbox file sent",
		slog.String("path", path),
		slog.String("message_id", msg.ID.String()),
	)

	return true
}

// ignoreOutboxFile skips hidden files and editor or download temporaries.
func ignoreOutboxFile(path string) bool {
	base := filepath.Base(path)

	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return true
	}

	switch strings.ToLower(filepath.Ext(base)) {
	case ".tmp", ".part", ".crdownload", ".swp":
		return true
	}

	return false
}
