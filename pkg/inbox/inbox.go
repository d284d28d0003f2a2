// Package inbox is the file-drop transport adapter. Producers write one JSON
// message per file into incoming/; the inbox enqueues each into the mailbox
// and removes the file. Replies are written to outgoing/ for the producer to
// pick up. Malformed files are moved to quarantine/ with a reason file.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"vegeta/pkg/config"
	"vegeta/pkg/pairing"
	"vegeta/pkg/protocol"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Queue subdirectories.
const (
	Incoming   = "incoming"
	Outgoing   = "outgoing"
	Quarantine = "quarantine"
)

// DefaultChannel is the origin channel of messages that name none.
const DefaultChannel = "file"

// settleTime is how long a file that fails to decode is left alone in case
// its writer is still writing it.
const settleTime = 2 * time.Second

// Message is one inbound file.
type Message struct {
	ID        string `json:"id,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Sender    string `json:"sender,omitempty"`
	SenderID  string `json:"sender_id"`
	Message   string `json:"message"`
	Agent     string `json:"agent,omitempty"`
	Intent    string `json:"intent,omitempty"`
	ReplyTo   string `json:"reply_to,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Reply is one outbound file.
type Reply struct {
	ID        string `json:"id"`
	Channel   string `json:"channel"`
	SenderID  string `json:"sender_id"`
	ReplyTo   string `json:"reply_to,omitempty"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Enqueuer accepts inbound work. *mailbox.Store satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, item protocol.WorkItem) (string, error)
}

// Gate decides whether a sender may enqueue. *pairing.Store satisfies it.
type Gate interface {
	IsApproved(ctx context.Context, channel, senderID string) (bool, error)
	RequestFor(ctx context.Context, origin protocol.Origin) (pairing.Request, bool, error)
}

// Inbox watches one queue directory.
type Inbox struct {
	dir    string
	enq    Enqueuer
	gate   Gate
	mode   func() string
	logger *zap.Logger

	nowFunc  func() time.Time
	interval time.Duration
}

// New creates an Inbox rooted at dir. mode returns the current pairing mode;
// gate may be nil when pairing is never required.
func New(dir string, enq Enqueuer, gate Gate, mode func() string, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mode == nil {
		mode = func() string { return config.PairingOpen }
	}
	return &Inbox{
		dir:      dir,
		enq:      enq,
		gate:     gate,
		mode:     mode,
		logger:   logger.Named("inbox"),
		nowFunc:  time.Now,
		interval: 5 * time.Second,
	}
}

// Dir returns the path of a queue subdirectory.
func (in *Inbox) Dir(sub string) string { return filepath.Join(in.dir, sub) }

// EnsureDirs creates the queue subdirectories.
func (in *Inbox) EnsureDirs() error {
	for _, sub := range []string{Incoming, Outgoing, Quarantine} {
		if err := os.MkdirAll(in.Dir(sub), 0o700); err != nil {
			return fmt.Errorf("create %s: %w", sub, err)
		}
	}
	return nil
}

// Submit writes msg into incoming/ atomically and returns its path.
func (in *Inbox) Submit(msg Message) (string, error) {
	if msg.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("message id: %w", err)
		}
		msg.ID = id.String()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = in.nowFunc().UnixMilli()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	path := filepath.Join(in.Dir(Incoming), msg.ID+".json")
	if err := config.WriteFileAtomic(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// Deliver writes a reply for origin into outgoing/.
func (in *Inbox) Deliver(_ context.Context, origin protocol.Origin, text string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("reply id: %w", err)
	}
	data, err := json.MarshalIndent(Reply{
		ID:        id.String(),
		Channel:   origin.Channel,
		SenderID:  origin.SenderID,
		ReplyTo:   origin.ReplyTo,
		Message:   text,
		Timestamp: in.nowFunc().UnixMilli(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	path := filepath.Join(in.Dir(Outgoing), id.String()+".json")
	if err := config.WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("deliver reply: %w", err)
	}
	in.logger.Debug("reply written", zap.String("path", path), zap.String("channel", origin.Channel))
	return nil
}

// Scan processes every message file currently in incoming/ and returns the
// number enqueued.
func (in *Inbox) Scan(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(in.Dir(Incoming))
	if err != nil {
		return 0, fmt.Errorf("read incoming: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isMessageFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	n := 0
	var errs []error
	for _, name := range names {
		ok, err := in.Process(ctx, filepath.Join(in.Dir(Incoming), name))
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// Process handles one incoming file. It reports whether the message was
// enqueued. A file that vanished is not an error.
func (in *Inbox) Process(ctx context.Context, path string) (bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // files under the queue dir
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}

	msg, reason := decode(data)
	if reason != "" {
		if info, serr := os.Stat(path); serr == nil && in.nowFunc().Sub(info.ModTime()) < settleTime {
			return false, nil
		}
		return false, in.quarantine(path, reason)
	}

	origin := protocol.Origin{
		Channel:    msg.Channel,
		SenderID:   msg.SenderID,
		SenderName: msg.Sender,
		ReplyTo:    msg.ReplyTo,
	}
	log := in.logger.With(zap.String("channel", origin.Channel), zap.String("sender", origin.SenderID))

	if in.mode() == config.PairingApproval && in.gate != nil {
		approved, err := in.gate.IsApproved(ctx, origin.Channel, origin.SenderID)
		if err != nil {
			return false, err
		}
		if !approved {
			req, created, err := in.gate.RequestFor(ctx, origin)
			if err != nil {
				return false, err
			}
			if created {
				log.Info("pairing requested", zap.String("code", req.Code))
			}
			if err := in.Deliver(ctx, origin, PairingReply(req.Code)); err != nil {
				return false, err
			}
			return false, in.remove(path)
		}
	}

	id, err := in.enq.Enqueue(ctx, protocol.WorkItem{
		Payload:       msg.Message,
		Intent:        msg.Intent,
		ExplicitOwner: strings.ToLower(msg.Agent),
		Origin:        origin,
	})
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", filepath.Base(path), err)
	}
	log.Info("message enqueued", zap.String("item", id))
	return true, in.remove(path)
}

// PairingReply is sent to senders that are not yet approved.
func PairingReply(code string) string {
	return "pairing required: ask the owner to run `vegeta pairing approve " + code + "`"
}

func decode(data []byte) (Message, string) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, "invalid json: " + err.Error()
	}
	if strings.TrimSpace(msg.Message) == "" {
		return msg, "empty message"
	}
	if msg.SenderID == "" {
		return msg, "missing sender_id"
	}
	if msg.Channel == "" {
		msg.Channel = DefaultChannel
	}
	return msg, ""
}

func (in *Inbox) quarantine(path, reason string) error {
	dst := filepath.Join(in.Dir(Quarantine), filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		return fmt.Errorf("quarantine %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(dst+".reason", []byte(reason+"\n"), 0o600); err != nil {
		return fmt.Errorf("quarantine reason: %w", err)
	}
	in.logger.Warn("message quarantined", zap.String("file", filepath.Base(path)), zap.String("reason", reason))
	return &protocol.QuarantineError{ItemID: filepath.Base(path), Reason: reason}
}

func (in *Inbox) remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
	}
	return nil
}

// isMessageFile skips temp files left by atomic writers.
func isMessageFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}

// Run processes incoming/ until ctx is cancelled: once at start, on every
// fsnotify create or write, and on a periodic rescan that also catches files
// that were still settling.
func (in *Inbox) Run(ctx context.Context) error {
	if err := in.EnsureDirs(); err != nil {
		return err
	}
	in.scan(ctx)

	ticker := time.NewTicker(in.interval)
	defer ticker.Stop()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		in.logger.Warn("fsnotify unavailable, polling inbox", zap.Error(err))
		return in.poll(ctx, ticker)
	}
	defer func() { _ = fw.Close() }()
	if err := fw.Add(in.Dir(Incoming)); err != nil {
		in.logger.Warn("cannot watch inbox, polling", zap.Error(err))
		return in.poll(ctx, ticker)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return errors.New("inbox watcher closed")
			}
			if !isMessageFile(filepath.Base(ev.Name)) {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				if _, err := in.Process(ctx, ev.Name); err != nil {
					in.logger.Warn("process message", zap.String("file", ev.Name), zap.Error(err))
				}
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("inbox watcher closed")
			}
			in.logger.Warn("inbox watcher error", zap.Error(err))
		case <-ticker.C:
			in.scan(ctx)
		}
	}
}

func (in *Inbox) poll(ctx context.Context, ticker *time.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			in.scan(ctx)
		}
	}
}

func (in *Inbox) scan(ctx context.Context) {
	if _, err := in.Scan(ctx); err != nil {
		in.logger.Warn("scan inbox", zap.Error(err))
	}
}
