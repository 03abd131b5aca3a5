// Package notify owns the durable change journal and the in-process
// fan-out that wakes selected sessions when their mailbox changes.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pelicanmail/pelican/internal/logging"
	"github.com/pelicanmail/pelican/internal/metrics"
	"github.com/pelicanmail/pelican/internal/storage"
)

type subKey struct {
	userID int64
	path   string
}

// Subscription is one selected session's handle on a mailbox. The wake
// channel has capacity one: any number of fires coalesce into a single
// pending wake-up, and the firer never blocks on a slow session.
type Subscription struct {
	SessionID string
	MailboxID int64

	notifier *Notifier
	key      subKey
	wake     chan struct{}
	seen     atomic.Uint64 // highest journal modseq this session has drained
}

// Wake returns the channel that fires when the mailbox changed.
func (s *Subscription) Wake() <-chan struct{} {
	return s.wake
}

// SetSeen records the modseq up to which this session has drained the
// journal. Drives the background trim.
func (s *Subscription) SetSeen(modseq uint64) {
	s.seen.Store(modseq)
}

// Close removes the subscription from the registry.
func (s *Subscription) Close() {
	s.notifier.unsubscribe(s)
}

// Notifier persists journal entries and delivers "mailbox changed"
// events to every session selected on the same mailbox. Draining the
// journal is the subscriber's job; delivery here is at-least-once.
type Notifier struct {
	store  storage.Store
	logger *logging.Logger

	mu   sync.Mutex
	subs map[subKey]map[string]*Subscription
}

// New returns a Notifier bound to the journal collection.
func New(store storage.Store, logger *logging.Logger) *Notifier {
	return &Notifier{
		store:  store,
		logger: logger.Notify(),
		subs:   make(map[subKey]map[string]*Subscription),
	}
}

// AddEntries persists journal entries in a single batched write. A batch
// may span mailboxes (MOVE writes both sides at once).
func (n *Notifier) AddEntries(ctx context.Context, entries []*storage.JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := n.store.AppendJournal(ctx, entries); err != nil {
		return err
	}
	metrics.JournalEntriesAppended.Add(float64(len(entries)))
	return nil
}

// Subscribe registers a session as selected on (user, path).
func (n *Notifier) Subscribe(userID int64, path string, mailboxID int64, sessionID string) *Subscription {
	sub := &Subscription{
		SessionID: sessionID,
		MailboxID: mailboxID,
		notifier:  n,
		key:       subKey{userID: userID, path: path},
		wake:      make(chan struct{}, 1),
	}

	n.mu.Lock()
	group, ok := n.subs[sub.key]
	if !ok {
		group = make(map[string]*Subscription)
		n.subs[sub.key] = group
	}
	group[sessionID] = sub
	n.mu.Unlock()

	return sub
}

func (n *Notifier) unsubscribe(sub *Subscription) {
	n.mu.Lock()
	if group, ok := n.subs[sub.key]; ok {
		delete(group, sub.SessionID)
		if len(group) == 0 {
			delete(n.subs, sub.key)
		}
	}
	n.mu.Unlock()
}

// Fire delivers a "mailbox changed" event to every session selected on
// (user, path). The registry lock is released before any channel send;
// sends never block.
func (n *Notifier) Fire(userID int64, path string) {
	key := subKey{userID: userID, path: path}

	n.mu.Lock()
	group := n.subs[key]
	wakes := make([]chan struct{}, 0, len(group))
	for _, sub := range group {
		wakes = append(wakes, sub.wake)
	}
	n.mu.Unlock()

	for _, wake := range wakes {
		select {
		case wake <- struct{}{}:
		default:
			// A wake-up is already pending; this fire coalesces into it.
		}
	}
}

// RenameSubscriptions repoints live subscriptions when a mailbox path
// changes under selected sessions.
func (n *Notifier) RenameSubscriptions(userID int64, oldPath, newPath string) {
	oldKey := subKey{userID: userID, path: oldPath}
	newKey := subKey{userID: userID, path: newPath}

	n.mu.Lock()
	if group, ok := n.subs[oldKey]; ok {
		delete(n.subs, oldKey)
		for _, sub := range group {
			sub.key = newKey
		}
		if dst, ok := n.subs[newKey]; ok {
			for id, sub := range group {
				dst[id] = sub
			}
		} else {
			n.subs[newKey] = group
		}
	}
	n.mu.Unlock()
}

// TrimLoop periodically drops journal entries older than the oldest seen
// modseq of any live session on each mailbox. Failures are logged and
// retried on the next tick.
func (n *Notifier) TrimLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.trimOnce(ctx)
		}
	}
}

func (n *Notifier) trimOnce(ctx context.Context) {
	type target struct {
		mailboxID int64
		below     uint64
	}

	n.mu.Lock()
	var targets []target
	for _, group := range n.subs {
		var mailboxID int64
		low := uint64(0)
		first := true
		for _, sub := range group {
			mailboxID = sub.MailboxID
			seen := sub.seen.Load()
			if first || seen < low {
				low = seen
				first = false
			}
		}
		if !first && low > 0 {
			targets = append(targets, target{mailboxID: mailboxID, below: low})
		}
	}
	n.mu.Unlock()

	for _, t := range targets {
		if err := n.store.TrimJournal(ctx, t.mailboxID, t.below); err != nil {
			n.logger.WarnContext(ctx, "journal trim failed",
				"mailbox_id", t.mailboxID, "error", err.Error())
		}
	}
}

// SubscriberCount reports how many sessions are selected on (user, path).
func (n *Notifier) SubscriberCount(userID int64, path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[subKey{userID: userID, path: path}])
}
