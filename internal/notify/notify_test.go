package notify

import (
	"context"
	"testing"
	"time"

	"github.com/pelicanmail/pelican/internal/logging"
	"github.com/pelicanmail/pelican/internal/storage"
	"github.com/pelicanmail/pelican/internal/storage/sqlite"
)

func testNotifier(t *testing.T) (*Notifier, storage.Store, *storage.Mailbox) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store := sqlite.NewStore(db)

	u := &storage.User{Username: "alice", PasswordHash: "x"}
	if err := store.InsertUser(ctx, u); err != nil {
		t.Fatal(err)
	}
	mb := &storage.Mailbox{UserID: u.ID, Path: "INBOX", UIDValidity: 1, UIDNext: 1}
	if err := store.InsertMailbox(ctx, mb); err != nil {
		t.Fatal(err)
	}

	return New(store, logging.Default()), store, mb
}

func TestFireWakesSubscribers(t *testing.T) {
	n, _, mb := testNotifier(t)

	subA := n.Subscribe(mb.UserID, "INBOX", mb.ID, "sess-a")
	defer subA.Close()
	subB := n.Subscribe(mb.UserID, "INBOX", mb.ID, "sess-b")
	defer subB.Close()

	n.Fire(mb.UserID, "INBOX")

	for _, sub := range []*Subscription{subA, subB} {
		select {
		case <-sub.Wake():
		case <-time.After(time.Second):
			t.Fatalf("session %s never woke", sub.SessionID)
		}
	}
}

func TestFireCoalescesAndNeverBlocks(t *testing.T) {
	n, _, mb := testNotifier(t)

	sub := n.Subscribe(mb.UserID, "INBOX", mb.ID, "sess-a")
	defer sub.Close()

	// A slow subscriber must not block the firer.
	for i := 0; i < 100; i++ {
		n.Fire(mb.UserID, "INBOX")
	}

	// All fires coalesced into a single pending wake-up.
	select {
	case <-sub.Wake():
	case <-time.After(time.Second):
		t.Fatal("no wake-up pending")
	}
	select {
	case <-sub.Wake():
		t.Fatal("second wake-up pending, fires did not coalesce")
	default:
	}
}

func TestUnsubscribedSessionNotWoken(t *testing.T) {
	n, _, mb := testNotifier(t)

	sub := n.Subscribe(mb.UserID, "INBOX", mb.ID, "sess-a")
	sub.Close()

	n.Fire(mb.UserID, "INBOX")
	select {
	case <-sub.Wake():
		t.Fatal("closed subscription woke")
	default:
	}
	if got := n.SubscriberCount(mb.UserID, "INBOX"); got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}
}

func TestFireScopedToMailbox(t *testing.T) {
	n, _, mb := testNotifier(t)

	inbox := n.Subscribe(mb.UserID, "INBOX", mb.ID, "sess-a")
	defer inbox.Close()
	archive := n.Subscribe(mb.UserID, "Archive", mb.ID+1, "sess-b")
	defer archive.Close()

	n.Fire(mb.UserID, "Archive")

	select {
	case <-inbox.Wake():
		t.Fatal("INBOX session woke for an Archive change")
	default:
	}
	select {
	case <-archive.Wake():
	case <-time.After(time.Second):
		t.Fatal("Archive session never woke")
	}
}

func TestRenameSubscriptions(t *testing.T) {
	n, _, mb := testNotifier(t)

	sub := n.Subscribe(mb.UserID, "Old", mb.ID, "sess-a")
	defer sub.Close()

	n.RenameSubscriptions(mb.UserID, "Old", "New")

	n.Fire(mb.UserID, "Old")
	select {
	case <-sub.Wake():
		t.Fatal("woke on the old path after rename")
	default:
	}

	n.Fire(mb.UserID, "New")
	select {
	case <-sub.Wake():
	case <-time.After(time.Second):
		t.Fatal("never woke on the new path")
	}
}

func TestAddEntriesPersistsBatch(t *testing.T) {
	n, store, mb := testNotifier(t)
	ctx := context.Background()

	err := n.AddEntries(ctx, []*storage.JournalEntry{
		{MailboxID: mb.ID, Command: storage.JournalExists, UID: 1, ModSeq: 1},
		{MailboxID: mb.ID, Command: storage.JournalFetch, UID: 1, Flags: []string{storage.FlagSeen}, Ignore: "sess-a", ModSeq: 2},
	})
	if err != nil {
		t.Fatal(err)
	}

	entries, err := store.JournalSince(ctx, mb.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("journal holds %d entries, want 2", len(entries))
	}
	if entries[1].Ignore != "sess-a" {
		t.Errorf("ignore = %q, want sess-a", entries[1].Ignore)
	}
}

func TestTrimDropsEntriesBelowLowestSeen(t *testing.T) {
	n, store, mb := testNotifier(t)
	ctx := context.Background()

	err := n.AddEntries(ctx, []*storage.JournalEntry{
		{MailboxID: mb.ID, Command: storage.JournalExists, UID: 1, ModSeq: 1},
		{MailboxID: mb.ID, Command: storage.JournalExists, UID: 2, ModSeq: 2},
		{MailboxID: mb.ID, Command: storage.JournalExists, UID: 3, ModSeq: 3},
	})
	if err != nil {
		t.Fatal(err)
	}

	fast := n.Subscribe(mb.UserID, "INBOX", mb.ID, "sess-a")
	defer fast.Close()
	slow := n.Subscribe(mb.UserID, "INBOX", mb.ID, "sess-b")
	defer slow.Close()
	fast.SetSeen(3)
	slow.SetSeen(2)

	n.trimOnce(ctx)

	// The slowest session pins the journal: only entries below its seen
	// modseq may go.
	entries, err := store.JournalSince(ctx, mb.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("after trim %d entries remain, want 2", len(entries))
	}
	if entries[0].ModSeq != 2 {
		t.Errorf("oldest surviving modseq = %d, want 2", entries[0].ModSeq)
	}
}
