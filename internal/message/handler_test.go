package message

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pelicanmail/pelican/internal/blob"
	"github.com/pelicanmail/pelican/internal/index"
	"github.com/pelicanmail/pelican/internal/logging"
	"github.com/pelicanmail/pelican/internal/notify"
	"github.com/pelicanmail/pelican/internal/storage"
	"github.com/pelicanmail/pelican/internal/storage/sqlite"
)

const sampleMessage = "From: Alice <alice@example.org>\r\n" +
	"To: Bob <bob@example.org>\r\n" +
	"Subject: hello\r\n" +
	"Date: Tue, 05 Aug 2025 10:00:00 +0000\r\n" +
	"Message-Id: <one@example.org>\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"body text with foo inside\r\n"

type fixture struct {
	store    storage.Store
	notifier *notify.Notifier
	handler  *Handler
	user     *storage.User
	inbox    *storage.Mailbox
}

func newFixture(t *testing.T, maxStorage int64) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store := sqlite.NewStore(db)

	blobs, err := blob.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open blob store: %v", err)
	}

	logger := logging.Default()
	notifier := notify.New(store, logger)
	handler := NewHandler(store, blobs, index.New(), notifier, maxStorage, logger)

	user := &storage.User{Username: "alice", PasswordHash: "x"}
	if err := store.InsertUser(ctx, user); err != nil {
		t.Fatal(err)
	}
	inbox := &storage.Mailbox{UserID: user.ID, Path: "INBOX", UIDValidity: 100, UIDNext: 1, Subscribed: true}
	if err := store.InsertMailbox(ctx, inbox); err != nil {
		t.Fatal(err)
	}

	return &fixture{store: store, notifier: notifier, handler: handler, user: user, inbox: inbox}
}

func TestAddAssignsUIDAndJournals(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	sub := f.notifier.Subscribe(f.user.ID, "INBOX", f.inbox.ID, "sess-x")
	defer sub.Close()

	uid, uidValidity, err := f.handler.Add(ctx, f.user.ID, "INBOX",
		[]string{storage.FlagSeen}, time.Now(), []byte(sampleMessage), Meta{Source: storage.SourceIMAP})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if uid != 1 {
		t.Errorf("uid = %d, want 1", uid)
	}
	if uidValidity != 100 {
		t.Errorf("uidValidity = %d, want 100", uidValidity)
	}

	mb, _ := f.store.FindMailboxByID(ctx, f.inbox.ID)
	if mb.UIDNext != 2 {
		t.Errorf("uidNext = %d, want 2", mb.UIDNext)
	}

	user, _ := f.store.FindUserByID(ctx, f.user.ID)
	if user.StorageUsed != int64(len(sampleMessage)) {
		t.Errorf("storageUsed = %d, want %d", user.StorageUsed, len(sampleMessage))
	}

	entries, err := f.store.JournalSince(ctx, f.inbox.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Command != storage.JournalExists || entries[0].UID != 1 {
		t.Fatalf("journal = %+v, want one EXISTS for uid 1", entries)
	}
	if entries[0].Ignore != "" {
		t.Errorf("EXISTS entry carries ignore %q; the appender must see its own EXISTS", entries[0].Ignore)
	}

	select {
	case <-sub.Wake():
	default:
		t.Error("selected session was not fired")
	}

	// The stored document got parsed metadata and denormalized flags.
	cursor, err := f.store.FindMessages(ctx, &storage.MessageQuery{MailboxID: f.inbox.ID, MetadataOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	defer cursor.Close()
	msg, _ := cursor.Next()
	if msg == nil {
		t.Fatal("message not stored")
	}
	if !msg.Seen {
		t.Error("seen boolean not set for \\Seen flag")
	}
	if len(msg.Headers) == 0 || msg.Headers[0].Key != strings.ToLower(msg.Headers[0].Key) {
		t.Error("headers missing or keys not lowercased")
	}
	// Rendered text is never projected back; it is checked through a
	// storage-side text match instead.
	textHits, err := f.store.CountMessages(ctx, &storage.MessageQuery{MailboxID: f.inbox.ID, Where: storage.TextMatch{Needle: "foo"}})
	if err != nil {
		t.Fatal(err)
	}
	if textHits != 1 {
		t.Error("rendered text missing body content")
	}
}

func TestAddSequentialUIDs(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	// Advance uidNext to 5 first.
	if _, err := f.store.FindAndIncrementUIDNext(ctx, f.inbox.ID, 4); err != nil {
		t.Fatal(err)
	}

	uid1, _, err := f.handler.Add(ctx, f.user.ID, "INBOX", nil, time.Time{}, []byte(sampleMessage), Meta{})
	if err != nil {
		t.Fatal(err)
	}
	uid2, _, err := f.handler.Add(ctx, f.user.ID, "INBOX", nil, time.Time{}, []byte(sampleMessage), Meta{})
	if err != nil {
		t.Fatal(err)
	}
	if uid1 != 5 || uid2 != 6 {
		t.Errorf("uids = %d,%d, want 5,6", uid1, uid2)
	}
	mb, _ := f.store.FindMailboxByID(ctx, f.inbox.ID)
	if mb.UIDNext != 7 {
		t.Errorf("uidNext = %d, want 7", mb.UIDNext)
	}
}

func TestAddOverQuota(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	if err := f.store.SetQuota(ctx, f.user.ID, 10); err != nil {
		t.Fatal(err)
	}

	_, _, err := f.handler.Add(ctx, f.user.ID, "INBOX", nil, time.Time{}, []byte(sampleMessage), Meta{})
	if !errors.Is(err, ErrOverQuota) {
		t.Fatalf("Add over quota = %v, want ErrOverQuota", err)
	}

	// Nothing was persisted.
	n, err := f.store.CountMessages(ctx, &storage.MessageQuery{MailboxID: f.inbox.ID})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("message count = %d after rejected append", n)
	}
	user, _ := f.store.FindUserByID(ctx, f.user.ID)
	if user.StorageUsed != 0 {
		t.Errorf("storageUsed = %d after rejected append", user.StorageUsed)
	}
}

func TestAddFallbackQuota(t *testing.T) {
	// User has no quota; the server-wide max applies.
	f := newFixture(t, 10)
	ctx := context.Background()

	_, _, err := f.handler.Add(ctx, f.user.ID, "INBOX", nil, time.Time{}, []byte(sampleMessage), Meta{})
	if !errors.Is(err, ErrOverQuota) {
		t.Fatalf("Add over fallback quota = %v, want ErrOverQuota", err)
	}
}

func TestAddUnknownMailbox(t *testing.T) {
	f := newFixture(t, 0)
	_, _, err := f.handler.Add(context.Background(), f.user.ID, "Nope", nil, time.Time{}, []byte(sampleMessage), Meta{})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Add to missing mailbox = %v, want ErrNotFound", err)
	}
}

func TestMoveRewritesAndJournalsBothSides(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	archive := &storage.Mailbox{UserID: f.user.ID, Path: "Archive", UIDValidity: 200, UIDNext: 40, Subscribed: true}
	if err := f.store.InsertMailbox(ctx, archive); err != nil {
		t.Fatal(err)
	}

	var uids []uint32
	for i := 0; i < 3; i++ {
		uid, _, err := f.handler.Add(ctx, f.user.ID, "INBOX", nil, time.Time{}, []byte(sampleMessage), Meta{})
		if err != nil {
			t.Fatal(err)
		}
		uids = append(uids, uid)
	}
	userBefore, _ := f.store.FindUserByID(ctx, f.user.ID)

	result, err := f.handler.Move(ctx, f.user.ID, "INBOX", "Archive", "sess-m", uids[:2])
	if err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if result.UIDValidity != 200 {
		t.Errorf("uidValidity = %d, want 200", result.UIDValidity)
	}
	if len(result.SourceUIDs) != 2 || result.SourceUIDs[0] != uids[0] || result.SourceUIDs[1] != uids[1] {
		t.Errorf("source uids = %v", result.SourceUIDs)
	}
	if len(result.DestUIDs) != 2 || result.DestUIDs[0] != 40 || result.DestUIDs[1] != 41 {
		t.Errorf("dest uids = %v, want [40 41]", result.DestUIDs)
	}

	// Quota is unchanged by a move.
	userAfter, _ := f.store.FindUserByID(ctx, f.user.ID)
	if userAfter.StorageUsed != userBefore.StorageUsed {
		t.Errorf("storageUsed changed across move: %d -> %d", userBefore.StorageUsed, userAfter.StorageUsed)
	}

	srcCount, _ := f.store.CountMessages(ctx, &storage.MessageQuery{MailboxID: f.inbox.ID})
	dstCount, _ := f.store.CountMessages(ctx, &storage.MessageQuery{MailboxID: archive.ID})
	if srcCount != 1 || dstCount != 2 {
		t.Errorf("counts after move = src:%d dst:%d, want 1/2", srcCount, dstCount)
	}

	// One EXPUNGE per source message, suppressed for the mover; one
	// EXISTS per destination insert, visible to everyone.
	srcEntries, _ := f.store.JournalSince(ctx, f.inbox.ID, 0)
	var expunges int
	for _, e := range srcEntries {
		if e.Command == storage.JournalExpunge {
			expunges++
			if e.Ignore != "sess-m" {
				t.Errorf("source expunge entry ignore = %q, want sess-m", e.Ignore)
			}
		}
	}
	if expunges != 2 {
		t.Errorf("source expunge entries = %d, want 2", expunges)
	}

	dstEntries, _ := f.store.JournalSince(ctx, archive.ID, 0)
	var exists int
	for _, e := range dstEntries {
		if e.Command == storage.JournalExists {
			exists++
			if e.Ignore != "" {
				t.Errorf("dest EXISTS entry carries ignore %q", e.Ignore)
			}
		}
	}
	if exists != 2 {
		t.Errorf("dest EXISTS entries = %d, want 2", exists)
	}

	// Moved documents carry the move provenance and fresh UIDs.
	cursor, _ := f.store.FindMessages(ctx, &storage.MessageQuery{MailboxID: archive.ID, MetadataOnly: true})
	defer cursor.Close()
	for {
		msg, err := cursor.Next()
		if err != nil {
			t.Fatal(err)
		}
		if msg == nil {
			break
		}
		if msg.Source != storage.SourceIMAPMove {
			t.Errorf("moved message source = %s", msg.Source)
		}
	}
}

func TestMoveMissingMailboxes(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	if _, err := f.handler.Move(ctx, f.user.ID, "INBOX", "Nope", "s", []uint32{1}); !errors.Is(err, ErrNoDestination) {
		t.Errorf("move to missing dest = %v, want ErrNoDestination", err)
	}
	if _, err := f.handler.Move(ctx, f.user.ID, "Nope", "INBOX", "s", []uint32{1}); !errors.Is(err, ErrNoSource) {
		t.Errorf("move from missing source = %v, want ErrNoSource", err)
	}
}
