package imap

import (
	"context"
	"fmt"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/pelicanmail/pelican/internal/storage"
	"github.com/pelicanmail/pelican/internal/storage/sqlite"
)

// recordingWriter captures the untagged responses a drain would emit.
type recordingWriter struct {
	lines []string
}

func (w *recordingWriter) WriteExpunge(seqNum uint32) error {
	w.lines = append(w.lines, fmt.Sprintf("EXPUNGE %d", seqNum))
	return nil
}

func (w *recordingWriter) WriteNumMessages(num uint32) error {
	w.lines = append(w.lines, fmt.Sprintf("EXISTS %d", num))
	return nil
}

func (w *recordingWriter) WriteMessageFlags(seqNum uint32, uid imap.UID, flags []imap.Flag) error {
	w.lines = append(w.lines, fmt.Sprintf("FETCH %d uid=%d flags=%v", seqNum, uid, flags))
	return nil
}

func testStore(t *testing.T) (storage.Store, *storage.Mailbox) {
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

	u := &storage.User{Username: "alice", PasswordHash: "x"}
	if err := store.InsertUser(ctx, u); err != nil {
		t.Fatal(err)
	}
	mb := &storage.Mailbox{UserID: u.ID, Path: "INBOX", UIDValidity: 1, UIDNext: 100}
	if err := store.InsertMailbox(ctx, mb); err != nil {
		t.Fatal(err)
	}
	return store, mb
}

func TestSeqUIDMapping(t *testing.T) {
	st := &selectedState{uids: []uint32{10, 11, 12}}

	if seq := st.seqOf(11); seq != 2 {
		t.Errorf("seqOf(11) = %d, want 2", seq)
	}
	if seq := st.seqOf(99); seq != 0 {
		t.Errorf("seqOf(99) = %d, want 0", seq)
	}
	if uid, ok := st.uidOf(3); !ok || uid != 12 {
		t.Errorf("uidOf(3) = %d,%v, want 12,true", uid, ok)
	}
	if _, ok := st.uidOf(4); ok {
		t.Error("uidOf(4) resolved past the view")
	}

	// Removal shifts the higher MSNs down.
	seq, ok := st.removeUID(11)
	if !ok || seq != 2 {
		t.Fatalf("removeUID(11) = %d,%v, want 2,true", seq, ok)
	}
	if seq := st.seqOf(12); seq != 2 {
		t.Errorf("after removal seqOf(12) = %d, want 2", seq)
	}

	// Inserting in the middle keeps the order.
	if !st.insertUID(11) {
		t.Fatal("insertUID(11) reported duplicate")
	}
	if st.insertUID(11) {
		t.Fatal("insertUID(11) twice not deduplicated")
	}
	if seq := st.seqOf(11); seq != 2 {
		t.Errorf("after reinsert seqOf(11) = %d, want 2", seq)
	}
}

func TestResolveNumSet(t *testing.T) {
	st := &selectedState{uids: []uint32{10, 11, 12, 20}}

	var seqs imap.SeqSet
	seqs.AddRange(2, 3)
	if got := st.resolveNumSet(seqs); len(got) != 2 || got[0] != 11 || got[1] != 12 {
		t.Errorf("seq 2:3 resolved to %v, want [11 12]", got)
	}

	var uids imap.UIDSet
	uids.AddRange(11, 20)
	if got := st.resolveNumSet(uids); len(got) != 3 || got[0] != 11 || got[2] != 20 {
		t.Errorf("uid 11:20 resolved to %v, want [11 12 20]", got)
	}
}

func TestDrainFlushOrder(t *testing.T) {
	store, mb := testStore(t)
	ctx := context.Background()

	// Another session appended uid 13, changed flags on 10, and
	// expunged 11 and 12.
	entries := []*storage.JournalEntry{
		{MailboxID: mb.ID, Command: storage.JournalExpunge, UID: 11, ModSeq: 5},
		{MailboxID: mb.ID, Command: storage.JournalExpunge, UID: 12, ModSeq: 6},
		{MailboxID: mb.ID, Command: storage.JournalFetch, UID: 10, Flags: []string{storage.FlagSeen}, ModSeq: 7},
		{MailboxID: mb.ID, Command: storage.JournalExists, UID: 13, ModSeq: 8},
	}
	if err := store.AppendJournal(ctx, entries); err != nil {
		t.Fatal(err)
	}

	st := &selectedState{mailbox: mb, uids: []uint32{10, 11, 12}}
	w := &recordingWriter{}
	if err := st.drain(ctx, store, w, "me", true); err != nil {
		t.Fatal(err)
	}

	want := []string{
		// EXISTS first: uid 13 joins a view that still holds 11 and 12.
		"EXISTS 4",
		// Then flag updates, resolved against the current view.
		"FETCH 1 uid=10 flags=[\\Seen]",
		// Then expunges, high MSN first so the remaining MSNs stay valid.
		"EXPUNGE 3",
		"EXPUNGE 2",
	}
	if len(w.lines) != len(want) {
		t.Fatalf("drain emitted %v, want %v", w.lines, want)
	}
	for i := range want {
		if w.lines[i] != want[i] {
			t.Fatalf("drain emitted %v, want %v", w.lines, want)
		}
	}

	if len(st.uids) != 2 || st.uids[0] != 10 || st.uids[1] != 13 {
		t.Errorf("view after drain = %v, want [10 13]", st.uids)
	}
	if st.highestModSeq != 8 {
		t.Errorf("cursor = %d, want 8", st.highestModSeq)
	}
}

func TestDrainExpungeMSNsStrictlyDecrease(t *testing.T) {
	store, mb := testStore(t)
	ctx := context.Background()

	var entries []*storage.JournalEntry
	for i, uid := range []uint32{10, 12, 14} {
		entries = append(entries, &storage.JournalEntry{
			MailboxID: mb.ID, Command: storage.JournalExpunge, UID: uid, ModSeq: uint64(i + 1),
		})
	}
	if err := store.AppendJournal(ctx, entries); err != nil {
		t.Fatal(err)
	}

	st := &selectedState{mailbox: mb, uids: []uint32{10, 11, 12, 13, 14}}
	w := &recordingWriter{}
	if err := st.drain(ctx, store, w, "me", true); err != nil {
		t.Fatal(err)
	}

	// Interpreted against the pre-expunge map (MSNs 1,3,5) the emitted
	// MSNs strictly decrease: 5, 3, 1.
	want := []string{"EXPUNGE 5", "EXPUNGE 3", "EXPUNGE 1"}
	for i := range want {
		if w.lines[i] != want[i] {
			t.Fatalf("drain emitted %v, want %v", w.lines, want)
		}
	}
}

func TestDrainOwnChangeSuppression(t *testing.T) {
	store, mb := testStore(t)
	ctx := context.Background()

	entries := []*storage.JournalEntry{
		{MailboxID: mb.ID, Command: storage.JournalFetch, UID: 10, Flags: []string{storage.FlagSeen}, Ignore: "me", ModSeq: 1},
		{MailboxID: mb.ID, Command: storage.JournalFetch, UID: 11, Flags: []string{storage.FlagSeen}, Ignore: "other", ModSeq: 2},
	}
	if err := store.AppendJournal(ctx, entries); err != nil {
		t.Fatal(err)
	}

	st := &selectedState{mailbox: mb, uids: []uint32{10, 11}}
	w := &recordingWriter{}
	if err := st.drain(ctx, store, w, "me", true); err != nil {
		t.Fatal(err)
	}

	if len(w.lines) != 1 {
		t.Fatalf("drain emitted %v, want only the foreign change", w.lines)
	}
	if w.lines[0] != "FETCH 2 uid=11 flags=[\\Seen]" {
		t.Errorf("drain emitted %q", w.lines[0])
	}
	// The cursor still advances past suppressed entries.
	if st.highestModSeq != 2 {
		t.Errorf("cursor = %d, want 2", st.highestModSeq)
	}
}

func TestDrainWithholdsExpungesWhenDisallowed(t *testing.T) {
	store, mb := testStore(t)
	ctx := context.Background()

	entries := []*storage.JournalEntry{
		{MailboxID: mb.ID, Command: storage.JournalExists, UID: 13, ModSeq: 1},
		{MailboxID: mb.ID, Command: storage.JournalExpunge, UID: 10, ModSeq: 2},
		{MailboxID: mb.ID, Command: storage.JournalFetch, UID: 11, Flags: []string{storage.FlagSeen}, ModSeq: 3},
	}
	if err := store.AppendJournal(ctx, entries); err != nil {
		t.Fatal(err)
	}

	st := &selectedState{mailbox: mb, uids: []uint32{10, 11, 12}}
	w := &recordingWriter{}
	if err := st.drain(ctx, store, w, "me", false); err != nil {
		t.Fatal(err)
	}

	if len(w.lines) != 1 || w.lines[0] != "EXISTS 4" {
		t.Fatalf("drain emitted %v, want only EXISTS", w.lines)
	}
	// Cursor stops before the withheld expunge so a later allowed drain
	// picks it up.
	if st.highestModSeq != 1 {
		t.Errorf("cursor = %d, want 1", st.highestModSeq)
	}

	w2 := &recordingWriter{}
	if err := st.drain(ctx, store, w2, "me", true); err != nil {
		t.Fatal(err)
	}
	want := []string{"FETCH 2 uid=11 flags=[\\Seen]", "EXPUNGE 1"}
	if len(w2.lines) != 2 || w2.lines[0] != want[0] || w2.lines[1] != want[1] {
		t.Fatalf("second drain emitted %v, want %v", w2.lines, want)
	}
	if st.highestModSeq != 3 {
		t.Errorf("cursor = %d, want 3", st.highestModSeq)
	}
}

func TestDrainDuplicateDelivery(t *testing.T) {
	store, mb := testStore(t)
	ctx := context.Background()

	if err := store.AppendJournal(ctx, []*storage.JournalEntry{
		{MailboxID: mb.ID, Command: storage.JournalExists, UID: 13, ModSeq: 1},
	}); err != nil {
		t.Fatal(err)
	}

	st := &selectedState{mailbox: mb, uids: []uint32{10}}
	w := &recordingWriter{}
	if err := st.drain(ctx, store, w, "me", true); err != nil {
		t.Fatal(err)
	}

	// Delivery is at-least-once: replaying the same entries must not
	// duplicate responses.
	st.highestModSeq = 0
	w2 := &recordingWriter{}
	if err := st.drain(ctx, store, w2, "me", true); err != nil {
		t.Fatal(err)
	}
	if len(w2.lines) != 0 {
		t.Errorf("duplicate delivery emitted %v", w2.lines)
	}
}

func TestApplyStoreFlags(t *testing.T) {
	tests := []struct {
		name    string
		current []string
		op      imap.StoreFlagsOp
		flags   []imap.Flag
		want    []string
		changed bool
	}{
		{"add new", []string{`\Seen`}, imap.StoreFlagsAdd, []imap.Flag{`\Flagged`}, []string{`\Seen`, `\Flagged`}, true},
		{"add present case-insensitive", []string{`\Seen`}, imap.StoreFlagsAdd, []imap.Flag{`\seen`}, []string{`\Seen`}, false},
		{"remove", []string{`\Seen`, `\Deleted`}, imap.StoreFlagsDel, []imap.Flag{`\deleted`}, []string{`\Seen`}, true},
		{"remove absent", []string{`\Seen`}, imap.StoreFlagsDel, []imap.Flag{`\Flagged`}, []string{`\Seen`}, false},
		{"set", []string{`\Seen`}, imap.StoreFlagsSet, []imap.Flag{`\Deleted`, "$Fwd"}, []string{`\Deleted`, "$Fwd"}, true},
		{"set identical", []string{`\Seen`, "$Fwd"}, imap.StoreFlagsSet, []imap.Flag{"$fwd", `\seen`}, []string{`\Seen`, "$Fwd"}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, changed := applyStoreFlags(tc.current, &imap.StoreFlags{Op: tc.op, Flags: tc.flags})
			if changed != tc.changed {
				t.Fatalf("changed = %v, want %v", changed, tc.changed)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("flags = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("flags = %v, want %v", got, tc.want)
				}
			}
		})
	}
}
