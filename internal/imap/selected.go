package imap

import (
	"context"
	"sort"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/pelicanmail/pelican/internal/metrics"
	"github.com/pelicanmail/pelican/internal/notify"
	"github.com/pelicanmail/pelican/internal/storage"
)

// updateWriter is the slice of the framing layer's update writer the
// journal drain needs.
type updateWriter interface {
	WriteExpunge(seqNum uint32) error
	WriteNumMessages(num uint32) error
	WriteMessageFlags(seqNum uint32, uid imap.UID, flags []imap.Flag) error
}

var _ updateWriter = (*imapserver.UpdateWriter)(nil)

// selectedState is the per-session model of the selected mailbox: the
// ascending UID list that defines message sequence numbers, the modseq
// cursor into the journal, and the notifier subscription that wakes the
// session when another session changes the mailbox.
type selectedState struct {
	mailbox  *storage.Mailbox
	readOnly bool

	// uids is ascending; MSN is the 1-based index.
	uids []uint32

	// highestModSeq is the journal drain cursor: every entry with a
	// modseq at or below it has been applied to uids and flushed.
	highestModSeq uint64

	sub *notify.Subscription
}

func (st *selectedState) numMessages() uint32 {
	return uint32(len(st.uids))
}

// seqOf returns the 1-based MSN of uid, or 0 when the UID is not in the
// current view.
func (st *selectedState) seqOf(uid uint32) uint32 {
	i := sort.Search(len(st.uids), func(i int) bool { return st.uids[i] >= uid })
	if i < len(st.uids) && st.uids[i] == uid {
		return uint32(i + 1)
	}
	return 0
}

// uidOf returns the UID at the 1-based MSN.
func (st *selectedState) uidOf(seq uint32) (uint32, bool) {
	if seq == 0 || int(seq) > len(st.uids) {
		return 0, false
	}
	return st.uids[seq-1], true
}

// insertUID adds a UID to the view, keeping order. Reports false when
// the UID was already present (duplicate journal delivery).
func (st *selectedState) insertUID(uid uint32) bool {
	i := sort.Search(len(st.uids), func(i int) bool { return st.uids[i] >= uid })
	if i < len(st.uids) && st.uids[i] == uid {
		return false
	}
	st.uids = append(st.uids, 0)
	copy(st.uids[i+1:], st.uids[i:])
	st.uids[i] = uid
	return true
}

// removeUID drops a UID from the view and returns the MSN it held. All
// higher MSNs shift down by one.
func (st *selectedState) removeUID(uid uint32) (uint32, bool) {
	seq := st.seqOf(uid)
	if seq == 0 {
		return 0, false
	}
	i := int(seq - 1)
	st.uids = append(st.uids[:i], st.uids[i+1:]...)
	return seq, true
}

// resolveNumSet expands a sequence or UID set against the current view
// into an ascending UID list.
func (st *selectedState) resolveNumSet(numSet imap.NumSet) []uint32 {
	var out []uint32
	switch set := numSet.(type) {
	case imap.UIDSet:
		for _, uid := range st.uids {
			if set.Contains(imap.UID(uid)) {
				out = append(out, uid)
			}
		}
	case imap.SeqSet:
		for i, uid := range st.uids {
			if set.Contains(uint32(i + 1)) {
				out = append(out, uid)
			}
		}
	}
	return out
}

// drain pulls journal entries past the cursor and flushes them as
// untagged responses: EXISTS first (one count emission after all new
// UIDs are added), then FETCH flag updates, then EXPUNGE high-MSN first
// so the remaining MSNs stay valid while they are emitted. Entries whose
// ignore field names this session are applied silently or skipped.
//
// When allowExpunge is false, everything from the first foreign EXPUNGE
// entry onward is withheld and the cursor does not advance past it.
func (st *selectedState) drain(ctx context.Context, store storage.Store, w updateWriter, sessionID string, allowExpunge bool) error {
	entries, err := store.JournalSince(ctx, st.mailbox.ID, st.highestModSeq)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	if !allowExpunge {
		cut := len(entries)
		for i, e := range entries {
			if e.Command == storage.JournalExpunge && e.Ignore != sessionID {
				cut = i
				break
			}
		}
		entries = entries[:cut]
		if len(entries) == 0 {
			return nil
		}
	}

	var exists, fetches, expunges []*storage.JournalEntry
	for _, e := range entries {
		switch e.Command {
		case storage.JournalExists:
			exists = append(exists, e)
		case storage.JournalFetch:
			fetches = append(fetches, e)
		case storage.JournalExpunge:
			expunges = append(expunges, e)
		}
	}

	delivered := 0

	sort.Slice(exists, func(i, j int) bool { return exists[i].UID < exists[j].UID })
	added := false
	for _, e := range exists {
		if st.insertUID(e.UID) {
			added = true
		}
	}
	if added {
		if err := w.WriteNumMessages(st.numMessages()); err != nil {
			return err
		}
		delivered++
	}

	for _, e := range fetches {
		if e.Ignore == sessionID {
			continue
		}
		// A pending notification holds no stable MSN; the UID is the
		// durable identity and is resolved against the current view.
		seq := st.seqOf(e.UID)
		if seq == 0 {
			continue
		}
		if err := w.WriteMessageFlags(seq, imap.UID(e.UID), imapFlags(e.Flags)); err != nil {
			return err
		}
		delivered++
	}

	sort.Slice(expunges, func(i, j int) bool { return expunges[i].UID > expunges[j].UID })
	for _, e := range expunges {
		seq, ok := st.removeUID(e.UID)
		if !ok {
			// Already gone: either this session expunged it itself or a
			// duplicate delivery.
			continue
		}
		if e.Ignore == sessionID {
			continue
		}
		if err := w.WriteExpunge(seq); err != nil {
			return err
		}
		delivered++
	}

	for _, e := range entries {
		if e.ModSeq > st.highestModSeq {
			st.highestModSeq = e.ModSeq
		}
	}
	if st.sub != nil {
		st.sub.SetSeen(st.highestModSeq)
	}
	if delivered > 0 {
		metrics.NotificationsDelivered.Add(float64(delivered))
	}
	return nil
}

// imapFlags converts stored flag strings to wire flags.
func imapFlags(flags []string) []imap.Flag {
	out := make([]imap.Flag, len(flags))
	for i, f := range flags {
		out[i] = imap.Flag(f)
	}
	return out
}

// storedFlags converts wire flags to stored flag strings.
func storedFlags(flags []imap.Flag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = string(f)
	}
	return out
}
