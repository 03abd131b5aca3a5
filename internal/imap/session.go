package imap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/pelicanmail/pelican/internal/auth"
	"github.com/pelicanmail/pelican/internal/logging"
	"github.com/pelicanmail/pelican/internal/message"
	"github.com/pelicanmail/pelican/internal/metrics"
	"github.com/pelicanmail/pelican/internal/storage"
	"github.com/pelicanmail/pelican/internal/validation"
)

// bulkThreshold is the flag-write batch size. Journal entries and the
// mailbox fire follow each flushed batch.
const bulkThreshold = 150

// Session implements imapserver.Session. One value per connection;
// command processing is strictly sequential per session.
type Session struct {
	server *Server
	conn   *imapserver.Conn
	id     string
	logger *logging.Logger

	user     *auth.Principal
	selected *selectedState
}

var (
	_ imapserver.Session          = (*Session)(nil)
	_ imapserver.SessionMove      = (*Session)(nil)
	_ imapserver.SessionNamespace = (*Session)(nil)
)

// NewSession creates the session for a freshly accepted connection.
func NewSession(server *Server, conn *imapserver.Conn) *Session {
	id := newSessionID()
	metrics.SessionsTotal.Inc()
	metrics.ActiveSessions.Inc()
	return &Session{
		server: server,
		conn:   conn,
		id:     id,
		logger: server.logger.WithFields("session_id", id),
	}
}

// Close tears down the session state on connection drop or LOGOUT.
func (s *Session) Close() error {
	s.dropSelected()
	metrics.ActiveSessions.Dec()
	return nil
}

func (s *Session) dropSelected() {
	if s.selected != nil && s.selected.sub != nil {
		s.selected.sub.Close()
	}
	s.selected = nil
}

func (s *Session) ensureAuthenticated() error {
	if s.user == nil {
		return &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Text: "Not authenticated",
		}
	}
	return nil
}

func (s *Session) ensureSelected() error {
	if err := s.ensureAuthenticated(); err != nil {
		return err
	}
	if s.selected == nil {
		return &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Text: "No mailbox selected",
		}
	}
	return nil
}

// ensureWritable rejects mutating commands on an EXAMINE-opened mailbox.
func (s *Session) ensureWritable() error {
	if err := s.ensureSelected(); err != nil {
		return err
	}
	if s.selected.readOnly {
		return &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Code: imap.ResponseCodeCannot,
			Text: "Mailbox is read-only",
		}
	}
	return nil
}

// mapStorageErr translates gateway errors to protocol responses.
// Transient storage errors keep the connection; the client may retry.
func mapStorageErr(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Code: imap.ResponseCodeNonExistent,
			Text: "Mailbox does not exist",
		}
	case errors.Is(err, storage.ErrAlreadyExists):
		return &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Code: imap.ResponseCodeAlreadyExists,
			Text: "Mailbox already exists",
		}
	default:
		return &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Text: "Internal error",
		}
	}
}

// Login authenticates the connection.
func (s *Session) Login(username, password string) error {
	ctx := context.Background()
	remote := ""
	if s.conn != nil && s.conn.NetConn() != nil {
		remote = s.conn.NetConn().RemoteAddr().String()
	}

	principal, err := s.server.authenticator.Authenticate(ctx, username, password, remote)
	if err != nil {
		if errors.Is(err, auth.ErrRateLimited) {
			return &imap.Error{
				Type: imap.StatusResponseTypeNo,
				Text: "Too many logins, try again later",
			}
		}
		s.logger.InfoContext(ctx, "login failed", "username", username)
		return imapserver.ErrAuthFailed
	}

	s.user = principal
	s.logger = s.logger.WithFields("user_id", principal.ID, "username", principal.Username)
	s.logger.InfoContext(ctx, "login successful")
	return nil
}

// Select opens a mailbox. EXAMINE arrives as options.ReadOnly and
// disallows writes for the lifetime of the selection.
func (s *Session) Select(name string, options *imap.SelectOptions) (*imap.SelectData, error) {
	if err := s.ensureAuthenticated(); err != nil {
		return nil, err
	}
	metrics.Commands.WithLabelValues("select").Inc()
	ctx := context.Background()

	mb, err := s.server.store.FindMailbox(ctx, s.user.ID, name)
	if err != nil {
		return nil, mapStorageErr(err)
	}

	uids, err := s.server.store.ListUIDs(ctx, mb.ID)
	if err != nil {
		return nil, mapStorageErr(err)
	}

	s.dropSelected()
	st := &selectedState{
		mailbox:       mb,
		readOnly:      options != nil && options.ReadOnly,
		uids:          uids,
		highestModSeq: mb.ModifyIndex,
	}
	st.sub = s.server.notifier.Subscribe(s.user.ID, mb.Path, mb.ID, s.id)
	st.sub.SetSeen(mb.ModifyIndex)
	s.selected = st

	flags := []imap.Flag{
		imap.FlagSeen, imap.FlagAnswered, imap.FlagFlagged,
		imap.FlagDeleted, imap.FlagDraft,
	}
	for _, f := range mb.Flags {
		flags = append(flags, imap.Flag(f))
	}
	permanent := append(append([]imap.Flag{}, flags...), imap.FlagWildcard)

	return &imap.SelectData{
		Flags:          flags,
		PermanentFlags: permanent,
		NumMessages:    st.numMessages(),
		UIDNext:        imap.UID(mb.UIDNext),
		UIDValidity:    mb.UIDValidity,
		HighestModSeq:  mb.ModifyIndex,
	}, nil
}

// Unselect leaves selected state without expunging.
func (s *Session) Unselect() error {
	s.dropSelected()
	return nil
}

// Create makes a new mailbox. The UIDVALIDITY stamp is the creation
// wall-clock second and never changes afterwards.
func (s *Session) Create(name string, options *imap.CreateOptions) error {
	if err := s.ensureAuthenticated(); err != nil {
		return err
	}
	ctx := context.Background()

	path := strings.TrimSuffix(name, "/")
	if err := validation.MailboxPath(path); err != nil {
		return &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Code: imap.ResponseCodeCannot,
			Text: "Invalid mailbox name",
		}
	}

	specialUse := storage.SpecialUseNone
	if options != nil && len(options.SpecialUse) > 0 {
		specialUse = storage.SpecialUse(options.SpecialUse[0])
	}

	mb := &storage.Mailbox{
		UserID:      s.user.ID,
		Path:        path,
		UIDValidity: uint32(time.Now().Unix()),
		UIDNext:     1,
		ModifyIndex: 0,
		Subscribed:  true,
		Flags:       []string{},
		SpecialUse:  specialUse,
	}
	if err := s.server.store.InsertMailbox(ctx, mb); err != nil {
		return mapStorageErr(err)
	}
	return nil
}

// Delete destroys a mailbox with its messages and journal. Special-use
// mailboxes and INBOX are refused.
func (s *Session) Delete(name string) error {
	if err := s.ensureAuthenticated(); err != nil {
		return err
	}
	ctx := context.Background()

	if strings.EqualFold(name, "INBOX") {
		return &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Code: imap.ResponseCodeCannot,
			Text: "Cannot delete INBOX",
		}
	}

	mb, err := s.server.store.FindMailbox(ctx, s.user.ID, name)
	if err != nil {
		return mapStorageErr(err)
	}
	if mb.SpecialUse != storage.SpecialUseNone {
		return &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Code: imap.ResponseCodeCannot,
			Text: "Cannot delete special-use mailbox",
		}
	}

	sum, err := s.server.store.AggregateSize(ctx, mb.ID)
	if err != nil {
		return mapStorageErr(err)
	}

	if err := s.server.store.DeleteMailbox(ctx, mb.ID); err != nil {
		return mapStorageErr(err)
	}
	// The usage counter moves exactly once, here; reads clamp at zero.
	if err := s.server.store.AdjustStorageUsed(ctx, s.user.ID, -sum); err != nil {
		return mapStorageErr(err)
	}
	if err := s.server.store.DeleteMessages(ctx, mb.ID); err != nil {
		return mapStorageErr(err)
	}
	if err := s.server.store.DeleteJournal(ctx, mb.ID); err != nil {
		s.logger.WarnContext(ctx, "journal cleanup failed", "mailbox", name, "error", err.Error())
	}
	return nil
}

// Rename renames a mailbox and relocates its descendants path/* to
// newname/*. If the new name or any rewritten descendant already
// exists, the whole rename is rejected and the source left untouched.
func (s *Session) Rename(oldName, newName string, options *imap.RenameOptions) error {
	if err := s.ensureAuthenticated(); err != nil {
		return err
	}
	ctx := context.Background()

	if strings.EqualFold(oldName, "INBOX") {
		return &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Code: imap.ResponseCodeCannot,
			Text: "Cannot rename INBOX",
		}
	}
	if err := validation.MailboxPath(newName); err != nil {
		return &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Code: imap.ResponseCodeCannot,
			Text: "Invalid mailbox name",
		}
	}

	mb, err := s.server.store.FindMailbox(ctx, s.user.ID, oldName)
	if err != nil {
		return mapStorageErr(err)
	}

	all, err := s.server.store.ListMailboxes(ctx, s.user.ID, false)
	if err != nil {
		return mapStorageErr(err)
	}

	type renameOp struct {
		mb      *storage.Mailbox
		newPath string
	}
	ops := []renameOp{{mb: mb, newPath: newName}}
	for _, child := range all {
		if strings.HasPrefix(child.Path, oldName+"/") {
			ops = append(ops, renameOp{
				mb:      child,
				newPath: newName + strings.TrimPrefix(child.Path, oldName),
			})
		}
	}

	existing := make(map[string]bool, len(all))
	for _, other := range all {
		existing[other.Path] = true
	}
	for _, op := range ops {
		if existing[op.newPath] {
			return &imap.Error{
				Type: imap.StatusResponseTypeNo,
				Code: imap.ResponseCodeAlreadyExists,
				Text: "Mailbox already exists",
			}
		}
	}

	for _, op := range ops {
		oldPath := op.mb.Path
		op.mb.Path = op.newPath
		if err := s.server.store.UpdateMailbox(ctx, op.mb); err != nil {
			return mapStorageErr(err)
		}
		s.server.notifier.RenameSubscriptions(s.user.ID, oldPath, op.newPath)
	}
	return nil
}

// Subscribe marks a mailbox as subscribed.
func (s *Session) Subscribe(name string) error {
	return s.setSubscribed(name, true)
}

// Unsubscribe clears the subscription flag.
func (s *Session) Unsubscribe(name string) error {
	return s.setSubscribed(name, false)
}

func (s *Session) setSubscribed(name string, subscribed bool) error {
	if err := s.ensureAuthenticated(); err != nil {
		return err
	}
	ctx := context.Background()

	mb, err := s.server.store.FindMailbox(ctx, s.user.ID, name)
	if err != nil {
		return mapStorageErr(err)
	}
	if mb.Subscribed == subscribed {
		return nil
	}
	mb.Subscribed = subscribed
	if err := s.server.store.UpdateMailbox(ctx, mb); err != nil {
		return mapStorageErr(err)
	}
	return nil
}

// List answers LIST and LSUB (via the SUBSCRIBED selector).
func (s *Session) List(w *imapserver.ListWriter, ref string, patterns []string, options *imap.ListOptions) error {
	if err := s.ensureAuthenticated(); err != nil {
		return err
	}
	ctx := context.Background()

	subscribedOnly := options != nil && options.SelectSubscribed
	mailboxes, err := s.server.store.ListMailboxes(ctx, s.user.ID, subscribedOnly)
	if err != nil {
		return mapStorageErr(err)
	}

	for _, mb := range mailboxes {
		matched := len(patterns) == 0
		for _, pattern := range patterns {
			if imapserver.MatchList(mb.Path, '/', ref, pattern) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}

		data := &imap.ListData{
			Mailbox: mb.Path,
			Delim:   '/',
		}
		if mb.SpecialUse != storage.SpecialUseNone {
			data.Attrs = append(data.Attrs, imap.MailboxAttr(mb.SpecialUse))
		}
		if subscribedOnly {
			data.Attrs = append(data.Attrs, imap.MailboxAttrSubscribed)
		}
		if options != nil && options.ReturnStatus != nil {
			status, err := s.statusData(ctx, mb, options.ReturnStatus)
			if err != nil {
				return err
			}
			data.Status = status
		}

		if err := w.WriteList(data); err != nil {
			return err
		}
	}
	return nil
}

// Status reports mailbox counters. A STATUS on the currently selected
// mailbox is answered from storage rather than rejected.
func (s *Session) Status(name string, options *imap.StatusOptions) (*imap.StatusData, error) {
	if err := s.ensureAuthenticated(); err != nil {
		return nil, err
	}
	ctx := context.Background()

	mb, err := s.server.store.FindMailbox(ctx, s.user.ID, name)
	if err != nil {
		return nil, mapStorageErr(err)
	}
	return s.statusData(ctx, mb, options)
}

func (s *Session) statusData(ctx context.Context, mb *storage.Mailbox, options *imap.StatusOptions) (*imap.StatusData, error) {
	data := &imap.StatusData{
		Mailbox:     mb.Path,
		UIDNext:     imap.UID(mb.UIDNext),
		UIDValidity: mb.UIDValidity,
	}
	if options == nil {
		return data, nil
	}
	if options.NumMessages {
		n, err := s.server.store.CountMessages(ctx, &storage.MessageQuery{MailboxID: mb.ID})
		if err != nil {
			return nil, mapStorageErr(err)
		}
		num := uint32(n)
		data.NumMessages = &num
	}
	if options.NumUnseen {
		n, err := s.server.store.CountMessages(ctx, &storage.MessageQuery{
			MailboxID: mb.ID,
			Where:     storage.FlagBool{Name: "seen", Value: false},
		})
		if err != nil {
			return nil, mapStorageErr(err)
		}
		num := uint32(n)
		data.NumUnseen = &num
	}
	if options.NumDeleted {
		n, err := s.server.store.CountMessages(ctx, &storage.MessageQuery{
			MailboxID: mb.ID,
			Where:     storage.FlagBool{Name: "deleted", Value: true},
		})
		if err != nil {
			return nil, mapStorageErr(err)
		}
		num := uint32(n)
		data.NumDeleted = &num
	}
	if options.Size {
		size, err := s.server.store.AggregateSize(ctx, mb.ID)
		if err != nil {
			return nil, mapStorageErr(err)
		}
		data.Size = &size
	}
	if options.HighestModSeq {
		data.HighestModSeq = mb.ModifyIndex
	}
	return data, nil
}

// Append inserts a literal into the named mailbox.
func (s *Session) Append(mailbox string, r imap.LiteralReader, options *imap.AppendOptions) (*imap.AppendData, error) {
	if err := s.ensureAuthenticated(); err != nil {
		return nil, err
	}
	ctx := context.Background()

	metrics.Commands.WithLabelValues("append").Inc()
	if max := s.server.maxMessage; max > 0 && r.Size() > max {
		return nil, &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Text: "Message exceeds maximum size",
		}
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read literal: %w", err)
	}

	var flags []string
	var internalDate time.Time
	if options != nil {
		flags = storedFlags(options.Flags)
		internalDate = options.Time
	}

	uid, uidValidity, err := s.server.handler.Add(ctx, s.user.ID, mailbox, flags, internalDate, raw, message.Meta{
		Source:    storage.SourceIMAP,
		Recipient: s.user.Username,
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil, &imap.Error{
				Type: imap.StatusResponseTypeNo,
				Code: imap.ResponseCodeTryCreate,
				Text: "Mailbox does not exist",
			}
		case errors.Is(err, message.ErrOverQuota):
			return nil, &imap.Error{
				Type: imap.StatusResponseTypeNo,
				Code: imap.ResponseCodeOverQuota,
				Text: "Storage quota exceeded",
			}
		default:
			s.logger.ErrorContext(ctx, "append failed", err, "mailbox", mailbox)
			return nil, mapStorageErr(err)
		}
	}

	return &imap.AppendData{
		UID:         imap.UID(uid),
		UIDValidity: uidValidity,
	}, nil
}

// Poll flushes pending notifications between a command's untagged
// responses and its tagged completion.
func (s *Session) Poll(w *imapserver.UpdateWriter, allowExpunge bool) error {
	if s.selected == nil {
		return nil
	}
	ctx := context.Background()
	return s.selected.drain(ctx, s.server.store, w, s.id, allowExpunge)
}

// Idle blocks until DONE, draining the journal whenever the notifier
// fires the selected mailbox.
func (s *Session) Idle(w *imapserver.UpdateWriter, stop <-chan struct{}) error {
	if s.selected == nil || s.selected.sub == nil {
		<-stop
		return nil
	}
	ctx := context.Background()

	for {
		select {
		case <-stop:
			return nil
		case <-s.selected.sub.Wake():
			if err := s.selected.drain(ctx, s.server.store, w, s.id, true); err != nil {
				return err
			}
		}
	}
}

// Store applies a flag mutation to the matched messages. UNCHANGEDSINCE
// partitions the set: rows whose modseq moved past the client's cursor
// are reported in MODIFIED and left untouched.
func (s *Session) Store(w *imapserver.FetchWriter, numSet imap.NumSet, flags *imap.StoreFlags, options *imap.StoreOptions) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	metrics.Commands.WithLabelValues("store").Inc()
	ctx := context.Background()
	st := s.selected

	uids := st.resolveNumSet(numSet)
	if len(uids) == 0 {
		return nil
	}
	ranges := make(storage.UIDIn, len(uids))
	for i, uid := range uids {
		ranges[i] = storage.NumRange{Start: uid, Stop: uid}
	}

	cursor, err := s.server.store.FindMessages(ctx, &storage.MessageQuery{
		MailboxID:    st.mailbox.ID,
		Where:        ranges,
		MetadataOnly: true,
	})
	if err != nil {
		return mapStorageErr(err)
	}
	defer cursor.Close()

	unchangedSince := uint64(0)
	if options != nil {
		unchangedSince = options.UnchangedSince
	}

	var (
		updates  []storage.FlagUpdate
		entries  []*storage.JournalEntry
		modified []imap.UID
		learned  []string
	)

	flush := func() error {
		if len(updates) == 0 {
			return nil
		}
		if err := s.server.store.BulkWrite(ctx, updates); err != nil {
			return mapStorageErr(err)
		}
		if err := s.server.notifier.AddEntries(ctx, entries); err != nil {
			return mapStorageErr(err)
		}
		s.server.notifier.Fire(s.user.ID, st.mailbox.Path)
		updates = updates[:0]
		entries = entries[:0]
		return nil
	}

	for {
		msg, err := cursor.Next()
		if err != nil {
			return mapStorageErr(err)
		}
		if msg == nil {
			break
		}

		if unchangedSince > 0 && msg.ModSeq > unchangedSince {
			modified = append(modified, imap.UID(msg.UID))
			continue
		}

		newFlags, changed := applyStoreFlags(msg.Flags, flags)
		if !changed {
			continue
		}

		modseq, err := s.server.store.NextModSeq(ctx, st.mailbox.ID)
		if err != nil {
			return mapStorageErr(err)
		}

		msg.Flags = newFlags
		msg.SyncFlagBools()
		msg.ModSeq = modseq

		updates = append(updates, storage.FlagUpdate{
			MessageID: msg.ID,
			Flags:     msg.Flags,
			Seen:      msg.Seen,
			Flagged:   msg.Flagged,
			Deleted:   msg.Deleted,
			ModSeq:    modseq,
		})
		entries = append(entries, &storage.JournalEntry{
			MailboxID: st.mailbox.ID,
			Command:   storage.JournalFetch,
			UID:       msg.UID,
			MessageID: msg.ID,
			Flags:     msg.Flags,
			Ignore:    s.id,
			ModSeq:    modseq,
		})

		if flags.Op != imap.StoreFlagsDel {
			for _, f := range newFlags {
				if !strings.HasPrefix(f, `\`) && !storage.ContainsFlag(learned, f) {
					learned = append(learned, f)
				}
			}
		}

		if !flags.Silent {
			mw := w.CreateMessage(st.seqOf(msg.UID))
			mw.WriteUID(imap.UID(msg.UID))
			mw.WriteFlags(imapFlags(msg.Flags))
			if unchangedSince > 0 {
				mw.WriteModSeq(modseq)
			}
			if err := mw.Close(); err != nil {
				return err
			}
		}

		if len(updates) >= bulkThreshold {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	if err := flush(); err != nil {
		return err
	}

	// Mailbox-flag learning: newly seen keywords widen the mailbox flag
	// list, capped storage-side.
	if len(learned) > 0 {
		if err := s.server.store.AddMailboxFlags(ctx, st.mailbox.ID, learned); err != nil {
			s.logger.WarnContext(ctx, "flag learning failed", "error", err.Error())
		}
	}

	if len(modified) > 0 {
		return &imap.Error{
			Type: imap.StatusResponseTypeNo,
			Code: "MODIFIED",
			Text: fmt.Sprintf("Conflict detected, modified UIDs: %s", imap.UIDSetNum(modified...).String()),
		}
	}
	return nil
}

// applyStoreFlags computes the new flag set for one message. Membership
// checks are case-insensitive while the stored spelling is preserved.
func applyStoreFlags(current []string, op *imap.StoreFlags) ([]string, bool) {
	requested := storedFlags(op.Flags)

	switch op.Op {
	case imap.StoreFlagsSet:
		if flagSetsEqual(current, requested) {
			return current, false
		}
		return append([]string{}, requested...), true

	case imap.StoreFlagsAdd:
		out := append([]string{}, current...)
		changed := false
		for _, f := range requested {
			if !storage.ContainsFlag(out, f) {
				out = append(out, f)
				changed = true
			}
		}
		return out, changed

	case imap.StoreFlagsDel:
		out := current[:0:0]
		changed := false
		for _, f := range current {
			if storage.ContainsFlag(requested, f) {
				changed = true
				continue
			}
			out = append(out, f)
		}
		return out, changed
	}
	return current, false
}

func flagSetsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for _, f := range a {
		if !storage.ContainsFlag(b, f) {
			return false
		}
	}
	return true
}

// Expunge removes \Deleted messages, streaming one EXPUNGE per removal.
// Messages are removed highest UID first, so each emitted MSN is also the
// message's pre-expunge MSN and the emitted MSNs strictly decrease.
func (s *Session) Expunge(w *imapserver.ExpungeWriter, uids *imap.UIDSet) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	metrics.Commands.WithLabelValues("expunge").Inc()
	ctx := context.Background()
	st := s.selected

	cond := storage.And{storage.FlagBool{Name: "deleted", Value: true}}
	if uids != nil {
		var ranges storage.UIDIn
		for _, uid := range st.resolveNumSet(*uids) {
			ranges = append(ranges, storage.NumRange{Start: uid, Stop: uid})
		}
		cond = append(cond, ranges)
	}

	cursor, err := s.server.store.FindMessages(ctx, &storage.MessageQuery{
		MailboxID:    st.mailbox.ID,
		Where:        cond,
		MetadataOnly: true,
	})
	if err != nil {
		return mapStorageErr(err)
	}
	defer cursor.Close()

	var (
		deletedStorage int64
		entries        []*storage.JournalEntry
		sweep          []string
	)

	var doomed []*storage.Message
	for {
		msg, err := cursor.Next()
		if err != nil {
			return mapStorageErr(err)
		}
		if msg == nil {
			break
		}
		doomed = append(doomed, msg)
	}

	for i := len(doomed) - 1; i >= 0; i-- {
		msg := doomed[i]
		seq, ok := st.removeUID(msg.UID)
		if !ok {
			continue
		}
		if err := w.WriteExpunge(seq); err != nil {
			return err
		}

		if err := s.server.store.DeleteMessage(ctx, msg.ID); err != nil {
			return mapStorageErr(err)
		}
		deletedStorage += msg.Size

		refs, err := s.server.store.RemoveAttachmentRefs(ctx, msg.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "attachment ref removal failed", "uid", msg.UID, "error", err.Error())
		} else {
			sweep = append(sweep, refs...)
		}

		modseq, err := s.server.store.NextModSeq(ctx, st.mailbox.ID)
		if err != nil {
			return mapStorageErr(err)
		}
		entries = append(entries, &storage.JournalEntry{
			MailboxID: st.mailbox.ID,
			Command:   storage.JournalExpunge,
			UID:       msg.UID,
			MessageID: msg.ID,
			Ignore:    s.id,
			ModSeq:    modseq,
		})
	}

	if deletedStorage > 0 {
		if err := s.server.store.AdjustStorageUsed(ctx, s.user.ID, -deletedStorage); err != nil {
			return mapStorageErr(err)
		}
	}

	s.sweepBlobs(ctx, sweep)

	if err := s.server.notifier.AddEntries(ctx, entries); err != nil {
		return mapStorageErr(err)
	}
	s.server.notifier.Fire(s.user.ID, st.mailbox.Path)
	return nil
}

// sweepBlobs deletes attachment blobs whose reference multiset drained.
// Best-effort: a failed sweep is retried when the blob next loses a
// reference.
func (s *Session) sweepBlobs(ctx context.Context, ids []string) {
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		removed, err := s.server.store.SweepAttachment(ctx, id)
		if err != nil {
			s.logger.WarnContext(ctx, "attachment sweep failed", "blob_id", id, "error", err.Error())
			continue
		}
		if !removed {
			continue
		}
		if err := s.server.blobs.Remove(id); err != nil {
			s.logger.WarnContext(ctx, "blob unlink failed", "blob_id", id, "error", err.Error())
			continue
		}
		metrics.BlobsSwept.Inc()
	}
}

// Copy duplicates messages into the destination mailbox, allocating
// destination UIDs one at a time so allocation stays monotone under
// concurrent writers.
func (s *Session) Copy(numSet imap.NumSet, dest string) (*imap.CopyData, error) {
	if err := s.ensureSelected(); err != nil {
		return nil, err
	}
	metrics.Commands.WithLabelValues("copy").Inc()
	ctx := context.Background()
	st := s.selected

	destMb, err := s.server.store.FindMailbox(ctx, s.user.ID, dest)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &imap.Error{
				Type: imap.StatusResponseTypeNo,
				Code: imap.ResponseCodeTryCreate,
				Text: "Destination mailbox does not exist",
			}
		}
		return nil, mapStorageErr(err)
	}

	uids := st.resolveNumSet(numSet)
	ranges := make(storage.UIDIn, len(uids))
	for i, uid := range uids {
		ranges[i] = storage.NumRange{Start: uid, Stop: uid}
	}

	cursor, err := s.server.store.FindMessages(ctx, &storage.MessageQuery{
		MailboxID:    st.mailbox.ID,
		Where:        ranges,
		MetadataOnly: true,
	})
	if err != nil {
		return nil, mapStorageErr(err)
	}
	defer cursor.Close()

	var (
		srcUIDs, destUIDs []imap.UID
		copiedSize        int64
		entries           []*storage.JournalEntry
	)

	for {
		msg, err := cursor.Next()
		if err != nil {
			return nil, mapStorageErr(err)
		}
		if msg == nil {
			break
		}

		newUID, err := s.server.store.FindAndIncrementUIDNext(ctx, destMb.ID, 1)
		if err != nil {
			return nil, mapStorageErr(err)
		}
		modseq, err := s.server.store.NextModSeq(ctx, destMb.ID)
		if err != nil {
			return nil, mapStorageErr(err)
		}

		newID, err := s.server.store.CopyMessage(ctx, msg.ID, destMb.ID, newUID, modseq, storage.SourceIMAPCopy)
		if err != nil {
			return nil, mapStorageErr(err)
		}

		refs, err := s.server.store.AttachmentRefs(ctx, msg.ID)
		if err != nil {
			return nil, mapStorageErr(err)
		}
		if err := s.server.store.AddAttachmentRefs(ctx, refs, newID); err != nil {
			return nil, mapStorageErr(err)
		}

		entries = append(entries, &storage.JournalEntry{
			MailboxID: destMb.ID,
			Command:   storage.JournalExists,
			UID:       newUID,
			MessageID: newID,
			ModSeq:    modseq,
		})

		srcUIDs = append(srcUIDs, imap.UID(msg.UID))
		destUIDs = append(destUIDs, imap.UID(newUID))
		copiedSize += msg.Size
	}

	if copiedSize > 0 {
		if err := s.server.store.AdjustStorageUsed(ctx, s.user.ID, copiedSize); err != nil {
			return nil, mapStorageErr(err)
		}
	}
	if err := s.server.notifier.AddEntries(ctx, entries); err != nil {
		return nil, mapStorageErr(err)
	}
	s.server.notifier.Fire(s.user.ID, destMb.Path)

	return &imap.CopyData{
		UIDValidity: destMb.UIDValidity,
		SourceUIDs:  imap.UIDSetNum(srcUIDs...),
		DestUIDs:    imap.UIDSetNum(destUIDs...),
	}, nil
}

// Move relocates messages, emitting COPYUID first, then one EXPUNGE per
// source UID in ascending order (RFC 6851).
func (s *Session) Move(w *imapserver.MoveWriter, numSet imap.NumSet, dest string) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	metrics.Commands.WithLabelValues("move").Inc()
	ctx := context.Background()
	st := s.selected

	uids := st.resolveNumSet(numSet)
	result, err := s.server.handler.Move(ctx, s.user.ID, st.mailbox.Path, dest, s.id, uids)
	if err != nil {
		switch {
		case errors.Is(err, message.ErrNoDestination):
			return &imap.Error{
				Type: imap.StatusResponseTypeNo,
				Code: imap.ResponseCodeTryCreate,
				Text: "Destination mailbox does not exist",
			}
		case errors.Is(err, message.ErrNoSource):
			return &imap.Error{
				Type: imap.StatusResponseTypeNo,
				Code: imap.ResponseCodeNonExistent,
				Text: "Mailbox does not exist",
			}
		default:
			return mapStorageErr(err)
		}
	}

	srcSet := make([]imap.UID, len(result.SourceUIDs))
	destSet := make([]imap.UID, len(result.DestUIDs))
	for i, uid := range result.SourceUIDs {
		srcSet[i] = imap.UID(uid)
	}
	for i, uid := range result.DestUIDs {
		destSet[i] = imap.UID(uid)
	}

	if err := w.WriteCopyData(&imap.CopyData{
		UIDValidity: result.UIDValidity,
		SourceUIDs:  imap.UIDSetNum(srcSet...),
		DestUIDs:    imap.UIDSetNum(destSet...),
	}); err != nil {
		return err
	}

	for _, uid := range result.SourceUIDs {
		seq, ok := st.removeUID(uid)
		if !ok {
			continue
		}
		if err := w.WriteExpunge(seq); err != nil {
			return err
		}
	}
	return nil
}

// Search compiles the criteria tree into a storage query and streams the
// matches.
func (s *Session) Search(kind imapserver.NumKind, criteria *imap.SearchCriteria, options *imap.SearchOptions) (*imap.SearchData, error) {
	if err := s.ensureSelected(); err != nil {
		return nil, err
	}
	metrics.Commands.WithLabelValues("search").Inc()
	ctx := context.Background()
	st := s.selected

	compiled := compileSearch(criteria, st)
	result, err := runSearch(ctx, s.server.store, st.mailbox.ID, compiled)
	if err != nil {
		return nil, mapStorageErr(err)
	}

	data := &imap.SearchData{
		UID:    kind == imapserver.NumKindUID,
		Count:  uint32(len(result.uids)),
		ModSeq: result.highestModSeq,
	}

	if kind == imapserver.NumKindUID {
		set := make([]imap.UID, len(result.uids))
		for i, uid := range result.uids {
			set[i] = imap.UID(uid)
		}
		data.All = imap.UIDSetNum(set...)
		if len(result.uids) > 0 {
			data.Min = uint32(result.uids[0])
			data.Max = uint32(result.uids[len(result.uids)-1])
		}
		return data, nil
	}

	var seqs []uint32
	for _, uid := range result.uids {
		if seq := st.seqOf(uid); seq != 0 {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	data.All = imap.SeqSetNum(seqs...)
	if len(seqs) > 0 {
		data.Min = seqs[0]
		data.Max = seqs[len(seqs)-1]
	}
	return data, nil
}

// Namespace reports the single personal namespace.
func (s *Session) Namespace() (*imap.NamespaceData, error) {
	if err := s.ensureAuthenticated(); err != nil {
		return nil, err
	}
	return &imap.NamespaceData{
		Personal: []imap.NamespaceDescriptor{{Prefix: "", Delim: '/'}},
	}, nil
}
