// Package message owns message insertion and cross-mailbox moves: quota
// accounting, UID and modseq allocation, blob linkage, and the journal
// entries that fan the change out to other sessions.
package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pelicanmail/pelican/internal/blob"
	"github.com/pelicanmail/pelican/internal/index"
	"github.com/pelicanmail/pelican/internal/logging"
	"github.com/pelicanmail/pelican/internal/metrics"
	"github.com/pelicanmail/pelican/internal/notify"
	"github.com/pelicanmail/pelican/internal/storage"
)

var (
	// ErrOverQuota is returned when an insert would exceed the user's
	// quota.
	ErrOverQuota = errors.New("message: storage quota exceeded")
	// ErrNoDestination is returned by Move when the destination mailbox
	// does not exist. Maps to TRYCREATE on the wire.
	ErrNoDestination = errors.New("message: destination mailbox does not exist")
	// ErrNoSource is returned by Move when the source mailbox does not
	// exist. Maps to NONEXISTENT on the wire.
	ErrNoSource = errors.New("message: source mailbox does not exist")
)

// Meta carries provenance for an inserted message.
type Meta struct {
	Source    string // IMAP, SMTP, ...
	Recipient string
}

// Handler inserts and moves messages.
type Handler struct {
	store    storage.Store
	blobs    *blob.Store
	indexer  *index.Indexer
	notifier *notify.Notifier
	logger   *logging.Logger

	// MaxStorage is the fallback quota for users with none.
	maxStorage int64
}

// NewHandler wires the message handler to its collaborators.
func NewHandler(store storage.Store, blobs *blob.Store, indexer *index.Indexer, notifier *notify.Notifier, maxStorage int64, logger *logging.Logger) *Handler {
	return &Handler{
		store:      store,
		blobs:      blobs,
		indexer:    indexer,
		notifier:   notifier,
		logger:     logger.Storage(),
		maxStorage: maxStorage,
	}
}

// Add inserts a raw message into the user's mailbox at path. Returns the
// assigned UID and the mailbox UIDVALIDITY.
func (h *Handler) Add(ctx context.Context, userID int64, path string, flags []string, internalDate time.Time, raw []byte, meta Meta) (uint32, uint32, error) {
	mb, err := h.store.FindMailbox(ctx, userID, path)
	if err != nil {
		return 0, 0, err
	}

	user, err := h.store.FindUserByID(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	quota := user.Quota
	if quota == 0 {
		quota = h.maxStorage
	}
	size := int64(len(raw))
	if quota > 0 && user.StorageUsed+size > quota {
		metrics.QuotaExceeded.Inc()
		return 0, 0, ErrOverQuota
	}

	parsed, err := h.indexer.Parse(raw)
	if err != nil {
		return 0, 0, fmt.Errorf("message parse failed: %w", err)
	}

	rawID, err := h.blobs.Put(raw)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to store message body: %w", err)
	}
	blobIDs := []string{rawID}
	if err := h.store.UpsertAttachment(ctx, rawID, size); err != nil {
		return 0, 0, err
	}
	for _, att := range parsed.Attachments {
		id, err := h.blobs.Put(att.Content)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to store attachment: %w", err)
		}
		if err := h.store.UpsertAttachment(ctx, id, int64(len(att.Content))); err != nil {
			return 0, 0, err
		}
		blobIDs = append(blobIDs, id)
	}

	if internalDate.IsZero() {
		internalDate = time.Now()
	}
	headerDate := parsed.HeaderDate
	if headerDate.IsZero() {
		headerDate = internalDate
	}

	uid, err := h.store.FindAndIncrementUIDNext(ctx, mb.ID, 1)
	if err != nil {
		return 0, 0, err
	}
	modseq, err := h.store.NextModSeq(ctx, mb.ID)
	if err != nil {
		return 0, 0, err
	}

	if meta.Source == "" {
		meta.Source = storage.SourceIMAP
	}
	msg := &storage.Message{
		MailboxID:     mb.ID,
		UID:           uid,
		ModSeq:        modseq,
		InternalDate:  internalDate,
		HeaderDate:    headerDate,
		Flags:         flags,
		Size:          size,
		BlobID:        rawID,
		Envelope:      mustJSON(parsed.Envelope),
		BodyStructure: mustJSON(parsed.Structure),
		MIMETree:      mustJSON(parsed.Structure),
		Headers:       parsed.Headers,
		RenderedText:  parsed.RenderedText,
		Source:        meta.Source,
		Recipient:     meta.Recipient,
		IngestedAt:    time.Now(),
	}
	msg.SyncFlagBools()
	if err := h.store.InsertMessage(ctx, msg); err != nil {
		return 0, 0, err
	}

	if err := h.store.AddAttachmentRefs(ctx, blobIDs, msg.ID); err != nil {
		return 0, 0, err
	}
	if err := h.store.AdjustStorageUsed(ctx, userID, size); err != nil {
		return 0, 0, err
	}

	entry := &storage.JournalEntry{
		MailboxID: mb.ID,
		Command:   storage.JournalExists,
		UID:       uid,
		MessageID: msg.ID,
		ModSeq:    modseq,
	}
	if err := h.notifier.AddEntries(ctx, []*storage.JournalEntry{entry}); err != nil {
		return 0, 0, err
	}
	h.notifier.Fire(userID, mb.Path)

	return uid, mb.UIDValidity, nil
}

// MoveResult reports the UID mapping of a completed move.
type MoveResult struct {
	SourceUIDs  []uint32
	DestUIDs    []uint32
	UIDValidity uint32 // destination mailbox
}

// Move relocates the given source UIDs into the destination mailbox.
// Each message keeps its document but gets a fresh destination UID and
// modseq; quota is unchanged. Journal entries for both sides are
// persisted before return so the tagged OK never races the fan-out.
func (h *Handler) Move(ctx context.Context, userID int64, sourcePath, destPath, sessionID string, uids []uint32) (*MoveResult, error) {
	src, err := h.store.FindMailbox(ctx, userID, sourcePath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoSource
		}
		return nil, err
	}
	dest, err := h.store.FindMailbox(ctx, userID, destPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoDestination
		}
		return nil, err
	}

	ranges := make(storage.UIDIn, len(uids))
	for i, uid := range uids {
		ranges[i] = storage.NumRange{Start: uid, Stop: uid}
	}
	cursor, err := h.store.FindMessages(ctx, &storage.MessageQuery{
		MailboxID:    src.ID,
		Where:        ranges,
		MetadataOnly: true,
	})
	if err != nil {
		return nil, err
	}
	// Materialize before writing: the rewrites below must not run under
	// an open cursor.
	var msgs []*storage.Message
	for {
		msg, err := cursor.Next()
		if err != nil {
			cursor.Close()
			return nil, err
		}
		if msg == nil {
			break
		}
		msgs = append(msgs, msg)
	}
	if err := cursor.Close(); err != nil {
		return nil, err
	}

	result := &MoveResult{UIDValidity: dest.UIDValidity}
	var entries []*storage.JournalEntry

	// One UID at a time so allocation stays monotone under concurrent
	// writers to the destination.
	for _, msg := range msgs {
		newUID, err := h.store.FindAndIncrementUIDNext(ctx, dest.ID, 1)
		if err != nil {
			return nil, err
		}
		srcModSeq, err := h.store.NextModSeq(ctx, src.ID)
		if err != nil {
			return nil, err
		}
		destModSeq, err := h.store.NextModSeq(ctx, dest.ID)
		if err != nil {
			return nil, err
		}

		if err := h.store.MoveMessage(ctx, msg.ID, dest.ID, newUID, destModSeq, storage.SourceIMAPMove); err != nil {
			return nil, err
		}

		entries = append(entries,
			&storage.JournalEntry{
				MailboxID: src.ID,
				Command:   storage.JournalExpunge,
				UID:       msg.UID,
				MessageID: msg.ID,
				Ignore:    sessionID,
				ModSeq:    srcModSeq,
			},
			&storage.JournalEntry{
				MailboxID: dest.ID,
				Command:   storage.JournalExists,
				UID:       newUID,
				MessageID: msg.ID,
				ModSeq:    destModSeq,
			},
		)

		result.SourceUIDs = append(result.SourceUIDs, msg.UID)
		result.DestUIDs = append(result.DestUIDs, newUID)
	}

	if err := h.notifier.AddEntries(ctx, entries); err != nil {
		return nil, err
	}
	h.notifier.Fire(userID, src.Path)
	h.notifier.Fire(userID, dest.Path)

	return result, nil
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
