package imap

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/pelicanmail/pelican/internal/index"
	"github.com/pelicanmail/pelican/internal/metrics"
	"github.com/pelicanmail/pelican/internal/storage"
)

// Fetch streams message data. Body sections are rendered from the raw
// blob through the indexer; a stream error is fatal to the connection
// because a torn literal would desync the client.
func (s *Session) Fetch(w *imapserver.FetchWriter, numSet imap.NumSet, options *imap.FetchOptions) error {
	if err := s.ensureSelected(); err != nil {
		return err
	}
	metrics.Commands.WithLabelValues("fetch").Inc()
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

	cond := storage.And{ranges}
	if options.ChangedSince > 0 {
		cond = append(cond, storage.ModSeqAtLeast{Value: options.ChangedSince + 1})
	}

	// mimeTree stays unprojected unless the fetch asks for body content.
	metadataOnly := len(options.BodySection) == 0 && len(options.BinarySection) == 0

	cursor, err := s.server.store.FindMessages(ctx, &storage.MessageQuery{
		MailboxID:    st.mailbox.ID,
		Where:        cond,
		MetadataOnly: metadataOnly,
	})
	if err != nil {
		return mapStorageErr(err)
	}
	defer cursor.Close()

	// A non-peek body fetch implies \Seen. The write is deferred and
	// batched; other sessions learn about it from the journal while this
	// session already rendered the new flag set.
	markAsSeen := false
	for _, section := range options.BodySection {
		if !section.Peek {
			markAsSeen = true
			break
		}
	}

	var (
		updates []storage.FlagUpdate
		entries []*storage.JournalEntry
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

		if markAsSeen && !st.readOnly && !msg.HasFlag(storage.FlagSeen) {
			modseq, err := s.server.store.NextModSeq(ctx, st.mailbox.ID)
			if err != nil {
				return mapStorageErr(err)
			}
			msg.Flags = append([]string{storage.FlagSeen}, msg.Flags...)
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
			if len(updates) >= bulkThreshold {
				if err := flush(); err != nil {
					return err
				}
			}
		}

		if err := s.renderFetch(w, msg, options); err != nil {
			return err
		}
	}

	return flush()
}

func (s *Session) renderFetch(w *imapserver.FetchWriter, msg *storage.Message, options *imap.FetchOptions) error {
	seq := s.selected.seqOf(msg.UID)
	if seq == 0 {
		return nil
	}

	mw := w.CreateMessage(seq)
	mw.WriteUID(imap.UID(msg.UID))

	if options.Flags {
		mw.WriteFlags(imapFlags(msg.Flags))
	}
	if options.InternalDate {
		mw.WriteInternalDate(msg.InternalDate)
	}
	if options.RFC822Size {
		mw.WriteRFC822Size(msg.Size)
	}
	if options.ModSeq || options.ChangedSince > 0 {
		mw.WriteModSeq(msg.ModSeq)
	}
	if options.Envelope {
		env, err := index.DecodeEnvelope(msg.Envelope)
		if err != nil {
			return fmt.Errorf("uid %d: %w", msg.UID, err)
		}
		mw.WriteEnvelope(env.IMAP())
	}
	if options.BodyStructure != nil {
		part, err := index.DecodePart(msg.BodyStructure)
		if err != nil {
			return fmt.Errorf("uid %d: %w", msg.UID, err)
		}
		if part != nil {
			mw.WriteBodyStructure(part.IMAP())
		}
	}

	if len(options.BodySection) > 0 {
		raw, err := s.server.blobs.Get(msg.BlobID)
		if err != nil {
			return fmt.Errorf("uid %d: message body unavailable: %w", msg.UID, err)
		}
		for _, section := range options.BodySection {
			data, err := s.server.indexer.Section(raw, section)
			if err != nil {
				return fmt.Errorf("uid %d: %w", msg.UID, err)
			}
			sw := mw.WriteBodySection(section, int64(len(data)))
			if _, err := sw.Write(data); err != nil {
				sw.Close()
				return err
			}
			if err := sw.Close(); err != nil {
				return err
			}
		}
	}

	return mw.Close()
}
