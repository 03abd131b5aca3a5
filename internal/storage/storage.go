// Package storage defines the typed gateway over the metadata store:
// users, mailboxes, messages, the notification journal, and attachment
// reference bookkeeping.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a user, mailbox, or message does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyExists is returned when a unique constraint would be violated.
	ErrAlreadyExists = errors.New("storage: already exists")
)

// System flags as they appear in message flag sets.
const (
	FlagSeen     = `\Seen`
	FlagAnswered = `\Answered`
	FlagFlagged  = `\Flagged`
	FlagDeleted  = `\Deleted`
	FlagDraft    = `\Draft`
)

// SpecialUse is a mailbox role attribute.
type SpecialUse string

const (
	SpecialUseNone    SpecialUse = ""
	SpecialUseDrafts  SpecialUse = `\Drafts`
	SpecialUseSent    SpecialUse = `\Sent`
	SpecialUseTrash   SpecialUse = `\Trash`
	SpecialUseJunk    SpecialUse = `\Junk`
	SpecialUseArchive SpecialUse = `\Archive`
)

// MaxMailboxFlags caps the number of learned keywords per mailbox.
const MaxMailboxFlags = 100

// User is an account principal with quota accounting.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Quota        int64 // bytes, 0 = unlimited
	StorageUsed  int64 // clamped >= 0 on read
	CreatedAt    time.Time
}

// Mailbox is a per-user folder. (UserID, Path) is unique.
type Mailbox struct {
	ID          int64
	UserID      int64
	Path        string // case-sensitive, '/'-separated
	UIDValidity uint32
	UIDNext     uint32
	ModifyIndex uint64 // highest MODSEQ ever assigned in this mailbox
	Subscribed  bool
	Flags       []string // learned keywords, insertion order
	SpecialUse  SpecialUse
	CreatedAt   time.Time
}

// HeaderField is one parsed header line. Key is lowercased, Value keeps
// the original octets.
type HeaderField struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Message source tags recorded in meta.
const (
	SourceIMAP     = "IMAP"
	SourceIMAPCopy = "IMAPCOPY"
	SourceIMAPMove = "IMAPMOVE"
	SourceSMTP     = "SMTP"
)

// Message is the stored per-mailbox message document. (MailboxID, UID) is
// unique and UID < mailbox.UIDNext always holds.
type Message struct {
	ID           int64
	MailboxID    int64
	UID          uint32
	ModSeq       uint64
	InternalDate time.Time
	HeaderDate   time.Time // parsed Date: header, falls back to InternalDate
	Flags        []string
	Seen         bool // denormalized: \Seen in Flags
	Flagged      bool // denormalized: \Flagged in Flags
	Deleted      bool // denormalized: \Deleted in Flags
	Size         int64
	BlobID       string // content address of the raw message

	Envelope      json.RawMessage
	BodyStructure json.RawMessage
	MIMETree      json.RawMessage // projected only when body content is needed
	Headers       []HeaderField
	RenderedText  string // searchable text; written at insert, never projected back

	Source     string
	Recipient  string
	IngestedAt time.Time
}

// HasFlag reports flag membership. Comparison is case-insensitive; IMAP
// flags are atoms and clients vary in capitalization.
func (m *Message) HasFlag(flag string) bool {
	return ContainsFlag(m.Flags, flag)
}

// SyncFlagBools recomputes the denormalized booleans from Flags.
func (m *Message) SyncFlagBools() {
	m.Seen = ContainsFlag(m.Flags, FlagSeen)
	m.Flagged = ContainsFlag(m.Flags, FlagFlagged)
	m.Deleted = ContainsFlag(m.Flags, FlagDeleted)
}

// ContainsFlag reports case-insensitive membership of flag in flags.
func ContainsFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if EqualFlags(f, flag) {
			return true
		}
	}
	return false
}

// EqualFlags compares two flag atoms ASCII case-insensitively.
func EqualFlags(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// JournalCommand is the kind of change a journal entry records.
type JournalCommand string

const (
	JournalExists  JournalCommand = "EXISTS"
	JournalExpunge JournalCommand = "EXPUNGE"
	JournalFetch   JournalCommand = "FETCH"
)

// JournalEntry is an append-only change record scoped to a mailbox. The
// journal is authoritative for "what changed since MODSEQ X".
type JournalEntry struct {
	ID        int64
	MailboxID int64
	Command   JournalCommand
	UID       uint32
	MessageID int64    // optional
	Flags     []string // optional, new flag set for FETCH entries
	Ignore    string   // session id that produced the change
	ModSeq    uint64
	CreatedAt time.Time
}

// NumRange is an inclusive UID range.
type NumRange struct {
	Start, Stop uint32
}

// Contains reports whether uid falls in the range.
func (r NumRange) Contains(uid uint32) bool {
	return uid >= r.Start && uid <= r.Stop
}

// Condition algebra for message queries. The search compiler builds these
// trees; the SQLite gateway lowers them to SQL.

// Cond is a node in a message query condition tree.
type Cond interface{ isCond() }

// And matches when every child matches. An empty And matches everything.
type And []Cond

// Or matches when any child matches.
type Or []Cond

// Not negates its child.
type Not struct{ C Cond }

func (And) isCond() {}
func (Or) isCond()  {}
func (Not) isCond() {}

// UIDIn matches messages whose UID falls in any of the ranges. An empty
// set matches nothing.
type UIDIn []NumRange

// FlagBool matches one of the denormalized booleans: "seen", "flagged",
// "deleted".
type FlagBool struct {
	Name  string
	Value bool
}

// FlagHas matches membership of a keyword in the flag set.
type FlagHas struct{ Flag string }

// HeaderMatch is an element match over the headers array. An empty Value
// degenerates to key presence.
type HeaderMatch struct {
	Key   string // lowercased
	Value string // case-folded substring
}

// ModSeqAtLeast matches modseq >= Value.
type ModSeqAtLeast struct{ Value uint64 }

// DateCmp compares internaldate or headerdate. Op is one of
// "<", "<=", ">", ">=".
type DateCmp struct {
	Field string // "internaldate" or "headerdate"
	Op    string
	Value time.Time
}

// SizeCmp compares message size. Op is one of "<", ">", "=".
type SizeCmp struct {
	Op    string
	Value int64
}

// TextMatch is a storage-side full-text match over the rendered message
// text (and headers when Headers is set).
type TextMatch struct {
	Needle  string
	Headers bool
}

func (UIDIn) isCond()         {}
func (FlagBool) isCond()      {}
func (FlagHas) isCond()       {}
func (HeaderMatch) isCond()   {}
func (ModSeqAtLeast) isCond() {}
func (DateCmp) isCond()       {}
func (SizeCmp) isCond()       {}
func (TextMatch) isCond()     {}

// MessageQuery selects messages within one mailbox, always ordered by
// ascending UID.
type MessageQuery struct {
	MailboxID int64
	Where     Cond // nil selects the whole mailbox

	// MetadataOnly skips the mimeTree projection.
	MetadataOnly bool
	Limit        int
}

// FlagUpdate is one element of a bulk flag write.
type FlagUpdate struct {
	MessageID int64
	Flags     []string
	Seen      bool
	Flagged   bool
	Deleted   bool
	ModSeq    uint64
}

// MessageCursor streams query results one message at a time.
type MessageCursor interface {
	// Next returns the next message, or (nil, nil) at end of stream.
	Next() (*Message, error)
	Close() error
}

// Store is the gateway over the metadata database. Every operation either
// succeeds fully or reports an error; there are no partial document
// writes.
type Store interface {
	// Users.
	InsertUser(ctx context.Context, u *User) error
	FindUser(ctx context.Context, username string) (*User, error)
	FindUserByID(ctx context.Context, id int64) (*User, error)
	SetPassword(ctx context.Context, userID int64, hash string) error
	SetQuota(ctx context.Context, userID int64, quota int64) error
	// AdjustStorageUsed applies a signed delta to the user's usage
	// counter. Reads clamp at zero; writes do not.
	AdjustStorageUsed(ctx context.Context, userID int64, delta int64) error

	// Mailboxes.
	FindMailbox(ctx context.Context, userID int64, path string) (*Mailbox, error)
	FindMailboxByID(ctx context.Context, id int64) (*Mailbox, error)
	ListMailboxes(ctx context.Context, userID int64, subscribedOnly bool) ([]*Mailbox, error)
	InsertMailbox(ctx context.Context, mb *Mailbox) error
	UpdateMailbox(ctx context.Context, mb *Mailbox) error
	DeleteMailbox(ctx context.Context, id int64) error
	// AddMailboxFlags unions newly learned keywords into the mailbox
	// flag list, capped at MaxMailboxFlags.
	AddMailboxFlags(ctx context.Context, id int64, flags []string) error
	// FindAndIncrementUIDNext atomically advances uidNext by n and
	// returns the previous value: the first allocated UID. It is the
	// only UID allocator.
	FindAndIncrementUIDNext(ctx context.Context, mailboxID int64, n uint32) (uint32, error)
	// NextModSeq atomically advances the mailbox modifyIndex and
	// returns the new value.
	NextModSeq(ctx context.Context, mailboxID int64) (uint64, error)

	// Messages.
	InsertMessage(ctx context.Context, m *Message) error
	FindMessages(ctx context.Context, q *MessageQuery) (MessageCursor, error)
	CountMessages(ctx context.Context, q *MessageQuery) (int64, error)
	FirstUnseenSeq(ctx context.Context, mailboxID int64) (uint32, error)
	ListUIDs(ctx context.Context, mailboxID int64) ([]uint32, error)
	BulkWrite(ctx context.Context, updates []FlagUpdate) error
	DeleteMessage(ctx context.Context, id int64) error
	DeleteMessages(ctx context.Context, mailboxID int64) error
	// MoveMessage rewrites the message document in place onto a new
	// mailbox, UID and modseq.
	MoveMessage(ctx context.Context, id int64, destMailboxID int64, uid uint32, modseq uint64, source string) error
	// CopyMessage writes a copy of the message under a fresh id with the
	// given mailbox, UID, modseq and source tag, preserving everything
	// else. Returns the new message id.
	CopyMessage(ctx context.Context, id int64, destMailboxID int64, uid uint32, modseq uint64, source string) (int64, error)
	AggregateSize(ctx context.Context, mailboxID int64) (int64, error)

	// Journal.
	AppendJournal(ctx context.Context, entries []*JournalEntry) error
	JournalSince(ctx context.Context, mailboxID int64, afterModSeq uint64) ([]*JournalEntry, error)
	TrimJournal(ctx context.Context, mailboxID int64, belowModSeq uint64) error
	DeleteJournal(ctx context.Context, mailboxID int64) error

	// Attachment metadata. Blob content is content-addressed on disk;
	// the reference multiset lives here.
	UpsertAttachment(ctx context.Context, id string, size int64) error
	AddAttachmentRefs(ctx context.Context, blobIDs []string, messageID int64) error
	// AttachmentRefs lists the distinct blob ids referenced by messageID.
	AttachmentRefs(ctx context.Context, messageID int64) ([]string, error)
	// RemoveAttachmentRefs drops all refs held by messageID and returns
	// the distinct blob ids that lost references.
	RemoveAttachmentRefs(ctx context.Context, messageID int64) ([]string, error)
	// SweepAttachment deletes the attachment row only if its reference
	// multiset is empty, reporting whether it was removed.
	SweepAttachment(ctx context.Context, id string) (bool, error)
}
