package imap

import (
	"context"
	"mime"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/pelicanmail/pelican/internal/storage"
	"golang.org/x/text/cases"
)

// compiledSearch is the storage query produced from a SEARCH criteria
// tree plus whatever could not be expressed storage-side.
type compiledSearch struct {
	cond storage.Cond

	// nothing short-circuits to an empty result: set when a criterion is
	// provably unsatisfiable at the index, e.g. negated full-text.
	nothing bool

	// residual is the in-process filter applied to every cursor row.
	// Nil when the whole tree lowered to storage conditions.
	residual []func(*storage.Message) bool
}

// searchResult is the outcome of a completed search.
type searchResult struct {
	uids          []uint32 // ascending
	highestModSeq uint64   // max modseq over matches
}

var foldCaser = cases.Fold()

// foldValue normalizes a search needle: MIME-encoded words are decoded,
// then the result is Unicode case-folded. Stored header octets get the
// same treatment in the residual filter so encoded headers match their
// decoded form.
func foldValue(s string) string {
	dec := new(mime.WordDecoder)
	if decoded, err := dec.DecodeHeader(s); err == nil {
		s = decoded
	}
	return foldCaser.String(s)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// compileSearch lowers a parsed SEARCH criteria tree onto the message
// query algebra. sel resolves sequence numbers; it may be nil when the
// criteria contain none.
func compileSearch(criteria *imap.SearchCriteria, sel *selectedState) *compiledSearch {
	c := &compiledSearch{}
	if criteria == nil {
		c.cond = storage.And{}
		return c
	}
	c.cond = c.compile(criteria, sel, false)
	return c
}

// compile walks one criteria node. ne is true under an odd number of
// NOTs; terms that cannot be negated at the index set nothing.
func (c *compiledSearch) compile(cr *imap.SearchCriteria, sel *selectedState, ne bool) storage.Cond {
	var and storage.And

	if len(cr.SeqNum) > 0 && sel != nil {
		var ranges storage.UIDIn
		for _, set := range cr.SeqNum {
			for _, uid := range sel.resolveNumSet(set) {
				ranges = append(ranges, storage.NumRange{Start: uid, Stop: uid})
			}
		}
		and = append(and, negate(ranges, ne))
	}

	for _, set := range cr.UID {
		var ranges storage.UIDIn
		for _, r := range set {
			stop := uint32(r.Stop)
			if stop == 0 {
				// "*" parses as an open range; it is bounded by the
				// whole 32-bit UID space, not by the view's highest UID.
				stop = ^uint32(0)
			}
			ranges = append(ranges, storage.NumRange{Start: uint32(r.Start), Stop: stop})
		}
		// An empty set short-circuits to an empty result.
		if len(ranges) == 0 && !ne {
			c.nothing = true
		}
		and = append(and, negate(ranges, ne))
	}

	if !cr.Since.IsZero() {
		and = append(and, negate(storage.DateCmp{Field: "internaldate", Op: ">=", Value: cr.Since}, ne))
	}
	if !cr.Before.IsZero() {
		and = append(and, negate(storage.DateCmp{Field: "internaldate", Op: "<", Value: cr.Before}, ne))
	}
	if !cr.SentSince.IsZero() {
		and = append(and, negate(storage.DateCmp{Field: "headerdate", Op: ">=", Value: cr.SentSince}, ne))
	}
	if !cr.SentBefore.IsZero() {
		and = append(and, negate(storage.DateCmp{Field: "headerdate", Op: "<", Value: cr.SentBefore}, ne))
	}

	for _, h := range cr.Header {
		key := strings.ToLower(h.Key)
		value := foldValue(h.Value)
		if h.Value != "" && !isASCII(h.Value+value) {
			// Non-ASCII needles are matched in-process on the decoded,
			// folded header; storage only prefilters on key presence
			// because the stored octets may be MIME-encoded. A negated
			// term also matches messages without the header, so no
			// prefilter applies there.
			if !ne {
				and = append(and, storage.HeaderMatch{Key: key})
			}
			c.residual = append(c.residual, headerResidual(key, value, ne))
			continue
		}
		and = append(and, negate(storage.HeaderMatch{Key: key, Value: value}, ne))
	}

	for _, needle := range cr.Body {
		if ne {
			// Full-text cannot be negated at the index.
			c.nothing = true
			continue
		}
		and = append(and, storage.TextMatch{Needle: needle})
	}
	for _, needle := range cr.Text {
		if ne {
			c.nothing = true
			continue
		}
		and = append(and, storage.TextMatch{Needle: needle, Headers: true})
	}

	for _, f := range cr.Flag {
		and = append(and, flagCond(string(f), !ne))
	}
	for _, f := range cr.NotFlag {
		and = append(and, flagCond(string(f), ne))
	}

	if cr.Larger > 0 {
		and = append(and, negate(storage.SizeCmp{Op: ">", Value: cr.Larger}, ne))
	}
	if cr.Smaller > 0 {
		and = append(and, negate(storage.SizeCmp{Op: "<", Value: cr.Smaller}, ne))
	}

	if cr.ModSeq != nil {
		and = append(and, negate(storage.ModSeqAtLeast{Value: cr.ModSeq.ModSeq}, ne))
	}

	for i := range cr.Not {
		and = append(and, c.compile(&cr.Not[i], sel, !ne))
	}
	for i := range cr.Or {
		// Each branch compiles on its own, unnegated; a NOT above the OR
		// wraps the finished disjunction.
		or := storage.Or{
			c.compile(&cr.Or[i][0], sel, false),
			c.compile(&cr.Or[i][1], sel, false),
		}
		and = append(and, negate(or, ne))
	}

	return and
}

func negate(cond storage.Cond, ne bool) storage.Cond {
	if ne {
		return storage.Not{C: cond}
	}
	return cond
}

// flagCond matches flag membership. The three system flags with
// denormalized booleans consult those columns.
func flagCond(flag string, want bool) storage.Cond {
	switch {
	case storage.EqualFlags(flag, storage.FlagSeen):
		return storage.FlagBool{Name: "seen", Value: want}
	case storage.EqualFlags(flag, storage.FlagFlagged):
		return storage.FlagBool{Name: "flagged", Value: want}
	case storage.EqualFlags(flag, storage.FlagDeleted):
		return storage.FlagBool{Name: "deleted", Value: want}
	default:
		if want {
			return storage.FlagHas{Flag: flag}
		}
		return storage.Not{C: storage.FlagHas{Flag: flag}}
	}
}

// headerResidual matches the decoded, folded header value in-process.
func headerResidual(key, foldedValue string, ne bool) func(*storage.Message) bool {
	return func(m *storage.Message) bool {
		matched := false
		for _, h := range m.Headers {
			if h.Key != key {
				continue
			}
			if strings.Contains(foldValue(h.Value), foldedValue) {
				matched = true
				break
			}
		}
		return matched != ne
	}
}

// runSearch executes a compiled search over one mailbox and collects the
// ascending UID list plus the highest modseq over the matches.
func runSearch(ctx context.Context, store storage.Store, mailboxID int64, cs *compiledSearch) (*searchResult, error) {
	result := &searchResult{}
	if cs.nothing {
		return result, nil
	}

	cursor, err := store.FindMessages(ctx, &storage.MessageQuery{
		MailboxID:    mailboxID,
		Where:        cs.cond,
		MetadataOnly: true,
	})
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	for {
		msg, err := cursor.Next()
		if err != nil {
			return nil, err
		}
		if msg == nil {
			break
		}
		keep := true
		for _, f := range cs.residual {
			if !f(msg) {
				keep = false
				break
			}
		}
		if !keep {
			continue
		}
		result.uids = append(result.uids, msg.UID)
		if msg.ModSeq > result.highestModSeq {
			result.highestModSeq = msg.ModSeq
		}
	}
	return result, nil
}
