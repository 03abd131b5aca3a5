// Package index parses raw RFC 5322 messages into the metadata the
// dispatcher stores and serves: envelope, body structure, header pairs,
// searchable text, attachment content, and FETCH BODY[...] sections.
package index

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/pelicanmail/pelican/internal/storage"
)

// Address is one envelope address.
type Address struct {
	Name    string `json:"name,omitempty"`
	Mailbox string `json:"mailbox"`
	Host    string `json:"host"`
}

// Envelope is the stored IMAP-shaped envelope.
type Envelope struct {
	Date      time.Time `json:"date,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	From      []Address `json:"from,omitempty"`
	Sender    []Address `json:"sender,omitempty"`
	ReplyTo   []Address `json:"replyTo,omitempty"`
	To        []Address `json:"to,omitempty"`
	Cc        []Address `json:"cc,omitempty"`
	Bcc       []Address `json:"bcc,omitempty"`
	InReplyTo string    `json:"inReplyTo,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
}

// Part is one node of the stored body structure / MIME tree.
type Part struct {
	Type        string            `json:"type"`
	Subtype     string            `json:"subtype"`
	Params      map[string]string `json:"params,omitempty"`
	ID          string            `json:"id,omitempty"`
	Description string            `json:"description,omitempty"`
	Encoding    string            `json:"encoding,omitempty"`
	Size        uint32            `json:"size"`
	Lines       int64             `json:"lines,omitempty"`
	Filename    string            `json:"filename,omitempty"`
	Children    []*Part           `json:"children,omitempty"`
}

// Attachment is an extracted attachment part destined for the blob store.
type Attachment struct {
	Filename  string
	MediaType string
	Content   []byte
}

// Parsed is everything the dispatcher stores about a message.
type Parsed struct {
	Envelope     *Envelope
	Structure    *Part
	Headers      []storage.HeaderField
	HeaderDate   time.Time // zero when no parsable Date: header
	RenderedText string
	Attachments  []Attachment
}

// Indexer parses and renders messages. It is stateless; a single value
// is shared by all sessions.
type Indexer struct{}

// New returns an Indexer.
func New() *Indexer {
	return &Indexer{}
}

// Parse builds the stored metadata for a raw message. Unknown charsets
// degrade to undecoded text instead of failing the ingest.
func (ix *Indexer) Parse(raw []byte) (*Parsed, error) {
	ent, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	p := &Parsed{}

	fields := ent.Header.Fields()
	for fields.Next() {
		p.Headers = append(p.Headers, storage.HeaderField{
			Key:   strings.ToLower(fields.Key()),
			Value: fields.Value(),
		})
	}

	mh := mail.Header{Header: ent.Header}
	env := &Envelope{}
	if d, err := mh.Date(); err == nil && !d.IsZero() {
		env.Date = d
		p.HeaderDate = d
	}
	if subject, err := mh.Subject(); err == nil {
		env.Subject = subject
	}
	env.From = addressList(&mh, "From")
	env.Sender = addressList(&mh, "Sender")
	env.ReplyTo = addressList(&mh, "Reply-To")
	env.To = addressList(&mh, "To")
	env.Cc = addressList(&mh, "Cc")
	env.Bcc = addressList(&mh, "Bcc")
	if id, err := mh.MessageID(); err == nil && id != "" {
		env.MessageID = "<" + id + ">"
	}
	if ids, err := mh.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		refs := make([]string, len(ids))
		for i, id := range ids {
			refs[i] = "<" + id + ">"
		}
		env.InReplyTo = strings.Join(refs, " ")
	}
	p.Envelope = env

	p.Structure = buildPart(ent)

	ix.renderContent(raw, p)

	return p, nil
}

// renderContent walks the message once more with the mail reader to
// collect inline text for search and attachment parts for blob storage.
func (ix *Indexer) renderContent(raw []byte, p *Parsed) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return
	}

	var text strings.Builder
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			break
		}
		if part == nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			t, _, _ := h.ContentType()
			if strings.HasPrefix(t, "text/") {
				body, err := io.ReadAll(part.Body)
				if err == nil {
					if text.Len() > 0 {
						text.WriteByte('\n')
					}
					text.Write(body)
				}
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			t, _, _ := h.ContentType()
			content, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			p.Attachments = append(p.Attachments, Attachment{
				Filename:  filename,
				MediaType: t,
				Content:   content,
			})
		}
	}
	p.RenderedText = text.String()
}

func addressList(h *mail.Header, key string) []Address {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		return nil
	}
	out := make([]Address, 0, len(list))
	for _, a := range list {
		addr := Address{Name: a.Name}
		if at := strings.LastIndex(a.Address, "@"); at >= 0 {
			addr.Mailbox = a.Address[:at]
			addr.Host = a.Address[at+1:]
		} else {
			addr.Mailbox = a.Address
		}
		out = append(out, addr)
	}
	return out
}

func buildPart(ent *message.Entity) *Part {
	mediaType, params, _ := ent.Header.ContentType()
	p := &Part{Params: params}
	if slash := strings.Index(mediaType, "/"); slash >= 0 {
		p.Type = mediaType[:slash]
		p.Subtype = mediaType[slash+1:]
	} else {
		p.Type = mediaType
	}
	p.ID = ent.Header.Get("Content-Id")
	p.Description = ent.Header.Get("Content-Description")
	p.Encoding = ent.Header.Get("Content-Transfer-Encoding")
	if p.Encoding == "" {
		p.Encoding = "7bit"
	}

	if mr := ent.MultipartReader(); mr != nil {
		for {
			child, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil && !message.IsUnknownCharset(err) {
				break
			}
			if child == nil {
				break
			}
			p.Children = append(p.Children, buildPart(child))
		}
		return p
	}

	body, err := io.ReadAll(ent.Body)
	if err == nil {
		p.Size = uint32(len(body))
		if p.Type == "text" || p.Type == "" {
			p.Lines = int64(bytes.Count(body, []byte("\n")))
		}
	}
	return p
}

// DecodeEnvelope parses a stored envelope document.
func DecodeEnvelope(raw json.RawMessage) (*Envelope, error) {
	if len(raw) == 0 {
		return &Envelope{}, nil
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("corrupt envelope: %w", err)
	}
	return &env, nil
}

// DecodePart parses a stored body structure document.
func DecodePart(raw json.RawMessage) (*Part, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var p Part
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("corrupt body structure: %w", err)
	}
	return &p, nil
}

// IMAP returns the wire-shaped envelope.
func (e *Envelope) IMAP() *imap.Envelope {
	env := &imap.Envelope{
		Date:      e.Date,
		Subject:   e.Subject,
		From:      imapAddresses(e.From),
		Sender:    imapAddresses(e.Sender),
		ReplyTo:   imapAddresses(e.ReplyTo),
		To:        imapAddresses(e.To),
		Cc:        imapAddresses(e.Cc),
		Bcc:       imapAddresses(e.Bcc),
		MessageID: e.MessageID,
	}
	if e.InReplyTo != "" {
		env.InReplyTo = strings.Fields(e.InReplyTo)
	}
	return env
}

func imapAddresses(addrs []Address) []imap.Address {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]imap.Address, len(addrs))
	for i, a := range addrs {
		out[i] = imap.Address{Name: a.Name, Mailbox: a.Mailbox, Host: a.Host}
	}
	return out
}

// IMAP returns the wire-shaped body structure.
func (p *Part) IMAP() imap.BodyStructure {
	if len(p.Children) > 0 {
		multi := &imap.BodyStructureMultiPart{Subtype: p.Subtype}
		for _, child := range p.Children {
			multi.Children = append(multi.Children, child.IMAP())
		}
		return multi
	}
	single := &imap.BodyStructureSinglePart{
		Type:        p.Type,
		Subtype:     p.Subtype,
		Params:      p.Params,
		ID:          p.ID,
		Description: p.Description,
		Encoding:    p.Encoding,
		Size:        p.Size,
	}
	if p.Type == "text" {
		single.Text = &imap.BodyStructureText{NumLines: p.Lines}
	}
	return single
}

// Section extracts the bytes for one FETCH BODY[...] item from the raw
// message.
func (ix *Indexer) Section(raw []byte, section *imap.FetchItemBodySection) ([]byte, error) {
	var data []byte
	var err error

	if len(section.Part) == 0 {
		switch section.Specifier {
		case imap.PartSpecifierHeader:
			data = filterHeaderFields(headerBytes(raw), section.HeaderFields, section.HeaderFieldsNot)
		case imap.PartSpecifierText:
			data = bodyBytes(raw)
		default:
			data = raw
		}
	} else {
		data, err = ix.partSection(raw, section)
		if err != nil {
			return nil, err
		}
	}

	return applyPartial(data, section.Partial), nil
}

func (ix *Indexer) partSection(raw []byte, section *imap.FetchItemBodySection) ([]byte, error) {
	ent, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	target := ent
	for _, num := range section.Part {
		mr := target.MultipartReader()
		if mr == nil {
			// Part 1 of a non-multipart message is the message itself.
			if num == 1 {
				continue
			}
			return nil, fmt.Errorf("no such part %d", num)
		}
		var child *message.Entity
		for i := 1; ; i++ {
			p, err := mr.NextPart()
			if err == io.EOF {
				return nil, fmt.Errorf("no such part %d", num)
			}
			if err != nil && !message.IsUnknownCharset(err) {
				return nil, err
			}
			if i == num {
				child = p
				break
			}
		}
		target = child
	}

	switch section.Specifier {
	case imap.PartSpecifierHeader, imap.PartSpecifierMIME:
		return serializeHeader(target), nil
	default:
		return io.ReadAll(target.Body)
	}
}

func serializeHeader(ent *message.Entity) []byte {
	var buf bytes.Buffer
	fields := ent.Header.Fields()
	for fields.Next() {
		buf.WriteString(fields.Key())
		buf.WriteString(": ")
		buf.WriteString(fields.Value())
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// headerBytes returns the raw header region including the terminating
// blank line.
func headerBytes(raw []byte) []byte {
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx+4]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx+2]
	}
	return raw
}

// bodyBytes returns everything after the header region.
func bodyBytes(raw []byte) []byte {
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[idx+2:]
	}
	return nil
}

// filterHeaderFields applies HEADER.FIELDS / HEADER.FIELDS.NOT selection
// to a raw header region, preserving folded continuation lines.
func filterHeaderFields(header []byte, include, exclude []string) []byte {
	if len(include) == 0 && len(exclude) == 0 {
		return header
	}

	want := func(key string) bool {
		if len(include) > 0 {
			for _, k := range include {
				if strings.EqualFold(k, key) {
					return true
				}
			}
			return false
		}
		for _, k := range exclude {
			if strings.EqualFold(k, key) {
				return false
			}
		}
		return true
	}

	var out bytes.Buffer
	keep := false
	for _, line := range bytes.SplitAfter(header, []byte("\n")) {
		trimmed := bytes.TrimRight(line, "\r\n")
		if len(trimmed) == 0 {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if keep {
				out.Write(line)
			}
			continue
		}
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			keep = false
			continue
		}
		keep = want(string(bytes.TrimSpace(line[:colon])))
		if keep {
			out.Write(line)
		}
	}
	out.WriteString("\r\n")
	return out.Bytes()
}

func applyPartial(data []byte, partial *imap.SectionPartial) []byte {
	if partial == nil {
		return data
	}
	off := partial.Offset
	if off > int64(len(data)) {
		return nil
	}
	end := off + partial.Size
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[off:end]
}
