package summary

import (
	"encoding/binary"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
	"golang.org/x/crypto/blake2b"

	"github.com/rbaliyan/summary/content"
)

// InfoOption configures NewInfoFromHeader.
type InfoOption func(*infoOptions)

type infoOptions struct {
	keepHeaders bool
	userHeaders []string
	now         func() time.Time
}

// KeepHeaders retains the raw headers on the record.
func KeepHeaders(keep bool) InfoOption {
	return func(o *infoOptions) {
		o.keepHeaders = keep
	}
}

// CopyUserHeaders copies the named headers into the record's user headers.
func CopyUserHeaders(names ...string) InfoOption {
	return func(o *infoOptions) {
		o.userHeaders = append(o.userHeaders, names...)
	}
}

// WithClock sets the time source used when a message carries no date.
func WithClock(now func() time.Time) InfoOption {
	return func(o *infoOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// NewInfoFromHeader builds an unowned record from the header of a message.
// The record is dirty; it has no UID until it is added to a summary. It
// carries one pin for the caller, as NewMessageInfo.
func NewInfoFromHeader(h gomail.Header, opts ...InfoOption) *MessageInfo {
	o := &infoOptions{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	mi := &MessageInfo{dirty: true}
	mi.refs.Store(1)
	mi.subject = decodedText(h, "Subject")
	mi.from = formatAddresses(h, "From")
	mi.to = formatAddresses(h, "To")
	mi.cc = formatAddresses(h, "Cc")
	mi.mlist = MailingList(h.Header)

	mi.dateReceived = receivedDate(h)
	if d := h.Get("Date"); d != "" {
		if t, err := mail.ParseDate(d); err == nil {
			mi.dateSent = t.Unix()
		}
	}
	if mi.dateSent == 0 {
		mi.dateSent = mi.dateReceived
	}
	if mi.dateSent == 0 {
		mi.dateSent = o.now().Unix()
	}

	if id, err := h.MessageID(); err == nil && id != "" {
		mi.messageID = HashMessageID(id)
	}
	mi.references = referenceHashes(h)

	if hasCalendar(h.Header) {
		mi.userFlags.Insert(UserFlagHasCalendar)
	}
	if h.Has("X-Evolution-Note") {
		mi.userFlags.Insert(UserFlagHasNote)
	}

	for _, name := range o.userHeaders {
		if v := decodedText(h, name); v != "" {
			mi.userHeaders.Set(name, v)
		}
	}
	if o.keepHeaders {
		fields := h.Fields()
		for fields.Next() {
			mi.headers = append(mi.headers, HeaderField{Name: fields.Key(), Value: fields.Value()})
		}
	}
	return mi
}

// InfoFromHeader builds a record with the summary's header retention
// settings. The record is not added.
func (s *Summary) InfoFromHeader(h gomail.Header) *MessageInfo {
	return NewInfoFromHeader(h,
		KeepHeaders(s.opts.filterHeaders),
		CopyUserHeaders(s.opts.userHeaders...),
		WithClock(s.opts.scheduler.Now),
	)
}

// AddFromMessage builds a record from a parsed message, classifies its
// content, and adds it under a fresh UID. size is the message size in
// bytes. The message body is consumed. The returned record carries the
// caller's pin; call Release when done with it.
func (s *Summary) AddFromMessage(e *message.Entity, size uint32, opts ...content.Option) (*MessageInfo, error) {
	mi := s.InfoFromHeader(gomail.Header{Header: e.Header})

	res, err := content.Classify(e, opts...)
	if err != nil {
		return nil, fmt.Errorf("summary: classify: %w", err)
	}
	applyClassification(mi, res)
	mi.size = size

	if err := s.Add(mi, false); err != nil {
		return nil, err
	}
	return mi, nil
}

func applyClassification(mi *MessageInfo, res content.Result) {
	if res.Attachments {
		mi.flags |= FlagAttachments
	}
	if res.Secure {
		mi.flags |= FlagSecure
	}
	if res.HasCalendar {
		mi.userFlags.Insert(UserFlagHasCalendar)
	}
	if res.HasNote {
		mi.userFlags.Insert(UserFlagHasNote)
	}
	if res.Preview != "" {
		mi.preview = res.Preview
	}
}

// decodedText returns the MIME-decoded value of a header, or the raw value
// if it cannot be decoded.
func decodedText(h gomail.Header, key string) string {
	v, err := h.Text(key)
	if err != nil {
		return strings.TrimSpace(h.Get(key))
	}
	return strings.TrimSpace(v)
}

// formatAddresses renders an address header for display:
// "Name <addr>, addr".
func formatAddresses(h gomail.Header, key string) string {
	addrs, err := h.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return strings.TrimSuffix(decodedText(h, key), " <>")
	}
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		switch {
		case a.Name != "" && a.Address != "":
			parts = append(parts, a.Name+" <"+a.Address+">")
		case a.Name != "":
			parts = append(parts, a.Name)
		default:
			parts = append(parts, a.Address)
		}
	}
	return strings.Join(parts, ", ")
}

// receivedDate parses the date after the last semicolon of the first
// Received header, or returns 0.
func receivedDate(h gomail.Header) int64 {
	v := h.Get("Received")
	i := strings.LastIndexByte(v, ';')
	if i < 0 {
		return 0
	}
	t, err := mail.ParseDate(strings.TrimSpace(v[i+1:]))
	if err != nil {
		return 0
	}
	return t.Unix()
}

// referenceHashes returns the first In-Reply-To id followed by the
// References chain, hashed.
func referenceHashes(h gomail.Header) []uint64 {
	var ids []string
	if irt, _ := h.MsgIDList("In-Reply-To"); len(irt) > 0 {
		ids = append(ids, irt[0])
	}
	refs, _ := h.MsgIDList("References")
	ids = append(ids, refs...)
	if len(ids) == 0 {
		return nil
	}
	out := make([]uint64, len(ids))
	for i, id := range ids {
		out[i] = HashMessageID(id)
	}
	return out
}

// HashMessageID returns the 64-bit hash of a message identifier. Angle
// brackets and surrounding space are ignored.
func HashMessageID(id string) uint64 {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	sum, _ := blake2b.New(8, nil)
	sum.Write([]byte(id))
	return binary.LittleEndian.Uint64(sum.Sum(nil))
}

func hasCalendar(h message.Header) bool {
	if strings.EqualFold(strings.TrimSpace(h.Get("Content-Class")), "urn:content-classes:calendarmessage") {
		return true
	}
	if h.Has("X-Calendar-Attachment") {
		return true
	}
	mt, _, err := h.ContentType()
	return err == nil && strings.EqualFold(mt, "text/calendar")
}

// mailingListRules are tried in order; the first match wins.
var mailingListRules = []struct {
	header string
	re     *regexp.Regexp
}{
	{"List-Post", regexp.MustCompile(`(?i)[ \t]*<mailto:([^@>]+)@?([^ \n\t\r>]*)`)},
	{"List-Id", regexp.MustCompile(`(?i)[^<]*<([^.>]+)\.?([^ \n\t\r>]*)`)},
	{"Mailing-List", regexp.MustCompile(`(?i)[ \t]*list ([^@]+)@?([^ \n\t\r>;]*)`)},
	{"Originator", regexp.MustCompile(`(?i)[ \t]*([^@]+)@?([^ \n\t\r>]*)`)},
	{"X-Mailing-List", regexp.MustCompile(`(?i)[ \t]*<?([^@>]+)@?([^ \n\t\r>]*)`)},
	{"X-Loop", regexp.MustCompile(`(?i)[ \t]*([^@]+)@?([^ \n\t\r>]*)`)},
	{"X-List", regexp.MustCompile(`(?i)[ \t]*([^@]+)@?([^ \n\t\r>]*)`)},
	{"Sender", regexp.MustCompile(`(?i)[ \t]*owner-([^@]+)@?([^ @\n\t\r>]*)`)},
	{"Sender", regexp.MustCompile(`(?i)[ \t]*([^@]+)-owner@?([^ @\n\t\r>]*)`)},
	{"Delivered-To", regexp.MustCompile(`(?i)[ \t]*mailing list ([^@]+)@?([^ \n\t\r>]*)`)},
	{"Return-Path", regexp.MustCompile(`(?i)[ \t]*<?owner-([^@>]+)@?([^ \n\t\r>]*)`)},
	{"X-BeenThere", regexp.MustCompile(`(?i)[ \t]*([^@]+)@?([^ \n\t\r>]*)`)},
	{"List-Unsubscribe", regexp.MustCompile(`(?i)<mailto:(.+)-unsubscribe@([^ \n\t\r>]*)`)},
}

// MailingList guesses the mailing list a message was sent through from its
// list headers. It returns "name@host", "name", or "" if none matched.
func MailingList(h message.Header) string {
	for _, rule := range mailingListRules {
		v := h.Get(rule.header)
		if v == "" {
			continue
		}
		m := rule.re.FindStringSubmatch(v)
		if m == nil || m[1] == "" {
			continue
		}
		if m[2] == "" {
			return m[1]
		}
		return m[1] + "@" + m[2]
	}
	return ""
}
