// Package content classifies the MIME structure of a message.
//
// [Classify] walks a parsed message and derives the facts a folder summary
// stores about it:
//
//   - Attachments: a multipart/mixed container or an embedded message.
//   - Secure: a multipart/signed or multipart/encrypted container, or a
//     detached PGP or S/MIME signature part.
//   - HasCalendar: a text/calendar part, or a part carrying a
//     "Content-Class: urn:content-classes:calendarmessage" or an
//     X-Calendar-Attachment header.
//   - HasNote: a part carrying an X-Evolution-Note header.
//
// Every text/* leaf is offered to an optional [IndexFunc] with its decoded
// body, for feeding a search index. The classifier does not index anything
// itself. A short plain-text preview is taken from the first text/plain leaf.
//
// Usage:
//
//	e, _ := message.Read(r)
//	res, err := content.Classify(e, content.WithIndexFunc(func(l content.Leaf) error {
//	    return idx.Add(uid, l.Body)
//	}))
package content

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
)

// Default limits.
const (
	// DefaultPreviewLength is the preview length in runes.
	DefaultPreviewLength = 200

	// DefaultMaxDepth bounds recursion into nested multiparts and
	// embedded messages.
	DefaultMaxDepth = 32
)

// Header values recognized on any part.
const (
	calendarClass = "urn:content-classes:calendarmessage"
)

// ErrTooDeep is returned when a message nests deeper than the configured
// maximum depth.
var ErrTooDeep = errors.New("content: mime structure too deep")

// Result holds the facts derived from a message.
type Result struct {
	Attachments bool
	Secure      bool
	HasCalendar bool
	HasNote     bool

	// Preview is a whitespace-collapsed excerpt of the first text/plain
	// part, or empty.
	Preview string
}

// Leaf is an indexable text part.
type Leaf struct {
	// MediaType is the lower-cased media type, such as "text/plain".
	MediaType string
	// Params holds the Content-Type parameters.
	Params map[string]string
	// HTML is set for text/html leaves, which need markup stripped before
	// indexing.
	HTML bool
	// Depth is the nesting level; the top-level entity is 0.
	Depth int
	// Body is the transfer-decoded and charset-converted body. It is only
	// valid during the IndexFunc call.
	Body io.Reader
}

// IndexFunc receives each text leaf. Returning an error stops the walk.
type IndexFunc func(leaf Leaf) error

type options struct {
	index         IndexFunc
	previewLength int
	maxDepth      int
}

// Option configures Classify.
type Option func(*options)

// WithIndexFunc sets the callback for text leaves.
func WithIndexFunc(f IndexFunc) Option {
	return func(o *options) {
		o.index = f
	}
}

// WithPreviewLength sets the preview length in runes. Zero disables the preview.
func WithPreviewLength(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.previewLength = n
		}
	}
}

// WithMaxDepth sets the maximum nesting depth.
func WithMaxDepth(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxDepth = n
		}
	}
}

// Classify walks e and returns what it found. The entity's body is consumed.
func Classify(e *message.Entity, opts ...Option) (Result, error) {
	o := &options{
		previewLength: DefaultPreviewLength,
		maxDepth:      DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(o)
	}

	w := &walker{opts: o}
	if err := w.walk(e, 0); err != nil {
		return w.res, err
	}
	return w.res, nil
}

type walker struct {
	opts        *options
	res         Result
	havePreview bool
}

func (w *walker) walk(e *message.Entity, depth int) error {
	if depth > w.opts.maxDepth {
		return ErrTooDeep
	}

	mediaType, params, err := e.Header.ContentType()
	if err != nil || mediaType == "" {
		mediaType, params = "text/plain", nil
	}
	mediaType = strings.ToLower(mediaType)

	w.inspectHeaders(e.Header)
	if mediaType == "text/calendar" {
		w.res.HasCalendar = true
	}

	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		switch mediaType {
		case "multipart/mixed":
			w.res.Attachments = true
		case "multipart/signed", "multipart/encrypted":
			w.res.Secure = true
		}
		mr := e.MultipartReader()
		if mr == nil {
			return nil
		}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("content: read part: %w", err)
			}
			if err := w.walk(part, depth+1); err != nil {
				return err
			}
		}

	case mediaType == "message/rfc822" || mediaType == "message/global":
		w.res.Attachments = true
		inner, err := message.Read(e.Body)
		if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
			return fmt.Errorf("content: read embedded message: %w", err)
		}
		return w.walk(inner, depth+1)

	case IsSignature(mediaType):
		w.res.Secure = true
		return nil

	case strings.HasPrefix(mediaType, "text/"):
		return w.text(e, mediaType, params, depth)
	}
	return nil
}

// inspectHeaders applies the per-part calendar and note markers.
func (w *walker) inspectHeaders(h message.Header) {
	if strings.EqualFold(strings.TrimSpace(h.Get("Content-Class")), calendarClass) || h.Has("X-Calendar-Attachment") {
		w.res.HasCalendar = true
	}
	if h.Has("X-Evolution-Note") {
		w.res.HasNote = true
	}
}

func (w *walker) text(e *message.Entity, mediaType string, params map[string]string, depth int) error {
	raw := e.Body
	body := raw
	wantPreview := !w.havePreview && mediaType == "text/plain" && w.opts.previewLength > 0

	var pb *previewBuilder
	if wantPreview {
		pb = newPreviewBuilder(w.opts.previewLength)
		body = io.TeeReader(body, pb)
	}

	if w.opts.index != nil {
		if err := w.opts.index(Leaf{
			MediaType: mediaType,
			Params:    params,
			HTML:      mediaType == "text/html",
			Depth:     depth,
			Body:      body,
		}); err != nil {
			return err
		}
	}

	if pb != nil {
		if !pb.full() {
			// The index callback may not have read the whole body. Whatever
			// it did read already went through the tee.
			if _, err := io.Copy(pb, raw); err != nil {
				return fmt.Errorf("content: read text part: %w", err)
			}
		}
		w.res.Preview = pb.String()
		w.havePreview = true
	}
	return nil
}

// signatureTypes are the detached signature media types.
var signatureTypes = map[string]bool{
	"application/pgp-signature":     true,
	"application/pkcs7-signature":   true,
	"application/x-pkcs7-signature": true,
	"application/xpkcs7signature":   true,
	"application/xpkcs7-signature":  true,
}

// IsSignature reports whether mediaType is a detached PGP or S/MIME signature.
func IsSignature(mediaType string) bool {
	return signatureTypes[strings.ToLower(mediaType)]
}
