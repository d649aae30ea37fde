package content

import (
	"bytes"
	"strings"
	"unicode"
	"unicode/utf8"
)

type lineState int

const (
	lineStart lineState = iota
	lineText
	lineQuoted
)

// previewBuilder collects the first runes of a text body, collapsing runs
// of whitespace and skipping quoted lines. It holds at most one partial
// rune between writes, whatever the line length.
type previewBuilder struct {
	limit   int
	runes   int
	b       strings.Builder
	space   bool
	state   lineState
	partial []byte
}

func newPreviewBuilder(limit int) *previewBuilder {
	return &previewBuilder{limit: limit}
}

func (p *previewBuilder) full() bool {
	return p.runes >= p.limit
}

// Write never fails, so it can sit behind an io.TeeReader.
func (p *previewBuilder) Write(b []byte) (int, error) {
	if p.full() {
		return len(b), nil
	}
	data := b
	if len(p.partial) > 0 {
		data = append(p.partial, b...)
		p.partial = nil
	}

	for len(data) > 0 && !p.full() {
		c := data[0]
		if c == '\n' {
			if p.state != lineQuoted {
				p.space = p.b.Len() > 0
			}
			p.state = lineStart
			data = data[1:]
			continue
		}

		switch p.state {
		case lineQuoted:
			i := bytes.IndexByte(data, '\n')
			if i < 0 {
				return len(b), nil
			}
			data = data[i:]
			continue
		case lineStart:
			switch c {
			case ' ', '\t':
				data = data[1:]
				continue
			case '>':
				p.state = lineQuoted
				continue
			}
			p.state = lineText
		}

		if !utf8.FullRune(data) {
			p.partial = append([]byte(nil), data...)
			break
		}
		r, size := utf8.DecodeRune(data)
		data = data[size:]
		p.rune(r, size)
	}
	if p.full() {
		p.partial = nil
	}
	return len(b), nil
}

func (p *previewBuilder) rune(r rune, size int) {
	if r == utf8.RuneError && size <= 1 {
		return
	}
	if unicode.IsSpace(r) {
		p.space = p.b.Len() > 0
		return
	}
	if p.space {
		p.b.WriteByte(' ')
		p.space = false
		if p.runes++; p.full() {
			return
		}
	}
	p.b.WriteRune(r)
	p.runes++
}

// String returns the preview collected so far.
func (p *previewBuilder) String() string {
	return strings.TrimSpace(p.b.String())
}
