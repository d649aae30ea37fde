package content

import (
	"strings"
	"testing"
)

func writeChunks(p *previewBuilder, s string, size int) {
	for len(s) > 0 {
		n := min(size, len(s))
		_, _ = p.Write([]byte(s[:n]))
		s = s[n:]
	}
}

func TestPreviewBuilder(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		in    string
		want  string
	}{
		{"single line", 200, "hello   world", "hello world"},
		{"quoted lines skipped", 200, "> quoted\nreply\n  > indented quote\nend", "reply end"},
		{"blank lines collapse", 200, "a\n\n\n b\r\nc", "a b c"},
		{"limit", 7, "one two three", "one two"},
		{"multibyte", 200, "héllo wörld ✓", "héllo wörld ✓"},
		{"invalid utf8 dropped", 200, "a\xffb", "ab"},
	}
	for _, tt := range tests {
		for _, size := range []int{1, 2, 3, 64} {
			p := newPreviewBuilder(tt.limit)
			writeChunks(p, tt.in, size)
			if got := p.String(); got != tt.want {
				t.Errorf("%s (chunks of %d): got %q, want %q", tt.name, size, got, tt.want)
			}
		}
	}
}

func TestPreviewBuilderLongLine(t *testing.T) {
	p := newPreviewBuilder(10)
	chunk := strings.Repeat("x", 4096)
	for range 256 {
		_, _ = p.Write([]byte(chunk))
		if len(p.partial) > 0 {
			t.Fatalf("builder kept %d bytes of a full line", len(p.partial))
		}
	}
	if got := p.String(); got != "xxxxxxxxxx" {
		t.Errorf("got %q", got)
	}
}

func TestPreviewBuilderLongQuotedLine(t *testing.T) {
	p := newPreviewBuilder(20)
	_, _ = p.Write([]byte("> "))
	for range 100 {
		_, _ = p.Write([]byte(strings.Repeat("q", 1024)))
	}
	if len(p.partial) > 0 {
		t.Fatalf("builder kept %d bytes of a quoted line", len(p.partial))
	}
	_, _ = p.Write([]byte("\nvisible"))
	if got := p.String(); got != "visible" {
		t.Errorf("got %q", got)
	}
}
