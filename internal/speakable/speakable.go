// Package speakable turns tutor replies, which are usually light markdown,
// into plain text a speech synthesizer can read aloud.
package speakable

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var (
	markers   = regexp.MustCompile("[*#_`~\\[\\]]")
	newlines  = regexp.MustCompile(`\n+`)
	blankRuns = regexp.MustCompile(`[ \t]+`)
	dotRuns   = regexp.MustCompile(`(\. ){2,}`)
)

var md = goldmark.New()

// Strip removes styling markers and heading symbols and turns each run of
// newlines into a sentence pause.
func Strip(s string) string {
	s = markers.ReplaceAllString(s, "")
	s = newlines.ReplaceAllString(s, ". ")
	return s
}

// Text renders markdown as speakable prose. Block elements (headings,
// paragraphs, list items, code) become sentences; link and image targets are
// dropped in favour of their labels. Anything the parser leaves behind goes
// through Strip.
func Text(s string) string {
	src := []byte(s)
	doc := md.Parser().Parse(text.NewReader(src))

	var blocks []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		var b strings.Builder
		switch n := n.(type) {
		case *ast.Heading, *ast.Paragraph, *ast.TextBlock:
			inline(n, src, &b)
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(src))
			}
		case *ast.HTMLBlock:
			return ast.WalkSkipChildren, nil
		default:
			return ast.WalkContinue, nil
		}
		if t := strings.TrimSpace(b.String()); t != "" {
			blocks = append(blocks, t)
		}
		return ast.WalkSkipChildren, nil
	})

	var out strings.Builder
	for i, blk := range blocks {
		if i > 0 {
			if endsSentence(blocks[i-1]) {
				out.WriteByte(' ')
			} else {
				out.WriteString(". ")
			}
		}
		out.WriteString(blk)
	}
	return tidy(Strip(out.String()))
}

func inline(n ast.Node, src []byte, b *strings.Builder) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch t := c.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(src))
			switch {
			case t.HardLineBreak():
				b.WriteString(". ")
			case t.SoftLineBreak():
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		case *ast.AutoLink:
			b.Write(t.Label(src))
		case *ast.RawHTML:
		default:
			inline(c, src, b)
		}
	}
}

func endsSentence(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	switch r {
	case '.', '!', '?', ':', ';', ',':
		return true
	}
	return false
}

func tidy(s string) string {
	s = blankRuns.ReplaceAllString(s, " ")
	s = dotRuns.ReplaceAllString(s, ". ")
	s = strings.ReplaceAll(s, " .", ".")
	return strings.TrimSpace(s)
}
