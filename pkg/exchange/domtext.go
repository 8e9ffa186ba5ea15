package exchange

import (
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

var blockElements = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true,
	"dd": true, "details": true, "div": true, "dl": true, "dt": true,
	"figcaption": true, "figure": true, "footer": true, "form": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"header": true, "hr": true, "li": true, "main": true, "nav": true,
	"ol": true, "p": true, "section": true, "summary": true, "table": true,
	"tbody": true, "thead": true, "tfoot": true, "tr": true, "ul": true,
}

var skippedElements = map[string]bool{
	"button": true, "script": true, "style": true, "svg": true,
	"noscript": true, "template": true,
}

// RenderText rebuilds readable text from a response container's HTML.
// Code blocks become fenced blocks tagged with their language. List items
// are prefixed "- " and indented two spaces per level of nesting. Block
// elements start new lines and inline elements are concatenated as-is.
func RenderText(src string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return "", err
	}
	var w textWriter
	doc.Find("body").Each(func(_ int, body *goquery.Selection) {
		for _, n := range body.Nodes {
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				w.walk(c)
			}
		}
	})
	return w.String(), nil
}

type textLine struct {
	text     string
	verbatim bool
}

type textWriter struct {
	lines []textLine
	cur   strings.Builder
	// depth is the list nesting level; prefix is a list marker waiting for
	// the item's first text.
	depth  int
	prefix string
}

func (w *textWriter) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		w.inline(collapseSpace(n.Data))
		return
	case html.ElementNode:
	default:
		return
	}

	sel := goquery.NewDocumentFromNode(n).Selection
	if skippedElements[n.Data] || sel.HasClass("sr-only") {
		return
	}

	switch n.Data {
	case "br":
		w.newline()
	case "pre":
		w.fence(codeLanguage(sel), sel.Text())
	case "code":
		text := sel.Text()
		if lang := codeLanguage(sel); lang != "" || strings.Contains(text, "\n") {
			w.fence(lang, text)
			return
		}
		w.inline("`" + text + "`")
	case "ul", "ol":
		w.block()
		w.depth++
		w.children(n)
		w.depth--
		w.block()
	case "li":
		w.block()
		w.prefix = strings.Repeat("  ", max(w.depth-1, 0)) + "- "
		w.children(n)
		w.block()
		w.prefix = ""
	default:
		if blockElements[n.Data] {
			w.block()
			w.children(n)
			w.block()
			return
		}
		w.children(n)
	}
}

func (w *textWriter) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
}

func (w *textWriter) inline(s string) {
	if s == "" {
		return
	}
	current := w.cur.String()
	if current == "" || strings.HasSuffix(current, " ") {
		s = strings.TrimLeft(s, " ")
	}
	if s == "" {
		return
	}
	if current == "" && w.prefix != "" {
		w.cur.WriteString(w.prefix)
		w.prefix = ""
		s = strings.TrimLeft(s, " ")
	}
	w.cur.WriteString(s)
}

func (w *textWriter) newline() {
	w.lines = append(w.lines, textLine{text: strings.TrimRight(w.cur.String(), " ")})
	w.cur.Reset()
}

func (w *textWriter) block() {
	if strings.TrimSpace(w.cur.String()) != "" {
		w.newline()
		return
	}
	w.cur.Reset()
}

func (w *textWriter) fence(lang, body string) {
	w.block()
	w.prefix = ""
	body = strings.TrimRight(body, "\n")
	w.lines = append(w.lines, textLine{text: "```" + lang, verbatim: true})
	for _, line := range strings.Split(body, "\n") {
		w.lines = append(w.lines, textLine{text: line, verbatim: true})
	}
	w.lines = append(w.lines, textLine{text: "```", verbatim: true})
}

// String joins the lines, collapsing runs of blank lines outside code.
func (w *textWriter) String() string {
	w.block()
	out := make([]string, 0, len(w.lines))
	blank := false
	for _, l := range w.lines {
		if !l.verbatim && strings.TrimSpace(l.text) == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, l.text)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// codeLanguage reads a language-* or lang-* class from the element or its
// first code child.
func codeLanguage(sel *goquery.Selection) string {
	for _, s := range []*goquery.Selection{sel, sel.ChildrenFiltered("code").First()} {
		class, ok := s.Attr("class")
		if !ok {
			continue
		}
		for _, c := range strings.Fields(class) {
			for _, prefix := range []string{"language-", "lang-"} {
				if lang, found := strings.CutPrefix(c, prefix); found && lang != "" {
					return lang
				}
			}
		}
	}
	return ""
}

// collapseSpace folds whitespace runs to one space, keeping a single space at
// either edge when the original had one.
func collapseSpace(s string) string {
	if s == "" {
		return ""
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return " "
	}
	out := strings.Join(fields, " ")
	if unicode.IsSpace(rune(s[0])) {
		out = " " + out
	}
	if unicode.IsSpace(rune(s[len(s)-1])) {
		out += " "
	}
	return out
}

// normalizeText gives every strategy's output the same line endings and
// Unicode form.
func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimSpace(norm.NFC.String(s))
}
