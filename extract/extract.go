// Package extract pulls readable content out of HTML pages.
//
// Two modes exist: CSS selectors when the caller knows where the content
// lives, and text-density scoring otherwise. Parsers use QueryAll and Text
// directly when they need individual elements rather than a content blob.
package extract

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DefaultMinTextLen is the minimum text length a region needs to count as content.
const DefaultMinTextLen = 80

// Options selects the extraction mode.
type Options struct {
	// Selectors switches to CSS mode. Empty means density mode.
	Selectors []string
	// MinTextLen defaults to DefaultMinTextLen.
	MinTextLen int
}

// Result is the extracted content of one page.
type Result struct {
	Title string
	Text  string
	HTML  string
	Hash  string // SHA-256 of Text
}

// Parse parses an HTML document.
func Parse(body []byte) (*html.Node, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("extract: parse html: %w", err)
	}
	return doc, nil
}

// Extract parses body and returns its main content.
func Extract(body []byte, opts Options) (*Result, error) {
	doc, err := Parse(body)
	if err != nil {
		return nil, err
	}
	minLen := opts.MinTextLen
	if minLen <= 0 {
		minLen = DefaultMinTextLen
	}
	title := Title(doc)
	if len(opts.Selectors) > 0 {
		return extractCSS(doc, opts.Selectors, title, minLen)
	}
	return extractDensity(doc, title, minLen)
}

// Title returns the trimmed text of the first <title> element.
func Title(doc *html.Node) string {
	for _, n := range findAllByTag(doc, atom.Title) {
		return strings.TrimSpace(Text(n))
	}
	return ""
}

// Text returns the whitespace-normalised text under n, skipping script and
// style elements.
func Text(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				return
			}
		}
		if n.Type == html.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(s)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// CleanText collapses runs of whitespace, trims the result and drops
// control characters.
func CleanText(s string) string {
	var sb strings.Builder
	space := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			space = true
		case unicode.IsControl(r):
		default:
			if space && sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			space = false
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func renderNode(n *html.Node) string {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return ""
	}
	return buf.String()
}

func hashText(s string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(s)))
}

func getAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// isBoilerplate reports navigation, footer and ad-like containers.
func isBoilerplate(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Nav, atom.Footer, atom.Header, atom.Aside, atom.Form:
		return true
	}
	if role, _ := getAttr(n, "role"); role == "navigation" || role == "banner" || role == "contentinfo" {
		return true
	}
	id, _ := getAttr(n, "id")
	class, _ := getAttr(n, "class")
	hint := strings.ToLower(id + " " + class)
	for _, w := range []string{"sidebar", "cookie", "advert", "banner", "menu", "footer"} {
		if strings.Contains(hint, w) {
			return true
		}
	}
	return false
}

func isContentTag(a atom.Atom) bool {
	switch a {
	case atom.Div, atom.Section, atom.Article, atom.Main, atom.Td, atom.Blockquote:
		return true
	}
	return false
}

func findAllByTag(root *html.Node, tag atom.Atom) []*html.Node {
	var results []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == tag {
			results = append(results, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return results
}
