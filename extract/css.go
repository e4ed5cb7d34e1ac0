package extract

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// extractCSS joins the text of every element matched by selectors.
func extractCSS(doc *html.Node, selectors []string, title string, minLen int) (*Result, error) {
	var texts, parts []string
	for _, sel := range selectors {
		for _, n := range QueryAll(doc, sel) {
			text := Text(n)
			if len(text) < minLen {
				continue
			}
			texts = append(texts, text)
			parts = append(parts, renderNode(n))
		}
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("extract: no content matched selectors %v", selectors)
	}
	combined := strings.Join(texts, "\n\n")
	return &Result{
		Title: title,
		Text:  combined,
		HTML:  strings.Join(parts, "\n"),
		Hash:  hashText(combined),
	}, nil
}

// QueryAll returns the elements under root matching selector, in document
// order, without duplicates. Supported syntax is a space-separated chain of
// simple selectors (descendant combinator), each of the form
// tag, .class, #id, tag.class, tag#id, [attr] or tag[attr=val].
func QueryAll(root *html.Node, selector string) []*html.Node {
	steps := strings.Fields(selector)
	if len(steps) == 0 {
		return nil
	}
	matches := []*html.Node{root}
	for _, step := range steps {
		sel := parseSimpleSelector(step)
		seen := make(map[*html.Node]bool)
		var next []*html.Node
		for _, scope := range matches {
			for c := scope.FirstChild; c != nil; c = c.NextSibling {
				collectMatches(c, sel, seen, &next)
			}
		}
		matches = next
		if len(matches) == 0 {
			return nil
		}
	}
	return matches
}

func collectMatches(n *html.Node, sel simpleSelector, seen map[*html.Node]bool, out *[]*html.Node) {
	if sel.matches(n) && !seen[n] {
		seen[n] = true
		*out = append(*out, n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectMatches(c, sel, seen, out)
	}
}

type simpleSelector struct {
	tag     string
	id      string
	class   string
	attrKey string
	attrVal string
	hasVal  bool
}

func parseSimpleSelector(s string) simpleSelector {
	var sel simpleSelector
	if i := strings.IndexByte(s, '['); i >= 0 {
		attr := strings.TrimSuffix(s[i+1:], "]")
		s = s[:i]
		if eq := strings.IndexByte(attr, '='); eq >= 0 {
			sel.attrKey = attr[:eq]
			sel.attrVal = strings.Trim(attr[eq+1:], `"'`)
			sel.hasVal = true
		} else {
			sel.attrKey = attr
		}
	}
	if i := strings.IndexByte(s, '#'); i >= 0 {
		sel.id = s[i+1:]
		s = s[:i]
	}
	if i := strings.IndexByte(s, '.'); i >= 0 {
		sel.class = s[i+1:]
		s = s[:i]
	}
	sel.tag = strings.ToLower(s)
	return sel
}

func (s simpleSelector) matches(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if s.tag != "" && n.Data != s.tag {
		return false
	}
	if s.id != "" {
		if id, _ := getAttr(n, "id"); id != s.id {
			return false
		}
	}
	if s.class != "" {
		class, _ := getAttr(n, "class")
		found := false
		for _, c := range strings.Fields(class) {
			if c == s.class {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if s.attrKey != "" {
		val, ok := getAttr(n, s.attrKey)
		if !ok || (s.hasVal && val != s.attrVal) {
			return false
		}
	}
	return true
}
