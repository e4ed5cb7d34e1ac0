package extract

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// extractDensity picks the content region of a page.
// <main>/<article> landmarks win when present; otherwise the subtree with
// the best text-to-markup ratio, penalised by link density, is chosen.
func extractDensity(doc *html.Node, title string, minLen int) (*Result, error) {
	for _, tag := range []atom.Atom{atom.Main, atom.Article} {
		var texts, parts []string
		for _, n := range findAllByTag(doc, tag) {
			if isBoilerplate(n) {
				continue
			}
			if text := Text(n); len(text) >= minLen {
				texts = append(texts, text)
				parts = append(parts, renderNode(n))
			}
		}
		if len(texts) > 0 {
			combined := strings.Join(texts, "\n\n")
			return &Result{Title: title, Text: combined, HTML: strings.Join(parts, "\n"), Hash: hashText(combined)}, nil
		}
	}

	body := doc
	if b := findAllByTag(doc, atom.Body); len(b) > 0 {
		body = b[0]
	}

	best := densestNode(body, minLen)
	if best == nil {
		text := textWithoutBoilerplate(body)
		if len(text) < minLen {
			return &Result{Title: title, Hash: hashText("")}, nil
		}
		return &Result{Title: title, Text: text, HTML: renderNode(body), Hash: hashText(text)}, nil
	}
	text := Text(best)
	return &Result{Title: title, Text: text, HTML: renderNode(best), Hash: hashText(text)}, nil
}

// densestNode scores every content container with at least minLen characters
// of text: density * lengthScale * (1 - linkDensity). Containers whose text
// is mostly links are skipped as navigation.
func densestNode(root *html.Node, minLen int) *html.Node {
	var best *html.Node
	var bestScore float64

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type != html.ElementNode || isBoilerplate(n) {
			return
		}
		if isContentTag(n.DataAtom) || n.DataAtom == atom.Body {
			text := Text(n)
			if len(text) >= minLen {
				markup := len(renderNode(n))
				if markup == 0 {
					markup = 1
				}
				linkDens := float64(len(linkText(n))) / float64(len(text))
				if linkDens <= 0.5 {
					score := float64(len(text)) / float64(markup) * lengthScale(len(text)) * (1 - linkDens)
					if score > bestScore {
						best, bestScore = n, score
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return best
}

// lengthScale grows by one for every doubling of n past 100.
func lengthScale(n int) float64 {
	scale := 1.0
	for ; n > 100; n /= 2 {
		scale++
	}
	return scale
}

func linkText(n *html.Node) string {
	var sb strings.Builder
	for _, a := range findAllByTag(n, atom.A) {
		sb.WriteString(Text(a))
	}
	return sb.String()
}

func textWithoutBoilerplate(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if isBoilerplate(n) {
				return
			}
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
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
