package parser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/sitepoll/extract"
)

// KindPage snapshots the main content of an arbitrary page as Markdown.
const KindPage = "page"

var errNoContent = errors.New("no main content found")

// Page extracts the densest content region, sanitises it and stores it as
// Markdown together with the page title and a content hash.
type Page struct {
	policy *bluemonday.Policy
	md     *converter.Converter
	opts   extract.Options
}

// NewPage returns a Page parser using density extraction.
func NewPage() *Page {
	return &Page{
		policy: bluemonday.UGCPolicy(),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// EnsureDestination implements Capability.
func (p *Page) EnsureDestination(ctx context.Context, exec Executor, target string) error {
	return exec.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
    outcome_id   INTEGER NOT NULL REFERENCES request_outcomes(id) ON DELETE CASCADE,
    title        TEXT NOT NULL DEFAULT '',
    content_hash TEXT NOT NULL,
    markdown     TEXT NOT NULL
)`, target))
}

// Parse implements Capability.
func (p *Page) Parse(body []byte, outcomeID int64, target string) (*Batch, error) {
	res, err := extract.Extract(body, p.opts)
	if err != nil {
		return nil, &ParseError{Kind: KindPage, Err: err}
	}
	if res.Text == "" {
		return nil, &ParseError{Kind: KindPage, Err: errNoContent}
	}

	markdown := p.toMarkdown(p.policy.Sanitize(res.HTML), res.Text)
	return &Batch{
		Columns: []string{"outcome_id", "title", "content_hash", "markdown"},
		Rows:    [][]any{{outcomeID, res.Title, res.Hash, markdown}},
	}, nil
}

// toMarkdown converts sanitised HTML, falling back to plain text when the
// conversion fails or yields nothing.
func (p *Page) toMarkdown(html, fallback string) string {
	if html == "" {
		return fallback
	}
	out, err := p.md.ConvertString(html)
	if err != nil || strings.TrimSpace(out) == "" {
		return fallback
	}
	return strings.TrimSpace(out)
}
