// Package convert – convert.go turns the chat page's copied HTML into
// markdown text for the final reply.
//
// Generic HTML→markdown conversion treats block children as paragraph breaks,
// which corrupts multi-line table cells into broken table rows. Before
// conversion, block elements nested inside table cells are therefore
// flattened to inline content joined by <br> markers, and a <br> that sits
// structurally inside a table cell is re-emitted as a literal <br> in the
// output. Line breaks outside tables convert normally.
package convert

import (
	"errors"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"
)

// ErrNoContent is returned when no recognizable content container is found.
// Callers fall back to the plain extracted text.
var ErrNoContent = errors.New("no content container found")

// containerSelectors are tried in order to locate the answer body inside the
// copied markup. The page's own structure is the first candidate; a bare
// fragment (clipboard HTML without the app chrome) matches the body fallback
// only when it actually holds content.
var containerSelectors = []string{
	"message-content",
	".markdown",
	".model-response-text",
	"[class*='response-content']",
	"body",
}

// Converter converts copied HTML to markdown text.
type Converter struct {
	md *md.Converter
}

// New creates a converter with GitHub-flavored rules plus the table-cell
// line-break rule.
func New() *Converter {
	conv := md.NewConverter("", true, nil)
	conv.Use(plugin.GitHubFlavored())
	conv.AddRules(md.Rule{
		Filter: []string{"br"},
		Replacement: func(content string, selec *goquery.Selection, opt *md.Options) *string {
			if selec.Closest("td,th").Length() > 0 {
				return md.String("<br>")
			}
			return nil // not in a table cell: defer to the default rule
		},
	})
	return &Converter{md: conv}
}

// Convert renders the HTML to markdown. Returns ErrNoContent when the markup
// holds no recognizable content container.
func (c *Converter) Convert(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	container := findContainer(doc)
	if container == nil {
		return "", ErrNoContent
	}

	flattenTableCells(container)

	text := strings.TrimSpace(c.md.Convert(container))
	if text == "" {
		return "", ErrNoContent
	}
	return text, nil
}

func findContainer(doc *goquery.Document) *goquery.Selection {
	for _, sel := range containerSelectors {
		s := doc.Find(sel).First()
		if s.Length() > 0 && strings.TrimSpace(s.Text()) != "" {
			return s
		}
	}
	return nil
}

// blockInCell are the block-level elements flattened inside td/th.
const blockInCell = "p, div, pre"

// flattenTableCells rewrites every block child of a table cell as its inline
// content followed by a <br> marker, then strips the marker trailing the last
// block so cells do not end with a dangling break.
func flattenTableCells(root *goquery.Selection) {
	root.Find("td, th").Each(func(_ int, cell *goquery.Selection) {
		// Unwrapping a block exposes its children; loop until none remain
		// so nested wrappers (div > p) flatten fully. Bounded against
		// pathological markup.
		for depth := 0; depth < 8; depth++ {
			blocks := cell.ChildrenFiltered(blockInCell)
			if blocks.Length() == 0 {
				break
			}
			blocks.Each(func(_ int, block *goquery.Selection) {
				inner, err := block.Html()
				if err != nil {
					return
				}
				block.ReplaceWithHtml(inner + "<br/>")
			})
		}
		trimTrailingBreaks(cell)
	})
}

func trimTrailingBreaks(cell *goquery.Selection) {
	for {
		last := cell.Children().Last()
		if last.Length() == 0 || !last.Is("br") {
			return
		}
		// Only strip when nothing but whitespace follows the marker.
		if next := last.Next(); next.Length() > 0 {
			return
		}
		last.Remove()
	}
}
