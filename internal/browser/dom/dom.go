// Package dom answers element queries over a rendered HTML document.
package dom

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// Element wraps a single goquery node.
type Element struct {
	sel *goquery.Selection
}

var _ harvest.Element = Element{}

// Text returns the node text with surrounding whitespace trimmed.
func (e Element) Text() string {
	return strings.TrimSpace(e.sel.Text())
}

// Attr returns the attribute value or "" when absent.
func (e Element) Attr(name string) string {
	v, _ := e.sel.Attr(name)
	return v
}

// FindAll runs selector scoped to this element.
func (e Element) FindAll(selector string) []harvest.Element {
	return wrap(e.sel.Find(selector))
}

// Parse builds a queryable document from html.
func Parse(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

// FindAll parses html and returns the nodes matching selector in document
// order. Unknown or invalid selectors match nothing.
func FindAll(html, selector string) ([]harvest.Element, error) {
	doc, err := Parse(html)
	if err != nil {
		return nil, err
	}
	return wrap(doc.Find(selector)), nil
}

func wrap(sel *goquery.Selection) []harvest.Element {
	out := make([]harvest.Element, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		out = append(out, Element{sel: s})
	})
	return out
}
