package dom

import (
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/skritek/pagepilot/api/schemas"
)

// Tag and role sets mirroring the in-page walker, so an offline parse of
// saved HTML classifies elements the same way a live extraction would.
var (
	skipTags = map[string]bool{
		"script": true, "style": true, "noscript": true, "template": true,
		"link": true, "meta": true, "head": true, "title": true, "base": true,
	}
	interactiveTags = map[string]bool{
		"a": true, "button": true, "input": true, "textarea": true,
		"select": true, "summary": true, "details": true, "option": true,
		"label": true,
	}
	interactiveRoles = map[string]bool{
		"button": true, "link": true, "menuitem": true, "tab": true,
		"checkbox": true, "radio": true, "combobox": true, "option": true,
		"switch": true, "searchbox": true, "textbox": true, "slider": true,
	}
)

// ParseHTML builds a structural snapshot from static HTML. With no layout
// engine behind it the geometry fields stay empty and visibility falls back
// to static heuristics, which is enough to build trees and selector views
// from saved pages. Dispatch needs a live session; offline nodes carry no
// markers.
func ParseHTML(r io.Reader, pageURL, snapshotID string, opts ExtractOptions) (*schemas.PageSnapshot, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	root := firstElement(doc)
	if root == nil {
		return nil, fmt.Errorf("%w: document has no element root", schemas.ErrSnapshotMalformed)
	}

	p := &htmlParser{maxText: opts.MaxTextLength}
	if p.maxText <= 0 {
		p.maxText = DefaultExtractOptions("").MaxTextLength
	}
	p.walk(root, -1, true)

	return &schemas.PageSnapshot{
		SnapshotID: snapshotID,
		URL:        pageURL,
		Title:      p.title,
		CapturedAt: time.Now().UTC(),
		Nodes:      p.nodes,
		Stats: schemas.SnapshotStats{
			Walked:        p.walked,
			TextTruncated: p.truncated,
		},
	}, nil
}

type htmlParser struct {
	nodes     []schemas.RawNode
	title     string
	maxText   int
	walked    int
	truncated int
}

func (p *htmlParser) walk(n *html.Node, parent int, parentVisible bool) {
	switch n.Type {
	case html.TextNode:
		text := strings.Join(strings.Fields(n.Data), " ")
		if text == "" {
			return
		}
		if runes := []rune(text); len(runes) > p.maxText {
			text = string(runes[:p.maxText])
			p.truncated++
		}
		p.nodes = append(p.nodes, schemas.RawNode{
			Index:   len(p.nodes),
			Parent:  parent,
			Kind:    schemas.RawText,
			Text:    text,
			Visible: parentVisible,
		})
		return

	case html.ElementNode:
		// handled below
	default:
		return
	}

	tag := strings.ToLower(n.Data)
	if skipTags[tag] {
		switch tag {
		case "title":
			p.title = collectText(n)
		case "head":
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && strings.ToLower(c.Data) == "title" {
					p.title = collectText(c)
					break
				}
			}
		}
		return
	}
	p.walked++

	attrs := make(map[string]string, len(n.Attr))
	for _, a := range n.Attr {
		if a.Key == MarkerAttr {
			continue
		}
		val := a.Val
		if r := []rune(val); len(r) > 256 {
			val = string(r[:256])
		}
		attrs[a.Key] = val
	}

	visible := parentVisible && staticVisible(tag, attrs)
	idx := len(p.nodes)
	rec := schemas.RawNode{
		Index:       idx,
		Parent:      parent,
		Kind:        schemas.RawElement,
		Tag:         tag,
		Attrs:       attrs,
		Visible:     visible,
		Interactive: staticInteractive(tag, attrs),
	}
	if tag == "select" {
		rec.Options = harvestOptions(n)
	}
	p.nodes = append(p.nodes, rec)

	// A select's options live in its Options field. Walking the subtree
	// would re-emit them as interactive nodes, which a live extraction
	// never does for a closed select.
	if tag == "select" {
		return
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		p.walk(child, idx, visible)
	}
}

// staticVisible applies the hints static markup can carry. Anything not
// explicitly hidden counts as visible.
func staticVisible(tag string, attrs map[string]string) bool {
	if _, hidden := attrs["hidden"]; hidden {
		return false
	}
	if tag == "input" && strings.EqualFold(attrs["type"], "hidden") {
		return false
	}
	style := strings.ReplaceAll(attrs["style"], " ", "")
	if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
		return false
	}
	return true
}

func staticInteractive(tag string, attrs map[string]string) bool {
	disabled := func() bool {
		_, d := attrs["disabled"]
		return d || attrs["aria-disabled"] == "true"
	}
	if interactiveTags[tag] {
		return !disabled()
	}
	if _, ok := attrs["onclick"]; ok {
		return true
	}
	if ti, ok := attrs["tabindex"]; ok && ti != "-1" {
		return true
	}
	if role := strings.ToLower(attrs["role"]); role != "" && interactiveRoles[role] {
		return !disabled()
	}
	if ce, ok := attrs["contenteditable"]; ok && !strings.EqualFold(ce, "false") {
		return true
	}
	return false
}

func harvestOptions(sel *html.Node) []schemas.SelectOption {
	var options []schemas.SelectOption
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && strings.ToLower(c.Data) == "option" {
				if len(options) >= 30 {
					return
				}
				opt := schemas.SelectOption{Label: collectText(c)}
				for _, a := range c.Attr {
					switch a.Key {
					case "value":
						opt.Value = a.Val
					case "selected":
						opt.Selected = true
					}
				}
				if opt.Value == "" {
					opt.Value = opt.Label
				}
				options = append(options, opt)
				continue
			}
			visit(c)
		}
	}
	visit(sel)
	return options
}

func collectText(n *html.Node) string {
	var sb strings.Builder
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

func firstElement(doc *html.Node) *html.Node {
	for c := doc.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return c
		}
	}
	return nil
}
