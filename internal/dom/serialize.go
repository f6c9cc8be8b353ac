package dom

import (
	"fmt"
	"strings"

	"github.com/skritek/pagepilot/api/schemas"
)

// SerializeOptions tunes the text rendering of a view.
type SerializeOptions struct {
	// TextCap bounds collapsed element text, in runes. Zero means 160.
	TextCap int
	// AttrCap bounds each rendered attribute value, in bytes. Zero means 60.
	AttrCap int
}

// displayAttrs are rendered on indexed elements, in this order. Unlike the
// signature set this includes "value": the model needs to see what a field
// currently holds.
var displayAttrs = []string{
	"type", "name", "role", "placeholder", "aria-label",
	"href", "title", "alt", "value",
}

const maxRenderedOptions = 5

// Serialize renders the view for the model: one line per indexed element in
// document order, tab-indented by rendered depth, with plain text lines for
// content outside interactive elements and pixel markers for the scrolled
// out parts of the page.
func Serialize(m *SelectorMap, opts SerializeOptions) string {
	if opts.TextCap <= 0 {
		opts.TextCap = 160
	}
	if opts.AttrCap <= 0 {
		opts.AttrCap = 60
	}

	t := m.Tree()
	var sb strings.Builder

	if above := int(t.Viewport.ScrollY); above > 0 {
		fmt.Fprintf(&sb, "... %d pixels above - scroll up to see more ...\n", above)
	}

	s := serializer{m: m, tree: t, opts: opts, out: &sb}
	if root := t.Root(); root != NilNode {
		s.render(root, 0, false)
	}

	if s.lines == 0 {
		sb.WriteString("(page has no visible content)\n")
	}

	if below := int(t.Viewport.PageHeight - t.Viewport.ScrollY - float64(t.Viewport.Height)); below > 0 {
		fmt.Fprintf(&sb, "... %d pixels below - scroll down to see more ...\n", below)
	}
	return sb.String()
}

type serializer struct {
	m     *SelectorMap
	tree  *Tree
	opts  SerializeOptions
	out   *strings.Builder
	lines int
}

// render walks one node. depth counts rendered ancestors only, so the
// indentation tracks the structure the model actually sees. insideInteractive
// suppresses text already folded into an ancestor's own line.
func (s *serializer) render(id NodeID, depth int, insideInteractive bool) {
	n := s.tree.Node(id)
	if n == nil || n.Pruned {
		return
	}

	childDepth := depth
	childInside := insideInteractive

	switch {
	case n.Kind == KindText:
		if n.Visible && !insideInteractive && n.Text != "" {
			s.line(depth, n.Text)
		}
		return

	case s.indexOf(n) >= 0:
		s.line(depth, s.formatIndexed(n))
		childDepth++
		childInside = true

	case isFrameTag(n.Tag) && n.Visible:
		s.line(depth, s.formatFrame(n))
		childDepth++

	case n.ShadowHost && n.Visible:
		s.line(depth, fmt.Sprintf("<%s> (shadow)", strings.ToLower(n.Tag)))
		childDepth++

	case n.Scroll != nil && n.Visible:
		s.line(depth, fmt.Sprintf("<%s>%s", strings.ToLower(n.Tag), scrollNote(n)))
		childDepth++
	}

	for _, child := range n.Children {
		s.render(child, childDepth, childInside)
	}
}

func (s *serializer) indexOf(n *Node) int {
	if idx, ok := s.m.IndexOf(n.ID); ok {
		return idx
	}
	return -1
}

func (s *serializer) line(depth int, text string) {
	s.out.WriteString(strings.Repeat("\t", depth))
	s.out.WriteString(text)
	s.out.WriteByte('\n')
	s.lines++
}

func (s *serializer) formatIndexed(n *Node) string {
	idx, _ := s.m.IndexOf(n.ID)
	tag := strings.ToLower(n.Tag)

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%d]<%s", idx, tag)
	for _, attr := range displayAttrs {
		val := strings.TrimSpace(n.Attr(attr))
		if val == "" {
			continue
		}
		if len(val) > s.opts.AttrCap {
			val = val[:s.opts.AttrCap]
		}
		fmt.Fprintf(&sb, " %s=%q", attr, val)
	}
	sb.WriteString(">")
	sb.WriteString(s.tree.CollapsedText(n.ID, s.opts.TextCap))
	fmt.Fprintf(&sb, "</%s>", tag)

	if len(n.Options) > 0 {
		sb.WriteString(formatOptions(n.Options))
	}
	if n.Scroll != nil {
		sb.WriteString(scrollNote(n))
	}
	return sb.String()
}

func (s *serializer) formatFrame(n *Node) string {
	src := strings.TrimSpace(n.Attr("src"))
	if len(src) > s.opts.AttrCap {
		src = src[:s.opts.AttrCap]
	}
	if src == "" {
		return "<iframe>"
	}
	return fmt.Sprintf("<iframe src=%q>", src)
}

func formatOptions(options []schemas.SelectOption) string {
	var labels []string
	for _, opt := range options {
		label := opt.Label
		if label == "" {
			label = opt.Value
		}
		if opt.Selected {
			label = "*" + label
		}
		labels = append(labels, label)
		if len(labels) == maxRenderedOptions {
			break
		}
	}
	note := " (options: " + strings.Join(labels, ", ")
	if extra := len(options) - maxRenderedOptions; extra > 0 {
		note += fmt.Sprintf(", +%d more", extra)
	}
	return note + ")"
}

func scrollNote(n *Node) string {
	return fmt.Sprintf(" (scroll: %dpx above, %dpx below)",
		int(n.Scroll.PixelsAbove()), int(n.Scroll.PixelsBelow()))
}

func isFrameTag(tag string) bool {
	switch strings.ToLower(tag) {
	case "iframe", "frame":
		return true
	}
	return false
}
