package dom

import (
	"fmt"
	"hash"
	"hash/fnv"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var hasherPool = sync.Pool{
	New: func() interface{} { return fnv.New64a() },
}

// signatureAttrs are the attributes folded into an element's signature.
// "value" is deliberately absent: it mutates as the user types, and a
// signature must survive interaction with the element it names.
var signatureAttrs = []string{
	"action", "aria-label", "data-testid", "href", "method",
	"name", "placeholder", "role", "title", "type",
}

// signatureTextCap bounds the text component in runes.
const signatureTextCap = 40

// descriptiveTextTags are elements whose visible text names them (a link's
// label, a button's caption). Text on anything else is layout content and
// too volatile to hash.
var descriptiveTextTags = map[string]bool{
	"a": true, "button": true, "option": true, "label": true, "summary": true,
}

// ComputeSignature derives a stable identity for an element: an FNV-64a hex
// hash plus the human-readable description it was hashed from. The
// description combines the ancestor tag path with the element's own
// identifying attributes, so the same control hashes identically across
// snapshots of the same page even as sibling content shifts around it.
func ComputeSignature(t *Tree, id NodeID) (string, string) {
	n := t.Node(id)
	if n == nil || n.Kind != KindElement {
		return "", ""
	}

	description := buildTagPath(t, id) + elementFeatures(t, n)

	hasher := hasherPool.Get().(hash.Hash64)
	defer func() {
		hasher.Reset()
		hasherPool.Put(hasher)
	}()
	_, _ = hasher.Write([]byte(description))
	return strconv.FormatUint(hasher.Sum64(), 16), description
}

// elementFeatures renders the identifying features of one element: its id,
// stable classes, signature attributes and (for descriptive tags) text.
// This is the non-positional half of a signature and doubles as the
// sibling discriminator for tag path ordinals.
func elementFeatures(t *Tree, n *Node) string {
	var sb strings.Builder

	if idAttr := n.Attr("id"); idAttr != "" {
		sb.WriteString("#" + idAttr)
	}

	if cls := n.Attr("class"); cls != "" {
		classes := strings.Fields(cls)
		sort.Strings(classes)
		var stable []string
		for _, c := range classes {
			// Heuristic: short classes containing digits tend to be
			// generated CSS-in-JS hashes and churn between loads.
			if len(c) > 5 || !strings.ContainsAny(c, "0123456789") {
				stable = append(stable, c)
			}
		}
		// Highly dynamic CSS frameworks stack many utility classes;
		// past a handful they stop identifying anything.
		if len(stable) > 0 && len(stable) < 5 {
			sb.WriteString("." + strings.Join(stable, "."))
		}
	}

	for _, attr := range signatureAttrs {
		val := strings.TrimSpace(n.Attr(attr))
		if val == "" {
			continue
		}
		if attr == "href" {
			val = normalizeHref(val)
		}
		if r := []rune(val); len(r) > 128 {
			val = string(r[:128])
		}
		val = strings.ReplaceAll(val, `"`, "'")
		sb.WriteString(fmt.Sprintf(`[%s="%s"]`, attr, val))
	}

	if descriptiveTextTags[strings.ToLower(n.Tag)] {
		if text := t.CollapsedText(n.ID, signatureTextCap); text != "" {
			text = strings.ReplaceAll(text, `"`, "'")
			sb.WriteString(fmt.Sprintf(`[text="%s"]`, text))
		}
	}
	return sb.String()
}

// buildTagPath renders the root-to-node tag path. A 1-based ordinal is
// appended only where same-tag siblings share identical features, so
// reordering distinguishable siblings leaves every signature intact.
func buildTagPath(t *Tree, id NodeID) string {
	var segments []string
	for cur := id; cur != NilNode; {
		n := t.Node(cur)
		if n == nil {
			break
		}
		if n.Kind != KindElement {
			cur = n.Parent
			continue
		}
		tag := strings.ToLower(n.Tag)
		segments = append(segments, tag+tagOrdinal(t, n))
		cur = n.Parent
	}
	// Collected leaf-first.
	for i, j := 0, len(segments)-1; i < j; i, j = i+1, j-1 {
		segments[i], segments[j] = segments[j], segments[i]
	}
	return strings.Join(segments, "/")
}

// tagOrdinal positions a node among same-tag siblings it is otherwise
// indistinguishable from. Siblings that differ in attributes or text need
// no ordinal; their features already separate them.
func tagOrdinal(t *Tree, n *Node) string {
	if n.Parent == NilNode {
		return ""
	}
	parent := t.Node(n.Parent)
	features := elementFeatures(t, n)
	ordinal, twins := 0, 0
	for _, sib := range parent.Children {
		s := t.Node(sib)
		if s == nil || s.Kind != KindElement || !strings.EqualFold(s.Tag, n.Tag) {
			continue
		}
		if elementFeatures(t, s) != features {
			continue
		}
		twins++
		if s.ID <= n.ID {
			ordinal++
		}
	}
	if twins <= 1 {
		return ""
	}
	return "[" + strconv.Itoa(ordinal) + "]"
}

// normalizeHref reduces a link target to its path so that tracking params
// and fragments do not perturb the signature.
func normalizeHref(val string) string {
	u, err := url.Parse(val)
	if err != nil || u.Path == "" {
		return val
	}
	return u.Path
}
