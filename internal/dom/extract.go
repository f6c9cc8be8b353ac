package dom

import (
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/skritek/pagepilot/api/schemas"
)

// Snapshot payloads are large and decoded every cycle.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MarkerAttr is the transient attribute the walker stamps on interactive
// elements so dispatch can target exactly the perceived node. Values carry a
// per-snapshot nonce, so references from an earlier cycle never match.
const MarkerAttr = "data-pp-node"

// ExtractOptions parameterizes the in-page walker.
type ExtractOptions struct {
	// MaxTextLength caps text node content; longer runs are truncated and
	// counted in the snapshot stats.
	MaxTextLength int
	// MaxFrameDepth caps descent into nested same-origin iframes.
	MaxFrameDepth int
	// Nonce distinguishes this snapshot's marker values from older ones
	// still present in the document.
	Nonce string
}

// DefaultExtractOptions mirror the agent config defaults.
func DefaultExtractOptions(nonce string) ExtractOptions {
	return ExtractOptions{MaxTextLength: 160, MaxFrameDepth: 3, Nonce: nonce}
}

// WalkerScript renders the extraction script for one perception cycle. The
// script walks the live DOM from the document root, descending into open
// shadow roots and same-origin iframes, and returns the flat snapshot
// payload as a JSON string.
func WalkerScript(opts ExtractOptions) string {
	if opts.MaxTextLength <= 0 {
		opts.MaxTextLength = 160
	}
	if opts.MaxFrameDepth < 0 {
		opts.MaxFrameDepth = 0
	}
	nonce := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return -1
	}, opts.Nonce)
	return fmt.Sprintf(walkerTemplate, opts.MaxTextLength, opts.MaxFrameDepth, nonce)
}

// DecodeSnapshot parses the walker's JSON payload and stamps the Go-side
// envelope fields. The returned snapshot is not yet validated; BuildTree
// owns structural validation and staleness detection.
func DecodeSnapshot(raw string, snapshotID string) (*schemas.PageSnapshot, error) {
	var snap schemas.PageSnapshot
	if err := json.UnmarshalFromString(raw, &snap); err != nil {
		return nil, fmt.Errorf("decoding structural snapshot: %w", err)
	}
	snap.SnapshotID = snapshotID
	snap.CapturedAt = time.Now().UTC()
	return &snap, nil
}

// The walker emits geometry in top-window viewport coordinates and parent
// references by emission index. Elements that are both visible and
// interactive are stamped with the marker attribute for later dispatch.
const walkerTemplate = `
(() => {
	const MAX_TEXT = %d;
	const MAX_FRAME_DEPTH = %d;
	const NONCE = '%s';
	const MARKER = 'data-pp-node';
	const MAX_ATTR_VALUE = 256;
	const MAX_OPTIONS = 30;

	const nodes = [];
	const stats = {
		walked: 0,
		frames_entered: 0,
		cross_origin_frames: 0,
		shadow_roots: 0,
		text_truncated: 0,
		aborted: false
	};
	const startReadyState = document.readyState;
	const startHref = location.href;

	// Sweep markers left by the previous cycle in the top document. Nested
	// markers are harmless: the nonce keeps stale references from matching.
	document.querySelectorAll('[' + MARKER + ']').forEach((el) => el.removeAttribute(MARKER));

	const SKIP_TAGS = new Set(['script', 'style', 'noscript', 'template', 'link', 'meta', 'head', 'title', 'base']);
	const INTERACTIVE_TAGS = new Set(['a', 'button', 'input', 'textarea', 'select', 'summary', 'details', 'option', 'label']);
	const INTERACTIVE_ROLES = new Set(['button', 'link', 'menuitem', 'tab', 'checkbox', 'radio', 'combobox', 'option', 'switch', 'searchbox', 'textbox', 'slider']);

	const isDisabled = (el) => el.disabled === true || el.getAttribute('aria-disabled') === 'true';

	const isInteractive = (el) => {
		const tag = el.tagName.toLowerCase();
		if (INTERACTIVE_TAGS.has(tag)) return !isDisabled(el);
		if (el.hasAttribute('onclick')) return true;
		const tabindex = el.getAttribute('tabindex');
		if (tabindex !== null && tabindex !== '-1') return true;
		const role = el.getAttribute('role');
		if (role && INTERACTIVE_ROLES.has(role)) return !isDisabled(el);
		if (el.isContentEditable) return true;
		return false;
	};

	const isVisible = (el, style, rect) => {
		if (style.visibility === 'hidden' || style.display === 'none' || style.opacity === '0') return false;
		if (rect.width === 0 || rect.height === 0) return false;
		return true;
	};

	const harvestAttrs = (el) => {
		const attrs = {};
		for (const attr of el.attributes) {
			if (attr.name === MARKER) continue;
			let v = attr.value;
			if (v.length > MAX_ATTR_VALUE) v = v.substring(0, MAX_ATTR_VALUE);
			attrs[attr.name] = v;
		}
		return attrs;
	};

	const harvestOptions = (el) => {
		const out = [];
		for (const option of el.options) {
			if (out.length >= MAX_OPTIONS) break;
			out.push({ value: option.value, label: (option.label || option.text || '').trim(), selected: option.selected });
		}
		return out;
	};

	const walk = (node, parentIdx, frameDepth, offsetX, offsetY, win, parentVisible) => {
		stats.walked++;

		if (node.nodeType === Node.TEXT_NODE) {
			let text = (node.textContent || '').replace(/\s+/g, ' ').trim();
			if (text === '') return;
			if (text.length > MAX_TEXT) {
				text = text.substring(0, MAX_TEXT);
				stats.text_truncated++;
			}
			nodes.push({
				index: nodes.length,
				parent: parentIdx,
				kind: 'text',
				text: text,
				visible: parentVisible,
				interactive: false,
				in_viewport: parentVisible
			});
			return;
		}

		if (node.nodeType !== Node.ELEMENT_NODE) return;
		const el = node;
		const tag = el.tagName.toLowerCase();
		if (SKIP_TAGS.has(tag)) return;

		const style = win.getComputedStyle(el);
		const rect = el.getBoundingClientRect();
		const x = rect.x + offsetX;
		const y = rect.y + offsetY;
		const visible = parentVisible && isVisible(el, style, rect);
		const interactive = isInteractive(el);
		const inViewport = y < win.innerHeight && y + rect.height > 0 && x < win.innerWidth && x + rect.width > 0;

		const record = {
			index: nodes.length,
			parent: parentIdx,
			kind: 'element',
			tag: tag,
			attrs: harvestAttrs(el),
			visible: visible,
			interactive: interactive,
			in_viewport: inViewport,
			box: { x: x, y: y, w: rect.width, h: rect.height },
			frame_depth: frameDepth
		};

		if (tag === 'select') {
			record.options = harvestOptions(el);
		}
		if (el.scrollHeight > el.clientHeight + 1 && style.overflowY !== 'visible' && style.overflowY !== 'hidden') {
			record.scroll = { scroll_top: el.scrollTop, scroll_height: el.scrollHeight, client_height: el.clientHeight };
		}
		if (visible && interactive) {
			const ref = NONCE + '-' + record.index;
			record.node_ref = ref;
			el.setAttribute(MARKER, ref);
		}

		const idx = record.index;
		nodes.push(record);

		if (el.shadowRoot) {
			record.shadow_host = true;
			stats.shadow_roots++;
			for (const child of el.shadowRoot.childNodes) {
				walk(child, idx, frameDepth, offsetX, offsetY, win, visible);
			}
		}

		if (tag === 'iframe' || tag === 'frame') {
			let childDoc = null;
			try {
				childDoc = el.contentDocument;
			} catch (e) {
				childDoc = null;
			}
			if (!childDoc) {
				stats.cross_origin_frames++;
			} else if (frameDepth < MAX_FRAME_DEPTH) {
				stats.frames_entered++;
				walk(childDoc.documentElement, idx, frameDepth + 1, x, y, el.contentWindow, visible);
			}
			return;
		}

		for (const child of el.childNodes) {
			walk(child, idx, frameDepth, offsetX, offsetY, win, visible);
		}
	};

	walk(document.documentElement, -1, 0, 0, 0, window, true);

	if (document.readyState !== startReadyState || location.href !== startHref) {
		stats.aborted = true;
	}

	const payload = {
		url: location.href,
		title: document.title,
		viewport: {
			width: window.innerWidth,
			height: window.innerHeight,
			scroll_x: window.scrollX,
			scroll_y: window.scrollY,
			page_height: document.documentElement.scrollHeight
		},
		nodes: nodes,
		stats: stats
	};
	return JSON.stringify(payload);
})()
`
