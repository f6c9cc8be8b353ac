package schemas

import "time"

// RawNodeKind discriminates the records emitted by the in-page walker.
type RawNodeKind string

const (
	RawElement RawNodeKind = "element"
	RawText    RawNodeKind = "text"
)

// BoundingBox is an element's layout rectangle in CSS pixels, relative to
// the top-left of the top window's viewport. Nested frame geometry is
// already offset into top-window coordinates by the walker.
type BoundingBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// ScrollInfo describes a scrollable container at capture time.
type ScrollInfo struct {
	ScrollTop    float64 `json:"scroll_top"`
	ScrollHeight float64 `json:"scroll_height"`
	ClientHeight float64 `json:"client_height"`
}

// PixelsAbove returns how much content is scrolled out above the container's
// visible area.
func (s ScrollInfo) PixelsAbove() float64 { return s.ScrollTop }

// PixelsBelow returns how much content remains below the visible area.
func (s ScrollInfo) PixelsBelow() float64 {
	below := s.ScrollHeight - s.ClientHeight - s.ScrollTop
	if below < 0 {
		return 0
	}
	return below
}

// SelectOption is one entry of a <select> element's option list.
type SelectOption struct {
	Value    string `json:"value"`
	Label    string `json:"label"`
	Selected bool   `json:"selected,omitempty"`
}

// RawNode is one flat record of the structural snapshot. Parent references
// are by position in the snapshot's node array, so the payload carries no
// cycles on the wire.
type RawNode struct {
	Index       int               `json:"index"`
	Parent      int               `json:"parent"` // -1 for the document root
	Kind        RawNodeKind       `json:"kind"`
	Tag         string            `json:"tag,omitempty"`
	Attrs       map[string]string `json:"attrs,omitempty"`
	Text        string            `json:"text,omitempty"`
	Visible     bool              `json:"visible"`
	Interactive bool              `json:"interactive"`
	InViewport  bool              `json:"in_viewport"`
	Box         *BoundingBox      `json:"box,omitempty"`
	Scroll      *ScrollInfo       `json:"scroll,omitempty"`
	Options     []SelectOption    `json:"options,omitempty"`
	FrameDepth  int               `json:"frame_depth,omitempty"`
	ShadowHost  bool              `json:"shadow_host,omitempty"`
	// NodeRef is the value of the transient marker attribute the walker
	// stamped on this element, used to target it during dispatch.
	NodeRef string `json:"node_ref,omitempty"`
}

// Viewport captures the window geometry at snapshot time.
type Viewport struct {
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	ScrollX    float64 `json:"scroll_x"`
	ScrollY    float64 `json:"scroll_y"`
	PageHeight float64 `json:"page_height"`
}

// SnapshotStats summarizes what the walker saw and skipped.
type SnapshotStats struct {
	Walked            int  `json:"walked"`
	FramesEntered     int  `json:"frames_entered"`
	CrossOriginFrames int  `json:"cross_origin_frames"` // skipped, not entered
	ShadowRoots       int  `json:"shadow_roots"`
	TextTruncated     int  `json:"text_truncated"`
	Aborted           bool `json:"aborted,omitempty"` // readyState flipped mid-walk
}

// PageSnapshot is the self-contained structural payload one perception cycle
// extracts from the live page.
type PageSnapshot struct {
	SnapshotID string        `json:"snapshot_id"`
	URL        string        `json:"url"`
	Title      string        `json:"title"`
	CapturedAt time.Time     `json:"captured_at"`
	Viewport   Viewport      `json:"viewport"`
	Nodes      []RawNode     `json:"nodes"`
	Stats      SnapshotStats `json:"stats"`
}

// TabInfo describes one open tab of the browsing session.
type TabInfo struct {
	Index    int    `json:"index"`
	TargetID string `json:"target_id"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Active   bool   `json:"active,omitempty"`
}

// CommandVerb enumerates the browser-level primitives the engine dispatches.
type CommandVerb string

const (
	VerbNavigate    CommandVerb = "navigate"
	VerbBack        CommandVerb = "back"
	VerbClick       CommandVerb = "click"
	VerbType        CommandVerb = "type"
	VerbSelect      CommandVerb = "select"
	VerbScrollBy    CommandVerb = "scroll_by"
	VerbScrollTo    CommandVerb = "scroll_to"
	VerbSendKeys    CommandVerb = "send_keys"
	VerbExtractText CommandVerb = "extract_text"
	VerbOpenTab     CommandVerb = "open_tab"
	VerbCloseTab    CommandVerb = "close_tab"
	VerbSwitchTab   CommandVerb = "switch_tab"
)

// Command is one browser-level operation. TargetRef, when set, is the
// walker's transient marker value for the element the command addresses;
// page-level commands leave it empty.
type Command struct {
	Verb      CommandVerb `json:"verb"`
	TargetRef string      `json:"target_ref,omitempty"`
	URL       string      `json:"url,omitempty"`
	Text      string      `json:"text,omitempty"`
	Value     string      `json:"value,omitempty"`
	Clear     bool        `json:"clear,omitempty"`   // clear the field before typing
	DeltaY    float64     `json:"delta_y,omitempty"` // scroll_by, CSS pixels
	TabIndex  int         `json:"tab_index,omitempty"`
}

// CommandResult is what a dispatched command produced.
type CommandResult struct {
	Text string `json:"text,omitempty"` // extract_text payloads
	URL  string `json:"url,omitempty"`  // page URL after the command settled
}
