package snapshot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxVisibleText bounds the body text carried in a snapshot.
const MaxVisibleText = 1200

// Element describes minimal info about an interactive node. Index is the
// position in the listing shown to the oracle; Key is the node's identity on
// the surface and survives re-renders of the listing.
type Element struct {
	Index    int    `json:"index"`
	Key      string `json:"key"`
	Role     string `json:"role"`
	Name     string `json:"name"`
	Text     string `json:"text"`
	Attr     string `json:"attr,omitempty"`
	BBox     string `json:"bbox,omitempty"`
	Selector string `json:"selector,omitempty"`
}

// Snapshot is a compact structural view of the current page.
type Snapshot struct {
	URL      string    `json:"url"`
	Title    string    `json:"title"`
	Visible  string    `json:"visible"`
	Elements []Element `json:"elements"`
	// Visual is an optional screenshot. It is never rendered into text.
	Visual []byte `json:"-"`
}

// New builds a snapshot and numbers its elements from zero.
func New(url, title, visible string, elems []Element) Snapshot {
	visible = strings.TrimSpace(visible)
	if len(visible) > MaxVisibleText {
		n := MaxVisibleText
		for n > 0 && !utf8.RuneStart(visible[n]) {
			n--
		}
		visible = visible[:n]
	}
	return Snapshot{URL: url, Title: title, Visible: visible, Elements: Reindex(elems)}
}

// Reindex assigns sequential indexes in slice order.
func Reindex(elems []Element) []Element {
	out := make([]Element, len(elems))
	for i, el := range elems {
		el.Index = i
		out[i] = el
	}
	return out
}

// Lookup returns the element listed at index.
func (s Snapshot) Lookup(index int) (Element, bool) {
	if index < 0 || index >= len(s.Elements) {
		return Element{}, false
	}
	return s.Elements[index], true
}

// Listing renders only the indexed element lines.
func (s Snapshot) Listing() string {
	var b strings.Builder
	for _, el := range s.Elements {
		fmt.Fprintf(&b, "[%d] %s", el.Index, el.Role)
		if el.Name != "" {
			fmt.Fprintf(&b, " name=%q", el.Name)
		}
		if el.Text != "" && el.Text != el.Name {
			fmt.Fprintf(&b, " text=%q", el.Text)
		}
		if el.Attr != "" {
			fmt.Fprintf(&b, " attr=%s", el.Attr)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func (s Snapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\nTITLE: %s\nTEXT: %s\nELEMENTS:\n", s.URL, s.Title, s.Visible)
	b.WriteString(s.Listing())
	return b.String()
}

// WithDeadline shortens context to avoid long snapshot waits.
func WithDeadline(ctx context.Context, dur time.Duration) (context.Context, context.CancelFunc) {
	if dur <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dur)
}

// Rank keeps the maxCount most relevant elements and renumbers them.
// Elements scoring zero or less are dropped only when truncation is needed.
func Rank(elems []Element, maxCount int) []Element {
	if maxCount <= 0 || len(elems) <= maxCount {
		return Reindex(elems)
	}

	type scored struct {
		el    Element
		score int
	}
	cands := make([]scored, 0, len(elems))
	for _, el := range elems {
		if s := score(el); s > 0 {
			cands = append(cands, scored{el, s})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	if len(cands) > maxCount {
		cands = cands[:maxCount]
	}

	out := make([]Element, len(cands))
	for i, c := range cands {
		out[i] = c.el
	}
	return Reindex(out)
}

func score(el Element) int {
	s := 0
	switch el.Role {
	case "", "generic", "presentation", "none":
	default:
		s += 5
	}
	if el.Name != "" {
		s += 3
	}
	if n := len(el.Text); n > 0 {
		s += 3
		if n > 10 && n < 200 {
			s += 2
		}
		if n > 500 {
			s -= 3
		}
	}
	attr := strings.ToLower(el.Attr)
	if strings.Contains(attr, "data-testid") {
		s += 3
	}
	if strings.Contains(attr, "aria-label") {
		s += 2
	}
	if el.Text == "" && el.Name == "" && el.Role == "" {
		s -= 5
	}
	return s
}
