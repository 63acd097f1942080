// Package surfacetest provides an in-memory surface for tests above the
// browser driver.
package surfacetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/polzovatel/browser-autopilot/internal/locator"
	"github.com/polzovatel/browser-autopilot/internal/snapshot"
	"github.com/polzovatel/browser-autopilot/internal/surface"
)

// Node is one element of the fake page.
type Node struct {
	Key         string
	Role        string
	Name        string
	Text        string
	Label       string
	Placeholder string
	TestID      string
	Title       string
	Alt         string
	// Selectors are the CSS selectors that match this node verbatim.
	Selectors []string
	Value     string
	Hidden    bool
	// OnClick runs after a click, with the page lock released.
	OnClick func(p *Page)
}

// Act is a recorded action.
type Act struct {
	Key   string
	Kind  surface.Kind
	Value string
}

// Page is a scripted page. It implements surface.Session.
type Page struct {
	mu     sync.Mutex
	url    string
	title  string
	body   string
	nodes  []*Node
	closed bool

	// OnGoto, when set, is invoked on navigation and may reshape the page.
	OnGoto func(p *Page, url string)
	// FindErr forces Find to fail for the given locator expression.
	FindErr map[string]error

	Gotos    []string
	Acts     []Act
	Observes int
	Finds    int
}

var _ surface.Session = (*Page)(nil)

// NewPage returns a page showing nodes at url.
func NewPage(url string, nodes ...*Node) *Page {
	return &Page{url: url, title: "test page", nodes: nodes, FindErr: map[string]error{}}
}

func (p *Page) Goto(_ context.Context, url string) error {
	p.mu.Lock()
	p.url = url
	p.Gotos = append(p.Gotos, url)
	hook := p.OnGoto
	p.mu.Unlock()
	if hook != nil {
		hook(p, url)
	}
	return nil
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) Observe(ctx context.Context) (snapshot.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return snapshot.Snapshot{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Observes++
	var elems []snapshot.Element
	for _, n := range p.nodes {
		if n.Hidden {
			continue
		}
		elems = append(elems, snapshot.Element{Key: n.Key, Role: n.Role, Name: n.Name, Text: n.Text})
	}
	return snapshot.New(p.url, p.title, p.body, elems), nil
}

func (p *Page) Find(ctx context.Context, loc locator.Locator) ([]surface.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Finds++
	if err := p.FindErr[loc.String()]; err != nil {
		return nil, err
	}
	var out []surface.Element
	for _, n := range p.nodes {
		if !n.Hidden && matches(n, loc) {
			out = append(out, surface.Element{Key: n.Key, Role: n.Role, Name: n.Name, Text: n.Text})
		}
	}
	return out, nil
}

func (p *Page) Act(ctx context.Context, el surface.Element, kind surface.Kind, value string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	n := p.node(el.Key)
	if n == nil {
		p.mu.Unlock()
		return "", &surface.LocatorError{Expr: "key=" + el.Key, Err: surface.ErrNotFound}
	}
	p.Acts = append(p.Acts, Act{Key: el.Key, Kind: kind, Value: value})
	var out string
	switch kind {
	case surface.KindFill:
		n.Value = value
	case surface.KindRead:
		out = n.Text
		if out == "" {
			out = n.Value
		}
	}
	onClick := n.OnClick
	p.mu.Unlock()

	if kind == surface.KindClick && onClick != nil {
		onClick(p)
	}
	return out, nil
}

func (p *Page) Close(context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// SetBody sets the visible body text.
func (p *Page) SetBody(text string) {
	p.mu.Lock()
	p.body = text
	p.mu.Unlock()
}

// SetNodes replaces the page content.
func (p *Page) SetNodes(nodes ...*Node) {
	p.mu.Lock()
	p.nodes = nodes
	p.mu.Unlock()
}

// Add appends nodes to the page.
func (p *Page) Add(nodes ...*Node) {
	p.mu.Lock()
	p.nodes = append(p.nodes, nodes...)
	p.mu.Unlock()
}

// Rename changes a node's accessible name and text, keeping its identity.
func (p *Page) Rename(key, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := p.node(key); n != nil {
		n.Name = name
		n.Text = name
	}
}

// Value returns the current value of a node.
func (p *Page) Value(key string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := p.node(key); n != nil {
		return n.Value
	}
	return ""
}

// ActCount returns the number of recorded actions.
func (p *Page) ActCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Acts)
}

func (p *Page) node(key string) *Node {
	for _, n := range p.nodes {
		if n.Key == key {
			return n
		}
	}
	return nil
}

func matches(n *Node, loc locator.Locator) bool {
	switch loc.Strategy {
	case locator.ByRole:
		if !strings.EqualFold(n.Role, loc.Role) {
			return false
		}
		return loc.Value == "" || textMatch(n.Name, loc.Value, loc.Exact)
	case locator.ByText:
		return textMatch(n.Text, loc.Value, loc.Exact)
	case locator.ByLabel:
		return textMatch(n.Label, loc.Value, loc.Exact)
	case locator.ByPlaceholder:
		return textMatch(n.Placeholder, loc.Value, loc.Exact)
	case locator.ByAltText:
		return textMatch(n.Alt, loc.Value, loc.Exact)
	case locator.ByTitle:
		return textMatch(n.Title, loc.Value, loc.Exact)
	case locator.ByTestID:
		return n.TestID != "" && n.TestID == loc.Value
	case locator.ByCSS:
		for _, s := range n.Selectors {
			if s == loc.Value {
				return true
			}
		}
	}
	return false
}

func textMatch(have, want string, exact bool) bool {
	if have == "" {
		return false
	}
	if exact {
		return have == want
	}
	return strings.Contains(strings.ToLower(have), strings.ToLower(want))
}

// Opener hands out pages built by New, one per Open call.
type Opener struct {
	New func() *Page

	mu     sync.Mutex
	Opened []*Page
	Err    error
}

func (o *Opener) Open(context.Context) (surface.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.Err != nil {
		return nil, fmt.Errorf("open surface: %w", o.Err)
	}
	p := o.New()
	o.Opened = append(o.Opened, p)
	return p, nil
}

// Pages returns the pages opened so far.
func (o *Opener) Pages() []*Page {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Page(nil), o.Opened...)
}
