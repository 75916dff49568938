package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/v0xg/demopilot/internal/executor"
)

// PointerObserver is told where the automation points and clicks, in page
// coordinates. The recorder draws its cursor from these.
type PointerObserver interface {
	Pointer(x, y int, kind CursorKind, click bool)
}

// CursorKind is the cursor shape appropriate for an element
type CursorKind string

const (
	CursorDefault CursorKind = "default"
	CursorPointer CursorKind = "pointer"
	CursorText    CursorKind = "text"
)

// Page drives one rod page. It implements executor.Page and
// executor.Locator.
type Page struct {
	page    *rod.Page
	opts    Options
	pointer PointerObserver
}

var (
	_ executor.Page    = (*Page)(nil)
	_ executor.Locator = (*Page)(nil)
)

// NewPage adapts page. pointer may be nil.
func NewPage(page *rod.Page, opts Options, pointer PointerObserver) *Page {
	return &Page{page: page, opts: opts.withDefaults(), pointer: pointer}
}

// Rod returns the underlying page
func (p *Page) Rod() *rod.Page { return p.page }

// URL returns the current document location
func (p *Page) URL(ctx context.Context) (string, error) {
	res, err := p.page.Context(ctx).Eval(`() => window.location.href`)
	if err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return res.Value.String(), nil
}

// Navigate starts loading url
func (p *Page) Navigate(ctx context.Context, url string) error {
	return p.page.Context(ctx).Navigate(url)
}

// Navigations reports the URL of every committed main-frame navigation
// until ctx ends. Each one replaces the document and everything running in it.
func (p *Page) Navigations(ctx context.Context) <-chan string {
	ch := make(chan string, 8)
	wait := p.page.Context(ctx).EachEvent(func(e *proto.PageFrameNavigated) {
		if e.Frame == nil || e.Frame.ParentID != "" {
			return
		}
		select {
		case ch <- e.Frame.URL:
		case <-ctx.Done():
		}
	})
	go func() {
		defer close(ch)
		wait()
	}()
	return ch
}

// WaitReady waits for the current document's load event
func (p *Page) WaitReady(ctx context.Context) error {
	return p.page.Context(ctx).WaitLoad()
}

// WaitForElement polls for a visible element matching selector. It returns
// nil when nothing appears within the element timeout.
func (p *Page) WaitForElement(ctx context.Context, selector string) (executor.Element, error) {
	tctx, cancel := context.WithTimeout(ctx, p.opts.ElementTimeout)
	defer cancel()

	el, err := p.page.Context(tctx).Element(selector)
	if err == nil {
		err = el.WaitVisible()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("locate %s: %w", selector, err)
	}
	return &element{el: el.Context(ctx), page: p}, nil
}

// WaitForNavigationComplete waits for the load event and a short network
// quiet period.
func (p *Page) WaitForNavigationComplete(ctx context.Context) error {
	if err := p.page.Context(ctx).WaitLoad(); err != nil {
		return err
	}
	p.idle(ctx)
	return nil
}

// WaitForPageStabilization waits for network idle, bounded by the stabilize
// timeout. Reaching the bound is not an error.
func (p *Page) WaitForPageStabilization(ctx context.Context) error {
	p.idle(ctx)
	return ctx.Err()
}

func (p *Page) idle(ctx context.Context) {
	tctx, cancel := context.WithTimeout(ctx, p.opts.StabilizeTimeout)
	defer cancel()
	p.page.Context(tctx).WaitRequestIdle(500*time.Millisecond, nil, nil, nil)()
}

// element is a resolved node. Input is synthesized in the page so the
// overlay, which only lets untrusted events through, never blocks it.
type element struct {
	el   *rod.Element
	page *Page
}

func (e *element) Click(ctx context.Context) error {
	el := e.el.Context(ctx)
	if err := el.ScrollIntoView(); err != nil {
		return fmt.Errorf("scroll into view: %w", err)
	}
	e.point(ctx, true)
	if _, err := el.Eval(`() => this.click()`); err != nil {
		return fmt.Errorf("click: %w", err)
	}
	return nil
}

func (e *element) AcceptsText(ctx context.Context) (bool, error) {
	res, err := e.el.Context(ctx).Eval(`() => {
		if (this.isContentEditable) return true;
		const tag = this.tagName.toLowerCase();
		if (tag === 'textarea') return !this.disabled && !this.readOnly;
		if (tag !== 'input') return false;
		const textual = ['', 'text', 'email', 'password', 'search', 'tel', 'url', 'number'];
		return textual.includes((this.getAttribute('type') || '').toLowerCase()) && !this.disabled && !this.readOnly;
	}`)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (e *element) Focus(ctx context.Context) error {
	e.point(ctx, true)
	_, err := e.el.Context(ctx).Eval(`() => {
		this.focus();
		if ('value' in this) this.value = '';
		else this.textContent = '';
	}`)
	return err
}

func (e *element) TypeRune(ctx context.Context, r rune) error {
	_, err := e.el.Context(ctx).Eval(`(ch) => {
		if ('value' in this) this.value += ch;
		else this.textContent += ch;
		this.dispatchEvent(new InputEvent('input', {bubbles: true, data: ch, inputType: 'insertText'}));
	}`, string(r))
	return err
}

func (e *element) Commit(ctx context.Context) error {
	_, err := e.el.Context(ctx).Eval(`() => this.dispatchEvent(new Event('change', {bubbles: true}))`)
	return err
}

// point reports the element center to the pointer observer. Failures only
// cost the recording its cursor.
func (e *element) point(ctx context.Context, click bool) {
	if e.page.pointer == nil {
		return
	}
	x, y, err := center(e.el.Context(ctx))
	if err != nil {
		return
	}
	e.page.pointer.Pointer(x, y, cursorFor(ctx, e.el), click)
}

// center returns the center of the element's first content quad
func center(el *rod.Element) (x, y int, err error) {
	box, err := el.Shape()
	if err != nil {
		return 0, 0, err
	}
	if len(box.Quads) == 0 {
		return 0, 0, errors.New("element has no shape")
	}
	quad := box.Quads[0]
	cx := (quad[0] + quad[2] + quad[4] + quad[6]) / 4
	cy := (quad[1] + quad[3] + quad[5] + quad[7]) / 4
	return int(cx), int(cy), nil
}

// cursorFor picks the cursor shape a user would see over el
func cursorFor(ctx context.Context, el *rod.Element) CursorKind {
	res, err := el.Context(ctx).Eval(`() => {
		const tag = this.tagName.toLowerCase();
		const type = (this.type || '').toLowerCase();
		if (tag === 'textarea' || this.isContentEditable) return 'text';
		if (tag === 'input' && ['', 'text', 'email', 'password', 'search', 'tel', 'url', 'number'].includes(type)) return 'text';
		if (tag === 'a' || tag === 'button' || tag === 'select' || this.getAttribute('role') === 'button') return 'pointer';
		if (tag === 'input') return 'pointer';
		return window.getComputedStyle(this).cursor === 'pointer' ? 'pointer' : 'default';
	}`)
	if err != nil {
		return CursorDefault
	}
	switch k := CursorKind(res.Value.String()); k {
	case CursorPointer, CursorText:
		return k
	}
	return CursorDefault
}
