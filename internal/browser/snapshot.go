package browser

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/png"

	"github.com/go-rod/rod/lib/proto"
	"github.com/v0xg/demopilot/internal/planner"
)

// snapshotJS collects what the planner needs to choose the next action:
// location, title, visible interactive elements and navigation links.
const snapshotJS = `() => {
	const elements = [];
	const seen = new Set();

	// CSS identifiers can't start with a digit and can't carry selector syntax
	function isValidIdent(s) {
		if (!s) return false;
		if (/^-?[0-9]/.test(s)) return false;
		return !/[.:#\[\]()>~+*\/\\]/.test(s);
	}

	function selectorFor(el) {
		if (el.id && isValidIdent(el.id)) return '#' + el.id;
		if (el.name) return el.tagName.toLowerCase() + '[name="' + el.name + '"]';

		if (el.className && typeof el.className === 'string') {
			const classes = el.className.trim().split(/\s+/).filter(isValidIdent).slice(0, 2);
			if (classes.length > 0) {
				const sel = el.tagName.toLowerCase() + '.' + classes.join('.');
				try {
					if (document.querySelectorAll(sel).length === 1) return sel;
				} catch (e) {}
			}
		}

		const parent = el.parentElement;
		if (parent && parent !== document.documentElement) {
			const index = Array.from(parent.children).indexOf(el) + 1;
			return selectorFor(parent) + ' > ' + el.tagName.toLowerCase() + ':nth-child(' + index + ')';
		}
		return el.tagName.toLowerCase();
	}

	function add(el, type, extra) {
		if (!el.offsetParent) return;
		const selector = selectorFor(el);
		if (seen.has(selector)) return;
		seen.add(selector);
		elements.push(Object.assign({selector, type, name: el.name || ''}, extra));
	}

	const text = (el, n) => (el.textContent || el.value || '').trim().replace(/\s+/g, ' ').slice(0, n);

	document.querySelectorAll('button, [role="button"], input[type="submit"], input[type="button"]')
		.forEach(el => add(el, 'button', {text: text(el, 50)}));
	document.querySelectorAll('input:not([type="hidden"]):not([type="submit"]):not([type="button"]):not([type="checkbox"]):not([type="radio"]), textarea')
		.forEach(el => add(el, 'input', {placeholder: el.placeholder || '', text: el.getAttribute('aria-label') || ''}));
	document.querySelectorAll('select').forEach(el => add(el, 'select', {}));
	document.querySelectorAll('input[type="checkbox"], input[type="radio"]').forEach(el => add(el, el.type, {}));
	document.querySelectorAll('a[href]').forEach(el => {
		const href = el.getAttribute('href');
		if (href.startsWith('#') || href.startsWith('javascript:')) return;
		add(el, 'link', {text: text(el, 50)});
	});

	const links = [];
	const hrefs = new Set();
	document.querySelectorAll('nav a, header a, [role="navigation"] a').forEach(el => {
		if (!el.offsetParent) return;
		const href = el.getAttribute('href');
		if (!href || href === '#' || href.startsWith('javascript:') || hrefs.has(href)) return;
		hrefs.add(href);
		links.push({selector: el.id ? '#' + el.id : 'a[href="' + href + '"]', text: text(el, 30), href});
	});

	return {url: window.location.href, title: document.title, elements, links};
}`

// Snapshot captures the current page for the planner
func (p *Page) Snapshot(ctx context.Context) (*planner.PageSnapshot, error) {
	res, err := p.page.Context(ctx).Eval(snapshotJS)
	if err != nil {
		return nil, fmt.Errorf("snapshot page: %w", err)
	}
	v := res.Value

	snap := &planner.PageSnapshot{
		URL:   v.Get("url").String(),
		Title: v.Get("title").String(),
	}
	for _, e := range v.Get("elements").Arr() {
		snap.Elements = append(snap.Elements, planner.PageElement{
			Selector:    e.Get("selector").String(),
			Type:        e.Get("type").String(),
			Text:        e.Get("text").String(),
			Placeholder: e.Get("placeholder").String(),
			Name:        e.Get("name").String(),
		})
	}
	for _, l := range v.Get("links").Arr() {
		snap.Links = append(snap.Links, planner.PageLink{
			Selector: l.Get("selector").String(),
			Text:     l.Get("text").String(),
			Href:     l.Get("href").String(),
		})
	}
	return snap, nil
}

// Screenshot captures the viewport as an image
func (p *Page) Screenshot(ctx context.Context) (image.Image, error) {
	data, err := p.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return img, nil
}
