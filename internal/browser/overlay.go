package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/v0xg/demopilot/internal/lifecycle"
)

const (
	shieldID = "__demopilot_shield"
	bannerID = "__demopilot_banner"
)

// Blocker swallows trusted (real user) input on the page while a run is in
// progress. Automation input is synthesized and therefore untrusted, so it
// passes through.
type Blocker struct {
	page *rod.Page
}

var _ lifecycle.InputBlocker = (*Blocker)(nil)

// NewBlocker creates a blocker for page
func NewBlocker(page *rod.Page) *Blocker {
	return &Blocker{page: page}
}

func (b *Blocker) Enable(ctx context.Context) error {
	_, err := b.page.Context(ctx).Eval(`(id) => {
		if (window.__demopilotBlock) return;
		const types = ['click', 'dblclick', 'contextmenu', 'mousedown', 'mouseup', 'pointerdown', 'pointerup',
			'keydown', 'keypress', 'keyup', 'beforeinput', 'input', 'wheel', 'touchstart', 'touchend', 'paste', 'drop'];
		const block = (e) => {
			if (!e.isTrusted) return;
			e.stopImmediatePropagation();
			e.preventDefault();
		};
		types.forEach(t => window.addEventListener(t, block, {capture: true, passive: false}));

		const shield = document.createElement('div');
		shield.id = id;
		shield.style.cssText = 'position:fixed;inset:0;z-index:2147483646;cursor:not-allowed;background:transparent;';
		(document.body || document.documentElement).appendChild(shield);

		window.__demopilotBlock = {types, block};
	}`, shieldID)
	if err != nil {
		return fmt.Errorf("enable overlay: %w", err)
	}
	return nil
}

func (b *Blocker) Disable(ctx context.Context) error {
	_, err := b.page.Context(ctx).Eval(`(id) => {
		const state = window.__demopilotBlock;
		if (!state) throw new Error('overlay is not enabled');
		state.types.forEach(t => window.removeEventListener(t, state.block, {capture: true}));
		delete window.__demopilotBlock;
		const shield = document.getElementById(id);
		if (shield) shield.remove();
	}`, shieldID)
	if err != nil {
		return fmt.Errorf("disable overlay: %w", err)
	}
	return nil
}

// ForceCleanup removes every trace of the overlay, ignoring errors
func (b *Blocker) ForceCleanup(ctx context.Context) {
	_, _ = b.page.Context(ctx).Eval(`(id) => {
		try {
			const state = window.__demopilotBlock;
			if (state) state.types.forEach(t => window.removeEventListener(t, state.block, {capture: true}));
		} catch (e) {}
		delete window.__demopilotBlock;
		document.querySelectorAll('#' + id).forEach(el => el.remove());
	}`, shieldID)
}

// Banner shows a status strip at the top of the page during a run
type Banner struct {
	page *rod.Page
	text string
}

var _ lifecycle.Feedback = (*Banner)(nil)

// NewBanner creates a banner showing text
func NewBanner(page *rod.Page, text string) *Banner {
	if text == "" {
		text = "Automation in progress. Input is paused."
	}
	return &Banner{page: page, text: text}
}

func (b *Banner) Init(ctx context.Context) error {
	_, err := b.page.Context(ctx).Eval(`(id, text) => {
		if (document.getElementById(id)) return;
		const el = document.createElement('div');
		el.id = id;
		el.textContent = text;
		el.style.cssText = 'position:fixed;top:0;left:0;right:0;z-index:2147483647;padding:6px 12px;' +
			'font:13px/1.4 system-ui,sans-serif;color:#fff;background:rgba(66,133,244,0.92);' +
			'text-align:center;pointer-events:none;';
		(document.body || document.documentElement).appendChild(el);
	}`, bannerID, b.text)
	return err
}

func (b *Banner) Destroy(ctx context.Context) error {
	_, err := b.page.Context(ctx).Eval(`(id) => {
		const el = document.getElementById(id);
		if (el) el.remove();
	}`, bannerID)
	return err
}
