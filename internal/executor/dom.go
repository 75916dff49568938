package executor

import "context"

// Page is the location-level view of the tab the executor drives
type Page interface {
	// URL returns the current document location
	URL(ctx context.Context) (string, error)
	// Navigate starts loading url; completion is awaited through the Locator
	Navigate(ctx context.Context, url string) error
}

// Locator resolves targets and reports page readiness. WaitForElement polls
// up to its own timeout and returns a nil Element, not an error, when the
// target never appears.
type Locator interface {
	WaitForElement(ctx context.Context, selector string) (Element, error)
	WaitForNavigationComplete(ctx context.Context) error
	WaitForPageStabilization(ctx context.Context) error
}

// Element is a resolved DOM node
type Element interface {
	// Click dispatches a synthetic click
	Click(ctx context.Context) error
	// AcceptsText reports whether the node is an input, textarea or
	// contenteditable that can receive typed characters
	AcceptsText(ctx context.Context) (bool, error)
	// Focus focuses the node and clears its current value
	Focus(ctx context.Context) error
	// TypeRune enters a single character
	TypeRune(ctx context.Context, r rune) error
	// Commit fires the change notification once typing is finished
	Commit(ctx context.Context) error
}
