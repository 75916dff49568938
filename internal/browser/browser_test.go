package browser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOptionsWithDefaults(t *testing.T) {
	opts := Options{Headless: false, Width: 1920, ElementTimeout: -time.Second}.withDefaults()

	assert.False(t, opts.Headless)
	assert.Equal(t, 1920, opts.Width)
	assert.Equal(t, 800, opts.Height)
	assert.Equal(t, 10*time.Second, opts.ElementTimeout)
	assert.Equal(t, 5*time.Second, opts.StabilizeTimeout)
}

func TestNilPointerObserverIsSkipped(t *testing.T) {
	p := NewPage(nil, DefaultOptions(), nil)
	e := &element{page: p}
	// Must return before touching the missing rod element
	e.point(t.Context(), true)
}
