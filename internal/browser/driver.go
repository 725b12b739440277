// Package browser drives a real browser for the retailer's web storefront.
package browser

import (
	"context"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned when a selector matches nothing before the wait
// timeout.
var ErrNotFound = eris.New("browser: element not found")

// Cookie is a cookie injected before navigation.
type Cookie struct {
	Name   string
	Value  string
	Domain string
	Path   string
}

// Driver is the set of page primitives the browser backend uses. Selectors
// are CSS selectors.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	SetCookie(ctx context.Context, c Cookie) error
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	// Press sends a named key (for example "Enter") to the element.
	Press(ctx context.Context, selector, key string) error
	// WaitVisible returns ErrNotFound if nothing matching selector is shown
	// within the driver's element timeout.
	WaitVisible(ctx context.Context, selector string) error
	// Texts returns the trimmed text of every element matching selector.
	Texts(ctx context.Context, selector string) ([]string, error)
	// Attrs returns attr of every element matching selector, "" when unset.
	Attrs(ctx context.Context, selector, attr string) ([]string, error)
	// Location returns the current page URL.
	Location(ctx context.Context) (string, error)
	// Cookie returns the value of the named cookie for the current page, or
	// ErrNotFound.
	Cookie(ctx context.Context, name string) (string, error)
	Close() error
}
