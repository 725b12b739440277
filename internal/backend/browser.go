package backend

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grocer/internal/browser"
	"github.com/sells-group/grocer/internal/model"
	"github.com/sells-group/grocer/internal/session"
	"github.com/sells-group/grocer/pkg/instacart"
)

// BrowserBackend orders by driving the retailer's storefront in a browser.
// The driver owns a single tab, so operations are serialized.
type BrowserBackend struct {
	driver  browser.Driver
	baseURL string
	domain  string
	profile Profile

	mu          sync.Mutex
	cookieToken string

	nowFunc func() time.Time
}

// NewBrowserBackend creates a browser backend for the storefront at baseURL.
func NewBrowserBackend(driver browser.Driver, baseURL string, profile Profile) (*BrowserBackend, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil, eris.Errorf("backend: invalid storefront url %q", baseURL)
	}
	if err := profile.validate(); err != nil {
		return nil, err
	}
	if profile.MaxResults <= 0 {
		profile.MaxResults = 5
	}
	return &BrowserBackend{
		driver:  driver,
		baseURL: strings.TrimRight(baseURL, "/"),
		domain:  u.Hostname(),
		profile: profile,
		nowFunc: time.Now,
	}, nil
}

// Name implements OrderingBackend.
func (b *BrowserBackend) Name() model.BackendName { return model.BackendBrowser }

// Search implements OrderingBackend.
func (b *BrowserBackend) Search(ctx context.Context, sess session.Session, item string) ([]model.ProductMatch, error) {
	sel := b.profile.Selectors
	var matches []model.ProductMatch

	err := b.do(ctx, sess, model.OperationSearch, func(ctx context.Context) error {
		if err := b.open(ctx, b.profile.Paths.Store); err != nil {
			return err
		}
		if err := b.driver.Fill(ctx, sel.SearchInput, item); err != nil {
			return err
		}
		if err := b.driver.Press(ctx, sel.SearchInput, "Enter"); err != nil {
			return err
		}
		if err := b.driver.WaitVisible(ctx, sel.ProductCard); err != nil {
			if errors.Is(err, browser.ErrNotFound) {
				// No result cards: either no matches or a bounce to login.
				return b.checkLogin(ctx)
			}
			return err
		}

		ids, err := b.driver.Attrs(ctx, sel.ProductCard, sel.ProductIDAttr)
		if err != nil {
			return err
		}
		names, err := b.driver.Texts(ctx, sel.ProductName)
		if err != nil {
			return err
		}
		var prices []string
		if sel.ProductPrice != "" {
			if prices, err = b.driver.Texts(ctx, sel.ProductPrice); err != nil {
				return err
			}
		}

		for i := 0; i < len(ids) && i < len(names) && len(matches) < b.profile.MaxResults; i++ {
			if ids[i] == "" || names[i] == "" {
				continue
			}
			m := model.ProductMatch{ProductID: ids[i], Name: names[i], Backend: model.BackendBrowser}
			if i < len(prices) {
				m.Price = prices[i]
			}
			matches = append(matches, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rankMatches(item, matches), nil
}

// AddToCart implements OrderingBackend.
func (b *BrowserBackend) AddToCart(ctx context.Context, sess session.Session, productID string, qty float64) (model.CartSnapshot, error) {
	sel := b.profile.Selectors
	var snap model.CartSnapshot

	err := b.do(ctx, sess, model.OperationAddToCart, func(ctx context.Context) error {
		path := strings.ReplaceAll(b.profile.Paths.Item, "{id}", url.PathEscape(productID))
		if err := b.open(ctx, path); err != nil {
			return err
		}
		if sel.QuantityInput != "" {
			if err := b.driver.Fill(ctx, sel.QuantityInput, strconv.FormatFloat(qty, 'f', -1, 64)); err != nil {
				return err
			}
		}
		if err := b.driver.Click(ctx, sel.AddButton); err != nil {
			if errors.Is(err, browser.ErrNotFound) {
				return model.ItemError(model.KindProductNotFound, productID, "product page has no add button")
			}
			return err
		}
		var err error
		snap, err = b.readCart(ctx)
		return err
	})
	return snap, err
}

// GetCart implements OrderingBackend.
func (b *BrowserBackend) GetCart(ctx context.Context, sess session.Session) (model.CartSnapshot, error) {
	var snap model.CartSnapshot
	err := b.do(ctx, sess, model.OperationGetCart, func(ctx context.Context) error {
		var err error
		snap, err = b.readCart(ctx)
		return err
	})
	return snap, err
}

// IdempotentCheckout reports false: the storefront has no idempotency
// header, and every Checkout clicks place-order again.
func (b *BrowserBackend) IdempotentCheckout() bool { return false }

// Checkout implements OrderingBackend. The key is only logged.
func (b *BrowserBackend) Checkout(ctx context.Context, sess session.Session, d model.DeliveryDetails) (model.OrderConfirmation, error) {
	sel := b.profile.Selectors
	var conf model.OrderConfirmation

	err := b.do(ctx, sess, model.OperationCheckout, func(ctx context.Context) error {
		if err := b.open(ctx, b.profile.Paths.Checkout); err != nil {
			return err
		}
		if d.Address != "" && sel.AddressInput != "" {
			if err := b.driver.Fill(ctx, sel.AddressInput, d.Address); err != nil {
				return err
			}
		}
		if d.Instructions != "" && sel.InstructionsInput != "" {
			if err := b.driver.Fill(ctx, sel.InstructionsInput, d.Instructions); err != nil {
				return err
			}
		}

		zap.L().Info("placing order in browser", zap.String("order_key", d.IdempotencyKey))
		if err := b.driver.Click(ctx, sel.PlaceOrderButton); err != nil {
			return err
		}
		if err := b.driver.WaitVisible(ctx, sel.Confirmation); err != nil {
			if !errors.Is(err, browser.ErrNotFound) {
				return err
			}
			if sel.CheckoutError != "" {
				msgs, terr := b.driver.Texts(ctx, sel.CheckoutError)
				if terr == nil && len(nonEmpty(msgs)) > 0 {
					return model.NewError(model.KindCheckoutDeclined, strings.Join(nonEmpty(msgs), "; "))
				}
			}
			return err
		}

		id := b.firstText(ctx, sel.OrderID)
		if id == "" {
			return model.NewError(model.KindBackendUnavailable, "confirmation page has no order id")
		}
		conf = model.OrderConfirmation{
			OrderID:     id,
			Total:       b.firstText(ctx, sel.OrderTotal),
			DeliveryETA: b.firstText(ctx, sel.DeliveryETA),
			Backend:     model.BackendBrowser,
			PlacedAt:    b.nowFunc().UTC(),
		}
		return nil
	})
	return conf, err
}

// do serializes use of the tab, injects the session cookie and classifies
// the outcome.
func (b *BrowserBackend) do(ctx context.Context, sess session.Session, op model.Operation, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sess.Token != "" && sess.Token != b.cookieToken {
		err := b.driver.SetCookie(ctx, browser.Cookie{
			Name:   instacart.SessionCookie,
			Value:  sess.Token,
			Domain: b.domain,
			Path:   "/",
		})
		if err != nil {
			return classifyBrowserError(err, op)
		}
		b.cookieToken = sess.Token
	}

	err := classifyBrowserError(fn(ctx), op)
	if model.IsKind(err, model.KindAuthExpired) {
		b.cookieToken = ""
	}
	return err
}

func (b *BrowserBackend) open(ctx context.Context, path string) error {
	if err := b.driver.Navigate(ctx, b.baseURL+path); err != nil {
		return err
	}
	return b.checkLogin(ctx)
}

// checkLogin reports AuthExpired when the storefront bounced to its login
// page.
func (b *BrowserBackend) checkLogin(ctx context.Context) error {
	onLogin, err := b.onLoginPage(ctx)
	if err != nil {
		return err
	}
	if onLogin {
		return model.NewError(model.KindAuthExpired, "redirected to login")
	}
	return nil
}

func (b *BrowserBackend) onLoginPage(ctx context.Context) (bool, error) {
	loc, err := b.driver.Location(ctx)
	if err != nil {
		return false, err
	}
	u, err := url.Parse(loc)
	return err == nil && strings.HasPrefix(u.Path, b.profile.Paths.Login), nil
}

func (b *BrowserBackend) readCart(ctx context.Context) (model.CartSnapshot, error) {
	sel := b.profile.Selectors
	if err := b.open(ctx, b.profile.Paths.Cart); err != nil {
		return model.CartSnapshot{}, err
	}
	if err := b.driver.WaitVisible(ctx, sel.CartLine); err != nil {
		if errors.Is(err, browser.ErrNotFound) {
			return model.CartSnapshot{}, nil
		}
		return model.CartSnapshot{}, err
	}

	ids, err := b.driver.Attrs(ctx, sel.CartLine, sel.ProductIDAttr)
	if err != nil {
		return model.CartSnapshot{}, err
	}
	names, err := b.driver.Texts(ctx, sel.CartLineName)
	if err != nil {
		return model.CartSnapshot{}, err
	}
	qtys, err := b.driver.Texts(ctx, sel.CartLineQuantity)
	if err != nil {
		return model.CartSnapshot{}, err
	}
	if len(names) != len(ids) || len(qtys) != len(ids) {
		return model.CartSnapshot{}, model.NewError(model.KindBackendUnavailable, "cart page layout changed")
	}

	snap := model.CartSnapshot{Lines: make([]model.CartLine, 0, len(ids))}
	for i, id := range ids {
		q, ok := parseQuantityText(qtys[i])
		if !ok {
			return model.CartSnapshot{}, model.NewError(model.KindBackendUnavailable, "unreadable cart quantity "+strconv.Quote(qtys[i]))
		}
		snap.Lines = append(snap.Lines, model.CartLine{ProductID: id, Name: names[i], Quantity: q})
	}
	return snap, nil
}

func (b *BrowserBackend) firstText(ctx context.Context, selector string) string {
	if selector == "" {
		return ""
	}
	texts, err := b.driver.Texts(ctx, selector)
	if err != nil {
		return ""
	}
	for _, t := range texts {
		if t != "" {
			return t
		}
	}
	return ""
}

var numberRe = regexp.MustCompile(`\d+(?:\.\d+)?`)

func parseQuantityText(s string) (float64, bool) {
	m := numberRe.FindString(s)
	if m == "" {
		return 0, false
	}
	q, err := strconv.ParseFloat(m, 64)
	return q, err == nil
}

func nonEmpty(ss []string) []string {
	var out []string
	for _, s := range ss {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// classifyBrowserError maps driver failures onto model error kinds.
func classifyBrowserError(err error, op model.Operation) error {
	if err == nil {
		return nil
	}
	if model.KindOf(err) != "" {
		return err
	}
	if cerr := classifyContext(err, op); cerr != nil {
		return cerr
	}
	if errors.Is(err, browser.ErrNotFound) {
		return model.WrapError(model.KindBackendUnavailable, err, "storefront element missing")
	}
	return model.WrapError(model.KindBackendUnavailable, err, "browser "+string(op)+" failed")
}
