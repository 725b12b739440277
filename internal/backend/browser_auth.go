package backend

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/grocer/internal/browser"
	"github.com/sells-group/grocer/internal/model"
	"github.com/sells-group/grocer/internal/session"
	"github.com/sells-group/grocer/pkg/instacart"
)

var errNoLoginForm = eris.New("backend: selector profile has no login form")

// BrowserAuthenticator logs in through the storefront's login form, so the
// browser backend keeps working when the API login does not.
type BrowserAuthenticator struct {
	backend  *BrowserBackend
	email    string
	password string
	ttl      time.Duration
	nowFunc  func() time.Time
}

// NewBrowserAuthenticator creates an Authenticator that drives b's tab.
// Sessions are assumed to live for ttl after login.
func NewBrowserAuthenticator(b *BrowserBackend, email, password string, ttl time.Duration) *BrowserAuthenticator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &BrowserAuthenticator{
		backend:  b,
		email:    email,
		password: password,
		ttl:      ttl,
		nowFunc:  time.Now,
	}
}

// Login implements session.Authenticator.
func (a *BrowserAuthenticator) Login(ctx context.Context, retailerID string) (session.Session, error) {
	if a.email == "" || a.password == "" {
		return session.Session{}, model.NewError(model.KindAuthExpired, "retailer credentials are not configured")
	}
	token, err := a.backend.login(ctx, a.email, a.password)
	if err != nil {
		return session.Session{}, err
	}
	return session.Session{
		Token:      token,
		RetailerID: retailerID,
		ExpiresAt:  a.nowFunc().Add(a.ttl),
	}, nil
}

// login submits the login form and returns the session cookie the
// storefront set.
func (b *BrowserBackend) login(ctx context.Context, email, password string) (string, error) {
	sel := b.profile.Selectors
	if sel.LoginEmailInput == "" || sel.LoginPasswordInput == "" || sel.LoginSubmit == "" {
		return "", model.WrapError(model.KindBackendUnavailable, errNoLoginForm, "browser login")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	err := func() error {
		if err := b.driver.Navigate(ctx, b.baseURL+b.profile.Paths.Login); err != nil {
			return err
		}
		if onLogin, err := b.onLoginPage(ctx); err != nil || !onLogin {
			// The tab's cookie jar already holds a live session.
			return err
		}
		if err := b.driver.Fill(ctx, sel.LoginEmailInput, email); err != nil {
			return err
		}
		if err := b.driver.Fill(ctx, sel.LoginPasswordInput, password); err != nil {
			return err
		}
		if err := b.driver.Click(ctx, sel.LoginSubmit); err != nil {
			return err
		}

		onLogin, err := b.onLoginPage(ctx)
		if err != nil || !onLogin {
			return err
		}
		reason := "credentials rejected"
		if sel.LoginError != "" {
			if msgs, terr := b.driver.Texts(ctx, sel.LoginError); terr == nil && len(nonEmpty(msgs)) > 0 {
				reason = strings.Join(nonEmpty(msgs), "; ")
			}
		}
		return model.NewError(model.KindAuthExpired, reason)
	}()
	if err != nil {
		b.cookieToken = ""
		return "", classifyBrowserError(err, model.OperationLogin)
	}

	token, err := b.driver.Cookie(ctx, instacart.SessionCookie)
	if err != nil {
		b.cookieToken = ""
		if errors.Is(err, browser.ErrNotFound) {
			return "", model.WrapError(model.KindAuthExpired, err, "login set no session cookie")
		}
		return "", classifyBrowserError(err, model.OperationLogin)
	}
	b.cookieToken = token
	zap.L().Info("logged in through storefront")
	return token, nil
}
