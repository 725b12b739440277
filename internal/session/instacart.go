package session

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/grocer/internal/model"
	"github.com/sells-group/grocer/pkg/instacart"
)

var errNoCredentials = eris.New("session: retailer credentials are not configured")

// InstacartAuthenticator logs in with an account email and password.
type InstacartAuthenticator struct {
	client   instacart.Client
	email    string
	password string
	ttl      time.Duration
	nowFunc  func() time.Time
}

// NewInstacartAuthenticator creates an Authenticator. Sessions are assumed to
// live for ttl after login.
func NewInstacartAuthenticator(client instacart.Client, email, password string, ttl time.Duration) *InstacartAuthenticator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &InstacartAuthenticator{
		client:   client,
		email:    email,
		password: password,
		ttl:      ttl,
		nowFunc:  time.Now,
	}
}

// Login implements Authenticator.
func (a *InstacartAuthenticator) Login(ctx context.Context, retailerID string) (Session, error) {
	if a.email == "" || a.password == "" {
		return Session{}, model.WrapError(model.KindAuthExpired, errNoCredentials, "cannot log in")
	}

	res, err := a.client.Login(ctx, a.email, a.password)
	if err != nil {
		var apiErr *instacart.APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
			return Session{}, model.WrapError(model.KindAuthExpired, err, "credentials rejected")
		}
		return Session{}, err
	}

	return Session{
		Token:      res.Token,
		RetailerID: retailerID,
		ExpiresAt:  a.nowFunc().Add(a.ttl),
	}, nil
}
