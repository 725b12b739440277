// Package instacart is an HTTP client for the retailer's web login endpoint
// and its persisted-query GraphQL API.
package instacart

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const (
	defaultBaseURL = "https://www.instacart.com"
	userAgent      = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

	// SessionCookie carries the authenticated session on every request.
	SessionCookie = "_instacart_session"

	// IdempotencyHeader lets the platform de-duplicate checkout submissions.
	IdempotencyHeader = "Idempotency-Key"
)

// Client defines the retailer API operations used by the ordering backend.
type Client interface {
	Login(ctx context.Context, email, password string) (*LoginResult, error)
	SearchProducts(ctx context.Context, token string, req SearchRequest) ([]Product, error)
	AddToCart(ctx context.Context, token string, req AddToCartRequest) (*Cart, error)
	GetCart(ctx context.Context, token, retailerID string) (*Cart, error)
	Checkout(ctx context.Context, token string, req CheckoutRequest) (*PlacedOrder, error)
}

// LoginResult is the outcome of a successful login.
type LoginResult struct {
	Token  string
	UserID string
}

// SearchRequest are the variables of the search query.
type SearchRequest struct {
	Query       string   `json:"query"`
	Limit       int      `json:"limit"`
	RetailerIDs []string `json:"retailerIds"`
	ZoneID      string   `json:"zoneId,omitempty"`
}

// Product is one search hit.
type Product struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
	Size  string  `json:"size"`
}

// AddToCartRequest are the variables of the cart update mutation. Quantity is
// the amount added, not the resulting line quantity.
type AddToCartRequest struct {
	RetailerID string  `json:"retailerId"`
	ProductID  string  `json:"productId"`
	Quantity   float64 `json:"quantity"`
}

// Cart is the active cart for one retailer.
type Cart struct {
	ID    string     `json:"id"`
	Items []CartItem `json:"items"`
}

// CartItem is one cart line.
type CartItem struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name"`
	Quantity  float64 `json:"quantity"`
}

// CheckoutRequest are the variables of the place-order mutation.
type CheckoutRequest struct {
	RetailerID     string `json:"retailerId"`
	Address        string `json:"address,omitempty"`
	DeliveryWindow string `json:"deliveryWindow,omitempty"`
	Instructions   string `json:"instructions,omitempty"`
	IdempotencyKey string `json:"-"`
}

// PlacedOrder is returned by a successful checkout.
type PlacedOrder struct {
	ID          string  `json:"id"`
	Total       float64 `json:"total"`
	DeliveryETA string  `json:"deliveryEta"`
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithOperations overrides persisted query names and hashes by key.
func WithOperations(ops map[string]Operation) Option {
	return func(c *httpClient) {
		for k, op := range ops {
			cur := c.ops[k]
			if op.Name != "" {
				cur.Name = op.Name
			}
			if op.Hash != "" {
				cur.Hash = op.Hash
			}
			c.ops[k] = cur
		}
	}
}

// httpClient implements Client using net/http.
type httpClient struct {
	baseURL string
	http    *http.Client
	ops     map[string]Operation
}

// NewClient creates a new retailer client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		ops: DefaultOperations(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type loginBody struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	GrantType string `json:"grant_type"`
	Scope     string `json:"scope"`
}

type loginResponse struct {
	Token string `json:"token"`
	User  struct {
		ID string `json:"id"`
	} `json:"user"`
}

func (c *httpClient) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	buf, err := json.Marshal(loginBody{Email: email, Password: password, GrantType: "email"})
	if err != nil {
		return nil, eris.Wrap(err, "instacart: marshal login")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v3/dynamic_data/authenticate/login?source=web", bytes.NewReader(buf))
	if err != nil {
		return nil, eris.Wrap(err, "instacart: create login request")
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req, "")

	resp, data, err := c.send(req)
	if err != nil {
		return nil, eris.Wrap(err, "instacart: login")
	}

	var body loginResponse
	if len(data) > 0 {
		_ = json.Unmarshal(data, &body) //nolint:errcheck
	}

	token := body.Token
	for _, ck := range resp.Cookies() {
		if ck.Name == SessionCookie && ck.Value != "" {
			token = ck.Value
		}
	}
	if token == "" {
		return nil, &ShapeError{Operation: "login", Detail: "no session cookie or token in response"}
	}

	return &LoginResult{Token: token, UserID: body.User.ID}, nil
}

func (c *httpClient) SearchProducts(ctx context.Context, token string, req SearchRequest) ([]Product, error) {
	var data struct {
		Products *[]Product `json:"products"`
	}
	if err := c.query(ctx, token, OpSearch, req, &data); err != nil {
		return nil, eris.Wrapf(err, "instacart: search %q", req.Query)
	}
	if data.Products == nil {
		return nil, &ShapeError{Operation: OpSearch, Detail: "missing data.products"}
	}
	return *data.Products, nil
}

func (c *httpClient) AddToCart(ctx context.Context, token string, req AddToCartRequest) (*Cart, error) {
	var data struct {
		UpdateCartItems *struct {
			Cart   *Cart         `json:"cart"`
			Errors []FieldReport `json:"errors"`
		} `json:"updateCartItems"`
	}
	if err := c.mutate(ctx, token, OpAddToCart, req, nil, &data); err != nil {
		return nil, eris.Wrapf(err, "instacart: add %s to cart", req.ProductID)
	}
	if data.UpdateCartItems == nil {
		return nil, &ShapeError{Operation: OpAddToCart, Detail: "missing data.updateCartItems"}
	}
	if len(data.UpdateCartItems.Errors) > 0 {
		return nil, &MutationError{Operation: OpAddToCart, Reports: data.UpdateCartItems.Errors}
	}
	if data.UpdateCartItems.Cart == nil {
		return nil, &ShapeError{Operation: OpAddToCart, Detail: "missing cart"}
	}
	return data.UpdateCartItems.Cart, nil
}

func (c *httpClient) GetCart(ctx context.Context, token, retailerID string) (*Cart, error) {
	var data struct {
		Cart *Cart `json:"cart"`
	}
	vars := map[string]string{"retailerId": retailerID}
	if err := c.query(ctx, token, OpCart, vars, &data); err != nil {
		return nil, eris.Wrap(err, "instacart: get cart")
	}
	if data.Cart == nil {
		return nil, &ShapeError{Operation: OpCart, Detail: "missing data.cart"}
	}
	return data.Cart, nil
}

func (c *httpClient) Checkout(ctx context.Context, token string, req CheckoutRequest) (*PlacedOrder, error) {
	var data struct {
		PlaceOrder *struct {
			Order  *PlacedOrder  `json:"order"`
			Errors []FieldReport `json:"errors"`
		} `json:"placeOrder"`
	}
	headers := map[string]string{}
	if req.IdempotencyKey != "" {
		headers[IdempotencyHeader] = req.IdempotencyKey
	}
	if err := c.mutate(ctx, token, OpCheckout, req, headers, &data); err != nil {
		return nil, eris.Wrap(err, "instacart: checkout")
	}
	if data.PlaceOrder == nil {
		return nil, &ShapeError{Operation: OpCheckout, Detail: "missing data.placeOrder"}
	}
	if len(data.PlaceOrder.Errors) > 0 {
		return nil, &MutationError{Operation: OpCheckout, Reports: data.PlaceOrder.Errors}
	}
	if data.PlaceOrder.Order == nil || data.PlaceOrder.Order.ID == "" {
		return nil, &ShapeError{Operation: OpCheckout, Detail: "missing order id"}
	}
	return data.PlaceOrder.Order, nil
}

type persistedQuery struct {
	Version    int    `json:"version"`
	Sha256Hash string `json:"sha256Hash"`
}

type extensions struct {
	PersistedQuery persistedQuery `json:"persistedQuery"`
}

type graphQLEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []GraphQLIssue  `json:"errors"`
}

// query runs a persisted query over GET, the way the web client does.
func (c *httpClient) query(ctx context.Context, token, key string, vars any, out any) error {
	op, err := c.operation(key)
	if err != nil {
		return err
	}

	varsJSON, err := json.Marshal(vars)
	if err != nil {
		return eris.Wrap(err, "marshal variables")
	}
	extJSON, err := json.Marshal(extensions{PersistedQuery: persistedQuery{Version: 1, Sha256Hash: op.Hash}})
	if err != nil {
		return eris.Wrap(err, "marshal extensions")
	}

	params := url.Values{}
	params.Set("operationName", op.Name)
	params.Set("variables", string(varsJSON))
	params.Set("extensions", string(extJSON))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/graphql?"+params.Encode(), nil)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	c.setHeaders(req, token)

	return c.do(req, key, out)
}

// mutate runs a persisted mutation over POST.
func (c *httpClient) mutate(ctx context.Context, token, key string, vars any, headers map[string]string, out any) error {
	op, err := c.operation(key)
	if err != nil {
		return err
	}

	buf, err := json.Marshal(map[string]any{
		"operationName": op.Name,
		"variables":     vars,
		"extensions":    extensions{PersistedQuery: persistedQuery{Version: 1, Sha256Hash: op.Hash}},
	})
	if err != nil {
		return eris.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/graphql", bytes.NewReader(buf))
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req, token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return c.do(req, key, out)
}

func (c *httpClient) operation(key string) (Operation, error) {
	op, ok := c.ops[key]
	if !ok || op.Name == "" || op.Hash == "" {
		return Operation{}, &UnsupportedOperationError{Operation: key}
	}
	return op, nil
}

func (c *httpClient) setHeaders(req *http.Request, token string) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Referer", c.baseURL+"/")
	if token != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	}
}

func (c *httpClient) send(req *http.Request) (*http.Response, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, eris.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return resp, data, nil
}

func (c *httpClient) do(req *http.Request, key string, out any) error {
	_, data, err := c.send(req)
	if err != nil {
		return err
	}

	var env graphQLEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &ShapeError{Operation: key, Detail: fmt.Sprintf("decode response: %v", err)}
	}
	if len(env.Errors) > 0 {
		return &GraphQLError{Operation: key, Issues: env.Errors}
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return &ShapeError{Operation: key, Detail: "missing data"}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &ShapeError{Operation: key, Detail: fmt.Sprintf("decode data: %v", err)}
	}
	return nil
}
