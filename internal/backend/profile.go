package backend

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed selectors.yaml
var defaultProfileYAML []byte

// Profile describes a storefront's URLs and CSS selectors.
type Profile struct {
	Retailer   string           `yaml:"retailer"`
	Paths      ProfilePaths     `yaml:"paths"`
	Selectors  ProfileSelectors `yaml:"selectors"`
	MaxResults int              `yaml:"max_results"`
}

// ProfilePaths are storefront paths. Item contains an {id} placeholder.
type ProfilePaths struct {
	Login    string `yaml:"login"`
	Store    string `yaml:"store"`
	Item     string `yaml:"item"`
	Cart     string `yaml:"cart"`
	Checkout string `yaml:"checkout"`
}

// ProfileSelectors are the CSS selectors the backend reads and drives.
type ProfileSelectors struct {
	SearchInput        string `yaml:"search_input"`
	ProductCard        string `yaml:"product_card"`
	ProductName        string `yaml:"product_name"`
	ProductPrice       string `yaml:"product_price"`
	ProductIDAttr      string `yaml:"product_id_attr"`
	QuantityInput      string `yaml:"quantity_input"`
	AddButton          string `yaml:"add_button"`
	CartLine           string `yaml:"cart_line"`
	CartLineName       string `yaml:"cart_line_name"`
	CartLineQuantity   string `yaml:"cart_line_quantity"`
	AddressInput       string `yaml:"address_input"`
	InstructionsInput  string `yaml:"instructions_input"`
	PlaceOrderButton   string `yaml:"place_order_button"`
	Confirmation       string `yaml:"confirmation"`
	OrderID            string `yaml:"order_id"`
	OrderTotal         string `yaml:"order_total"`
	DeliveryETA        string `yaml:"delivery_eta"`
	CheckoutError      string `yaml:"checkout_error"`
	// The login form is only needed by BrowserAuthenticator.
	LoginEmailInput    string `yaml:"login_email_input"`
	LoginPasswordInput string `yaml:"login_password_input"`
	LoginSubmit        string `yaml:"login_submit"`
	LoginError         string `yaml:"login_error"`
}

// DefaultProfile returns the embedded storefront profile.
func DefaultProfile() Profile {
	p, err := LoadProfile(defaultProfileYAML)
	if err != nil {
		panic(fmt.Sprintf("backend: embedded selectors.yaml: %v", err))
	}
	return p
}

// LoadProfile parses and validates a storefront profile.
func LoadProfile(data []byte) (Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, eris.Wrap(err, "backend: parse selector profile")
	}
	if p.MaxResults <= 0 {
		p.MaxResults = 5
	}
	if err := p.validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func (p Profile) validate() error {
	required := map[string]string{
		"paths.login":                  p.Paths.Login,
		"paths.store":                  p.Paths.Store,
		"paths.item":                   p.Paths.Item,
		"paths.cart":                   p.Paths.Cart,
		"paths.checkout":               p.Paths.Checkout,
		"selectors.search_input":       p.Selectors.SearchInput,
		"selectors.product_card":       p.Selectors.ProductCard,
		"selectors.product_name":       p.Selectors.ProductName,
		"selectors.product_id_attr":    p.Selectors.ProductIDAttr,
		"selectors.add_button":         p.Selectors.AddButton,
		"selectors.cart_line":          p.Selectors.CartLine,
		"selectors.cart_line_name":     p.Selectors.CartLineName,
		"selectors.cart_line_quantity": p.Selectors.CartLineQuantity,
		"selectors.place_order_button": p.Selectors.PlaceOrderButton,
		"selectors.confirmation":       p.Selectors.Confirmation,
		"selectors.order_id":           p.Selectors.OrderID,
	}
	var missing []string
	for k, v := range required {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return eris.Errorf("backend: selector profile missing %s", strings.Join(missing, ", "))
	}
	if !strings.Contains(p.Paths.Item, "{id}") {
		return eris.New("backend: paths.item must contain {id}")
	}
	return nil
}
