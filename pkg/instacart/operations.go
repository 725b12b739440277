package instacart

// Operation is a persisted GraphQL query known by name and SHA-256 hash.
type Operation struct {
	Name string
	Hash string
}

// Operation keys.
const (
	OpCurrentUser = "current_user"
	OpSearch      = "search"
	OpCart        = "cart"
	OpAddToCart   = "add_to_cart"
	OpCheckout    = "checkout"
)

// DefaultOperations returns the persisted queries captured from the web
// client. The cart and checkout hashes rotate with web deploys and have to be
// supplied through configuration; until they are, those calls report
// UnsupportedOperationError.
func DefaultOperations() map[string]Operation {
	return map[string]Operation{
		OpCurrentUser: {
			Name: "CurrentUserFields",
			Hash: "d7d1050d8a8efb9a24d2fd0d9c39f58d852ab84ea709370bcbedbca790112952",
		},
		OpSearch: {
			Name: "CrossRetailerSearchAutosuggestions",
			Hash: "89ec32ea85c9b7ea89f7b4a071a5dd4ec1335831ff67035a0f92376725c306a3",
		},
		OpCart:      {Name: "PersonalActiveCarts"},
		OpAddToCart: {Name: "UpdateCartItemsMutation"},
		OpCheckout:  {Name: "PlaceOrderMutation"},
	}
}
