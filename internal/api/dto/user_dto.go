package dto

// LoginRequest payload for POST /login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse is returned by /login and /refresh.
type TokenResponse struct {
	Token        string `json:"token"`
	TokenExpires string `json:"tokenExpires"`
}

// GraphQLRequest is a single GraphQL operation.
type GraphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// GraphQLError is one entry of a GraphQL errors array.
type GraphQLError struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

// MeResponse is the data shape of the `me` query.
type MeResponse struct {
	Me *UserPayload `json:"me"`
}

// UserPayload mirrors the Myself fragment.
type UserPayload struct {
	ID        string   `json:"id"`
	Roles     []string `json:"roles"`
	Email     string   `json:"email"`
	FirstName string   `json:"firstName"`
	LastName  string   `json:"lastName"`
}
