package auth

import "context"

// TokenValidator is the external capability the auth guard consumes. It
// is implemented twice in this repo — JWTValidator and APIKeyValidator —
// selected by which field the AUTH frame carries.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*Subject, error)
	ValidateAPIKey(ctx context.Context, apiKey string) (*Subject, error)
}

// Chain routes each method to the one validator responsible for it:
// tokens to JWT, API keys to APIKeys; there is no fallback to the other.
// Used to compose a JWTValidator and an APIKeyValidator behind a single
// TokenValidator the guard can call uniformly.
type Chain struct {
	JWT     TokenValidator
	APIKeys TokenValidator
}

// ValidateToken delegates to the JWT validator.
func (c Chain) ValidateToken(ctx context.Context, token string) (*Subject, error) {
	if c.JWT == nil {
		return nil, &Invalid{Reason: "jwt validation not configured"}
	}
	return c.JWT.ValidateToken(ctx, token)
}

// ValidateAPIKey delegates to the API-key validator.
func (c Chain) ValidateAPIKey(ctx context.Context, apiKey string) (*Subject, error) {
	if c.APIKeys == nil {
		return nil, &Invalid{Reason: "api key validation not configured"}
	}
	return c.APIKeys.ValidateAPIKey(ctx, apiKey)
}
