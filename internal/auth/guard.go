package auth

import "context"

// Guard validates AUTH frames against a TokenValidator and answers
// per-document permission questions for every subsequent read/write
// decision. When AuthRequired is false, Authenticate accepts every AUTH
// frame and grants ImplicitSubject's read+write-all access; a connection
// still sends an AUTH frame to leave the authenticating state.
type Guard struct {
	Validator    TokenValidator
	AuthRequired bool
}

// NewGuard builds a Guard.
func NewGuard(v TokenValidator, authRequired bool) *Guard {
	return &Guard{Validator: v, AuthRequired: authRequired}
}

// Authenticate validates the AUTH frame's token or apiKey field, whichever
// is present. If both are present, the token is validated and the apiKey
// is ignored; if neither is, the frame is rejected.
func (g *Guard) Authenticate(ctx context.Context, token, apiKey string) (*Subject, error) {
	if !g.AuthRequired {
		return ImplicitSubject(), nil
	}
	switch {
	case token != "":
		return g.Validator.ValidateToken(ctx, token)
	case apiKey != "":
		return g.Validator.ValidateAPIKey(ctx, apiKey)
	default:
		return nil, &Invalid{Reason: "auth frame carries neither token nor apiKey"}
	}
}

// ImplicitSubject returns the all-access subject used when AuthRequired
// is false.
func ImplicitSubject() *Subject {
	return &Subject{
		Permissions: Permissions{CanRead: []string{"*"}, CanWrite: []string{"*"}, IsAdmin: true},
	}
}
