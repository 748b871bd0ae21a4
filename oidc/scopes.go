package oidc

// Scopes a relying party may request.
const (
	ScopeOpenID  = "openid"
	ScopeProfile = "profile"
	ScopeEmail   = "email"
	ScopeAPI     = "api"
)

// SupportedScopes is the full set advertised in the discovery document.
var SupportedScopes = []string{ScopeOpenID, ScopeProfile, ScopeEmail, ScopeAPI}

func scopeSupported(scope string) bool {
	for _, s := range SupportedScopes {
		if s == scope {
			return true
		}
	}
	return false
}
