package oidc

// Discovery is the OIDC provider metadata served at
// /.well-known/openid-configuration.
// https://openid.net/specs/openid-connect-discovery-1_0.html#ProviderMetadata
type Discovery struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	UserinfoEndpoint                 string   `json:"userinfo_endpoint"`
	EndSessionEndpoint               string   `json:"end_session_endpoint"`
	JwksURI                          string   `json:"jwks_uri"`
	ScopesSupported                  []string `json:"scopes_supported"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
	GrantTypesSupported              []string `json:"grant_types_supported"`
	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
}

func GetDiscovery(issuer string) Discovery {
	return Discovery{
		Issuer:                           issuer,
		AuthorizationEndpoint:            issuer + "/oidc/auth",
		TokenEndpoint:                    issuer + "/oidc/token",
		UserinfoEndpoint:                 issuer + "/oidc/userinfo",
		EndSessionEndpoint:               issuer + "/oidc/logout",
		JwksURI:                          issuer + "/.well-known/jwks.json",
		ScopesSupported:                  SupportedScopes,
		ResponseTypesSupported:           []string{"code", "id_token"},
		GrantTypesSupported:              []string{"authorization_code", "refresh_token"},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{"RS256"},
	}
}
