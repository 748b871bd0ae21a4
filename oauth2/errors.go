package oauth2

import "errors"

// Standard OAuth error codes surfaced to relying parties. These never carry
// internal detail.
const (
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeAccessDenied         = "access_denied"
)

// ProtocolError maps an internal failure to the OAuth error vocabulary.
type ProtocolError struct {
	Code        string
	Description string
}

func (e *ProtocolError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

func NewProtocolError(code, description string) *ProtocolError {
	return &ProtocolError{Code: code, Description: description}
}

var (
	// ErrCodeReplayed signals a second exchange of the same authorization
	// code. Always surfaced as invalid_grant, even before the code expires.
	ErrCodeReplayed = errors.New("oauth2: authorization code already used")

	ErrTokenNotFound  = errors.New("oauth2: token not found")
	ErrClientNotFound = errors.New("oauth2: client not found")
)
