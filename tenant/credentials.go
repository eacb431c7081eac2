package tenant

import (
	"encoding/json"
	"time"
)

// TokenStatus describes the state of a tenant's accounting connection.
type TokenStatus string

const (
	// TokenMissing means no refresh token has ever been stored.
	TokenMissing TokenStatus = "missing"
	// TokenRefreshExpired means the refresh token is past its expiry and
	// the tenant must reauthorize.
	TokenRefreshExpired TokenStatus = "refresh_expired"
	// TokenRefreshExpiring means the refresh token expires within the
	// configured warning window.
	TokenRefreshExpiring TokenStatus = "refresh_expiring"
	// TokenConnected means the connection is healthy.
	TokenConnected TokenStatus = "connected"
)

// CredentialState is what the health classifier needs to know about a
// tenant's configured integrations.
type CredentialState struct {
	HasEposConfig bool
	TokenStatus   TokenStatus
	ExpiresInDays int // meaningful only for refresh_expiring
}

// credentialDoc is the integration subset of the tenant config payload.
type credentialDoc struct {
	Epos json.RawMessage `json:"epos"`
	Qbo  struct {
		RefreshToken          string `json:"refresh_token"`
		RefreshTokenExpiresAt string `json:"refresh_token_expires_at"`
	} `json:"qbo"`
}

// InspectCredentials derives the credential state from a tenant's raw
// config JSON. Malformed JSON reads as fully unconfigured.
func InspectCredentials(configJSON string, now time.Time, expiringDays int) CredentialState {
	var doc credentialDoc
	if err := json.Unmarshal([]byte(configJSON), &doc); err != nil {
		return CredentialState{TokenStatus: TokenMissing}
	}

	state := CredentialState{
		HasEposConfig: len(doc.Epos) > 0 && string(doc.Epos) != "null",
	}

	if doc.Qbo.RefreshToken == "" {
		state.TokenStatus = TokenMissing
		return state
	}

	expiresAt, err := time.Parse(time.RFC3339, doc.Qbo.RefreshTokenExpiresAt)
	if err != nil {
		// Token present but expiry unknown. Treat as connected rather
		// than alarming on a parse gap.
		state.TokenStatus = TokenConnected
		return state
	}

	remaining := expiresAt.Sub(now)
	switch {
	case remaining <= 0:
		state.TokenStatus = TokenRefreshExpired
	case remaining <= time.Duration(expiringDays)*24*time.Hour:
		state.TokenStatus = TokenRefreshExpiring
		state.ExpiresInDays = int(remaining / (24 * time.Hour))
	default:
		state.TokenStatus = TokenConnected
	}
	return state
}
