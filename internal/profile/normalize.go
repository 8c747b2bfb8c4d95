// Package profile maps provider claim sets onto the canonical identity record.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMissingSubject indicates the provider omitted the mandatory subject claim.
var ErrMissingSubject = errors.New("profile: missing subject claim")

const (
	claimSubject           = "sub"
	claimName              = "name"
	claimGivenName         = "given_name"
	claimFamilyName        = "family_name"
	claimEmail             = "email"
	claimEmailVerified     = "email_verified"
	claimPreferredUsername = "preferred_username"
	claimPicture           = "picture"
)

// CanonicalIdentity is the provider-independent view of an authenticated subject.
type CanonicalIdentity struct {
	Provider          string
	Subject           string
	Name              string
	Email             string
	GivenName         string
	FamilyName        string
	PreferredUsername string
	AvatarURL         string
	EmailVerifiedAt   *time.Time
}

// Normalize converts raw userinfo claims into a CanonicalIdentity. It performs
// no I/O; now is used as the email verification timestamp.
func Normalize(providerID string, claims map[string]any, now time.Time) (CanonicalIdentity, error) {
	subject := stringClaim(claims, claimSubject)
	if subject == "" {
		return CanonicalIdentity{}, fmt.Errorf("%w: provider %s", ErrMissingSubject, providerID)
	}

	identity := CanonicalIdentity{
		Provider:          providerID,
		Subject:           subject,
		Email:             stringClaim(claims, claimEmail),
		GivenName:         stringClaim(claims, claimGivenName),
		FamilyName:        stringClaim(claims, claimFamilyName),
		PreferredUsername: stringClaim(claims, claimPreferredUsername),
		AvatarURL:         stringClaim(claims, claimPicture),
	}

	identity.Name = stringClaim(claims, claimName)
	if identity.Name == "" && (identity.GivenName != "" || identity.FamilyName != "") {
		identity.Name = strings.TrimSpace(identity.GivenName + " " + identity.FamilyName)
	}

	if truthy(claims[claimEmailVerified]) {
		verifiedAt := now
		identity.EmailVerifiedAt = &verifiedAt
	}

	return identity, nil
}

// stringClaim returns the trimmed string value of key, or "" when the claim is
// absent or not textual. An integer subject is accepted only as a json.Number
// so its digits are kept exactly; float64 values may already be rounded.
func stringClaim(claims map[string]any, key string) string {
	switch value := claims[key].(type) {
	case string:
		return strings.TrimSpace(value)
	case json.Number:
		if key == claimSubject && isDigits(value.String()) {
			return value.String()
		}
	}
	return ""
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func truthy(value any) bool {
	switch typed := value.(type) {
	case bool:
		return typed
	case string:
		return strings.EqualFold(strings.TrimSpace(typed), "true")
	default:
		return false
	}
}
