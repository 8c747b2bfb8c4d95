package oauth

import (
	"crypto/rand"
	"encoding/base64"

	"golang.org/x/oauth2"
)

const (
	stateBytes = 32

	// ChallengeMethodS256 is the only PKCE transformation this service sends.
	ChallengeMethodS256 = "S256"
)

// newState returns 32 random bytes encoded as unpadded base64url.
func newState() (string, error) {
	buf := make([]byte, stateBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

type pkcePair struct {
	Verifier  string
	Challenge string
}

func newPKCEPair() pkcePair {
	verifier := oauth2.GenerateVerifier()
	return pkcePair{
		Verifier:  verifier,
		Challenge: ComputeS256Challenge(verifier),
	}
}

// ComputeS256Challenge derives the RFC 7636 S256 code challenge for verifier.
func ComputeS256Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}
