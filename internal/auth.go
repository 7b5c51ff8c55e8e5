package internal

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
)

const AuthHeader = "Relay-Auth"

type (
	RequestSigner   = func(r *http.Request) error
	RequestVerifier = func(r *http.Request) string
)

// NewRequestSigner stamps requests with "<msg>.<sig>" where msg carries a
// ksuid nonce and the signing instance.
func NewRequestSigner(privateKey ed25519.PrivateKey, instanceID string) RequestSigner {
	return func(r *http.Request) error {
		nonce, err := ksuid.NewRandom()
		if err != nil {
			return err
		}

		msg := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("%v_%v", nonce.String(), instanceID)))
		sig := base64.RawURLEncoding.EncodeToString(ed25519.Sign(privateKey, []byte(msg)))

		r.Header.Set(AuthHeader, fmt.Sprintf("%v.%v", msg, sig))

		return nil
	}
}

// NewRequestVerifier returns the signer's instance id, or "" if the header is
// missing, forged, or its nonce is more than a minute off.
func NewRequestVerifier(publicKey ed25519.PublicKey) RequestVerifier {
	return func(r *http.Request) string {
		parts := strings.Split(r.Header.Get(AuthHeader), ".")
		if len(parts) != 2 {
			return ""
		}

		sig, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err != nil {
			return ""
		}

		if !ed25519.Verify(publicKey, []byte(parts[0]), sig) {
			return ""
		}

		msg, err := base64.RawURLEncoding.DecodeString(parts[0])
		if err != nil {
			return ""
		}

		nonceText, origin, ok := strings.Cut(string(msg), "_")
		if !ok || origin == "" {
			return ""
		}

		nonce := ksuid.KSUID{}
		if err := nonce.UnmarshalText([]byte(nonceText)); err != nil {
			return ""
		}

		now := time.Now()
		nt := nonce.Time()
		if nt.Before(now.Add(-1*time.Minute)) || nt.After(now.Add(1*time.Minute)) {
			return ""
		}

		return origin
	}
}

func PublicKeyRoute(privateKey ed25519.PrivateKey) http.HandlerFunc {
	pubKey := privateKey.Public().(ed25519.PublicKey)
	publicKey := make([]byte, base64.RawURLEncoding.EncodedLen(len(pubKey)))
	base64.RawURLEncoding.Encode(publicKey, pubKey)

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(publicKey)
	}
}

// DecodePublicKey parses the format PublicKeyRoute serves.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}

	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}

	return ed25519.PublicKey(b), nil
}
