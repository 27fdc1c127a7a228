package qstash

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidSignature = errors.New("invalid qstash signature")

const signatureIssuer = "Upstash"

type signatureClaims struct {
	jwt.RegisteredClaims
	Body string `json:"body"`
}

// Verifier checks the Upstash-Signature header of QStash deliveries. Either
// signing key is accepted so keys can be rotated without downtime.
type Verifier struct {
	currentKey []byte
	nextKey    []byte
	leeway     time.Duration
}

func NewVerifier(cfg Config) (*Verifier, error) {
	current := strings.TrimSpace(cfg.CurrentSigningKey)
	next := strings.TrimSpace(cfg.NextSigningKey)
	if current == "" && next == "" {
		return nil, errors.New("qstash signing key is required")
	}
	return &Verifier{
		currentKey: []byte(current),
		nextKey:    []byte(next),
		leeway:     5 * time.Second,
	}, nil
}

// Verify validates signature for body. When destinationURL is not empty the
// token subject must match it.
func (v *Verifier) Verify(signature string, body []byte, destinationURL string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return fmt.Errorf("%w: missing signature", ErrInvalidSignature)
	}

	var lastErr error
	for _, key := range [][]byte{v.currentKey, v.nextKey} {
		if len(key) == 0 {
			continue
		}
		if err := v.verifyWithKey(signature, body, destinationURL, key); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidSignature, lastErr)
}

func (v *Verifier) verifyWithKey(signature string, body []byte, destinationURL string, key []byte) error {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(signatureIssuer),
		jwt.WithLeeway(v.leeway),
	}
	if destinationURL != "" {
		opts = append(opts, jwt.WithSubject(destinationURL))
	}

	claims := &signatureClaims{}
	if _, err := jwt.ParseWithClaims(signature, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, opts...); err != nil {
		return err
	}

	if strings.TrimRight(claims.Body, "=") != BodyHash(body) {
		return errors.New("body hash mismatch")
	}
	return nil
}

// BodyHash is the unpadded base64url SHA-256 digest carried in the token.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
