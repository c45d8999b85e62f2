package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// CredentialOptions controls signing/TTL for the bearer credential a
// caller must hold before the local identity service will disclose a
// private author key (see IdentityService.HavePrivateKey).
type CredentialOptions struct {
	Secret []byte
	Alg    string // HS256/HS384/HS512, default HS256
	TTL    time.Duration
}

func DefaultCredentialOptions(secret []byte) CredentialOptions {
	return CredentialOptions{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// IssueCredential mints a bearer token binding to identityID, proving
// the caller was authorized to unlock that identity's private key.
func IssueCredential(opts CredentialOptions, identityID string) (token, hash string, expireAt time.Time, err error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", "", time.Time{}, err
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	now := time.Now()
	exp := now.Add(opts.TTL)
	claims := jwtlib.MapClaims{
		"sub": identityID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": exp.Unix(),
	}
	tok := jwtlib.NewWithClaims(method, claims)
	signed, err := tok.SignedString(opts.Secret)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return signed, HashToken(signed), exp, nil
}

// VerifyCredential checks a bearer token was issued for identityID and
// has not expired.
func VerifyCredential(opts CredentialOptions, token, identityID string) error {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return err
	}
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return opts.Secret, nil
	}, jwtlib.WithValidMethods([]string{method.Alg()}))
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return errors.New("invalid credential")
	}
	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return errors.New("claims type mismatch")
	}
	if sub, _ := claims["sub"].(string); sub != identityID {
		return errors.New("credential subject mismatch")
	}
	return nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
