package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	AlgHS256 = "HS256"
	AlgRS256 = "RS256"
)

// JWTConfig configures a JWTVerifier. HS256 needs Secret, RS256 needs PublicKeyPEM.
type JWTConfig struct {
	Algorithm    string
	Secret       string
	PublicKeyPEM string
	Issuer       string
	Audience     string
}

// JWTVerifier validates signed bearer tokens. The "sub" claim becomes the
// principal subject and the "scopes" claim its scope set.
type JWTVerifier struct {
	alg       string
	secret    []byte
	publicKey *rsa.PublicKey
	parser    *jwt.Parser
}

func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	v := &JWTVerifier{alg: strings.ToUpper(strings.TrimSpace(cfg.Algorithm))}

	switch v.alg {
	case AlgHS256:
		if cfg.Secret == "" {
			return nil, errors.New("HS256 requires a secret")
		}
		v.secret = []byte(cfg.Secret)
	case AlgRS256:
		key, err := parseRSAPublicKey(cfg.PublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("load public key: %w", err)
		}
		v.publicKey = key
	default:
		return nil, fmt.Errorf("unsupported algorithm: %q", cfg.Algorithm)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.alg}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	v.parser = jwt.NewParser(opts...)
	return v, nil
}

func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (Principal, error) {
	if strings.TrimSpace(tokenString) == "" {
		return Principal{}, ErrInvalidCredentials
	}

	claims := jwt.MapClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, v.key)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if !token.Valid {
		return Principal{}, ErrInvalidCredentials
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Principal{}, fmt.Errorf("%w: missing sub claim", ErrInvalidCredentials)
	}
	scopes, err := stringSlice(claims, "scopes")
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	return Principal{Subject: sub, Scopes: NormalizeScopes(scopes)}, nil
}

func (v *JWTVerifier) key(token *jwt.Token) (any, error) {
	if token.Method.Alg() != v.alg {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	if v.publicKey != nil {
		return v.publicKey, nil
	}
	return v.secret, nil
}

// stringSlice reads an array claim. A space-separated string is accepted too.
func stringSlice(claims jwt.MapClaims, key string) ([]string, error) {
	value, ok := claims[key]
	if !ok {
		return nil, nil
	}

	switch val := value.(type) {
	case string:
		return strings.Fields(val), nil
	case []string:
		return val, nil
	case []any:
		out := make([]string, len(val))
		for i, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("invalid %s claim: not a string", key)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("invalid %s claim: not a string array", key)
	}
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return rsaPub, nil
}
