package usertoken

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const (
	defaultIssuer       = "exampilot-auth"
	defaultAudience     = "exampilot-api"
	defaultLeeway       = 30 * time.Second
	defaultJWKSCacheTTL = 5 * time.Minute
	defaultMinRefresh   = 10 * time.Second
	minSecretLength     = 32
)

var (
	// ErrInvalidToken wraps every verification failure.
	ErrInvalidToken = errors.New("invalid access token")

	errUnknownKey = errors.New("unknown signing key")
)

// Config configures access-token verification. Secret selects HS256 with a
// shared key; otherwise JWKSURL is required and RS256/ES256 keys are loaded
// from it.
type Config struct {
	Secret   string
	JWKSURL  string
	Issuer   string
	Audience string
	Leeway   time.Duration
	// MinRefreshInterval limits how often a token with an unknown kid may
	// trigger a JWKS fetch while the cached keys are still fresh.
	MinRefreshInterval time.Duration
	HTTPClient         *http.Client
}

// keySet is an immutable JWKS snapshot.
type keySet struct {
	keys      map[string]any
	fetchedAt time.Time
	expiresAt time.Time
}

// Verifier checks user access tokens and returns their subject (the user id).
type Verifier struct {
	secret     []byte
	parserOpts []jwt.ParserOption
	methods    []string

	jwksURL    string
	httpClient *http.Client
	minRefresh time.Duration
	keys       atomic.Pointer[keySet]
	refresh    singleflight.Group
}

// NewVerifier builds a Verifier. With a JWKS URL the keys are fetched once
// up front so misconfiguration fails at startup.
func NewVerifier(cfg Config) (*Verifier, error) {
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	v := &Verifier{
		parserOpts: []jwt.ParserOption{
			jwt.WithIssuer(issuer),
			jwt.WithAudience(audience),
			jwt.WithIssuedAt(),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(leeway),
		},
	}

	if secret := strings.TrimSpace(cfg.Secret); secret != "" {
		if len(secret) < minSecretLength {
			return nil, fmt.Errorf("token verifier secret must be at least %d bytes", minSecretLength)
		}
		v.secret = []byte(secret)
		v.methods = []string{jwt.SigningMethodHS256.Alg()}
		return v, nil
	}

	v.jwksURL = strings.TrimSpace(cfg.JWKSURL)
	if v.jwksURL == "" {
		return nil, errors.New("token verifier requires secret or jwksURL")
	}
	v.methods = []string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodES256.Alg()}
	v.httpClient = cfg.HTTPClient
	if v.httpClient == nil {
		v.httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	v.minRefresh = cfg.MinRefreshInterval
	if v.minRefresh <= 0 {
		v.minRefresh = defaultMinRefresh
	}
	if _, err := v.fetchKeys(); err != nil {
		return nil, fmt.Errorf("load jwks: %w", err)
	}
	return v, nil
}

// VerifySubject validates token and returns its subject. Failures wrap
// ErrInvalidToken.
func (v *Verifier) VerifySubject(token string) (string, error) {
	claims, err := v.parse(token)
	if err != nil && v.jwksURL != "" && v.shouldRefresh(err) {
		if _, ferr := v.refreshKeys(); ferr != nil {
			return "", fmt.Errorf("%w: refresh jwks: %w", ErrInvalidToken, ferr)
		}
		claims, err = v.parse(token)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	return subject, nil
}

func (v *Verifier) parse(token string) (jwt.RegisteredClaims, error) {
	var claims jwt.RegisteredClaims
	opts := append([]jwt.ParserOption{jwt.WithValidMethods(v.methods)}, v.parserOpts...)
	_, err := jwt.ParseWithClaims(token, &claims, v.keyFunc, opts...)
	return claims, err
}

func (v *Verifier) keyFunc(t *jwt.Token) (any, error) {
	if v.secret != nil {
		return v.secret, nil
	}
	kid, _ := t.Header["kid"].(string)
	set := v.keys.Load()
	if set == nil {
		return nil, errUnknownKey
	}
	key, ok := set.keys[strings.TrimSpace(kid)]
	if !ok {
		return nil, errUnknownKey
	}
	return key, nil
}

// shouldRefresh allows a refetch when the cache expired, or when the key id
// is unknown and the last fetch is older than minRefresh.
func (v *Verifier) shouldRefresh(err error) bool {
	set := v.keys.Load()
	if set == nil {
		return true
	}
	now := time.Now()
	if now.After(set.expiresAt) {
		return true
	}
	return errors.Is(err, errUnknownKey) && now.Sub(set.fetchedAt) >= v.minRefresh
}

// refreshKeys collapses concurrent refreshes into one request.
func (v *Verifier) refreshKeys() (*keySet, error) {
	out, err, _ := v.refresh.Do("jwks", func() (any, error) {
		return v.fetchKeys()
	})
	if err != nil {
		return nil, err
	}
	return out.(*keySet), nil
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (v *Verifier) fetchKeys() (*keySet, error) {
	resp, err := v.httpClient.Get(v.jwksURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}
	var payload struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]any, len(payload.Keys))
	for _, k := range payload.Keys {
		kid := strings.TrimSpace(k.Kid)
		if kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		if key, err := k.publicKey(); err == nil {
			keys[kid] = key
		}
	}
	if len(keys) == 0 {
		return nil, errors.New("jwks contains no usable signing keys")
	}

	ttl := parseCacheMaxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultJWKSCacheTTL
	}
	now := time.Now()
	set := &keySet{keys: keys, fetchedAt: now, expiresAt: now.Add(ttl)}
	v.keys.Store(set)
	return set, nil
}

func (k jwk) publicKey() (any, error) {
	switch strings.ToUpper(strings.TrimSpace(k.Kty)) {
	case "RSA":
		n, err := decodeBigInt(k.N)
		if err != nil {
			return nil, err
		}
		e, err := decodeBigInt(k.E)
		if err != nil {
			return nil, err
		}
		if n.Sign() <= 0 || !e.IsInt64() || e.Int64() <= 1 || e.Int64() > 1<<31-1 {
			return nil, errors.New("invalid rsa key")
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		if k.Crv != "P-256" {
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		x, err := decodeBigInt(k.X)
		if err != nil {
			return nil, err
		}
		y, err := decodeBigInt(k.Y)
		if err != nil {
			return nil, err
		}
		curve := elliptic.P256()
		if !curve.IsOnCurve(x, y) {
			return nil, errors.New("ec point not on curve")
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}

func decodeBigInt(raw string) (*big.Int, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("empty key component")
	}
	return new(big.Int).SetBytes(b), nil
}

func parseCacheMaxAge(cacheControl string) time.Duration {
	for _, part := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		secs, err := strconv.Atoi(strings.Trim(value, `" `))
		if err != nil || secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	return 0
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
