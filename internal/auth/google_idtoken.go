package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/patrickmn/go-cache"

	"github.com/hitoshi/googlelogin/internal/model"
)

const (
	defaultGoogleDiscoveryURL = "https://accounts.google.com/.well-known/openid-configuration"
	defaultLeeway             = 30 * time.Second
	discoveryTTL              = 24 * time.Hour
	defaultKeysTTL            = time.Hour
	// minRefreshInterval は未知のkidでJWKSを再取得する最短間隔。
	minRefreshInterval = time.Minute
)

var googleIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

var (
	// ErrInvalidIDToken はIDトークンの署名、発行者、対象者、有効期限のいずれかが不正であることを表す。
	ErrInvalidIDToken = errors.New("invalid id token")
	// errKeyFetch は公開鍵の取得自体が失敗したことを表す。トークンの不正とは区別する。
	errKeyFetch = errors.New("failed to fetch signing keys")
)

// GoogleIDTokenConfig はGoogleIDTokenVerifierの設定。
type GoogleIDTokenConfig struct {
	ClientID string

	// テスト用にオーバーライド可能な値
	DiscoveryURL string
	HTTPClient   *http.Client
	Leeway       time.Duration
	Now          func() time.Time
}

// GoogleIDTokenVerifier はGoogleが発行したIDトークン（RS256）を検証する。
// ディスカバリ文書とJWKSの公開鍵はgo-cacheに保持する。
type GoogleIDTokenVerifier struct {
	config GoogleIDTokenConfig
	cache  *cache.Cache

	refreshMu   sync.Mutex
	lastRefresh time.Time
}

// NewGoogleIDTokenVerifier はGoogleIDTokenVerifierを生成する。
func NewGoogleIDTokenVerifier(config GoogleIDTokenConfig) *GoogleIDTokenVerifier {
	if config.DiscoveryURL == "" {
		config.DiscoveryURL = defaultGoogleDiscoveryURL
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if config.Leeway == 0 {
		config.Leeway = defaultLeeway
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &GoogleIDTokenVerifier{
		config: config,
		cache:  cache.New(defaultKeysTTL, 10*time.Minute),
	}
}

type discoveryDoc struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

type jwk struct {
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

// Verify はIDトークンを検証し、クレームを返す。
// トークン自体が不正な場合はErrInvalidIDTokenを、鍵の取得に失敗した場合はそれ以外のエラーを返す。
func (v *GoogleIDTokenVerifier) Verify(ctx context.Context, idToken string) (*model.IdentityClaims, error) {
	if idToken == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidIDToken)
	}

	parser := jwtv5.NewParser(
		jwtv5.WithValidMethods([]string{"RS256"}),
		jwtv5.WithAudience(v.config.ClientID),
		jwtv5.WithExpirationRequired(),
		jwtv5.WithLeeway(v.config.Leeway),
		jwtv5.WithTimeFunc(v.config.Now),
	)

	claims := jwtv5.MapClaims{}
	_, err := parser.ParseWithClaims(idToken, claims, func(t *jwtv5.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keyForKid(ctx, kid)
	})
	if err != nil {
		if errors.Is(err, errKeyFetch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidIDToken, err)
	}

	iss, _ := claims["iss"].(string)
	if !isGoogleIssuer(iss) {
		return nil, fmt.Errorf("%w: bad issuer %q", ErrInvalidIDToken, iss)
	}

	sub := stringClaim(claims, "sub")
	if sub == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidIDToken)
	}

	return &model.IdentityClaims{
		Subject:    sub,
		Name:       stringClaim(claims, "name"),
		Email:      stringClaim(claims, "email"),
		GivenName:  stringClaim(claims, "given_name"),
		FamilyName: stringClaim(claims, "family_name"),
		Picture:    stringClaim(claims, "picture"),
		Raw:        map[string]any(claims),
	}, nil
}

// keyForKid はkidに対応するRSA公開鍵を返す。
// キャッシュに無い場合はJWKSを再取得するが、最短間隔内の再取得は行わない。
func (v *GoogleIDTokenVerifier) keyForKid(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if kid == "" {
		return nil, errors.New("missing kid")
	}
	if key, ok := v.cache.Get("jwk:" + kid); ok {
		return key.(*rsa.PublicKey), nil
	}

	v.refreshMu.Lock()
	defer v.refreshMu.Unlock()

	// 待機中に他のgoroutineが取得済みの場合
	if key, ok := v.cache.Get("jwk:" + kid); ok {
		return key.(*rsa.PublicKey), nil
	}
	if !v.lastRefresh.IsZero() && v.config.Now().Sub(v.lastRefresh) < minRefreshInterval {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}

	if err := v.refreshKeys(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", errKeyFetch, err)
	}
	v.lastRefresh = v.config.Now()

	if key, ok := v.cache.Get("jwk:" + kid); ok {
		return key.(*rsa.PublicKey), nil
	}
	return nil, fmt.Errorf("unknown kid %q", kid)
}

// refreshKeys はJWKSを取得し、RSA鍵をkidごとにキャッシュする。
// 有効期間はCache-Controlのmax-ageに従う。
func (v *GoogleIDTokenVerifier) refreshKeys(ctx context.Context) error {
	disc, err := v.discovery(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, disc.JWKSURI, nil)
	if err != nil {
		return fmt.Errorf("failed to create jwks request: %w", err)
	}
	resp, err := v.config.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("jwks request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks returned status %d", resp.StatusCode)
	}

	var set jwks
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("failed to parse jwks: %w", err)
	}

	ttl := maxAge(resp.Header.Get("Cache-Control"), defaultKeysTTL)
	for _, k := range set.Keys {
		if !strings.EqualFold(k.Kty, "RSA") || k.Kid == "" {
			continue
		}
		key, err := rsaPublicKey(k)
		if err != nil {
			continue
		}
		v.cache.Set("jwk:"+k.Kid, key, ttl)
	}
	return nil
}

// discovery はOpenIDディスカバリ文書を取得する。
func (v *GoogleIDTokenVerifier) discovery(ctx context.Context) (*discoveryDoc, error) {
	if d, ok := v.cache.Get("discovery"); ok {
		return d.(*discoveryDoc), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.config.DiscoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery request: %w", err)
	}
	resp, err := v.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery returned status %d", resp.StatusCode)
	}

	var doc discoveryDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return nil, fmt.Errorf("discovery document has no jwks_uri")
	}

	v.cache.Set("discovery", &doc, discoveryTTL)
	return &doc, nil
}

func rsaPublicKey(k jwk) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent: %w", err)
	}
	e := 65537
	if len(eb) > 0 {
		e = int(new(big.Int).SetBytes(eb).Int64())
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}

// maxAge はCache-Controlヘッダのmax-ageを返す。無い場合はfallbackを返す。
func maxAge(cacheControl string, fallback time.Duration) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		if v, ok := strings.CutPrefix(directive, "max-age="); ok {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return fallback
}

func isGoogleIssuer(iss string) bool {
	for _, allowed := range googleIssuers {
		if iss == allowed {
			return true
		}
	}
	return false
}

func stringClaim(m jwtv5.MapClaims, k string) string {
	s, _ := m[k].(string)
	return s
}

// compile-time interface check
var _ IdentityVerifier = (*GoogleIDTokenVerifier)(nil)
