package authority

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/erp/dte/internal/infrastructure/xmlsig"
	"go.uber.org/zap"
)

// TokenCache stores the session token issued by the authority
type TokenCache interface {
	// Get returns the cached token, or "" when absent or expired
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, token string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MemoryTokenCache is an in-process TokenCache
type MemoryTokenCache struct {
	mu      sync.Mutex
	entries map[string]memoryToken
	now     func() time.Time
}

type memoryToken struct {
	value     string
	expiresAt time.Time
}

// NewMemoryTokenCache creates an empty in-process cache
func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{entries: make(map[string]memoryToken), now: time.Now}
}

// Get implements TokenCache
func (m *MemoryTokenCache) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return "", nil
	}
	if !m.now().Before(entry.expiresAt) {
		delete(m.entries, key)
		return "", nil
	}
	return entry.value, nil
}

// Set implements TokenCache
func (m *MemoryTokenCache) Set(_ context.Context, key, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryToken{value: token, expiresAt: m.now().Add(ttl)}
	return nil
}

// Delete implements TokenCache
func (m *MemoryTokenCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (c *Client) tokenKey() string {
	return "dte:authority:token:" + c.config.CompanyRUT
}

// token returns a cached session token or authenticates anew.
// Authentication failures are never ambiguous: nothing was submitted yet.
func (c *Client) token(ctx context.Context) (string, error) {
	cached, err := c.tokens.Get(ctx, c.tokenKey())
	if err != nil {
		c.logger.Warn("token cache read failed", zap.Error(err))
	}
	if cached != "" {
		return cached, nil
	}

	tok, err := c.authenticate(ctx)
	if err != nil {
		var ce *callError
		if errors.As(err, &ce) {
			ce.Ambiguous = false
		}
		return "", err
	}
	if err := c.tokens.Set(ctx, c.tokenKey(), tok, c.config.TokenTTL); err != nil {
		c.logger.Warn("token cache write failed", zap.Error(err))
	}
	return tok, nil
}

func (c *Client) invalidateToken(ctx context.Context) {
	if err := c.tokens.Delete(ctx, c.tokenKey()); err != nil {
		c.logger.Warn("token cache delete failed", zap.Error(err))
	}
}

func (c *Client) authenticate(ctx context.Context) (string, error) {
	body, err := c.do(ctx, request{op: "seed", method: http.MethodGet, path: "/seed"})
	if err != nil {
		return "", err
	}
	seed, err := parseSeed(body)
	if err != nil {
		return "", err
	}

	signed, err := c.signSeed(seed)
	if err != nil {
		return "", err
	}
	body, err = c.do(ctx, request{
		op:          "token",
		method:      http.MethodPost,
		path:        "/token",
		body:        signed,
		contentType: "application/xml",
	})
	if err != nil {
		return "", err
	}
	tok, err := parseToken(body)
	if err != nil {
		return "", err
	}
	c.logger.Debug("authenticated with the authority")
	return tok, nil
}

// signSeed wraps the seed in getToken and signs the whole request
func (c *Client) signSeed(seed string) ([]byte, error) {
	root := etree.NewElement("getToken")
	root.CreateElement("item").CreateElement("Semilla").SetText(seed)
	if _, err := xmlsig.SignEnveloped(root, root, "", c.companyKey.PrivateKey, c.companyKey.Certificate); err != nil {
		return nil, fmt.Errorf("authority: signing seed: %w", err)
	}
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0"`)
	doc.SetRoot(root)
	return doc.WriteToBytes()
}
