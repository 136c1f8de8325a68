package lookup

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/organism/pkg/contracts"
)

// ApprovalService answers CheckApprovalStatus.
type ApprovalService interface {
	CheckApprovalStatus(ctx context.Context, approvalID string) (contracts.ApprovalStatus, error)
}

// MemoryApprovalService is an in-process approval service.
type MemoryApprovalService struct {
	mu       sync.RWMutex
	statuses map[string]contracts.ApprovalStatus
}

// NewMemoryApprovalService creates an empty service.
func NewMemoryApprovalService() *MemoryApprovalService {
	return &MemoryApprovalService{statuses: make(map[string]contracts.ApprovalStatus)}
}

// Set records the status of an approval.
func (m *MemoryApprovalService) Set(approvalID string, status contracts.ApprovalStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[approvalID] = status
}

func (m *MemoryApprovalService) CheckApprovalStatus(ctx context.Context, approvalID string) (contracts.ApprovalStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[approvalID]
	if !ok {
		return contracts.ApprovalNotFound, nil
	}
	return s, nil
}

// ApprovalClaims is the signed attestation the approval service returns.
type ApprovalClaims struct {
	ApprovalID string                   `json:"approval_id"`
	Status     contracts.ApprovalStatus `json:"status"`
	jwt.RegisteredClaims
}

type approvalResponse struct {
	Attestation string `json:"attestation"`
}

// HTTPApprovalClient queries GET {base}/approvals/{id} and verifies the
// EdDSA-signed attestation in the response.
type HTTPApprovalClient struct {
	baseURL *url.URL
	client  *http.Client
	key     crypto.PublicKey
	issuer  string
	breaker *CircuitBreaker
	clock   func() time.Time
}

// NewHTTPApprovalClient creates a client. key is the service's Ed25519
// public key; issuer, when set, must match the attestation issuer.
func NewHTTPApprovalClient(baseURL string, key crypto.PublicKey, issuer string, client *http.Client) (*HTTPApprovalClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("lookup: approval url: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPApprovalClient{
		baseURL: u,
		client:  client,
		key:     key,
		issuer:  issuer,
		breaker: NewCircuitBreaker("approval", 5, 10*time.Second),
		clock:   time.Now,
	}, nil
}

// WithBreaker replaces the circuit breaker.
func (c *HTTPApprovalClient) WithBreaker(cb *CircuitBreaker) *HTTPApprovalClient {
	c.breaker = cb
	return c
}

// WithClock sets the clock used for attestation expiry.
func (c *HTTPApprovalClient) WithClock(clock func() time.Time) *HTTPApprovalClient {
	c.clock = clock
	return c
}

// LoadEd25519PublicKey reads a PEM encoded Ed25519 public key.
func LoadEd25519PublicKey(path string) (crypto.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return jwt.ParseEdPublicKeyFromPEM(data)
}

func (c *HTTPApprovalClient) CheckApprovalStatus(ctx context.Context, approvalID string) (contracts.ApprovalStatus, error) {
	if !c.breaker.Allow() {
		return "", fmt.Errorf("%w: %s", ErrCircuitOpen, c.breaker.Name())
	}
	status, err := c.fetch(ctx, approvalID)
	switch {
	case err == nil, errors.Is(err, ErrNotFound):
		c.breaker.Success()
	case errors.Is(err, context.Canceled):
	default:
		c.breaker.Failure()
	}
	if errors.Is(err, ErrNotFound) {
		return contracts.ApprovalNotFound, nil
	}
	return status, err
}

func (c *HTTPApprovalClient) fetch(ctx context.Context, approvalID string) (contracts.ApprovalStatus, error) {
	endpoint := c.baseURL.JoinPath("approvals", approvalID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("approval service returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	var payload approvalResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("%w: approval response: %v", ErrBadValue, err)
	}
	return c.verify(payload.Attestation, approvalID)
}

func (c *HTTPApprovalClient) verify(token, approvalID string) (contracts.ApprovalStatus, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithTimeFunc(c.clock),
		jwt.WithExpirationRequired(),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}
	claims := &ApprovalClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return c.key, nil }, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: attestation: %v", ErrBadValue, err)
	}
	if claims.ApprovalID != approvalID {
		return "", fmt.Errorf("%w: attestation for %q, asked %q", ErrBadValue, claims.ApprovalID, approvalID)
	}
	switch claims.Status {
	case contracts.ApprovalApproved, contracts.ApprovalPending, contracts.ApprovalDenied, contracts.ApprovalNotFound:
		return claims.Status, nil
	}
	return "", fmt.Errorf("%w: status %q", ErrBadValue, claims.Status)
}
