package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// VerifyStatus is a provider's answer about one transaction.
type VerifyStatus string

const (
	VerifySucceeded VerifyStatus = "succeeded"
	VerifyFailed    VerifyStatus = "failed"
	VerifyPending   VerifyStatus = "pending"
)

// VerifyResult is the verified settlement state for a provider reference.
type VerifyResult struct {
	Status   VerifyStatus `json:"status"`
	Amount   int64        `json:"amount"`
	Currency string       `json:"currency"`
}

// ErrUnknownProvider is returned when a confirmation names a provider the
// registry does not know.
var ErrUnknownProvider = errors.New("unknown payment provider")

// PaymentProvider is the contract both gateway integrations converge on.
// Verify is always called before reconciliation proceeds; a client's
// "it succeeded" claim is never trusted on its own.
type PaymentProvider interface {
	Name() string
	CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (string, error)
	Verify(ctx context.Context, providerRef string) (*VerifyResult, error)
}

// Registry resolves providers by name.
type Registry struct {
	providers map[string]PaymentProvider
}

// NewRegistry creates a registry over the given providers.
func NewRegistry(providers ...PaymentProvider) *Registry {
	m := make(map[string]PaymentProvider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Registry{providers: m}
}

// Get resolves a provider by name.
func (r *Registry) Get(name string) (PaymentProvider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// newHTTPClient builds the shared retrying HTTP client: bounded per-call
// timeout and a single retry. A verification timeout leaves the payment
// pending for a later webhook or poll to resolve.
func newHTTPClient(timeout time.Duration) *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 1
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil
	return rc.StandardClient()
}

type intentRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type intentResponse struct {
	Ref string `json:"ref"`
}

// httpGateway is the shared plumbing for HTTP-fronted providers.
type httpGateway struct {
	name    string
	baseURL string
	client  *http.Client
}

func (g *httpGateway) Name() string {
	return g.name
}

func (g *httpGateway) CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (string, error) {
	body, err := json.Marshal(intentRequest{Amount: amount, Currency: currency, Metadata: metadata})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/intents", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create intent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s create intent: %w", g.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("%s create intent: unexpected status %d", g.name, resp.StatusCode)
	}

	var out intentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%s create intent: decode response: %w", g.name, err)
	}
	if out.Ref == "" {
		return "", fmt.Errorf("%s create intent: empty reference", g.name)
	}
	return out.Ref, nil
}

func (g *httpGateway) Verify(ctx context.Context, providerRef string) (*VerifyResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/transactions/%s", g.baseURL, providerRef), nil)
	if err != nil {
		return nil, fmt.Errorf("create verify request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s verify: %w", g.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s verify: unexpected status %d", g.name, resp.StatusCode)
	}

	var result VerifyResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%s verify: decode response: %w", g.name, err)
	}
	switch result.Status {
	case VerifySucceeded, VerifyFailed, VerifyPending:
	default:
		return nil, fmt.Errorf("%s verify: unknown status %q", g.name, result.Status)
	}
	return &result, nil
}

// NewCardProvider creates the card-processor integration.
func NewCardProvider(baseURL string, timeout time.Duration) PaymentProvider {
	return &httpGateway{name: "card", baseURL: baseURL, client: newHTTPClient(timeout)}
}

// NewPayPalProvider creates the PayPal-style integration.
func NewPayPalProvider(baseURL string, timeout time.Duration) PaymentProvider {
	return &httpGateway{name: "paypal", baseURL: baseURL, client: newHTTPClient(timeout)}
}
