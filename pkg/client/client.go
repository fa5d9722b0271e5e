// Package client provides a signing client for the intent API.
package client

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/speedrun-hq/intentflow/pkg/api"
	"github.com/speedrun-hq/intentflow/pkg/dispatcher"
	"github.com/speedrun-hq/intentflow/pkg/logger"
	"github.com/speedrun-hq/intentflow/pkg/models"
)

// APIError is a problem document returned by the server
type APIError struct {
	StatusCode int    `json:"status"`
	Type       string `json:"type"`
	Title      string `json:"title"`
	Detail     string `json:"detail"`
	Instance   string `json:"instance"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %s (status %d)", e.Type, e.Instance, e.Detail, e.StatusCode)
}

// Client represents an intent API client
type Client struct {
	endpoint   string
	key        *ecdsa.PrivateKey
	address    common.Address
	httpClient *http.Client
	logger     logger.Logger

	mu        sync.Mutex
	lastNonce uint64
}

// New creates a new client. key may be nil for read-only use.
func New(endpoint string, key *ecdsa.PrivateKey, log logger.Logger) *Client {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	c := &Client{
		endpoint:   endpoint,
		key:        key,
		httpClient: createHTTPClient(),
		logger:     log,
	}
	if key != nil {
		c.address = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c
}

// Address returns the signer address
func (c *Client) Address() common.Address {
	return c.address
}

// FetchIntents lists intents, optionally filtered by status name
func (c *Client) FetchIntents(ctx context.Context, status string) ([]models.Intent, error) {
	path := "/intents"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var list models.IntentList
	if err := c.get(ctx, path, &list); err != nil {
		return nil, fmt.Errorf("failed to fetch intents: %w", err)
	}
	if list.TotalCount == 0 {
		c.logger.Debug("No intents found with status %q", status)
	}
	return list.Intents, nil
}

// GetIntent fetches one intent
func (c *Client) GetIntent(ctx context.Context, id uint64) (*models.Intent, error) {
	var intent models.Intent
	if err := c.get(ctx, fmt.Sprintf("/intents/%d", id), &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// Account fetches the execution account of an intent
func (c *Client) Account(ctx context.Context, id uint64) (*models.Account, error) {
	var account models.Account
	if err := c.get(ctx, fmt.Sprintf("/intents/%d/account", id), &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// Register registers an intent paying its collateral from the signer
func (c *Client) Register(ctx context.Context, req models.RegisterIntentRequest) (uint64, error) {
	var resp models.RegisterIntentResponse
	if err := c.post(ctx, "/intents", req, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// Execute runs an intent synchronously. A recorded failure is returned as a
// receipt with a non-empty Error, not as an error.
func (c *Client) Execute(ctx context.Context, id uint64, req models.ExecuteRequest) (*dispatcher.Receipt, error) {
	var receipt dispatcher.Receipt
	if err := c.post(ctx, fmt.Sprintf("/intents/%d/execute", id), req, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// UpdateStatus moves an intent to status with an optional proof
func (c *Client) UpdateStatus(ctx context.Context, id uint64, req models.StatusRequest) (*models.Intent, error) {
	var intent models.Intent
	if err := c.post(ctx, fmt.Sprintf("/intents/%d/status", id), req, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// Cancel cancels an active intent
func (c *Client) Cancel(ctx context.Context, id uint64) (*models.Intent, error) {
	var intent models.Intent
	if err := c.post(ctx, fmt.Sprintf("/intents/%d/cancel", id), nil, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// Deposit funds the execution account of an intent
func (c *Client) Deposit(ctx context.Context, id, asset, amount uint64) (*models.Account, error) {
	var account models.Account
	req := models.DepositRequest{Asset: asset, Amount: amount}
	if err := c.post(ctx, fmt.Sprintf("/intents/%d/deposit", id), req, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// Withdraw releases the collateral of a finished intent
func (c *Client) Withdraw(ctx context.Context, id uint64, recipient common.Address) (uint64, error) {
	var resp models.WithdrawResponse
	if err := c.post(ctx, fmt.Sprintf("/intents/%d/withdraw", id), models.WithdrawRequest{Recipient: recipient}, &resp); err != nil {
		return 0, err
	}
	return resp.Amount, nil
}

// Sweep returns the execution account balances of a finished intent
func (c *Client) Sweep(ctx context.Context, id uint64, recipient common.Address) (map[uint64]uint64, error) {
	var resp models.SweepResponse
	if err := c.post(ctx, fmt.Sprintf("/intents/%d/sweep", id), models.WithdrawRequest{Recipient: recipient}, &resp); err != nil {
		return nil, err
	}
	return resp.Swept, nil
}

// Publish writes an oracle value as the signer
func (c *Client) Publish(ctx context.Context, ref uint64, key string, value uint64) error {
	return c.post(ctx, "/oracle/publish", models.OraclePublishRequest{Ref: ref, Key: key, Value: value}, nil)
}

func (c *Client) nextNonce() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	nonce := uint64(time.Now().UnixNano())
	if nonce <= c.lastNonce {
		nonce = c.lastNonce + 1
	}
	c.lastNonce = nonce
	return nonce
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	if c.key == nil {
		return fmt.Errorf("client has no signing key")
	}
	var data []byte
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode request: %v", err)
		}
	}

	// the signature covers the path without the query string
	signPath := path
	if u, err := url.Parse(path); err == nil {
		signPath = u.Path
	}
	nonce := c.nextNonce()
	sig, err := api.SignRequest(c.key, http.MethodPost, signPath, nonce, data)
	if err != nil {
		return fmt.Errorf("failed to sign request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.HeaderAddress, c.address.Hex())
	req.Header.Set(api.HeaderNonce, strconv.FormatUint(nonce, 10))
	req.Header.Set(api.HeaderSignature, sig)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s failed: %w", req.Method, req.URL.Path, err)
	}
	defer func(Body io.ReadCloser) {
		err := Body.Close()
		if err != nil {
			c.logger.Error("Failed to close response body: %v", err)
		}
	}(resp.Body)

	// Read the response body regardless of status code
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %v", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, apiErr); err != nil || apiErr.Type == "" {
			return fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(bodyBytes))
		}
		return apiErr
	}

	if out == nil || len(bodyBytes) == 0 {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode response: %v, body: %s", err, string(bodyBytes))
	}
	return nil
}

// Helper function to create an HTTP client with timeouts
func createHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
