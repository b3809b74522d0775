// Package pohclient is a Go client for the pohd REST API.
package pohclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with a pohd node.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// TransactionRequest is the payload for submitting a transfer.
type TransactionRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

// Transaction is a transfer as stamped and sealed by the node.
type Transaction struct {
	From       string      `json:"from"`
	To         string      `json:"to"`
	Amount     uint64      `json:"amount"`
	AnchorHash common.Hash `json:"anchor_hash"`
	ID         common.Hash `json:"id,omitempty"`
}

// Slot is a committed batch of transactions with its chain positions.
type Slot struct {
	Number         uint64        `json:"slot_number"`
	OpenHash       common.Hash   `json:"open_hash"`
	OpenCounter    uint64        `json:"open_counter"`
	Transactions   []Transaction `json:"transactions"`
	CloseCounter   uint64        `json:"close_counter"`
	CloseHash      common.Hash   `json:"close_hash"`
	TransactionIDs []common.Hash `json:"transaction_ids"`
	// Warning is set when the slot was committed but persisting, publishing
	// or anchoring it has not completed yet.
	Warning string `json:"warning,omitempty"`
}

// Verification is the outcome of a range replay.
type Verification struct {
	Start int       `json:"start"`
	End   int       `json:"end"`
	Valid bool      `json:"valid"`
	Error *APIError `json:"error,omitempty"`
}

// Status summarises the node.
type Status struct {
	Height      int               `json:"height"`
	HeadCounter uint64            `json:"head_counter"`
	HeadHash    common.Hash       `json:"head_hash"`
	Anchor      common.Hash       `json:"anchor"`
	Pending     int               `json:"pending"`
	Persisted   uint64            `json:"persisted"`
	Published   uint64            `json:"published"`
	LastAnchor  *Checkpoint       `json:"last_anchor,omitempty"`
	Settlement  *SettlementStatus `json:"settlement,omitempty"`
}

// Checkpoint is the most recent slot anchored to an external chain.
type Checkpoint struct {
	Slot   uint64      `json:"slot_number"`
	TxHash common.Hash `json:"tx_hash"`
	At     time.Time   `json:"at"`
}

// SettlementStatus reports the settlement worker progress.
type SettlementStatus struct {
	Slots        uint64 `json:"slots"`
	LastSlot     uint64 `json:"last_slot"`
	Applied      uint64 `json:"applied"`
	Rejected     uint64 `json:"rejected_slots"`
	Unknown      uint64 `json:"unknown_account"`
	Insufficient uint64 `json:"insufficient_funds"`
	Overflow     uint64 `json:"balance_overflow"`
	Buffered     int    `json:"buffered"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("pohd api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("pohd api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for a pohd node. When httpClient is nil, a
// default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SubmitTransaction queues a transfer for the next slot.
func (c *Client) SubmitTransaction(ctx context.Context, req TransactionRequest) (Transaction, error) {
	var tx Transaction
	if err := c.post(ctx, "/api/v1/transactions", nil, req, &tx); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

// CloseSlot seals the pending transactions into a new slot.
func (c *Client) CloseSlot(ctx context.Context) (Slot, error) {
	var slot Slot
	if err := c.post(ctx, "/api/v1/slots", nil, struct{}{}, &slot); err != nil {
		return Slot{}, err
	}
	return slot, nil
}

// GetSlot fetches a committed slot by number.
func (c *Client) GetSlot(ctx context.Context, number uint64) (Slot, error) {
	var slot Slot
	endpoint := "/api/v1/slots/" + strconv.FormatUint(number, 10)
	if err := c.get(ctx, endpoint, nil, &slot); err != nil {
		return Slot{}, err
	}
	return slot, nil
}

// ListSlots returns up to limit committed slots starting at from.
func (c *Client) ListSlots(ctx context.Context, from, limit int) ([]Slot, error) {
	query := url.Values{}
	query.Set("from", strconv.Itoa(from))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var slots []Slot
	if err := c.get(ctx, "/api/v1/slots", query, &slots); err != nil {
		return nil, err
	}
	return slots, nil
}

// Verify replays the chain between the close states of slots start and end.
// A tampered range is reported through Verification.Valid, not as an error.
func (c *Client) Verify(ctx context.Context, start, end int) (Verification, error) {
	query := url.Values{}
	query.Set("start", strconv.Itoa(start))
	query.Set("end", strconv.Itoa(end))
	var result Verification
	if err := c.get(ctx, "/api/v1/verify", query, &result); err != nil {
		return Verification{}, err
	}
	return result, nil
}

// Status returns the node status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var status Status
	if err := c.get(ctx, "/api/v1/status", nil, &status); err != nil {
		return Status{}, err
	}
	return status, nil
}

func (c *Client) post(ctx context.Context, endpoint string, query url.Values, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, query, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
