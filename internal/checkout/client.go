package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hungerhunt/storefront/internal/payments"
)

// ProviderName is the key the remote backend registers under in the payments manager.
const ProviderName = "remote"

const (
	defaultTimeout    = 8 * time.Second
	idempotencyHeader = "Idempotency-Key"
)

// ErrMissingBaseURL is returned when the client is built without a backend URL.
var ErrMissingBaseURL = errors.New("checkout: base url is required")

// Config configures the remote checkout backend client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

// Client issues order checkout and verification calls against the remote order backend.
type Client struct {
	baseURL string
	http    *http.Client
	logger  func(ctx context.Context, event string, fields map[string]any)
}

var _ payments.Provider = (*Client)(nil)

// NewClient constructs a remote checkout client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, ErrMissingBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("checkout: parse base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Client{baseURL: base, http: httpClient, logger: logger}, nil
}

// CreateIntent posts the frozen order to the backend, which opens a gateway order for the total.
func (c *Client) CreateIntent(ctx context.Context, req payments.IntentRequest) (payments.Intent, error) {
	scale, err := payments.MinorUnitScale(req.Currency)
	if err != nil {
		return payments.Intent{}, err
	}

	items := make([]orderItemPayload, 0, len(req.Lines))
	for _, line := range req.Lines {
		items = append(items, orderItemPayload{
			ID:    line.ItemID,
			Name:  line.Name,
			Price: line.UnitPrice,
			Qty:   line.Quantity,
		})
	}
	body := checkoutPayload{
		Student: studentPayload{
			Name:   req.BuyerName,
			School: req.Organization,
			Grade:  req.Tier,
		},
		Items:          items,
		Subtotal:       req.Subtotal,
		DeliveryCharge: req.DeliveryFee,
		FinalTotal:     req.Amount,
	}

	var resp checkoutResponse
	status, err := c.post(ctx, "checkout", req.IdempotencyKey, body, &resp)
	if err != nil {
		return payments.Intent{}, err
	}
	if status >= http.StatusBadRequest {
		return payments.Intent{}, fmt.Errorf("checkout: create order status %d", status)
	}

	orderID := strings.TrimSpace(resp.OrderID)
	if orderID == "" {
		return payments.Intent{}, errors.New("checkout: backend returned no order id")
	}
	if resp.Amount%scale != 0 {
		return payments.Intent{}, fmt.Errorf("checkout: backend amount %d is not a whole %s amount", resp.Amount, req.Currency)
	}
	currency := strings.ToUpper(strings.TrimSpace(resp.Currency))
	if currency == "" {
		currency = strings.ToUpper(req.Currency)
	}

	c.logger(ctx, "checkout.remote.order_created", map[string]any{
		"orderID": orderID,
		"draftID": req.OrderID,
		"amount":  resp.Amount,
	})

	return payments.Intent{
		ID:        orderID,
		Provider:  ProviderName,
		Amount:    resp.Amount / scale,
		Currency:  currency,
		ClientKey: strings.TrimSpace(resp.KeyID),
	}, nil
}

// Verify asks the backend to check the gateway signature for the payment.
func (c *Client) Verify(ctx context.Context, req payments.VerifyRequest) (payments.PaymentDetails, error) {
	body := verifyPayload{
		OrderID:   req.IntentID,
		PaymentID: req.PaymentID,
		Signature: req.Signature,
	}

	var resp verifyResponse
	status, err := c.post(ctx, "verify", "", body, &resp)
	if err != nil {
		return payments.PaymentDetails{}, err
	}

	details := payments.PaymentDetails{
		Provider: ProviderName,
		IntentID: req.IntentID,
		Status:   payments.StatusFailed,
		Raw: map[string]any{
			"success":    resp.Success,
			"httpStatus": status,
			"paymentId":  req.PaymentID,
		},
	}
	if resp.Success && status < http.StatusBadRequest {
		details.Status = payments.StatusSucceeded
	}
	c.logger(ctx, "checkout.remote.verified", map[string]any{
		"orderID": req.IntentID,
		"success": details.Status == payments.StatusSucceeded,
	})
	return details, nil
}

// post sends a JSON body and decodes the response. Server errors and undecodable
// client errors are returned as errors; decodable 4xx bodies are reported with their status.
func (c *Client) post(ctx context.Context, op, idempotencyKey string, body any, out any) (int, error) {
	if c == nil {
		return 0, errors.New("checkout: client is nil")
	}
	endpoint, err := url.JoinPath(c.baseURL, "orders", op)
	if err != nil {
		return 0, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(idempotencyHeader, ensureIdempotencyKey(idempotencyKey))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("checkout: %s request: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return resp.StatusCode, fmt.Errorf("checkout: %s status %d: %s", op, resp.StatusCode, drainError(resp.Body))
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("checkout: read %s response: %w", op, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return resp.StatusCode, fmt.Errorf("checkout: %s status %d: %s", op, resp.StatusCode, truncate(string(raw)))
		}
		return resp.StatusCode, fmt.Errorf("checkout: decode %s response: %w", op, err)
	}
	return resp.StatusCode, nil
}

func ensureIdempotencyKey(key string) string {
	key = strings.TrimSpace(key)
	if key != "" {
		return key
	}
	return uuid.NewString()
}

func drainError(r io.Reader) string {
	if r == nil {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(r, 256))
	return strings.TrimSpace(string(b))
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 256 {
		return s[:256]
	}
	return s
}

type studentPayload struct {
	Name   string `json:"name"`
	School string `json:"school"`
	Grade  string `json:"grade"`
}

type orderItemPayload struct {
	ID    string `json:"_id"`
	Name  string `json:"name"`
	Price int64  `json:"price"`
	Qty   int    `json:"qty"`
}

type checkoutPayload struct {
	Student        studentPayload     `json:"student"`
	Items          []orderItemPayload `json:"items"`
	Subtotal       int64              `json:"subtotal"`
	DeliveryCharge int64              `json:"deliveryCharge"`
	FinalTotal     int64              `json:"finalTotal"`
}

type checkoutResponse struct {
	Amount   int64  `json:"amount"`
	OrderID  string `json:"order_id"`
	KeyID    string `json:"key_id"`
	Currency string `json:"currency"`
}

type verifyPayload struct {
	OrderID   string `json:"razorpay_order_id"`
	PaymentID string `json:"razorpay_payment_id"`
	Signature string `json:"razorpay_signature"`
}

type verifyResponse struct {
	Success bool `json:"success"`
}
