package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type StripeConfig struct {
	APIKey     string
	SuccessURL string
	CancelURL  string
	// BaseURL overrides the Stripe API host, used by tests.
	BaseURL string
}

type stripeClient struct {
	cfg    StripeConfig
	client *http.Client
}

func NewStripeClient(cfg StripeConfig) Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.stripe.com"
	}
	return &stripeClient{
		cfg:    cfg,
		client: &http.Client{Timeout: 12 * time.Second},
	}
}

type stripeObject struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Status string `json:"status"`
}

type stripeErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *stripeClient) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	if req.UserID == 0 || req.Credits <= 0 || req.UnitAmount <= 0 {
		return CheckoutSession{}, ErrInvalidConfig
	}

	values := url.Values{}
	values.Set("mode", "payment")
	values.Set("success_url", c.cfg.SuccessURL)
	values.Set("cancel_url", c.cfg.CancelURL)
	values.Set("line_items[0][quantity]", "1")
	values.Set("line_items[0][price_data][currency]", strings.ToLower(req.Currency))
	values.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.UnitAmount, 10))
	values.Set("line_items[0][price_data][product_data][name]", req.Name)
	values.Set("metadata[user_id]", req.UserID.String())
	values.Set("metadata[package_id]", req.PackageID)
	values.Set("metadata[credits]", strconv.FormatInt(req.Credits, 10))
	values.Set("payment_intent_data[metadata][user_id]", req.UserID.String())
	values.Set("payment_intent_data[metadata][package_id]", req.PackageID)
	values.Set("payment_intent_data[metadata][credits]", strconv.FormatInt(req.Credits, 10))

	obj, err := c.doRequest(ctx, http.MethodPost, "/v1/checkout/sessions", values, "checkout:"+req.UserID.String()+":"+req.PackageID)
	if err != nil {
		return CheckoutSession{}, err
	}
	return CheckoutSession{ID: obj.ID, URL: obj.URL}, nil
}

func (c *stripeClient) ConfirmPaymentIntent(ctx context.Context, paymentIntentID string) error {
	paymentIntentID = strings.TrimSpace(paymentIntentID)
	if paymentIntentID == "" {
		return ErrInvalidConfig
	}

	obj, err := c.doRequest(ctx, http.MethodPost, "/v1/payment_intents/"+paymentIntentID+"/confirm", url.Values{}, "")
	if err != nil {
		return err
	}
	if obj.Status != "succeeded" && obj.Status != "processing" {
		return &ProviderError{Code: "intent_" + obj.Status, Message: "payment intent not confirmed", Transient: false}
	}
	return nil
}

func (c *stripeClient) doRequest(ctx context.Context, method, path string, values url.Values, idempotencyKey string) (stripeObject, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return stripeObject{}, ErrInvalidConfig
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, strings.NewReader(values.Encode()))
	if err != nil {
		return stripeObject{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return stripeObject{}, &ProviderError{Code: "network", Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var stripeErr stripeErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&stripeErr)
		message := strings.TrimSpace(stripeErr.Error.Message)
		if message == "" {
			message = "stripe_request_failed"
		}
		code := stripeErr.Error.Code
		if code == "" {
			code = strconv.Itoa(resp.StatusCode)
		}
		return stripeObject{}, &ProviderError{
			Code:      code,
			Message:   message,
			Transient: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError,
		}
	}

	var obj stripeObject
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		return stripeObject{}, err
	}
	if obj.ID == "" {
		return stripeObject{}, &ProviderError{Code: "invalid_response", Message: "stripe_response_invalid", Transient: true}
	}
	return obj, nil
}
