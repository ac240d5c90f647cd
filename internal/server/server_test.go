package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/casefile-ai/casefile/internal/config"
	investigationdomain "github.com/casefile-ai/casefile/internal/investigation/domain"
	"github.com/casefile-ai/casefile/internal/investigation/stream"
	ledgerdomain "github.com/casefile-ai/casefile/internal/ledger/domain"
	paymentdomain "github.com/casefile-ai/casefile/internal/payment/domain"
	retrydomain "github.com/casefile-ai/casefile/internal/paymentretry/domain"
	paymentprovider "github.com/casefile-ai/casefile/internal/providers/payment"
)

const testJWTSecret = "test-secret"

type fakeLedgerService struct {
	ledgerdomain.Service

	batches []ledgerdomain.CreditBatch
	err     error
}

func (f *fakeLedgerService) ListActiveBatches(ctx context.Context, userID snowflake.ID) ([]ledgerdomain.CreditBatch, error) {
	return f.batches, f.err
}

type fakeInvestigationService struct {
	hub    *stream.Hub
	events []investigationdomain.ProgressEvent
	err    error
	gotReq investigationdomain.Request
}

func (f *fakeInvestigationService) Start(ctx context.Context, req investigationdomain.Request) (string, error) {
	f.gotReq = req
	if f.err != nil {
		return "", f.err
	}
	id := "inv-1"
	f.hub.Open(id)
	for _, event := range f.events {
		f.hub.Publish(id, event)
	}
	go func() {
		time.Sleep(200 * time.Millisecond)
		f.hub.Close(id)
	}()
	return id, nil
}

type fakePaymentService struct {
	err error
}

func (f *fakePaymentService) IngestWebhook(ctx context.Context, payload []byte, headers http.Header) error {
	return f.err
}

type fakeRetryService struct {
	retrydomain.Service

	result retrydomain.SweepResult
	err    error
}

func (f *fakeRetryService) ProcessAllPendingRetries(ctx context.Context) (retrydomain.SweepResult, error) {
	return f.result, f.err
}

type fakeCheckoutClient struct {
	session paymentprovider.CheckoutSession
	err     error
	gotReq  paymentprovider.CheckoutRequest
}

func (f *fakeCheckoutClient) CreateCheckoutSession(ctx context.Context, req paymentprovider.CheckoutRequest) (paymentprovider.CheckoutSession, error) {
	f.gotReq = req
	return f.session, f.err
}

func (f *fakeCheckoutClient) ConfirmPaymentIntent(ctx context.Context, paymentIntentID string) error {
	return nil
}

type testFixture struct {
	server        *Server
	ledger        *fakeLedgerService
	investigation *fakeInvestigationService
	payment       *fakePaymentService
	retries       *fakeRetryService
	checkout      *fakeCheckoutClient
}

func newTestServer(t *testing.T) *testFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := stream.NewHub()
	f := &testFixture{
		ledger:        &fakeLedgerService{batches: []ledgerdomain.CreditBatch{{AmountRemaining: 5, Source: ledgerdomain.SourcePurchase}}},
		investigation: &fakeInvestigationService{hub: hub},
		payment:       &fakePaymentService{},
		retries:       &fakeRetryService{},
		checkout:      &fakeCheckoutClient{session: paymentprovider.CheckoutSession{ID: "cs_1", URL: "https://checkout.test/cs_1"}},
	}

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	f.server = &Server{
		engine:           engine,
		log:              zap.NewNop(),
		cfg:              config.Config{AuthJWTSecret: testJWTSecret},
		billing:          &config.BillingConfigHolder{},
		ledgerSvc:        f.ledger,
		investigationSvc: f.investigation,
		investigations:   hub,
		paymentSvc:       f.payment,
		retrySvc:         f.retries,
		paymentProvider:  f.checkout,
	}
	f.server.RegisterAPIRoutes()
	f.server.RegisterInternalRoutes()
	return f
}

func bearerToken(t *testing.T, userID snowflake.ID) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID.String(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + signed
}

func doJSON(f *testFixture, method, path, auth string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewBuffer(data)
	} else {
		reader = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	f.server.Engine().ServeHTTP(rec, req)
	return rec
}

func TestStartInvestigationRequiresAuth(t *testing.T) {
	f := newTestServer(t)

	rec := doJSON(f, http.MethodPost, "/api/investigations", "", map[string]any{
		"subject": "Acme Corp", "consentConfirmed": true,
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStartInvestigationInsufficientCredits(t *testing.T) {
	f := newTestServer(t)
	f.investigation.err = investigationdomain.ErrInsufficientCredits

	rec := doJSON(f, http.MethodPost, "/api/investigations", bearerToken(t, 42), map[string]any{
		"subject": "Acme Corp", "consentConfirmed": true,
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStartInvestigationConsentRequired(t *testing.T) {
	f := newTestServer(t)
	f.investigation.err = investigationdomain.ErrConsentRequired

	rec := doJSON(f, http.MethodPost, "/api/investigations", bearerToken(t, 42), map[string]any{
		"subject": "Acme Corp", "consentConfirmed": false,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStartInvestigationStreamsEvents(t *testing.T) {
	f := newTestServer(t)
	f.investigation.events = []investigationdomain.ProgressEvent{
		{Event: investigationdomain.EventStageChanged, Data: investigationdomain.StageChangedData{Stage: "classification"}},
		{Event: investigationdomain.EventComplete, Data: investigationdomain.CompleteData{InvestigationID: "inv-1", QualityScore: 8.1}},
	}

	rec := doJSON(f, http.MethodPost, "/api/investigations", bearerToken(t, 42), map[string]any{
		"subject": "Acme Corp", "details": "supplier vetting", "consentConfirmed": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type %q", got)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "event: stage_changed") {
		t.Fatalf("missing stage_changed event: %s", body)
	}
	if !strings.Contains(body, "event: complete") || !strings.Contains(body, `"qualityScore":8.1`) {
		t.Fatalf("missing complete event: %s", body)
	}
	if f.investigation.gotReq.UserID != 42 {
		t.Fatalf("unexpected user id %v", f.investigation.gotReq.UserID)
	}
}

func TestGetCreditBalance(t *testing.T) {
	f := newTestServer(t)
	expires := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	f.ledger.batches = []ledgerdomain.CreditBatch{
		{AmountRemaining: 3, Source: ledgerdomain.SourcePurchase, ExpiresAt: &expires},
		{AmountRemaining: 4, Source: ledgerdomain.SourceRefund},
	}

	rec := doJSON(f, http.MethodGet, "/api/credits/balance", bearerToken(t, 42), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Balance int64 `json:"balance"`
		Batches []struct {
			Remaining int64   `json:"remaining"`
			Source    string  `json:"source"`
			ExpiresAt *string `json:"expiresAt"`
		} `json:"batches"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Balance != 7 {
		t.Fatalf("expected balance 7, got %d", payload.Balance)
	}
	if len(payload.Batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(payload.Batches))
	}
	if payload.Batches[0].ExpiresAt == nil || *payload.Batches[0].ExpiresAt != "2026-12-31T00:00:00Z" {
		t.Fatalf("unexpected first batch expiry %+v", payload.Batches[0])
	}
	if payload.Batches[1].ExpiresAt != nil {
		t.Fatalf("expected nil expiry on refund batch")
	}

	if rec := doJSON(f, http.MethodGet, "/api/credits/balance", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestCreateCheckout(t *testing.T) {
	f := newTestServer(t)

	rec := doJSON(f, http.MethodPost, "/api/credits/checkout", bearerToken(t, 42), map[string]any{
		"packageId": "standard",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if f.checkout.gotReq.PackageID != "standard" || f.checkout.gotReq.Credits != 10 {
		t.Fatalf("unexpected checkout request: %+v", f.checkout.gotReq)
	}
	if !strings.Contains(rec.Body.String(), "https://checkout.test/cs_1") {
		t.Fatalf("missing checkout url: %s", rec.Body.String())
	}
}

func TestCreateCheckoutUnknownPackage(t *testing.T) {
	f := newTestServer(t)

	rec := doJSON(f, http.MethodPost, "/api/credits/checkout", bearerToken(t, 42), map[string]any{
		"packageId": "nope",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStripeWebhookStatusMapping(t *testing.T) {
	f := newTestServer(t)

	rec := doJSON(f, http.MethodPost, "/webhooks/stripe", "", map[string]any{"type": "checkout.session.completed"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 ack, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"received":true`) {
		t.Fatalf("missing ack body: %s", rec.Body.String())
	}

	f.payment.err = paymentdomain.ErrInvalidSignature
	if rec := doJSON(f, http.MethodPost, "/webhooks/stripe", "", map[string]any{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on bad signature, got %d", rec.Code)
	}

	f.payment.err = paymentdomain.ErrMissingSecret
	if rec := doJSON(f, http.MethodPost, "/webhooks/stripe", "", map[string]any{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on missing secret, got %d", rec.Code)
	}

	// Per-event payload faults are dispatch failures: 5xx keeps the
	// provider redelivering instead of dropping the event.
	f.payment.err = paymentdomain.ErrInvalidEventObject
	if rec := doJSON(f, http.MethodPost, "/webhooks/stripe", "", map[string]any{}); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on malformed event object, got %d", rec.Code)
	}

	f.payment.err = errors.New("handler blew up")
	if rec := doJSON(f, http.MethodPost, "/webhooks/stripe", "", map[string]any{}); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on handler failure, got %d", rec.Code)
	}
}

func TestSweepPaymentRetries(t *testing.T) {
	f := newTestServer(t)
	f.retries.result = retrydomain.SweepResult{Processed: 3, Succeeded: 1, Failed: 1, Pending: 1}

	rec := doJSON(f, http.MethodPost, "/internal/retries/sweep", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var result retrydomain.SweepResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result != f.retries.result {
		t.Fatalf("unexpected sweep result: %+v", result)
	}
}
