package httpapi_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oxzoid/flowpay/pkg/adminauth"
	"github.com/oxzoid/flowpay/pkg/domain"
	"github.com/oxzoid/flowpay/pkg/eventbus"
	"github.com/oxzoid/flowpay/pkg/httpapi"
	"github.com/oxzoid/flowpay/pkg/orderflow"
	"github.com/oxzoid/flowpay/pkg/store"
	"github.com/oxzoid/flowpay/pkg/store/memory"
	"github.com/oxzoid/flowpay/pkg/walletauth"
)

const webhookSecret = "shopify-secret"

func newServer(t *testing.T) *httpapi.Server {
	t.Helper()
	st := memory.New()
	bus := eventbus.New(16, time.Second)
	t.Cleanup(bus.Close)
	engine := orderflow.New(st, bus, nil, time.Hour, time.Hour)
	verifier := walletauth.New(st)
	admin := adminauth.New("admin-secret", time.Hour)
	return httpapi.NewServer(engine, verifier, admin, webhookSecret, nil)
}

func signHMAC(body []byte) string {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestCheckoutCreateHandlerRequiresValidHMAC(t *testing.T) {
	s := newServer(t)
	body, _ := json.Marshal(map[string]any{"order_id": "A", "customer_id": "c1", "amount_minor": 100})

	req := httptest.NewRequest(http.MethodPost, "/shopify/webhook/checkout_create", bytes.NewReader(body))
	req.Header.Set("X-Shopify-Hmac-Sha256", "not-the-right-signature")
	rec := httptest.NewRecorder()
	s.CheckoutCreateHandler(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCheckoutCreateHandlerCreatesOrder(t *testing.T) {
	s := newServer(t)
	body, _ := json.Marshal(map[string]any{"order_id": "A", "customer_id": "c1", "amount_minor": 100})

	req := httptest.NewRequest(http.MethodPost, "/shopify/webhook/checkout_create", bytes.NewReader(body))
	req.Header.Set("X-Shopify-Hmac-Sha256", signHMAC(body))
	rec := httptest.NewRecorder()
	s.CheckoutCreateHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "A", resp["order_id"])
	require.Equal(t, string(domain.OrderUnclaimed), resp["status"])
}

func TestCheckoutCreateHandlerRejectsMissingAmount(t *testing.T) {
	s := newServer(t)
	body, _ := json.Marshal(map[string]any{"order_id": "A", "customer_id": "c1"})

	req := httptest.NewRequest(http.MethodPost, "/shopify/webhook/checkout_create", bytes.NewReader(body))
	req.Header.Set("X-Shopify-Hmac-Sha256", signHMAC(body))
	rec := httptest.NewRecorder()
	s.CheckoutCreateHandler(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIncomingPaymentHandlerRejectsUnauthorizedSender(t *testing.T) {
	s := newServer(t)
	body, _ := json.Marshal(map[string]any{"txid": "t1", "sender": "0xNotifier", "amount": 100})

	req := httptest.NewRequest(http.MethodPost, "/wallet/incoming_payment", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.IncomingPaymentHandler(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestIncomingPaymentHandlerAcceptsAuthorizedNotifier(t *testing.T) {
	s := newServer(t)
	require.NoError(t, s.Verifier.Store.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.UpsertAuthorizedWallet(ctx, "0xNotifier", domain.RoleNotifier)
	}))

	body, _ := json.Marshal(map[string]any{"txid": "t1", "sender": "0xNotifier", "amount": 100})
	req := httptest.NewRequest(http.MethodPost, "/wallet/incoming_payment", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.IncomingPaymentHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "t1", resp["txid"])
	require.Equal(t, string(domain.PaymentReceived), resp["status"])
}

func TestTxConfirmationHandlerConfirmsPayment(t *testing.T) {
	s := newServer(t)
	require.NoError(t, s.Verifier.Store.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.UpsertAuthorizedWallet(ctx, "0xNotifier", domain.RoleNotifier)
	}))

	paymentBody, _ := json.Marshal(map[string]any{"txid": "t1", "sender": "0xNotifier", "amount": 100})
	paymentReq := httptest.NewRequest(http.MethodPost, "/wallet/incoming_payment", bytes.NewReader(paymentBody))
	paymentRec := httptest.NewRecorder()
	s.IncomingPaymentHandler(paymentRec, paymentReq)
	require.Equal(t, http.StatusOK, paymentRec.Code)

	confirmBody, _ := json.Marshal(map[string]any{"txid": "t1", "confirmed": true})
	confirmReq := httptest.NewRequest(http.MethodPost, "/wallet/tx_confirmation", bytes.NewReader(confirmBody))
	confirmRec := httptest.NewRecorder()
	s.TxConfirmationHandler(confirmRec, confirmReq)

	require.Equal(t, http.StatusOK, confirmRec.Code)
}

func TestTxConfirmationHandlerRejectsUnknownTx(t *testing.T) {
	s := newServer(t)
	body, _ := json.Marshal(map[string]any{"txid": "missing", "confirmed": true})
	req := httptest.NewRequest(http.MethodPost, "/wallet/tx_confirmation", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.TxConfirmationHandler(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClaimOrderHandlerRejectsMalformedHexSignature(t *testing.T) {
	s := newServer(t)
	body, _ := json.Marshal(map[string]any{"wallet_address": "0xWallet", "signature": "not-hex"})
	req := httptest.NewRequest(http.MethodPost, "/api/claim/A", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ClaimOrderHandler(rec, req, "A")

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClaimOrderHandlerSucceedsWithoutSignatureVerifier(t *testing.T) {
	s := newServer(t)
	checkoutBody, _ := json.Marshal(map[string]any{"order_id": "A", "customer_id": "c1", "amount_minor": 100})
	checkoutReq := httptest.NewRequest(http.MethodPost, "/shopify/webhook/checkout_create", bytes.NewReader(checkoutBody))
	checkoutReq.Header.Set("X-Shopify-Hmac-Sha256", signHMAC(checkoutBody))
	checkoutRec := httptest.NewRecorder()
	s.CheckoutCreateHandler(checkoutRec, checkoutReq)
	require.Equal(t, http.StatusOK, checkoutRec.Code)

	claimBody, _ := json.Marshal(map[string]any{"wallet_address": "0xWallet", "signature": hex.EncodeToString(make([]byte, 65))})
	claimReq := httptest.NewRequest(http.MethodPost, "/api/claim/A", bytes.NewReader(claimBody))
	claimRec := httptest.NewRecorder()
	s.ClaimOrderHandler(claimRec, claimReq, "A")

	require.Equal(t, http.StatusOK, claimRec.Code)
}

func TestHealthHandlerReportsOK(t *testing.T) {
	s := newServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.HealthHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]bool
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.True(t, resp["ok"])
}

func TestDebugMetricsHandlerCountsRequests(t *testing.T) {
	s := newServer(t)
	body, _ := json.Marshal(map[string]any{"order_id": "A", "customer_id": "c1", "amount_minor": 100})
	req := httptest.NewRequest(http.MethodPost, "/shopify/webhook/checkout_create", bytes.NewReader(body))
	req.Header.Set("X-Shopify-Hmac-Sha256", signHMAC(body))
	s.CheckoutCreateHandler(httptest.NewRecorder(), req)

	metricsReq := httptest.NewRequest(http.MethodGet, "/debug/metrics", nil)
	metricsRec := httptest.NewRecorder()
	s.DebugMetricsHandler(metricsRec, metricsReq)

	var resp map[string]int64
	require.NoError(t, json.NewDecoder(metricsRec.Body).Decode(&resp))
	require.Equal(t, int64(1), resp["checkouts_received"])
	require.Equal(t, int64(0), resp["payments_received"])
}
