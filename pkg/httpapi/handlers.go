package httpapi

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/oxzoid/flowpay/pkg/adminauth"
	"github.com/oxzoid/flowpay/pkg/domain"
	"github.com/oxzoid/flowpay/pkg/orderflow"
	"github.com/oxzoid/flowpay/pkg/walletauth"
)

// Server holds the collaborators every handler needs. One Server is built
// at startup and its methods registered against an http.ServeMux; handlers
// are methods rather than package-level functions so tests can construct a
// Server against a memory.Store.
type Server struct {
	Engine        *orderflow.Engine
	Verifier      *walletauth.Verifier
	Admin         *adminauth.Issuer
	WebhookSecret []byte
	IPWhitelist   *IPWhitelist

	checkoutsReceived int64
	paymentsReceived  int64
}

// NewServer constructs a Server.
func NewServer(engine *orderflow.Engine, verifier *walletauth.Verifier, admin *adminauth.Issuer, webhookSecret string, allowedCIDRs []string) *Server {
	return &Server{
		Engine:        engine,
		Verifier:      verifier,
		Admin:         admin,
		WebhookSecret: []byte(webhookSecret),
		IPWhitelist:   NewIPWhitelist(allowedCIDRs),
	}
}

// ---------- request/response shapes ----------

type checkoutCreateReq struct {
	OrderID        string `json:"order_id"`
	CustomerID     string `json:"customer_id"`
	AmountMinor    int64  `json:"amount_minor"`
	Memo           string `json:"memo"`
	ClaimWallet    string `json:"claim_wallet,omitempty"`
	ClaimSignature string `json:"claim_signature,omitempty"` // hex
}

type orderResp struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type incomingPaymentReq struct {
	TxID    string `json:"txid"`
	Sender  string `json:"sender"`
	Amount  int64  `json:"amount"`
	Memo    string `json:"memo"`
	OrderID string `json:"order_id,omitempty"`
}

type txConfirmationReq struct {
	TxID      string `json:"txid"`
	Confirmed bool   `json:"confirmed"`
}

type claimReq struct {
	WalletAddress string `json:"wallet_address"`
	Signature     string `json:"signature"` // hex
}

// CheckoutCreateHandler handles POST /shopify/webhook/checkout_create.
func (s *Server) CheckoutCreateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorJSON(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	body, sig, ok := readBodyAndSig(w, r, "X-Shopify-Hmac-Sha256")
	if !ok {
		return
	}
	if !verifyHMAC(s.WebhookSecret, body, sig) {
		writeErrorJSON(w, http.StatusUnauthorized, "bad_signature", "HMAC verification failed")
		return
	}

	var req checkoutCreateReq
	if err := json.Unmarshal(body, &req); err != nil {
		badReq(w, "invalid JSON body")
		return
	}
	if req.OrderID == "" || req.AmountMinor <= 0 {
		badReq(w, "order_id and a positive amount_minor are required")
		return
	}

	no := domain.NewOrder{
		OrderID:    req.OrderID,
		CustomerID: req.CustomerID,
		Amount:     req.AmountMinor,
		Memo:       req.Memo,
	}
	if req.ClaimWallet != "" {
		sig, err := hex.DecodeString(req.ClaimSignature)
		if err != nil {
			badReq(w, "claim_signature must be hex")
			return
		}
		no.ClaimWallet = req.ClaimWallet
		no.ClaimSignature = sig
	}

	order, err := s.Engine.ProcessNewOrder(r.Context(), no)
	if err != nil {
		writeEngineErr(w, err)
		return
	}
	atomic.AddInt64(&s.checkoutsReceived, 1)
	writeJSON(w, http.StatusOK, orderResp{OrderID: order.OrderID, Status: string(order.Status)})
}

func readBodyAndSig(w http.ResponseWriter, r *http.Request, sigHeader string) ([]byte, string, bool) {
	sig := r.Header.Get(sigHeader)
	if sig == "" {
		writeErrorJSON(w, http.StatusUnauthorized, "missing_signature", "missing "+sigHeader+" header")
		return nil, "", false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "read_error", "failed to read request body")
		return nil, "", false
	}
	return body, sig, true
}

// IncomingPaymentHandler handles POST /wallet/incoming_payment.
func (s *Server) IncomingPaymentHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorJSON(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	var req incomingPaymentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badReq(w, "invalid JSON body")
		return
	}
	if req.TxID == "" || req.Sender == "" || req.Amount <= 0 {
		badReq(w, "txid, sender and a positive amount are required")
		return
	}

	authorized, err := s.Verifier.IsAuthorized(r.Context(), req.Sender, domain.RoleNotifier)
	if err != nil {
		writeEngineErr(w, err)
		return
	}
	if !authorized {
		writeErrorJSON(w, http.StatusForbidden, "unauthorized_wallet", "sender is not an authorized notifier wallet")
		return
	}

	payment, err := s.Engine.ProcessNewPayment(r.Context(), domain.NewPayment{
		TxID: req.TxID, SenderAddress: req.Sender, Amount: req.Amount, Memo: req.Memo, OrderID: req.OrderID,
	})
	if err != nil {
		writeEngineErr(w, err)
		return
	}
	atomic.AddInt64(&s.paymentsReceived, 1)
	writeJSON(w, http.StatusOK, map[string]string{"txid": payment.TxID, "status": string(payment.Status)})
}

// TxConfirmationHandler handles POST /wallet/tx_confirmation.
func (s *Server) TxConfirmationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorJSON(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	var req txConfirmationReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badReq(w, "invalid JSON body")
		return
	}
	if req.TxID == "" {
		badReq(w, "txid is required")
		return
	}

	var err error
	if req.Confirmed {
		err = s.Engine.ConfirmPayment(r.Context(), req.TxID)
	} else {
		err = s.Engine.CancelPayment(r.Context(), req.TxID)
	}
	if err != nil {
		writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"txid": req.TxID, "confirmed": boolStr(req.Confirmed)})
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// ClaimOrderHandler handles POST /api/claim/{order_id}.
func (s *Server) ClaimOrderHandler(w http.ResponseWriter, r *http.Request, orderID string) {
	if r.Method != http.MethodPost {
		writeErrorJSON(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if orderID == "" {
		badReq(w, "missing order_id in path")
		return
	}
	var req claimReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badReq(w, "invalid JSON body")
		return
	}
	sig, err := hex.DecodeString(req.Signature)
	if err != nil {
		badReq(w, "signature must be hex")
		return
	}
	if err := s.Engine.ClaimOrder(r.Context(), orderID, req.WalletAddress, sig); err != nil {
		writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"order_id": orderID, "status": string(domain.OrderClaimed)})
}

// HealthHandler handles GET /health.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// DebugMetricsHandler handles GET /debug/metrics, reporting simple
// in-process counters.
func (s *Server) DebugMetricsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int64{
		"checkouts_received": atomic.LoadInt64(&s.checkoutsReceived),
		"payments_received":  atomic.LoadInt64(&s.paymentsReceived),
	})
}
