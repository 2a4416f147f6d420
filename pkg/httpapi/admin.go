package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/oxzoid/flowpay/pkg/domain"
)

type cancelOrderReq struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// AdminCancelOrderHandler handles the admin cancel route.
func (s *Server) AdminCancelOrderHandler(w http.ResponseWriter, r *http.Request) {
	var req cancelOrderReq
	if !decodeOrBadReq(w, r, &req) {
		return
	}
	if req.OrderID == "" {
		badReq(w, "order_id is required")
		return
	}
	if err := s.Engine.CancelOrder(r.Context(), req.OrderID, req.Reason); err != nil {
		writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"order_id": req.OrderID, "status": string(domain.OrderCancelled)})
}

type orderIDReq struct {
	OrderID string `json:"order_id"`
}

// AdminFulfilOrderHandler handles the admin fulfil route.
func (s *Server) AdminFulfilOrderHandler(w http.ResponseWriter, r *http.Request) {
	var req orderIDReq
	if !decodeOrBadReq(w, r, &req) {
		return
	}
	if req.OrderID == "" {
		badReq(w, "order_id is required")
		return
	}
	if err := s.Engine.FulfilOrder(r.Context(), req.OrderID); err != nil {
		writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"order_id": req.OrderID, "fulfilled": "true"})
}

// AdminResetOrderHandler handles the admin reset route.
func (s *Server) AdminResetOrderHandler(w http.ResponseWriter, r *http.Request) {
	var req orderIDReq
	if !decodeOrBadReq(w, r, &req) {
		return
	}
	if req.OrderID == "" {
		badReq(w, "order_id is required")
		return
	}
	if err := s.Engine.ResetOrder(r.Context(), req.OrderID); err != nil {
		writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"order_id": req.OrderID, "status": string(domain.OrderClaimed)})
}

type reassignOrderReq struct {
	OrderID          string `json:"order_id"`
	NewCustomerID    string `json:"new_customer_id"`
	NewWalletAddress string `json:"new_wallet_address"`
}

// AdminReassignOrderHandler handles the admin reassign route.
func (s *Server) AdminReassignOrderHandler(w http.ResponseWriter, r *http.Request) {
	var req reassignOrderReq
	if !decodeOrBadReq(w, r, &req) {
		return
	}
	if req.OrderID == "" || (req.NewCustomerID == "" && req.NewWalletAddress == "") {
		badReq(w, "order_id and at least one of new_customer_id/new_wallet_address are required")
		return
	}
	if err := s.Engine.ReassignOrder(r.Context(), req.OrderID, req.NewCustomerID, req.NewWalletAddress); err != nil {
		writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"order_id": req.OrderID})
}

type issueCreditReq struct {
	CustomerID string `json:"customer_id"`
	Amount     int64  `json:"amount"`
	Reason     string `json:"reason"`
}

// AdminIssueCreditHandler handles the admin issue-credit route.
func (s *Server) AdminIssueCreditHandler(w http.ResponseWriter, r *http.Request) {
	var req issueCreditReq
	if !decodeOrBadReq(w, r, &req) {
		return
	}
	if req.CustomerID == "" || req.Amount <= 0 {
		badReq(w, "customer_id and a positive amount are required")
		return
	}
	if err := s.Engine.IssueCredit(r.Context(), domain.CreditNote{CustomerID: req.CustomerID, Amount: req.Amount, Reason: req.Reason}); err != nil {
		writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"customer_id": req.CustomerID})
}

type updateMemoReq struct {
	OrderID string `json:"order_id"`
	Memo    string `json:"memo"`
}

// AdminUpdateMemoHandler handles the admin update-memo route.
func (s *Server) AdminUpdateMemoHandler(w http.ResponseWriter, r *http.Request) {
	var req updateMemoReq
	if !decodeOrBadReq(w, r, &req) {
		return
	}
	if req.OrderID == "" {
		badReq(w, "order_id is required")
		return
	}
	if err := s.Engine.UpdateOrderMemo(r.Context(), req.OrderID, req.Memo); err != nil {
		writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"order_id": req.OrderID})
}

type updatePriceReq struct {
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
}

// AdminUpdatePriceHandler handles the admin update-price route.
func (s *Server) AdminUpdatePriceHandler(w http.ResponseWriter, r *http.Request) {
	var req updatePriceReq
	if !decodeOrBadReq(w, r, &req) {
		return
	}
	if req.OrderID == "" || req.Amount <= 0 {
		badReq(w, "order_id and a positive amount are required")
		return
	}
	if err := s.Engine.UpdatePrice(r.Context(), req.OrderID, req.Amount); err != nil {
		writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"order_id": req.OrderID})
}

type updateRolesReq struct {
	WalletAddress string `json:"wallet_address"`
	Role          string `json:"role"`
}

// AdminUpdateRolesHandler handles the admin update-roles route.
func (s *Server) AdminUpdateRolesHandler(w http.ResponseWriter, r *http.Request) {
	var req updateRolesReq
	if !decodeOrBadReq(w, r, &req) {
		return
	}
	if req.WalletAddress == "" || req.Role == "" {
		badReq(w, "wallet_address and role are required")
		return
	}
	if err := s.Engine.UpdateRoles(r.Context(), req.WalletAddress, domain.WalletRole(req.Role)); err != nil {
		writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"wallet_address": req.WalletAddress, "role": req.Role})
}

// AdminRescanOpenOrdersHandler handles the admin rescan-open-orders route.
func (s *Server) AdminRescanOpenOrdersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorJSON(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	paid, err := s.Engine.RescanOpenOrders(r.Context())
	if err != nil {
		writeEngineErr(w, err)
		return
	}
	ids := make([]string, 0, len(paid))
	for _, o := range paid {
		ids = append(ids, o.OrderID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"paid_orders": ids, "count": len(ids)})
}

func decodeOrBadReq(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		writeErrorJSON(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badReq(w, "invalid JSON body")
		return false
	}
	return true
}
