package httpapi

import "net/http"

// Routes registers every handler against mux, in a flat route table.
func (s *Server) Routes(mux *http.ServeMux) {
	checkoutHandler := http.HandlerFunc(s.CheckoutCreateHandler)
	if s.IPWhitelist != nil {
		checkoutHandler = s.IPWhitelist.Middleware(s.CheckoutCreateHandler)
	}
	mux.Handle("/shopify/webhook/checkout_create", checkoutHandler)

	mux.HandleFunc("/wallet/incoming_payment", s.IncomingPaymentHandler)
	mux.HandleFunc("/wallet/tx_confirmation", s.TxConfirmationHandler)
	mux.HandleFunc("/api/claim/{order_id}", func(w http.ResponseWriter, r *http.Request) {
		s.ClaimOrderHandler(w, r, r.PathValue("order_id"))
	})

	mux.HandleFunc("/health", s.HealthHandler)
	mux.HandleFunc("/debug/metrics", s.DebugMetricsHandler)

	mux.HandleFunc("/admin/orders/cancel", s.Admin.Middleware(s.AdminCancelOrderHandler))
	mux.HandleFunc("/admin/orders/fulfil", s.Admin.Middleware(s.AdminFulfilOrderHandler))
	mux.HandleFunc("/admin/orders/reassign", s.Admin.Middleware(s.AdminReassignOrderHandler))
	mux.HandleFunc("/admin/orders/reset", s.Admin.Middleware(s.AdminResetOrderHandler))
	mux.HandleFunc("/admin/orders/update-memo", s.Admin.Middleware(s.AdminUpdateMemoHandler))
	mux.HandleFunc("/admin/orders/update-price", s.Admin.Middleware(s.AdminUpdatePriceHandler))
	mux.HandleFunc("/admin/credits/issue", s.Admin.Middleware(s.AdminIssueCreditHandler))
	mux.HandleFunc("/admin/wallets/update-roles", s.Admin.Middleware(s.AdminUpdateRolesHandler))
	mux.HandleFunc("/admin/orders/rescan-open", s.Admin.Middleware(s.AdminRescanOpenOrdersHandler))
}
