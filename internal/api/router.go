package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/dngun/escrow-backend/internal/api/httpx"
	"github.com/dngun/escrow-backend/internal/api/validate"
	"github.com/dngun/escrow-backend/internal/auth"
	"github.com/dngun/escrow-backend/internal/config"
	"github.com/dngun/escrow-backend/internal/metrics"
	"github.com/dngun/escrow-backend/internal/middleware"
	"github.com/dngun/escrow-backend/internal/models"
	"github.com/dngun/escrow-backend/internal/registry"
	"github.com/dngun/escrow-backend/internal/services"
)

func NewRouter(cfg config.Config, tm *auth.TokenManager, us *services.UserService, eng *services.TransactionEngine, neg *services.NegotiationService) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recover, middleware.RateLimit(cfg.RateRPS), middleware.HTTPMetrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	authmw := middleware.NewAuthMiddleware(tm, cfg.Env)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// ---------- auth ----------
		r.Post("/auth/register", func(w http.ResponseWriter, r *http.Request) {
			var req struct{ Username, Email, Password string }
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpx.WriteError(w, http.StatusBadRequest, "bad_request", "invalid body", nil)
				return
			}
			u, err := us.Register(req.Username, req.Email, req.Password)
			if err != nil {
				httpx.WriteError(w, http.StatusBadRequest, "validation", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, http.StatusCreated, u)
		})

		r.Post("/auth/login", func(w http.ResponseWriter, r *http.Request) {
			var req struct{ Email, Password string }
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpx.WriteError(w, http.StatusBadRequest, "bad_request", "invalid body", nil)
				return
			}
			u, pair, err := us.Login(req.Email, req.Password)
			if err != nil {
				httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials", nil)
				return
			}
			httpx.WriteJSON(w, http.StatusOK, map[string]any{"user": u, "tokens": pair})
		})

		r.Post("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				RefreshToken string `json:"refresh_token"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
				httpx.WriteError(w, http.StatusBadRequest, "bad_request", "refresh_token required", nil)
				return
			}
			pair, err := us.Refresh(req.RefreshToken)
			if err != nil {
				httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid refresh token", nil)
				return
			}
			httpx.WriteJSON(w, http.StatusOK, pair)
		})

		// ---------- registrars ----------
		r.Get("/registrars", func(w http.ResponseWriter, r *http.Request) {
			httpx.WriteJSON(w, http.StatusOK, registry.All())
		})
		r.Get("/registrars/{ext}", func(w http.ResponseWriter, r *http.Request) {
			httpx.WriteJSON(w, http.StatusOK, registry.Lookup(chi.URLParam(r, "ext")))
		})

		// ---------- authenticated ----------
		r.Group(func(r chi.Router) {
			r.Use(authmw.Auth)

			r.Get("/users", func(w http.ResponseWriter, r *http.Request) {
				users, err := us.List()
				if err != nil {
					httpx.WriteError(w, http.StatusInternalServerError, "internal", err.Error(), nil)
					return
				}
				httpx.WriteJSON(w, http.StatusOK, users)
			})

			r.Get("/users/me", func(w http.ResponseWriter, r *http.Request) {
				uid, _ := middleware.UserID(r.Context())
				u, err := us.Get(uid)
				if err != nil {
					httpx.WriteError(w, http.StatusNotFound, "not_found", "user not found", nil)
					return
				}
				httpx.WriteJSON(w, http.StatusOK, u)
			})

			r.Patch("/users/payment-method", func(w http.ResponseWriter, r *http.Request) {
				uid, _ := middleware.UserID(r.Context())
				var req struct {
					PaymentMethod string `json:"payment_method"`
				}
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					httpx.WriteError(w, http.StatusBadRequest, "bad_request", "invalid body", nil)
					return
				}
				u, err := us.SetPaymentMethod(uid, req.PaymentMethod)
				if err != nil {
					httpx.WriteError(w, http.StatusNotFound, "not_found", "user not found", nil)
					return
				}
				httpx.WriteJSON(w, http.StatusOK, u)
			})

			// ---------- transactions ----------
			r.Post("/transactions", func(w http.ResponseWriter, r *http.Request) {
				idem := r.Header.Get("Idempotency-Key")
				var req struct {
					DomainName    string `json:"domain_name"`
					Extension     string `json:"extension"`
					BuyerID       string `json:"buyer_id"`
					SellerID      string `json:"seller_id"`
					Amount        int64  `json:"amount"`
					PaymentMethod string `json:"payment_method"`
				}
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					httpx.WriteError(w, http.StatusBadRequest, "bad_request", "invalid body", nil)
					return
				}
				buyer, err := us.Get(req.BuyerID)
				if err != nil {
					httpx.WriteError(w, http.StatusBadRequest, "validation", "unknown buyer_id", nil)
					return
				}
				seller, err := us.Get(req.SellerID)
				if err != nil {
					httpx.WriteError(w, http.StatusBadRequest, "validation", "unknown seller_id", nil)
					return
				}
				tx, err := eng.Create(services.CreateParams{
					DomainName:    req.DomainName,
					Extension:     req.Extension,
					Buyer:         buyer.Party(),
					Seller:        seller.Party(),
					Amount:        req.Amount,
					PaymentMethod: models.PaymentMethod(req.PaymentMethod),
				}, idem)
				if err != nil {
					var verrs validate.Errs
					if errors.As(err, &verrs) {
						httpx.WriteError(w, http.StatusBadRequest, "validation", "invalid transaction", verrs)
						return
					}
					httpx.WriteError(w, http.StatusBadRequest, "validation", err.Error(), nil)
					return
				}
				httpx.WriteJSON(w, http.StatusCreated, tx)
			})

			r.Get("/transactions", func(w http.ResponseWriter, r *http.Request) {
				uid, _ := middleware.UserID(r.Context())
				role := models.Role(r.URL.Query().Get("role"))
				limit, offset := 50, 0
				if v := r.URL.Query().Get("limit"); v != "" {
					if n, err := strconv.Atoi(v); err == nil && n > 0 {
						limit = n
					}
				}
				if v := r.URL.Query().Get("offset"); v != "" {
					if n, err := strconv.Atoi(v); err == nil && n >= 0 {
						offset = n
					}
				}
				txs, err := eng.ListForUser(uid, role, limit, offset)
				if err != nil {
					httpx.WriteError(w, http.StatusInternalServerError, "internal", err.Error(), nil)
					return
				}
				httpx.WriteJSON(w, http.StatusOK, txs)
			})

			r.Get("/transactions/{id}", func(w http.ResponseWriter, r *http.Request) {
				tx, err := eng.Get(chi.URLParam(r, "id"))
				if err != nil {
					httpx.WriteError(w, http.StatusNotFound, "not_found", "transaction not found", nil)
					return
				}
				httpx.WriteJSON(w, http.StatusOK, tx)
			})

			r.Put("/transactions/{id}/status", func(w http.ResponseWriter, r *http.Request) {
				id := chi.URLParam(r, "id")
				uid, _ := middleware.UserID(r.Context())
				var req struct {
					State   string `json:"state"`
					Details string `json:"details"`
				}
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.State == "" {
					httpx.WriteError(w, http.StatusBadRequest, "bad_request", "state required", nil)
					return
				}
				cur, err := eng.Get(id)
				if err != nil {
					httpx.WriteError(w, http.StatusNotFound, "not_found", "transaction not found", nil)
					return
				}
				if models.UserRole(cur, uid) == models.RoleObserver {
					httpx.WriteError(w, http.StatusForbidden, "forbidden", "not a participant", nil)
					return
				}
				var tx models.Transaction
				if models.TransactionState(req.State) == models.StateFailed {
					tx, err = eng.Fail(id, req.Details)
				} else {
					tx, err = eng.Advance(id, models.TransactionState(req.State), req.Details)
				}
				switch {
				case services.IsNotFound(err):
					httpx.WriteError(w, http.StatusNotFound, "not_found", "transaction not found", nil)
				case services.IsInvalidTransition(err):
					httpx.WriteError(w, http.StatusConflict, "invalid_transition", err.Error(), nil)
				case err != nil:
					httpx.WriteError(w, http.StatusInternalServerError, "internal", err.Error(), nil)
				default:
					httpx.WriteJSON(w, http.StatusOK, tx)
				}
			})

			// ---------- negotiation chat ----------
			r.Get("/transactions/{id}/chat", func(w http.ResponseWriter, r *http.Request) {
				uid, _ := middleware.UserID(r.Context())
				view, err := neg.Open(chi.URLParam(r, "id"), uid)
				if err != nil {
					httpx.WriteError(w, http.StatusNotFound, "not_found", "transaction not found", nil)
					return
				}
				httpx.WriteJSON(w, http.StatusOK, view)
			})

			r.Post("/transactions/{id}/chat", func(w http.ResponseWriter, r *http.Request) {
				uid, _ := middleware.UserID(r.Context())
				var req struct {
					Action string `json:"action,omitempty"`
					Text   string `json:"text,omitempty"`
				}
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil || (req.Action == "" && req.Text == "") {
					httpx.WriteError(w, http.StatusBadRequest, "bad_request", "action or text required", nil)
					return
				}
				var (
					view services.SessionView
					err  error
				)
				if req.Action != "" {
					view, err = neg.HandleAction(chi.URLParam(r, "id"), uid, req.Action)
				} else {
					view, err = neg.HandleInput(chi.URLParam(r, "id"), uid, req.Text)
				}
				switch {
				case errors.Is(err, services.ErrNoSession):
					httpx.WriteError(w, http.StatusConflict, "no_session", "open the chat first", nil)
				case services.IsNotFound(err):
					httpx.WriteError(w, http.StatusNotFound, "not_found", "transaction not found", nil)
				case err != nil:
					httpx.WriteError(w, http.StatusInternalServerError, "internal", err.Error(), nil)
				default:
					httpx.WriteJSON(w, http.StatusOK, view)
				}
			})

			r.Delete("/transactions/{id}/chat", func(w http.ResponseWriter, r *http.Request) {
				uid, _ := middleware.UserID(r.Context())
				neg.Close(chi.URLParam(r, "id"), uid)
				w.WriteHeader(http.StatusNoContent)
			})
		})
	})

	return r
}
