package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"
	"github.com/rs/cors"

	"github.com/rl1809/token-marketplace/internal/core/domain"
	"github.com/rl1809/token-marketplace/internal/core/service"
)

const apiPrefix = "/api/v1/marketplace"

var log = logging.Logger("market-handler")

type HTTPHandler struct {
	market   *service.MarketplaceService
	query    *service.QueryService
	requests *service.SigningRequests
}

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type SignedListRequest struct {
	Seller     string `json:"seller"`
	Token      string `json:"tokenAddress"`
	PriceInWei string `json:"priceInWei"`
	Amount     string `json:"amount"`
	Nonce      uint64 `json:"nonce"`
	Deadline   uint64 `json:"deadline"`
	Signature  string `json:"signature"`
}

type SignedPurchaseRequest struct {
	Buyer     string `json:"buyer"`
	Payment   string `json:"payment"`
	Nonce     uint64 `json:"nonce"`
	Deadline  uint64 `json:"deadline"`
	Signature string `json:"signature"`
}

type SignedWithdrawRequest struct {
	Seller    string `json:"seller"`
	Nonce     uint64 `json:"nonce"`
	Deadline  uint64 `json:"deadline"`
	Signature string `json:"signature"`
}

type ListPayloadRequest struct {
	Seller     string `json:"seller"`
	Token      string `json:"tokenAddress"`
	PriceInWei string `json:"priceInWei"`
	Amount     string `json:"amount"`
}

type PurchasePayloadRequest struct {
	Buyer  string `json:"buyer"`
	ItemID string `json:"itemId"`
}

type WithdrawPayloadRequest struct {
	Seller string `json:"seller"`
}

type ReceiptResponse struct {
	ReceiptID string             `json:"receiptId"`
	ItemIDs   []string           `json:"itemIds,omitempty"`
	Amount    string             `json:"amount,omitempty"`
	Events    []domain.EventView `json:"events"`
}

func NewHTTPHandler(market *service.MarketplaceService, query *service.QueryService, requests *service.SigningRequests) *HTTPHandler {
	return &HTTPHandler{market: market, query: query, requests: requests}
}

// NewRouter registers every route and wraps the router with CORS.
func NewRouter(h *HTTPHandler, allowedOrigins []string) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)

	api := router.PathPrefix(apiPrefix).Subrouter()
	api.HandleFunc("/items", h.ListItems).Methods(http.MethodGet)
	api.HandleFunc("/items/signed", h.ListItemWithSignature).Methods(http.MethodPost)
	api.HandleFunc("/items/{itemId}", h.GetItem).Methods(http.MethodGet)
	api.HandleFunc("/items/{itemId}/purchase/signed", h.PurchaseItemWithSignature).Methods(http.MethodPost)
	api.HandleFunc("/sellers/{address}", h.GetSeller).Methods(http.MethodGet)
	api.HandleFunc("/buyers/{address}/nonce", h.GetBuyerNonce).Methods(http.MethodGet)
	api.HandleFunc("/purchases", h.ListPurchases).Methods(http.MethodGet)
	api.HandleFunc("/withdrawals/signed", h.WithdrawFundsWithSignature).Methods(http.MethodPost)
	api.HandleFunc("/signatures/list", h.ListSigningPayload).Methods(http.MethodPost)
	api.HandleFunc("/signatures/purchase", h.PurchaseSigningPayload).Methods(http.MethodPost)
	api.HandleFunc("/signatures/withdraw", h.WithdrawSigningPayload).Methods(http.MethodPost)

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(router)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := service.ItemQuery{
		Token:       q.Get("token"),
		Seller:      q.Get("seller"),
		ForceUpdate: q.Get("forceUpdate") == "true",
	}
	var err error
	if query.Page, err = optionalInt(q.Get("page")); err != nil {
		writeBadRequest(w, "invalid page")
		return
	}
	if query.Limit, err = optionalInt(q.Get("limit")); err != nil {
		writeBadRequest(w, "invalid limit")
		return
	}

	page, err := h.query.ListItems(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: page})
}

func (h *HTTPHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	id, err := parseItemID(mux.Vars(r)["itemId"])
	if err != nil {
		writeBadRequest(w, "invalid item id")
		return
	}

	view, err := h.query.GetItem(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: view})
}

func (h *HTTPHandler) GetSeller(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	view, err := h.query.GetSeller(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: view})
}

func (h *HTTPHandler) GetBuyerNonce(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	nonce, err := h.query.GetBuyerNonce(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: map[string]string{
		"address": addr.Hex(),
		"nonce":   strconv.FormatUint(nonce, 10),
	}})
}

func (h *HTTPHandler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var since uint64
	if v := q.Get("since"); v != "" {
		var err error
		if since, err = strconv.ParseUint(v, 10, 64); err != nil {
			writeBadRequest(w, "invalid since")
			return
		}
	}
	limit, err := optionalInt(q.Get("limit"))
	if err != nil {
		writeBadRequest(w, "invalid limit")
		return
	}

	views, err := h.query.Purchases(r.Context(), since, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if views == nil {
		views = []domain.EventView{}
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: views})
}

func (h *HTTPHandler) ListItemWithSignature(w http.ResponseWriter, r *http.Request) {
	var req SignedListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.Signature == "" {
		writeBadRequest(w, "signature required")
		return
	}

	t, err := req.transition()
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	receipt, err := h.market.List(r.Context(), t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "item listed", Data: NewReceiptResponse(receipt)})
}

func (h *HTTPHandler) PurchaseItemWithSignature(w http.ResponseWriter, r *http.Request) {
	id, err := parseItemID(mux.Vars(r)["itemId"])
	if err != nil {
		writeBadRequest(w, "invalid item id")
		return
	}

	var req SignedPurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.Signature == "" {
		writeBadRequest(w, "signature required")
		return
	}

	t, err := req.transition(id)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	receipt, err := h.market.Purchase(r.Context(), t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "item purchased", Data: NewReceiptResponse(receipt)})
}

func (h *HTTPHandler) WithdrawFundsWithSignature(w http.ResponseWriter, r *http.Request) {
	var req SignedWithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.Signature == "" {
		writeBadRequest(w, "signature required")
		return
	}

	t, err := req.transition()
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	receipt, err := h.market.Withdraw(r.Context(), t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "funds withdrawn", Data: NewReceiptResponse(receipt)})
}

func (h *HTTPHandler) ListSigningPayload(w http.ResponseWriter, r *http.Request) {
	var req ListPayloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	seller, err := parseAddress(req.Seller)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	token, err := parseAddress(req.Token)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	price, err := parseAmount(req.PriceInWei)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	payload, err := h.requests.List(r.Context(), seller, token, price, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: payload})
}

func (h *HTTPHandler) PurchaseSigningPayload(w http.ResponseWriter, r *http.Request) {
	var req PurchasePayloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	buyer, err := parseAddress(req.Buyer)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	id, err := parseItemID(req.ItemID)
	if err != nil {
		writeBadRequest(w, "invalid item id")
		return
	}

	payload, err := h.requests.Purchase(r.Context(), buyer, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: payload})
}

func (h *HTTPHandler) WithdrawSigningPayload(w http.ResponseWriter, r *http.Request) {
	var req WithdrawPayloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	seller, err := parseAddress(req.Seller)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	payload, err := h.requests.Withdraw(r.Context(), seller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: payload})
}

func (req SignedListRequest) transition() (domain.ListTransition, error) {
	seller, err := parseAddress(req.Seller)
	if err != nil {
		return domain.ListTransition{}, err
	}
	token, err := parseAddress(req.Token)
	if err != nil {
		return domain.ListTransition{}, err
	}
	price, err := parseAmount(req.PriceInWei)
	if err != nil {
		return domain.ListTransition{}, err
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return domain.ListTransition{}, err
	}
	auth, err := authorization(req.Signature, req.Nonce, req.Deadline)
	if err != nil {
		return domain.ListTransition{}, err
	}
	return domain.ListTransition{Seller: seller, Token: token, Price: price, Amount: amount, Auth: auth}, nil
}

func (req SignedPurchaseRequest) transition(id domain.ItemID) (domain.PurchaseTransition, error) {
	buyer, err := parseAddress(req.Buyer)
	if err != nil {
		return domain.PurchaseTransition{}, err
	}
	payment, err := parseAmount(req.Payment)
	if err != nil {
		return domain.PurchaseTransition{}, err
	}
	auth, err := authorization(req.Signature, req.Nonce, req.Deadline)
	if err != nil {
		return domain.PurchaseTransition{}, err
	}
	return domain.PurchaseTransition{ItemID: id, Buyer: buyer, Payment: payment, Auth: auth}, nil
}

func (req SignedWithdrawRequest) transition() (domain.WithdrawTransition, error) {
	seller, err := parseAddress(req.Seller)
	if err != nil {
		return domain.WithdrawTransition{}, err
	}
	auth, err := authorization(req.Signature, req.Nonce, req.Deadline)
	if err != nil {
		return domain.WithdrawTransition{}, err
	}
	return domain.WithdrawTransition{Seller: seller, Auth: auth}, nil
}

func NewReceiptResponse(receipt domain.Receipt) ReceiptResponse {
	resp := ReceiptResponse{
		ReceiptID: receipt.ID,
		Events:    make([]domain.EventView, len(receipt.Events)),
	}
	for _, id := range receipt.ItemIDs {
		resp.ItemIDs = append(resp.ItemIDs, strconv.FormatUint(uint64(id), 10))
	}
	if receipt.Amount != nil {
		resp.Amount = receipt.Amount.String()
	}
	for i, rec := range receipt.Events {
		resp.Events[i] = domain.NewEventView(rec)
	}
	return resp
}

// StatusFor maps a marketplace error to its HTTP status and kind name.
func StatusFor(err error) (int, string) {
	kind := domain.KindOf(err)
	switch {
	case errors.Is(err, domain.ErrInvalidItemAmount),
		errors.Is(err, domain.ErrInvalidItemPrice),
		errors.Is(err, domain.ErrInvalidListingBatchLengths),
		errors.Is(err, domain.ErrInvalidPayment):
		return http.StatusBadRequest, kind
	case errors.Is(err, domain.ErrInvalidItemID):
		return http.StatusNotFound, kind
	case errors.Is(err, domain.ErrInvalidSignature):
		return http.StatusUnauthorized, kind
	case errors.Is(err, domain.ErrExpired), errors.Is(err, domain.ErrNonceMismatch), errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, kind
	case errors.Is(err, domain.ErrNoEarningsToWithdraw):
		return http.StatusUnprocessableEntity, kind
	case errors.Is(err, domain.ErrTransferFailed):
		return http.StatusBadGateway, kind
	case errors.Is(err, service.ErrUnknownSeller):
		return http.StatusNotFound, "UnknownSeller"
	default:
		return http.StatusInternalServerError, "Internal"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, kind := StatusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Errorf("request failed: %v", err)
		message = "internal error"
	}
	writeJSON(w, status, APIResponse{Success: false, Message: message, Error: kind})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, APIResponse{Success: false, Message: message, Error: "BadRequest"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// parseAmount accepts decimal or 0x-prefixed uint256 values.
func parseAmount(s string) (*big.Int, error) {
	v, ok := math.ParseBig256(s)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

func parseItemID(s string) (domain.ItemID, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return domain.ItemID(id), nil
}

// authorization returns nil for an empty signature.
func authorization(sig string, nonce, deadline uint64) (*domain.Authorization, error) {
	if sig == "" {
		return nil, nil
	}
	raw, err := hexutil.Decode(sig)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %v", err)
	}
	return &domain.Authorization{Signature: raw, Nonce: nonce, Deadline: deadline}, nil
}

func optionalInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
