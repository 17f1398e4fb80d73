package handler

import (
	"context"
	"encoding/json"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/rl1809/token-marketplace/internal/core/domain"
	"github.com/rl1809/token-marketplace/internal/core/service"
)

const (
	ServiceName = "marketplace.v1.Marketplace"
	CodecName   = "json"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec lets the marketplace service run over gRPC without generated
// protobuf types. Clients select it with grpc.CallContentSubtype(CodecName).
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

type ListItemRequest struct {
	Seller     string `json:"seller"`
	Token      string `json:"tokenAddress"`
	PriceInWei string `json:"priceInWei"`
	Amount     string `json:"amount"`
	Nonce      uint64 `json:"nonce,omitempty"`
	Deadline   uint64 `json:"deadline,omitempty"`
	Signature  string `json:"signature,omitempty"`
}

type ListItemsBatchRequest struct {
	Seller      string   `json:"seller"`
	Tokens      []string `json:"tokenAddresses"`
	PricesInWei []string `json:"pricesInWei"`
	Amounts     []string `json:"amounts"`
}

type PurchaseItemRequest struct {
	ItemID    string `json:"itemId"`
	Buyer     string `json:"buyer"`
	Payment   string `json:"payment"`
	Nonce     uint64 `json:"nonce,omitempty"`
	Deadline  uint64 `json:"deadline,omitempty"`
	Signature string `json:"signature,omitempty"`
}

type WithdrawFundsRequest struct {
	Seller    string `json:"seller"`
	Nonce     uint64 `json:"nonce,omitempty"`
	Deadline  uint64 `json:"deadline,omitempty"`
	Signature string `json:"signature,omitempty"`
}

type GetItemRequest struct {
	ItemID string `json:"itemId"`
}

type GetSellerRequest struct {
	Address string `json:"address"`
}

type TransitionResponse struct {
	Success   bool     `json:"success"`
	Message   string   `json:"message"`
	Error     string   `json:"error,omitempty"`
	ReceiptID string   `json:"receiptId,omitempty"`
	ItemIDs   []string `json:"itemIds,omitempty"`
	Amount    string   `json:"amount,omitempty"`
}

type ItemResponse struct {
	Success bool             `json:"success"`
	Message string           `json:"message,omitempty"`
	Error   string           `json:"error,omitempty"`
	Item    *domain.ItemView `json:"item,omitempty"`
}

type SellerResponse struct {
	Success bool               `json:"success"`
	Message string             `json:"message,omitempty"`
	Error   string             `json:"error,omitempty"`
	Seller  *domain.SellerView `json:"seller,omitempty"`
}

// MarketplaceServer is the gRPC surface. An empty signature means the
// caller is trusted to act as the named principal.
type MarketplaceServer interface {
	ListItem(context.Context, *ListItemRequest) (*TransitionResponse, error)
	ListItemsBatch(context.Context, *ListItemsBatchRequest) (*TransitionResponse, error)
	PurchaseItem(context.Context, *PurchaseItemRequest) (*TransitionResponse, error)
	WithdrawFunds(context.Context, *WithdrawFundsRequest) (*TransitionResponse, error)
	GetItem(context.Context, *GetItemRequest) (*ItemResponse, error)
	GetSeller(context.Context, *GetSellerRequest) (*SellerResponse, error)
}

type GRPCHandler struct {
	market *service.MarketplaceService
	query  *service.QueryService
}

func NewGRPCHandler(market *service.MarketplaceService, query *service.QueryService) *GRPCHandler {
	return &GRPCHandler{market: market, query: query}
}

func RegisterMarketplaceServer(s grpc.ServiceRegistrar, srv MarketplaceServer) {
	s.RegisterService(&MarketplaceServiceDesc, srv)
}

func (h *GRPCHandler) ListItem(ctx context.Context, req *ListItemRequest) (*TransitionResponse, error) {
	t, err := SignedListRequest{
		Seller:     req.Seller,
		Token:      req.Token,
		PriceInWei: req.PriceInWei,
		Amount:     req.Amount,
		Nonce:      req.Nonce,
		Deadline:   req.Deadline,
		Signature:  req.Signature,
	}.transition()
	if err != nil {
		return badTransition(err), nil
	}

	receipt, err := h.market.List(ctx, t)
	if err != nil {
		return failedTransition(err), nil
	}
	return transitionSuccess("item listed", receipt), nil
}

func (h *GRPCHandler) ListItemsBatch(ctx context.Context, req *ListItemsBatchRequest) (*TransitionResponse, error) {
	seller, err := parseAddress(req.Seller)
	if err != nil {
		return badTransition(err), nil
	}

	t := domain.ListBatchTransition{Seller: seller}
	for _, s := range req.Tokens {
		token, err := parseAddress(s)
		if err != nil {
			return badTransition(err), nil
		}
		t.Tokens = append(t.Tokens, token)
	}
	for _, s := range req.PricesInWei {
		price, err := parseAmount(s)
		if err != nil {
			return badTransition(err), nil
		}
		t.Prices = append(t.Prices, price)
	}
	for _, s := range req.Amounts {
		amount, err := parseAmount(s)
		if err != nil {
			return badTransition(err), nil
		}
		t.Amounts = append(t.Amounts, amount)
	}

	receipt, err := h.market.ListBatch(ctx, t)
	if err != nil {
		return failedTransition(err), nil
	}
	return transitionSuccess("items listed", receipt), nil
}

func (h *GRPCHandler) PurchaseItem(ctx context.Context, req *PurchaseItemRequest) (*TransitionResponse, error) {
	id, err := parseItemID(req.ItemID)
	if err != nil {
		return badTransition(err), nil
	}
	t, err := SignedPurchaseRequest{
		Buyer:     req.Buyer,
		Payment:   req.Payment,
		Nonce:     req.Nonce,
		Deadline:  req.Deadline,
		Signature: req.Signature,
	}.transition(id)
	if err != nil {
		return badTransition(err), nil
	}

	receipt, err := h.market.Purchase(ctx, t)
	if err != nil {
		return failedTransition(err), nil
	}
	return transitionSuccess("item purchased", receipt), nil
}

func (h *GRPCHandler) WithdrawFunds(ctx context.Context, req *WithdrawFundsRequest) (*TransitionResponse, error) {
	t, err := SignedWithdrawRequest{
		Seller:    req.Seller,
		Nonce:     req.Nonce,
		Deadline:  req.Deadline,
		Signature: req.Signature,
	}.transition()
	if err != nil {
		return badTransition(err), nil
	}

	receipt, err := h.market.Withdraw(ctx, t)
	if err != nil {
		return failedTransition(err), nil
	}
	return transitionSuccess("funds withdrawn", receipt), nil
}

func (h *GRPCHandler) GetItem(ctx context.Context, req *GetItemRequest) (*ItemResponse, error) {
	id, err := parseItemID(req.ItemID)
	if err != nil {
		return &ItemResponse{Message: "invalid item id", Error: "BadRequest"}, nil
	}

	view, err := h.query.GetItem(ctx, id)
	if err != nil {
		_, kind := StatusFor(err)
		return &ItemResponse{Message: err.Error(), Error: kind}, nil
	}
	return &ItemResponse{Success: true, Item: &view}, nil
}

func (h *GRPCHandler) GetSeller(ctx context.Context, req *GetSellerRequest) (*SellerResponse, error) {
	addr, err := parseAddress(req.Address)
	if err != nil {
		return &SellerResponse{Message: err.Error(), Error: "BadRequest"}, nil
	}

	view, err := h.query.GetSeller(ctx, addr)
	if err != nil {
		_, kind := StatusFor(err)
		return &SellerResponse{Message: err.Error(), Error: kind}, nil
	}
	return &SellerResponse{Success: true, Seller: &view}, nil
}

func badTransition(err error) *TransitionResponse {
	return &TransitionResponse{Success: false, Message: err.Error(), Error: "BadRequest"}
}

func failedTransition(err error) *TransitionResponse {
	_, kind := StatusFor(err)
	message := err.Error()
	if kind == "Internal" {
		log.Errorf("grpc request failed: %v", err)
		message = "internal error"
	}
	return &TransitionResponse{Success: false, Message: message, Error: kind}
}

func transitionSuccess(message string, receipt domain.Receipt) *TransitionResponse {
	resp := &TransitionResponse{Success: true, Message: message, ReceiptID: receipt.ID}
	for _, id := range receipt.ItemIDs {
		resp.ItemIDs = append(resp.ItemIDs, strconv.FormatUint(uint64(id), 10))
	}
	if receipt.Amount != nil {
		resp.Amount = receipt.Amount.String()
	}
	return resp
}

func unaryHandler[Req any, Resp any](method string, call func(MarketplaceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(MarketplaceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + method,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(MarketplaceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var MarketplaceServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MarketplaceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("ListItem", MarketplaceServer.ListItem),
		unaryHandler("ListItemsBatch", MarketplaceServer.ListItemsBatch),
		unaryHandler("PurchaseItem", MarketplaceServer.PurchaseItem),
		unaryHandler("WithdrawFunds", MarketplaceServer.WithdrawFunds),
		unaryHandler("GetItem", MarketplaceServer.GetItem),
		unaryHandler("GetSeller", MarketplaceServer.GetSeller),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "marketplace/v1/marketplace.proto",
}

// MarketplaceClient calls the marketplace service over a gRPC connection.
type MarketplaceClient struct {
	cc grpc.ClientConnInterface
}

func NewMarketplaceClient(cc grpc.ClientConnInterface) *MarketplaceClient {
	return &MarketplaceClient{cc: cc}
}

func (c *MarketplaceClient) invoke(ctx context.Context, method string, in, out any) error {
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.CallContentSubtype(CodecName))
}

func (c *MarketplaceClient) ListItem(ctx context.Context, in *ListItemRequest) (*TransitionResponse, error) {
	out := new(TransitionResponse)
	if err := c.invoke(ctx, "ListItem", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *MarketplaceClient) ListItemsBatch(ctx context.Context, in *ListItemsBatchRequest) (*TransitionResponse, error) {
	out := new(TransitionResponse)
	if err := c.invoke(ctx, "ListItemsBatch", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *MarketplaceClient) PurchaseItem(ctx context.Context, in *PurchaseItemRequest) (*TransitionResponse, error) {
	out := new(TransitionResponse)
	if err := c.invoke(ctx, "PurchaseItem", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *MarketplaceClient) WithdrawFunds(ctx context.Context, in *WithdrawFundsRequest) (*TransitionResponse, error) {
	out := new(TransitionResponse)
	if err := c.invoke(ctx, "WithdrawFunds", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *MarketplaceClient) GetItem(ctx context.Context, in *GetItemRequest) (*ItemResponse, error) {
	out := new(ItemResponse)
	if err := c.invoke(ctx, "GetItem", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *MarketplaceClient) GetSeller(ctx context.Context, in *GetSellerRequest) (*SellerResponse, error) {
	out := new(SellerResponse)
	if err := c.invoke(ctx, "GetSeller", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

var _ MarketplaceServer = (*GRPCHandler)(nil)
