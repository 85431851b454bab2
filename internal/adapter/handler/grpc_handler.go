package handler

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/rl1809/stock-guard/internal/core/service"
)

const (
	jsonCodecName  = "json"
	decreaseMethod = "/stockguard.v1.StockService/Decrease"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries the plain Go message structs below over gRPC.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return jsonCodecName }

type DecreaseRequest struct {
	RequestId string `json:"request_id"`
	Key       string `json:"key"`
	Amount    int64  `json:"amount"`
}

type DecreaseResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type StockServiceServer interface {
	Decrease(ctx context.Context, req *DecreaseRequest) (*DecreaseResponse, error)
}

var stockServiceDesc = grpc.ServiceDesc{
	ServiceName: "stockguard.v1.StockService",
	HandlerType: (*StockServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Decrease", Handler: decreaseHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stockguard/v1/stock.proto",
}

func RegisterStockServiceServer(s grpc.ServiceRegistrar, srv StockServiceServer) {
	s.RegisterService(&stockServiceDesc, srv)
}

func decreaseHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DecreaseRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StockServiceServer).Decrease(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: decreaseMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StockServiceServer).Decrease(ctx, req.(*DecreaseRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// StockServiceClient calls the service with the JSON content subtype.
type StockServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewStockServiceClient(cc grpc.ClientConnInterface) *StockServiceClient {
	return &StockServiceClient{cc: cc}
}

func (c *StockServiceClient) Decrease(ctx context.Context, in *DecreaseRequest, opts ...grpc.CallOption) (*DecreaseResponse, error) {
	out := new(DecreaseResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(jsonCodecName)}, opts...)
	if err := c.cc.Invoke(ctx, decreaseMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type GRPCHandler struct {
	stockService *service.StockService
}

func NewGRPCHandler(stockService *service.StockService) *GRPCHandler {
	return &GRPCHandler{stockService: stockService}
}

func (h *GRPCHandler) Decrease(ctx context.Context, req *DecreaseRequest) (*DecreaseResponse, error) {
	err := h.stockService.Decrease(ctx, req.RequestId, req.Key, req.Amount)
	out := describe(err)
	return &DecreaseResponse{
		Success: err == nil,
		Message: out.message,
		Code:    out.code,
	}, nil
}
