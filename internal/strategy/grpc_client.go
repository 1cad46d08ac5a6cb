package strategy

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

// jsonCodec lets the external-strategy bridge speak gRPC without a
// protoc-generated message set: requests/responses are plain JSON-taggable
// structs, carried over the same HTTP/2 transport and call semantics as a
// protobuf service. Registered under its own name so it never shadows the
// default "proto" codec used elsewhere in the process.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// candlePayload/evaluateRequest/evaluateResponse mirror Candle/Signal/RiskParams
// across the wire to the external worker process.
type candlePayload struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

type evaluateRequest struct {
	StrategyID string          `json:"strategyId"`
	Candles    []candlePayload `json:"candles,omitempty"`
	Ticks      []float64       `json:"ticks,omitempty"`
}

type evaluateResponse struct {
	Signal     Signal     `json:"signal"`
	RiskParams RiskParams `json:"riskParams"`
}

// WorkerClient is a gRPC connection to an external (e.g. Python) strategy
// worker process. Adapted from the teacher's WorkerClient, generalized from
// a single OnTick RPC tied to pb-generated types onto the warmup/onCandle/
// onTick/evaluate/riskParams capability shape, carried over the JSON codec
// above instead of protoc-generated stubs.
type WorkerClient struct {
	conn *grpc.ClientConn
}

func NewWorkerClient(addr string) (*WorkerClient, error) {
	conn, err := grpc.Dial(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodec{}.Name())),
	)
	if err != nil {
		return nil, err
	}
	return &WorkerClient{conn: conn}, nil
}

func (w *WorkerClient) Close() error {
	if w.conn == nil {
		return nil
	}
	return w.conn.Close()
}

func (w *WorkerClient) evaluate(ctx context.Context, req evaluateRequest) (evaluateResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var resp evaluateResponse
	if err := w.conn.Invoke(ctx, "/strategy.v1.StrategyBridge/Evaluate", &req, &resp); err != nil {
		return evaluateResponse{}, err
	}
	return resp, nil
}
