package payments

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Gateway is the only shape the engines depend on for moving money in
// (checkout authorization) and out (payout transfers). Implementations wrap
// a real processor; the engines never see processor-specific types.
type Gateway interface {
	// Authorize reserves funds for an order and returns an intent reference
	Authorize(ctx context.Context, amountCents int64, metadata map[string]string) (string, error)
	// Confirm captures a previously authorized intent
	Confirm(ctx context.Context, intentRef string) error
	// Transfer moves funds to an external payout destination
	Transfer(ctx context.Context, destination string, amountCents int64) (string, error)
}

// MockGateway simulates a payment processor with configurable latency and
// success rate, for local runs and the simulation binary
type MockGateway struct {
	MinLatency  int // in milliseconds
	MaxLatency  int
	SuccessRate float64 // 0-1, probability of a call succeeding
}

// NewMockGateway returns a gateway that behaves like a slightly flaky
// production processor
func NewMockGateway() *MockGateway {
	return &MockGateway{
		MinLatency:  5,
		MaxLatency:  50,
		SuccessRate: 0.98,
	}
}

func (g *MockGateway) simulateCall(ctx context.Context, op string) error {
	latency := rand.Intn(g.MaxLatency-g.MinLatency+1) + g.MinLatency

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(latency) * time.Millisecond):
	}

	if rand.Float64() > g.SuccessRate {
		log.Warn().
			Str("component", "mock_gateway").
			Str("operation", op).
			Float64("success_rate", g.SuccessRate).
			Msg("simulated processor failure")
		return fmt.Errorf("processor rejected %s", op)
	}

	return nil
}

func (g *MockGateway) Authorize(ctx context.Context, amountCents int64, metadata map[string]string) (string, error) {
	if err := g.simulateCall(ctx, "authorize"); err != nil {
		return "", err
	}

	intentRef := "PI_" + uuid.New().String()
	log.Debug().
		Str("component", "mock_gateway").
		Str("intent_ref", intentRef).
		Int64("amount_cents", amountCents).
		Msg("authorized payment intent")
	return intentRef, nil
}

func (g *MockGateway) Confirm(ctx context.Context, intentRef string) error {
	return g.simulateCall(ctx, "confirm")
}

func (g *MockGateway) Transfer(ctx context.Context, destination string, amountCents int64) (string, error) {
	if err := g.simulateCall(ctx, "transfer"); err != nil {
		return "", err
	}

	transferRef := "TR_" + uuid.New().String()
	log.Debug().
		Str("component", "mock_gateway").
		Str("transfer_ref", transferRef).
		Str("destination", destination).
		Int64("amount_cents", amountCents).
		Msg("transfer submitted")
	return transferRef, nil
}
