package ai

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// MockAdvisor is a deterministic Advisor for mock mode and tests. It agrees
// with the incoming signal's action at a fixed confidence, so the rest of the
// pipeline can be exercised without a live reasoning backend.
type MockAdvisor struct {
	Confidence float64
}

// NewMockAdvisor returns a MockAdvisor with 0.9 confidence.
func NewMockAdvisor() *MockAdvisor {
	return &MockAdvisor{Confidence: 0.9}
}

// Advise echoes the signal action back as advice.
func (m *MockAdvisor) Advise(_ context.Context, req AdviceRequest) (Advice, error) {
	action := req.Signal.Action
	if action == "" {
		action = domain.ActionHold
	}
	return Advice{
		Action:     action,
		Rationale:  fmt.Sprintf("mock advisor: following %s signal for %s", req.Signal.Type, req.Signal.Symbol),
		Confidence: m.Confidence,
	}, nil
}

// Compile-time interface check.
var _ Advisor = (*MockAdvisor)(nil)
