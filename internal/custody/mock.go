package custody

import (
	"context"
	"fmt"
	"sync"
)

// Mock is the no-chain custody client used when no contract is
// configured. Refs are deterministic per instance so tests can assert
// on them, and every call is recorded for idempotence checks.
type Mock struct {
	mu  sync.Mutex
	seq int

	FailFund    bool
	FailRelease bool

	FundCalls    []int64
	ReleaseCalls []string
	DisputeCalls []string
}

func (m *Mock) Fund(_ context.Context, amountCents int64, _, agreementHash string) (FundResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailFund {
		return FundResult{}, &Error{Op: "fund", Err: fmt.Errorf("gateway unavailable")}
	}
	m.seq++
	m.FundCalls = append(m.FundCalls, amountCents)
	return FundResult{
		CustodyRef:    fmt.Sprintf("escrow-%d", m.seq),
		TxRef:         fmt.Sprintf("0xmockfund%032d", m.seq),
		AgreementHash: agreementHash,
	}, nil
}

func (m *Mock) Release(_ context.Context, custodyRef, recipientAddress string) (ReleaseResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailRelease {
		return ReleaseResult{}, &Error{Op: "release", Err: fmt.Errorf("gateway unavailable")}
	}
	m.seq++
	m.ReleaseCalls = append(m.ReleaseCalls, custodyRef+"->"+recipientAddress)
	return ReleaseResult{TxRef: fmt.Sprintf("0xmockrelease%029d", m.seq)}, nil
}

func (m *Mock) Dispute(_ context.Context, custodyRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DisputeCalls = append(m.DisputeCalls, custodyRef)
	return nil
}
