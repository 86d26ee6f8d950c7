// Package offramp is the boundary to the fiat on/off-ramp collaborator:
// payment URLs for clients funding in fiat, and the intermediary address
// a fiat payout is routed through before conversion.
package offramp

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"escrowline/internal/config"
)

// Order tracks a payout order created with the off-ramp provider.
type Order struct {
	ID          string
	AmountCents int64
	Currency    string
}

// Client is the off-ramp collaborator interface.
type Client interface {
	// PaymentURL returns the hosted widget URL for a fiat on-ramp payment
	// into the escrow receiving address, tagged with orderID.
	PaymentURL(amountCents int64, orderID string) string
	// ReceivingAddress is the custody/off-ramp intermediary address funds
	// are routed to for fiat settlement.
	ReceivingAddress() string
	// CreatePayout registers a fiat payout order for the given amount.
	CreatePayout(ctx context.Context, amountCents int64, payeeID string) (Order, error)
}

// Provider implements Client against a sandbox/production widget API.
// One Provider serves the whole process, so the order counter is locked.
type Provider struct {
	cfg *config.Config

	mu  sync.Mutex
	seq int
}

func New(cfg *config.Config) *Provider {
	return &Provider{cfg: cfg}
}

func (p *Provider) PaymentURL(amountCents int64, orderID string) string {
	q := url.Values{}
	q.Set("apiKey", p.cfg.OffRamp.APIKey)
	q.Set("environment", p.cfg.OffRamp.Environment)
	q.Set("fiatCurrency", p.cfg.OffRamp.FiatCurrency)
	q.Set("fiatAmount", strconv.FormatFloat(float64(amountCents)/100, 'f', 2, 64))
	q.Set("walletAddress", p.ReceivingAddress())
	q.Set("partnerOrderId", orderID)
	q.Set("disableWalletAddressForm", "true")
	return p.cfg.OffRamp.BaseURL + "?" + q.Encode()
}

func (p *Provider) ReceivingAddress() string {
	if addr := p.cfg.OffRamp.ReceivingAddress; addr != "" {
		return addr
	}
	return p.cfg.Chain.ContractAddress
}

// CreatePayout registers the payout with the provider. Sandbox mode is
// simulated locally; there is no licensed payout partner to call.
func (p *Provider) CreatePayout(_ context.Context, amountCents int64, payeeID string) (Order, error) {
	if p.cfg.OffRamp.Environment != "sandbox" && p.cfg.OffRamp.APIKey == "" {
		return Order{}, fmt.Errorf("offramp api key not configured")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return Order{
		ID:          fmt.Sprintf("PAYOUT_%s_%d", payeeID, p.seq),
		AmountCents: amountCents,
		Currency:    p.cfg.OffRamp.FiatCurrency,
	}, nil
}
