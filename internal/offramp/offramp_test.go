package offramp

import (
	"context"
	"strings"
	"sync"
	"testing"

	"escrowline/internal/config"
)

func TestCreatePayoutConcurrent(t *testing.T) {
	p := New(config.Default())
	ctx := context.Background()

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			order, err := p.CreatePayout(ctx, 10000, "fl-1")
			if err != nil {
				t.Errorf("create payout: %v", err)
				return
			}
			ids[i] = order.ID
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, id := range ids {
		if id == "" || seen[id] {
			t.Fatalf("duplicate or empty order id %q", id)
		}
		seen[id] = true
	}
}

func TestPaymentURLCarriesOrder(t *testing.T) {
	cfg := config.Default()
	p := New(cfg)
	u := p.PaymentURL(250050, "order-42")
	if !strings.HasPrefix(u, cfg.OffRamp.BaseURL+"?") {
		t.Fatalf("url %q not rooted at configured base", u)
	}
	for _, want := range []string{"fiatAmount=2500.50", "partnerOrderId=order-42", "walletAddress=" + cfg.OffRamp.ReceivingAddress} {
		if !strings.Contains(u, want) {
			t.Fatalf("url %q missing %q", u, want)
		}
	}
}
