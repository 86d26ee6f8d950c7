package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"escrowline/internal/config"
)

// Gateway talks JSON over HTTP to an escrow-contract gateway that wraps
// the on-chain contract (createEscrow / releaseFunds / raiseDispute).
type Gateway struct {
	baseURL string
	chainID int
	http    *http.Client
}

// NewGateway builds a Gateway from the custody/chain config sections.
func NewGateway(cfg *config.Config) *Gateway {
	return &Gateway{
		baseURL: strings.TrimRight(cfg.Custody.BaseURL, "/"),
		chainID: cfg.Chain.ChainID,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// New returns the configured custody client: the HTTP gateway when
// custody.mode is gateway, the mock otherwise.
func New(cfg *config.Config) Client {
	if cfg.Custody.Mode == "gateway" {
		return NewGateway(cfg)
	}
	return &Mock{}
}

type fundRequest struct {
	AmountCents   int64  `json:"amount_cents"`
	PayeeAddress  string `json:"payee_address"`
	AgreementHash string `json:"agreement_hash"`
	ChainID       int    `json:"chain_id"`
}

type fundResponse struct {
	Success  bool   `json:"success"`
	EscrowID string `json:"escrow_id"`
	TxHash   string `json:"tx_hash"`
	Error    string `json:"error,omitempty"`
}

func (g *Gateway) Fund(ctx context.Context, amountCents int64, payeeAddress, agreementHash string) (FundResult, error) {
	var out fundResponse
	err := g.post(ctx, "/escrows", fundRequest{
		AmountCents:   amountCents,
		PayeeAddress:  payeeAddress,
		AgreementHash: agreementHash,
		ChainID:       g.chainID,
	}, &out)
	if err != nil {
		return FundResult{}, &Error{Op: "fund", Err: err}
	}
	if !out.Success {
		return FundResult{}, &Error{Op: "fund", Err: fmt.Errorf("%s", out.Error)}
	}
	return FundResult{CustodyRef: out.EscrowID, TxRef: out.TxHash, AgreementHash: agreementHash}, nil
}

type releaseRequest struct {
	RecipientAddress string `json:"recipient_address"`
}

type releaseResponse struct {
	Success bool   `json:"success"`
	TxHash  string `json:"tx_hash"`
	Error   string `json:"error,omitempty"`
}

func (g *Gateway) Release(ctx context.Context, custodyRef, recipientAddress string) (ReleaseResult, error) {
	if !config.ValidEVMAddress(recipientAddress) {
		return ReleaseResult{}, &Error{Op: "release", Err: fmt.Errorf("invalid recipient address %q", recipientAddress)}
	}
	var out releaseResponse
	err := g.post(ctx, "/escrows/"+custodyRef+"/release", releaseRequest{RecipientAddress: recipientAddress}, &out)
	if err != nil {
		return ReleaseResult{}, &Error{Op: "release", Err: err}
	}
	if !out.Success {
		return ReleaseResult{}, &Error{Op: "release", Err: fmt.Errorf("%s", out.Error)}
	}
	return ReleaseResult{TxRef: out.TxHash}, nil
}

type disputeResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (g *Gateway) Dispute(ctx context.Context, custodyRef string) error {
	var out disputeResponse
	if err := g.post(ctx, "/escrows/"+custodyRef+"/dispute", struct{}{}, &out); err != nil {
		return &Error{Op: "dispute", Err: err}
	}
	if !out.Success {
		return &Error{Op: "dispute", Err: fmt.Errorf("%s", out.Error)}
	}
	return nil
}

func (g *Gateway) post(ctx context.Context, path string, body, dst any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}
