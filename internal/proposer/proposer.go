// Package proposer consumes the external decision source. The proposer
// is a collaborator, possibly nondeterministic; everything it returns is
// untrusted input and is schema-validated at this boundary.
package proposer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/tradegate/internal/domain"
)

// Request is the context handed to the proposer for one trigger.
type Request struct {
	Instrument string         `json:"instrument"`
	Timeframe  string         `json:"timeframe"`
	Trigger    domain.Trigger `json:"trigger"`
	Bias       domain.Bias    `json:"bias"`
	Price      float64        `json:"price"`
}

// Proposer produces trade proposals. A (nil, nil) return means "no
// trade". Implementations must respect the context deadline; a timeout
// is "no decision this tick", not a rejection.
type Proposer interface {
	Propose(ctx context.Context, req Request) (*domain.Proposal, error)
}

// HTTPProposer calls an external proposer service.
type HTTPProposer struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	log     zerolog.Logger
}

// NewHTTPProposer creates a proposer client with a bounded per-call
// timeout.
func NewHTTPProposer(baseURL string, timeout time.Duration, log zerolog.Logger) *HTTPProposer {
	return &HTTPProposer{
		baseURL: baseURL,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "proposer").Logger(),
	}
}

type proposeResponse struct {
	NoTrade  bool             `json:"no_trade"`
	Proposal *domain.Proposal `json:"proposal"`
}

// Propose requests a proposal for the trigger. Malformed responses are
// rejected here and never enter the pipeline.
func (p *HTTPProposer) Propose(ctx context.Context, req Request) (*domain.Proposal, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal proposer request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/propose", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("proposer call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("proposer returned status %d", resp.StatusCode)
	}

	var out proposeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode proposer response: %w", err)
	}
	if out.NoTrade || out.Proposal == nil {
		p.log.Debug().Str("instrument", req.Instrument).Msg("proposer declined to trade")
		return nil, nil
	}
	if err := out.Proposal.Validate(); err != nil {
		return nil, fmt.Errorf("proposer returned malformed proposal: %w", err)
	}
	return out.Proposal, nil
}
