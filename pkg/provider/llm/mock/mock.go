// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify the prompts the deep analyzer builds
// and to feed controlled JSON responses without a live LLM backend.
//
// Example:
//
//	p := &mock.Provider{
//	    CompleteResponse: &llm.CompletionResponse{Content: `{"credibility_score": 70}`},
//	}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/candorlab/candor/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
//
// CompleteResponses allows per-call scripting: call i returns
// CompleteResponses[i] (or CompleteErrs[i] when non-nil) while i is in range,
// then falls back to CompleteResponse/CompleteErr. All fields are safe to set
// before calling any method.
type Provider struct {
	mu sync.Mutex

	// CompleteResponse is the fallback response. May be nil (returns an empty
	// response).
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is the fallback error.
	CompleteErr error

	// CompleteResponses scripts per-call responses, consumed in order.
	CompleteResponses []*llm.CompletionResponse

	// CompleteErrs scripts per-call errors, consumed in order. A nil entry
	// means "use the scripted response for this call".
	CompleteErrs []error

	// TokenCount is returned by CountTokens.
	TokenCount int

	// Caps is returned by Capabilities.
	Caps llm.Capabilities

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall
}

var _ llm.Provider = (*Provider)(nil)

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	i := len(p.CompleteCalls) - 1
	var (
		scriptedResp *llm.CompletionResponse
		scriptedErr  error
		scripted     bool
	)
	if i < len(p.CompleteErrs) && p.CompleteErrs[i] != nil {
		scriptedErr = p.CompleteErrs[i]
		scripted = true
	} else if i < len(p.CompleteResponses) {
		scriptedResp = p.CompleteResponses[i]
		scripted = true
	}
	p.mu.Unlock()

	if scripted {
		if scriptedErr != nil {
			return nil, scriptedErr
		}
		if scriptedResp == nil {
			return &llm.CompletionResponse{}, nil
		}
		return scriptedResp, nil
	}
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if p.CompleteResponse == nil {
		return &llm.CompletionResponse{}, nil
	}
	return p.CompleteResponse, nil
}

// CountTokens implements llm.Provider.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	if p.TokenCount > 0 {
		return p.TokenCount, nil
	}
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
	}
	return total, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.Capabilities {
	return p.Caps
}
