// Tool surface and proposal workflow: serving tools/list and tools/call
// over mcp/request, and calling peers' tools with a fallback to
// mcp/proposal when the direct request is denied.

package participant

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mew-protocol/mew/internal/envelope"
)

// JSON-RPC error codes used in mcp/response error bodies.
const (
	mcpCodeMethodNotFound = -32601
	mcpCodeInvalidParams  = -32602
	mcpCodeInternalError  = -32603
)

// proposalWaitTimeout bounds how long a proposer waits for a peer to
// fulfill an mcp/proposal and for the fulfillment's response to appear.
const proposalWaitTimeout = 120 * time.Second

// ToolHandler executes one tool invocation. The returned value is
// marshaled into the response result; an error becomes a JSON-RPC error
// body, never a dropped request.
type ToolHandler func(ctx context.Context, arguments json.RawMessage) (interface{}, error)

// Tool is one entry in the participant's offered-tool registry.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Handler     ToolHandler     `json:"-"`
}

// RegisterTool adds or replaces a tool in the registry.
func (p *Participant) RegisterTool(name, description string, inputSchema json.RawMessage, handler ToolHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.tools[name]; !exists {
		p.toolOrder = append(p.toolOrder, name)
	}
	p.tools[name] = &Tool{
		Name:        name,
		Description: description,
		InputSchema: inputSchema,
		Handler:     handler,
	}
}

// handleMCPRequest serves tools/list and tools/call. Handlers run on
// their own goroutine; their failure is a response body, not a crash.
func (p *Participant) handleMCPRequest(ctx context.Context, env *envelope.Envelope) {
	var mcp envelope.MCPPayload
	if err := env.UnmarshalPayload(&mcp); err != nil {
		p.respondError(ctx, env, nil, mcpCodeInvalidParams, "malformed mcp payload")
		return
	}

	switch mcp.Method {
	case "tools/list":
		p.respondResult(ctx, env, mcp.ID, map[string]interface{}{"tools": p.toolList()})
	case "tools/call":
		if mcp.Params == nil || mcp.Params.Name == "" {
			p.respondError(ctx, env, mcp.ID, mcpCodeInvalidParams, "tools/call requires params.name")
			return
		}
		p.mu.Lock()
		tool, ok := p.tools[mcp.Params.Name]
		p.mu.Unlock()
		if !ok {
			p.respondError(ctx, env, mcp.ID, mcpCodeInvalidParams,
				fmt.Sprintf("unknown tool %q", mcp.Params.Name))
			return
		}

		args := mcp.Params.Arguments
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			result, err := tool.Handler(ctx, args)
			if err != nil {
				p.respondError(ctx, env, mcp.ID, mcpCodeInternalError, err.Error())
				return
			}
			p.respondResult(ctx, env, mcp.ID, result)
		}()
	default:
		p.respondError(ctx, env, mcp.ID, mcpCodeMethodNotFound,
			fmt.Sprintf("unknown method %q", mcp.Method))
	}
}

// toolList snapshots the registry in registration order.
func (p *Participant) toolList() []*Tool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Tool, 0, len(p.toolOrder))
	for _, name := range p.toolOrder {
		out = append(out, p.tools[name])
	}
	return out
}

// respondResult sends an mcp/response carrying a result body.
func (p *Participant) respondResult(ctx context.Context, cause *envelope.Envelope, rpcID interface{}, result interface{}) {
	reply, err := envelope.NewReply(cause, envelope.KindMCPResponse, envelope.MCPPayload{
		ID:     rpcID,
		Result: marshalRaw(result),
	})
	if err != nil {
		return
	}
	if err := p.Send(ctx, reply); err != nil {
		p.log.Warn().Err(err).Msg("failed to send mcp response")
	}
}

// respondError sends an mcp/response carrying a JSON-RPC error body.
func (p *Participant) respondError(ctx context.Context, cause *envelope.Envelope, rpcID interface{}, code int, message string) {
	reply, err := envelope.NewReply(cause, envelope.KindMCPResponse, envelope.MCPPayload{
		ID:    rpcID,
		Error: &envelope.MCPError{Code: code, Message: message},
	})
	if err != nil {
		return
	}
	if err := p.Send(ctx, reply); err != nil {
		p.log.Warn().Err(err).Msg("failed to send mcp error response")
	}
}

// Call invokes a tool on a peer. The direct mcp/request is tried first;
// when the gateway denies it for lack of capability, the same payload
// goes out as mcp/proposal and the call resolves from whichever peer
// fulfills it.
func (p *Participant) Call(ctx context.Context, target, tool string, arguments interface{}) (*envelope.Envelope, error) {
	payload := envelope.MCPPayload{
		Method: "tools/call",
		Params: &envelope.MCPParams{Name: tool, Arguments: marshalRaw(arguments)},
		ID:     1,
	}

	req, err := envelope.New(envelope.KindMCPRequest, payload)
	if err != nil {
		return nil, err
	}
	req.To = []string{target}

	response, err := p.client.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	if response.Kind != envelope.KindError {
		return response, nil
	}

	var ep envelope.ErrorPayload
	response.UnmarshalPayload(&ep)
	if ep.Code != envelope.CodeCapabilityDenied {
		return nil, fmt.Errorf("request rejected: %s (%s)", ep.Message, ep.Code)
	}

	p.log.Debug().Str("target", target).Str("tool", tool).
		Msg("direct call denied, falling back to proposal")
	return p.propose(ctx, target, payload)
}

// propose emits an mcp/proposal and waits for a fulfillment chain: a
// peer's mcp/request correlated to the proposal, then the mcp/response
// correlated to that fulfillment.
func (p *Participant) propose(ctx context.Context, target string, payload envelope.MCPPayload) (*envelope.Envelope, error) {
	proposal, err := envelope.New(envelope.KindMCPProposal, payload)
	if err != nil {
		return nil, err
	}
	proposal.To = []string{target}

	watch := &proposalWatch{
		target:  target,
		payload: payload,
		slot:    make(chan *envelope.Envelope, 1),
	}
	p.mu.Lock()
	p.proposals[proposal.ID] = watch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.proposals, proposal.ID)
		p.mu.Unlock()
	}()

	if err := p.Send(ctx, proposal); err != nil {
		return nil, err
	}

	timer := time.NewTimer(proposalWaitTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, fmt.Errorf("participant shut down while awaiting proposal %s", proposal.ID)
	case <-timer.C:
		return nil, fmt.Errorf("proposal %s was never fulfilled", proposal.ID)
	case response := <-watch.slot:
		return response, nil
	}
}

// retryProposals re-issues outstanding proposals as direct requests.
// Called on grant receipt: the granter may have just opened the path
// the original request was denied on, and a request correlated to the
// proposal id is what peers recognize as its fulfillment.
func (p *Participant) retryProposals(ctx context.Context) {
	p.mu.Lock()
	pending := make(map[string]*proposalWatch, len(p.proposals))
	for id, watch := range p.proposals {
		if watch.fulfillmentID == "" {
			pending[id] = watch
		}
	}
	p.mu.Unlock()

	for proposalID, watch := range pending {
		req, err := envelope.New(envelope.KindMCPRequest, watch.payload)
		if err != nil {
			continue
		}
		req.To = []string{watch.target}
		req.CorrelationID = envelope.CorrelationID{proposalID}

		p.mu.Lock()
		watch.fulfillmentID = req.ID
		p.mu.Unlock()

		if err := p.Send(ctx, req); err != nil {
			p.log.Warn().Err(err).Str("proposal", proposalID).
				Msg("failed to retry proposal after grant")
		}
	}
}

// observeProposalTraffic resolves the two-step fulfillment chain for our
// outstanding proposals from the envelopes this participant happens to
// see.
func (p *Participant) observeProposalTraffic(env *envelope.Envelope) {
	if len(env.CorrelationID) == 0 {
		return
	}
	ref := env.CorrelationID[0]

	p.mu.Lock()
	defer p.mu.Unlock()

	switch env.Kind {
	case envelope.KindMCPRequest:
		// A peer fulfilling one of our proposals.
		if watch, ok := p.proposals[ref]; ok && watch.fulfillmentID == "" {
			watch.fulfillmentID = env.ID
		}
	case envelope.KindMCPResponse:
		for _, watch := range p.proposals {
			if watch.fulfillmentID == ref {
				select {
				case watch.slot <- env:
				default:
				}
				return
			}
		}
	}
}
