// Package agents implements the concrete review agents: reader, critic,
// cite, and meta-reviewer. Each agent is a pure request handler that turns
// one request envelope into one response or error envelope; transport and
// lifecycle live in the agent host.
package agents

import (
	"context"
	"fmt"

	"github.com/revued-io/revued/pkg/protocol"
)

// Agent handles request envelopes for one agent name. Process never returns
// a Go error: failures are reported as error envelopes so the reply always
// correlates with the request.
type Agent interface {
	Name() protocol.AgentName
	Process(ctx context.Context, req protocol.Envelope) protocol.Envelope
}

// ForName constructs the agent registered under name.
func ForName(name protocol.AgentName) (Agent, error) {
	switch name {
	case protocol.AgentReader:
		return NewReader(), nil
	case protocol.AgentCritic:
		return NewCritic(), nil
	case protocol.AgentCite:
		return NewCite(), nil
	case protocol.AgentMetaReviewer:
		return NewMetaReviewer(), nil
	}
	return nil, fmt.Errorf("agents: unknown agent %q", name)
}

// errorf builds an error envelope answering req.
func errorf(req protocol.Envelope, name protocol.AgentName, format string, args ...any) protocol.Envelope {
	return protocol.NewError(req, name, fmt.Sprintf(format, args...))
}

// badAction is the uniform reply for an action the agent does not implement.
func badAction(req protocol.Envelope, name protocol.AgentName) protocol.Envelope {
	return errorf(req, name, "unknown action: %s", req.Payload.Action)
}
