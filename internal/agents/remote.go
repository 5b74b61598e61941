package agents

import (
	"context"
	"encoding/json"

	"github.com/xiaot623/sentinel/internal/adapter/agentclient"
	"github.com/xiaot623/sentinel/internal/domain"
	"github.com/xiaot623/sentinel/internal/pkg/ctxlog"
)

// RemoteAgent forwards invocations to an agent served over HTTP.
type RemoteAgent struct {
	name         Name
	endpoint     string
	capabilities []Capability
	client       *agentclient.Client
}

// NewRemote creates an agent that forwards to endpoint. The capability list is
// taken from the rule-based agent of the same name.
func NewRemote(name Name, endpoint string, capabilities []Capability, client *agentclient.Client) *RemoteAgent {
	return &RemoteAgent{name: name, endpoint: endpoint, capabilities: capabilities, client: client}
}

func (a *RemoteAgent) Name() Name { return a.name }

func (a *RemoteAgent) Capabilities() []Capability { return a.capabilities }

func (a *RemoteAgent) Invoke(ctx context.Context, capability Capability, ictx domain.IncidentContext) (json.RawMessage, error) {
	callID := CallIDFromContext(ctx)
	logger := ctxlog.FromContext(ctx)
	return a.client.Invoke(ctx, a.endpoint, agentclient.InvokeRequest{
		CallID:     callID,
		Agent:      string(a.name),
		Capability: string(capability),
		Incident:   ictx,
	}, func(data string) {
		logger.Debug("remote agent progress", "agent", a.name, "call_id", callID, "progress", data)
	})
}

type callIDKey struct{}

// WithCallID tags ctx with the call bus identifier of the invocation.
func WithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, callIDKey{}, callID)
}

// CallIDFromContext returns the call identifier set by WithCallID.
func CallIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}
