package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/sentinel/internal/domain"
)

// FixerAgent turns a diagnosis into a patch and validates it.
type FixerAgent struct {
	delay    time.Duration
	repoBase string
	nextCR   atomic.Int64
}

// NewFixer creates a template-based Fixer agent. Change request links are
// built under repoBase.
func NewFixer(delay time.Duration, repoBase string) *FixerAgent {
	a := &FixerAgent{delay: delay, repoBase: repoBase}
	a.nextCR.Store(100)
	return a
}

func (a *FixerAgent) Name() Name { return Fixer }

func (a *FixerAgent) Capabilities() []Capability {
	return []Capability{CapGeneratePatch, CapValidateFix}
}

func (a *FixerAgent) Invoke(ctx context.Context, capability Capability, ictx domain.IncidentContext) (json.RawMessage, error) {
	if err := pause(ctx, a.delay); err != nil {
		return nil, err
	}
	switch capability {
	case CapGeneratePatch:
		fix, err := a.generate(ictx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(fix)
	case CapValidateFix:
		v, err := validate(ictx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	}
	return nil, unsupported(Fixer, capability)
}

type patchTemplate struct {
	file        string
	description string
	diff        string
}

var patchTemplates = map[string]patchTemplate{
	"cpu_spike": {
		file:        "src/services/order.service.ts",
		description: "Replace per-item order_items lookups with a single eager-loaded query",
		diff:        "-  for (const o of orders) { o.items = await repo.find({ orderId: o.id }) }\n+  const orders = await repo.find({ where: { userId }, relations: ['items'] })",
	},
	"memory_leak": {
		file:        "src/session/session.manager.ts",
		description: "Unregister session listeners on disconnect and cap listener count",
		diff:        "+  socket.on('close', () => emitter.removeListener('sessionUpdate', onUpdate))\n+  emitter.setMaxListeners(20)",
	},
	"high_error_rate": {
		file:        "gateway/routes/users.yaml",
		description: "Add a degraded-mode fallback for user routes while the cache is unavailable",
		diff:        "+  fallback:\n+    mode: degraded\n+    cache_bypass: true",
	},
	"latency_spike": {
		file:        "migrations/20240115_add_recommendations_user_idx.sql",
		description: "Create a concurrent index on recommendations.user_id",
		diff:        "+CREATE INDEX CONCURRENTLY idx_recommendations_user_id ON recommendations (user_id);",
	},
	"connection_pool_exhausted": {
		file:        "config/database.yaml",
		description: "Raise pool size and add an acquire timeout",
		diff:        "-  max_connections: 20\n+  max_connections: 50\n+  acquire_timeout_ms: 2000",
	},
	"k8s_crashloop": {
		file:        "deploy/api-gateway/deployment.yaml",
		description: "Raise memory limit from 512Mi to 1Gi",
		diff:        "-            memory: 512Mi\n+            memory: 1Gi",
	},
}

func (a *FixerAgent) generate(ictx domain.IncidentContext) (*domain.Fix, error) {
	if ictx.Diagnosis == nil {
		return nil, fmt.Errorf("%w: generate_patch needs a diagnosis", ErrMissingInput)
	}
	tpl, ok := patchTemplates[ictx.Diagnosis.ErrorPattern]
	if !ok {
		return nil, fmt.Errorf("no patch template for error pattern %q", ictx.Diagnosis.ErrorPattern)
	}
	number := int(a.nextCR.Add(1))
	return &domain.Fix{
		FixID:               "fix-" + uuid.New().String()[:8],
		Description:         tpl.description,
		FilePath:            tpl.file,
		Diff:                tpl.diff,
		ChangeRequestNumber: number,
		ChangeRequestURL:    fmt.Sprintf("%s/%s/pull/%d", a.repoBase, ictx.Service, number),
	}, nil
}

func validate(ictx domain.IncidentContext) (*domain.FixValidation, error) {
	if ictx.Fix == nil {
		return nil, fmt.Errorf("%w: validate_fix needs a fix", ErrMissingInput)
	}
	v := &domain.FixValidation{Valid: true, Risk: "low"}
	if ictx.Severity == domain.SeverityCritical {
		v.Risk = "medium"
	}
	switch {
	case ictx.Fix.FilePath == "":
		v.Valid = false
		v.Reason = "patch does not name a target file"
	case ictx.Fix.Diff == "":
		v.Valid = false
		v.Reason = "patch is empty"
	}
	return v, nil
}
