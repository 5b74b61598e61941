package agents

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/sentinel/internal/domain"
)

func TestDiagnoseScenarios(t *testing.T) {
	cases := map[string]struct {
		pattern  string
		escalate bool
	}{
		"cpu_spike":                 {pattern: "cpu_spike"},
		"memory_leak":               {pattern: "memory_leak"},
		"high_error_rate":           {pattern: "high_error_rate"},
		"latency_spike":             {pattern: "latency_spike"},
		"connection_pool_exhausted": {pattern: "connection_pool_exhausted"},
		"k8s_crashloop":             {pattern: "k8s_crashloop"},
		"noisy_signal":              {pattern: "unknown", escalate: true},
	}
	for _, sc := range Scenarios {
		want, ok := cases[sc.Type]
		require.True(t, ok, "untested scenario %s", sc.Type)

		d := Diagnose(domain.IncidentContext{Service: sc.Service, Severity: sc.Severity, Metrics: sc.Metrics})
		assert.Equal(t, want.pattern, d.ErrorPattern, sc.Type)
		assert.GreaterOrEqual(t, d.Confidence, 0.0)
		assert.LessOrEqual(t, d.Confidence, 1.0)
		assert.Equal(t, want.escalate, d.Confidence < 0.70, sc.Type)
		assert.Equal(t, []string{sc.Service}, d.AffectedServices)
	}
}

func TestScenarioAtWraps(t *testing.T) {
	assert.Equal(t, Scenarios[0].Type, ScenarioAt(len(Scenarios)).Type)
	assert.Equal(t, Scenarios[len(Scenarios)-1].Type, ScenarioAt(-1).Type)
}

func TestMonitorGetMetricsFallsBackToBaseline(t *testing.T) {
	m := NewMonitor(0)
	raw, err := m.Invoke(context.Background(), CapGetMetrics, domain.IncidentContext{Service: "auth-service"})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "auth-service", got["service"])
	assert.Equal(t, 91.5, got["memory_percent"])
	assert.NotEmpty(t, got["sampled_at"])
}

func TestMonitorCheckHealth(t *testing.T) {
	m := NewMonitor(0)
	raw, err := m.Invoke(context.Background(), CapCheckHealth, domain.IncidentContext{Service: "api"})
	require.NoError(t, err)
	var report domain.HealthReport
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.True(t, report.Healthy)

	raw, err = m.Invoke(context.Background(), CapCheckHealth, domain.IncidentContext{
		Service: "api",
		Metrics: map[string]any{"post_deploy_error_rate": 0.2},
	})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.False(t, report.Healthy)
}

func TestMonitorRejectsForeignCapability(t *testing.T) {
	_, err := NewMonitor(0).Invoke(context.Background(), CapRollback, domain.IncidentContext{})
	assert.True(t, errors.Is(err, ErrUnsupportedCapability))
}

func TestFixerGenerateAndValidate(t *testing.T) {
	f := NewFixer(0, "https://git.test")
	ictx := domain.IncidentContext{
		Service:   "payment-service",
		Severity:  domain.SeverityCritical,
		Diagnosis: &domain.Diagnosis{ErrorPattern: "cpu_spike", Confidence: 0.87},
	}

	raw, err := f.Invoke(context.Background(), CapGeneratePatch, ictx)
	require.NoError(t, err)
	var fix domain.Fix
	require.NoError(t, json.Unmarshal(raw, &fix))
	assert.Equal(t, "src/services/order.service.ts", fix.FilePath)
	assert.Equal(t, 101, fix.ChangeRequestNumber)
	assert.Equal(t, "https://git.test/payment-service/pull/101", fix.ChangeRequestURL)

	ictx.Fix = &fix
	raw, err = f.Invoke(context.Background(), CapValidateFix, ictx)
	require.NoError(t, err)
	var v domain.FixValidation
	require.NoError(t, json.Unmarshal(raw, &v))
	assert.True(t, v.Valid)
	assert.Equal(t, "medium", v.Risk)

	ictx.Fix = &domain.Fix{FixID: "fix-1", FilePath: "a.go"}
	raw, err = f.Invoke(context.Background(), CapValidateFix, ictx)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &v))
	assert.False(t, v.Valid)
	assert.NotEmpty(t, v.Reason)
}

func TestFixerNeedsDiagnosis(t *testing.T) {
	_, err := NewFixer(0, "").Invoke(context.Background(), CapGeneratePatch, domain.IncidentContext{})
	assert.ErrorIs(t, err, ErrMissingInput)
}

func TestDeployHealthFollowsSuccessRate(t *testing.T) {
	fix := &domain.Fix{FixID: "fix-1", FilePath: "a.go", Diff: "+x"}
	ictx := domain.IncidentContext{Service: "api", Fix: fix}

	raw, err := NewDeploy(0, 1).Invoke(context.Background(), CapExecuteDeployment, ictx)
	require.NoError(t, err)
	var res domain.DeploymentResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.True(t, res.Healthy)
	assert.Equal(t, 3, res.ReplicasUpdated)
	assert.Contains(t, res.Version, "fix-1")

	raw, err = NewDeploy(0, 0).Invoke(context.Background(), CapExecuteDeployment, ictx)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.False(t, res.Healthy)
	assert.NotEmpty(t, res.Reason)
}

func TestDeployTestSuiteFailsOnEmptyPatch(t *testing.T) {
	ictx := domain.IncidentContext{Fix: &domain.Fix{FixID: "fix-2", FilePath: "a.go"}}
	raw, err := NewDeploy(0, 1).Invoke(context.Background(), CapExecuteDeployment, ictx)
	require.NoError(t, err)
	var res domain.DeploymentResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.False(t, res.Healthy)
	assert.Contains(t, res.Reason, "test suite")
}

func TestAgentHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewDiagnostic(time.Hour).Invoke(ctx, CapAnalyzeIncident, domain.IncidentContext{})
	assert.ErrorIs(t, err, context.Canceled)
}
