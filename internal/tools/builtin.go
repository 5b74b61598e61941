package tools

import "github.com/xiaot623/sentinel/internal/agents"

func init() {
	MustRegister(Tool{
		Agent:       agents.Monitor,
		Capability:  agents.CapGetMetrics,
		Description: "Sample current metrics for a service",
		Params:      []string{"service"},
	})
	MustRegister(Tool{
		Agent:       agents.Monitor,
		Capability:  agents.CapCheckHealth,
		Description: "Check service health after a rollout",
		Params:      []string{"service"},
	})
	MustRegister(Tool{
		Agent:       agents.Diagnostic,
		Capability:  agents.CapAnalyzeIncident,
		Description: "Infer root cause and confidence from the metric snapshot",
		Params:      []string{"service", "metrics"},
	})
	MustRegister(Tool{
		Agent:       agents.Fixer,
		Capability:  agents.CapGeneratePatch,
		Description: "Generate a patch and open a change request for a diagnosis",
		Params:      []string{"diagnosis"},
	})
	MustRegister(Tool{
		Agent:       agents.Fixer,
		Capability:  agents.CapValidateFix,
		Description: "Validate a generated patch before deployment",
		Params:      []string{"fix"},
	})
	MustRegister(Tool{
		Agent:       agents.Deploy,
		Capability:  agents.CapExecuteDeployment,
		Description: "Run tests and pre-deploy checks, then roll out the fix",
		Params:      []string{"fix", "service"},
	})
	MustRegister(Tool{
		Agent:       agents.Deploy,
		Capability:  agents.CapRollback,
		Description: "Roll a service back to its previous version",
		Params:      []string{"service"},
	})
}
