// Package tools declares the security-intelligence tool surface exposed to the
// model and executes named tools against their upstream services.
//
// The registry is static: every request sees the same four capabilities. Each
// execution failure is caught at the dispatch boundary and returned as a
// structured failure value so the agent loop can feed it back to the model
// instead of aborting.
package tools

// Tool names surfaced to the model as function-calling metadata.
const (
	ToolLookupVulnerability     = "lookup_vulnerability"
	ToolCheckExploitationStatus = "check_exploitation_status"
	ToolScoreExploitProbability = "score_exploit_probability"
	ToolAssessExtensionRisk     = "assess_extension_risk"
)

// Definition describes one tool: its name, what it does, and the JSON schema
// of its input object.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Registry holds the static tool catalog.
type Registry struct {
	defs []Definition
}

// NewRegistry builds the static registry of security-intelligence tools.
func NewRegistry() *Registry {
	return &Registry{defs: []Definition{
		{
			Name:        ToolLookupVulnerability,
			Description: "Look up a CVE in the vulnerability database. Use this when the user asks about a specific CVE identifier or a vulnerability in a named product.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"cve_id": map[string]interface{}{
						"type":        "string",
						"description": "The CVE identifier, e.g. CVE-2024-3094",
					},
				},
				"required": []string{"cve_id"},
			},
		},
		{
			Name:        ToolCheckExploitationStatus,
			Description: "Check whether a CVE has known exploitation in the wild. Use this to answer whether attackers are actively exploiting a vulnerability.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"cve_id": map[string]interface{}{
						"type":        "string",
						"description": "The CVE identifier to check",
					},
				},
				"required": []string{"cve_id"},
			},
		},
		{
			Name:        ToolScoreExploitProbability,
			Description: "Get the predicted probability that a CVE will be exploited in the next 30 days (EPSS score). Use this for prioritization questions.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"cve_id": map[string]interface{}{
						"type":        "string",
						"description": "The CVE identifier to score",
					},
				},
				"required": []string{"cve_id"},
			},
		},
		{
			Name:        ToolAssessExtensionRisk,
			Description: "Assess the risk profile of a browser extension by its store identifier. Use this when the user asks whether an extension is safe to allow.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"extension_id": map[string]interface{}{
						"type":        "string",
						"description": "The extension's store identifier",
					},
					"browser": map[string]interface{}{
						"type":        "string",
						"enum":        []string{"chrome", "edge", "firefox"},
						"description": "The browser the extension targets",
						"default":     "chrome",
					},
				},
				"required": []string{"extension_id"},
			},
		},
	}}
}

// Definitions returns the full catalog, surfaced to the model runtime.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Lookup returns the definition for name, or false when unregistered.
func (r *Registry) Lookup(name string) (Definition, bool) {
	for _, d := range r.defs {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}
