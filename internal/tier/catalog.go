// Package tier maps incoming tasks to workflow definitions. The catalog
// holds the named definitions (ordered step lists); the router decides
// which one applies to a task.
package tier

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kharren/nexus/pkg/models"
)

// DefinitionError means a workflow definition is malformed. It is fatal
// at workflow creation; nothing is persisted.
type DefinitionError struct {
	Tier   models.Tier
	Reason string
}

// Error implements the error interface.
func (e *DefinitionError) Error() string {
	return fmt.Sprintf("definition %s: %s", e.Tier, e.Reason)
}

// StepDef is one step template within a workflow definition.
type StepDef struct {
	// Name identifies the step within the definition.
	Name string `yaml:"name"`
	// Agent is the agent role that executes the step.
	Agent string `yaml:"agent"`
	// Description is shown in status output.
	Description string `yaml:"description"`
	// Inputs names prior step outputs the step consumes.
	Inputs []string `yaml:"inputs"`
	// Outputs names the outputs the step is expected to produce.
	Outputs []string `yaml:"outputs"`
	// Guard is an optional boolean expression over prior outputs.
	Guard string `yaml:"guard"`
	// Approval, when set, gates the step on a human decision.
	Approval *models.ApprovalRequirement `yaml:"approval"`
}

// Definition is a named workflow definition: an ordered step list plus
// the final agent that closes out the task.
type Definition struct {
	// Tier is the definition's name.
	Tier models.Tier `yaml:"tier"`
	// Steps is the ordered step list.
	Steps []StepDef `yaml:"steps"`
	// FinalAgent names the agent whose step closes the task. Empty
	// means the last step is final.
	FinalAgent string `yaml:"final_agent"`
}

// Catalog holds every known definition plus the agent registry steps
// are validated against.
type Catalog struct {
	// Agents lists the known agent roles.
	Agents []string `yaml:"agents"`
	// Definitions maps tier name to definition.
	Definitions map[models.Tier]*Definition `yaml:"-"`

	agentSet map[string]bool
}

// catalogFile is the YAML layout of a tier catalog file.
type catalogFile struct {
	Agents      []string      `yaml:"agents"`
	Definitions []*Definition `yaml:"definitions"`
}

// DefaultCatalog returns the built-in definitions: the full chain for
// features, the shortened chain for defects, and the fast-track chain
// for urgent fixes.
func DefaultCatalog() *Catalog {
	c := &Catalog{
		Agents: []string{"Architect", "Builder", "Tester", "Reviewer", "Documenter", "Closer"},
	}
	c.Definitions = map[models.Tier]*Definition{
		models.TierFull: {
			Tier: models.TierFull,
			Steps: []StepDef{
				{Name: "design", Agent: "Architect", Description: "produce the design plan", Outputs: []string{"plan"}},
				{Name: "implement", Agent: "Builder", Description: "implement the change", Inputs: []string{"plan"}, Outputs: []string{"branch"}},
				{Name: "test", Agent: "Tester", Description: "run and extend the tests", Inputs: []string{"branch"}, Outputs: []string{"test_report"}},
				{Name: "review", Agent: "Reviewer", Description: "review the change", Inputs: []string{"branch", "test_report"}, Outputs: []string{"verdict"}},
				{Name: "document", Agent: "Documenter", Description: "update the docs", Inputs: []string{"branch"}, Guard: "verdict == approved"},
				{Name: "close", Agent: "Closer", Description: "merge and close out"},
			},
			FinalAgent: "Closer",
		},
		models.TierShortened: {
			Tier: models.TierShortened,
			Steps: []StepDef{
				{Name: "implement", Agent: "Builder", Description: "implement the fix", Outputs: []string{"branch"}},
				{Name: "test", Agent: "Tester", Description: "verify the fix", Inputs: []string{"branch"}, Outputs: []string{"test_report"}},
				{Name: "close", Agent: "Closer", Description: "merge and close out"},
			},
			FinalAgent: "Closer",
		},
		models.TierFastTrack: {
			Tier: models.TierFastTrack,
			Steps: []StepDef{
				{Name: "hotfix", Agent: "Builder", Description: "apply the hotfix", Outputs: []string{"branch"}},
				{Name: "verify", Agent: "Tester", Description: "smoke-test the hotfix", Inputs: []string{"branch"}},
			},
			FinalAgent: "Tester",
		},
	}
	c.buildAgentSet()
	return c
}

// NewCatalog builds a catalog from an agent registry and definitions,
// validating each definition against the registry.
func NewCatalog(agents []string, defs ...*Definition) (*Catalog, error) {
	c := &Catalog{
		Agents:      agents,
		Definitions: make(map[models.Tier]*Definition, len(defs)),
	}
	c.buildAgentSet()
	for _, def := range defs {
		if err := c.Validate(def); err != nil {
			return nil, err
		}
		c.Definitions[def.Tier] = def
	}
	return c, nil
}

// LoadCatalog reads a tier catalog from a YAML file and validates every
// definition in it.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tier catalog %s: %w", path, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse tier catalog %s: %w", path, err)
	}

	c, err := NewCatalog(file.Agents, file.Definitions...)
	if err != nil {
		return nil, err
	}
	if len(c.Definitions) == 0 {
		return nil, fmt.Errorf("tier catalog %s defines no tiers", path)
	}
	return c, nil
}

func (c *Catalog) buildAgentSet() {
	c.agentSet = make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		c.agentSet[a] = true
	}
}

// KnownAgent reports whether the agent role is registered.
func (c *Catalog) KnownAgent(agent string) bool {
	return c.agentSet[agent]
}

// Get returns the definition for a tier, or nil.
func (c *Catalog) Get(tier models.Tier) *Definition {
	return c.Definitions[tier]
}

// Validate checks a definition for the errors that reject workflow
// creation: an empty step list or a step referencing an unknown agent.
func (c *Catalog) Validate(def *Definition) error {
	if def == nil || len(def.Steps) == 0 {
		tier := models.Tier("")
		if def != nil {
			tier = def.Tier
		}
		return &DefinitionError{Tier: tier, Reason: "definition has zero steps"}
	}

	seen := make(map[string]bool, len(def.Steps))
	for i, step := range def.Steps {
		if step.Name == "" {
			return &DefinitionError{Tier: def.Tier, Reason: fmt.Sprintf("step %d has no name", i)}
		}
		if seen[step.Name] {
			return &DefinitionError{Tier: def.Tier, Reason: fmt.Sprintf("duplicate step name %q", step.Name)}
		}
		seen[step.Name] = true
		if step.Agent == "" {
			return &DefinitionError{Tier: def.Tier, Reason: fmt.Sprintf("step %q has no agent", step.Name)}
		}
		if !c.KnownAgent(step.Agent) {
			return &DefinitionError{Tier: def.Tier, Reason: fmt.Sprintf("step %q references undefined agent %q", step.Name, step.Agent)}
		}
	}

	if def.FinalAgent != "" && !c.KnownAgent(def.FinalAgent) {
		return &DefinitionError{Tier: def.Tier, Reason: fmt.Sprintf("final agent %q is undefined", def.FinalAgent)}
	}
	return nil
}

// Instantiate builds the runtime step list for a workflow from the
// definition, applying the default approval timeout where a step's
// requirement leaves it unset.
func (def *Definition) Instantiate(defaultApprovalTimeout time.Duration) []models.Step {
	finalAgent := def.FinalAgent
	if finalAgent == "" && len(def.Steps) > 0 {
		finalAgent = def.Steps[len(def.Steps)-1].Agent
	}

	steps := make([]models.Step, 0, len(def.Steps))
	for i, sd := range def.Steps {
		var approval *models.ApprovalRequirement
		if sd.Approval != nil {
			req := *sd.Approval
			if req.Timeout <= 0 {
				req.Timeout = defaultApprovalTimeout
			}
			approval = &req
		}
		steps = append(steps, models.Step{
			Name:            sd.Name,
			Agent:           sd.Agent,
			Description:     sd.Description,
			Inputs:          append([]string(nil), sd.Inputs...),
			DeclaredOutputs: append([]string(nil), sd.Outputs...),
			Guard:           sd.Guard,
			Approval:        approval,
			Final:           sd.Agent == finalAgent && i == len(def.Steps)-1,
			Status:          models.StepPending,
		})
	}
	return steps
}

// Format renders the definition's step list for display.
func (def *Definition) Format() string {
	out := fmt.Sprintf("%s workflow (%d steps):\n", def.Tier, len(def.Steps))
	steps := def.Instantiate(0)
	for i, s := range steps {
		marker := ""
		if s.Final {
			marker = " (final)"
		}
		out += fmt.Sprintf("  Step %d: @%s - %s%s\n", i+1, s.Agent, s.Description, marker)
	}
	return out
}
