package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario describes a fleet of scripted agents, loaded from YAML. Each
// agent polls the broker and answers every task it receives with the same
// scripted behavior, which is enough to exercise the full lifecycle end to
// end.
type Scenario struct {
	Agents []AgentSpec `yaml:"agents"`
}

// AgentSpec is one scripted agent.
type AgentSpec struct {
	ID           string   `yaml:"id"`
	DisplayName  string   `yaml:"display_name"`
	Capabilities []string `yaml:"capabilities"`

	// MaxTasks stops the agent after handling this many tasks; 0 means
	// keep polling until the process is stopped.
	MaxTasks int `yaml:"max_tasks"`

	Behavior Behavior `yaml:"behavior"`
}

// Behavior scripts how the agent handles a task.
type Behavior struct {
	// Progress updates emitted before the outcome, in order.
	Progress []ProgressStep `yaml:"progress"`

	// Outcome is the target status: in_review, completed, failed, or
	// blocked. Defaults to completed.
	Outcome string `yaml:"outcome"`

	Message string `yaml:"message"`
	Diff    string `yaml:"diff"`

	// Question is required when outcome is blocked.
	Question string `yaml:"question"`

	// WorkMs is the simulated work time between progress updates.
	WorkMs int `yaml:"work_ms"`
}

// ProgressStep is one scripted progress update.
type ProgressStep struct {
	Phase      string `yaml:"phase"`
	Percentage int    `yaml:"percentage"`
	Message    string `yaml:"message"`
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}

	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if len(sc.Agents) == 0 {
		return nil, fmt.Errorf("scenario defines no agents")
	}
	for i := range sc.Agents {
		agent := &sc.Agents[i]
		if agent.ID == "" {
			return nil, fmt.Errorf("agent %d has no id", i)
		}
		if agent.DisplayName == "" {
			agent.DisplayName = agent.ID
		}
		if agent.Behavior.Outcome == "" {
			agent.Behavior.Outcome = "completed"
		}
		if agent.Behavior.Outcome == "blocked" && agent.Behavior.Question == "" {
			return nil, fmt.Errorf("agent %s blocks without a question", agent.ID)
		}
	}
	return &sc, nil
}

// DefaultScenario is used when no scenario file is given: one general agent
// that completes everything it receives.
func DefaultScenario() *Scenario {
	return &Scenario{
		Agents: []AgentSpec{
			{
				ID:           "mock-agent-1",
				DisplayName:  "Mock Agent",
				Capabilities: []string{"code", "test"},
				Behavior: Behavior{
					Progress: []ProgressStep{
						{Phase: "working", Percentage: 50, Message: "halfway there"},
					},
					Outcome: "completed",
					Message: "done",
					WorkMs:  100,
				},
			},
		},
	}
}
