package assembler

// RunStatus tracks the lifecycle of the current run
type RunStatus string

const (
	RunIdle     RunStatus = "idle"
	RunRunning  RunStatus = "running"
	RunFinished RunStatus = "finished"
	RunFailed   RunStatus = "failed"
)

// Indicator is the coarse activity hint shown while a run streams
type Indicator string

const (
	IndicatorNone       Indicator = ""
	IndicatorStarting   Indicator = "agent_starting"
	IndicatorPlanning   Indicator = "planning"
	IndicatorGenerating Indicator = "generating_response"
)

// StepStatus tracks one plan step
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Step is one step of the agent's plan
type Step struct {
	ID     string     `json:"id"`
	Title  string     `json:"title,omitempty"`
	Index  int        `json:"index"`
	Status StepStatus `json:"status"`
}

// RunState summarizes the run as seen through lifecycle events
type RunState struct {
	Status     RunStatus `json:"status"`
	ThreadID   string    `json:"thread_id,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	Agent      string    `json:"agent,omitempty"`
	Error      string    `json:"error,omitempty"`
	Planning   bool      `json:"planning"`
	TotalSteps int       `json:"total_steps,omitempty"`
	Steps      []Step    `json:"steps,omitempty"`
	Indicator  Indicator `json:"indicator,omitempty"`
}

func (r RunState) clone() RunState {
	c := r
	c.Steps = append([]Step(nil), r.Steps...)
	return c
}

func (r *RunState) step(id string) *Step {
	for i := range r.Steps {
		if r.Steps[i].ID == id {
			return &r.Steps[i]
		}
	}
	return nil
}
