package process

// Step is one node of a linear process graph. Command is the command name
// issued when the step executes; Compensation, when set, is the command name
// issued to undo the step after a later failure.
type Step struct {
	Name         string
	Command      string
	Compensation string
}

// Graph is an ordered list of steps. Execution is strictly in order; there is
// no branching.
type Graph []Step

// IndexOf returns the position of a step by name, or -1
func (g Graph) IndexOf(name string) int {
	for i, s := range g {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// GraphBuilder assembles a Graph in declaration order
type GraphBuilder struct {
	steps []Step
}

// StartWith begins a graph with its first step
func StartWith(name, cmd string) *GraphBuilder {
	return &GraphBuilder{steps: []Step{{Name: name, Command: cmd}}}
}

// Then appends a step
func (b *GraphBuilder) Then(name, cmd string) *GraphBuilder {
	b.steps = append(b.steps, Step{Name: name, Command: cmd})
	return b
}

// WithCompensation attaches a compensation command to the most recent step
func (b *GraphBuilder) WithCompensation(cmd string) *GraphBuilder {
	b.steps[len(b.steps)-1].Compensation = cmd
	return b
}

// End returns the assembled graph
func (b *GraphBuilder) End() Graph {
	return Graph(b.steps)
}

// Configuration describes one process type: its graph and retry policy.
// Nil policy funcs mean nothing is retryable.
type Configuration struct {
	ProcessType string
	Steps       Graph
	// Retryable decides whether a step failure is worth retrying
	Retryable func(step string, errMsg string) bool
	// StepMaxRetries bounds retries per step
	StepMaxRetries func(step string) int
}

// IsRetryable applies the retry policy
func (c Configuration) IsRetryable(step, errMsg string) bool {
	if c.Retryable == nil {
		return false
	}
	return c.Retryable(step, errMsg)
}

// MaxRetries applies the retry bound
func (c Configuration) MaxRetries(step string) int {
	if c.StepMaxRetries == nil {
		return 0
	}
	return c.StepMaxRetries(step)
}
