package harness

// View is a participant's local state as recorded after a step.
type View struct {
	Step       int    `json:"step"`
	Phase      string `json:"phase"`
	Message    string `json:"message,omitempty"`
	Live       bool   `json:"live"`
	Blocked    bool   `json:"blocked,omitempty"`
	Recovered  bool   `json:"recovered,omitempty"`
	UserNumber int64  `json:"user_number"`
}

// TraceEvent is one executed flow step.
type TraceEvent struct {
	Index   int            `json:"index"`
	Actor   string         `json:"actor"`
	Action  string         `json:"action"`
	Args    map[string]any `json:"args,omitempty"`
	Outcome string         `json:"outcome"`
	Count   int            `json:"count,omitempty"`

	// View is the affected participant after the step settled.
	View *View `json:"view,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace contains every flow step in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
