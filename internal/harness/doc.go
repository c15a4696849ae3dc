// Package harness runs end-to-end quiz scenarios against real participant
// and moderator agents.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: approve_flow
//	description: "A participant is approved through every step"
//	moderators:
//	  - id: mod-1
//	    role: moderator
//	flow:
//	  - actor: alice
//	    action: launch
//	  - actor: alice
//	    action: answer
//	    args: { question: 1, value: "Paris" }
//	    expect: { outcome: ok, step: 2, phase: loading }
//	  - actor: mod-1
//	    action: approve
//	    args: { participant: alice }
//	    expect: { outcome: applied }
//	assertions:
//	  - type: final_state
//	    participant: alice
//	    expect: { current_step: 3, answer_1_attempts: 1 }
//
// Any actor that is not a declared moderator or the reserved "clock" actor
// is a participant, created on first use.
//
// # Actions
//
// Participants: launch, kill, terminate, welcome {name, age},
// answer {question, value}, rate {stars}, acknowledge, background,
// foreground.
//
// Moderators: approve, reject {message}, finalize, restart, goto {step} and
// block {reason}, each with {participant}; purge; sweep {threshold}.
//
// Clock: advance {by}.
//
// # Assertion Types
//
//   - trace_contains: an action appears in the trace with matching args
//   - trace_order: actions appear in the given order
//   - trace_count: an action appears exactly N times
//   - final_state: a participant's stored record has the expected fields
//
// # Deterministic Testing
//
// Every scenario runs against a fresh SQLite store in a temp directory with
// a manual clock and sequential ids. After each step the harness waits until
// every live agent has caught up with the store, so the recorded views do
// not depend on feed timing. Sequence numbers are kept out of the trace.
package harness
