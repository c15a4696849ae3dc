package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/roach88/quizgate/internal/auth"
	"github.com/roach88/quizgate/internal/feed"
	"github.com/roach88/quizgate/internal/moderator"
	"github.com/roach88/quizgate/internal/participant"
	"github.com/roach88/quizgate/internal/session"
	"github.com/roach88/quizgate/internal/store"
	"github.com/roach88/quizgate/internal/testutil"
)

const (
	settleTimeout  = 5 * time.Second
	settleInterval = 2 * time.Millisecond
	settlePolls    = 3
)

// Harness is the test execution engine for one scenario.
type Harness struct {
	store   *store.Store
	tracked *trackingStore
	broker  *feed.Broker
	clock   *testutil.ManualClock
	dir     *auth.Directory

	participants map[string]*participantActor
	moderators   map[string]*moderatorActor
}

type participantActor struct {
	name    string
	tokens  *participant.MemoryTokenStore
	agent   *participant.Agent
	stopped bool
}

type moderatorActor struct {
	agent  *moderator.Agent
	cancel context.CancelFunc
	done   chan struct{}
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh store. Execution flow:
// 1. Open the store, start the feed broker and every moderator agent
// 2. Execute flow steps, settling and checking expect clauses after each
// 3. Evaluate assertions
// 4. Stop every agent
func Run(scenario *Scenario) (*Result, error) {
	tmp, err := os.MkdirTemp("", "quizgate-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	clock := testutil.NewManualClock(testutil.Epoch)
	st, err := store.Open(filepath.Join(tmp, "harness.db"),
		store.WithClock(clock.Now),
		store.WithIDFunc(testutil.NewSequentialIDs("session").Next),
		store.WithTokenFunc(testutil.NewSequentialIDs("token").Next),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	mods := make([]auth.Moderator, 0, len(scenario.Moderators))
	for _, m := range scenario.Moderators {
		mods = append(mods, auth.Moderator{ID: m.ID, Role: m.Role, Active: true})
	}
	dir, err := auth.NewDirectory(mods)
	if err != nil {
		return nil, fmt.Errorf("failed to build moderator directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := feed.NewBroker(st, feed.WithPollInterval(5*time.Millisecond))
	st.OnCommit(broker.Wake)
	brokerDone := make(chan struct{})
	go func() {
		defer close(brokerDone)
		_ = broker.Run(ctx)
	}()
	<-broker.Ready()

	h := &Harness{
		store:        st,
		tracked:      &trackingStore{Store: st},
		broker:       broker,
		clock:        clock,
		dir:          dir,
		participants: make(map[string]*participantActor),
		moderators:   make(map[string]*moderatorActor),
	}
	defer func() {
		h.shutdown()
		cancel()
		<-brokerDone
	}()

	for _, m := range scenario.Moderators {
		if err := h.startModerator(ctx, m.ID); err != nil {
			return nil, err
		}
	}

	result := NewResult()
	for i, step := range scenario.Flow {
		ev, err := h.execute(ctx, i, step)
		if err != nil {
			return nil, fmt.Errorf("flow[%d]: %w", i, err)
		}
		if err := h.settle(ctx); err != nil {
			return nil, fmt.Errorf("flow[%d]: %w", i, err)
		}
		if p, ok := h.participants[h.target(step)]; ok {
			ev.View = p.view()
		}
		checkExpect(i, step, ev, result)
		result.Trace = append(result.Trace, ev)
	}

	actx := &AssertionContext{Ctx: ctx, Store: st, Sessions: h.sessionIDs()}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

func (h *Harness) startModerator(ctx context.Context, id string) error {
	a := moderator.New(h.store, h.broker, h.dir, id, moderator.Options{
		SweepInterval: -1,
		Clock:         h.clock.Now,
	})
	mctx, cancel := context.WithCancel(ctx)
	m := &moderatorActor{agent: a, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(m.done)
		_ = a.Run(mctx)
	}()
	select {
	case <-a.Ready():
	case <-time.After(settleTimeout):
		cancel()
		return fmt.Errorf("moderator %s did not sync", id)
	}
	h.moderators[id] = m
	return nil
}

func (h *Harness) shutdown() {
	for _, p := range h.participants {
		if p.agent != nil {
			p.agent.Stop()
		}
	}
	for _, m := range h.moderators {
		m.cancel()
		<-m.done
	}
}

// target is the participant whose view a step records.
func (h *Harness) target(step FlowStep) string {
	if _, ok := h.moderators[step.Actor]; ok {
		name, _ := step.Args["participant"].(string)
		return name
	}
	return step.Actor
}

func (h *Harness) execute(ctx context.Context, index int, step FlowStep) (TraceEvent, error) {
	ev := TraceEvent{Index: index, Actor: step.Actor, Action: step.Action, Args: step.Args}

	if step.Actor == ClockActor {
		d, err := argDuration(step.Args, "by")
		if err != nil {
			return ev, err
		}
		h.clock.Advance(d)
		ev.Outcome = "ok"
		return ev, nil
	}
	if m, ok := h.moderators[step.Actor]; ok {
		res, err := h.moderate(ctx, m.agent, step)
		if err != nil && session.CodeOf(err) == "" {
			return ev, err
		}
		ev.Outcome = outcomeOf(err)
		if err == nil {
			ev.Outcome = string(res.Outcome)
			ev.Count = res.Count
		}
		return ev, nil
	}

	err := h.participate(ctx, step)
	if err != nil && session.CodeOf(err) == "" {
		return ev, err
	}
	ev.Outcome = outcomeOf(err)
	return ev, nil
}

func (h *Harness) participate(ctx context.Context, step FlowStep) error {
	p, ok := h.participants[step.Actor]
	if !ok {
		p = &participantActor{name: step.Actor, tokens: &participant.MemoryTokenStore{}}
		h.participants[step.Actor] = p
	}

	if step.Action == "launch" {
		if p.agent == nil || p.stopped {
			p.agent = participant.New(h.tracked, h.broker, p.tokens, participant.Options{
				HeartbeatInterval: -1,
				RetryAttempts:     2,
				RetryBackoff:      time.Millisecond,
				IPAddress:         "198.51.100.7",
			})
			p.stopped = false
		}
		return p.agent.Start(ctx)
	}
	if p.agent == nil {
		return fmt.Errorf("participant %s used before launch", step.Actor)
	}

	a := p.agent
	switch step.Action {
	case "kill":
		a.Stop()
		p.stopped = true
		return nil
	case "terminate":
		a.OnTerminate(ctx)
		p.stopped = true
		return nil
	case "welcome":
		name, err := argString(step.Args, "name")
		if err != nil {
			return err
		}
		age, err := argInt(step.Args, "age")
		if err != nil {
			return err
		}
		return a.SubmitWelcome(ctx, name, age)
	case "answer":
		q, err := argInt(step.Args, "question")
		if err != nil {
			return err
		}
		value, err := argString(step.Args, "value")
		if err != nil {
			return err
		}
		return a.SubmitAnswer(ctx, q, value)
	case "rate":
		stars, err := argInt(step.Args, "stars")
		if err != nil {
			return err
		}
		return a.SubmitRating(ctx, stars)
	case "acknowledge":
		return a.AcknowledgeError()
	case "background":
		a.OnBackground()
		return nil
	case "foreground":
		a.OnForeground(ctx)
		return nil
	}
	return fmt.Errorf("unknown participant action %q", step.Action)
}

func (h *Harness) moderate(ctx context.Context, a *moderator.Agent, step FlowStep) (moderator.Result, error) {
	switch step.Action {
	case "purge":
		return a.PurgeInactive(ctx)
	case "sweep":
		d, err := argDuration(step.Args, "threshold")
		if err != nil {
			return moderator.Result{}, err
		}
		return a.SweepInactive(ctx, d)
	}

	name, err := argString(step.Args, "participant")
	if err != nil {
		return moderator.Result{}, err
	}
	p, ok := h.participants[name]
	if !ok || p.agent == nil {
		return moderator.Result{}, fmt.Errorf("unknown participant %q", name)
	}
	id := p.agent.Snapshot().SessionID

	switch step.Action {
	case "approve":
		return a.Approve(ctx, id)
	case "reject":
		msg, _ := step.Args["message"].(string)
		return a.Reject(ctx, id, msg)
	case "finalize":
		return a.Finalize(ctx, id)
	case "restart":
		return a.Restart(ctx, id)
	case "goto":
		n, err := argInt(step.Args, "step")
		if err != nil {
			return moderator.Result{}, err
		}
		return a.GoToStep(ctx, id, n)
	case "block":
		reason, _ := step.Args["reason"].(string)
		return a.Block(ctx, id, reason)
	}
	return moderator.Result{}, fmt.Errorf("unknown moderator action %q", step.Action)
}

// settle waits until no write is in flight, every live participant has
// applied its record's latest sequence number and every moderator mirror
// matches the store, for several consecutive polls.
func (h *Harness) settle(ctx context.Context) error {
	deadline := time.Now().Add(settleTimeout)
	stable := 0
	for stable < settlePolls {
		ok, err := h.quiescent(ctx)
		if err != nil {
			return err
		}
		if ok {
			stable++
		} else {
			stable = 0
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("agents did not settle within %s", settleTimeout)
		}
		time.Sleep(settleInterval)
	}
	return nil
}

func (h *Harness) quiescent(ctx context.Context) (bool, error) {
	if h.tracked.inFlight.Load() > 0 {
		return false, nil
	}

	for _, p := range h.participants {
		if p.agent == nil || p.stopped {
			continue
		}
		snap := p.agent.Snapshot()
		if !snap.Live || snap.SessionID == "" {
			continue
		}
		rec, err := h.store.Get(ctx, snap.SessionID)
		if session.IsNotFound(err) {
			continue
		}
		if err != nil {
			return false, err
		}
		if snap.LastSeq < rec.SequenceNumber {
			return false, nil
		}
	}

	if len(h.moderators) == 0 {
		return true, nil
	}
	list, err := h.store.List(ctx, session.Filter{ExcludeStatuses: []session.Status{session.StatusObsolete}})
	if err != nil {
		return false, err
	}
	for _, m := range h.moderators {
		if m.agent.List().Total != len(list) {
			return false, nil
		}
		for _, rec := range list {
			got, ok := m.agent.Get(rec.ID)
			if !ok || got.SequenceNumber != rec.SequenceNumber {
				return false, nil
			}
		}
	}
	return true, nil
}

// sessionIDs maps participant names to their current session id.
func (h *Harness) sessionIDs() map[string]string {
	out := make(map[string]string, len(h.participants))
	for name, p := range h.participants {
		if p.agent != nil {
			out[name] = p.agent.Snapshot().SessionID
		}
	}
	return out
}

func (p *participantActor) view() *View {
	if p.agent == nil {
		return nil
	}
	s := p.agent.Snapshot()
	return &View{
		Step:       s.Step,
		Phase:      s.Phase.String(),
		Message:    s.Message,
		Live:       s.Live && !s.Blocked,
		Blocked:    s.Blocked,
		Recovered:  s.Recovered,
		UserNumber: s.UserNumber,
	}
}

func checkExpect(index int, step FlowStep, ev TraceEvent, result *Result) {
	exp := step.Expect
	if exp == nil {
		return
	}
	if exp.Outcome != "" && exp.Outcome != ev.Outcome {
		result.AddError(fmt.Sprintf("flow[%d] %s.%s: expected outcome %q, got %q", index, step.Actor, step.Action, exp.Outcome, ev.Outcome))
	}
	if exp.Count != nil && *exp.Count != ev.Count {
		result.AddError(fmt.Sprintf("flow[%d] %s.%s: expected count %d, got %d", index, step.Actor, step.Action, *exp.Count, ev.Count))
	}
	if exp.Step == 0 && exp.Phase == "" {
		return
	}
	if ev.View == nil {
		result.AddError(fmt.Sprintf("flow[%d] %s.%s: no participant view to check", index, step.Actor, step.Action))
		return
	}
	if exp.Step != 0 && exp.Step != ev.View.Step {
		result.AddError(fmt.Sprintf("flow[%d] %s.%s: expected step %d, got %d", index, step.Actor, step.Action, exp.Step, ev.View.Step))
	}
	if exp.Phase != "" && exp.Phase != ev.View.Phase {
		result.AddError(fmt.Sprintf("flow[%d] %s.%s: expected phase %q, got %q", index, step.Actor, step.Action, exp.Phase, ev.View.Phase))
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	if code := session.CodeOf(err); code != "" {
		return string(code)
	}
	return "error"
}

func argString(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return v, nil
}

func argInt(args map[string]any, key string) (int, error) {
	v, ok := args[key].(int)
	if !ok {
		return 0, fmt.Errorf("argument %q must be an integer", key)
	}
	return v, nil
}

func argDuration(args map[string]any, key string) (time.Duration, error) {
	s, err := argString(args, key)
	if err != nil {
		return 0, err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("argument %q: %w", key, err)
	}
	return d, nil
}

// trackingStore counts store calls in flight so settle can tell when
// agent side effects are done.
type trackingStore struct {
	session.Store
	inFlight atomic.Int64
}

func (t *trackingStore) track() func() {
	t.inFlight.Add(1)
	return func() { t.inFlight.Add(-1) }
}

func (t *trackingStore) Get(ctx context.Context, id string) (session.Record, error) {
	defer t.track()()
	return t.Store.Get(ctx, id)
}

func (t *trackingStore) GetByToken(ctx context.Context, token string) (session.Record, error) {
	defer t.track()()
	return t.Store.GetByToken(ctx, token)
}

func (t *trackingStore) Insert(ctx context.Context, r session.Record) (session.Record, error) {
	defer t.track()()
	return t.Store.Insert(ctx, r)
}

func (t *trackingStore) ConditionalUpdate(ctx context.Context, id string, pred session.Predicate, patch session.Patch) (session.UpdateResult, error) {
	defer t.track()()
	return t.Store.ConditionalUpdate(ctx, id, pred, patch)
}
