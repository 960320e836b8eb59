package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/crucible-live/crucible/internal/errors"
	"github.com/crucible-live/crucible/internal/mission/domain"
	"github.com/crucible-live/crucible/internal/mission/effect"
	"github.com/crucible-live/crucible/internal/session/wire"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []wire.Frame
	closed bool
}

func (c *fakeConn) Send(frame wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) ofType(frameType string) []wire.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []wire.Frame
	for _, frame := range c.frames {
		if frame.Type == frameType {
			out = append(out, frame)
		}
	}
	return out
}

func (c *fakeConn) lastError(t *testing.T) wire.ErrorPayload {
	t.Helper()
	frames := c.ofType(wire.TypeError)
	if len(frames) == 0 {
		t.Fatal("expected an error frame")
	}
	var payload wire.ErrorPayload
	if err := json.Unmarshal(frames[len(frames)-1].Payload, &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return payload
}

// harness owns a session with injected clock, ids, seed and timers.
type harness struct {
	session *Session
	now     time.Time
	timers  []func()
}

func (h *harness) fireTimers() {
	pending := h.timers
	h.timers = nil
	for _, fn := range pending {
		fn()
	}
}

type failingRunner struct{}

func (failingRunner) Run(ctx context.Context, scriptRef string, ec *effect.Context) error {
	return errors.New("script exploded")
}

func testMission() *domain.MissionDefinition {
	return &domain.MissionDefinition{
		ID:         "m-1",
		Name:       "Border Incident",
		RevealMode: domain.RevealHide,
		RootID:     "root",
		Prototypes: map[string]domain.Prototype{
			"root": {ID: "root", Name: "Root", ChildIDs: []string{"recon", "strike"}},
			"recon": {
				ID: "recon", Name: "Recon", ParentID: "root", Depth: 1,
				ChildIDs: []string{"relay"},
				Actions: []domain.ActionTemplate{
					{
						ID: "scan", Name: "Scan",
						SuccessChance: 1.0, ResourceCost: 10,
					},
					{
						ID: "probe", Name: "Probe",
						SuccessChance: 1.0, ResourceCost: 5,
						ProcessTime: 30 * time.Second,
					},
					{
						ID: "sabotage", Name: "Sabotage",
						SuccessChance: 1.0, ResourceCost: 20,
						Effects: []domain.Effect{
							{
								ID: "e-script", Kind: domain.EffectExternal,
								External: &domain.ExternalEffect{
									EnvironmentID: "env-1",
									ScriptRef:     "alarm",
								},
							},
							{
								ID: "e-refund", Kind: domain.EffectInternal,
								Internal: &domain.InternalEffect{
									Target: domain.ResourcePoolTarget{Delta: 5},
								},
							},
						},
					},
					{
						ID: "doomed", Name: "Doomed",
						SuccessChance: 0.0, ResourceCost: 5,
						FailureText: "The attempt was detected.",
					},
				},
			},
			"strike": {ID: "strike", Name: "Strike", ParentID: "root", Depth: 1},
			"relay":  {ID: "relay", Name: "Relay", ParentID: "recon", Depth: 2},
		},
		Forces: []domain.ForceDefinition{
			{ID: "red", Name: "Red", InitialPool: 100},
			{ID: "blue", Name: "Blue", InitialPool: 100},
		},
	}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	if opts.Mission == nil {
		opts.Mission = testMission()
	}
	opts.SessionID = "s-1"
	opts.Clock = func() time.Time { return h.now }
	counter := 0
	opts.IDGenerator = func() (string, error) {
		counter++
		return fmt.Sprintf("id-%d", counter), nil
	}
	opts.SeedFunc = func() (int64, error) { return 42, nil }
	opts.Timer = func(d time.Duration, fn func()) {
		h.timers = append(h.timers, fn)
	}

	session, err := New(opts)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	h.session = session
	return h
}

// startedHarness joins a manager and a red participant and starts the
// session.
func startedHarness(t *testing.T, opts Options) (*harness, *fakeConn, *fakeConn) {
	t.Helper()
	h := newHarness(t, opts)
	gm := &fakeConn{}
	red := &fakeConn{}

	mustJoin(t, h.session, "gm", "GM", domain.RoleManager, gm)
	mustJoin(t, h.session, "p-red", "Red One", domain.RoleParticipant, red)
	assignForce(t, h.session, "p-red", "red")
	if err := h.session.Start("gm"); err != nil {
		t.Fatalf("start: %v", err)
	}
	return h, gm, red
}

func mustJoin(t *testing.T, s *Session, id, name string, role domain.Role, conn Conn) {
	t.Helper()
	if err := s.Join(id, name, role, conn, false); err != nil {
		t.Fatalf("join %s: %v", id, err)
	}
}

func assignForce(t *testing.T, s *Session, memberID, forceID string) {
	t.Helper()
	if err := s.AssignForce("gm", memberID, &forceID); err != nil {
		t.Fatalf("assign force: %v", err)
	}
}

func redPool(t *testing.T, s *Session) float64 {
	t.Helper()
	force, ok := s.tree.Force("red")
	if !ok {
		t.Fatal("red force missing")
	}
	return force.Pool
}

func TestStartBroadcastsRedactedSnapshots(t *testing.T) {
	_, gm, red := startedHarness(t, Options{})

	gmStarted := gm.ofType(wire.TypeSessionStarted)
	if len(gmStarted) == 0 {
		t.Fatal("manager missed session-started")
	}
	var gmPayload wire.SessionStatePayload
	if err := json.Unmarshal(gmStarted[0].Payload, &gmPayload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(gmPayload.Session.Forces) != 2 {
		t.Fatalf("manager should see both forces, got %d", len(gmPayload.Session.Forces))
	}

	redStarted := red.ofType(wire.TypeSessionStarted)
	if len(redStarted) == 0 {
		t.Fatal("participant missed session-started")
	}
	var redPayload wire.SessionStatePayload
	if err := json.Unmarshal(redStarted[0].Payload, &redPayload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(redPayload.Session.Forces) != 1 || redPayload.Session.Forces[0].ID != "red" {
		t.Fatalf("participant should see only red, got %+v", redPayload.Session.Forces)
	}
	// Root children revealed on start.
	if len(redPayload.Session.Forces[0].Root.Children) != 2 {
		t.Fatal("start should reveal the root's direct children")
	}
}

func TestStartRequiresManagerAndUnstartedState(t *testing.T) {
	h := newHarness(t, Options{})
	mustJoin(t, h.session, "p-1", "P", domain.RoleParticipant, &fakeConn{})
	if err := h.session.Start("p-1"); !apperrors.IsCode(err, apperrors.CodePermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}

	mustJoin(t, h.session, "gm", "GM", domain.RoleManager, &fakeConn{})
	if err := h.session.Start("gm"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.session.Start("gm"); !apperrors.IsCode(err, apperrors.CodeSessionStateChange) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestExecuteActionImmediateResolution(t *testing.T) {
	h, _, red := startedHarness(t, Options{})

	err := h.session.ExecuteAction("p-red", "req-1", wire.ExecuteActionPayload{
		NodeID: "recon", ActionID: "scan",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	initiated := red.ofType(wire.TypeActionExecutionInitiated)
	if len(initiated) != 1 {
		t.Fatalf("expected one initiated frame, got %d", len(initiated))
	}
	if initiated[0].RequestID != "req-1" {
		t.Fatal("requester's initiated frame must carry the request id")
	}
	var initPayload wire.ExecutionInitiatedPayload
	if err := json.Unmarshal(initiated[0].Payload, &initPayload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if initPayload.ResourcesRemaining != 90 {
		t.Fatalf("expected 90 resources remaining, got %v", initPayload.ResourcesRemaining)
	}

	// Zero process time resolves inline, no timer involved.
	completed := red.ofType(wire.TypeActionExecutionCompleted)
	if len(completed) != 1 {
		t.Fatalf("expected one completed frame, got %d", len(completed))
	}
	var donePayload wire.ExecutionCompletedPayload
	if err := json.Unmarshal(completed[0].Payload, &donePayload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if donePayload.Outcome != "succeeded" {
		t.Fatalf("expected succeeded, got %q", donePayload.Outcome)
	}

	node, _ := h.session.tree.Resolve("recon", "red")
	if !node.Idle() {
		t.Fatal("node must return to idle after resolution")
	}
	// Success reveals the node's children.
	force, _ := h.session.tree.Force("red")
	if !force.Visible("relay") {
		t.Fatal("successful execution should reveal relay")
	}
}

func TestObserverExecuteActionDenied(t *testing.T) {
	h, _, red := startedHarness(t, Options{})
	obs := &fakeConn{}
	mustJoin(t, h.session, "watcher", "Watcher", domain.RoleObserver, obs)

	before := redPool(t, h.session)
	h.session.HandleFrame("watcher", wire.Frame{
		Type:      wire.TypeRequestExecuteAction,
		RequestID: "req-9",
		Payload:   mustJSON(wire.ExecuteActionPayload{NodeID: "recon", ActionID: "scan"}),
	})

	errPayload := obs.lastError(t)
	if errPayload.Code != string(apperrors.WirePermissionDenied) {
		t.Fatalf("expected PermissionDenied, got %q", errPayload.Code)
	}
	if got := redPool(t, h.session); got != before {
		t.Fatalf("denied request must not mutate state: pool %v -> %v", before, got)
	}
	if frames := red.ofType(wire.TypeActionExecutionInitiated); len(frames) != 0 {
		t.Fatal("denied request must not broadcast to other members")
	}
}

func TestSingleActiveExecutionPerNode(t *testing.T) {
	h, _, _ := startedHarness(t, Options{})

	if err := h.session.ExecuteAction("p-red", "r1", wire.ExecuteActionPayload{NodeID: "recon", ActionID: "probe"}); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	err := h.session.ExecuteAction("p-red", "r2", wire.ExecuteActionPayload{NodeID: "recon", ActionID: "scan"})
	if !apperrors.IsCode(err, apperrors.CodeNodeExecuting) {
		t.Fatalf("expected node-executing, got %v", err)
	}
	if got := redPool(t, h.session); got != 95 {
		t.Fatalf("second request must not charge the pool, got %v", got)
	}
}

func TestTimerResolvesScheduledExecution(t *testing.T) {
	h, _, red := startedHarness(t, Options{})

	if err := h.session.ExecuteAction("p-red", "r1", wire.ExecuteActionPayload{NodeID: "recon", ActionID: "probe"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(red.ofType(wire.TypeActionExecutionCompleted)) != 0 {
		t.Fatal("execution should not resolve before the timer fires")
	}

	h.now = h.now.Add(30 * time.Second)
	h.fireTimers()

	if len(red.ofType(wire.TypeActionExecutionCompleted)) != 1 {
		t.Fatal("timer fire should resolve the execution")
	}
}

func TestResetDiscardsPendingExecutions(t *testing.T) {
	h, _, red := startedHarness(t, Options{})

	if err := h.session.ExecuteAction("p-red", "r1", wire.ExecuteActionPayload{NodeID: "recon", ActionID: "probe"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := h.session.Reset("gm"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	// The stale timer fires into a new epoch and must be discarded.
	h.now = h.now.Add(time.Minute)
	h.fireTimers()

	if len(red.ofType(wire.TypeActionExecutionCompleted)) != 0 {
		t.Fatal("discarded execution must never complete")
	}
	if got := redPool(t, h.session); got != 100 {
		t.Fatalf("reset should restore the initial pool, got %v", got)
	}
	node, _ := h.session.tree.Resolve("recon", "red")
	if !node.Idle() || node.Opened {
		t.Fatal("reset should return nodes to the freshly derived state")
	}
}

func TestFailedExecutionPostsFailureTextOnly(t *testing.T) {
	h, _, red := startedHarness(t, Options{})

	if err := h.session.ExecuteAction("p-red", "r1", wire.ExecuteActionPayload{NodeID: "recon", ActionID: "doomed"}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	completed := red.ofType(wire.TypeActionExecutionCompleted)
	if len(completed) != 1 {
		t.Fatal("expected a completed frame")
	}
	var payload wire.ExecutionCompletedPayload
	if err := json.Unmarshal(completed[0].Payload, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Outcome != "failed" {
		t.Fatalf("expected failed, got %q", payload.Outcome)
	}

	force, _ := h.session.tree.Force("red")
	var sawFailureText bool
	for _, entry := range force.Output {
		if entry.Output.ExecutionResolved != nil && entry.Output.ExecutionResolved.FailureText == "The attempt was detected." {
			sawFailureText = true
		}
	}
	if !sawFailureText {
		t.Fatal("failure text should be posted to the output log")
	}
	if force.Visible("relay") {
		t.Fatal("failed execution must not reveal children")
	}
}

func TestScriptErrorDoesNotAbortSiblingEffects(t *testing.T) {
	h, _, _ := startedHarness(t, Options{Runner: failingRunner{}})

	if err := h.session.ExecuteAction("p-red", "r1", wire.ExecuteActionPayload{NodeID: "recon", ActionID: "sabotage"}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// cost 20 charged, failing script skipped, +5 refund effect still ran.
	if got := redPool(t, h.session); got != 85 {
		t.Fatalf("expected pool 85 after refund effect, got %v", got)
	}
	node, _ := h.session.tree.Resolve("recon", "red")
	if !node.Idle() {
		t.Fatal("script error must not leave the node executing")
	}

	force, _ := h.session.tree.Force("red")
	var sawScriptError bool
	for _, entry := range force.Output {
		if entry.Output.Custom != nil && entry.Output.Custom.Key == scriptFailureOutputKey {
			sawScriptError = true
		}
	}
	if !sawScriptError {
		t.Fatal("script failure should surface as a custom output entry")
	}
}

func TestResourceConservation(t *testing.T) {
	h, _, _ := startedHarness(t, Options{Runner: failingRunner{}})

	// scan (10) + probe (5, pending) + sabotage (20, refund +5).
	if err := h.session.ExecuteAction("p-red", "r1", wire.ExecuteActionPayload{NodeID: "recon", ActionID: "scan"}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if err := h.session.ExecuteAction("p-red", "r2", wire.ExecuteActionPayload{NodeID: "strike", ActionID: "missing"}); !apperrors.IsCode(err, apperrors.CodeActionNotFound) {
		t.Fatalf("expected action-not-found, got %v", err)
	}
	if err := h.session.ExecuteAction("p-red", "r3", wire.ExecuteActionPayload{NodeID: "recon", ActionID: "probe"}); err != nil {
		t.Fatalf("probe: %v", err)
	}

	want := 100.0 - 10 - 5
	if got := redPool(t, h.session); got != want {
		t.Fatalf("expected pool %v, got %v", want, got)
	}
}

func TestInsufficientResourcesRejected(t *testing.T) {
	def := testMission()
	force := def.Forces[0]
	force.InitialPool = 5
	def.Forces[0] = force
	h, _, _ := startedHarness(t, Options{Mission: def})

	err := h.session.ExecuteAction("p-red", "r1", wire.ExecuteActionPayload{NodeID: "recon", ActionID: "scan"})
	if !apperrors.IsCode(err, apperrors.CodeResourceExhausted) {
		t.Fatalf("expected resource-exhausted, got %v", err)
	}
	if got := redPool(t, h.session); got != 5 {
		t.Fatalf("rejected request must not charge the pool, got %v", got)
	}
}

func TestCheatOverridesGatedByRole(t *testing.T) {
	h, gm, _ := startedHarness(t, Options{})
	chance := 1.0

	err := h.session.ExecuteAction("p-red", "r1", wire.ExecuteActionPayload{
		NodeID: "recon", ActionID: "doomed",
		Cheats: &wire.CheatOverrides{SuccessChance: &chance},
	})
	if !apperrors.IsCode(err, apperrors.CodePermissionDenied) {
		t.Fatalf("participant cheats should be denied, got %v", err)
	}

	assignForce(t, h.session, "gm", "red")
	if err := h.session.ExecuteAction("gm", "r2", wire.ExecuteActionPayload{
		NodeID: "recon", ActionID: "doomed",
		Cheats: &wire.CheatOverrides{SuccessChance: &chance},
	}); err != nil {
		t.Fatalf("manager cheat execute: %v", err)
	}

	completed := gm.ofType(wire.TypeActionExecutionCompleted)
	if len(completed) == 0 {
		t.Fatal("expected a completed frame")
	}
	var payload wire.ExecutionCompletedPayload
	if err := json.Unmarshal(completed[len(completed)-1].Payload, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Outcome != "succeeded" {
		t.Fatalf("cheated chance 1.0 must succeed, got %q", payload.Outcome)
	}
}

func TestRedactionNeverLeaksToOtherForce(t *testing.T) {
	h, _, _ := startedHarness(t, Options{})
	blue := &fakeConn{}
	mustJoin(t, h.session, "p-blue", "Blue One", domain.RoleParticipant, blue)
	assignForce(t, h.session, "p-blue", "blue")

	if err := h.session.ExecuteAction("p-red", "r1", wire.ExecuteActionPayload{NodeID: "recon", ActionID: "scan"}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	for _, frameType := range []string{
		wire.TypeActionExecutionInitiated,
		wire.TypeActionExecutionCompleted,
		wire.TypeSendOutput,
		wire.TypeNodeOpened,
		wire.TypeModifierEnacted,
	} {
		if frames := blue.ofType(frameType); len(frames) != 0 {
			t.Fatalf("blue received %s about red's activity", frameType)
		}
	}
}

func TestEndFreezesMutation(t *testing.T) {
	h, _, _ := startedHarness(t, Options{})
	if err := h.session.End("gm"); err != nil {
		t.Fatalf("end: %v", err)
	}

	err := h.session.ExecuteAction("p-red", "r1", wire.ExecuteActionPayload{NodeID: "recon", ActionID: "scan"})
	if !apperrors.IsCode(err, apperrors.CodeSessionEnded) {
		t.Fatalf("expected session-ended, got %v", err)
	}
	// Instance state is retained for review.
	if _, ok := h.session.tree.Resolve("recon", "red"); !ok {
		t.Fatal("instance state should survive end")
	}
}

func TestBanRejectsRejoin(t *testing.T) {
	h, _, _ := startedHarness(t, Options{})
	if err := h.session.Ban("gm", "p-red"); err != nil {
		t.Fatalf("ban: %v", err)
	}

	err := h.session.Join("p-red", "Red One", domain.RoleParticipant, &fakeConn{}, false)
	if !apperrors.IsCode(err, apperrors.CodeMemberBanned) {
		t.Fatalf("expected member-banned, got %v", err)
	}
}

func TestKickConvergesOnCleanup(t *testing.T) {
	h, _, red := startedHarness(t, Options{})
	if err := h.session.Kick("gm", "p-red"); err != nil {
		t.Fatalf("kick: %v", err)
	}

	if len(red.ofType(wire.TypeKicked)) == 0 {
		t.Fatal("kicked member should receive the kicked frame")
	}
	if !red.closed {
		t.Fatal("kicked member's connection should be closed")
	}
	if _, ok := h.session.members["p-red"]; ok {
		t.Fatal("kicked member should leave the roster")
	}
}

func TestDuplicateConnectionEviction(t *testing.T) {
	h, _, _ := startedHarness(t, Options{})
	second := &fakeConn{}

	err := h.session.Join("p-red", "Red One", domain.RoleParticipant, second, false)
	if !apperrors.IsCode(err, apperrors.CodeConnectionDismissed) {
		t.Fatalf("expected rejection without evict, got %v", err)
	}

	first := h.session.members["p-red"].conn.(*fakeConn)
	if err := h.session.Join("p-red", "Red One", domain.RoleParticipant, second, true); err != nil {
		t.Fatalf("evicting join: %v", err)
	}
	if len(first.ofType(wire.TypeDismissed)) == 0 {
		t.Fatal("evicted connection should receive dismissed")
	}
	if !first.closed {
		t.Fatal("evicted connection should be closed")
	}
	if h.session.members["p-red"].conn != second {
		t.Fatal("second connection should now be authoritative")
	}
}

func TestQuitRemovesMember(t *testing.T) {
	h, _, red := startedHarness(t, Options{})
	if err := h.session.Quit("p-red"); err != nil {
		t.Fatalf("quit: %v", err)
	}
	if len(red.ofType(wire.TypeSessionQuit)) == 0 {
		t.Fatal("quitting member should receive session-quit")
	}
	if _, ok := h.session.members["p-red"]; ok {
		t.Fatal("member should leave the roster on quit")
	}
}

func TestUnknownFrameTypeReturnsValidationError(t *testing.T) {
	h, gm, _ := startedHarness(t, Options{})
	h.session.HandleFrame("gm", wire.Frame{Type: "request-teleport", RequestID: "r1"})

	payload := gm.lastError(t)
	if payload.Code != string(apperrors.WireValidationError) {
		t.Fatalf("expected ValidationError, got %q", payload.Code)
	}
}

func TestIdempotentOpenNode(t *testing.T) {
	h, _, red := startedHarness(t, Options{})

	if err := h.session.OpenNode("p-red", "r1", wire.OpenNodePayload{NodeID: "recon"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	force, _ := h.session.tree.Force("red")
	firstVisible := force.VisibleIDs()

	if err := h.session.OpenNode("p-red", "r2", wire.OpenNodePayload{NodeID: "recon"}); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	secondVisible := force.VisibleIDs()
	if len(firstVisible) != len(secondVisible) {
		t.Fatalf("repeat open changed the visible set: %v vs %v", firstVisible, secondVisible)
	}
	if len(red.ofType(wire.TypeNodeOpened)) != 2 {
		t.Fatal("each open request should be confirmed")
	}
}

func TestLocalizedSystemOutput(t *testing.T) {
	def := testMission()
	def.Locale = "pt-BR"
	h, _, _ := startedHarness(t, Options{Mission: def})

	force, _ := h.session.tree.Force("red")
	var sawPortuguese bool
	for _, entry := range force.Output {
		if entry.Output.System != nil && entry.Output.System.Body == "Sessão iniciada. Boa sorte." {
			sawPortuguese = true
		}
	}
	if !sawPortuguese {
		t.Fatal("expected a localized session-started notice")
	}
}
