package coordination

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"conductor/internal/domain/agent"
	"conductor/internal/fault"
	"conductor/internal/store/memstore"
)

func newCoordinator(t *testing.T) (*Coordinator, *memstore.AgentStore) {
	t.Helper()
	agents := memstore.NewAgentStore()
	return NewCoordinator(agents, memstore.NewTaskStore(), memstore.NewContextStore(), nil), agents
}

func seedAgent(t *testing.T, agents *memstore.AgentStore, a *agent.Agent) {
	t.Helper()
	if a.Status == "" {
		a.Status = agent.StatusAvailable
	}
	if err := agents.Save(context.Background(), a); err != nil {
		t.Fatalf("seed agent %s: %v", a.ID, err)
	}
}

func TestSuitability(t *testing.T) {
	a := &agent.Agent{ID: "a", Role: "backend", Expertise: []string{"go", "postgres"}, CurrentLoad: 0.5}

	got := Suitability(a, []string{"go", "redis"}, "backend")
	// 0.4*(1-0.5) + 0.4*(1/2) + 0.2
	if math.Abs(got-0.6) > 1e-9 {
		t.Errorf("Suitability = %v, want 0.6", got)
	}

	// No expertise requirement contributes nothing; role match is
	// case-insensitive.
	got = Suitability(a, nil, "Backend")
	if math.Abs(got-0.4) > 1e-9 {
		t.Errorf("Suitability without expertise = %v, want 0.4", got)
	}
}

func TestPickAgentOrdering(t *testing.T) {
	ctx := context.Background()
	c, agents := newCoordinator(t)
	seedAgent(t, agents, &agent.Agent{ID: "loaded-expert", Expertise: []string{"go"}, CurrentLoad: 0.8})
	seedAgent(t, agents, &agent.Agent{ID: "idle-expert", Expertise: []string{"go"}, CurrentLoad: 0.1})
	seedAgent(t, agents, &agent.Agent{ID: "idle-generalist", CurrentLoad: 0})

	picked, err := c.PickAgent(ctx, []string{"go"}, "")
	if err != nil {
		t.Fatalf("PickAgent: %v", err)
	}
	if picked.ID != "idle-expert" {
		t.Errorf("picked %s, want idle-expert", picked.ID)
	}
}

func TestPickAgentTieBreaksOnLoadThenID(t *testing.T) {
	ctx := context.Background()
	c, agents := newCoordinator(t)
	seedAgent(t, agents, &agent.Agent{ID: "zeta", CurrentLoad: 0.2})
	seedAgent(t, agents, &agent.Agent{ID: "alpha", CurrentLoad: 0.2})
	seedAgent(t, agents, &agent.Agent{ID: "busy", CurrentLoad: 0.6})

	picked, err := c.PickAgent(ctx, nil, "")
	if err != nil {
		t.Fatalf("PickAgent: %v", err)
	}
	if picked.ID != "alpha" {
		t.Errorf("picked %s, want alpha (equal suitability, id order)", picked.ID)
	}
}

func TestPickAgentNoneAvailable(t *testing.T) {
	ctx := context.Background()
	c, agents := newCoordinator(t)
	seedAgent(t, agents, &agent.Agent{ID: "off", Status: agent.StatusOffline})

	_, err := c.PickAgent(ctx, nil, "")
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Code != fault.CodeAgentUnavailable {
		t.Fatalf("err = %v, want AGENT_UNAVAILABLE", err)
	}
}

func TestAssignReplacesAndReportsPrevious(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	c, agents := newCoordinator(t)
	seedAgent(t, agents, &agent.Agent{ID: "agent-a"})
	seedAgent(t, agents, &agent.Agent{ID: "agent-b"})

	first, previous, err := c.Assign(ctx, "task-1", "agent-a", "backend", []string{"api"}, "planner", now)
	if err != nil {
		t.Fatalf("first Assign: %v", err)
	}
	if previous != nil {
		t.Errorf("previous = %+v, want nil", previous)
	}
	if first.AgentID != "agent-a" || first.Role != "backend" {
		t.Errorf("assignment = %+v", first)
	}

	second, previous, err := c.Assign(ctx, "task-1", "agent-b", "", nil, "reviewer", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("second Assign: %v", err)
	}
	if previous == nil || previous.AgentID != "agent-a" {
		t.Errorf("previous = %+v, want agent-a", previous)
	}
	if second.AgentID != "agent-b" {
		t.Errorf("assignment = %+v", second)
	}
}

func TestAssignRejectsOfflineAgent(t *testing.T) {
	ctx := context.Background()
	c, agents := newCoordinator(t)
	seedAgent(t, agents, &agent.Agent{ID: "off", Status: agent.StatusOffline})

	_, _, err := c.Assign(ctx, "task-1", "off", "", nil, "", time.Now().UTC())
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Code != fault.CodeAgentUnavailable {
		t.Fatalf("err = %v, want AGENT_UNAVAILABLE", err)
	}
}

func TestHandoffProtocol(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	c, agents := newCoordinator(t)
	seedAgent(t, agents, &agent.Agent{ID: "agent-a"})
	seedAgent(t, agents, &agent.Agent{ID: "agent-b"})

	if _, _, err := c.Assign(ctx, "task-1", "agent-a", "backend", []string{"api"}, "planner", now); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	h, err := c.RequestHandoff(ctx, "task-1", "agent-a", "agent-b", "auth is done, payments remain",
		[]string{"auth"}, []string{"payments"}, now)
	if err != nil {
		t.Fatalf("RequestHandoff: %v", err)
	}
	if h.State != agent.HandoffRequested {
		t.Fatalf("state = %s", h.State)
	}

	// Completing before acceptance is an invalid handoff state.
	_, err = c.CompleteHandoff(ctx, h.ID, now)
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Code != fault.CodeInvalidHandoffState {
		t.Fatalf("premature complete err = %v, want INVALID_HANDOFF_STATE", err)
	}

	accepted, err := c.AcceptHandoff(ctx, h.ID, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("AcceptHandoff: %v", err)
	}
	if accepted.State != agent.HandoffAccepted {
		t.Fatalf("state = %s", accepted.State)
	}

	// Acceptance transfers the primary assignment, keeping role and
	// responsibilities.
	asg, err := agents.GetAssignment(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetAssignment: %v", err)
	}
	if asg.AgentID != "agent-b" || asg.Role != "backend" || len(asg.Responsibilities) != 1 {
		t.Errorf("assignment after accept = %+v", asg)
	}

	done, err := c.CompleteHandoff(ctx, h.ID, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("CompleteHandoff: %v", err)
	}
	if done.State != agent.HandoffCompleted || done.ResolvedAt == nil {
		t.Errorf("handoff after complete = %+v", done)
	}
}

func TestRejectHandoffKeepsAssignment(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	c, agents := newCoordinator(t)
	seedAgent(t, agents, &agent.Agent{ID: "agent-a"})
	seedAgent(t, agents, &agent.Agent{ID: "agent-b"})

	if _, _, err := c.Assign(ctx, "task-1", "agent-a", "", nil, "", now); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	h, err := c.RequestHandoff(ctx, "task-1", "agent-a", "agent-b", "summary", nil, nil, now)
	if err != nil {
		t.Fatalf("RequestHandoff: %v", err)
	}

	rejected, err := c.RejectHandoff(ctx, h.ID, "overloaded", now)
	if err != nil {
		t.Fatalf("RejectHandoff: %v", err)
	}
	if rejected.State != agent.HandoffRejected || rejected.RejectReason != "overloaded" {
		t.Errorf("handoff = %+v", rejected)
	}

	asg, err := agents.GetAssignment(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetAssignment: %v", err)
	}
	if asg.AgentID != "agent-a" {
		t.Errorf("assignment moved to %s on rejection", asg.AgentID)
	}
}

func TestResolveConflictStrategies(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	// detect replays the real conflict flow: the first writer's assignment
	// is replaced by the later writer's before the conflict is recorded.
	detect := func(t *testing.T) (*Coordinator, *memstore.AgentStore, *agent.Conflict) {
		t.Helper()
		c, agents := newCoordinator(t)
		seedAgent(t, agents, &agent.Agent{ID: "first"})
		seedAgent(t, agents, &agent.Agent{ID: "later"})
		if _, _, err := c.Assign(ctx, "task-1", "first", "backend", []string{"api"}, "planner", now); err != nil {
			t.Fatalf("first Assign: %v", err)
		}
		laterAsg, previous, err := c.Assign(ctx, "task-1", "later", "", []string{"db"}, "reviewer", now.Add(time.Minute))
		if err != nil {
			t.Fatalf("second Assign: %v", err)
		}
		if previous == nil || previous.AgentID != "first" {
			t.Fatalf("previous = %+v, want the replaced first writer", previous)
		}
		conflict, err := c.DetectConflict(ctx, "task-1", previous, laterAsg, now.Add(time.Minute))
		if err != nil {
			t.Fatalf("DetectConflict: %v", err)
		}
		return c, agents, conflict
	}

	settle := func(t *testing.T, strategy agent.ResolutionStrategy, wantAgent string) *agent.Assignment {
		t.Helper()
		c, agents, conflict := detect(t)
		resolved, err := c.ResolveConflict(ctx, conflict.ID, strategy, "lead", "settled", now)
		if err != nil {
			t.Fatalf("ResolveConflict(%s): %v", strategy, err)
		}
		if !resolved.Resolved {
			t.Fatalf("conflict not closed under %s", strategy)
		}
		asg, err := agents.GetAssignment(ctx, "task-1")
		if err != nil {
			t.Fatalf("GetAssignment: %v", err)
		}
		if asg.AgentID != wantAgent {
			t.Errorf("%s settled on %s, want %s", strategy, asg.AgentID, wantAgent)
		}
		return asg
	}

	t.Run("first_writer_wins", func(t *testing.T) { settle(t, agent.ResolveFirstWriterWins, "first") })
	t.Run("last_writer_wins", func(t *testing.T) { settle(t, agent.ResolveLastWriterWins, "later") })

	t.Run("merge unions both writers' responsibilities", func(t *testing.T) {
		asg := settle(t, agent.ResolveMerge, "first")
		// The first writer's list was overwritten at replacement time; the
		// union must still include it.
		if len(asg.Responsibilities) != 2 || asg.Responsibilities[0] != "api" || asg.Responsibilities[1] != "db" {
			t.Errorf("merged responsibilities = %v, want [api db]", asg.Responsibilities)
		}
	})

	t.Run("manual stays open", func(t *testing.T) {
		c, agents := newCoordinator(t)
		seedAgent(t, agents, &agent.Agent{ID: "first"})
		conflict, err := c.DetectConflict(ctx, "task-1",
			&agent.Assignment{TaskID: "task-1", AgentID: "first"},
			&agent.Assignment{TaskID: "task-1", AgentID: "later"}, now)
		if err != nil {
			t.Fatalf("DetectConflict: %v", err)
		}
		resolved, err := c.ResolveConflict(ctx, conflict.ID, agent.ResolveManual, "lead", "needs humans", now)
		if err != nil {
			t.Fatalf("ResolveConflict(manual): %v", err)
		}
		if resolved.Resolved {
			t.Errorf("manual strategy should keep the conflict open")
		}
		open, err := agents.OpenConflicts(ctx, "task-1")
		if err != nil || len(open) != 1 {
			t.Errorf("open conflicts = %v, %v", open, err)
		}
	})

	t.Run("unknown strategy", func(t *testing.T) {
		c, _ := newCoordinator(t)
		_, err := c.ResolveConflict(ctx, "conflict-x", agent.ResolutionStrategy("coin_flip"), "", "", now)
		var fe *fault.Error
		if !errors.As(err, &fe) || fe.Code != fault.CodeInvalidParameters {
			t.Fatalf("err = %v, want INVALID_PARAMETERS", err)
		}
	})
}

func TestBroadcastStatusRegistersUnknownAgents(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	c, agents := newCoordinator(t)

	load := 0.3
	a, err := c.BroadcastStatus(ctx, "fresh", agent.StatusAvailable, &load, now)
	if err != nil {
		t.Fatalf("BroadcastStatus: %v", err)
	}
	if a.ID != "fresh" || a.CurrentLoad != 0.3 {
		t.Errorf("agent = %+v", a)
	}
	if _, err := agents.Get(ctx, "fresh"); err != nil {
		t.Errorf("agent not persisted: %v", err)
	}

	over := 1.5
	if _, err := c.BroadcastStatus(ctx, "fresh", agent.StatusBusy, &over, now); err == nil {
		t.Errorf("load above 1 should be rejected")
	}
}

func TestGetWorkload(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	agents := memstore.NewAgentStore()
	tasks := memstore.NewTaskStore()
	c := NewCoordinator(agents, tasks, memstore.NewContextStore(), nil)
	seedAgent(t, agents, &agent.Agent{ID: "agent-a", CurrentLoad: 0.4})

	if _, _, err := c.Assign(ctx, "task-1", "agent-a", "", nil, "", now); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	w, err := c.GetWorkload(ctx, "agent-a")
	if err != nil {
		t.Fatalf("GetWorkload: %v", err)
	}
	if w.OpenAssignments != 1 || w.CurrentLoad != 0.4 {
		t.Errorf("workload = %+v", w)
	}

	_, err = c.GetWorkload(ctx, "ghost")
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Code != fault.CodeNotFound {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}
