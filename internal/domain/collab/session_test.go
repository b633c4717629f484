package collab_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/PipelineForge/internal/domain"
	"github.com/Strob0t/PipelineForge/internal/domain/collab"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func all() collab.Permissions { return collab.Permissions{Propose: true, Vote: true, Finalize: true} }

func newSession(t *testing.T, participants map[string]collab.Permissions, quorum int) *collab.Session {
	t.Helper()
	s, err := collab.NewSession("s1", participants, map[string]json.RawMessage{
		"draft": json.RawMessage(`"v0"`),
	}, quorum, now, time.Hour)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestNewSessionValidation(t *testing.T) {
	fields := map[string]json.RawMessage{"f": json.RawMessage(`1`)}
	if _, err := collab.NewSession("s", nil, fields, 0, now, 0); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation without participants, got %v", err)
	}
	if _, err := collab.NewSession("s", map[string]collab.Permissions{"a": {Propose: true}}, fields, 0, now, 0); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation without voters, got %v", err)
	}
	if _, err := collab.NewSession("s", map[string]collab.Permissions{"a": all()}, nil, 0, now, 0); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation without fields, got %v", err)
	}
}

func TestApplyEditVersioning(t *testing.T) {
	s := newSession(t, map[string]collab.Permissions{"a": all(), "b": all()}, 0)

	res, err := s.ApplyEdit("a", "draft", 0, json.RawMessage(`"v1"`), now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != collab.EditApplied || res.Version != 1 {
		t.Fatalf("expected applied at version 1, got %+v", res)
	}

	// b still holds base version 0.
	res, err = s.ApplyEdit("b", "draft", 0, json.RawMessage(`"other"`), now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != collab.EditConflict || res.Version != 1 || string(res.Value) != `"v1"` {
		t.Fatalf("expected conflict carrying version 1, got %+v", res)
	}
	if len(s.ActivityLog) != 1 {
		t.Fatalf("expected 1 activity entry, got %d", len(s.ActivityLog))
	}
	if s.Workspace["draft"].Version != 1 {
		t.Fatalf("expected version 1, got %d", s.Workspace["draft"].Version)
	}
}

func TestConflictAtVersionFive(t *testing.T) {
	s := newSession(t, map[string]collab.Permissions{"a": all(), "b": all()}, 0)
	for v := int64(0); v < 5; v++ {
		if _, err := s.ApplyEdit("a", "draft", v, json.RawMessage(`"step"`), now); err != nil {
			t.Fatal(err)
		}
	}

	first, _ := s.ApplyEdit("a", "draft", 5, json.RawMessage(`"from a"`), now)
	second, _ := s.ApplyEdit("b", "draft", 5, json.RawMessage(`"from b"`), now)

	if first.Status != collab.EditApplied || first.Version != 6 {
		t.Fatalf("expected first edit applied at 6, got %+v", first)
	}
	if second.Status != collab.EditConflict {
		t.Fatalf("expected second edit to conflict, got %+v", second)
	}
	if s.Workspace["draft"].Version != 6 {
		t.Fatalf("expected final version 6, got %d", s.Workspace["draft"].Version)
	}
}

func TestApplyEditRejections(t *testing.T) {
	s := newSession(t, map[string]collab.Permissions{"a": all(), "viewer": {Vote: true}}, 0)

	tests := []struct {
		name        string
		participant string
		field       string
		value       string
		want        error
	}{
		{"stranger", "x", "draft", `1`, domain.ErrForbidden},
		{"no propose permission", "viewer", "draft", `1`, domain.ErrForbidden},
		{"unknown field", "a", "nope", `1`, domain.ErrNotFound},
		{"invalid json", "a", "draft", `{`, domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ApplyEdit(tt.participant, tt.field, 0, json.RawMessage(tt.value), now)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestMajorityFinalizes(t *testing.T) {
	s := newSession(t, map[string]collab.Permissions{"a": all(), "b": all(), "c": all()}, 0)
	if err := s.ProposeFinalize("a", "p1"); err != nil {
		t.Fatal(err)
	}
	if s.State != collab.StateVoting {
		t.Fatalf("expected voting, got %s", s.State)
	}

	if _, err := s.ApplyEdit("a", "draft", 0, json.RawMessage(`1`), now); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("edits must be rejected while voting, got %v", err)
	}

	tl, _ := s.CastVote("c", "p1", collab.BallotReject)
	if tl.Outcome != collab.OutcomePending {
		t.Fatalf("expected pending after one reject, got %s", tl.Outcome)
	}
	tl, _ = s.CastVote("a", "p1", collab.BallotApprove)
	if tl.Outcome != collab.OutcomePending {
		t.Fatalf("expected pending after one approve, got %s", tl.Outcome)
	}
	tl, err := s.CastVote("b", "p1", collab.BallotApprove)
	if err != nil {
		t.Fatal(err)
	}
	if tl.Outcome != collab.OutcomeApproved || s.State != collab.StateFinalized {
		t.Fatalf("expected finalized, got outcome %s state %s", tl.Outcome, s.State)
	}
	if tl.Approvals != 2 || tl.Rejections != 1 || tl.Quorum != 2 || tl.Eligible != 3 {
		t.Fatalf("unexpected tally %+v", tl)
	}
}

func TestTieRejectsAndReopens(t *testing.T) {
	s := newSession(t, map[string]collab.Permissions{"a": all(), "b": all(), "c": all(), "d": all()}, 0)
	_ = s.ProposeFinalize("a", "p1")

	_, _ = s.CastVote("a", "p1", collab.BallotApprove)
	_, _ = s.CastVote("b", "p1", collab.BallotApprove)
	_, _ = s.CastVote("c", "p1", collab.BallotReject)
	tl, err := s.CastVote("d", "p1", collab.BallotReject)
	if err != nil {
		t.Fatal(err)
	}
	if tl.Outcome != collab.OutcomeRejected {
		t.Fatalf("expected 2/2 split to reject, got %s", tl.Outcome)
	}
	if s.State != collab.StateOpen || s.ProposalID != "" {
		t.Fatalf("expected reopened session, got state %s proposal %q", s.State, s.ProposalID)
	}
	if len(s.PendingVotes) != 0 {
		t.Fatalf("expected tallies reset, got %v", s.PendingVotes)
	}
}

func TestRevoteOverwritesOwnBallot(t *testing.T) {
	s := newSession(t, map[string]collab.Permissions{"a": all(), "b": all(), "c": all()}, 0)
	_ = s.ProposeFinalize("a", "p1")

	_, _ = s.CastVote("a", "p1", collab.BallotReject)
	tl, _ := s.CastVote("a", "p1", collab.BallotApprove)
	if tl.Approvals != 1 || tl.Rejections != 0 {
		t.Fatalf("expected revote to replace ballot, got %+v", tl)
	}
}

func TestVotePermissionsAndProposal(t *testing.T) {
	s := newSession(t, map[string]collab.Permissions{
		"lead":   all(),
		"editor": {Propose: true},
	}, 0)

	if err := s.ProposeFinalize("editor", "p1"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for finalize, got %v", err)
	}
	if _, err := s.CastVote("lead", "p1", collab.BallotApprove); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState when not voting, got %v", err)
	}
	_ = s.ProposeFinalize("lead", "p1")
	if _, err := s.CastVote("editor", "p1", collab.BallotApprove); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for vote, got %v", err)
	}
	if _, err := s.CastVote("lead", "other", collab.BallotApprove); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for stale proposal, got %v", err)
	}
	if _, err := s.CastVote("lead", "p1", "abstain"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for ballot, got %v", err)
	}
}

func TestConfiguredQuorumClamped(t *testing.T) {
	s := newSession(t, map[string]collab.Permissions{"a": all(), "b": all()}, 5)
	_ = s.ProposeFinalize("a", "p1")
	_, _ = s.CastVote("a", "p1", collab.BallotApprove)
	tl, _ := s.CastVote("b", "p1", collab.BallotApprove)
	if tl.Quorum != 2 || tl.Outcome != collab.OutcomeApproved {
		t.Fatalf("expected clamped quorum 2 approved, got %+v", tl)
	}
}

func TestExpire(t *testing.T) {
	s := newSession(t, map[string]collab.Permissions{"a": all()}, 0)
	if s.DueForExpiry(now.Add(30 * time.Minute)) {
		t.Fatal("session should not be due before ttl")
	}
	if !s.DueForExpiry(now.Add(time.Hour)) {
		t.Fatal("session should be due at ttl")
	}
	if err := s.Expire(); err != nil {
		t.Fatal(err)
	}
	if err := s.Expire(); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second expire, got %v", err)
	}
	if s.DueForExpiry(now.Add(2 * time.Hour)) {
		t.Fatal("expired session is never due again")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := newSession(t, map[string]collab.Permissions{"a": all()}, 0)
	_ = s.ProposeFinalize("a", "p1")
	c := s.Clone()
	c.PendingVotes["p1"]["a"] = collab.BallotApprove
	c.Workspace["draft"] = collab.Field{Version: 9}

	if len(s.PendingVotes["p1"]) != 0 {
		t.Fatal("clone shares pending votes")
	}
	if s.Workspace["draft"].Version != 0 {
		t.Fatal("clone shares workspace")
	}
}
