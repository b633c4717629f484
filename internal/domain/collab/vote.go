package collab

import (
	"fmt"

	"github.com/Strob0t/PipelineForge/internal/domain"
)

// Ballot is a single participant's vote on a finalize proposal.
type Ballot string

const (
	BallotApprove Ballot = "approve"
	BallotReject  Ballot = "reject"
)

// VoteOutcome is the state of a proposal after a vote is counted.
type VoteOutcome string

const (
	OutcomePending  VoteOutcome = "pending"
	OutcomeApproved VoteOutcome = "approved"
	OutcomeRejected VoteOutcome = "rejected"
)

// Tally summarizes the ballots of one proposal.
type Tally struct {
	ProposalID string      `json:"proposal_id"`
	Approvals  int         `json:"approvals"`
	Rejections int         `json:"rejections"`
	Eligible   int         `json:"eligible"`
	Quorum     int         `json:"quorum"`
	Outcome    VoteOutcome `json:"outcome"`
	State      State       `json:"state"`
}

// ProposeFinalize opens a vote on finalizing the workspace as it stands.
func (s *Session) ProposeFinalize(participant, proposalID string) error {
	perm, err := s.permissions(participant)
	if err != nil {
		return err
	}
	if !perm.Finalize {
		return fmt.Errorf("%w: %q may not propose finalize", domain.ErrForbidden, participant)
	}
	if s.State != StateOpen {
		return fmt.Errorf("%w: session is %s", domain.ErrInvalidState, s.State)
	}
	if proposalID == "" {
		return fmt.Errorf("%w: proposal id is required", domain.ErrValidation)
	}

	s.State = StateVoting
	s.ProposalID = proposalID
	s.PendingVotes[proposalID] = make(map[string]Ballot)
	return nil
}

// CastVote records a participant's ballot, replacing any earlier ballot of
// the same participant. The proposal is approved once approvals reach quorum
// and rejected as soon as the remaining ballots can no longer reach it, so
// an exact split rejects.
func (s *Session) CastVote(participant, proposalID string, ballot Ballot) (Tally, error) {
	perm, err := s.permissions(participant)
	if err != nil {
		return Tally{}, err
	}
	if !perm.Vote {
		return Tally{}, fmt.Errorf("%w: %q may not vote", domain.ErrForbidden, participant)
	}
	if s.State != StateVoting {
		return Tally{}, fmt.Errorf("%w: session is %s", domain.ErrInvalidState, s.State)
	}
	if proposalID != s.ProposalID {
		return Tally{}, fmt.Errorf("proposal %q: %w", proposalID, domain.ErrNotFound)
	}
	if ballot != BallotApprove && ballot != BallotReject {
		return Tally{}, fmt.Errorf("%w: unknown ballot %q", domain.ErrValidation, ballot)
	}

	s.PendingVotes[proposalID][participant] = ballot

	t := s.tally(proposalID)
	switch {
	case t.Approvals >= t.Quorum:
		s.State = StateFinalized
		t.Outcome = OutcomeApproved
	case t.Rejections > t.Eligible-t.Quorum:
		s.State = StateOpen
		s.ProposalID = ""
		delete(s.PendingVotes, proposalID)
		t.Outcome = OutcomeRejected
	}
	t.State = s.State
	return t, nil
}

// CurrentTally reports the tally of the open proposal, if any.
func (s *Session) CurrentTally() (Tally, bool) {
	if s.ProposalID == "" {
		return Tally{}, false
	}
	t := s.tally(s.ProposalID)
	t.State = s.State
	return t, true
}

func (s *Session) tally(proposalID string) Tally {
	t := Tally{
		ProposalID: proposalID,
		Eligible:   s.eligibleVoters(),
		Quorum:     s.quorum(),
		Outcome:    OutcomePending,
	}
	for _, b := range s.PendingVotes[proposalID] {
		if b == BallotApprove {
			t.Approvals++
		} else {
			t.Rejections++
		}
	}
	return t
}

func (s *Session) eligibleVoters() int {
	n := 0
	for _, p := range s.Participants {
		if p.Vote {
			n++
		}
	}
	return n
}

// quorum returns the approvals needed: the configured count clamped to the
// eligible voters, or a strict majority of them when unset.
func (s *Session) quorum() int {
	eligible := s.eligibleVoters()
	if s.Quorum <= 0 {
		return eligible/2 + 1
	}
	return min(s.Quorum, eligible)
}
