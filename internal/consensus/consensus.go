// Package consensus runs pluggable voting protocols over a fixed set of
// participants to resolve a proposal.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/swarmdlabs/swarmd/internal/clock"
)

var (
	ErrProposalClosed    = errors.New("proposal is not open")
	ErrUnauthorizedVoter = errors.New("agent is not a proposal participant")
	ErrUnknownProposal   = errors.New("unknown proposal")
	ErrEmptyPopulation   = errors.New("proposal has no quorum population")
)

type Algorithm string

const (
	AlgorithmMajority  Algorithm = "majority"
	AlgorithmUnanimous Algorithm = "unanimous"
	AlgorithmWeighted  Algorithm = "weighted"
	AlgorithmByzantine Algorithm = "byzantine"
	AlgorithmRaft      Algorithm = "raft"
)

type Status string

const (
	StatusOpen     Status = "open"
	StatusDecided  Status = "decided"
	StatusTimedOut Status = "timed-out"
	StatusAborted  Status = "aborted"
)

// Spec describes a decision request.
type Spec struct {
	SwarmID   string        `json:"swarm_id"`
	Algorithm Algorithm     `json:"algorithm"`
	Options   []string      `json:"options"`
	Timeout   time.Duration `json:"timeout"`

	// Quorum is the minimum participant count; zero means the full
	// population captured at open time. A quorum larger than the population
	// is kept as requested: an unreachable quorum resolves timed-out at the
	// deadline rather than being weakened.
	Quorum int `json:"quorum,omitempty"`

	// Weights and QuorumWeight apply to the weighted algorithm. Missing
	// weights default to 1.0; a zero QuorumWeight means half the total.
	Weights      map[string]float64 `json:"weights,omitempty"`
	QuorumWeight float64            `json:"quorum_weight,omitempty"`

	// Leader and LeaderOption apply to the raft algorithm. Defaults: the
	// first population member, and the first option.
	Leader       string `json:"leader,omitempty"`
	LeaderOption string `json:"leader_option,omitempty"`
}

type vote struct {
	agentID    string
	option     string
	confidence float64
	castAt     time.Time
	seq        int
}

// Result is the terminal outcome of a proposal.
type Result struct {
	ProposalID string    `json:"proposal_id"`
	SwarmID    string    `json:"swarm_id"`
	Algorithm  Algorithm `json:"algorithm"`
	Status     Status    `json:"status"`
	Option     string    `json:"option,omitempty"`
	Confidence float64   `json:"confidence"`
	VotesCast  int       `json:"votes_cast"`
	Term       int       `json:"term,omitempty"`      // raft
	Threshold  int       `json:"threshold,omitempty"` // byzantine
	Reason     string    `json:"reason,omitempty"`    // aborts
}

type proposal struct {
	id           string
	swarmID      string
	algorithm    Algorithm
	options      []string
	quorum       int
	quorumWeight float64
	deadline     time.Time
	status       Status

	population []string
	members    map[string]struct{}
	weights    map[string]float64
	votes      map[string]*vote
	voteSeq    int

	// raft state
	term         int
	leader       string
	leaderOption string
	down         map[string]struct{}

	result Result
	done   chan struct{}
}

// Manager owns the proposals of one swarm.
type Manager struct {
	clk clock.Clock

	mu        sync.Mutex
	proposals map[string]*proposal

	// OnFinalized is invoked once per proposal, outside the manager lock,
	// when it reaches a terminal status.
	onFinalized func(Result)
}

func NewManager(clk clock.Clock) *Manager {
	return &Manager{
		clk:       clk,
		proposals: make(map[string]*proposal),
	}
}

// SetOnFinalized installs the terminal-event hook. Must be set before the
// first Propose.
func (m *Manager) SetOnFinalized(fn func(Result)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFinalized = fn
}

// Propose opens a proposal over the given participant population, captured
// at open time, and arms its deadline watchdog.
func (m *Manager) Propose(spec Spec, population []string) (string, error) {
	if len(population) == 0 {
		return "", ErrEmptyPopulation
	}
	if len(spec.Options) == 0 {
		return "", fmt.Errorf("proposal needs at least one option")
	}

	now := m.clk.Now()
	p := &proposal{
		id:         uuid.New().String(),
		swarmID:    spec.SwarmID,
		algorithm:  spec.Algorithm,
		options:    spec.Options,
		quorum:     spec.Quorum,
		deadline:   now.Add(spec.Timeout),
		status:     StatusOpen,
		population: population,
		members:    make(map[string]struct{}, len(population)),
		weights:    make(map[string]float64, len(population)),
		votes:      make(map[string]*vote),
		down:       make(map[string]struct{}),
		done:       make(chan struct{}),
	}

	totalWeight := 0.0
	for _, id := range population {
		p.members[id] = struct{}{}
		w := 1.0
		if spec.Weights != nil {
			if sw, ok := spec.Weights[id]; ok && sw > 0 {
				w = sw
			}
		}
		p.weights[id] = w
		totalWeight += w
	}

	if p.quorum <= 0 {
		p.quorum = len(population)
	}
	p.quorumWeight = spec.QuorumWeight
	if p.quorumWeight <= 0 {
		p.quorumWeight = totalWeight / 2
	}

	if spec.Algorithm == AlgorithmRaft {
		p.term = 1
		p.leader = spec.Leader
		if _, ok := p.members[p.leader]; !ok {
			p.leader = population[0]
		}
		p.leaderOption = spec.LeaderOption
		if p.leaderOption == "" {
			p.leaderOption = spec.Options[0]
		}
	}

	m.mu.Lock()
	m.proposals[p.id] = p
	m.mu.Unlock()

	timer := m.clk.After(spec.Timeout)
	go m.watchdog(p, timer)

	slog.Info("proposal opened",
		"id", p.id, "swarm", p.swarmID, "algorithm", p.algorithm,
		"quorum", p.quorum, "participants", len(population))
	return p.id, nil
}

func (m *Manager) watchdog(p *proposal, timer <-chan time.Time) {
	select {
	case <-timer:
	case <-p.done:
		return
	}

	m.mu.Lock()
	var finalized *Result
	if p.status == StatusOpen {
		finalized = m.finalizeLocked(p, StatusTimedOut, "", "deadline elapsed before quorum")
	}
	m.mu.Unlock()

	m.notify(finalized)
}

// Vote records or replaces an agent's vote. One vote per agent; a re-vote
// while open overrides the prior one, including its receipt order.
func (m *Manager) Vote(proposalID, agentID, option string, confidence float64) error {
	m.mu.Lock()
	p, exists := m.proposals[proposalID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("vote on %s: %w", proposalID, ErrUnknownProposal)
	}
	if p.status != StatusOpen {
		m.mu.Unlock()
		return fmt.Errorf("vote on %s: %w", proposalID, ErrProposalClosed)
	}
	if _, member := p.members[agentID]; !member {
		m.mu.Unlock()
		return fmt.Errorf("vote by %s: %w", agentID, ErrUnauthorizedVoter)
	}
	if _, isDown := p.down[agentID]; isDown {
		m.mu.Unlock()
		return fmt.Errorf("vote by %s: %w", agentID, ErrUnauthorizedVoter)
	}

	p.voteSeq++
	p.votes[agentID] = &vote{
		agentID:    agentID,
		option:     option,
		confidence: confidence,
		castAt:     m.clk.Now(),
		seq:        p.voteSeq,
	}

	var finalized *Result
	if option, decided := p.evaluate(); decided {
		finalized = m.finalizeLocked(p, StatusDecided, option, "")
	}
	m.mu.Unlock()

	m.notify(finalized)
	return nil
}

// MemberDown reports that a participant is no longer live. For an open
// raft proposal whose leader went down, a new term starts: uncommitted votes
// from the prior term are discarded and the next live member in population
// order becomes leader.
func (m *Manager) MemberDown(agentID string) {
	m.mu.Lock()
	var finalized []*Result
	for _, p := range m.proposals {
		if p.status != StatusOpen {
			continue
		}
		// Votes already cast keep counting; the down member just cannot
		// cast new ones. Raft is the exception below: a leader failure
		// restarts the term and invalidates uncommitted votes.
		p.down[agentID] = struct{}{}

		if p.algorithm == AlgorithmRaft && p.leader == agentID {
			p.term++
			p.votes = make(map[string]*vote)
			p.leader = ""
			for _, id := range p.population {
				if _, isDown := p.down[id]; !isDown {
					p.leader = id
					break
				}
			}
			if p.leader == "" {
				finalized = append(finalized, m.finalizeLocked(p, StatusAborted, "", "no live members for re-election"))
				continue
			}
			slog.Info("raft leader changed", "proposal", p.id, "term", p.term, "leader", p.leader)
		}
	}
	m.mu.Unlock()

	for _, r := range finalized {
		m.notify(r)
	}
}

// Result blocks until the proposal reaches a terminal status or the context
// is done.
func (m *Manager) Result(ctx context.Context, proposalID string) (Result, error) {
	m.mu.Lock()
	p, exists := m.proposals[proposalID]
	m.mu.Unlock()
	if !exists {
		return Result{}, fmt.Errorf("result of %s: %w", proposalID, ErrUnknownProposal)
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return p.result, nil
}

// Get returns the current result snapshot and whether the proposal is still
// open, for polling callers.
func (m *Manager) Get(proposalID string) (Result, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, exists := m.proposals[proposalID]
	if !exists {
		return Result{}, false, fmt.Errorf("get %s: %w", proposalID, ErrUnknownProposal)
	}
	if p.status == StatusOpen {
		return Result{
			ProposalID: p.id,
			SwarmID:    p.swarmID,
			Algorithm:  p.algorithm,
			Status:     StatusOpen,
			VotesCast:  len(p.votes),
			Term:       p.term,
		}, true, nil
	}
	return p.result, false, nil
}

// Abort finalizes an open proposal as aborted.
func (m *Manager) Abort(proposalID, reason string) error {
	m.mu.Lock()
	p, exists := m.proposals[proposalID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("abort %s: %w", proposalID, ErrUnknownProposal)
	}
	var finalized *Result
	if p.status == StatusOpen {
		finalized = m.finalizeLocked(p, StatusAborted, "", reason)
	}
	m.mu.Unlock()

	m.notify(finalized)
	return nil
}

// AbortAll finalizes every open proposal, e.g. on swarm destruction.
func (m *Manager) AbortAll(reason string) {
	m.mu.Lock()
	var finalized []*Result
	for _, p := range m.proposals {
		if p.status == StatusOpen {
			finalized = append(finalized, m.finalizeLocked(p, StatusAborted, "", reason))
		}
	}
	m.mu.Unlock()

	for _, r := range finalized {
		m.notify(r)
	}
}

// OpenCount returns the number of proposals still open.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	open := 0
	for _, p := range m.proposals {
		if p.status == StatusOpen {
			open++
		}
	}
	return open
}

func (m *Manager) finalizeLocked(p *proposal, status Status, option, reason string) *Result {
	p.status = status

	counts, weightTotals := p.tally()
	confidence := 0.0
	if status == StatusDecided && len(p.votes) > 0 {
		if p.algorithm == AlgorithmWeighted {
			total := 0.0
			for _, w := range weightTotals {
				total += w
			}
			if total > 0 {
				confidence = weightTotals[option] / total
			}
		} else {
			confidence = float64(counts[option]) / float64(len(p.votes))
		}
	}

	p.result = Result{
		ProposalID: p.id,
		SwarmID:    p.swarmID,
		Algorithm:  p.algorithm,
		Status:     status,
		Option:     option,
		Confidence: confidence,
		VotesCast:  len(p.votes),
		Term:       p.term,
		Threshold:  p.byzantineThreshold(),
		Reason:     reason,
	}
	close(p.done)

	slog.Info("proposal finalized",
		"id", p.id, "swarm", p.swarmID, "status", status,
		"option", option, "votes", len(p.votes))
	return &p.result
}

func (m *Manager) notify(r *Result) {
	if r == nil {
		return
	}
	m.mu.Lock()
	fn := m.onFinalized
	m.mu.Unlock()
	if fn != nil {
		fn(*r)
	}
}
