// Package scheduler implements C4: ranking ready tasks for a given agent and
// feeding TaskRegistry's claim until one candidate wins the race. Scheduler
// itself never writes to the Store — selection and claim are deliberately
// separate so the single-winner guarantee lives in one place (the Store's
// conditional UPDATE), not in the ranking logic.
package scheduler

import (
	"context"
	"log/slog"
	"sort"

	"github.com/basket/coordplane/internal/skillsregistry"
	"github.com/basket/coordplane/internal/store"
)

type Config struct {
	PartialCreditWeight float64
	MinEligibleScore    float64
	MaxClaimRetries     int
}

type Scheduler struct {
	store  *store.Store
	skills *skillsregistry.Registry
	cfg    Config
	logger *slog.Logger
}

func New(s *store.Store, skills *skillsregistry.Registry, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.MaxClaimRetries <= 0 {
		cfg.MaxClaimRetries = 3
	}
	if cfg.MinEligibleScore <= 0 {
		cfg.MinEligibleScore = 1.0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: s, skills: skills, cfg: cfg, logger: logger}
}

// candidate pairs a ready task with its computed score for agent A.
type candidate struct {
	task  *store.Task
	score float64
}

// rank builds the ordered candidate list for agent for the given ready
// tasks: eligible tasks only (every required skill present, agent not in
// previous_agents), ordered by (priority weight desc, skill score desc,
// created_at asc), tie-broken by task ID ascending for determinism.
func (s *Scheduler) rank(agent *store.Agent, tasks []*store.Task) []candidate {
	var out []candidate
	for _, t := range tasks {
		if containsString(t.PreviousAgents, agent.ID) {
			continue
		}
		score, ok := s.skillScore(agent.Skills, t.RequiredSkills)
		if !ok {
			continue
		}
		out = append(out, candidate{task: t, score: score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := store.PriorityWeight(out[i].task.Priority), store.PriorityWeight(out[j].task.Priority)
		if pi != pj {
			return pi > pj
		}
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		if !out[i].task.CreatedAt.Equal(out[j].task.CreatedAt) {
			return out[i].task.CreatedAt.Before(out[j].task.CreatedAt)
		}
		return out[i].task.ID < out[j].task.ID
	})
	return out
}

// skillScore computes a [0, len(required)] sum across every required skill
// for ranking (1.0 for an exact match, skillsregistry's taxonomy weight —
// or the configured PartialCreditWeight default — for a related skill the
// agent has instead, 0 for a skill the agent lacks entirely), and reports
// eligibility separately: the *average* per-skill score must clear
// MinEligibleScore (default 1.0, i.e. every required skill fully covered);
// averaging rather than summing keeps a task needing many skills from
// becoming eligible on the strength of a single strong match. A task with
// no required skills always scores 0 and is eligible.
func (s *Scheduler) skillScore(have, required []string) (float64, bool) {
	if len(required) == 0 {
		return 0, true
	}
	var total float64
	for _, want := range required {
		best := 0.0
		for _, h := range have {
			if sc := s.skills.MatchScore(h, want, s.cfg.PartialCreditWeight); sc > best {
				best = sc
			}
		}
		total += best
	}
	avg := total / float64(len(required))
	return total, avg >= s.cfg.MinEligibleScore
}

func containsString(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// Select runs the full selection+claim loop for agent: rank eligible ready
// tasks, then try claiming candidates in ranked order (via TaskRegistry's
// atomic claim) up to MaxClaimRetries times, moving to the next candidate
// each time a claim loses the race to another agent. Returns (nil, nil) if
// no candidate is eligible or every attempted claim lost its race.
func (s *Scheduler) Select(ctx context.Context, agent *store.Agent) (*store.Task, error) {
	ready, err := s.store.ListTasks(ctx, store.TaskFilter{Status: []store.TaskStatus{store.TaskReady}})
	if err != nil {
		return nil, err
	}
	ranked := s.rank(agent, ready)
	if len(ranked) == 0 {
		return nil, nil
	}
	attempts := s.cfg.MaxClaimRetries
	if attempts > len(ranked) {
		attempts = len(ranked)
	}
	for i := 0; i < attempts; i++ {
		t, err := s.store.ClaimTask(ctx, agent.ID, []string{ranked[i].task.ID})
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}
		s.logger.Debug("scheduler claim lost race, trying next candidate", "agent_id", agent.ID, "task_id", ranked[i].task.ID)
	}
	return nil, nil
}
