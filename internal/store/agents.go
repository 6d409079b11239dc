package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/basket/coordplane/internal/errcode"
)

type AgentInput struct {
	ID             string
	Name           string
	Type           string
	Skills         []string
	CanRunTests    bool
	CanBuild       bool
	CanBrowser     bool
	MaxTaskMinutes int
	MachineInfo    []byte
	PID            int
}

func agentScanColumns() string {
	return `id, name, type, status, skills, can_run_tests, can_build, can_browser,
		max_task_minutes, last_heartbeat, heartbeat_count, current_task_id,
		current_task_progress, current_task_phase, tasks_completed, tasks_failed,
		total_runtime_minutes, machine_info, pid, registered_at, last_active_at`
}

func scanAgentRow(row interface{ Scan(...any) error }) (*Agent, error) {
	var a Agent
	var skillsJSON string
	var canRunTests, canBuild, canBrowser int
	var lastHeartbeat, lastActiveAt sql.NullString
	var currentTaskID sql.NullString
	var currentTaskPhase sql.NullString
	var machineInfo sql.NullString

	if err := row.Scan(
		&a.ID, &a.Name, &a.Type, &a.Status, &skillsJSON, &canRunTests, &canBuild, &canBrowser,
		&a.MaxTaskMinutes, &lastHeartbeat, &a.HeartbeatCount, &currentTaskID,
		&a.CurrentTaskProgress, &currentTaskPhase, &a.TasksCompleted, &a.TasksFailed,
		&a.TotalRuntimeMinutes, &machineInfo, &a.PID, &a.RegisteredAt, &lastActiveAt,
	); err != nil {
		return nil, err
	}

	a.Skills = fromJSONSlice(skillsJSON)
	a.CanRunTests = canRunTests != 0
	a.CanBuild = canBuild != 0
	a.CanBrowser = canBrowser != 0
	a.LastHeartbeat = timePtr(lastHeartbeat)
	a.CurrentTaskID = strPtr(currentTaskID)
	if currentTaskPhase.Valid {
		p := TaskPhase(currentTaskPhase.String)
		a.CurrentTaskPhase = &p
	}
	if machineInfo.Valid {
		a.MachineInfo = []byte(machineInfo.String)
	}
	a.LastActiveAt = timePtr(lastActiveAt)
	return &a, nil
}

// RegisterAgent upserts an agent row: a re-registering agent (same ID,
// e.g. after a crash/restart) resets status to idle and clears its
// current-task assignment rather than erroring.
func (s *Store) RegisterAgent(ctx context.Context, in AgentInput) (*Agent, error) {
	now := nowISO()
	machineInfo := "{}"
	if in.MachineInfo != nil {
		machineInfo = string(in.MachineInfo)
	}
	var agent *Agent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agents (
				id, name, type, status, skills, can_run_tests, can_build, can_browser,
				max_task_minutes, machine_info, pid, registered_at, last_active_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name, type = excluded.type, status = 'idle',
				skills = excluded.skills, can_run_tests = excluded.can_run_tests,
				can_build = excluded.can_build, can_browser = excluded.can_browser,
				max_task_minutes = excluded.max_task_minutes, machine_info = excluded.machine_info,
				pid = excluded.pid, current_task_id = NULL, current_task_progress = 0,
				current_task_phase = NULL, last_active_at = excluded.last_active_at
		`, in.ID, in.Name, in.Type, AgentIdle, toJSON(in.Skills), boolToInt(in.CanRunTests),
			boolToInt(in.CanBuild), boolToInt(in.CanBrowser), in.MaxTaskMinutes, machineInfo,
			in.PID, now, now); err != nil {
			return errcode.New(errcode.TransactionError, "register agent", err)
		}
		row := tx.QueryRowContext(ctx, `SELECT `+agentScanColumns()+` FROM agents WHERE id = ?`, in.ID)
		a, err := scanAgentRow(row)
		if err != nil {
			return errcode.New(errcode.TransactionError, "scan registered agent", err)
		}
		agent = a
		return nil
	})
	return agent, err
}

func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentScanColumns()+` FROM agents WHERE id = ?`, id)
	a, err := scanAgentRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errcode.New(errcode.NotFound, "agent not found: "+id, nil)
		}
		return nil, errcode.New(errcode.TransactionError, "scan agent", err)
	}
	return a, nil
}

type AgentFilter struct {
	Status []AgentStatus
	Skills []string // agent must have all
}

func (s *Store) ListAgents(ctx context.Context, f AgentFilter) ([]*Agent, error) {
	query := `SELECT ` + agentScanColumns() + ` FROM agents WHERE 1=1`
	var args []any
	if len(f.Status) > 0 {
		query += " AND status IN (" + placeholders(len(f.Status)) + ")"
		for _, st := range f.Status {
			args = append(args, st)
		}
	}
	query += " ORDER BY registered_at ASC"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errcode.New(errcode.TransactionError, "list agents", err)
	}
	defer rows.Close()
	var out []*Agent
	for rows.Next() {
		a, err := scanAgentRow(rows)
		if err != nil {
			return nil, errcode.New(errcode.TransactionError, "scan agent row", err)
		}
		if !hasAllSkills(a.Skills, f.Skills) {
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func hasAllSkills(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, s := range have {
		set[s] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

// Heartbeat bumps last_heartbeat/heartbeat_count/last_active_at. It does not
// touch status: an agent mid-task still heartbeats while busy.
func (s *Store) HeartbeatAgent(ctx context.Context, agentID string) error {
	now := nowISO()
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET last_heartbeat = ?, heartbeat_count = heartbeat_count + 1, last_active_at = ?
		WHERE id = ?
	`, now, now, agentID)
	if err != nil {
		return errcode.New(errcode.TransactionError, "heartbeat agent", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errcode.New(errcode.NotFound, "agent not found: "+agentID, nil)
	}
	return nil
}

// UpdateAgentProgress records the agent-side view of its current task: the
// phase/percent pair the task-side UpdateProgress deliberately does not own.
func (s *Store) UpdateAgentProgress(ctx context.Context, agentID, taskID string, phase TaskPhase, percent float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET current_task_id = ?, current_task_phase = ?, current_task_progress = ?, status = ?
		WHERE id = ?
	`, taskID, phase, percent, AgentBusy, agentID)
	if err != nil {
		return errcode.New(errcode.TransactionError, "update agent progress", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errcode.New(errcode.NotFound, "agent not found: "+agentID, nil)
	}
	return nil
}

// FinishAgentTask clears the agent's current-task fields and rolls the
// outcome into its completed/failed counters and accumulated runtime.
func (s *Store) FinishAgentTask(ctx context.Context, agentID string, succeeded bool, runtimeMinutes float64) error {
	col := "tasks_completed"
	if !succeeded {
		col = "tasks_failed"
	}
	query := `
		UPDATE agents SET
			current_task_id = NULL, current_task_phase = NULL, current_task_progress = 0,
			status = ?, ` + col + ` = ` + col + ` + 1, total_runtime_minutes = total_runtime_minutes + ?,
			last_active_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query, AgentIdle, runtimeMinutes, nowISO(), agentID)
	if err != nil {
		return errcode.New(errcode.TransactionError, "finish agent task", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errcode.New(errcode.NotFound, "agent not found: "+agentID, nil)
	}
	return nil
}

func (s *Store) SetAgentStatus(ctx context.Context, agentID string, status AgentStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET status = ?, last_active_at = ? WHERE id = ?`, status, nowISO(), agentID)
	if err != nil {
		return errcode.New(errcode.TransactionError, "set agent status", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errcode.New(errcode.NotFound, "agent not found: "+agentID, nil)
	}
	return nil
}

// FindStaleAgents returns agents whose last_heartbeat is older than cutoff,
// excluding those already marked offline — the RuntimeGovernor's crash
// detection query.
func (s *Store) FindStaleAgents(ctx context.Context, cutoff time.Time) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentScanColumns()+` FROM agents
		WHERE status != ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)
	`, AgentOffline, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, errcode.New(errcode.TransactionError, "query stale agents", err)
	}
	defer rows.Close()
	var out []*Agent
	for rows.Next() {
		a, err := scanAgentRow(rows)
		if err != nil {
			return nil, errcode.New(errcode.TransactionError, "scan stale agent row", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) DeregisterAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, agentID)
	if err != nil {
		return errcode.New(errcode.TransactionError, "deregister agent", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errcode.New(errcode.NotFound, "agent not found: "+agentID, nil)
	}
	return nil
}
