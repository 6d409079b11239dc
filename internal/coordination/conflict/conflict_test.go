package conflict

import (
	"testing"
	"time"
)

func ts(offset time.Duration) string {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(offset).Format(time.RFC3339Nano)
}

func TestResolve_LastWriteWinsNewerRemote(t *testing.T) {
	r := New(nil, nil)
	local := map[string]any{"title": "local title", "updated_at": ts(0)}
	remote := map[string]any{"title": "remote title", "updated_at": ts(time.Hour)}

	res := r.Resolve("task", "t-1", local, remote, LastWriteWins)
	if res.Winner != WinnerRemote {
		t.Fatalf("expected remote to win on newer updated_at, got %s", res.Winner)
	}
	if len(res.FieldConflicts) != 1 || res.FieldConflicts[0].Field != "title" {
		t.Fatalf("expected a single title conflict, got %#v", res.FieldConflicts)
	}
}

func TestResolve_DeletionConfirmedBeatsOlderRemoteUpdate(t *testing.T) {
	r := New(nil, nil)
	local := map[string]any{"deleted_at": ts(time.Hour), "updated_at": ts(time.Hour)}
	remote := map[string]any{"updated_at": ts(0)}

	res := r.Resolve("task", "t-1", local, remote, LastWriteWins)
	if res.Winner != WinnerLocal {
		t.Fatalf("expected local deletion to win over an older remote update, got %s", res.Winner)
	}
}

func TestResolve_RemoteResurrectsAfterLocalDeletion(t *testing.T) {
	r := New(nil, nil)
	local := map[string]any{"deleted_at": ts(0)}
	remote := map[string]any{"updated_at": ts(time.Hour)}

	res := r.Resolve("task", "t-1", local, remote, LastWriteWins)
	if res.Winner != WinnerRemote {
		t.Fatalf("expected remote update after local deletion to resurrect the entity, got %s", res.Winner)
	}
}

func TestResolve_TieDefaultsToLocal(t *testing.T) {
	r := New(nil, nil)
	local := map[string]any{"updated_at": ts(0)}
	remote := map[string]any{"updated_at": ts(0)}

	res := r.Resolve("task", "t-1", local, remote, LastWriteWins)
	if res.Winner != WinnerLocal {
		t.Fatalf("expected a tie to default to local, got %s", res.Winner)
	}
}

func TestResolve_PreferRemoteStrategy(t *testing.T) {
	r := New(nil, nil)
	local := map[string]any{"updated_at": ts(time.Hour)}
	remote := map[string]any{"updated_at": ts(0)}

	res := r.Resolve("task", "t-1", local, remote, PreferRemote)
	if res.Winner != WinnerRemote {
		t.Fatalf("expected prefer-remote to always pick remote, got %s", res.Winner)
	}
}

func TestRecentConflicts_BoundedAt1000(t *testing.T) {
	r := New(nil, nil)
	for i := 0; i < 1005; i++ {
		r.Resolve("task", "t-1", map[string]any{"updated_at": ts(0)}, map[string]any{"updated_at": ts(0)}, LastWriteWins)
	}
	if len(r.RecentConflicts()) != maxLog {
		t.Fatalf("expected the recent-conflict log capped at %d, got %d", maxLog, len(r.RecentConflicts()))
	}
}
