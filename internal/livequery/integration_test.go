package livequery

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/pgrealtime/pgrealtime/pkg/fixgres"
	"github.com/pgrealtime/pgrealtime/pkg/migrations"
	"github.com/pgrealtime/pgrealtime/pkg/seed"
)

type testUser struct {
	ID    int64  `db:"id,pk,autoinc" faker:"-"`
	Email string `db:"email"         faker:"email"`
	Name  string `db:"name"          faker:"name"`
}

func TestMain(m *testing.M) {
	fixgres.BootOnce(&testing.T{}, fixgres.WithGooseUp(migrations.FS))
	code := m.Run()
	_ = fixgres.ShutdownNow()
	os.Exit(code)
}

func TestSubscriptionRefreshesOnUpdate(t *testing.T) {
	sbx := fixgres.NewSandbox(t)
	ctx := context.Background()

	sys := New(sbx.DB)
	if err := sys.Start(ctx, sbx.DSN); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sys.Shutdown(ctx)

	u := testUser{}
	if err := seed.Generate(sbx.Seed, &u); err != nil {
		t.Fatalf("seed.Generate: %v", err)
	}
	var userID int64
	if err := seed.Insert(ctx, sbx.DB, "users", u, &userID); err != nil {
		t.Fatalf("seed.Insert: %v", err)
	}

	handle, err := sys.Subscribe(ctx, "", sbx.DB, "SELECT id, email, name FROM users WHERE id = $1", SubscribeOptions{
		Args:       []any{userID},
		ThrottleMS: 50,
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	initial := handle.Current()
	if len(initial) != 1 {
		t.Fatalf("expected 1 row initially, got %d", len(initial))
	}
	if got := asString(initial[0]["name"]); got != u.Name {
		t.Fatalf("initial name = %q, want %q", got, u.Name)
	}

	changed := make(chan struct{}, 1)
	handle.Watch("test", func(old, new []map[string]any) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	if _, err := sbx.DB.ExecContext(ctx, "UPDATE users SET name = $1 WHERE id = $2", "Ada Updated", userID); err != nil {
		t.Fatalf("update: %v", err)
	}

	select {
	case <-changed:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for subscription to refresh after update")
	}

	got := handle.Current()
	if len(got) != 1 {
		t.Fatalf("expected 1 row after update, got %d", len(got))
	}
	if name := asString(got[0]["name"]); name != "Ada Updated" {
		t.Fatalf("name after update = %q, want %q", name, "Ada Updated")
	}

	sys.Unsubscribe(handle.ID())
}

func TestSubscriptionIgnoresUntrackedColumn(t *testing.T) {
	sbx := fixgres.NewSandbox(t)
	ctx := context.Background()

	sys := New(sbx.DB)
	if err := sys.Start(ctx, sbx.DSN); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sys.Shutdown(ctx)

	u := testUser{}
	if err := seed.Generate(sbx.Seed+1, &u); err != nil {
		t.Fatalf("seed.Generate: %v", err)
	}
	var userID int64
	if err := seed.Insert(ctx, sbx.DB, "users", u, &userID); err != nil {
		t.Fatalf("seed.Insert: %v", err)
	}

	handle, err := sys.Subscribe(ctx, "", sbx.DB, "SELECT id, name FROM users WHERE id = $1", SubscribeOptions{
		Args:       []any{userID},
		ThrottleMS: 50,
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	changed := make(chan struct{}, 1)
	handle.Watch("test", func(old, new []map[string]any) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	if _, err := sbx.DB.ExecContext(ctx, "UPDATE users SET email = $1 WHERE id = $2", "other@example.com", userID); err != nil {
		t.Fatalf("update: %v", err)
	}

	select {
	case <-changed:
		t.Fatal("subscription refreshed on a column it doesn't read")
	case <-time.After(1 * time.Second):
	}

	sys.Unsubscribe(handle.ID())
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return ""
	}
}
