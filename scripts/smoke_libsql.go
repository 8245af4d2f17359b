//go:build integration
// +build integration

package scripts

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ZanzyTHEbar/llamachat/llamachat/db"
	"github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness/adapters"
	ports "github.com/ZanzyTHEbar/llamachat/llamachat/generation/harness/ports"
)

// RunSmokeLibSQL opens a fresh conversation database in dir and drives the
// store through a short conversation.
func RunSmokeLibSQL(dir string) error {
	ctx := context.Background()
	fmt.Println("Smoke test: embedded libsql conversation store")

	conn, err := db.Open(ctx, filepath.Join(dir, "smoke.db"))
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer conn.Close()

	var v int
	if err := conn.QueryRow("SELECT 1").Scan(&v); err != nil || v != 1 {
		return fmt.Errorf("basic SELECT returned %d: %v", v, err)
	}
	fmt.Println("OK: basic SQL")

	var obj string
	if err := conn.QueryRow(`SELECT json_object('role', 'user')`).Scan(&obj); err != nil {
		return fmt.Errorf("json1: %w", err)
	}
	fmt.Println("OK: JSON1", obj)

	store := adapters.NewLibSQLConversationStore(conn, ports.Retention{Window: 4})
	if _, err := store.Ensure(ctx, "smoke", "none"); err != nil {
		return fmt.Errorf("ensure: %w", err)
	}

	start := time.Now()
	for i := range 10 {
		err := store.Append(ctx, "smoke",
			ports.Turn{Role: ports.RoleUser, Content: fmt.Sprintf("question %d", i)},
			ports.Turn{Role: ports.RoleAssistant, Content: fmt.Sprintf("answer %d", i)},
		)
		if err != nil {
			return fmt.Errorf("append %d: %w", i, err)
		}
	}
	fmt.Printf("OK: 20 turns appended in %s\n", time.Since(start))

	turns, err := store.Export(ctx, "smoke")
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if len(turns) != 4 || turns[3].Content != "answer 9" {
		return fmt.Errorf("retention kept %d turns, last %q", len(turns), turns[len(turns)-1].Content)
	}
	fmt.Println("OK: retention window applied")
	return nil
}
