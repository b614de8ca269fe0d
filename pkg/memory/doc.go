// Package memory stores the per-user context document: a set of named
// sections, each a structured record, that the assistant keeps across
// sessions and injects into its instructions.
//
// Invariants:
//   - Every top-level value of a UserContext is a mapping.
//   - Update validates every section before anything is written, so a
//     rejected update leaves the stored context unchanged.
//   - Each updated section fully replaces the stored one; other sections
//     are preserved.
//   - FileStore serializes writers within one process only; across
//     processes the last writer wins. SQLiteStore and RedisStore run the
//     read-modify-write atomically.
//
// Usage:
//
//	store, _ := memory.NewFileStore("/var/lib/finagent/users")
//	ctxDoc, _ := store.Update(ctx, "9876543210", map[string]any{
//		"goals": map[string]any{"retirement_age": 55},
//	})
//	fmt.Println(memory.Render(ctxDoc))
package memory
