// Package session persists the conversation log: the ordered, role-tagged
// messages exchanged with the model, keyed by user identity.
//
// Invariants:
//   - Restore returns messages in the order they were written, and an empty
//     slice for unknown users.
//   - Persist replaces the whole log atomically.
//   - Writes for the same user are serialized within a process.
//
// Usage:
//
//	store, _ := session.NewFileStore("/var/lib/finagent/conversations")
//	_ = store.Append(ctx, "9876543210", session.NewMessage(session.RoleUser, "hello"))
//	history, _ := store.Restore(ctx, "9876543210")
//	_ = history
package session
