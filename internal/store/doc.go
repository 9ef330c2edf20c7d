// Package store provides persistent storage for the runtime using SQLite.
//
// # Data Models
//
//   - Context: a conversation with one agent; owns its tasks
//   - Task: status, ordered message history, artifacts, execution steps
//   - Artifact: immutable tool output with ordered parts and a type tag
//   - ExecutionStep: progress entries reported while a task runs
//   - PushConfig: stored push notification target (never delivered here)
//   - AgentDesired: operator intent (enabled/disabled) per agent name
//
// # Cascades
//
// Deleting a context deletes its tasks. Deleting a task deletes its
// messages, artifacts, artifact parts, steps and push config. SQLiteStore
// relies on ON DELETE CASCADE with foreign keys enabled on every pooled
// connection; MockStore removes the same rows by hand.
//
// # SQLite Configuration
//
//	_pragma=foreign_keys(1)
//	_pragma=busy_timeout(5000)
//	_pragma=journal_mode(WAL)   (file databases only)
//
// Schema changes after the initial schema are appended to the migrations
// list and tracked in PRAGMA user_version.
//
// # Error Handling
//
//   - ErrNotFound: task, artifact or push config does not exist
//   - ErrContextNotFound: context id does not resolve
//   - ErrEmptyArtifact: artifact offered without parts
//
// # Testing
//
// Use NewMockStore() for unit tests and NewSQLiteStore(":memory:") for
// integration tests with real SQLite.
package store
