// Package validation governs a task's path from in progress to accepted or
// back to rework.
//
// # States
//
//	pending → assigned → in_progress → under_review → validation_in_progress → accepted
//	                          ↑                                  ↓
//	                          └──────────── needs_work ←─────────┘
//
// needs_work and validation_in_progress may also end in escalated, which
// always spawns a diagnosis task. Any non-terminal state may be cancelled.
//
// # Validators
//
// Entering validation_in_progress asks a ValidatorSpawner for an independent
// validator. The validator must differ from the owner; a spawner that returns
// the owner is rejected with SELF_VALIDATION and the task stays under_review
// until the next sweep retries the spawn.
//
// # Feedback loop
//
// A failing review moves the task to needs_work and delivers the reviewer's
// feedback to the owner through the intervention dispatcher. Two consecutive
// failures spawn a diagnosis task. A failure on the last allowed iteration, or
// a validation that outlives its timeout, escalates the task.
//
// # Concurrency
//
// Transitions of one task are serialized by a per-task lock. Different tasks
// never contend.
package validation
