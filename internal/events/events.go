// Package events is the typed catalog of event kinds and payload shapes
// emitted onto the eventbus.Bus (§6). It exists so producers (reconcile,
// lifecycle) and consumers (the CLI, the dashboard) agree on shape without
// importing each other.
package events

import (
	"time"

	"github.com/renxida/opus-orchestra-sub001/internal/eventbus"
	"github.com/renxida/opus-orchestra-sub001/internal/worker"
)

// Worker lifecycle and reconciliation events.
const (
	WorkerCreated          eventbus.Kind = "worker:created"
	WorkerDeleted          eventbus.Kind = "worker:deleted"
	WorkerRenamed          eventbus.Kind = "worker:renamed"
	WorkerStatusChanged    eventbus.Kind = "worker:status_changed"
	WorkerTodosChanged     eventbus.Kind = "worker:todos_changed"
	WorkerDiffStatsChanged eventbus.Kind = "worker:diff_stats_changed"
	WorkerTerminalCreated  eventbus.Kind = "worker:terminal_created"
	WorkerTerminalClosed   eventbus.Kind = "worker:terminal_closed"
	ApprovalPending        eventbus.Kind = "approval:pending"
	ApprovalResolved       eventbus.Kind = "approval:resolved"
	ErrorRecoverable       eventbus.Kind = eventbus.ErrorRecoverableKind
	ErrorFatal             eventbus.Kind = "error:fatal"
)

// Created is the payload for WorkerCreated.
type Created struct {
	Worker worker.Worker
}

// Deleted is the payload for WorkerDeleted.
type Deleted struct {
	WorkerID int
}

// Renamed is the payload for WorkerRenamed.
type Renamed struct {
	Worker       worker.Worker
	PreviousName string
}

// StatusChanged is the payload for WorkerStatusChanged.
type StatusChanged struct {
	Worker         worker.Worker
	PreviousStatus worker.Status
}

// TodosChanged is the payload for WorkerTodosChanged.
type TodosChanged struct {
	Worker        worker.Worker
	PreviousTodos []worker.Todo
}

// DiffStatsChanged is the payload for WorkerDiffStatsChanged.
type DiffStatsChanged struct {
	Worker            worker.Worker
	PreviousDiffStats worker.DiffStats
}

// TerminalCreated is the payload for WorkerTerminalCreated.
type TerminalCreated struct {
	Worker worker.Worker
	IsNew  bool
}

// TerminalClosed is the payload for WorkerTerminalClosed.
type TerminalClosed struct {
	WorkerID int
}

// Approval describes one pending approval request.
type Approval struct {
	WorkerID    int
	Description string
	Timestamp   time.Time
}

// ApprovalPendingPayload is the payload for ApprovalPending.
type ApprovalPendingPayload struct {
	Approval Approval
}

// ApprovalResolvedPayload is the payload for ApprovalResolved.
type ApprovalResolvedPayload struct {
	WorkerID int
}

// Fatal is the payload for ErrorFatal: a degraded-orchestrator condition
// that stops polling. UserMessage is prepared to be safe to show end users.
type Fatal struct {
	Source      string
	Code        string
	Message     string
	UserMessage string
	Context     map[string]any
}
