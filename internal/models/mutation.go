package models

import "time"

// MutationKind selects the handler for a queued mutation record. The set is
// closed: every kind is bound to exactly one registered handler.
type MutationKind string

const (
	// MutationKindRegionalTeamRound advances the team phase of a regional
	// competition to its next round.
	MutationKindRegionalTeamRound MutationKind = "REGIONAL_TEAM_ROUND"
)

// Mutation is one durable "please perform operation X" record. Producers
// append records and never touch them again; the worker exclusively owns the
// processed flag. Processed records are retained as an audit trail.
//
// The record carries a reference to the business object it concerns, never a
// snapshot of mutable state: handlers re-read current state when they run.
type Mutation struct {
	ID            int64        `db:"id" json:"id"`
	CreatedAt     time.Time    `db:"created_at" json:"createdAt"`
	Kind          MutationKind `db:"kind" json:"kind"`
	Processed     bool         `db:"processed" json:"processed"`
	CompetitionID *int64       `db:"competition_id" json:"competitionId,omitempty"`
	CreatedBy     string       `db:"created_by" json:"createdBy"`
}
