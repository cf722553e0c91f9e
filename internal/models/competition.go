package models

import "github.com/lib/pq"

const (
	// TeamRoundFinal is the last played round of the regional team phase.
	TeamRoundFinal = 7
	// TeamRoundClosed signals that the team phase is finished.
	TeamRoundClosed = 99
)

// TeamRosterSize is the number of athletes that score for a team each round.
const TeamRosterSize = 4

// TeamPhaseCutoff is the last sub-phase in which roster changes are still
// expected; past this phase no more operator prompts are sent.
const TeamPhaseCutoff = "F"

// RegionalCompetition is the team phase bookkeeping of one regional
// competition. Owned by the competition subsystem; the allocator only reads
// it and advances CurrentTeamRound.
type RegionalCompetition struct {
	ID               int64  `db:"id" json:"id"`
	Description      string `db:"description" json:"description"`
	CurrentTeamRound int    `db:"current_team_round" json:"currentTeamRound"`
	FixedRosters     bool   `db:"fixed_rosters" json:"fixedRosters"`
	TeamPhase        string `db:"team_phase" json:"teamPhase"`
}

// TeamType is one eligibility class with its set of compatible bow types.
// A narrow type (one compatible bow type) must be filled before broader
// types consume the candidates.
type TeamType struct {
	Code     string         `db:"code" json:"code"`
	Name     string         `db:"name" json:"name"`
	BowTypes pq.StringArray `db:"bow_types" json:"bowTypes"`
}

// TeamEntry is one athlete registered in a regional competition with one bow.
type TeamEntry struct {
	ID             int64   `db:"id" json:"id"`
	CompetitionID  int64   `db:"competition_id" json:"competitionId"`
	ClubNo         int     `db:"club_no" json:"clubNo"`
	AthleteName    string  `db:"athlete_name" json:"athleteName"`
	BowType        string  `db:"bow_type" json:"bowType"`
	TeamAverage    float64 `db:"team_average" json:"teamAverage"`
	RollingAverage float64 `db:"rolling_average" json:"rollingAverage"`
	ScoreCount     int     `db:"score_count" json:"scoreCount"`
	OptInTeam      bool    `db:"opt_in_team" json:"optInTeam"`

	// RoundStartAverage is the standing the athlete carried into the current
	// team round. It is rewritten for every opted-in athlete on each advance,
	// selected or not, because downstream reports read it.
	RoundStartAverage float64 `db:"round_start_average" json:"roundStartAverage"`
}

// Team is one registered team of a club in a regional competition.
type Team struct {
	ID            int64   `db:"id" json:"id"`
	CompetitionID int64   `db:"competition_id" json:"competitionId"`
	ClubNo        int     `db:"club_no" json:"clubNo"`
	TeamType      string  `db:"team_type" json:"teamType"`
	Name          string  `db:"name" json:"name"`
	Seeding       float64 `db:"seeding" json:"seeding"`
}

// RoundTeam is the per-round snapshot of one team: the athletes selected at
// the round boundary, the athletes that actually shot (substitutes may be
// linked later), the running team score and an append-only audit log.
type RoundTeam struct {
	ID          int64  `db:"id" json:"id"`
	TeamID      int64  `db:"team_id" json:"teamId"`
	RoundNumber int    `db:"round_number" json:"roundNumber"`
	TeamScore   int    `db:"team_score" json:"teamScore"`
	Log         string `db:"log" json:"log"`

	SelectedIDs []int64 `db:"-" json:"selectedIds"`
	ActualIDs   []int64 `db:"-" json:"actualIds"`
}
