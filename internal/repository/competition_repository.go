package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/sportbond/competition-api/internal/models"
)

// CompetitionRepository reads the team phase entities of a regional
// competition and writes the pieces the round allocator owns: the per-round
// team snapshots, the per-athlete round start averages and the round marker.
type CompetitionRepository struct {
	db *sqlx.DB
}

// NewCompetitionRepository constructs the repository.
func NewCompetitionRepository(db *sqlx.DB) *CompetitionRepository {
	return &CompetitionRepository{db: db}
}

// GetCompetition fetches one regional competition.
func (r *CompetitionRepository) GetCompetition(ctx context.Context, id int64) (*models.RegionalCompetition, error) {
	const query = `SELECT id, description, current_team_round, fixed_rosters, team_phase
	FROM regional_competitions WHERE id = $1`
	var comp models.RegionalCompetition
	if err := r.db.GetContext(ctx, &comp, query, id); err != nil {
		return nil, err
	}
	return &comp, nil
}

// AdvanceTeamRound moves the round marker from fromRound to toRound. The
// compare on the current value guards against a concurrent advance: when the
// marker already moved no row matches and sql.ErrNoRows is returned.
func (r *CompetitionRepository) AdvanceTeamRound(ctx context.Context, id int64, fromRound, toRound int) error {
	const query = `UPDATE regional_competitions SET current_team_round = $3
	WHERE id = $1 AND current_team_round = $2`
	result, err := r.db.ExecContext(ctx, query, id, fromRound, toRound)
	if err != nil {
		return fmt.Errorf("advance team round: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check advance rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListTeamTypes returns all team types with their compatible bow types.
func (r *CompetitionRepository) ListTeamTypes(ctx context.Context) ([]models.TeamType, error) {
	const query = `SELECT tt.code, tt.name, ARRAY_AGG(tb.bow_type ORDER BY tb.bow_type) AS bow_types
	FROM team_types tt
	JOIN team_type_bow_types tb ON tb.team_type_code = tt.code
	GROUP BY tt.code, tt.name
	ORDER BY tt.code`
	var types []models.TeamType
	if err := r.db.SelectContext(ctx, &types, query); err != nil {
		return nil, fmt.Errorf("list team types: %w", err)
	}
	return types, nil
}

// CountTeams returns the number of registered teams in a competition.
func (r *CompetitionRepository) CountTeams(ctx context.Context, competitionID int64) (int, error) {
	const query = `SELECT COUNT(*) FROM teams WHERE competition_id = $1`
	var count int
	if err := r.db.GetContext(ctx, &count, query, competitionID); err != nil {
		return 0, fmt.Errorf("count teams: %w", err)
	}
	return count, nil
}

// RoundTeamScores reports how many round snapshots exist for a round and how
// many of them carry a non-zero team score.
func (r *CompetitionRepository) RoundTeamScores(ctx context.Context, competitionID int64, roundNumber int) (total, scored int, err error) {
	const query = `SELECT COUNT(*), COUNT(*) FILTER (WHERE rt.team_score > 0)
	FROM round_teams rt
	JOIN teams t ON t.id = rt.team_id
	WHERE t.competition_id = $1 AND rt.round_number = $2`
	if err := r.db.QueryRowContext(ctx, query, competitionID, roundNumber).Scan(&total, &scored); err != nil {
		return 0, 0, fmt.Errorf("round team scores: %w", err)
	}
	return total, scored, nil
}

// ListTeamEntries returns all athletes of a competition that opted into team
// play, in a stable order.
func (r *CompetitionRepository) ListTeamEntries(ctx context.Context, competitionID int64) ([]models.TeamEntry, error) {
	const query = `SELECT id, competition_id, club_no, athlete_name, bow_type,
	       team_average, rolling_average, score_count, opt_in_team, round_start_average
	FROM team_entries
	WHERE competition_id = $1 AND opt_in_team = TRUE
	ORDER BY id`
	var entries []models.TeamEntry
	if err := r.db.SelectContext(ctx, &entries, query, competitionID); err != nil {
		return nil, fmt.Errorf("list team entries: %w", err)
	}
	return entries, nil
}

// ListEntriesByIDs fetches specific entries, e.g. the fixed members of a team.
func (r *CompetitionRepository) ListEntriesByIDs(ctx context.Context, ids []int64) ([]models.TeamEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT id, competition_id, club_no, athlete_name, bow_type,
	       team_average, rolling_average, score_count, opt_in_team, round_start_average
	FROM team_entries WHERE id IN (?) ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("build entries query: %w", err)
	}
	query = r.db.Rebind(query)
	var entries []models.TeamEntry
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("list entries by id: %w", err)
	}
	return entries, nil
}

// UpdateRoundStartAverage persists the standing an athlete carries into the
// new round. Written for every opted-in athlete regardless of selection.
func (r *CompetitionRepository) UpdateRoundStartAverage(ctx context.Context, entryID int64, average float64) error {
	const query = `UPDATE team_entries SET round_start_average = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, entryID, average); err != nil {
		return fmt.Errorf("update round start average: %w", err)
	}
	return nil
}

// ListTeamsByType returns the teams of one type in a competition, strongest
// registration seeding first. A club may field more than one team of a type.
func (r *CompetitionRepository) ListTeamsByType(ctx context.Context, competitionID int64, teamType string) ([]models.Team, error) {
	const query = `SELECT id, competition_id, club_no, team_type, name, seeding
	FROM teams
	WHERE competition_id = $1 AND team_type = $2
	ORDER BY seeding DESC, id`
	var teams []models.Team
	if err := r.db.SelectContext(ctx, &teams, query, competitionID, teamType); err != nil {
		return nil, fmt.Errorf("list teams by type: %w", err)
	}
	return teams, nil
}

// ListTeamMemberIDs returns the originally registered members of a team,
// used for competitions with fixed rosters.
func (r *CompetitionRepository) ListTeamMemberIDs(ctx context.Context, teamID int64) ([]int64, error) {
	const query = `SELECT entry_id FROM team_members WHERE team_id = $1 ORDER BY entry_id`
	var ids []int64
	if err := r.db.SelectContext(ctx, &ids, query, teamID); err != nil {
		return nil, fmt.Errorf("list team members: %w", err)
	}
	return ids, nil
}

// DeleteRoundTeams removes stale snapshots for a round number, left behind by
// a previous partial advance or a round rollback. Member rows cascade.
func (r *CompetitionRepository) DeleteRoundTeams(ctx context.Context, competitionID int64, roundNumber int) (int64, error) {
	const query = `DELETE FROM round_teams
	WHERE round_number = $2
	  AND team_id IN (SELECT id FROM teams WHERE competition_id = $1)`
	result, err := r.db.ExecContext(ctx, query, competitionID, roundNumber)
	if err != nil {
		return 0, fmt.Errorf("delete round teams: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check delete rows: %w", err)
	}
	return rows, nil
}

// CreateRoundTeam inserts one round snapshot with its selected and actual
// member lists (equal at creation time).
func (r *CompetitionRepository) CreateRoundTeam(ctx context.Context, roundTeam *models.RoundTeam) error {
	const query = `INSERT INTO round_teams (team_id, round_number, team_score, log)
	VALUES ($1, $2, $3, $4)
	RETURNING id`
	if err := r.db.QueryRowxContext(ctx, query,
		roundTeam.TeamID, roundTeam.RoundNumber, roundTeam.TeamScore, roundTeam.Log).Scan(&roundTeam.ID); err != nil {
		return fmt.Errorf("create round team: %w", err)
	}
	if err := r.insertRoundTeamMembers(ctx, roundTeam.ID, "selected", roundTeam.SelectedIDs); err != nil {
		return err
	}
	return r.insertRoundTeamMembers(ctx, roundTeam.ID, "actual", roundTeam.ActualIDs)
}

func (r *CompetitionRepository) insertRoundTeamMembers(ctx context.Context, roundTeamID int64, role string, entryIDs []int64) error {
	const query = `INSERT INTO round_team_members (round_team_id, entry_id, role) VALUES ($1, $2, $3)`
	for _, entryID := range entryIDs {
		if _, err := r.db.ExecContext(ctx, query, roundTeamID, entryID, role); err != nil {
			return fmt.Errorf("insert round team member: %w", err)
		}
	}
	return nil
}

