package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sportbond/competition-api/internal/models"
)

const taskDeadlineDays = 5

type teamRoundStore interface {
	GetCompetition(ctx context.Context, id int64) (*models.RegionalCompetition, error)
	AdvanceTeamRound(ctx context.Context, id int64, fromRound, toRound int) error
	ListTeamTypes(ctx context.Context) ([]models.TeamType, error)
	CountTeams(ctx context.Context, competitionID int64) (int, error)
	RoundTeamScores(ctx context.Context, competitionID int64, roundNumber int) (total, scored int, err error)
	ListTeamEntries(ctx context.Context, competitionID int64) ([]models.TeamEntry, error)
	ListEntriesByIDs(ctx context.Context, ids []int64) ([]models.TeamEntry, error)
	UpdateRoundStartAverage(ctx context.Context, entryID int64, average float64) error
	ListTeamsByType(ctx context.Context, competitionID int64, teamType string) ([]models.Team, error)
	ListTeamMemberIDs(ctx context.Context, teamID int64) ([]int64, error)
	DeleteRoundTeams(ctx context.Context, competitionID int64, roundNumber int) (int64, error)
	CreateRoundTeam(ctx context.Context, roundTeam *models.RoundTeam) error
}

type taskCreator interface {
	ListClubContacts(ctx context.Context, role string, clubNos []int) ([]models.ClubContact, error)
	CreateTask(ctx context.Context, task *models.Task) error
}

// TeamRoundService advances the team phase of a regional competition to its
// next round: it recomputes each athlete's standing, reassigns the four
// scoring athletes per team, writes the round snapshots and finally moves the
// round marker. Registered with the mutation worker, which guarantees no two
// advances run concurrently.
type TeamRoundService struct {
	store  teamRoundStore
	tasks  taskCreator
	logger *zap.Logger
	now    func() time.Time
}

// TeamRoundServiceOption configures the service.
type TeamRoundServiceOption func(*TeamRoundService)

// WithTeamRoundClock overrides the clock, for tests.
func WithTeamRoundClock(now func() time.Time) TeamRoundServiceOption {
	return func(s *TeamRoundService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewTeamRoundService wires the allocator.
func NewTeamRoundService(store teamRoundStore, tasks taskCreator, logger *zap.Logger, opts ...TeamRoundServiceOption) *TeamRoundService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &TeamRoundService{
		store:  store,
		tasks:  tasks,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Kind implements MutationHandler.
func (s *TeamRoundService) Kind() models.MutationKind {
	return models.MutationKindRegionalTeamRound
}

// Process implements MutationHandler.
func (s *TeamRoundService) Process(ctx context.Context, mutation *models.Mutation) (HandlerOutcome, error) {
	if mutation.CompetitionID == nil {
		return Skipped("mutation has no competition reference"), nil
	}
	comp, err := s.store.GetCompetition(ctx, *mutation.CompetitionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Skipped(fmt.Sprintf("competition %d not found", *mutation.CompetitionID)), nil
		}
		return HandlerOutcome{}, fmt.Errorf("load competition: %w", err)
	}
	return s.advance(ctx, comp)
}

func (s *TeamRoundService) advance(ctx context.Context, comp *models.RegionalCompetition) (HandlerOutcome, error) {
	if comp.CurrentTeamRound > models.TeamRoundFinal {
		// team phase already closed; duplicate advance is a no-op
		return Done(), nil
	}

	if comp.CurrentTeamRound == models.TeamRoundFinal {
		// closing the last round: only the marker moves, no rosters
		if err := s.store.AdvanceTeamRound(ctx, comp.ID, models.TeamRoundFinal, models.TeamRoundClosed); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return Skipped("team phase closed concurrently"), nil
			}
			return HandlerOutcome{}, fmt.Errorf("close team phase: %w", err)
		}
		s.logger.Info("team phase closed", zap.Int64("competition_id", comp.ID))
		return Done(), nil
	}

	roundNumber := comp.CurrentTeamRound + 1

	if roundNumber == 1 {
		count, err := s.store.CountTeams(ctx, comp.ID)
		if err != nil {
			return HandlerOutcome{}, fmt.Errorf("count teams: %w", err)
		}
		if count == 0 {
			return Skipped("no teams registered"), nil
		}
	} else {
		total, scored, err := s.store.RoundTeamScores(ctx, comp.ID, comp.CurrentTeamRound)
		if err != nil {
			return HandlerOutcome{}, fmt.Errorf("round team scores: %w", err)
		}
		if total == 0 {
			return Skipped(fmt.Sprintf("no round teams for round %d", comp.CurrentTeamRound)), nil
		}
		if scored == 0 {
			// nobody scored yet; advancing now would select on meaningless standings
			return Skipped("all team scores are zero"), nil
		}
	}

	order, allowed, err := s.eligibility(ctx)
	if err != nil {
		return HandlerOutcome{}, err
	}

	pools, names, err := s.buildClubPools(ctx, comp, roundNumber)
	if err != nil {
		return HandlerOutcome{}, err
	}

	stamp := s.now().Format("2006-01-02 15:04")

	deleted, err := s.store.DeleteRoundTeams(ctx, comp.ID, roundNumber)
	if err != nil {
		return HandlerOutcome{}, err
	}
	if deleted > 0 {
		s.logger.Info("removed stale round snapshots",
			zap.Int64("competition_id", comp.ID),
			zap.Int("round", roundNumber),
			zap.Int64("count", deleted))
	}

	var clubNos []int
	seenClubs := make(map[int]bool)

	for _, teamTypeCode := range order {
		teams, err := s.store.ListTeamsByType(ctx, comp.ID, teamTypeCode)
		if err != nil {
			return HandlerOutcome{}, err
		}
		for _, team := range teams {
			memberIDs, err := s.rosterForTeam(ctx, comp, team, pools, allowed[teamTypeCode])
			if err != nil {
				return HandlerOutcome{}, err
			}

			logText, err := s.rosterLog(ctx, stamp, roundNumber, memberIDs, names)
			if err != nil {
				return HandlerOutcome{}, err
			}

			roundTeam := &models.RoundTeam{
				TeamID:      team.ID,
				RoundNumber: roundNumber,
				SelectedIDs: memberIDs,
				ActualIDs:   memberIDs,
				Log:         logText,
			}
			if err := s.store.CreateRoundTeam(ctx, roundTeam); err != nil {
				return HandlerOutcome{}, err
			}

			if !seenClubs[team.ClubNo] {
				seenClubs[team.ClubNo] = true
				clubNos = append(clubNos, team.ClubNo)
			}
		}
	}

	// the marker moves last; any failure above leaves the round unchanged
	// and the mutation retried, with stale snapshots cleaned on the rerun
	if err := s.store.AdvanceTeamRound(ctx, comp.ID, comp.CurrentTeamRound, roundNumber); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Skipped("round advanced concurrently"), nil
		}
		return HandlerOutcome{}, fmt.Errorf("advance team round: %w", err)
	}

	s.logger.Info("team round advanced",
		zap.Int64("competition_id", comp.ID),
		zap.Int("round", roundNumber))

	s.notifyClubs(ctx, comp, roundNumber, clubNos)

	return Done(), nil
}

// eligibility loads the team types and orders them by the size of their
// compatible bow type set, narrowest first. A bow type legal in only one
// team type must reach that team before broader bow types consume the open
// slots, or the narrow team could end up unfillable.
func (s *TeamRoundService) eligibility(ctx context.Context) ([]string, map[string]map[string]bool, error) {
	types, err := s.store.ListTeamTypes(ctx)
	if err != nil {
		return nil, nil, err
	}

	allowed := make(map[string]map[string]bool, len(types))
	order := make([]string, 0, len(types))
	for _, teamType := range types {
		set := make(map[string]bool, len(teamType.BowTypes))
		for _, bowType := range teamType.BowTypes {
			set[bowType] = true
		}
		allowed[teamType.Code] = set
		order = append(order, teamType.Code)
	}

	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if len(allowed[a]) != len(allowed[b]) {
			return len(allowed[a]) < len(allowed[b])
		}
		return a < b
	})

	return order, allowed, nil
}

type roundCandidate struct {
	entryID int64
	bowType string
	average float64
}

// buildClubPools computes every opted-in athlete's standing for the new
// round, persists it, and groups the candidates per club, best first. The
// standing is written for every athlete, selected or not, because downstream
// reports and the next advance read it.
func (s *TeamRoundService) buildClubPools(ctx context.Context, comp *models.RegionalCompetition, roundNumber int) (map[int][]roundCandidate, map[int64]string, error) {
	entries, err := s.store.ListTeamEntries(ctx, comp.ID)
	if err != nil {
		return nil, nil, err
	}

	pools := make(map[int][]roundCandidate)
	names := make(map[int64]string, len(entries))
	for _, entry := range entries {
		average := entry.RollingAverage
		if roundNumber == 1 || entry.ScoreCount == 0 {
			// no individual results yet: fall back to the registered average
			average = entry.TeamAverage
		}
		average = roundAverage(average)

		if err := s.store.UpdateRoundStartAverage(ctx, entry.ID, average); err != nil {
			return nil, nil, err
		}

		names[entry.ID] = entry.AthleteName
		pools[entry.ClubNo] = append(pools[entry.ClubNo], roundCandidate{
			entryID: entry.ID,
			bowType: entry.BowType,
			average: average,
		})
	}

	for _, pool := range pools {
		sort.Slice(pool, func(i, j int) bool {
			if pool[i].average != pool[j].average {
				return pool[i].average > pool[j].average
			}
			return pool[i].entryID < pool[j].entryID
		})
	}

	return pools, names, nil
}

// rosterForTeam picks the round roster for one team. Fixed-roster
// competitions carry the registered members forward; progressive
// competitions take the next four eligible candidates from the club pool.
// Fewer than four is allowed and never blocks the advance.
func (s *TeamRoundService) rosterForTeam(ctx context.Context, comp *models.RegionalCompetition, team models.Team, pools map[int][]roundCandidate, allowed map[string]bool) ([]int64, error) {
	if comp.FixedRosters {
		return s.store.ListTeamMemberIDs(ctx, team.ID)
	}

	pool := pools[team.ClubNo]
	selected := make([]int64, 0, models.TeamRosterSize)
	rest := make([]roundCandidate, 0, len(pool))
	for _, candidate := range pool {
		if len(selected) < models.TeamRosterSize && allowed[candidate.bowType] {
			selected = append(selected, candidate.entryID)
			continue
		}
		rest = append(rest, candidate)
	}
	pools[team.ClubNo] = rest

	return selected, nil
}

func (s *TeamRoundService) rosterLog(ctx context.Context, stamp string, roundNumber int, memberIDs []int64, names map[int64]string) (string, error) {
	var missing []int64
	for _, id := range memberIDs {
		if _, ok := names[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		entries, err := s.store.ListEntriesByIDs(ctx, missing)
		if err != nil {
			return "", err
		}
		for _, entry := range entries {
			names[entry.ID] = entry.AthleteName
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] Created at start of round %d\n", stamp, roundNumber)
	fmt.Fprintf(&b, "[%s] Selected athletes:\n", stamp)
	for _, id := range memberIDs {
		fmt.Fprintf(&b, "   %s\n", names[id])
	}
	return b.String(), nil
}

// notifyClubs creates one operator task per club that owns a team, prompting
// the team manager to link substitutes. Failures are logged and swallowed: a
// lost task delays a convenience prompt, never competition state.
func (s *TeamRoundService) notifyClubs(ctx context.Context, comp *models.RegionalCompetition, roundNumber int, clubNos []int) {
	if len(clubNos) == 0 {
		return
	}
	if comp.TeamPhase > models.TeamPhaseCutoff {
		// results are being finalised; no more roster prompts
		return
	}

	contacts, err := s.tasks.ListClubContacts(ctx, models.ContactRoleTeamManager, clubNos)
	if err != nil {
		s.logger.Warn("club contacts not resolved", zap.Error(err))
		return
	}

	now := s.now()
	stamp := now.Format("2006-01-02 15:04")
	subject := fmt.Sprintf("Link substitutes %s round %d", comp.Description, roundNumber)
	description := fmt.Sprintf(
		"The team competition of the %s has just advanced to round %d.\nAs team manager you can now link substitutes for each of your club's teams.",
		comp.Description, roundNumber)

	for _, contact := range contacts {
		task := &models.Task{
			ClubNo:      contact.ClubNo,
			AssignedTo:  contact.Email,
			Subject:     subject,
			Description: description,
			Deadline:    now.AddDate(0, 0, taskDeadlineDays),
			Log:         fmt.Sprintf("[%s] Task created", stamp),
		}
		if err := s.tasks.CreateTask(ctx, task); err != nil {
			s.logger.Warn("task not created",
				zap.Int("club_no", contact.ClubNo),
				zap.Error(err))
		}
	}
}

func roundAverage(value float64) float64 {
	return math.Round(value*1000) / 1000
}
