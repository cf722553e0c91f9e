package service

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sportbond/competition-api/internal/models"
)

type fakeTeamRoundStore struct {
	comp            *models.RegionalCompetition
	teamTypes       []models.TeamType
	teams           []models.Team
	entries         []models.TeamEntry
	memberIDs       map[int64][]int64
	roundTeamTotal  int
	scored          int
	advanceErr      error
	advanceFailures int

	startAverages map[int64]float64
	deletedRounds []int
	roundTeams    []*models.RoundTeam
	advances      [][2]int
	nextSnapshot  int64
}

func (f *fakeTeamRoundStore) GetCompetition(_ context.Context, id int64) (*models.RegionalCompetition, error) {
	if f.comp == nil || f.comp.ID != id {
		return nil, sql.ErrNoRows
	}
	clone := *f.comp
	return &clone, nil
}

func (f *fakeTeamRoundStore) AdvanceTeamRound(_ context.Context, id int64, fromRound, toRound int) error {
	if f.advanceErr != nil {
		return f.advanceErr
	}
	if f.advanceFailures > 0 {
		f.advanceFailures--
		return errors.New("connection reset")
	}
	f.advances = append(f.advances, [2]int{fromRound, toRound})
	f.comp.CurrentTeamRound = toRound
	return nil
}

func (f *fakeTeamRoundStore) ListTeamTypes(_ context.Context) ([]models.TeamType, error) {
	return f.teamTypes, nil
}

func (f *fakeTeamRoundStore) CountTeams(_ context.Context, competitionID int64) (int, error) {
	count := 0
	for _, team := range f.teams {
		if team.CompetitionID == competitionID {
			count++
		}
	}
	return count, nil
}

func (f *fakeTeamRoundStore) RoundTeamScores(_ context.Context, _ int64, _ int) (int, int, error) {
	return f.roundTeamTotal, f.scored, nil
}

func (f *fakeTeamRoundStore) ListTeamEntries(_ context.Context, _ int64) ([]models.TeamEntry, error) {
	return f.entries, nil
}

func (f *fakeTeamRoundStore) ListEntriesByIDs(_ context.Context, ids []int64) ([]models.TeamEntry, error) {
	var out []models.TeamEntry
	for _, entry := range f.entries {
		for _, id := range ids {
			if entry.ID == id {
				out = append(out, entry)
			}
		}
	}
	return out, nil
}

func (f *fakeTeamRoundStore) UpdateRoundStartAverage(_ context.Context, entryID int64, average float64) error {
	if f.startAverages == nil {
		f.startAverages = make(map[int64]float64)
	}
	f.startAverages[entryID] = average
	return nil
}

func (f *fakeTeamRoundStore) ListTeamsByType(_ context.Context, competitionID int64, teamType string) ([]models.Team, error) {
	var out []models.Team
	for _, team := range f.teams {
		if team.CompetitionID == competitionID && team.TeamType == teamType {
			out = append(out, team)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seeding > out[j].Seeding })
	return out, nil
}

func (f *fakeTeamRoundStore) ListTeamMemberIDs(_ context.Context, teamID int64) ([]int64, error) {
	return f.memberIDs[teamID], nil
}

func (f *fakeTeamRoundStore) DeleteRoundTeams(_ context.Context, _ int64, roundNumber int) (int64, error) {
	f.deletedRounds = append(f.deletedRounds, roundNumber)
	var kept []*models.RoundTeam
	var deleted int64
	for _, rt := range f.roundTeams {
		if rt.RoundNumber == roundNumber {
			deleted++
			continue
		}
		kept = append(kept, rt)
	}
	f.roundTeams = kept
	return deleted, nil
}

func (f *fakeTeamRoundStore) CreateRoundTeam(_ context.Context, roundTeam *models.RoundTeam) error {
	f.nextSnapshot++
	roundTeam.ID = f.nextSnapshot
	f.roundTeams = append(f.roundTeams, roundTeam)
	return nil
}

func (f *fakeTeamRoundStore) rosterFor(teamID int64) []int64 {
	for _, rt := range f.roundTeams {
		if rt.TeamID == teamID {
			return rt.SelectedIDs
		}
	}
	return nil
}

type fakeTaskCreator struct {
	contacts []models.ClubContact
	tasks    []*models.Task
}

func (f *fakeTaskCreator) ListClubContacts(_ context.Context, role string, clubNos []int) ([]models.ClubContact, error) {
	var out []models.ClubContact
	for _, contact := range f.contacts {
		if contact.Role != role {
			continue
		}
		for _, no := range clubNos {
			if contact.ClubNo == no {
				out = append(out, contact)
			}
		}
	}
	return out, nil
}

func (f *fakeTaskCreator) CreateTask(_ context.Context, task *models.Task) error {
	f.tasks = append(f.tasks, task)
	return nil
}

var testClock = func() time.Time {
	return time.Date(2026, 2, 3, 14, 30, 0, 0, time.UTC)
}

func newTestTeamRoundService(store *fakeTeamRoundStore, tasks *fakeTaskCreator) *TeamRoundService {
	return NewTeamRoundService(store, tasks, zap.NewNop(), WithTeamRoundClock(testClock))
}

func entry(id int64, clubNo int, name, bowType string, teamAvg, rollingAvg float64, scoreCount int) models.TeamEntry {
	return models.TeamEntry{
		ID:             id,
		CompetitionID:  1,
		ClubNo:         clubNo,
		AthleteName:    name,
		BowType:        bowType,
		TeamAverage:    teamAvg,
		RollingAverage: rollingAvg,
		ScoreCount:     scoreCount,
		OptInTeam:      true,
	}
}

func processTeamRound(t *testing.T, svc *TeamRoundService) HandlerOutcome {
	t.Helper()
	competitionID := int64(1)
	outcome, err := svc.Process(context.Background(), &models.Mutation{
		ID:            10,
		Kind:          models.MutationKindRegionalTeamRound,
		CompetitionID: &competitionID,
	})
	require.NoError(t, err)
	return outcome
}

func TestAdvanceFirstRoundPicksTopFour(t *testing.T) {
	store := &fakeTeamRoundStore{
		comp: &models.RegionalCompetition{ID: 1, Description: "Winter indoor", CurrentTeamRound: 0, TeamPhase: "D"},
		teamTypes: []models.TeamType{
			{Code: "R", Name: "Recurve", BowTypes: []string{"R"}},
		},
		teams: []models.Team{
			{ID: 100, CompetitionID: 1, ClubNo: 1001, TeamType: "R", Name: "Club 1"},
		},
		entries: []models.TeamEntry{
			entry(1, 1001, "Anne", "R", 600, 0, 0),
			entry(2, 1001, "Bert", "R", 590, 0, 0),
			entry(3, 1001, "Cees", "R", 580, 0, 0),
			entry(4, 1001, "Dirk", "R", 570, 0, 0),
			entry(5, 1001, "Eva", "R", 560, 0, 0),
		},
	}
	tasks := &fakeTaskCreator{
		contacts: []models.ClubContact{
			{ClubNo: 1001, Role: models.ContactRoleTeamManager, Name: "Frans", Email: "frans@club1001.nl"},
		},
	}
	svc := newTestTeamRoundService(store, tasks)

	outcome := processTeamRound(t, svc)

	assert.Equal(t, OutcomeDone, outcome.Status)
	assert.Equal(t, [][2]int{{0, 1}}, store.advances)
	assert.Equal(t, []int{1}, store.deletedRounds)

	require.Len(t, store.roundTeams, 1)
	rt := store.roundTeams[0]
	assert.Equal(t, []int64{1, 2, 3, 4}, rt.SelectedIDs)
	assert.Equal(t, rt.SelectedIDs, rt.ActualIDs)
	assert.Equal(t, 1, rt.RoundNumber)
	assert.Equal(t,
		"[2026-02-03 14:30] Created at start of round 1\n"+
			"[2026-02-03 14:30] Selected athletes:\n"+
			"   Anne\n   Bert\n   Cees\n   Dirk\n",
		rt.Log)

	// every opted-in athlete gets a fresh standing, selected or not
	assert.Len(t, store.startAverages, 5)
	assert.Equal(t, 560.0, store.startAverages[5])

	require.Len(t, tasks.tasks, 1)
	task := tasks.tasks[0]
	assert.Equal(t, 1001, task.ClubNo)
	assert.Equal(t, "frans@club1001.nl", task.AssignedTo)
	assert.Equal(t, "Link substitutes Winter indoor round 1", task.Subject)
	assert.Equal(t, testClock().AddDate(0, 0, 5), task.Deadline)
}

func TestAdvanceNarrowTypeGetsItsAthleteFirst(t *testing.T) {
	store := &fakeTeamRoundStore{
		comp: &models.RegionalCompetition{ID: 1, Description: "Winter indoor", CurrentTeamRound: 0, TeamPhase: "D"},
		teamTypes: []models.TeamType{
			// mixed class is listed first but must be filled last
			{Code: "ERE", Name: "Mixed", BowTypes: []string{"R", "C"}},
			{Code: "C", Name: "Compound", BowTypes: []string{"C"}},
		},
		teams: []models.Team{
			{ID: 200, CompetitionID: 1, ClubNo: 1001, TeamType: "ERE", Name: "Club 1 mixed"},
			{ID: 201, CompetitionID: 1, ClubNo: 1001, TeamType: "C", Name: "Club 1 compound"},
		},
		entries: []models.TeamEntry{
			entry(1, 1001, "Anne", "C", 610, 0, 0),
			entry(2, 1001, "Bert", "R", 600, 0, 0),
			entry(3, 1001, "Cees", "R", 590, 0, 0),
			entry(4, 1001, "Dirk", "R", 580, 0, 0),
			entry(5, 1001, "Eva", "R", 570, 0, 0),
		},
	}
	svc := newTestTeamRoundService(store, &fakeTaskCreator{})

	outcome := processTeamRound(t, svc)

	assert.Equal(t, OutcomeDone, outcome.Status)
	// the compound team keeps its only compatible athlete even though the
	// mixed class could also have used her
	assert.Equal(t, []int64{1}, store.rosterFor(201))
	assert.Equal(t, []int64{2, 3, 4, 5}, store.rosterFor(200))
}

func TestAdvanceLaterRoundUsesRollingAverage(t *testing.T) {
	store := &fakeTeamRoundStore{
		comp: &models.RegionalCompetition{ID: 1, Description: "Winter indoor", CurrentTeamRound: 2, TeamPhase: "D"},
		teamTypes: []models.TeamType{
			{Code: "R", Name: "Recurve", BowTypes: []string{"R"}},
		},
		teams: []models.Team{
			{ID: 100, CompetitionID: 1, ClubNo: 1001, TeamType: "R"},
		},
		entries: []models.TeamEntry{
			// rolling form beats the registered average once scores exist
			entry(1, 1001, "Anne", "R", 700, 500, 2),
			entry(2, 1001, "Bert", "R", 400, 650, 2),
			// no results yet: falls back to the registered average
			entry(3, 1001, "Cees", "R", 600, 0, 0),
		},
		roundTeamTotal: 1,
		scored:         1,
	}
	svc := newTestTeamRoundService(store, &fakeTaskCreator{})

	outcome := processTeamRound(t, svc)

	assert.Equal(t, OutcomeDone, outcome.Status)
	require.Len(t, store.roundTeams, 1)
	assert.Equal(t, []int64{2, 3, 1}, store.roundTeams[0].SelectedIDs)
	assert.Equal(t, 500.0, store.startAverages[1])
	assert.Equal(t, 650.0, store.startAverages[2])
	assert.Equal(t, 600.0, store.startAverages[3])
}

func TestAdvanceFirstRoundWithoutTeamsIsSkipped(t *testing.T) {
	store := &fakeTeamRoundStore{
		comp: &models.RegionalCompetition{ID: 1, CurrentTeamRound: 0},
	}
	svc := newTestTeamRoundService(store, &fakeTaskCreator{})

	outcome := processTeamRound(t, svc)

	assert.Equal(t, OutcomeSkipped, outcome.Status)
	assert.Equal(t, "no teams registered", outcome.Reason)
	assert.Empty(t, store.advances)
	assert.Empty(t, store.deletedRounds)
}

func TestAdvanceWithAllZeroScoresIsSkipped(t *testing.T) {
	store := &fakeTeamRoundStore{
		comp:           &models.RegionalCompetition{ID: 1, CurrentTeamRound: 3},
		roundTeamTotal: 6,
		scored:         0,
	}
	svc := newTestTeamRoundService(store, &fakeTaskCreator{})

	outcome := processTeamRound(t, svc)

	assert.Equal(t, OutcomeSkipped, outcome.Status)
	assert.Equal(t, "all team scores are zero", outcome.Reason)
	assert.Empty(t, store.advances)
}

func TestAdvanceWithoutRoundTeamsIsSkipped(t *testing.T) {
	store := &fakeTeamRoundStore{
		comp: &models.RegionalCompetition{ID: 1, CurrentTeamRound: 3},
	}
	svc := newTestTeamRoundService(store, &fakeTaskCreator{})

	outcome := processTeamRound(t, svc)

	assert.Equal(t, OutcomeSkipped, outcome.Status)
	assert.Empty(t, store.advances)
}

func TestAdvanceFinalRoundClosesPhase(t *testing.T) {
	store := &fakeTeamRoundStore{
		comp: &models.RegionalCompetition{ID: 1, CurrentTeamRound: models.TeamRoundFinal},
	}
	svc := newTestTeamRoundService(store, &fakeTaskCreator{})

	outcome := processTeamRound(t, svc)

	assert.Equal(t, OutcomeDone, outcome.Status)
	assert.Equal(t, [][2]int{{7, 99}}, store.advances)
	assert.Empty(t, store.roundTeams)
	assert.Empty(t, store.deletedRounds)
}

func TestAdvanceClosedPhaseIsNoOp(t *testing.T) {
	store := &fakeTeamRoundStore{
		comp: &models.RegionalCompetition{ID: 1, CurrentTeamRound: models.TeamRoundClosed},
	}
	svc := newTestTeamRoundService(store, &fakeTaskCreator{})

	outcome := processTeamRound(t, svc)

	assert.Equal(t, OutcomeDone, outcome.Status)
	assert.Empty(t, store.advances)
	assert.Empty(t, store.roundTeams)
}

func TestAdvanceConcurrentMoveIsSkipped(t *testing.T) {
	store := &fakeTeamRoundStore{
		comp: &models.RegionalCompetition{ID: 1, CurrentTeamRound: 0, TeamPhase: "D"},
		teamTypes: []models.TeamType{
			{Code: "R", BowTypes: []string{"R"}},
		},
		teams: []models.Team{
			{ID: 100, CompetitionID: 1, ClubNo: 1001, TeamType: "R"},
		},
		entries:    []models.TeamEntry{entry(1, 1001, "Anne", "R", 600, 0, 0)},
		advanceErr: sql.ErrNoRows,
	}
	svc := newTestTeamRoundService(store, &fakeTaskCreator{})

	outcome := processTeamRound(t, svc)

	assert.Equal(t, OutcomeSkipped, outcome.Status)
	assert.Equal(t, "round advanced concurrently", outcome.Reason)
}

func TestAdvanceRerunAfterPartialFailure(t *testing.T) {
	// the marker moves last, so a crash after the snapshot writes leaves the
	// round unchanged and the mutation redelivered; the rerun must converge
	// on the same single snapshot and advance exactly once
	store := &fakeTeamRoundStore{
		comp: &models.RegionalCompetition{ID: 1, Description: "Winter indoor", CurrentTeamRound: 0, TeamPhase: "D"},
		teamTypes: []models.TeamType{
			{Code: "R", Name: "Recurve", BowTypes: []string{"R"}},
		},
		teams: []models.Team{
			{ID: 100, CompetitionID: 1, ClubNo: 1001, TeamType: "R"},
		},
		entries: []models.TeamEntry{
			entry(1, 1001, "Anne", "R", 600, 0, 0),
			entry(2, 1001, "Bert", "R", 590, 0, 0),
			entry(3, 1001, "Cees", "R", 580, 0, 0),
			entry(4, 1001, "Dirk", "R", 570, 0, 0),
		},
		advanceFailures: 1,
	}
	svc := newTestTeamRoundService(store, &fakeTaskCreator{})

	competitionID := int64(1)
	mutation := &models.Mutation{
		ID:            10,
		Kind:          models.MutationKindRegionalTeamRound,
		CompetitionID: &competitionID,
	}

	_, err := svc.Process(context.Background(), mutation)
	require.Error(t, err)
	assert.Equal(t, 0, store.comp.CurrentTeamRound)
	require.Len(t, store.roundTeams, 1, "snapshots were written before the failure")

	outcome, err := svc.Process(context.Background(), mutation)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome.Status)

	assert.Equal(t, 1, store.comp.CurrentTeamRound)
	assert.Equal(t, [][2]int{{0, 1}}, store.advances)
	require.Len(t, store.roundTeams, 1, "the stale snapshot is replaced, not duplicated")
	assert.Equal(t, []int64{1, 2, 3, 4}, store.roundTeams[0].SelectedIDs)
}

func TestAdvanceFixedRostersCarryMembersForward(t *testing.T) {
	store := &fakeTeamRoundStore{
		comp: &models.RegionalCompetition{ID: 1, CurrentTeamRound: 0, FixedRosters: true, TeamPhase: "D"},
		teamTypes: []models.TeamType{
			{Code: "R", BowTypes: []string{"R"}},
		},
		teams: []models.Team{
			{ID: 100, CompetitionID: 1, ClubNo: 1001, TeamType: "R"},
		},
		entries: []models.TeamEntry{
			entry(1, 1001, "Anne", "R", 600, 0, 0),
			entry(2, 1001, "Bert", "R", 590, 0, 0),
			entry(3, 1001, "Cees", "R", 580, 0, 0),
		},
		memberIDs: map[int64][]int64{100: {2, 3}},
	}
	svc := newTestTeamRoundService(store, &fakeTaskCreator{})

	outcome := processTeamRound(t, svc)

	assert.Equal(t, OutcomeDone, outcome.Status)
	assert.Equal(t, []int64{2, 3}, store.rosterFor(100))
	// standings are still refreshed for everyone
	assert.Len(t, store.startAverages, 3)
}

func TestAdvanceLatePhaseSuppressesTasks(t *testing.T) {
	store := &fakeTeamRoundStore{
		comp: &models.RegionalCompetition{ID: 1, Description: "Winter indoor", CurrentTeamRound: 0, TeamPhase: "G"},
		teamTypes: []models.TeamType{
			{Code: "R", BowTypes: []string{"R"}},
		},
		teams: []models.Team{
			{ID: 100, CompetitionID: 1, ClubNo: 1001, TeamType: "R"},
		},
		entries: []models.TeamEntry{entry(1, 1001, "Anne", "R", 600, 0, 0)},
	}
	tasks := &fakeTaskCreator{
		contacts: []models.ClubContact{
			{ClubNo: 1001, Role: models.ContactRoleTeamManager, Email: "frans@club1001.nl"},
		},
	}
	svc := newTestTeamRoundService(store, tasks)

	outcome := processTeamRound(t, svc)

	assert.Equal(t, OutcomeDone, outcome.Status)
	assert.Empty(t, tasks.tasks)
}

func TestProcessWithoutCompetitionIsSkipped(t *testing.T) {
	svc := newTestTeamRoundService(&fakeTeamRoundStore{}, &fakeTaskCreator{})

	outcome, err := svc.Process(context.Background(), &models.Mutation{
		ID:   10,
		Kind: models.MutationKindRegionalTeamRound,
	})

	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome.Status)
}

func TestProcessUnknownCompetitionIsSkipped(t *testing.T) {
	svc := newTestTeamRoundService(&fakeTeamRoundStore{}, &fakeTaskCreator{})

	competitionID := int64(77)
	outcome, err := svc.Process(context.Background(), &models.Mutation{
		ID:            10,
		Kind:          models.MutationKindRegionalTeamRound,
		CompetitionID: &competitionID,
	})

	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome.Status)
	assert.Equal(t, "competition 77 not found", outcome.Reason)
}
