package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sportbond/competition-api/internal/models"
)

// TaskRepository persists operator tasks and resolves club contacts.
type TaskRepository struct {
	db *sqlx.DB
}

// NewTaskRepository constructs the repository.
func NewTaskRepository(db *sqlx.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// ListClubContacts returns the contacts with the given role for a set of
// clubs. Clubs without such a contact are silently absent from the result.
func (r *TaskRepository) ListClubContacts(ctx context.Context, role string, clubNos []int) ([]models.ClubContact, error) {
	if len(clubNos) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT club_no, role, name, email
	FROM club_contacts WHERE role = ? AND club_no IN (?) ORDER BY club_no`, role, clubNos)
	if err != nil {
		return nil, fmt.Errorf("build contacts query: %w", err)
	}
	query = r.db.Rebind(query)
	var contacts []models.ClubContact
	if err := r.db.SelectContext(ctx, &contacts, query, args...); err != nil {
		return nil, fmt.Errorf("list club contacts: %w", err)
	}
	return contacts, nil
}

// CreateTask inserts a new operator task.
func (r *TaskRepository) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO tasks (id, club_no, assigned_to, subject, description, deadline, log, created_at)
	VALUES (:id, :club_no, :assigned_to, :subject, :description, :deadline, :log, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, task); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}
