package models

import "time"

// ContactRoleTeamManager is the club contact responsible for team rosters.
const ContactRoleTeamManager = "team_manager"

// ClubContact is a functionary of a club, addressed by operator tasks.
type ClubContact struct {
	ClubNo int    `db:"club_no" json:"clubNo"`
	Role   string `db:"role" json:"role"`
	Name   string `db:"name" json:"name"`
	Email  string `db:"email" json:"email"`
}

// Task is an operator to-do created by the system, e.g. "link substitutes
// for round N". Tasks are a convenience: losing one delays a prompt but
// never competition state.
type Task struct {
	ID          string    `db:"id" json:"id"`
	ClubNo      int       `db:"club_no" json:"clubNo"`
	AssignedTo  string    `db:"assigned_to" json:"assignedTo"`
	Subject     string    `db:"subject" json:"subject"`
	Description string    `db:"description" json:"description"`
	Deadline    time.Time `db:"deadline" json:"deadline"`
	Log         string    `db:"log" json:"log"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}
