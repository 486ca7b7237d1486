package store

import "time"

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

type Group struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Member is a group membership row joined with user display data. The
// reviewer set is always derived from a fresh read of these rows, never
// cached on a report.
type Member struct {
	GroupID  string
	UserID   string
	Name     string
	Role     string
	JoinedAt time.Time
}

type Report struct {
	ID          string
	GroupID     string
	AuthorID    string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Status      string
	CreatedAt   time.Time
	SubmittedAt *time.Time
	ReviewedAt  *time.Time
}

type Section struct {
	ReportID  string
	Key       string
	Content   string
	UpdatedAt time.Time
}

type Annotation struct {
	ID         string
	ReportID   string
	SectionKey string
	AuthorID   string
	Type       string
	Quote      string
	RangeStart int
	RangeEnd   int
	Content    string
	ParentID   string
	ThreadID   string
	CreatedAt  time.Time
}

// Decision is one user's relationship to a report's review: when they first
// saw it and their current vote. At most one row per (report, user).
type Decision struct {
	ReportID  string
	UserID    string
	SeenAt    *time.Time
	Decision  string
	UpdatedAt time.Time
}
