package store

import "time"

const (
	StatusPending  = "Pending"
	StatusAnswered = "Answered"
)

type User struct {
	ID             string
	Name           string
	Email          string
	Phone          string
	PasswordHash   string
	Role           string
	IsActive       bool
	IsVerified     bool
	OTPHash        string
	OTPExpiresAt   *time.Time
	ProfilePicture string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Category struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Answer holds the answered-side fields of a question. RichContent is the
// canonical stored markup; ImagePath is the attached image's relative key,
// distinct from any images inline in the content.
type Answer struct {
	RichContent string
	ImagePath   string
	CategoryID  string
	AnsweredBy  string
	AnsweredAt  time.Time
	EditedBy    string
	EditedAt    *time.Time
}

// Question. Answer is non-nil iff Status is Answered; the schema enforces
// the same with a CHECK constraint.
type Question struct {
	ID           string
	QuestionText string
	Status       string
	AuthorID     string
	AuthorName   string
	CategoryName string
	CreatedAt    time.Time
	Answer       *Answer
}
