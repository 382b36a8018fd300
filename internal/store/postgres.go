package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicate is returned when a unique constraint rejects a write
// (category names, account emails).
var ErrDuplicate = errors.New("duplicate value")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Users ──

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, phone, password_hash, role, is_active, is_verified, otp_hash, otp_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, user.ID, user.Name, user.Email, user.Phone, user.PasswordHash, user.Role, user.IsActive, user.IsVerified, user.OTPHash, user.OTPExpiresAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("email %s: %w", user.Email, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

const userColumns = `id, name, email, phone, password_hash, role, is_active, is_verified, COALESCE(otp_hash, ''), otp_expires_at, COALESCE(profile_picture, ''), created_at, updated_at`

func (s *PostgresStore) scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Name, &user.Email, &user.Phone, &user.PasswordHash,
		&user.Role, &user.IsActive, &user.IsVerified, &user.OTPHash, &user.OTPExpiresAt,
		&user.ProfilePicture, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email)=LOWER($1)`, email)
	return s.scanUser(row)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id)
	return s.scanUser(row)
}

func (s *PostgresStore) SetUserOTP(ctx context.Context, userID, otpHash string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET otp_hash=$2, otp_expires_at=$3, updated_at=NOW() WHERE id=$1
	`, userID, otpHash, expiresAt)
	if err != nil {
		return fmt.Errorf("set otp: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkUserVerified(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET is_verified=TRUE, otp_hash=NULL, otp_expires_at=NULL, updated_at=NOW() WHERE id=$1
	`, userID)
	if err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, email, phone, role, is_active, is_verified, COALESCE(profile_picture, ''), created_at
		FROM users ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Name, &user.Email, &user.Phone, &user.Role,
			&user.IsActive, &user.IsVerified, &user.ProfilePicture, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStore) DeleteUser(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserRole(ctx context.Context, id, role string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET role=$2, updated_at=NOW() WHERE id=$1`, id, role)
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserStatus(ctx context.Context, id string, isActive bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET is_active=$2, updated_at=NOW() WHERE id=$1`, id, isActive)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateUserProfile overwrites the caller-editable fields. profilePicture
// is only replaced when a new upload produced a key (nil keeps the old one).
func (s *PostgresStore) UpdateUserProfile(ctx context.Context, id, name, email, phone string, profilePicture *string) (User, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET name=$2, email=$3, phone=$4,
			profile_picture=COALESCE($5, profile_picture),
			updated_at=NOW()
		WHERE id=$1
	`, id, name, email, phone, profilePicture)
	if isUniqueViolation(err) {
		return User{}, fmt.Errorf("email %s: %w", email, ErrDuplicate)
	}
	if err != nil {
		return User{}, fmt.Errorf("update profile: %w", err)
	}
	return s.GetUserByID(ctx, id)
}

// ── Questions ──

func (s *PostgresStore) InsertQuestion(ctx context.Context, question Question) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO questions (id, question_text, status, author_id)
		VALUES ($1, $2, $3, $4)
	`, question.ID, question.QuestionText, StatusPending, question.AuthorID)
	if err != nil {
		return fmt.Errorf("insert question: %w", err)
	}
	return nil
}

const questionColumns = `
	q.id, q.question_text, q.status, q.author_id, u.name,
	COALESCE(c.name, ''), q.created_at,
	q.answer_text, COALESCE(q.image_path, ''), COALESCE(q.category_id, ''),
	COALESCE(q.answered_by, ''), q.answered_at, COALESCE(q.edited_by, ''), q.edited_at`

const questionJoins = `
	FROM questions q
	JOIN users u ON u.id = q.author_id
	LEFT JOIN categories c ON c.id = q.category_id`

func scanQuestion(scan func(...any) error) (Question, error) {
	var q Question
	var answerText sql.NullString
	var imagePath, categoryID, answeredBy, editedBy string
	var answeredAt, editedAt *time.Time
	err := scan(&q.ID, &q.QuestionText, &q.Status, &q.AuthorID, &q.AuthorName,
		&q.CategoryName, &q.CreatedAt,
		&answerText, &imagePath, &categoryID, &answeredBy, &answeredAt, &editedBy, &editedAt)
	if err != nil {
		return Question{}, err
	}
	if answerText.Valid {
		answer := &Answer{
			RichContent: answerText.String,
			ImagePath:   imagePath,
			CategoryID:  categoryID,
			AnsweredBy:  answeredBy,
			EditedBy:    editedBy,
			EditedAt:    editedAt,
		}
		if answeredAt != nil {
			answer.AnsweredAt = *answeredAt
		}
		q.Answer = answer
	}
	return q, nil
}

func (s *PostgresStore) GetQuestion(ctx context.Context, id string) (Question, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+questionColumns+questionJoins+` WHERE q.id=$1`, id)
	return scanQuestion(row.Scan)
}

func (s *PostgresStore) listQuestions(ctx context.Context, where string, args ...any) ([]Question, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+questionColumns+questionJoins+` `+where+` ORDER BY q.created_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	var questions []Question
	for rows.Next() {
		question, err := scanQuestion(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		questions = append(questions, question)
	}
	return questions, rows.Err()
}

func (s *PostgresStore) ListQuestionsByStatus(ctx context.Context, status string) ([]Question, error) {
	return s.listQuestions(ctx, `WHERE q.status=$1`, status)
}

func (s *PostgresStore) ListQuestionsByAuthor(ctx context.Context, authorID string) ([]Question, error) {
	return s.listQuestions(ctx, `WHERE q.author_id=$1`, authorID)
}

func (s *PostgresStore) ListAnsweredByCategory(ctx context.Context, categoryID string) ([]Question, error) {
	return s.listQuestions(ctx, `WHERE q.status=$1 AND q.category_id=$2`, StatusAnswered, categoryID)
}

// SaveAnswer performs the Pending -> Answered transition. The write is
// guarded on the current status so a racing duplicate submit from another
// session falls through to zero rows.
func (s *PostgresStore) SaveAnswer(ctx context.Context, questionID string, answer Answer) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE questions
		SET status=$2, answer_text=$3, image_path=NULLIF($4, ''), category_id=$5,
			answered_by=$6, answered_at=NOW()
		WHERE id=$1 AND status=$7
	`, questionID, StatusAnswered, answer.RichContent, answer.ImagePath, answer.CategoryID, answer.AnsweredBy, StatusPending)
	if err != nil {
		return fmt.Errorf("save answer: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateAnswer overwrites an existing answer, last write wins. The original
// answerer and timestamp stay; only the edited-by pair moves. A nil
// imagePath keeps the stored image.
func (s *PostgresStore) UpdateAnswer(ctx context.Context, questionID, richContent, categoryID string, imagePath *string, editedBy string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE questions
		SET answer_text=$2, category_id=$3,
			image_path=COALESCE($4, image_path),
			edited_by=$5, edited_at=NOW()
		WHERE id=$1 AND status=$6
	`, questionID, richContent, categoryID, imagePath, editedBy, StatusAnswered)
	if err != nil {
		return fmt.Errorf("update answer: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ── Categories ──

func (s *PostgresStore) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM categories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var categories []Category
	for rows.Next() {
		var category Category
		if err := rows.Scan(&category.ID, &category.Name, &category.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		categories = append(categories, category)
	}
	return categories, rows.Err()
}

func (s *PostgresStore) GetCategory(ctx context.Context, id string) (Category, error) {
	var category Category
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM categories WHERE id=$1`, id).
		Scan(&category.ID, &category.Name, &category.CreatedAt)
	return category, err
}

func (s *PostgresStore) InsertCategory(ctx context.Context, category Category) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (id, name) VALUES ($1, $2)
	`, category.ID, category.Name)
	if isUniqueViolation(err) {
		return fmt.Errorf("category %s: %w", category.Name, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert category: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
