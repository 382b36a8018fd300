package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"qarisahab/api/internal/auth"
	"qarisahab/api/internal/authpw"
	"qarisahab/api/internal/config"
	"qarisahab/api/internal/content"
	"qarisahab/api/internal/imageref"
	"qarisahab/api/internal/rbac"
	"qarisahab/api/internal/search"
	"qarisahab/api/internal/session"
	"qarisahab/api/internal/storage"
	"qarisahab/api/internal/store"
	"qarisahab/api/internal/util"
)

// Session is the caller identity restored from an access token. A request
// whose token is missing, invalid, expired, or no longer present in the
// session store carries no session at all.
type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      string
	ExpiresAt time.Time
}

// Upload is an incoming multipart file part.
type Upload struct {
	Reader      io.Reader
	Size        int64
	ContentType string
	Filename    string
}

type dataStore interface {
	CreateUser(ctx context.Context, user store.User) error
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	SetUserOTP(ctx context.Context, userID, otpHash string, expiresAt time.Time) error
	MarkUserVerified(ctx context.Context, userID string) error
	ListUsers(ctx context.Context) ([]store.User, error)
	DeleteUser(ctx context.Context, id string) error
	UpdateUserRole(ctx context.Context, id, role string) error
	UpdateUserStatus(ctx context.Context, id string, isActive bool) error
	UpdateUserProfile(ctx context.Context, id, name, email, phone string, profilePicture *string) (store.User, error)
	InsertQuestion(ctx context.Context, question store.Question) error
	GetQuestion(ctx context.Context, id string) (store.Question, error)
	ListQuestionsByStatus(ctx context.Context, status string) ([]store.Question, error)
	ListQuestionsByAuthor(ctx context.Context, authorID string) ([]store.Question, error)
	ListAnsweredByCategory(ctx context.Context, categoryID string) ([]store.Question, error)
	SaveAnswer(ctx context.Context, questionID string, answer store.Answer) error
	UpdateAnswer(ctx context.Context, questionID, richContent, categoryID string, imagePath *string, editedBy string) error
	ListCategories(ctx context.Context) ([]store.Category, error)
	GetCategory(ctx context.Context, id string) (store.Category, error)
	InsertCategory(ctx context.Context, category store.Category) error
	Ping(ctx context.Context) error
}

type sessionStore interface {
	Establish(ctx context.Context, tokenHash, role string) error
	Restore(ctx context.Context, tokenHash string) session.State
	Clear(ctx context.Context, tokenHash string) error
}

type searcher interface {
	Search(q search.Query) search.Response
	IndexQuestion(rec search.QuestionRecord)
	DeleteQuestion(id string)
}

type objectStore interface {
	SaveUpload(ctx context.Context, reader io.Reader, size int64, contentType, filename string) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, storage.StoredObject, error)
}

type mailer interface {
	IsConfigured() bool
	SendOTP(to, name, otp string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	accounts *authpw.Service
	emails   mailer
	search   searcher
	objects  objectStore
	images   *imageref.Resolver
}

func NewService(cfg config.Config, st dataStore, sessions sessionStore, accounts *authpw.Service, emails mailer, searchSvc searcher, objects objectStore, images *imageref.Resolver) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		sessions: sessions,
		accounts: accounts,
		emails:   emails,
		search:   searchSvc,
		objects:  objects,
		images:   images,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Can is the authoritative permission check consulted before every
// privileged operation.
func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// Register creates an unverified account and mails its OTP. When no mail
// transport is configured the OTP is handed back to the caller instead,
// so local setups can complete verification.
func (s *Service) Register(ctx context.Context, name, email, password, phone string) (map[string]any, error) {
	resp, err := s.accounts.Register(ctx, authpw.RegisterRequest{
		Name:     name,
		Email:    email,
		Password: password,
		Phone:    phone,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
		}
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}

	payload := map[string]any{
		"status":  "success",
		"userId":  resp.UserID,
		"message": "Account created. Check your email for the verification code.",
	}
	if s.emails != nil && s.emails.IsConfigured() {
		if err := s.emails.SendOTP(strings.TrimSpace(strings.ToLower(email)), name, resp.OTP); err != nil {
			log.Printf("app: send otp to %s: %v", email, err)
		}
	} else {
		payload["devOTP"] = resp.OTP
	}
	return payload, nil
}

func (s *Service) VerifyOTP(ctx context.Context, email, otp string) error {
	if err := s.accounts.VerifyOTP(ctx, email, otp); err != nil {
		if errors.Is(err, authpw.ErrInvalidOTP) {
			return domainError(http.StatusBadRequest, "INVALID_OTP", "Invalid or expired verification code", nil)
		}
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusBadRequest, "INVALID_OTP", "Invalid or expired verification code", nil)
		}
		return err
	}
	return nil
}

// Login verifies credentials, issues an access token, and establishes the
// durable session pair. The pair is written before the token is handed out;
// a half-established session never reaches the client.
func (s *Service) Login(ctx context.Context, email, password string) (map[string]any, error) {
	user, err := s.accounts.SignIn(ctx, email, password)
	if err != nil {
		switch {
		case errors.Is(err, authpw.ErrNotVerified):
			return nil, domainError(http.StatusForbidden, "NOT_VERIFIED", "Please verify your email before logging in", nil)
		case errors.Is(err, authpw.ErrDeactivated):
			return nil, domainError(http.StatusForbidden, "DEACTIVATED", "Account is deactivated", nil)
		default:
			return nil, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
		}
	}

	exp := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.Name,
		Role: user.Role,
		Exp:  exp.Unix(),
	})
	if err != nil {
		return nil, err
	}

	if err := s.sessions.Establish(ctx, auth.HashToken(token), user.Role); err != nil {
		return nil, err
	}

	return map[string]any{
		"status": "success",
		"token":  token,
		"data":   map[string]any{"user": s.userPayload(user)},
	}, nil
}

// Logout clears the session pair. A missing or already-cleared token is not
// an error; logout is idempotent.
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.sessions.Clear(ctx, auth.HashToken(token))
}

// SessionFromToken restores the caller's session. The token must both parse
// and still be present in the session store; a lingering role value without
// its token key restores nothing.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	state := s.sessions.Restore(ctx, auth.HashToken(token))
	if !state.Authenticated {
		return Session{}, auth.ErrInvalidToken
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Role:      string(rbac.Normalize(state.Role)),
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Profile(ctx context.Context, sess Session) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "success", "data": map[string]any{"user": s.userPayload(user)}}, nil
}

func (s *Service) UpdateProfile(ctx context.Context, sess Session, name, email, phone string, picture *Upload) (map[string]any, error) {
	var picturePath *string
	if picture != nil {
		key, err := s.saveUpload(ctx, picture)
		if err != nil {
			return nil, err
		}
		picturePath = &key
	}

	user, err := s.store.UpdateUserProfile(ctx, sess.UserID, strings.TrimSpace(name), strings.TrimSpace(strings.ToLower(email)), strings.TrimSpace(phone), picturePath)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
		}
		return nil, err
	}
	return map[string]any{"status": "success", "data": map[string]any{"user": s.userPayload(user)}}, nil
}

func (s *Service) ListUsers(ctx context.Context, sess Session) (map[string]any, error) {
	if !s.Can(sess.Role, rbac.ActionManageUsers) {
		return nil, errForbidden()
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(users))
	for _, u := range users {
		items = append(items, s.userPayload(u))
	}
	return map[string]any{"status": "success", "data": map[string]any{"users": items}}, nil
}

func (s *Service) DeleteUser(ctx context.Context, sess Session, userID string) error {
	if !s.Can(sess.Role, rbac.ActionManageUsers) {
		return errForbidden()
	}
	if userID == sess.UserID {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Cannot delete your own account", nil)
	}

	// Deleting the account cascades its questions away; drop the answered
	// ones from the search index so they stop surfacing in results.
	questions, err := s.store.ListQuestionsByAuthor(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteUser(ctx, userID); err != nil {
		return err
	}
	if s.search != nil {
		for _, q := range questions {
			if q.Status == store.StatusAnswered {
				s.search.DeleteQuestion(q.ID)
			}
		}
	}
	return nil
}

func (s *Service) UpdateUserRole(ctx context.Context, sess Session, userID, role string) error {
	if !s.Can(sess.Role, rbac.ActionManageUsers) {
		return errForbidden()
	}
	if role != string(rbac.RoleUser) && role != string(rbac.RoleAdmin) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Role must be user or admin", nil)
	}
	return s.store.UpdateUserRole(ctx, userID, role)
}

func (s *Service) UpdateUserStatus(ctx context.Context, sess Session, userID string, isActive bool) error {
	if !s.Can(sess.Role, rbac.ActionManageUsers) {
		return errForbidden()
	}
	return s.store.UpdateUserStatus(ctx, userID, isActive)
}

// AskQuestion creates a pending question owned by the caller.
func (s *Service) AskQuestion(ctx context.Context, sess Session, questionText string) (map[string]any, error) {
	if !s.Can(sess.Role, rbac.ActionAskQuestion) {
		return nil, errForbidden()
	}
	questionText = strings.TrimSpace(questionText)
	if questionText == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Question text is required", nil)
	}

	question := store.Question{
		ID:           util.NewID("qst"),
		QuestionText: questionText,
		Status:       store.StatusPending,
		AuthorID:     sess.UserID,
		CreatedAt:    time.Now(),
	}
	if err := s.store.InsertQuestion(ctx, question); err != nil {
		return nil, err
	}
	question.AuthorName = sess.UserName
	return map[string]any{"status": "success", "data": map[string]any{"question": s.questionSummary(question)}}, nil
}

// PendingQuestions is the answering queue.
func (s *Service) PendingQuestions(ctx context.Context, sess Session) (map[string]any, error) {
	if !s.Can(sess.Role, rbac.ActionViewPendingQueue) {
		return nil, errForbidden()
	}
	questions, err := s.store.ListQuestionsByStatus(ctx, store.StatusPending)
	if err != nil {
		return nil, err
	}
	return s.questionListPayload(questions), nil
}

// MyQuestions returns the caller's own questions in every state.
func (s *Service) MyQuestions(ctx context.Context, sess Session) (map[string]any, error) {
	if !s.Can(sess.Role, rbac.ActionViewOwnQuestions) {
		return nil, errForbidden()
	}
	questions, err := s.store.ListQuestionsByAuthor(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	return s.questionListPayload(questions), nil
}

func (s *Service) AnsweredQuestions(ctx context.Context) (map[string]any, error) {
	questions, err := s.store.ListQuestionsByStatus(ctx, store.StatusAnswered)
	if err != nil {
		return nil, err
	}
	return s.questionListPayload(questions), nil
}

func (s *Service) AnsweredByCategory(ctx context.Context, categoryID string) (map[string]any, error) {
	if _, err := s.store.GetCategory(ctx, categoryID); err != nil {
		return nil, err
	}
	questions, err := s.store.ListAnsweredByCategory(ctx, categoryID)
	if err != nil {
		return nil, err
	}
	return s.questionListPayload(questions), nil
}

func (s *Service) QuestionDetails(ctx context.Context, questionID string) (map[string]any, error) {
	question, err := s.store.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "success", "data": map[string]any{"question": s.questionSummary(question)}}, nil
}

// QuestionAnswer returns the rendered answer for a question. An unanswered
// question is a 404 state, not an empty answer.
func (s *Service) QuestionAnswer(ctx context.Context, questionID string) (map[string]any, error) {
	question, err := s.store.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}
	if question.Answer == nil {
		return nil, domainError(http.StatusNotFound, "NOT_ANSWERED", "Question has not been answered yet", nil)
	}

	answer := map[string]any{
		"content":    content.ToRenderTree(question.Answer.RichContent, s.images),
		"categoryId": question.Answer.CategoryID,
		"answeredBy": question.Answer.AnsweredBy,
		"answeredAt": question.Answer.AnsweredAt,
	}
	if question.CategoryName != "" {
		answer["categoryName"] = question.CategoryName
	}
	if question.Answer.ImagePath != "" {
		answer["image"] = s.images.Resolve(question.Answer.ImagePath)
	}
	if question.Answer.EditedAt != nil {
		answer["editedBy"] = question.Answer.EditedBy
		answer["editedAt"] = question.Answer.EditedAt
	}

	return map[string]any{
		"status": "success",
		"data": map[string]any{
			"questionId":   question.ID,
			"questionText": question.QuestionText,
			"answer":       answer,
		},
	}, nil
}

// SubmitAnswer moves a pending question to Answered. The category is
// validated before the uploaded image is stored or any row written, so a
// rejected submission leaves nothing behind.
func (s *Service) SubmitAnswer(ctx context.Context, sess Session, questionID, richContent, categoryID string, image *Upload) (map[string]any, error) {
	if !s.Can(sess.Role, rbac.ActionSubmitAnswer) {
		return nil, errForbidden()
	}
	categoryID = strings.TrimSpace(categoryID)
	if categoryID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Category is required", nil)
	}
	category, err := s.store.GetCategory(ctx, categoryID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Unknown category", nil)
		}
		return nil, err
	}

	imagePath := ""
	if image != nil {
		imagePath, err = s.saveUpload(ctx, image)
		if err != nil {
			return nil, err
		}
	}

	answer := store.Answer{
		RichContent: richContent,
		ImagePath:   imagePath,
		CategoryID:  categoryID,
		AnsweredBy:  sess.UserID,
		AnsweredAt:  time.Now(),
	}
	if err := s.store.SaveAnswer(ctx, questionID, answer); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.submitConflict(ctx, questionID)
		}
		return nil, err
	}

	question, err := s.store.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}
	s.indexAnswered(question, category.Name)
	return map[string]any{"status": "success", "data": map[string]any{"question": s.questionSummary(question)}}, nil
}

// submitConflict distinguishes "no such question" from "already answered"
// after SaveAnswer matched no pending row.
func (s *Service) submitConflict(ctx context.Context, questionID string) (map[string]any, error) {
	question, err := s.store.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}
	if question.Status == store.StatusAnswered {
		return nil, domainError(http.StatusConflict, "ALREADY_ANSWERED", "Question is already answered; edit the existing answer instead", nil)
	}
	return nil, sql.ErrNoRows
}

// EditAnswer overwrites an existing answer. The question stays Answered and
// keeps its author and creation time; the last write wins.
func (s *Service) EditAnswer(ctx context.Context, sess Session, questionID, richContent, categoryID string, image *Upload) (map[string]any, error) {
	if !s.Can(sess.Role, rbac.ActionEditAnswer) {
		return nil, errForbidden()
	}
	categoryID = strings.TrimSpace(categoryID)
	if categoryID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Category is required", nil)
	}
	category, err := s.store.GetCategory(ctx, categoryID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Unknown category", nil)
		}
		return nil, err
	}

	var imagePath *string
	if image != nil {
		key, err := s.saveUpload(ctx, image)
		if err != nil {
			return nil, err
		}
		imagePath = &key
	}

	if err := s.store.UpdateAnswer(ctx, questionID, richContent, categoryID, imagePath, sess.UserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusConflict, "NOT_ANSWERED", "Question has no answer to edit", nil)
		}
		return nil, err
	}

	question, err := s.store.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}
	s.indexAnswered(question, category.Name)
	return map[string]any{"status": "success", "data": map[string]any{"question": s.questionSummary(question)}}, nil
}

func (s *Service) Categories(ctx context.Context) (map[string]any, error) {
	categories, err := s.store.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(categories))
	for _, c := range categories {
		items = append(items, map[string]any{"id": c.ID, "name": c.Name})
	}
	return map[string]any{"status": "success", "data": map[string]any{"categories": items}}, nil
}

func (s *Service) CreateCategory(ctx context.Context, sess Session, name string) (map[string]any, error) {
	if !s.Can(sess.Role, rbac.ActionManageCategories) {
		return nil, errForbidden()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Category name is required", nil)
	}

	category := store.Category{ID: util.NewID("cat"), Name: name, CreatedAt: time.Now()}
	if err := s.store.InsertCategory(ctx, category); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, domainError(http.StatusConflict, "CATEGORY_EXISTS", "Category already exists", nil)
		}
		return nil, err
	}
	return map[string]any{"status": "success", "data": map[string]any{"category": map[string]any{"id": category.ID, "name": category.Name}}}, nil
}

// SearchAnswered searches answered questions on their plain-text preview,
// never on raw markup.
func (s *Service) SearchAnswered(q search.Query) map[string]any {
	resp := s.search.Search(q)
	return map[string]any{"status": "success", "data": resp}
}

func (s *Service) indexAnswered(question store.Question, categoryName string) {
	if s.search == nil || question.Answer == nil {
		return
	}
	s.search.IndexQuestion(search.QuestionRecord{
		ID:            question.ID,
		QuestionText:  question.QuestionText,
		AnswerPreview: content.ToPreview(question.Answer.RichContent),
		CategoryID:    question.Answer.CategoryID,
		CategoryName:  categoryName,
	})
}

// OpenUpload fetches a stored image for serving. Clients resolve the keys
// persisted on answers and profiles against this API's public base URL, so
// the route backing this must stay publicly readable.
func (s *Service) OpenUpload(ctx context.Context, key string) (io.ReadCloser, storage.StoredObject, error) {
	if s.objects == nil {
		return nil, storage.StoredObject{}, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "File storage is not configured", nil)
	}
	if !validUploadKey(key) {
		return nil, storage.StoredObject{}, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	reader, info, err := s.objects.Open(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.StoredObject{}, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return nil, storage.StoredObject{}, err
	}
	return reader, info, nil
}

// validUploadKey accepts only keys SaveUpload could have produced.
func validUploadKey(key string) bool {
	if !strings.HasPrefix(key, "uploads/") {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}

func (s *Service) saveUpload(ctx context.Context, upload *Upload) (string, error) {
	if s.objects == nil {
		return "", domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "File storage is not configured", nil)
	}
	key, err := s.objects.SaveUpload(ctx, upload.Reader, upload.Size, upload.ContentType, upload.Filename)
	if err != nil {
		return "", err
	}
	return key, nil
}

func (s *Service) userPayload(u store.User) map[string]any {
	payload := map[string]any{
		"id":         u.ID,
		"name":       u.Name,
		"email":      u.Email,
		"phone":      u.Phone,
		"role":       u.Role,
		"isActive":   u.IsActive,
		"isVerified": u.IsVerified,
	}
	if u.ProfilePicture != "" {
		payload["profilePicture"] = s.images.Resolve(u.ProfilePicture)
	}
	return payload
}

func (s *Service) questionSummary(q store.Question) map[string]any {
	payload := map[string]any{
		"id":           q.ID,
		"questionText": q.QuestionText,
		"status":       q.Status,
		"authorId":     q.AuthorID,
		"createdAt":    q.CreatedAt,
	}
	if q.AuthorName != "" {
		payload["authorName"] = q.AuthorName
	}
	if q.Answer != nil {
		answer := map[string]any{
			"preview":    content.ToPreview(q.Answer.RichContent),
			"categoryId": q.Answer.CategoryID,
			"answeredAt": q.Answer.AnsweredAt,
		}
		if q.CategoryName != "" {
			answer["categoryName"] = q.CategoryName
		}
		if q.Answer.ImagePath != "" {
			answer["image"] = s.images.Resolve(q.Answer.ImagePath)
		}
		if q.Answer.EditedAt != nil {
			answer["editedAt"] = q.Answer.EditedAt
		}
		payload["answer"] = answer
	}
	return payload
}

func (s *Service) questionListPayload(questions []store.Question) map[string]any {
	items := make([]map[string]any, 0, len(questions))
	for _, q := range questions {
		items = append(items, s.questionSummary(q))
	}
	return map[string]any{"status": "success", "data": map[string]any{"questions": items}}
}

func errForbidden() *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", "You do not have permission to perform this action", nil)
}
