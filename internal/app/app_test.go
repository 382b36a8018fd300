package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"qarisahab/api/internal/auth"
	"qarisahab/api/internal/authpw"
	"qarisahab/api/internal/config"
	"qarisahab/api/internal/imageref"
	"qarisahab/api/internal/search"
	"qarisahab/api/internal/session"
	"qarisahab/api/internal/storage"
	"qarisahab/api/internal/store"
)

// fakeStore satisfies dataStore with per-method function fields. Methods
// whose field is unset fail the request, so a test that expects a handler
// to stop before touching storage simply leaves the field nil.
type fakeStore struct {
	CreateUserFn            func(ctx context.Context, user store.User) error
	GetUserByEmailFn        func(ctx context.Context, email string) (store.User, error)
	GetUserByIDFn           func(ctx context.Context, id string) (store.User, error)
	SetUserOTPFn            func(ctx context.Context, userID, otpHash string, expiresAt time.Time) error
	MarkUserVerifiedFn      func(ctx context.Context, userID string) error
	ListUsersFn             func(ctx context.Context) ([]store.User, error)
	DeleteUserFn            func(ctx context.Context, id string) error
	UpdateUserRoleFn        func(ctx context.Context, id, role string) error
	UpdateUserStatusFn      func(ctx context.Context, id string, isActive bool) error
	UpdateUserProfileFn     func(ctx context.Context, id, name, email, phone string, profilePicture *string) (store.User, error)
	InsertQuestionFn        func(ctx context.Context, question store.Question) error
	GetQuestionFn           func(ctx context.Context, id string) (store.Question, error)
	ListQuestionsByStatusFn func(ctx context.Context, status string) ([]store.Question, error)
	ListQuestionsByAuthorFn func(ctx context.Context, authorID string) ([]store.Question, error)
	ListAnsweredByCatFn     func(ctx context.Context, categoryID string) ([]store.Question, error)
	SaveAnswerFn            func(ctx context.Context, questionID string, answer store.Answer) error
	UpdateAnswerFn          func(ctx context.Context, questionID, richContent, categoryID string, imagePath *string, editedBy string) error
	ListCategoriesFn        func(ctx context.Context) ([]store.Category, error)
	GetCategoryFn           func(ctx context.Context, id string) (store.Category, error)
	InsertCategoryFn        func(ctx context.Context, category store.Category) error
	PingFn                  func(ctx context.Context) error
}

func errUnexpected(method string) error {
	return fmt.Errorf("unexpected store call: %s", method)
}

func (f *fakeStore) CreateUser(ctx context.Context, user store.User) error {
	if f.CreateUserFn == nil {
		return errUnexpected("CreateUser")
	}
	return f.CreateUserFn(ctx, user)
}

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.GetUserByEmailFn == nil {
		return store.User{}, errUnexpected("GetUserByEmail")
	}
	return f.GetUserByEmailFn(ctx, email)
}

func (f *fakeStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if f.GetUserByIDFn == nil {
		return store.User{}, errUnexpected("GetUserByID")
	}
	return f.GetUserByIDFn(ctx, id)
}

func (f *fakeStore) SetUserOTP(ctx context.Context, userID, otpHash string, expiresAt time.Time) error {
	if f.SetUserOTPFn == nil {
		return errUnexpected("SetUserOTP")
	}
	return f.SetUserOTPFn(ctx, userID, otpHash, expiresAt)
}

func (f *fakeStore) MarkUserVerified(ctx context.Context, userID string) error {
	if f.MarkUserVerifiedFn == nil {
		return errUnexpected("MarkUserVerified")
	}
	return f.MarkUserVerifiedFn(ctx, userID)
}

func (f *fakeStore) ListUsers(ctx context.Context) ([]store.User, error) {
	if f.ListUsersFn == nil {
		return nil, errUnexpected("ListUsers")
	}
	return f.ListUsersFn(ctx)
}

func (f *fakeStore) DeleteUser(ctx context.Context, id string) error {
	if f.DeleteUserFn == nil {
		return errUnexpected("DeleteUser")
	}
	return f.DeleteUserFn(ctx, id)
}

func (f *fakeStore) UpdateUserRole(ctx context.Context, id, role string) error {
	if f.UpdateUserRoleFn == nil {
		return errUnexpected("UpdateUserRole")
	}
	return f.UpdateUserRoleFn(ctx, id, role)
}

func (f *fakeStore) UpdateUserStatus(ctx context.Context, id string, isActive bool) error {
	if f.UpdateUserStatusFn == nil {
		return errUnexpected("UpdateUserStatus")
	}
	return f.UpdateUserStatusFn(ctx, id, isActive)
}

func (f *fakeStore) UpdateUserProfile(ctx context.Context, id, name, email, phone string, profilePicture *string) (store.User, error) {
	if f.UpdateUserProfileFn == nil {
		return store.User{}, errUnexpected("UpdateUserProfile")
	}
	return f.UpdateUserProfileFn(ctx, id, name, email, phone, profilePicture)
}

func (f *fakeStore) InsertQuestion(ctx context.Context, question store.Question) error {
	if f.InsertQuestionFn == nil {
		return errUnexpected("InsertQuestion")
	}
	return f.InsertQuestionFn(ctx, question)
}

func (f *fakeStore) GetQuestion(ctx context.Context, id string) (store.Question, error) {
	if f.GetQuestionFn == nil {
		return store.Question{}, errUnexpected("GetQuestion")
	}
	return f.GetQuestionFn(ctx, id)
}

func (f *fakeStore) ListQuestionsByStatus(ctx context.Context, status string) ([]store.Question, error) {
	if f.ListQuestionsByStatusFn == nil {
		return nil, errUnexpected("ListQuestionsByStatus")
	}
	return f.ListQuestionsByStatusFn(ctx, status)
}

func (f *fakeStore) ListQuestionsByAuthor(ctx context.Context, authorID string) ([]store.Question, error) {
	if f.ListQuestionsByAuthorFn == nil {
		return nil, errUnexpected("ListQuestionsByAuthor")
	}
	return f.ListQuestionsByAuthorFn(ctx, authorID)
}

func (f *fakeStore) ListAnsweredByCategory(ctx context.Context, categoryID string) ([]store.Question, error) {
	if f.ListAnsweredByCatFn == nil {
		return nil, errUnexpected("ListAnsweredByCategory")
	}
	return f.ListAnsweredByCatFn(ctx, categoryID)
}

func (f *fakeStore) SaveAnswer(ctx context.Context, questionID string, answer store.Answer) error {
	if f.SaveAnswerFn == nil {
		return errUnexpected("SaveAnswer")
	}
	return f.SaveAnswerFn(ctx, questionID, answer)
}

func (f *fakeStore) UpdateAnswer(ctx context.Context, questionID, richContent, categoryID string, imagePath *string, editedBy string) error {
	if f.UpdateAnswerFn == nil {
		return errUnexpected("UpdateAnswer")
	}
	return f.UpdateAnswerFn(ctx, questionID, richContent, categoryID, imagePath, editedBy)
}

func (f *fakeStore) ListCategories(ctx context.Context) ([]store.Category, error) {
	if f.ListCategoriesFn == nil {
		return nil, errUnexpected("ListCategories")
	}
	return f.ListCategoriesFn(ctx)
}

func (f *fakeStore) GetCategory(ctx context.Context, id string) (store.Category, error) {
	if f.GetCategoryFn == nil {
		return store.Category{}, errUnexpected("GetCategory")
	}
	return f.GetCategoryFn(ctx, id)
}

func (f *fakeStore) InsertCategory(ctx context.Context, category store.Category) error {
	if f.InsertCategoryFn == nil {
		return errUnexpected("InsertCategory")
	}
	return f.InsertCategoryFn(ctx, category)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.PingFn == nil {
		return nil
	}
	return f.PingFn(ctx)
}

// fakeSessions is an in-memory stand-in for the Redis session store.
type fakeSessions struct {
	mu    sync.Mutex
	roles map[string]string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{roles: map[string]string{}}
}

func (f *fakeSessions) Establish(ctx context.Context, tokenHash, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[tokenHash] = role
	return nil
}

func (f *fakeSessions) Restore(ctx context.Context, tokenHash string) session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	role, ok := f.roles[tokenHash]
	if !ok {
		return session.Anonymous
	}
	return session.State{Authenticated: true, Role: role}
}

func (f *fakeSessions) Clear(ctx context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.roles, tokenHash)
	return nil
}

// fakeSearcher records index writes and queries.
type fakeSearcher struct {
	mu      sync.Mutex
	queries []search.Query
	indexed []search.QuestionRecord
	deleted []string
	results []search.Result
}

func (f *fakeSearcher) Search(q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return search.Response{Results: f.results, Total: len(f.results), Query: q.Text}
}

func (f *fakeSearcher) IndexQuestion(rec search.QuestionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, rec)
}

func (f *fakeSearcher) DeleteQuestion(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}

// fakeObjects records uploads under deterministic keys and serves them back.
type fakeObjects struct {
	mu      sync.Mutex
	saved   []string
	content map[string]fakeObject
}

type fakeObject struct {
	data        []byte
	contentType string
}

func (f *fakeObjects) SaveUpload(ctx context.Context, reader io.Reader, size int64, contentType, filename string) (string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("uploads/img_%d-%s", len(f.saved)+1, filename)
	f.saved = append(f.saved, key)
	f.put(key, data, contentType)
	return key, nil
}

func (f *fakeObjects) Open(ctx context.Context, key string) (io.ReadCloser, storage.StoredObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.content[key]
	if !ok {
		return nil, storage.StoredObject{}, storage.ErrNotFound
	}
	info := storage.StoredObject{ContentType: obj.contentType, Size: int64(len(obj.data))}
	return io.NopCloser(bytes.NewReader(obj.data)), info, nil
}

// put stores an object directly; callers hold f.mu.
func (f *fakeObjects) put(key string, data []byte, contentType string) {
	if f.content == nil {
		f.content = map[string]fakeObject{}
	}
	f.content[key] = fakeObject{data: data, contentType: contentType}
}

// fakeMailer captures OTP sends.
type fakeMailer struct {
	configured bool
	mu         sync.Mutex
	sent       []string
}

func (f *fakeMailer) IsConfigured() bool { return f.configured }

func (f *fakeMailer) SendOTP(to, name, otp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to+":"+otp)
	return nil
}

type testEnv struct {
	store    *fakeStore
	sessions *fakeSessions
	search   *fakeSearcher
	objects  *fakeObjects
	mailer   *fakeMailer
	service  *Service
	server   *httptest.Server
}

const testTokenSecret = "test-secret"

func newTestEnv(t *testing.T, fs *fakeStore) *testEnv {
	t.Helper()

	cfg := config.Config{
		TokenSecret:   testTokenSecret,
		AccessTTL:     time.Hour,
		OTPTTL:        10 * time.Minute,
		PublicBaseURL: "https://cdn.example.com",
		CORSOrigin:    "*",
	}

	env := &testEnv{
		store:    fs,
		sessions: newFakeSessions(),
		search:   &fakeSearcher{},
		objects:  &fakeObjects{},
		mailer:   &fakeMailer{},
	}
	accounts := authpw.NewService(fs, cfg.OTPTTL)
	images := imageref.New(cfg.PublicBaseURL)
	env.service = NewService(cfg, fs, env.sessions, accounts, env.mailer, env.search, env.objects, images)

	env.server = httptest.NewServer(NewHTTPServer(env.service, cfg.CORSOrigin).Handler())
	t.Cleanup(env.server.Close)
	return env
}

// loginAs mints a token and establishes its session pair directly, skipping
// the credential exchange.
func (env *testEnv) loginAs(t *testing.T, userID, name, role string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testTokenSecret), auth.Claims{
		Sub:  userID,
		Name: name,
		Role: role,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if err := env.sessions.Establish(context.Background(), auth.HashToken(token), role); err != nil {
		t.Fatalf("establish session: %v", err)
	}
	return token
}

func (env *testEnv) request(t *testing.T, method, path, token string, body io.Reader, contentType string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, env.server.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			t.Fatalf("decode body %q: %v", raw, err)
		}
	}
	return resp, payload
}

func (env *testEnv) getJSON(t *testing.T, path, token string) (*http.Response, map[string]any) {
	t.Helper()
	return env.request(t, http.MethodGet, path, token, nil, "")
}

func (env *testEnv) postJSON(t *testing.T, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return env.request(t, http.MethodPost, path, token, strings.NewReader(string(raw)), "application/json")
}

func (env *testEnv) putJSON(t *testing.T, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return env.request(t, http.MethodPut, path, token, strings.NewReader(string(raw)), "application/json")
}

func dataField(t *testing.T, payload map[string]any, keys ...string) any {
	t.Helper()
	var current any = payload
	for _, key := range keys {
		obj, ok := current.(map[string]any)
		if !ok {
			t.Fatalf("expected object at %q in %v", key, payload)
		}
		current, ok = obj[key]
		if !ok {
			t.Fatalf("missing field %q in %v", key, obj)
		}
	}
	return current
}

var errBoom = errors.New("boom")
