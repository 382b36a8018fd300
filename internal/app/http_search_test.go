package app

import (
	"net/http"
	"testing"

	"qarisahab/api/internal/search"
)

func TestSearchPassesQueryThrough(t *testing.T) {
	env := newTestEnv(t, &fakeStore{})
	env.search.results = []search.Result{
		{ID: "qst_1", QuestionText: "Can salah be combined when travelling?", Snippet: "Travellers may combine..."},
	}
	token := env.loginAs(t, "usr_1", "Imran", "user")

	resp, payload := env.getJSON(t, "/questions/search?q=salah&category=cat_1&limit=5&offset=10", token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if len(env.search.queries) != 1 {
		t.Fatalf("searcher received %d queries, want 1", len(env.search.queries))
	}
	q := env.search.queries[0]
	if q.Text != "salah" || q.CategoryID != "cat_1" || q.Limit != 5 || q.Offset != 10 {
		t.Fatalf("query = %+v", q)
	}

	results := dataField(t, payload, "data", "results").([]any)
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	first := results[0].(map[string]any)
	if first["id"] != "qst_1" {
		t.Fatalf("result id = %v, want qst_1", first["id"])
	}
}

func TestSearchRequiresSession(t *testing.T) {
	env := newTestEnv(t, &fakeStore{})

	resp, _ := env.getJSON(t, "/questions/search?q=salah", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if len(env.search.queries) != 0 {
		t.Fatalf("searcher called on unauthenticated request")
	}
}

func TestSearchClampsNegativePagination(t *testing.T) {
	env := newTestEnv(t, &fakeStore{})
	token := env.loginAs(t, "usr_1", "Imran", "user")

	resp, _ := env.getJSON(t, "/questions/search?q=salah&limit=-3&offset=-7", token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(env.search.queries) != 1 {
		t.Fatalf("searcher received %d queries, want 1", len(env.search.queries))
	}
	q := env.search.queries[0]
	if q.Limit != 20 || q.Offset != 0 {
		t.Fatalf("query = %+v, want limit 20 offset 0", q)
	}
}

func TestSearchRejectsBadPagination(t *testing.T) {
	env := newTestEnv(t, &fakeStore{})
	token := env.loginAs(t, "usr_1", "Imran", "user")

	resp, payload := env.getJSON(t, "/questions/search?q=salah&limit=abc", token)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	if payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("code = %v, want VALIDATION_ERROR", payload["code"])
	}
}
