package onboarding

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/Curve-Labs/egregore-site-sub000/internal/github"
)

// fakeGitHub is an in-memory stand-in for the GitHub REST API, served over
// httptest so the real client is exercised end to end.
type fakeGitHub struct {
	mu sync.Mutex

	users       map[string]github.User       // by OAuth token
	memberships map[string]github.Membership // "org/login"
	collabs     map[string]bool              // "owner/repo/login"
	repos       map[string]map[string][]byte // "owner/repo" -> path -> content
	invitations map[string]bool              // "org/id"
	notReadyFor int                          // RepoExists answers 404 this many times
	failPut     bool
	generated   []string
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{
		users:       make(map[string]github.User),
		memberships: make(map[string]github.Membership),
		collabs:     make(map[string]bool),
		repos:       make(map[string]map[string][]byte),
		invitations: make(map[string]bool),
	}
}

func (f *fakeGitHub) addUser(tok string, u github.User) {
	f.users[tok] = u
}

func (f *fakeGitHub) addRepo(owner, repo string, files map[string][]byte) {
	if files == nil {
		files = make(map[string][]byte)
	}
	f.repos[owner+"/"+repo] = files
}

func (f *fakeGitHub) file(owner, repo, path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	files, ok := f.repos[owner+"/"+repo]
	if !ok {
		return nil, false
	}
	data, ok := files[path]
	return data, ok
}

func (f *fakeGitHub) hasRepo(owner, repo string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.repos[owner+"/"+repo]
	return ok
}

func (f *fakeGitHub) client(t *testing.T) *github.Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return github.NewClient(github.Options{BaseURL: srv.URL, RetryDelay: 1})
}

func (f *fakeGitHub) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /user", func(w http.ResponseWriter, r *http.Request) {
		u, ok := f.caller(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Bad credentials"})
			return
		}
		writeJSON(w, http.StatusOK, u)
	})

	mux.HandleFunc("GET /users/{login}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, u := range f.users {
			if strings.EqualFold(u.Login, r.PathValue("login")) {
				writeJSON(w, http.StatusOK, u)
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
	})

	mux.HandleFunc("GET /orgs/{org}/memberships/{user}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		m, ok := f.memberships[r.PathValue("org")+"/"+r.PathValue("user")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
			return
		}
		writeJSON(w, http.StatusOK, m)
	})

	mux.HandleFunc("POST /orgs/{org}/invitations", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			InviteeID int64 `json:"invitee_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		key := r.PathValue("org") + "/" + jsonInt(body.InviteeID)
		if f.invitations[key] {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Invitee is already a part of this organization"})
			return
		}
		f.invitations[key] = true
		writeJSON(w, http.StatusCreated, map[string]any{"id": 1})
	})

	mux.HandleFunc("PATCH /user/memberships/orgs/{org}", func(w http.ResponseWriter, r *http.Request) {
		u, ok := f.caller(r)
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		org := r.PathValue("org")
		if !f.invitations[org+"/"+jsonInt(u.ID)] {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
			return
		}
		delete(f.invitations, org+"/"+jsonInt(u.ID))
		m := github.Membership{State: "active", Role: "member"}
		f.memberships[org+"/"+u.Login] = m
		writeJSON(w, http.StatusOK, m)
	})

	mux.HandleFunc("GET /repos/{owner}/{repo}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		name := r.PathValue("owner") + "/" + r.PathValue("repo")
		if _, ok := f.repos[name]; !ok || f.notReadyFor > 0 {
			if ok {
				f.notReadyFor--
			}
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
			return
		}
		writeJSON(w, http.StatusOK, github.Repository{Name: r.PathValue("repo"), FullName: name})
	})

	mux.HandleFunc("POST /repos/{owner}/{repo}/generate", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Owner string `json:"owner"`
			Name  string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		name := body.Owner + "/" + body.Name
		if _, exists := f.repos[name]; exists {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Name already exists on this account"})
			return
		}
		f.repos[name] = make(map[string][]byte)
		f.generated = append(f.generated, name)
		writeJSON(w, http.StatusCreated, github.Repository{Name: body.Name, FullName: name, CloneURL: github.CloneURL(body.Owner, body.Name)})
	})

	mux.HandleFunc("GET /repos/{owner}/{repo}/collaborators/{user}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.collabs[r.PathValue("owner")+"/"+r.PathValue("repo")+"/"+r.PathValue("user")] {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	mux.HandleFunc("PUT /repos/{owner}/{repo}/collaborators/{user}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.collabs[r.PathValue("owner")+"/"+r.PathValue("repo")+"/"+r.PathValue("user")] = true
		writeJSON(w, http.StatusCreated, map[string]any{"id": 1})
	})

	mux.HandleFunc("GET /repos/{owner}/{repo}/contents/{path...}", func(w http.ResponseWriter, r *http.Request) {
		data, ok := f.file(r.PathValue("owner"), r.PathValue("repo"), r.PathValue("path"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"content":  base64.StdEncoding.EncodeToString(data),
			"encoding": "base64",
			"sha":      "sha-1",
		})
	})

	mux.HandleFunc("PUT /repos/{owner}/{repo}/contents/{path...}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content string `json:"content"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		files, ok := f.repos[r.PathValue("owner")+"/"+r.PathValue("repo")]
		if !ok || f.failPut {
			writeJSON(w, http.StatusConflict, map[string]string{"message": "Conflict"})
			return
		}
		data, _ := base64.StdEncoding.DecodeString(body.Content)
		files[r.PathValue("path")] = data
		writeJSON(w, http.StatusCreated, map[string]any{})
	})

	return mux
}

func (f *fakeGitHub) caller(r *http.Request) (github.User, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
	return u, ok
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
