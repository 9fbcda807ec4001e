package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FakeResponse is a canned reply the fake serves instead of a successful star
type FakeResponse struct {
	Status int
	Header map[string]string
	Body   string
}

// StarCall records one star request that reached the fake
type StarCall struct {
	Login    string
	FullName string
	At       time.Time
}

// FakeGitHub is an in-process stand-in for the parts of the GitHub REST and
// GraphQL APIs that star syncing uses. Users are keyed by token.
type FakeGitHub struct {
	Server *httptest.Server

	mu          sync.Mutex
	users       map[string]*fakeUser
	failures    map[string][]FakeResponse
	calls       []StarCall
	listCalls   int
	notModified int
}

type fakeUser struct {
	login   string
	starred []string
}

// NewFakeGitHub starts a fake API server. It is closed when the test ends.
func NewFakeGitHub(t interface {
	Helper()
	Cleanup(func())
}) *FakeGitHub {
	t.Helper()
	f := &FakeGitHub{
		users:    make(map[string]*fakeUser),
		failures: make(map[string][]FakeResponse),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Server.Close)
	return f
}

// URL returns the REST API root
func (f *FakeGitHub) URL() string {
	return f.Server.URL + "/"
}

// GraphQLURL returns the GraphQL endpoint
func (f *FakeGitHub) GraphQLURL() string {
	return f.Server.URL + "/graphql"
}

// AddUser registers token as belonging to login, with starred in starred
// order (most recent first).
func (f *FakeGitHub) AddUser(token, login string, starred ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[token] = &fakeUser{login: login, starred: append([]string(nil), starred...)}
}

// FailStar queues responses returned, in order, for star requests on fullName
// before the fake starts accepting them.
func (f *FakeGitHub) FailStar(fullName string, responses ...FakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[fullName] = append(f.failures[fullName], responses...)
}

// Starred returns the current starred list for token
func (f *FakeGitHub) Starred(token string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[token]; ok {
		return append([]string(nil), u.starred...)
	}
	return nil
}

// StarCalls returns every star request received, including refused ones
func (f *FakeGitHub) StarCalls() []StarCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]StarCall(nil), f.calls...)
}

// ListCalls returns how many starred pages were requested and how many of
// those were answered with 304 Not Modified.
func (f *FakeGitHub) ListCalls() (total, notModified int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.notModified
}

func (f *FakeGitHub) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	user, ok := f.users[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Bad credentials"})
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/user":
		writeJSON(w, http.StatusOK, map[string]string{"login": user.login})
	case r.Method == http.MethodGet && r.URL.Path == "/user/starred":
		f.serveStarred(w, r, user)
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/user/starred/"):
		f.serveStar(w, user, strings.TrimPrefix(r.URL.Path, "/user/starred/"))
	case r.Method == http.MethodPost && r.URL.Path == "/graphql":
		f.serveGraphQL(w, r, user)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
	}
}

func (f *FakeGitHub) serveStarred(w http.ResponseWriter, r *http.Request, user *fakeUser) {
	f.listCalls++

	perPage := atoiDefault(r.URL.Query().Get("per_page"), 30)
	page := atoiDefault(r.URL.Query().Get("page"), 1)
	start := (page - 1) * perPage
	if start > len(user.starred) {
		start = len(user.starred)
	}
	end := start + perPage
	if end > len(user.starred) {
		end = len(user.starred)
	}

	type repo struct {
		ID       int64  `json:"id"`
		FullName string `json:"full_name"`
	}
	type star struct {
		StarredAt string `json:"starred_at"`
		Repo      repo   `json:"repo"`
	}
	body := make([]star, 0, end-start)
	for i, name := range user.starred[start:end] {
		body = append(body, star{
			StarredAt: time.Unix(int64(1_700_000_000-start-i), 0).UTC().Format(time.RFC3339),
			Repo:      repo{ID: repoID(name), FullName: name},
		})
	}
	data, _ := json.Marshal(body)

	sum := sha256.Sum256(append([]byte(user.login+"\x00"), data...))
	etag := `"` + hex.EncodeToString(sum[:8]) + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "private, max-age=60, s-maxage=60")
	w.Header().Set("Vary", "Accept, Authorization")
	if end < len(user.starred) {
		next := *r.URL
		q := next.Query()
		q.Set("page", strconv.Itoa(page+1))
		next.RawQuery = q.Encode()
		w.Header().Set("Link", fmt.Sprintf(`<%s%s>; rel="next"`, f.Server.URL, next.RequestURI()))
	}
	if r.Header.Get("If-None-Match") == etag {
		f.notModified++
		w.WriteHeader(http.StatusNotModified)
		return
	}
	// An explicit length lets the client see EOF with the last read, which is
	// when httpcache stores the body.
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (f *FakeGitHub) serveStar(w http.ResponseWriter, user *fakeUser, fullName string) {
	f.calls = append(f.calls, StarCall{Login: user.login, FullName: fullName, At: time.Now()})

	if queued := f.failures[fullName]; len(queued) > 0 {
		f.failures[fullName] = queued[1:]
		writeCanned(w, queued[0])
		return
	}
	user.star(fullName)
	w.WriteHeader(http.StatusNoContent)
}

func (f *FakeGitHub) serveGraphQL(w http.ResponseWriter, r *http.Request, user *fakeUser) {
	var req struct {
		Query     string                 `json:"query"`
		Variables map[string]interface{} `json:"variables"`
	}
	body, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}

	switch {
	case strings.Contains(req.Query, "addStar"):
		input, _ := req.Variables["input"].(map[string]interface{})
		id, _ := input["starrableId"].(string)
		fullName := strings.TrimPrefix(id, "R_")
		f.calls = append(f.calls, StarCall{Login: user.login, FullName: fullName, At: time.Now()})
		if queued := f.failures[fullName]; len(queued) > 0 {
			f.failures[fullName] = queued[1:]
			writeCanned(w, queued[0])
			return
		}
		user.star(fullName)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{"addStar": map[string]interface{}{"starrable": map[string]string{"id": id}}},
		})

	case strings.Contains(req.Query, "starredRepositories"):
		f.listCalls++
		first := 100
		if v, ok := req.Variables["first"].(float64); ok {
			first = int(v)
		}
		start := 0
		if v, ok := req.Variables["cursor"].(string); ok {
			start = atoiDefault(v, 0)
		}
		end := start + first
		if end > len(user.starred) {
			end = len(user.starred)
		}
		nodes := make([]map[string]string, 0, end-start)
		for _, name := range user.starred[start:end] {
			nodes = append(nodes, map[string]string{"id": "R_" + name, "nameWithOwner": name})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{"viewer": map[string]interface{}{
				"starredRepositories": map[string]interface{}{
					"nodes":    nodes,
					"pageInfo": map[string]interface{}{"endCursor": strconv.Itoa(end), "hasNextPage": end < len(user.starred)},
				},
			}},
		})

	case strings.Contains(req.Query, "repository("):
		name := fmt.Sprintf("%v/%v", req.Variables["owner"], req.Variables["name"])
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{"repository": map[string]string{"id": "R_" + name}},
		})

	case strings.Contains(req.Query, "viewer{login}"):
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{"viewer": map[string]string{"login": user.login}},
		})

	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"errors": []map[string]string{{"message": "unsupported query"}},
		})
	}
}

// star prepends fullName, matching GitHub's most-recent-first order
func (u *fakeUser) star(fullName string) {
	for _, s := range u.starred {
		if strings.EqualFold(s, fullName) {
			return
		}
	}
	u.starred = append([]string{fullName}, u.starred...)
}

func writeCanned(w http.ResponseWriter, resp FakeResponse) {
	for k, v := range resp.Header {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_, _ = io.WriteString(w, resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func atoiDefault(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return def
}

func repoID(fullName string) int64 {
	sum := sha256.Sum256([]byte(strings.ToLower(fullName)))
	var id int64
	for _, b := range sum[:6] {
		id = id<<8 | int64(b)
	}
	return id
}
