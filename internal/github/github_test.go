package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"testing"

	gogithub "github.com/google/go-github/v55/github"
	"github.com/schaermu/starsync/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	exportToken = "ghp_exportexportexport"
	importToken = "ghp_importimportimport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func restClient(fake *testutil.FakeGitHub, pageSize int) *Client {
	return NewClient(Options{
		Backend:  BackendREST,
		BaseURL:  fake.URL(),
		PageSize: pageSize,
		Logger:   testLogger(),
	})
}

func graphqlClient(fake *testutil.FakeGitHub, pageSize int) *Client {
	return NewClient(Options{
		Backend:    BackendGraphQL,
		GraphQLURL: fake.GraphQLURL(),
		PageSize:   pageSize,
		Logger:     testLogger(),
	})
}

func names(repos []Repository) []string {
	out := make([]string, 0, len(repos))
	for _, r := range repos {
		out = append(out, r.FullName)
	}
	return out
}

func starredFixture(n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, fmt.Sprintf("owner%d/repo%d", i, i))
	}
	return out
}

func TestRepository_Key(t *testing.T) {
	assert.Equal(t, Repository{FullName: "Golang/Go"}.Key(), Repository{FullName: "golang/go"}.Key())
	assert.NotEqual(t, Repository{FullName: "golang/go"}.Key(), Repository{FullName: "golang/tools"}.Key())
}

func TestRepository_Split(t *testing.T) {
	tests := []struct {
		name      string
		fullName  string
		wantOwner string
		wantName  string
		wantErr   bool
	}{
		{name: "valid", fullName: "golang/go", wantOwner: "golang", wantName: "go"},
		{name: "dots and dashes", fullName: "my-org/repo.name", wantOwner: "my-org", wantName: "repo.name"},
		{name: "no slash", fullName: "golang", wantErr: true},
		{name: "empty owner", fullName: "/go", wantErr: true},
		{name: "empty name", fullName: "golang/", wantErr: true},
		{name: "too many parts", fullName: "a/b/c", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner, name, err := Repository{FullName: tt.fullName}.Split()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOwner, owner)
			assert.Equal(t, tt.wantName, name)
		})
	}
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Options{})
	assert.Equal(t, BackendREST, c.opts.Backend)
	assert.Equal(t, DefaultPageSize, c.opts.PageSize)
	assert.NotNil(t, c.opts.Logger)

	c = NewClient(Options{PageSize: 500})
	assert.Equal(t, DefaultPageSize, c.opts.PageSize)
}

func TestOpen_UnknownBackend(t *testing.T) {
	c := NewClient(Options{Backend: "soap", Logger: testLogger()})
	_, err := c.Open(context.Background(), exportToken)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrAuthentication))
}

func TestREST_OpenAndList(t *testing.T) {
	fake := testutil.NewFakeGitHub(t)
	starred := starredFixture(7)
	fake.AddUser(exportToken, "alice", starred...)

	acct, err := restClient(fake, 3).Open(context.Background(), exportToken)
	require.NoError(t, err)
	defer func() {
		_ = acct.Close()
	}()

	assert.Equal(t, "alice", acct.Login())

	repos, err := acct.ListStarred(context.Background())
	require.NoError(t, err)
	assert.Equal(t, starred, names(repos))
	for _, r := range repos {
		assert.NotEmpty(t, r.ID)
	}

	total, _ := fake.ListCalls()
	assert.Equal(t, 3, total, "7 repos at 3 per page should take 3 pages")
}

func TestREST_OpenBadToken(t *testing.T) {
	fake := testutil.NewFakeGitHub(t)

	_, err := restClient(fake, 100).Open(context.Background(), "ghp_unknown")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestREST_ListEmpty(t *testing.T) {
	fake := testutil.NewFakeGitHub(t)
	fake.AddUser(importToken, "bob")

	acct, err := restClient(fake, 100).Open(context.Background(), importToken)
	require.NoError(t, err)
	defer func() {
		_ = acct.Close()
	}()

	repos, err := acct.ListStarred(context.Background())
	require.NoError(t, err)
	assert.Empty(t, repos)
}

func TestREST_ListRevalidatesCache(t *testing.T) {
	fake := testutil.NewFakeGitHub(t)
	fake.AddUser(importToken, "bob", "b/y")

	acct, err := restClient(fake, 100).Open(context.Background(), importToken)
	require.NoError(t, err)
	defer func() {
		_ = acct.Close()
	}()

	first, err := acct.ListStarred(context.Background())
	require.NoError(t, err)
	second, err := acct.ListStarred(context.Background())
	require.NoError(t, err)
	assert.Equal(t, names(first), names(second))

	total, notModified := fake.ListCalls()
	assert.Equal(t, 2, total, "second listing must reach the server")
	assert.Equal(t, 1, notModified)

	// a change on the server is seen despite the cached copy
	require.NoError(t, acct.Star(context.Background(), Repository{FullName: "a/x"}))
	third, err := acct.ListStarred(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a/x", "b/y"}, names(third))
}

func TestREST_DiskCache(t *testing.T) {
	fake := testutil.NewFakeGitHub(t)
	fake.AddUser(importToken, "bob", "b/y")
	dir := t.TempDir()

	c := NewClient(Options{BaseURL: fake.URL(), CacheDir: dir, Logger: testLogger()})
	for i := 0; i < 2; i++ {
		acct, err := c.Open(context.Background(), importToken)
		require.NoError(t, err)
		repos, err := acct.ListStarred(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"b/y"}, names(repos))
		require.NoError(t, acct.Close())
	}

	_, notModified := fake.ListCalls()
	assert.Equal(t, 1, notModified, "second session should revalidate the on-disk copy")
}

func TestREST_Star(t *testing.T) {
	fake := testutil.NewFakeGitHub(t)
	fake.AddUser(importToken, "bob", "b/y")

	acct, err := restClient(fake, 100).Open(context.Background(), importToken)
	require.NoError(t, err)
	defer func() {
		_ = acct.Close()
	}()

	require.NoError(t, acct.Star(context.Background(), Repository{FullName: "a/x"}))
	assert.Equal(t, []string{"a/x", "b/y"}, fake.Starred(importToken))

	err = acct.Star(context.Background(), Repository{FullName: "not-a-name"})
	require.Error(t, err)
}

func TestREST_StarRateLimited(t *testing.T) {
	fake := testutil.NewFakeGitHub(t)
	fake.AddUser(importToken, "bob")
	fake.FailStar("a/x", testutil.FakeResponse{
		Status: 403,
		Header: map[string]string{"X-RateLimit-Remaining": "0", "Retry-After": "5"},
		Body:   `{"message":"API rate limit exceeded"}`,
	})

	acct, err := restClient(fake, 100).Open(context.Background(), importToken)
	require.NoError(t, err)
	defer func() {
		_ = acct.Close()
	}()

	err = acct.Star(context.Background(), Repository{FullName: "a/x"})
	require.Error(t, err)
	delay, limited := RetryDelay(err, fixedNow, fallbackDelay)
	assert.True(t, limited)
	assert.Equal(t, 5*secondsUnit, delay)

	require.NoError(t, acct.Star(context.Background(), Repository{FullName: "a/x"}))
}

func TestREST_StarValidationFailed(t *testing.T) {
	fake := testutil.NewFakeGitHub(t)
	fake.AddUser(importToken, "bob")
	fake.FailStar("a/x", testutil.FakeResponse{
		Status: 422,
		Body:   `{"message":"Validation Failed"}`,
	})

	acct, err := restClient(fake, 100).Open(context.Background(), importToken)
	require.NoError(t, err)
	defer func() {
		_ = acct.Close()
	}()

	err = acct.Star(context.Background(), Repository{FullName: "a/x"})
	require.Error(t, err)
	_, limited := RetryDelay(err, fixedNow, fallbackDelay)
	assert.False(t, limited)
}

func TestGraphQL_OpenListStar(t *testing.T) {
	fake := testutil.NewFakeGitHub(t)
	starred := starredFixture(5)
	fake.AddUser(exportToken, "alice", starred...)
	fake.AddUser(importToken, "bob")

	c := graphqlClient(fake, 2)

	src, err := c.Open(context.Background(), exportToken)
	require.NoError(t, err)
	defer func() {
		_ = src.Close()
	}()
	assert.Equal(t, "alice", src.Login())

	repos, err := src.ListStarred(context.Background())
	require.NoError(t, err)
	assert.Equal(t, starred, names(repos))
	assert.Equal(t, "R_"+starred[0], repos[0].ID)

	dst, err := c.Open(context.Background(), importToken)
	require.NoError(t, err)
	defer func() {
		_ = dst.Close()
	}()

	require.NoError(t, dst.Star(context.Background(), repos[1]))
	// no node id: resolved by name first
	require.NoError(t, dst.Star(context.Background(), Repository{FullName: starred[3]}))
	assert.Equal(t, []string{starred[3], starred[1]}, fake.Starred(importToken))
}

func TestGraphQL_OpenBadToken(t *testing.T) {
	fake := testutil.NewFakeGitHub(t)

	_, err := graphqlClient(fake, 100).Open(context.Background(), "ghp_unknown")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestGraphQL_StarRateLimited(t *testing.T) {
	fake := testutil.NewFakeGitHub(t)
	fake.AddUser(importToken, "bob")
	fake.FailStar("a/x",
		testutil.FakeResponse{
			Status: 403,
			Header: map[string]string{"Retry-After": "7"},
			Body:   `{"message":"You have exceeded a secondary rate limit"}`,
		},
		testutil.FakeResponse{
			Status: 200,
			Header: map[string]string{"X-RateLimit-Remaining": "0", "X-RateLimit-Reset": fmt.Sprint(fixedNow.Unix() + 30)},
			Body:   `{"errors":[{"type":"RATE_LIMITED","message":"API rate limit exceeded"}]}`,
		},
	)

	acct, err := graphqlClient(fake, 100).Open(context.Background(), importToken)
	require.NoError(t, err)
	defer func() {
		_ = acct.Close()
	}()

	repo := Repository{FullName: "a/x", ID: "R_a/x"}

	err = acct.Star(context.Background(), repo)
	require.Error(t, err)
	delay, limited := RetryDelay(err, fixedNow, fallbackDelay)
	assert.True(t, limited)
	assert.Equal(t, 7*secondsUnit, delay)

	err = acct.Star(context.Background(), repo)
	require.Error(t, err)
	delay, limited = RetryDelay(err, fixedNow, fallbackDelay)
	assert.True(t, limited)
	assert.Equal(t, 30*secondsUnit, delay)

	require.NoError(t, acct.Star(context.Background(), repo))
	assert.Equal(t, []string{"a/x"}, fake.Starred(importToken))
}

func TestSession_CloseTwice(t *testing.T) {
	fake := testutil.NewFakeGitHub(t)
	fake.AddUser(exportToken, "alice")

	acct, err := restClient(fake, 100).Open(context.Background(), exportToken)
	require.NoError(t, err)
	require.NoError(t, acct.Close())
	require.NoError(t, acct.Close())
}

func TestAuthError(t *testing.T) {
	status := func(code int) error {
		return &gogithub.ErrorResponse{Response: &http.Response{StatusCode: code, Header: http.Header{}}}
	}

	tests := []struct {
		name     string
		err      error
		wantAuth bool
	}{
		{name: "unauthorized", err: status(http.StatusUnauthorized), wantAuth: true},
		{name: "forbidden", err: status(http.StatusForbidden), wantAuth: true},
		{name: "graphql status error", err: errors.New("non-200 OK status code: 401 Unauthorized"), wantAuth: true},
		{name: "server error", err: status(http.StatusBadGateway), wantAuth: false},
		{name: "too many requests", err: status(http.StatusTooManyRequests), wantAuth: false},
		{name: "cancelled", err: fmt.Errorf("get user: %w", context.Canceled), wantAuth: false},
		{name: "rate limited transport", err: &RateLimitedError{StatusCode: 403, Header: http.Header{}}, wantAuth: false},
		{name: "rate limited behind url error", err: &url.Error{Op: "Post", URL: "http://api/graphql", Err: &RateLimitedError{StatusCode: 429, Header: http.Header{}}}, wantAuth: false},
		{name: "connection refused", err: &url.Error{Op: "Get", URL: "http://127.0.0.1:1/user", Err: errors.New("dial tcp: connection refused")}, wantAuth: false},
		{name: "graphql forbidden", err: errors.New("non-200 OK status code: 403 Forbidden body: \"\""), wantAuth: true},
		{name: "graphql bad gateway", err: errors.New("non-200 OK status code: 502 Bad Gateway body: \"\""), wantAuth: false},
		{name: "graphql viewer error", err: errors.New("Could not resolve to a User"), wantAuth: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := authError(tt.err)
			assert.Equal(t, tt.wantAuth, errors.Is(err, ErrAuthentication))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestOpen_UnreachableHost(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := "http://" + ln.Addr().String()
	require.NoError(t, ln.Close())

	for _, backend := range []Backend{BackendREST, BackendGraphQL} {
		t.Run(string(backend), func(t *testing.T) {
			client := NewClient(Options{
				Backend:    backend,
				BaseURL:    addr + "/",
				GraphQLURL: addr + "/graphql",
				PageSize:   100,
				Logger:     testLogger(),
			})

			_, err := client.Open(context.Background(), exportToken)
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrAuthentication)
		})
	}
}
