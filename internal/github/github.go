package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v55/github"
)

// ErrAuthentication is returned by Open when the API rejects a token.
var ErrAuthentication = errors.New("authentication failed")

// Backend selects which GitHub API flavour an account talks to
type Backend string

const (
	BackendREST    Backend = "rest"
	BackendGraphQL Backend = "graphql"
)

// DefaultPageSize is the largest page GitHub serves for starred listings.
const DefaultPageSize = 100

// Repository identifies a starred repository
type Repository struct {
	// FullName is the owner/name pair, e.g. "golang/go".
	FullName string
	// ID is the backend's opaque identity (REST numeric id or GraphQL node id).
	// It may be empty.
	ID string
}

// Key returns the identity used to compare repositories across accounts.
// GitHub treats owner and repository names case-insensitively.
func (r Repository) Key() string {
	return strings.ToLower(r.FullName)
}

// Split returns the owner and name halves of FullName
func (r Repository) Split() (owner, name string, err error) {
	owner, name, ok := strings.Cut(r.FullName, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("malformed repository name %q", r.FullName)
	}
	return owner, name, nil
}

// Account is an authenticated session for one GitHub user
type Account interface {
	// Login returns the user name the token belongs to
	Login() string
	// ListStarred returns every repository the user has starred, most recent first
	ListStarred(ctx context.Context) ([]Repository, error)
	// Star stars repo on behalf of the user
	Star(ctx context.Context, repo Repository) error
	// Close releases the session's connections. It is safe to call more than once.
	Close() error
}

// Opener exchanges a token for an authenticated Account
type Opener interface {
	Open(ctx context.Context, token string) (Account, error)
}

// Options configures how accounts reach the API
type Options struct {
	Backend    Backend
	BaseURL    string
	GraphQLURL string
	PageSize   int
	CacheDir   string
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Client implements Opener for both API backends
type Client struct {
	opts Options
}

// NewClient creates a new account opener
func NewClient(opts Options) *Client {
	if opts.Backend == "" {
		opts.Backend = BackendREST
	}
	if opts.PageSize <= 0 || opts.PageSize > DefaultPageSize {
		opts.PageSize = DefaultPageSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{opts: opts}
}

// Open authenticates token and returns the resulting session. When the API
// rejects the token the session is released before returning and the error
// wraps ErrAuthentication.
func (c *Client) Open(ctx context.Context, token string) (Account, error) {
	sess, err := newSession(token, c.opts)
	if err != nil {
		return nil, err
	}

	var acct Account
	switch c.opts.Backend {
	case BackendREST:
		acct, err = openREST(ctx, sess, c.opts)
	case BackendGraphQL:
		acct, err = openGraphQL(ctx, sess, c.opts)
	default:
		err = fmt.Errorf("unknown API backend: %s", c.opts.Backend)
	}
	if err != nil {
		_ = sess.Close()
		return nil, err
	}

	c.opts.Logger.Debug("opened GitHub session",
		"login", acct.Login(),
		"backend", c.opts.Backend,
		"cached", sess.cacheDir != "")
	return acct, nil
}

// authError classifies a failed identity lookup. Cancellation, rate limits,
// transport failures and HTTP statuses other than 401/403 are passed through;
// anything else means the token was not accepted.
func authError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if _, limited := RetryDelay(err, time.Now(), time.Second); limited {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("failed to authenticate: %w", err)
	}

	code, ok := 0, false
	var resp *gogithub.ErrorResponse
	if errors.As(err, &resp) && resp.Response != nil {
		code, ok = resp.Response.StatusCode, true
	} else {
		code, ok = graphqlStatus(err)
	}
	if ok && code != http.StatusUnauthorized && code != http.StatusForbidden {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	return fmt.Errorf("%w: %w", ErrAuthentication, err)
}

// graphqlStatus extracts the HTTP status from the untyped error githubv4
// returns for non-200 responses.
func graphqlStatus(err error) (int, bool) {
	const prefix = "non-200 OK status code: "
	msg := err.Error()
	i := strings.Index(msg, prefix)
	if i < 0 {
		return 0, false
	}
	fields := strings.Fields(msg[i+len(prefix):])
	if len(fields) == 0 {
		return 0, false
	}
	code, convErr := strconv.Atoi(fields[0])
	if convErr != nil {
		return 0, false
	}
	return code, true
}
