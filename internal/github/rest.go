package github

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	gogithub "github.com/google/go-github/v55/github"
)

// restAccount talks to the GitHub REST API through go-github
type restAccount struct {
	*session
	client   *gogithub.Client
	login    string
	pageSize int
}

func openREST(ctx context.Context, sess *session, opts Options) (*restAccount, error) {
	client := gogithub.NewClient(sess.httpClient)
	if opts.BaseURL != "" {
		u, err := parseBaseURL(opts.BaseURL)
		if err != nil {
			return nil, err
		}
		client.BaseURL = u
	}

	user, _, err := client.Users.Get(ctx, "")
	if err != nil {
		return nil, authError(err)
	}
	if user.GetLogin() == "" {
		return nil, fmt.Errorf("%w: API returned no login for token", ErrAuthentication)
	}

	return &restAccount{
		session:  sess,
		client:   client,
		login:    user.GetLogin(),
		pageSize: opts.PageSize,
	}, nil
}

func (a *restAccount) Login() string {
	return a.login
}

// ListStarred drains every page of /user/starred
func (a *restAccount) ListStarred(ctx context.Context) ([]Repository, error) {
	opt := &gogithub.ActivityListStarredOptions{
		Sort:        "created",
		Direction:   "desc",
		ListOptions: gogithub.ListOptions{PerPage: a.pageSize},
	}

	var repos []Repository
	for {
		stars, resp, err := a.client.Activity.ListStarred(ctx, "", opt)
		if err != nil {
			return nil, fmt.Errorf("failed to list starred repositories (page %d): %w", opt.Page, err)
		}
		for _, star := range stars {
			repo := star.GetRepository()
			if repo == nil {
				continue
			}
			repos = append(repos, Repository{
				FullName: repo.GetFullName(),
				ID:       strconv.FormatInt(repo.GetID(), 10),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return repos, nil
}

func (a *restAccount) Star(ctx context.Context, repo Repository) error {
	owner, name, err := repo.Split()
	if err != nil {
		return err
	}
	if _, err := a.client.Activity.Star(ctx, owner, name); err != nil {
		return fmt.Errorf("failed to star %s: %w", repo.FullName, err)
	}
	return nil
}

// parseBaseURL accepts an API root such as https://ghe.example.com/api/v3
func parseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid API base URL %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid API base URL %q: scheme and host are required", raw)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u, nil
}
