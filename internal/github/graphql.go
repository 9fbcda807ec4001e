package github

import (
	"context"
	"fmt"

	"github.com/shurcooL/githubv4"
)

// graphqlAccount talks to the GitHub GraphQL API through githubv4. Starred
// repositories carry their node id, so starring needs no extra lookup.
type graphqlAccount struct {
	*session
	client   *githubv4.Client
	login    string
	pageSize int
}

type starredPage struct {
	Viewer struct {
		StarredRepositories struct {
			Nodes []struct {
				ID            githubv4.ID
				NameWithOwner githubv4.String
			}
			PageInfo struct {
				EndCursor   githubv4.String
				HasNextPage githubv4.Boolean
			}
		} `graphql:"starredRepositories(first: $first, after: $cursor, orderBy: {field: STARRED_AT, direction: DESC})"`
	}
}

func openGraphQL(ctx context.Context, sess *session, opts Options) (*graphqlAccount, error) {
	client := githubv4.NewClient(sess.httpClient)
	if opts.GraphQLURL != "" {
		client = githubv4.NewEnterpriseClient(opts.GraphQLURL, sess.httpClient)
	}

	var q struct {
		Viewer struct {
			Login githubv4.String
		}
	}
	if err := client.Query(ctx, &q, nil); err != nil {
		return nil, authError(err)
	}
	if q.Viewer.Login == "" {
		return nil, fmt.Errorf("%w: API returned no login for token", ErrAuthentication)
	}

	return &graphqlAccount{
		session:  sess,
		client:   client,
		login:    string(q.Viewer.Login),
		pageSize: opts.PageSize,
	}, nil
}

func (a *graphqlAccount) Login() string {
	return a.login
}

func (a *graphqlAccount) ListStarred(ctx context.Context) ([]Repository, error) {
	vars := map[string]interface{}{
		"first":  githubv4.Int(a.pageSize),
		"cursor": (*githubv4.String)(nil),
	}

	var repos []Repository
	for page := 1; ; page++ {
		var q starredPage
		if err := a.client.Query(ctx, &q, vars); err != nil {
			return nil, fmt.Errorf("failed to list starred repositories (page %d): %w", page, err)
		}
		for _, node := range q.Viewer.StarredRepositories.Nodes {
			repos = append(repos, Repository{
				FullName: string(node.NameWithOwner),
				ID:       fmt.Sprint(node.ID),
			})
		}
		info := q.Viewer.StarredRepositories.PageInfo
		if !info.HasNextPage {
			break
		}
		vars["cursor"] = githubv4.NewString(info.EndCursor)
	}
	return repos, nil
}

func (a *graphqlAccount) Star(ctx context.Context, repo Repository) error {
	id := repo.ID
	if id == "" {
		resolved, err := a.resolveID(ctx, repo)
		if err != nil {
			return err
		}
		id = resolved
	}

	var m struct {
		AddStar struct {
			Starrable struct {
				ID githubv4.ID
			}
		} `graphql:"addStar(input: $input)"`
	}
	input := githubv4.AddStarInput{StarrableID: githubv4.ID(id)}
	if err := a.client.Mutate(ctx, &m, input, nil); err != nil {
		return fmt.Errorf("failed to star %s: %w", repo.FullName, err)
	}
	return nil
}

func (a *graphqlAccount) resolveID(ctx context.Context, repo Repository) (string, error) {
	owner, name, err := repo.Split()
	if err != nil {
		return "", err
	}

	var q struct {
		Repository struct {
			ID githubv4.ID
		} `graphql:"repository(owner: $owner, name: $name)"`
	}
	vars := map[string]interface{}{
		"owner": githubv4.String(owner),
		"name":  githubv4.String(name),
	}
	if err := a.client.Query(ctx, &q, vars); err != nil {
		return "", fmt.Errorf("failed to look up %s: %w", repo.FullName, err)
	}
	return fmt.Sprint(q.Repository.ID), nil
}
