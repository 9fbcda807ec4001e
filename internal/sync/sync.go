package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/starsync/internal/config"
	"github.com/schaermu/starsync/internal/export"
	"github.com/schaermu/starsync/internal/github"
	"github.com/schaermu/starsync/internal/progress"
)

// Engine orchestrates the sync process
type Engine struct {
	cfg      *config.Config
	accounts github.Opener
	logger   *slog.Logger
	progress progress.Reporter
	execute  bool

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewEngine creates a new sync engine. With execute false the engine only
// computes and exports the repositories it would star.
func NewEngine(cfg *config.Config, accounts github.Opener, logger *slog.Logger, execute bool) *Engine {
	return &Engine{
		cfg:      cfg,
		accounts: accounts,
		logger:   logger,
		progress: progress.Nop{},
		execute:  execute,
		sleep:    sleepContext,
		now:      time.Now,
	}
}

// SetProgress routes step updates to r
func (e *Engine) SetProgress(r progress.Reporter) {
	e.progress = r
}

// Run executes the complete sync process. An authentication failure of
// either token aborts the run before anything is written and the returned
// error wraps github.ErrAuthentication. Failing to star one repository is not
// an error; it is recorded in the Outcome and the run moves on.
func (e *Engine) Run(ctx context.Context) (out *Outcome, err error) {
	runID := uuid.NewString()
	logger := e.logger.With("run_id", runID)
	out = &Outcome{RunID: runID, DryRun: !e.execute}

	defer e.progress.Stop()
	defer func() {
		if r := recover(); r != nil {
			logger.Debug("recovered panic", "panic", r)
			err = fmt.Errorf("unexpected failure: %v", r)
		}
	}()

	logger.Info("starting star sync",
		"execute", e.execute,
		"backend", e.cfg.API.Backend,
		"export_file", e.cfg.Sync.ExportFile)
	logger.Debug("using tokens",
		"export", config.RedactToken(e.cfg.Export.Token),
		"import", config.RedactToken(e.cfg.Import.Token))

	source, err := e.open(ctx, logger, "export", e.cfg.Export.Token)
	if err != nil {
		return out, err
	}
	defer e.release(logger, "export", source)

	target, err := e.open(ctx, logger, "import", e.cfg.Import.Token)
	if err != nil {
		return out, err
	}
	defer e.release(logger, "import", target)

	out.SourceLogin = source.Login()
	out.TargetLogin = target.Login()

	sourceRepos, err := e.listStarred(ctx, logger, "export", source)
	if err != nil {
		return out, err
	}
	out.SourceCount = len(sourceRepos)

	targetRepos, err := e.listStarred(ctx, logger, "import", target)
	if err != nil {
		return out, err
	}
	out.TargetCount = len(targetRepos)

	plan := BuildPlan(sourceRepos, targetRepos)
	out.ToStar = plan.Names()
	logger.Info("computed repositories to star", "count", len(plan.ToStar))

	// The export always reflects the plan, and is written before any star
	// request so it lists exactly what will be attempted.
	if err := export.Write(e.cfg.Sync.ExportFile, out.ToStar); err != nil {
		return out, fmt.Errorf("failed to write export file: %w", err)
	}
	logger.Info("exported repositories to star", "count", len(out.ToStar), "path", e.cfg.Sync.ExportFile)

	if !e.execute {
		for _, name := range out.ToStar {
			logger.Debug("[dry-run] would star", "repo", name)
		}
		logger.Info("dry run completed", "would_star", len(out.ToStar))
		return out, nil
	}

	e.applyPlan(ctx, logger, target, plan, out)

	logger.Info("star sync completed",
		"starred", len(out.Starred),
		"skipped", len(out.Skipped))
	return out, nil
}

// open authenticates one token. role names the credential in diagnostics.
func (e *Engine) open(ctx context.Context, logger *slog.Logger, role, token string) (github.Account, error) {
	e.progress.Update(fmt.Sprintf("authenticating %s token", role))
	acct, err := e.accounts.Open(ctx, token)
	if err != nil {
		logger.Error("failed to authenticate token", "token", role, "error", err)
		if errors.Is(err, github.ErrAuthentication) {
			return nil, fmt.Errorf("%s token: %w", role, err)
		}
		return nil, fmt.Errorf("failed to open %s session: %w", role, err)
	}
	logger.Info("authenticated token", "token", role, "login", acct.Login())
	return acct, nil
}

func (e *Engine) release(logger *slog.Logger, role string, acct github.Account) {
	if err := acct.Close(); err != nil {
		logger.Warn("failed to close GitHub session", "token", role, "error", err)
		return
	}
	logger.Debug("closed GitHub session", "token", role)
}

func (e *Engine) listStarred(ctx context.Context, logger *slog.Logger, role string, acct github.Account) ([]github.Repository, error) {
	e.progress.Update(fmt.Sprintf("listing stars of %s", acct.Login()))
	repos, err := acct.ListStarred(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s stars: %w", role, err)
	}
	logger.Info("found starred repositories", "token", role, "login", acct.Login(), "count", len(repos))
	return repos, nil
}

// applyPlan stars every planned repository on target, one at a time, with
// the configured pause between attempts.
func (e *Engine) applyPlan(ctx context.Context, logger *slog.Logger, target github.Account, plan *Plan, out *Outcome) {
	total := len(plan.ToStar)
	for i, repo := range plan.ToStar {
		if i > 0 {
			if err := e.sleep(ctx, e.cfg.Sync.Pace); err != nil {
				e.skipRemaining(logger, plan.ToStar[i:], err, out)
				return
			}
		}

		e.progress.Update(fmt.Sprintf("starring %d/%d %s", i+1, total, repo.FullName))

		result, err := e.attemptWithBackoff(ctx, logger.With("repo", repo.FullName), func(ctx context.Context) error {
			return target.Star(ctx, repo)
		})
		switch result {
		case attemptStarred:
			out.Starred = append(out.Starred, repo.FullName)
			logger.Info("starred repository", "repo", repo.FullName)
		case attemptSkipped:
			out.Skipped = append(out.Skipped, SkippedRepo{FullName: repo.FullName, Reason: err.Error()})
			if ctx.Err() != nil {
				e.skipRemaining(logger, plan.ToStar[i+1:], ctx.Err(), out)
				return
			}
			logger.Error("failed to star repository", "repo", repo.FullName, "error", err)
		}
	}
}

func (e *Engine) skipRemaining(logger *slog.Logger, repos []github.Repository, cause error, out *Outcome) {
	if len(repos) == 0 {
		return
	}
	logger.Warn("sync interrupted, skipping remaining repositories", "remaining", len(repos), "error", cause)
	for _, r := range repos {
		out.Skipped = append(out.Skipped, SkippedRepo{FullName: r.FullName, Reason: cause.Error()})
	}
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
