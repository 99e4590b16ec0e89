package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/profianinc/promote/internal/config"
	"github.com/profianinc/promote/internal/debug"
	"github.com/profianinc/promote/internal/gate"
	"github.com/profianinc/promote/internal/git"
	"github.com/profianinc/promote/internal/github"
	"github.com/profianinc/promote/internal/lockfile"
	"github.com/profianinc/promote/internal/manifest"
	"github.com/profianinc/promote/internal/promote"
	"github.com/profianinc/promote/internal/resolver"
	"github.com/profianinc/promote/internal/telemetry"
)

var errNoCredentials = errors.New("no GitHub credentials configured")

// newLogger returns the progress logger: text on stderr, or JSON when the
// report itself is JSON so both streams stay machine readable.
func newLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: debug.LogLevel()}
	if jsonOutput {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// resolveToken returns the bearer token for this run. A configured GitHub
// App wins over a plain token; the installation token is minted once here
// and handed to the client.
func resolveToken(ctx context.Context, apiURL string) (string, error) {
	if config.UsesApp() {
		pem, err := config.AppPrivateKey()
		if err != nil {
			return "", err
		}
		key, err := github.ParsePrivateKey(pem)
		if err != nil {
			return "", err
		}
		src := &github.AppTokenSource{
			AppID:          config.GetString(config.KeyAppID),
			InstallationID: config.GetInt64(config.KeyInstallationID),
			PrivateKey:     key,
			BaseURL:        apiURL,
		}
		tok, err := src.Token(ctx)
		if err != nil {
			return "", err
		}
		return tok.Token, nil
	}
	if tok := config.GetString(config.KeyToken); tok != "" {
		return tok, nil
	}
	return "", errNoCredentials
}

func runPromote(ctx context.Context, out io.Writer, service, ref, digest string) error {
	logger := newLogger(os.Stderr)
	slog.SetDefault(logger)

	if err := telemetry.Init(ctx, "promote", Version); err != nil {
		WarnError("telemetry disabled: %v", err)
	}
	defer telemetry.Shutdown(context.Background())

	remote := config.GetString(config.KeyRemote)
	repo, err := git.Open(ctx, ".", remote)
	if err != nil {
		return err
	}
	gitDir, err := git.GetGitDir(ctx, repo.Dir)
	if err != nil {
		return err
	}
	logger.Debug("manifest repository", "root", repo.Dir, "git_dir", gitDir, "worktree", git.IsWorktree(ctx, repo.Dir))

	mainBranch := config.GetString(config.KeyMainBranch)
	startBranch, err := repo.CurrentBranch(ctx)
	if err != nil {
		logger.Debug("no branch checked out; starting from the main branch", "error", err)
		startBranch = mainBranch
	}

	lock, err := lockfile.Acquire(gitDir, lockfile.LockInfo{Service: service, Ref: ref})
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			WarnError("release %s: %v", lock.Path(), err)
		}
	}()

	remoteURL, err := repo.RemoteURL(ctx)
	if err != nil {
		return err
	}
	ghRepo, err := github.ParseRepoURL(remoteURL)
	if err != nil {
		return err
	}

	apiURL := config.GetString(config.KeyAPIURL)
	token, err := resolveToken(ctx, apiURL)
	if err != nil {
		return err
	}
	client := github.NewClient(token, ghRepo.Owner, ghRepo.Name).WithBaseURL(apiURL)

	checks := gate.NewAggregator(telemetry.WrapReporter(client), logger)
	checks.PollInterval = config.GetDuration(config.KeyPollInterval)

	stage := &promote.Stage{
		VCS:       repo,
		Review:    client,
		Checks:    checks,
		Manifests: manifest.Store{Dir: repo.Dir, Root: config.GetString(config.KeyManifestRoot)},
		Config: promote.StageConfig{
			MainBranch:   mainBranch,
			PRChecks:     config.GetStringSlice(config.KeyChecksPR),
			DeployChecks: config.GetStringSlice(config.KeyChecksDeploy),
			MaxWait:      config.GetDuration(config.KeyMaxWait),
			MergeMethod:  config.GetMergeMethod(),
		},
		Logger: logger,
	}

	pipeline := &promote.Pipeline{
		Repo:        repo,
		Stage:       stage,
		StartBranch: startBranch,
		Remote:      remote,
		Resolver: resolver.Options{
			Registry: config.GetString(config.KeyRegistry),
			RCMarker: config.GetString(config.KeyRCMarker),
		},
		Ceiling:   config.Ceiling(),
		Logger:    logger,
		OnWarning: func(msg string) { WarnError("%s", msg) },
	}
	if !jsonOutput {
		pipeline.OnMessage = func(msg string) { debug.PrintlnNormal(msg) }
	}

	logger.Info("promoting", "repository", ghRepo.String(), "service", service, "ref", ref)
	report, runErr := pipeline.Run(ctx, promote.Request{Service: service, SourceRef: ref, ImageDigest: digest})

	if jsonOutput {
		if err := writeJSONReport(out, report, runErr); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
	} else if !debug.IsQuiet() {
		renderReport(out, report, runErr)
	}
	return runErr
}
