package app

import (
	"context"
	"database/sql"
	"strings"

	"go.uber.org/zap"

	"quorum/internal/config"
	"quorum/internal/db"
	"quorum/internal/engine"
	"quorum/internal/leaderboard"
	"quorum/internal/logging"
	"quorum/internal/migrate"
	"quorum/internal/payout"
	"quorum/internal/repo"
	"quorum/internal/settle"
)

// Env is the assembled application: database, config and the consensus
// engine with settlement wired in. Both the CLI and the server boot
// through here.
type Env struct {
	DB     *sql.DB
	Config *config.Config
	Log    *zap.Logger
	Ranker *leaderboard.Ranker
	Settle *settle.Services
	Engine engine.Engine
}

// Open prepares the workspace, migrates the database and wires the
// engine. projectOverride takes precedence over quorum.yml.
func Open(ctx context.Context, workspace, projectOverride string) (*Env, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := ResolveConfig(workspace, projectOverride)
	if err != nil {
		conn.Close()
		return nil, err
	}
	log, err := logging.New()
	if err != nil {
		conn.Close()
		return nil, err
	}
	r := repo.Repo{DB: conn}
	ranker := leaderboard.New(r, cfg.MinSample(), cfg.LeaderboardTTL(), log)
	services := settle.New(conn, cfg, payout.LedgerRail{}, ranker, log)
	e := engine.New(conn, cfg, ranker, log)
	e.Settler = services
	e.Deposits = payout.LedgerVerifier{Repo: r}
	return &Env{
		DB:     conn,
		Config: cfg,
		Log:    log,
		Ranker: ranker,
		Settle: services,
		Engine: e,
	}, nil
}

func (e *Env) Close() error {
	if e.Log != nil {
		_ = e.Log.Sync()
	}
	return e.DB.Close()
}

// ResolveConfig loads quorum.yml from the workspace, falling back to
// defaults when the file is absent.
func ResolveConfig(workspace, projectOverride string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		projectID := strings.TrimSpace(projectOverride)
		if projectID == "" {
			projectID = "default"
		}
		return config.Default(projectID), nil
	}
	if override := strings.TrimSpace(projectOverride); override != "" {
		cfg.Project.ID = override
	}
	return cfg, nil
}
