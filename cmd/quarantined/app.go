package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/znz-systems/quarantined/internal/actions"
	"github.com/znz-systems/quarantined/internal/address"
	"github.com/znz-systems/quarantined/internal/config"
	"github.com/znz-systems/quarantined/internal/database"
	"github.com/znz-systems/quarantined/internal/directory"
	"github.com/znz-systems/quarantined/internal/learning"
	"github.com/znz-systems/quarantined/internal/pdp"
	"github.com/znz-systems/quarantined/internal/quarantine"
	"github.com/znz-systems/quarantined/internal/store/postgres"
	"github.com/znz-systems/quarantined/internal/store/sqlstore"
	"github.com/znz-systems/quarantined/internal/tasks"
)

// app holds the services shared by every subcommand.
type app struct {
	cfg *config.Config

	directoryDB *sql.DB
	amavisDB    *sqlstore.DB
	rdb         *redis.Client

	quarantineStore *sqlstore.QuarantineStore
	accounts        *postgres.DirectoryStore
	directory       *directory.Service
	quarantine      *quarantine.Service
	actions         *actions.Service
	queue           *tasks.RedisQueue
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	var err error
	a.directoryDB, err = postgres.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := database.RunMigrations(a.directoryDB); err != nil {
		a.Close()
		return nil, err
	}

	a.amavisDB, err = sqlstore.Open(cfg.Amavis.Driver, cfg.Amavis.DatabaseURL, cfg.Amavis.Encoding)
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.amavisDB.InitSchema(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.RedisAddr != "" {
		a.rdb, err = newRedisClient(cfg.RedisAddr)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.queue = tasks.NewRedisQueue(a.rdb, cfg.RedisQueue)
	}

	pdpTimeout, err := cfg.PDPTimeout()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.quarantineStore = sqlstore.NewQuarantineStore(a.amavisDB)
	a.accounts = postgres.NewDirectoryStore(a.directoryDB)
	a.directory = directory.NewService(sqlstore.NewPolicyStore(a.amavisDB), a.accounts, directory.Options{
		ManualLearning:     cfg.Learning.Manual,
		UserLevelLearning:  cfg.Learning.UserLevel,
		RecipientDelimiter: cfg.Quarantine.RecipientDelimiter,
	})
	a.quarantine = quarantine.NewService(a.quarantineStore, quarantine.Options{
		PageSize:     cfg.Quarantine.PageSize,
		DefaultOrder: cfg.Quarantine.DefaultOrder,
		Normalizer: address.Normalizer{
			CaseSensitive: cfg.Quarantine.CaseSensitive,
			Delimiter:     cfg.Quarantine.RecipientDelimiter,
		},
	})

	dial := actions.PDPDialer(pdp.Config{
		Mode:    cfg.PDP.Mode,
		Host:    cfg.PDP.Host,
		Port:    cfg.PDP.Port,
		Socket:  cfg.PDP.Socket,
		Timeout: pdpTimeout,
	})
	learners := actions.CoordinatorFactory(learning.Config{
		Local:             cfg.Learning.Local,
		SpamdAddress:      cfg.Learning.SpamdAddress,
		SpamdPort:         cfg.Learning.SpamdPort,
		DefaultUser:       cfg.Learning.DefaultUser,
		UserLevelLearning: cfg.Learning.UserLevel,
		LookupPaths:       cfg.Learning.LookupPaths,
	}, a.directory, learning.ExecRunner{})
	a.actions = actions.NewService(a.quarantineStore, a.quarantine, dial, learners, actions.Options{
		UserCanRelease:      cfg.Quarantine.UserCanRelease,
		SelfService:         cfg.Quarantine.SelfService,
		ManualLearning:      cfg.Learning.Manual,
		DomainLevelLearning: cfg.Learning.DomainLevel,
		UserLevelLearning:   cfg.Learning.UserLevel,
	})

	return a, nil
}

// newRedisClient accepts a host:port address or a redis:// URL.
func newRedisClient(addr string) (*redis.Client, error) {
	if strings.Contains(addr, "://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: addr}), nil
}

func (a *app) Close() {
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.amavisDB != nil {
		a.amavisDB.Close()
	}
	if a.directoryDB != nil {
		a.directoryDB.Close()
	}
}
