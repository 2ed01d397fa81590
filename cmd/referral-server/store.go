package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/referral/internal/config"
	"github.com/ehr/referral/internal/domain/referral"
	"github.com/ehr/referral/internal/platform/db"
)

// store bundles the ledger backend chosen by STORE_DRIVER.
type store struct {
	driver string
	repo   referral.Repository
	health db.Pinger
	pool   *pgxpool.Pool
	close  func()
}

func (s *store) Close() {
	if s.close != nil {
		s.close()
	}
}

func openStore(ctx context.Context, cfg *config.Config) (*store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		return &store{
			driver: cfg.StoreDriver,
			repo:   referral.NewRepo(pool),
			health: pool,
			pool:   pool,
			close:  pool.Close,
		}, nil
	case config.DriverSQLite:
		repo, err := referral.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &store{
			driver: cfg.StoreDriver,
			repo:   repo,
			health: repo,
			close:  func() { _ = repo.Close() },
		}, nil
	case config.DriverMemory:
		return &store{
			driver: cfg.StoreDriver,
			repo:   referral.NewMemoryRepo(nil),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}
