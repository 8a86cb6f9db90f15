package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"vibephoto/internal/config"
	"vibephoto/internal/domain"
	"vibephoto/internal/domain/model"
	"vibephoto/internal/domain/ports/repository"
	"vibephoto/internal/infra/api"
	pg "vibephoto/internal/infra/db/postgres"
	"vibephoto/internal/infra/logging"
	"vibephoto/internal/usecase"
)

func main() {
	accountID := flag.String("account", "demo-account", "account id to seed")
	email := flag.String("email", "demo@vibephoto.local", "account email")
	planLimit := flag.Int("plan-limit", 100, "monthly plan allowance")
	role := flag.String("role", "", "token role, e.g. admin")

	// ---- Config ----
	cfg, err := config.LoadConfig()
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cfg.Database.Migrate {
		if err := pg.RunMigrations(cfg.Database.URL); err != nil {
			logger.Fatal().Err(err).Msg("migrations")
		}
	}
	pool, err := pg.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()

	tm := pg.NewTxManager(pool)
	accounts := pg.NewAccountRepo(pool)
	packages := pg.NewCreditPackageRepo(pool)
	ledger := usecase.NewLedgerUseCase(tm, accounts, packages, pg.NewCreditTransactionRepo(pool), nil, nil, nil, logger, usecase.LedgerOptions{})

	// If the account already exists, only print its balances and a token
	if _, err := accounts.FindByID(ctx, repository.NoTX, *accountID); errors.Is(err, domain.ErrNotFound) {
		expires := time.Now().AddDate(0, 1, 0)
		acc, err := model.NewAccount(*accountID, *email, "monthly", *planLimit, &expires)
		if err != nil {
			logger.Fatal().Err(err).Msg("new account")
		}
		if err := accounts.Save(ctx, repository.NoTX, acc); err != nil {
			logger.Fatal().Err(err).Msg("save account")
		}

		seed := []struct {
			Name   string
			Amount int
			Days   int
		}{
			{"Starter pack", 50, 30},
			{"Pro pack", 300, 90},
		}
		for _, s := range seed {
			p, err := model.NewCreditPackage(acc.ID, s.Name, s.Amount, time.Now().AddDate(0, 0, s.Days), "seed")
			if err != nil {
				logger.Fatal().Err(err).Str("package", s.Name).Msg("new package")
			}
			if err := packages.Save(ctx, repository.NoTX, p); err != nil {
				logger.Fatal().Err(err).Str("package", s.Name).Msg("save package")
			}
			if _, err := ledger.ConfirmPackage(ctx, p.ID); err != nil {
				logger.Fatal().Err(err).Str("package", s.Name).Msg("confirm package")
			}
			fmt.Printf("seeded package: %s (id=%s, credits=%d, days=%d)\n", s.Name, p.ID, s.Amount, s.Days)
		}
	} else if err != nil {
		logger.Fatal().Err(err).Msg("find account")
	} else {
		fmt.Printf("account %s already present. No changes.\n", *accountID)
	}

	b, err := ledger.Balances(ctx, *accountID)
	if err != nil {
		logger.Fatal().Err(err).Msg("balances")
	}
	fmt.Printf("balances: plan=%d packages=%d total=%d\n", b.PlanAvailable, b.CreditsBalance, b.TotalAvailable)

	token, err := api.NewAuthManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer).Mint(*accountID, *role, 24*time.Hour)
	if err != nil {
		logger.Fatal().Err(err).Msg("mint token")
	}
	fmt.Printf("token (24h): %s\n", token)
}
