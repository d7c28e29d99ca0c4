package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/hospital-patient-flow/internal/appointment"
	"github.com/hackgods/hospital-patient-flow/internal/config"
	"github.com/hackgods/hospital-patient-flow/internal/db"
	"github.com/hackgods/hospital-patient-flow/internal/directory"
	"github.com/hackgods/hospital-patient-flow/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Env, cfg.LogLevel).With().Str("service", "seed").Logger()

	if cfg.StorageDriver != config.StoragePostgres {
		logger.Fatal().Msg("seed writes to Postgres; set STORAGE_DRIVER=postgres")
	}

	hospitals := max(getInt("SEED_HOSPITALS", 3), 1)
	clinics := getInt("SEED_CLINICS_PER_HOSPITAL", 6)
	tickets := getInt("SEED_TICKETS", 500)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := run(ctx, cfg, logger, hospitals, clinics, tickets); err != nil {
		logger.Fatal().Err(err).Msg("seed failed")
	}
	logger.Info().Msg("seed complete")
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger, hospitals, clinics, tickets int) error {
	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}

	gen := directory.NewGenerator(0)
	var hospitalIDs []uuid.UUID
	for i := 0; i < hospitals; i++ {
		depts := gen.Hospital(clinics)
		if err := directory.Save(ctx, pool, depts); err != nil {
			return fmt.Errorf("seed departments: %w", err)
		}
		hospitalIDs = append(hospitalIDs, depts[0].HospitalID)
		logger.Info().
			Str("hospital_id", depts[0].HospitalID.String()).
			Str("hospital", depts[0].HospitalName).
			Int("departments", len(depts)).
			Msg("hospital seeded")
	}

	repo := appointment.NewPgRepository(pool)
	const batchSize = 100
	for offset := 0; offset < tickets; offset += batchSize {
		end := min(offset+batchSize, tickets)

		err := repo.InTx(ctx, func(ctx context.Context, tx appointment.Repository) error {
			now := time.Now().UTC()
			for i := offset; i < end; i++ {
				t := &appointment.Ticket{
					ID:         uuid.New(),
					PatientID:  uuid.MustParse(gofakeit.UUID()),
					HospitalID: hospitalIDs[gofakeit.Number(0, len(hospitalIDs)-1)],
					State:      appointment.TicketActive,
					CreatedAt:  now,
					UpdatedAt:  now,
				}
				if err := tx.CreateTicket(ctx, t); err != nil {
					return fmt.Errorf("create ticket: %w", err)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		logger.Info().Int("done", end).Int("total", tickets).Msg("tickets seeded")
	}
	return nil
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
