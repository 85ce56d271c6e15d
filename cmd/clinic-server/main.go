package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/clinic/internal/config"
	"github.com/ehr/clinic/internal/domain/patient"
	"github.com/ehr/clinic/internal/domain/scheduling"
	"github.com/ehr/clinic/internal/platform/db"
	"github.com/ehr/clinic/internal/platform/kvstore"
	"github.com/ehr/clinic/internal/platform/middleware"
	"github.com/ehr/clinic/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinic-server",
		Short: "Clinic scheduling API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(out io.Writer, cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			to, _ := cmd.Flags().GetInt("to")
			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				migrator := db.NewMigrator(pool, migrations.FS)
				var (
					count int
					err   error
				)
				if to > 0 {
					count, err = migrator.UpTo(ctx, to)
				} else {
					count, err = migrator.Up(ctx)
				}
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().Int("to", 0, "Stop after this version (0 applies everything)")
	cmd.AddCommand(upCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	return cmd
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load a demo centro and its professionals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				st := postgresStores(pool)
				svc := scheduling.NewService(scheduling.ServiceConfig{
					Roster:       st.roster,
					Appointments: st.appointments,
					Tx:           st.tx,
					Logger:       newLogger(os.Stdout, cfg),
				})
				centro, created, err := seedDemo(ctx, svc)
				if err != nil {
					return err
				}
				if created {
					fmt.Printf("Seeded centro %q (%s).\n", centro.Name, centro.ID)
				} else {
					fmt.Printf("Centro %q already present (%s).\n", centro.Name, centro.ID)
				}
				return nil
			})
		},
	}
}

// withPool runs fn against the configured PostgreSQL database.
func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Store != config.StorePostgres {
		return fmt.Errorf("this command needs STORE=%s", config.StorePostgres)
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

const demoCentroName = "Centro Médico Demo"

// seedDemo creates the demo centro with a few professionals unless a centro
// of that name exists already.
func seedDemo(ctx context.Context, svc *scheduling.Service) (*scheduling.Centro, bool, error) {
	centros, err := svc.ListCentros(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, c := range centros {
		if c.Name == demoCentroName {
			return c, false, nil
		}
	}

	centro := &scheduling.Centro{Name: demoCentroName}
	if err := svc.CreateCentro(ctx, centro); err != nil {
		return nil, false, err
	}
	for _, p := range []scheduling.Professional{
		{FirstName: "Camila", LastName: "Soto", Specialty: "Medicina General"},
		{FirstName: "Rodrigo", LastName: "Fuentes", Specialty: "Medicina General"},
		{FirstName: "Valentina", LastName: "Araya", Specialty: "Pediatría"},
		{FirstName: "Felipe", LastName: "Contreras", Specialty: "Kinesiología"},
		{FirstName: "Javiera", LastName: "Morales", Specialty: "Nutrición"},
	} {
		p.Active = true
		p.CentroIDs = []uuid.UUID{centro.ID}
		if err := svc.CreateProfessional(ctx, &p); err != nil {
			return nil, false, fmt.Errorf("seed %s: %w", p.FullName(), err)
		}
	}
	return centro, true, nil
}

// stores groups the repositories of one storage backend.
type stores struct {
	pool         *pgxpool.Pool
	roster       scheduling.RosterRepository
	appointments scheduling.AppointmentRepository
	patients     patient.Repository
	tx           scheduling.TxRunner
}

func postgresStores(pool *pgxpool.Pool) *stores {
	return &stores{
		pool:         pool,
		roster:       scheduling.NewRosterRepo(pool),
		appointments: scheduling.NewAppointmentRepo(pool),
		patients:     patient.NewRepo(pool),
		tx:           scheduling.PostgresTx(pool),
	}
}

func memoryStores() *stores {
	return &stores{
		roster:       scheduling.NewMemoryRosterRepo(),
		appointments: scheduling.NewMemoryAppointmentRepo(),
		patients:     patient.NewMemoryRepo(),
	}
}

// sessionStore is a kvstore that can report its health.
type sessionStore interface {
	kvstore.Store
	db.Pinger
}

// buildServer wires the API on top of st and sessions.
func buildServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger, st *stores, sessions sessionStore) (*echo.Echo, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	centroID, err := cfg.CentroID()
	if err != nil {
		return nil, err
	}

	resolver := patient.NewResolver(st.patients, logger)
	committer := scheduling.NewCommitter(st.appointments, loc, logger)
	svc := scheduling.NewService(scheduling.ServiceConfig{
		Roster:       st.roster,
		Appointments: st.appointments,
		Patients:     resolver,
		Committer:    committer,
		Tx:           st.tx,
		Location:     loc,
		Logger:       logger,
	})

	if st.pool == nil {
		demo, _, err := seedDemo(ctx, svc)
		if err != nil {
			return nil, fmt.Errorf("seed in-memory store: %w", err)
		}
		if centroID == uuid.Nil {
			centroID = demo.ID
		}
		logger.Warn().Str("centro_id", demo.ID.String()).Msg("using in-memory storage with demo data")
	}

	workflows := scheduling.NewSessions(sessions, cfg.SessionTTL, scheduling.Deps{
		Availability: svc,
		Patients:     resolver,
		Committer:    committer,
		Location:     loc,
	}, resolver, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderContentType, middleware.RequestIDHeader},
	}))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	if cfg.BodyLimit != "" {
		e.Use(echomw.BodyLimit(cfg.BodyLimit))
	}
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	checks := []db.Check{{Name: "session_store", Pinger: sessions}}
	if st.pool != nil {
		dbCheck := db.Check{
			Name:    "database",
			Pinger:  st.pool,
			Details: func() interface{} { return db.GetPoolStats(st.pool) },
		}
		checks = append(checks, dbCheck)
		e.GET("/health/db", db.HealthHandler(dbCheck))
	}
	e.GET("/health", db.HealthHandler(checks...))

	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	patient.NewHandler(resolver).RegisterRoutes(apiV1)
	scheduling.NewHandler(svc).RegisterRoutes(apiV1)
	scheduling.NewSessionHandler(workflows, svc, centroID).RegisterRoutes(apiV1)

	return e, nil
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		logger := newLogger(os.Stderr, nil)
		logger.Error().Err(err).Msg("failed to load config")
		return err
	}
	logger := newLogger(os.Stdout, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	var st *stores
	if cfg.Store == config.StorePostgres {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")
		st = postgresStores(pool)
	} else {
		st = memoryStores()
	}

	// Sessions
	var sessions sessionStore
	if cfg.RedisURL != "" {
		rs, err := kvstore.NewRedis(ctx, cfg.RedisURL, "clinic:")
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rs.Close()
		logger.Info().Msg("connected to redis")
		sessions = rs
	} else {
		mem := kvstore.NewMemory()
		go sweep(ctx, mem, time.Minute)
		sessions = mem
	}

	e, err := buildServer(ctx, cfg, logger, st, sessions)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.Store).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// sweep drops expired in-memory sessions until ctx ends.
func sweep(ctx context.Context, m *kvstore.Memory, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep()
		}
	}
}
