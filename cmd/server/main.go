package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/campus-attendance/attendance"
	"github.com/jrsteele09/campus-attendance/identity"
	"github.com/jrsteele09/campus-attendance/internal/config"
	"github.com/jrsteele09/campus-attendance/ledger"
	"github.com/jrsteele09/campus-attendance/scan"
	"github.com/jrsteele09/campus-attendance/scheduler"
	"github.com/jrsteele09/campus-attendance/server"
	"github.com/jrsteele09/campus-attendance/sessions"
	"github.com/jrsteele09/campus-attendance/store/gormstore"
	"github.com/jrsteele09/campus-attendance/token"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

func main() {
	config.LoadDotEnv()
	for {
		if err := run(); err != nil {
			log.Error().Err(err).Msg("Error running server")
			time.Sleep(1 * time.Second)
		} else {
			break
		}
	}
	log.Info().Msg("Server stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Recovered from panic")
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	initLogging(c)
	displayAppname(c.GetAppName())

	sessionRepo, ledgerRepo, health, closeStore, err := openStore(c)
	if err != nil {
		return err
	}
	defer closeStore()

	registry, err := sessions.NewRegistry(sessionRepo)
	if err != nil {
		return err
	}
	service, err := newAttendanceService(c, registry, ledgerRepo)
	if err != nil {
		return err
	}

	verifier, err := newVerifier(c)
	if err != nil {
		return err
	}

	hub := server.NewTokenHub()
	handler, err := server.New(c, service, verifier, hub, server.WithHealthCheck(health))
	if err != nil {
		return err
	}

	jobs, err := scheduler.New(registry, service, hub, scheduler.Config{
		RefreshCadence: c.GetRefreshCadence(),
		Retention:      c.GetSessionRetention(),
		JobTimeout:     c.GetOperationTimeout() * 10,
	})
	if err != nil {
		return err
	}
	jobs.Start()

	srv := &http.Server{
		Addr:              c.GetPort(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      c.GetOperationTimeout() + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- listenAndServe(srv) }()

	select {
	case err := <-serveErr:
		returnError = err
	case <-waitForStopSignal():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	jobs.Stop(stopCtx)

	if err := shutdown(srv); err != nil && returnError == nil {
		returnError = err
	}
	return returnError
}

func initLogging(c config.Config) {
	level, err := zerolog.ParseLevel(c.GetLogLevel())
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if c.GetEnv() == "DEV" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// openStore returns the repositories for the configured driver, a health
// check for the database and a function releasing it.
func openStore(c config.Config) (sessions.Repo, ledger.Repo, server.HealthCheck, func(), error) {
	if c.GetStoreDriver() == config.StoreMemory {
		log.Warn().Msg("Using in-memory store; attendance is lost on restart")
		return sessions.NewInMemoryRepo(), ledger.NewInMemoryRepo(), nil, func() {}, nil
	}

	db, err := gormstore.Open(c)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	return gormstore.NewSessionRepo(db), gormstore.NewLedgerRepo(db), pingCheck(db), func() {
		if err := gormstore.Close(db); err != nil {
			log.Err(err).Msg("Failed to close database")
		}
	}, nil
}

func pingCheck(db *gorm.DB) server.HealthCheck {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}

func newAttendanceService(c config.Config, registry *sessions.Registry, ledgerRepo ledger.Repo) (*attendance.Service, error) {
	secret := c.GetTokenSecret()
	if secret == "" {
		generated, err := token.GenerateSecret()
		if err != nil {
			return nil, err
		}
		secret = generated
		log.Warn().Msg("TOKEN_SECRET not set; generated an ephemeral secret, tokens will not survive a restart")
	}

	codec, err := token.NewCodec([]byte(secret), token.WithClockSkew(c.GetClockSkew()))
	if err != nil {
		return nil, err
	}
	l, err := ledger.New(ledgerRepo)
	if err != nil {
		return nil, err
	}
	validator, err := scan.NewValidator(codec, registry, l,
		scan.WithTimeout(c.GetOperationTimeout()),
		scan.WithClassifier(ledger.Classifier{Grace: c.GetPresentGrace()}),
	)
	if err != nil {
		return nil, err
	}
	return attendance.New(registry, codec, l, validator,
		attendance.WithTokenTTL(c.GetTokenTTL()),
		attendance.WithTimeout(c.GetOperationTimeout()),
	)
}

func newVerifier(c config.Config) (identity.Verifier, error) {
	var chain identity.Chain

	if secret := c.GetIdentitySecret(); secret != "" {
		v, err := identity.NewHMACVerifier([]byte(secret))
		if err != nil {
			return nil, err
		}
		chain = append(chain, v)
	}

	if issuer := c.GetOIDCIssuer(); issuer != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		v, err := identity.NewOIDCVerifier(ctx, issuer, c.GetOIDCClientID(), c.GetOIDCRoleClaim())
		if err != nil {
			return nil, errors.Wrap(err, "OIDC discovery")
		}
		chain = append(chain, v)
	}

	if len(chain) == 0 {
		return nil, errors.New("no identity provider configured: set IDENTITY_SECRET or OIDC_ISSUER")
	}
	return chain, nil
}

func listenAndServe(srv *http.Server) error {
	log.Info().Str("addr", srv.Addr).Msg("Server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func waitForStopSignal() <-chan os.Signal {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	return stop
}

func shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
