package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/Spok95/school-ledger/internal/anchor"
	"github.com/Spok95/school-ledger/internal/app"
	"github.com/Spok95/school-ledger/internal/config"
	"github.com/Spok95/school-ledger/internal/db"
	"github.com/Spok95/school-ledger/internal/issue"
	"github.com/Spok95/school-ledger/internal/jobs"
	"github.com/Spok95/school-ledger/internal/ledger"
	"github.com/Spok95/school-ledger/internal/logging"
	"github.com/Spok95/school-ledger/internal/observability"
	"github.com/Spok95/school-ledger/internal/verify"
)

func main() {
	// Загрузка переменных окружения
	if err := godotenv.Load(); err != nil {
		log.Println("Не удалось загрузить .env файл, используем переменные окружения")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Ошибка конфигурации: %v", err)
	}

	lg, err := logging.Init(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("Ошибка инициализации логгера: %v", err)
	}
	defer lg.Closer()
	sugar := lg.Sugar

	flushSentry, err := observability.InitSentry(cfg.SentryDSN, cfg.Env, "school-ledger")
	if err != nil {
		sugar.Warnw("sentry не инициализирован", "err", err)
	}
	defer flushSentry()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		sugar.Fatalw("ошибка подключения к БД", "err", err)
	}
	defer func() { _ = database.Close() }()

	if err := db.Migrate(database); err != nil {
		sugar.Fatalw("миграция не удалась", "err", err)
	}

	var client ledger.Client
	if cfg.LedgerURL != "" {
		client = ledger.NewHTTPClient(cfg.LedgerURL, cfg.SubmitTimeout)
	} else {
		sugar.Warn("LEDGER_URL не задан — работаем с локальным стабом реестра (только dev)")
		client = ledger.NewStubClient()
	}

	anchors := anchor.NewManager(database, client, lg.Component("anchor"), anchor.Options{
		SubmitTimeout: cfg.SubmitTimeout,
		ConfirmWindow: cfg.ConfirmWindow,
		MaxAttempts:   cfg.MaxAttempts,
	})
	verifier := verify.NewService(database, lg.Component("verify"))
	issuer := issue.NewIssuer(database, anchors, lg.Component("issue"))

	runner := jobs.New(ctx)
	jobs.StartAnchorLoops(runner, anchors, cfg.PollInterval, cfg.SweepInterval)

	app.StartHTTP(ctx, cfg.HTTPAddr, database, anchors, verifier, issuer, sugar)
	sugar.Infow("сервис реестра запущен", "addr", cfg.HTTPAddr, "env", cfg.Env)

	<-ctx.Done()
	sugar.Info("получен сигнал остановки, завершаемся")
}
