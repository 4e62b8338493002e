package main

import (
	"context"
	"os"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/modguard/internal/bot"
	"github.com/iamwavecut/modguard/internal/clock"
	"github.com/iamwavecut/modguard/internal/config"
	"github.com/iamwavecut/modguard/internal/db/sqlite"
	"github.com/iamwavecut/modguard/internal/engine"
	"github.com/iamwavecut/modguard/internal/engine/captcha"
	"github.com/iamwavecut/modguard/internal/engine/dispatch"
	"github.com/iamwavecut/modguard/internal/engine/flood"
	"github.com/iamwavecut/modguard/internal/engine/raid"
	"github.com/iamwavecut/modguard/internal/engine/warns"
	mgerrors "github.com/iamwavecut/modguard/internal/errors"
	"github.com/iamwavecut/modguard/internal/event"
	"github.com/iamwavecut/modguard/internal/infra"
	"github.com/iamwavecut/modguard/internal/lifecycle"
	"github.com/iamwavecut/modguard/internal/observability"
	"github.com/iamwavecut/modguard/internal/policy"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatalln("cant load config")
	}
	log.SetFormatter(&config.MgFormatter{})
	log.SetOutput(os.Stdout)
	log.SetLevel(log.Level(cfg.LogLevel))

	recoverable(func() {
		ctx, cancelFunc := context.WithCancel(context.Background())
		defer cancelFunc()

		if err := observability.Init(ctx); err != nil {
			log.WithError(err).Errorln("cant initialize observability")
		}

		botAPI, err := api.NewBotAPI(cfg.TelegramAPIToken)
		if err != nil {
			log.WithError(err).Errorln("cant initialize bot api")
			time.Sleep(1 * time.Second)
			log.Fatalln("exiting")
		}
		if log.Level(cfg.LogLevel) == log.TraceLevel {
			botAPI.Debug = true
		}
		defer botAPI.StopReceivingUpdates()

		dbClient := sqlite.NewSQLiteClient("modguard.db")
		defer dbClient.Close()

		clk := clock.System()
		auditBus := event.NewAuditBus(dbClient)
		executor := bot.NewExecutor(botAPI, clk)
		dispatcher := dispatch.NewDispatcher(executor, auditBus, clk, dispatch.DefaultConfig())

		var eng *engine.ModerationEngine
		gate := captcha.NewGate(clk, func(ctx context.Context, ch captcha.Challenge) {
			eng.HandleChallengeExpiry(ctx, ch)
		})

		provider := policy.NewProvider(policy.FromAppConfig(cfg), cfg.PolicyPath, dbClient)
		if err := provider.Reload(ctx); err != nil {
			log.WithError(err).Warnln("cant load policy overrides")
		}

		eng = engine.New(
			cfg,
			clk,
			provider,
			gate,
			flood.NewDetector(),
			raid.NewDetector(),
			warns.NewLedger(dbClient),
			dispatcher,
		)

		rt := lifecycle.NewRuntime(auditBus, gate, eng)
		if err := rt.Start(ctx); err != nil {
			log.WithError(err).Fatalln("cant start runtime")
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			if err := rt.Stop(stopCtx); err != nil {
				log.WithError(err).Errorln("cant stop runtime cleanly")
			}
			if err := dispatcher.Stop(stopCtx); err != nil {
				log.WithError(err).Errorln("cant drain dispatcher")
			}
		}()

		service := bot.NewService(botAPI, dbClient)
		admins := bot.NewAdminCache(botAPI, clk)
		updateProcessor := bot.NewUpdateProcessor(service, eng, admins)

		updateConfig := api.NewUpdate(0)
		updateConfig.Timeout = 60
		updateChan, errorChan := bot.GetUpdatesChans(ctx, botAPI, updateConfig)

		go func() {
			select {
			case <-infra.MonitorExecutable(ctx):
				log.Errorln("executable file was modified")
				cancelFunc()
			case <-ctx.Done():
			}
		}()

		for {
			select {
			case err := <-errorChan:
				log.WithError(err).Fatalln("bot api get updates error")
			case update := <-updateChan:
				if err := updateProcessor.Process(ctx, &update); err != nil && !mgerrors.IsCanceled(err) {
					log.WithError(err).Errorln("cant process update")
				}
			case <-ctx.Done():
				log.WithError(ctx.Err()).Errorln("no more updates")
				return
			}
		}
	})

	os.Exit(0)
}

func recoverable(f func()) {
	defer func() {
		if err := recover(); err != nil {
			log.Errorf(`panic with message: %s, %s\n`, err, infra.IdentifyPanic())
			time.Sleep(5 * time.Second)
			go recoverable(f)
		}
	}()
	log.Debug("going recoverable")
	f()
}
