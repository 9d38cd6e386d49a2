package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qqbridge-project/qqbridge/internal/api"
	"github.com/qqbridge-project/qqbridge/internal/cli"
	"github.com/qqbridge-project/qqbridge/internal/config"
	"github.com/qqbridge-project/qqbridge/internal/connector"
	"github.com/qqbridge-project/qqbridge/internal/db"
	"github.com/qqbridge-project/qqbridge/internal/events"
	"github.com/qqbridge-project/qqbridge/internal/health"
	"github.com/qqbridge-project/qqbridge/internal/plugin"
	"github.com/qqbridge-project/qqbridge/internal/server"
	"github.com/qqbridge-project/qqbridge/internal/telemetry"
	"github.com/qqbridge-project/qqbridge/internal/util"
)

func run(parent context.Context) error {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Msg("starting qqbridge")

	cfg, err := config.Load(globalFlags.ConfigDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.IsFirstRun() {
		log.Info().Msg("first run detected, launching setup wizard")
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			return fmt.Errorf("setup wizard failed: %w", err)
		}
	}

	logging := cfg.GetApplicationData().Logging
	if err := util.InitLogger(util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxSizeMB:  logging.MaxSizeMB,
		MaxBackups: logging.MaxBackups,
		Console:    true,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return fmt.Errorf("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eventBus := events.NewEventBus()
	defer eventBus.Stop()

	// a console quit ends the run like a signal
	eventBus.Subscribe(events.EventShutdown, "main", func(context.Context, events.Event) error {
		cancel()
		return nil
	})

	srvCfg := cfg.GetServer()
	game := server.NewProcessManager(server.ProcessConfig{
		Executable: srvCfg.Executable,
		Args:       srvCfg.Args,
		WorkDir:    srvCfg.WorkDir,
	}, eventBus)
	game.SetConsoleOutput(os.Stdout)

	bot := cfg.GetBot()
	sender := connector.NewSender(bot, cfg, nil)
	listener := connector.NewListener(bot, game, nil)

	var stats *db.StatsStore
	if statsCfg := cfg.GetApplicationData().Stats; statsCfg.Enabled {
		stats, err = db.NewStatsStore(statsCfg.Path)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open delivery stats, statistics disabled")
			stats = nil
		} else {
			defer stats.Close()
			sender.SetRecorder(stats)
		}
	}

	bridge := plugin.New(cfg, sender, listener, eventBus, game)
	bridge.OnLoad(ctx)

	var wg sync.WaitGroup

	if cfg.GetApplicationData().MQTT.Enabled {
		mqttHandler, err := telemetry.NewMQTTHandler(cfg, eventBus, game, bridge.SessionID())
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := mqttHandler.Start(ctx); err != nil {
					log.Warn().Err(err).Msg("MQTT telemetry failed")
				}
			}()
		}
	}

	if cfg.GetApplicationData().Health.Enabled {
		watchdog := health.NewManager(cfg, eventBus, game)
		watchdog.AddLink("sender", sender)
		watchdog.AddLink("listener", listener)
		wg.Add(1)
		go func() {
			defer wg.Done()
			watchdog.Start(ctx)
		}()
	}

	if cfg.GetApplicationData().API.Enabled {
		apiServer := newAPIServer(cfg, game, bridge, stats)
		apiServer.AddLink("sender", sender)
		apiServer.AddLink("listener", listener)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("API server failed (non-fatal)")
			}
		}()
	}

	if srvCfg.AutoStart && !globalFlags.NoServer {
		if err := game.Start(context.Background()); err != nil {
			log.Error().Err(err).Msg("failed to start game server")
		}
	}

	if !globalFlags.NoConsole {
		console := newConsole(cfg, eventBus, game, bridge, stats)
		console.AddLink("sender", sender)
		console.AddLink("listener", listener)
		// the console goroutine may stay blocked on stdin; it is not waited for
		go console.Start(ctx)
	}

	<-ctx.Done()
	log.Info().Msg("initiating graceful shutdown...")

	if game.IsRunning() {
		if err := game.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop game server")
		}
	}
	bridge.OnUnload(context.Background())

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	log.Info().Msg("qqbridge stopped")
	return nil
}

// newAPIServer and newConsole keep a nil stats store from becoming a
// non-nil interface.
func newAPIServer(cfg *config.Config, game *server.ProcessManager, bridge *plugin.Plugin, stats *db.StatsStore) *api.Server {
	if stats == nil {
		return api.NewServer(cfg, game, bridge, nil)
	}
	return api.NewServer(cfg, game, bridge, stats)
}

func newConsole(cfg *config.Config, bus *events.EventBus, game *server.ProcessManager, bridge *plugin.Plugin, stats *db.StatsStore) *cli.CLI {
	if stats == nil {
		return cli.NewCLI(cfg, bus, game, bridge, nil, os.Stdin, os.Stdout)
	}
	return cli.NewCLI(cfg, bus, game, bridge, stats, os.Stdin, os.Stdout)
}
