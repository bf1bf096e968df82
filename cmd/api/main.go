package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voicehome/intenthub/internal/adapter"
	"github.com/voicehome/intenthub/internal/config"
	coreactor "github.com/voicehome/intenthub/internal/core/actor"
	"github.com/voicehome/intenthub/internal/core/domain"
	"github.com/voicehome/intenthub/internal/core/port"
	"github.com/voicehome/intenthub/internal/core/registry"
	"github.com/voicehome/intenthub/internal/server"
	"github.com/voicehome/intenthub/internal/util/actorutil"

	pactor "github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/reugn/go-quartz/job"
	"github.com/reugn/go-quartz/quartz"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func gracefulShutdown(apiServer *http.Server, done chan bool) {
	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Listen for the interrupt signal.
	<-ctx.Done()

	log.Println("shutting down gracefully, press Ctrl+C again to force")

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown with error: %v", err)
	}

	log.Println("Server exiting")

	// Notify the main goroutine that the shutdown is complete
	done <- true
}

func main() {

	// load and print config
	cfg, err := initConfig()
	if err != nil {
		slog.Error("config errors", "error", err)
		return
	}
	safePrintConfig(*cfg)

	// zap logger
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)

	logger := zap.Must(zapCfg.Build())

	// init actor system
	as := actorutil.NewActorSystemWithZapLogger(logger)
	ctx := as.Root

	defer logger.Sync()

	es := &eventstream.EventStream{}
	reg := registry.NewRegistry(logger)

	adapters, mqttAdapter, err := buildAdapters(cfg, es, logger)
	if err != nil {
		panic(err)
	}
	props := pactor.PropsFromProducer(func() pactor.Actor {
		return coreactor.NewHubActor(*cfg, reg, adapters, es, logger)
	})
	pid, err := ctx.SpawnNamed(props, domain.ACTOR_ID_HUB)
	if err != nil {
		return
	}

	if mqttAdapter != nil {
		// connect only once the actor tree answers, so retained state
		// reports land on a live synchronizer subscription
		if _, err := ctx.RequestFuture(pid, domain.ActorHealthRequest{}, 10*time.Second).Result(); err != nil {
			logger.Warn("actor tree slow to start", zap.Error(err))
		}
		// the broker may come up later; commands fail as unreachable and
		// the reconciler recovers once it connects
		if err := mqttAdapter.Connect(10 * time.Second); err != nil {
			logger.Warn("mqtt connect failed, continuing without broker", zap.Error(err))
		}
	}

	// reconciliation tick
	schedCtx, stopScheduler := context.WithCancel(context.Background())
	defer stopScheduler()
	sched := quartz.NewStdScheduler()
	sched.Start(schedCtx)
	reconcileJob := job.NewFunctionJob(func(_ context.Context) (bool, error) {
		ctx.Send(pid, domain.ReconcileTick{})
		return true, nil
	})
	err = sched.ScheduleJob(
		quartz.NewJobDetail(reconcileJob, quartz.NewJobKey("reconcile_tick")),
		quartz.NewSimpleTrigger(cfg.Sync.ReconcileInterval()))
	if err != nil {
		panic(fmt.Sprintf("reconcile job error: %s", err))
	}

	server := server.NewServer(*cfg, ctx, pid, reg)
	// Create a done channel to signal when the shutdown is complete
	done := make(chan bool, 1)

	// Run graceful shutdown in a separate goroutine
	go gracefulShutdown(server, done)

	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		panic(fmt.Sprintf("http server error: %s", err))
	}

	// Wait for the graceful shutdown to complete
	<-done
	log.Println("Graceful shutdown complete.")

	sched.Stop()
	if mqttAdapter != nil {
		mqttAdapter.Close(2 * time.Second)
	}
	ctx.Stop(pid)
	as.Shutdown()
}

func buildAdapters(cfg *config.Config, es *eventstream.EventStream, logger *zap.Logger) (port.AdapterSet, *adapter.MQTTAdapter, error) {
	adapters := make(port.AdapterSet)

	httpAdapter := adapter.NewHTTPAdapter(cfg, logger)
	adapters[httpAdapter.Protocol()] = httpAdapter

	modbusAdapter := adapter.NewModbusAdapter(cfg, logger)
	adapters[modbusAdapter.Protocol()] = modbusAdapter

	var mqttAdapter *adapter.MQTTAdapter
	if cfg.MQTT.Host != "" {
		mqttAdapter = adapter.NewMQTTAdapter(cfg, es, logger)
		adapters[mqttAdapter.Protocol()] = mqttAdapter
	}

	return adapters, mqttAdapter, nil
}

func initConfig() (*config.Config, error) {

	// alias PORT => INTENTHUB_PORT
	if port := os.Getenv("PORT"); port != "" {
		os.Setenv("INTENTHUB_PORT", port)
	}

	setConfigDefaults()

	viper.SetEnvPrefix("intenthub")
	viper.AutomaticEnv()

	// if defined, try to load config from yaml file
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if _, err := os.Stat(cfgFile); err == nil {
			slog.Info("Using config", "file", cfgFile)
			viper.SetConfigFile(cfgFile)

			err = viper.ReadInConfig()
			if err != nil {
				slog.Error("Error reading config file", "error", err)
			}
		}
	}

	var cfg config.Config

	err := viper.Unmarshal(&cfg)
	if err != nil {
		return nil, err
	}

	// parse log level
	switch viper.GetString("log_level") {
	case "trace":
		cfg.LogLevel = zap.DebugLevel
	case "debug":
		cfg.LogLevel = zap.DebugLevel
	case "info":
		cfg.LogLevel = zap.InfoLevel
	case "error":
		cfg.LogLevel = zap.ErrorLevel
	case "warn":
		cfg.LogLevel = zap.WarnLevel
	case "fatal":
		cfg.LogLevel = zap.FatalLevel
	default:
		cfg.LogLevel = zap.InfoLevel
	}

	// check and fix base topic
	if cfg.MQTT.Host != "" {
		baseTopic, err := config.CheckMQTTTopic(cfg.MQTT.BaseTopic)
		if err != nil {
			return nil, errors.New("invalid base topic. can only contain letters, numbers and underscores")
		}
		cfg.MQTT.BaseTopic = baseTopic
	}

	// check bounds
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setConfigDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("dispatch.max_retry_attempts", 2)
	viper.SetDefault("dispatch.per_attempt_timeout_millis", 3000)
	viper.SetDefault("dispatch.overall_deadline_millis", 10000)
	viper.SetDefault("dispatch.backoff_base_millis", 200)
	viper.SetDefault("dispatch.concurrency_limit", 16)
	viper.SetDefault("dispatch.device_idle_stop_seconds", 300)
	viper.SetDefault("scenario.fanout_limit", 8)
	viper.SetDefault("sync.reconcile_interval_seconds", 30)
	viper.SetDefault("sync.staleness_threshold_cycles", 3)
	viper.SetDefault("mqtt.port", 1883)
	viper.SetDefault("mqtt.base_topic", "intenthub")
	viper.SetDefault("http_adapter.timeout_millis", 3000)
	viper.SetDefault("modbus.timeout_millis", 2000)
	viper.SetDefault("port", 8080)
}

func safePrintConfig(cfg config.Config) {
	cfg.MQTT.Username = "*redacted*"
	cfg.MQTT.Password = "*redacted*"
	slog.Info("Using", "config", cfg)
}
