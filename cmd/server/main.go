package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"tuya-proxy/internal/config"
	"tuya-proxy/internal/device"
	"tuya-proxy/internal/httpapi"
	"tuya-proxy/internal/logger"
	"tuya-proxy/internal/mqtt"
	mysqlstore "tuya-proxy/internal/store/mysql"
	redisstore "tuya-proxy/internal/store/redis"
	"tuya-proxy/internal/tuya"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("invalid configuration")
	}

	log := logger.New(cfg.Log)
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tuya: no token, no listener
	tuyaCli := tuya.New(tuya.Config{
		Endpoint:      cfg.Tuya.Endpoint,
		AccessID:      cfg.Tuya.AccessID,
		AccessSecret:  cfg.Tuya.AccessSecret,
		Lang:          cfg.Tuya.Lang,
		Timeout:       cfg.Tuya.Timeout,
		FailThreshold: cfg.Tuya.FailThreshold,
		OpenDuration:  cfg.Tuya.OpenDuration,
	}, logger.Component(log, "tuya"))

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Tuya.Timeout+5*time.Second)
	if _, err := tuyaCli.Connect(connectCtx); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("connect to tuya failed")
	}
	cancel()
	defer tuyaCli.Close()

	devDeps := device.Deps{
		Vendor: tuyaCli,
		Logger: logger.Component(log, "device"),
	}
	apiDeps := httpapi.Deps{
		ActiveTTL: cfg.Redis.ActiveTTL,
		Logger:    logger.Component(log, "http"),
	}

	// MySQL command audit
	if cfg.MySQL.Enabled() {
		my, err := mysqlstore.New(mysqlstore.Config{
			Host:    cfg.MySQL.Host,
			Port:    cfg.MySQL.Port,
			User:    cfg.MySQL.User,
			Pass:    cfg.MySQL.Pass,
			DB:      cfg.MySQL.DB,
			MaxOpen: cfg.MySQL.MaxOpen,
			MaxIdle: cfg.MySQL.MaxIdle,
		}, logger.Component(log, "mysql"))
		if err != nil {
			log.Fatal().Err(err).Msg("init mysql failed")
		}
		defer my.Close()
		devDeps.Audit = my
		apiDeps.History = my
	}

	// Redis active devices
	if cfg.Redis.Enabled() {
		rd, err := redisstore.New(redisstore.Config{
			Addr: cfg.Redis.Addr,
			DB:   cfg.Redis.DB,
		}, logger.Component(log, "redis"))
		if err != nil {
			log.Fatal().Err(err).Msg("init redis failed")
		}
		defer rd.Close()
		devDeps.Activity = rd
		apiDeps.Active = rd
	}

	svc := device.New(devDeps)
	apiDeps.Devices = svc

	httpSrv := httpapi.New(apiDeps, cfg.HTTP.Addr)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("http server starting")
		if err := httpSrv.Start(); err != nil {
			log.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	var bridge *mqtt.Bridge
	if cfg.MQTT.Enabled() {
		bridge = mqtt.NewBridge(mqtt.Deps{
			Devices: svc,
			Logger:  logger.Component(log, "mqtt"),
		}, cfg.MQTT)

		go func() {
			if err := bridge.Run(ctx); err != nil {
				log.Error().Err(err).Msg("mqtt bridge error")
				stop()
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if bridge != nil {
		bridge.Close()
	}

	log.Info().Msg("bye")
}
