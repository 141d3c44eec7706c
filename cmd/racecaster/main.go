package main

import (
	"context"
	"os"
	"time"

	"racecaster/internal/config"
	"racecaster/internal/configlocator"
	"racecaster/internal/filewatch"
	"racecaster/internal/gateway"
	"racecaster/internal/logging"
	"racecaster/internal/version"
)

func main() {
	logger := logging.New()

	config.Load(logger)

	logger.WithField("version", version.GetInfo("racecaster").Version).Info("starting racecaster")

	cfg := gateway.Config{
		Port:          config.GetInt("PORT", 27123),
		TCPHost:       config.GetString("TCP_HOST", "127.0.0.1"),
		TCPPort:       config.GetInt("TCP_PORT", 27333),
		UDPPort:       config.GetInt("UDP_PORT", 27333),
		AutoDiscovery: config.GetBool("AUTO_DISCOVERY", true),

		XMLPath:           config.GetString("XML_PATH", ""),
		SettingsRoot:      config.GetString("SETTINGS_ROOT", ""),
		SettingsPrefix:    config.GetString("SETTINGS_PREFIX", "Canoe123"),
		ConfigLocatorMode: configlocator.Mode(config.GetString("CONFIG_LOCATOR_MODE", string(configlocator.ModeAutoOffline))),
		PollInterval:      time.Duration(config.GetInt("POLL_INTERVAL_MS", 2000)) * time.Millisecond,
		WatchMode:         filewatch.Mode(config.GetString("WATCH_MODE", string(filewatch.ModeNative))),
		DebounceInterval:  time.Duration(config.GetInt("DEBOUNCE_MS", 150)) * time.Millisecond,

		RegistryPath:    config.GetString("REGISTRY_PATH", "racecaster_settings.json"),
		RingLogCapacity: config.GetInt("RING_LOG_CAPACITY", 500),

		PublisherEnabled: config.GetBool("PUBLISHER_ENABLED", false),
		PublisherURL:     config.GetString("PUBLISHER_URL", ""),
	}

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to construct gateway")
	}

	// server.Run already traps SIGINT/SIGTERM itself; a background
	// context is enough here.
	if err := gw.Run(context.Background()); err != nil {
		logger.WithError(err).Error("gateway exited with error")
		os.Exit(1)
	}

	logger.Info("racecaster stopped cleanly")
}
