// Command tripkit tails the trip-detection service's event channels and can
// inject a test position, which is handy for verifying a deployment's
// channel prefix and redis reachability.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tripkit"
	"tripkit/config"
	"tripkit/events"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		redisHost  = flag.String("redis-host", "", "redis host (overrides config)")
		redisPort  = flag.Int("redis-port", 0, "redis port (overrides config)")
		redisDB    = flag.Int("redis-db", 0, "redis db (overrides config)")
		prefix     = flag.String("prefix", "", "channel prefix (overrides config)")
		httpBase   = flag.String("http-base", "", "service base URL for status queries")
		deviceID   = flag.String("publish-test", "", "publish one test position for this device id and exit")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *redisHost != "" {
		cfg.Redis.Host = *redisHost
	}
	if *redisPort != 0 {
		cfg.Redis.Port = *redisPort
	}
	if *redisDB != 0 {
		cfg.Redis.DB = *redisDB
	}
	if *prefix != "" {
		cfg.Redis.ChannelPrefix = *prefix
	}
	if *httpBase != "" {
		cfg.HTTP = &config.HTTPConfig{BaseURL: *httpBase}
	}
	if *debug {
		cfg.LogLevel = "debug"
		cfg.Logger = nil // rebuilt at the new level during resolve
	}
	// Surface transport problems directly when running interactively.
	cfg.ThrowOnError = true

	client, err := tripkit.New(cfg)
	if err != nil {
		log.Fatalf("Failed to build client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer client.Disconnect()

	if *deviceID != "" {
		p := events.NewPosition(*deviceID, time.Now(), 0, 0, 0)
		if err := client.PublishPosition(ctx, p); err != nil {
			log.Fatalf("Failed to publish test position: %v", err)
		}
		log.Printf("Published test position for %s", *deviceID)
		return
	}

	for _, channel := range events.InboundChannels() {
		channel := channel
		client.On(channel, func(payload json.RawMessage) {
			fmt.Printf("%s %s %s\n", time.Now().Format(time.RFC3339), channel, payload)
		})
	}
	if err := client.Subscribe(ctx); err != nil {
		log.Fatalf("Failed to subscribe: %v", err)
	}
	log.Printf("Tailing events with prefix %q, press Ctrl-C to stop", client.Config().Redis.ChannelPrefix)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("Shutting down...")
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	if _, err := os.Stat("tripkit.yml"); err == nil {
		return config.Load("tripkit.yml")
	}
	return config.FromEnv()
}
