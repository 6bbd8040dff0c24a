package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/segmentio/kafka-go"

	"relentless-harvester/internal/config"
	"relentless-harvester/internal/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("HARVESTER_CONFIG"), "path to INI config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log := logger.WithComponent("kafka-check")

	broker := cfg.Kafka.Brokers[0]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		log.Fatal().Err(err).Str("broker", broker).Msg("failed to connect to Kafka")
	}
	defer conn.Close()

	missing := 0
	for _, topic := range []string{cfg.Kafka.RequestTopic, cfg.Kafka.ResultsTopic, cfg.Kafka.FailuresTopic} {
		partitions, err := conn.ReadPartitions(topic)
		if err != nil || len(partitions) == 0 {
			missing++
			log.Error().Err(err).Str("topic", topic).Msg("topic not available")
			continue
		}
		log.Info().Str("topic", topic).Int("partitions", len(partitions)).Msg("topic ok")
	}
	if missing > 0 {
		os.Exit(1)
	}
	log.Info().Str("broker", broker).Msg("connected to Kafka")
}
