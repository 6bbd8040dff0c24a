package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relentless-harvester/internal/config"
	"relentless-harvester/internal/logger"
	"relentless-harvester/internal/seed"
	"relentless-harvester/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("HARVESTER_CONFIG"), "path to INI config file")
	seedPath := flag.String("seed", "seed.yaml", "YAML file with targets and egresses")
	apiBase := flag.String("api", "", "API base URL; when set, a manual scan of -family is triggered after seeding (e.g. http://localhost:8080)")
	family := flag.String("family", "", "target family to trigger; defaults to the API default")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log := logger.WithComponent("seed")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close store")
		}
	}()

	if err := run(ctx, st, *seedPath, *apiBase, *family, nil); err != nil {
		log.Fatal().Err(err).Msg("seed")
	}
}

// run applies the seed file at seedPath to st and, when apiBase is set, asks the API to
// start a scan. If client is nil, a default HTTP client (30s timeout) is used.
func run(ctx context.Context, st seed.Store, seedPath, apiBase, family string, client *http.Client) error {
	log := logger.WithComponent("seed")

	f, err := seed.Load(seedPath)
	if err != nil {
		return err
	}
	targets, egresses, err := seed.Apply(ctx, st, f)
	if err != nil {
		return err
	}
	log.Info().Int("targets", targets).Int("egresses", egresses).Str("file", seedPath).Msg("seed applied")

	if apiBase == "" {
		return nil
	}
	baseURL, err := url.Parse(apiBase)
	if err != nil {
		return err
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return triggerScan(ctx, client, baseURL, family)
}

var errTriggerRefused = errors.New("scan already active for family")

func triggerScan(ctx context.Context, client *http.Client, base *url.URL, family string) error {
	log := logger.WithComponent("seed")

	u := *base
	u.Path = "/scan"
	q := url.Values{"kind": {"manual"}}
	if family != "" {
		q.Set("family", family)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("trigger scan: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		log.Info().Str("family", family).Msg("scan triggered")
		return nil
	case http.StatusConflict:
		return errTriggerRefused
	default:
		return fmt.Errorf("trigger scan: unexpected status %d", resp.StatusCode)
	}
}
