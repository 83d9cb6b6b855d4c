// Command crawler is the executable entry point: it wires the external
// configuration inputs of spec.md section 6 (seeds, emergency seeds,
// domain configuration, blacklist) into internal/engine and runs the
// crawl until a stop signal or the monitor's own shutdown trigger,
// exiting with the codes spec.md section 6 names.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/codepr/polite-crawler/internal/config"
	"github.com/codepr/polite-crawler/internal/engine"
	"github.com/codepr/polite-crawler/internal/env"
	"github.com/codepr/polite-crawler/internal/htmlworker"
	"github.com/codepr/polite-crawler/internal/storage"
	"github.com/codepr/polite-crawler/messaging"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := log.New(os.Stderr, "crawler: ", log.LstdFlags)

	settings := engine.SettingsFromEnv()
	settings.Logger = logger

	if env.GetEnvAsBool("FRESH_MODE", false) {
		settings.Mode = engine.Fresh
	}

	seeds, err := loadLines(env.GetEnv("SEEDS_FILE", "./seeds.txt"))
	if err != nil {
		logger.Printf("fatal: %v", err)
		return 1
	}
	settings.Seeds = seeds

	emergencySeeds, err := loadLinesOptional(env.GetEnv("EMERGENCY_SEEDS_FILE", "./emergency-seeds.txt"))
	if err != nil {
		logger.Printf("fatal: %v", err)
		return 1
	}
	settings.EmergencySeeds = emergencySeeds

	domainConfigPath := env.GetEnv("DOMAIN_CONFIG_FILE", "")
	if domainConfigPath != "" {
		f, err := os.Open(domainConfigPath)
		if err != nil {
			logger.Printf("fatal: open domain config: %v", err)
			return 1
		}
		dc, err := config.LoadDomainConfig(f)
		f.Close()
		if err != nil {
			logger.Printf("fatal: parse domain config: %v", err)
			return 1
		}
		settings.DomainConfig = dc
	}

	blacklistPath := env.GetEnv("BLACKLIST_FILE", "")
	if blacklistPath != "" {
		f, err := os.Open(blacklistPath)
		if err != nil {
			logger.Printf("fatal: open blacklist: %v", err)
			return 1
		}
		defer f.Close()
		settings.Blacklist = f
	}

	// The batch HTML writer and the conditional-GET metadata store are
	// external collaborators (spec.md section 6); this entry point falls
	// back to the in-memory reference implementations when no concrete
	// writer is wired in, matching the scope boundary SPEC_FULL.md draws.
	settings.Writer = &storage.InMemoryWriter{}

	queue := messaging.NewChannelQueue()
	settings.Queue = queue
	go consumeDiscoveryEvents(queue, logger)

	eng, err := engine.New(settings)
	if err != nil {
		logger.Printf("fatal: %v", err)
		return 1
	}
	eng.Seed(settings.Seeds)

	signals := make(chan os.Signal, 3)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	code := engine.RunWithSignals(eng, context.Background(), signals)
	queue.Close()

	summary := eng.Counters()
	logger.Printf("final summary: enqueued=%d dequeued=%d duplicates=%d depth_capped=%d rejected=%d filtered=%d parse_errors=%d disk_lines=%d",
		summary.Enqueued, summary.Dequeued, summary.Duplicates, summary.DepthCapped, summary.Rejected, summary.Filtered, summary.ParseErrors, summary.DiskLines)

	return code
}

// consumeDiscoveryEvents drains the discovery-event queue for the
// lifetime of the process, logging each page's extracted link count. It
// is the default, in-process stand-in for the decoupled indexer or
// link-graph consumer spec.md section 2's coordination protocol names.
// queue.Close (called once the crawl stops) makes Consume return, which
// closes events and lets the range loop below finish.
func consumeDiscoveryEvents(queue messaging.ChannelQueue, logger *log.Logger) {
	events := make(chan []byte, 64)
	go func() {
		defer close(events)
		if err := queue.Consume(events); err != nil {
			logger.Printf("messaging: consume error: %v", err)
		}
	}()
	for data := range events {
		var parsed htmlworker.ParsedResult
		if err := json.Unmarshal(data, &parsed); err != nil {
			continue
		}
		logger.Printf("discovered %d link(s) from %s", len(parsed.Links), parsed.URL)
	}
}

func loadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return config.LoadLines(f)
}

func loadLinesOptional(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return config.LoadLines(f)
}
