// Command geocore-load bulk-ingests a GeoJSON FeatureCollection into the
// feature store selected by the environment (GEOCORE_STORAGE_DRIVER and
// friends; a .env file in the working directory is honored).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"geocore/internal/core"
	"geocore/internal/geometry"
)

type rawFeature struct {
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

func main() {
	inputFile := flag.String("in", "", "input GeoJSON FeatureCollection file")
	fixTopology := flag.Bool("fix", false, "repair invalid geometries instead of rejecting them")
	progressEvery := flag.Int("progress", 1000, "print progress every N loaded features (0 disables)")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if *inputFile == "" {
		flag.Usage()
		os.Exit(2)
	}

	_ = godotenv.Load()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	backend, err := core.OpenBackend()
	if err != nil {
		log.Fatalf("open backend: %v", err)
	}
	defer func() { _ = backend.Close() }()

	svc := core.NewService(backend,
		core.WithLogger(core.NewSlogLogger(logger)),
		core.WithWorkers(core.WorkersFromEnv()),
	)

	f, err := os.Open(*inputFile)
	if err != nil {
		log.Fatalf("open input: %v", err)
	}
	defer func() { _ = f.Close() }()

	start := time.Now()
	loaded, failed, err := load(context.Background(), svc, f, *fixTopology, *progressEvery)
	if err != nil {
		log.Fatalf("load: %v", err)
	}
	fmt.Printf("Done. Loaded %d features (%d rejected) in %v.\n", loaded, failed, time.Since(start).Round(time.Millisecond))
}

// load streams the features array without holding the whole collection in
// memory. Rejected features are logged and counted, not fatal; a malformed
// document is.
func load(ctx context.Context, svc *core.Service, r io.Reader, fixTopology bool, progressEvery int) (loaded, failed int, err error) {
	dec := json.NewDecoder(r)
	for {
		t, err := dec.Token()
		if err != nil {
			return loaded, failed, fmt.Errorf("scan for features array: %w", err)
		}
		if s, ok := t.(string); ok && s == "features" {
			break
		}
	}
	// Opening bracket of the array.
	if _, err := dec.Token(); err != nil {
		return loaded, failed, fmt.Errorf("read features array: %w", err)
	}

	for dec.More() {
		var raw rawFeature
		if err := dec.Decode(&raw); err != nil {
			return loaded, failed, fmt.Errorf("decode feature %d: %w", loaded+failed+1, err)
		}
		feature, repair, err := svc.AddFeature(ctx, geometry.FromGeoJSON(raw.Geometry), raw.Properties, fixTopology)
		if err != nil {
			failed++
			slog.Warn("feature rejected", "index", loaded+failed, "error", err)
			continue
		}
		if repair.Status == geometry.RepairRepaired {
			slog.Debug("feature repaired", "feature_id", feature.ID, "reason", repair.Reason)
		}
		loaded++
		if progressEvery > 0 && loaded%progressEvery == 0 {
			fmt.Printf("\rLoaded: %d...", loaded)
		}
	}
	if progressEvery > 0 && loaded >= progressEvery {
		fmt.Println()
	}
	return loaded, failed, nil
}
