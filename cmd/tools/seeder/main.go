// Command seeder loads a JSON fixture of products and tariffs into the
// configured store.
package main

import (
	"bytes"
	"context"
	"flag"
	"io"
	"os"
	"time"

	"github.com/noah-isme/pos-pricing/internal/config"
	"github.com/noah-isme/pos-pricing/internal/obs"
	"github.com/noah-isme/pos-pricing/internal/store"
)

func main() {
	file := flag.String("file", "", "fixture path; the bundled demo fixture when empty")
	flag.Parse()

	cfg := config.MustLoad()
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel)

	if !cfg.UsePostgres() {
		logger.Fatal().Msg("DATABASE_URL is not set; the in-memory store does not outlive the seeder")
	}

	var src io.Reader = bytes.NewReader(defaultFixture)
	if *file != "" {
		fh, err := os.Open(*file)
		if err != nil {
			logger.Fatal().Err(err).Msg("open fixture")
		}
		defer fh.Close()
		src = fh
	}
	fixture, err := decodeFixture(src)
	if err != nil {
		logger.Fatal().Err(err).Msg("load fixture")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	backend, closeBackend, err := store.Open(ctx, cfg.DatabaseURL, cfg.DatabaseMigrate)
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer closeBackend()

	if err := apply(ctx, backend, fixture); err != nil {
		logger.Fatal().Err(err).Msg("seed")
	}
	logger.Info().Int("products", len(fixture.Products)).Int("tariffs", len(fixture.Tariffs)).Msg("seeding completed")
}
