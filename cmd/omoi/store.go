package main

import (
	"fmt"
	"os"

	"github.com/kivo360/omoios/internal/config"
	"github.com/kivo360/omoios/internal/state"
)

// openStore opens the configured store for read-side commands.
func openStore() (*state.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if _, err := os.Stat(cfg.Store.Path); os.IsNotExist(err) {
		return nil, fmt.Errorf("no store at %s; run 'omoi run' first", cfg.Store.Path)
	}
	db, err := state.OpenDriver(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return db, nil
}
