package main

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/flasharr/flasharr/internal/config"
	"github.com/flasharr/flasharr/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "apply pending database migrations and exit",
	Long:  `migrate opens the configured SQLite database, runs every pending golang-migrate migration, and exits — the same migration step serve runs automatically at startup.`,
	Run: func(cmd *cobra.Command, args []string) {
		runMigrate()
	},
}

func runMigrate() {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	st, err := store.New(cfg.DataDir + "/flasharr.db")
	if err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	defer st.Close()

	log.Printf("database at %s/flasharr.db is up to date", cfg.DataDir)
}
