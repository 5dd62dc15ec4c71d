// Command seed loads the YAML-defined sample flows through the sanitizer and
// persists them for a tenant, for local development and demos.
package main

import (
	"flag"
	"log"

	"flowcast/internal/config"
	"flowcast/internal/fixtures"
	"flowcast/internal/models"
	"flowcast/internal/store"
)

func main() {
	path := flag.String("file", "fixtures/sample_flows.yaml", "YAML file of seed flows")
	userID := flag.String("user", "", "owning user id (required)")
	flag.Parse()

	if *userID == "" {
		log.Fatal("seed: -user is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("seed: config: %v", err)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("seed: store: %v", err)
	}
	defer db.Close()

	flows := fixtures.MustLoad(*path)
	for _, f := range flows {
		def, err := f.Sanitized()
		if err != nil {
			log.Fatalf("seed: flow %q: %v", f.Name, err)
		}
		flow := &models.Flow{
			UserID:     *userID,
			Name:       f.Name,
			Trigger:    f.Trigger,
			Status:     models.FlowActive,
			Channel:    models.ChannelWhatsApp,
			Definition: def,
		}
		if err := db.CreateFlow(flow); err != nil {
			log.Fatalf("seed: creating flow %q: %v", f.Name, err)
		}
		log.Printf("seed: created flow %q (%s)", flow.Name, flow.ID)
	}
}
