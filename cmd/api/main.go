package main

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"flowcast/internal/config"
	"flowcast/internal/httpapi"
	"flowcast/internal/store"
	"flowcast/internal/webhook"
)

func main() {
	// 1. Load and validate environment variables — fail fast if the verify token is missing.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// 2. Initialise the SQLite store and run migrations.
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer db.Close()

	// 3. Set up the router.
	r := mux.NewRouter()

	dispatcher := webhook.NewDispatcher(db, cfg.MetaVerifyToken)
	r.HandleFunc("/meta/webhook", dispatcher.VerifyHandler).Methods(http.MethodGet)
	r.HandleFunc("/meta/webhook", dispatcher.PostHandler).Methods(http.MethodPost)

	api := httpapi.New(db)
	api.Register(r)

	// 4. Start the server.
	addr := ":" + cfg.Port
	log.Printf("server: listening on %s", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("server: %v", err)
	}
}
