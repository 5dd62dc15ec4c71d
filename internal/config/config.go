package config

import (
	"fmt"
	"os"
)

// Config holds the process-wide settings: a handle to persistence and the
// webhook verification token. Per-tenant Meta credentials (access token,
// phone number id) live on the User entity in the store, not here — there
// is no single "the" WhatsApp account.
type Config struct {
	DBPath string
	Port   string

	// MetaVerifyToken is compared against hub.verify_token on the webhook
	// subscription handshake.
	MetaVerifyToken string

	// Verbose controls log chattiness, the NODE_ENV-style mode flag.
	Verbose bool
}

// Load reads environment variables, applying alias and default rules.
// Fails fast only on the one setting with no safe default: the webhook
// verify token.
func Load() (*Config, error) {
	verifyToken := firstNonEmpty(
		os.Getenv("META_VERIFY_TOKEN"),
		os.Getenv("WHATSAPP_VERIFY_TOKEN"),
		os.Getenv("VERIFY_TOKEN"),
	)
	if verifyToken == "" {
		return nil, fmt.Errorf("missing required environment variable: META_VERIFY_TOKEN (or WHATSAPP_VERIFY_TOKEN, VERIFY_TOKEN)")
	}

	port := firstNonEmpty(os.Getenv("PORT"), os.Getenv("APP_PORT"))
	if port == "" {
		port = "3000"
	}

	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "/data/db.sqlite" // default: Docker volume path
	}

	return &Config{
		DBPath:          dbPath,
		Port:            port,
		MetaVerifyToken: verifyToken,
		Verbose:         os.Getenv("NODE_ENV") != "production",
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
