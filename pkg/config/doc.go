// Package config loads server configuration and manages the persisted
// security state.
//
// # Configuration
//
// Configuration comes from an optional YAML file with environment
// variables layered on top; the environment wins:
//
//	PORT="2403"
//	HOST="0.0.0.0"
//	DATABASE_URL="postgres://localhost/anvil"   # or mongodb://, sqlite://
//	REDIS_URL="redis://localhost:6379"
//	PRODUCTION="true"
//	ALLOWED_ORIGINS="https://app.example.com"
//	SCRIPT_TIMEOUT="10s"
//
// # Security state
//
// Secrets live in .deployd/security.json under the state directory. The
// file is generated with fresh keys on first run and kept mode 0600.
// MASTER_KEY and JWT_SECRET environment variables override the file
// without being written back; production requires JWT_SECRET so issued
// tokens survive a redeploy.
//
// # Usage
//
//	cfg, err := config.Load(path)
//	if err != nil {
//		log.Fatal(err)
//	}
//	sec, err := config.LoadSecurity(cfg.StateDir, cfg.Production, logger)
package config
