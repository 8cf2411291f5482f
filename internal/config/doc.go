// Package config provides centralized configuration management for the
// license gate. It loads defaults, overlays an optional YAML file and then
// environment variables, and validates the result.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//	1. Environment variables (highest priority)
//	2. YAML configuration file
//	3. Default values (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern LRAG_<SECTION>_<FIELD>:
//
//	LRAG_SERVER_PORT=8080
//	LRAG_LICENSING_KEYS_DIR=/var/lib/localrag/licenses
//	LRAG_LICENSING_STRICT_QUOTA=true
//	LRAG_LOGGING_LEVEL=debug
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    return err
//	}
//	store := license.NewKeyStore(cfg.Licensing.PrivateKeyFile(), cfg.Licensing.PublicKeyFile())
package config
