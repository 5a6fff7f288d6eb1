// Package config loads carehub configuration.
//
// Values come from built-in defaults, then an optional YAML file named by
// CAREHUB_CONFIG_FILE, then CAREHUB_* environment variables. Later sources win.
//
//	CAREHUB_PORT="8080"
//	CAREHUB_HEALTH_PORT="9090"
//	CAREHUB_POSTGRES_URL="postgres://carehub@db/carehub?sslmode=disable"
//	CAREHUB_REDIS_URL="redis://cache:6379/0"     # optional L2 access cache
//	CAREHUB_CACHE_TTL="1m"                       # bounds staleness of cached access sets
//	CAREHUB_SESSION_TTL="8h"
//	CAREHUB_OIDC_ISSUER_URL="https://id.example.com"
//	CAREHUB_MENU_CATALOG="/etc/carehub/menu.yaml"
//	CAREHUB_MENU_WATCH="true"                     # reload the catalog on change
//	CAREHUB_AUDIT_RETENTION="61320h"              # seven years
//	CAREHUB_LOG_LEVEL="info"
//
// The same settings in YAML:
//
//	database:
//	  url: postgres://carehub@db/carehub
//	session:
//	  ttl: 8h
//	auth:
//	  oidc:
//	    issuer_url: https://id.example.com
//	    client_id: carehub
//
// LoadConfig validates the result and fails on unknown YAML keys.
package config
