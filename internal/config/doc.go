// Package config handles configuration loading for chatgate.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${CHATGATE_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	auth:
//	  token_ttl: "24h"
//	agent:
//	  timeout: "60s"
//
// # Configuration Sections
//
// Server and database:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	database:
//	  path: "/var/lib/chatgate/chatgate.db"
//
// Authentication and registration policy:
//
//	auth:
//	  jwt_secret: "${CHATGATE_JWT_SECRET}"
//	  token_ttl: "24h"
//	  allowed_domains: ["example.com"]
//
// External query agent:
//
//	agent:
//	  endpoint: "http://localhost:9090/query"
//	  timeout: "60s"
//
// Admin notification (SMTP optional; falls back to log-only):
//
//	notify:
//	  smtp_host: "smtp.example.com"
//	  smtp_port: 587
//	  from_addr: "noreply@example.com"
//	  admin_addrs: ["admin@example.com"]
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "chatgate"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
package config
