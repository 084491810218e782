// Package config loads runtime configuration from the environment,
// with an optional .env file for local development.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds everything the swarm daemons read at startup.
type Config struct {
	// Redis bus.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// SQLite database path (":memory:" for tests/demo).
	DBPath string

	// S3-compatible object store. Empty bucket selects the in-memory
	// store (demo mode).
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string

	// Worker backends.
	ExtractionURL string
	EmbeddingURL  string
	EmbedModel    string

	// Policy and finality files.
	PolicyPath   string
	FinalityPath string
	// WASMPolicyPath, when set, replaces the declarative binding.
	WASMPolicyPath string

	// HTTP surfaces.
	FeedAddr   string
	ReviewAddr string

	// Auth.
	APIToken  string
	JWTSecret string

	// CertSeed is the base64url Ed25519 seed; empty means ephemeral.
	CertSeed []byte

	// Remote authorizer; empty uses the in-process engine.
	AuthzURL string

	LogLevel string
}

// Load reads the environment, after best-effort loading a .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		RedisAddr:      getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		DBPath:         getenv("SWARM_DB_PATH", "swarm.db"),
		S3Bucket:       os.Getenv("S3_BUCKET"),
		S3Region:       getenv("S3_REGION", "us-east-1"),
		S3Endpoint:     os.Getenv("S3_ENDPOINT"),
		S3Prefix:       os.Getenv("S3_PREFIX"),
		ExtractionURL:  getenv("EXTRACTION_URL", "http://localhost:8090"),
		EmbeddingURL:   getenv("EMBEDDING_URL", "http://localhost:11434"),
		EmbedModel:     getenv("EMBED_MODEL", "mxbai-embed-large"),
		PolicyPath:     getenv("POLICY_PATH", "policy.yaml"),
		FinalityPath:   getenv("FINALITY_PATH", "finality.yaml"),
		WASMPolicyPath: os.Getenv("WASM_POLICY_PATH"),
		FeedAddr:       getenv("FEED_ADDR", ":8080"),
		ReviewAddr:     getenv("REVIEW_ADDR", ":8081"),
		APIToken:       os.Getenv("API_TOKEN"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		AuthzURL:       os.Getenv("AUTHZ_URL"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
	}

	if raw := os.Getenv("REDIS_DB"); raw != "" {
		db, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("config: REDIS_DB: %w", err)
		}
		cfg.RedisDB = db
	}
	if raw := os.Getenv("CERT_SEED"); raw != "" {
		seed, err := base64.RawURLEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("config: CERT_SEED: %w", err)
		}
		cfg.CertSeed = seed
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
