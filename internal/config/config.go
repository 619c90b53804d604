package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "5s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the forkdbd daemon configuration. Values are resolved in order:
// defaults, config/config.yml, config/config.local.yml, environment.
type Config struct {
	Storage     StorageConfig     `yaml:"storage"`
	Replication ReplicationConfig `yaml:"replication"`
	API         APIConfig         `yaml:"api"`
	NATS        NATSConfig        `yaml:"nats"`
	Auth        AuthConfig        `yaml:"auth"`
}

type StorageConfig struct {
	// Backend selects the master-side store: "memory" or "mongo".
	Backend      string `yaml:"backend"`
	MongoURI     string `yaml:"mongo_uri"`
	DatabaseName string `yaml:"database_name"`

	// SQLitePath is the fork-side database file for embedded collections.
	SQLitePath string `yaml:"sqlite_path"`

	// CheckpointPath is the bbolt file holding replication checkpoints.
	CheckpointPath string `yaml:"checkpoint_path"`
}

type ReplicationConfig struct {
	Collections    []string `yaml:"collections"`
	PullBatchSize  int      `yaml:"pull_batch_size"`
	PushBatchSize  int      `yaml:"push_batch_size"`
	RetryDelay     Duration `yaml:"retry_delay"`
	ResyncInterval Duration `yaml:"resync_interval"`
	ConflictPolicy string   `yaml:"conflict_policy"` // "last-write-wins" or "prefer-master"
	MasterURL      string   `yaml:"master_url"`      // non-empty: replicate against a remote HTTP master
	MasterToken    string   `yaml:"master_token"`    // bearer token presented to the remote master
}

type APIConfig struct {
	Port int `yaml:"port"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

type AuthConfig struct {
	Enabled        bool     `yaml:"enabled"`
	PrivateKeyPath string   `yaml:"private_key_path"`
	TokenTTL       Duration `yaml:"token_ttl"`
}

func defaults() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:        "memory",
			MongoURI:       "mongodb://localhost:27017",
			DatabaseName:   "forkdb",
			SQLitePath:     "forkdb.sqlite",
			CheckpointPath: "forkdb-checkpoints.db",
		},
		Replication: ReplicationConfig{
			Collections:    []string{"default"},
			PullBatchSize:  100,
			PushBatchSize:  100,
			RetryDelay:     Duration(5 * time.Second),
			ConflictPolicy: "last-write-wins",
		},
		API: APIConfig{
			Port: 8080,
		},
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		Auth: AuthConfig{
			PrivateKeyPath: "forkdb-key.pem",
			TokenTTL:       Duration(time.Hour),
		},
	}
}

// LoadConfig resolves the effective configuration.
func LoadConfig() *Config {
	cfg := defaults()

	loadFile(cfg, "config/config.yml")
	loadFile(cfg, "config/config.local.yml")
	applyEnv(cfg)

	return cfg
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[Config] Failed to parse %s: %v", path, err)
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MONGO_URI"); v != "" {
		cfg.Storage.MongoURI = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Storage.DatabaseName = v
	}
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("CHECKPOINT_PATH"); v != "" {
		cfg.Storage.CheckpointPath = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("MASTER_URL"); v != "" {
		cfg.Replication.MasterURL = v
	}
	if v := os.Getenv("MASTER_TOKEN"); v != "" {
		cfg.Replication.MasterToken = v
	}
}
