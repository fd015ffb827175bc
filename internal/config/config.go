package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"model-retrain-service/internal/core/domain"
)

const (
	DefaultProjectConfig = "config/register_best_model.yaml"
	DefaultMetric        = "test_f1_score"
)

type Config struct {
	Project  ProjectConfig
	Server   ServerConfig
	Logger   LoggerConfig
	Tracking TrackingConfig
	Data     DataConfig
	Features FeaturesConfig
	Training TrainingConfig
}

// ProjectConfig is the YAML document shared by the retrain and register flows.
type ProjectConfig struct {
	ExperimentName string `mapstructure:"experiment_name"`
	ModelName      string `mapstructure:"model_name"`
	Metric         string `mapstructure:"metric"`
	Alias          string `mapstructure:"alias"`
}

type ServerConfig struct {
	Host string
	Port int
}

type LoggerConfig struct {
	Level  string
	Format string
}

type TrackingConfig struct {
	Backend  string
	MLflow   MLflowConfig
	Database DatabaseConfig
}

type MLflowConfig struct {
	URI     string
	Token   string
	Timeout time.Duration
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type DataConfig struct {
	Root          string
	YearDirFormat string
	InterimDir    string
}

type FeaturesConfig struct {
	MaxDurationMin float64
	WidenInts      bool
}

type TrainingConfig struct {
	TestSize    float64
	RandomState int64
	Threshold   float64
}

const (
	BackendMLflow   = "mlflow"
	BackendPostgres = "postgres"
)

// Load reads runtime settings from the environment and the project YAML.
// An empty projectPath resolves DefaultProjectConfig under PROJECT_ROOT.
func Load(projectPath string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("PROJECT_ROOT", ".")
	v.SetDefault("RETRAIN_CONFIG", "")
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("LOGGER_LEVEL", "info")
	v.SetDefault("LOGGER_FORMAT", "text")
	v.SetDefault("TRACKING_BACKEND", BackendMLflow)
	v.SetDefault("MLFLOW_TRACKING_URI", "http://localhost:5000")
	v.SetDefault("MLFLOW_TRACKING_TOKEN", "")
	v.SetDefault("MLFLOW_TIMEOUT", "120s")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "tracking")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 4)
	v.SetDefault("DB_MAX_IDLE_CONNS", 1)
	v.SetDefault("DB_CONN_MAX_LIFETIME", "30m")
	v.SetDefault("DATA_ROOT", "data")
	v.SetDefault("DATA_YEAR_DIR_FORMAT", "%d-citibike-tripdata")
	v.SetDefault("DATA_INTERIM_DIR", "data/interim")
	v.SetDefault("FEATURES_MAX_DURATION_MIN", 360.0)
	v.SetDefault("FEATURES_WIDEN_INTS", true)
	v.SetDefault("TRAIN_TEST_SIZE", 0.2)
	v.SetDefault("TRAIN_RANDOM_STATE", 42)
	v.SetDefault("RETRAIN_THRESHOLD", 0.01)

	// Env
	v.AutomaticEnv()

	root := v.GetString("PROJECT_ROOT")
	if projectPath == "" {
		projectPath = v.GetString("RETRAIN_CONFIG")
	}
	if projectPath == "" {
		projectPath = DefaultProjectConfig
	}
	projectPath = resolve(root, projectPath)

	project, err := LoadProject(projectPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Project: *project,
		Server: ServerConfig{
			Host: v.GetString("SERVER_HOST"),
			Port: v.GetInt("SERVER_PORT"),
		},
		Logger: LoggerConfig{
			Level:  v.GetString("LOGGER_LEVEL"),
			Format: v.GetString("LOGGER_FORMAT"),
		},
		Tracking: TrackingConfig{
			Backend: v.GetString("TRACKING_BACKEND"),
			MLflow: MLflowConfig{
				URI:     v.GetString("MLFLOW_TRACKING_URI"),
				Token:   v.GetString("MLFLOW_TRACKING_TOKEN"),
				Timeout: parseDuration(v.GetString("MLFLOW_TIMEOUT"), 120*time.Second),
			},
			Database: DatabaseConfig{
				Host:            v.GetString("DB_HOST"),
				Port:            v.GetInt("DB_PORT"),
				User:            v.GetString("DB_USER"),
				Password:        v.GetString("DB_PASSWORD"),
				Name:            v.GetString("DB_NAME"),
				SSLMode:         v.GetString("DB_SSLMODE"),
				MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
				MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
				ConnMaxLifetime: parseDuration(v.GetString("DB_CONN_MAX_LIFETIME"), 30*time.Minute),
			},
		},
		Data: DataConfig{
			Root:          resolve(root, v.GetString("DATA_ROOT")),
			YearDirFormat: v.GetString("DATA_YEAR_DIR_FORMAT"),
			InterimDir:    resolve(root, v.GetString("DATA_INTERIM_DIR")),
		},
		Features: FeaturesConfig{
			MaxDurationMin: v.GetFloat64("FEATURES_MAX_DURATION_MIN"),
			WidenInts:      v.GetBool("FEATURES_WIDEN_INTS"),
		},
		Training: TrainingConfig{
			TestSize:    v.GetFloat64("TRAIN_TEST_SIZE"),
			RandomState: v.GetInt64("TRAIN_RANDOM_STATE"),
			Threshold:   v.GetFloat64("RETRAIN_THRESHOLD"),
		},
	}

	switch cfg.Tracking.Backend {
	case BackendMLflow, BackendPostgres:
	default:
		return nil, fmt.Errorf("%w: unknown tracking backend %q", domain.ErrInvalidConfig, cfg.Tracking.Backend)
	}

	return cfg, nil
}

// LoadProject reads the project YAML. experiment_name and model_name are
// required; metric and alias fall back to test_f1_score and production.
func LoadProject(path string) (*ProjectConfig, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("stat config: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("metric", DefaultMetric)
	v.SetDefault("alias", domain.DefaultAlias)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var project ProjectConfig
	if err := v.Unmarshal(&project); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	if project.ExperimentName == "" {
		return nil, fmt.Errorf("%w: experiment_name is required", domain.ErrInvalidConfig)
	}
	if project.ModelName == "" {
		return nil, fmt.Errorf("%w: model_name is required", domain.ErrInvalidConfig)
	}

	return &project, nil
}

func resolve(root, path string) string {
	if filepath.IsAbs(path) || root == "" {
		return path
	}
	return filepath.Join(root, path)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
