package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Authority environments
const (
	EnvironmentCertification = "certificacion"
	EnvironmentProduction    = "produccion"
)

// Voided folio report policies
const (
	VoidedReportOnDemand  = "on_demand"
	VoidedReportScheduled = "scheduled"
)

var authorityHosts = map[string]string{
	EnvironmentCertification: "https://maullin.sii.cl",
	EnvironmentProduction:    "https://palena.sii.cl",
}

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Log       LogConfig
	HTTP      HTTPConfig
	Swagger   SwaggerConfig
	Telemetry TelemetryConfig
	Storage   StorageConfig
	Authority AuthorityConfig
	Company   CompanyConfig
	CAF       CAFConfig
	Envelope  EnvelopeConfig
	Scheduler SchedulerConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string // postgres or sqlite
	SQLitePath      string
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	LockTTL  time.Duration
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// JWTConfig holds settings for validating operator tokens on the local API
type JWTConfig struct {
	Secret string
	Issuer string
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int
	MaxBodySize    int64
	RateLimit      float64 // requests per second per operator
	RateBurst      int
	IdempotencyTTL time.Duration
}

// SwaggerConfig holds the API documentation endpoint settings
type SwaggerConfig struct {
	Enabled     bool
	RequireAuth bool
	AllowedIPs  []string
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool
	CollectorEndpoint string
	SamplingRatio     float64
	ServiceName       string
	Insecure          bool
	MetricsInterval   time.Duration
	DBTraceEnabled    bool
	Profiling         ProfilingConfig
}

// ProfilingConfig holds Pyroscope continuous profiling settings
type ProfilingConfig struct {
	Enabled           bool
	ServerAddress     string
	BasicAuthUser     string
	BasicAuthPassword string
	ProfileTypes      []string // cpu, alloc_objects, alloc_space, inuse_objects, inuse_space, goroutines, mutex, block
	SpanProfiles      bool     // tag CPU samples with the active span
}

// StorageConfig holds the S3 archive settings
type StorageConfig struct {
	Enabled         bool
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	Prefix          string
}

// AuthorityConfig holds the tax authority connection and retry policy
type AuthorityConfig struct {
	Environment      string
	BaseURL          string
	RequestTimeout   time.Duration
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	RetryWindow      time.Duration
	SLAWindow        time.Duration
	TokenTTL         time.Duration
	ResolutionNumber int
	ResolutionDate   string
}

// CompanyConfig identifies the issuing company and its certificate
type CompanyConfig struct {
	RUT                 string
	SenderRUT           string
	CertificatePath     string
	CertificatePassword string
	RevokedSerials      []string
	AgeIdentity         string
	AgeRecipient        string
}

// CAFConfig holds folio authorization settings
type CAFConfig struct {
	ValidityDays      int
	LowStockThreshold int64
	// TrustedKeys maps the authority key id (IDK) to a PEM public key file
	TrustedKeys map[string]string
}

// EnvelopeConfig holds envelope packing settings
type EnvelopeConfig struct {
	MaxDocuments int
	PackBatch    int
}

// SchedulerConfig holds background worker settings
type SchedulerConfig struct {
	Enabled              bool
	DispatchInterval     time.Duration
	PollInterval         time.Duration
	PollBatch            int
	VoidedReportPolicy   string
	VoidedReportInterval time.Duration
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with DTE_ prefix (e.g., DTE_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/dte")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("DTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("database.driver"),
			SQLitePath:      v.GetString("database.sqlite_path"),
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			LockTTL:  v.GetDuration("redis.lock_ttl"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
			Issuer: v.GetString("jwt.issuer"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:    v.GetDuration("http.read_timeout"),
			WriteTimeout:   v.GetDuration("http.write_timeout"),
			IdleTimeout:    v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes: v.GetInt("http.max_header_bytes"),
			MaxBodySize:    v.GetInt64("http.max_body_size"),
			RateLimit:      v.GetFloat64("http.rate_limit"),
			RateBurst:      v.GetInt("http.rate_burst"),
			IdempotencyTTL: v.GetDuration("http.idempotency_ttl"),
		},
		Swagger: SwaggerConfig{
			Enabled:     v.GetBool("swagger.enabled"),
			RequireAuth: v.GetBool("swagger.require_auth"),
			AllowedIPs:  v.GetStringSlice("swagger.allowed_ips"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			MetricsInterval:   v.GetDuration("telemetry.metrics_interval"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			Profiling: ProfilingConfig{
				Enabled:           v.GetBool("telemetry.profiling.enabled"),
				ServerAddress:     v.GetString("telemetry.profiling.server_address"),
				BasicAuthUser:     v.GetString("telemetry.profiling.basic_auth_user"),
				BasicAuthPassword: v.GetString("telemetry.profiling.basic_auth_password"),
				ProfileTypes:      v.GetStringSlice("telemetry.profiling.profile_types"),
				SpanProfiles:      v.GetBool("telemetry.profiling.span_profiles"),
			},
		},
		Storage: StorageConfig{
			Enabled:         v.GetBool("storage.enabled"),
			Bucket:          v.GetString("storage.bucket"),
			Region:          v.GetString("storage.region"),
			Endpoint:        v.GetString("storage.endpoint"),
			AccessKeyID:     v.GetString("storage.access_key_id"),
			SecretAccessKey: v.GetString("storage.secret_access_key"),
			UsePathStyle:    v.GetBool("storage.use_path_style"),
			Prefix:          v.GetString("storage.prefix"),
		},
		Authority: AuthorityConfig{
			Environment:      v.GetString("authority.environment"),
			BaseURL:          v.GetString("authority.base_url"),
			RequestTimeout:   v.GetDuration("authority.request_timeout"),
			MaxAttempts:      v.GetInt("authority.max_attempts"),
			InitialBackoff:   v.GetDuration("authority.initial_backoff"),
			MaxBackoff:       v.GetDuration("authority.max_backoff"),
			RetryWindow:      v.GetDuration("authority.retry_window"),
			SLAWindow:        v.GetDuration("authority.sla_window"),
			TokenTTL:         v.GetDuration("authority.token_ttl"),
			ResolutionNumber: v.GetInt("authority.resolution_number"),
			ResolutionDate:   v.GetString("authority.resolution_date"),
		},
		Company: CompanyConfig{
			RUT:                 v.GetString("company.rut"),
			SenderRUT:           v.GetString("company.sender_rut"),
			CertificatePath:     v.GetString("company.certificate_path"),
			CertificatePassword: v.GetString("company.certificate_password"),
			RevokedSerials:      v.GetStringSlice("company.revoked_serials"),
			AgeIdentity:         v.GetString("company.age_identity"),
			AgeRecipient:        v.GetString("company.age_recipient"),
		},
		CAF: CAFConfig{
			ValidityDays:      v.GetInt("caf.validity_days"),
			LowStockThreshold: v.GetInt64("caf.low_stock_threshold"),
			TrustedKeys:       v.GetStringMapString("caf.trusted_keys"),
		},
		Envelope: EnvelopeConfig{
			MaxDocuments: v.GetInt("envelope.max_documents"),
			PackBatch:    v.GetInt("envelope.pack_batch"),
		},
		Scheduler: SchedulerConfig{
			Enabled:              v.GetBool("scheduler.enabled"),
			DispatchInterval:     v.GetDuration("scheduler.dispatch_interval"),
			PollInterval:         v.GetDuration("scheduler.poll_interval"),
			PollBatch:            v.GetInt("scheduler.poll_batch"),
			VoidedReportPolicy:   v.GetString("scheduler.voided_report_policy"),
			VoidedReportInterval: v.GetDuration("scheduler.voided_report_interval"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "dte-engine"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.SQLitePath == "" {
		cfg.Database.SQLitePath = "dte.db"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "dte"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.LockTTL == 0 {
		cfg.Redis.LockTTL = 5 * time.Minute
	}
	if cfg.JWT.Issuer == "" {
		cfg.JWT.Issuer = "dte-engine"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 30 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 10 << 20
	}
	if cfg.HTTP.RateLimit == 0 {
		cfg.HTTP.RateLimit = 50
	}
	if cfg.HTTP.RateBurst == 0 {
		cfg.HTTP.RateBurst = 100
	}
	if cfg.HTTP.IdempotencyTTL == 0 {
		cfg.HTTP.IdempotencyTTL = 24 * time.Hour
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "dte-engine"
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = 60 * time.Second
	}
	if len(cfg.Telemetry.Profiling.ProfileTypes) == 0 {
		cfg.Telemetry.Profiling.ProfileTypes = []string{"cpu", "alloc_space", "inuse_space", "goroutines"}
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = "us-east-1"
	}
	if cfg.Storage.Prefix == "" {
		cfg.Storage.Prefix = "dte"
	}
	if cfg.Authority.Environment == "" {
		cfg.Authority.Environment = EnvironmentCertification
	}
	if cfg.Authority.BaseURL == "" {
		cfg.Authority.BaseURL = authorityHosts[cfg.Authority.Environment]
	}
	if cfg.Authority.RequestTimeout == 0 {
		cfg.Authority.RequestTimeout = 30 * time.Second
	}
	if cfg.Authority.MaxAttempts == 0 {
		cfg.Authority.MaxAttempts = 6
	}
	if cfg.Authority.InitialBackoff == 0 {
		cfg.Authority.InitialBackoff = 5 * time.Second
	}
	if cfg.Authority.MaxBackoff == 0 {
		cfg.Authority.MaxBackoff = 5 * time.Minute
	}
	if cfg.Authority.RetryWindow == 0 {
		cfg.Authority.RetryWindow = 30 * time.Minute
	}
	if cfg.Authority.SLAWindow == 0 {
		cfg.Authority.SLAWindow = 2 * time.Hour
	}
	if cfg.Authority.TokenTTL == 0 {
		cfg.Authority.TokenTTL = 50 * time.Minute
	}
	if cfg.CAF.ValidityDays == 0 {
		cfg.CAF.ValidityDays = 180
	}
	if cfg.CAF.LowStockThreshold == 0 {
		cfg.CAF.LowStockThreshold = 20
	}
	if cfg.Envelope.MaxDocuments == 0 {
		cfg.Envelope.MaxDocuments = 2000
	}
	if cfg.Envelope.PackBatch == 0 {
		cfg.Envelope.PackBatch = 500
	}
	if cfg.Scheduler.DispatchInterval == 0 {
		cfg.Scheduler.DispatchInterval = 30 * time.Second
	}
	if cfg.Scheduler.PollInterval == 0 {
		cfg.Scheduler.PollInterval = 2 * time.Minute
	}
	if cfg.Scheduler.PollBatch == 0 {
		cfg.Scheduler.PollBatch = 100
	}
	if cfg.Scheduler.VoidedReportPolicy == "" {
		cfg.Scheduler.VoidedReportPolicy = VoidedReportOnDemand
	}
	if cfg.Scheduler.VoidedReportInterval == 0 {
		cfg.Scheduler.VoidedReportInterval = 24 * time.Hour
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite" {
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}
	if _, ok := authorityHosts[c.Authority.Environment]; !ok {
		return fmt.Errorf("authority.environment must be %s or %s, got %q",
			EnvironmentCertification, EnvironmentProduction, c.Authority.Environment)
	}
	if c.Authority.MaxAttempts < 1 {
		return fmt.Errorf("authority.max_attempts must be at least 1")
	}
	if c.Authority.MaxBackoff < c.Authority.InitialBackoff {
		return fmt.Errorf("authority.max_backoff cannot be lower than authority.initial_backoff")
	}
	if c.Envelope.MaxDocuments <= 0 || c.Envelope.MaxDocuments > 2000 {
		return fmt.Errorf("envelope.max_documents must be between 1 and 2000, got %d", c.Envelope.MaxDocuments)
	}
	if c.Scheduler.VoidedReportPolicy != VoidedReportOnDemand && c.Scheduler.VoidedReportPolicy != VoidedReportScheduled {
		return fmt.Errorf("scheduler.voided_report_policy must be %s or %s", VoidedReportOnDemand, VoidedReportScheduled)
	}
	if c.Storage.Enabled && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required when storage is enabled")
	}
	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}
	if c.Telemetry.Profiling.Enabled && c.Telemetry.Profiling.ServerAddress == "" {
		return fmt.Errorf("telemetry.profiling.server_address is required when profiling is enabled")
	}

	if c.App.Env == "production" {
		if c.JWT.Secret == "" || len(c.JWT.Secret) < 32 {
			return fmt.Errorf("jwt.secret of at least 32 characters is required in production")
		}
		if c.Database.Driver == "sqlite" {
			return fmt.Errorf("database.driver cannot be sqlite in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		if c.Authority.Environment != EnvironmentProduction {
			return fmt.Errorf("authority.environment must be %s in production", EnvironmentProduction)
		}
		if c.Company.AgeRecipient == "" {
			return fmt.Errorf("company.age_recipient is required in production to seal CAF keys")
		}
		if c.Swagger.Enabled && !c.Swagger.RequireAuth && len(c.Swagger.AllowedIPs) == 0 {
			return fmt.Errorf("swagger endpoint must be disabled, require authentication, or have IP restriction in production")
		}
	}

	return nil
}

// CAFValidity returns the configured authorization lifetime
func (c CAFConfig) CAFValidity() time.Duration {
	return time.Duration(c.ValidityDays) * 24 * time.Hour
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
