package config

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Queue backends
const (
	QueueSQS    = "sqs"
	QueueMemory = "memory"
	QueueSync   = "sync"
)

type Config struct {
	Port     int    `envconfig:"PORT" default:"8080" validate:"min=1,max=65535"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Env      string `envconfig:"ENV" default:"development"`

	// Database
	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"khidmat"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBName     string `envconfig:"DB_NAME" default:"khidmat"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable" validate:"oneof=disable allow prefer require verify-ca verify-full"`

	// Redis config
	RedisHost     string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Job queue
	QueueBackend       string `envconfig:"QUEUE_BACKEND" default:"memory" validate:"oneof=sqs memory sync"`
	QueueAsyncFallback bool   `envconfig:"QUEUE_ASYNC_FALLBACK" default:"true"`
	QueueWorkers       int    `envconfig:"QUEUE_WORKERS" default:"4" validate:"min=1"`
	QueueBuffer        int    `envconfig:"QUEUE_BUFFER" default:"256" validate:"min=1"`
	SQSRegion          string `envconfig:"SQS_REGION"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL" validate:"required_if=QueueBackend sqs"`

	// AWS Services
	AWSRegion        string `envconfig:"AWS_REGION" default:"ap-south-1"`
	SESFromEmail     string `envconfig:"SES_FROM_EMAIL"`
	SNSAdminTopicARN string `envconfig:"SNS_ADMIN_TOPIC_ARN"`

	// WhatsApp Cloud API
	WhatsAppAPIBase       string  `envconfig:"WHATSAPP_API_BASE" default:"https://graph.facebook.com/v18.0" validate:"url"`
	WhatsAppPhoneNumberID string  `envconfig:"WHATSAPP_PHONE_NUMBER_ID"`
	WhatsAppAccessToken   string  `envconfig:"WHATSAPP_ACCESS_TOKEN"`
	WhatsAppAppSecret     string  `envconfig:"WHATSAPP_APP_SECRET"`
	WhatsAppVerifyToken   string  `envconfig:"WHATSAPP_VERIFY_TOKEN"`
	WhatsAppTemplatesFile string  `envconfig:"WHATSAPP_TEMPLATES_FILE"`
	WhatsAppRatePerSecond float64 `envconfig:"WHATSAPP_RATE_PER_SECOND" default:"20" validate:"gt=0"`
	AdminWhatsAppNumber   string  `envconfig:"ADMIN_WHATSAPP_NUMBER"`

	// Exotel voice
	ExotelSID      string `envconfig:"EXOTEL_SID"`
	ExotelAPIKey   string `envconfig:"EXOTEL_API_KEY"`
	ExotelAPIToken string `envconfig:"EXOTEL_API_TOKEN"`
	ExotelCallerID string `envconfig:"EXOTEL_CALLER_ID"`
	ExotelFlowID   string `envconfig:"EXOTEL_FLOW_ID"`
	ExotelBaseURL  string `envconfig:"EXOTEL_BASE_URL" default:"https://api.exotel.com" validate:"url"`

	// Outbound provider calls
	SenderTimeout time.Duration `envconfig:"SENDER_TIMEOUT" default:"10s"`

	// Google Sheets export
	SheetsSpreadsheetID   string `envconfig:"SHEETS_SPREADSHEET_ID"`
	SheetsCredentialsFile string `envconfig:"SHEETS_CREDENTIALS_FILE" validate:"required_with=SheetsSpreadsheetID"`
	SheetsSheetName       string `envconfig:"SHEETS_SHEET_NAME" default:"Registration_Summary"`

	// Admin API
	JWTSecret       string        `envconfig:"JWT_SECRET"`
	RateLimit       int           `envconfig:"RATE_LIMIT" default:"100" validate:"min=1"`
	RateLimitWindow time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`

	// Scheduling
	Timezone              string        `envconfig:"TIMEZONE" default:"Asia/Kolkata"`
	ReminderLeadDays      int           `envconfig:"REMINDER_LEAD_DAYS" default:"1" validate:"min=0"`
	ReminderHour          int           `envconfig:"REMINDER_HOUR" default:"18" validate:"min=0,max=23"`
	ReminderMinute        int           `envconfig:"REMINDER_MINUTE" default:"0" validate:"min=0,max=59"`
	VoiceCallLead         time.Duration `envconfig:"VOICE_CALL_LEAD" default:"2h"`
	MaxChannelAttempts    int           `envconfig:"MAX_CHANNEL_ATTEMPTS" default:"2" validate:"min=1"`
	DispatchMaxAttempts   int           `envconfig:"DISPATCH_MAX_ATTEMPTS" default:"4" validate:"min=1"`
	DispatchRetryDelay    time.Duration `envconfig:"DISPATCH_RETRY_DELAY" default:"60s"`
	SheetMaxAttempts      int           `envconfig:"SHEET_MAX_ATTEMPTS" default:"5" validate:"min=1"`
	SheetRetryDelay       time.Duration `envconfig:"SHEET_RETRY_DELAY" default:"5m"`
	ReminderSweepInterval time.Duration `envconfig:"REMINDER_SWEEP_INTERVAL" default:"15m"`
	VoiceSweepInterval    time.Duration `envconfig:"VOICE_SWEEP_INTERVAL" default:"5m"`
	SweepBatchSize        int           `envconfig:"SWEEP_BATCH_SIZE" default:"200" validate:"min=1"`
	Retention             time.Duration `envconfig:"RETENTION" default:"2160h"`
	CleanupHour           int           `envconfig:"CLEANUP_HOUR" default:"2" validate:"min=0,max=23"`

	// Location is resolved from Timezone by Load.
	Location *time.Location `ignored:"true" validate:"-"`
}

// Load reads configuration from an optional .env file and the environment.
// The returned Config is treated as immutable by every component.
func Load() (*Config, error) {
	// Existing environment variables win over .env entries.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	cfg.Location = loc

	if cfg.SQSRegion == "" {
		cfg.SQSRegion = cfg.AWSRegion
	}

	return &cfg, nil
}

// WhatsAppEnabled reports whether the Cloud API credentials are present.
func (c *Config) WhatsAppEnabled() bool {
	return c.WhatsAppPhoneNumberID != "" && c.WhatsAppAccessToken != ""
}

// VoiceEnabled reports whether Exotel credentials are present.
func (c *Config) VoiceEnabled() bool {
	return c.ExotelSID != "" && c.ExotelAPIKey != "" && c.ExotelAPIToken != ""
}

// EmailEnabled reports whether SES has a sender identity configured.
func (c *Config) EmailEnabled() bool {
	return c.SESFromEmail != ""
}

// SheetsEnabled reports whether registration export is configured.
func (c *Config) SheetsEnabled() bool {
	return c.SheetsSpreadsheetID != "" && c.SheetsCredentialsFile != ""
}
