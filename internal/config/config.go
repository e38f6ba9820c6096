package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	PublicBaseURL string
	DatabaseURL   string

	// Booking engine
	DefaultTimezone      string
	BusinessOpen         string
	BusinessClose        string
	ClosedWeekdays       string
	ScheduleKeyPrefix    string
	SlotDuration         time.Duration
	BookingTxTimeout     time.Duration
	LockTimeout          time.Duration
	ConfirmationTTL      time.Duration
	SweepInterval        time.Duration
	MaxAlternatives      int
	ToolsJWTSecret       string
	AdminJWTSecret       string
	WebhookSigningSecret string

	// Event pipeline
	UseMemoryQueue      bool
	WorkerCount         int
	EventQueueURL       string
	EventMaxAttempts    int
	EventRetryBaseDelay time.Duration
	EventRetryMaxDelay  time.Duration
	EventPollInterval   time.Duration
	EventStaleAfter     time.Duration
	EventRetention      time.Duration
	ArchiveBucket       string
	ArchiveInterval     time.Duration
	IngressRateLimit    float64
	IngressRateBurst    int
	TenantCacheTTL      time.Duration
	StaticTenantMapJSON string
	KafkaBrokers        []string
	KafkaBookingTopic   string
	OutboxPollInterval  time.Duration
	OutboxBatchSize     int
	IngressUpstreamURL  string

	// Circuit breaker
	BreakerFailureThreshold int
	BreakerWindow           time.Duration
	BreakerCooldown         time.Duration
	BreakerKeyPrefix        string
	SideEffectTimeout       time.Duration

	// Credentials
	VaultIdentity    string
	VaultCacheTTL    time.Duration
	DefaultOrgSecret string

	// Downstream defaults used when an org has no credentials of its own
	SMSProvider              string
	TelnyxAPIKey             string
	TelnyxMessagingProfileID string
	TelnyxFromNumber         string
	TwilioAccountSID         string
	TwilioAuthToken          string
	TwilioFromNumber         string
	GoogleCalendarID         string
	GoogleCredentialsJSON    string
	EmailProvider            string
	SendGridAPIKey           string
	SendGridFromEmail        string
	SendGridFromName         string
	SESFromEmail             string
	SESFromName              string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	RedisAddr           string
	RedisPassword       string
	RedisTLS            bool
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		DefaultTimezone:      getEnv("DEFAULT_TIMEZONE", "America/New_York"),
		BusinessOpen:         getEnv("BUSINESS_OPEN", "09:00"),
		BusinessClose:        getEnv("BUSINESS_CLOSE", "17:00"),
		ClosedWeekdays:       getEnv("CLOSED_WEEKDAYS", "sunday"),
		ScheduleKeyPrefix:    getEnv("SCHEDULE_KEY_PREFIX", "clinic:schedule:"),
		SlotDuration:         getEnvAsDuration("SLOT_DURATION", 30*time.Minute),
		BookingTxTimeout:     getEnvAsDuration("BOOKING_TX_TIMEOUT", 300*time.Millisecond),
		LockTimeout:          getEnvAsDuration("BOOKING_LOCK_TIMEOUT", 250*time.Millisecond),
		ConfirmationTTL:      getEnvAsDuration("CONFIRMATION_TTL", 24*time.Hour),
		SweepInterval:        getEnvAsDuration("BOOKING_SWEEP_INTERVAL", time.Minute),
		MaxAlternatives:      getEnvAsInt("MAX_ALTERNATIVES", 3),
		ToolsJWTSecret:       getEnv("TOOLS_JWT_SECRET", ""),
		AdminJWTSecret:       getEnv("ADMIN_JWT_SECRET", ""),
		WebhookSigningSecret: getEnv("WEBHOOK_SIGNING_SECRET", ""),

		UseMemoryQueue:      getEnvAsBool("USE_MEMORY_QUEUE", false),
		WorkerCount:         getEnvAsInt("WORKER_COUNT", 2),
		EventQueueURL:       getEnv("EVENT_QUEUE_URL", ""),
		EventMaxAttempts:    getEnvAsInt("EVENT_MAX_ATTEMPTS", 5),
		EventRetryBaseDelay: getEnvAsDuration("EVENT_RETRY_BASE_DELAY", 2*time.Second),
		EventRetryMaxDelay:  getEnvAsDuration("EVENT_RETRY_MAX_DELAY", 10*time.Minute),
		EventPollInterval:   getEnvAsDuration("EVENT_POLL_INTERVAL", time.Second),
		EventStaleAfter:     getEnvAsDuration("EVENT_STALE_AFTER", 5*time.Minute),
		EventRetention:      getEnvAsDuration("EVENT_RETENTION", 30*24*time.Hour),
		ArchiveBucket:       getEnv("EVENT_ARCHIVE_BUCKET", ""),
		ArchiveInterval:     getEnvAsDuration("EVENT_ARCHIVE_INTERVAL", time.Hour),
		IngressRateLimit:    getEnvAsFloat("INGRESS_RATE_LIMIT", 50),
		IngressRateBurst:    getEnvAsInt("INGRESS_RATE_BURST", 100),
		TenantCacheTTL:      getEnvAsDuration("TENANT_CACHE_TTL", 30*time.Second),
		StaticTenantMapJSON: getEnv("STATIC_TENANT_MAP_JSON", ""),
		KafkaBrokers:        getEnvAsList("KAFKA_BROKERS"),
		KafkaBookingTopic:   getEnv("KAFKA_BOOKING_TOPIC", "clinic.bookings"),
		OutboxPollInterval:  getEnvAsDuration("OUTBOX_POLL_INTERVAL", time.Second),
		OutboxBatchSize:     getEnvAsInt("OUTBOX_BATCH_SIZE", 50),
		IngressUpstreamURL:  getEnv("INGRESS_UPSTREAM_URL", ""),

		BreakerFailureThreshold: getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerWindow:           getEnvAsDuration("BREAKER_WINDOW", time.Minute),
		BreakerCooldown:         getEnvAsDuration("BREAKER_COOLDOWN", 30*time.Second),
		BreakerKeyPrefix:        getEnv("BREAKER_KEY_PREFIX", "clinic:breaker:"),
		SideEffectTimeout:       getEnvAsDuration("SIDE_EFFECT_TIMEOUT", 5*time.Second),

		VaultIdentity:    getEnv("VAULT_AGE_IDENTITY", ""),
		VaultCacheTTL:    getEnvAsDuration("VAULT_CACHE_TTL", time.Minute),
		DefaultOrgSecret: getEnv("DEFAULT_CREDENTIALS_JSON", ""),

		SMSProvider:              strings.ToLower(strings.TrimSpace(getEnv("SMS_PROVIDER", "telnyx"))),
		TelnyxAPIKey:             getEnv("TELNYX_API_KEY", ""),
		TelnyxMessagingProfileID: getEnv("TELNYX_MESSAGING_PROFILE_ID", ""),
		TelnyxFromNumber:         getEnv("TELNYX_FROM_NUMBER", ""),
		TwilioAccountSID:         getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:          getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber:         getEnv("TWILIO_FROM_NUMBER", ""),
		GoogleCalendarID:         getEnv("GOOGLE_CALENDAR_ID", "primary"),
		GoogleCredentialsJSON:    getEnv("GOOGLE_CREDENTIALS_JSON", ""),
		EmailProvider:            strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "sendgrid"))),
		SendGridAPIKey:           getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail:        getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:         getEnv("SENDGRID_FROM_NAME", "Clinic Bookings"),
		SESFromEmail:             getEnv("SES_FROM_EMAIL", ""),
		SESFromName:              getEnv("SES_FROM_NAME", "Clinic Bookings"),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		RedisAddr:           getEnv("REDIS_ADDR", ""),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		RedisTLS:            getEnvAsBool("REDIS_TLS", false),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated variable, dropping blanks.
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
