package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string // AWS region for SNS (SMS)

	// SQS config for outcome event fan-out
	SQSRegion   string
	SQSQueueURL string

	// Webhook config
	WebhookTimeout int // Timeout for webhook requests in seconds

	// Scheduling
	HorizonDays        int // look-ahead window for materializing sends
	DefaultSendHour    int // local hour a reminder fires when the rule has none
	SchedulerInterval  int // minutes between automatic scheduling passes
	DispatchInterval   int // seconds between dispatch polls
	RetrySweepInterval int // minutes between retry sweeps
	MaxRetries         int // retry budget per send
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "kindful",
		DBPassword: "",
		DBName:     "kindful",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "us-east-1",
		SESFromEmail: "reminders@kindful.local",

		HorizonDays:        30,
		DefaultSendHour:    9,
		SchedulerInterval:  60,
		DispatchInterval:   30,
		RetrySweepInterval: 15,
		MaxRetries:         3,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// SNS config for SMS
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_QUEUE_URL"); url != "" {
		cfg.SQSQueueURL = url
	}

	// Webhook config
	if timeout := os.Getenv("WEBHOOK_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_TIMEOUT: %w", err)
		}
		cfg.WebhookTimeout = t
	} else {
		cfg.WebhookTimeout = 30 // default 30 seconds
	}

	// Scheduling config
	if days := os.Getenv("HORIZON_DAYS"); days != "" {
		d, err := strconv.Atoi(days)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid HORIZON_DAYS: %q", days)
		}
		cfg.HorizonDays = d
	}

	if hour := os.Getenv("DEFAULT_SEND_HOUR"); hour != "" {
		h, err := strconv.Atoi(hour)
		if err != nil || h < 0 || h > 23 {
			return nil, fmt.Errorf("invalid DEFAULT_SEND_HOUR: %q", hour)
		}
		cfg.DefaultSendHour = h
	}

	if mins := os.Getenv("SCHEDULER_INTERVAL_MINUTES"); mins != "" {
		m, err := strconv.Atoi(mins)
		if err != nil || m <= 0 {
			return nil, fmt.Errorf("invalid SCHEDULER_INTERVAL_MINUTES: %q", mins)
		}
		cfg.SchedulerInterval = m
	}

	if secs := os.Getenv("DISPATCH_INTERVAL_SECONDS"); secs != "" {
		s, err := strconv.Atoi(secs)
		if err != nil || s <= 0 {
			return nil, fmt.Errorf("invalid DISPATCH_INTERVAL_SECONDS: %q", secs)
		}
		cfg.DispatchInterval = s
	}

	if mins := os.Getenv("RETRY_SWEEP_INTERVAL_MINUTES"); mins != "" {
		m, err := strconv.Atoi(mins)
		if err != nil || m <= 0 {
			return nil, fmt.Errorf("invalid RETRY_SWEEP_INTERVAL_MINUTES: %q", mins)
		}
		cfg.RetrySweepInterval = m
	}

	if retries := os.Getenv("MAX_RETRIES"); retries != "" {
		n, err := strconv.Atoi(retries)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid MAX_RETRIES: %q", retries)
		}
		cfg.MaxRetries = n
	}

	return cfg, nil
}
