package config

import (
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultPort            = "8080"
	DefaultRealtimeURL     = "wss://api.openai.com/v1/realtime"
	DefaultRealtimeModel   = "gpt-4o-realtime-preview-2024-10-01"
	DefaultVoice           = "alloy"
	DefaultTemperature     = 0.8
	DefaultSummaryTimeout  = 20 * time.Second
	DefaultSummaryModel    = "gpt-4o-mini"
	DefaultSMTPHost        = "smtp.gmail.com"
	DefaultSMTPPort        = 587
	DefaultCallsCollection = "calls"

	DefaultSystemMessage = "You are an AI-powered virtual medical assistant conducting check-up calls for patients with thyroid conditions. " +
		"Your role is to gather key health insights by asking structured questions about symptoms like weight changes, temperature tolerance, " +
		"neck pain, skin and nail changes, diet, heart rate, and bowel movements. Adapt your questioning flow based on patient responses and " +
		"ensure all relevant details are organized into a concise report for the doctor. If a response indicates a potential concern, flag it " +
		"accordingly. Maintain a professional yet warm tone, ensuring patients feel heard while efficiently collecting essential medical information."

	DefaultGreeting = "Greet the patient, introduce yourself as their virtual check-up assistant and ask how they have been feeling."
)

// ErrMissingAPIKey is returned by Load when OPENAI_API_KEY is not set.
var ErrMissingAPIKey = errors.New("missing OPENAI_API_KEY: set it in the environment or the .env file")

// Config is everything the relay reads from the environment.
type Config struct {
	Port       string
	PublicHost string

	Realtime RealtimeConfig
	Summary  SummaryConfig
	Mail     MailConfig
	Firebase FirebaseConfig
}

type RealtimeConfig struct {
	APIKey         string
	URL            string
	Model          string
	Voice          string
	SystemMessage  string
	Temperature    float64
	SpeaksFirst    bool
	Greeting       string
	ShowTimingMath bool
}

type SummaryConfig struct {
	Model   string
	Timeout time.Duration
}

type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

// Enabled reports whether enough is configured to submit mail.
func (m MailConfig) Enabled() bool {
	return m.Host != "" && m.From != "" && m.To != ""
}

type FirebaseConfig struct {
	CredentialsJSON string
	CredentialsFile string
	Collection      string
}

// Enabled reports whether call reports should be persisted.
func (f FirebaseConfig) Enabled() bool {
	return f.CredentialsJSON != "" || f.CredentialsFile != ""
}

// Load reads a .env file if present and resolves configuration from the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: cannot retrieve env file, using environment variables")
	}
	return FromEnv()
}

// FromEnv resolves configuration from the process environment only.
func FromEnv() (Config, error) {
	cfg := Config{
		Port:       envOrDefault("PORT", DefaultPort),
		PublicHost: strings.TrimSpace(os.Getenv("PUBLIC_HOST")),
		Realtime: RealtimeConfig{
			APIKey:         strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
			URL:            envOrDefault("OPENAI_REALTIME_URL", DefaultRealtimeURL),
			Model:          envOrDefault("OPENAI_REALTIME_MODEL", DefaultRealtimeModel),
			Voice:          envOrDefault("OPENAI_VOICE", DefaultVoice),
			SystemMessage:  envOrDefault("SYSTEM_MESSAGE", DefaultSystemMessage),
			Temperature:    envOrDefaultFloat("OPENAI_TEMPERATURE", DefaultTemperature),
			SpeaksFirst:    envOrDefaultBool("AI_SPEAKS_FIRST", false),
			Greeting:       envOrDefault("AI_GREETING", DefaultGreeting),
			ShowTimingMath: envOrDefaultBool("SHOW_TIMING_MATH", false),
		},
		Summary: SummaryConfig{
			Model:   envOrDefault("SUMMARY_MODEL", DefaultSummaryModel),
			Timeout: time.Duration(envOrDefaultInt("SUMMARY_TIMEOUT_SECONDS", int(DefaultSummaryTimeout/time.Second))) * time.Second,
		},
		Mail: MailConfig{
			Host:     envOrDefault("SMTP_HOST", DefaultSMTPHost),
			Port:     envOrDefaultInt("SMTP_PORT", DefaultSMTPPort),
			Username: strings.TrimSpace(os.Getenv("SMTP_USERNAME")),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     strings.TrimSpace(os.Getenv("MAIL_FROM")),
			To:       strings.TrimSpace(os.Getenv("MAIL_TO")),
		},
		Firebase: FirebaseConfig{
			CredentialsJSON: os.Getenv("FIREBASE_CREDENTIALS_JSON"),
			CredentialsFile: strings.TrimSpace(os.Getenv("FIREBASE_CREDENTIALS_FILE")),
			Collection:      envOrDefault("FIRESTORE_CALLS_COLLECTION", DefaultCallsCollection),
		},
	}

	if cfg.Realtime.APIKey == "" {
		return Config{}, ErrMissingAPIKey
	}
	if cfg.Summary.Timeout <= 0 {
		cfg.Summary.Timeout = DefaultSummaryTimeout
	}
	if cfg.Mail.Port <= 0 {
		cfg.Mail.Port = DefaultSMTPPort
	}
	if cfg.Mail.From == "" {
		cfg.Mail.From = cfg.Mail.Username
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return f
}

func envOrDefaultBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using %t", key, v, fallback)
		return fallback
	}
	return b
}
