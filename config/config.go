package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/majaostudio/classbooking/internal/timegrid"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Database    DatabaseConfig  `yaml:"database"`
	Redis       RedisConfig     `yaml:"redis"`
	Kafka       KafkaConfig     `yaml:"kafka"`
	Calendar    CalendarConfig  `yaml:"calendar"`
	Messaging   MessagingConfig `yaml:"messaging"`
	Booking     BookingConfig   `yaml:"booking"`
	Worker      WorkerConfig    `yaml:"worker"`
	Report      ReportConfig    `yaml:"report"`
}

type HTTPConfig struct {
	Address string `yaml:"address"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers         []string `yaml:"brokers"`
	EventsTopic     string   `yaml:"events_topic"`
	DeadLetterTopic string   `yaml:"dead_letter_topic"`
	GroupID         string   `yaml:"group_id"`
}

type CalendarConfig struct {
	CalendarID      string `yaml:"calendar_id"`
	CredentialsFile string `yaml:"credentials_file"`
	Location        string `yaml:"location"`
}

// MessagingConfig configures the Twilio gateway. The account SID and
// auth token come from the environment (TWILIO_SID / TWILIO_TOKEN),
// never from the config file.
type MessagingConfig struct {
	WhatsAppFrom  string `yaml:"whatsapp_from"`
	SMSFrom       string `yaml:"sms_from"`
	TeacherNumber string `yaml:"teacher_number"`
	TeacherName   string `yaml:"teacher_name"`
	TeacherEmail  string `yaml:"teacher_email"`
	AccountSID    string `yaml:"-"`
	AuthToken     string `yaml:"-"`
}

type BookingConfig struct {
	Timezone         string `yaml:"timezone"`
	OpenTime         string `yaml:"open_time"`
	CloseTime        string `yaml:"close_time"`
	SlotMinutes      int    `yaml:"slot_minutes"`
	ClassMinutes     int    `yaml:"class_minutes"`
	MaxConcurrent    int    `yaml:"max_concurrent"`
	ApprovalTTLHours int    `yaml:"approval_ttl_hours"`
	EventsCacheTTL   int    `yaml:"events_cache_ttl_seconds"`
}

func (b BookingConfig) Location() (*time.Location, error) {
	return time.LoadLocation(b.Timezone)
}

func (b BookingConfig) Window() (timegrid.Window, error) {
	open, err := clockOffset(b.OpenTime)
	if err != nil {
		return timegrid.Window{}, fmt.Errorf("parse open_time: %w", err)
	}
	close, err := clockOffset(b.CloseTime)
	if err != nil {
		return timegrid.Window{}, fmt.Errorf("parse close_time: %w", err)
	}
	if close <= open {
		return timegrid.Window{}, fmt.Errorf("close_time %s must be after open_time %s", b.CloseTime, b.OpenTime)
	}
	return timegrid.Window{Open: open, Close: close}, nil
}

func (b BookingConfig) SlotInterval() time.Duration {
	return time.Duration(b.SlotMinutes) * time.Minute
}

func (b BookingConfig) ClassLength() time.Duration {
	return time.Duration(b.ClassMinutes) * time.Minute
}

func (b BookingConfig) ApprovalTTL() time.Duration {
	return time.Duration(b.ApprovalTTLHours) * time.Hour
}

type WorkerConfig struct {
	ExpirationSweepMinutes int `yaml:"expiration_sweep_minutes"`
	RedeliveryMaxAttempts  int `yaml:"redelivery_max_attempts"`
}

// ReportConfig drives the weekly class and payment report. Teachers
// listed as owners take studio revenue directly and are left out of
// the per-class payouts.
type ReportConfig struct {
	HourlyRateCOP int64    `yaml:"hourly_rate_cop"`
	OwnerTeachers []string `yaml:"owner_teachers"`
}

func LoadConfig(path string) (*Config, error) {
	// .env is optional; secrets may already be in the environment.
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.Messaging.AccountSID = os.Getenv("TWILIO_SID")
	cfg.Messaging.AuthToken = os.Getenv("TWILIO_TOKEN")

	applyDefaults(&cfg)

	if _, err := cfg.Booking.Location(); err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Booking.Timezone, err)
	}
	if _, err := cfg.Booking.Window(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Booking.Timezone == "" {
		cfg.Booking.Timezone = "America/Bogota"
	}
	if cfg.Booking.OpenTime == "" {
		cfg.Booking.OpenTime = "08:00"
	}
	if cfg.Booking.CloseTime == "" {
		cfg.Booking.CloseTime = "17:30"
	}
	if cfg.Booking.SlotMinutes == 0 {
		cfg.Booking.SlotMinutes = 30
	}
	if cfg.Booking.ClassMinutes == 0 {
		cfg.Booking.ClassMinutes = 60
	}
	if cfg.Booking.MaxConcurrent == 0 {
		cfg.Booking.MaxConcurrent = 2
	}
	if cfg.Booking.ApprovalTTLHours == 0 {
		cfg.Booking.ApprovalTTLHours = 24
	}
	if cfg.Booking.EventsCacheTTL == 0 {
		cfg.Booking.EventsCacheTTL = 60
	}
	if cfg.Worker.ExpirationSweepMinutes == 0 {
		cfg.Worker.ExpirationSweepMinutes = 10
	}
	if cfg.Worker.RedeliveryMaxAttempts == 0 {
		cfg.Worker.RedeliveryMaxAttempts = 10
	}
	if cfg.Report.HourlyRateCOP == 0 {
		cfg.Report.HourlyRateCOP = 70000
	}
}

func clockOffset(clock string) (time.Duration, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
