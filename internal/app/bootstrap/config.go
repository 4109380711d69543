package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/partnerdesk/progression-engine/internal/domain"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ServiceID string

	HTTPPort int
	GRPCPort int

	DirectoryGRPCURL      string
	PaymentGatewayGRPCURL string

	RedisURL string

	KafkaBrokers       []string
	KafkaConsumerGroup string
	TopicDomain        string
	TopicAnalytics     string
	DLQTopic           string
	ConsumedTopics     []string

	NotificationWebhookURL string
	AdminJWTSecret         string

	IdempotencyTTL       time.Duration
	EventDedupTTL        time.Duration
	ConsumerPollInterval time.Duration
	OutboxFlushBatchSize int
	ProgressCacheTTL     time.Duration

	LoginDayXP      int
	DefaultLessonXP int

	Ladder        *domain.Ladder
	DailyTaskPool []domain.DailyTask
}

type configFile struct {
	Service struct {
		ID       string `yaml:"id"`
		HTTPPort int    `yaml:"http_port"`
		GRPCPort int    `yaml:"grpc_port"`
	} `yaml:"service"`
	Dependencies struct {
		DirectoryGRPCURL       string   `yaml:"directory_grpc_url"`
		PaymentGatewayGRPCURL  string   `yaml:"payment_gateway_grpc_url"`
		RedisURL               string   `yaml:"redis_url"`
		KafkaBrokers           []string `yaml:"kafka_brokers"`
		KafkaConsumerGroup     string   `yaml:"kafka_consumer_group"`
		TopicDomain            string   `yaml:"topic_domain"`
		TopicAnalytics         string   `yaml:"topic_analytics"`
		TopicDLQ               string   `yaml:"topic_dlq"`
		ConsumedTopics         []string `yaml:"consumed_topics"`
		NotificationWebhookURL string   `yaml:"notification_webhook_url"`
	} `yaml:"dependencies"`
	Progression struct {
		LoginDayXP      int `yaml:"login_day_xp"`
		DefaultLessonXP int `yaml:"default_lesson_xp"`
		Ladder          struct {
			ProTier      string       `yaml:"pro_tier"`
			VerifiedRank string       `yaml:"verified_rank"`
			Ranks        []rankConfig `yaml:"ranks"`
		} `yaml:"ladder"`
		DailyTaskPool []taskConfig `yaml:"daily_task_pool"`
	} `yaml:"progression"`
}

type rankConfig struct {
	Name            string   `yaml:"name"`
	XPThreshold     int      `yaml:"xp_threshold"`
	CommissionRate  float64  `yaml:"commission_rate"`
	RequiredTaskIDs []string `yaml:"required_task_ids"`
}

type taskConfig struct {
	TaskID   string `yaml:"task_id"`
	Title    string `yaml:"title"`
	XPReward int    `yaml:"xp_reward"`
}

func LoadConfig(path string) (Config, error) {
	cfg := Config{
		ServiceID:            "M21-Progression-Engine",
		HTTPPort:             8080,
		GRPCPort:             9090,
		KafkaConsumerGroup:   "m21-progression-engine",
		TopicDomain:          "partner.progression",
		TopicAnalytics:       "partner.progression.analytics",
		DLQTopic:             "progression-engine.dlq",
		ConsumedTopics:       []string{domain.EventLessonCompleted, domain.EventCommissionPaid},
		IdempotencyTTL:       7 * 24 * time.Hour,
		EventDedupTTL:        7 * 24 * time.Hour,
		ConsumerPollInterval: 2 * time.Second,
		OutboxFlushBatchSize: 100,
		ProgressCacheTTL:     30 * time.Second,
		LoginDayXP:           25,
		DefaultLessonXP:      50,
	}

	raw, err := os.ReadFile(path)
	if err == nil {
		var f configFile
		if unmarshalErr := yaml.Unmarshal(raw, &f); unmarshalErr != nil {
			return Config{}, fmt.Errorf("parse config file: %w", unmarshalErr)
		}
		if f.Service.ID != "" {
			cfg.ServiceID = f.Service.ID
		}
		if f.Service.HTTPPort > 0 {
			cfg.HTTPPort = f.Service.HTTPPort
		}
		if f.Service.GRPCPort > 0 {
			cfg.GRPCPort = f.Service.GRPCPort
		}
		cfg.DirectoryGRPCURL = f.Dependencies.DirectoryGRPCURL
		cfg.PaymentGatewayGRPCURL = f.Dependencies.PaymentGatewayGRPCURL
		cfg.RedisURL = f.Dependencies.RedisURL
		if len(f.Dependencies.KafkaBrokers) > 0 {
			cfg.KafkaBrokers = trimNonEmpty(f.Dependencies.KafkaBrokers)
		}
		if f.Dependencies.KafkaConsumerGroup != "" {
			cfg.KafkaConsumerGroup = f.Dependencies.KafkaConsumerGroup
		}
		if f.Dependencies.TopicDomain != "" {
			cfg.TopicDomain = f.Dependencies.TopicDomain
		}
		if f.Dependencies.TopicAnalytics != "" {
			cfg.TopicAnalytics = f.Dependencies.TopicAnalytics
		}
		if f.Dependencies.TopicDLQ != "" {
			cfg.DLQTopic = f.Dependencies.TopicDLQ
		}
		if len(f.Dependencies.ConsumedTopics) > 0 {
			cfg.ConsumedTopics = trimNonEmpty(f.Dependencies.ConsumedTopics)
		}
		cfg.NotificationWebhookURL = f.Dependencies.NotificationWebhookURL
		if f.Progression.LoginDayXP > 0 {
			cfg.LoginDayXP = f.Progression.LoginDayXP
		}
		if f.Progression.DefaultLessonXP > 0 {
			cfg.DefaultLessonXP = f.Progression.DefaultLessonXP
		}
		if len(f.Progression.Ladder.Ranks) > 0 {
			ranks := make([]domain.Rank, 0, len(f.Progression.Ladder.Ranks))
			for _, r := range f.Progression.Ladder.Ranks {
				ranks = append(ranks, domain.Rank{
					Name:            r.Name,
					XPThreshold:     r.XPThreshold,
					CommissionRate:  r.CommissionRate,
					RequiredTaskIDs: r.RequiredTaskIDs,
				})
			}
			ladder, ladderErr := domain.NewLadder(ranks, f.Progression.Ladder.ProTier, f.Progression.Ladder.VerifiedRank)
			if ladderErr != nil {
				return Config{}, fmt.Errorf("ladder config: %w", ladderErr)
			}
			cfg.Ladder = &ladder
		}
		if len(f.Progression.DailyTaskPool) > 0 {
			pool := make([]domain.DailyTask, 0, len(f.Progression.DailyTaskPool))
			for _, t := range f.Progression.DailyTaskPool {
				pool = append(pool, domain.DailyTask{TaskID: t.TaskID, Title: t.Title, XPReward: t.XPReward})
			}
			cfg.DailyTaskPool = pool
		}
	}

	cfg.DirectoryGRPCURL = envOrDefault("DIRECTORY_GRPC_URL", cfg.DirectoryGRPCURL)
	cfg.PaymentGatewayGRPCURL = envOrDefault("PAYMENT_GATEWAY_GRPC_URL", cfg.PaymentGatewayGRPCURL)
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaConsumerGroup = envOrDefault("KAFKA_CONSUMER_GROUP", cfg.KafkaConsumerGroup)
	cfg.TopicDomain = envOrDefault("KAFKA_TOPIC_DOMAIN", cfg.TopicDomain)
	cfg.TopicAnalytics = envOrDefault("KAFKA_TOPIC_ANALYTICS", cfg.TopicAnalytics)
	cfg.DLQTopic = envOrDefault("KAFKA_TOPIC_DLQ", cfg.DLQTopic)
	cfg.ConsumedTopics = envCSV("KAFKA_CONSUMED_TOPICS", cfg.ConsumedTopics)
	cfg.NotificationWebhookURL = envOrDefault("NOTIFICATION_WEBHOOK_URL", cfg.NotificationWebhookURL)
	cfg.AdminJWTSecret = envOrDefault("ADMIN_JWT_SECRET", cfg.AdminJWTSecret)
	cfg.HTTPPort = envInt("HTTP_PORT", cfg.HTTPPort)
	cfg.GRPCPort = envInt("GRPC_PORT", cfg.GRPCPort)
	cfg.IdempotencyTTL = time.Duration(envInt("IDEMPOTENCY_TTL_HOURS", int(cfg.IdempotencyTTL.Hours()))) * time.Hour
	cfg.EventDedupTTL = time.Duration(envInt("EVENT_DEDUP_TTL_HOURS", int(cfg.EventDedupTTL.Hours()))) * time.Hour
	cfg.ConsumerPollInterval = time.Duration(envInt("CONSUMER_POLL_SECONDS", int(cfg.ConsumerPollInterval.Seconds()))) * time.Second
	cfg.OutboxFlushBatchSize = envInt("OUTBOX_FLUSH_BATCH_SIZE", cfg.OutboxFlushBatchSize)
	cfg.ProgressCacheTTL = time.Duration(envInt("PROGRESS_CACHE_TTL_SECONDS", int(cfg.ProgressCacheTTL.Seconds()))) * time.Second
	cfg.LoginDayXP = envInt("LOGIN_DAY_XP", cfg.LoginDayXP)
	cfg.DefaultLessonXP = envInt("DEFAULT_LESSON_XP", cfg.DefaultLessonXP)

	return cfg, nil
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envCSV(name string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return trimNonEmpty(strings.Split(raw, ","))
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
