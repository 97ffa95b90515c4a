package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	RabbitMQURL        string
	ExchangeName       string
	QueueMessages      string
	QueueInvasions     string
	QueueEvents        string
	BrokerReconnect    bool
	BrokerReconnectSec int
	ConsumerPrefetch   int
	HandlerMaxRetries  int
	ReplyTimeoutMS     int

	InvasionBaseMS        int
	InvasionSweepMS       int
	InvasionHistoryCap    int
	AutoInvasionChance    float64
	AutoInvasionPerMinute float64
	AutoInvasionBurst     int
	AutoInvasionMaxActive int
	ResolutionRoutingKey  string

	QuestChance       float64
	CasualReplyChance float64
	GlobalEventMinMS  int
	GlobalEventMaxMS  int

	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string
	RoutesPath     string
	InvaderURL     string

	KafkaBrokers         []string
	KafkaClientID        string
	KafkaRetryMax        int
	KafkaWriteMS         int
	KafkaResolutionTopic string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func (c Config) ReplyTimeout() time.Duration {
	return time.Duration(c.ReplyTimeoutMS) * time.Millisecond
}

func (c Config) InvasionBaseDuration() time.Duration {
	return time.Duration(c.InvasionBaseMS) * time.Millisecond
}

func (c Config) InvasionSweepInterval() time.Duration {
	return time.Duration(c.InvasionSweepMS) * time.Millisecond
}

// GlobalEventInterval bounds the random gap between two global events.
func (c Config) GlobalEventInterval() (time.Duration, time.Duration) {
	return time.Duration(c.GlobalEventMinMS) * time.Millisecond, time.Duration(c.GlobalEventMaxMS) * time.Millisecond
}

func (c Config) BrokerReconnectMax() time.Duration {
	return time.Duration(c.BrokerReconnectSec) * time.Second
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	cfg := Config{
		Env:                   strings.TrimSpace(os.Getenv("ENV")),
		ServiceName:           serviceNameDefault,
		HTTPPort:              httpPortDefault,
		LogLevel:              "info",
		ConfigPath:            strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:      30000,
		RabbitMQURL:           "amqp://localhost",
		ExchangeName:          "ashen_realm",
		QueueMessages:         "ashen_messages",
		QueueInvasions:        "ashen_invasions",
		QueueEvents:           "ashen_events",
		BrokerReconnect:       true,
		BrokerReconnectSec:    60,
		ConsumerPrefetch:      1,
		HandlerMaxRetries:     3,
		ReplyTimeoutMS:        5000,
		InvasionBaseMS:        60000,
		InvasionSweepMS:       10000,
		InvasionHistoryCap:    50,
		AutoInvasionChance:    0.3,
		AutoInvasionPerMinute: 6,
		AutoInvasionBurst:     3,
		AutoInvasionMaxActive: 10,
		ResolutionRoutingKey:  "events.invasion_resolved",
		QuestChance:           0.15,
		CasualReplyChance:     0.3,
		GlobalEventMinMS:      120000,
		GlobalEventMaxMS:      300000,
		RateLimitRPS:          20,
		RateLimitBurst:        40,
		InvaderURL:            "http://localhost:8082",
		KafkaRetryMax:         5,
		KafkaWriteMS:          5000,
		KafkaResolutionTopic:  "ashen.invasions.resolved",
		InfluxTimeoutMS:       5000,
		OtelInsecure:          true,
		OtelSampleRatio:       1.0,
	}

	problems := make([]Problem, 0, 4)

	if root, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(root, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		for k, v := range fileData {
			assign(&cfg, strings.ToUpper(strings.TrimSpace(k)), v, &problems)
		}
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	validate(&cfg, httpPortDefault, &problems)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond

	return cfg, problems
}

// keys lists every setting understood by assign, in the order env
// variables are applied.
var keys = []string{
	"SERVICE_NAME", "HTTP_PORT", "LOG_LEVEL", "REQUEST_TIMEOUT_MS",
	"RABBITMQ_URL", "EXCHANGE_NAME", "QUEUE_MESSAGES", "QUEUE_INVASIONS", "QUEUE_EVENTS",
	"BROKER_RECONNECT", "BROKER_RECONNECT_MAX_SECONDS", "CONSUMER_PREFETCH",
	"HANDLER_MAX_RETRIES", "REPLY_TIMEOUT_MS",
	"INVASION_BASE_DURATION_MS", "INVASION_SWEEP_INTERVAL_MS", "INVASION_HISTORY_CAP",
	"AUTO_INVASION_CHANCE", "AUTO_INVASION_PER_MINUTE", "AUTO_INVASION_BURST", "AUTO_INVASION_MAX_ACTIVE",
	"RESOLUTION_ROUTING_KEY",
	"QUEST_CHANCE", "CASUAL_REPLY_CHANCE", "GLOBAL_EVENT_MIN_MS", "GLOBAL_EVENT_MAX_MS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "CORS_ALLOWED_ORIGINS", "GATEWAY_ROUTES_PATH", "INVADER_URL",
	"KAFKA_BROKERS", "KAFKA_CLIENT_ID", "KAFKA_RETRY_MAX", "KAFKA_WRITE_TIMEOUT_MS", "KAFKA_RESOLUTION_TOPIC",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"INFLUX_URL", "INFLUX_TOKEN", "INFLUX_ORG", "INFLUX_BUCKET", "INFLUX_TIMEOUT_MS",
	"OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE", "OTEL_SAMPLE_RATIO",
}

func applyEnv(cfg *Config, problems *[]Problem) {
	for _, key := range keys {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" && key == "HTTP_PORT" {
			v = strings.TrimSpace(os.Getenv("PORT"))
		}
		if v == "" {
			continue
		}
		assign(cfg, key, v, problems)
	}
}

func assign(cfg *Config, key string, v any, problems *[]Problem) {
	str := func(dst *string) {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			*dst = strings.TrimSpace(s)
		}
	}
	integer := func(dst *int) {
		n, ok := asInt(v)
		if !ok {
			*problems = append(*problems, Problem{Field: key, Message: key + " must be an integer"})
			return
		}
		*dst = n
	}
	number := func(dst *float64) {
		f, ok := asFloat(v)
		if !ok {
			*problems = append(*problems, Problem{Field: key, Message: key + " must be a number"})
			return
		}
		*dst = f
	}
	boolean := func(dst *bool) {
		b, ok := asBool(v)
		if !ok {
			*problems = append(*problems, Problem{Field: key, Message: key + " must be a boolean"})
			return
		}
		*dst = b
	}
	list := func(dst *[]string) {
		switch t := v.(type) {
		case string:
			*dst = parseCSV(t)
		case []any:
			*dst = parseAnyCSV(t)
		}
	}

	switch key {
	case "ENV":
		str(&cfg.Env)
	case "SERVICE_NAME":
		str(&cfg.ServiceName)
	case "HTTP_PORT":
		integer(&cfg.HTTPPort)
	case "LOG_LEVEL":
		str(&cfg.LogLevel)
	case "REQUEST_TIMEOUT_MS":
		integer(&cfg.RequestTimeoutMS)
	case "RABBITMQ_URL":
		str(&cfg.RabbitMQURL)
	case "EXCHANGE_NAME":
		str(&cfg.ExchangeName)
	case "QUEUE_MESSAGES":
		str(&cfg.QueueMessages)
	case "QUEUE_INVASIONS":
		str(&cfg.QueueInvasions)
	case "QUEUE_EVENTS":
		str(&cfg.QueueEvents)
	case "BROKER_RECONNECT":
		boolean(&cfg.BrokerReconnect)
	case "BROKER_RECONNECT_MAX_SECONDS":
		integer(&cfg.BrokerReconnectSec)
	case "CONSUMER_PREFETCH":
		integer(&cfg.ConsumerPrefetch)
	case "HANDLER_MAX_RETRIES":
		integer(&cfg.HandlerMaxRetries)
	case "REPLY_TIMEOUT_MS":
		integer(&cfg.ReplyTimeoutMS)
	case "INVASION_BASE_DURATION_MS":
		integer(&cfg.InvasionBaseMS)
	case "INVASION_SWEEP_INTERVAL_MS":
		integer(&cfg.InvasionSweepMS)
	case "INVASION_HISTORY_CAP":
		integer(&cfg.InvasionHistoryCap)
	case "AUTO_INVASION_CHANCE":
		number(&cfg.AutoInvasionChance)
	case "AUTO_INVASION_PER_MINUTE":
		number(&cfg.AutoInvasionPerMinute)
	case "AUTO_INVASION_BURST":
		integer(&cfg.AutoInvasionBurst)
	case "AUTO_INVASION_MAX_ACTIVE":
		integer(&cfg.AutoInvasionMaxActive)
	case "RESOLUTION_ROUTING_KEY":
		str(&cfg.ResolutionRoutingKey)
	case "QUEST_CHANCE":
		number(&cfg.QuestChance)
	case "CASUAL_REPLY_CHANCE":
		number(&cfg.CasualReplyChance)
	case "GLOBAL_EVENT_MIN_MS":
		integer(&cfg.GlobalEventMinMS)
	case "GLOBAL_EVENT_MAX_MS":
		integer(&cfg.GlobalEventMaxMS)
	case "RATE_LIMIT_RPS":
		number(&cfg.RateLimitRPS)
	case "RATE_LIMIT_BURST":
		integer(&cfg.RateLimitBurst)
	case "CORS_ALLOWED_ORIGINS":
		list(&cfg.CORSOrigins)
	case "GATEWAY_ROUTES_PATH":
		str(&cfg.RoutesPath)
	case "INVADER_URL":
		str(&cfg.InvaderURL)
	case "KAFKA_BROKERS":
		list(&cfg.KafkaBrokers)
	case "KAFKA_CLIENT_ID":
		str(&cfg.KafkaClientID)
	case "KAFKA_RETRY_MAX":
		integer(&cfg.KafkaRetryMax)
	case "KAFKA_WRITE_TIMEOUT_MS":
		integer(&cfg.KafkaWriteMS)
	case "KAFKA_RESOLUTION_TOPIC":
		str(&cfg.KafkaResolutionTopic)
	case "REDIS_ADDR":
		str(&cfg.RedisAddr)
	case "REDIS_PASSWORD":
		if s, ok := v.(string); ok {
			cfg.RedisPassword = s
		}
	case "REDIS_DB":
		integer(&cfg.RedisDB)
	case "INFLUX_URL":
		str(&cfg.InfluxURL)
	case "INFLUX_TOKEN":
		if s, ok := v.(string); ok {
			cfg.InfluxToken = s
		}
	case "INFLUX_ORG":
		str(&cfg.InfluxOrg)
	case "INFLUX_BUCKET":
		str(&cfg.InfluxBucket)
	case "INFLUX_TIMEOUT_MS":
		integer(&cfg.InfluxTimeoutMS)
	case "OTEL_ENABLED":
		boolean(&cfg.OtelEnabled)
	case "OTEL_EXPORTER_OTLP_ENDPOINT":
		str(&cfg.OtelEndpoint)
	case "OTEL_EXPORTER_OTLP_INSECURE":
		boolean(&cfg.OtelInsecure)
	case "OTEL_SAMPLE_RATIO":
		number(&cfg.OtelSampleRatio)
	}
}

func validate(cfg *Config, httpPortDefault int, problems *[]Problem) {
	positive := func(field string, v *int, def int) {
		if *v <= 0 {
			*problems = append(*problems, Problem{Field: field, Message: field + " must be > 0"})
			*v = def
		}
	}
	nonNegative := func(field string, v *int, def int) {
		if *v < 0 {
			*problems = append(*problems, Problem{Field: field, Message: field + " must be >= 0"})
			*v = def
		}
	}

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	positive("REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, 30000)
	positive("BROKER_RECONNECT_MAX_SECONDS", &cfg.BrokerReconnectSec, 60)
	positive("CONSUMER_PREFETCH", &cfg.ConsumerPrefetch, 1)
	nonNegative("HANDLER_MAX_RETRIES", &cfg.HandlerMaxRetries, 3)
	positive("REPLY_TIMEOUT_MS", &cfg.ReplyTimeoutMS, 5000)
	positive("INVASION_BASE_DURATION_MS", &cfg.InvasionBaseMS, 60000)
	positive("INVASION_SWEEP_INTERVAL_MS", &cfg.InvasionSweepMS, 10000)
	positive("INVASION_HISTORY_CAP", &cfg.InvasionHistoryCap, 50)
	nonNegative("AUTO_INVASION_BURST", &cfg.AutoInvasionBurst, 3)
	nonNegative("AUTO_INVASION_MAX_ACTIVE", &cfg.AutoInvasionMaxActive, 10)
	positive("GLOBAL_EVENT_MIN_MS", &cfg.GlobalEventMinMS, 120000)
	positive("GLOBAL_EVENT_MAX_MS", &cfg.GlobalEventMaxMS, 300000)
	positive("RATE_LIMIT_BURST", &cfg.RateLimitBurst, 40)
	nonNegative("KAFKA_RETRY_MAX", &cfg.KafkaRetryMax, 5)
	positive("KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, 5000)
	nonNegative("REDIS_DB", &cfg.RedisDB, 0)
	positive("INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS, 5000)

	if cfg.AutoInvasionChance < 0 || cfg.AutoInvasionChance > 1 {
		*problems = append(*problems, Problem{Field: "AUTO_INVASION_CHANCE", Message: "AUTO_INVASION_CHANCE must be 0-1"})
		cfg.AutoInvasionChance = 0.3
	}
	if cfg.AutoInvasionPerMinute < 0 {
		*problems = append(*problems, Problem{Field: "AUTO_INVASION_PER_MINUTE", Message: "AUTO_INVASION_PER_MINUTE must be >= 0"})
		cfg.AutoInvasionPerMinute = 6
	}
	if cfg.GlobalEventMaxMS < cfg.GlobalEventMinMS {
		*problems = append(*problems, Problem{Field: "GLOBAL_EVENT_MAX_MS", Message: "GLOBAL_EVENT_MAX_MS must be >= GLOBAL_EVENT_MIN_MS"})
		cfg.GlobalEventMaxMS = cfg.GlobalEventMinMS
	}
	if cfg.QuestChance < 0 || cfg.QuestChance > 1 {
		*problems = append(*problems, Problem{Field: "QUEST_CHANCE", Message: "QUEST_CHANCE must be 0-1"})
		cfg.QuestChance = 0.15
	}
	if cfg.CasualReplyChance < 0 || cfg.CasualReplyChance > 1 {
		*problems = append(*problems, Problem{Field: "CASUAL_REPLY_CHANCE", Message: "CASUAL_REPLY_CHANCE must be 0-1"})
		cfg.CasualReplyChance = 0.3
	}
	if cfg.RateLimitRPS <= 0 {
		*problems = append(*problems, Problem{Field: "RATE_LIMIT_RPS", Message: "RATE_LIMIT_RPS must be > 0"})
		cfg.RateLimitRPS = 20
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}
	if !strings.HasPrefix(cfg.RabbitMQURL, "amqp://") && !strings.HasPrefix(cfg.RabbitMQURL, "amqps://") {
		*problems = append(*problems, Problem{Field: "RABBITMQ_URL", Message: "RABBITMQ_URL must use the amqp:// or amqps:// scheme"})
	}
	queues := map[string]string{}
	for field, name := range map[string]string{
		"QUEUE_MESSAGES":  cfg.QueueMessages,
		"QUEUE_INVASIONS": cfg.QueueInvasions,
		"QUEUE_EVENTS":    cfg.QueueEvents,
	} {
		if other, dup := queues[name]; dup {
			*problems = append(*problems, Problem{Field: field, Message: fmt.Sprintf("%s duplicates %s", field, other)})
		}
		queues[name] = field
	}
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "y":
			return true, true
		case "false", "0", "no", "n":
			return false, true
		}
	}
	return false, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
