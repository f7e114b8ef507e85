package config

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Config struct {
	AgentUserID     string `mapstructure:"agent_user_id"`
	AgentAutoAnswer bool   `mapstructure:"agent_auto_answer"`
	AgentDialUserID string `mapstructure:"agent_dial_user_id"`
	AgentCallType   string `mapstructure:"agent_call_type"    validate:"oneof=voice video"`

	PostgresHost            string `mapstructure:"postgres_host"              validate:"required"`
	PostgresUsername        string `mapstructure:"postgres_username"          validate:"required"`
	PostgresPassword        string `mapstructure:"postgres_password"          validate:"required"`
	PostgresPort            string `mapstructure:"postgres_port"              validate:"required"`
	PostgresDatabase        string `mapstructure:"postgres_database"          validate:"required"`
	DBIntervalCB            uint32 `mapstructure:"db_interval_cb"`
	DBConsecutiveFailuresCB uint32 `mapstructure:"db_consecutive_failures_cb"`

	KafkaBootstrapServer       string `mapstructure:"kafka_bootstrap_server"        validate:"required"`
	KafkaUsername              string `mapstructure:"kafka_username"`
	KafkaPassword              string `mapstructure:"kafka_password"`
	KafkaCallEventTopic        string `mapstructure:"kafka_call_event_topic"        validate:"required"`
	KafkaIntervalCB            uint32 `mapstructure:"kafka_interval_cb"`
	KafkaConsecutiveFailuresCB uint32 `mapstructure:"kafka_consecutive_failures_cb"`

	// ICE servers: comma separated STUN urls plus at least one TURN relay for
	// connectivity across restrictive NATs.
	STUNServers  string `mapstructure:"stun_servers" validate:"required"`
	TURNServers  string `mapstructure:"turn_servers"`
	TURNUsername string `mapstructure:"turn_username"`
	TURNPassword string `mapstructure:"turn_password"`

	ICECandidatePoolSize      int  `mapstructure:"ice_candidate_pool_size"      validate:"gte=10"`
	SignalingPollIntervalMs   int  `mapstructure:"signaling_poll_interval_ms"   validate:"gt=0"`
	StatusPollIntervalMs      int  `mapstructure:"status_poll_interval_ms"      validate:"gt=0"`
	RingTimeoutSeconds        int  `mapstructure:"ring_timeout_seconds"         validate:"gt=0"`
	DisconnectedGraceSeconds  int  `mapstructure:"disconnected_grace_seconds"   validate:"gt=0"`
	CandidateAppendRetryCount uint `mapstructure:"candidate_append_retry_count"`

	PoolSize int `mapstructure:"pool_size"`

	LogLevel    string `mapstructure:"log_level"`
	LogFilePath string `mapstructure:"log_file_path"`

	HealthCheckerMonitorInterval int `mapstructure:"health_checker_monitor_interval"`

	PrometheusPort    string `mapstructure:"prometheus_port"`
	PrometheusTimeout int    `mapstructure:"prometheus_timeout"`
}

var Conf Config

func init() {
	err := loadEnvConfig(&Conf)
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.String("error", err.Error()))
	}
}

func loadEnvConfig(cfg *Config) error {
	viper.AutomaticEnv()
	viper.AllowEmptyEnv(true)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setupDefaults()

	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")

	err := viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError

		ok := errors.As(err, &configFileNotFoundError)
		if !ok {
			return err
		}
	}

	err = viper.Unmarshal(cfg)
	if err != nil {
		return err
	}

	err = validator.New().Struct(cfg)
	if err != nil {
		return err
	}

	return nil
}

func setupDefaults() {
	confType := reflect.TypeOf(Conf)
	for i := range confType.NumField() {
		field := confType.Field(i)
		viper.SetDefault(field.Tag.Get("mapstructure"), "")
	}

	viper.SetDefault("AGENT_AUTO_ANSWER", "false")
	viper.SetDefault("AGENT_CALL_TYPE", "video")
	viper.SetDefault("POSTGRES_HOST", "localhost")
	viper.SetDefault("POSTGRES_PORT", "5432")
	viper.SetDefault("POSTGRES_USERNAME", "postgres")
	viper.SetDefault("POSTGRES_PASSWORD", "postgres")
	viper.SetDefault("POSTGRES_DATABASE", "mimi_calls")
	viper.SetDefault("KAFKA_BOOTSTRAP_SERVER", "localhost:9092")
	viper.SetDefault("KAFKA_CALL_EVENT_TOPIC", "call-events")
	viper.SetDefault("STUN_SERVERS", "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302")
	viper.SetDefault("ICE_CANDIDATE_POOL_SIZE", "10")
	viper.SetDefault("SIGNALING_POLL_INTERVAL_MS", "300")
	viper.SetDefault("STATUS_POLL_INTERVAL_MS", "1000")
	viper.SetDefault("RING_TIMEOUT_SECONDS", "60")
	viper.SetDefault("DISCONNECTED_GRACE_SECONDS", "5")
	viper.SetDefault("CANDIDATE_APPEND_RETRY_COUNT", "3")
	viper.SetDefault("POOL_SIZE", "10")
	viper.SetDefault("LOG_LEVEL", "INFO")
	viper.SetDefault("LOG_FILE_PATH", "./access.log")
	viper.SetDefault("DB_INTERVAL_CB", "30")
	viper.SetDefault("DB_CONSECUTIVE_FAILURES_CB", "3")
	viper.SetDefault("KAFKA_INTERVAL_CB", "30")
	viper.SetDefault("KAFKA_CONSECUTIVE_FAILURES_CB", "5")
	viper.SetDefault("HEALTH_CHECKER_MONITOR_INTERVAL", "60")
	viper.SetDefault("PROMETHEUS_PORT", "2112")
	viper.SetDefault("PROMETHEUS_TIMEOUT", "60")
}

// STUNServerList splits the configured comma separated STUN urls.
func (c *Config) STUNServerList() []string {
	return splitList(c.STUNServers)
}

// TURNServerList splits the configured comma separated TURN urls.
func (c *Config) TURNServerList() []string {
	return splitList(c.TURNServers)
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))

	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}

	return out
}
