package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	StartLimit  int           `mapstructure:"start_limit"`
	StartWindow time.Duration `mapstructure:"start_window"`
	ICEServers  []string      `mapstructure:"ice_servers"`

	LiveKit LiveKit `mapstructure:"livekit"`
	Session Session `mapstructure:"session"`
	Storage Storage `mapstructure:"storage"`
}

type LiveKit struct {
	URL         string        `mapstructure:"url"`
	APIKey      string        `mapstructure:"api_key"`
	APISecret   string        `mapstructure:"api_secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
	AgentPrefix string        `mapstructure:"agent_prefix"`
}

type Session struct {
	Room              string        `mapstructure:"room"`
	NavigateDelay     time.Duration `mapstructure:"navigate_delay"`
	RedirectPath      string        `mapstructure:"redirect_path"`
	MirrorTranscripts bool          `mapstructure:"mirror_transcripts"`
}

type Storage struct {
	// Backend is one of memory, sqlite, firestore.
	Backend          string `mapstructure:"backend"`
	SQLitePath       string `mapstructure:"sqlite_path"`
	FirestoreProject string `mapstructure:"firestore_project"`
}

// Load reads config/config.<env>.yaml. An empty env falls back to CONFIG_ENV,
// then to "dev". A missing file is not an error.
func Load(env string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if env == "" {
		env = os.Getenv("CONFIG_ENV")
	}
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Str("storage", cfg.Storage.Backend).
		Bool("livekit", cfg.LiveKit.URL != "").
		Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")
	v.SetDefault("start_limit", 5)
	v.SetDefault("start_window", "1m")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("livekit.token_ttl", "1h")
	v.SetDefault("livekit.agent_prefix", "agent-")

	v.SetDefault("session.room", "mindflex-wellness")
	v.SetDefault("session.navigate_delay", "3s")
	v.SetDefault("session.redirect_path", "/profile")
	v.SetDefault("session.mirror_transcripts", true)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.sqlite_path", "mindflex.db")
}

// bindEnv maps the conventional LiveKit variables and MINDFLEX_* overrides
// onto config keys.
func bindEnv(v *viper.Viper) error {
	v.SetEnvPrefix("mindflex")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range map[string]string{
		"livekit.url":        "LIVEKIT_URL",
		"livekit.api_key":    "LIVEKIT_API_KEY",
		"livekit.api_secret": "LIVEKIT_API_SECRET",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind %s: %w", env, err)
		}
	}
	return nil
}
