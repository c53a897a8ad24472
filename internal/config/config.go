package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// newViper reads config/<name>.<env>.yaml, or the file named by --config.
// Environment variables MESHVOICE_<KEY> override file values.
func newViper(name string, fs *pflag.FlagSet) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MESHVOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/%s.%s.yaml", name, env)
	if f := fs.Lookup("config"); f != nil && f.Changed {
		fileName = f.Value.String()
	}
	v.SetConfigFile(fileName)
	return v
}

// readConfig falls back to defaults only when the file is missing.
func readConfig(v *viper.Viper) error {
	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
		log.Info().Str("module", "config").Str("file", v.ConfigFileUsed()).Msg("loaded config")
		return nil
	case errors.As(err, &notFound), errors.Is(err, os.ErrNotExist):
		log.Warn().Str("module", "config").Str("file", v.ConfigFileUsed()).Msg("config file not found, using defaults")
		return nil
	}
	return fmt.Errorf("reading %s: %w", v.ConfigFileUsed(), err)
}

// bindFlags binds every flag that has a matching config key.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) error {
	for flag, key := range keys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return fmt.Errorf("binding --%s: %w", flag, err)
		}
	}
	return nil
}

// ApplyLogLevel sets the global zerolog level. Unknown names keep info.
func ApplyLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

type ServerConfig struct {
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	DBPath       string        `mapstructure:"db_path"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
	Secret       string        `mapstructure:"secret"`
	Metrics      bool          `mapstructure:"metrics"`
	LogLevel     string        `mapstructure:"log_level"`
}

func LoadServer(args []string) (*ServerConfig, error) {
	fs := pflag.NewFlagSet("server", pflag.ContinueOnError)
	fs.String("config", "", "config file (default config/server.<CONFIG_ENV>.yaml)")
	fs.Int("port", 8080, "listen port")
	fs.String("db", "meshvoice.db", "SQLite database path")
	fs.String("mode", "release", "gin mode: debug or release")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := newViper("server", fs)
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("db_path", "meshvoice.db")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("rate_limit", 200)
	v.SetDefault("rate_interval", "1s")
	v.SetDefault("secret", "meshvoice-dev-secret")
	v.SetDefault("metrics", true)
	v.SetDefault("log_level", "info")

	if err := readConfig(v); err != nil {
		return nil, err
	}
	if err := bindFlags(v, fs, map[string]string{"port": "port", "db": "db_path", "mode": "mode"}); err != nil {
		return nil, err
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.PingPeriod <= 0 {
		return nil, fmt.Errorf("ping_period must be positive")
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("db", cfg.DBPath).Msg("server config")
	return &cfg, nil
}

type TimingConfig struct {
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval"`
	HiddenGrace        time.Duration `mapstructure:"hidden_grace"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	SampleInterval     time.Duration `mapstructure:"sample_interval"`
}

type DeviceConfig struct {
	ID    string `mapstructure:"id"`
	Label string `mapstructure:"label"`
	// Path is a raw PCM source; "-" reads stdin.
	Path string `mapstructure:"path"`
}

type AudioConfig struct {
	Input            string         `mapstructure:"input"`
	Output           string         `mapstructure:"output"`
	Devices          []DeviceConfig `mapstructure:"devices"`
	EchoCancellation bool           `mapstructure:"echo_cancellation"`
	NoiseSuppression bool           `mapstructure:"noise_suppression"`
	AutoGainControl  bool           `mapstructure:"auto_gain_control"`
	VoiceMode        string         `mapstructure:"voice_mode"`
	MonitorVolume    float64        `mapstructure:"monitor_volume"`
}

type NodeConfig struct {
	ServerURL     string       `mapstructure:"server_url"`
	Room          string       `mapstructure:"room"`
	ParticipantID string       `mapstructure:"participant_id"`
	DisplayName   string       `mapstructure:"display_name"`
	LogLevel      string       `mapstructure:"log_level"`
	MetricsAddr   string       `mapstructure:"metrics_addr"`
	ICEServers    []string     `mapstructure:"ice_servers"`
	Threshold     int          `mapstructure:"activity_threshold"`
	Timing        TimingConfig `mapstructure:"timing"`
	Audio         AudioConfig  `mapstructure:"audio"`
}

func LoadNode(args []string) (*NodeConfig, error) {
	fs := pflag.NewFlagSet("voicenode", pflag.ContinueOnError)
	fs.String("config", "", "config file (default config/voicenode.<CONFIG_ENV>.yaml)")
	fs.String("server", "http://localhost:8080", "hub base URL")
	fs.String("room", "", "room to join")
	fs.String("id", "", "participant id")
	fs.String("name", "", "display name")
	fs.String("input", "", "PCM input device id")
	fs.Bool("ptt", false, "push-to-talk voice mode")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := newViper("voicenode", fs)
	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("activity_threshold", 15)
	v.SetDefault("timing.reconcile_interval", "60s")
	v.SetDefault("timing.hidden_grace", "10s")
	v.SetDefault("timing.negotiation_timeout", "12s")
	v.SetDefault("timing.connect_timeout", "15s")
	v.SetDefault("timing.heartbeat_interval", "5s")
	v.SetDefault("timing.sample_interval", "16ms")
	v.SetDefault("audio.echo_cancellation", true)
	v.SetDefault("audio.noise_suppression", true)
	v.SetDefault("audio.auto_gain_control", true)
	v.SetDefault("audio.voice_mode", "vad")
	v.SetDefault("audio.monitor_volume", 0.25)
	v.SetDefault("audio.devices", []map[string]any{{"id": "stdin", "label": "Standard input", "path": "-"}})

	if err := readConfig(v); err != nil {
		return nil, err
	}
	if err := bindFlags(v, fs, map[string]string{
		"server": "server_url",
		"room":   "room",
		"id":     "participant_id",
		"name":   "display_name",
		"input":  "audio.input",
	}); err != nil {
		return nil, err
	}
	if ptt, _ := fs.GetBool("ptt"); ptt {
		v.Set("audio.voice_mode", "ptt")
	}

	var cfg NodeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.ParticipantID == "" {
		cfg.ParticipantID = uuid.NewString()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("server", cfg.ServerURL).Str("room", cfg.Room).
		Str("participant", cfg.ParticipantID).Str("voice_mode", cfg.Audio.VoiceMode).Msg("node config")
	return &cfg, nil
}

func (c *NodeConfig) validate() error {
	if c.Room == "" {
		return fmt.Errorf("room is required")
	}
	switch c.Audio.VoiceMode {
	case "vad", "ptt":
	default:
		return fmt.Errorf("audio.voice_mode must be vad or ptt, got %q", c.Audio.VoiceMode)
	}
	if c.Audio.MonitorVolume < 0 || c.Audio.MonitorVolume > 1 {
		return fmt.Errorf("audio.monitor_volume must be within [0, 1]")
	}
	return nil
}
