package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// DefaultConfigFile はデフォルトの設定ファイル名
	DefaultConfigFile = "config.toml"
)

// DiscoveryConfig は機器探索の設定
type DiscoveryConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenPort int    `toml:"listen_port"`
	DevicePort int    `toml:"device_port"`
	Interval   string `toml:"interval"`    // e.g. "1s"
	StaleAfter string `toml:"stale_after"` // e.g. "5s"
}

// DeviceConfig は起動時に接続する機器。Address が空なら自動接続しない
type DeviceConfig struct {
	Address  string `toml:"address"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// ClientConfig はリクエストのタイムアウトなど
type ClientConfig struct {
	RequestTimeout   string `toml:"request_timeout"`
	Debounce         string `toml:"debounce"`
	HandshakeTimeout string `toml:"handshake_timeout"`
}

// MQTTConfig は MQTT ブリッジの設定
type MQTTConfig struct {
	Enabled     bool     `toml:"enabled"`
	Broker      string   `toml:"broker"`
	ClientID    string   `toml:"client_id"`
	Username    string   `toml:"username"`
	Password    string   `toml:"password"`
	TopicPrefix string   `toml:"topic_prefix"`
	QoS         int      `toml:"qos"`
	Paths       []string `toml:"paths"` // 同期するパス。`\\Preset\Mute` または `Preset/Mute`
}

// Config はアプリケーション全体の設定を表す
type Config struct {
	Debug bool `toml:"debug"`
	Log   struct {
		Filename string `toml:"filename"`
	} `toml:"log"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Device    DeviceConfig    `toml:"device"`
	Client    ClientConfig    `toml:"client"`
	WebSocket struct {
		Enabled bool   `toml:"enabled"`
		Addr    string `toml:"addr"`
	} `toml:"websocket"`
	MQTT    MQTTConfig `toml:"mqtt"`
	Console struct {
		Enabled     bool   `toml:"enabled"`
		HistoryFile string `toml:"history_file"`
	} `toml:"console"`
}

// NewConfig はデフォルト設定を持つConfigを作成する
func NewConfig() *Config {
	cfg := &Config{
		Debug: false,
	}
	cfg.Log.Filename = "pa2-control.log"
	cfg.Discovery.Enabled = true
	cfg.Discovery.ListenPort = 52990
	cfg.Discovery.DevicePort = 19272
	cfg.Discovery.Interval = "1s"
	cfg.Discovery.StaleAfter = "5s"
	cfg.Device.Port = 19272
	cfg.Device.Username = "administrator"
	cfg.Device.Password = "administrator"
	cfg.Client.RequestTimeout = "1s"
	cfg.Client.Debounce = "50ms"
	cfg.Client.HandshakeTimeout = "5s"
	cfg.WebSocket.Addr = "localhost:8080"
	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "pa2-control"
	cfg.MQTT.TopicPrefix = "pa2"
	cfg.MQTT.QoS = 1
	cfg.Console.Enabled = true
	cfg.Console.HistoryFile = ".pa2-control_history"
	return cfg
}

// LoadConfig は設定を読み込む
// 以下の優先順位でロードする:
// 1. 指定されたパスの設定ファイル（指定がある場合）
// 2. カレントディレクトリのデフォルト設定ファイル（存在する場合）
// 3. デフォルト設定
func LoadConfig(configPath string) (*Config, error) {
	config := NewConfig()

	filePath := configPath
	if filePath == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			filePath = DefaultConfigFile
		} else {
			return config, nil
		}
	}

	if _, err := toml.DecodeFile(filePath, config); err != nil {
		return nil, fmt.Errorf("設定ファイル %s を読み込めませんでした: %w", filePath, err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func parseDuration(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s の値 %q が不正です: %w", name, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s は正の値を指定してください: %q", name, value)
	}
	return d, nil
}

// Validate は値の範囲と時間の書式を確認する
func (c *Config) Validate() error {
	if _, err := c.Discovery.IntervalDuration(); err != nil {
		return err
	}
	if _, err := c.Discovery.StaleAfterDuration(); err != nil {
		return err
	}
	if _, err := c.Client.RequestTimeoutDuration(); err != nil {
		return err
	}
	if _, err := c.Client.DebounceDuration(); err != nil {
		return err
	}
	if _, err := c.Client.HandshakeTimeoutDuration(); err != nil {
		return err
	}
	for name, port := range map[string]int{
		"discovery.listen_port": c.Discovery.ListenPort,
		"discovery.device_port": c.Discovery.DevicePort,
		"device.port":           c.Device.Port,
	} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s の値 %d が不正です", name, port)
		}
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos は 0〜2 で指定してください: %d", c.MQTT.QoS)
	}
	return nil
}

func (d DiscoveryConfig) IntervalDuration() (time.Duration, error) {
	return parseDuration("discovery.interval", d.Interval)
}

func (d DiscoveryConfig) StaleAfterDuration() (time.Duration, error) {
	return parseDuration("discovery.stale_after", d.StaleAfter)
}

func (c ClientConfig) RequestTimeoutDuration() (time.Duration, error) {
	return parseDuration("client.request_timeout", c.RequestTimeout)
}

func (c ClientConfig) DebounceDuration() (time.Duration, error) {
	return parseDuration("client.debounce", c.Debounce)
}

func (c ClientConfig) HandshakeTimeoutDuration() (time.Duration, error) {
	return parseDuration("client.handshake_timeout", c.HandshakeTimeout)
}

// ApplyCommandLineArgs はコマンドライン引数で指定された値を設定に適用する
func (c *Config) ApplyCommandLineArgs(args CommandLineArgs) {
	if args.DebugSpecified {
		c.Debug = args.Debug
	}
	if args.LogFilenameSpecified {
		c.Log.Filename = args.LogFilename
	}
	// device
	if args.DeviceAddressSpecified {
		c.Device.Address = args.DeviceAddress
	}
	if args.DevicePortSpecified {
		c.Device.Port = args.DevicePort
	}
	if args.UsernameSpecified {
		c.Device.Username = args.Username
	}
	if args.PasswordSpecified {
		c.Device.Password = args.Password
	}
	// discovery
	if args.DiscoveryEnabledSpecified {
		c.Discovery.Enabled = args.DiscoveryEnabled
	}
	// websocket
	if args.WebSocketEnabledSpecified {
		c.WebSocket.Enabled = args.WebSocketEnabled
	}
	if args.WebSocketAddrSpecified {
		c.WebSocket.Addr = args.WebSocketAddr
	}
	// mqtt
	if args.MQTTEnabledSpecified {
		c.MQTT.Enabled = args.MQTTEnabled
	}
	if args.MQTTBrokerSpecified {
		c.MQTT.Broker = args.MQTTBroker
	}
	// console
	if args.ConsoleEnabledSpecified {
		c.Console.Enabled = args.ConsoleEnabled
	}
}

// CommandLineArgs はコマンドライン引数からの値を保持する
type CommandLineArgs struct {
	// 設定ファイル (メタ設定)
	ConfigFile      string
	ConfigSpecified bool

	Debug          bool
	DebugSpecified bool

	LogFilename          string
	LogFilenameSpecified bool

	// 接続先
	DeviceAddress          string
	DeviceAddressSpecified bool
	DevicePort             int
	DevicePortSpecified    bool
	Username               string
	UsernameSpecified      bool
	Password               string
	PasswordSpecified      bool

	DiscoveryEnabled          bool
	DiscoveryEnabledSpecified bool

	// WebSocketサーバー設定
	WebSocketEnabled          bool
	WebSocketEnabledSpecified bool
	WebSocketAddr             string
	WebSocketAddrSpecified    bool

	// MQTT
	MQTTEnabled          bool
	MQTTEnabledSpecified bool
	MQTTBroker           string
	MQTTBrokerSpecified  bool

	ConsoleEnabled          bool
	ConsoleEnabledSpecified bool
}

// ParseCommandLineArgs はコマンドライン引数 (プログラム名を除く) をパースする
func ParseCommandLineArgs(arguments []string) (CommandLineArgs, error) {
	var args CommandLineArgs

	fs := flag.NewFlagSet("pa2-control", flag.ContinueOnError)

	fs.StringVar(&args.ConfigFile, "config", "", "TOML設定ファイルのパスを指定する")
	fs.BoolVar(&args.Debug, "debug", false, "デバッグモードを有効にする")
	fs.StringVar(&args.LogFilename, "log", "pa2-control.log", "ログファイル名を指定する")

	fs.StringVar(&args.DeviceAddress, "device", "", "起動時に接続する機器のIPアドレスを指定する")
	fs.IntVar(&args.DevicePort, "port", 19272, "機器の制御ポートを指定する")
	fs.StringVar(&args.Username, "username", "administrator", "認証ユーザー名を指定する")
	fs.StringVar(&args.Password, "password", "administrator", "認証パスワードを指定する")

	fs.BoolVar(&args.DiscoveryEnabled, "discovery", true, "ブロードキャストによる機器探索を有効にする")

	fs.BoolVar(&args.WebSocketEnabled, "websocket", false, "WebSocketサーバーを有効にする")
	fs.StringVar(&args.WebSocketAddr, "ws-addr", "localhost:8080", "WebSocketサーバーの待ち受けアドレスを指定する")

	fs.BoolVar(&args.MQTTEnabled, "mqtt", false, "MQTTブリッジを有効にする")
	fs.StringVar(&args.MQTTBroker, "mqtt-broker", "tcp://localhost:1883", "MQTTブローカーのURLを指定する")

	fs.BoolVar(&args.ConsoleEnabled, "console", true, "対話コンソールを有効にする")

	if err := fs.Parse(arguments); err != nil {
		return args, err
	}

	// 明示的に指定されたフラグだけが設定ファイルの値を上書きする
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config":
			args.ConfigSpecified = true
		case "debug":
			args.DebugSpecified = true
		case "log":
			args.LogFilenameSpecified = true
		case "device":
			args.DeviceAddressSpecified = true
		case "port":
			args.DevicePortSpecified = true
		case "username":
			args.UsernameSpecified = true
		case "password":
			args.PasswordSpecified = true
		case "discovery":
			args.DiscoveryEnabledSpecified = true
		case "websocket":
			args.WebSocketEnabledSpecified = true
		case "ws-addr":
			args.WebSocketAddrSpecified = true
		case "mqtt":
			args.MQTTEnabledSpecified = true
		case "mqtt-broker":
			args.MQTTBrokerSpecified = true
		case "console":
			args.ConsoleEnabledSpecified = true
		}
	})

	return args, nil
}
