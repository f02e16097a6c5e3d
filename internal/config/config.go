package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config 全局配置结构体
type Config struct {
	Hardware HardwareConfig `mapstructure:"hardware"`
	Database DatabaseConfig `mapstructure:"database"`
	Journal  JournalConfig  `mapstructure:"journal"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Log      LogConfig      `mapstructure:"log"`
}

// HardwareConfig 外设配置
type HardwareConfig struct {
	BillAcceptor BillAcceptorConfig `mapstructure:"bill_acceptor"`
	CoinAcceptor CoinAcceptorConfig `mapstructure:"coin_acceptor"`
	CardReader   CardReaderConfig   `mapstructure:"card_reader"`
}

// BillAcceptorConfig 纸币识别器配置
type BillAcceptorConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Port            string        `mapstructure:"port"`
	BaudRate        int           `mapstructure:"baud_rate"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	StrictCRC       bool          `mapstructure:"strict_crc"`
	BillTypes       []int         `mapstructure:"bill_types"` // 6字节掩码，空表示全部允许
}

// CoinAcceptorConfig 投币器配置
type CoinAcceptorConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Port            string        `mapstructure:"port"`
	BaudRate        int           `mapstructure:"baud_rate"`
	Address         int           `mapstructure:"address"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	SettleDelay     time.Duration `mapstructure:"settle_delay"`
}

// CardReaderConfig 读卡器配置
type CardReaderConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	Port                 string        `mapstructure:"port"`
	BaudRate             int           `mapstructure:"baud_rate"`
	SyncInterval         time.Duration `mapstructure:"sync_interval"`
	SaleTimeout          time.Duration `mapstructure:"sale_timeout"`
	ReceiveTimeout       time.Duration `mapstructure:"receive_timeout"`
	RetryPause           time.Duration `mapstructure:"retry_pause"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectInterval    time.Duration `mapstructure:"reconnect_interval"`
	MaxSyncFailures      int           `mapstructure:"max_sync_failures"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// JournalConfig 事件日志配置
type JournalConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	BufferSize int  `mapstructure:"buffer_size"`
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Broker      string        `mapstructure:"broker"`
	ClientID    string        `mapstructure:"client_id"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	QoS         byte          `mapstructure:"qos"`
	KeepAlive   time.Duration `mapstructure:"keep_alive"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	TopicPrefix string        `mapstructure:"topic_prefix"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = viper.New()
		cfg, err = load(v, configPath)
	})
	return err
}

// Load 从指定文件加载一份独立的配置（不影响全局实例）
func Load(configPath string) (*Config, error) {
	return load(viper.New(), configPath)
}

func load(v *viper.Viper, configPath string) (*Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("PAY_KIOSK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认配置
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 纸币识别器 CCNET
	v.SetDefault("hardware.bill_acceptor.enabled", true)
	v.SetDefault("hardware.bill_acceptor.port", "/dev/ttyUSB0")
	v.SetDefault("hardware.bill_acceptor.baud_rate", 9600)
	v.SetDefault("hardware.bill_acceptor.poll_interval", "500ms")
	v.SetDefault("hardware.bill_acceptor.response_timeout", "100ms")
	v.SetDefault("hardware.bill_acceptor.strict_crc", false)

	// 投币器 ccTalk
	v.SetDefault("hardware.coin_acceptor.enabled", true)
	v.SetDefault("hardware.coin_acceptor.port", "/dev/ttyUSB1")
	v.SetDefault("hardware.coin_acceptor.baud_rate", 9600)
	v.SetDefault("hardware.coin_acceptor.address", 2)
	v.SetDefault("hardware.coin_acceptor.poll_interval", "200ms")
	v.SetDefault("hardware.coin_acceptor.response_timeout", "100ms")
	v.SetDefault("hardware.coin_acceptor.settle_delay", "1s")

	// 读卡器
	v.SetDefault("hardware.card_reader.enabled", false)
	v.SetDefault("hardware.card_reader.port", "/dev/ttyACM0")
	v.SetDefault("hardware.card_reader.baud_rate", 115200)
	v.SetDefault("hardware.card_reader.sync_interval", "5s")
	v.SetDefault("hardware.card_reader.sale_timeout", "60s")
	v.SetDefault("hardware.card_reader.receive_timeout", "2s")
	v.SetDefault("hardware.card_reader.retry_pause", "1s")
	v.SetDefault("hardware.card_reader.max_reconnect_attempts", 5)
	v.SetDefault("hardware.card_reader.reconnect_interval", "5s")
	v.SetDefault("hardware.card_reader.max_sync_failures", 3)

	// 数据库
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/pay-kiosk.db")
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.buffer_size", 256)

	// MQTT
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://127.0.0.1:1883")
	v.SetDefault("mqtt.client_id", "pay-kiosk")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", "60s")
	v.SetDefault("mqtt.retry_delay", "5s")
	v.SetDefault("mqtt.topic_prefix", "kiosk/{client_id}")

	// 日志
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "pay-kiosk.log")
	v.SetDefault("log.file.max_size", 50)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)
}

// Validate 校验配置
func (c *Config) Validate() error {
	bill := c.Hardware.BillAcceptor
	if bill.Enabled && bill.Port == "" {
		return fmt.Errorf("hardware.bill_acceptor.port is required")
	}
	if len(bill.BillTypes) != 0 && len(bill.BillTypes) != 6 {
		return fmt.Errorf("hardware.bill_acceptor.bill_types must have 6 bytes, got %d", len(bill.BillTypes))
	}
	coin := c.Hardware.CoinAcceptor
	if coin.Enabled && coin.Port == "" {
		return fmt.Errorf("hardware.coin_acceptor.port is required")
	}
	if coin.Address < 0 || coin.Address > 255 {
		return fmt.Errorf("hardware.coin_acceptor.address out of range: %d", coin.Address)
	}
	card := c.Hardware.CardReader
	if card.Enabled && card.Port == "" {
		return fmt.Errorf("hardware.card_reader.port is required")
	}
	if card.MaxReconnectAttempts < 0 {
		return fmt.Errorf("hardware.card_reader.max_reconnect_attempts must not be negative")
	}
	return nil
}

// ResolvedTopicPrefix 返回替换变量后的MQTT主题前缀
func (c *MQTTConfig) ResolvedTopicPrefix() string {
	return strings.ReplaceAll(c.TopicPrefix, "{client_id}", c.ClientID)
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化
func Watch(callback func(*Config)) {
	if v == nil {
		return
	}
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("config reload failed: %v\n", err)
			return
		}
		if err := newCfg.Validate(); err != nil {
			fmt.Printf("config reload rejected: %v\n", err)
			return
		}

		mu.Lock()
		cfg = newCfg
		mu.Unlock()

		if callback != nil {
			callback(newCfg)
		}
		fmt.Printf("config reloaded: %s\n", e.Name)
	})
}
