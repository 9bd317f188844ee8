package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config структура конфигурации контроллера.
type Config struct {
	Name      string        `toml:"name" yaml:"name"`             // Name - имя контроллера в анонсе.
	Port      int           `toml:"port" yaml:"port"`             // Port - основной UDP порт (поток пикселей).
	SetupPort int           `toml:"setup-port" yaml:"setup-port"` // SetupPort - порт клиента для ответа на handshake.
	Resolver  ResolverConf  `toml:"resolver" yaml:"resolver"`
	Driver    DriverConf    `toml:"driver" yaml:"driver"`
	Channels  []ChannelConf `toml:"channels" yaml:"channels"`
	Strips    []StripConf   `toml:"strips" yaml:"strips"`
	Loop      LoopConf      `toml:"loop" yaml:"loop"`
	Logger    LogConf       `toml:"logger" yaml:"logger"`
	MQTT      MQTTConf      `toml:"mqtt" yaml:"mqtt"`
}

// ResolverConf выбор стратегии определения IP адреса.
type ResolverConf struct {
	Strategy string   `toml:"strategy" yaml:"strategy"` // Strategy - subnet, command или loopback.
	Subnet   string   `toml:"subnet" yaml:"subnet"`     // Subnet - подсеть, например 192.168.1.0.
	Netmask  string   `toml:"netmask" yaml:"netmask"`   // Netmask - маска, например 255.255.255.0.
	Command  []string `toml:"command" yaml:"command"`   // Command - утилита ОС, по умолчанию hostname -I.
	Fallback string   `toml:"fallback" yaml:"fallback"` // Fallback - запасная стратегия (необязательно).
}

// DriverConf параметры драйвера ленты.
// Freq и DMA зарезервированы для ws281x драйвера (GPIO/PWM); memory и artnet их не читают.
type DriverConf struct {
	Kind   string     `toml:"kind" yaml:"kind"` // Kind - memory или artnet.
	Freq   uint32     `toml:"freq" yaml:"freq"` // Freq - частота сигнала, Гц (ws281x).
	DMA    int        `toml:"dma" yaml:"dma"`   // DMA - канал DMA (ws281x).
	ArtNet ArtNetConf `toml:"artnet" yaml:"artnet"`
}

// ArtNetConf параметры вывода через Art-Net.
type ArtNetConf struct {
	IP           string `toml:"ip" yaml:"ip"`                       // IP - локальный адрес для Art-Net.
	Name         string `toml:"name" yaml:"name"`                   // Name - имя узла Art-Net.
	UniverseBase uint16 `toml:"universe-base" yaml:"universe-base"` // UniverseBase - первый universe.
	MaxFPS       int    `toml:"max-fps" yaml:"max-fps"`             // MaxFPS - ограничение частоты отправки.
}

// ChannelConf канал ленты (один GPIO/PWM выход).
// Pin и Invert зарезервированы для ws281x драйвера, как Freq и DMA.
type ChannelConf struct {
	Num        int    `toml:"num" yaml:"num"`
	Pin        int    `toml:"pin" yaml:"pin"`     // Pin - GPIO вывод (ws281x).
	Count      int    `toml:"count" yaml:"count"` // Count - количество пикселей.
	Invert     bool   `toml:"invert" yaml:"invert"`
	Brightness *uint8 `toml:"brightness" yaml:"brightness"` // Brightness - 0..255, по умолчанию 255.
	StripType  string `toml:"strip-type" yaml:"strip-type"` // StripType - порядок цветов: rgb, grb, ...
}

// Level is the channel brightness. A channel without one is at full brightness.
func (c ChannelConf) Level() uint8 {
	if c.Brightness == nil {
		return 255
	}
	return *c.Brightness
}

// StripConf логический участок адресного пространства (только для анонса).
type StripConf struct {
	Name      string `toml:"name" yaml:"name"`
	StartAddr int    `toml:"start-addr" yaml:"start-addr"`
	EndAddr   int    `toml:"end-addr" yaml:"end-addr"`
	Channel   int    `toml:"channel" yaml:"channel"`
}

// LoopConf тайминги главного цикла.
type LoopConf struct {
	PollInterval    Duration `toml:"poll-interval" yaml:"poll-interval"`
	HandshakePoll   Duration `toml:"handshake-poll" yaml:"handshake-poll"`
	LivenessTimeout Duration `toml:"liveness-timeout" yaml:"liveness-timeout"`
	BootAnimation   bool     `toml:"boot-animation" yaml:"boot-animation"`
}

// LogConf структура конфигурации.
type LogConf struct {
	Level string `toml:"log-level" yaml:"log-level"` // Level - уровень логирования.
	File  string `toml:"file" yaml:"file"`           // File - дополнительный файл журнала.
}

// MQTTConf структура конфигурации.
type MQTTConf struct {
	Enabled     bool   `toml:"enabled" yaml:"enabled"`
	ClientID    string `toml:"clientID" yaml:"clientID"`         // ClientID - имя клиента.
	Host        string `toml:"server" yaml:"server"`             // Host - адрес MQTT сервера.
	Port        string `toml:"port" yaml:"port"`                 // Port - порт MQTT сервера.
	User        string `toml:"user" yaml:"user"`                 // User - логин для подключения к MQTT серверу.
	Password    string `toml:"password" yaml:"password"`         // Password - пароль для подключения к MQTT серверу.
	Qos         byte   `toml:"qos" yaml:"qos"`                   // Qos - качество обслуживания.
	TopicPrefix string `toml:"topic-prefix" yaml:"topic-prefix"` // TopicPrefix - префикс топиков статуса.
}

// Duration is a time.Duration written as "5ms" or "30s" in the config document.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Default returns the configuration used for any field the document leaves out.
func Default() Config {
	return Config{
		Name:      "pixelnode",
		Port:      8080,
		SetupPort: 37322,
		Resolver:  ResolverConf{Strategy: "subnet"},
		Driver:    DriverConf{Kind: "memory", Freq: 800000, DMA: 10},
		Loop: LoopConf{
			PollInterval:    Duration{5 * time.Millisecond},
			HandshakePoll:   Duration{50 * time.Millisecond},
			LivenessTimeout: Duration{30 * time.Second},
		},
		Logger: LogConf{Level: "info"},
		MQTT:   MQTTConf{Port: "1883", TopicPrefix: "pixelnode"},
	}
}

// NewConfig конструктор. Формат выбирается по расширению файла: .yaml/.yml или TOML.
func NewConfig(path string) (*Config, error) {
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyChannelDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyChannelDefaults() {
	for i := range c.Channels {
		if c.Channels[i].StripType == "" {
			c.Channels[i].StripType = "grb"
		}
	}
}

// Validate checks the document for values the controller cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.SetupPort <= 0 || c.SetupPort > 65535 {
		errs = append(errs, fmt.Errorf("setup-port %d out of range", c.SetupPort))
	}
	if len(c.Channels) == 0 {
		errs = append(errs, errors.New("at least one channel is required"))
	}
	for i, ch := range c.Channels {
		if ch.Count <= 0 {
			errs = append(errs, fmt.Errorf("channel %d: count must be positive, got %d", i, ch.Count))
		}
	}
	for _, s := range c.Strips {
		if s.Channel < 0 || s.Channel >= len(c.Channels) {
			errs = append(errs, fmt.Errorf("strip %q: channel %d does not exist", s.Name, s.Channel))
		}
		if s.StartAddr > s.EndAddr {
			errs = append(errs, fmt.Errorf("strip %q: start-addr %d after end-addr %d", s.Name, s.StartAddr, s.EndAddr))
		}
	}
	for _, strategy := range []string{c.Resolver.Strategy, c.Resolver.Fallback} {
		switch strategy {
		case "subnet":
			if ip := net.ParseIP(c.Resolver.Subnet).To4(); ip == nil {
				errs = append(errs, fmt.Errorf("resolver: bad subnet %q", c.Resolver.Subnet))
			}
			if ip := net.ParseIP(c.Resolver.Netmask).To4(); ip == nil {
				errs = append(errs, fmt.Errorf("resolver: bad netmask %q", c.Resolver.Netmask))
			}
		case "command", "loopback":
		case "":
			if strategy == c.Resolver.Strategy {
				errs = append(errs, errors.New("resolver: strategy is required"))
			}
		default:
			errs = append(errs, fmt.Errorf("resolver: unknown strategy %q", strategy))
		}
	}
	switch c.Driver.Kind {
	case "memory", "artnet":
	default:
		errs = append(errs, fmt.Errorf("driver: unknown kind %q", c.Driver.Kind))
	}
	if c.Loop.PollInterval.Duration <= 0 || c.Loop.HandshakePoll.Duration <= 0 || c.Loop.LivenessTimeout.Duration <= 0 {
		errs = append(errs, errors.New("loop: durations must be positive"))
	}
	return errors.Join(errs...)
}

// NumAddrs is the total number of pixels across all channels.
func (c *Config) NumAddrs() int {
	n := 0
	for _, ch := range c.Channels {
		n += ch.Count
	}
	return n
}
