// Package config wires command-line flags, environment variables, and an
// optional YAML file into a single configuration source, the same
// precedence order (flag > env > file > default) used throughout this
// codebase's ambient tooling.
package config

import (
	"strings"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// LogLevel names the accepted --log-level values.
type LogLevel string

const (
	LogLevelAll   LogLevel = "all"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelNone  LogLevel = "none"
)

// Sender holds the sender daemon's configuration.
type Sender struct {
	Listen            string        `mapstructure:"listen"`
	MetricsListen     string        `mapstructure:"metrics-listen"`
	LogLevel          LogLevel      `mapstructure:"log-level"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat-interval"`
}

// Receiver holds the receiver daemon's configuration.
type Receiver struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	List              bool          `mapstructure:"list"`
	Import            string        `mapstructure:"import"`
	MetricsListen     string        `mapstructure:"listen"`
	LogLevel          LogLevel      `mapstructure:"log-level"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat-interval"`
	ReconnectInterval time.Duration `mapstructure:"reconnect-interval"`
}

func newViper(configFlagValue string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("USBIP_BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFlagValue != "" {
		v.SetConfigFile(configFlagValue)
	} else {
		v.SetConfigName("usbip-bridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, errors.Wrap(err, "config: read config file")
		}
	}
	return v, nil
}

// LoadSender parses sender flags plus environment/config-file overrides.
func LoadSender(args []string) (Sender, error) {
	fs := pflag.NewFlagSet("usbip-senderd", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	listen := fs.String("listen", "0.0.0.0:3240", "address to accept receiver connections on")
	metricsListen := fs.String("metrics-listen", "127.0.0.1:9100", "address to serve /metrics and /health on")
	logLevel := fs.String("log-level", string(LogLevelInfo), "log level: all, debug, info, warn, error, none")
	heartbeat := fs.Duration("heartbeat-interval", 30*time.Second, "heartbeat interval; the sender answers heartbeat frames but sends none on a timer")

	if err := fs.Parse(args); err != nil {
		return Sender{}, errors.Wrap(err, "config: parse sender flags")
	}

	v, err := newViper(*configPath)
	if err != nil {
		return Sender{}, err
	}
	_ = v.BindPFlags(fs)

	_ = listen
	_ = metricsListen
	_ = heartbeat

	return Sender{
		Listen:            v.GetString("listen"),
		MetricsListen:     v.GetString("metrics-listen"),
		LogLevel:          LogLevel(v.GetString("log-level")),
		HeartbeatInterval: v.GetDuration("heartbeat-interval"),
	}, validateLogLevel(LogLevel(*logLevel))
}

// LoadReceiver parses receiver flags plus environment/config-file
// overrides.
func LoadReceiver(args []string) (Receiver, error) {
	fs := pflag.NewFlagSet("usbip-receiverd", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	host := fs.StringP("host", "h", "", "sender host to connect to")
	port := fs.IntP("port", "p", 3240, "sender port to connect to")
	list := fs.BoolP("list", "l", false, "list devices available on the sender and exit")
	importDevice := fs.StringP("import", "i", "", "bus ID of the device to import")
	metricsListen := fs.String("listen", "127.0.0.1:9101", "address to serve /metrics and /health on")
	logLevel := fs.String("log-level", string(LogLevelInfo), "log level: all, debug, info, warn, error, none")
	heartbeat := fs.Duration("heartbeat-interval", 30*time.Second, "heartbeat interval; the receiver sends no heartbeat frames on a timer")
	reconnect := fs.Duration("reconnect-interval", 5*time.Second, "delay between reconnect attempts")

	if err := fs.Parse(args); err != nil {
		return Receiver{}, errors.Wrap(err, "config: parse receiver flags")
	}

	v, err := newViper(*configPath)
	if err != nil {
		return Receiver{}, err
	}
	_ = v.BindPFlags(fs)

	_ = host
	_ = port
	_ = list
	_ = importDevice
	_ = metricsListen
	_ = heartbeat
	_ = reconnect

	return Receiver{
		Host:              v.GetString("host"),
		Port:              v.GetInt("port"),
		List:              v.GetBool("list"),
		Import:            v.GetString("import"),
		MetricsListen:     v.GetString("listen"),
		LogLevel:          LogLevel(v.GetString("log-level")),
		HeartbeatInterval: v.GetDuration("heartbeat-interval"),
		ReconnectInterval: v.GetDuration("reconnect-interval"),
	}, validateLogLevel(LogLevel(*logLevel))
}

func validateLogLevel(l LogLevel) error {
	switch l {
	case LogLevelAll, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelNone:
		return nil
	default:
		return errors.Newf("config: invalid log level %q", l)
	}
}
