// Package config provides the common flag/env/YAML-file configuration
// layering shared by all four binaries: built-in defaults, overridden by a
// config file, overridden by explicit CLI flags.
package config

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort        = "8080"
	DefaultBrokerHost  = "localhost"
	DefaultBrokerPort  = "8080"
	DefaultKeyFile     = "keys.toml"
	DefaultCoAPPort    = "5683"
	DefaultMQTTHost    = "localhost"
	DefaultMQTTPort    = "1883"
	DefaultGatewayPort = "8080"
	DefaultMaxTime     = 120 // seconds
)

// Config holds every flag any of the four binaries may use. Each binary
// only reads the fields relevant to it.
type Config struct {
	Port        string `yaml:"port"`
	BrokerHost  string `yaml:"broker_host"`
	BrokerPort  string `yaml:"broker_port"`
	KeyFile     string `yaml:"key_file"`
	Debug       bool   `yaml:"debug"`
	CoAPPort    string `yaml:"coap_port"`
	MQTTHost    string `yaml:"mqtt_host"`
	MQTTPort    string `yaml:"mqtt_port"`
	GatewayPort string `yaml:"gateway_port"`
	MaxTime     int    `yaml:"max_time"`
	UseCoAPs    bool   `yaml:"use_coaps"`
	GatewayName string `yaml:"gateway_name"`

	configFile string
}

func lookupEnv(name, defVal string) string {
	if val, ok := os.LookupEnv(name); ok {
		return val
	}
	return defVal
}

// Load registers every flag on fs, parses args, and applies config-file
// values for anything not explicitly set on the command line. name is the
// flag.FlagSet name (typically os.Args[0]).
func Load(name string, args []string) (*Config, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	c := &Config{}

	fs.StringVar(&c.Port, "port", lookupEnv("PORT", DefaultPort), "listen port")
	fs.StringVar(&c.BrokerHost, "broker-host", lookupEnv("BROKER_HOST", DefaultBrokerHost), "broker host")
	fs.StringVar(&c.BrokerPort, "broker-port", lookupEnv("BROKER_PORT", DefaultBrokerPort), "broker port")
	fs.StringVar(&c.KeyFile, "key-file", lookupEnv("KEY_FILE", DefaultKeyFile), "path to the key file")
	fs.BoolVar(&c.Debug, "debug", false, "enable debug logging")
	fs.StringVar(&c.CoAPPort, "coap-port", lookupEnv("COAP_PORT", DefaultCoAPPort), "CoAP server port")
	fs.StringVar(&c.MQTTHost, "mqtt-host", lookupEnv("MQTT_HOST", DefaultMQTTHost), "MQTT broker host")
	fs.StringVar(&c.MQTTPort, "mqtt-port", lookupEnv("MQTT_PORT", DefaultMQTTPort), "MQTT broker port")
	fs.StringVar(&c.GatewayPort, "gateway-port", lookupEnv("GATEWAY_PORT", DefaultGatewayPort), "WS node gateway port")
	fs.IntVar(&c.MaxTime, "max-time", DefaultMaxTime, "node liveness window in seconds")
	fs.BoolVar(&c.UseCoAPs, "use-coaps", false, "DTLS-secured CoAP (coaps://) setting; not read by any binary, CoAP traffic is plain UDP")
	fs.StringVar(&c.GatewayName, "name", lookupEnv("GATEWAY_NAME", ""), "this gateway's identity, used as its broker auth token subject")
	fs.StringVar(&c.configFile, "config", "", "path to a YAML config file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	if c.configFile != "" {
		if err := c.applyFile(c.configFile, explicit); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	return c, nil
}

// applyFile decodes path as YAML and overwrites any field not explicitly
// set on the command line.
func (c *Config) applyFile(path string, explicit map[string]bool) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var file Config
	if err := yaml.Unmarshal(b, &file); err != nil {
		return err
	}

	apply := func(flagName string, dst *string, src string) {
		if !explicit[flagName] && src != "" {
			*dst = src
		}
	}
	apply("port", &c.Port, file.Port)
	apply("broker-host", &c.BrokerHost, file.BrokerHost)
	apply("broker-port", &c.BrokerPort, file.BrokerPort)
	apply("key-file", &c.KeyFile, file.KeyFile)
	apply("coap-port", &c.CoAPPort, file.CoAPPort)
	apply("mqtt-host", &c.MQTTHost, file.MQTTHost)
	apply("mqtt-port", &c.MQTTPort, file.MQTTPort)
	apply("gateway-port", &c.GatewayPort, file.GatewayPort)
	apply("name", &c.GatewayName, file.GatewayName)

	if !explicit["max-time"] && file.MaxTime != 0 {
		c.MaxTime = file.MaxTime
	}
	if !explicit["debug"] && file.Debug {
		c.Debug = file.Debug
	}
	if !explicit["use-coaps"] && file.UseCoAPs {
		c.UseCoAPs = file.UseCoAPs
	}
	return nil
}
