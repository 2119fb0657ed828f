// Package servientconfig holds the servient's startup configuration: which
// bindings to enable and on what ports, where TDs and certificates live,
// and logging setup. Adapted from the teacher's pkg/hubconfig, generalized
// from hub-plugin configuration to a single servient process.
package servientconfig

import (
	"bytes"
	"errors"
	"flag"
	"os"
	"path"
	"strings"
	"text/template"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/wostzone/wotgo/internal/netutil"
)

const ConfigFileName = "servient.yaml"
const LogFileName = "servient.log"
const DefaultCertsFolder = "./certs"
const DefaultThingsFolder = "./things"

const (
	DefaultCataloguePort = 8444
	DefaultHTTPPort      = 8443
	DefaultCoAPPort      = 5683
	DefaultWSPort        = 8444
	DefaultMQTTPort      = 8884
)

// Config carries every setting the servient bootstrap needs. Ports default
// to 0, meaning "binding disabled" — a zero-value binding section must be
// filled in by CreateDefaultConfig or the config file before Start.
type Config struct {
	Hostname string `yaml:"hostname"` // advertised in form hrefs; default is the outbound IP

	LogLevel string `yaml:"logLevel"` // error|warning|info|debug
	LogFile  string `yaml:"logFile"`

	Home         string `yaml:"home"`
	CertsFolder  string `yaml:"certsFolder"`
	ConfigFolder string `yaml:"configFolder"`
	ThingsFolder string `yaml:"thingsFolder"` // directory of TD JSON files loaded at startup

	CataloguePort int `yaml:"cataloguePort"`

	EnableHTTP bool `yaml:"enableHTTP"`
	HTTPPort   int  `yaml:"httpPort"`

	EnableCoAP bool `yaml:"enableCoAP"`
	CoAPPort   int  `yaml:"coapPort"`

	EnableWS bool `yaml:"enableWS"`
	WSPort   int  `yaml:"wsPort"`

	EnableMQTT        bool   `yaml:"enableMQTT"`
	MQTTBrokerAddress string `yaml:"mqttBrokerAddress"`
	MQTTBrokerPort    int    `yaml:"mqttBrokerPort"`

	// AuthScheme selects the Authenticator/Credential variant servient-wide:
	// "nosec", "basic" or "bearer".
	AuthScheme string `yaml:"authScheme"`

	// CredentialsFile is the JSON file backing the Servient's "thing-title
	// → credentials" store. Entries with a matching WOTGO_CRED_<TITLE>_*
	// environment variable are merged in at startup (see
	// CredentialsFromEnv), so an operator can supply secrets without
	// writing them to disk directly.
	CredentialsFile string `yaml:"credentialsFile"`
}

// CreateDefaultConfig returns a Config with the HTTP, CoAP and WebSocket
// bindings enabled on their default ports, the MQTT binding disabled, and
// the outbound IP as hostname. homeFolder overrides the
// default home (parent of the executable); relative values are resolved
// against the executable's folder.
func CreateDefaultConfig(homeFolder string) *Config {
	appBin, _ := os.Executable()
	binFolder := path.Dir(appBin)
	if homeFolder == "" {
		homeFolder = path.Dir(binFolder)
	} else if !path.IsAbs(homeFolder) {
		homeFolder = path.Join(binFolder, homeFolder)
	}
	logrus.Infof("servientconfig: home is %s", homeFolder)

	return &Config{
		Hostname:     netutil.DefaultHostname(),
		LogLevel:     "warning",
		LogFile:      path.Join(homeFolder, "logs", LogFileName),
		Home:         homeFolder,
		CertsFolder:  path.Join(homeFolder, DefaultCertsFolder),
		ConfigFolder: path.Join(homeFolder, "config"),
		ThingsFolder:    path.Join(homeFolder, DefaultThingsFolder),
		CredentialsFile: path.Join(homeFolder, "config", "credentials.json"),

		CataloguePort: DefaultCataloguePort,

		EnableHTTP:     true,
		HTTPPort:       DefaultHTTPPort,
		EnableCoAP:     true,
		CoAPPort:       DefaultCoAPPort,
		EnableWS:       true,
		WSPort:         DefaultWSPort,
		EnableMQTT:     false,
		MQTTBrokerPort: DefaultMQTTPort,

		AuthScheme: "nosec",
	}
}

// LoadConfig reads configFile, substitutes {{.key}} template placeholders
// from substituteMap (nil to skip), and unmarshals the result into config.
func LoadConfig(configFile string, config *Config, substituteMap map[string]string) error {
	rawConfig, err := os.ReadFile(configFile)
	if err != nil {
		logrus.Infof("servientconfig: unable to load config file: %s", err)
		return err
	}
	text := string(rawConfig)
	if substituteMap != nil {
		text = SubstituteText(text, substituteMap)
	}
	if err := yaml.Unmarshal([]byte(text), config); err != nil {
		logrus.Errorf("servientconfig: error parsing config file %q: %s", configFile, err)
		return err
	}
	logrus.Infof("servientconfig: loaded config file %q", configFile)
	return nil
}

// SubstituteText replaces {{.key}} placeholders in text using substituteMap.
func SubstituteText(text string, substituteMap map[string]string) string {
	var out bytes.Buffer
	tpl, err := template.New("").Parse(text)
	if err != nil {
		logrus.Errorf("servientconfig: template parse error: %s", err)
		return text
	}
	if err := tpl.Execute(&out, substituteMap); err != nil {
		logrus.Errorf("servientconfig: template substitution error: %s", err)
		return text
	}
	return out.String()
}

// credentialEnvPrefix is the environment variable prefix scanned by
// CredentialsFromEnv: WOTGO_CRED_<title>_<field>=value.
const credentialEnvPrefix = "WOTGO_CRED_"

// CredentialsFromEnv scans the process environment for
// WOTGO_CRED_<title>_<field>=value entries and groups them by title, the
// mechanism by which "environment-driven auth secrets enter the credential
// store at startup" (Catalogue CLI / configuration). <title> may not itself
// contain an underscore: everything after the first underscore that
// follows the prefix is the field name, which may contain underscores.
func CredentialsFromEnv() map[string]map[string]interface{} {
	out := map[string]map[string]interface{}{}
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, credentialEnvPrefix) {
			continue
		}
		title, field, ok := strings.Cut(strings.TrimPrefix(key, credentialEnvPrefix), "_")
		if !ok || title == "" || field == "" {
			continue
		}
		if out[title] == nil {
			out[title] = map[string]interface{}{}
		}
		out[title][strings.ToLower(field)] = value
	}
	return out
}

// SetCommandlineArgs registers flags for every Config field an operator is
// expected to override at startup. -c and --home are parsed separately in
// LoadCommandlineConfig (they determine which file to load before flags can
// apply to it), and are only declared here so flag.Parse does not error out
// on them.
func SetCommandlineArgs(config *Config) {
	flag.String("c", ConfigFileName, "servient configuration file")
	flag.StringVar(&config.Home, "home", config.Home, "servient home `folder`")

	flag.StringVar(&config.Hostname, "hostname", config.Hostname, "advertised hostname")
	flag.StringVar(&config.CertsFolder, "certsFolder", config.CertsFolder, "TLS certificates `folder`")
	flag.StringVar(&config.ThingsFolder, "thingsFolder", config.ThingsFolder, "TD JSON files `folder`")
	flag.IntVar(&config.CataloguePort, "cataloguePort", config.CataloguePort, "catalogue HTTP port")
	flag.BoolVar(&config.EnableHTTP, "enableHTTP", config.EnableHTTP, "enable the HTTP binding")
	flag.IntVar(&config.HTTPPort, "httpPort", config.HTTPPort, "HTTP binding port")
	flag.BoolVar(&config.EnableCoAP, "enableCoAP", config.EnableCoAP, "enable the CoAP binding")
	flag.IntVar(&config.CoAPPort, "coapPort", config.CoAPPort, "CoAP binding port")
	flag.BoolVar(&config.EnableWS, "enableWS", config.EnableWS, "enable the WebSocket binding")
	flag.IntVar(&config.WSPort, "wsPort", config.WSPort, "WebSocket binding port")
	flag.BoolVar(&config.EnableMQTT, "enableMQTT", config.EnableMQTT, "enable the MQTT binding")
	flag.StringVar(&config.MQTTBrokerAddress, "mqttBrokerAddress", config.MQTTBrokerAddress, "MQTT broker hostname or address")
	flag.IntVar(&config.MQTTBrokerPort, "mqttBrokerPort", config.MQTTBrokerPort, "MQTT broker port")
	flag.StringVar(&config.AuthScheme, "authScheme", config.AuthScheme, "auth scheme: {nosec|basic|`bearer`}")
	flag.StringVar(&config.LogLevel, "logLevel", config.LogLevel, "loglevel: {error|`warning`|info|debug}")
}

// LoadCommandlineConfig builds the default config, loads the config file
// (if present; a missing file is not fatal, defaults apply), applies
// commandline overrides, and sets up logging. It mirrors the teacher's
// --home/-c commandline handling, done manually ahead of flag.Parse since
// the config file path itself must be known before flags bound to it exist.
func LoadCommandlineConfig(homeFolder, instanceID string) (*Config, error) {
	if instanceID == "" {
		err := errors.New("LoadCommandlineConfig: missing servient instance ID")
		logrus.Error(err)
		return nil, err
	}
	args := os.Args[1:]
	for i, arg := range args {
		if (arg == "--home" || arg == "-home") && i+1 < len(args) {
			homeFolder = args[i+1]
			if !path.IsAbs(homeFolder) {
				cwd, _ := os.Getwd()
				homeFolder = path.Join(cwd, homeFolder)
			}
			break
		}
	}

	config := CreateDefaultConfig(homeFolder)
	configFile := path.Join(config.ConfigFolder, ConfigFileName)
	for i, arg := range args {
		if arg == "-c" && i+1 < len(args) {
			configFile = args[i+1]
			if !path.IsAbs(configFile) {
				configFile = path.Join(homeFolder, configFile)
			}
			break
		}
	}

	substituteMap := map[string]string{"instanceID": instanceID}
	loadErr := LoadConfig(configFile, config, substituteMap)

	SetCommandlineArgs(config)
	if err := flag.CommandLine.Parse(os.Args[1:]); err != nil {
		return config, err
	}

	SetLogging(config.LogLevel, config.LogFile)
	return config, loadErr
}

// ValidateConfig checks that the folders a running servient needs actually
// exist. LogFile's parent and CertsFolder are created on demand elsewhere
// (certsetup bootstraps certs); this only gates on the folders a servient
// cannot safely create for itself.
func ValidateConfig(config *Config) error {
	if _, err := os.Stat(config.Home); os.IsNotExist(err) {
		logrus.Errorf("servientconfig: home folder %q not found", config.Home)
		return err
	}
	if config.MQTTBrokerAddress == "" && config.EnableMQTT {
		err := errors.New("servientconfig: MQTT binding enabled but no broker address configured")
		logrus.Error(err)
		return err
	}
	return nil
}
