package servientconfig_test

import (
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wostzone/wotgo/pkg/servientconfig"
)

func TestCreateDefaultConfig(t *testing.T) {
	home := t.TempDir()
	cfg := servientconfig.CreateDefaultConfig(home)
	require.NotNil(t, cfg)
	assert.Equal(t, home, cfg.Home)
	assert.NotEmpty(t, cfg.Hostname)
	assert.True(t, cfg.EnableHTTP)
	assert.Equal(t, servientconfig.DefaultHTTPPort, cfg.HTTPPort)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	home := t.TempDir()
	configFile := path.Join(home, "servient.yaml")
	yamlText := "hostname: things.example.com\nhttpPort: 9999\nenableMQTT: true\nmqttBrokerAddress: broker.example.com\n"
	require.NoError(t, os.WriteFile(configFile, []byte(yamlText), 0644))

	cfg := servientconfig.CreateDefaultConfig(home)
	err := servientconfig.LoadConfig(configFile, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "things.example.com", cfg.Hostname)
	assert.Equal(t, 9999, cfg.HTTPPort)
	assert.True(t, cfg.EnableMQTT)
	assert.Equal(t, "broker.example.com", cfg.MQTTBrokerAddress)
}

func TestLoadConfigSubstitutesTemplate(t *testing.T) {
	home := t.TempDir()
	configFile := path.Join(home, "servient.yaml")
	yamlText := "logFile: /var/log/{{.instanceID}}.log\n"
	require.NoError(t, os.WriteFile(configFile, []byte(yamlText), 0644))

	cfg := servientconfig.CreateDefaultConfig(home)
	err := servientconfig.LoadConfig(configFile, cfg, map[string]string{"instanceID": "servient1"})
	require.NoError(t, err)
	assert.Equal(t, "/var/log/servient1.log", cfg.LogFile)
}

func TestLoadConfigMissingFileIsNotFatalToDefaults(t *testing.T) {
	home := t.TempDir()
	cfg := servientconfig.CreateDefaultConfig(home)
	err := servientconfig.LoadConfig(path.Join(home, "missing.yaml"), cfg, nil)
	assert.Error(t, err)
	// defaults survive a missing config file
	assert.True(t, cfg.EnableHTTP)
}

func TestValidateConfig(t *testing.T) {
	home := t.TempDir()
	cfg := servientconfig.CreateDefaultConfig(home)
	assert.NoError(t, servientconfig.ValidateConfig(cfg))

	cfg.Home = "/not/a/real/home"
	assert.Error(t, servientconfig.ValidateConfig(cfg))

	cfg2 := servientconfig.CreateDefaultConfig(home)
	cfg2.EnableMQTT = true
	cfg2.MQTTBrokerAddress = ""
	assert.Error(t, servientconfig.ValidateConfig(cfg2))
}

func TestSubstituteText(t *testing.T) {
	out := servientconfig.SubstituteText("hello {{.name}}", map[string]string{"name": "world"})
	assert.Equal(t, "hello world", out)
}
