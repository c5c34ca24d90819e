package testhelper

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/Control-D-Inc/tunneld"
)

// SampleConfig returns the sample config, loaded the way the CLI loads config files.
func SampleConfig(t *testing.T) *tunneld.Config {
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	tunneld.InitConfig(v, "test_load_config")
	v.SetConfigType("toml")
	require.NoError(t, v.ReadConfig(strings.NewReader(sampleConfigContent)))
	var cfg tunneld.Config
	require.NoError(t, v.Unmarshal(&cfg))
	return &cfg
}

var sampleConfigContent = `
[service]
name = "Home tunnel"
log_level = "info"
log_path = "/path/to/log.log"
primary = "dot"
restart_on_network_change = true

[watchdog]
enabled = true
latency_threshold_ms = 500
debounce_seconds = 60

[upstream.0]
name = "Control D - Standard Devices"
type = "doh"
endpoint = "https://dns.controld.com/12345abcd/main-device"
timeout = 5000

[upstream.1]
name = "Control D - Kids Devices"
type = "dot"
endpoint = "12345abcd-kids-devices.dns.controld.com"
bootstrap_ip = "76.76.2.22"
timeout = 5000

[upstream.2]
name = "Quad9 QUIC"
type = "doq"
endpoint = "dns.quad9.net:8853"
timeout = 3000

[rule]
"*.ads.example" = "block"
"good.ads.example" = "allow"
"tracker.example" = "block"
`
