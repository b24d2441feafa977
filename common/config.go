// Copyright 2021-2022 The thalamus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import "github.com/spf13/viper"

// ===============================================================================
// Relay Related Config

// TCPListenerConfig defines one TCP accept socket
type TCPListenerConfig struct {
	// ListenOn is the interface the listener will bind to
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the listener will bind to. 0 lets the OS choose.
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"gte=0,lt=65536"`
}

// SessionConfig defines per connection session parameters
type SessionConfig struct {
	// ReadBufferBytes is the size of each socket read
	ReadBufferBytes int `mapstructure:"read_buffer_bytes" json:"read_buffer_bytes" validate:"gte=64"`
	// MaxFrameBytes is the largest frame accepted before the buffered bytes are discarded
	MaxFrameBytes int `mapstructure:"max_frame_bytes" json:"max_frame_bytes" validate:"gtefield=ReadBufferBytes"`
	// OutboundQueueLen is the number of frames which can be queued for one consumer
	// before the consumer is considered too slow and is disconnected
	OutboundQueueLen int `mapstructure:"outbound_queue_len" json:"outbound_queue_len" validate:"gte=1"`
	// WriteTimeout is the max duration for writing one frame to a consumer in seconds.
	// A zero value means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// SubscribeTimeout is the max duration a consumer is given to send its subscription
	// request in seconds. A zero value means there will be no timeout.
	SubscribeTimeout int `mapstructure:"subscribe_timeout_sec" json:"subscribe_timeout_sec" validate:"gte=0"`
	// MalformedLogRate is the max number of malformed frame logs per second per session
	MalformedLogRate int `mapstructure:"malformed_log_rate_per_sec" json:"malformed_log_rate_per_sec" validate:"gte=1"`
}

// RelayConfig defines the relay broker parameters
type RelayConfig struct {
	// Producer is the listener which accepts device connections
	Producer TCPListenerConfig `mapstructure:"producer" json:"producer" validate:"required,dive"`
	// Consumer is the listener which accepts client connections
	Consumer TCPListenerConfig `mapstructure:"consumer" json:"consumer" validate:"required,dive"`
	// Session defines per connection session parameters
	Session SessionConfig `mapstructure:"session" json:"session" validate:"required,dive"`
	// StatsReportInterval is the interval between relay stats log reports in seconds.
	// A zero value disables the report.
	StatsReportInterval int `mapstructure:"stats_report_interval_sec" json:"stats_report_interval_sec" validate:"gte=0"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Management Server Config

// ManagementEndpointConfig defines management API endpoint config
type ManagementEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the management APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ManagementServerConfig defines the management API server config
type ManagementServerConfig struct {
	// Enabled whether to run the management API server
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// HTTPSetting is the HTTP API / server parameters for the management API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the management API server
	Endpoints ManagementEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Configuration Structures

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Relay are the relay broker config parameters
	Relay RelayConfig `mapstructure:"relay" json:"relay" validate:"required,dive"`
	// Management are the management API server configs
	Management ManagementServerConfig `mapstructure:"management" json:"management" validate:"required,dive"`
}

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default relay settings
	viper.SetDefault("relay.producer.listen_on", "0.0.0.0")
	viper.SetDefault("relay.producer.listen_port", 9000)
	viper.SetDefault("relay.consumer.listen_on", "0.0.0.0")
	viper.SetDefault("relay.consumer.listen_port", 9001)
	viper.SetDefault("relay.session.read_buffer_bytes", 1024)
	viper.SetDefault("relay.session.max_frame_bytes", 1048576)
	viper.SetDefault("relay.session.outbound_queue_len", 256)
	viper.SetDefault("relay.session.write_timeout_sec", 10)
	viper.SetDefault("relay.session.subscribe_timeout_sec", 0)
	viper.SetDefault("relay.session.malformed_log_rate_per_sec", 5)
	viper.SetDefault("relay.stats_report_interval_sec", 60)

	// Default Management server settings
	viper.SetDefault("management.enabled", true)
	viper.SetDefault("management.endpoint_config.path_prefix", "/")
	viper.SetDefault("management.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("management.api_server.server_config.listen_port", 9002)
	viper.SetDefault("management.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("management.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("management.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"management.api_server.logging_config.request_id_header", "Thalamus-Request-ID",
	)
	viper.SetDefault(
		"management.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
