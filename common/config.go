// Copyright 2024-2026 The acornchat Authors
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
// Gateway Protocol Related Config

// SessionConfig defines per-connection session protocol parameters
type SessionConfig struct {
	// HandshakeTimeout is the max duration to wait for IDENTIFY or RESUME after
	// connect in seconds
	HandshakeTimeout int `mapstructure:"handshake_timeout_sec" json:"handshake_timeout_sec" validate:"gte=1"`
	// HeartbeatInterval is the client heartbeat interval announced in HELLO in seconds
	HeartbeatInterval int `mapstructure:"heartbeat_interval_sec" json:"heartbeat_interval_sec" validate:"gte=1"`
	// HeartbeatGrace is the extra leeway beyond the heartbeat interval before a
	// session is considered dead in seconds
	HeartbeatGrace int `mapstructure:"heartbeat_grace_sec" json:"heartbeat_grace_sec" validate:"gte=0"`
	// ResumeGraceWindow is how long a disconnected session remains resumable in seconds
	ResumeGraceWindow int `mapstructure:"resume_grace_window_sec" json:"resume_grace_window_sec" validate:"gte=1"`
	// QueueDepth is the bound on a session's outbound event queue. A session
	// whose queue overflows is forcibly disconnected.
	QueueDepth int `mapstructure:"queue_depth" json:"queue_depth" validate:"gte=16"`
}

// DispatchConfig defines dispatch engine parameters
type DispatchConfig struct {
	// TopicShards is the number of lock shards for the topic registry
	TopicShards int `mapstructure:"topic_shards" json:"topic_shards" validate:"gte=1"`
	// SessionShards is the number of lock shards for the session registry
	SessionShards int `mapstructure:"session_shards" json:"session_shards" validate:"gte=1"`
	// OrderedFlowLocks is the size of the keyed mutex pool serializing ordered
	// publish flows
	OrderedFlowLocks int `mapstructure:"ordered_flow_locks" json:"ordered_flow_locks" validate:"gte=1"`
}

// GatewayConfig groups the real-time distribution engine parameters
type GatewayConfig struct {
	// Session per-connection protocol parameters
	Session SessionConfig `mapstructure:"session" json:"session" validate:"required,dive"`
	// Dispatch engine parameters
	Dispatch DispatchConfig `mapstructure:"dispatch" json:"dispatch" validate:"required,dive"`
}

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// PublishSubject is the JetStream subject carrying publish commands from
	// remote REST workers
	PublishSubject string `mapstructure:"publish_subject" json:"publish_subject" validate:"required"`
	// Consumer is the durable consumer name used by the relay
	Consumer string `mapstructure:"consumer" json:"consumer" validate:"required"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Storage Related Config

// MongoConfig defines parameters for connecting to MongoDB
type MongoConfig struct {
	// ConnectURI is the MongoDB connection URI
	ConnectURI string `mapstructure:"connect_uri" json:"connect_uri" validate:"required,uri"`
	// Database is the database holding the chat state collections
	Database string `mapstructure:"database" json:"database" validate:"required"`
	// ConnectTimeout is the max duration for connecting to MongoDB in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
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
	// means there will be no timeout. The websocket endpoint is exempt.
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

// GatewayEndpointConfig defines gateway API endpoint config
type GatewayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the gateway APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// GatewayServerConfig defines configuration for the gateway API server
type GatewayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the gateway API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the gateway API server
	Endpoints GatewayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config for the gateway server
type SystemConfig struct {
	// Gateway are the real-time distribution engine parameters
	Gateway GatewayConfig `mapstructure:"gateway" json:"gateway" validate:"required,dive"`
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Mongo are the MongoDB related config parameters
	Mongo MongoConfig `mapstructure:"mongo" json:"mongo" validate:"required,dive"`
	// Server are the gateway API server configs
	Server GatewayServerConfig `mapstructure:"server" json:"server" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default session protocol settings
	viper.SetDefault("gateway.session.handshake_timeout_sec", 10)
	viper.SetDefault("gateway.session.heartbeat_interval_sec", 41)
	viper.SetDefault("gateway.session.heartbeat_grace_sec", 20)
	viper.SetDefault("gateway.session.resume_grace_window_sec", 90)
	viper.SetDefault("gateway.session.queue_depth", 512)

	// Default dispatch engine settings
	viper.SetDefault("gateway.dispatch.topic_shards", 32)
	viper.SetDefault("gateway.dispatch.session_shards", 32)
	viper.SetDefault("gateway.dispatch.ordered_flow_locks", 64)

	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.publish_subject", "gateway.events")
	viper.SetDefault("nats.consumer", "gateway-relay")
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default MongoDB settings
	viper.SetDefault("mongo.connect_uri", "mongodb://127.0.0.1:27017")
	viper.SetDefault("mongo.database", "acornchat")
	viper.SetDefault("mongo.connect_timeout_sec", 30)

	// Default gateway server settings
	viper.SetDefault("server.endpoint_config.path_prefix", "/")
	viper.SetDefault("server.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("server.api_server.server_config.listen_port", 3000)
	viper.SetDefault("server.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("server.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("server.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"server.api_server.logging_config.request_id_header", "Acornchat-Request-ID",
	)
	viper.SetDefault(
		"server.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
