package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/SAASIMAHMEDW/BridgeCall-MobileApp/internal/origin"
)

const (
	envVarListenAddr      = "AERO_CALL_LISTEN_ADDR"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "AERO_CALL_LOG_FORMAT"
	envVarLogLevel        = "AERO_CALL_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_CALL_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_CALL_MODE"

	// Mailbox storage.
	envVarMailboxBackend  = "MAILBOX_BACKEND"
	envVarMailboxURL      = "MAILBOX_URL"
	envVarMailboxDatabase = "MAILBOX_DATABASE"
	envVarMailboxPrefix   = "MAILBOX_PREFIX"

	// Signaling / WebSocket auth + hardening.
	envVarAuthMode                      = "AUTH_MODE"
	envVarJWTSecret                     = "JWT_SECRET"
	envVarJWTTTL                        = "JWT_TTL"
	envVarSignalingAuthTimeout          = "SIGNALING_AUTH_TIMEOUT"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// Call behaviour.
	envVarRingWindow              = "RING_WINDOW"
	envVarSignalingWriteAttempts  = "SIGNALING_WRITE_ATTEMPTS"
	envVarSignalingWriteBaseDelay = "SIGNALING_WRITE_BASE_DELAY"

	// Agent (endpoint) settings.
	envVarAgentIdentity   = "AGENT_IDENTITY"
	envVarAgentName       = "AGENT_NAME"
	envVarAgentMailboxURL = "AGENT_MAILBOX_URL"
	envVarAgentToken      = "AGENT_TOKEN"
	envVarAgentAutoAccept = "AGENT_AUTO_ACCEPT"
	envVarAgentCall       = "AGENT_CALL"
	envVarMediaSource     = "MEDIA_SOURCE"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "TURN_REST_REALM"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultMailboxBackend = MailboxBackendMemory
	DefaultMailboxPrefix  = "aero:"

	DefaultAuthMode AuthMode = AuthModeNone
	DefaultJWTTTL            = 24 * time.Hour

	DefaultSignalingAuthTimeout          = 2 * time.Second
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(256 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultRingWindow              = 30 * time.Second
	DefaultSignalingWriteAttempts  = 5
	DefaultSignalingWriteBaseDelay = 200 * time.Millisecond
	DefaultICERestartDelay         = 3 * time.Second

	DefaultMediaSource = MediaSourceSynthetic
	// DefaultSTUNURL is what endpoints use when no ICE servers are configured.
	DefaultSTUNURL = "stun:stun.l.google.com:19302"

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "aero"
)

const (
	envVarWebRTCUDPPortMin = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax = "WEBRTC_UDP_PORT_MAX"

	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"

	envVarWebRTCUDPListenIP  = "WEBRTC_UDP_LISTEN_IP"
	DefaultWebRTCUDPListenIP = "0.0.0.0"

	envVarICECandidatePoolSize   = "ICE_CANDIDATE_POOL_SIZE"
	envVarBundlePolicy           = "WEBRTC_BUNDLE_POLICY"
	envVarRTCPMuxPolicy          = "WEBRTC_RTCP_MUX_POLICY"
	envVarICERestartDelay        = "ICE_RESTART_DELAY"
	envVarICEDisconnectedTimeout = "ICE_DISCONNECTED_TIMEOUT"
	envVarICEFailedTimeout       = "ICE_FAILED_TIMEOUT"
	envVarICEKeepaliveInterval   = "ICE_KEEPALIVE_INTERVAL"
)

const (
	flagWebRTCUDPPortMin = "webrtc-udp-port-min"
	flagWebRTCUDPPortMax = "webrtc-udp-port-max"

	flagWebRTCNAT1To1IPs             = "webrtc-nat-1to1-ips"
	flagWebRTCNAT1To1IPCandidateType = "webrtc-nat-1to1-ip-candidate-type"

	flagWebRTCUDPListenIP = "webrtc-udp-listen-ip"
)

// recommendedWebRTCUDPPortRangeSize is a conservative minimum. Each call
// gathers candidates on several ports and running out manifests as
// hard-to-debug connectivity failures.
const recommendedWebRTCUDPPortRangeSize = 100

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone AuthMode = "none"
	AuthModeJWT  AuthMode = "jwt"
)

type MailboxBackend string

const (
	MailboxBackendMemory MailboxBackend = "memory"
	MailboxBackendSQLite MailboxBackend = "sqlite"
	MailboxBackendRedis  MailboxBackend = "redis"
	MailboxBackendMongo  MailboxBackend = "mongo"
)

type MediaSource string

const (
	MediaSourceSynthetic MediaSource = "synthetic"
	MediaSourceDevices   MediaSource = "devices"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

// AgentConfig configures the headless call endpoint.
type AgentConfig struct {
	Identity   string
	Name       string
	MailboxURL string
	Token      string
	AutoAccept bool
	// Call, when set, is the callee the agent dials on startup.
	Call        string
	MediaSource MediaSource
}

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	MailboxBackend MailboxBackend
	// MailboxURL is a file path for sqlite, a redis:// URL or host:port for
	// redis and a mongodb:// URI for mongo.
	MailboxURL      string
	MailboxDatabase string
	MailboxPrefix   string

	AuthMode  AuthMode
	JWTSecret string
	JWTTTL    time.Duration

	SignalingAuthTimeout    time.Duration
	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	RingWindow              time.Duration
	SignalingWriteAttempts  int
	SignalingWriteBaseDelay time.Duration

	ICECandidatePoolSize uint8
	BundlePolicy         webrtc.BundlePolicy
	RTCPMuxPolicy        webrtc.RTCPMuxPolicy
	ICERestartDelay      time.Duration

	// Zero leaves pion's defaults in place.
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// its defaults (OS ephemeral port selection).
	WebRTCUDPPortRange *UDPPortRange

	// WebRTCNAT1To1IPs configures pion to advertise these public IPs for ICE when
	// the endpoint is behind NAT. Values must be literal IPs (no hostnames).
	WebRTCNAT1To1IPs []string

	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType

	// WebRTCUDPListenIP restricts which local interface address ICE will bind UDP
	// sockets to. 0.0.0.0 means "use library default" (typically all interfaces).
	WebRTCUDPListenIP net.IP

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	Agent AgentConfig

	iceConfigErr error
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// PeerConnectionICEServers returns the ICE server list to use when constructing
// peer connections.
//
// When TURN REST is enabled, the client-facing ICE list may include TURN URLs
// without credentials (because credentials are injected per /webrtc/ice request).
// Pion requires TURN credentials, so TURN servers without complete credentials
// are filtered out. An empty list falls back to DefaultSTUNURL.
func (c Config) PeerConnectionICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, server := range c.ICEServers {
		if !HasTURNURL(server) {
			out = append(out, server)
			continue
		}
		if strings.TrimSpace(server.Username) == "" {
			continue
		}
		cred, ok := server.Credential.(string)
		if !ok || strings.TrimSpace(cred) == "" {
			continue
		}
		out = append(out, server)
	}
	if len(out) == 0 {
		out = append(out, webrtc.ICEServer{URLs: []string{DefaultSTUNURL}})
	}
	return out
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	turnRESTRealm := envOrDefault(lookup, envVarTURNRESTRealm, "")

	mailboxBackendStr := envOrDefault(lookup, envVarMailboxBackend, string(DefaultMailboxBackend))
	mailboxURL := envOrDefault(lookup, envVarMailboxURL, "")
	mailboxDatabase := envOrDefault(lookup, envVarMailboxDatabase, "")
	mailboxPrefix := envOrDefault(lookup, envVarMailboxPrefix, DefaultMailboxPrefix)

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}

	authModeDefault := string(DefaultAuthMode)
	if raw, ok := lookup(envVarAuthMode); ok && strings.TrimSpace(raw) != "" {
		authModeDefault = strings.TrimSpace(raw)
	}
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	jwtTTL, err := envDurationOrDefault(lookup, envVarJWTTTL, DefaultJWTTTL)
	if err != nil {
		return Config{}, err
	}

	signalingAuthTimeout, err := envDurationOrDefault(lookup, envVarSignalingAuthTimeout, DefaultSignalingAuthTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	ringWindow, err := envDurationOrDefault(lookup, envVarRingWindow, DefaultRingWindow)
	if err != nil {
		return Config{}, err
	}
	signalingWriteAttempts, err := envIntOrDefault(lookup, envVarSignalingWriteAttempts, DefaultSignalingWriteAttempts)
	if err != nil {
		return Config{}, err
	}
	signalingWriteBaseDelay, err := envDurationOrDefault(lookup, envVarSignalingWriteBaseDelay, DefaultSignalingWriteBaseDelay)
	if err != nil {
		return Config{}, err
	}

	iceCandidatePoolSize, err := envIntOrDefault(lookup, envVarICECandidatePoolSize, 0)
	if err != nil {
		return Config{}, err
	}
	bundlePolicyStr := envOrDefault(lookup, envVarBundlePolicy, "")
	rtcpMuxPolicyStr := envOrDefault(lookup, envVarRTCPMuxPolicy, "")
	iceRestartDelay, err := envDurationOrDefault(lookup, envVarICERestartDelay, DefaultICERestartDelay)
	if err != nil {
		return Config{}, err
	}
	iceDisconnectedTimeout, err := envDurationOrDefault(lookup, envVarICEDisconnectedTimeout, 0)
	if err != nil {
		return Config{}, err
	}
	iceFailedTimeout, err := envDurationOrDefault(lookup, envVarICEFailedTimeout, 0)
	if err != nil {
		return Config{}, err
	}
	iceKeepaliveInterval, err := envDurationOrDefault(lookup, envVarICEKeepaliveInterval, 0)
	if err != nil {
		return Config{}, err
	}

	agentIdentity := envOrDefault(lookup, envVarAgentIdentity, "")
	agentName := envOrDefault(lookup, envVarAgentName, "")
	agentMailboxURL := envOrDefault(lookup, envVarAgentMailboxURL, "")
	agentToken := envOrDefault(lookup, envVarAgentToken, "")
	agentCall := envOrDefault(lookup, envVarAgentCall, "")
	mediaSourceStr := envOrDefault(lookup, envVarMediaSource, string(DefaultMediaSource))
	agentAutoAccept := false
	if raw, ok := lookup(envVarAgentAutoAccept); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarAgentAutoAccept, raw, err)
		}
		agentAutoAccept = v
	}

	// WebRTC network defaults (env values become flag defaults).
	var webrtcUDPPortMin uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		webrtcUDPPortMin = uint(p)
	}

	var webrtcUDPPortMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		webrtcUDPPortMax = uint(p)
	}

	webrtcUDPListenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	webrtcNAT1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	webrtcNAT1To1CandidateTypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))

	fs := flag.NewFlagSet("aero-call", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		authModeStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")
	fs.StringVar(&turnRESTRealm, "turn-rest-realm", turnRESTRealm, "TURN realm (coturn config; "+envVarTURNRESTRealm+")")

	fs.StringVar(&mailboxBackendStr, "mailbox-backend", mailboxBackendStr, "Mailbox store: memory, sqlite, redis, mongo (env "+envVarMailboxBackend+")")
	fs.StringVar(&mailboxURL, "mailbox-url", mailboxURL, "Mailbox store location: sqlite path, redis URL or mongodb URI (env "+envVarMailboxURL+")")
	fs.StringVar(&mailboxDatabase, "mailbox-database", mailboxDatabase, "Mongo database name (env "+envVarMailboxDatabase+")")
	fs.StringVar(&mailboxPrefix, "mailbox-prefix", mailboxPrefix, "Redis key prefix (env "+envVarMailboxPrefix+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "Mailbox auth mode: none or jwt (env "+envVarAuthMode+")")
	fs.DurationVar(&jwtTTL, "jwt-ttl", jwtTTL, "Lifetime of tokens minted by the issue-token command (env "+envVarJWTTTL+")")
	fs.DurationVar(&signalingAuthTimeout, "signaling-auth-timeout", signalingAuthTimeout, "Mailbox WS auth timeout (env "+envVarSignalingAuthTimeout+")")
	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle mailbox WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Send ping frames on mailbox WebSocket connections at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound mailbox WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound mailbox WS messages per second (env "+envVarMaxSignalingMessagesPerSecond+")")

	fs.DurationVar(&ringWindow, "ring-window", ringWindow, "How long an incoming call rings before it is declined (env "+envVarRingWindow+")")
	fs.IntVar(&signalingWriteAttempts, "signaling-write-attempts", signalingWriteAttempts, "Attempts per mailbox write before giving up (env "+envVarSignalingWriteAttempts+")")
	fs.DurationVar(&signalingWriteBaseDelay, "signaling-write-base-delay", signalingWriteBaseDelay, "Initial backoff between mailbox write attempts (env "+envVarSignalingWriteBaseDelay+")")

	fs.IntVar(&iceCandidatePoolSize, "ice-candidate-pool-size", iceCandidatePoolSize, "ICE candidate pool size, 0-255 (env "+envVarICECandidatePoolSize+")")
	fs.StringVar(&bundlePolicyStr, "bundle-policy", bundlePolicyStr, "Bundle policy: balanced, max-compat, max-bundle (env "+envVarBundlePolicy+")")
	fs.StringVar(&rtcpMuxPolicyStr, "rtcp-mux-policy", rtcpMuxPolicyStr, "RTCP mux policy: negotiate or require (env "+envVarRTCPMuxPolicy+")")
	fs.DurationVar(&iceRestartDelay, "ice-restart-delay", iceRestartDelay, "How long ICE must stay failed before a restart is reported (env "+envVarICERestartDelay+")")
	fs.DurationVar(&iceDisconnectedTimeout, "ice-disconnected-timeout", iceDisconnectedTimeout, "ICE disconnected timeout (0 = pion default; env "+envVarICEDisconnectedTimeout+")")
	fs.DurationVar(&iceFailedTimeout, "ice-failed-timeout", iceFailedTimeout, "ICE failed timeout (0 = pion default; env "+envVarICEFailedTimeout+")")
	fs.DurationVar(&iceKeepaliveInterval, "ice-keepalive-interval", iceKeepaliveInterval, "ICE keepalive interval (0 = pion default; env "+envVarICEKeepaliveInterval+")")

	fs.UintVar(&webrtcUDPPortMin, flagWebRTCUDPPortMin, webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, flagWebRTCUDPPortMax, webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcUDPListenIPStr, flagWebRTCUDPListenIP, webrtcUDPListenIPStr, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&webrtcNAT1To1IPsStr, flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&webrtcNAT1To1CandidateTypeStr, flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")

	fs.StringVar(&agentIdentity, "identity", agentIdentity, "Agent identity (env "+envVarAgentIdentity+")")
	fs.StringVar(&agentName, "name", agentName, "Agent display name (env "+envVarAgentName+")")
	fs.StringVar(&agentMailboxURL, "mailbox-ws-url", agentMailboxURL, "Remote mailbox WebSocket URL; empty uses the local store (env "+envVarAgentMailboxURL+")")
	fs.StringVar(&agentToken, "token", agentToken, "Credential presented to the remote mailbox (env "+envVarAgentToken+")")
	fs.BoolVar(&agentAutoAccept, "auto-accept", agentAutoAccept, "Accept incoming calls as soon as they ring (env "+envVarAgentAutoAccept+")")
	fs.StringVar(&agentCall, "call", agentCall, "Callee identity to dial on startup (env "+envVarAgentCall+")")
	fs.StringVar(&mediaSourceStr, "media-source", mediaSourceStr, "Local media: synthetic or devices (env "+envVarMediaSource+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}

	mailboxBackend, err := parseMailboxBackend(mailboxBackendStr)
	if err != nil {
		return Config{}, err
	}

	mediaSource, err := parseMediaSource(mediaSourceStr)
	if err != nil {
		return Config{}, err
	}

	bundlePolicy, err := parseBundlePolicy(bundlePolicyStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--bundle-policy %q: %w", envVarBundlePolicy, bundlePolicyStr, err)
	}
	rtcpMuxPolicy, err := parseRTCPMuxPolicy(rtcpMuxPolicyStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--rtcp-mux-policy %q: %w", envVarRTCPMuxPolicy, rtcpMuxPolicyStr, err)
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if mailboxBackend != MailboxBackendMemory && strings.TrimSpace(mailboxURL) == "" {
		return Config{}, fmt.Errorf("%s/--mailbox-url must be set when %s=%s", envVarMailboxURL, envVarMailboxBackend, mailboxBackend)
	}
	if authMode == AuthModeJWT && strings.TrimSpace(jwtSecret) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
	}
	if jwtTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--jwt-ttl must be > 0", envVarJWTTTL)
	}
	if signalingAuthTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-auth-timeout must be > 0", envVarSignalingAuthTimeout)
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if ringWindow <= 0 {
		return Config{}, fmt.Errorf("%s/--ring-window must be > 0", envVarRingWindow)
	}
	if signalingWriteAttempts <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-write-attempts must be > 0", envVarSignalingWriteAttempts)
	}
	if signalingWriteBaseDelay <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-write-base-delay must be > 0", envVarSignalingWriteBaseDelay)
	}
	if iceCandidatePoolSize < 0 || iceCandidatePoolSize > 255 {
		return Config{}, fmt.Errorf("%s/--ice-candidate-pool-size must be within 0-255", envVarICECandidatePoolSize)
	}
	if iceRestartDelay <= 0 {
		return Config{}, fmt.Errorf("%s/--ice-restart-delay must be > 0", envVarICERestartDelay)
	}
	if iceDisconnectedTimeout < 0 || iceFailedTimeout < 0 || iceKeepaliveInterval < 0 {
		return Config{}, fmt.Errorf("ICE timeouts must be >= 0")
	}

	if strings.TrimSpace(turnRESTSharedSecret) != "" {
		if turnRESTTTLSeconds <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0 when %s is set", envVarTURNRESTTTLSeconds, envVarTURNRESTSharedSecret)
		}
		if strings.TrimSpace(turnRESTUsernamePrefix) == "" {
			return Config{}, fmt.Errorf("%s must be non-empty when %s is set", envVarTURNRESTUsernamePrefix, envVarTURNRESTSharedSecret)
		}
		if strings.Contains(turnRESTUsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}

	if strings.TrimSpace(agentMailboxURL) != "" {
		u, err := url.Parse(strings.TrimSpace(agentMailboxURL))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/--mailbox-ws-url %q: %w", envVarAgentMailboxURL, agentMailboxURL, err)
		}
		scheme := strings.ToLower(u.Scheme)
		if scheme != "ws" && scheme != "wss" {
			return Config{}, fmt.Errorf("invalid %s/--mailbox-ws-url %q (expected ws:// or wss://)", envVarAgentMailboxURL, agentMailboxURL)
		}
		if u.Host == "" {
			return Config{}, fmt.Errorf("invalid %s/--mailbox-ws-url %q (missing host)", envVarAgentMailboxURL, agentMailboxURL)
		}
		agentMailboxURL = strings.TrimSpace(agentMailboxURL)
	}
	if strings.TrimSpace(agentCall) != "" && strings.TrimSpace(agentCall) == strings.TrimSpace(agentIdentity) {
		return Config{}, fmt.Errorf("%s/--call must differ from the agent identity", envVarAgentCall)
	}

	var webrtcUDPPortRange *UDPPortRange
	if webrtcUDPPortMin != 0 || webrtcUDPPortMax != 0 {
		if webrtcUDPPortMin == 0 || webrtcUDPPortMax == 0 {
			return Config{}, fmt.Errorf("%s/%s and %s/%s must be set together (or both unset)",
				envVarWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin,
				envVarWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax,
			)
		}
		min, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax, err)
		}
		if min > max {
			return Config{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		size := int(max) - int(min) + 1
		if size < recommendedWebRTCUDPPortRangeSize {
			return Config{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		webrtcUDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	webrtcUDPListenIP := net.ParseIP(strings.TrimSpace(webrtcUDPListenIPStr))
	if webrtcUDPListenIP == nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q", envVarWebRTCUDPListenIP, "--"+flagWebRTCUDPListenIP, webrtcUDPListenIPStr)
	}

	var webrtcNAT1To1IPs []string
	if strings.TrimSpace(webrtcNAT1To1IPsStr) != "" {
		ips, err := parseIPList(webrtcNAT1To1IPsStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPs, "--"+flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, err)
		}
		webrtcNAT1To1IPs = ips
	}

	if strings.TrimSpace(webrtcNAT1To1CandidateTypeStr) == "" {
		webrtcNAT1To1CandidateTypeStr = string(NAT1To1CandidateTypeHost)
	}
	webrtcNAT1To1CandidateType, err := parseCandidateType(webrtcNAT1To1CandidateTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPCandidateType, "--"+flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, err)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		MailboxBackend:  mailboxBackend,
		MailboxURL:      strings.TrimSpace(mailboxURL),
		MailboxDatabase: strings.TrimSpace(mailboxDatabase),
		MailboxPrefix:   mailboxPrefix,

		AuthMode:                      authMode,
		JWTSecret:                     jwtSecret,
		JWTTTL:                        jwtTTL,
		SignalingAuthTimeout:          signalingAuthTimeout,
		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,

		RingWindow:              ringWindow,
		SignalingWriteAttempts:  signalingWriteAttempts,
		SignalingWriteBaseDelay: signalingWriteBaseDelay,

		ICECandidatePoolSize:   uint8(iceCandidatePoolSize),
		BundlePolicy:           bundlePolicy,
		RTCPMuxPolicy:          rtcpMuxPolicy,
		ICERestartDelay:        iceRestartDelay,
		ICEDisconnectedTimeout: iceDisconnectedTimeout,
		ICEFailedTimeout:       iceFailedTimeout,
		ICEKeepaliveInterval:   iceKeepaliveInterval,

		WebRTCUDPPortRange:           webrtcUDPPortRange,
		WebRTCUDPListenIP:            webrtcUDPListenIP,
		WebRTCNAT1To1IPs:             webrtcNAT1To1IPs,
		WebRTCNAT1To1IPCandidateType: webrtcNAT1To1CandidateType,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
			Realm:          turnRESTRealm,
		},

		Agent: AgentConfig{
			Identity:    strings.TrimSpace(agentIdentity),
			Name:        strings.TrimSpace(agentName),
			MailboxURL:  agentMailboxURL,
			Token:       strings.TrimSpace(agentToken),
			AutoAccept:  agentAutoAccept,
			Call:        strings.TrimSpace(agentCall),
			MediaSource: mediaSource,
		},
	}

	iceServers, err := parseICEServers(iceSources{
		JSON:           iceServersJSON,
		STUNURLs:       stunURLs,
		TURNURLs:       turnURLs,
		TURNUsername:   turnUsername,
		TURNCredential: turnCredential,
	}, cfg.TURNREST.Enabled())
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeJWT)
	}
}

func parseMailboxBackend(raw string) (MailboxBackend, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(MailboxBackendMemory), "":
		return MailboxBackendMemory, nil
	case string(MailboxBackendSQLite):
		return MailboxBackendSQLite, nil
	case string(MailboxBackendRedis):
		return MailboxBackendRedis, nil
	case string(MailboxBackendMongo), "mongodb":
		return MailboxBackendMongo, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, %s, or %s)", envVarMailboxBackend, raw,
			MailboxBackendMemory,
			MailboxBackendSQLite,
			MailboxBackendRedis,
			MailboxBackendMongo,
		)
	}
}

func parseMediaSource(raw string) (MediaSource, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(MediaSourceSynthetic), "":
		return MediaSourceSynthetic, nil
	case string(MediaSourceDevices):
		return MediaSourceDevices, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarMediaSource, raw, MediaSourceSynthetic, MediaSourceDevices)
	}
}

func parseBundlePolicy(raw string) (webrtc.BundlePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return webrtc.BundlePolicyUnknown, nil
	case "balanced":
		return webrtc.BundlePolicyBalanced, nil
	case "max-compat":
		return webrtc.BundlePolicyMaxCompat, nil
	case "max-bundle":
		return webrtc.BundlePolicyMaxBundle, nil
	default:
		return webrtc.BundlePolicyUnknown, fmt.Errorf("expected balanced, max-compat or max-bundle")
	}
}

func parseRTCPMuxPolicy(raw string) (webrtc.RTCPMuxPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return webrtc.RTCPMuxPolicyUnknown, nil
	case "negotiate":
		return webrtc.RTCPMuxPolicyNegotiate, nil
	case "require":
		return webrtc.RTCPMuxPolicyRequire, nil
	default:
		return webrtc.RTCPMuxPolicyUnknown, fmt.Errorf("expected negotiate or require")
	}
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
