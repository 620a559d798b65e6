package constants

import "time"

const (
	AppName = "motion"
	Version = "0.4.0"
)

// Network defaults
const (
	DefaultPort         = "8080"
	DefaultServerURL    = "http://localhost:8080"
	DefaultBackendWSURL = "ws://localhost:8001/ws/track"
	WSBufferSize        = 65536
	CopyBufferSize      = 262144 // 256KB for extraction copies
	WSHandshakeTimeout  = 10 * time.Second
	WSWriteTimeout      = 5 * time.Second
	ShutdownTimeout     = 5 * time.Second
	ReadHeaderTimeout   = 10 * time.Second
	IdleTimeout         = 120 * time.Second
	MaxHeaderBytes      = 1 << 20
	RelayEventQueueSize = 64
)

// Session settings
const (
	DefaultSessionTTL    = 12 * time.Hour
	SessionSweepInterval = 30 * time.Second
	RedisKeyPrefix       = "motion:session:"
)

// Relay flow control
const (
	DefaultMaxFrameBytes   = 2 * 1024 * 1024
	DefaultMinSendInterval = 30 * time.Millisecond
	DefaultInflightTimeout = 2 * time.Second
	BackendDialBackoffBase = 250 * time.Millisecond
	BackendDialBackoffMax  = 5 * time.Second
)

// Close codes sent to relay clients
const (
	CloseAuthFailed        = 4001
	CloseProtocolViolation = 4002
	CloseFrameTooLarge     = 1009
)

// Upload limits
const (
	DefaultMaxUploadBytes  = 50 * 1024 * 1024
	DefaultMaxExtractBytes = 200 * 1024 * 1024
	MinDiskSpaceRequired   = 100 * 1024 * 1024
	MultipartMemory        = 8 * 1024 * 1024
	UploadFormField        = "file"
)

// Model bundle layout
const (
	DescriptorSuffix     = ".model3.json"
	ModelDirName         = "model"
	StagingDirName       = "model.staging"
	ManifestFileName     = "manifest.json"
	DefaultDataDir       = "./data/projects"
	DefaultModelURLPath  = "/projects"
	MaxProjectIDLength   = 64
	UploadTempFilePrefix = "upload-*"
)

// Probe client
const (
	EnvServerURL         = "MOTION_SERVER"
	ClientReconnectBase  = 250 * time.Millisecond
	ClientReconnectMax   = 10 * time.Second
	DefaultProbeFPS      = 15
	DefaultProbeQuality  = 0.7
	ProbeDrainTimeout    = 2 * time.Second
	ProbeDrainQuiet      = 500 * time.Millisecond
	ClientRequestTimeout = 30 * time.Second
)

// Security
const (
	DefaultMaxConnectionsPerIP = 10
	MaxAuthAttempts            = 5
	BlockDuration              = 15 * time.Minute
	MaxAuditLogsPerMinute      = 120
)

// API endpoints
const (
	EndpointSession  = "/api/session"
	EndpointTrack    = "/ws/track"
	EndpointArchive  = "/api/projects/{project}/archive"
	EndpointManifest = "/api/projects/{project}/manifest"
	EndpointStats    = "/api/stats"
	EndpointHealth   = "/health"
)

// ANSI color codes
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorDim    = "\033[2m"
	ColorCyan   = "\033[36m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorRed    = "\033[31m"
)

// Messages
const (
	MsgInvalidProject     = "Invalid project id"
	MsgManifestNotFound   = "No model uploaded for this project"
	MsgUnauthorized       = "Unauthorized: invalid or missing token"
	MsgConnectionLimit    = "Connection limit exceeded"
	MsgTooManyAttempts    = "Too many failed attempts. Try again later."
	MsgOriginNotAllowed   = "Origin not allowed"
	MsgMissingUploadField = "Missing archive file field"
)
