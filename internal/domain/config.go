package domain

import (
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines backend availability
	Tier Tier `json:"tier"`

	// Engine holds all detection thresholds
	Engine EngineConfig `json:"engine"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	IPIntel    IPIntelConfig    `json:"ipIntel"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// EngineConfig holds the orchestrator and per-detector thresholds.
type EngineConfig struct {
	// Enabled is the global kill switch. When false, Detect returns an
	// empty result immediately.
	Enabled bool `json:"enabled"`

	// PersistThreshold is the score above which a candidate is written as
	// an AnomalyDetection and broadcast.
	PersistThreshold float64 `json:"persistThreshold"`

	// DetectorTimeout bounds each detector invocation. A timed-out
	// detector is treated as failed and contributes no candidates.
	DetectorTimeout time.Duration `json:"detectorTimeout"`

	Velocity    VelocityConfig    `json:"velocity"`
	Geo         GeoConfig         `json:"geo"`
	Statistical StatisticalConfig `json:"statistical"`
	Behavior    BehaviorConfig    `json:"behavior"`
	Device      DeviceConfig      `json:"device"`
}

// WindowLimit configures one sliding window's maxima.
type WindowLimit struct {
	Name      string        `json:"name"` // "5m", "1h", ...
	Window    time.Duration `json:"window"`
	MaxCount  int64         `json:"maxCount"`
	MaxVolume float64       `json:"maxVolume"`
}

// VelocityConfig holds sliding-window, burst, and cross-account settings.
type VelocityConfig struct {
	Windows []WindowLimit `json:"windows"`

	// BurstMultiplier: the hourly rate must strictly exceed
	// avg_daily/24 * multiplier to flag a burst.
	BurstMultiplier float64 `json:"burstMultiplier"`

	CrossAccountEnabled bool `json:"crossAccountEnabled"`
	// Distinct accounts sharing a device / an IP before flagging.
	SharedDeviceThreshold int64 `json:"sharedDeviceThreshold"`
	SharedIPThreshold     int64 `json:"sharedIpThreshold"`
	// How far back shared-account correlation looks.
	CrossAccountLookback time.Duration `json:"crossAccountLookback"`
}

// GeoConfig holds geospatial detector settings.
type GeoConfig struct {
	// MaxTravelSpeedKmh is the fastest plausible travel (commercial flight).
	MaxTravelSpeedKmh float64 `json:"maxTravelSpeedKmh"`

	// DBSCAN parameters for location-history clustering.
	ClusterRadiusKm  float64 `json:"clusterRadiusKm"`
	ClusterMinPoints int     `json:"clusterMinPoints"`
	MaxClusterInput  int     `json:"maxClusterInput"`

	// Distance beyond which a point is outside its nearest cluster.
	OutsideClusterKm float64 `json:"outsideClusterKm"`
}

// StatisticalConfig holds numerical detector settings.
type StatisticalConfig struct {
	ZScoreThreshold   float64 `json:"zScoreThreshold"`   // sigmas
	IQRMultiplier     float64 `json:"iqrMultiplier"`
	MinHistory        int     `json:"minHistory"`        // IQR minimum sample
	LOFNeighbors      int     `json:"lofNeighbors"`      // k
	LOFThreshold      float64 `json:"lofThreshold"`      // density ratio
	ForestThreshold   float64 `json:"forestThreshold"`   // 0-100 score
	SeasonalThreshold float64 `json:"seasonalThreshold"` // 0-100 score
}

// BehaviorConfig holds profile-based detector settings.
type BehaviorConfig struct {
	// Sensitivity scales stddev when deriving adaptive thresholds.
	Sensitivity float64 `json:"sensitivity"`

	// DriftThreshold is the relative mean shift that counts as drift.
	DriftThreshold float64 `json:"driftThreshold"`

	// A profile is established once it has this much history and age.
	MinEstablishedCount int64 `json:"minEstablishedCount"`
	MinEstablishedDays  int   `json:"minEstablishedDays"`

	// Segment classification cutoffs.
	HighValueAvgAmount  float64 `json:"highValueAvgAmount"`
	HighValueMonthlyTx  float64 `json:"highValueMonthlyTx"`
	OccasionalMonthlyTx float64 `json:"occasionalMonthlyTx"`

	// Sightings of a device before it becomes trusted.
	TrustedDeviceSightings int `json:"trustedDeviceSightings"`
}

// DeviceConfig holds IP-reputation scoring weights.
type DeviceConfig struct {
	VPNWeight             float64 `json:"vpnWeight"`
	ProxyWeight           float64 `json:"proxyWeight"`
	TorWeight             float64 `json:"torWeight"`
	ProviderRiskThreshold float64 `json:"providerRiskThreshold"`
	ProviderRiskWeight    float64 `json:"providerRiskWeight"`

	// BlockedAssocWeight accrues per blocked transaction seen from the IP,
	// capped at BlockedAssocCap.
	BlockedAssocWeight float64 `json:"blockedAssocWeight"`
	BlockedAssocCap    float64 `json:"blockedAssocCap"`

	// Score at or above which the device candidate counts as detected.
	DetectThreshold float64 `json:"detectThreshold"`
}

// IPIntelConfig selects the IP intelligence provider.
type IPIntelConfig struct {
	// Provider is "static" or "maxmind".
	Provider string `json:"provider"`

	// MaxMind database path (maxmind provider).
	MaxMindDBPath string `json:"maxmindDbPath"`

	// Lookup timeout applied by the device assessor.
	LookupTimeout time.Duration `json:"lookupTimeout"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"`
	Endpoint     string `json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + in-process cache and bus.
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + Redis + NATS.
	TierPro Tier = "pro"
)

// DefaultEngineConfig returns the engine thresholds used unless overridden.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Enabled:          true,
		PersistThreshold: 40,
		DetectorTimeout:  2 * time.Second,
		Velocity: VelocityConfig{
			Windows: []WindowLimit{
				{Name: "5m", Window: 5 * time.Minute, MaxCount: 5, MaxVolume: 10_000},
				{Name: "15m", Window: 15 * time.Minute, MaxCount: 10, MaxVolume: 25_000},
				{Name: "1h", Window: time.Hour, MaxCount: 30, MaxVolume: 75_000},
				{Name: "6h", Window: 6 * time.Hour, MaxCount: 80, MaxVolume: 200_000},
				{Name: "24h", Window: 24 * time.Hour, MaxCount: 200, MaxVolume: 500_000},
				{Name: "7d", Window: 7 * 24 * time.Hour, MaxCount: 1000, MaxVolume: 2_000_000},
			},
			BurstMultiplier:       3.0,
			CrossAccountEnabled:   true,
			SharedDeviceThreshold: 3,
			SharedIPThreshold:     5,
			CrossAccountLookback:  30 * 24 * time.Hour,
		},
		Geo: GeoConfig{
			MaxTravelSpeedKmh: 900,
			ClusterRadiusKm:   50,
			ClusterMinPoints:  3,
			MaxClusterInput:   500,
			OutsideClusterKm:  500,
		},
		Statistical: StatisticalConfig{
			ZScoreThreshold:   3.0,
			IQRMultiplier:     1.5,
			MinHistory:        20,
			LOFNeighbors:      5,
			LOFThreshold:      1.5,
			ForestThreshold:   70,
			SeasonalThreshold: 70,
		},
		Behavior: BehaviorConfig{
			Sensitivity:            1.5,
			DriftThreshold:         0.25,
			MinEstablishedCount:    10,
			MinEstablishedDays:     7,
			HighValueAvgAmount:     5_000,
			HighValueMonthlyTx:     20,
			OccasionalMonthlyTx:    4,
			TrustedDeviceSightings: 3,
		},
		Device: DeviceConfig{
			VPNWeight:             25,
			ProxyWeight:           25,
			TorWeight:             40,
			ProviderRiskThreshold: 70,
			ProviderRiskWeight:    20,
			BlockedAssocWeight:    10,
			BlockedAssocCap:       30,
			DetectThreshold:       40,
		},
	}
}

// DefaultConfig returns a Community-tier configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier:   TierCommunity,
		Engine: DefaultEngineConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		IPIntel: IPIntelConfig{
			Provider:      "static",
			LookupTimeout: 500 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a Pro-tier configuration.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
