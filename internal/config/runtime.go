package config

import "time"

// OverflowPolicy selects queue behavior at the high watermark.
type OverflowPolicy string

const (
	OverflowReject             OverflowPolicy = "reject"
	OverflowDropOldest         OverflowPolicy = "dropOldest"
	OverflowDropLowestPriority OverflowPolicy = "dropLowestPriority"
)

// IsValid reports whether the policy is one of the defined values.
func (p OverflowPolicy) IsValid() bool {
	switch p {
	case OverflowReject, OverflowDropOldest, OverflowDropLowestPriority:
		return true
	}
	return false
}

// BusConfig holds the unified bus knobs.
type BusConfig struct {
	MessageQueueSize  int            `json:"message_queue_size" yaml:"message_queue_size"`
	DeliveryQueueSize int            `json:"delivery_queue_size" yaml:"delivery_queue_size"`
	EventQueueSize    int            `json:"event_queue_size" yaml:"event_queue_size"`
	HighWatermark     float64        `json:"high_watermark" yaml:"high_watermark"`
	OverflowPolicy    OverflowPolicy `json:"overflow_policy" yaml:"overflow_policy"`
	MaxPayloadBytes   int            `json:"max_payload_bytes" yaml:"max_payload_bytes"`
	DedupWindowSize   int            `json:"dedup_window_size" yaml:"dedup_window_size"`
	DefaultDeadline   Duration       `json:"default_deadline" yaml:"default_deadline"`
	Workers           int            `json:"workers" yaml:"workers"`
}

// RouterConfig holds the message router knobs.
type RouterConfig struct {
	RouteCacheTTL    Duration `json:"route_cache_ttl" yaml:"route_cache_ttl"`
	RouteCacheSize   int      `json:"route_cache_size" yaml:"route_cache_size"`
	DefaultAlgorithm string   `json:"default_algorithm" yaml:"default_algorithm"`
	AuditDecisions   bool     `json:"audit_decisions" yaml:"audit_decisions"`
}

// ProtocolConfig holds the protocol selector knobs.
type ProtocolConfig struct {
	NetworkWeight         float64  `json:"network_weight" yaml:"network_weight"`
	MessageWeight         float64  `json:"message_weight" yaml:"message_weight"`
	HistoryWeight         float64  `json:"history_weight" yaml:"history_weight"`
	AdaptationThreshold   float64  `json:"adaptation_threshold" yaml:"adaptation_threshold"`
	AdaptationCooldown    Duration `json:"adaptation_cooldown" yaml:"adaptation_cooldown"`
	NetworkSampleInterval Duration `json:"network_sample_interval" yaml:"network_sample_interval"`
	NetworkHistorySize    int      `json:"network_history_size" yaml:"network_history_size"`
	PerfDecayWindow       Duration `json:"perf_decay_window" yaml:"perf_decay_window"`
}

// PoolConfig holds the per-pool defaults applied when a pool is created
// without explicit overrides.
type PoolConfig struct {
	MinSize                 int      `json:"min_size" yaml:"min_size"`
	MaxSize                 int      `json:"max_size" yaml:"max_size"`
	AcquireTimeout          Duration `json:"acquire_timeout" yaml:"acquire_timeout"`
	LeaseTTL                Duration `json:"lease_ttl" yaml:"lease_ttl"`
	ValidationEnabled       bool     `json:"validation_enabled" yaml:"validation_enabled"`
	ValidationConcurrency   int      `json:"validation_concurrency" yaml:"validation_concurrency"`
	ScalingCheckInterval    Duration `json:"scaling_check_interval" yaml:"scaling_check_interval"`
	ScalingAlgorithm        string   `json:"scaling_algorithm" yaml:"scaling_algorithm"`
	HighUtilization         float64  `json:"high_utilization" yaml:"high_utilization"`
	LowUtilization          float64  `json:"low_utilization" yaml:"low_utilization"`
	TriggerDuration         Duration `json:"trigger_duration" yaml:"trigger_duration"`
	ScaleUpIncrement        int      `json:"scale_up_increment" yaml:"scale_up_increment"`
	ScaleDownIncrement      int      `json:"scale_down_increment" yaml:"scale_down_increment"`
	MaxScaleUpRate          int      `json:"max_scale_up_rate" yaml:"max_scale_up_rate"`
	ScalingCooldown         Duration `json:"scaling_cooldown" yaml:"scaling_cooldown"`
	RetryAttempts           int      `json:"connection_retry_attempts" yaml:"connection_retry_attempts"`
	RetryDelay              Duration `json:"connection_retry_delay" yaml:"connection_retry_delay"`
	HealthErrorThreshold    int      `json:"health_error_threshold" yaml:"health_error_threshold"`
	FailureRateThreshold    float64  `json:"failure_rate_threshold" yaml:"failure_rate_threshold"`
	P95ResponseThreshold    Duration `json:"p95_response_threshold" yaml:"p95_response_threshold"`
	RemediationEnabled      bool     `json:"remediation_enabled" yaml:"remediation_enabled"`
	BreakerFailureThreshold int      `json:"breaker_failure_threshold" yaml:"breaker_failure_threshold"`
	BreakerTimeout          Duration `json:"breaker_timeout" yaml:"breaker_timeout"`
	BreakerSuccessThreshold int      `json:"breaker_success_threshold" yaml:"breaker_success_threshold"`
}

// BalancerConfig holds load-balancer knobs.
type BalancerConfig struct {
	AdaptiveAlgorithms      bool     `json:"adaptive_algorithms" yaml:"adaptive_algorithms"`
	DefaultAlgorithm        string   `json:"default_algorithm" yaml:"default_algorithm"`
	RedistributionThreshold float64  `json:"redistribution_threshold" yaml:"redistribution_threshold"`
	ResponseTimeDecayWindow Duration `json:"response_time_decay_window" yaml:"response_time_decay_window"`
	AllowUnhealthyFallback  bool     `json:"allow_unhealthy_fallback" yaml:"allow_unhealthy_fallback"`
	RegionDatabasePath      string   `json:"region_database_path" yaml:"region_database_path"`
}

// HealthConfig holds the health monitor knobs.
type HealthConfig struct {
	DefaultCollectInterval Duration `json:"default_collect_interval" yaml:"default_collect_interval"`
	BatchSize              int      `json:"batch_size" yaml:"batch_size"`
	BatchFlushInterval     Duration `json:"batch_flush_interval" yaml:"batch_flush_interval"`
	DegradeDuration        Duration `json:"degrade_duration" yaml:"degrade_duration"`
	ConsecutiveCount       int      `json:"consecutive_count" yaml:"consecutive_count"`
}

// AnomalyConfig holds detector knobs.
type AnomalyConfig struct {
	Sensitivity        float64 `json:"sensitivity" yaml:"sensitivity"`
	MinDataPoints      int     `json:"min_data_points" yaml:"min_data_points"`
	EnsembleEnabled    bool    `json:"ensemble_enabled" yaml:"ensemble_enabled"`
	BusinessHoursBoost float64 `json:"business_hours_boost" yaml:"business_hours_boost"`
}

// AlertingConfig holds alert lifecycle knobs.
type AlertingConfig struct {
	AcknowledgmentTimeout Duration `json:"acknowledgment_timeout" yaml:"acknowledgment_timeout"`
	SuppressionWindow     Duration `json:"suppression_window" yaml:"suppression_window"`
	MaxEscalationLevel    int      `json:"max_escalation_level" yaml:"max_escalation_level"`
	EscalationInterval    Duration `json:"escalation_interval" yaml:"escalation_interval"`
}

// RecoveryConfig holds orchestrator knobs. ApprovalTimeout is deliberately a
// separate knob from AlertingConfig.AcknowledgmentTimeout.
type RecoveryConfig struct {
	ApprovalTimeout     Duration `json:"approval_timeout" yaml:"approval_timeout"`
	StepTimeout         Duration `json:"step_timeout" yaml:"step_timeout"`
	RollbackEnabled     bool     `json:"rollback_enabled" yaml:"rollback_enabled"`
	EmergencyRateLimit  int      `json:"emergency_rate_limit" yaml:"emergency_rate_limit"`
	EmergencyRateWindow Duration `json:"emergency_rate_window" yaml:"emergency_rate_window"`
}

// EfficiencyConfig holds efficiency monitor knobs.
type EfficiencyConfig struct {
	AnalysisInterval    Duration `json:"analysis_interval" yaml:"analysis_interval"`
	AdaptationThreshold float64  `json:"adaptation_threshold" yaml:"adaptation_threshold"`
	EMAAlpha            float64  `json:"ema_alpha" yaml:"ema_alpha"`
	RealtimeCapacity    int      `json:"realtime_capacity" yaml:"realtime_capacity"`
}

// StoreConfig holds persistence knobs.
type StoreConfig struct {
	RetentionWindow     Duration `json:"retention_window" yaml:"retention_window"`
	RecoveryRetention   Duration `json:"recovery_retention" yaml:"recovery_retention"`
	RetentionSchedule   string   `json:"retention_schedule" yaml:"retention_schedule"`
	FlushInterval       Duration `json:"flush_interval" yaml:"flush_interval"`
	FlushDirtyThreshold int      `json:"flush_dirty_threshold" yaml:"flush_dirty_threshold"`
}

// RuntimeConfig holds all hot-updatable settings, one section per component.
// Only the knobs enumerated here exist; unknown keys are rejected at load.
type RuntimeConfig struct {
	Bus        BusConfig        `json:"bus" yaml:"bus"`
	Router     RouterConfig     `json:"router" yaml:"router"`
	Protocol   ProtocolConfig   `json:"protocol" yaml:"protocol"`
	Pool       PoolConfig       `json:"pool" yaml:"pool"`
	Balancer   BalancerConfig   `json:"balancer" yaml:"balancer"`
	Health     HealthConfig     `json:"health" yaml:"health"`
	Anomaly    AnomalyConfig    `json:"anomaly" yaml:"anomaly"`
	Alerting   AlertingConfig   `json:"alerting" yaml:"alerting"`
	Recovery   RecoveryConfig   `json:"recovery" yaml:"recovery"`
	Efficiency EfficiencyConfig `json:"efficiency" yaml:"efficiency"`
	Store      StoreConfig      `json:"store" yaml:"store"`
}

// NewDefaultRuntimeConfig returns a RuntimeConfig populated with defaults.
func NewDefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		Bus: BusConfig{
			MessageQueueSize:  8192,
			DeliveryQueueSize: 8192,
			EventQueueSize:    16384,
			HighWatermark:     0.9,
			OverflowPolicy:    OverflowReject,
			MaxPayloadBytes:   1 << 20,
			DedupWindowSize:   4096,
			DefaultDeadline:   Duration(30 * time.Second),
			Workers:           8,
		},
		Router: RouterConfig{
			RouteCacheTTL:    Duration(30 * time.Second),
			RouteCacheSize:   4096,
			DefaultAlgorithm: "adaptive",
			AuditDecisions:   false,
		},
		Protocol: ProtocolConfig{
			NetworkWeight:         0.4,
			MessageWeight:         0.3,
			HistoryWeight:         0.3,
			AdaptationThreshold:   0.1,
			AdaptationCooldown:    Duration(1 * time.Minute),
			NetworkSampleInterval: Duration(5 * time.Second),
			NetworkHistorySize:    120,
			PerfDecayWindow:       Duration(10 * time.Minute),
		},
		Pool: PoolConfig{
			MinSize:                 2,
			MaxSize:                 10,
			AcquireTimeout:          Duration(5 * time.Second),
			LeaseTTL:                Duration(30 * time.Second),
			ValidationEnabled:       false,
			ValidationConcurrency:   8,
			ScalingCheckInterval:    Duration(10 * time.Second),
			ScalingAlgorithm:        "reactive",
			HighUtilization:         0.8,
			LowUtilization:          0.3,
			TriggerDuration:         Duration(30 * time.Second),
			ScaleUpIncrement:        2,
			ScaleDownIncrement:      1,
			MaxScaleUpRate:          4,
			ScalingCooldown:         Duration(60 * time.Second),
			RetryAttempts:           3,
			RetryDelay:              Duration(500 * time.Millisecond),
			HealthErrorThreshold:    3,
			FailureRateThreshold:    0.5,
			P95ResponseThreshold:    Duration(2 * time.Second),
			RemediationEnabled:      true,
			BreakerFailureThreshold: 3,
			BreakerTimeout:          Duration(30 * time.Second),
			BreakerSuccessThreshold: 2,
		},
		Balancer: BalancerConfig{
			AdaptiveAlgorithms:      true,
			DefaultAlgorithm:        "round_robin",
			RedistributionThreshold: 0.85,
			ResponseTimeDecayWindow: Duration(10 * time.Minute),
			AllowUnhealthyFallback:  false,
			RegionDatabasePath:      "",
		},
		Health: HealthConfig{
			DefaultCollectInterval: Duration(15 * time.Second),
			BatchSize:              64,
			BatchFlushInterval:     Duration(10 * time.Second),
			DegradeDuration:        Duration(30 * time.Second),
			ConsecutiveCount:       3,
		},
		Anomaly: AnomalyConfig{
			Sensitivity:        0.95,
			MinDataPoints:      4,
			EnsembleEnabled:    false,
			BusinessHoursBoost: 0.02,
		},
		Alerting: AlertingConfig{
			AcknowledgmentTimeout: Duration(5 * time.Minute),
			SuppressionWindow:     Duration(10 * time.Minute),
			MaxEscalationLevel:    3,
			EscalationInterval:    Duration(5 * time.Minute),
		},
		Recovery: RecoveryConfig{
			ApprovalTimeout:     Duration(10 * time.Minute),
			StepTimeout:         Duration(2 * time.Minute),
			RollbackEnabled:     true,
			EmergencyRateLimit:  3,
			EmergencyRateWindow: Duration(1 * time.Hour),
		},
		Efficiency: EfficiencyConfig{
			AnalysisInterval:    Duration(30 * time.Second),
			AdaptationThreshold: 0.15,
			EMAAlpha:            0.2,
			RealtimeCapacity:    720,
		},
		Store: StoreConfig{
			RetentionWindow:     Duration(7 * 24 * time.Hour),
			RecoveryRetention:   Duration(30 * 24 * time.Hour),
			RetentionSchedule:   "0 4 * * *",
			FlushInterval:       Duration(5 * time.Minute),
			FlushDirtyThreshold: 1000,
		},
	}
}
