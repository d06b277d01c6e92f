// Package protocol implements the transport selector: a registry of protocol
// profiles, a network-condition sampler, and per-(profile, message-type)
// performance tracking that drives adaptive profile switches.
package protocol

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/axismesh/axis/internal/message"
)

// Profile is the static capability record for one transport.
type Profile struct {
	ID string

	// Characteristics.
	ConnectionOriented bool
	Duplex             bool
	Streaming          bool
	Multiplexing       bool
	NativeEncryption   bool
	HeaderOverhead     int           // bytes per frame
	SetupTime          time.Duration // typical connection establishment
	IdealPayloadMin    int           // bytes
	IdealPayloadMax    int           // bytes; 0 = unbounded

	// Resource requirements.
	MaxConcurrent    int
	MinBandwidthMbps float64
	CPUCostPerConn   float64 // relative units
	MemCostPerConn   int     // bytes

	// Compatibility flags other profiles this one can interoperate with.
	Compatibility []string

	// Retry is the transport's native retry mechanism.
	Retry message.RetryPolicy
}

// PayloadFit returns how well a payload size fits the profile's ideal range,
// in [0,1]. Inside the range is 1; outside decays with distance.
func (p Profile) PayloadFit(size int) float64 {
	if size >= p.IdealPayloadMin && (p.IdealPayloadMax == 0 || size <= p.IdealPayloadMax) {
		return 1
	}
	var ratio float64
	if size < p.IdealPayloadMin {
		ratio = float64(size) / float64(p.IdealPayloadMin)
	} else {
		ratio = float64(p.IdealPayloadMax) / float64(size)
	}
	if ratio < 0 {
		ratio = 0
	}
	return ratio
}

// Registry is the thread-safe profile registry.
type Registry struct {
	profiles *xsync.Map[string, Profile]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{profiles: xsync.NewMap[string, Profile]()}
}

// Register adds or replaces a profile.
func (r *Registry) Register(p Profile) {
	r.profiles.Store(p.ID, p)
}

// Get returns a profile by id.
func (r *Registry) Get(id string) (Profile, bool) {
	return r.profiles.Load(id)
}

// All returns a snapshot of every registered profile.
func (r *Registry) All() []Profile {
	out := make([]Profile, 0, r.profiles.Size())
	r.profiles.Range(func(_ string, p Profile) bool {
		out = append(out, p)
		return true
	})
	return out
}

// NewDefaultRegistry returns a registry seeded with the built-in transport
// classes: a multiplexed stream, a bidirectional framed transport, a
// datagram transport, and an encrypted stream.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Profile{
		ID:                 "stream",
		ConnectionOriented: true,
		Duplex:             true,
		Streaming:          true,
		Multiplexing:       true,
		HeaderOverhead:     9,
		SetupTime:          40 * time.Millisecond,
		IdealPayloadMin:    256,
		IdealPayloadMax:    4 << 20,
		MaxConcurrent:      1024,
		MinBandwidthMbps:   1,
		CPUCostPerConn:     1.0,
		MemCostPerConn:     64 << 10,
		Compatibility:      []string{"secure_stream"},
		Retry:              message.DefaultRetryPolicy(),
	})
	r.Register(Profile{
		ID:                 "framed",
		ConnectionOriented: true,
		Duplex:             true,
		Streaming:          false,
		Multiplexing:       false,
		HeaderOverhead:     14,
		SetupTime:          60 * time.Millisecond,
		IdealPayloadMin:    64,
		IdealPayloadMax:    256 << 10,
		MaxConcurrent:      512,
		MinBandwidthMbps:   0.5,
		CPUCostPerConn:     0.8,
		MemCostPerConn:     32 << 10,
		Retry:              message.DefaultRetryPolicy(),
	})
	r.Register(Profile{
		ID:                 "datagram",
		ConnectionOriented: false,
		Duplex:             false,
		Streaming:          false,
		Multiplexing:       false,
		HeaderOverhead:     8,
		SetupTime:          0,
		IdealPayloadMin:    0,
		IdealPayloadMax:    32 << 10,
		MaxConcurrent:      4096,
		MinBandwidthMbps:   0.1,
		CPUCostPerConn:     0.2,
		MemCostPerConn:     4 << 10,
		Retry: message.RetryPolicy{
			MaxAttempts:  5,
			Backoff:      message.BackoffLinear,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
			Jitter:       0.3,
		},
	})
	r.Register(Profile{
		ID:                 "secure_stream",
		ConnectionOriented: true,
		Duplex:             true,
		Streaming:          true,
		Multiplexing:       true,
		NativeEncryption:   true,
		HeaderOverhead:     29,
		SetupTime:          120 * time.Millisecond,
		IdealPayloadMin:    256,
		IdealPayloadMax:    4 << 20,
		MaxConcurrent:      1024,
		MinBandwidthMbps:   1,
		CPUCostPerConn:     1.6,
		MemCostPerConn:     96 << 10,
		Compatibility:      []string{"stream"},
		Retry:              message.DefaultRetryPolicy(),
	})
	return r
}
