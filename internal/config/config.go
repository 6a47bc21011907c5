// Package config centralizes the environment-variable tunables named
// throughout spec.md §4, following the teacher's convention of reading
// configuration once from the environment with numeric defaulting helpers
// rather than a flags/viper stack.
package config

import (
	"os"
	"strconv"
	"time"
)

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Microsecond
}

// Config holds every tunable named in spec.md, defaulted the way
// original_source/homa_impl.h defaults them and overridable per-process
// via environment variables for testing and tuning.
type Config struct {
	// Grant scheduler (§4.G)
	UnschedBytes      int
	Window            int
	MaxOvercommit     int
	MaxRPCsPerPeer    int
	MaxSchedPrio      int
	MaxIncoming       int
	GrantFifoFraction int // thousandths
	FifoGrantIncrement int
	GrantRecalcUsecs  time.Duration

	// Pacer (§4.I)
	LinkMbps         int
	MaxNicQueueNs     int64
	ThrottleMinBytes int
	PacerFifoFraction int // thousandths
	MaxGSOSize       int

	// Timer (§4.J)
	ResendTicks     int
	ResendInterval  int
	TimeoutResends  int
	RequestAckTicks int
	ReapLimit       int
	DeadBuffsLimit  int
	TickInterval    time.Duration

	// Receive-buffer pool (§4.B)
	BpageSize        int
	BpageLeaseUsecs  time.Duration

	// Peer table (§3, §4.A)
	PeerIdleSecsMax   int
	PeerGCThreshold   int

	// Socket table (§4.D)
	MinDefaultPort int

	// Interest / wait (§4.E)
	PollUsecs int
}

const (
	// HomaMaxMessageLength mirrors HOMA_MAX_MESSAGE_LENGTH from
	// original_source/homa.h.
	HomaMaxMessageLength = 1000000
	// HomaMaxBpages mirrors HOMA_MAX_BPAGES.
	HomaMaxBpages = 20
	// HomaMinDefaultPort mirrors HOMA_MIN_DEFAULT_PORT.
	HomaMinDefaultPort = 0x8000
)

// Default returns the built-in defaults, matching original_source where a
// concrete default exists and spec.md's stated scenarios elsewhere.
func Default() Config {
	return Config{
		UnschedBytes:        10000,
		Window:              0, // dynamic rule, spec.md §4.G
		MaxOvercommit:       8,
		MaxRPCsPerPeer:      4,
		MaxSchedPrio:        7,
		MaxIncoming:         1000000,
		GrantFifoFraction:   50,
		FifoGrantIncrement:  10000,
		GrantRecalcUsecs:    500 * time.Microsecond,
		LinkMbps:            10000,
		MaxNicQueueNs:       2000,
		ThrottleMinBytes:    1000,
		PacerFifoFraction:   50,
		MaxGSOSize:          65000,
		ResendTicks:         5,
		ResendInterval:      2,
		TimeoutResends:      5,
		RequestAckTicks:     100,
		ReapLimit:           10,
		DeadBuffsLimit:      1000,
		TickInterval:        time.Millisecond,
		BpageSize:           1 << 16,
		BpageLeaseUsecs:     10000 * time.Microsecond,
		PeerIdleSecsMax:     300,
		PeerGCThreshold:     1000,
		MinDefaultPort:      HomaMinDefaultPort,
		PollUsecs:           50,
	}
}

// FromEnv layers HOMA_* environment overrides onto Default(), the way the
// teacher's daemon package layers WEB4_* overrides onto its own defaults.
func FromEnv() Config {
	c := Default()
	c.UnschedBytes = getenvInt("HOMA_UNSCHED_BYTES", c.UnschedBytes)
	c.Window = getenvInt("HOMA_WINDOW", c.Window)
	c.MaxOvercommit = getenvInt("HOMA_MAX_OVERCOMMIT", c.MaxOvercommit)
	c.MaxRPCsPerPeer = getenvInt("HOMA_MAX_RPCS_PER_PEER", c.MaxRPCsPerPeer)
	c.MaxSchedPrio = getenvInt("HOMA_MAX_SCHED_PRIO", c.MaxSchedPrio)
	c.MaxIncoming = getenvInt("HOMA_MAX_INCOMING", c.MaxIncoming)
	c.GrantFifoFraction = getenvInt("HOMA_GRANT_FIFO_FRACTION", c.GrantFifoFraction)
	c.FifoGrantIncrement = getenvInt("HOMA_FIFO_GRANT_INCREMENT", c.FifoGrantIncrement)
	c.GrantRecalcUsecs = getenvDuration("HOMA_GRANT_RECALC_USECS", c.GrantRecalcUsecs)
	c.LinkMbps = getenvInt("HOMA_LINK_MBPS", c.LinkMbps)
	c.MaxNicQueueNs = int64(getenvInt("HOMA_MAX_NIC_QUEUE_NS", int(c.MaxNicQueueNs)))
	c.ThrottleMinBytes = getenvInt("HOMA_THROTTLE_MIN_BYTES", c.ThrottleMinBytes)
	c.PacerFifoFraction = getenvInt("HOMA_PACER_FIFO_FRACTION", c.PacerFifoFraction)
	c.MaxGSOSize = getenvInt("HOMA_MAX_GSO_SIZE", c.MaxGSOSize)
	c.ResendTicks = getenvInt("HOMA_RESEND_TICKS", c.ResendTicks)
	c.ResendInterval = getenvInt("HOMA_RESEND_INTERVAL", c.ResendInterval)
	c.TimeoutResends = getenvInt("HOMA_TIMEOUT_RESENDS", c.TimeoutResends)
	c.RequestAckTicks = getenvInt("HOMA_REQUEST_ACK_TICKS", c.RequestAckTicks)
	c.ReapLimit = getenvInt("HOMA_REAP_LIMIT", c.ReapLimit)
	c.DeadBuffsLimit = getenvInt("HOMA_DEAD_BUFFS_LIMIT", c.DeadBuffsLimit)
	c.BpageSize = getenvInt("HOMA_BPAGE_SIZE", c.BpageSize)
	c.BpageLeaseUsecs = getenvDuration("HOMA_BPAGE_LEASE_USECS", c.BpageLeaseUsecs)
	c.PeerIdleSecsMax = getenvInt("HOMA_PEER_IDLE_SECS_MAX", c.PeerIdleSecsMax)
	c.PeerGCThreshold = getenvInt("HOMA_PEER_GC_THRESHOLD", c.PeerGCThreshold)
	c.MinDefaultPort = getenvInt("HOMA_MIN_DEFAULT_PORT", c.MinDefaultPort)
	c.PollUsecs = getenvInt("HOMA_POLL_USECS", c.PollUsecs)
	return c
}

// TimeoutTicks is ResendTicks plus TimeoutResends resend intervals, the
// idle time before an RPC without any RESEND reply is aborted with
// ETIMEDOUT (spec.md §4.J). The timer sends RESENDs only on multiples of
// ResendInterval, so when ResendTicks is not such a multiple the actual
// abort comes later by the difference (16 ticks, not 15, with defaults).
func (c Config) TimeoutTicks() int {
	return c.ResendTicks + c.TimeoutResends*c.ResendInterval
}
