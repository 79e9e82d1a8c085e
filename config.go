package derecho

import (
	"fmt"
	"time"
)

// Default TCP ports for the services a group member runs.
// Kept in one table so deployments can write firewall rules
// from a single place.
const (
	DefaultGmsPort  = 23580
	DefaultRdmcPort = 23581
	DefaultSstPort  = 23582
	DefaultRpcPort  = 23583
)

// emulated completion-queue depth per queue pair. Window sizes
// beyond this get clamped at Validate time.
const maxPostedSendDepth = 128

// RdmcAlgorithm selects how a block-multicast group relays
// blocks between members.
type RdmcAlgorithm int

const (
	// BinomialSend relays each block down a binomial tree
	// rooted at the sender, doubling the holder set per round.
	BinomialSend RdmcAlgorithm = 0

	// ChainSend forwards each block down a fixed chain of
	// members in rotated order.
	ChainSend RdmcAlgorithm = 1
)

func (a RdmcAlgorithm) String() string {
	switch a {
	case BinomialSend:
		return "BinomialSend"
	case ChainSend:
		return "ChainSend"
	}
	return fmt.Sprintf("RdmcAlgorithm(%d)", int(a))
}

// Config collects the tunables for one group member. Zero
// values are filled in by NewConfig; Validate normalizes and
// checks before any component starts.
type Config struct {

	// MaxPayloadSize caps a single multicast message, in bytes.
	MaxPayloadSize int64

	// BlockSize is the RDMC slicing unit in bytes. The maximum
	// wire message size is rounded up to a multiple of it.
	BlockSize int64

	// WindowSize bounds the number of outstanding un-delivered
	// messages a sender may hold per subgroup. Must be >= 1.
	// Values beyond the emulated posted-send depth are clamped.
	WindowSize int

	// SstSlotSize is the byte budget of one in-row multicast
	// slot, header included. Messages that fit travel inside
	// the SST row instead of over RDMC.
	SstSlotSize int64

	// TimeoutMs is the heartbeat/suspicion interval in
	// milliseconds. A peer whose heartbeat write fails to
	// complete is suspected.
	TimeoutMs int

	// Algorithm picks the RDMC relay schedule.
	Algorithm RdmcAlgorithm

	// Filename, when non-empty, enables persistence: every
	// delivered message is appended to this log file, and
	// persisted_num advances only after the record is synced.
	Filename string

	// ViewFile, when non-empty, is where each installed View
	// is saved, for RestartFromLogs.
	ViewFile string

	// Ports for the member's TCP services.
	GmsPort  int
	RdmcPort int
	SstPort  int
	RpcPort  int

	// GmsAddr overrides the listen address for the membership
	// service; "host:0" picks a free port. Tests use this to
	// run several members in one process.
	GmsAddr string
}

// NewConfig returns the defaults we run with in the test
// clusters.
func NewConfig() *Config {
	return &Config{
		MaxPayloadSize: 1 << 20,
		BlockSize:      1 << 16,
		WindowSize:     3,
		SstSlotSize:    256,
		TimeoutMs:      1,
		Algorithm:      BinomialSend,
		GmsPort:        DefaultGmsPort,
		RdmcPort:       DefaultRdmcPort,
		SstPort:        DefaultSstPort,
		RpcPort:        DefaultRpcPort,
	}
}

// Validate normalizes cfg in place, erroring only on settings
// we cannot repair.
func (cfg *Config) Validate() error {
	if cfg.MaxPayloadSize <= 0 {
		return fmt.Errorf("config: MaxPayloadSize must be positive, got %v", cfg.MaxPayloadSize)
	}
	if cfg.BlockSize <= 0 {
		return fmt.Errorf("config: BlockSize must be positive, got %v", cfg.BlockSize)
	}
	if cfg.WindowSize < 1 {
		return fmt.Errorf("config: WindowSize must be >= 1, got %v", cfg.WindowSize)
	}
	if cfg.WindowSize > maxPostedSendDepth {
		alwaysPrintf("config: WindowSize %v exceeds posted-send depth %v; clamping", cfg.WindowSize, maxPostedSendDepth)
		cfg.WindowSize = maxPostedSendDepth
	}
	if cfg.SstSlotSize <= headerSize {
		return fmt.Errorf("config: SstSlotSize %v must exceed the %v byte header", cfg.SstSlotSize, headerSize)
	}
	if cfg.TimeoutMs < 1 {
		cfg.TimeoutMs = 1
	}
	switch cfg.Algorithm {
	case BinomialSend, ChainSend:
	default:
		return fmt.Errorf("config: unknown Algorithm %v", int(cfg.Algorithm))
	}
	return nil
}

// maxMsgSize is the wire size of the largest message: payload
// plus header, rounded up to a whole number of blocks.
func (cfg *Config) maxMsgSize() int64 {
	sz := cfg.MaxPayloadSize + headerSize
	if rem := sz % cfg.BlockSize; rem != 0 {
		sz += cfg.BlockSize - rem
	}
	return sz
}

func (cfg *Config) senderTimeout() time.Duration {
	return time.Duration(cfg.TimeoutMs) * time.Millisecond
}
