package round

import (
	"fmt"

	"arena-validator/apiconfig"

	"github.com/pkg/errors"
)

const (
	DefaultSettlementFraction     = 0.8
	DefaultStopEvaluationFraction = 0.85
	DefaultFetchFraction          = 0.9
	DefaultEarlyFinalizeFraction  = 0.95
	DefaultSafetyBufferEpochs     = 0.25
	DefaultInitialTaskSeconds     = 90.0
)

// Params fixes the round clock for the lifetime of the process. All
// boundary methods are pure functions of these values: feeding the same
// block height twice always yields the same answer.
type Params struct {
	EpochBlocks   int64
	RoundEpochs   int64
	OriginBlock   int64
	MinStartBlock int64

	SecondsPerBlock    float64
	SafetyBufferEpochs float64

	SettlementFraction     float64
	StopEvaluationFraction float64
	FetchFraction          float64
	EarlyFinalizeFraction  float64

	InitialTaskSeconds float64

	// TestMode lifts the minimum-start-block gate so local networks can
	// open rounds from genesis.
	TestMode bool
}

func NewParams(config apiconfig.RoundConfig) (*Params, error) {
	p := &Params{
		EpochBlocks:            config.EpochBlocks,
		RoundEpochs:            config.RoundEpochs,
		OriginBlock:            config.OriginBlock,
		MinStartBlock:          config.MinStartBlock,
		SecondsPerBlock:        config.SecondsPerBlock,
		SafetyBufferEpochs:     config.SafetyBufferEpochs,
		SettlementFraction:     config.SettlementFraction,
		StopEvaluationFraction: config.StopEvaluationFraction,
		FetchFraction:          config.FetchFraction,
		EarlyFinalizeFraction:  config.EarlyFinalizeFraction,
		InitialTaskSeconds:     config.InitialTaskSeconds,
		TestMode:               config.TestMode,
	}
	if p.SettlementFraction == 0 {
		p.SettlementFraction = DefaultSettlementFraction
	}
	if p.StopEvaluationFraction == 0 {
		p.StopEvaluationFraction = DefaultStopEvaluationFraction
	}
	if p.FetchFraction == 0 {
		p.FetchFraction = DefaultFetchFraction
	}
	if p.EarlyFinalizeFraction == 0 {
		p.EarlyFinalizeFraction = DefaultEarlyFinalizeFraction
	}
	if p.SafetyBufferEpochs == 0 {
		p.SafetyBufferEpochs = DefaultSafetyBufferEpochs
	}
	if p.InitialTaskSeconds == 0 {
		p.InitialTaskSeconds = DefaultInitialTaskSeconds
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Params) Validate() error {
	if p.EpochBlocks <= 0 {
		return errors.New("epoch_blocks must be positive")
	}
	if p.RoundEpochs <= 0 {
		return errors.New("round_epochs must be positive")
	}
	if p.SecondsPerBlock <= 0 {
		return errors.New("seconds_per_block must be positive")
	}
	if p.OriginBlock < 0 {
		return errors.New("origin_block must not be negative")
	}
	if p.SafetyBufferEpochs < 0 {
		return errors.New("safety_buffer_epochs must not be negative")
	}
	if p.SafetyBufferBlocks() >= p.RoundBlocks() {
		return errors.Errorf("safety buffer of %d blocks swallows the whole round of %d blocks",
			p.SafetyBufferBlocks(), p.RoundBlocks())
	}
	fractions := []struct {
		name  string
		value float64
	}{
		{"settlement_fraction", p.SettlementFraction},
		{"stop_evaluation_fraction", p.StopEvaluationFraction},
		{"fetch_fraction", p.FetchFraction},
		{"early_finalize_fraction", p.EarlyFinalizeFraction},
	}
	previous := 0.0
	for _, fraction := range fractions {
		if fraction.value <= 0 || fraction.value > 1 {
			return errors.Errorf("%s must be in (0, 1], got %f", fraction.name, fraction.value)
		}
		if fraction.value < previous {
			return errors.Errorf("%s must not precede the previous settlement stage", fraction.name)
		}
		previous = fraction.value
	}
	return nil
}

func (p *Params) RoundBlocks() int64 {
	return p.EpochBlocks * p.RoundEpochs
}

// BlockToEpoch and EpochToBlock are exact inverses up to integer
// truncation: converting a block to an epoch and back lands within one
// block of where it started.
func (p *Params) BlockToEpoch(blockHeight int64) float64 {
	return float64(blockHeight) / float64(p.EpochBlocks)
}

func (p *Params) EpochToBlock(epoch float64) int64 {
	return int64(epoch * float64(p.EpochBlocks))
}

// Number maps a block height to its 1-based round number. Heights before
// the origin belong to no round and map to 0.
func (p *Params) Number(blockHeight int64) int64 {
	if blockHeight < p.OriginBlock {
		return 0
	}
	return (blockHeight-p.OriginBlock)/p.RoundBlocks() + 1
}

func (p *Params) IsStartOfRound(blockHeight int64) bool {
	return blockHeight >= p.OriginBlock && (blockHeight-p.OriginBlock)%p.RoundBlocks() == 0
}

func (p *Params) StartBlock(round int64) int64 {
	if round < 1 {
		panic(fmt.Sprintf("round numbers are 1-based, got %d", round))
	}
	return p.OriginBlock + (round-1)*p.RoundBlocks()
}

// TargetBlock is the exclusive upper boundary of the round.
func (p *Params) TargetBlock(round int64) int64 {
	return p.StartBlock(round) + p.RoundBlocks()
}

func (p *Params) SettlementBlock(round int64) int64 {
	return p.blockAtFraction(round, p.SettlementFraction)
}

func (p *Params) StopEvaluationBlock(round int64) int64 {
	return p.blockAtFraction(round, p.StopEvaluationFraction)
}

func (p *Params) FetchBlock(round int64) int64 {
	return p.blockAtFraction(round, p.FetchFraction)
}

func (p *Params) EarlyFinalizeBlock(round int64) int64 {
	return p.blockAtFraction(round, p.EarlyFinalizeFraction)
}

func (p *Params) SafetyBufferBlocks() int64 {
	return int64(p.SafetyBufferEpochs * float64(p.EpochBlocks))
}

// AbsoluteLimit is the last block at which starting another unit of work
// is allowed. Everything after it belongs to the safety buffer.
func (p *Params) AbsoluteLimit(round int64) int64 {
	return p.TargetBlock(round) - p.SafetyBufferBlocks()
}

// FractionElapsed reports round progress clamped to [0, 1].
func (p *Params) FractionElapsed(round int64, blockHeight int64) float64 {
	elapsed := float64(blockHeight-p.StartBlock(round)) / float64(p.RoundBlocks())
	if elapsed < 0 {
		return 0
	}
	if elapsed > 1 {
		return 1
	}
	return elapsed
}

// SecondsRemaining estimates wall time left before the absolute limit.
func (p *Params) SecondsRemaining(round int64, blockHeight int64) float64 {
	blocksLeft := p.AbsoluteLimit(round) - blockHeight
	if blocksLeft < 0 {
		blocksLeft = 0
	}
	return float64(blocksLeft) * p.SecondsPerBlock
}

// ShouldSendNextTask is the safety-buffer gate: no unit of work may start
// once the absolute limit is hit or once the time left cannot plausibly
// fit another unit of average duration.
func (p *Params) ShouldSendNextTask(round int64, blockHeight int64, avgTaskSeconds float64) (bool, string) {
	limit := p.AbsoluteLimit(round)
	if blockHeight >= limit {
		return false, fmt.Sprintf("block %d reached absolute limit %d", blockHeight, limit)
	}
	remaining := p.SecondsRemaining(round, blockHeight)
	if remaining < avgTaskSeconds {
		return false, fmt.Sprintf("%.0fs remaining is less than the average task duration %.0fs",
			remaining, avgTaskSeconds)
	}
	return true, ""
}

// FirstEligibleBlock is where the very first round may begin.
func (p *Params) FirstEligibleBlock() int64 {
	if p.MinStartBlock > p.OriginBlock {
		return p.MinStartBlock
	}
	return p.OriginBlock
}

// CanStartRound gates round creation on the minimum start block. Test
// mode waives the gate entirely.
func (p *Params) CanStartRound(blockHeight int64) bool {
	if p.TestMode {
		return true
	}
	return blockHeight >= p.FirstEligibleBlock()
}

// Boundaries bundles the block and epoch window of one round.
type Boundaries struct {
	RoundNumber int64   `json:"round_number"`
	StartBlock  int64   `json:"start_block"`
	TargetBlock int64   `json:"target_block"`
	StartEpoch  float64 `json:"start_epoch"`
	TargetEpoch float64 `json:"target_epoch"`
}

func (p *Params) Boundaries(round int64) Boundaries {
	start := p.StartBlock(round)
	target := p.TargetBlock(round)
	return Boundaries{
		RoundNumber: round,
		StartBlock:  start,
		TargetBlock: target,
		StartEpoch:  p.BlockToEpoch(start),
		TargetEpoch: p.BlockToEpoch(target),
	}
}

func (p *Params) blockAtFraction(round int64, fraction float64) int64 {
	return p.StartBlock(round) + int64(fraction*float64(p.RoundBlocks()))
}
