package numerator

import "fmt"

// Strategy defines how numbers are reserved from the backing sequence.
type Strategy int

const (
	// StrategyStrict reserves one number per call.
	// Numbers are sequential without gaps.
	StrategyStrict Strategy = iota

	// StrategyCached reserves ranges of numbers and hands them out from memory.
	// Numbers left in a range are lost when the process stops.
	StrategyCached
)

// DefaultRangeSize is the cached range size used when Options leave it unset.
const DefaultRangeSize = 50

// Options configures number generation.
type Options struct {
	Strategy Strategy
	// RangeSize is the number of values reserved at once in Cached strategy.
	RangeSize int64
}

// DefaultOptions returns standard options (Strict).
func DefaultOptions() *Options {
	return &Options{
		Strategy: StrategyStrict,
	}
}

// Reset periods.
const (
	ResetYear  = "year"
	ResetMonth = "month"
	ResetNever = "never"
)

// Config holds numbering configuration.
type Config struct {
	// Prefix added to all numbers (e.g., "GR")
	Prefix string

	// IncludeYear adds year to the number
	IncludeYear bool

	// PadWidth is the minimum number width (default 5)
	PadWidth int

	// ResetPeriod: ResetYear, ResetMonth or ResetNever
	ResetPeriod string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(prefix string) Config {
	return Config{
		Prefix:      prefix,
		IncludeYear: true,
		PadWidth:    5,
		ResetPeriod: ResetYear,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Prefix == "" {
		return fmt.Errorf("numerator: prefix is required")
	}
	switch c.ResetPeriod {
	case "", ResetYear, ResetMonth, ResetNever:
		return nil
	default:
		return fmt.Errorf("numerator: unknown reset period %q", c.ResetPeriod)
	}
}
