package bdtree

// Config holds the tuning knobs named in the wire/format section of the design:
// the byte-size thresholds that trigger split/merge, the delta-chain length that
// triggers consolidation, and the shape of the per-client cache.
//
// The zero value is not usable; construct one with DefaultConfig and apply
// Options.
type Config struct {
	// MaxNodeSize is the serialized-size threshold (bytes) that triggers a split.
	MaxNodeSize int
	// MinNodeSize is the serialized-size threshold (bytes) that triggers a merge.
	MinNodeSize int
	// ConsolidateAt is the delta-chain length at which a writer materializes a
	// fresh node instead of appending another delta.
	ConsolidateAt int
	// CacheBuckets is the number of shards in the per-client logical pointer cache.
	CacheBuckets int

	Logger  Logger
	Metrics *Metrics
}

// Option mutates a Config during construction.
type Option func(*Config)

// DefaultConfig returns the baseline tuning parameters. With these sizes a
// leaf holds a few hundred small entries before it splits; tests that want
// SMOs after a few dozen keys pass smaller sizes via WithMaxNodeSize and
// WithMinNodeSize.
func DefaultConfig() Config {
	return Config{
		MaxNodeSize:   4096,
		MinNodeSize:   512,
		ConsolidateAt: 8,
		CacheBuckets:  64,
		Logger:        NewNopLogger(),
		Metrics:       NewMetrics(nil),
	}
}

func WithMaxNodeSize(n int) Option { return func(c *Config) { c.MaxNodeSize = n } }
func WithMinNodeSize(n int) Option { return func(c *Config) { c.MinNodeSize = n } }
func WithConsolidateAt(n int) Option {
	return func(c *Config) { c.ConsolidateAt = n }
}
func WithCacheBuckets(buckets int) Option {
	return func(c *Config) { c.CacheBuckets = buckets }
}
func WithLogger(l Logger) Option { return func(c *Config) { c.Logger = l } }
func WithMetrics(m *Metrics) Option {
	return func(c *Config) { c.Metrics = m }
}

func (c Config) validate() error {
	if c.MaxNodeSize <= c.MinNodeSize {
		return errConfigSizeOrder
	}
	if c.ConsolidateAt < 0 {
		return errConfigConsolidateAt
	}
	if c.CacheBuckets <= 0 {
		return errConfigCacheShape
	}
	return nil
}
