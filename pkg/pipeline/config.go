package pipeline

import (
	"io"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/microbatch"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/model"
	"github.com/askiada/go-pipeline-parallel/pkg/pipeline/schedule"
)

// Config describes how a pipeline is laid out over its ranks.
type Config struct {
	// Policy is one of gpipe, 1f1b, interleaved-1f1b or looped-bfs.
	Policy string `yaml:"policy"`
	// Chunks is the number of microbatches per step. Zero takes the chunks the pipe was traced with.
	Chunks int `yaml:"chunks"`
	// WorldSize is the number of ranks.
	WorldSize int `yaml:"world_size"`
	// VirtualStages is the number of stages each rank owns. Zero means one.
	VirtualStages int `yaml:"virtual_stages"`
	// Remainder is reject or spread.
	Remainder string `yaml:"remainder"`
	// ChunkAxis is the axis outputs are merged along and targets are split along.
	ChunkAxis int `yaml:"chunk_axis"`
	// LinkCapacity is the number of messages a link between two ranks buffers. Zero makes every
	// send wait for its receive. Unset picks a capacity under which a send never blocks.
	LinkCapacity *int `yaml:"link_capacity"`
}

// LoadConfig decodes a YAML config and validates it.
func LoadConfig(r io.Reader) (Config, error) {
	var cfg Config

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, "unable to decode pipeline config")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// SchedulePolicy parses Policy.
func (c Config) SchedulePolicy() (schedule.Policy, error) {
	return schedule.ParsePolicy(c.Policy)
}

// RemainderPolicy parses Remainder.
func (c Config) RemainderPolicy() (microbatch.RemainderPolicy, error) {
	return microbatch.ParseRemainderPolicy(c.Remainder)
}

// Virtual returns VirtualStages with its default applied.
func (c Config) Virtual() int {
	if c.VirtualStages == 0 {
		return 1
	}

	return c.VirtualStages
}

// NumStages is the number of stages the config lays out.
func (c Config) NumStages() int {
	return c.WorldSize * c.Virtual()
}

// Capacity returns LinkCapacity with its default applied.
func (c Config) Capacity() int {
	if c.LinkCapacity == nil {
		return 2 * c.Chunks * c.Virtual()
	}

	return *c.LinkCapacity
}

// Validate checks the config. Chunks must be set by then.
func (c Config) Validate() error {
	policy, err := c.SchedulePolicy()
	if err != nil {
		return err
	}

	if _, err := c.RemainderPolicy(); err != nil {
		return err
	}

	switch {
	case c.Chunks <= 0:
		return errors.Wrapf(model.ErrConfiguration, "chunks must be positive, got %d", c.Chunks)
	case c.WorldSize <= 0:
		return errors.Wrapf(model.ErrConfiguration, "world size must be positive, got %d", c.WorldSize)
	case c.VirtualStages < 0:
		return errors.Wrapf(model.ErrConfiguration, "virtual stages must not be negative, got %d", c.VirtualStages)
	case c.Virtual() > 1 && !policy.Looped():
		return errors.Wrapf(model.ErrConfiguration, "%s runs one stage per rank, got %d", policy, c.Virtual())
	case c.ChunkAxis < 0:
		return errors.Wrapf(model.ErrConfiguration, "chunk axis must not be negative, got %d", c.ChunkAxis)
	case c.Capacity() < 0:
		return errors.Wrapf(model.ErrConfiguration, "link capacity must not be negative, got %d", c.Capacity())
	}

	return nil
}
