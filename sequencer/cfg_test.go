package sequencer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oplab/simsync/sequencer"
	"github.com/oplab/simsync/waveform"
)

func TestLoadYaml(t *testing.T) {
	cfg, err := sequencer.LoadYaml("testdata/acquire.yml")
	require.NoError(t, err)

	// the file names only what differs from the bench defaults
	cfg = cfg.WithDefaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "Dev2", cfg.Device)
	assert.Equal(t, 50000.0, cfg.Timing.ExposureUS)
	assert.Equal(t, []int{488, 561}, cfg.ActiveLasers)
	assert.Equal(t, 5, cfg.Images)
	// defaults filled in
	assert.Equal(t, "/Dev1/PFI8", cfg.TriggerTerminal)
	assert.Equal(t, 100000.0, cfg.Timing.SampleRate)
	assert.Equal(t, 9, cfg.Timing.FramesPerImage)
	assert.Equal(t, 1.2, cfg.SafetyFactor)
}

func TestLoadYamlMissingFile(t *testing.T) {
	_, err := sequencer.LoadYaml("testdata/no-such-file.yml")
	require.Error(t, err)
}

func TestWithDefaultsIsDefaultConfig(t *testing.T) {
	assert.Equal(t, sequencer.DefaultConfig(), sequencer.Config{}.WithDefaults())
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, sequencer.DefaultConfig().Validate())

	c := sequencer.DefaultConfig()
	c.Images = 0
	require.ErrorIs(t, c.Validate(), waveform.ErrNotPositive)

	c = sequencer.DefaultConfig()
	c.SpacingMS = -5
	require.ErrorIs(t, c.Validate(), waveform.ErrNotPositive)

	c = sequencer.DefaultConfig()
	c.SafetyFactor = 0.5
	require.Error(t, c.Validate())

	c = sequencer.DefaultConfig()
	c.ActiveLasers = []int{532}
	require.ErrorIs(t, c.Validate(), waveform.ErrUnassignedWavelength)
}
