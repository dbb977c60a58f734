package errkind

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := errors.New("series too short")
	err := fmt.Errorf("embedding column 3: %w", New(Config, "knn", base))

	assert.Equal(t, Config, Of(err))
	assert.True(t, Is(err, Config))
	assert.False(t, Is(err, Resource))
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "knn: series too short")
}

func TestNewNil(t *testing.T) {
	assert.NoError(t, New(Config, "op", nil))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{errors.New("boom"), 1},
		{Configf("flags", "tau must be positive"), 2},
		{New(Resource, "gpu", errors.New("no device")), 3},
		{Protocolf("decode", "unknown message %q", "x"), 4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExitCode(tt.err), "%v", tt.err)
	}
}
