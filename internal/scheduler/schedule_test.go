package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ASR-Innovations/agentic-social-sub002/internal/domain"
)

func TestParse_Every(t *testing.T) {
	s, err := Parse(domain.Repeat{Every: time.Minute})
	require.NoError(t, err)

	from := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC), s.Next(from))
	assert.Equal(t, time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC), s.Next(s.Next(from)))
}

func TestParse_CronPattern(t *testing.T) {
	s, err := Parse(domain.Repeat{Pattern: "0 */6 * * *"})
	require.NoError(t, err)

	from := time.Date(2026, 3, 1, 7, 15, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), s.Next(from))
}

func TestParse_Descriptor(t *testing.T) {
	s, err := Parse(domain.Repeat{Pattern: "@hourly"})
	require.NoError(t, err)

	from := time.Date(2026, 3, 1, 7, 15, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), s.Next(from))
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse(domain.Repeat{})
	assert.ErrorIs(t, err, ErrInvalidRepeat)

	_, err = Parse(domain.Repeat{Pattern: "* * * * *", Every: time.Second})
	assert.ErrorIs(t, err, ErrInvalidRepeat)

	_, err = Parse(domain.Repeat{Pattern: "not a cron"})
	assert.Error(t, err)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "report:0 * * * *", Key("report", domain.Repeat{Pattern: "0 * * * *"}))
	assert.Equal(t, "sweep:every:60000", Key("sweep", domain.Repeat{Every: time.Minute}))
}

func TestValidateCronExpression(t *testing.T) {
	assert.NoError(t, ValidateCronExpression("30 * * * *"))
	assert.Error(t, ValidateCronExpression("61 * * * *"))
}
