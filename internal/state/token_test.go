package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResumeTokenRoundTrip(t *testing.T) {
	t.Parallel()

	token := GenerateResumeToken("job-1", 3, 2)
	assert.Equal(t, "ctx:job-1:3:2", token)

	parsed, err := ParseResumeToken(token)
	require.NoError(t, err)
	assert.Equal(t, "job-1", parsed.CorrelationID)
	assert.Equal(t, int64(3), parsed.Version)
	assert.Equal(t, 2, parsed.Turn)
}

func TestResumeTokenColonsInID(t *testing.T) {
	t.Parallel()

	parsed, err := ParseResumeToken(GenerateResumeToken("tenant:42:job", 7, 4))
	require.NoError(t, err)
	assert.Equal(t, "tenant:42:job", parsed.CorrelationID)
	assert.Equal(t, int64(7), parsed.Version)
	assert.Equal(t, 4, parsed.Turn)
}

func TestResumeTokenRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, bad := range []string{
		"",
		"job-1:3:2",
		"ctx:",
		"ctx:job-1",
		"ctx:job-1:x:2",
		"ctx:job-1:3:y",
		"ctx::3:2",
	} {
		_, err := ParseResumeToken(bad)
		assert.ErrorIs(t, err, ErrInvalidToken, "token %q", bad)
	}
}
