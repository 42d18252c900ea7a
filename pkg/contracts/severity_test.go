package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSeverity(t *testing.T) {
	s, err := ParseSeverity(" critical ")
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, s)

	_, err = ParseSeverity("catastrophic")
	assert.Error(t, err)
}

func TestSeverity_Rank(t *testing.T) {
	prev := 0
	for _, s := range Severities() {
		assert.Greater(t, s.Rank(), prev, "severity %s out of order", s)
		prev = s.Rank()
	}
	assert.Equal(t, 0, Severity("bogus").Rank())
}
