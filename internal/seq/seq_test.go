package seq

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChainRunsEveryStep(t *testing.T) {
	var ran [3]bool
	c := New()
	c.Run("a", func() error { ran[0] = true; return nil })
	c.Run("b", func() error { ran[1] = true; return errors.New("b failed") })
	c.Run("c", func() error { ran[2] = true; return nil })

	require.True(t, ran[0])
	require.True(t, ran[1])
	require.True(t, ran[2], "later steps must still run after a failure")
	require.EqualError(t, c.Err(), "b failed")
}

func TestChainAggregatesMultipleErrors(t *testing.T) {
	c := New()
	c.Run("a", func() error { return errors.New("a failed") })
	c.Run("b", func() error { return errors.New("b failed") })
	err := c.Err()
	require.Error(t, err)
	require.Contains(t, err.Error(), "a failed")
	require.Contains(t, err.Error(), "b failed")
	require.Equal(t, "a failed", c.First().Error())
}

func TestChainNoErrors(t *testing.T) {
	c := New()
	c.Run("a", func() error { return nil })
	require.NoError(t, c.Err())
	require.Nil(t, c.First())
}
