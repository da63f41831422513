package sets

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSet(t *testing.T) {
	s := Make[string](2)
	require.False(t, s.Has("a"))
	s.Insert("a", "b")
	require.True(t, s.Has("a"))
	require.True(t, s.Has("b"))
	require.False(t, s.Has("c"))

	require.True(t, s.Equal(MakeWith("b", "a")))
	require.False(t, s.Equal(MakeWith("a")))
	require.False(t, s.Equal(MakeWith("a", "c")))

	require.Equal(t, []string{"a", "b"}, Sorted(s))
	require.Empty(t, Sorted(Make[string]()))
}
