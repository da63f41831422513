package poly

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

const linearDomainText = `[batch, out_channel] -> {
	stmt_init[n, o]: 0 <= n < batch and 0 <= o < out_channel;
	stmt_calc[n, o, i]: 0 <= n < batch and 0 <= o < out_channel and 0 <= i < 4 }`

func TestParseDomain(t *testing.T) {
	d := must.M1(ParseDomain(linearDomainText))
	require.Equal(t, []string{"batch", "out_channel"}, d.Params)
	require.Equal(t, []string{"stmt_init", "stmt_calc"}, d.Tags())
	require.Equal(t, []string{"n", "o"}, d.Part("stmt_init").Space.Vars)
	require.Len(t, d.Part("stmt_calc").Constraints, 6)
	require.Nil(t, d.Part("nope"))
	require.Equal(t, []string{"batch", "out_channel"}, d.FreeParams())
}

func TestParseDomainErrors(t *testing.T) {
	for _, text := range []string{
		"",
		"{ s[i] }",
		"[] -> { s[i]; s[j] }",
		"[] -> { s[i]: 0 <= i < 4",
		"[n -> { s[i] }",
	} {
		_, err := ParseDomain(text)
		require.Error(t, err, "parsing %q", text)
	}
}

func TestDomainString(t *testing.T) {
	d := must.M1(ParseDomain(linearDomainText))
	back := must.M1(ParseDomain(d.String()))
	require.True(t, d.Equal(back), "round trip of %q", d.String())
}

func TestDomainClone(t *testing.T) {
	d := must.M1(ParseDomain(linearDomainText))
	c := d.Clone()
	require.True(t, d.Equal(c))

	c.Parts[0].Space.Tag = "renamed"
	require.False(t, d.Equal(c))
	require.Equal(t, "stmt_init", d.Parts[0].Space.Tag)
}

func TestEachInstance(t *testing.T) {
	t.Run("triangular", func(t *testing.T) {
		d := must.M1(ParseDomain("[] -> { s[i, j]: 0 <= i < 2 and i <= j < 3 }"))
		var got [][2]int
		require.NoError(t, d.EachInstance("s", func(point map[string]int) error {
			got = append(got, [2]int{point["i"], point["j"]})
			return nil
		}))
		require.Equal(t, [][2]int{{0, 0}, {0, 1}, {0, 2}, {1, 1}, {1, 2}}, got)
	})

	t.Run("strided", func(t *testing.T) {
		d := must.M1(ParseDomain("[] -> { s[i]: 0 <= 2*i < 7 }"))
		var got []int
		require.NoError(t, d.EachInstance("s", func(point map[string]int) error {
			got = append(got, point["i"])
			return nil
		}))
		require.Equal(t, []int{0, 1, 2, 3}, got)
	})

	t.Run("empty", func(t *testing.T) {
		d := must.M1(ParseDomain("[] -> { s[i]: 0 <= i < 0 }"))
		count := 0
		require.NoError(t, d.EachInstance("s", func(map[string]int) error {
			count++
			return nil
		}))
		require.Equal(t, 0, count)
	})

	t.Run("unbound parameter", func(t *testing.T) {
		d := must.M1(ParseDomain("[batch] -> { s[i]: 0 <= i < batch }"))
		err := d.EachInstance("s", func(map[string]int) error { return nil })
		require.Error(t, err)
	})

	t.Run("unknown tag", func(t *testing.T) {
		d := must.M1(ParseDomain("[] -> { s[i]: 0 <= i < 2 }"))
		err := d.EachInstance("nope", func(map[string]int) error { return nil })
		require.Error(t, err)
	})
}
