package flagext

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func TestConfigFiles(t *testing.T) {
	var files ConfigFiles

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.Var(&files, "config.file", "")
	require.NoError(t, fs.Parse([]string{"-config.file=a.yaml", "-config.file=b.yaml, c.yaml,"}))

	require.Equal(t, ConfigFiles{"a.yaml", "b.yaml", "c.yaml"}, files)
	require.Equal(t, "a.yaml,b.yaml,c.yaml", files.String())
	require.True(t, files.IsCumulative())
}

func TestIntSliceCSV(t *testing.T) {
	t.Run("flag", func(t *testing.T) {
		var v IntSliceCSV
		require.NoError(t, v.Set("1, 2,3"))
		require.Equal(t, IntSliceCSV{1, 2, 3}, v)
		require.Equal(t, "1,2,3", v.String())

		require.NoError(t, v.Set(""))
		require.Empty(t, v)

		require.Error(t, v.Set("1,x"))
	})

	t.Run("yaml", func(t *testing.T) {
		type cfg struct {
			IDs IntSliceCSV `yaml:"ids"`
		}

		var seq cfg
		require.NoError(t, yaml.Unmarshal([]byte("ids: [4, 5]"), &seq))
		require.Equal(t, IntSliceCSV{4, 5}, seq.IDs)

		var csv cfg
		require.NoError(t, yaml.Unmarshal([]byte(`ids: "6,7"`), &csv))
		require.Equal(t, IntSliceCSV{6, 7}, csv.IDs)

		out, err := yaml.Marshal(seq)
		require.NoError(t, err)
		require.Equal(t, "ids:\n- 4\n- 5\n", string(out))
	})
}
