package service

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigSections(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{"fcgi": {"address": "127.0.0.1:9000", "limits": {"max_reqs": 4}}, "flag": true}`))
	require.NoError(t, err)

	fcgi := cfg.Get("fcgi")
	require.NotNil(t, fcgi)

	var out struct {
		Address string `json:"address"`
	}
	require.NoError(t, fcgi.Unmarshal(&out))
	assert.Equal(t, "127.0.0.1:9000", out.Address)

	limits := fcgi.Get("limits")
	require.NotNil(t, limits)

	var l struct {
		MaxReqs int `json:"max_reqs"`
	}
	require.NoError(t, limits.Unmarshal(&l))
	assert.Equal(t, 4, l.MaxReqs)

	assert.Nil(t, cfg.Get("missing"))
	assert.Nil(t, cfg.Get("flag"), "scalar values are not sections")
}

func TestParseConfigInvalid(t *testing.T) {
	_, err := ParseConfig([]byte(`{"fcgi": `))
	assert.Error(t, err)

	_, err = ParseConfig([]byte(`[1, 2]`))
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	dir, err := ioutil.TempDir("", "fcgihost")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "config.json")
	require.NoError(t, ioutil.WriteFile(path, []byte(`{"fcgi": {"network": "unix"}}`), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.NotNil(t, cfg.Get("fcgi"))

	_, err = LoadConfig(filepath.Join(dir, "absent.json"))
	assert.Error(t, err)
}
