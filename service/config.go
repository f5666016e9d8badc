package service

import (
	"io/ioutil"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

//jsonConfig is a Config backed by a JSON object. Sections are kept raw and decoded on demand.
type jsonConfig struct {
	raw      jsoniter.RawMessage
	sections map[string]jsoniter.RawMessage
}

//ParseConfig parses a JSON object into a Config.
func ParseConfig(data []byte) (Config, error) {
	c := &jsonConfig{raw: data}

	if err := json.Unmarshal(data, &c.sections); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	return c, nil
}

//LoadConfig reads and parses a JSON config file.
func LoadConfig(path string) (Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}

	return cfg, nil
}

//Get returns the named section or nil when it is absent or not an object.
func (c *jsonConfig) Get(name string) Config {
	raw, ok := c.sections[name]
	if !ok {
		return nil
	}

	sub := &jsonConfig{raw: raw}
	if err := json.Unmarshal(raw, &sub.sections); err != nil {
		return nil
	}

	return sub
}

//Unmarshal decodes the whole section into out.
func (c *jsonConfig) Unmarshal(out interface{}) error {
	return errors.Wrap(json.Unmarshal(c.raw, out), "unmarshal config")
}
