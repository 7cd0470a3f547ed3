package core

import (
	"bytes"
	"errors"
	"io"

	"gopkg.in/yaml.v3"
)

// DecodeConfigSection decodes a config section into a struct.
// It is safe to call with a nil or empty section.
func DecodeConfigSection(section map[string]any, out any) error {
	return decodeSection(section, out, false)
}

// DecodeConfigSectionStrict is DecodeConfigSection but rejects keys that do
// not map to a field of out.
func DecodeConfigSectionStrict(section map[string]any, out any) error {
	return decodeSection(section, out, true)
}

func decodeSection(section map[string]any, out any, strict bool) error {
	if len(section) == 0 {
		return nil
	}
	data, err := yaml.Marshal(section)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(strict)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
