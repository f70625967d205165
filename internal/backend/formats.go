package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/strata/internal/sanitize"
)

const (
	FormatJSON     = "json"
	FormatYAML     = "yaml"
	FormatMsgpack  = "msgpack"
	FormatZstdJSON = "json.zst"
	FormatBytes    = "bytes"
	FormatTable    = "table"
)

// JSON is indented JSON.
type JSON struct{}

func (JSON) Name() string { return FormatJSON }
func (JSON) Ext() string  { return ".json" }

func (JSON) Write(value any, path string) (int64, error) {
	b, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encode json: %w", err)
	}
	return writeFile(path, append(b, '\n'))
}

func (JSON) Read(path string) (any, error) {
	b, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, err
	}
	return decodeJSON(b)
}

func decodeJSON(b []byte) (any, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return v, nil
}

// YAML is YAML via gopkg.in/yaml.v3.
type YAML struct{}

func (YAML) Name() string { return FormatYAML }
func (YAML) Ext() string  { return ".yaml" }

func (YAML) Write(value any, path string) (int64, error) {
	b, err := yaml.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("encode yaml: %w", err)
	}
	return writeFile(path, b)
}

func (YAML) Read(path string) (any, error) {
	b, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, err
	}
	var v any
	if err := yaml.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return v, nil
}

// Msgpack is the MessagePack binary encoding.
type Msgpack struct{}

func (Msgpack) Name() string { return FormatMsgpack }
func (Msgpack) Ext() string  { return ".msgpack" }

func (Msgpack) Write(value any, path string) (int64, error) {
	b, err := msgpack.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("encode msgpack: %w", err)
	}
	return writeFile(path, b)
}

func (Msgpack) Read(path string) (any, error) {
	b, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, err
	}
	var v any
	if err := msgpack.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decode msgpack: %w", err)
	}
	return v, nil
}

// ZstdJSON is compact JSON compressed with zstd.
type ZstdJSON struct{}

func (ZstdJSON) Name() string { return FormatZstdJSON }
func (ZstdJSON) Ext() string  { return ".json.zst" }

func (ZstdJSON) Write(value any, path string) (int64, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("encode json: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return 0, fmt.Errorf("zstd writer: %w", err)
	}
	defer enc.Close()
	return writeFile(path, enc.EncodeAll(raw, nil))
}

func (ZstdJSON) Read(path string) (any, error) {
	b, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return decodeJSON(raw)
}

// Bytes stores []byte or string values verbatim.
type Bytes struct{}

func (Bytes) Name() string { return FormatBytes }
func (Bytes) Ext() string  { return ".bin" }

func (Bytes) Write(value any, path string) (int64, error) {
	switch v := value.(type) {
	case []byte:
		return writeFile(path, v)
	case string:
		return writeFile(path, []byte(v))
	default:
		return 0, fmt.Errorf("bytes format cannot store %T", value)
	}
}

func (Bytes) Read(path string) (any, error) {
	return os.ReadFile(path) // #nosec G304
}

// TableJSON is a JSON envelope that round-trips *sanitize.Table and
// *sanitize.Frame, keeping the row index and wrapper type.
type TableJSON struct{}

type tableEnvelope struct {
	Format string          `json:"format"`
	Frame  *sanitize.Frame `json:"frame,omitempty"`
	Table  *sanitize.Table `json:"table,omitempty"`
}

const tableEnvelopeFormat = "strata.table/v1"

func (TableJSON) Name() string { return FormatTable }
func (TableJSON) Ext() string  { return ".table.json" }

func (TableJSON) Write(value any, path string) (int64, error) {
	env := tableEnvelope{Format: tableEnvelopeFormat}
	switch v := value.(type) {
	case *sanitize.Table:
		env.Table = v
	case *sanitize.Frame:
		env.Frame = v
	default:
		return 0, fmt.Errorf("table format cannot store %T", value)
	}
	b, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encode table: %w", err)
	}
	return writeFile(path, append(b, '\n'))
}

func (TableJSON) Read(path string) (any, error) {
	b, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var env tableEnvelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("decode table: %w", err)
	}
	if env.Format != tableEnvelopeFormat {
		return nil, fmt.Errorf("decode table: unexpected envelope %q", env.Format)
	}
	if env.Frame != nil {
		return env.Frame, nil
	}
	if env.Table == nil {
		return &sanitize.Table{}, nil
	}
	return env.Table, nil
}
