package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/golobby/cast"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override. Nested
// sections join their env tags with underscores, so the queue size of
// the bus becomes MARKETD_BUS_MAX_QUEUE_SIZE. Venue entries are keyed
// by venue name: MARKETD_VENUE_SPOT_WS_BASE_URL.
const EnvPrefix = "MARKETD"

var durationType = reflect.TypeOf(time.Duration(0))

// Load reads the file at path, chosen by extension (.yaml, .yml or
// .toml), overlays MARKETD_* environment variables and validates the
// result. Keys absent from both sources keep their defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	doc, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	if err := feedStruct(reflect.ValueOf(&cfg).Elem(), doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	doc := map[string]any{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, ext)
	}
	return doc, nil
}

// feedStruct copies document values into dst, matching keys to yaml
// tags. Keys without a matching field are ignored; fields without a
// matching key keep their current value.
func feedStruct(dst reflect.Value, doc map[string]any) error {
	dt := dst.Type()
	for i := 0; i < dst.NumField(); i++ {
		key := yamlKey(dt.Field(i))
		if key == "" {
			continue
		}
		raw, ok := doc[key]
		if !ok || raw == nil {
			continue
		}
		if err := feedValue(dst.Field(i), raw); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func feedValue(dst reflect.Value, raw any) error {
	switch dst.Kind() {
	case reflect.Struct:
		doc, err := asMap(raw)
		if err != nil {
			return err
		}
		return feedStruct(dst, doc)
	case reflect.Slice:
		// TOML hands over typed slices ([]map[string]any for arrays
		// of tables), YAML hands over []any. Walk either shape.
		items := reflect.ValueOf(raw)
		if items.Kind() != reflect.Slice {
			return fmt.Errorf("expected a list, got %T", raw)
		}
		out := reflect.MakeSlice(dst.Type(), items.Len(), items.Len())
		for i := 0; i < items.Len(); i++ {
			if err := feedValue(out.Index(i), items.Index(i).Interface()); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		dst.Set(out)
		return nil
	default:
		return setScalar(dst, raw)
	}
}

func yamlKey(sf reflect.StructField) string {
	tag := sf.Tag.Get("yaml")
	if tag == "" || tag == "-" {
		return ""
	}
	name, _, _ := strings.Cut(tag, ",")
	return name
}

func asMap(raw any) (map[string]any, error) {
	switch m := raw.(type) {
	case map[string]any:
		return m, nil
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[fmt.Sprintf("%v", k)] = v
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a mapping, got %T", raw)
}

// setScalar converts a decoded document value into the field's type.
// Durations are Go duration strings; a bare integer is taken as
// nanoseconds.
func setScalar(dst reflect.Value, raw any) error {
	if dst.Type() == durationType {
		switch v := raw.(type) {
		case int:
			dst.SetInt(int64(v))
			return nil
		case int64:
			dst.SetInt(v)
			return nil
		}
	}
	if s, ok := raw.(string); ok {
		return setFromString(dst, s)
	}
	return setFromString(dst, fmt.Sprintf("%v", raw))
}

// setFromString converts with golobby/cast, which covers the scalar
// types used across the configuration, time.Duration included.
func setFromString(dst reflect.Value, s string) error {
	if dst.Type() == reflect.TypeOf([]string(nil)) {
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		dst.Set(reflect.ValueOf(out))
		return nil
	}

	converted, err := cast.FromType(s, dst.Type())
	if err != nil {
		return fmt.Errorf("cannot convert %q to %s: %w", s, dst.Type(), err)
	}
	if !dst.CanSet() {
		return fmt.Errorf("field of type %s cannot be set", dst.Type())
	}
	dst.Set(reflect.ValueOf(converted))
	return nil
}

// applyEnv overlays MARKETD_* variables onto cfg. Venue sections are
// addressed by upper-cased venue name, so the environment can retune
// a configured venue but never add one.
func applyEnv(cfg *Config) error {
	rv := reflect.ValueOf(cfg).Elem()
	rt := rv.Type()
	for i := 0; i < rv.NumField(); i++ {
		tag := rt.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		prefix := EnvPrefix + "_" + strings.ToUpper(tag)

		if rt.Field(i).Name == "Venues" {
			venues := rv.Field(i)
			for j := 0; j < venues.Len(); j++ {
				name := venues.Index(j).FieldByName("Venue").String()
				instance := prefix + "_" + strings.ToUpper(name)
				if err := feedEnv(venues.Index(j), instance); err != nil {
					return fmt.Errorf("venue %s: %w", name, err)
				}
			}
			continue
		}

		if err := feedEnv(rv.Field(i), prefix); err != nil {
			return fmt.Errorf("%s: %w", rt.Field(i).Name, err)
		}
	}
	return nil
}

func feedEnv(dst reflect.Value, prefix string) error {
	if dst.Kind() == reflect.Struct {
		dt := dst.Type()
		for i := 0; i < dst.NumField(); i++ {
			tag := dt.Field(i).Tag.Get("env")
			if tag == "" || tag == "-" {
				continue
			}
			name := prefix + "_" + strings.ToUpper(tag)
			if err := feedEnv(dst.Field(i), name); err != nil {
				return fmt.Errorf("%s: %w", dt.Field(i).Name, err)
			}
		}
		return nil
	}

	if value := os.Getenv(prefix); value != "" {
		return setFromString(dst, value)
	}
	return nil
}
