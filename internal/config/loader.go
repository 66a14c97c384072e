package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// Keys that pull other files into a config document. Included files are
// merged first so the including file wins.
var includeKeys = []string{"$include", "include"}

// LoadRaw reads a configuration file into a merged raw map, resolving
// includes and environment references.
func LoadRaw(path string) (map[string]any, error) {
	raw, _, err := loadRawFiles(path)
	return raw, err
}

func loadRawFiles(path string) (map[string]any, []string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, errors.New("config path is required")
	}
	l := &rawLoader{}
	raw, err := l.load(path)
	if err != nil {
		return nil, nil, err
	}
	return raw, l.files, nil
}

// rawLoader reads one config tree. chain is the include path being
// resolved; files lists every file read, in order.
type rawLoader struct {
	chain []string
	files []string
}

func (l *rawLoader) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if slices.Contains(l.chain, abs) {
		return nil, fmt.Errorf("config include cycle: %s", strings.Join(append(l.chain, abs), " -> "))
	}
	l.chain = append(l.chain, abs)
	defer func() { l.chain = l.chain[:len(l.chain)-1] }()
	if !slices.Contains(l.files, abs) {
		l.files = append(l.files, abs)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	doc, err := decodeDocument([]byte(expandEnv(string(data))), filepath.Ext(abs))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	includes, err := popIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	merged := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		sub, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		deepMerge(merged, sub)
	}
	deepMerge(merged, doc)
	return merged, nil
}

// expandEnv substitutes $VAR and ${VAR} from the environment. ${VAR:-fallback}
// uses fallback when VAR is unset or empty. The $include key is left alone.
func expandEnv(s string) string {
	return os.Expand(s, func(key string) string {
		if key == "include" {
			return "$" + key
		}
		name, fallback, hasFallback := strings.Cut(key, ":-")
		if value := os.Getenv(name); value != "" || !hasFallback {
			return value
		}
		return fallback
	})
}

// decodeDocument parses JSON5 for .json and .json5 files and a single YAML
// document otherwise.
func decodeDocument(data []byte, ext string) (map[string]any, error) {
	doc := map[string]any{}
	switch strings.ToLower(ext) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, errors.New("expected a single yaml document")
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// popIncludes removes the include keys from doc and returns the non-empty
// paths they named.
func popIncludes(doc map[string]any) ([]string, error) {
	var paths []string
	for _, key := range includeKeys {
		value, ok := doc[key]
		if !ok {
			continue
		}
		delete(doc, key)
		switch v := value.(type) {
		case nil:
		case string:
			paths = append(paths, v)
		case []any:
			for _, entry := range v {
				s, ok := entry.(string)
				if !ok {
					return nil, fmt.Errorf("%s entries must be strings", key)
				}
				paths = append(paths, s)
			}
		default:
			return nil, fmt.Errorf("%s must be a string or a list of strings", key)
		}
	}
	return slices.DeleteFunc(paths, func(p string) bool { return strings.TrimSpace(p) == "" }), nil
}

// deepMerge copies src into dst, merging nested maps key by key.
func deepMerge(dst, src map[string]any) {
	for key, value := range src {
		srcMap, srcIsMap := value.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			deepMerge(dstMap, srcMap)
			continue
		}
		dst[key] = value
	}
}

// decodeStrict converts a merged raw map into a Config, rejecting keys the
// struct does not declare.
func decodeStrict(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
