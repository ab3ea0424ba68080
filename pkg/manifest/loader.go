package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/gofleet/pkg/fleeterr"
)

// LoadDeployment parses and validates a deployment manifest.
func LoadDeployment(data []byte) (*Deployment, error) {
	return load[Deployment](DocDeployment, data, "")
}

// LoadCloudConfig parses and validates a cloud config. Empty input yields
// an empty config.
func LoadCloudConfig(data []byte) (*CloudConfig, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return &CloudConfig{}, nil
	}
	return load[CloudConfig](DocCloudConfig, data, "")
}

// LoadRuntimeConfig parses and validates a runtime config. Empty input
// yields an empty config.
func LoadRuntimeConfig(data []byte) (*RuntimeConfig, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return &RuntimeConfig{}, nil
	}
	return load[RuntimeConfig](DocRuntimeConfig, data, "")
}

// LoadRelease parses and validates a release descriptor.
func LoadRelease(data []byte) (*Release, error) {
	return load[Release](DocRelease, data, "")
}

// LoadFile reads a deployment manifest from disk. The extension selects
// the format (.json or .yaml/.yml); anything else is tried as YAML first.
func LoadFile(path string) (*Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("manifest file not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading manifest: %s", path)
		}
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	return load[Deployment](DocDeployment, data, path)
}

// load converts data to JSON, validates it against the schema for doc,
// then decodes it and checks struct tags. Every failure is reported as a
// BadManifest error.
func load[T any](doc Document, data []byte, path string) (*T, error) {
	if len(data) == 0 {
		return nil, badManifest(doc, errors.New("document is empty"))
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, badManifest(doc, err)
	}
	if err := ValidateRaw(doc, jsonData); err != nil {
		return nil, badManifest(doc, err)
	}

	var out T
	if err := json.Unmarshal(jsonData, &out); err != nil {
		return nil, badManifest(doc, fmt.Errorf("invalid %s: %w", doc, err))
	}
	if err := ValidateStruct(&out); err != nil {
		return nil, badManifest(doc, err)
	}
	return &out, nil
}

func badManifest(doc Document, err error) error {
	return fleeterr.Wrap(fleeterr.CodeBadManifest, fleeterr.KindValidation, err, "Invalid %s: %v", doc, err)
}

// toJSON converts the input data to JSON format for schema validation.
func toJSON(data []byte, path string) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".json":
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in manifest: %w", err)
		}
		return data, nil

	case ".yaml", ".yml":
		return yamlToJSON(data)

	default:
		// YAML is a superset of JSON
		jsonData, err := yamlToJSON(data)
		if err == nil {
			return jsonData, nil
		}
		var raw any
		if jsonErr := json.Unmarshal(data, &raw); jsonErr == nil {
			return data, nil
		}
		return nil, fmt.Errorf("failed to parse manifest (tried YAML and JSON): %w", err)
	}
}

// yamlToJSON converts YAML data to JSON.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
	}
	if raw == nil {
		return nil, errors.New("document is empty")
	}

	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert manifest to JSON: %w", err)
	}
	return jsonData, nil
}
