package main

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/crosskit/sysroot"
)

// manifest is the on-disk YAML document consumed by `sysrootctl fetch`:
//
//	sysroots:
//	  - target: aarch64-linux-gnu
//	    version: "2.36"
//	    url: https://example.com/sysroots/aarch64-2.36.tar.gz
//	    hash: <sha256 hex>
//	    extract_path: sdk/sysroot
type manifest struct {
	Sysroots []sysroot.Spec `yaml:"sysroots"`
}

func loadManifest(path string) ([]sysroot.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if len(m.Sysroots) == 0 {
		return nil, fmt.Errorf("manifest %s declares no sysroots", path)
	}

	seen := make(map[string]bool, len(m.Sysroots))
	for i, spec := range m.Sysroots {
		if spec.Target == "" || spec.Version == "" || spec.URL == "" {
			return nil, fmt.Errorf("manifest %s: sysroot %d needs target, version, and url", path, i)
		}
		if seen[spec.Key()] {
			return nil, fmt.Errorf("manifest %s: duplicate sysroot %s", path, spec.Key())
		}
		seen[spec.Key()] = true
	}
	return m.Sysroots, nil
}
