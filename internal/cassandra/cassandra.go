// Package cassandra reads the node settings cassnap needs from cassandra.yaml.
package cassandra

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultClusterName is used when cassandra.yaml does not name the cluster.
const DefaultClusterName = "cassandra_cluster"

// Settings is the subset of cassandra.yaml cassnap uses.
type Settings struct {
	ClusterName         string   `yaml:"cluster_name"`
	DataFileDirectories []string `yaml:"data_file_directories"`
}

// Load reads path, which may hold several YAML documents; the first
// non-empty value of each setting wins. A missing cluster_name yields
// DefaultClusterName.
func Load(path string) (*Settings, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cassandra config: %w", err)
	}
	defer f.Close()

	out := &Settings{}
	dec := yaml.NewDecoder(f)
	for {
		var doc Settings
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse cassandra config %s: %w", path, err)
		}
		if out.ClusterName == "" {
			out.ClusterName = doc.ClusterName
		}
		if len(out.DataFileDirectories) == 0 {
			out.DataFileDirectories = doc.DataFileDirectories
		}
	}
	if out.ClusterName == "" {
		out.ClusterName = DefaultClusterName
	}
	return out, nil
}

// ClusterName returns override when set, else the name from the config file
// at path.
func ClusterName(override, path string) (string, error) {
	if override != "" {
		return override, nil
	}
	s, err := Load(path)
	if err != nil {
		return "", err
	}
	return s.ClusterName, nil
}
