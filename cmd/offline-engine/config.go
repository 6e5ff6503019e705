package main

import (
	"os"
	"time"

	offline "github.com/hireflux/offline-engine"

	"gopkg.in/yaml.v3"
)

// fileConfig is the optional yaml configuration. Flags override the
// corresponding fields.
type fileConfig struct {
	Port             int                `yaml:"port"`
	Origin           string             `yaml:"origin"`
	Version          string             `yaml:"version"`
	Provider         string             `yaml:"provider"`
	DBFile           string             `yaml:"dbFile"`
	QueueFile        string             `yaml:"queueFile"`
	FallbackPath     string             `yaml:"fallbackPath"`
	ManifestFile     string             `yaml:"manifestFile"`
	PushEndpoint     string             `yaml:"pushEndpoint"`
	IdentityPatterns []string           `yaml:"identityPatterns"`
	Buckets          []fileConfigBucket `yaml:"buckets"`
}

type fileConfigBucket struct {
	Name          string `yaml:"name"`
	Strategy      string `yaml:"strategy"`
	MaxEntries    int    `yaml:"maxEntries"`
	MaxAgeSeconds int    `yaml:"maxAgeSeconds"`
}

func getConfig(filename string) (fileConfig, error) {
	var config fileConfig
	bytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	if err := yaml.Unmarshal(bytes, &config); err != nil {
		return config, err
	}
	return config, nil
}

func (c fileConfig) buckets() []offline.Bucket {
	if len(c.Buckets) == 0 {
		return nil
	}
	buckets := make([]offline.Bucket, 0, len(c.Buckets))
	for _, b := range c.Buckets {
		buckets = append(buckets, offline.Bucket{
			Name:       b.Name,
			Strategy:   offline.Strategy(b.Strategy),
			MaxEntries: b.MaxEntries,
			MaxAge:     time.Duration(b.MaxAgeSeconds) * time.Second,
		})
	}
	return buckets
}
