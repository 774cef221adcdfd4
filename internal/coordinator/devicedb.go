package coordinator

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"zigbee-lock-hub/internal/zcl"
)

// ManufacturerGroup groups device models under one manufacturer name.
type ManufacturerGroup struct {
	Name   string             `yaml:"name"`
	Models []DeviceDefinition `yaml:"models"`
}

// DeviceDefinition describes how to configure a specific device model.
type DeviceDefinition struct {
	Manufacturer string           `yaml:"manufacturer" json:"manufacturer"`
	Model        string           `yaml:"model" json:"model"`
	FriendlyName string           `yaml:"friendly_name,omitempty" json:"friendly_name,omitempty"`
	Bind         []uint16         `yaml:"bind" json:"bind"`
	Reporting    []ReportingEntry `yaml:"reporting,omitempty" json:"reporting,omitempty"`
}

// ReportingEntry specifies attribute reporting configuration for a cluster.
type ReportingEntry struct {
	Cluster   uint16 `yaml:"cluster" json:"cluster"`
	Attribute uint16 `yaml:"attribute" json:"attribute"`
	Type      uint8  `yaml:"type" json:"type"`
	Min       uint16 `yaml:"min" json:"min"`
	Max       uint16 `yaml:"max" json:"max"`
	Change    int    `yaml:"change" json:"change"`
}

// DeviceDB holds device definitions keyed by manufacturer+model.
type DeviceDB struct {
	defs map[string]*DeviceDefinition
}

func deviceKey(manufacturer, model string) string {
	return manufacturer + "\x00" + model
}

// NewDeviceDB creates an empty device database.
func NewDeviceDB() *DeviceDB {
	return &DeviceDB{defs: make(map[string]*DeviceDefinition)}
}

// Add inserts a device definition into the database.
func (db *DeviceDB) Add(def DeviceDefinition) {
	cp := def
	db.defs[deviceKey(def.Manufacturer, def.Model)] = &cp
}

// Lookup finds a device definition by manufacturer and model.
func (db *DeviceDB) Lookup(manufacturer, model string) *DeviceDefinition {
	return db.defs[deviceKey(manufacturer, model)]
}

// Len returns the number of device definitions.
func (db *DeviceDB) Len() int {
	return len(db.defs)
}

// deviceFile is the YAML structure for files in the devices directory.
type deviceFile struct {
	Clusters      []zcl.ClusterDef    `yaml:"clusters,omitempty"`
	Devices       []DeviceDefinition  `yaml:"devices,omitempty"`
	Manufacturers []ManufacturerGroup `yaml:"manufacturers,omitempty"`
}

// LoadDeviceDir reads all *.yaml and *.yml files from a directory, registering
// extra clusters into the ZCL registry and loading device definitions.
// A missing or empty directory yields an empty DeviceDB, not an error.
func LoadDeviceDir(dir string, registry *zcl.Registry, logger *slog.Logger) (*DeviceDB, error) {
	db := NewDeviceDB()

	var matches []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return db, fmt.Errorf("glob devices dir: %w", err)
		}
		matches = append(matches, m...)
	}
	if len(matches) == 0 {
		logger.Info("no device definition files found", "dir", dir)
		return db, nil
	}
	sort.Strings(matches)

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return db, fmt.Errorf("read %s: %w", path, err)
		}

		var df deviceFile
		if err := yaml.Unmarshal(data, &df); err != nil {
			return db, fmt.Errorf("parse %s: %w", path, err)
		}

		for _, c := range df.Clusters {
			registry.Register(c)
		}
		deviceCount := len(df.Devices)
		for _, d := range df.Devices {
			db.Add(d)
		}
		for _, mg := range df.Manufacturers {
			for _, d := range mg.Models {
				d.Manufacturer = mg.Name
				db.Add(d)
			}
			deviceCount += len(mg.Models)
		}

		logger.Info("loaded device file", "path", filepath.Base(path),
			"clusters", len(df.Clusters), "devices", deviceCount)
	}

	logger.Info("device database loaded", "files", len(matches), "devices", db.Len())
	return db, nil
}
