package store

import "errors"

// ErrNotFound is returned when a requested record does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Device operations
	SaveDevice(dev *Device) error
	GetDevice(ieee string) (*Device, error)
	DeleteDevice(ieee string) error
	ListDevices() ([]*Device, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(ieee string, fn func(dev *Device) error) error

	// Network state
	SaveNetworkState(state *NetworkState) error
	GetNetworkState() (*NetworkState, error)

	// Entity registry
	SaveEntity(entry *EntityEntry) error
	GetEntity(uniqueID string) (*EntityEntry, error)
	ListEntities() ([]*EntityEntry, error)
	// DeleteEntitiesForDevice removes a device's registry entries and their
	// restore states, returning the removed entries.
	DeleteEntitiesForDevice(ieee string) ([]*EntityEntry, error)

	// Restore states
	SaveRestoreState(rs *RestoreState) error
	GetRestoreState(entityID string) (*RestoreState, error)

	// Close the store
	Close() error
}
