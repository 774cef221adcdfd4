package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices  = []byte("devices")
	bucketNetwork  = []byte("network")
	bucketEntities = []byte("entities")
	bucketRestore  = []byte("restore_state")
	keyNetState    = []byte("state")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketNetwork, bucketEntities, bucketRestore} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func bucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("bucket %q not found", name)
	}
	return b, nil
}

func putJSON(tx *bolt.Tx, name, key []byte, v any) error {
	b, err := bucket(tx, name)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// getJSON decodes the value under key; what names the record in ErrNotFound errors.
func getJSON(tx *bolt.Tx, name, key []byte, what string, v any) error {
	b, err := bucket(tx, name)
	if err != nil {
		return err
	}
	data := b.Get(key)
	if data == nil {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return json.Unmarshal(data, v)
}

func listJSON[T any](db *bolt.DB, name []byte) ([]*T, error) {
	var out []*T
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(name)
		if b == nil {
			return nil
		}
		out = make([]*T, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			item := new(T)
			if err := json.Unmarshal(v, item); err != nil {
				return fmt.Errorf("decode %s/%s: %w", name, k, err)
			}
			out = append(out, item)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketDevices, []byte(dev.IEEEAddress), dev)
	})
}

func (s *BoltStore) GetDevice(ieee string) (*Device, error) {
	var dev Device
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketDevices, []byte(ieee), "device "+ieee, &dev)
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (s *BoltStore) UpdateDevice(ieee string, fn func(dev *Device) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var dev Device
		if err := getJSON(tx, bucketDevices, []byte(ieee), "device "+ieee, &dev); err != nil {
			return err
		}
		if err := fn(&dev); err != nil {
			return err
		}
		return putJSON(tx, bucketDevices, []byte(ieee), &dev)
	})
}

func (s *BoltStore) DeleteDevice(ieee string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketDevices)
		if err != nil {
			return err
		}
		return b.Delete([]byte(ieee))
	})
}

func (s *BoltStore) ListDevices() ([]*Device, error) {
	return listJSON[Device](s.db, bucketDevices)
}

func (s *BoltStore) SaveNetworkState(state *NetworkState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketNetwork, keyNetState, state)
	})
}

func (s *BoltStore) GetNetworkState() (*NetworkState, error) {
	var state NetworkState
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketNetwork, keyNetState, "network state", &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) SaveEntity(entry *EntityEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketEntities, []byte(entry.UniqueID), entry)
	})
}

func (s *BoltStore) GetEntity(uniqueID string) (*EntityEntry, error) {
	var entry EntityEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketEntities, []byte(uniqueID), "entity "+uniqueID, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) ListEntities() ([]*EntityEntry, error) {
	return listJSON[EntityEntry](s.db, bucketEntities)
}

func (s *BoltStore) DeleteEntitiesForDevice(ieee string) ([]*EntityEntry, error) {
	var removed []*EntityEntry
	err := s.db.Update(func(tx *bolt.Tx) error {
		entities, err := bucket(tx, bucketEntities)
		if err != nil {
			return err
		}
		restore, err := bucket(tx, bucketRestore)
		if err != nil {
			return err
		}
		// Collect first: deleting while iterating a cursor skips keys.
		err = entities.ForEach(func(k, v []byte) error {
			var e EntityEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode entity %s: %w", k, err)
			}
			if e.DeviceIEEE == ieee {
				removed = append(removed, &e)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, e := range removed {
			if err := entities.Delete([]byte(e.UniqueID)); err != nil {
				return err
			}
			if err := restore.Delete([]byte(e.EntityID)); err != nil {
				return err
			}
		}
		return nil
	})
	return removed, err
}

func (s *BoltStore) SaveRestoreState(rs *RestoreState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketRestore, []byte(rs.EntityID), rs)
	})
}

func (s *BoltStore) GetRestoreState(entityID string) (*RestoreState, error) {
	var rs RestoreState
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketRestore, []byte(entityID), "restore state "+entityID, &rs)
	})
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
