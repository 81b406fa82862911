package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket         = []byte("app")
	activeKey         = []byte("active_connection")
	connectionsBucket = []byte("connections")
	pinsBucket        = []byte("feature_pins")
)

// Connection is the persisted form of a bearer connection. Tokens are
// never stored here; they live in the SSO cache.
type Connection struct {
	ID       string   `json:"id"`
	StartURL string   `json:"start_url"`
	Region   string   `json:"region"`
	Scopes   []string `json:"scopes,omitempty"`
	Label    string   `json:"label,omitempty"`
}

// State wraps a bbolt database holding known connections, the active
// connection, and feature pins.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, connectionsBucket, pinsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// ActiveConnection returns the id of the active connection, or empty
// string.
func (s *State) ActiveConnection() string {
	var id string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(activeKey); v != nil {
			id = string(v)
		}

		return nil
	})

	return id
}

// SetActiveConnection persists the active connection id. An empty id
// clears it.
func (s *State) SetActiveConnection(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if id == "" {
			return b.Delete(activeKey)
		}

		return b.Put(activeKey, []byte(id))
	})
}

// SaveConnection inserts or replaces a bearer connection.
func (s *State) SaveConnection(c Connection) error {
	if c.ID == "" {
		return fmt.Errorf("connection id is required for persistence")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}

		return tx.Bucket(connectionsBucket).Put([]byte(c.ID), data)
	})
}

// GetConnection returns a connection by id, or nil if not found.
func (s *State) GetConnection(id string) (*Connection, error) {
	var c *Connection

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(connectionsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		c = &Connection{}

		return json.Unmarshal(v, c)
	})

	return c, err
}

// DeleteConnection forgets a connection together with every pin that
// references it, and clears the active id if it pointed at it. All
// three happen in one transaction.
func (s *State) DeleteConnection(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(connectionsBucket).Delete([]byte(id)); err != nil {
			return err
		}

		app := tx.Bucket(appBucket)
		if string(app.Get(activeKey)) == id {
			if err := app.Delete(activeKey); err != nil {
				return err
			}
		}

		pins := tx.Bucket(pinsBucket)

		var stale [][]byte

		err := pins.ForEach(func(k, v []byte) error {
			if string(v) == id {
				stale = append(stale, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := pins.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
}

// AllConnections returns every stored connection in id order.
func (s *State) AllConnections() ([]Connection, error) {
	var conns []Connection

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(connectionsBucket).ForEach(func(_, v []byte) error {
			var c Connection
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}

			conns = append(conns, c)

			return nil
		})
	})

	return conns, err
}

// SetPin pins a feature to a connection id.
func (s *State) SetPin(featureID, connectionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pinsBucket).Put([]byte(featureID), []byte(connectionID))
	})
}

// DeletePin removes a feature pin. Removing a missing pin is a no-op.
func (s *State) DeletePin(featureID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pinsBucket).Delete([]byte(featureID))
	})
}

// AllPins returns feature id to connection id.
func (s *State) AllPins() (map[string]string, error) {
	pins := make(map[string]string)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pinsBucket).ForEach(func(k, v []byte) error {
			pins[string(k)] = string(v)
			return nil
		})
	})

	return pins, err
}
