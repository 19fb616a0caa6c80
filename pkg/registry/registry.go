package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketDeployments = []byte("deployments")

// Entry is the workstation-side record of one deployment. It is advisory:
// the host's state.json stays the source of truth, the registry only feeds
// the local listing.
type Entry struct {
	DeploymentID  string    `json:"deployment_id"`
	Host          string    `json:"host"`
	ActiveVersion string    `json:"active_version,omitempty"`
	LastBackup    string    `json:"last_backup,omitempty"`
	LastOperation string    `json:"last_operation"`
	LastOpTime    time.Time `json:"last_op_time"`
}

// Registry is a bbolt-backed index of deployments this workstation manages
type Registry struct {
	db *bolt.DB
}

// Open opens (creating if needed) the registry database
func Open(path string) (*Registry, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDeployments)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create registry bucket: %w", err)
	}

	return &Registry{db: db}, nil
}

// Close closes the database
func (r *Registry) Close() error {
	return r.db.Close()
}

// Put upserts a deployment entry
func (r *Registry) Put(entry *Entry) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDeployments).Put([]byte(entry.DeploymentID), data)
	})
}

// Get returns the entry for a deployment id, or nil if unknown
func (r *Registry) Get(deploymentID string) (*Entry, error) {
	var entry *Entry
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDeployments).Get([]byte(deploymentID))
		if data == nil {
			return nil
		}
		entry = &Entry{}
		return json.Unmarshal(data, entry)
	})
	return entry, err
}

// List returns every entry sorted by deployment id
func (r *Registry) List() ([]*Entry, error) {
	var entries []*Entry
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].DeploymentID < entries[j].DeploymentID })
	return entries, nil
}

// Delete removes a deployment entry; unknown ids are a no-op
func (r *Registry) Delete(deploymentID string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeployments).Delete([]byte(deploymentID))
	})
}
