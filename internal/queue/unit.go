package queue

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Durability controls whether a unit survives a process restart
type Durability string

const (
	Persistent Durability = "persistent"
	Ephemeral  Durability = "ephemeral"
)

// Unit is one pending piece of outbound work owned by an Engine
type Unit[P any] struct {
	ID            string     `json:"id"`
	Key           string     `json:"key,omitempty"`
	Payload       P          `json:"payload"`
	Durability    Durability `json:"durability"`
	AttemptCount  int        `json:"attempt_count"`
	LastAttemptAt time.Time  `json:"last_attempt_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

// due reports whether the unit's last attempt is at least interval old
func (u *Unit[P]) due(now time.Time, interval time.Duration) bool {
	return now.Sub(u.LastAttemptAt) >= interval
}

// UnitInfo is the payload-free view of a stored unit
type UnitInfo struct {
	Queue         string     `json:"queue" yaml:"queue"`
	ID            string     `json:"id" yaml:"id"`
	Key           string     `json:"key,omitempty" yaml:"key,omitempty"`
	Durability    Durability `json:"durability" yaml:"durability"`
	AttemptCount  int        `json:"attempt_count" yaml:"attempt_count"`
	LastAttemptAt time.Time  `json:"last_attempt_at" yaml:"last_attempt_at"`
	CreatedAt     time.Time  `json:"created_at" yaml:"created_at"`
}

// Inspect lists the units held in store without decoding their payloads
func Inspect(name string, store Store) ([]UnitInfo, error) {
	var infos []UnitInfo
	err := store.ForEach(func(id string, data []byte) error {
		var info UnitInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return fmt.Errorf("failed to decode unit %s: %w", id, err)
		}
		info.Queue = name
		infos = append(infos, info)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return infos, nil
}

var (
	idMu      sync.Mutex
	idEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// newUnitID returns a time-ordered ULID, so sorting ids sorts by creation
func newUnitID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String()
}
