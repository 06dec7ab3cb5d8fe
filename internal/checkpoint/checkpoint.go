package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/nodeagent/internal/sink"
)

var ErrInvalidPosition = errors.New("invalid stored position")

// Store persists a single read offset for one node. Calls are not retried.
type Store interface {
	// Get returns the stored offset, and false if none has been recorded
	Get(ctx context.Context) (int64, bool, error)

	// Set records the offset
	Set(ctx context.Context, offset int64) error
}

// RedisStore keeps the offset as a decimal string under the node's position key
type RedisStore struct {
	client sink.Client
	key    string
}

// NewRedisStore creates a store on the sink's key/value surface
func NewRedisStore(client sink.Client, nodeID string) *RedisStore {
	return &RedisStore{
		client: client,
		key:    sink.PositionKey(nodeID),
	}
}

// Key returns the key the offset is stored under
func (s *RedisStore) Key() string {
	return s.key
}

// Get reads the stored offset
func (s *RedisStore) Get(ctx context.Context) (int64, bool, error) {
	val, ok, err := s.client.Get(ctx, s.key)
	if err != nil || !ok {
		return 0, false, err
	}

	offset, err := parseOffset(val)
	if err != nil {
		return 0, false, err
	}
	return offset, true, nil
}

// Set writes the offset
func (s *RedisStore) Set(ctx context.Context, offset int64) error {
	return s.client.Set(ctx, s.key, strconv.FormatInt(offset, 10))
}

// FilePosition is the on-disk form of a FileStore checkpoint
type FilePosition struct {
	NodeID    string    `json:"node_id"`
	Offset    int64     `json:"offset"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileStore keeps the offset in a JSON file on the local node
type FileStore struct {
	mu     sync.Mutex
	nodeID string
	path   string
}

// NewFileStore creates a store writing to <dir>/<nodeID>.position.json
func NewFileStore(dir, nodeID string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	return &FileStore{
		nodeID: nodeID,
		path:   filepath.Join(dir, nodeID+".position.json"),
	}, nil
}

// Path returns the checkpoint file path
func (s *FileStore) Path() string {
	return s.path
}

// Get loads the offset from disk
func (s *FileStore) Get(ctx context.Context) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil // No checkpoint file yet
		}
		return 0, false, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var pos FilePosition
	if err := json.Unmarshal(data, &pos); err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrInvalidPosition, err)
	}
	if pos.Offset < 0 {
		return 0, false, fmt.Errorf("%w: negative offset %d", ErrInvalidPosition, pos.Offset)
	}
	return pos.Offset, true, nil
}

// Set saves the offset to disk
func (s *FileStore) Set(ctx context.Context, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(FilePosition{
		NodeID:    s.nodeID,
		Offset:    offset,
		UpdatedAt: time.Now(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint data: %w", err)
	}

	// Write to temporary file first, then rename for atomicity
	tmpFile := s.path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}

	if err := os.Rename(tmpFile, s.path); err != nil {
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}

	return nil
}

func parseOffset(val string) (int64, error) {
	offset, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPosition, val)
	}
	if offset < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrInvalidPosition, offset)
	}
	return offset, nil
}
