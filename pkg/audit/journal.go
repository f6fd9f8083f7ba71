package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ChainedEvent is an event as written to the journal. Each entry carries the
// hash of its predecessor so that edits or deletions break the chain.
type ChainedEvent struct {
	*Event
	PreviousHash string `json:"previous_hash,omitempty"`
	EventHash    string `json:"event_hash"`
}

// Journal appends events to a JSONL file with a hash chain and fsyncs after
// every write.
type Journal struct {
	path       string
	file       *os.File
	writer     *bufio.Writer
	lastHash   string
	eventCount int64
	mu         sync.Mutex
}

// OpenJournal opens or creates the journal at path and resumes its chain.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	lastHash, count, err := scanChain(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit journal: %w", err)
	}

	return &Journal{
		path:       path,
		file:       file,
		writer:     bufio.NewWriter(file),
		lastHash:   lastHash,
		eventCount: count,
	}, nil
}

// Log appends event to the journal.
func (j *Journal) Log(event *Event) error {
	if event == nil {
		return fmt.Errorf("audit event is nil")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return fmt.Errorf("audit journal is closed")
	}

	stamp(event)
	chained := &ChainedEvent{Event: event, PreviousHash: j.lastHash}
	hash, err := chained.hash()
	if err != nil {
		return err
	}
	chained.EventHash = hash

	line, err := json.Marshal(chained)
	if err != nil {
		return fmt.Errorf("failed to marshal event with hash: %w", err)
	}
	if _, err := j.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush event: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit journal: %w", err)
	}

	j.lastHash = hash
	j.eventCount++
	return nil
}

// GetEventCount returns the number of events in the journal.
func (j *Journal) GetEventCount() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.eventCount
}

// Path returns the journal file.
func (j *Journal) Path() string {
	return j.path
}

// Close flushes and closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	flushErr := j.writer.Flush()
	closeErr := j.file.Close()
	j.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

func (c *ChainedEvent) hash() (string, error) {
	unhashed := *c
	unhashed.EventHash = ""
	data, err := json.Marshal(unhashed)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyJournal checks the hash chain of the journal at path and returns the
// number of intact events.
func VerifyJournal(path string) (int64, error) {
	_, count, err := scanChain(path)
	return count, err
}

func scanChain(path string) (lastHash string, count int64, retErr error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to open audit journal: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && retErr == nil {
			retErr = fmt.Errorf("failed to close audit journal: %w", closeErr)
		}
	}()

	return verifyChain(file)
}

func verifyChain(r io.Reader) (string, int64, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var previousHash string
	var lineNum int64
	for scanner.Scan() {
		lineNum++
		var event ChainedEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return "", 0, fmt.Errorf("line %d: failed to parse event: %w", lineNum, err)
		}
		if event.PreviousHash != previousHash {
			return "", 0, fmt.Errorf("line %d: hash chain broken", lineNum)
		}
		calculated, err := event.hash()
		if err != nil {
			return "", 0, err
		}
		if calculated != event.EventHash {
			return "", 0, fmt.Errorf("line %d: event hash mismatch", lineNum)
		}
		previousHash = event.EventHash
	}
	if err := scanner.Err(); err != nil {
		return "", 0, err
	}

	return previousHash, lineNum, nil
}
