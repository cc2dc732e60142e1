package hostapi

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/connectias/sandboxcore/internal/brokers/logging"
)

// filePersister durably stores submitted plugin log entries as one
// append-only JSONL file, mirroring the shape of internal/analytics.Store's
// writer without needing that package's stream/retention machinery, since
// plugin logs are not one of the three audit streams in spec §4.7.
type filePersister struct {
	mu   sync.Mutex
	file *os.File
}

func newFilePersister(dir string) (*filePersister, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("hostapi: create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "plugin-logs.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("hostapi: open plugin log file: %w", err)
	}
	return &filePersister{file: f}, nil
}

func (p *filePersister) Persist(entries []logging.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("hostapi: marshal log entry: %w", err)
		}
		if _, err := p.file.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("hostapi: write log entry: %w", err)
		}
	}
	return nil
}

func (p *filePersister) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.file.Close()
}
