package logscan

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
)

// DefaultCollectInterval is how often registered logs are polled
const DefaultCollectInterval = 500 * time.Millisecond

type source struct {
	name    string
	path    string
	offset  int64
	partial []byte
}

// Collector builds the append-only combined log of a cluster. It tails every
// registered container log and appends each new line as "name | line".
type Collector struct {
	path     string
	interval time.Duration

	mu      sync.Mutex
	sources []*source
	out     *os.File

	stop    chan struct{}
	done    chan struct{}
	stopped bool
}

// NewCollector creates a collector writing to path
func NewCollector(path string, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = DefaultCollectInterval
	}
	return &Collector{
		path:     path,
		interval: interval,
	}
}

// Path returns the combined log path
func (c *Collector) Path() string {
	return c.path
}

// Add registers a log file to tail under name. Files may be added before or
// after Start and need not exist yet.
func (c *Collector) Add(name, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.sources {
		if s.path == path {
			return
		}
	}
	c.sources = append(c.sources, &source{name: name, path: path})
}

// Start opens the combined log and begins tailing
func (c *Collector) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.out != nil {
		return nil
	}
	if c.stopped {
		return fmt.Errorf("collector for %s already stopped", c.path)
	}

	out, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open combined log: %w", err)
	}
	c.out = out
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	go c.run()
	return nil
}

func (c *Collector) run() {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Flush()
		}
	}
}

// Flush copies every line written since the last poll into the combined log
func (c *Collector) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.out == nil {
		return
	}
	for _, s := range c.sources {
		if err := c.drain(s); err != nil {
			logger := log.WithComponent("logscan")
			logger.Debug().
				Err(err).
				Str("source", s.path).
				Msg("Failed to read container log")
		}
	}
}

func (c *Collector) drain(s *source) error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() < s.offset {
		// Truncated or replaced; start over
		s.offset = 0
		s.partial = nil
	}
	if info.Size() == s.offset {
		return nil
	}

	if _, err := f.Seek(s.offset, io.SeekStart); err != nil {
		return err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	s.offset += int64(len(data))

	data = append(s.partial, data...)
	var buf bytes.Buffer
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		buf.WriteString(s.name)
		buf.WriteString(CombinedSeparator)
		buf.Write(data[:i+1])
		data = data[i+1:]
	}
	s.partial = append([]byte(nil), data...)

	if buf.Len() == 0 {
		return nil
	}
	_, err = c.out.Write(buf.Bytes())
	return err
}

// Stop performs a final flush, writes out unterminated lines and closes the
// combined log. Safe to call more than once or before Start.
func (c *Collector) Stop() error {
	c.mu.Lock()
	if c.stopped || c.out == nil {
		c.stopped = true
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stop)
	c.mu.Unlock()

	<-c.done
	c.Flush()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.sources {
		if len(s.partial) > 0 {
			_, _ = fmt.Fprintf(c.out, "%s%s%s\n", s.name, CombinedSeparator, s.partial)
			s.partial = nil
		}
	}
	err := c.out.Close()
	c.out = nil
	return err
}
