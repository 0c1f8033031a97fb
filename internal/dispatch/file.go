package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const messageExt = ".msg"

// FileChannel delivers messages as files in a per-session inbox directory
// (<dir>/<sessionRef>/). A session exists while its inbox directory exists.
type FileChannel struct {
	dir string
	seq atomic.Uint64
}

// NewFileChannel creates a file channel rooted at dir.
func NewFileChannel(dir string) (*FileChannel, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create inbox root: %w", err)
	}
	return &FileChannel{dir: dir}, nil
}

// Dir returns the inbox root.
func (c *FileChannel) Dir() string {
	return c.dir
}

// Open creates a session's inbox directory.
func (c *FileChannel) Open(sessionRef string) error {
	return os.MkdirAll(c.inbox(sessionRef), 0755)
}

// Close removes a session's inbox and any unread messages.
func (c *FileChannel) Close(sessionRef string) error {
	return os.RemoveAll(c.inbox(sessionRef))
}

// Resume implements SessionChannel.
func (c *FileChannel) Resume(ctx context.Context, sessionRef string) (SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sessionRef == "" || strings.ContainsAny(sessionRef, `/\`) {
		return nil, ErrNoSession
	}
	info, err := os.Stat(c.inbox(sessionRef))
	if err != nil || !info.IsDir() {
		return nil, ErrNoSession
	}
	return &fileHandle{channel: c, dir: c.inbox(sessionRef)}, nil
}

func (c *FileChannel) inbox(sessionRef string) string {
	return filepath.Join(c.dir, sessionRef)
}

type fileHandle struct {
	channel *FileChannel
	dir     string
}

// SendMessage writes the message to a temp file and renames it into the
// inbox so readers never see a partial message.
func (h *fileHandle) SendMessage(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name := fmt.Sprintf("%020d-%06d%s", time.Now().UnixNano(), h.channel.seq.Add(1), messageExt)
	tmp := filepath.Join(h.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, []byte(text), 0644); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(h.dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// InboxWatcher is the agent side of the file channel: it watches one
// session inbox and emits each message once, removing the file after reading.
type InboxWatcher struct {
	dir      string
	messages chan Message

	mu   sync.Mutex
	seen map[string]bool

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// WatchInbox starts watching a session inbox. If fsnotify is unavailable
// the watcher falls back to polling every pollInterval.
func WatchInbox(dir string, buffer int, pollInterval time.Duration) (*InboxWatcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	if buffer <= 0 {
		buffer = DefaultMailboxSize
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	w := &InboxWatcher{
		dir:      dir,
		messages: make(chan Message, buffer),
		seen:     make(map[string]bool),
		done:     make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
		} else {
			w.watcher = watcher
		}
	}

	go w.run(pollInterval)
	return w, nil
}

// Messages returns the stream of received messages.
func (w *InboxWatcher) Messages() <-chan Message {
	return w.messages
}

// Close stops the watcher.
func (w *InboxWatcher) Close() {
	w.once.Do(func() {
		close(w.done)
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}

func (w *InboxWatcher) run(pollInterval time.Duration) {
	defer close(w.messages)

	// Pick up anything written before the watch started.
	w.scan()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if w.watcher != nil {
		events = w.watcher.Events
		errs = w.watcher.Errors
	}

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) != 0 {
				w.scan()
			}
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
			// Ignore errors, keep watching; the poll covers missed events.
		case <-ticker.C:
			w.scan()
		}
	}
}

func (w *InboxWatcher) scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, messageExt) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		w.mu.Lock()
		dup := w.seen[name]
		w.seen[name] = true
		w.mu.Unlock()
		if dup {
			continue
		}

		path := filepath.Join(w.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		info, _ := os.Stat(path)
		at := time.Now().UTC()
		if info != nil {
			at = info.ModTime().UTC()
		}
		os.Remove(path)

		select {
		case w.messages <- Message{Text: string(data), At: at}:
		case <-w.done:
			return
		}
	}
}
