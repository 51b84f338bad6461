package flit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/flitnet/flit/events"
	"github.com/flitnet/flit/group"
	"github.com/flitnet/flit/limits"
	"github.com/flitnet/flit/resume"
	"github.com/flitnet/flit/transfer"
	"github.com/flitnet/flit/transport"
)

// Version is the library version.
const Version = "0.1.0"

// Options configures an engine. The zero value is usable: in-memory
// resume state, default session tuning, a 256-event queue.
type Options struct {
	// Session tunes every transfer the engine runs. Zero value means
	// transfer.DefaultConfig.
	Session transfer.Config
	// ResumePath, when set, persists resume state to a SQLite database at
	// this path so interrupted transfers survive restarts. Empty keeps
	// resume state in memory.
	ResumePath string
	// EventBuffer is the event queue depth. Zero means 256.
	EventBuffer int
}

// Engine is the façade over the transfer machinery: it owns the resume
// store and event queue shared by the transfers it runs.
type Engine struct {
	opts  Options
	queue *events.Queue
	mgr   *resume.Manager
}

// New creates an engine.
func New(opts *Options) (*Engine, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.Session.TickInterval == 0 {
		o.Session = transfer.DefaultConfig()
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}

	var store resume.Store
	if o.ResumePath != "" {
		s, err := resume.OpenSQLite(o.ResumePath)
		if err != nil {
			return nil, fmt.Errorf("open resume store: %w", err)
		}
		store = s
	} else {
		store = resume.NewMemStore()
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"version":  Version,
		"durable":  o.ResumePath != "",
	}).Info("Engine created")

	return &Engine{
		opts:  o,
		queue: events.NewQueue(o.EventBuffer),
		mgr:   resume.NewManager(store),
	}, nil
}

// Events returns the engine's event stream.
func (e *Engine) Events() <-chan events.Event { return e.queue.C() }

// Resume returns the engine's resume manager, for listing and restoring
// interrupted sessions.
func (e *Engine) Resume() *resume.Manager { return e.mgr }

// Close releases the resume store and the event queue.
func (e *Engine) Close() error {
	e.queue.Close()
	return e.mgr.Store().Close()
}

// SendFile streams the file at path to the peer on ch and blocks until
// the transfer reaches its final state.
func (e *Engine) SendFile(ctx context.Context, ch transport.Channel, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat source file: %w", err)
	}

	s, err := transfer.NewSendSession(ch, f, info.Size(), filepath.Base(path), e.opts.Session, e.queue, e.mgr)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}

// Receive accepts one incoming transfer on ch and returns the file bytes
// and the sender's declared file name.
func (e *Engine) Receive(ctx context.Context, ch transport.Channel) ([]byte, string, error) {
	s := transfer.NewReceiveSession(ch, e.opts.Session, e.queue, e.mgr)
	if err := s.Run(ctx); err != nil {
		return nil, "", err
	}
	data, err := s.Bytes()
	if err != nil {
		return nil, "", err
	}
	return data, s.FileName(), nil
}

// ReceiveToDir accepts one incoming transfer and writes it into dir
// under the sender's declared name, sanitized to its base component.
// Returns the written path.
func (e *Engine) ReceiveToDir(ctx context.Context, ch transport.Channel, dir string) (string, error) {
	data, name, err := e.Receive(ctx, ch)
	if err != nil {
		return "", err
	}
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) || len(name) > limits.MaxFileNameLength {
		name = "received.bin"
	}
	dst := filepath.Join(dir, name)
	if err := os.WriteFile(dst, data, 0o600); err != nil {
		return "", fmt.Errorf("write received file: %w", err)
	}
	return dst, nil
}

// SendGroup fans the file at path out to every recipient at once and
// returns the in-flight group transfer; Wait on it for the tally.
func (e *Engine) SendGroup(ctx context.Context, path string, recipients []group.Recipient) (*group.GroupTransfer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat source file: %w", err)
	}

	o := group.NewOrchestrator(group.Config{Session: e.opts.Session}, e.queue, e.mgr)
	gt, err := o.Start(ctx, f, info.Size(), filepath.Base(path), recipients)
	if err != nil {
		f.Close()
		return nil, err
	}
	go func() {
		gt.Wait()
		f.Close()
	}()
	return gt, nil
}
