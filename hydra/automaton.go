// Package hydra runs tablet cell state as a replicated automaton: parts
// register their mutation methods and snapshot sections, and a Manager
// delivers mutations in the same order on the leader and every follower.
package hydra

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/bootjp/tabletnode/kv"
)

const checksumSize = 4

// Part is one component of the automaton state.
type Part interface {
	Name() string
	Clear()
	SaveSnapshot(w io.Writer) error
	LoadSnapshot(r io.Reader) error
	OnAfterSnapshotLoaded()
	OnStartLeading()
	OnStopLeading()
}

// PartBase provides no-op hooks for parts that do not need them.
type PartBase struct{}

func (PartBase) Clear()                       {}
func (PartBase) SaveSnapshot(io.Writer) error { return nil }
func (PartBase) LoadSnapshot(io.Reader) error { return nil }
func (PartBase) OnAfterSnapshotLoaded()       {}
func (PartBase) OnStartLeading()              {}
func (PartBase) OnStopLeading()               {}

// MutationContext is what a mutation method sees while it is applied.
type MutationContext struct {
	Type string
	Data []byte
	// Sequence is the position of the mutation in the log.
	Sequence uint64
}

type MutationHandler func(mc *MutationContext) error

type Automaton struct {
	mu sync.Mutex

	parts   []Part
	methods map[string]MutationHandler
	log     *slog.Logger

	loadingSnapshot bool
	leading         bool
}

type AutomatonOption func(*Automaton)

func WithAutomatonLogger(l *slog.Logger) AutomatonOption {
	return func(a *Automaton) {
		a.log = l
	}
}

func NewAutomaton(opts ...AutomatonOption) *Automaton {
	a := &Automaton{
		methods: make(map[string]MutationHandler),
		log: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Lock takes the automaton lock. Every mutation, lifecycle hook and write
// intake step runs under it.
func (a *Automaton) Lock() {
	a.mu.Lock()
}

func (a *Automaton) Unlock() {
	a.mu.Unlock()
}

func (a *Automaton) Logger() *slog.Logger {
	return a.log
}

func (a *Automaton) RegisterPart(p Part) {
	a.parts = append(a.parts, p)
}

func (a *Automaton) RegisterMethod(mutationType string, handler MutationHandler) {
	if _, ok := a.methods[mutationType]; ok {
		panic(errors.AssertionFailedf("mutation method %q registered twice", mutationType))
	}
	a.methods[mutationType] = handler
}

// ApplyMutation runs the mutation through handler, or through the registered
// method when the mutation did not originate here. The caller holds the lock.
func (a *Automaton) ApplyMutation(mc *MutationContext, handler MutationHandler) error {
	if handler == nil {
		method, ok := a.methods[mc.Type]
		if !ok {
			return errors.Wrapf(kv.ErrUnknownMutationType, "mutation type %q", mc.Type)
		}
		handler = method
	}
	return handler(mc)
}

func (a *Automaton) IsLoadingSnapshot() bool {
	return a.loadingSnapshot
}

func (a *Automaton) IsLeading() bool {
	return a.leading
}

func (a *Automaton) Clear() {
	for _, p := range a.parts {
		p.Clear()
	}
}

func (a *Automaton) StartLeading() {
	a.leading = true
	for _, p := range a.parts {
		p.OnStartLeading()
	}
}

func (a *Automaton) StopLeading() {
	a.leading = false
	for _, p := range a.parts {
		p.OnStopLeading()
	}
}

type snapshotSection struct {
	Name string
	Data []byte
}

// SaveSnapshot writes every part's section followed by a crc32 of the whole.
func (a *Automaton) SaveSnapshot(w io.Writer) error {
	sections := make([]snapshotSection, 0, len(a.parts))
	for _, p := range a.parts {
		buf := &bytes.Buffer{}
		if err := p.SaveSnapshot(buf); err != nil {
			return errors.Wrapf(err, "save snapshot of %s", p.Name())
		}
		sections = append(sections, snapshotSection{Name: p.Name(), Data: buf.Bytes()})
	}

	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(sections); err != nil {
		return errors.WithStack(err)
	}
	if err := binary.Write(buf, binary.LittleEndian, crc32.ChecksumIEEE(buf.Bytes())); err != nil {
		return errors.WithStack(err)
	}
	_, err := w.Write(buf.Bytes())
	return errors.WithStack(err)
}

// LoadSnapshot replaces the state with the snapshot and then lets every part
// rebuild what it derives from the loaded state.
func (a *Automaton) LoadSnapshot(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.WithStack(err)
	}
	if len(data) < checksumSize {
		return errors.WithStack(ErrInvalidSnapshot)
	}
	payload := data[:len(data)-checksumSize]
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(data[len(data)-checksumSize:]) {
		return errors.WithStack(ErrInvalidSnapshot)
	}

	var sections []snapshotSection
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&sections); err != nil {
		return errors.WithStack(err)
	}

	a.loadingSnapshot = true
	defer func() { a.loadingSnapshot = false }()

	a.Clear()
	byName := make(map[string][]byte, len(sections))
	for _, s := range sections {
		byName[s.Name] = s.Data
	}
	for _, p := range a.parts {
		data, ok := byName[p.Name()]
		if !ok {
			continue
		}
		if err := p.LoadSnapshot(bytes.NewReader(data)); err != nil {
			return errors.Wrapf(err, "load snapshot of %s", p.Name())
		}
	}
	for _, p := range a.parts {
		p.OnAfterSnapshotLoaded()
	}
	a.log.Info("automaton snapshot loaded", slog.Int("sections", len(sections)))
	return nil
}

var ErrInvalidSnapshot = errors.New("invalid automaton snapshot")
