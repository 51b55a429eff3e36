// Package notifbus implements the narrow notification bus adapter (C9,
// spec.md §4.4, §6): a strongly-typed property/function registry used to
// communicate Requester state, priority, path, and update proposals to
// consumers, plus the names of the process-wide Initialization property
// and the four globally registered functions.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package notifbus

import (
	"sync"

	"github.com/pkg/errors"
)

// Validator rejects a proposed write before it is committed.
type Validator func(value interface{}) error

type property struct {
	mu          sync.RWMutex
	value       interface{}
	validate    Validator
	subscribers map[int]func(interface{})
	nextSubID   int
}

// Func is the handler behind a registered bus function, e.g. `_Path` or
// `RegisterArtifact` (spec.md §6).
type Func func(args ...interface{}) (interface{}, error)

// Bus is process-wide shared state: each property has a single writer
// (the Requester that registered it) and many readers (spec.md §5).
type Bus struct {
	mu    sync.RWMutex
	props map[string]*property
	funcs map[string]Func
}

func New() *Bus {
	return &Bus{
		props: make(map[string]*property),
		funcs: make(map[string]Func),
	}
}

// RegisterProperty publishes a typed, read/write slot. optionalValidator
// may be nil.
func (b *Bus) RegisterProperty(name string, initial interface{}, optionalValidator Validator) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.props[name]; exists {
		return errors.Errorf("notifbus: property %q already registered", name)
	}
	b.props[name] = &property{value: initial, validate: optionalValidator, subscribers: make(map[int]func(interface{}))}
	return nil
}

func (b *Bus) DeregisterProperty(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.props, name)
}

func (b *Bus) ReadProperty(name string) (interface{}, bool) {
	b.mu.RLock()
	p, ok := b.props[name]
	b.mu.RUnlock()
	if !ok {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.value, true
}

// WriteProperty validates (if a validator is registered), commits, then
// notifies subscribers after the write — never before (spec.md §5,
// "Ordering").
func (b *Bus) WriteProperty(name string, value interface{}) bool {
	b.mu.RLock()
	p, ok := b.props[name]
	b.mu.RUnlock()
	if !ok {
		return false
	}

	p.mu.Lock()
	if p.validate != nil {
		if err := p.validate(value); err != nil {
			p.mu.Unlock()
			return false
		}
	}
	p.value = value
	subs := make([]func(interface{}), 0, len(p.subscribers))
	for _, fn := range p.subscribers {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	for _, fn := range subs {
		fn(value)
	}
	return true
}

// SubscribePropertyChange returns an unsubscribe closure; calling it more
// than once is safe, as calls after the first are no-ops.
func (b *Bus) SubscribePropertyChange(name string, observer func(interface{})) (unsubscribe func(), ok bool) {
	b.mu.RLock()
	p, exists := b.props[name]
	b.mu.RUnlock()
	if !exists {
		return func() {}, false
	}

	p.mu.Lock()
	id := p.nextSubID
	p.nextSubID++
	p.subscribers[id] = observer
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subscribers, id)
		p.mu.Unlock()
	}, true
}

func (b *Bus) RegisterFunction(name string, fn Func) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.funcs[name]; exists {
		return errors.Errorf("notifbus: function %q already registered", name)
	}
	b.funcs[name] = fn
	return nil
}

func (b *Bus) DeregisterFunction(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.funcs, name)
}

func (b *Bus) Invoke(name string, args ...interface{}) (interface{}, error) {
	b.mu.RLock()
	fn, ok := b.funcs[name]
	b.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("notifbus: no function registered as %q", name)
	}
	return fn(args...)
}

// Property name suffixes per Requester (spec.md §6).
const (
	SuffixState    = "_State"
	SuffixPriority = "_Priority"
	SuffixPath     = "_Path"
	SuffixUpdate   = "_Update"
)

// Process-wide names (spec.md §6).
const (
	PropInitialization = "Initialization"
	FuncRegisterArtifact = "RegisterArtifact"
	FuncRemoveArtifact   = "RemoveArtifact"
	FuncAcceptUpdate     = "AcceptUpdate"
	FuncRejectUpdate     = "RejectUpdate"
)
