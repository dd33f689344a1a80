package queue

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Payload is the typed body of a job. Kind names the job type and selects
// the worker handler.
type Payload interface {
	Kind() string
}

// Validator is implemented by payloads that check themselves at enqueue time.
type Validator interface {
	Validate() error
}

// Types maps job kinds to payload constructors. It is built once at startup.
type Types struct {
	mu    sync.RWMutex
	kinds map[string]func() Payload
}

func NewTypes() *Types {
	return &Types{kinds: make(map[string]func() Payload)}
}

// Register adds the kind reported by newPayload().
func (t *Types) Register(newPayload func() Payload) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.kinds[newPayload().Kind()] = newPayload
}

func (t *Types) Known(kind string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.kinds[kind]
	return ok
}

// Decode builds the payload registered for kind from raw JSON and validates it.
func (t *Types) Decode(kind string, raw json.RawMessage) (Payload, error) {
	t.mu.RLock()
	newPayload, ok := t.kinds[kind]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, kind)
	}
	p := newPayload()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidPayload, kind, err)
		}
	}
	if err := validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (t *Types) encode(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrUnknownJobType)
	}
	if !t.Known(p.Kind()) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, p.Kind())
	}
	if err := validate(p); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

func validate(p Payload) error {
	if v, ok := p.(Validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, p.Kind(), err)
		}
	}
	return nil
}
