// Package message implements endpoint messages: an ordered list of named elements plus a
// message id used to suppress duplicates while flooding.
package message

import (
	"bytes"
	"errors"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

const (
	MimeTextPlain = "text/plain"
	MimeCBOR      = "application/cbor"
)

var ErrElementNotFound = errors.New("element not found")

type Element struct {
	Namespace string `cbor:"1,keyasint,omitempty"`
	Name      string `cbor:"2,keyasint,omitempty"`
	MimeType  string `cbor:"3,keyasint,omitempty"`
	Value     []byte `cbor:"4,keyasint,omitempty"`
}

func NewElement(namespace, name, mimeType string, value []byte) *Element {
	return &Element{
		Namespace: namespace,
		Name:      name,
		MimeType:  mimeType,
		Value:     value,
	}
}

func NewStringElement(namespace, name, value string) *Element {
	return NewElement(namespace, name, MimeTextPlain, []byte(value))
}

func (e *Element) String() string {
	return string(e.Value)
}

func (e *Element) clone() *Element {
	return &Element{
		Namespace: e.Namespace,
		Name:      e.Name,
		MimeType:  e.MimeType,
		Value:     bytes.Clone(e.Value),
	}
}

type Message struct {
	ID       uuid.UUID  `cbor:"1,keyasint"`
	Elements []*Element `cbor:"2,keyasint,omitempty"`
}

func New() *Message {
	return &Message{ID: uuid.New()}
}

// Clone returns a deep copy which keeps the message id.
func (m *Message) Clone() *Message {
	c := &Message{
		ID:       m.ID,
		Elements: make([]*Element, 0, len(m.Elements)),
	}
	for _, e := range m.Elements {
		c.Elements = append(c.Elements, e.clone())
	}
	return c
}

func (m *Message) Add(e *Element) {
	m.Elements = append(m.Elements, e)
}

// Get returns the first element with the given namespace and name.
func (m *Message) Get(namespace, name string) (*Element, error) {
	for _, e := range m.Elements {
		if e.Namespace == namespace && e.Name == name {
			return e, nil
		}
	}
	return nil, ErrElementNotFound
}

func (m *Message) GetString(namespace, name string) (string, error) {
	e, err := m.Get(namespace, name)
	if err != nil {
		return "", err
	}
	return e.String(), nil
}

// Remove deletes every element with the given namespace and name and reports whether one
// was present.
func (m *Message) Remove(namespace, name string) bool {
	kept := m.Elements[:0]
	removed := false
	for _, e := range m.Elements {
		if e.Namespace == namespace && e.Name == name {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(m.Elements); i++ {
		m.Elements[i] = nil
	}
	m.Elements = kept
	return removed
}

// Replace removes any element with the same namespace and name, then adds e.
func (m *Message) Replace(e *Element) {
	m.Remove(e.Namespace, e.Name)
	m.Add(e)
}

func (m *Message) Marshal() ([]byte, error) {
	return cbor.Marshal(m)
}

func Unmarshal(data []byte) (*Message, error) {
	m := &Message{}
	if err := cbor.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}
