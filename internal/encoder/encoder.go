// Package encoder compresses and decompresses the rectangular pixel
// blocks carried by video frames. Keyframes and delta tiles both pass
// through the same block codec, selected through a small registry so
// alternative codecs can slot in without touching the capture pipeline.
package encoder

import (
	"errors"
	"fmt"
	"image"
	"sync"
)

// Capability describes a registered block codec.
type Capability struct {
	Name           string `json:"name"`
	Codec          string `json:"codec"`
	Hardware       bool   `json:"hardware"`
	DefaultQuality int    `json:"defaultQuality,omitempty"`
	Description    string `json:"description,omitempty"`
}

// Request describes one block encode: the region of the frame to
// compress and the quality to compress it at. Encoder selects a codec
// by name; empty means the default.
type Request struct {
	Rect    image.Rectangle
	Frame   *image.RGBA
	Quality int
	Encoder string
}

type blockCodec interface {
	Name() string
	Capability() Capability
	Encode(req Request) ([]byte, error)
	Decode(data []byte) (image.Image, error)
}

// Manager holds the registered block codecs. Today that is only the
// software JPEG codec, but the registry keeps the door open for
// hardware-assisted ones.
type Manager struct {
	codecs      map[string]blockCodec
	caps        []Capability
	defaultName string
}

var (
	managerOnce sync.Once
	managerInst *Manager

	errNoDefaultCodec = errors.New("encoder: no default codec available")
)

// Instance returns the process-wide codec manager.
func Instance() *Manager {
	managerOnce.Do(func() {
		managerInst = &Manager{}
		managerInst.register(newSoftwareJPEG(), true)
	})
	return managerInst
}

func (m *Manager) register(c blockCodec, preferred bool) {
	if c == nil {
		return
	}
	if m.codecs == nil {
		m.codecs = make(map[string]blockCodec)
	}
	m.codecs[c.Name()] = c
	m.caps = append(m.caps, c.Capability())
	if preferred || m.defaultName == "" {
		m.defaultName = c.Name()
	}
}

// Capabilities lists the registered codecs.
func (m *Manager) Capabilities() []Capability {
	if m == nil {
		return nil
	}
	out := make([]Capability, len(m.caps))
	copy(out, m.caps)
	return out
}

func (m *Manager) lookup(name string) (blockCodec, error) {
	if m == nil || len(m.codecs) == 0 {
		return nil, errNoDefaultCodec
	}
	if name == "" {
		name = m.defaultName
	}
	c, ok := m.codecs[name]
	if !ok {
		return nil, fmt.Errorf("encoder: %s not registered", name)
	}
	return c, nil
}

// Encode compresses the requested region with the selected codec.
func (m *Manager) Encode(req Request) ([]byte, error) {
	c, err := m.lookup(req.Encoder)
	if err != nil {
		return nil, err
	}
	return c.Encode(req)
}

// Decode decompresses a block payload produced by Encode. The name
// selects the codec that produced it; empty means the default.
func (m *Manager) Decode(name string, data []byte) (image.Image, error) {
	c, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	return c.Decode(data)
}
