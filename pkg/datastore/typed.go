package datastore

import (
	"encoding/binary"
	"math"

	"github.com/goccy/go-json"

	"github.com/coachpo/signalbus/internal/observability"
)

// Fixed-width helpers store scalars little-endian so every key keeps one
// consistent wire shape, which is what makes the exact-size Get contract
// useful.

// SetUint32 stores v under key as 4 little-endian bytes.
func (s *Store) SetUint32(key uint32, v uint32) bool {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return s.SetRaw(key, buf[:])
}

// GetUint32 reads a value previously stored with SetUint32.
func (s *Store) GetUint32(key uint32) (uint32, bool) {
	var buf [4]byte
	if !s.GetInto(key, buf[:]) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(buf[:]), true
}

// SetInt32 stores v under key as 4 little-endian bytes.
func (s *Store) SetInt32(key uint32, v int32) bool {
	return s.SetUint32(key, uint32(v))
}

// GetInt32 reads a value previously stored with SetInt32.
func (s *Store) GetInt32(key uint32) (int32, bool) {
	v, ok := s.GetUint32(key)
	return int32(v), ok
}

// SetFloat32 stores v under key as its 4-byte IEEE 754 representation.
func (s *Store) SetFloat32(key uint32, v float32) bool {
	return s.SetUint32(key, math.Float32bits(v))
}

// GetFloat32 reads a value previously stored with SetFloat32.
func (s *Store) GetFloat32(key uint32) (float32, bool) {
	bits, ok := s.GetUint32(key)
	if !ok {
		return 0, false
	}
	return math.Float32frombits(bits), true
}

// SetFloat64 stores v under key as its 8-byte IEEE 754 representation.
func (s *Store) SetFloat64(key uint32, v float64) bool {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
	return s.SetRaw(key, buf[:])
}

// GetFloat64 reads a value previously stored with SetFloat64.
func (s *Store) GetFloat64(key uint32) (float64, bool) {
	var buf [8]byte
	if !s.GetInto(key, buf[:]) {
		return 0, false
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(buf[:])), true
}

// SetJSON stores v under key as its JSON encoding. Note that the exact-size
// Get contract applies to the encoded bytes, so readers should use GetJSON
// rather than GetRaw.
func (s *Store) SetJSON(key uint32, v any) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		observability.Log().Warn("datastore: json encode failed",
			observability.Field{Key: "key", Value: key},
			observability.Field{Key: "error", Value: err})
		return false
	}
	return s.SetRaw(key, raw)
}

// GetJSON decodes the value stored under key into out. Unlike the raw
// accessors it matches any stored size, since JSON values vary in length.
func (s *Store) GetJSON(key uint32, out any) bool {
	if !s.initialized.Load() || out == nil {
		return false
	}
	if !s.mu.LockTimeout(s.cfg.LockTimeout) {
		observability.Log().Error("datastore: get lock timeout",
			observability.Field{Key: "key", Value: key})
		return false
	}
	value, ok := s.entries[key]
	if ok {
		value = append([]byte(nil), value...)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	if err := json.Unmarshal(value, out); err != nil {
		observability.Log().Warn("datastore: json decode failed",
			observability.Field{Key: "key", Value: key},
			observability.Field{Key: "error", Value: err})
		return false
	}
	return true
}
