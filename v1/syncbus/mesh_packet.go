package syncbus

import (
	"encoding/binary"
	"errors"
	"sync"
)

const (
	meshMagic         byte = 0x4c
	meshTypeRelease   byte = 0x01
	meshTypeHeartbeat byte = 0x02

	meshHeaderLen  = 20
	meshMaxPacket  = 1400
	meshMaxKeySize = 1024
)

var (
	errInvalidMagic = errors.New("syncbus: invalid mesh magic byte")
	errShortBuffer  = errors.New("syncbus: mesh buffer too short")
	errKeyTooLong   = errors.New("syncbus: key too long for a mesh packet")
)

var bufferPool = sync.Pool{
	New: func() any { return make([]byte, meshMaxPacket) },
}

// packet layout: magic, type, 16 byte node id, uint16 key count, then each
// key as a uint16 length followed by its bytes.
type packet struct {
	Type   byte
	NodeID [16]byte
	Keys   []string
}

// packetSize is the encoded size of a packet carrying keys.
func packetSize(keys []string) int {
	n := meshHeaderLen
	for _, k := range keys {
		n += 2 + len(k)
	}
	return n
}

func (p *packet) marshal(b []byte) (int, error) {
	if len(b) < packetSize(p.Keys) {
		return 0, errShortBuffer
	}
	b[0] = meshMagic
	b[1] = p.Type
	copy(b[2:18], p.NodeID[:])
	binary.BigEndian.PutUint16(b[18:20], uint16(len(p.Keys)))
	curr := meshHeaderLen
	for _, k := range p.Keys {
		binary.BigEndian.PutUint16(b[curr:curr+2], uint16(len(k)))
		copy(b[curr+2:], k)
		curr += 2 + len(k)
	}
	return curr, nil
}

func (p *packet) unmarshal(b []byte) error {
	if len(b) < meshHeaderLen {
		return errShortBuffer
	}
	if b[0] != meshMagic {
		return errInvalidMagic
	}
	p.Type = b[1]
	copy(p.NodeID[:], b[2:18])
	count := int(binary.BigEndian.Uint16(b[18:20]))
	p.Keys = make([]string, 0, count)
	curr := meshHeaderLen
	for i := 0; i < count; i++ {
		if len(b) < curr+2 {
			return errShortBuffer
		}
		kLen := int(binary.BigEndian.Uint16(b[curr : curr+2]))
		if len(b) < curr+2+kLen {
			return errShortBuffer
		}
		p.Keys = append(p.Keys, string(b[curr+2:curr+2+kLen]))
		curr += 2 + kLen
	}
	return nil
}
