package ota

import (
	"errors"
	"fmt"

	"github.com/chaz8081/glasslink/internal/ble/protocol"
)

// Artifact is a firmware image ready for transfer: the raw image followed by
// a one-byte checksum.
type Artifact struct {
	data []byte
}

// NewArtifact copies raw and appends its checksum.
func NewArtifact(raw []byte) (*Artifact, error) {
	if len(raw) == 0 {
		return nil, errors.New("ota: empty firmware image")
	}
	data := make([]byte, len(raw)+1)
	copy(data, raw)
	data[len(raw)] = Checksum(raw)
	return &Artifact{data: data}, nil
}

// Checksum is the running XOR of every byte, the only integrity check the
// bootloader performs.
func Checksum(raw []byte) byte {
	var sum byte
	for _, b := range raw {
		sum ^= b
	}
	return sum
}

// Bytes returns the image including the checksum trailer.
func (a *Artifact) Bytes() []byte { return a.data }

// Len returns the transfer length including the checksum trailer.
func (a *Artifact) Len() int { return len(a.data) }

// Block is the unit of patch-length negotiation.
type Block struct {
	Offset int
	Chunks [][]byte // each sent with one write
}

// Size returns the number of bytes in the block.
func (b Block) Size() int {
	n := 0
	for _, c := range b.Chunks {
		n += len(c)
	}
	return n
}

// Partition splits the artifact into blocks of at most blockSize bytes, each
// split into chunks of at most chunkSize bytes.
func (a *Artifact) Partition(blockSize, chunkSize int) ([]Block, error) {
	if blockSize <= 0 || chunkSize <= 0 {
		return nil, fmt.Errorf("ota: invalid partition sizes block=%d chunk=%d", blockSize, chunkSize)
	}
	raw := protocol.Split(a.data, blockSize)
	blocks := make([]Block, len(raw))
	for i, b := range raw {
		blocks[i] = Block{
			Offset: i * blockSize,
			Chunks: protocol.Split(b, chunkSize),
		}
	}
	return blocks, nil
}
