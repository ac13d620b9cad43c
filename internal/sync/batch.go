package sync

import (
	"bytes"
	"encoding/binary"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"Astor/internal/consensus"
	"Astor/internal/types"
)

// EncodeBatch serializes consecutive blocks as one BlockBatch buffer.
func EncodeBatch(blocks []*consensus.Block) []byte {
	builder := flatbuffers.NewBuilder(1024 * (len(blocks) + 1))

	offsets := make([]flatbuffers.UOffsetT, len(blocks))
	for i, b := range blocks {
		offsets[i] = consensus.BuildBlock(builder, b)
	}

	types.BlockBatchStartBlocksVector(builder, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}
	vec := builder.EndVector(len(offsets))

	types.BlockBatchStart(builder)
	types.BlockBatchAddBlocks(builder, vec)
	builder.Finish(types.BlockBatchEnd(builder))

	return builder.FinishedBytes()
}

// DecodeBatch parses a buffer produced by EncodeBatch.
func DecodeBatch(data []byte) (blocks []*consensus.Block, err error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("batch too short: %d bytes", len(data))
	}

	defer func() {
		if r := recover(); r != nil {
			blocks, err = nil, fmt.Errorf("malformed batch: %v", r)
		}
	}()

	batch := types.GetRootAsBlockBatch(data, 0)
	blocks = make([]*consensus.Block, 0, batch.BlocksLength())

	var fb types.Block
	for i := 0; i < batch.BlocksLength(); i++ {
		if !batch.Blocks(&fb, i) {
			return nil, fmt.Errorf("read block %d", i)
		}

		b, err := consensus.ParseBlock(&fb)
		if err != nil {
			return nil, fmt.Errorf("parse block %d:\n%w", i, err)
		}
		blocks = append(blocks, b)
	}

	return blocks, nil
}

// Compress compresses data using zstd.
func Compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

// Decompress decompresses zstd data, refusing output beyond limit bytes.
func Decompress(data []byte, limit uint64) ([]byte, error) {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(limit))
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, nil)
}

// checksum binds a batch to the height it was served at.
func checksum(height uint64, data []byte) [32]byte {
	hasher := blake3.New()

	var h [8]byte
	binary.BigEndian.PutUint64(h[:], height)
	hasher.Write(h[:])
	hasher.Write(data)

	var sum [32]byte
	hasher.Sum(sum[:0])

	return sum
}

// verifyChecksum compares want against the checksum of data.
func verifyChecksum(height uint64, data, want []byte) error {
	got := checksum(height, data)
	if !bytes.Equal(got[:], want) {
		return fmt.Errorf("checksum mismatch")
	}
	return nil
}
