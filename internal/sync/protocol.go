package sync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	flatbuffers "github.com/google/flatbuffers/go"

	"Astor/internal/consensus"
	"Astor/internal/logger"
	"Astor/internal/types"
)

const (
	// maxBlocksPerRequest caps how many blocks one response carries.
	maxBlocksPerRequest = 100

	// maxUncompressedSize bounds a decompressed batch.
	maxUncompressedSize = 64 << 20
)

var (
	// ErrBadRequest is returned for requests that name no valid range.
	ErrBadRequest = errors.New("invalid sync request")

	// ErrBadResponse is returned when a response fails validation.
	ErrBadResponse = errors.New("invalid sync response")
)

// requestID is a global counter for sync requests.
var requestID atomic.Uint64

// Requester sends a request to one validator and waits for the response.
type Requester interface {
	Request(ctx context.Context, peerID string, data []byte) ([]byte, error)
}

// BlockSource serves committed blocks.
type BlockSource interface {
	Height() uint64
	Range(from uint64, max int) ([]*consensus.Block, error)
}

// Response is a validated sync response.
type Response struct {
	Height uint64             // sender's committed height when it answered
	Blocks []*consensus.Block // consecutive blocks starting at the requested sequence
}

// RequestBlocks asks peerID for committed blocks starting at from.
func RequestBlocks(ctx context.Context, r Requester, peerID string, from uint64, max int) (*Response, error) {
	if from == 0 || max <= 0 {
		return nil, ErrBadRequest
	}
	if max > maxBlocksPerRequest {
		max = maxBlocksPerRequest
	}

	reqID := requestID.Add(1)
	to := from + uint64(max) - 1

	logger.Debug("requesting blocks", "request_id", reqID, "peer", peerID, "from", from, "to", to)

	respData, err := r.Request(ctx, peerID, buildSyncRequest(reqID, from, to))
	if err != nil {
		return nil, fmt.Errorf("send request:\n%w", err)
	}

	resp, err := parseSyncResponse(respData, reqID, from)
	if err != nil {
		return nil, err
	}

	logger.Debug("received blocks",
		"request_id", reqID,
		"peer", peerID,
		"count", len(resp.Blocks),
		"height", resp.Height,
	)

	return resp, nil
}

// HandleSyncRequest answers a sync request from source.
func HandleSyncRequest(reqData []byte, source BlockSource) ([]byte, error) {
	reqID, from, to, err := parseSyncRequest(reqData)
	if err != nil {
		return nil, err
	}

	max := int(min(to-from+1, maxBlocksPerRequest))

	blocks, err := source.Range(from, max)
	if err != nil {
		return nil, fmt.Errorf("read blocks %d..%d:\n%w", from, to, err)
	}

	height := source.Height()

	raw := EncodeBatch(blocks)
	compressed, err := Compress(raw)
	if err != nil {
		return nil, fmt.Errorf("compress batch:\n%w", err)
	}

	logger.Debug("serving blocks",
		"request_id", reqID,
		"from", from,
		"count", len(blocks),
		"size", len(compressed),
	)

	return buildSyncResponse(reqID, height, raw, compressed), nil
}

// buildSyncRequest creates a FlatBuffers sync request.
func buildSyncRequest(reqID, from, to uint64) []byte {
	builder := flatbuffers.NewBuilder(64)

	types.SyncRequestStart(builder)
	types.SyncRequestAddRequestId(builder, reqID)
	types.SyncRequestAddFromSequence(builder, from)
	types.SyncRequestAddToSequence(builder, to)
	builder.Finish(types.SyncRequestEnd(builder))

	return builder.FinishedBytes()
}

// parseSyncRequest validates a sync request and returns its range.
func parseSyncRequest(data []byte) (reqID, from, to uint64, err error) {
	if len(data) < 8 {
		return 0, 0, 0, ErrBadRequest
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrBadRequest, r)
		}
	}()

	req := types.GetRootAsSyncRequest(data, 0)
	reqID, from, to = req.RequestId(), req.FromSequence(), req.ToSequence()

	if reqID == 0 || from == 0 || to < from {
		return 0, 0, 0, ErrBadRequest
	}

	return reqID, from, to, nil
}

// buildSyncResponse creates a FlatBuffers sync response.
func buildSyncResponse(reqID, height uint64, raw, compressed []byte) []byte {
	builder := flatbuffers.NewBuilder(len(compressed) + 128)

	sum := checksum(height, raw)
	checksumOffset := builder.CreateByteVector(sum[:])
	dataOffset := builder.CreateByteVector(compressed)

	types.SyncResponseStart(builder)
	types.SyncResponseAddRequestId(builder, reqID)
	types.SyncResponseAddHeight(builder, height)
	types.SyncResponseAddChecksum(builder, checksumOffset)
	types.SyncResponseAddData(builder, dataOffset)
	types.SyncResponseAddUncompressedSize(builder, uint64(len(raw)))
	builder.Finish(types.SyncResponseEnd(builder))

	return builder.FinishedBytes()
}

// parseSyncResponse validates a response to request reqID starting at from.
func parseSyncResponse(data []byte, reqID, from uint64) (resp *Response, err error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadResponse, len(data))
	}

	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("%w: %v", ErrBadResponse, r)
		}
	}()

	fb := types.GetRootAsSyncResponse(data, 0)
	if fb.RequestId() != reqID {
		return nil, fmt.Errorf("%w: request id %d, want %d", ErrBadResponse, fb.RequestId(), reqID)
	}
	if fb.UncompressedSize() > maxUncompressedSize {
		return nil, fmt.Errorf("%w: batch of %d bytes", ErrBadResponse, fb.UncompressedSize())
	}

	raw, err := Decompress(fb.DataBytes(), maxUncompressedSize)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress:\n%w", ErrBadResponse, err)
	}
	if uint64(len(raw)) != fb.UncompressedSize() {
		return nil, fmt.Errorf("%w: size %d, want %d", ErrBadResponse, len(raw), fb.UncompressedSize())
	}
	if err := verifyChecksum(fb.Height(), raw, fb.ChecksumBytes()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadResponse, err)
	}

	blocks, err := DecodeBatch(raw)
	if err != nil {
		return nil, fmt.Errorf("%w:\n%w", ErrBadResponse, err)
	}

	for i, b := range blocks {
		if b.Sequence != from+uint64(i) {
			return nil, fmt.Errorf("%w: block %d has sequence %d", ErrBadResponse, i, b.Sequence)
		}
	}

	return &Response{Height: fb.Height(), Blocks: blocks}, nil
}
