package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

const (
	// HeightProtocol is the protocol ID for querying chain height.
	HeightProtocol = protocol.ID("/timecoin/height/1.0.0")

	// heightReadTimeout is the max time to read a height response.
	heightReadTimeout = 5 * time.Second
)

// HeightResponse carries a peer's chain tip: height, tip hash, and the
// chain's accumulated VRF work, so callers can apply the full switch rule
// before fetching any blocks.
type HeightResponse struct {
	Height    uint64 `json:"height"`
	TipHash   string `json:"tip_hash"`
	TotalWork uint64 `json:"total_work"`
}

// RegisterHeightHandler registers a stream handler that responds with the
// local chain tip.
func (s *Syncer) RegisterHeightHandler(heightFn func() (uint64, string, uint64)) {
	s.host.SetStreamHandler(HeightProtocol, func(stream network.Stream) {
		defer stream.Close()

		height, tipHash, work := heightFn()
		resp := HeightResponse{Height: height, TipHash: tipHash, TotalWork: work}
		json.NewEncoder(stream).Encode(&resp)
	})
}

// RequestHeight queries a peer for its chain height and tip hash.
func (s *Syncer) RequestHeight(ctx context.Context, peerID peer.ID) (*HeightResponse, error) {
	return s.requestHeight(ctx, peerID, HeightProtocol)
}

// requestHeight is the shared implementation for height queries.
func (s *Syncer) requestHeight(ctx context.Context, peerID peer.ID, proto protocol.ID) (*HeightResponse, error) {
	stream, err := s.host.NewStream(ctx, peerID, proto)
	if err != nil {
		return nil, fmt.Errorf("open height stream: %w", err)
	}
	defer stream.Close()

	// Signal we're done writing (request is empty, just opening the stream).
	stream.CloseWrite()

	_ = stream.SetReadDeadline(time.Now().Add(heightReadTimeout))

	var resp HeightResponse
	if err := json.NewDecoder(io.LimitReader(stream, 1024)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read height response: %w", err)
	}

	return &resp, nil
}

// BlockHashProtocol is the protocol ID for querying the block hash at a
// specific height, used by the common-ancestor search during fork resolution.
const BlockHashProtocol = protocol.ID("/timecoin/blockhash/1.0.0")

// BlockHashRequest asks for the hash of the block at a height.
type BlockHashRequest struct {
	Height uint64 `json:"height"`
}

// BlockHashResponse returns the hash at the requested height; Found is false
// when the peer has no block there.
type BlockHashResponse struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
	Found  bool   `json:"found"`
}

// RegisterBlockHashHandler serves block-hash-at-height queries.
func (s *Syncer) RegisterBlockHashHandler(hashFn func(height uint64) (string, bool)) {
	s.host.SetStreamHandler(BlockHashProtocol, func(stream network.Stream) {
		defer stream.Close()

		var req BlockHashRequest
		if err := json.NewDecoder(io.LimitReader(stream, 256)).Decode(&req); err != nil {
			return
		}
		hash, found := hashFn(req.Height)
		resp := BlockHashResponse{Height: req.Height, Hash: hash, Found: found}
		json.NewEncoder(stream).Encode(&resp)
	})
}

// RequestBlockHash queries a peer for its block hash at a height.
func (s *Syncer) RequestBlockHash(ctx context.Context, peerID peer.ID, height uint64) (*BlockHashResponse, error) {
	stream, err := s.host.NewStream(ctx, peerID, BlockHashProtocol)
	if err != nil {
		return nil, fmt.Errorf("open blockhash stream: %w", err)
	}
	defer stream.Close()

	if err := json.NewEncoder(stream).Encode(&BlockHashRequest{Height: height}); err != nil {
		return nil, fmt.Errorf("write blockhash request: %w", err)
	}
	stream.CloseWrite()

	_ = stream.SetReadDeadline(time.Now().Add(heightReadTimeout))

	var resp BlockHashResponse
	if err := json.NewDecoder(io.LimitReader(stream, 512)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read blockhash response: %w", err)
	}
	return &resp, nil
}
