package p2p

import (
	"encoding/json"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/time-coin/timecoin/internal/votes"
	"github.com/time-coin/timecoin/pkg/block"
	"github.com/time-coin/timecoin/pkg/tx"
)

// BroadcastTx publishes a transaction to the gossip network.
func (n *Node) BroadcastTx(t *tx.Transaction) error {
	if n.topicTx == nil {
		return fmt.Errorf("p2p node not started")
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal tx: %w", err)
	}

	return n.topicTx.Publish(n.ctx, data)
}

// BroadcastBlock publishes a block to the gossip network.
func (n *Node) BroadcastBlock(b *block.Block) error {
	if n.topicBlock == nil {
		return fmt.Errorf("p2p node not started")
	}

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal block: %w", err)
	}

	return n.topicBlock.Publish(n.ctx, data)
}

// BroadcastVote publishes a Prepare or Precommit vote to the gossip network.
func (n *Node) BroadcastVote(v *votes.Vote) error {
	if n.topicVotes == nil {
		return fmt.Errorf("p2p node not started")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal vote: %w", err)
	}

	return n.topicVotes.Publish(n.ctx, data)
}

// SetVoteHandler registers the callback for incoming vote messages.
func (n *Node) SetVoteHandler(fn func(from peer.ID, data []byte)) {
	n.voteHandler = fn
}
