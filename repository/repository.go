package repository

import (
	"encoding/json"
	"fmt"

	"ledger-project/db"
	"ledger-project/models"

	"github.com/pkg/errors"
)

const (
	blockPrefix      = "block:"
	checkpointPrefix = "checkpoint:"
)

// It abstracts the storage layer from the chain logic
type BlockRepositoryInterface interface {
	AppendBlock(height uint64, block *models.Block, state *models.ChainState) error
	GetAllBlocks() ([]*models.Block, error)
	GetLatestCheckpoint() (*models.ChainState, error)
}

// BlockRepository implements the BlockRepositoryInterface using LevelDB as the storage backend
type BlockRepository struct {
	db *db.LevelDB
}

// NewBlockRepository creates and returns a new BlockRepository instance
func NewBlockRepository(db *db.LevelDB) *BlockRepository {
	return &BlockRepository{db: db}
}

// zero padded so that key order is height order
func blockKey(height uint64) string {
	return fmt.Sprintf("%s%020d", blockPrefix, height)
}

func checkpointKey(height uint64) string {
	return fmt.Sprintf("%s%020d", checkpointPrefix, height)
}

// AppendBlock stores a block together with the chain state after it in one batch
func (r *BlockRepository) AppendBlock(height uint64, block *models.Block, state *models.ChainState) error {
	blockData, err := json.Marshal(block)
	if err != nil {
		return errors.Wrap(err, "marshalling block")
	}
	stateData, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "marshalling chain state")
	}

	return errors.Wrap(r.db.WriteBatch(map[string][]byte{
		blockKey(height):      blockData,
		checkpointKey(height): stateData,
	}), "writing block batch")
}

// GetAllBlocks retrieves all blocks in height order
func (r *BlockRepository) GetAllBlocks() ([]*models.Block, error) {
	iter := r.db.NewIterator([]byte(blockPrefix))
	defer iter.Release()

	var blocks []*models.Block
	for iter.Next() {
		var block models.Block
		if err := json.Unmarshal(iter.Value(), &block); err != nil {
			return nil, errors.Wrapf(err, "unmarshalling block at %s", iter.Key())
		}
		blocks = append(blocks, &block)
	}
	return blocks, iter.Error()
}

// Retrieves the most recent checkpoint to restore the chain state
func (r *BlockRepository) GetLatestCheckpoint() (*models.ChainState, error) {
	iter := r.db.NewIterator([]byte(checkpointPrefix))
	defer iter.Release()

	var latest *models.ChainState
	for iter.Next() {
		var cs models.ChainState
		if err := json.Unmarshal(iter.Value(), &cs); err != nil {
			return nil, errors.Wrap(err, "unmarshalling checkpoint")
		}
		if latest == nil || cs.Height > latest.Height {
			latest = &cs
		}
	}
	return latest, iter.Error()
}
