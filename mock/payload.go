package mock_builder

import (
	"fmt"
	"math/big"

	api "github.com/ethereum/go-ethereum/beacon/engine"
	el_common "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/marioevz/builder-client/types/common"
	beacon "github.com/protolambda/zrnt/eth2/beacon/common"
)

const (
	DEFAULT_GAS_LIMIT = uint64(30_000_000)
	MAX_EXTRA_DATA    = 32
)

var DEFAULT_BASE_FEE = big.NewInt(7)

// payloadRequest is everything the builder knows when asked for a header.
type payloadRequest struct {
	slot         beacon.Slot
	milestone    common.Milestone
	parentHash   el_common.Hash
	feeRecipient el_common.Address
	gasLimit     uint64
}

// buildHeader assembles an empty execution block on top of the requested
// parent. The shape of the header follows the milestone of the bid.
func (m *MockBuilder) buildHeader(r *payloadRequest) (*types.Header, error) {
	extra := []byte(m.cfg.extraDataWatermark)
	if len(extra) > MAX_EXTRA_DATA {
		return nil, fmt.Errorf("extra data watermark too long: %d bytes", len(extra))
	}
	header := &types.Header{
		ParentHash:  r.parentHash,
		UncleHash:   types.EmptyUncleHash,
		Coinbase:    r.feeRecipient,
		Root:        types.EmptyRootHash,
		TxHash:      types.EmptyTxsHash,
		ReceiptHash: types.EmptyReceiptsHash,
		Difficulty:  big.NewInt(0),
		Number:      new(big.Int).SetUint64(uint64(r.slot)),
		GasLimit:    r.gasLimit,
		Time:        m.SlotToTimestamp(r.slot),
		Extra:       extra,
		BaseFee:     new(big.Int).Set(DEFAULT_BASE_FEE),
	}
	if r.milestone.AtLeast(common.Capella) {
		withdrawalsHash := types.EmptyWithdrawalsHash
		header.WithdrawalsHash = &withdrawalsHash
	}
	if r.milestone.AtLeast(common.Deneb) {
		var blobGasUsed, excessBlobGas uint64
		header.BlobGasUsed = &blobGasUsed
		header.ExcessBlobGas = &excessBlobGas
		header.ParentBeaconRoot = new(el_common.Hash)
	}
	return header, nil
}

// executableDataFromHeader converts a transaction-less block header into the
// engine API representation that the bid types are built from.
func executableDataFromHeader(
	header *types.Header,
	milestone common.Milestone,
) *api.ExecutableData {
	ed := &api.ExecutableData{
		ParentHash:    header.ParentHash,
		FeeRecipient:  header.Coinbase,
		StateRoot:     header.Root,
		ReceiptsRoot:  header.ReceiptHash,
		LogsBloom:     header.Bloom.Bytes(),
		Random:        header.MixDigest,
		Number:        header.Number.Uint64(),
		GasLimit:      header.GasLimit,
		GasUsed:       header.GasUsed,
		Timestamp:     header.Time,
		ExtraData:     header.Extra,
		BaseFeePerGas: header.BaseFee,
		BlockHash:     header.Hash(),
		Transactions:  [][]byte{},
	}
	if milestone.AtLeast(common.Capella) {
		ed.Withdrawals = types.Withdrawals{}
	}
	if milestone.AtLeast(common.Deneb) {
		ed.BlobGasUsed = header.BlobGasUsed
		ed.ExcessBlobGas = header.ExcessBlobGas
	}
	return ed
}

func (m *MockBuilder) buildBid(r *payloadRequest, bid common.BuilderBid) (bool, error) {
	header, err := m.buildHeader(r)
	if err != nil {
		return false, err
	}

	m.cfg.mutex.Lock()
	payloadModifier := m.cfg.payloadModifier
	m.cfg.mutex.Unlock()
	modified := false
	if payloadModifier != nil {
		if modified, err = payloadModifier(header, r.slot); err != nil {
			return false, fmt.Errorf("unable to modify payload: %w", err)
		}
	}

	ed := executableDataFromHeader(header, r.milestone)
	var blobsBundle *api.BlobsBundleV1
	if r.milestone.AtLeast(common.Deneb) {
		blobsBundle = &api.BlobsBundleV1{}
	}
	if err := bid.Build(m.cfg.spec, ed, blobsBundle); err != nil {
		return false, err
	}
	return modified, nil
}

func (m *MockBuilder) bidValue() (*big.Int, error) {
	m.cfg.mutex.Lock()
	value := new(big.Int).Set(m.cfg.bidValue)
	modifier := m.cfg.payloadWeiValueModifier
	minimum := m.cfg.minimumValue
	m.cfg.mutex.Unlock()

	if modifier != nil {
		var err error
		if value, err = modifier(value); err != nil {
			return nil, err
		}
	}
	if value.Cmp(minimum) < 0 {
		return new(big.Int).Set(minimum), nil
	}
	return value, nil
}
