package bellatrix

import (
	"fmt"
	"math/big"

	api "github.com/ethereum/go-ethereum/beacon/engine"
	"github.com/marioevz/builder-client/types/common"
	blsu "github.com/protolambda/bls12-381-util"
	"github.com/protolambda/zrnt/eth2/beacon/bellatrix"
	beacon "github.com/protolambda/zrnt/eth2/beacon/common"
	"github.com/protolambda/ztyp/tree"
	"github.com/protolambda/ztyp/view"
)

const Version = common.Bellatrix

type SignedBlindedBeaconBlock bellatrix.SignedBlindedBeaconBlock

var _ common.SignedBlindedBeaconBlock = (*SignedBlindedBeaconBlock)(nil)

func (s *SignedBlindedBeaconBlock) Version() common.Milestone {
	return Version
}

func (s *SignedBlindedBeaconBlock) ExecutionPayloadHash() tree.Root {
	return s.Message.Body.ExecutionPayloadHeader.BlockHash
}

func (s *SignedBlindedBeaconBlock) Root(spec *beacon.Spec) tree.Root {
	return s.Message.HashTreeRoot(spec, tree.GetHashFn())
}

func (s *SignedBlindedBeaconBlock) StateRoot() tree.Root {
	return s.Message.StateRoot
}

func (s *SignedBlindedBeaconBlock) Slot() beacon.Slot {
	return s.Message.Slot
}

func (s *SignedBlindedBeaconBlock) ProposerIndex() beacon.ValidatorIndex {
	return s.Message.ProposerIndex
}

func (s *SignedBlindedBeaconBlock) BlockSignature() *beacon.BLSSignature {
	return &s.Signature
}

type BuilderBid struct {
	Payload *ExecutionPayload                 `json:"-"      yaml:"-"`
	Header  *bellatrix.ExecutionPayloadHeader `json:"header" yaml:"header"`
	Value   view.Uint256View                  `json:"value"  yaml:"value"`
	PubKey  beacon.BLSPubkey                  `json:"pubkey" yaml:"pubkey"`
}

var _ common.BuilderBid = (*BuilderBid)(nil)

func (b *BuilderBid) Version() common.Milestone {
	return Version
}

func (b *BuilderBid) HashTreeRoot(_ *beacon.Spec, hFn tree.HashFn) tree.Root {
	return hFn.HashTreeRoot(
		b.Header,
		&b.Value,
		&b.PubKey,
	)
}

func (b *BuilderBid) Build(
	spec *beacon.Spec,
	ed *api.ExecutableData,
	_ *api.BlobsBundleV1,
) error {
	if ed == nil {
		return fmt.Errorf("nil execution payload")
	}
	b.Payload = new(ExecutionPayload)
	if err := b.Payload.FromExecutableData(ed); err != nil {
		return err
	}
	b.Header = b.Payload.Header(spec)
	return nil
}

func (b *BuilderBid) BlockHash() tree.Root {
	if b.Header == nil {
		return tree.Root{}
	}
	return b.Header.BlockHash
}

func (b *BuilderBid) ParentHash() tree.Root {
	if b.Header == nil {
		return tree.Root{}
	}
	return b.Header.ParentHash
}

func (b *BuilderBid) Builder() beacon.BLSPubkey {
	return b.PubKey
}

// ValidateReveal checks that the blinded block commits to the payload of this
// bid and returns the payload to be revealed.
func (b *BuilderBid) ValidateReveal(
	signedBlock common.SignedBlindedBeaconBlock,
) (*common.ExecutionPayloadResponse, error) {
	sbb, ok := signedBlock.(*SignedBlindedBeaconBlock)
	if !ok {
		return nil, fmt.Errorf(
			"invalid signed blinded beacon block: expected %s, got %s",
			Version, signedBlock.Version(),
		)
	}
	if b.Payload == nil {
		return nil, fmt.Errorf("bid has no payload to reveal")
	}
	if sbb.ExecutionPayloadHash() != b.BlockHash() {
		return nil, fmt.Errorf(
			"payload block hash mismatch: block=%s, bid=%s",
			sbb.ExecutionPayloadHash(), b.BlockHash(),
		)
	}
	return &common.ExecutionPayloadResponse{
		Version: Version,
		Data:    b.Payload,
	}, nil
}

func (b *BuilderBid) FullPayload() common.ExecutionPayload {
	if b.Payload == nil {
		return nil
	}
	return b.Payload
}

func (b *BuilderBid) SetValue(value *big.Int) {
	b.Value.SetFromBig(value)
}

func (b *BuilderBid) SetPubKey(pk beacon.BLSPubkey) {
	b.PubKey = pk
}

func (b *BuilderBid) Sign(
	spec *beacon.Spec,
	domain beacon.BLSDomain,
	sk *blsu.SecretKey,
	pk *blsu.Pubkey,
) (*common.SignedBuilderBid, error) {
	pkBytes := pk.Serialize()
	copy(b.PubKey[:], pkBytes[:])
	sigRoot := beacon.ComputeSigningRoot(
		b.HashTreeRoot(spec, tree.GetHashFn()),
		domain,
	)
	return &common.SignedBuilderBid{
		Message:   b,
		Signature: beacon.BLSSignature(blsu.Sign(sk, sigRoot[:]).Serialize()),
	}, nil
}

type ExecutionPayload struct {
	*bellatrix.ExecutionPayload
	Source *api.ExecutableData `json:"-" yaml:"-"`
}

var _ common.ExecutionPayload = (*ExecutionPayload)(nil)

func (p *ExecutionPayload) Version() common.Milestone {
	return Version
}

func (p *ExecutionPayload) FromExecutableData(ed *api.ExecutableData) error {
	if ed == nil {
		return fmt.Errorf("nil execution payload")
	}
	if ed.Withdrawals != nil {
		return fmt.Errorf("execution data contains withdrawals")
	}
	p.ExecutionPayload = &bellatrix.ExecutionPayload{}
	copy(p.ParentHash[:], ed.ParentHash[:])
	copy(p.FeeRecipient[:], ed.FeeRecipient[:])
	copy(p.StateRoot[:], ed.StateRoot[:])
	copy(p.ReceiptsRoot[:], ed.ReceiptsRoot[:])
	copy(p.LogsBloom[:], ed.LogsBloom[:])
	copy(p.PrevRandao[:], ed.Random[:])

	p.BlockNumber = view.Uint64View(ed.Number)
	p.GasLimit = view.Uint64View(ed.GasLimit)
	p.GasUsed = view.Uint64View(ed.GasUsed)
	p.Timestamp = beacon.Timestamp(ed.Timestamp)

	p.ExtraData = make(beacon.ExtraData, len(ed.ExtraData))
	copy(p.ExtraData[:], ed.ExtraData[:])
	p.BaseFeePerGas.SetFromBig(ed.BaseFeePerGas)
	copy(p.BlockHash[:], ed.BlockHash[:])
	p.Transactions = make(beacon.PayloadTransactions, len(ed.Transactions))
	for i, tx := range ed.Transactions {
		p.Transactions[i] = make(beacon.Transaction, len(tx))
		copy(p.Transactions[i][:], tx[:])
	}
	p.Source = ed
	return nil
}

func (p *ExecutionPayload) GetBlockHash() tree.Root {
	if p.ExecutionPayload == nil {
		return tree.Root{}
	}
	return p.BlockHash
}
