package deneb

import (
	"fmt"
	"math/big"

	api "github.com/ethereum/go-ethereum/beacon/engine"
	"github.com/marioevz/builder-client/types/common"
	blsu "github.com/protolambda/bls12-381-util"
	beacon "github.com/protolambda/zrnt/eth2/beacon/common"
	"github.com/protolambda/zrnt/eth2/beacon/deneb"
	"github.com/protolambda/ztyp/tree"
	"github.com/protolambda/ztyp/view"
)

const Version = common.Deneb

// SignedBlindedBlockContents is the deneb blinded block submission: the
// blinded block plus the blinded sidecars of its blobs.
type SignedBlindedBlockContents struct {
	SignedBlindedBeaconBlock  deneb.SignedBlindedBeaconBlock   `json:"signed_blinded_block"         yaml:"signed_blinded_block"`
	SignedBlindedBlobSidecars []deneb.SignedBlindedBlobSidecar `json:"signed_blinded_blob_sidecars" yaml:"signed_blinded_blob_sidecars"`
}

var _ common.SignedBlindedBeaconBlock = (*SignedBlindedBlockContents)(nil)

func (s *SignedBlindedBlockContents) Version() common.Milestone {
	return Version
}

func (s *SignedBlindedBlockContents) ExecutionPayloadHash() tree.Root {
	return s.SignedBlindedBeaconBlock.Message.Body.ExecutionPayloadHeader.BlockHash
}

func (s *SignedBlindedBlockContents) Root(spec *beacon.Spec) tree.Root {
	return s.SignedBlindedBeaconBlock.Message.HashTreeRoot(spec, tree.GetHashFn())
}

func (s *SignedBlindedBlockContents) StateRoot() tree.Root {
	return s.SignedBlindedBeaconBlock.Message.StateRoot
}

func (s *SignedBlindedBlockContents) Slot() beacon.Slot {
	return s.SignedBlindedBeaconBlock.Message.Slot
}

func (s *SignedBlindedBlockContents) ProposerIndex() beacon.ValidatorIndex {
	return s.SignedBlindedBeaconBlock.Message.ProposerIndex
}

func (s *SignedBlindedBlockContents) BlockSignature() *beacon.BLSSignature {
	return &s.SignedBlindedBeaconBlock.Signature
}

// ExecutionPayloadAndBlobsBundle is the data of a deneb payload reveal.
type ExecutionPayloadAndBlobsBundle struct {
	ExecutionPayload *deneb.ExecutionPayload `json:"execution_payload" yaml:"execution_payload"`
	BlobsBundle      *deneb.BlobsBundle      `json:"blobs_bundle"      yaml:"blobs_bundle"`
}

var _ common.ExecutionPayload = (*ExecutionPayloadAndBlobsBundle)(nil)

func (p *ExecutionPayloadAndBlobsBundle) Version() common.Milestone {
	return Version
}

func (p *ExecutionPayloadAndBlobsBundle) GetBlockHash() tree.Root {
	if p.ExecutionPayload == nil {
		return tree.Root{}
	}
	return p.ExecutionPayload.BlockHash
}

type BlobsBundle struct {
	*deneb.BlobsBundle
	Source *api.BlobsBundleV1 `json:"-" yaml:"-"`
}

func (bb *BlobsBundle) FromAPI(spec *beacon.Spec, blobsBundle *api.BlobsBundleV1) error {
	if blobsBundle == nil {
		return fmt.Errorf("nil blobs bundle")
	}
	if len(blobsBundle.Commitments) != len(blobsBundle.Blobs) ||
		len(blobsBundle.Proofs) != len(blobsBundle.Blobs) {
		return fmt.Errorf(
			"inconsistent blobs bundle: commitments=%d, proofs=%d, blobs=%d",
			len(blobsBundle.Commitments),
			len(blobsBundle.Proofs),
			len(blobsBundle.Blobs),
		)
	}

	bb.BlobsBundle = &deneb.BlobsBundle{}

	bb.KZGCommitments = make(beacon.KZGCommitments, len(blobsBundle.Commitments))
	bb.KZGProofs = make(beacon.KZGProofs, len(blobsBundle.Proofs))
	bb.Blobs = make(deneb.Blobs, len(blobsBundle.Blobs))

	for i, blob := range blobsBundle.Blobs {
		copy(bb.KZGCommitments[i][:], blobsBundle.Commitments[i][:])
		copy(bb.KZGProofs[i][:], blobsBundle.Proofs[i][:])
		bb.Blobs[i] = make(deneb.Blob, deneb.BlobSize(spec))
		copy(bb.Blobs[i][:], blob[:])
	}

	bb.Source = blobsBundle
	return nil
}

type BuilderBid struct {
	Payload            *ExecutionPayload             `json:"-"                    yaml:"-"`
	Header             *deneb.ExecutionPayloadHeader `json:"header"               yaml:"header"`
	BlobsBundle        *BlobsBundle                  `json:"-"                    yaml:"-"`
	BlindedBlobsBundle *deneb.BlindedBlobsBundle     `json:"blinded_blobs_bundle" yaml:"blinded_blobs_bundle"`
	Value              view.Uint256View              `json:"value"                yaml:"value"`
	PubKey             beacon.BLSPubkey              `json:"pubkey"               yaml:"pubkey"`
}

var _ common.BuilderBid = (*BuilderBid)(nil)

func (b *BuilderBid) Version() common.Milestone {
	return Version
}

func (b *BuilderBid) HashTreeRoot(spec *beacon.Spec, hFn tree.HashFn) tree.Root {
	return hFn.HashTreeRoot(
		b.Header,
		spec.Wrap(b.BlindedBlobsBundle),
		&b.Value,
		&b.PubKey,
	)
}

func (b *BuilderBid) Build(
	spec *beacon.Spec,
	ed *api.ExecutableData,
	bb *api.BlobsBundleV1,
) error {
	if ed == nil {
		return fmt.Errorf("nil execution payload")
	}

	b.Payload = new(ExecutionPayload)
	if err := b.Payload.FromExecutableData(ed); err != nil {
		return err
	}

	b.Header = b.Payload.Header(spec)

	if bb == nil {
		return fmt.Errorf("nil blobs bundle")
	}

	b.BlobsBundle = new(BlobsBundle)
	if err := b.BlobsBundle.FromAPI(spec, bb); err != nil {
		return err
	}

	b.BlindedBlobsBundle = b.BlobsBundle.Blinded(spec, tree.GetHashFn())
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

func (b *BuilderBid) ValidateReveal(
	signedBlock common.SignedBlindedBeaconBlock,
) (*common.ExecutionPayloadResponse, error) {
	sbb, ok := signedBlock.(*SignedBlindedBlockContents)
	if !ok {
		return nil, fmt.Errorf(
			"invalid signed blinded block contents: expected %s, got %s",
			Version, signedBlock.Version(),
		)
	}
	if b.Payload == nil || b.BlobsBundle == nil {
		return nil, fmt.Errorf("bid has no payload to reveal")
	}
	if sbb.ExecutionPayloadHash() != b.BlockHash() {
		return nil, fmt.Errorf(
			"payload block hash mismatch: block=%s, bid=%s",
			sbb.ExecutionPayloadHash(), b.BlockHash(),
		)
	}
	if len(sbb.SignedBlindedBlobSidecars) != len(b.BlobsBundle.Blobs) {
		return nil, fmt.Errorf(
			"blob sidecar count mismatch: block=%d, bid=%d",
			len(sbb.SignedBlindedBlobSidecars), len(b.BlobsBundle.Blobs),
		)
	}
	return &common.ExecutionPayloadResponse{
		Version: Version,
		Data: &ExecutionPayloadAndBlobsBundle{
			ExecutionPayload: b.Payload.ExecutionPayload,
			BlobsBundle:      b.BlobsBundle.BlobsBundle,
		},
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
	*deneb.ExecutionPayload
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
	if ed.Withdrawals == nil {
		return fmt.Errorf("execution data does not contain withdrawals")
	}
	if ed.BlobGasUsed == nil {
		return fmt.Errorf("execution data does not contain blob gas used")
	}
	if ed.ExcessBlobGas == nil {
		return fmt.Errorf("execution data does not contain excess blob gas")
	}

	p.ExecutionPayload = &deneb.ExecutionPayload{}
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
	p.Withdrawals = make(beacon.Withdrawals, len(ed.Withdrawals))
	for i, w := range ed.Withdrawals {
		p.Withdrawals[i].Index = beacon.WithdrawalIndex(w.Index)
		p.Withdrawals[i].ValidatorIndex = beacon.ValidatorIndex(w.Validator)
		copy(p.Withdrawals[i].Address[:], w.Address[:])
		p.Withdrawals[i].Amount = beacon.Gwei(w.Amount)
	}
	p.BlobGasUsed = view.Uint64View(*ed.BlobGasUsed)
	p.ExcessBlobGas = view.Uint64View(*ed.ExcessBlobGas)
	p.Source = ed
	return nil
}

func (p *ExecutionPayload) GetBlockHash() tree.Root {
	if p.ExecutionPayload == nil {
		return tree.Root{}
	}
	return p.BlockHash
}
