package common

import (
	"fmt"
	"math/big"

	api "github.com/ethereum/go-ethereum/beacon/engine"
	blsu "github.com/protolambda/bls12-381-util"
	beacon "github.com/protolambda/zrnt/eth2/beacon/common"
	"github.com/protolambda/ztyp/tree"
	"github.com/protolambda/ztyp/view"
)

var DOMAIN_APPLICATION_BUILDER = beacon.BLSDomainType{0x00, 0x00, 0x00, 0x01}

// Milestone is the name of a protocol upgrade as it appears in the
// "version" field of builder API responses.
type Milestone string

const (
	Phase0    Milestone = "phase0"
	Altair    Milestone = "altair"
	Bellatrix Milestone = "bellatrix"
	Capella   Milestone = "capella"
	Deneb     Milestone = "deneb"
)

// Milestones in activation order.
var Milestones = []Milestone{Phase0, Altair, Bellatrix, Capella, Deneb}

func ParseMilestone(s string) (Milestone, error) {
	for _, m := range Milestones {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown milestone: %q", s)
}

func (m Milestone) String() string {
	return string(m)
}

func (m Milestone) index() int {
	for i, known := range Milestones {
		if known == m {
			return i
		}
	}
	return -1
}

// AtLeast reports whether m activates at or after other. Unknown milestones
// are never at least anything.
func (m Milestone) AtLeast(other Milestone) bool {
	i := m.index()
	return i >= 0 && i >= other.index()
}

// BuilderDomain is the signing domain of builder API messages.
func BuilderDomain(spec *beacon.Spec) beacon.BLSDomain {
	return beacon.ComputeDomain(
		DOMAIN_APPLICATION_BUILDER,
		spec.GENESIS_FORK_VERSION,
		tree.Root{},
	)
}

type ValidatorRegistrationV1 struct {
	FeeRecipient beacon.Eth1Address `json:"fee_recipient" yaml:"fee_recipient"`
	GasLimit     view.Uint64View    `json:"gas_limit"     yaml:"gas_limit"`
	Timestamp    view.Uint64View    `json:"timestamp"     yaml:"timestamp"`
	PubKey       beacon.BLSPubkey   `json:"pubkey"        yaml:"pubkey"`
}

func (vr *ValidatorRegistrationV1) HashTreeRoot(hFn tree.HashFn) tree.Root {
	return hFn.HashTreeRoot(
		&vr.FeeRecipient,
		&vr.GasLimit,
		&vr.Timestamp,
		&vr.PubKey,
	)
}

func (vr *ValidatorRegistrationV1) Sign(
	domain beacon.BLSDomain,
	sk *blsu.SecretKey,
) *SignedValidatorRegistrationV1 {
	sigRoot := beacon.ComputeSigningRoot(
		vr.HashTreeRoot(tree.GetHashFn()),
		domain,
	)
	return &SignedValidatorRegistrationV1{
		Message:   *vr,
		Signature: beacon.BLSSignature(blsu.Sign(sk, sigRoot[:]).Serialize()),
	}
}

type SignedValidatorRegistrationV1 struct {
	Message   ValidatorRegistrationV1 `json:"message"   yaml:"message"`
	Signature beacon.BLSSignature     `json:"signature" yaml:"signature"`
}

// Verify checks the registration signature against its own public key.
func (s *SignedValidatorRegistrationV1) Verify(domain beacon.BLSDomain) error {
	pk, err := s.Message.PubKey.Pubkey()
	if err != nil {
		return fmt.Errorf("unable to deserialize pubkey: %v", err)
	}
	sig, err := s.Signature.Signature()
	if err != nil {
		return fmt.Errorf("unable to deserialize signature: %v", err)
	}
	signingRoot := beacon.ComputeSigningRoot(
		s.Message.HashTreeRoot(tree.GetHashFn()),
		domain,
	)
	if !blsu.Verify(pk, signingRoot[:], sig) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

type BuilderBid interface {
	Version() Milestone
	Build(*beacon.Spec, *api.ExecutableData, *api.BlobsBundleV1) error
	HashTreeRoot(*beacon.Spec, tree.HashFn) tree.Root
	BlockHash() tree.Root
	ParentHash() tree.Root
	Builder() beacon.BLSPubkey
	SetValue(*big.Int)
	SetPubKey(beacon.BLSPubkey)
	Sign(spec *beacon.Spec, domain beacon.BLSDomain,
		sk *blsu.SecretKey,
		pk *blsu.Pubkey) (*SignedBuilderBid, error)
	FullPayload() ExecutionPayload
	ValidateReveal(SignedBlindedBeaconBlock) (*ExecutionPayloadResponse, error)
}

type SignedBuilderBid struct {
	Message   BuilderBid          `json:"message"   yaml:"message"`
	Signature beacon.BLSSignature `json:"signature" yaml:"signature"`
}

func (s *SignedBuilderBid) Versioned() *VersionedSignedBuilderBid {
	return &VersionedSignedBuilderBid{
		Version: s.Message.Version(),
		Data:    s,
	}
}

type VersionedSignedBuilderBid struct {
	Version Milestone         `json:"version" yaml:"version"`
	Data    *SignedBuilderBid `json:"data"    yaml:"data"`
}

// SignedBlindedBeaconBlock is a signed block whose execution payload was
// replaced by its header. Implementations know their own milestone.
type SignedBlindedBeaconBlock interface {
	Version() Milestone
	ExecutionPayloadHash() tree.Root
	Root(*beacon.Spec) tree.Root
	StateRoot() tree.Root
	Slot() beacon.Slot
	ProposerIndex() beacon.ValidatorIndex
	BlockSignature() *beacon.BLSSignature
}

type ExecutionPayload interface {
	Version() Milestone
	GetBlockHash() tree.Root
}

type ExecutionPayloadResponse struct {
	Version Milestone        `json:"version" yaml:"version"`
	Data    ExecutionPayload `json:"data"    yaml:"data"`
}
