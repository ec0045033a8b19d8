package builder_types

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/marioevz/builder-client/types/bellatrix"
	"github.com/marioevz/builder-client/types/capella"
	"github.com/marioevz/builder-client/types/common"
	"github.com/marioevz/builder-client/types/deneb"
	beacon "github.com/protolambda/zrnt/eth2/beacon/common"
)

var ErrUnsupportedMilestone = errors.New("milestone not supported by the builder API")

// Builder is the surface of a builder service that tests and tooling
// inspect after driving it through the REST API.
type Builder interface {
	Address() string
	Cancel() error
	GetBuiltPayloadsCount() int
	GetSignedBeaconBlockCount() int
	GetSignedBeaconBlocks() map[beacon.Slot]common.SignedBlindedBeaconBlock
	GetBuiltBids() map[beacon.Slot]common.BuilderBid
	GetValidatorRegistrations() map[beacon.BLSPubkey]common.ValidatorRegistrationV1
}

// Schema groups the wire types of a single milestone. Decoding prototypes
// return fresh values on every call.
type Schema struct {
	Milestone                   common.Milestone
	NewBuilderBid               func() common.BuilderBid
	NewExecutionPayload         func() common.ExecutionPayload
	NewSignedBlindedBeaconBlock func() common.SignedBlindedBeaconBlock
	EncodeRegistrations         func([]common.SignedValidatorRegistrationV1) ([]byte, error)
}

func (s *Schema) NewSignedBuilderBid() *common.SignedBuilderBid {
	return &common.SignedBuilderBid{
		Message: s.NewBuilderBid(),
	}
}

func (s *Schema) EncodeSignedBlindedBeaconBlock(
	block common.SignedBlindedBeaconBlock,
) ([]byte, error) {
	if block == nil {
		return nil, fmt.Errorf("nil signed blinded beacon block")
	}
	if v := block.Version(); v != s.Milestone {
		return nil, fmt.Errorf(
			"signed blinded beacon block of %s encoded with %s schema",
			v, s.Milestone,
		)
	}
	return json.Marshal(block)
}

// DecodeSignedBlindedBeaconBlock decodes a submitted block, without any
// required-field checks, into this milestone's block type.
func (s *Schema) DecodeSignedBlindedBeaconBlock(
	data []byte,
) (common.SignedBlindedBeaconBlock, error) {
	block := s.NewSignedBlindedBeaconBlock()
	if err := json.Unmarshal(data, block); err != nil {
		return nil, err
	}
	return block, nil
}

func encodeRegistrations(
	registrations []common.SignedValidatorRegistrationV1,
) ([]byte, error) {
	if registrations == nil {
		registrations = []common.SignedValidatorRegistrationV1{}
	}
	return json.Marshal(registrations)
}

var schemas = map[common.Milestone]*Schema{
	common.Bellatrix: {
		Milestone: common.Bellatrix,
		NewBuilderBid: func() common.BuilderBid {
			return &bellatrix.BuilderBid{}
		},
		NewExecutionPayload: func() common.ExecutionPayload {
			return &bellatrix.ExecutionPayload{}
		},
		NewSignedBlindedBeaconBlock: func() common.SignedBlindedBeaconBlock {
			return &bellatrix.SignedBlindedBeaconBlock{}
		},
		EncodeRegistrations: encodeRegistrations,
	},
	common.Capella: {
		Milestone: common.Capella,
		NewBuilderBid: func() common.BuilderBid {
			return &capella.BuilderBid{}
		},
		NewExecutionPayload: func() common.ExecutionPayload {
			return &capella.ExecutionPayload{}
		},
		NewSignedBlindedBeaconBlock: func() common.SignedBlindedBeaconBlock {
			return &capella.SignedBlindedBeaconBlock{}
		},
		EncodeRegistrations: encodeRegistrations,
	},
	common.Deneb: {
		Milestone: common.Deneb,
		NewBuilderBid: func() common.BuilderBid {
			return &deneb.BuilderBid{}
		},
		NewExecutionPayload: func() common.ExecutionPayload {
			return &deneb.ExecutionPayloadAndBlobsBundle{}
		},
		NewSignedBlindedBeaconBlock: func() common.SignedBlindedBeaconBlock {
			return &deneb.SignedBlindedBlockContents{}
		},
		EncodeRegistrations: encodeRegistrations,
	},
}

func SchemaFor(milestone common.Milestone) (*Schema, error) {
	if s, ok := schemas[milestone]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedMilestone, milestone)
}

// SpecForkSchedule resolves milestones from the fork epochs of a beacon
// chain configuration.
type SpecForkSchedule struct {
	Spec *beacon.Spec
}

func (s SpecForkSchedule) MilestoneAtSlot(slot beacon.Slot) common.Milestone {
	epoch := s.Spec.SlotToEpoch(slot)
	switch {
	case epoch >= s.Spec.DENEB_FORK_EPOCH:
		return common.Deneb
	case epoch >= s.Spec.CAPELLA_FORK_EPOCH:
		return common.Capella
	case epoch >= s.Spec.BELLATRIX_FORK_EPOCH:
		return common.Bellatrix
	case epoch >= s.Spec.ALTAIR_FORK_EPOCH:
		return common.Altair
	default:
		return common.Phase0
	}
}
