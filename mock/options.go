package mock_builder

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"sync"

	el_common "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/marioevz/builder-client/types/bellatrix"
	"github.com/marioevz/builder-client/types/capella"
	"github.com/marioevz/builder-client/types/common"
	beacon "github.com/protolambda/zrnt/eth2/beacon/common"
	"github.com/sirupsen/logrus"
)

type PayloadModifier func(header *types.Header, currentSlot beacon.Slot) (bool, error)
type ErrorProducer func(beacon.Slot) error
type SlotPredicate func(beacon.Slot) bool
type PayloadWeiBidModifier func(*big.Int) (*big.Int, error)
type GetBuilderBidVersion func(beacon.Slot) (common.BuilderBid, error)
type VersionLabeler func(beacon.Slot, common.Milestone) common.Milestone

type config struct {
	id                      int
	port                    int
	host                    string
	extraDataWatermark      string
	spec                    *beacon.Spec
	externalIP              net.IP
	beaconGenesisTime       beacon.Timestamp
	payloadWeiValueModifier PayloadWeiBidModifier
	bidValue                *big.Int
	gasLimit                uint64

	payloadModifier      PayloadModifier
	errorOnHeaderRequest ErrorProducer
	errorOnPayloadReveal ErrorProducer
	noBid                SlotPredicate

	getPayloadDelayMs int

	minimumValue *big.Int

	builderBidVersionResolver GetBuilderBidVersion
	bidVersionLabeler         VersionLabeler
	payloadVersionLabeler     VersionLabeler

	mutex sync.Mutex
}

type Option struct {
	apply       func(m *MockBuilder) error
	description string
}

func (o Option) MarshalText() ([]byte, error) {
	return []byte(o.description), nil
}

func WithID(id int) Option {
	return Option{
		apply: func(m *MockBuilder) error {
			m.cfg.mutex.Lock()
			defer m.cfg.mutex.Unlock()
			m.cfg.id = id
			return nil
		},
		description: fmt.Sprintf("WithID(%d)", id),
	}
}

func WithHost(host string) Option {
	return Option{
		apply: func(m *MockBuilder) error {
			m.cfg.mutex.Lock()
			defer m.cfg.mutex.Unlock()
			m.cfg.host = host
			return nil
		},
		description: fmt.Sprintf("WithHost(%s)", host),
	}
}

func WithPort(port int) Option {
	return Option{
		apply: func(m *MockBuilder) error {
			m.cfg.mutex.Lock()
			defer m.cfg.mutex.Unlock()
			m.cfg.port = port
			return nil
		},
		description: fmt.Sprintf("WithPort(%d)", port),
	}
}

func WithExtraDataWatermark(wm string) Option {
	return Option{
		apply: func(m *MockBuilder) error {
			if len(wm) > MAX_EXTRA_DATA {
				return fmt.Errorf("extra data watermark longer than %d bytes", MAX_EXTRA_DATA)
			}
			m.cfg.mutex.Lock()
			defer m.cfg.mutex.Unlock()
			m.cfg.extraDataWatermark = wm
			return nil
		},
		description: fmt.Sprintf("WithExtraDataWatermark(%s)", wm),
	}
}

func WithExternalIP(ip net.IP) Option {
	return Option{
		apply: func(m *MockBuilder) error {
			m.cfg.mutex.Lock()
			defer m.cfg.mutex.Unlock()
			m.cfg.externalIP = ip
			return nil
		},
		description: fmt.Sprintf("WithExternalIP(%s)", ip),
	}
}

func WithLogLevel(logLevel string) Option {
	return Option{
		apply: func(m *MockBuilder) error {
			logLevelParsed, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logrus.SetLevel(logLevelParsed)
			return nil
		},
		description: fmt.Sprintf("WithLogLevel(%s)", logLevel),
	}
}

func WithSpec(spec *beacon.Spec) Option {
	return Option{
		apply: func(m *MockBuilder) error {
			if spec == nil {
				return fmt.Errorf("nil spec")
			}
			m.cfg.mutex.Lock()
			defer m.cfg.mutex.Unlock()
			m.cfg.spec = spec
			return nil
		},
		description: "WithSpec",
	}
}

func WithBeaconGenesisTime(t beacon.Timestamp) Option {
	return Option{
		apply: func(m *MockBuilder) error {
			m.cfg.mutex.Lock()
			defer m.cfg.mutex.Unlock()
			m.cfg.beaconGenesisTime = t
			return nil
		},
		description: fmt.Sprintf("WithBeaconGenesisTime(%d)", t),
	}
}

// WithBidValue sets the value, in wei, offered before any bump or multiplier.
func WithBidValue(value *big.Int) Option {
	return Option{
		apply: func(m *MockBuilder) error {
			if value == nil || value.Sign() < 0 {
				return fmt.Errorf("invalid bid value: %v", value)
			}
			m.cfg.mutex.Lock()
			defer m.cfg.mutex.Unlock()
			m.cfg.bidValue = new(big.Int).Set(value)
			return nil
		},
		description: fmt.Sprintf("WithBidValue(%d)", value),
	}
}

// WithGasLimit is used for proposers that did not register a preference.
func WithGasLimit(gasLimit uint64) Option {
	return Option{
		apply: func(m *MockBuilder) error {
			m.cfg.mutex.Lock()
			defer m.cfg.mutex.Unlock()
			m.cfg.gasLimit = gasLimit
			return nil
		},
		description: fmt.Sprintf("WithGasLimit(%d)", gasLimit),
	}
}

func WithPayloadWeiValueBump(bump *big.Int) Option {
	return Option{
		apply: func(m *MockBuilder) error {
			m.cfg.mutex.Lock()
			defer m.cfg.mutex.Unlock()
			m.cfg.payloadWeiValueModifier = func(orig *big.Int) (*big.Int, error) {
				ret := new(big.Int).Set(orig)
				ret.Add(ret, bump)
				return ret, nil
			}
			return nil
		},
		description: fmt.Sprintf("WithPayloadWeiValueBump(%d)", bump),
	}
}

func WithPayloadWeiValueMultiplier(mult *big.Int) Option {
	return Option{
		apply: func(m *MockBuilder) error {
			m.cfg.mutex.Lock()
			defer m.cfg.mutex.Unlock()
			m.cfg.payloadWeiValueModifier = func(orig *big.Int) (*big.Int, error) {
				ret := new(big.Int).Set(orig)
				ret.Mul(ret, mult)
				return ret, nil
			}
			return nil
		},
		description: fmt.Sprintf("WithPayloadWeiValueMultiplier(%d)", mult),
	}
}

func WithPayloadModifier(pm PayloadModifier) Option {
	return Option{
		apply: func(m *MockBuilder) error {
			m.cfg.mutex.Lock()
			defer m.cfg.mutex.Unlock()
			m.cfg.payloadModifier = pm
			return nil
		},
		description: "WithPayloadModifier",
	}
}

func WithErrorOnHeaderRequest(e ErrorProducer) Option {
	return Option{
		apply: func(m *MockBuilder) error {
			m.cfg.mutex.Lock()
			defer m.cfg.mutex.Unlock()
			m.cfg.errorOnHeaderRequest = e
			return nil
		},
		description: "WithErrorOnHeaderRequest",
	}
}

func errorFromSlot(activation beacon.Slot) ErrorProducer {
	return func(s beacon.Slot) error {
		if s >= activation {
			return fmt.Errorf("error generator")
		}
		return nil
	}
}

func (m *MockBuilder) epochStartSlot(epoch beacon.Epoch) (beacon.Slot, error) {
	if m.cfg.spec == nil {
		return 0, fmt.Errorf("unknown spec")
	}
	return m.cfg.spec.EpochStartSlot(epoch)
}

func WithErrorOnHeaderRequestAtEpoch(epoch beacon.Epoch) Option {
	return Option{
		apply: func(m *MockBuilder) error {
			m.cfg.mutex.Lock()
			defer m.cfg.mutex.Unlock()
			startSlot, err := m.epochStartSlot(epoch)
			if err != nil {
				return err
			}
			m.cfg.errorOnHeaderRequest = errorFromSlot(startSlot)
			return nil
		},
		description: fmt.Sprintf("WithErrorOnHeaderRequestAtEpoch(%d)", epoch),
	}
}

func WithErrorOnHeaderRequestAtSlot(slot beacon.Slot) Option {
	return Option{
		apply: func(m *MockBuilder) error {
			m.cfg.mutex.Lock()
			defer m.cfg.mutex.Unlock()
			m.cfg.errorOnHeaderRequest = errorFromSlot(slot)
			return nil
		},
		description: fmt.Sprintf("WithErrorOnHeaderRequestAtSlot(%d)", slot),
	}
}

func WithErrorOnPayloadReveal(e ErrorProducer) Option {
	return Option{
		apply: func(m *MockBuilder) error {
			m.cfg.mutex.Lock()
			defer m.cfg.mutex.Unlock()
			m.cfg.errorOnPayloadReveal = e
			return nil
		},
		description: "WithErrorOnPayloadReveal",
	}
}

func WithErrorOnPayloadRevealAtEpoch(epoch beacon.Epoch) Option {
	return Option{
		apply: func(m *MockBuilder) error {
			m.cfg.mutex.Lock()
			defer m.cfg.mutex.Unlock()
			startSlot, err := m.epochStartSlot(epoch)
			if err != nil {
				return err
			}
			m.cfg.errorOnPayloadReveal = errorFromSlot(startSlot)
			return nil
		},
		description: fmt.Sprintf("WithErrorOnPayloadRevealAtEpoch(%d)", epoch),
	}
}

func WithErrorOnPayloadRevealAtSlot(slot beacon.Slot) Option {
	return Option{
		apply: func(m *MockBuilder) error {
			m.cfg.mutex.Lock()
			defer m.cfg.mutex.Unlock()
			m.cfg.errorOnPayloadReveal = errorFromSlot(slot)
			return nil
		},
		description: fmt.Sprintf("WithErrorOnPayloadRevealAtSlot(%d)", slot),
	}
}

// WithNoBidAtSlot makes the builder answer header requests from slot onwards
// with 204 No Content.
func WithNoBidAtSlot(slot beacon.Slot) Option {
	return Option{
		apply: func(m *MockBuilder) error {
			m.cfg.mutex.Lock()
			defer m.cfg.mutex.Unlock()
			m.cfg.noBid = func(s beacon.Slot) bool {
				return s >= slot
			}
			return nil
		},
		description: fmt.Sprintf("WithNoBidAtSlot(%d)", slot),
	}
}

func WithGetPayloadDelay(ms int) Option {
	return Option{
		apply: func(m *MockBuilder) error {
			m.cfg.mutex.Lock()
			defer m.cfg.mutex.Unlock()
			m.cfg.getPayloadDelayMs = ms
			return nil
		},
		description: fmt.Sprintf("WithGetPayloadDelay(%d)", ms),
	}
}

// Specific function modifiers

type PayloadInvalidation string

const (
	INVALIDATE_PAYLOAD_STATE_ROOT   = "state_root"
	INVALIDATE_PAYLOAD_PARENT_HASH  = "parent_hash"
	INVALIDATE_PAYLOAD_COINBASE     = "coinbase"
	INVALIDATE_PAYLOAD_BASE_FEE     = "base_fee"
	INVALIDATE_PAYLOAD_UNCLE_HASH   = "uncle_hash"
	INVALIDATE_PAYLOAD_RECEIPT_HASH = "receipt_hash"
	INVALIDATE_PAYLOAD_BEACON_ROOT  = "beacon_root"
)

var PayloadInvalidationTypes = map[string]PayloadInvalidation{
	INVALIDATE_PAYLOAD_STATE_ROOT:   INVALIDATE_PAYLOAD_STATE_ROOT,
	INVALIDATE_PAYLOAD_PARENT_HASH:  INVALIDATE_PAYLOAD_PARENT_HASH,
	INVALIDATE_PAYLOAD_COINBASE:     INVALIDATE_PAYLOAD_COINBASE,
	INVALIDATE_PAYLOAD_BASE_FEE:     INVALIDATE_PAYLOAD_BASE_FEE,
	INVALIDATE_PAYLOAD_UNCLE_HASH:   INVALIDATE_PAYLOAD_UNCLE_HASH,
	INVALIDATE_PAYLOAD_RECEIPT_HASH: INVALIDATE_PAYLOAD_RECEIPT_HASH,
	INVALIDATE_PAYLOAD_BEACON_ROOT:  INVALIDATE_PAYLOAD_BEACON_ROOT,
}

func PayloadInvalidationTypeNames() []string {
	res := make([]string, 0, len(PayloadInvalidationTypes))
	for k := range PayloadInvalidationTypes {
		res = append(res, k)
	}
	return res
}

// genPayloadInvalidator corrupts one header field of every payload built from
// slot onwards. The block hash is computed afterwards, so the payload stays
// self-consistent while being invalid for the chain.
func genPayloadInvalidator(
	slot beacon.Slot,
	invType PayloadInvalidation,
) PayloadModifier {
	return func(header *types.Header, s beacon.Slot) (bool, error) {
		if s < slot {
			return false, nil
		}
		var err error
		switch invType {
		case INVALIDATE_PAYLOAD_STATE_ROOT:
			_, err = rand.Read(header.Root[:])
		case INVALIDATE_PAYLOAD_PARENT_HASH:
			_, err = rand.Read(header.ParentHash[:])
		case INVALIDATE_PAYLOAD_COINBASE:
			_, err = rand.Read(header.Coinbase[:])
		case INVALIDATE_PAYLOAD_BASE_FEE:
			header.BaseFee = new(big.Int).Add(header.BaseFee, big.NewInt(1))
		case INVALIDATE_PAYLOAD_UNCLE_HASH:
			_, err = rand.Read(header.UncleHash[:])
		case INVALIDATE_PAYLOAD_RECEIPT_HASH:
			_, err = rand.Read(header.ReceiptHash[:])
		case INVALIDATE_PAYLOAD_BEACON_ROOT:
			if header.ParentBeaconRoot == nil {
				return false, fmt.Errorf("unable to invalidate: no beacon root before deneb")
			}
			header.ParentBeaconRoot = new(el_common.Hash)
			_, err = rand.Read(header.ParentBeaconRoot[:])
		default:
			return false, fmt.Errorf("unknown invalidation type: %s", invType)
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}
}

func WithPayloadInvalidatorAtEpoch(
	epoch beacon.Epoch,
	invType PayloadInvalidation,
) Option {
	return Option{
		apply: func(m *MockBuilder) error {
			m.cfg.mutex.Lock()
			defer m.cfg.mutex.Unlock()
			startSlot, err := m.epochStartSlot(epoch)
			if err != nil {
				return err
			}
			m.cfg.payloadModifier = genPayloadInvalidator(startSlot, invType)
			return nil
		},
		description: fmt.Sprintf("WithPayloadInvalidatorAtEpoch(%d, %s)", epoch, invType),
	}
}

func WithPayloadInvalidatorAtSlot(
	slot beacon.Slot,
	invType PayloadInvalidation,
) Option {
	return Option{
		apply: func(m *MockBuilder) error {
			m.cfg.mutex.Lock()
			defer m.cfg.mutex.Unlock()
			m.cfg.payloadModifier = genPayloadInvalidator(slot, invType)
			return nil
		},
		description: fmt.Sprintf("WithPayloadInvalidatorAtSlot(%d, %s)", slot, invType),
	}
}

// invalidBuilderBidVersion returns a bid of the previous milestone from
// activationSlot onwards.
func (m *MockBuilder) invalidBuilderBidVersion(activationSlot beacon.Slot) GetBuilderBidVersion {
	return func(slot beacon.Slot) (common.BuilderBid, error) {
		if slot >= activationSlot {
			switch m.milestoneAtSlot(slot) {
			case common.Deneb:
				return &capella.BuilderBid{}, nil
			case common.Capella:
				return &bellatrix.BuilderBid{}, nil
			}
		}
		return m.DefaultBuilderBidVersionResolver(slot)
	}
}

func WithInvalidBuilderBidVersionAtSlot(
	activationSlot beacon.Slot,
) Option {
	return Option{
		apply: func(m *MockBuilder) error {
			m.cfg.mutex.Lock()
			defer m.cfg.mutex.Unlock()
			m.cfg.builderBidVersionResolver = m.invalidBuilderBidVersion(activationSlot)
			return nil
		},
		description: fmt.Sprintf("WithInvalidBuilderBidVersionAtSlot(%d)", activationSlot),
	}
}

func WithInvalidBuilderBidVersionAtEpoch(
	activationEpoch beacon.Epoch,
) Option {
	return Option{
		apply: func(m *MockBuilder) error {
			m.cfg.mutex.Lock()
			defer m.cfg.mutex.Unlock()
			activationSlot, err := m.epochStartSlot(activationEpoch)
			if err != nil {
				return err
			}
			m.cfg.builderBidVersionResolver = m.invalidBuilderBidVersion(activationSlot)
			return nil
		},
		description: fmt.Sprintf("WithInvalidBuilderBidVersionAtEpoch(%d)", activationEpoch),
	}
}

func mislabelFromSlot(activationSlot beacon.Slot, label common.Milestone) VersionLabeler {
	return func(s beacon.Slot, actual common.Milestone) common.Milestone {
		if s >= activationSlot {
			return label
		}
		return actual
	}
}

// WithMislabeledBidVersionAtSlot keeps the bid body of the active milestone
// but tags the response with label.
func WithMislabeledBidVersionAtSlot(
	activationSlot beacon.Slot,
	label common.Milestone,
) Option {
	return Option{
		apply: func(m *MockBuilder) error {
			m.cfg.mutex.Lock()
			defer m.cfg.mutex.Unlock()
			m.cfg.bidVersionLabeler = mislabelFromSlot(activationSlot, label)
			return nil
		},
		description: fmt.Sprintf("WithMislabeledBidVersionAtSlot(%d, %s)", activationSlot, label),
	}
}

// WithMislabeledPayloadVersionAtSlot tags revealed payloads with label.
func WithMislabeledPayloadVersionAtSlot(
	activationSlot beacon.Slot,
	label common.Milestone,
) Option {
	return Option{
		apply: func(m *MockBuilder) error {
			m.cfg.mutex.Lock()
			defer m.cfg.mutex.Unlock()
			m.cfg.payloadVersionLabeler = mislabelFromSlot(activationSlot, label)
			return nil
		},
		description: fmt.Sprintf("WithMislabeledPayloadVersionAtSlot(%d, %s)", activationSlot, label),
	}
}
