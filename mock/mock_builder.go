package mock_builder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	el_common "github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	builder_types "github.com/marioevz/builder-client/types"
	"github.com/marioevz/builder-client/types/common"
	blsu "github.com/protolambda/bls12-381-util"
	beacon "github.com/protolambda/zrnt/eth2/beacon/common"
	"github.com/protolambda/zrnt/eth2/configs"
	"github.com/sirupsen/logrus"
)

// MockBuilder serves the builder REST API from deterministic, transaction-less
// payloads. It needs no execution or consensus client.
type MockBuilder struct {
	router *mux.Router

	// General properties
	srv              *http.Server
	sk               *blsu.SecretKey
	pk               *blsu.Pubkey
	pkBeacon         beacon.BLSPubkey
	builderApiDomain beacon.BLSDomain

	cancel context.CancelFunc

	// Payload/Blocks history maps
	registrations                   map[beacon.BLSPubkey]common.ValidatorRegistrationV1
	registrationsMutex              sync.Mutex
	requestedHeaders                map[beacon.Slot]GetHeaderRequestInfo
	requestedHeadersMutex           sync.Mutex
	builtBids                       map[beacon.Slot]common.BuilderBid
	builtBidsMutex                  sync.Mutex
	modifiedPayloads                map[beacon.Slot]common.ExecutionPayload
	modifiedPayloadsMutex           sync.Mutex
	receivedSignedBeaconBlocks      map[beacon.Slot]common.SignedBlindedBeaconBlock
	receivedSignedBeaconBlocksMutex sync.Mutex
	validationErrors                map[beacon.Slot]error
	validationErrorsMutex           sync.Mutex

	// Configuration object
	cfg *config
}

type GetHeaderRequestInfo struct {
	Slot   beacon.Slot
	Parent el_common.Hash
	Pubkey beacon.BLSPubkey
}

var _ builder_types.Builder = (*MockBuilder)(nil)

const (
	DEFAULT_BUILDER_HOST = "0.0.0.0"
	DEFAULT_BUILDER_PORT = 18550
)

var DEFAULT_BID_VALUE = big.NewInt(1_000_000_000)

// New configures a builder without starting its listener. It can be served
// through ServeHTTP directly.
func New(opts ...Option) (*MockBuilder, error) {
	m := &MockBuilder{
		registrations: make(
			map[beacon.BLSPubkey]common.ValidatorRegistrationV1,
		),
		requestedHeaders: make(map[beacon.Slot]GetHeaderRequestInfo),
		builtBids:        make(map[beacon.Slot]common.BuilderBid),
		modifiedPayloads: make(map[beacon.Slot]common.ExecutionPayload),
		receivedSignedBeaconBlocks: make(
			map[beacon.Slot]common.SignedBlindedBeaconBlock,
		),
		validationErrors: make(map[beacon.Slot]error),

		cfg: &config{
			host:         DEFAULT_BUILDER_HOST,
			port:         DEFAULT_BUILDER_PORT,
			spec:         configs.Mainnet,
			externalIP:   net.IPv4(127, 0, 0, 1),
			bidValue:     new(big.Int).Set(DEFAULT_BID_VALUE),
			gasLimit:     DEFAULT_GAS_LIMIT,
			minimumValue: big.NewInt(1),
		},
	}

	for _, o := range opts {
		if err := o.apply(m); err != nil {
			return nil, fmt.Errorf("unable to apply option %s: %w", o.description, err)
		}
	}

	m.builderApiDomain = common.BuilderDomain(m.cfg.spec)

	// static builder key
	skByte := [32]byte{}
	for i := range skByte {
		skByte[i] = byte(i)
	}
	sk := blsu.SecretKey{}
	if err := (&sk).Deserialize(&skByte); err != nil {
		return nil, fmt.Errorf("unable to deserialize builder key: %w", err)
	}
	m.sk = &sk
	pk, err := blsu.SkToPk(m.sk)
	if err != nil {
		return nil, err
	}
	m.pk = pk
	pkBytes := m.pk.Serialize()
	copy(m.pkBeacon[:], pkBytes[:])

	m.router = m.routes()
	m.srv = &http.Server{
		Handler: m.router,
		Addr:    fmt.Sprintf("%s:%d", m.cfg.host, m.cfg.port),
	}
	return m, nil
}

// NewMockBuilder configures a builder and starts listening until ctx is
// done or Cancel is called.
func NewMockBuilder(ctx context.Context, opts ...Option) (*MockBuilder, error) {
	m, err := New(opts...)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go func() {
		if err := m.Start(ctx); err != nil && err != context.Canceled {
			m.log().WithField("err", err).Error("Builder stopped")
		}
	}()
	return m, nil
}

func (m *MockBuilder) routes() *mux.Router {
	router := mux.NewRouter()

	// Builder API
	router.HandleFunc("/eth/v1/builder/validators", m.HandleValidators).
		Methods("POST")
	router.HandleFunc("/eth/v1/builder/header/{slot:[0-9]+}/{parenthash}/{pubkey}", m.HandleGetExecutionPayloadHeader).
		Methods("GET")
	router.HandleFunc("/eth/v1/builder/blinded_blocks", m.HandleSubmitBlindedBlock).
		Methods("POST")
	router.HandleFunc("/eth/v1/builder/status", m.HandleStatus).Methods("GET")

	// Mock customization
	for _, toggle := range []struct {
		path    string
		enable  http.HandlerFunc
		disable http.HandlerFunc
	}{
		{"/mock/errors/payload_request", m.HandleMockEnableErrorOnHeaderRequest, m.HandleMockDisableErrorOnHeaderRequest},
		{"/mock/errors/payload_reveal", m.HandleMockEnableErrorOnPayloadReveal, m.HandleMockDisableErrorOnPayloadReveal},
		{"/mock/no_bid", m.HandleMockEnableNoBid, m.HandleMockDisableNoBid},
		{"/mock/invalid/payload/{type}", m.HandleMockEnableInvalidatePayload, nil},
	} {
		if toggle.disable != nil {
			router.HandleFunc(toggle.path, toggle.disable).Methods("DELETE")
		}
		router.HandleFunc(toggle.path, toggle.enable).Methods("POST")
		router.HandleFunc(toggle.path+"/slot/{slot:[0-9]+}", toggle.enable).Methods("POST")
		router.HandleFunc(toggle.path+"/epoch/{epoch:[0-9]+}", toggle.enable).Methods("POST")
	}
	router.HandleFunc("/mock/invalid/payload", m.HandleMockDisableInvalidatePayload).
		Methods("DELETE")

	// Statistics Handlers
	router.HandleFunc("/mock/stats/validation_errors", m.HandleValidationErrors).Methods("GET")

	return router
}

func (m *MockBuilder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	m.router.ServeHTTP(w, req)
}

func (m *MockBuilder) log() *logrus.Entry {
	return logrus.WithField("builder_id", m.cfg.id)
}

func (m *MockBuilder) Cancel() error {
	if m.cancel != nil {
		m.cancel()
	}
	return nil
}

func (m *MockBuilder) milestoneAtSlot(slot beacon.Slot) common.Milestone {
	return builder_types.SpecForkSchedule{Spec: m.cfg.spec}.MilestoneAtSlot(slot)
}

func (m *MockBuilder) DefaultBuilderBidVersionResolver(
	slot beacon.Slot,
) (common.BuilderBid, error) {
	schema, err := builder_types.SchemaFor(m.milestoneAtSlot(slot))
	if err != nil {
		return nil, fmt.Errorf("payload requested from improper fork: %w", err)
	}
	return schema.NewBuilderBid(), nil
}

// Start serves the builder API until ctx is done.
func (m *MockBuilder) Start(ctx context.Context) error {
	m.srv.BaseContext = func(listener net.Listener) context.Context {
		return ctx
	}
	fields := logrus.Fields{
		"address":              m.Address(),
		"port":                 m.cfg.port,
		"pubkey":               m.pkBeacon.String(),
		"get-payload-delay-ms": m.cfg.getPayloadDelayMs,
	}
	if m.cfg.extraDataWatermark != "" {
		fields["extra-data"] = m.cfg.extraDataWatermark
	}
	m.log().WithFields(fields).Info("Builder now listening")
	go func() {
		if err := m.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.log().Error(err)
		}
	}()
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return m.srv.Shutdown(shutdownCtx)
}

func (m *MockBuilder) Address() string {
	return fmt.Sprintf(
		"http://%s@%v:%d",
		m.pkBeacon.String(),
		m.cfg.externalIP,
		m.cfg.port,
	)
}

func (m *MockBuilder) PubKey() beacon.BLSPubkey {
	return m.pkBeacon
}

func (m *MockBuilder) Spec() *beacon.Spec {
	return m.cfg.spec
}

func (m *MockBuilder) GetBuiltPayloadsCount() int {
	m.builtBidsMutex.Lock()
	defer m.builtBidsMutex.Unlock()
	return len(m.builtBids)
}

func (m *MockBuilder) GetSignedBeaconBlockCount() int {
	m.receivedSignedBeaconBlocksMutex.Lock()
	defer m.receivedSignedBeaconBlocksMutex.Unlock()
	return len(m.receivedSignedBeaconBlocks)
}

func copyMap[K comparable, V any](mu *sync.Mutex, src map[K]V) map[K]V {
	mu.Lock()
	defer mu.Unlock()
	mapCopy := make(map[K]V, len(src))
	for k, v := range src {
		mapCopy[k] = v
	}
	return mapCopy
}

func (m *MockBuilder) GetBuiltBids() map[beacon.Slot]common.BuilderBid {
	return copyMap(&m.builtBidsMutex, m.builtBids)
}

func (m *MockBuilder) GetModifiedPayloads() map[beacon.Slot]common.ExecutionPayload {
	return copyMap(&m.modifiedPayloadsMutex, m.modifiedPayloads)
}

func (m *MockBuilder) GetSignedBeaconBlock(slot beacon.Slot) (common.SignedBlindedBeaconBlock, bool) {
	m.receivedSignedBeaconBlocksMutex.Lock()
	defer m.receivedSignedBeaconBlocksMutex.Unlock()
	block, ok := m.receivedSignedBeaconBlocks[slot]
	return block, ok
}

func (m *MockBuilder) GetSignedBeaconBlocks() map[beacon.Slot]common.SignedBlindedBeaconBlock {
	return copyMap(&m.receivedSignedBeaconBlocksMutex, m.receivedSignedBeaconBlocks)
}

func (m *MockBuilder) GetValidationErrors() map[beacon.Slot]error {
	return copyMap(&m.validationErrorsMutex, m.validationErrors)
}

func (m *MockBuilder) GetValidationErrorsCount() int {
	m.validationErrorsMutex.Lock()
	defer m.validationErrorsMutex.Unlock()
	return len(m.validationErrors)
}

func (m *MockBuilder) GetHeaderRequests() map[beacon.Slot]GetHeaderRequestInfo {
	return copyMap(&m.requestedHeadersMutex, m.requestedHeaders)
}

func (m *MockBuilder) GetValidatorRegistrations() map[beacon.BLSPubkey]common.ValidatorRegistrationV1 {
	return copyMap(&m.registrationsMutex, m.registrations)
}

func (m *MockBuilder) SlotToTimestamp(slot beacon.Slot) uint64 {
	return uint64(
		m.cfg.beaconGenesisTime + beacon.Timestamp(
			slot,
		)*beacon.Timestamp(
			m.cfg.spec.SECONDS_PER_SLOT,
		),
	)
}

func (m *MockBuilder) HandleValidators(
	w http.ResponseWriter,
	req *http.Request,
) {
	requestBytes, err := io.ReadAll(req.Body)
	if err != nil {
		m.log().WithField("err", err).Error("Unable to read request body")
		serveError(w, http.StatusBadRequest, "Unable to read request body")
		return
	}
	var signedValidatorRegistrations []common.SignedValidatorRegistrationV1
	if err := json.Unmarshal(requestBytes, &signedValidatorRegistrations); err != nil {
		m.log().WithField("err", err).Error("Unable to parse request body")
		serveError(w, http.StatusBadRequest, "Unable to parse request body")
		return
	}

	for _, vr := range signedValidatorRegistrations {
		if err := vr.Verify(m.builderApiDomain); err != nil {
			m.log().WithFields(logrus.Fields{
				"pubkey":        vr.Message.PubKey,
				"fee_recipient": vr.Message.FeeRecipient,
				"timestamp":     vr.Message.Timestamp,
				"gas_limit":     vr.Message.GasLimit,
				"err":           err,
			}).Error("Unable to verify registration")
			serveError(
				w,
				http.StatusBadRequest,
				fmt.Sprintf("Unable to verify registration of %s: %v", vr.Message.PubKey, err),
			)
			return
		}
	}

	m.registrationsMutex.Lock()
	for _, vr := range signedValidatorRegistrations {
		m.registrations[vr.Message.PubKey] = vr.Message
	}
	m.registrationsMutex.Unlock()

	m.log().WithField("validator_count", len(signedValidatorRegistrations)).Info(
		"Received validator registrations",
	)
	w.WriteHeader(http.StatusOK)
}

type PayloadHeaderRequestVarsParser map[string]string

func (vars PayloadHeaderRequestVarsParser) Slot() (beacon.Slot, error) {
	slotStr, ok := vars["slot"]
	if !ok {
		return 0, fmt.Errorf("no slot")
	}
	slot, err := strconv.ParseUint(slotStr, 10, 64)
	return beacon.Slot(slot), err
}

func (vars PayloadHeaderRequestVarsParser) PubKey() (pubkey beacon.BLSPubkey, err error) {
	if pubkeyStr, ok := vars["pubkey"]; ok {
		err = (&pubkey).UnmarshalText([]byte(pubkeyStr))
	} else {
		err = fmt.Errorf("no pubkey")
	}
	return pubkey, err
}

func (vars PayloadHeaderRequestVarsParser) ParentHash() (el_common.Hash, error) {
	parentHashStr, ok := vars["parenthash"]
	if !ok {
		return el_common.Hash{}, fmt.Errorf("no parent_hash")
	}
	var h el_common.Hash
	if err := h.UnmarshalText([]byte(parentHashStr)); err != nil {
		return el_common.Hash{}, err
	}
	return h, nil
}

// proposerPreferences returns the registered fee recipient and gas limit of
// pubkey, or the builder defaults when it never registered.
func (m *MockBuilder) proposerPreferences(pubkey beacon.BLSPubkey) (el_common.Address, uint64) {
	m.registrationsMutex.Lock()
	reg, ok := m.registrations[pubkey]
	m.registrationsMutex.Unlock()

	m.cfg.mutex.Lock()
	gasLimit := m.cfg.gasLimit
	m.cfg.mutex.Unlock()
	if !ok {
		return el_common.Address{}, gasLimit
	}
	var addr el_common.Address
	copy(addr[:], reg.FeeRecipient[:])
	if reg.GasLimit != 0 {
		gasLimit = uint64(reg.GasLimit)
	}
	return addr, gasLimit
}

func (m *MockBuilder) HandleGetExecutionPayloadHeader(
	w http.ResponseWriter, req *http.Request,
) {
	vars := PayloadHeaderRequestVarsParser(mux.Vars(req))

	slot, err := vars.Slot()
	if err != nil {
		m.log().WithField("err", err).Error("Unable to parse request url")
		serveError(w, http.StatusBadRequest, "Unable to parse request url")
		return
	}
	parentHash, err := vars.ParentHash()
	if err != nil {
		m.log().WithField("err", err).Error("Unable to parse request url")
		serveError(w, http.StatusBadRequest, "Unable to parse request url")
		return
	}
	pubkey, err := vars.PubKey()
	if err != nil {
		m.log().WithField("err", err).Error("Unable to parse request url")
		serveError(w, http.StatusBadRequest, "Unable to parse request url")
		return
	}

	log := m.log().WithFields(logrus.Fields{
		"slot":        slot,
		"parent_hash": parentHash,
		"pubkey":      pubkey,
	})
	log.Info("Received request for header")

	// Add the request to the history
	m.requestedHeadersMutex.Lock()
	m.requestedHeaders[slot] = GetHeaderRequestInfo{
		Slot:   slot,
		Parent: parentHash,
		Pubkey: pubkey,
	}
	m.requestedHeadersMutex.Unlock()

	m.cfg.mutex.Lock()
	var (
		errOnHeaderReq    = m.cfg.errorOnHeaderRequest
		noBid             = m.cfg.noBid
		delay             = time.Duration(m.cfg.getPayloadDelayMs) * time.Millisecond
		bidResolver       = m.cfg.builderBidVersionResolver
		bidVersionLabeler = m.cfg.bidVersionLabeler
	)
	m.cfg.mutex.Unlock()

	// Check if we are supposed to simulate an error
	if errOnHeaderReq != nil {
		if err := errOnHeaderReq(slot); err != nil {
			log.WithField("err", err).Error("Simulated error")
			serveError(w, http.StatusInternalServerError, "Unable to respond to header request")
			return
		}
	}
	if noBid != nil && noBid(slot) {
		log.Info("No bid for slot")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-req.Context().Done():
			return
		}
	}

	if bidResolver == nil {
		bidResolver = m.DefaultBuilderBidVersionResolver
	}
	builderBid, err := bidResolver(slot)
	if err != nil {
		log.WithField("err", err).Error("Error getting builder bid version")
		serveError(w, http.StatusBadRequest, fmt.Sprintf("Unable to respond to header request: %v", err))
		return
	}

	feeRecipient, gasLimit := m.proposerPreferences(pubkey)
	payloadModified, err := m.buildBid(&payloadRequest{
		slot:         slot,
		milestone:    builderBid.Version(),
		parentHash:   parentHash,
		feeRecipient: feeRecipient,
		gasLimit:     gasLimit,
	}, builderBid)
	if err != nil {
		log.WithField("err", err).Error("Error building bid")
		serveError(w, http.StatusInternalServerError, "Unable to respond to header request")
		return
	}
	if payloadModified {
		log.Info("Modified payload")
	}

	value, err := m.bidValue()
	if err != nil {
		log.WithField("err", err).Error("Error modifying bid value")
		serveError(w, http.StatusInternalServerError, "Unable to respond to header request")
		return
	}
	builderBid.SetValue(value)
	builderBid.SetPubKey(m.pkBeacon)

	signedBid, err := builderBid.Sign(m.cfg.spec, m.builderApiDomain, m.sk, m.pk)
	if err != nil {
		log.WithField("err", err).Error("Error signing bid")
		serveError(w, http.StatusInternalServerError, "Unable to respond to header request")
		return
	}

	versionedSignedBid := signedBid.Versioned()
	if bidVersionLabeler != nil {
		versionedSignedBid.Version = bidVersionLabeler(slot, versionedSignedBid.Version)
	}

	log.WithFields(logrus.Fields{
		"fork":       builderBid.Version(),
		"label":      versionedSignedBid.Version,
		"block_hash": builderBid.BlockHash().String(),
		"value":      value.String(),
	}).Info("Built bid")

	// Cache the bid before serving so that an immediate reveal finds it
	m.builtBidsMutex.Lock()
	m.builtBids[slot] = builderBid
	m.builtBidsMutex.Unlock()
	if payloadModified {
		m.modifiedPayloadsMutex.Lock()
		m.modifiedPayloads[slot] = builderBid.FullPayload()
		m.modifiedPayloadsMutex.Unlock()
	}

	if err = serveJSON(w, versionedSignedBid); err != nil {
		log.WithField("err", err).Error("Error writing JSON response")
		serveError(w, http.StatusInternalServerError, "Unable to respond to header request")
		return
	}
}

type SlotEnvelope struct {
	Slot beacon.Slot `json:"slot" yaml:"slot"`
}

type MessageSlotEnvelope struct {
	SlotEnvelope SlotEnvelope `json:"message" yaml:"message"`
}

type DenebMessageSlotEnvelope struct {
	MessageSlotEnvelope MessageSlotEnvelope `json:"signed_blinded_block" yaml:"signed_blinded_block"`
}

// sniffSlot finds the slot of a submitted block without knowing its fork.
func sniffSlot(requestBytes []byte) beacon.Slot {
	var messageSlotEnvelope MessageSlotEnvelope
	if err := json.Unmarshal(requestBytes, &messageSlotEnvelope); err == nil &&
		messageSlotEnvelope.SlotEnvelope.Slot != 0 {
		return messageSlotEnvelope.SlotEnvelope.Slot
	}
	var denebMessageSlotEnvelope DenebMessageSlotEnvelope
	if err := json.Unmarshal(requestBytes, &denebMessageSlotEnvelope); err == nil {
		return denebMessageSlotEnvelope.MessageSlotEnvelope.SlotEnvelope.Slot
	}
	return 0
}

// submissionMilestone prefers the Eth-Consensus-Version header and falls
// back to the fork active at the slot of the block.
func (m *MockBuilder) submissionMilestone(req *http.Request, requestBytes []byte) (common.Milestone, error) {
	if v := req.Header.Get("Eth-Consensus-Version"); v != "" {
		return common.ParseMilestone(v)
	}
	return m.milestoneAtSlot(sniffSlot(requestBytes)), nil
}

func (m *MockBuilder) HandleSubmitBlindedBlock(
	w http.ResponseWriter, req *http.Request,
) {
	m.log().Info("Received submission for blinded blocks")
	requestBytes, err := io.ReadAll(req.Body)
	if err != nil {
		m.log().WithField("err", err).Error("Unable to read request body")
		serveError(w, http.StatusBadRequest, "Unable to read request body")
		return
	}

	milestone, err := m.submissionMilestone(req, requestBytes)
	if err != nil {
		m.log().WithField("err", err).Error("Unable to determine block version")
		serveError(w, http.StatusBadRequest, fmt.Sprintf("Unable to determine block version: %v", err))
		return
	}
	schema, err := builder_types.SchemaFor(milestone)
	if err != nil {
		m.log().WithField("err", err).Error("Received signed blinded block of unknown fork")
		serveError(w, http.StatusBadRequest, fmt.Sprintf("Unable to parse request body: %v", err))
		return
	}
	signedBlock, err := schema.DecodeSignedBlindedBeaconBlock(requestBytes)
	if err != nil {
		m.log().WithFields(logrus.Fields{
			"err":     err,
			"request": string(requestBytes),
		}).Error("Unable to parse request body")
		serveError(w, http.StatusBadRequest, "Unable to parse request body")
		return
	}
	slot := signedBlock.Slot()
	log := m.log().WithFields(logrus.Fields{
		"slot": slot,
		"fork": milestone,
	})

	// Look up the payload in the history of bids
	m.builtBidsMutex.Lock()
	builtBid, ok := m.builtBids[slot]
	m.builtBidsMutex.Unlock()
	if !ok {
		log.Error("Could not find payload in history")
		serveError(w, http.StatusInternalServerError, "Unable to get payload")
		return
	}

	// Record the signed beacon block
	m.receivedSignedBeaconBlocksMutex.Lock()
	m.receivedSignedBeaconBlocks[slot] = signedBlock
	m.receivedSignedBeaconBlocksMutex.Unlock()

	unblindedResponse, err := builtBid.ValidateReveal(signedBlock)
	if err != nil {
		m.validationErrorsMutex.Lock()
		m.validationErrors[slot] = err
		m.validationErrorsMutex.Unlock()
		log.WithField("err", err).Error("Error validating signed blinded block")
		serveError(w, http.StatusBadRequest, fmt.Sprintf("Error validating signed blinded block: %v", err))
		return
	}

	log.WithFields(logrus.Fields{
		"proposer_index": signedBlock.ProposerIndex(),
		"state_root":     signedBlock.StateRoot().String(),
		"signature":      signedBlock.BlockSignature().String(),
		"payload":        builtBid.BlockHash().String(),
	}).Info("Received signed blinded block")

	m.cfg.mutex.Lock()
	errOnPayloadReveal := m.cfg.errorOnPayloadReveal
	payloadVersionLabeler := m.cfg.payloadVersionLabeler
	m.cfg.mutex.Unlock()
	// Check if we are supposed to simulate an error
	if errOnPayloadReveal != nil {
		if err := errOnPayloadReveal(slot); err != nil {
			log.WithField("err", err).Error("Simulated error")
			serveError(w, http.StatusInternalServerError, "Unable to reveal payload")
			return
		}
	}
	if payloadVersionLabeler != nil {
		unblindedResponse.Version = payloadVersionLabeler(slot, unblindedResponse.Version)
	}

	if err := serveJSON(w, unblindedResponse); err != nil {
		log.WithField("err", err).Error("Error preparing response from payload")
		serveError(w, http.StatusInternalServerError, "Unable to reveal payload")
		return
	}
	log.Info("Unblinded payload sent")
}

func (m *MockBuilder) HandleStatus(
	w http.ResponseWriter, req *http.Request,
) {
	m.log().Debug("Received request for status")
	w.WriteHeader(http.StatusOK)
}

// mock builder options handlers
func (m *MockBuilder) parseSlotEpochRequest(
	vars map[string]string,
) (slot beacon.Slot, errcode int, err error) {
	if slotStr, ok := vars["slot"]; ok {
		var slotInt uint64
		if slotInt, err = strconv.ParseUint(slotStr, 10, 64); err != nil {
			errcode = http.StatusBadRequest
			return
		}
		slot = beacon.Slot(slotInt)
	} else if epochStr, ok := vars["epoch"]; ok {
		var epoch uint64
		if epoch, err = strconv.ParseUint(epochStr, 10, 64); err != nil {
			errcode = http.StatusBadRequest
			return
		}
		if slot, err = m.epochStartSlot(beacon.Epoch(epoch)); err != nil {
			errcode = http.StatusInternalServerError
			return
		}
	}
	return
}

// enableAtSlot applies the option produced for the slot or epoch in the
// request path, or for slot zero when neither is present.
func (m *MockBuilder) enableAtSlot(
	w http.ResponseWriter,
	req *http.Request,
	what string,
	opt func(beacon.Slot) Option,
) {
	slot, code, err := m.parseSlotEpochRequest(mux.Vars(req))
	if err != nil {
		m.log().WithField("err", err).Error("Unable to parse slot/epoch in request")
		serveError(w, code, fmt.Sprintf("Unable to respond request: %v", err))
		return
	}
	m.log().WithField("slot", slot).Infof("Received request to enable %s", what)
	if err = opt(slot).apply(m); err != nil {
		m.log().WithField("err", err).Errorf("Unable to enable %s", what)
		serveError(w, http.StatusInternalServerError, fmt.Sprintf("Unable to enable %s: %v", what, err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (m *MockBuilder) disable(w http.ResponseWriter, what string, reset func(*config)) {
	m.log().Infof("Received request to disable %s", what)
	m.cfg.mutex.Lock()
	reset(m.cfg)
	m.cfg.mutex.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (m *MockBuilder) HandleMockDisableErrorOnHeaderRequest(
	w http.ResponseWriter, req *http.Request,
) {
	m.disable(w, "error on payload request", func(c *config) {
		c.errorOnHeaderRequest = nil
	})
}

func (m *MockBuilder) HandleMockEnableErrorOnHeaderRequest(
	w http.ResponseWriter, req *http.Request,
) {
	m.enableAtSlot(w, req, "error on payload request", WithErrorOnHeaderRequestAtSlot)
}

func (m *MockBuilder) HandleMockDisableErrorOnPayloadReveal(
	w http.ResponseWriter, req *http.Request,
) {
	m.disable(w, "error on payload reveal", func(c *config) {
		c.errorOnPayloadReveal = nil
	})
}

func (m *MockBuilder) HandleMockEnableErrorOnPayloadReveal(
	w http.ResponseWriter, req *http.Request,
) {
	m.enableAtSlot(w, req, "error on payload reveal", WithErrorOnPayloadRevealAtSlot)
}

func (m *MockBuilder) HandleMockDisableNoBid(
	w http.ResponseWriter, req *http.Request,
) {
	m.disable(w, "no bid", func(c *config) {
		c.noBid = nil
	})
}

func (m *MockBuilder) HandleMockEnableNoBid(
	w http.ResponseWriter, req *http.Request,
) {
	m.enableAtSlot(w, req, "no bid", WithNoBidAtSlot)
}

func (m *MockBuilder) HandleMockDisableInvalidatePayload(
	w http.ResponseWriter, req *http.Request,
) {
	m.disable(w, "invalidation of payload", func(c *config) {
		c.payloadModifier = nil
	})
}

func (m *MockBuilder) HandleMockEnableInvalidatePayload(
	w http.ResponseWriter, req *http.Request,
) {
	typeStr := mux.Vars(req)["type"]
	invTyp, ok := PayloadInvalidationTypes[typeStr]
	if !ok {
		m.log().WithField("type", typeStr).Error("Unable to parse request url: unknown invalidity type")
		serveError(
			w,
			http.StatusBadRequest,
			fmt.Sprintf("Unable to parse request url: unknown invalidity type: %s", typeStr),
		)
		return
	}
	m.enableAtSlot(w, req, fmt.Sprintf("payload invalidation (%s)", invTyp), func(slot beacon.Slot) Option {
		return WithPayloadInvalidatorAtSlot(slot, invTyp)
	})
}

// Stats handlers

func (m *MockBuilder) HandleValidationErrors(
	w http.ResponseWriter, req *http.Request,
) {
	validationErrors := make(map[string]string)
	for k, v := range m.GetValidationErrors() {
		validationErrors[k.String()] = v.Error()
	}
	if err := serveJSON(w, validationErrors); err != nil {
		m.log().WithField("err", err).Error("Error writing JSON response")
		serveError(w, http.StatusInternalServerError, "Unable to respond")
	}
}

// helpers

type errorMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func serveError(w http.ResponseWriter, code int, message string) {
	resp, _ := json.Marshal(errorMessage{Code: code, Message: message})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(resp)
}

func serveJSON(w http.ResponseWriter, value interface{}) error {
	resp, err := json.Marshal(value)
	if err != nil {
		return err
	}
	logrus.Debug(string(resp))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	n, err := w.Write(resp)
	if err != nil {
		return err
	}
	logrus.Debugf("Wrote %d bytes on response", n)
	return nil
}
