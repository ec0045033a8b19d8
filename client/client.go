package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	el_common "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	builder_types "github.com/marioevz/builder-client/types"
	"github.com/marioevz/builder-client/types/common"
	beacon "github.com/protolambda/zrnt/eth2/beacon/common"
	"github.com/sirupsen/logrus"
)

const (
	PathStatus             = "/eth/v1/builder/status"
	PathRegisterValidators = "/eth/v1/builder/validators"
	PathGetHeader          = "/eth/v1/builder/header/%d/%s/%s"
	PathGetPayload         = "/eth/v1/builder/blinded_blocks"

	HeaderConsensusVersion = "Eth-Consensus-Version"

	OperationStatus             = "status"
	OperationRegisterValidators = "register_validators"
	OperationGetHeader          = "get_header"
	OperationGetPayload         = "get_payload"
)

// Version is reported in the User-Agent header.
var Version = "v0.1.0"

func UserAgent() string {
	return "builder-client/" + Version
}

// Client talks to a single builder over its REST API. It is safe for
// concurrent use; calls share no mutable state.
type Client struct {
	endpoint string
	forks    ForkSchedule
	cfg      *config
	metrics  *metrics
}

func New(endpoint string, forks ForkSchedule, opts ...Option) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid builder endpoint %q: %w", endpoint, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid builder endpoint %q: expected http(s)://host[:port]", endpoint)
	}
	if forks == nil {
		return nil, fmt.Errorf("nil fork schedule")
	}

	cfg := defaultConfig()
	for _, o := range opts {
		if err := o.apply(cfg); err != nil {
			return nil, fmt.Errorf("unable to apply option %s: %w", o.description, err)
		}
	}
	cfg.applyLogLevel()
	if cfg.transport == nil {
		cfg.transport = &http.Client{Timeout: cfg.timeout}
	}
	m, err := newMetrics(cfg.registerer)
	if err != nil {
		return nil, fmt.Errorf("unable to register metrics: %w", err)
	}
	cfg.logger = cfg.logger.WithField("builder", u.Host)

	return &Client{
		endpoint: strings.TrimRight(u.String(), "/"),
		forks:    forks,
		cfg:      cfg,
		metrics:  m,
	}, nil
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

type rawResponse struct {
	code int
	body []byte
}

func (c *Client) do(
	ctx context.Context,
	method, path string,
	body []byte,
	headers map[string]string,
) (*rawResponse, error) {
	target := c.endpoint + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("unable to prepare request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.userAgent {
		req.Header.Set("User-Agent", UserAgent())
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.cfg.transport.Do(req)
	if err != nil {
		return nil, &TransportError{Op: method, URL: target, Err: err}
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: method, URL: target, Err: err}
	}
	return &rawResponse{code: resp.StatusCode, body: respBody}, nil
}

// call tracks one operation from dispatch to its terminal outcome.
type call struct {
	operation string
	start     time.Time
	log       *logrus.Entry
	metrics   *metrics
}

func (c *Client) begin(operation string, fields logrus.Fields) *call {
	return &call{
		operation: operation,
		start:     time.Now(),
		log:       c.cfg.logger.WithField("operation", operation).WithFields(fields),
		metrics:   c.metrics,
	}
}

func (cl *call) finish(o outcome, status int, err error) {
	cl.metrics.observe(cl.operation, o, time.Since(cl.start))
	log := cl.log.WithFields(logrus.Fields{
		"outcome": o,
		"elapsed": time.Since(cl.start),
	})
	if status != 0 {
		log = log.WithField("status", status)
	}
	switch o {
	case outcomeSchemaError:
		log.WithField("err", err).Error("Builder response failed validation")
	case outcomeTransportError, outcomeRequestError:
		log.WithField("err", err).Warn("Builder call failed")
	default:
		log.Debug("Builder call completed")
	}
}

func (cl *call) fail(err error) error {
	cl.finish(outcomeOf(err), 0, err)
	return err
}

func failure[T any](cl *call, resp *rawResponse) *Response[T] {
	cl.finish(outcomeHTTPError, resp.code, nil)
	return Failure[T](resp.code, string(resp.body))
}

func success[T any](cl *call, status int, payload *T) *Response[T] {
	cl.finish(outcomeSucceeded, status, nil)
	return Success(payload)
}

// Status checks whether the builder is up.
func (c *Client) Status(ctx context.Context) (*Response[struct{}], error) {
	cl := c.begin(OperationStatus, nil)
	resp, err := c.do(ctx, http.MethodGet, PathStatus, nil, nil)
	if err != nil {
		return nil, cl.fail(err)
	}
	if resp.code != http.StatusOK {
		return failure[struct{}](cl, resp), nil
	}
	return success[struct{}](cl, resp.code, nil), nil
}

// RegisterValidators submits the registrations encoded with the schema of the
// milestone active at slot. An empty batch succeeds without a request.
func (c *Client) RegisterValidators(
	ctx context.Context,
	slot beacon.Slot,
	registrations []common.SignedValidatorRegistrationV1,
) (*Response[struct{}], error) {
	cl := c.begin(OperationRegisterValidators, logrus.Fields{
		"slot":          slot,
		"registrations": len(registrations),
	})
	if len(registrations) == 0 {
		return success[struct{}](cl, 0, nil), nil
	}

	schema, err := builder_types.SchemaFor(c.forks.MilestoneAtSlot(slot))
	if err != nil {
		return nil, cl.fail(err)
	}
	body, err := schema.EncodeRegistrations(registrations)
	if err != nil {
		return nil, cl.fail(fmt.Errorf("unable to encode registrations: %w", err))
	}

	resp, err := c.do(ctx, http.MethodPost, PathRegisterValidators, body, nil)
	if err != nil {
		return nil, cl.fail(err)
	}
	if resp.code != http.StatusOK {
		return failure[struct{}](cl, resp), nil
	}
	return success[struct{}](cl, resp.code, nil), nil
}

// GetHeader asks for the builder bid on top of parentHash at slot. A 204
// reply is an empty success.
func (c *Client) GetHeader(
	ctx context.Context,
	slot beacon.Slot,
	pubkey beacon.BLSPubkey,
	parentHash el_common.Hash,
) (*Response[common.VersionedSignedBuilderBid], error) {
	milestone := c.forks.MilestoneAtSlot(slot)
	cl := c.begin(OperationGetHeader, logrus.Fields{
		"slot":      slot,
		"milestone": milestone,
	})

	schema, err := builder_types.SchemaFor(milestone)
	if err != nil {
		return nil, cl.fail(err)
	}

	path := fmt.Sprintf(PathGetHeader, slot, parentHash.Hex(), hexutil.Encode(pubkey[:]))
	resp, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, cl.fail(err)
	}

	switch resp.code {
	case http.StatusNoContent:
		return success[common.VersionedSignedBuilderBid](cl, resp.code, nil), nil
	case http.StatusOK:
		bid := schema.NewSignedBuilderBid()
		if err := decodeVersioned(resp.body, milestone, bid); err != nil {
			return nil, cl.fail(err)
		}
		return success(cl, resp.code, &common.VersionedSignedBuilderBid{
			Version: milestone,
			Data:    bid,
		}), nil
	default:
		return failure[common.VersionedSignedBuilderBid](cl, resp), nil
	}
}

// GetPayload submits a signed blinded block and returns the execution payload
// the builder reveals for it. The milestone is the block's own.
func (c *Client) GetPayload(
	ctx context.Context,
	block common.SignedBlindedBeaconBlock,
) (*Response[common.ExecutionPayloadResponse], error) {
	if block == nil {
		return nil, fmt.Errorf("nil signed blinded beacon block")
	}
	milestone := block.Version()
	cl := c.begin(OperationGetPayload, logrus.Fields{
		"slot":      block.Slot(),
		"milestone": milestone,
	})

	schema, err := builder_types.SchemaFor(milestone)
	if err != nil {
		return nil, cl.fail(err)
	}
	body, err := schema.EncodeSignedBlindedBeaconBlock(block)
	if err != nil {
		return nil, cl.fail(fmt.Errorf("unable to encode blinded block: %w", err))
	}

	resp, err := c.do(ctx, http.MethodPost, PathGetPayload, body, map[string]string{
		HeaderConsensusVersion: string(milestone),
	})
	if err != nil {
		return nil, cl.fail(err)
	}
	if resp.code != http.StatusOK {
		return failure[common.ExecutionPayloadResponse](cl, resp), nil
	}

	payload := schema.NewExecutionPayload()
	if err := decodeVersioned(resp.body, milestone, payload); err != nil {
		return nil, cl.fail(err)
	}
	return success(cl, resp.code, &common.ExecutionPayloadResponse{
		Version: milestone,
		Data:    payload,
	}), nil
}

func (c *Client) StatusAsync(ctx context.Context) *Future[*Response[struct{}]] {
	return Go(func() (*Response[struct{}], error) {
		return c.Status(ctx)
	})
}

func (c *Client) RegisterValidatorsAsync(
	ctx context.Context,
	slot beacon.Slot,
	registrations []common.SignedValidatorRegistrationV1,
) *Future[*Response[struct{}]] {
	return Go(func() (*Response[struct{}], error) {
		return c.RegisterValidators(ctx, slot, registrations)
	})
}

func (c *Client) GetHeaderAsync(
	ctx context.Context,
	slot beacon.Slot,
	pubkey beacon.BLSPubkey,
	parentHash el_common.Hash,
) *Future[*Response[common.VersionedSignedBuilderBid]] {
	return Go(func() (*Response[common.VersionedSignedBuilderBid], error) {
		return c.GetHeader(ctx, slot, pubkey, parentHash)
	})
}

func (c *Client) GetPayloadAsync(
	ctx context.Context,
	block common.SignedBlindedBeaconBlock,
) *Future[*Response[common.ExecutionPayloadResponse]] {
	return Go(func() (*Response[common.ExecutionPayloadResponse], error) {
		return c.GetPayload(ctx, block)
	})
}
