package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	el_common "github.com/ethereum/go-ethereum/common"
	builder_types "github.com/marioevz/builder-client/types"
	"github.com/marioevz/builder-client/types/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	beacon "github.com/protolambda/zrnt/eth2/beacon/common"
	"github.com/protolambda/ztyp/tree"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	internalServerError = `{"code":500,"message":"Internal server error"}`
	testParentHash      = "0xcf8e0d4e9587369b2301d0790347320302cc0943d5a1884560367e8208d920f2"
	testPubKey          = "0x93247f2209abcacf57b75a51dafae777f9dd38bc7053d1af526f220a7489a6d3a2753e5f3e8b1cfe39b56f43611df74a"
	testBlockHash       = "0x64abe51201d17632c49451cc56234e5302e4c8accc78f0f505adca2a7a641d5b"
)

var testSignature = "0x" + strings.Repeat("ab", 96)

func capellaHeaderJSON(withWithdrawalsRoot bool) string {
	withdrawalsRoot := ""
	if withWithdrawalsRoot {
		withdrawalsRoot = `,"withdrawals_root": "0x792930bbd5baac43bcc798ee49aa8185ef76bb3b44ba62b91d86ae569e4bb535"`
	}
	return fmt.Sprintf(`{
		"parent_hash": "%s",
		"fee_recipient": "0xa94f5374fce5edbc8e2a8697c15331677e6ebf0b",
		"state_root": "0x3b837390c27eb0e942f244bcd26846eedb1d700b92b0e5b281865a38b4d23215",
		"receipts_root": "0x022ef61f2ebf0a152c0a9666f125bf7c136d381030d53b39afbebbcd52474f79",
		"logs_bloom": "0x%s",
		"prev_randao": "0x56dfb907db624dd0ac4d33fae369903fb503a514dc80f62930d8fababf710211",
		"block_number": "3",
		"gas_limit": "30000000",
		"gas_used": "630000",
		"timestamp": "1693427668",
		"extra_data": "0x6275696c646572207061796c6f616420747374",
		"base_fee_per_gas": "694708985",
		"block_hash": "%s",
		"transactions_root": "0xf98871e64d8f973e98ea046d7f10bdb3dee2381f0d4640beda219ec73feba2d1"%s
	}`, testParentHash, strings.Repeat("00", 256), testBlockHash, withdrawalsRoot)
}

func signedBidJSON(version string, withWithdrawalsRoot bool) string {
	return fmt.Sprintf(`{
		"version": "%s",
		"data": {
			"message": {
				"header": %s,
				"value": "6300000000000000",
				"pubkey": "%s"
			},
			"signature": "%s"
		}
	}`, version, capellaHeaderJSON(withWithdrawalsRoot), testPubKey, testSignature)
}

func capellaPayloadJSON(version string) string {
	return fmt.Sprintf(`{
		"version": "%s",
		"data": {
			"parent_hash": "%s",
			"fee_recipient": "0xa94f5374fce5edbc8e2a8697c15331677e6ebf0b",
			"state_root": "0x3b837390c27eb0e942f244bcd26846eedb1d700b92b0e5b281865a38b4d23215",
			"receipts_root": "0x022ef61f2ebf0a152c0a9666f125bf7c136d381030d53b39afbebbcd52474f79",
			"logs_bloom": "0x%s",
			"prev_randao": "0x56dfb907db624dd0ac4d33fae369903fb503a514dc80f62930d8fababf710211",
			"block_number": "3",
			"gas_limit": "30000000",
			"gas_used": "0",
			"timestamp": "1693427668",
			"extra_data": "0x",
			"base_fee_per_gas": "7",
			"block_hash": "%s",
			"transactions": [],
			"withdrawals": []
		}
	}`, version, testParentHash, strings.Repeat("00", 256), testBlockHash)
}

type recordedRequest struct {
	method string
	path   string
	header http.Header
	body   []byte
}

// recorder answers every request with a fixed status and body and keeps the
// requests it received.
type recorder struct {
	mu       sync.Mutex
	code     int
	body     string
	requests []recordedRequest
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.requests = append(r.requests, recordedRequest{
		method: req.Method,
		path:   req.URL.Path,
		header: req.Header.Clone(),
		body:   body,
	})
	code, respBody := r.code, r.body
	r.mu.Unlock()
	w.WriteHeader(code)
	io.WriteString(w, respBody)
}

func (r *recorder) last(t *testing.T) recordedRequest {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.requests)
	return r.requests[len(r.requests)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func newTestClient(
	t *testing.T,
	code int,
	body string,
	forks ForkSchedule,
	opts ...Option,
) (*Client, *recorder) {
	t.Helper()
	rec := &recorder{code: code, body: body}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, forks, opts...)
	require.NoError(t, err)
	return c, rec
}

func testPubKeyValue(t *testing.T) beacon.BLSPubkey {
	t.Helper()
	var pubkey beacon.BLSPubkey
	require.NoError(t, pubkey.UnmarshalText([]byte(testPubKey)))
	return pubkey
}

func testCapellaBlock(t *testing.T) common.SignedBlindedBeaconBlock {
	t.Helper()
	schema, err := builder_types.SchemaFor(common.Capella)
	require.NoError(t, err)
	block, err := schema.DecodeSignedBlindedBeaconBlock([]byte(fmt.Sprintf(
		`{"message":{"slot":"1","body":{"execution_payload_header":{"block_hash":"%s"}}}}`,
		testBlockHash,
	)))
	require.NoError(t, err)
	return block
}

func TestNew(t *testing.T) {
	for _, endpoint := range []string{
		"",
		"localhost:18550",
		"ftp://localhost:18550",
		"http://",
		"://bad",
	} {
		_, err := New(endpoint, FixedMilestone(common.Capella))
		require.Error(t, err, endpoint)
	}

	_, err := New("http://localhost:18550", nil)
	require.Error(t, err)

	_, err = New("http://localhost:18550", FixedMilestone(common.Capella), WithTimeout(-time.Second))
	require.Error(t, err)

	c, err := New("http://localhost:18550/", FixedMilestone(common.Capella))
	require.NoError(t, err)
	require.Equal(t, "http://localhost:18550", c.Endpoint())
}

func TestLogLevel(t *testing.T) {
	globalLevel := logrus.GetLevel()

	c, err := New("http://localhost:18550", FixedMilestone(common.Capella), WithLogLevel("trace"))
	require.NoError(t, err)
	require.Equal(t, logrus.TraceLevel, c.cfg.logger.Logger.GetLevel())
	require.Equal(t, globalLevel, logrus.GetLevel())

	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	c, err = New(
		"http://localhost:18550",
		FixedMilestone(common.Capella),
		WithLogLevel("debug"),
		WithLogger(logrus.NewEntry(logger)),
	)
	require.NoError(t, err)
	require.Same(t, logger, c.cfg.logger.Logger)
	require.Equal(t, logrus.DebugLevel, logger.GetLevel())
	require.Equal(t, globalLevel, logrus.GetLevel())

	_, err = New("http://localhost:18550", FixedMilestone(common.Capella), WithLogLevel("loud"))
	require.Error(t, err)
}

func TestStatus(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		c, rec := newTestClient(t, http.StatusOK, "", FixedMilestone(common.Capella))
		resp, err := c.Status(context.Background())
		require.NoError(t, err)
		require.True(t, resp.IsSuccess())
		require.Nil(t, resp.Payload())

		req := rec.last(t)
		require.Equal(t, http.MethodGet, req.method)
		require.Equal(t, PathStatus, req.path)
		require.Equal(t, UserAgent(), req.header.Get("User-Agent"))
	})

	t.Run("failure", func(t *testing.T) {
		c, _ := newTestClient(t, http.StatusInternalServerError, internalServerError, FixedMilestone(common.Capella))
		resp, err := c.Status(context.Background())
		require.NoError(t, err)
		require.True(t, resp.IsFailure())
		require.Equal(t, http.StatusInternalServerError, resp.StatusCode())
		require.Equal(t, internalServerError, resp.ErrorMessage())
	})
}

func TestRegisterValidators(t *testing.T) {
	registrations := []common.SignedValidatorRegistrationV1{
		{
			Message: common.ValidatorRegistrationV1{
				GasLimit:  30_000_000,
				Timestamp: 1_700_000_000,
				PubKey:    testPubKeyValue(t),
			},
		},
	}

	t.Run("empty batch", func(t *testing.T) {
		c, rec := newTestClient(t, http.StatusOK, "", FixedMilestone(common.Capella))
		for _, regs := range [][]common.SignedValidatorRegistrationV1{nil, {}} {
			resp, err := c.RegisterValidators(context.Background(), 1, regs)
			require.NoError(t, err)
			require.True(t, resp.IsSuccess())
		}
		require.Zero(t, rec.count())
	})

	t.Run("ok", func(t *testing.T) {
		c, rec := newTestClient(t, http.StatusOK, "", FixedMilestone(common.Capella))
		resp, err := c.RegisterValidators(context.Background(), 1, registrations)
		require.NoError(t, err)
		require.True(t, resp.IsSuccess())

		req := rec.last(t)
		require.Equal(t, http.MethodPost, req.method)
		require.Equal(t, PathRegisterValidators, req.path)
		require.Equal(t, "application/json", req.header.Get("Content-Type"))
		schema, err := builder_types.SchemaFor(common.Capella)
		require.NoError(t, err)
		expected, err := schema.EncodeRegistrations(registrations)
		require.NoError(t, err)
		require.Equal(t, expected, req.body)
	})

	t.Run("failure", func(t *testing.T) {
		c, _ := newTestClient(t, http.StatusBadRequest, `{"code":400,"message":"invalid signature"}`, FixedMilestone(common.Capella))
		resp, err := c.RegisterValidators(context.Background(), 1, registrations)
		require.NoError(t, err)
		require.True(t, resp.IsFailure())
		require.Equal(t, http.StatusBadRequest, resp.StatusCode())
		require.Equal(t, `{"code":400,"message":"invalid signature"}`, resp.ErrorMessage())
	})

	t.Run("before bellatrix", func(t *testing.T) {
		c, rec := newTestClient(t, http.StatusOK, "", FixedMilestone(common.Altair))
		resp, err := c.RegisterValidators(context.Background(), 1, registrations)
		require.Nil(t, resp)
		require.ErrorIs(t, err, ErrUnsupportedMilestone)
		require.Zero(t, rec.count())
	})
}

func TestGetHeader(t *testing.T) {
	pubkey := testPubKeyValue(t)
	parentHash := el_common.HexToHash(testParentHash)

	t.Run("bid", func(t *testing.T) {
		c, rec := newTestClient(t, http.StatusOK, signedBidJSON("capella", true), FixedMilestone(common.Capella))
		resp, err := c.GetHeader(context.Background(), 1, pubkey, parentHash)
		require.NoError(t, err)
		require.True(t, resp.IsSuccess())

		req := rec.last(t)
		require.Equal(t, http.MethodGet, req.method)
		require.Equal(t, "/eth/v1/builder/header/1/"+testParentHash+"/"+testPubKey, req.path)

		bid := resp.Payload()
		require.NotNil(t, bid)
		require.Equal(t, common.Capella, bid.Version)
		require.Equal(t, common.Capella, bid.Data.Message.Version())
		require.Equal(t, tree.Root(el_common.HexToHash(testBlockHash)), bid.Data.Message.BlockHash())
		require.Equal(t, pubkey, bid.Data.Message.Builder())
	})

	t.Run("no bid", func(t *testing.T) {
		c, _ := newTestClient(t, http.StatusNoContent, "", FixedMilestone(common.Capella))
		resp, err := c.GetHeader(context.Background(), 1, pubkey, parentHash)
		require.NoError(t, err)
		require.True(t, resp.IsSuccess())
		require.Nil(t, resp.Payload())
	})

	t.Run("failure", func(t *testing.T) {
		c, _ := newTestClient(t, http.StatusInternalServerError, internalServerError, FixedMilestone(common.Capella))
		resp, err := c.GetHeader(context.Background(), 1, pubkey, parentHash)
		require.NoError(t, err)
		require.True(t, resp.IsFailure())
		require.Equal(t, internalServerError, resp.ErrorMessage())
	})

	t.Run("missing fields", func(t *testing.T) {
		// A bellatrix shaped bid where a capella one is expected
		c, _ := newTestClient(t, http.StatusOK, signedBidJSON("bellatrix", false), FixedMilestone(common.Capella))
		resp, err := c.GetHeader(context.Background(), 1, pubkey, parentHash)
		require.Nil(t, resp)
		require.ErrorIs(t, err, ErrSchemaValidation)
		var missing *MissingFieldsError
		require.ErrorAs(t, err, &missing)
		require.Equal(t, []string{"data.message.header.withdrawals_root"}, missing.Fields)
		require.EqualError(t, err,
			"required fields: (data.message.header.withdrawals_root) were not set for capella response")
	})

	t.Run("null fields", func(t *testing.T) {
		withdrawalsRoot := `"withdrawals_root": "0x792930bbd5baac43bcc798ee49aa8185ef76bb3b44ba62b91d86ae569e4bb535"`
		nullWithdrawalsRoot := strings.Replace(signedBidJSON("capella", true), withdrawalsRoot, `"withdrawals_root": null`, 1)
		require.Contains(t, nullWithdrawalsRoot, `"withdrawals_root": null`)
		nullHeader := fmt.Sprintf(
			`{"version":"capella","data":{"message":{"header":null,"value":"1","pubkey":"%s"},"signature":"%s"}}`,
			testPubKey, testSignature,
		)
		for _, tc := range []struct {
			body  string
			field string
		}{
			{body: nullWithdrawalsRoot, field: "data.message.header.withdrawals_root"},
			{body: nullHeader, field: "data.message.header"},
		} {
			c, _ := newTestClient(t, http.StatusOK, tc.body, FixedMilestone(common.Capella))
			resp, err := c.GetHeader(context.Background(), 1, pubkey, parentHash)
			require.Nil(t, resp)
			var missing *MissingFieldsError
			require.ErrorAs(t, err, &missing)
			require.Equal(t, []string{tc.field}, missing.Fields)
		}
	})

	t.Run("wrong version", func(t *testing.T) {
		c, _ := newTestClient(t, http.StatusOK, signedBidJSON("bellatrix", true), FixedMilestone(common.Capella))
		resp, err := c.GetHeader(context.Background(), 1, pubkey, parentHash)
		require.Nil(t, resp)
		require.ErrorIs(t, err, ErrSchemaValidation)
		require.EqualError(t, err, "wrong response version: expected capella, received bellatrix")
	})

	t.Run("malformed", func(t *testing.T) {
		c, _ := newTestClient(t, http.StatusOK, `{"version":`, FixedMilestone(common.Capella))
		resp, err := c.GetHeader(context.Background(), 1, pubkey, parentHash)
		require.Nil(t, resp)
		require.ErrorIs(t, err, ErrSchemaValidation)
		var decodeErr *DecodeError
		require.ErrorAs(t, err, &decodeErr)
	})

	t.Run("unsupported milestone", func(t *testing.T) {
		c, rec := newTestClient(t, http.StatusOK, "", FixedMilestone(common.Phase0))
		_, err := c.GetHeader(context.Background(), 1, pubkey, parentHash)
		require.ErrorIs(t, err, ErrUnsupportedMilestone)
		require.Zero(t, rec.count())
	})
}

func TestGetPayload(t *testing.T) {
	t.Run("nil block", func(t *testing.T) {
		c, rec := newTestClient(t, http.StatusOK, "", FixedMilestone(common.Capella))
		_, err := c.GetPayload(context.Background(), nil)
		require.Error(t, err)
		require.Zero(t, rec.count())
	})

	t.Run("payload", func(t *testing.T) {
		c, rec := newTestClient(t, http.StatusOK, capellaPayloadJSON("capella"), FixedMilestone(common.Bellatrix))
		resp, err := c.GetPayload(context.Background(), testCapellaBlock(t))
		require.NoError(t, err)
		require.True(t, resp.IsSuccess())
		require.Equal(t, common.Capella, resp.Payload().Version)
		require.Equal(t, tree.Root(el_common.HexToHash(testBlockHash)), resp.Payload().Data.GetBlockHash())

		// The milestone is taken from the block, not from the schedule
		req := rec.last(t)
		require.Equal(t, http.MethodPost, req.method)
		require.Equal(t, PathGetPayload, req.path)
		require.Equal(t, "capella", req.header.Get(HeaderConsensusVersion))
		require.Contains(t, string(req.body), testBlockHash)
	})

	t.Run("failure", func(t *testing.T) {
		c, _ := newTestClient(t, http.StatusInternalServerError, internalServerError, FixedMilestone(common.Capella))
		resp, err := c.GetPayload(context.Background(), testCapellaBlock(t))
		require.NoError(t, err)
		require.True(t, resp.IsFailure())
		require.Equal(t, http.StatusInternalServerError, resp.StatusCode())
	})

	t.Run("wrong version", func(t *testing.T) {
		c, _ := newTestClient(t, http.StatusOK, capellaPayloadJSON("deneb"), FixedMilestone(common.Capella))
		_, err := c.GetPayload(context.Background(), testCapellaBlock(t))
		var mismatch *VersionMismatchError
		require.ErrorAs(t, err, &mismatch)
		require.Equal(t, common.Capella, mismatch.Expected)
		require.Equal(t, common.Deneb, mismatch.Received)
	})

	t.Run("bellatrix payload for capella block", func(t *testing.T) {
		c, _ := newTestClient(t, http.StatusOK, capellaPayloadJSON("bellatrix"), FixedMilestone(common.Capella))
		resp, err := c.GetPayload(context.Background(), testCapellaBlock(t))
		require.Nil(t, resp)
		require.ErrorIs(t, err, ErrSchemaValidation)
		require.EqualError(t, err, "wrong response version: expected capella, received bellatrix")
	})
}

func TestUserAgentHeader(t *testing.T) {
	c, rec := newTestClient(t, http.StatusOK, "", FixedMilestone(common.Capella), WithUserAgentHeader(false))
	_, err := c.Status(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, UserAgent(), rec.last(t).header.Get("User-Agent"))
	require.Equal(t, "builder-client/"+Version, UserAgent())
}

func TestTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	c, err := New(endpoint, FixedMilestone(common.Capella))
	require.NoError(t, err)
	resp, err := c.Status(context.Background())
	require.Nil(t, resp)
	require.ErrorIs(t, err, ErrTransport)
	require.False(t, errors.Is(err, ErrSchemaValidation))
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, http.MethodGet, transportErr.Op)
	require.Equal(t, endpoint+PathStatus, transportErr.URL)
}

func slowServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTimeout(t *testing.T) {
	c, err := New(slowServer(t).URL, FixedMilestone(common.Capella), WithTimeout(50*time.Millisecond))
	require.NoError(t, err)
	_, err = c.Status(context.Background())
	require.ErrorIs(t, err, ErrTransport)
}

func TestAsync(t *testing.T) {
	c, _ := newTestClient(t, http.StatusOK, signedBidJSON("capella", true), FixedMilestone(common.Capella))
	ctx := context.Background()

	status := c.StatusAsync(ctx)
	header := c.GetHeaderAsync(ctx, 1, testPubKeyValue(t), el_common.HexToHash(testParentHash))
	register := c.RegisterValidatorsAsync(ctx, 1, nil)

	statusResp, err := status.Await(ctx)
	require.NoError(t, err)
	require.True(t, statusResp.IsSuccess())
	headerResp, err := header.Await(ctx)
	require.NoError(t, err)
	require.NotNil(t, headerResp.Payload())
	registerResp, err := register.Await(ctx)
	require.NoError(t, err)
	require.True(t, registerResp.IsSuccess())

	t.Run("abandoned wait", func(t *testing.T) {
		slow, err := New(slowServer(t).URL, FixedMilestone(common.Capella))
		require.NoError(t, err)
		callCtx, cancelCall := context.WithCancel(context.Background())
		defer cancelCall()
		f := slow.GetPayloadAsync(callCtx, testCapellaBlock(t))

		waitCtx, cancelWait := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancelWait()
		_, err = f.Await(waitCtx)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		// Cancelling the call context terminates the call itself
		cancelCall()
		<-f.Done()
		_, err = f.Await(context.Background())
		require.ErrorIs(t, err, ErrTransport)
	})
}

func TestMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	c, rec := newTestClient(t, http.StatusOK, "", FixedMilestone(common.Capella), WithMetricsRegisterer(registry))

	_, err := c.Status(context.Background())
	require.NoError(t, err)
	rec.mu.Lock()
	rec.code, rec.body = http.StatusOK, signedBidJSON("bellatrix", true)
	rec.mu.Unlock()
	_, err = c.GetHeader(context.Background(), 1, testPubKeyValue(t), el_common.HexToHash(testParentHash))
	require.Error(t, err)

	require.Equal(t, 1.0, testutil.ToFloat64(c.metrics.requests.WithLabelValues(OperationStatus, string(outcomeSucceeded))))
	require.Equal(t, 1.0, testutil.ToFloat64(c.metrics.requests.WithLabelValues(OperationGetHeader, string(outcomeSchemaError))))
	require.Equal(t, 2, testutil.CollectAndCount(c.metrics.requests))

	// The same collectors cannot be registered twice
	_, err = New(c.Endpoint(), FixedMilestone(common.Capella), WithMetricsRegisterer(registry))
	require.Error(t, err)
}

func TestOutcomeOf(t *testing.T) {
	require.Equal(t, outcomeSucceeded, outcomeOf(nil))
	require.Equal(t, outcomeTransportError, outcomeOf(&TransportError{Op: "GET", Err: io.EOF}))
	require.Equal(t, outcomeSchemaError, outcomeOf(&VersionMismatchError{}))
	require.Equal(t, outcomeSchemaError, outcomeOf(fmt.Errorf("wrapped: %w", &MissingFieldsError{})))
	require.Equal(t, outcomeRequestError, outcomeOf(ErrUnsupportedMilestone))
}
