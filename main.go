// Builder API client and mock builder as a stand-alone program
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"strings"

	el_common "github.com/ethereum/go-ethereum/common"
	"github.com/marioevz/builder-client/client"
	mock_builder "github.com/marioevz/builder-client/mock"
	builder_types "github.com/marioevz/builder-client/types"
	"github.com/marioevz/builder-client/types/common"
	beacon "github.com/protolambda/zrnt/eth2/beacon/common"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func parseForkOrEpoch(
	forkepoch string,
	spec *beacon.Spec,
) (beacon.Epoch, error) {
	if n, err := strconv.ParseUint(forkepoch, 10, 64); err == nil {
		return beacon.Epoch(n), nil
	}
	switch common.Milestone(forkepoch) {
	case common.Bellatrix:
		return spec.BELLATRIX_FORK_EPOCH, nil
	case common.Capella:
		return spec.CAPELLA_FORK_EPOCH, nil
	case common.Deneb:
		return spec.DENEB_FORK_EPOCH, nil
	}
	return beacon.Epoch(0), fmt.Errorf("unable to parse: %s", forkepoch)
}

func parseInvParamString(
	paramStr string,
	spec *beacon.Spec,
) (beacon.Epoch, mock_builder.PayloadInvalidation, error) {
	epochStr, invTypeStr, ok := strings.Cut(paramStr, ",")
	if !ok {
		return 0, "", fmt.Errorf("bad format: %s", paramStr)
	}
	epoch, err := parseForkOrEpoch(epochStr, spec)
	if err != nil {
		return 0, "", err
	}
	invType, ok := mock_builder.PayloadInvalidationTypes[invTypeStr]
	if !ok {
		return 0, "", fmt.Errorf("unknown payload invalidation type: %s", invTypeStr)
	}
	return epoch, invType, nil
}

var (
	slotFlag = &cli.Uint64Flag{
		Name:     "slot",
		Usage:    "Slot the request is made for",
		Required: true,
	}
	inputFlag = &cli.StringFlag{
		Name:    "input",
		Aliases: []string{"i"},
		Usage:   "JSON file to read the request from, - for stdin",
		Value:   "-",
	}
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "builder-client",
		Usage: "talk to, or stand in for, an external block builder",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "builder",
				Usage:   "Builder REST API endpoint: http(s)://<HOST>:<PORT>",
				EnvVars: []string{"BUILDER_ENDPOINT"},
				Value:   fmt.Sprintf("http://localhost:%d", mock_builder.DEFAULT_BUILDER_PORT),
			},
			&cli.StringFlag{
				Name:    "network",
				Usage:   "Preset the chain configuration starts from: mainnet or minimal",
				EnvVars: []string{"BUILDER_NETWORK"},
				Value:   "mainnet",
			},
			&cli.StringFlag{
				Name:    "beacon-config",
				Usage:   "Path to a beacon chain config.yaml overriding the preset fork schedule",
				EnvVars: []string{"BUILDER_BEACON_CONFIG"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Timeout of every builder request",
				Value: client.DefaultTimeout,
			},
			&cli.BoolFlag{
				Name:  "no-user-agent",
				Usage: "Do not send the User-Agent header",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Logging level: trace, debug, info, warn, error",
				EnvVars: []string{"BUILDER_LOG_LEVEL"},
				Value:   "info",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Logging format: text or json",
				Value: "text",
			},
		},
		Before: setupLogging,
		Commands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "Check that the builder is up",
				Action: statusAction,
			},
			{
				Name:  "register",
				Usage: "Submit signed validator registrations read as a JSON array",
				Flags: []cli.Flag{
					&cli.Uint64Flag{
						Name:     "slot",
						Usage:    "Slot whose fork decides the encoding",
						Required: true,
					},
					inputFlag,
				},
				Action: registerAction,
			},
			{
				Name:  "header",
				Usage: "Request the builder bid for a slot",
				Flags: []cli.Flag{
					slotFlag,
					&cli.StringFlag{
						Name:     "parent-hash",
						Usage:    "Execution block hash the payload builds on",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "pubkey",
						Usage:    "BLS public key of the proposer",
						Required: true,
					},
				},
				Action: headerAction,
			},
			{
				Name:  "payload",
				Usage: "Submit a signed blinded block and print the revealed payload",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "fork",
						Usage:    "Fork of the signed blinded block: bellatrix, capella or deneb",
						Required: true,
					},
					inputFlag,
				},
				Action: payloadAction,
			},
			mockCommand(),
		},
	}
}

func setupLogging(c *cli.Context) error {
	level, err := logrus.ParseLevel(c.String("log-level"))
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	switch c.String("log-format") {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format: %s", c.String("log-format"))
	}
	return nil
}

func specFromContext(c *cli.Context) (*beacon.Spec, error) {
	return loadSpec(c.String("network"), c.String("beacon-config"))
}

func newClient(c *cli.Context) (*client.Client, error) {
	spec, err := specFromContext(c)
	if err != nil {
		return nil, err
	}
	return client.New(
		c.String("builder"),
		client.SpecForkSchedule(spec),
		client.WithTimeout(c.Duration("timeout")),
		client.WithUserAgentHeader(!c.Bool("no-user-agent")),
	)
}

func readInput(c *cli.Context) ([]byte, error) {
	if path := c.String("input"); path != "-" {
		return os.ReadFile(path)
	}
	return io.ReadAll(os.Stdin)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// report prints the payload of a successful response, and turns a failure
// into a command error.
func report[T any](resp *client.Response[T]) error {
	if resp.IsFailure() {
		return cli.Exit(
			fmt.Sprintf("builder returned %d: %s", resp.StatusCode(), resp.ErrorMessage()),
			1,
		)
	}
	if resp.Payload() == nil {
		logrus.Info(resp.String())
		return nil
	}
	return printJSON(resp.Payload())
}

func statusAction(c *cli.Context) error {
	bc, err := newClient(c)
	if err != nil {
		return err
	}
	resp, err := bc.Status(c.Context)
	if err != nil {
		return err
	}
	return report(resp)
}

func registerAction(c *cli.Context) error {
	bc, err := newClient(c)
	if err != nil {
		return err
	}
	data, err := readInput(c)
	if err != nil {
		return err
	}
	var registrations []common.SignedValidatorRegistrationV1
	if err := json.Unmarshal(data, &registrations); err != nil {
		return fmt.Errorf("unable to parse registrations: %w", err)
	}
	resp, err := bc.RegisterValidators(c.Context, beacon.Slot(c.Uint64("slot")), registrations)
	if err != nil {
		return err
	}
	return report(resp)
}

func headerAction(c *cli.Context) error {
	bc, err := newClient(c)
	if err != nil {
		return err
	}
	var pubkey beacon.BLSPubkey
	if err := pubkey.UnmarshalText([]byte(c.String("pubkey"))); err != nil {
		return fmt.Errorf("invalid pubkey: %w", err)
	}
	var parentHash el_common.Hash
	if err := parentHash.UnmarshalText([]byte(c.String("parent-hash"))); err != nil {
		return fmt.Errorf("invalid parent hash: %w", err)
	}
	resp, err := bc.GetHeader(c.Context, beacon.Slot(c.Uint64("slot")), pubkey, parentHash)
	if err != nil {
		return err
	}
	return report(resp)
}

func payloadAction(c *cli.Context) error {
	bc, err := newClient(c)
	if err != nil {
		return err
	}
	milestone, err := common.ParseMilestone(c.String("fork"))
	if err != nil {
		return err
	}
	schema, err := builder_types.SchemaFor(milestone)
	if err != nil {
		return err
	}
	data, err := readInput(c)
	if err != nil {
		return err
	}
	block, err := schema.DecodeSignedBlindedBeaconBlock(data)
	if err != nil {
		return fmt.Errorf("unable to parse signed blinded block: %w", err)
	}
	resp, err := bc.GetPayload(c.Context, block)
	if err != nil {
		return err
	}
	return report(resp)
}

func mockCommand() *cli.Command {
	return &cli.Command{
		Name:  "mock",
		Usage: "Serve the builder API from a mock builder",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Address to listen on",
				Value: mock_builder.DEFAULT_BUILDER_HOST,
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port used to listen for the RESTful interface",
				Value: mock_builder.DEFAULT_BUILDER_PORT,
			},
			&cli.Uint64Flag{
				Name:  "genesis-time",
				Usage: "Beacon chain genesis time, used for payload timestamps",
			},
			&cli.StringFlag{
				Name:  "extra-data",
				Usage: "Extra data string set in every built payload",
				Value: "builder payload",
			},
			&cli.Int64Flag{
				Name:  "bid-multiplier",
				Usage: "Multiply the bid wei value by this integer",
			},
			&cli.StringFlag{
				Name: "invalidate-payload",
				Usage: "Invalidate payloads starting from the specified fork (bellatrix, capella, deneb) or epoch number: " +
					"<FORK/EPOCH NUMBER>,<INVALIDATION TYPE>, with types: " +
					strings.Join(mock_builder.PayloadInvalidationTypeNames(), ", "),
			},
			&cli.StringFlag{
				Name:  "no-bid",
				Usage: "Answer header requests with no bid starting from the specified fork or epoch number",
			},
		},
		Action: mockAction,
	}
}

func mockAction(c *cli.Context) error {
	spec, err := specFromContext(c)
	if err != nil {
		return err
	}
	options := []mock_builder.Option{
		mock_builder.WithSpec(spec),
		mock_builder.WithHost(c.String("host")),
		mock_builder.WithPort(c.Int("port")),
		mock_builder.WithBeaconGenesisTime(beacon.Timestamp(c.Uint64("genesis-time"))),
		mock_builder.WithLogLevel(c.String("log-level")),
	}
	if wm := c.String("extra-data"); wm != "" {
		options = append(options, mock_builder.WithExtraDataWatermark(wm))
	}
	if bidmult := c.Int64("bid-multiplier"); bidmult > 1 {
		options = append(options, mock_builder.WithPayloadWeiValueMultiplier(big.NewInt(bidmult)))
	}
	if invPayload := c.String("invalidate-payload"); invPayload != "" {
		epoch, invType, err := parseInvParamString(invPayload, spec)
		if err != nil {
			return fmt.Errorf("unable to parse payload invalidation: %w", err)
		}
		options = append(options, mock_builder.WithPayloadInvalidatorAtEpoch(epoch, invType))
	}
	if noBid := c.String("no-bid"); noBid != "" {
		epoch, err := parseForkOrEpoch(noBid, spec)
		if err != nil {
			return fmt.Errorf("unable to parse no-bid epoch: %w", err)
		}
		slot, err := spec.EpochStartSlot(epoch)
		if err != nil {
			return err
		}
		options = append(options, mock_builder.WithNoBidAtSlot(slot))
	}

	m, err := mock_builder.New(options...)
	if err != nil {
		return fmt.Errorf("unable to configure mock builder: %w", err)
	}

	// terminate on SIGINT
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()
	return m.Start(ctx)
}

func main() {
	if err := newApp().RunContext(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
