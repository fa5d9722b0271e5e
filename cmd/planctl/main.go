package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	cli "github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/speedrun-hq/intentflow/pkg/client"
	"github.com/speedrun-hq/intentflow/pkg/logger"
	"github.com/speedrun-hq/intentflow/pkg/models"
	"github.com/speedrun-hq/intentflow/pkg/plan"
)

func main() {
	cmd := newApp(os.Stdout)
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "planctl: %v\n", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:                  "planctl",
		Usage:                 "Encode workflow plans and submit intents to an intentflow node",
		EnableShellCompletion: true,
		Writer:                out,
		Commands: []*cli.Command{
			newEncodeCommand(),
			newDecodeCommand(),
			newHashCommand(),
			newRegisterCommand(),
			newExecuteCommand(),
			newShowCommand(),
		},
	}
}

func fileFlag(required bool) *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "file",
		Aliases:  []string{"f"},
		Usage:    "Path to a YAML plan file",
		Required: required,
	}
}

func nodeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "endpoint",
			Usage:   "Base URL of the intentflow node",
			Value:   "http://localhost:8080",
			Sources: cli.EnvVars("INTENTFLOW_ENDPOINT"),
		},
		&cli.StringFlag{
			Name:    "key",
			Usage:   "Hex private key used to sign requests",
			Sources: cli.EnvVars("PRIVATE_KEY"),
		},
		&cli.BoolFlag{
			Name:  "verbose",
			Usage: "Log requests",
		},
	}
}

func newClient(command *cli.Command, signing bool) (*client.Client, error) {
	var log logger.Logger = &logger.EmptyLogger{}
	if command.Bool("verbose") {
		log = logger.NewStdLogger(true, logger.DebugLevel)
	}
	raw := strings.TrimPrefix(command.String("key"), "0x")
	if raw == "" {
		if signing {
			return nil, fmt.Errorf("a signing key is required, set --key or PRIVATE_KEY")
		}
		return client.New(command.String("endpoint"), nil, log), nil
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return client.New(command.String("endpoint"), key, log), nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newEncodeCommand() *cli.Command {
	return &cli.Command{
		Name:  "encode",
		Usage: "Encode a YAML plan file into plan bytes, workflow hash and trigger bytes",
		Flags: []cli.Flag{fileFlag(true)},
		Action: func(ctx context.Context, command *cli.Command) error {
			pf, err := loadPlanFile(command.String("file"))
			if err != nil {
				return err
			}
			enc, err := pf.Encode()
			if err != nil {
				return err
			}
			return printJSON(command.Root().Writer, map[string]interface{}{
				"version":       enc.Version,
				"plan":          hexutil.Encode(enc.Plan),
				"workflow_hash": enc.Hash.Hex(),
				"trigger":       hexutil.Encode(enc.Trigger),
			})
		},
	}
}

func newDecodeCommand() *cli.Command {
	return &cli.Command{
		Name:      "decode",
		Usage:     "Decode hex plan bytes back into a YAML plan file",
		ArgsUsage: "<plan-hex>",
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:  "version",
				Usage: "Plan version to validate against",
				Value: plan.CurrentVersion,
			},
			&cli.StringFlag{
				Name:  "trigger",
				Usage: "Hex trigger condition to include",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			data, err := hexutil.Decode(command.Args().First())
			if err != nil {
				return fmt.Errorf("invalid plan hex: %w", err)
			}
			steps, err := plan.Decode(data)
			if err != nil {
				return err
			}
			pf, err := planFileFromSteps(command.Uint64("version"), steps)
			if err != nil {
				return err
			}
			if raw := command.String("trigger"); raw != "" {
				b, err := hexutil.Decode(raw)
				if err != nil {
					return fmt.Errorf("invalid trigger hex: %w", err)
				}
				t, err := plan.DecodeTrigger(b)
				if err != nil {
					return err
				}
				if t.Type != plan.TriggerNone {
					pf.Trigger = &TriggerFile{
						OracleRef:  t.OracleRef,
						Key:        string(t.OracleKey),
						Comparator: t.Comparator.String(),
						Threshold:  t.Threshold,
					}
				}
			}
			enc := yaml.NewEncoder(command.Root().Writer)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(pf)
		},
	}
}

func newHashCommand() *cli.Command {
	return &cli.Command{
		Name:      "hash",
		Usage:     "Print the workflow hash of hex plan bytes or a plan file",
		ArgsUsage: "[plan-hex]",
		Flags:     []cli.Flag{fileFlag(false)},
		Action: func(ctx context.Context, command *cli.Command) error {
			var data []byte
			if path := command.String("file"); path != "" {
				pf, err := loadPlanFile(path)
				if err != nil {
					return err
				}
				enc, err := pf.Encode()
				if err != nil {
					return err
				}
				data = enc.Plan
			} else {
				b, err := hexutil.Decode(command.Args().First())
				if err != nil {
					return fmt.Errorf("invalid plan hex: %w", err)
				}
				data = b
			}
			_, err := fmt.Fprintln(command.Root().Writer, plan.Hash(data).Hex())
			return err
		},
	}
}

func newRegisterCommand() *cli.Command {
	flags := append([]cli.Flag{
		fileFlag(true),
		&cli.Uint64Flag{
			Name:     "collateral",
			Usage:    "Collateral paid from the signer",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "keeper",
			Usage: "Keeper address allowed to execute; empty uses the registry default",
		},
		&cli.BoolFlag{
			Name:  "inline",
			Usage: "Store the plan bytes with the intent",
		},
		&cli.Uint64Flag{
			Name:  "escrow-app",
			Usage: "Dispatcher application id bound to the intent",
		},
		&cli.Uint64Flag{
			Name:  "escrow-asset",
			Usage: "Asset id held in escrow",
		},
	}, nodeFlags()...)

	return &cli.Command{
		Name:  "register",
		Usage: "Register an intent for a plan file",
		Flags: flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			pf, err := loadPlanFile(command.String("file"))
			if err != nil {
				return err
			}
			enc, err := pf.Encode()
			if err != nil {
				return err
			}
			req := models.RegisterIntentRequest{
				WorkflowHash:     enc.Hash,
				TriggerCondition: enc.Trigger,
				Collateral:       command.Uint64("collateral"),
				Version:          enc.Version,
				EscrowAppID:      command.Uint64("escrow-app"),
				EscrowAssetID:    command.Uint64("escrow-asset"),
			}
			if command.Bool("inline") {
				req.WorkflowBlob = enc.Plan
			}
			if k := command.String("keeper"); k != "" {
				if !common.IsHexAddress(k) {
					return fmt.Errorf("invalid keeper address %q", k)
				}
				req.Keeper = common.HexToAddress(k)
			}

			c, err := newClient(command, true)
			if err != nil {
				return err
			}
			id, err := c.Register(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(command.Root().Writer, map[string]interface{}{
				"id":            id,
				"workflow_hash": enc.Hash.Hex(),
			})
		},
	}
}

func newExecuteCommand() *cli.Command {
	flags := append([]cli.Flag{
		fileFlag(false),
		&cli.Uint64Flag{
			Name:     "id",
			Usage:    "Intent id",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "fee-recipient",
			Usage: "Address credited with the keeper fee; empty uses the signer",
		},
	}, nodeFlags()...)

	return &cli.Command{
		Name:  "execute",
		Usage: "Execute an intent; without --file the inline plan is used",
		Flags: flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			c, err := newClient(command, true)
			if err != nil {
				return err
			}
			req := models.ExecuteRequest{FeeRecipient: c.Address()}
			if path := command.String("file"); path != "" {
				pf, err := loadPlanFile(path)
				if err != nil {
					return err
				}
				enc, err := pf.Encode()
				if err != nil {
					return err
				}
				req.Plan = enc.Plan
			}
			if r := command.String("fee-recipient"); r != "" {
				if !common.IsHexAddress(r) {
					return fmt.Errorf("invalid fee recipient %q", r)
				}
				req.FeeRecipient = common.HexToAddress(r)
			}

			receipt, err := c.Execute(ctx, command.Uint64("id"), req)
			if err != nil {
				return err
			}
			return printJSON(command.Root().Writer, receipt)
		},
	}
}

func newShowCommand() *cli.Command {
	return &cli.Command{
		Name:  "show",
		Usage: "Show an intent and its execution account",
		Flags: append([]cli.Flag{
			&cli.Uint64Flag{
				Name:     "id",
				Usage:    "Intent id",
				Required: true,
			},
		}, nodeFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			c, err := newClient(command, false)
			if err != nil {
				return err
			}
			id := command.Uint64("id")
			intent, err := c.GetIntent(ctx, id)
			if err != nil {
				return err
			}
			account, err := c.Account(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(command.Root().Writer, map[string]interface{}{
				"intent":  intent,
				"account": account,
			})
		},
	}
}
