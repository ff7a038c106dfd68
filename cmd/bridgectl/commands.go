package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/chainsafe/trichain-bridge/pkg/app/bridge"
	"github.com/chainsafe/trichain-bridge/pkg/auth"
	"github.com/chainsafe/trichain-bridge/pkg/db"
	"github.com/chainsafe/trichain-bridge/pkg/keys"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
	"github.com/chainsafe/trichain-bridge/pkg/units"
)

type conversion struct {
	InputBase   string `json:"input_base"`
	InputHuman  string `json:"input_human"`
	Rate        string `json:"rate"`
	OutputHuman string `json:"output_human"`
	OutputBase  string `json:"output_base"`
}

func CmdConvert() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert <amount>",
		Short: "Convert an amount between decimals through an exchange rate.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fromDecimals, _ := cmd.Flags().GetInt32("from-decimals")
			toDecimals, _ := cmd.Flags().GetInt32("to-decimals")
			rateRaw, _ := cmd.Flags().GetString("rate")
			isBase, _ := cmd.Flags().GetBool("base")

			rate, err := decimal.NewFromString(rateRaw)
			if err != nil {
				return fmt.Errorf("invalid rate %q: %w", rateRaw, err)
			}
			out, err := convert(args[0], isBase, fromDecimals, rate, toDecimals)
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().Int32("from-decimals", 18, "Decimals of the input asset")
	cmd.Flags().Int32("to-decimals", 18, "Decimals of the output asset")
	cmd.Flags().String("rate", "1", "Output units per input unit")
	cmd.Flags().Bool("base", false, "The amount is in base units")
	return cmd
}

func convert(amount string, isBase bool, fromDecimals int32, rate decimal.Decimal, toDecimals int32) (*conversion, error) {
	var (
		base *big.Int
		err  error
	)
	if isBase {
		base, err = units.ParseBase(amount)
	} else {
		var human decimal.Decimal
		if human, err = units.ParseHuman(amount); err == nil {
			base, err = units.ToBaseUnits(human, fromDecimals)
		}
	}
	if err != nil {
		return nil, err
	}
	human, outBase, err := units.Convert(base, fromDecimals, rate, toDecimals)
	if err != nil {
		return nil, err
	}
	return &conversion{
		InputBase:   base.String(),
		InputHuman:  units.ToHumanUnits(base, fromDecimals).String(),
		Rate:        rate.String(),
		OutputHuman: human.String(),
		OutputBase:  outBase.String(),
	}, nil
}

func CmdQuote() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quote <route>",
		Short: "Fetch the current exchange rate of a route.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := unwrapConfig(cmd.Context())
			logger := unwrapLogger(cmd.Context())

			var rateName string
			for _, r := range cfg.Routes {
				if r.Name == args[0] {
					rateName = r.Rate
				}
			}
			if rateName == "" {
				return fmt.Errorf("unknown route %q", args[0])
			}

			chains, err := bridge.DialChains(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			rates, err := bridge.BuildRates(cfg.Rates, chains.Reserves, logger)
			if err != nil {
				return err
			}
			r, err := rates[rateName].Rate(cmd.Context())
			if err != nil {
				return fmt.Errorf("could not fetch rate %s: %w", rateName, err)
			}
			return printYAML(cmd.OutOrStdout(), map[string]string{
				"route": args[0],
				"rate":  r.String(),
				"at":    time.Now().UTC().Format(time.RFC3339),
			})
		},
	}
	return cmd
}

func CmdTransfer() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Run one transfer in-process and print its outcome.",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := unwrapConfig(cmd.Context())
			logger := unwrapLogger(cmd.Context())

			fromChain, _ := cmd.Flags().GetString("from-chain")
			toChain, _ := cmd.Flags().GetString("to-chain")
			amountRaw, _ := cmd.Flags().GetString("amount")
			from, _ := cmd.Flags().GetString("from")
			to, _ := cmd.Flags().GetString("to")
			memo, _ := cmd.Flags().GetString("memo")
			id, _ := cmd.Flags().GetString("id")
			memoryStore, _ := cmd.Flags().GetBool("memory-store")

			amount, err := units.ParseHuman(amountRaw)
			if err != nil {
				return err
			}

			var store db.Store = db.NewMemoryStore()
			if !memoryStore {
				s, closeStore, err := bridge.OpenStore(&cfg.Database, logger)
				if err != nil {
					return err
				}
				defer closeStore()
				store = s
			}

			chains, err := bridge.DialChains(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			rt, err := bridge.NewRuntime(cfg, chains, store, logger)
			if err != nil {
				return err
			}
			o, err := rt.Router.Lookup(transfer.ChainID(fromChain), transfer.ChainID(toChain))
			if err != nil {
				return err
			}

			out, err := o.Execute(cmd.Context(), transfer.Request{
				ID:                 id,
				SourceChain:        transfer.ChainID(fromChain),
				DestinationChain:   transfer.ChainID(toChain),
				Amount:             amount,
				SourceAccount:      from,
				DestinationAccount: to,
				Memo:               memo,
			})
			if out != nil {
				if perr := printYAML(cmd.OutOrStdout(), out); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().String("from-chain", "", "Source chain (evm, settlement, fast)")
	cmd.Flags().String("to-chain", "", "Destination chain (evm, settlement, fast)")
	cmd.Flags().String("amount", "", "Amount in source-asset human units")
	cmd.Flags().String("from", "", "Source account")
	cmd.Flags().String("to", "", "Destination account")
	cmd.Flags().String("memo", "", "Optional memo")
	cmd.Flags().String("id", "", "Transfer id, generated when empty")
	cmd.Flags().Bool("memory-store", false, "Keep the outcome in memory instead of the configured database")
	for _, f := range []string{"from-chain", "to-chain", "amount", "from", "to"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func CmdOutcomes() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outcomes",
		Short: "List transfers that may have stranded value on their source chain.",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := unwrapConfig(cmd.Context())
			logger := unwrapLogger(cmd.Context())
			if !cfg.Database.Enabled() {
				return errors.New("outcomes needs database.host: the in-memory store does not outlive the bridge")
			}

			route, _ := cmd.Flags().GetString("route")
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")

			store, closeStore, err := bridge.OpenStore(&cfg.Database, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			outs, err := listOutcomes(cmd.Context(), store, db.OutcomeFilter{
				Route:  route,
				Status: transfer.Status(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), outs)
		},
	}
	cmd.Flags().String("route", "", "Only outcomes of this route")
	cmd.Flags().String("status", "", "List every outcome with this status instead of the unreconciled ones")
	cmd.Flags().Int("limit", db.DefaultListLimit, "Maximum number of outcomes")
	return cmd
}

// listOutcomes returns the unreconciled outcomes unless a status is given.
func listOutcomes(ctx context.Context, store db.OutcomeStore, filter db.OutcomeFilter) ([]*transfer.Outcome, error) {
	if filter.Status != "" {
		return store.ListOutcomes(ctx, filter)
	}
	outs, err := store.ListUnreconciled(ctx)
	if err != nil {
		return nil, err
	}
	filtered := make([]*transfer.Outcome, 0, len(outs))
	for _, o := range outs {
		if filter.Route != "" && o.Route != filter.Route {
			continue
		}
		filtered = append(filtered, o)
		if filter.Limit > 0 && len(filtered) == filter.Limit {
			break
		}
	}
	return filtered, nil
}

func CmdToken() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <operator>",
		Short: "Issue an operator token for the bridge API.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := unwrapConfig(cmd.Context())
			ttl, _ := cmd.Flags().GetDuration("ttl")
			scopes, _ := cmd.Flags().GetStringSlice("scope")

			token, err := auth.IssueToken(cfg.Auth.JWTSecret, cfg.Auth.Issuer, args[0], ttl, scopes...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	cmd.Flags().StringSlice("scope", nil,
		fmt.Sprintf("Restrict the token to %s and/or %s; unrestricted when empty", auth.ScopeTransfer, auth.ScopeResolve))
	return cmd
}

// printYAML renders v through its JSON form so json tags and the
// MarshalJSON methods of amounts apply.
func printYAML(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func CmdMasterKey() *cobra.Command {
	return &cobra.Command{
		Use:   "master-key",
		Short: "Generate a master key for sealing chain secrets.",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := keys.GenerateMasterKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), keys.MasterKeyToBase64(key))
			return nil
		},
	}
}

func CmdSeal() *cobra.Command {
	return &cobra.Command{
		Use:   "seal <chain> <secret>",
		Short: "Seal a chain secret with the configured master key.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := unwrapConfig(cmd.Context())
			if !transfer.ChainID(args[0]).Valid() {
				return fmt.Errorf("unknown chain %q", args[0])
			}
			master, err := keys.MasterKeyFromBase64(cfg.Keys.MasterKey)
			if err != nil {
				return err
			}
			if master == nil {
				return keys.ErrNoMasterKey
			}
			sealed, err := keys.Seal([]byte(args[1]), master, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
}
