package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/coachpo/tradegate/internal/domain/schema"
)

const clientTimeout = 15 * time.Second

type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(strings.TrimSpace(base), "/"),
		http: &http.Client{Timeout: clientTimeout},
	}
}

// call sends body as JSON (when non-nil) and returns the raw response.
// Non-2xx responses become errors carrying the server's message.
func (c *apiClient) call(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			if apiErr.Code != "" {
				return nil, fmt.Errorf("%s %s: %d %s (%s)", method, path, resp.StatusCode, apiErr.Error, apiErr.Code)
			}
			return nil, fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	return data, nil
}

type submitOptions struct {
	symbol     string
	action     string
	quantity   float64
	confidence float64
	orderType  string
	limit      float64
	stop       float64
	stopLoss   float64
	momentum   float64
	macro      float64
	rationale  string
}

func newSubmitCommand(root *rootOptions) *cobra.Command {
	opts := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit one trading signal to a running desk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			signal, err := opts.signal(cmd)
			if err != nil {
				return err
			}
			data, err := newAPIClient(root.serverURL).call(cmd.Context(), http.MethodPost, "/signals", nil, signal)
			if err != nil {
				return err
			}
			var result schema.ExecutionResult
			if err := json.Unmarshal(data, &result); err != nil {
				return fmt.Errorf("decode result: %w", err)
			}
			printResult(cmd.OutOrStdout(), result)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.symbol, "symbol", "", "Ticker symbol; a .IS suffix settles in TRY")
	flags.StringVar(&opts.action, "action", "", "buy, sell or hold")
	flags.Float64Var(&opts.quantity, "quantity", 0, "Number of shares")
	flags.Float64Var(&opts.confidence, "confidence", 0, "Signal confidence in [0,1]")
	flags.StringVar(&opts.orderType, "type", string(schema.OrderTypeMarket), "market, limit, stop or stopLimit")
	flags.Float64Var(&opts.limit, "limit", 0, "Limit price")
	flags.Float64Var(&opts.stop, "stop", 0, "Stop trigger price")
	flags.Float64Var(&opts.stopLoss, "stop-loss", 0, "Protective stop attached to a new position")
	flags.Float64Var(&opts.momentum, "momentum", 0, "Momentum score (0-100)")
	flags.Float64Var(&opts.macro, "macro", 0, "Macro score (0-100)")
	flags.StringVar(&opts.rationale, "rationale", "", "Free-form reason recorded with the entry")
	_ = cmd.MarkFlagRequired("symbol")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

// signal builds the payload; optional numeric flags are sent only when set.
func (o *submitOptions) signal(cmd *cobra.Command) (schema.Signal, error) {
	action, ok := schema.ParseAction(o.action)
	if !ok {
		return schema.Signal{}, fmt.Errorf("unknown action %q", o.action)
	}
	orderType := schema.OrderType(strings.TrimSpace(o.orderType))
	if !orderType.Valid() {
		return schema.Signal{}, fmt.Errorf("unknown order type %q", o.orderType)
	}
	signal := schema.Signal{
		Symbol:     schema.NormalizeSymbol(o.symbol),
		Action:     action,
		Quantity:   o.quantity,
		Confidence: o.confidence,
		OrderType:  orderType,
		Rationale:  o.rationale,
	}
	flags := cmd.Flags()
	if flags.Changed("limit") {
		signal.LimitPrice = schema.Ptr(o.limit)
	}
	if flags.Changed("stop") {
		signal.StopPrice = schema.Ptr(o.stop)
	}
	if flags.Changed("stop-loss") {
		signal.StopLoss = schema.Ptr(o.stopLoss)
	}
	if flags.Changed("momentum") {
		signal.Scores.Momentum = schema.Ptr(o.momentum)
	}
	if flags.Changed("macro") {
		signal.Scores.Macro = schema.Ptr(o.macro)
	}
	return signal, nil
}

func printResult(w io.Writer, result schema.ExecutionResult) {
	if !result.Approved {
		fmt.Fprintf(w, "%s rejected: %s\n", result.Symbol, result.Message)
		return
	}
	price := "-"
	if result.AvgFillPrice != nil {
		price = fmt.Sprintf("%.4f", *result.AvgFillPrice)
	}
	fmt.Fprintf(w, "%s %s order=%s filled=%g price=%s commission=%.2f\n",
		result.Symbol, result.Status, result.OrderID, result.FilledQuantity, price, result.Commission)
	if result.Message != "" {
		fmt.Fprintf(w, "  %s\n", result.Message)
	}
}

func newAccountCommand(root *rootOptions) *cobra.Command {
	var currency string
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Show cash, equity and open positions of a running desk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := newAPIClient(root.serverURL)
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			var accounts []schema.AccountInfo
			if currency != "" {
				data, err := client.call(ctx, http.MethodGet, "/account", url.Values{"currency": {currency}}, nil)
				if err != nil {
					return err
				}
				var info schema.AccountInfo
				if err := json.Unmarshal(data, &info); err != nil {
					return fmt.Errorf("decode account: %w", err)
				}
				accounts = append(accounts, info)
			} else {
				data, err := client.call(ctx, http.MethodGet, "/account", nil, nil)
				if err != nil {
					return err
				}
				var payload struct {
					Accounts []schema.AccountInfo `json:"accounts"`
				}
				if err := json.Unmarshal(data, &payload); err != nil {
					return fmt.Errorf("decode accounts: %w", err)
				}
				accounts = payload.Accounts
			}
			for _, info := range accounts {
				fmt.Fprintf(out, "%s cash=%.2f equity=%.2f buyingPower=%.2f\n",
					info.Currency, info.Cash, info.Equity, info.BuyingPower)
			}

			data, err := client.call(ctx, http.MethodGet, "/positions", nil, nil)
			if err != nil {
				return err
			}
			var payload struct {
				Positions []schema.PositionSnapshot `json:"positions"`
			}
			if err := json.Unmarshal(data, &payload); err != nil {
				return fmt.Errorf("decode positions: %w", err)
			}
			for _, p := range payload.Positions {
				if currency != "" && !strings.EqualFold(string(p.Currency), currency) {
					continue
				}
				fmt.Fprintf(out, "  %-10s qty=%g avgCost=%.4f price=%.4f pnl=%.2f (%.2f%%)\n",
					p.Symbol, p.Quantity, p.AvgCost, p.MarketPrice, p.UnrealizedPnL, p.UnrealizedPnLPct)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&currency, "currency", "", "Limit output to one currency (USD or TRY)")
	return cmd
}
