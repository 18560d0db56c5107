package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"p2pescrow/native/escrow"
	"p2pescrow/services/escrowd/audit"
)

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, usage())
	}
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string, stderr io.Writer) bool {
	if err := fs.Parse(args); err != nil {
		return false
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return false
	}
	return true
}

func validateID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("--id is required")
	}
	if !strings.HasPrefix(id, "esc") || strings.ContainsAny(id, "/?# ") {
		return fmt.Errorf("--id must be an escrow identifier such as esc1a2b3c")
	}
	return nil
}

func runCreate(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("create", stderr)
	var coinRaw, recipient, value, contract string
	fs.StringVar(&coinRaw, "coin", "", "coin symbol (btc, bch, ltc, doge, eth, usdt)")
	fs.StringVar(&recipient, "recipient", "", "recipient identity")
	fs.StringVar(&value, "value", "", "escrow value in whole coin units")
	fs.StringVar(&contract, "contract", "", "free-form contract terms")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	coin, err := escrow.ParseCoin(coinRaw)
	if err != nil {
		return printError(stderr, "--coin must be one of btc, bch, ltc, doge, eth, usdt")
	}
	if strings.TrimSpace(recipient) == "" {
		return printError(stderr, "--recipient is required")
	}
	if _, err := escrow.ParseValue(value, coin); err != nil {
		return printError(stderr, fmt.Sprintf("--value: %v", err))
	}
	if err := escrow.ValidateContract(contract); err != nil {
		return printError(stderr, fmt.Sprintf("--contract: %v", err))
	}
	result, err := apiCall("POST", "/v1/escrows", map[string]string{
		"coin":      coin.String(),
		"recipient": recipient,
		"value":     strings.TrimSpace(value),
		"contract":  contract,
	})
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeResult(stdout, result)
	return 0
}

func runShow(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("show", stderr)
	var id string
	fs.StringVar(&id, "id", "", "escrow identifier")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := validateID(id); err != nil {
		return printError(stderr, err.Error())
	}
	result, err := apiCall("GET", "/v1/escrows/"+strings.TrimSpace(id), nil)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeResult(stdout, result)
	return 0
}

func runList(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("list", stderr)
	var window time.Duration
	fs.DurationVar(&window, "window", escrow.DefaultRecentWindow, "trailing activity window")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if window <= 0 {
		return printError(stderr, "--window must be positive")
	}
	result, err := apiCall("GET", "/v1/escrows?window="+url.QueryEscape(window.String()), nil)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeResult(stdout, result)
	return 0
}

func runTransition(op string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(op, stderr)
	var id string
	fs.StringVar(&id, "id", "", "escrow identifier")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := validateID(id); err != nil {
		return printError(stderr, err.Error())
	}
	result, err := apiCall("POST", "/v1/escrows/"+strings.TrimSpace(id)+"/"+op, nil)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeResult(stdout, result)
	return 0
}

func runWithdraw(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("withdraw", stderr)
	var (
		id      string
		address string
		feeRate int64
	)
	fs.StringVar(&id, "id", "", "escrow identifier")
	fs.StringVar(&address, "address", "", "destination address")
	fs.Int64Var(&feeRate, "fee-rate", -1, "override fee rate (sat/vB or gwei); omit to use the estimate")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := validateID(id); err != nil {
		return printError(stderr, err.Error())
	}
	if escrow.CleanAddress(address) == "" {
		return printError(stderr, "--address is required")
	}
	body := map[string]interface{}{"address": address}
	if feeRate >= 0 {
		body["fee_rate"] = feeRate
	}
	result, err := apiCall("POST", "/v1/escrows/"+strings.TrimSpace(id)+"/withdraw", body)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeResult(stdout, result)
	return 0
}

func runFee(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("fee", stderr)
	var coinRaw string
	fs.StringVar(&coinRaw, "coin", "", "coin symbol")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	coin, err := escrow.ParseCoin(coinRaw)
	if err != nil {
		return printError(stderr, "--coin must be one of btc, bch, ltc, doge, eth, usdt")
	}
	result, err := apiCall("GET", "/v1/fees/"+coin.String(), nil)
	if err != nil {
		return handleCallError(stderr, err)
	}
	writeResult(stdout, result)
	return 0
}

type listedEscrow struct {
	ID             string `json:"id"`
	Coin           string `json:"coin"`
	State          string `json:"state"`
	StateCode      int32  `json:"stateCode"`
	Sender         string `json:"sender"`
	Recipient      string `json:"recipient"`
	Value          string `json:"value"`
	RequestedValue string `json:"requestedValue"`
	DepositAddress string `json:"depositAddress"`
	PayoutTx       string `json:"payoutTx"`
	CreatedAt      string `json:"createdAt"`
	LastActivity   string `json:"lastActivity"`
}

func runExport(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("export", stderr)
	var (
		out    string
		window time.Duration
	)
	fs.StringVar(&out, "out", "", "destination parquet file")
	fs.DurationVar(&window, "window", escrow.DefaultRecentWindow, "trailing activity window")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(out) == "" {
		return printError(stderr, "--out is required")
	}
	if window <= 0 {
		return printError(stderr, "--window must be positive")
	}
	result, err := apiCall("GET", "/v1/escrows?window="+url.QueryEscape(window.String()), nil)
	if err != nil {
		return handleCallError(stderr, err)
	}
	var listing struct {
		Escrows []listedEscrow `json:"escrows"`
	}
	if err := json.Unmarshal(result, &listing); err != nil {
		return printError(stderr, fmt.Sprintf("decode listing: %v", err))
	}
	rows := make([]audit.Row, 0, len(listing.Escrows))
	for _, e := range listing.Escrows {
		rows = append(rows, audit.Row{
			ID:             e.ID,
			Coin:           e.Coin,
			State:          e.State,
			StateCode:      e.StateCode,
			Sender:         e.Sender,
			Recipient:      e.Recipient,
			Value:          e.Value,
			RequestedValue: e.RequestedValue,
			DepositAddress: e.DepositAddress,
			PayoutTx:       e.PayoutTx,
			CreatedAt:      e.CreatedAt,
			LastActivity:   e.LastActivity,
		})
	}
	if err := audit.WriteParquet(out, rows); err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "wrote %d escrows to %s\n", len(rows), out)
	return 0
}
