package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"stockparty/internal/market"

	"github.com/fatih/color"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

type usersPayload struct {
	Users []market.UserView `json:"users"`
}

type logsPayload struct {
	Logs []market.TradeLog `json:"logs"`
}

type profitPayload struct {
	Company          string  `json:"company"`
	CurrentPrice     int64   `json:"current_price"`
	Holding          int     `json:"holding"`
	AvgPurchasePrice int64   `json:"avg_purchase_price"`
	ProfitRate       float64 `json:"profit_rate"`
}

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func promptInt(label string, min int) (int, error) {
	for {
		text, err := promptRequired(label)
		if err != nil {
			return 0, err
		}
		v, err := strconv.Atoi(text)
		if err != nil {
			printWarn("Enter a whole number.")
			continue
		}
		if v < min {
			printWarn(fmt.Sprintf("Value must be >= %d", min))
			continue
		}
		return v, nil
	}
}

func renderMarket(raw map[string]any) error {
	snap, err := decodeInto[market.MarketSnapshot](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== MARKET %s ==\n", snap.SessionID)
	fmt.Printf("State:    %s\n", snap.State)
	fmt.Printf("Round:    %d / %d\n", snap.Round+1, snap.MaxRound)
	fmt.Printf("Trading:  %t\n", snap.IsTransactionOpen)
	fmt.Printf("Players:  %d\n", snap.UserCount)

	names := make([]string, 0, len(snap.Prices))
	for name := range snap.Prices {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println()
	fmt.Printf("%-26s %14s %10s %12s\n", "COMPANY", "PRICE", "LEFT", "TREND")
	for _, name := range names {
		trend := int64(0)
		if series := snap.PriceSeries[name]; len(series) > 1 {
			trend = series[len(series)-1] - series[len(series)-2]
		}
		fmt.Printf("%-26s %14s %10d %12s\n",
			truncate(name, 26),
			formatMoney(snap.Prices[name]),
			snap.RemainingStocks[name],
			colorizeMoney(trend),
		)
	}
	fmt.Println()
	return nil
}

func renderRound(raw map[string]any) error {
	res, err := decodeInto[market.RoundResult](raw)
	if err != nil {
		return err
	}
	if res.State == market.StateClosed {
		printWarn(fmt.Sprintf("Session %s is over, market closed.", res.SessionID))
		return nil
	}
	printSuccess(fmt.Sprintf("Round %d open.", res.Round+1))
	names := make([]string, 0, len(res.Prices))
	for name := range res.Prices {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-26s %14s\n", truncate(name, 26), formatMoney(res.Prices[name]))
	}
	return nil
}

func renderRegistered(raw map[string]any) error {
	res, err := decodeInto[market.RegisterResult](raw)
	if err != nil {
		return err
	}
	if res.MessageID == "direct" {
		printWarn(fmt.Sprintf("Registered %s locally (relay unreachable).", res.User.ID))
	} else {
		printSuccess(fmt.Sprintf("Registered %s (receipt %s).", res.User.ID, res.MessageID))
	}
	fmt.Printf("Seat: %d  Cash: %s\n", res.User.Index, formatMoney(res.User.Money))
	return nil
}

func renderUsers(raw map[string]any) error {
	payload, err := decodeInto[usersPayload](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== PLAYERS ==")
	if len(payload.Users) == 0 {
		printInfo("No players registered yet.")
		return nil
	}
	fmt.Printf("%-6s %-18s %14s %8s %8s %-24s\n", "SEAT", "PLAYER", "CASH", "STOCKS", "FROZEN", "INTRO")
	for _, u := range payload.Users {
		held := 0
		for _, qty := range u.Inventory {
			held += qty
		}
		frozen := ""
		if u.IsFrozen {
			frozen = "yes"
		}
		fmt.Printf("%-6d %-18s %14s %8d %8s %-24s\n",
			u.Index,
			truncate(u.ID, 18),
			formatMoney(u.Money),
			held,
			frozen,
			truncate(u.Introduction, 24),
		)
	}
	fmt.Println()
	return nil
}

func renderUser(raw map[string]any) error {
	u, err := decodeInto[market.UserView](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== %s ==\n", u.ID)
	fmt.Printf("Seat:    %d\n", u.Index)
	fmt.Printf("Cash:    %s\n", formatMoney(u.Money))
	fmt.Printf("Frozen:  %t\n", u.IsFrozen)
	if u.Loan != nil && !u.Loan.Settled {
		fmt.Printf("Loan:    %s at %.0f%% (round %d)\n",
			formatMoney(u.Loan.Principal), u.Loan.InterestRate*100, u.Loan.StartRound+1)
	}
	if strings.TrimSpace(u.Introduction) != "" {
		fmt.Printf("Intro:   %s\n", u.Introduction)
	}
	if len(u.Inventory) > 0 {
		fmt.Println()
		fmt.Printf("%-26s %8s %14s\n", "COMPANY", "QTY", "AVG BUY")
		names := make([]string, 0, len(u.Inventory))
		for name := range u.Inventory {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("%-26s %8d %14s\n", truncate(name, 26), u.Inventory[name], formatMoney(u.AvgPrice[name]))
		}
	}
	fmt.Println()
	return nil
}

func renderTrade(raw map[string]any) error {
	res, err := decodeInto[market.TradeResult](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== %s %s ==\n", res.Action, strings.ToUpper(res.Company))
	fmt.Printf("Shares:    %d\n", res.Quantity)
	fmt.Printf("Price:     %s\n", formatMoney(res.UnitPrice))
	fmt.Printf("Remaining: %d\n", res.Remaining)
	fmt.Printf("Cash:      %s\n", formatMoney(res.User.Money))
	fmt.Println()
	return nil
}

func renderLogs(raw map[string]any) error {
	payload, err := decodeInto[logsPayload](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== TRADE LOG ==")
	if len(payload.Logs) == 0 {
		printInfo("No trades recorded.")
		return nil
	}
	fmt.Printf("%-7s %-16s %-4s %-22s %6s %14s %-24s\n", "ROUND", "PLAYER", "SIDE", "COMPANY", "QTY", "PRICE", "RESULT")
	for _, l := range payload.Logs {
		result := success.Sprint("ok")
		if l.FailedReason != "" {
			result = danger.Sprint(truncate(l.FailedReason, 24))
		}
		fmt.Printf("%-7d %-16s %-4s %-22s %6d %14s %-24s\n",
			l.Round+1,
			truncate(l.UserID, 16),
			l.Action,
			truncate(l.Company, 22),
			l.Quantity,
			formatMoney(l.UnitPrice),
			result,
		)
	}
	fmt.Println()
	return nil
}

func renderProfit(raw map[string]any) error {
	p, err := decodeInto[profitPayload](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== %s ==\n", strings.ToUpper(p.Company))
	fmt.Printf("Holding:   %d\n", p.Holding)
	fmt.Printf("Price now: %s\n", formatMoney(p.CurrentPrice))
	if p.Holding > 0 && p.AvgPurchasePrice > 0 {
		fmt.Printf("Avg buy:   %s\n", formatMoney(p.AvgPurchasePrice))
		fmt.Printf("Profit:    %s\n", colorizePercent(p.ProfitRate))
	}
	fmt.Println()
	return nil
}

func renderEvent(data []byte) error {
	var ev market.LogEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil
	}
	l := ev.Log
	if l.FailedReason != "" {
		printWarn(fmt.Sprintf("[r%d] %s %s %s rejected: %s", l.Round+1, l.UserID, l.Action, l.Company, l.FailedReason))
		return nil
	}
	printInfo(fmt.Sprintf("[r%d] %s %s %d x %s at %s", l.Round+1, l.UserID, l.Action, l.Quantity, l.Company, formatMoney(l.UnitPrice)))
	return nil
}

func decodeInto[T any](in any) (T, error) {
	var out T
	raw, err := json.Marshal(in)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

func colorizeMoney(v int64) string {
	text := formatMoney(v)
	if v > 0 {
		text = "+" + text
	}
	switch {
	case v > 0:
		return success.Sprint(text)
	case v < 0:
		return danger.Sprint(text)
	default:
		return neutral.Sprint(text)
	}
}

func colorizePercent(v float64) string {
	text := fmt.Sprintf("%+.2f%%", v)
	switch {
	case v > 0:
		return success.Sprint(text)
	case v < 0:
		return danger.Sprint(text)
	default:
		return neutral.Sprint(text)
	}
}

func formatMoney(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return sign + comma(v)
}

func comma(v int64) string {
	s := strconv.FormatInt(v, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
		if len(s) > pre {
			b.WriteByte(',')
		}
	}
	for i := pre; i < len(s); i += 3 {
		b.WriteString(s[i : i+3])
		if i+3 < len(s) {
			b.WriteByte(',')
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
