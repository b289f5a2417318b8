package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	cl "stockparty/internal/cli"
	"stockparty/internal/config"
	"stockparty/internal/syncq"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	cfg := config.LoadCLIFromEnv()
	apiBase := cfg.APIBaseURL

	root := &cobra.Command{
		Use:          "spk",
		Short:        "Stockparty host console",
		SilenceUsage: true,
	}

	root.AddCommand(
		newSessionCmd(&apiBase),
		newUsersCmd(&apiBase),
		newTradeCmd(&apiBase),
		newLoanCmd(&apiBase),
		newLogsCmd(&apiBase),
		newProfitCmd(&apiBase),
		newWatchCmd(&apiBase),
		newSyncCmd(&apiBase),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(apiBase *string) *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(*apiBase), "/"))
}

func currentSession() (string, error) {
	cctx, err := cl.LoadContext()
	if err != nil {
		return "", err
	}
	return cctx.SessionID, nil
}

func newSessionCmd(apiBase *string) *cobra.Command {
	session := &cobra.Command{
		Use:   "session",
		Short: "Create and manage game sessions",
	}

	var (
		maxRound     int
		fluctuation  int
		volatility   string
		startMoney   int64
		ttl          int
		holdingLimit string
	)
	create := &cobra.Command{
		Use:   "create [session_id]",
		Short: "Create a session and select it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := stringFromArgsOrPrompt(args, 0, "Session ID")
			if err != nil {
				return err
			}
			body := map[string]any{"session_id": sessionID}
			if maxRound > 0 {
				body["max_round"] = maxRound
			}
			if fluctuation > 0 {
				body["fluctuation_seconds"] = fluctuation
			}
			if volatility != "" {
				body["volatility"] = volatility
			}
			if startMoney > 0 {
				body["start_money"] = startMoney
			}
			if ttl > 0 {
				body["ttl_seconds"] = ttl
			}
			if holdingLimit != "" {
				body["holding_limit"] = holdingLimit
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).CreateSession(ctx, body)
			if err != nil {
				return err
			}
			if err := cl.SaveContext(cl.Context{SessionID: sessionID}); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Session %s created and selected.", sessionID))
			return renderMarket(out)
		},
	}
	create.Flags().IntVar(&maxRound, "max-round", 0, "number of rounds")
	create.Flags().IntVar(&fluctuation, "fluctuation", 0, "seconds between automatic rounds")
	create.Flags().StringVar(&volatility, "volatility", "", "price volatility (calm|mor|wild)")
	create.Flags().Int64Var(&startMoney, "start-money", 0, "starting cash per player")
	create.Flags().IntVar(&ttl, "ttl", 0, "session lifetime in seconds")
	create.Flags().StringVar(&holdingLimit, "holding-limit", "", "holding limit policy (half|none)")
	session.AddCommand(create)

	session.AddCommand(&cobra.Command{
		Use:   "use [session_id]",
		Short: "Select the working session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := strings.TrimSpace(args[0])
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if _, err := newClient(apiBase).Market(ctx, sessionID); err != nil {
				return err
			}
			if err := cl.SaveContext(cl.Context{SessionID: sessionID}); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Using session %s.", sessionID))
			return nil
		},
	})

	session.AddCommand(&cobra.Command{
		Use:   "destroy",
		Short: "Destroy the selected session",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := currentSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if _, err := newClient(apiBase).DestroySession(ctx, sessionID); err != nil {
				return err
			}
			_ = cl.ClearContext()
			printSuccess(fmt.Sprintf("Session %s destroyed.", sessionID))
			return nil
		},
	})

	session.AddCommand(&cobra.Command{
		Use:   "market",
		Short: "Show the market board",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := currentSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Market(ctx, sessionID)
			if err != nil {
				return err
			}
			return renderMarket(out)
		},
	})

	session.AddCommand(&cobra.Command{
		Use:   "advance",
		Short: "Advance to the next round",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := currentSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).AdvanceRound(ctx, sessionID)
			if err != nil {
				return err
			}
			return renderRound(out)
		},
	})

	return session
}

func newUsersCmd(apiBase *string) *cobra.Command {
	users := &cobra.Command{
		Use:     "users",
		Short:   "Player management commands",
		Aliases: []string{"user"},
	}

	var intro string
	register := &cobra.Command{
		Use:   "register [user_id]",
		Short: "Register a player in the selected session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := currentSession()
			if err != nil {
				return err
			}
			userID, err := stringFromArgsOrPrompt(args, 0, "User ID")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).RegisterUser(ctx, sessionID, userID, intro)
			if err != nil {
				return err
			}
			return renderRegistered(out)
		},
	}
	register.Flags().StringVar(&intro, "intro", "", "player introduction line")
	users.AddCommand(register)

	users.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List players by seat order",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := currentSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).UserList(ctx, sessionID)
			if err != nil {
				return err
			}
			return renderUsers(out)
		},
	})

	users.AddCommand(&cobra.Command{
		Use:   "count",
		Short: "Count registered players",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := currentSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).UserCount(ctx, sessionID)
			if err != nil {
				return err
			}
			printInfo(fmt.Sprintf("Players: %v", out["count"]))
			return nil
		},
	})

	users.AddCommand(&cobra.Command{
		Use:   "show [user_id]",
		Short: "Show one player's holdings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := currentSession()
			if err != nil {
				return err
			}
			userID, err := stringFromArgsOrPrompt(args, 0, "User ID")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).GetUser(ctx, sessionID, userID)
			if err != nil {
				return err
			}
			return renderUser(out)
		},
	})

	users.AddCommand(&cobra.Command{
		Use:   "remove [user_id]",
		Short: "Remove a player",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := currentSession()
			if err != nil {
				return err
			}
			userID, err := stringFromArgsOrPrompt(args, 0, "User ID")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if _, err := newClient(apiBase).RemoveUser(ctx, sessionID, userID); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Removed %s.", userID))
			return nil
		},
	})

	users.AddCommand(&cobra.Command{
		Use:   "remove-all",
		Short: "Remove every player from the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := currentSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if _, err := newClient(apiBase).RemoveAllUsers(ctx, sessionID); err != nil {
				return err
			}
			printSuccess("All players removed.")
			return nil
		},
	})

	users.AddCommand(&cobra.Command{
		Use:   "align",
		Short: "Renumber seat indexes after removals",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := currentSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if _, err := newClient(apiBase).AlignIndex(ctx, sessionID); err != nil {
				return err
			}
			printSuccess("Seat indexes aligned.")
			return nil
		},
	})

	users.AddCommand(&cobra.Command{
		Use:   "introduce [user_id] [text...]",
		Short: "Set a player's introduction",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := currentSession()
			if err != nil {
				return err
			}
			userID := strings.TrimSpace(args[0])
			text := strings.TrimSpace(strings.Join(args[1:], " "))
			if text == "" {
				text, err = promptRequired("Introduction")
				if err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Introduce(ctx, sessionID, userID, text)
			if err != nil {
				return err
			}
			return renderUser(out)
		},
	})

	users.AddCommand(&cobra.Command{
		Use:   "freeze [user_id]",
		Short: "Block a player from trading",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return toggleFreeze(cmd, apiBase, args[0], true)
		},
	})
	users.AddCommand(&cobra.Command{
		Use:   "unfreeze [user_id]",
		Short: "Allow a frozen player to trade again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return toggleFreeze(cmd, apiBase, args[0], false)
		},
	})

	return users
}

func toggleFreeze(cmd *cobra.Command, apiBase *string, userID string, freeze bool) error {
	sessionID, err := currentSession()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	client := newClient(apiBase)
	var out map[string]any
	if freeze {
		out, err = client.FreezeUser(ctx, sessionID, userID)
	} else {
		out, err = client.UnfreezeUser(ctx, sessionID, userID)
	}
	if err != nil {
		return err
	}
	return renderUser(out)
}

func newTradeCmd(apiBase *string) *cobra.Command {
	trade := &cobra.Command{
		Use:   "trade",
		Short: "Place trades for a player",
	}

	trade.AddCommand(&cobra.Command{
		Use:   "buy [user_id] [company] [quantity]",
		Short: "Buy shares at the current round price",
		Args:  cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return tradeCommand(cmd, apiBase, "buy", args)
		},
	})
	trade.AddCommand(&cobra.Command{
		Use:   "sell [user_id] [company] [quantity]",
		Short: "Sell shares at the current round price",
		Args:  cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return tradeCommand(cmd, apiBase, "sell", args)
		},
	})
	trade.AddCommand(&cobra.Command{
		Use:   "sell-all [user_id] [company]",
		Short: "Sell a player's entire position in one company",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := currentSession()
			if err != nil {
				return err
			}
			userID, err := stringFromArgsOrPrompt(args, 0, "User ID")
			if err != nil {
				return err
			}
			company, err := stringFromArgsOrPrompt(args, 1, "Company")
			if err != nil {
				return err
			}
			idem := uuid.NewString()
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).SellAll(ctx, sessionID, userID, company, idem)
			if err != nil {
				return queueOnNetworkError(err, syncq.Command{
					Method:         "POST",
					Path:           "/v1/sessions/" + sessionID + "/trades/sell-all",
					Body:           map[string]any{"user_id": userID, "company": company},
					IdempotencyKey: idem,
				})
			}
			return renderTrade(out)
		},
	})

	return trade
}

func tradeCommand(cmd *cobra.Command, apiBase *string, side string, args []string) error {
	sessionID, err := currentSession()
	if err != nil {
		return err
	}
	userID, err := stringFromArgsOrPrompt(args, 0, "User ID")
	if err != nil {
		return err
	}
	company, err := stringFromArgsOrPrompt(args, 1, "Company")
	if err != nil {
		return err
	}
	qty, err := intFromArgOrPrompt(args, 2, "Quantity")
	if err != nil {
		return err
	}

	idem := uuid.NewString()
	client := newClient(apiBase)
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	var out map[string]any
	if side == "buy" {
		out, err = client.Buy(ctx, sessionID, userID, company, qty, idem)
	} else {
		out, err = client.Sell(ctx, sessionID, userID, company, qty, idem)
	}
	if err != nil {
		return queueOnNetworkError(err, syncq.Command{
			Method:         "POST",
			Path:           "/v1/sessions/" + sessionID + "/trades/" + side,
			Body:           map[string]any{"user_id": userID, "company": company, "quantity": qty},
			IdempotencyKey: idem,
		})
	}
	return renderTrade(out)
}

func newLoanCmd(apiBase *string) *cobra.Command {
	loan := &cobra.Command{
		Use:   "loan",
		Short: "Player loan operations",
	}
	loan.AddCommand(&cobra.Command{
		Use:   "take [user_id]",
		Short: "Grant the fixed loan to a player",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := currentSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).StartLoan(ctx, sessionID, args[0])
			if err != nil {
				return err
			}
			return renderUser(out)
		},
	})
	loan.AddCommand(&cobra.Command{
		Use:   "settle [user_id]",
		Short: "Collect principal plus interest from a player",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := currentSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).SettleLoan(ctx, sessionID, args[0])
			if err != nil {
				return err
			}
			return renderUser(out)
		},
	})
	return loan
}

func newLogsCmd(apiBase *string) *cobra.Command {
	var (
		userID  string
		company string
		round   int
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the trade log",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := currentSession()
			if err != nil {
				return err
			}
			var roundFilter *int
			if cmd.Flags().Changed("round") {
				roundFilter = &round
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Logs(ctx, sessionID, userID, company, roundFilter)
			if err != nil {
				return err
			}
			return renderLogs(out)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "filter by player")
	cmd.Flags().StringVar(&company, "company", "", "filter by company")
	cmd.Flags().IntVar(&round, "round", 0, "filter by round")
	return cmd
}

func newProfitCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "profit [user_id] [company]",
		Short: "Show a player's position against the current price",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := currentSession()
			if err != nil {
				return err
			}
			userID, err := stringFromArgsOrPrompt(args, 0, "User ID")
			if err != nil {
				return err
			}
			company, err := stringFromArgsOrPrompt(args, 1, "Company")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Profit(ctx, sessionID, userID, company)
			if err != nil {
				return err
			}
			return renderProfit(out)
		},
	}
}

func newWatchCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream trade events live",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := currentSession()
			if err != nil {
				return err
			}
			printInfo(fmt.Sprintf("Watching session %s (Ctrl-C to stop)...", sessionID))
			return newClient(apiBase).StreamEvents(cmd.Context(), sessionID, renderEvent)
		},
	}
}

func newSyncCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay locally queued offline trades",
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := syncq.Load()
			if err != nil {
				return err
			}
			if len(queue) == 0 {
				printInfo("Sync queue is empty.")
				return nil
			}
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			remaining := make([]syncq.Command, 0, len(queue))
			success := 0
			for _, q := range queue {
				if _, err := client.Do(ctx, q.Method, q.Path, q.Body, q.IdempotencyKey); err != nil {
					// A duplicate-key rejection means the original request
					// committed before the connection dropped.
					if strings.Contains(err.Error(), "duplicate idempotency key") {
						printInfo(fmt.Sprintf("Skipping %s %s: already applied.", q.Method, q.Path))
						success++
						continue
					}
					remaining = append(remaining, q)
					printError(fmt.Sprintf("Sync failed for %s %s: %v", q.Method, q.Path, err))
					continue
				}
				success++
			}
			if err := syncq.Save(remaining); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Sync complete: replayed=%d remaining=%d", success, len(remaining)))
			return nil
		},
	}
}

func queueOnNetworkError(err error, cmd syncq.Command) error {
	if err == nil {
		return nil
	}
	if isAPIStructuredError(err) {
		return err
	}
	if pushErr := syncq.Push(cmd); pushErr != nil {
		return fmt.Errorf("request failed and could not be queued: %v (queue: %v)", err, pushErr)
	}
	printWarn(fmt.Sprintf("API unreachable, queued %s %s for `spk sync`.", cmd.Method, cmd.Path))
	return nil
}

func isAPIStructuredError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "api status")
}

func stringFromArgsOrPrompt(args []string, idx int, label string) (string, error) {
	if len(args) > idx {
		v := strings.TrimSpace(args[idx])
		if v != "" {
			return v, nil
		}
	}
	return promptRequired(label)
}

func intFromArgOrPrompt(args []string, idx int, label string) (int, error) {
	if len(args) > idx {
		v, err := strconv.Atoi(strings.TrimSpace(args[idx]))
		if err != nil || v <= 0 {
			return 0, fmt.Errorf("invalid %s", strings.ToLower(label))
		}
		return v, nil
	}
	return promptInt(label, 1)
}
