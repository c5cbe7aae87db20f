package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/contest-hub/contest-hub/internal/domain/contest"
	"github.com/contest-hub/contest-hub/internal/domain/outbox"
)

func newStateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the current phase, round and deadline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st contest.SystemState
			if err := opts.call(cmd.Context(), http.MethodGet, "/v1/state", nil, &st); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "phase:    %s\n", st.Phase)
			_, _ = fmt.Fprintf(out, "round:    %d\n", st.Round)
			if !st.NextDeadline.IsZero() {
				_, _ = fmt.Fprintf(out, "deadline: %s\n", st.NextDeadline.UTC().Format(time.RFC3339))
			}
			if !st.Task.IsZero() {
				_, _ = fmt.Fprintf(out, "task:     %s (%s)\n", st.Task.Text, st.Task.Kind)
			}
			return nil
		},
	}
}

func newFastForwardCmd(opts *options) *cobra.Command {
	var preview bool
	cmd := &cobra.Command{
		Use:   "fast-forward",
		Short: "Move the current deadline to now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.call(cmd.Context(), http.MethodPost, "/v1/admin/fast-forward", map[string]bool{"toPreview": preview}, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Fast-forward requested")
			return nil
		},
	}
	cmd.Flags().BoolVar(&preview, "preview", false, "Stop at the preview warning instead of the deadline")
	return cmd
}

func newKickstartCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "kickstart [task text]",
		Short: "Leave standby; with a task the round starts, without one a suggestion poll opens",
		RunE: func(cmd *cobra.Command, args []string) error {
			task := strings.TrimSpace(strings.Join(args, " "))
			if err := opts.call(cmd.Context(), http.MethodPost, "/v1/admin/kickstart", map[string]string{"task": task}, nil); err != nil {
				return err
			}
			if task == "" {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Kickstart requested: suggestion poll")
			} else {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Kickstart requested: %s\n", task)
			}
			return nil
		},
	}
}

func newForceCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "force <PHASE>",
		Short: "Jump the contest to an arbitrary phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			phase, err := contest.ParsePhase(args[0])
			if err != nil {
				return fmt.Errorf("%w: %q", err, args[0])
			}
			if err := opts.call(cmd.Context(), http.MethodPost, "/v1/admin/force", map[string]string{"phase": string(phase)}, nil); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Forced %s\n", phase)
			return nil
		},
	}
}

func newDeletedCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-message <chat-id> <message-id>",
		Short: "Report a chat message as deleted",
		Long:  "Report a chat message as deleted. Group chat ids are negative and are accepted as plain arguments.",
		// Group chat ids look like shorthand flags to pflag.
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, raw []string) error {
			args, err := parseNumericArgs(cmd, raw)
			if err != nil {
				return err
			}
			if help, _ := cmd.Flags().GetBool("help"); help {
				return cmd.Help()
			}
			if err := cobra.ExactArgs(2)(cmd, args); err != nil {
				return err
			}
			chatID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("chat id: %w", err)
			}
			messageID, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("message id: %w", err)
			}
			body := map[string]any{"chatId": chatID, "messageId": messageID}
			return opts.call(cmd.Context(), http.MethodPost, "/v1/admin/deleted-messages", body, nil)
		},
	}
}

// parseNumericArgs parses the command's flags from raw, treating anything
// that reads as an integer as a positional argument.
func parseNumericArgs(cmd *cobra.Command, raw []string) ([]string, error) {
	var flagArgs, args []string
	for i := 0; i < len(raw); i++ {
		a := raw[i]
		if a == "--" {
			args = append(args, raw[i+1:]...)
			break
		}
		if _, err := strconv.ParseInt(a, 10, 64); err == nil || !strings.HasPrefix(a, "-") {
			args = append(args, a)
			continue
		}
		flagArgs = append(flagArgs, a)
		if strings.Contains(a, "=") || i+1 >= len(raw) {
			continue
		}
		name := strings.TrimLeft(a, "-")
		f := cmd.Flags().Lookup(name)
		if f == nil && len(name) == 1 {
			f = cmd.Flags().ShorthandLookup(name)
		}
		if f != nil && f.NoOptDefVal == "" {
			i++
			flagArgs = append(flagArgs, raw[i])
		}
	}
	if err := cmd.Flags().Parse(flagArgs); err != nil {
		return nil, err
	}
	return args, nil
}

func newOutboxCmd(opts *options) *cobra.Command {
	var (
		eventType string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "List recorded catalog events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if eventType != "" {
				q.Set("type", eventType)
			}
			q.Set("limit", strconv.Itoa(limit))
			var events []*outbox.Event
			if err := opts.call(cmd.Context(), http.MethodGet, "/v1/admin/outbox?"+q.Encode(), nil, &events); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range events {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "Only events of this type, e.g. TRACK_ADDED")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of events")
	return cmd
}

func newHashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print the bcrypt hash to put in ADMIN_TOKEN_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ADMIN_TOKEN_HASH=%s\n", hash)
			return nil
		},
	}
}
