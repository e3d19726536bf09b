package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/redwing-381/projectx/internal/capture"
	"github.com/redwing-381/projectx/internal/syncagent"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errAgentRunning = errors.New("another projectx-agent instance holds the lock")

// acquireLock takes the single-instance lock next to the capture store.
func acquireLock(path string) (*flock.Flock, error) {
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, errAgentRunning
	}
	return lock, nil
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var fromStdin bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync scheduler and command poller",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			lock, err := acquireLock(cfg.LockPath())
			if err != nil {
				return err
			}
			defer lock.Unlock() //nolint:errcheck

			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sess, err := ctx.openSession(signalCtx)
			if err != nil {
				return err
			}
			defer sess.Close()

			sess.logger.Info("agent started",
				zap.String("device_id", cfg.DeviceID),
				zap.String("store", cfg.StorePath),
				zap.Bool("server_configured", cfg.ServerURL != "" && cfg.APIKey != ""),
			)

			group, groupCtx := errgroup.WithContext(signalCtx)
			group.Go(func() error {
				return sess.agent.Run(groupCtx)
			})
			if fromStdin {
				group.Go(func() error {
					return ingestLines(groupCtx, cmd.InOrStdin(), sess)
				})
			}
			return group.Wait()
		},
	}
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "Read captures as JSON lines ({\"app\",\"sender\",\"text\"}) from stdin")
	return cmd
}

type captureLine struct {
	App    string `json:"app"`
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// ingestLines queues each JSON line read from reader until EOF or cancellation.
// A read blocked on an idle pipe does not hold up cancellation.
func ingestLines(ctx context.Context, reader io.Reader, sess *session) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(reader)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			ingestLine(ctx, sess, line)
		}
	}
}

func ingestLine(ctx context.Context, sess *session, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	var entry captureLine
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		sess.logger.Warn("skipping malformed capture line", zap.Error(err))
		return
	}
	accepted, err := sess.store.Add(ctx, capture.Capture{SourceApp: entry.App, Sender: entry.Sender, Text: entry.Text})
	if err != nil {
		sess.logger.Warn("capture rejected", zap.Error(err))
		return
	}
	if accepted {
		sess.agent.SyncNow()
	}
}

func newCaptureCommand(ctx *commandContext) *cobra.Command {
	var app, sender string
	cmd := &cobra.Command{
		Use:   "capture <text>",
		Short: "Queue a notification for the next sync",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := ctx.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			accepted, err := sess.store.Add(cmd.Context(), capture.Capture{
				SourceApp: app,
				Sender:    sender,
				Text:      strings.Join(args, " "),
			})
			if err != nil {
				return err
			}
			if !accepted {
				fmt.Fprintln(cmd.OutOrStdout(), "Duplicate capture ignored")
				return nil
			}
			pending, err := sess.store.Pending(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued (%d pending)\n", pending)
			return nil
		},
	}
	cmd.Flags().StringVar(&app, "app", "Shell", "Source application name")
	cmd.Flags().StringVar(&sender, "sender", "", "Sender name or address")
	return cmd
}

func newSyncNowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-now",
		Short: "Apply pending commands and upload queued notifications once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			lock, err := acquireLock(cfg.LockPath())
			if errors.Is(err, errAgentRunning) {
				return fmt.Errorf("%w; it syncs on its own schedule", err)
			}
			if err != nil {
				return err
			}
			defer lock.Unlock() //nolint:errcheck

			sess, err := ctx.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			if _, err := sess.agent.PollCommands(cmd.Context()); err != nil {
				sess.logger.Warn("command poll failed", zap.Error(err))
			}
			result := sess.agent.RunOnce(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", result.State, result.Message)
			if result.State == syncagent.StateRetryScheduled {
				fmt.Fprintf(cmd.OutOrStdout(), "Next attempt in %s\n", result.RetryAfter)
			}
			return nil
		},
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the last sync result and local queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := ctx.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			status, recorded, err := syncagent.ReadStatus(cmd.Context(), sess.store)
			if err != nil {
				return err
			}
			pending, err := sess.store.Pending(cmd.Context())
			if err != nil {
				return err
			}
			enabled, err := sess.store.MonitoringEnabled(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderStatus(statusView{
				DeviceID:   sess.config.DeviceID,
				ServerURL:  sess.config.ServerURL,
				Status:     status,
				Recorded:   recorded,
				Pending:    pending,
				Monitoring: enabled,
			}, shouldColorize(cmd.OutOrStdout())))
			return nil
		},
	}
}

type statusView struct {
	DeviceID   string
	ServerURL  string
	Status     syncagent.Status
	Recorded   bool
	Pending    int
	Monitoring bool
}

func statusRows(view statusView) [][]string {
	server := view.ServerURL
	if server == "" {
		server = "(not configured)"
	}
	rows := [][]string{
		{"Device", view.DeviceID},
		{"Server", server},
		{"Monitoring", onOff(view.Monitoring)},
		{"Pending", strconv.Itoa(view.Pending)},
	}
	if !view.Recorded {
		return append(rows, []string{"Last sync", "never"})
	}
	return append(rows,
		[]string{"State", string(view.Status.State)},
		[]string{"Message", view.Status.Message},
		[]string{"Last run", formatTime(view.Status.LastRunAt)},
		[]string{"Last success", formatTime(view.Status.LastSuccessAt)},
		[]string{"Next run", formatTime(view.Status.NextRunAt)},
		[]string{"Uploaded", strconv.Itoa(view.Status.Uploaded)},
		[]string{"Urgent", strconv.Itoa(view.Status.UrgentCount)},
		[]string{"Failures", strconv.Itoa(view.Status.ConsecutiveFailures)},
	)
}

func onOff(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return "-"
	}
	return value.Local().Format("2006-01-02 15:04:05")
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	return isTerminal(file.Fd())
}
