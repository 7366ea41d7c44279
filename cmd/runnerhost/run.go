package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/terrpan/runnerhost/internal/runner"
	"github.com/terrpan/runnerhost/internal/source/docker"
	"github.com/terrpan/runnerhost/internal/source/gcp"
	"github.com/terrpan/runnerhost/internal/source/sequence"
	"github.com/terrpan/runnerhost/internal/store"
)

var runFlags struct {
	resultType string
	params     map[string]string
	advance    int
	queueSize  int
	sessionID  string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive one runner to completion and print every result envelope",
	Long: `run creates a session, creates one runner of the selected result type
and fetches from it in steps of --advance items until it reaches a
terminal status.  Each envelope is printed as one JSON line.  The
session is then terminated and the command waits for its cleanup.`,
	Example: `  runnerhost run --type sequence -p count=20 -p delay=100ms
  runnerhost run --docker --type docker.logs -p container=web -p follow=true`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return runOnce(ctx, cmd.OutOrStdout())
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.resultType, "type", "t", sequence.ResultType, "Result type of the runner")
	f.StringToStringVarP(&runFlags.params, "param", "p", nil, "Runner parameter as key=value (repeatable)")
	f.IntVar(&runFlags.advance, "advance", 5, "Items requested per fetch")
	f.IntVar(&runFlags.queueSize, "queue-size", 0, "Runner queue capacity (0 uses the default)")
	f.StringVar(&runFlags.sessionID, "session", "", "Session id (default: a random uuid)")
}

// envelope is the printed form of one fetch result.
type envelope struct {
	Ref      string `json:"ref"`
	TraceID  string `json:"traceId"`
	Status   string `json:"status"`
	Position int    `json:"position"`
	Items    any    `json:"items"`
	Error    string `json:"error,omitempty"`
}

func runOnce(ctx context.Context, out io.Writer) error {
	// ---------------------------------------------------------------
	// 1. Load configuration, logger, telemetry
	// ---------------------------------------------------------------
	cfg, logger, shutdownOTel, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownOTel(context.WithoutCancel(ctx)); err != nil {
			logger.Error("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()
	if runFlags.advance < 1 {
		return fmt.Errorf("--advance must be at least 1, got %d", runFlags.advance)
	}

	// ---------------------------------------------------------------
	// 2. Create store
	// ---------------------------------------------------------------
	st, err := cfg.NewStore(logger)
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			logger.Error("store close failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 3. Create session and runner
	// ---------------------------------------------------------------
	sessionID := runFlags.sessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	traceID := uuid.NewString()

	sess, err := st.FetchOrCreate(ctx, sessionID, traceID)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	rn, number, err := st.CreateRunner(ctx, sess, store.Request{
		ResultType: runFlags.resultType,
		Params:     runFlags.params,
		QueueSize:  runFlags.queueSize,
	}, traceID)
	if err != nil {
		return fmt.Errorf("creating runner: %w", err)
	}
	ref := st.Ref(number)
	logger.Info("runner created",
		slog.String("sessionID", sessionID),
		slog.String("ref", ref),
		slog.String("resultType", runFlags.resultType),
	)

	// ---------------------------------------------------------------
	// 4. Fetch until terminal
	// ---------------------------------------------------------------
	runErr := drive(ctx, rn, ref, runFlags.advance, json.NewEncoder(out))

	// ---------------------------------------------------------------
	// 5. Terminate the session and wait for its cleanup
	// ---------------------------------------------------------------
	st.TerminateSession(sess)
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := st.AwaitTeardown(waitCtx, sess); err != nil {
		logger.Warn("session cleanup did not finish", slog.String("error", err.Error()))
	}
	logger.Info("session torn down", slog.String("sessionID", sessionID), slog.String("finalStatus", rn.Status().String()))

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// drive fetches from rn and encodes every envelope until rn reaches a
// terminal status.
func drive(ctx context.Context, rn runner.Runner, ref string, advance int, enc *json.Encoder) error {
	for {
		traceID := uuid.NewString()
		env, terminal, err := fetch(ctx, rn, advance, traceID)
		if err != nil {
			return err
		}
		env.Ref = ref
		env.TraceID = traceID
		if err := enc.Encode(env); err != nil {
			return fmt.Errorf("writing envelope: %w", err)
		}
		if terminal {
			return nil
		}
	}
}

// fetch performs one GetRequired on whatever item type rn delivers.
func fetch(ctx context.Context, rn runner.Runner, advance int, traceID string) (envelope, bool, error) {
	switch f := rn.(type) {
	case runner.Fetcher[int]:
		return fetchAs(ctx, f, advance, traceID)
	case runner.Fetcher[docker.Line]:
		return fetchAs(ctx, f, advance, traceID)
	case runner.Fetcher[docker.Container]:
		return fetchAs(ctx, f, advance, traceID)
	case runner.Fetcher[gcp.Instance]:
		return fetchAs(ctx, f, advance, traceID)
	default:
		return envelope{}, false, fmt.Errorf("runner %T delivers an unsupported item type", rn)
	}
}

func fetchAs[T any](ctx context.Context, f runner.Fetcher[T], advance int, traceID string) (envelope, bool, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	res, err := f.GetRequired(fetchCtx, advance, runner.CurrentPosition, traceID)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		// Nothing new within the window; the items collected so far are
		// kept by the runner and delivered on the next fetch.
		return envelope{Status: f.Status().String(), Position: f.Position(), Items: []T{}}, false, nil
	}
	if err != nil {
		return envelope{}, false, err
	}

	items := res.Items
	if items == nil {
		items = []T{}
	}
	env := envelope{Status: res.Status.String(), Position: res.Position, Items: items}
	if res.Err != nil {
		env.Error = res.Err.Error()
	}
	return env, res.Status.Terminal(), nil
}
