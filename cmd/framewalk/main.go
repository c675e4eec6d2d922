// Command framewalk inspects and drives a page over an existing DevTools
// websocket endpoint.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/framewalk/framewalk"
)

var (
	wsURL    string
	verbose  bool
	timeout  time.Duration
	visual   bool
	noCache  bool
	debugDir string
)

func main() {
	root := &cobra.Command{
		Use:           "framewalk",
		Short:         "Observe and act on a page through the Chrome DevTools Protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&wsURL, "ws", "", "DevTools websocket URL (ws://host:port/devtools/...)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging to stderr")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall command budget")
	root.MarkPersistentFlagRequired("ws")

	root.AddCommand(observeCmd(), actCmd(), framesCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "framewalk:", err)
		os.Exit(1)
	}
}

func newEngine(ctx context.Context) (*framewalk.Engine, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	opts := []framewalk.EngineOption{framewalk.WithEngineLogger(logger)}
	if debugDir != "" {
		opts = append(opts, framewalk.WithEngineDebugDir(debugDir))
	}
	return framewalk.New(ctx, wsURL, opts...)
}

func observeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "observe",
		Short: "Capture the merged page outline and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			eng, err := newEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			opts := []framewalk.ObserveOption{framewalk.WithVisualMode(visual)}
			if noCache {
				opts = append(opts, framewalk.WithCache(false))
			}
			snap, err := eng.Observe(ctx, opts...)
			if err != nil {
				return err
			}
			fmt.Print(snap.DOMState)
			return nil
		},
	}
	cmd.Flags().BoolVar(&visual, "visual", false, "collect bounding boxes and the overlay screenshot")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "force a fresh capture")
	cmd.Flags().StringVar(&debugDir, "debug-dir", "", "write capture artifacts into this directory")
	return cmd
}

func actCmd() *cobra.Command {
	var (
		id     string
		method string
	)
	cmd := &cobra.Command{
		Use:   "act [arg...]",
		Short: "Execute one action against an element by encoded id",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			eng, err := newEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			res, err := eng.ExecuteAction(ctx, framewalk.EncodedID(id), method, args)
			if err != nil {
				return err
			}
			if !res.OK {
				return fmt.Errorf("%s", res.Message)
			}
			fmt.Println(res.Message)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "encoded element id (frameIndex-backendNodeId)")
	cmd.Flags().StringVar(&method, "method", "", "action method")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("method")
	return cmd
}

func framesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "frames",
		Short: "Print the live frame graph as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			eng, err := newEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			if err := eng.FrameGraph().EnsureInitialized(ctx); err != nil {
				return err
			}
			dump, err := eng.FrameGraph().Dump()
			if err != nil {
				return err
			}
			fmt.Println(string(dump))
			return nil
		},
	}
}
