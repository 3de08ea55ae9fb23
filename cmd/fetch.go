package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/batchfetch/internal/api"
)

type fetchOptions struct {
	file        string
	includeBody bool
}

// newFetchCmd creates the 'fetch' subcommand. Results are written to stdout
// as JSON lines; logs go to stderr.
func newFetchCmd() *cobra.Command {
	opts := &fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch [url...]",
		Short: "Fetch a batch of URLs and print one JSON result per line",
		Long: `Fetches every URL given as an argument and/or listed in --file
(one per line, '#' comments allowed, '-' reads stdin). Each input position
yields exactly one JSON line, in completion order unless --preserve-order.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, args, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "file with one URL per line ('-' for stdin)")
	cmd.Flags().BoolVar(&opts.includeBody, "include-body", false, "include response bodies in the output")
	cmd.Flags().Int("concurrency", 0, "override fetch.max_concurrent_requests")
	cmd.Flags().Bool("preserve-order", false, "emit results in input order")
	cmd.Flags().String("backend", "", "override backend.kind (http or browser)")
	return cmd
}

func runFetch(cmd *cobra.Command, args []string, opts *fetchOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	urls := append([]string(nil), args...)
	if opts.file != "" {
		fromFile, err := readURLList(opts.file, cmd.InOrStdin())
		if err != nil {
			return err
		}
		urls = append(urls, fromFile...)
	}
	if len(urls) == 0 {
		return errors.New("no URLs given; pass them as arguments or with --file")
	}

	logger := appInstance.Logger
	g, gctx := errgroup.WithContext(cmd.Context())
	bgCtx, stopBackground := context.WithCancel(gctx)
	defer stopBackground()

	g.Go(func() error { return appInstance.Background(bgCtx) })
	g.Go(func() error {
		defer stopBackground()
		enc := json.NewEncoder(cmd.OutOrStdout())
		for res := range appInstance.Engine.Run(gctx, urls) {
			if err := enc.Encode(api.NewResultView(res, opts.includeBody)); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	snap := appInstance.Engine.Stats()
	logger.Info("fetch complete",
		zap.Int("urls", len(urls)),
		zap.Int64("attempted", snap.Attempted),
		zap.Int64("succeeded", snap.Succeeded),
		zap.Int64("failed", snap.Failed),
		zap.Int64("cache_hits", snap.CacheHits),
		zap.Int64("retried", snap.Retried),
		zap.Int64("deduplicated", snap.Deduplicated),
		zap.Int64("bytes_fetched", snap.BytesFetched),
	)
	return nil
}

// readURLList reads one URL per line, skipping blanks and '#' comments.
func readURLList(path string, stdin io.Reader) ([]string, error) {
	var r io.Reader
	if path == "-" {
		r = stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open url file: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	var urls []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read url file: %w", err)
	}
	return urls, nil
}
