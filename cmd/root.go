package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	u "net/url"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/tanq16/hydra/internal/client"
	"github.com/tanq16/hydra/internal/decision"
	"github.com/tanq16/hydra/internal/engine"
	"github.com/tanq16/hydra/internal/utils"
)

var (
	outputDir     string
	outputName    string
	connections   int
	timeout       time.Duration
	kaTimeout     time.Duration
	userAgent     string
	headers       []string
	tlsVerify     bool
	debug         bool
	urlListFile   string
	numLinks      int
	decisionsFile string
)

var HydraVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "hydra",
	Short:   "Hydra is an adaptive multi-connection download manager",
	Version: HydraVersion,
	Args:    cobra.ArbitraryArgs,
	Run: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
		if len(args) == 0 && urlListFile == "" {
			utils.PrintError("No URL or URL list provided")
			os.Exit(1)
		}
		if urlListFile != "" && len(args) > 0 {
			utils.PrintError("Cannot specify url argument and --urllist together, choose one")
			os.Exit(1)
		}
		var entries []utils.DownloadEntry
		if len(args) > 0 {
			if _, err := u.Parse(args[0]); err != nil {
				utils.PrintError("Invalid URL format")
				os.Exit(1)
			}
			entries = []utils.DownloadEntry{{URL: args[0], Name: outputName}}
		} else {
			var err error
			entries, err = utils.ReadDownloadList(urlListFile)
			if err != nil {
				utils.PrintError("Failed to read URL list file")
				os.Exit(1)
			}
		}

		eng := engine.New(engine.Config{
			Client: client.Config{
				Timeout:    timeout,
				KATimeout:  kaTimeout,
				UserAgent:  userAgent,
				Headers:    utils.ParseHeaderArgs(headers),
				TLSVerify:  tlsVerify,
				MaxRetries: 3,
			},
			Decision:    decision.DefaultConfig(),
			Connections: connections,
		})
		eng.Start()
		defer eng.Stop()

		failed := runDownloads(eng, entries, numLinks)

		if decisionsFile != "" {
			if err := exportDecisions(eng, decisionsFile); err != nil {
				utils.PrintWarning("Failed to write decision history: " + err.Error())
			} else {
				utils.PrintInfo("Decision history written to " + decisionsFile)
			}
		}
		if failed > 0 {
			fmt.Println()
			utils.PrintError("Encountered failed operation(s)")
			os.Exit(1)
		}
	},
}

// runDownloads drives the entries through the engine, at most workers at
// a time, and returns the number of tasks that did not complete.
func runDownloads(eng *engine.Engine, entries []utils.DownloadEntry, workers int) int {
	renderer := newProgressRenderer()
	waiter := newCompletionWaiter()
	eng.Subscribe(renderer.handle)
	eng.Subscribe(waiter.handle)

	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := 0

	for _, entry := range entries {
		wg.Add(1)
		go func(entry utils.DownloadEntry) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			id, err := eng.AddTask(context.Background(), entry.URL, outputDir, entry.Name, false)
			if err != nil {
				utils.PrintError("Failed to add " + entry.URL + ": " + err.Error())
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}
			done := waiter.register(id)
			eng.StartTask(id)
			if final := <-done; final != engine.StatusCompleted {
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(entry)
	}
	wg.Wait()
	renderer.finish()
	return failed
}

func exportDecisions(eng *engine.Engine, path string) error {
	data, err := json.MarshalIndent(eng.Decisions().ExportAll(), "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding decision history: %v", err)
	}
	return os.WriteFile(path, data, 0644)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&outputDir, "output-dir", "o", ".", "Directory to place downloads in")
	rootCmd.Flags().StringVarP(&outputName, "name", "n", "", "Output file name (inferred from the server if not provided)")
	rootCmd.Flags().StringVarP(&urlListFile, "urllist", "l", "", "Path to YAML file containing URLs and output names")
	rootCmd.Flags().IntVarP(&numLinks, "workers", "w", 1, "Number of links to download in parallel")
	rootCmd.Flags().IntVarP(&connections, "connections", "c", 8, "Starting number of connections per download (adapts between 1 and 16)")
	rootCmd.Flags().DurationVarP(&timeout, "timeout", "t", 3*time.Minute, "Connection timeout (eg. 5s, 10m)")
	rootCmd.Flags().DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 60*time.Second, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	rootCmd.Flags().StringVarP(&userAgent, "user-agent", "a", "", "User agent")
	rootCmd.Flags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")

	// flags without shorthand
	rootCmd.Flags().BoolVar(&tlsVerify, "tls-verify", false, "Verify TLS certificates")
	rootCmd.Flags().StringVar(&decisionsFile, "decisions", "", "Write the adaptive decision history to this JSON file")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
