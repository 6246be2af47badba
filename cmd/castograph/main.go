// Command castograph turns podcast VTT transcripts into a schemaless
// knowledge graph.
//
// Usage:
//
//	castograph process <episode.vtt> [flags]
//	castograph resume <episode-id> [flags]
//	castograph usage
//
// Configuration is read from a YAML file (default castograph.yaml) plus a
// .env file and environment overrides; see internal/config.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/castograph/castograph/internal/checkpoint"
	"github.com/castograph/castograph/internal/config"
	"github.com/castograph/castograph/internal/observe"
	"github.com/castograph/castograph/internal/pipeline"
	"github.com/castograph/castograph/internal/quota"
	"github.com/castograph/castograph/internal/vtt"
	"github.com/castograph/castograph/pkg/graph"
	"github.com/castograph/castograph/pkg/graph/postgres"
	"github.com/castograph/castograph/pkg/provider/embeddings"
	"github.com/castograph/castograph/pkg/provider/llm"
	"github.com/castograph/castograph/pkg/types"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var configPath string

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "castograph",
		Short:         "Podcast transcript knowledge-graph pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "castograph.yaml", "path to the YAML configuration file")
	root.AddCommand(processCmd(), resumeCmd(), transcribeCmd(), usageCmd())
	return root
}

func processCmd() *cobra.Command {
	var (
		episodeID string
		title     string
		podcast   string
	)
	cmd := &cobra.Command{
		Use:   "process <episode.vtt>",
		Short: "Process one VTT transcript into the graph",
		Long: `Process runs the full pipeline over one WebVTT transcript: speaker
identification, conversation analysis, meaningful-unit creation, knowledge
extraction, and the graph writes. An episode whose VTT filename is already in
the graph is skipped. Progress is checkpointed so an interrupted run can be
resumed with "castograph resume".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			meta := types.EpisodeMetadata{
				EpisodeID:   episodeID,
				Title:       title,
				PodcastName: podcast,
			}
			res, perr := env.pipeline.ProcessFile(cmd.Context(), args[0], meta)
			printResult(res)
			if perr != nil && res.Status == types.StatusFailed {
				return fmt.Errorf("episode %s failed: %w", res.EpisodeID, perr)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&episodeID, "episode-id", "", "episode ID (default: VTT filename without extension)")
	cmd.Flags().StringVar(&title, "title", "", "episode title (default: from NOTE metadata)")
	cmd.Flags().StringVar(&podcast, "podcast", "", "podcast name (default: from NOTE metadata)")
	return cmd
}

func resumeCmd() *cobra.Command {
	var vttPath string
	cmd := &cobra.Command{
		Use:   "resume <episode-id>",
		Short: "Resume an interrupted episode from its checkpoint",
		Long: `Resume continues a previously interrupted run from the episode's
checkpoint, skipping every completed phase. Pass --file to re-read the VTT
transcript; without it the segments are restored from the checkpoint.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			episodeID := args[0]
			if env.checkpoints == nil {
				return errors.New("checkpointing is disabled; nothing to resume")
			}
			ck, err := env.checkpoints.Load(episodeID)
			if err != nil {
				return err
			}
			if ck == nil {
				return fmt.Errorf("no checkpoint for episode %q", episodeID)
			}

			meta := types.EpisodeMetadata{
				EpisodeID:   episodeID,
				Title:       ck.Metadata["title"],
				VTTFilename: ck.Metadata["vtt_filename"],
				PodcastName: ck.Metadata["podcast_name"],
			}

			var res *types.Result
			var perr error
			if vttPath != "" {
				res, perr = env.pipeline.ProcessFile(cmd.Context(), vttPath, meta)
			} else {
				res, perr = env.pipeline.Process(cmd.Context(), nil, meta)
			}
			printResult(res)
			if perr != nil && res.Status == types.StatusFailed {
				return fmt.Errorf("episode %s failed: %w", res.EpisodeID, perr)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&vttPath, "file", "", "re-read segments from this VTT file instead of the checkpoint")
	return cmd
}

func transcribeCmd() *cobra.Command {
	var (
		out      string
		duration float64
	)
	cmd := &cobra.Command{
		Use:   "transcribe <episode-audio>",
		Short: "Transcribe an audio file to a diarized WebVTT transcript",
		Long: `Transcribe sends the audio to an audio-capable model and writes the
diarized WebVTT transcript, continuing the transcription across multiple model
calls until the cue timeline covers the recording. The output file can then be
fed to "castograph process". Pass --duration (seconds) when known so coverage
can be measured; without it a single pass is trusted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			slog.SetDefault(newLogger(cfg.LogLevel))

			client, err := buildClient(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			audio, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			segments, err := client.Transcribe(cmd.Context(), audio, audioMIMEType(args[0]), duration)
			if err != nil {
				return err
			}

			w := os.Stdout
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return vtt.Serialize(w, segments)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the transcript here instead of stdout")
	cmd.Flags().Float64Var(&duration, "duration", 0, "recording length in seconds, for coverage tracking")
	return cmd
}

// audioMIMEType guesses the MIME type from the file extension, defaulting to
// MP3 which is what podcast feeds overwhelmingly serve.
func audioMIMEType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return "audio/wav"
	case ".ogg", ".oga":
		return "audio/ogg"
	case ".m4a", ".mp4", ".aac":
		return "audio/mp4"
	case ".flac":
		return "audio/flac"
	default:
		return "audio/mp3"
	}
}

func usageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show per-key quota usage for today",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			paid := make([]bool, len(cfg.Keys))
			for i, k := range cfg.Keys {
				paid[i] = k.Paid
			}
			table, err := quota.NewUsageTable(cfg.Model.StateDir, len(cfg.Keys), paid)
			if err != nil {
				return err
			}

			fmt.Printf("%-8s %-6s %-11s %-12s %s\n", "KEY", "TIER", "REQUESTS", "TOKENS", "AVAILABLE")
			for i, ku := range table.Snapshot() {
				tier := "free"
				if ku.IsPaidTier {
					tier = "paid"
				}
				fmt.Printf("key_%-4d %-6s %-11d %-12d %t\n",
					i+1, tier, ku.RequestsToday, ku.TokensToday, ku.IsAvailable)
			}
			return nil
		},
	}
}

// env bundles everything a processing command needs.
type env struct {
	cfg          *config.Config
	pipeline     *pipeline.Pipeline
	checkpoints  *checkpoint.Store
	store        graph.Store
	shutdownOtel func(context.Context) error
}

func (e *env) close() {
	if e.store != nil {
		e.store.Close()
	}
	if e.shutdownOtel != nil {
		if err := e.shutdownOtel(context.Background()); err != nil {
			slog.Warn("metrics provider shutdown", "err", err)
		}
	}
}

// newEnv loads configuration and wires the model client, graph store,
// checkpoint store, and pipeline.
func newEnv(ctx context.Context) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(newLogger(cfg.LogLevel))

	shutdownOtel, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		return nil, fmt.Errorf("init metrics provider: %w", err)
	}

	client, err := buildClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Graph.PostgresDSN == "" {
		return nil, errors.New("graph.postgres_dsn is required")
	}
	store, err := postgres.NewStore(ctx, cfg.Graph.PostgresDSN, cfg.Graph.EmbeddingDimensions)
	if err != nil {
		return nil, fmt.Errorf("connect graph store: %w", err)
	}

	var cks *checkpoint.Store
	if !cfg.Checkpoint.Disabled {
		var opts []checkpoint.Option
		if cfg.Checkpoint.Compress {
			opts = append(opts, checkpoint.WithCompression())
		}
		if cfg.Checkpoint.MaxAge > 0 {
			opts = append(opts, checkpoint.WithMaxAge(cfg.Checkpoint.MaxAge.Std()))
		}
		cks, err = checkpoint.NewStore(cfg.Checkpoint.Dir, opts...)
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	p := pipeline.New(client, store, cks, pipeline.Options{
		MaxConcurrentUnits:   cfg.Pipeline.MaxConcurrentUnits,
		UnitTimeout:          cfg.Pipeline.UnitTimeout.Std(),
		FailureThreshold:     cfg.Pipeline.FailureThreshold,
		CombinedExtraction:   cfg.Pipeline.CombinedExtraction,
		EnableSpeakerMapping: cfg.Pipeline.EnableSpeakerMapping,
		WorkDir:              cfg.Pipeline.WorkDir,
	})

	return &env{cfg: cfg, pipeline: p, checkpoints: cks, store: store, shutdownOtel: shutdownOtel}, nil
}

// buildClient wires the quota-managed model client over the provider
// registry, one provider per configured key.
func buildClient(ctx context.Context, cfg *config.Config) (*quota.Client, error) {
	reg := config.DefaultRegistry()

	keys := make([]quota.Key, len(cfg.Keys))
	for i, k := range cfg.Keys {
		keys[i] = quota.Key{Secret: k.Secret, Paid: k.Paid}
	}

	providerFactory := func(ctx context.Context, apiKey string) (llm.Provider, error) {
		return reg.CreateLLM(ctx, cfg.Providers.LLM, apiKey)
	}
	var embedderFactory quota.EmbedderFactory
	if cfg.Providers.Embeddings.Name != "" {
		embedderFactory = func(ctx context.Context, apiKey string) (embeddings.Provider, error) {
			return reg.CreateEmbeddings(ctx, cfg.Providers.Embeddings, apiKey)
		}
	}

	return quota.New(ctx, quota.Config{
		Keys: keys,
		Limits: quota.Limits{
			RPM: cfg.Model.Limits.RPM,
			RPD: cfg.Model.Limits.RPD,
			TPM: cfg.Model.Limits.TPM,
			TPD: cfg.Model.Limits.TPD,
		},
		Rotation:      cfg.Model.Rotation,
		RetryAttempts: cfg.Model.RetryAttempts,
		StateDir:      cfg.Model.StateDir,
		UsePaidOnly:   cfg.Model.UsePaidOnly,
	}, providerFactory, embedderFactory)
}

// loadConfig loads .env (best effort) and then the YAML config file.
func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not load .env file", "err", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found (use --config)", configPath)
		}
		return nil, err
	}
	return cfg, nil
}

// printResult renders the per-episode result as indented JSON on stdout.
func printResult(res *types.Result) {
	if res == nil {
		return
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		slog.Error("marshal result", "err", err)
		return
	}
	fmt.Println(string(data))
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
