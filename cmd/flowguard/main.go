// Command flowguard runs the flow-record anomaly detection pipeline and
// scores captured network traffic with trained models.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/hed1ad/flowguard/pkg/dataset"
	"github.com/hed1ad/flowguard/pkg/detectors"
	"github.com/hed1ad/flowguard/pkg/eval"
	"github.com/hed1ad/flowguard/pkg/io/pcap"
	"github.com/hed1ad/flowguard/pkg/pipeline"
	"github.com/hed1ad/flowguard/pkg/preprocess"
)

var (
	logLevel  string
	logFormat string
)

func main() {
	root := &cobra.Command{
		Use:           "flowguard",
		Short:         "Unsupervised anomaly detection for network flow records",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	root.AddCommand(newRunCmd(), newCaptureCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "flowguard:", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func newRunCmd() *cobra.Command {
	var (
		input         string
		schemaPath    string
		contamination float64
		trees         int
		epochs        int
		batchSize     int
		learnRate     float64
		seed          int64
		evalSplit     float64
		epsDegenerate bool
		output        string
		savePath      string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the detection pipeline on a flow-record dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()

			cfg := pipeline.DefaultConfig()
			cfg.InputPath = input
			cfg.Contamination = contamination
			cfg.Trees = trees
			cfg.Epochs = epochs
			cfg.BatchSize = batchSize
			cfg.LearningRate = learnRate
			cfg.Seed = seed
			cfg.EvalSplit = evalSplit
			if epsDegenerate {
				cfg.DegeneratePolicy = preprocess.DegenerateZero
			}
			if schemaPath != "" {
				schema, err := dataset.LoadSchema(schemaPath)
				if err != nil {
					return err
				}
				cfg.Schema = schema
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			res, err := pipeline.Run(ctx, cfg, log)
			if err != nil {
				return err
			}

			out := os.Stdout
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}

			fmt.Fprintf(out, "run %s: %d rows, %d features, %d scored\n\n",
				res.RunID, res.Rows, res.Features, res.ScoredRows)
			if err := eval.WriteReport(out, res.IsolationForest.Name, res.IsolationForest.Report); err != nil {
				return err
			}
			if err := eval.WriteReport(out, res.AutoEncoder.Name, res.AutoEncoder.Report); err != nil {
				return err
			}

			if savePath != "" {
				if err := saveForest(cfg, res, log, savePath); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "dataset file (delimited, optionally .gz)")
	cmd.Flags().StringVar(&schemaPath, "schema", "", "YAML schema file (default: KDD Cup 1999 layout)")
	cmd.Flags().Float64Var(&contamination, "contamination", 0.05, "expected anomaly fraction")
	cmd.Flags().IntVar(&trees, "trees", 100, "isolation forest ensemble size")
	cmd.Flags().IntVar(&epochs, "epochs", 5, "autoencoder training epochs")
	cmd.Flags().IntVar(&batchSize, "batch-size", 256, "autoencoder minibatch size")
	cmd.Flags().Float64Var(&learnRate, "learning-rate", 0.01, "autoencoder learning rate")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed (0 = unseeded autoencoder)")
	cmd.Flags().Float64Var(&evalSplit, "eval-split", 0, "held-out eval fraction (0 = score the fit set)")
	cmd.Flags().BoolVar(&epsDegenerate, "allow-degenerate", false, "zero out zero-variance columns instead of failing")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "report destination (- for stdout)")
	cmd.Flags().StringVar(&savePath, "save-model", "", "write the trained model (encoder statistics + isolation forest) to this file")
	cobra.CheckErr(cmd.MarkFlagRequired("input"))

	return cmd
}

// saveForest refits the encoder and isolation forest on the full run
// configuration and persists both, so the capture command can score packets
// in the training feature space.
func saveForest(cfg pipeline.Config, res *pipeline.Result, log *slog.Logger, path string) error {
	table, err := dataset.Load(cfg.InputPath, cfg.Schema)
	if err != nil {
		return err
	}

	model, err := pipeline.TrainModel(cfg, table)
	if err != nil {
		return err
	}

	blob, err := model.Save()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return err
	}
	log.Info("model saved", "path", path, "run_id", res.RunID)
	return nil
}

func newCaptureCmd() *cobra.Command {
	var (
		pcapFile  string
		iface     string
		modelPath string
		snaplen   int32
		promisc   bool
	)

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Score packets from a pcap file or live interface with a saved model",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()

			if (pcapFile == "") == (iface == "") {
				return fmt.Errorf("exactly one of --pcap or --iface is required")
			}

			blob, err := os.ReadFile(modelPath)
			if err != nil {
				return err
			}
			model, err := pipeline.LoadModel(blob)
			if err != nil {
				return fmt.Errorf("load model %s: %w", modelPath, err)
			}

			var reader *pcap.Reader
			if pcapFile != "" {
				reader, err = pcap.NewFileReader(pcapFile)
			} else {
				reader, err = pcap.NewLiveReader(iface, snaplen, promisc, time.Second)
			}
			if err != nil {
				return err
			}
			defer reader.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			raw, err := reader.Stream(ctx)
			if err != nil {
				return err
			}

			// Normalize each packet vector with the saved statistics
			// before it reaches the forest.
			input := make(chan []float64, 100)
			go func() {
				defer close(input)
				for v := range raw {
					tv, err := model.Transform(v)
					if err != nil {
						log.Error("packet features incompatible with model", "error", err)
						return
					}
					select {
					case input <- tv:
					case <-ctx.Done():
						return
					}
				}
			}()

			output := make(chan detectors.Score, 100)
			go func() {
				if err := model.Forest.PredictStream(ctx, input, output); err != nil && err != context.Canceled {
					log.Error("stream scoring stopped", "error", err)
				}
			}()

			var total, anomalies int
			for score := range output {
				total++
				if score.IsAnomaly {
					anomalies++
					fmt.Printf("anomaly score=%.3f features=%v\n", score.Value, score.Features)
				}
			}
			log.Info("capture finished", "packets", total, "anomalies", anomalies)
			return nil
		},
	}

	cmd.Flags().StringVar(&pcapFile, "pcap", "", "pcap file to score")
	cmd.Flags().StringVar(&iface, "iface", "", "live interface to score")
	cmd.Flags().StringVar(&modelPath, "model", "", "model file written by run --save-model")
	cmd.Flags().Int32Var(&snaplen, "snaplen", 65535, "live capture snap length")
	cmd.Flags().BoolVar(&promisc, "promisc", false, "capture in promiscuous mode")
	cobra.CheckErr(cmd.MarkFlagRequired("model"))

	return cmd
}
