package main

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-vocoder/audio"
	"github.com/tsawler/go-vocoder/config"
	"github.com/tsawler/go-vocoder/data"
	"github.com/tsawler/go-vocoder/loss"
	"github.com/tsawler/go-vocoder/memory"
	"github.com/tsawler/go-vocoder/model"
	"github.com/tsawler/go-vocoder/training"
	"github.com/tsawler/go-vocoder/writer"
)

type options struct {
	config    string
	resume    string
	lr        float64
	batchSize int
}

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "train",
		Short:         "train a HiFi-GAN vocoder",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logrus.New()
			logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			if err := run(cmd.Context(), opts, cmd.Flags().Changed("lr"), cmd.Flags().Changed("batch-size"), logger); err != nil {
				logger.WithError(err).Error("training failed")
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.config, "config", "c", "configs/hifigan_v1.yaml", "config file path")
	cmd.Flags().StringVarP(&opts.resume, "resume", "r", "", "path to a checkpoint to resume from")
	cmd.Flags().Float64Var(&opts.lr, "lr", 0, "learning rate of both optimizers")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "batch size of the train loader")
	return cmd
}

func run(ctx context.Context, opts options, lrSet, batchSizeSet bool, logger *logrus.Logger) error {
	cfg, err := config.Load(opts.config)
	if err != nil {
		return err
	}
	if lrSet {
		cfg.Optimizer.LR = opts.lr
	}
	if batchSizeSet {
		cfg.Data.BatchSize = opts.batchSize
	}
	if lrSet || batchSizeSet {
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	rng := rand.New(rand.NewSource(cfg.Seed))

	mel, err := audio.NewMelSpectrogram(cfg.Preprocessing.Mel)
	if err != nil {
		return err
	}
	trainLoader, err := newLoader(cfg, cfg.Data.Train, cfg.Data.Shuffle, mel, rng, logger)
	if err != nil {
		return errors.Wrap(err, "train split")
	}
	var evalSplits []training.EvalSplit
	for _, split := range cfg.Data.Eval {
		loader, err := newLoader(cfg, split, false, mel, rng, logger)
		if err != nil {
			return errors.Wrapf(err, "%s split", split.Name)
		}
		evalSplits = append(evalSplits, training.EvalSplit{Name: split.Name, Loader: loader})
	}

	vocoder, err := model.New(rng, cfg.Arch)
	if err != nil {
		return err
	}
	logger.Info(vocoder.Summary())

	criterion, err := loss.New(cfg.Loss, mel)
	if err != nil {
		return err
	}
	genOpt, err := training.NewOptimizer(cfg.Optimizer, vocoder.GeneratorParameters())
	if err != nil {
		return err
	}
	discOpt, err := training.NewOptimizer(cfg.Optimizer, vocoder.DiscriminatorParameters())
	if err != nil {
		return err
	}
	genSched, discSched, err := newSchedulers(cfg.LRScheduler, genOpt, discOpt)
	if err != nil {
		return err
	}

	step, err := training.NewStep(vocoder, criterion, genOpt, discOpt,
		[]training.Metric{training.NewMelL1(criterion), training.WaveformL1{}}, cfg.StepConfig())
	if err != nil {
		return err
	}
	// installed once the parameters exist, the budget limits each batch
	if cfg.MemoryBudget() > 0 {
		memory.SetGlobalMemoryManager(memory.NewMemoryManager(cfg.MemoryBudget()))
	}

	runDir := filepath.Join(cfg.Trainer.SaveDir, cfg.Name, time.Now().Format("0102_150405"))
	dirWriter, err := writer.NewDirWriter(filepath.Join(runDir, "log"))
	if err != nil {
		return err
	}
	defer dirWriter.Close()
	w := writer.Multi{writer.NewLogWriter(logger), dirWriter}

	trainingConfig := cfg.TrainingConfig()
	if cfg.Trainer.Progress {
		trainingConfig.Progress = os.Stderr
	}
	trainer, err := training.NewTrainer(step, trainLoader, evalSplits, w, logger, trainingConfig)
	if err != nil {
		return err
	}
	trainer.SetSchedulers(genSched, discSched)

	checkpointConfig, err := cfg.CheckpointConfig()
	if err != nil {
		return err
	}
	checkpointConfig.SaveDirectory = filepath.Join(runDir, "models")
	trainer.SetCheckpointManager(training.NewCheckpointManager(checkpointConfig, vocoder, genOpt, discOpt, genSched, discSched, logger))
	if opts.resume != "" {
		if err := trainer.Resume(opts.resume); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"run_dir":   runDir,
		"len_epoch": trainer.LenEpoch(),
		"epochs":    cfg.Trainer.Epochs,
	}).Info("starting training")
	if err := trainer.Train(ctx); err != nil {
		return err
	}
	logger.Info(memory.GetGlobalMemoryManager().Stats())
	return nil
}

func newLoader(cfg config.Config, split config.SplitConfig, shuffle bool, mel *audio.MelSpectrogram, rng *rand.Rand, logger *logrus.Logger) (*data.DataLoader, error) {
	// each dataset and loader owns a source derived from the run seed
	dataset, err := data.NewAudioDataset(data.AudioDatasetConfig{
		Dir:         split.Dir,
		SegmentSize: split.SegmentSize,
		Limit:       split.Limit,
	}, mel, rand.New(rand.NewSource(rng.Int63())))
	if err != nil {
		return nil, err
	}
	batchSize := split.BatchSize
	if batchSize == 0 {
		batchSize = cfg.Data.BatchSize
	}
	return data.NewDataLoader(dataset, data.DataLoaderConfig{
		BatchSize:  batchSize,
		Shuffle:    shuffle,
		NumWorkers: cfg.Data.NumWorkers,
		Rng:        rand.New(rand.NewSource(rng.Int63())),
		Logger:     logger,
	})
}

func newSchedulers(config training.SchedulerConfig, genOpt, discOpt training.Optimizer) (*training.LRStepper, *training.LRStepper, error) {
	scheduler, err := training.NewScheduler(config)
	if err != nil || scheduler == nil {
		return nil, nil, err
	}
	return training.NewLRStepper(scheduler, genOpt), training.NewLRStepper(scheduler, discOpt), nil
}
