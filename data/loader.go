package data

import (
	"context"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DataLoaderConfig holds configuration for the data loader
type DataLoaderConfig struct {
	BatchSize     int        // Size of each batch
	Shuffle       bool       // Reshuffle indices at the start of every pass
	NumWorkers    int        // Number of background workers (default: 1)
	PrefetchDepth int        // Number of batches to prepare ahead (default: 2)
	DropLast      bool       // Drop the final incomplete batch
	Rng           *rand.Rand // Required when Shuffle is set
	Logger        *logrus.Logger
}

// DataLoader provides batching, shuffling and background loading
type DataLoader struct {
	dataset  Dataset
	config   DataLoaderConfig
	indices  []int
	logger   *logrus.Logger
	mutex    sync.Mutex
	rngMutex sync.Mutex
}

// NewDataLoader creates a new DataLoader
func NewDataLoader(dataset Dataset, config DataLoaderConfig) (*DataLoader, error) {
	if dataset == nil {
		return nil, errors.New("dataset cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Shuffle && config.Rng == nil {
		return nil, errors.New("shuffling requires a random source")
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 2
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.New()
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset: dataset,
		config:  config,
		indices: indices,
		logger:  logger,
	}, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	n := dl.dataset.Len()
	if dl.config.DropLast {
		return n / dl.config.BatchSize
	}
	return (n + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// BatchSize returns the configured batch size
func (dl *DataLoader) BatchSize() int {
	return dl.config.BatchSize
}

// Reset reshuffles the indices for a new pass when shuffling is enabled
func (dl *DataLoader) Reset() {
	if !dl.config.Shuffle {
		return
	}
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	dl.rngMutex.Lock()
	defer dl.rngMutex.Unlock()
	dl.config.Rng.Shuffle(len(dl.indices), func(i, j int) {
		dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
	})
}

// groups splits the current index order into batches
func (dl *DataLoader) groups() [][]int {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	var out [][]int
	for start := 0; start < len(dl.indices); start += dl.config.BatchSize {
		end := min(start+dl.config.BatchSize, len(dl.indices))
		if dl.config.DropLast && end-start < dl.config.BatchSize {
			break
		}
		group := make([]int, end-start)
		copy(group, dl.indices[start:end])
		out = append(out, group)
	}
	return out
}

// Batches starts one pass over the dataset. Batches arrive in order on the
// first channel, which is closed at the end of the pass or on failure. The
// error channel yields at most one error and is closed once the workers
// exit. Cancel ctx to stop a pass early.
func (dl *DataLoader) Batches(ctx context.Context) (<-chan *Batch, <-chan error) {
	dl.Reset()
	groups := dl.groups()

	out := make(chan *Batch)
	errc := make(chan error, 1)

	slots := make([]chan *Batch, len(groups))
	for i := range slots {
		slots[i] = make(chan *Batch, 1)
	}
	// Bounds how far the workers run ahead of the consumer
	tokens := make(chan struct{}, dl.config.NumWorkers+dl.config.PrefetchDepth)
	jobs := make(chan int)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(jobs)
		for i := range groups {
			select {
			case tokens <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case jobs <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < dl.config.NumWorkers; w++ {
		workerID := w
		g.Go(func() error {
			for i := range jobs {
				batch, err := dl.loadBatch(groups[i])
				if err != nil {
					return errors.Wrapf(err, "worker %d: failed to load batch %d", workerID, i)
				}
				slots[i] <- batch
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(out)
		for i := range slots {
			var batch *Batch
			select {
			case batch = <-slots[i]:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case out <- batch:
			case <-gctx.Done():
				return gctx.Err()
			}
			<-tokens
		}
		return nil
	})

	go func() {
		defer close(errc)
		if err := g.Wait(); err != nil && ctx.Err() == nil {
			dl.logger.WithError(err).Error("data loader stopped")
			errc <- err
		}
	}()

	return out, errc
}

// loadBatch loads a batch of samples and combines them into a padded batch
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, errors.New("empty batch indices")
	}
	items := make([]Item, len(indices))
	for i, idx := range indices {
		item, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load sample %d", idx)
		}
		items[i] = item
	}
	return Collate(items)
}

// InfiniteLoop repeats passes over the loader until ctx is cancelled, the way
// iteration-based epochs draw a fixed number of batches regardless of the
// dataset size.
func InfiniteLoop(ctx context.Context, dl *DataLoader) (<-chan *Batch, <-chan error) {
	out := make(chan *Batch)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)
		if dl.Len() == 0 {
			errc <- errors.New("cannot loop over an empty data loader")
			return
		}
		for {
			batches, errs := dl.Batches(ctx)
			for batch := range batches {
				select {
				case out <- batch:
				case <-ctx.Done():
					return
				}
			}
			if err := <-errs; err != nil {
				errc <- err
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	return out, errc
}
