package train

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ieee0824/advtrain-go/amp"
	"github.com/ieee0824/advtrain-go/nn"
)

const checkpointVersion = 1

// ConfigSnapshot records the run configuration that produced a checkpoint.
// It carries the serializable subset of RunConfig (the attacker factories
// are functions and stay out); it is informational at restore time, the
// resumed run keeps its own configuration.
type ConfigSnapshot struct {
	Seed  int64
	World int

	Epochs     int
	BatchSize  int
	UpdateFreq int

	BaseLR       float64
	FinalLR      float64
	WarmupLR     float64
	WarmupEpochs int
	WarmupSteps  int
	RefBatch     int

	WeightDecay    float64
	WeightDecayEnd float64
	ClipNorm       float64
	LayerDecay     float64

	Hidden    []int
	Dropout   float64
	Smoothing float64

	MixupAlpha float64
	EMADecay   float64
	AMP        bool
}

// Checkpoint is everything needed to resume a run bit-for-bit: model and EMA
// parameters, optimizer moments, the loss-scaler state, the configuration
// snapshot and the best robust accuracy seen so far. Epoch is the last
// completed epoch; resuming starts at Epoch+1.
type Checkpoint struct {
	Version int
	RunID   string
	Epoch   int
	Model   nn.StateDict
	EMA     nn.StateDict // nil when the run carries no EMA
	Opt     OptState
	Scaler  amp.State
	Config  ConfigSnapshot
	BestAcc float64
}

// SaveCheckpoint writes ck to path atomically (temp file then rename).
func SaveCheckpoint(path string, ck *Checkpoint) error {
	ck.Version = checkpointVersion
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create checkpoint %s: %w", tmp, err)
	}
	if err := gob.NewEncoder(f).Encode(ck); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint written by SaveCheckpoint.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint %s: %w", path, err)
	}
	defer f.Close()
	var ck Checkpoint
	if err := gob.NewDecoder(f).Decode(&ck); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	if ck.Version != checkpointVersion {
		return nil, fmt.Errorf("checkpoint %s: version %d, want %d", path, ck.Version, checkpointVersion)
	}
	return &ck, nil
}

// CheckpointPolicy decides which epochs produce a checkpoint file and how
// many periodic files to retain. The best checkpoint (highest robust
// accuracy) lives under its own name and is never pruned.
type CheckpointPolicy struct {
	Dir         string
	Freq        int // periodic save every Freq epochs; <= 0 disables periodic saves
	Keep        int // periodic files to retain; <= 0 keeps all
	TotalEpochs int
}

// ShouldSave reports whether the just-completed epoch (0-based) gets a
// periodic checkpoint: the first epoch always, then every Freq epochs, and
// the final epoch always.
func (p CheckpointPolicy) ShouldSave(epoch int) bool {
	done := epoch + 1
	if done == 1 || done == p.TotalEpochs {
		return true
	}
	return p.Freq > 0 && done%p.Freq == 0
}

// Path returns the periodic checkpoint file name for an epoch.
func (p CheckpointPolicy) Path(epoch int) string {
	return filepath.Join(p.Dir, fmt.Sprintf("checkpoint-%d.gob", epoch))
}

// BestPath returns the best-checkpoint file name.
func (p CheckpointPolicy) BestPath() string {
	return filepath.Join(p.Dir, "checkpoint-best.gob")
}

// Prune removes the oldest periodic checkpoints beyond Keep. The best
// checkpoint is untouched.
func (p CheckpointPolicy) Prune() error {
	if p.Keep <= 0 {
		return nil
	}
	epochs, err := checkpointEpochs(p.Dir)
	if err != nil {
		return err
	}
	if len(epochs) <= p.Keep {
		return nil
	}
	for _, e := range epochs[:len(epochs)-p.Keep] {
		if err := os.Remove(p.Path(e)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("prune checkpoint epoch %d: %w", e, err)
		}
	}
	return nil
}

// LatestCheckpoint returns the periodic checkpoint with the highest epoch in
// dir, for auto-resume. ok is false when none exists.
func LatestCheckpoint(dir string) (path string, epoch int, ok bool) {
	epochs, err := checkpointEpochs(dir)
	if err != nil || len(epochs) == 0 {
		return "", 0, false
	}
	e := epochs[len(epochs)-1]
	return filepath.Join(dir, fmt.Sprintf("checkpoint-%d.gob", e)), e, true
}

func checkpointEpochs(dir string) ([]int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "checkpoint-*.gob"))
	if err != nil {
		return nil, err
	}
	var epochs []int
	for _, m := range matches {
		var e int
		if _, err := fmt.Sscanf(filepath.Base(m), "checkpoint-%d.gob", &e); err == nil {
			epochs = append(epochs, e)
		}
	}
	sort.Ints(epochs)
	return epochs, nil
}
