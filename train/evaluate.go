package train

import (
	"github.com/ieee0824/advtrain-go/attack"
	"github.com/ieee0824/advtrain-go/data"
	"github.com/ieee0824/advtrain-go/dist"
	"github.com/ieee0824/advtrain-go/nn"
)

// EvalStats is the cross-rank evaluation result. Accuracies are percentages;
// N is the number of distinct samples counted, padding excluded.
type EvalStats struct {
	Loss float64
	Acc1 float64
	Acc5 float64
	N    int
}

// EvaluateNoGrad scores m on this rank's shard without any attack. The whole
// pass is forward-only; no gradient of any kind is computed.
func EvaluateNoGrad(group *dist.Group, m *nn.Classifier, src *data.Source, smp *data.EvalSampler, batchSize int) EvalStats {
	return Evaluate(group, m, src, smp, attack.NoOp{}, batchSize)
}

// Evaluate scores m on this rank's shard, attacked or clean, and aggregates
// across the group. Pass a NoOp attacker for a clean evaluation. Each rank
// processes only its real (non-duplicate) indices; the single collective at
// the end is the only synchronization point, so unequal shard tails are
// fine. Loss is plain cross-entropy with hard labels, no smoothing.
//
// The model runs in inference mode. An attacking evaluation still
// backpropagates to the input pixels; parameters are never touched.
func Evaluate(group *dist.Group, m *nn.Classifier, src *data.Source, smp *data.EvalSampler, attacker Attacker, batchSize int) EvalStats {
	wasTraining := m.Training()
	m.SetTraining(false)
	defer m.SetTraining(wasTraining)

	ws := m.NewWorkspace(batchSize)
	batch := data.NewBatch(src, batchSize)
	crit := nn.CrossEntropy{}
	K := m.NumClasses
	dim := m.InputDim
	k5 := 5
	if K < k5 {
		k5 = K
	}

	indices := smp.Indices()[:smp.Real()]
	sumLoss, hits1, hits5, count := 0.0, 0, 0, 0
	for lo := 0; lo < len(indices); lo += batchSize {
		hi := lo + batchSize
		if hi > len(indices) {
			hi = len(indices)
		}
		batch.Fill(src, indices[lo:hi])
		n := batch.N
		labels := batch.Labels[:n]

		images := attacker.Attack(m, batch.Images[:n*dim], n, labels)
		logits := m.Forward(images, n, ws, nil)

		sumLoss += crit.Loss(logits, n, K, nn.Targets{Hard: labels}, nil) * float64(n)
		hits1 += nn.TopK(logits, n, K, labels, 1)
		hits5 += nn.TopK(logits, n, K, labels, k5)
		count += n
	}

	agg := []float64{sumLoss, float64(hits1), float64(hits5), float64(count)}
	group.AllReduceSum(agg)
	if agg[3] == 0 {
		return EvalStats{}
	}
	return EvalStats{
		Loss: agg[0] / agg[3],
		Acc1: 100.0 * agg[1] / agg[3],
		Acc5: 100.0 * agg[2] / agg[3],
		N:    int(agg[3]),
	}
}
