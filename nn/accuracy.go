package nn

// TopK counts the batch rows whose true label appears among the k largest
// logits. Returns the number of hits.
func TopK(logits []float64, bs, numClasses int, labels []int, k int) int {
	if k > numClasses {
		k = numClasses
	}
	hits := 0
	for r := 0; r < bs; r++ {
		off := r * numClasses
		target := labels[r]
		targetVal := logits[off+target]
		// Rank of the target = number of strictly larger logits.
		larger := 0
		for j := 0; j < numClasses; j++ {
			if logits[off+j] > targetVal {
				larger++
				if larger >= k {
					break
				}
			}
		}
		if larger < k {
			hits++
		}
	}
	return hits
}
