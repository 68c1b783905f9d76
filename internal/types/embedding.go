package types

// PadEmbedding validates a provider vector and zero-pads it to
// MaxEmbeddingDim, the fixed width of the storage column. Vectors wider than
// the column are rejected rather than truncated.
func PadEmbedding(vec []float32) ([]float32, error) {
	if len(vec) == 0 {
		return nil, E(KindEmbedding, "empty embedding")
	}
	if len(vec) > MaxEmbeddingDim {
		return nil, Errorf(KindEmbedding, "embedding has %d dimensions, max %d", len(vec), MaxEmbeddingDim)
	}
	if len(vec) == MaxEmbeddingDim {
		return vec, nil
	}
	padded := make([]float32, MaxEmbeddingDim)
	copy(padded, vec)
	return padded, nil
}
