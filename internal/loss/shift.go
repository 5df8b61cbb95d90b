package loss

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/cpu"
)

// ShiftForNextToken aligns hidden states and labels so that the feature at
// position i predicts the label originally at position i+1.
//
// With chunking active (chunkCount > 1) each label row is shifted left and
// padded with one trailing ignored token. The token count stays batch*seq,
// which keeps it divisible by the chunk count for packed sequences.
// Without chunking the last feature position and the first label position
// are trimmed instead. Both conventions yield aligned (feature, label)
// pairs of equal length.
func ShiftForNextToken(feat *cpu.Tensor, labels []int32, chunkCount, ignoreIndex int) (*cpu.Tensor, []int32, error) {
	dims := feat.Dims()
	if len(dims) != 3 {
		return nil, nil, fmt.Errorf("feature tensor must be rank 3 (batch, seq, hidden), got dims %v", dims)
	}
	batch, seq, hidden := dims[0], dims[1], dims[2]
	if len(labels) != batch*seq {
		return nil, nil, fmt.Errorf("token count mismatch: %d features, %d labels", batch*seq, len(labels))
	}
	if seq < 2 {
		return nil, nil, fmt.Errorf("sequence length %d too short to shift", seq)
	}

	if chunkCount > 1 {
		shifted := make([]int32, batch*seq)
		for b := 0; b < batch; b++ {
			row := shifted[b*seq : (b+1)*seq]
			copy(row, labels[b*seq+1:(b+1)*seq])
			row[seq-1] = int32(ignoreIndex)
		}
		return feat, shifted, nil
	}

	newSeq := seq - 1
	trimmed := cpu.NewTensor(feat.Name(), feat.DType(), batch, newSeq, hidden)
	trimmed.SetRequiresGrad(feat.RequiresGrad())
	rowBuf := make([]float32, hidden)
	for b := 0; b < batch; b++ {
		for s := 0; s < newSeq; s++ {
			src := feat.Row(b*seq+s, rowBuf)
			trimmed.SetRow(b*newSeq+s, src)
		}
	}
	shifted := make([]int32, batch*newSeq)
	for b := 0; b < batch; b++ {
		copy(shifted[b*newSeq:(b+1)*newSeq], labels[b*seq+1:(b+1)*seq])
	}
	return trimmed, shifted, nil
}
