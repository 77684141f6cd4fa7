package features

import "fmt"

// Fuse concatenates visual and audio features channel-wise.
// Audio is truncated or edge-padded with its last row to the visual length,
// since audio extractors often produce one or two more windows than video.
func Fuse(visual, audio [][]float64) ([][]float64, error) {
	if len(visual) == 0 {
		return nil, fmt.Errorf("no visual features")
	}
	if len(audio) == 0 {
		return visual, nil
	}

	aligned := alignLength(audio, len(visual))

	vDim, aDim := len(visual[0]), len(aligned[0])
	out := make([][]float64, len(visual))
	for i := range visual {
		if len(visual[i]) != vDim {
			return nil, fmt.Errorf("visual row %d has %d features, expected %d", i, len(visual[i]), vDim)
		}
		if len(aligned[i]) != aDim {
			return nil, fmt.Errorf("audio row %d has %d features, expected %d", i, len(aligned[i]), aDim)
		}
		row := make([]float64, 0, vDim+aDim)
		row = append(row, visual[i]...)
		row = append(row, aligned[i]...)
		out[i] = row
	}
	return out, nil
}

func alignLength(rows [][]float64, n int) [][]float64 {
	if len(rows) >= n {
		return rows[:n]
	}
	out := make([][]float64, n)
	copy(out, rows)
	last := rows[len(rows)-1]
	for i := len(rows); i < n; i++ {
		out[i] = last
	}
	return out
}
