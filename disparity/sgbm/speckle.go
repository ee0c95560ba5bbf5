package sgbm

// filterSpeckles invalidates 4-connected regions of at most maxSize pixels, where neighbours
// belong to the same region when their values differ by no more than maxDiff.
func filterSpeckles(disp []int32, w, h int, invalid int32, maxSize int, maxDiff int32) {
	labels := make([]int32, len(disp))
	var label int32
	queue := make([]int, 0, 64)
	region := make([]int, 0, 64)

	for start := range disp {
		if disp[start] == invalid || labels[start] != 0 {
			continue
		}
		label++
		labels[start] = label
		queue = append(queue[:0], start)
		region = region[:0]
		tooBig := false

		for len(queue) > 0 {
			i := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			if !tooBig {
				region = append(region, i)
				tooBig = len(region) > maxSize
			}
			x, y := i%w, i/w
			v := disp[i]
			visit := func(j int) {
				if labels[j] != 0 || disp[j] == invalid {
					return
				}
				if d := disp[j] - v; d > maxDiff || d < -maxDiff {
					return
				}
				labels[j] = label
				queue = append(queue, j)
			}
			if x > 0 {
				visit(i - 1)
			}
			if x < w-1 {
				visit(i + 1)
			}
			if y > 0 {
				visit(i - w)
			}
			if y < h-1 {
				visit(i + w)
			}
		}

		if !tooBig {
			for _, i := range region {
				disp[i] = invalid
			}
		}
	}
}
