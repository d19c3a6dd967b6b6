package plan

// SortTwoLevel stably sorts ids in place, carrying the two key slices
// alongside: primary ascending, ties broken by secondary descending. Among
// buffers created at the same time this puts the longest-lived first, so
// later, shorter-lived buffers keep more freedom to slot into gaps.
//
// A simple exchange sort: not time-efficient for large arrays, but stable,
// allocation-free, and ample at the tens-to-hundreds-of-buffers scale the
// planner targets.
func SortTwoLevel(primary, secondary, ids []int32) {
	for swapped := true; swapped; {
		swapped = false
		for i := 1; i < len(primary); i++ {
			if primary[i-1] > primary[i] ||
				(primary[i-1] == primary[i] && secondary[i-1] < secondary[i]) {
				primary[i-1], primary[i] = primary[i], primary[i-1]
				secondary[i-1], secondary[i] = secondary[i], secondary[i-1]
				ids[i-1], ids[i] = ids[i], ids[i-1]
				swapped = true
			}
		}
	}
}
