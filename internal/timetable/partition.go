package timetable

// Partition splits the snapshot's sections into components that cannot
// compete for the same staff member or room. Sections joined through any
// qualified staff end up together; a modelled room pool joins everything.
func Partition(snap *Snapshot) [][]ClassSection {
	n := len(snap.Sections)
	if n == 0 {
		return nil
	}
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	find := func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		if ra < rb {
			parent[rb] = ra
		} else {
			parent[ra] = rb
		}
	}

	if snap.HasRooms() {
		for i := 1; i < n; i++ {
			union(0, i)
		}
	} else {
		owner := make(map[string]int)
		for i, sec := range snap.Sections {
			for _, subjectID := range snap.RequiredSubjects(sec) {
				for _, staffID := range snap.QualifiedStaff(subjectID) {
					if first, ok := owner[staffID]; ok {
						union(first, i)
						continue
					}
					owner[staffID] = i
				}
			}
		}
	}

	index := make(map[int]int)
	var out [][]ClassSection
	for i, sec := range snap.Sections {
		root := find(i)
		pos, ok := index[root]
		if !ok {
			pos = len(out)
			index[root] = pos
			out = append(out, nil)
		}
		out[pos] = append(out[pos], sec)
	}
	return out
}
