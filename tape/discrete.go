package tape

import "github.com/dtolpin/cppad-go/internal/discrete"

// discreteNames/discreteIndex map the string names discrete functions are
// registered under (internal/discrete) to the small integer ids DisOp
// stores in arg_vec, and back, process-wide, mirroring how the atomic
// registry (atomic.go) assigns call-site-independent identities.
var (
	discreteNames []string
	discreteIndex = map[string]int{}
)

func discreteID(name string) int {
	if id, ok := discreteIndex[name]; ok {
		return id
	}
	id := len(discreteNames)
	discreteNames = append(discreteNames, name)
	discreteIndex[name] = id
	return id
}

func discreteNameByID(id int) string { return discreteNames[id] }

func discreteLookup(name string) (discrete.Func, bool) {
	return discrete.Lookup(name)
}
