package policy

// Result is one element of a result set.
type Result struct {
	Result any `json:"result"`
}

// ResultSet is the decoded evaluation output. An undefined entrypoint
// yields an empty set.
type ResultSet []Result

// Allowed reports whether the set holds exactly one result equal to true.
func (rs ResultSet) Allowed() bool {
	if len(rs) != 1 {
		return false
	}
	b, ok := rs[0].Result.(bool)
	return ok && b
}

// Undefined reports whether the set is empty.
func (rs ResultSet) Undefined() bool {
	return len(rs) == 0
}
