package secrets

// Group is a named set of entries. A candidate matches the group when it
// matches any member.
type Group struct {
	name    string
	members []*Entry
}

// Name returns the group name.
func (g *Group) Name() string {
	return g.name
}

// Members returns the member names in configuration order.
func (g *Group) Members() []string {
	out := make([]string, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m.name)
	}
	return out
}

// Len returns the number of members.
func (g *Group) Len() int {
	return len(g.members)
}

// matches evaluates members in order and stops at the first match unless
// fullScan is set. Each single comparison is constant time; the scan as a
// whole is not.
func (g *Group) matches(h Hasher, candidate []byte, fullScan bool) (bool, error) {
	matched := false
	for _, m := range g.members {
		ok, err := m.matches(h, candidate)
		if err != nil {
			return false, err
		}
		if ok {
			matched = true
			if !fullScan {
				return true, nil
			}
		}
	}
	return matched, nil
}
