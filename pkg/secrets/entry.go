package secrets

// Entry is a named secret reduced to its salt and salted hash. The plaintext
// never reaches an Entry.
type Entry struct {
	name string
	salt []byte
	hash []byte
}

// Name returns the secret name.
func (e *Entry) Name() string {
	return e.name
}

func (e *Entry) matches(h Hasher, candidate []byte) (bool, error) {
	return h.Verify(candidate, e.salt, e.hash)
}
