package ledger

// DuplicateResult is the outcome of a duplicate-hash check. These are values,
// not errors: callers must branch on them explicitly.
//
//   - first-seen:        ExistsMatching=false, ExistsNotMatching=false
//   - idempotent replay: ExistsMatching=true  (IsValid carries the cached
//     validity of the prior fulfilment when one exists)
//   - conflicting replay: ExistsNotMatching=true (nothing inserted)
type DuplicateResult struct {
	ExistsMatching    bool
	ExistsNotMatching bool
	IsValid           bool
}

// StoredHash is one previously recorded hash row, optionally joined to the
// validity of the fulfilment it produced.
type StoredHash struct {
	Hash    string
	IsValid bool
}

// ResolveDuplicate classifies a request hash against the stored hashes for
// the same transfer id. Pure; the store runs it inside the guard transaction
// to decide whether to insert.
func ResolveDuplicate(hash string, prior []StoredHash) DuplicateResult {
	if len(prior) == 0 {
		return DuplicateResult{}
	}
	for _, p := range prior {
		if p.Hash == hash {
			return DuplicateResult{ExistsMatching: true, IsValid: p.IsValid}
		}
	}
	return DuplicateResult{ExistsNotMatching: true}
}
