package ledger

// SeedBalance is a test helper that seeds the balance for a wallet when using
// the in-memory ledger.
func SeedBalance(l Ledger, userID string, amount int64) {
	if mem, ok := l.(*inMemoryLedger); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		if w, exists := mem.wallets[userID]; exists {
			w.Balance = amount
			return
		}
		mem.wallets[userID] = &Wallet{UserID: userID, Balance: amount}
	}
}

// EntriesBySubject returns the billing events recorded for a subject when
// using the in-memory ledger. Useful to assert conservation in tests.
func EntriesBySubject(l Ledger, subjectID string) []Entry {
	mem, ok := l.(*inMemoryLedger)
	if !ok {
		return nil
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	var out []Entry
	for _, e := range mem.entries {
		if e.SubjectID == subjectID {
			out = append(out, e)
		}
	}
	return out
}
