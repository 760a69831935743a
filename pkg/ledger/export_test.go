package ledger

// Test hooks for the external ledger_test package.

type MemoryStore = memoryStore

var NewMemoryStore = newMemoryStore

func (store *memoryStore) SlotCount() int {
	return store.slotCount()
}
