package stress

import "fmt"

// Record is a successfully acquired block and the attempt that acquired it
type Record struct {
	Index int
	Block []byte
}

// Ledger is the ordered, fixed-capacity list of blocks acquired during a run.
// Entries are write-once and are appended at contiguous indices starting at 0.
type Ledger struct {
	records  []Record
	capacity int
	bytes    int64
}

// NewLedger creates an empty ledger that holds at most capacity records
func NewLedger(capacity int) *Ledger {
	if capacity < 0 {
		capacity = 0
	}
	return &Ledger{
		records:  make([]Record, 0, capacity),
		capacity: capacity,
	}
}

// Append stores block as the record for attempt index. index must equal Len().
func (l *Ledger) Append(index int, block []byte) error {
	if len(l.records) >= l.capacity {
		return fmt.Errorf("ledger full: capacity %d", l.capacity)
	}
	if index != len(l.records) {
		return fmt.Errorf("ledger index out of order: got %d, want %d", index, len(l.records))
	}
	l.records = append(l.records, Record{Index: index, Block: block})
	l.bytes += int64(len(block))
	return nil
}

// Len returns the number of populated entries
func (l *Ledger) Len() int {
	return len(l.records)
}

// Cap returns the fixed capacity
func (l *Ledger) Cap() int {
	return l.capacity
}

// Bytes returns the total size of all recorded blocks
func (l *Ledger) Bytes() int64 {
	return l.bytes
}

// At returns the record stored at index
func (l *Ledger) At(index int) (Record, bool) {
	if index < 0 || index >= len(l.records) {
		return Record{}, false
	}
	return l.records[index], true
}

// Indices returns the attempt indices of all records in order
func (l *Ledger) Indices() []int {
	out := make([]int, len(l.records))
	for i, r := range l.records {
		out[i] = r.Index
	}
	return out
}
