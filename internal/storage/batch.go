package storage

import (
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaizen/internal/model"
)

const (
	// SQLiteMaxParams is SQLite's default SQLITE_MAX_VARIABLE_NUMBER.
	SQLiteMaxParams = 999

	// InvocationColumns is the number of bound columns per invocation row.
	InvocationColumns = 6

	// InvocationChunkSize keeps one multi-row INSERT under SQLiteMaxParams.
	InvocationChunkSize = SQLiteMaxParams / InvocationColumns
)

// ChunkInvocations splits invs into consecutive slices of at most size rows.
// The returned slices share invs' backing array.
func ChunkInvocations(invs []model.Invocation, size int) [][]model.Invocation {
	if size <= 0 {
		size = InvocationChunkSize
	}
	chunks := make([][]model.Invocation, 0, (len(invs)+size-1)/size)
	for start := 0; start < len(invs); start += size {
		end := min(start+size, len(invs))
		chunks = append(chunks, invs[start:end])
	}
	return chunks
}

// PrepareInvocation fills a missing id and timestamp.
func PrepareInvocation(inv model.Invocation) model.Invocation {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	return inv
}
