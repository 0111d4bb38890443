package ledger

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/duetware/budgetd/internal/domain"
)

// buildHashFields flattens a Transaction into a map for HSET.
func buildHashFields(txn domain.Transaction) map[string]string {
	m := map[string]string{
		"id":               txn.ID,
		"principal":        txn.Principal,
		"operation_id":     txn.OperationID,
		"kind":             string(txn.Kind),
		"tokens_estimated": strconv.FormatInt(txn.TokensEstimated, 10),
		"tokens_actual":    strconv.FormatInt(txn.TokensActual, 10),
		"status":           string(txn.Status),
		"created_at":       txn.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !txn.CompletedAt.IsZero() {
		m["completed_at"] = txn.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	if len(txn.Metadata) > 0 {
		if data, err := json.Marshal(txn.Metadata); err == nil {
			m["metadata"] = string(data)
		}
	}
	return m
}

// parseHashFields rebuilds a Transaction from a flat hash map. Unparseable
// fields fall back to zero values; the record itself stays usable.
func parseHashFields(m map[string]string) domain.Transaction {
	txn := domain.Transaction{
		ID:          m["id"],
		Principal:   m["principal"],
		OperationID: m["operation_id"],
		Kind:        domain.Kind(m["kind"]),
		Status:      domain.Status(m["status"]),
	}
	txn.TokensEstimated, _ = strconv.ParseInt(m["tokens_estimated"], 10, 64)
	txn.TokensActual, _ = strconv.ParseInt(m["tokens_actual"], 10, 64)
	if t, err := time.Parse(time.RFC3339Nano, m["created_at"]); err == nil {
		txn.CreatedAt = t
	}
	if v, ok := m["completed_at"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			txn.CompletedAt = t
		}
	}
	if v, ok := m["metadata"]; ok {
		var meta map[string]string
		if err := json.Unmarshal([]byte(v), &meta); err == nil {
			txn.Metadata = meta
		}
	}
	return txn
}
