package postgres

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

type AuditMeta struct {
	ID        uuid.UUID `db:"id"`
	CreatedAt time.Time `db:"created_at"`
}

type mockEntry struct {
	AuditMeta
	Account string          `db:"account"`
	Amount  decimal.Decimal `db:"amount"`
	Note    string          `db:"-"`
	scratch int
}

func TestExtractDBColumns_Embedded(t *testing.T) {
	cols := ExtractDBColumns[mockEntry]()

	assert.Equal(t, []string{"id", "created_at", "account", "amount"}, cols)
	assert.Equal(t, cols, ExtractDBColumns[*mockEntry]())
}

func TestStructToMap(t *testing.T) {
	now := time.Now().UTC()
	e := mockEntry{
		AuditMeta: AuditMeta{ID: uuid.New(), CreatedAt: now},
		Account:   "alice",
		Amount:    decimal.NewFromInt(3),
		Note:      "ignored",
		scratch:   1,
	}

	m := StructToMap(&e)

	assert.Len(t, m, 4)
	assert.Equal(t, e.ID, m["id"])
	assert.Equal(t, now, m["created_at"])
	assert.Equal(t, "alice", m["account"])
	assert.Equal(t, e.Amount, m["amount"])
	assert.NotContains(t, m, "Note")
}

func TestStructToMap_NotAStruct(t *testing.T) {
	assert.Nil(t, StructToMap(42))
	assert.Nil(t, StructToMap((*mockEntry)(nil)))
}
