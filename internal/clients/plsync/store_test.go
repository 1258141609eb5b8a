package plsync

import (
	"testing"
	"time"

	"github.com/aristath/fleet/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestStoreApply(t *testing.T) {
	s := NewStore()
	t1 := domain.PLUpdate{AccountID: "A", CurrentPL: 10, Timestamp: t0.Add(time.Second)}
	t2 := domain.PLUpdate{AccountID: "A", CurrentPL: 12, Timestamp: t0.Add(2 * time.Second)}

	assert.True(t, s.Apply(t2))
	assert.False(t, s.Apply(t1), "older update is a no-op")
	got, _ := s.Get("A")
	assert.Equal(t, 12.0, got.CurrentPL)

	assert.True(t, s.Apply(t2))
	assert.Equal(t, []domain.PLUpdate{t2}, s.Snapshot(), "re-applying is idempotent")
}

func TestStoreSnapshotAndTotals(t *testing.T) {
	s := NewStore()
	day, value := 4.5, 1000.0
	s.Apply(domain.PLUpdate{AccountID: "B", CurrentPL: -2, Timestamp: t0})
	s.Apply(domain.PLUpdate{AccountID: "A", CurrentPL: 7, DayPL: &day, PortfolioValue: &value, Timestamp: t0})

	snap := s.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, "A", snap[0].AccountID)
	assert.Equal(t, "B", snap[1].AccountID)

	assert.Equal(t, Totals{Accounts: 2, CurrentPL: 5, DayPL: 4.5, PortfolioValue: 1000}, s.Totals())
}
