package pricing

import (
	"testing"
	"time"

	"github.com/Shivanand-hulikatti/race-registration/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func ptr[T any](v T) *T { return &v }

func day(d int) time.Time {
	return time.Date(2026, time.January, d, 12, 0, 0, 0, time.UTC)
}

func testEvent() *model.Event {
	return &model.Event{
		ID:   "city-marathon",
		Name: "City Marathon",
		Categories: []model.Category{
			{ID: "21k", Name: "Half", ListPrice: 500, EarlyBirdPrice: ptr(int64(400)), BibTemplate: "H-####"},
			{ID: "5k", Name: "Fun Run", ListPrice: 0, BibTemplate: "F-###"},
		},
		RegistrationClosesAt: day(30),
		EarlyBird: &model.EarlyBirdWindow{
			Start: time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, time.January, 10, 23, 59, 59, 0, time.UTC),
		},
		Vanity: &model.VanityConfig{Enabled: true, PremiumAmount: 200},
	}
}

func TestCompute_EarlyBirdWindow(t *testing.T) {
	ev := testEvent()

	q, err := Compute(ev, "21k", false, day(5))
	require.NoError(t, err)
	assert.Equal(t, int64(400), q.Base)
	assert.True(t, q.EarlyBird)

	q, err = Compute(ev, "21k", false, day(15))
	require.NoError(t, err)
	assert.Equal(t, int64(500), q.Base)
	assert.False(t, q.EarlyBird)
}

func TestCompute_WindowIsInclusive(t *testing.T) {
	ev := testEvent()

	q, err := Compute(ev, "21k", false, ev.EarlyBird.Start)
	require.NoError(t, err)
	assert.Equal(t, int64(400), q.Base)

	q, err = Compute(ev, "21k", false, ev.EarlyBird.End)
	require.NoError(t, err)
	assert.Equal(t, int64(400), q.Base)

	q, err = Compute(ev, "21k", false, ev.EarlyBird.End.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(500), q.Base)
}

func TestCompute_NoWindowUsesListPrice(t *testing.T) {
	ev := testEvent()
	ev.EarlyBird = nil

	q, err := Compute(ev, "21k", false, day(5))
	require.NoError(t, err)
	assert.Equal(t, int64(500), q.Base)
}

func TestCompute_VanityPremium(t *testing.T) {
	ev := testEvent()

	q, err := Compute(ev, "21k", true, day(15))
	require.NoError(t, err)
	assert.Equal(t, int64(200), q.VanityPremium)
	assert.Equal(t, int64(700), q.Total)

	q, err = Compute(ev, "21k", false, day(15))
	require.NoError(t, err)
	assert.Equal(t, int64(0), q.VanityPremium)
	assert.Equal(t, int64(500), q.Total)

	ev.Vanity.Enabled = false
	q, err = Compute(ev, "21k", true, day(15))
	require.NoError(t, err)
	assert.Equal(t, int64(500), q.Total)
}

func TestCompute_CategoryNotFound(t *testing.T) {
	_, err := Compute(testEvent(), "100k", false, day(5))
	require.ErrorIs(t, err, ErrCategoryNotFound)
}

func TestCheckClientPrice(t *testing.T) {
	q := Quote{Base: 500, Total: 500}

	require.NoError(t, CheckClientPrice(q, decimal.NewFromInt(500), DefaultTolerance))
	require.NoError(t, CheckClientPrice(q, decimal.RequireFromString("500.004"), DefaultTolerance))
	require.ErrorIs(t, CheckClientPrice(q, decimal.Zero, DefaultTolerance), ErrPriceMismatch)
	require.ErrorIs(t, CheckClientPrice(q, decimal.NewFromInt(501), DefaultTolerance), ErrPriceMismatch)
}

func TestCompute_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		list := rapid.Int64Range(0, 100_000).Draw(t, "list")
		early := rapid.Int64Range(0, list).Draw(t, "early")
		premium := rapid.Int64Range(0, 10_000).Draw(t, "premium")
		vanity := rapid.Bool().Draw(t, "vanity")
		offset := rapid.IntRange(-20, 40).Draw(t, "dayOffset")

		ev := testEvent()
		ev.Categories[0].ListPrice = list
		ev.Categories[0].EarlyBirdPrice = &early
		ev.Vanity.PremiumAmount = premium
		now := day(1).AddDate(0, 0, offset)

		q1, err := Compute(ev, "21k", vanity, now)
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		q2, _ := Compute(ev, "21k", vanity, now)
		if q1 != q2 {
			t.Fatalf("not deterministic: %+v vs %+v", q1, q2)
		}
		if q1.Total != q1.Base+q1.VanityPremium {
			t.Fatalf("total %d != base %d + premium %d", q1.Total, q1.Base, q1.VanityPremium)
		}
		if q1.Base != list && q1.Base != early {
			t.Fatalf("base %d is neither list nor early-bird", q1.Base)
		}

		delta := rapid.Int64Range(1, 1_000).Draw(t, "delta")
		for _, client := range []int64{q1.Total - delta, q1.Total + delta} {
			if CheckClientPrice(q1, decimal.NewFromInt(client), DefaultTolerance) == nil {
				t.Fatalf("client price %d accepted for total %d", client, q1.Total)
			}
		}
		if err := CheckClientPrice(q1, decimal.NewFromInt(q1.Total), DefaultTolerance); err != nil {
			t.Fatalf("exact price rejected: %v", err)
		}
	})
}
