package allocation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultWeights = Weights{Sponsor: 4000, Level: 2000, Upline: 2000, LeaderPool: 1000, HelpPool: 1000}

func TestWeightsValidate(t *testing.T) {
	tests := []struct {
		name    string
		weights Weights
		wantErr bool
	}{
		{"exact", defaultWeights, false},
		{"all to help pool", Weights{HelpPool: 10000}, false},
		{"short", Weights{Sponsor: 4000, Level: 2000, Upline: 2000, LeaderPool: 1000, HelpPool: 999}, true},
		{"over", Weights{Sponsor: 4000, Level: 2000, Upline: 2000, LeaderPool: 1000, HelpPool: 1001}, true},
		{"negative", Weights{Sponsor: 11000, HelpPool: -1000}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.weights.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidWeights)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSplitIsClosedUnderRounding(t *testing.T) {
	odd := Weights{Sponsor: 3333, Level: 3333, Upline: 3333, LeaderPool: 1, HelpPool: 0}
	for _, amount := range []int64{0, 1, 7, 99, 3000, 3001, 123457, 999999999} {
		for _, w := range []Weights{defaultWeights, odd} {
			s, err := w.Split(amount)
			require.NoError(t, err)
			assert.Equal(t, amount, s.Total(), "amount %d weights %+v", amount, w)
			assert.GreaterOrEqual(t, s.Residual, int64(0))
			assert.Less(t, s.Residual, int64(5))
		}
	}
}

func TestSplitScenarioTierOne(t *testing.T) {
	s, err := defaultWeights.Split(3000)
	require.NoError(t, err)
	assert.Equal(t, Split{Sponsor: 1200, Level: 600, Upline: 600, LeaderPool: 300, HelpPool: 300}, s)
}

func TestSplitResidualGoesToHelpPool(t *testing.T) {
	s, err := Weights{Sponsor: 3333, Level: 3333, Upline: 3334}.Split(10)
	require.NoError(t, err)
	// 3 + 3 + 3 floor, 1 minor unit residual.
	assert.Equal(t, int64(1), s.Residual)
	assert.Equal(t, int64(1), s.HelpPool)
}

func TestSplitRejectsBadInput(t *testing.T) {
	_, err := Weights{Sponsor: 1}.Split(100)
	assert.ErrorIs(t, err, ErrInvalidWeights)

	_, err = defaultWeights.Split(-1)
	assert.ErrorIs(t, err, ErrNegativeAmount)
}

func TestTable(t *testing.T) {
	table, err := NewTable([]Tier{
		{Level: 1, Price: 3000, Weights: defaultWeights},
		{Level: 2, Price: 6000, Weights: defaultWeights},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, table.Len())

	_, err = table.Tier(3)
	assert.ErrorIs(t, err, ErrUnknownTier)

	err = table.Set(1, Weights{Sponsor: 5000})
	assert.ErrorIs(t, err, ErrInvalidWeights)
	tier, _ := table.Tier(1)
	assert.Equal(t, defaultWeights, tier.Weights, "rejected update must not apply")

	next := Weights{Sponsor: 5000, Level: 1000, Upline: 2000, LeaderPool: 1000, HelpPool: 1000}
	require.NoError(t, table.Set(1, next))
	tier, _ = table.Tier(1)
	assert.Equal(t, next, tier.Weights)

	assert.ErrorIs(t, table.Set(9, next), ErrUnknownTier)
}

func TestNewTableRejectsGapsAndBadTiers(t *testing.T) {
	_, err := NewTable([]Tier{{Level: 2, Price: 3000, Weights: defaultWeights}})
	assert.Error(t, err)

	_, err = NewTable([]Tier{{Level: 1, Price: 0, Weights: defaultWeights}})
	assert.ErrorIs(t, err, ErrInvalidPrice)

	_, err = NewTable([]Tier{{Level: 1, Price: 3000, Weights: Weights{Sponsor: 1}}})
	assert.ErrorIs(t, err, ErrInvalidWeights)
}
