package identity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
)

func TestLifecycle(t *testing.T) {
	var zero Lifecycle
	assert.True(t, zero.IsActive())
	assert.Equal(t, StateActive, zero.State())

	l := RetiredInto(9)
	assert.False(t, l.IsActive())
	into, ok := l.MergedInto()
	assert.True(t, ok)
	assert.Equal(t, int64(9), into)
	assert.Equal(t, "retired(->9)", l.String())
}

func TestLifecycle_JSON(t *testing.T) {
	tests := []struct {
		name string
		in   Lifecycle
		want string
	}{
		{"active", Active(), `{"state":"active"}`},
		{"retired", RetiredInto(12), `{"state":"retired","merged_into":12}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.in)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))

			var back Lifecycle
			require.NoError(t, json.Unmarshal(data, &back))
			assert.Equal(t, tt.in, back)
		})
	}

	var l Lifecycle
	err := json.Unmarshal([]byte(`{"state":"retired"}`), &l)
	assert.True(t, cierrors.IsValidation(err))
	err = json.Unmarshal([]byte(`{"state":"zombie"}`), &l)
	assert.True(t, cierrors.IsValidation(err))
}

func TestParseEntityKind(t *testing.T) {
	k, err := ParseEntityKind("team")
	require.NoError(t, err)
	assert.Equal(t, KindTeam, k)

	_, err = ParseEntityKind("coach")
	assert.True(t, cierrors.IsValidation(err))
}

func TestCanonicalName(t *testing.T) {
	tests := []struct {
		name     string
		mappings []Mapping
		want     string
	}{
		{"empty", nil, ""},
		{"highest confidence wins", []Mapping{
			{ID: 1, Season: 2023, ObservedName: "Pat Mahomes", Confidence: 0.8},
			{ID: 2, Season: 2021, ObservedName: "Patrick Mahomes", Confidence: 1.0},
		}, "Patrick Mahomes"},
		{"tie broken by most recent season", []Mapping{
			{ID: 1, Season: 2021, ObservedName: "Washington Football Team", Confidence: 1.0},
			{ID: 2, Season: 2023, ObservedName: "Washington Commanders", Confidence: 1.0},
		}, "Washington Commanders"},
		{"tie broken by lowest id", []Mapping{
			{ID: 5, Season: 2023, ObservedName: "B", Confidence: 1.0},
			{ID: 3, Season: 2023, ObservedName: "A", Confidence: 1.0},
		}, "A"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalName(tt.mappings))
		})
	}
}

func TestSnapshot(t *testing.T) {
	s := NewSnapshot(
		IdentityState{ID: 5, MappingIDs: []int64{9, 3}},
		IdentityState{ID: 2, Lifecycle: RetiredInto(5)},
	)
	require.Len(t, s.Identities, 2)
	assert.Equal(t, int64(2), s.Identities[0].ID)
	assert.Equal(t, []int64{3, 9}, s.Identities[1].MappingIDs)

	st, ok := s.Find(5)
	assert.True(t, ok)
	assert.True(t, st.Lifecycle.IsActive())
	_, ok = s.Find(7)
	assert.False(t, ok)

	e := AuditEntry{EntityID: 1, Before: s}
	assert.True(t, e.Touches(1))
	assert.True(t, e.Touches(2))
	assert.False(t, e.Touches(3))
}

func TestActionRank(t *testing.T) {
	order := []Action{ActionSkip, ActionManualReviewLow, ActionManualReview, ActionAutoApprove, ActionAutoApproveHigh}
	for i := 1; i < len(order); i++ {
		assert.Greater(t, order[i].Rank(), order[i-1].Rank())
	}
	assert.True(t, ActionAutoApprove.IsAutoApprove())
	assert.True(t, ActionManualReviewLow.IsManualReview())
	assert.False(t, ActionSkip.IsAutoApprove())
}
