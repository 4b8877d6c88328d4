package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriority(t *testing.T) {
	tests := []struct {
		input   string
		want    Priority
		wantErr bool
	}{
		{"critical", PriorityCritical, false},
		{" HIGH ", PriorityHigh, false},
		{"", PriorityMedium, false},
		{"low", PriorityLow, false},
		{"urgent", 0, true},
	}
	for _, tt := range tests {
		got, err := ParsePriority(tt.input)
		if tt.wantErr {
			assert.Error(t, err, tt.input)
			continue
		}
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, got)
		assert.True(t, got.Valid())
	}

	assert.False(t, Priority(0).Valid())
	assert.Equal(t, "priority(9)", Priority(9).String())
}

func TestSeverityText(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityError))
	assert.False(t, SeverityWarning.AtLeast(SeverityError))

	data, err := json.Marshal(map[string]Severity{"severity": SeverityError})
	require.NoError(t, err)
	assert.JSONEq(t, `{"severity":"error"}`, string(data))

	var decoded struct {
		Severity Severity `json:"severity"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"severity":"Critical"}`), &decoded))
	assert.Equal(t, SeverityCritical, decoded.Severity)

	assert.Error(t, json.Unmarshal([]byte(`{"severity":"fatal"}`), &decoded))
	assert.Equal(t, "severity(7)", Severity(7).String())
}

func TestEventIDText(t *testing.T) {
	id := NewEventID()
	assert.NotEqual(t, id, NewEventID())

	data, err := json.Marshal(id)
	require.NoError(t, err)

	var decoded EventID
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, id, decoded)

	assert.Error(t, decoded.UnmarshalText([]byte("not-a-uuid")))
}

func TestIntegrationKinds(t *testing.T) {
	for _, kind := range AllIntegrationKinds() {
		assert.True(t, kind.Valid(), kind)
	}
	assert.False(t, IntegrationKind("mainframe").Valid())
}
