package sqlguard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apicov/esp-mcp-bridge/internal/errs"
)

func TestValidateAcceptsPlainSelect(t *testing.T) {
	v := New()
	out, err := v.Validate("SELECT device_id, value FROM sensor_data WHERE device_id = 'd1'")
	require.NoError(t, err)
	assert.Contains(t, out, "LIMIT 1000")
}

func TestValidateRejectsNonSelect(t *testing.T) {
	v := New()
	_, err := v.Validate("DELETE FROM sensor_data")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.InvalidPayload))
}

func TestValidateRejectsBlockedKeywordMidQuery(t *testing.T) {
	v := New()
	_, err := v.Validate("SELECT * FROM devices; DROP TABLE devices")
	require.Error(t, err)
}

func TestValidateRejectsDisallowedTable(t *testing.T) {
	v := New()
	_, err := v.Validate("SELECT * FROM sqlite_master")
	require.Error(t, err)
}

func TestValidateRejectsStackedStatements(t *testing.T) {
	v := New()
	_, err := v.Validate("SELECT 1 FROM devices; SELECT 2 FROM devices")
	require.Error(t, err)
}

func TestValidateClampsExcessiveLimit(t *testing.T) {
	v := Validator{MaxRows: 50, AllowedTables: DefaultTables}
	out, err := v.Validate("SELECT * FROM devices LIMIT 9999")
	require.NoError(t, err)
	assert.Contains(t, out, "LIMIT 50")
	assert.NotContains(t, out, "9999")
}

func TestValidatePreservesTrailingSemicolon(t *testing.T) {
	v := New()
	out, err := v.Validate("SELECT * FROM devices;")
	require.NoError(t, err)
	assert.True(t, out[len(out)-1] == ';')
}

func TestValidateRejectsEmptyQuery(t *testing.T) {
	v := New()
	_, err := v.Validate("   ")
	require.Error(t, err)
}
