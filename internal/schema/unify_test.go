package schema_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meteoharvest/meteoharvest/internal/schema"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	require.NoError(t, dec.Decode(&v))
	return v
}

func TestUnify_HeterogeneousRecords(t *testing.T) {
	table, err := schema.Unify(decode(t, `[{"a":1,"b":2},{"b":3,"c":4}]`))
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, table.Header)
	assert.Equal(t, [][]string{
		{"1", "2", ""},
		{"", "3", "4"},
	}, table.Rows)
}

func TestUnify_HeaderIndependentOfRecordOrder(t *testing.T) {
	one, err := schema.Unify(decode(t, `[{"z":"1"},{"m":"2","a":"3"}]`))
	require.NoError(t, err)
	two, err := schema.Unify(decode(t, `[{"m":"2","a":"3"},{"z":"1"}]`))
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "m", "z"}, one.Header)
	assert.Equal(t, one.Header, two.Header)
}

func TestUnify_Rectangular(t *testing.T) {
	table, err := schema.Unify(decode(t, `[{"a":"x"},{"b":"y"},{"c":"z","d":"w"},{}]`))
	require.NoError(t, err)

	require.Equal(t, 4, table.Len())
	for _, row := range table.Rows {
		assert.Len(t, row, len(table.Header))
	}
}

func TestUnify_SingleRecord(t *testing.T) {
	table, err := schema.Unify(decode(t, `{"indicativo":"3195","nombre":"MADRID, RETIRO"}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"indicativo", "nombre"}, table.Header)
	assert.Equal(t, [][]string{{"3195", "MADRID, RETIRO"}}, table.Rows)
}

func TestUnify_MetadataEnvelope(t *testing.T) {
	payload := decode(t, `{
		"unidad_generadora": "Servicio del Banco Nacional de Datos Climatologicos",
		"periodicidad": "1 vez al dia",
		"campos": [
			{"id": "fecha", "descripcion": "fecha del dia", "tipo_datos": "string", "requerido": true},
			{"id": "tmed", "descripcion": "Temperatura media diaria", "tipo_datos": "float", "unidad": "grados celsius", "requerido": false}
		]
	}`)

	table, err := schema.Unify(payload)
	require.NoError(t, err)

	assert.Equal(t, []string{"descripcion", "id", "requerido", "tipo_datos", "unidad"}, table.Header)
	require.Equal(t, 2, table.Len())
	assert.Equal(t, []string{"fecha del dia", "fecha", "true", "string", ""}, table.Rows[0])
	assert.Equal(t, "grados celsius", table.Rows[1][table.Column("unidad")])
}

func TestUnify_FieldsEnvelope(t *testing.T) {
	table, err := schema.Unify(decode(t, `{"fields":[{"id":"x"}]}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"id"}, table.Header)
}

func TestUnify_ValuesAsText(t *testing.T) {
	table, err := schema.Unify(decode(t, `[{"n":1894.50,"b":false,"z":null,"o":{"k":[1,2]},"s":"8,4"}]`))
	require.NoError(t, err)

	row := table.Rows[0]
	assert.Equal(t, "false", row[table.Column("b")])
	assert.Equal(t, "1894.50", row[table.Column("n")])
	assert.Equal(t, `{"k":[1,2]}`, row[table.Column("o")])
	assert.Equal(t, "8,4", row[table.Column("s")])
	assert.Equal(t, "", row[table.Column("z")])
}

func TestUnify_InvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		payload any
	}{
		{name: "string", payload: "datos"},
		{name: "number", payload: json.Number("3")},
		{name: "nil", payload: nil},
		{name: "list of scalars", payload: []any{"a", "b"}},
		{name: "mixed list", payload: []any{map[string]any{"a": "1"}, "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := schema.Unify(tt.payload)
			assert.ErrorIs(t, err, schema.ErrInvalidInput)
		})
	}
}

func TestUnifyRecords(t *testing.T) {
	table := schema.UnifyRecords([]map[string]string{
		{"tmax": "12,0", "fecha": "2020-01-01"},
		{"fecha": "2020-01-02", "prec": "Ip"},
	})

	assert.Equal(t, []string{"fecha", "prec", "tmax"}, table.Header)
	assert.Equal(t, [][]string{
		{"2020-01-01", "", "12,0"},
		{"2020-01-02", "Ip", ""},
	}, table.Rows)
}

func TestMergeHeadersAndReorder(t *testing.T) {
	merged := schema.MergeHeaders([]string{"fecha", "tmax"}, []string{"altitud", "fecha"})
	assert.Equal(t, []string{"altitud", "fecha", "tmax"}, merged)

	row := schema.Reorder([]string{"2020-01-01", "12,0"}, []string{"fecha", "tmax"}, merged)
	assert.Equal(t, []string{"", "2020-01-01", "12,0"}, row)
}
