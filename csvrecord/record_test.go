package csvrecord

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	doc := Document{
		Class: "Person",
		Fields: []Field{
			{Name: "name", Value: "Ada"},
			{Name: "age", Value: "36"},
		},
	}

	encoded := Encode(doc)
	require.Equal(t, "Person@name:Ada,age:36", string(encoded))

	decoded := Decode(encoded)
	require.Equal(t, doc, decoded)
}

func TestDecodeWithoutClassName(t *testing.T) {
	decoded := Decode([]byte("name:Ada,age:36"))
	require.Empty(t, decoded.Class)
	require.Equal(t, []Field{{Name: "name", Value: "Ada"}, {Name: "age", Value: "36"}}, decoded.Fields)
}

func TestDecodeEmptyDocument(t *testing.T) {
	decoded := Decode([]byte(""))
	require.Empty(t, decoded.Class)
	require.Empty(t, decoded.Fields)
}
