package client

import (
	"testing"

	"github.com/marioevz/builder-client/types/common"
	"github.com/protolambda/ztyp/view"
	"github.com/stretchr/testify/require"
)

type leaf struct {
	A string `json:"a"`
	B string `json:"b,omitempty"`
}

type node struct {
	leaf
	Child    *leaf           `json:"child"`
	Children []leaf          `json:"children"`
	Number   view.Uint64View `json:"number"`
	Skipped  string          `json:"-"`
}

func TestDecodeVersioned(t *testing.T) {
	for _, tc := range []struct {
		name    string
		body    string
		missing []string
		err     error
	}{
		{
			name: "complete",
			body: `{"version":"capella","data":{"a":"x","child":{"a":"y"},"children":[{"a":"z"}],"number":"1"}}`,
		},
		{
			name:    "null fields are missing",
			body:    `{"version":"capella","data":{"a":"x","child":null,"children":null,"number":null}}`,
			missing: []string{"data.child", "data.children", "data.number"},
		},
		{
			name:    "null nested field",
			body:    `{"version":"capella","data":{"a":"x","b":null,"child":{"a":null},"children":[],"number":"1"}}`,
			missing: []string{"data.child.a"},
		},
		{
			name:    "missing nested",
			body:    `{"version":"capella","data":{"child":{},"children":[{"a":"z"},{"b":"w"}]}}`,
			missing: []string{"data.a", "data.child.a", "data.children[1].a", "data.number"},
		},
		{
			name:    "missing envelope",
			body:    `{}`,
			missing: []string{"version", "data"},
		},
		{
			name:    "null data",
			body:    `{"version":"capella","data":null}`,
			missing: []string{"data"},
		},
		{
			name: "wrong version",
			body: `{"version":"deneb","data":{"a":"x","child":{"a":"y"},"children":[],"number":"1"}}`,
			err:  &VersionMismatchError{Expected: common.Capella, Received: common.Deneb},
		},
		{
			name: "case sensitive version",
			body: `{"version":"CAPELLA","data":{"a":"x","child":{"a":"y"},"children":[],"number":"1"}}`,
			err:  &VersionMismatchError{Expected: common.Capella, Received: "CAPELLA"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dst := &node{}
			err := decodeVersioned([]byte(tc.body), common.Capella, dst)
			switch {
			case tc.missing != nil:
				var missing *MissingFieldsError
				require.ErrorAs(t, err, &missing)
				require.Equal(t, tc.missing, missing.Fields)
				require.ErrorIs(t, err, ErrSchemaValidation)
			case tc.err != nil:
				require.Equal(t, tc.err, err)
				require.ErrorIs(t, err, ErrSchemaValidation)
			default:
				require.NoError(t, err)
			}
		})
	}
}

func TestDecodeVersionedInvalid(t *testing.T) {
	for _, body := range []string{
		`not json`,
		`{"version":"capella","data":{"a":1,"child":{"a":"y"},"children":[],"number":"1"}}`,
		`{"version":7,"data":{"a":"x","child":{"a":"y"},"children":[],"number":"1"}}`,
	} {
		err := decodeVersioned([]byte(body), common.Capella, &node{})
		var decodeErr *DecodeError
		require.ErrorAs(t, err, &decodeErr, body)
		require.ErrorIs(t, err, ErrSchemaValidation)
	}
}

func TestDecodeVersionedFills(t *testing.T) {
	dst := &node{}
	require.NoError(t, decodeVersioned(
		[]byte(`{"version":"capella","data":{"a":"x","b":"y","child":{"a":"c"},"children":[{"a":"z"}],"number":"42"}}`),
		common.Capella,
		dst,
	))
	require.Equal(t, "x", dst.A)
	require.Equal(t, "y", dst.B)
	require.Equal(t, "c", dst.Child.A)
	require.Len(t, dst.Children, 1)
	require.Equal(t, view.Uint64View(42), dst.Number)
}
