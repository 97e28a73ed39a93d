package schemas_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/chauffeur/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func TestStorageStateMergeNewValuesWin(t *testing.T) {
	existing := schemas.StorageState{
		Cookies: []schemas.Cookie{
			{Name: "sid", Domain: "example.com", Path: "/", Value: "old"},
			{Name: "theme", Domain: "example.com", Path: "/", Value: "dark"},
		},
		Origins: []schemas.OriginState{
			{Origin: "https://example.com", LocalStorage: []schemas.StorageEntry{{Name: "k", Value: "v1"}}},
		},
	}
	next := schemas.StorageState{
		Cookies: []schemas.Cookie{
			{Name: "sid", Domain: "example.com", Path: "/", Value: "new"},
			{Name: "lang", Domain: "example.com", Path: "/", Value: "en"},
		},
		Origins: []schemas.OriginState{
			{Origin: "https://example.com", LocalStorage: []schemas.StorageEntry{{Name: "k", Value: "v2"}}},
			{Origin: "https://other.test", LocalStorage: nil},
		},
	}

	merged := existing.Merge(next)

	want := schemas.StorageState{
		Cookies: []schemas.Cookie{
			{Name: "sid", Domain: "example.com", Path: "/", Value: "new"},
			{Name: "theme", Domain: "example.com", Path: "/", Value: "dark"},
			{Name: "lang", Domain: "example.com", Path: "/", Value: "en"},
		},
		Origins: []schemas.OriginState{
			{Origin: "https://example.com", LocalStorage: []schemas.StorageEntry{{Name: "k", Value: "v2"}}},
			{Origin: "https://other.test", LocalStorage: nil},
		},
	}
	if diff := cmp.Diff(want, merged); diff != "" {
		t.Errorf("merged document mismatch (-want +got):\n%s", diff)
	}
}

func TestStorageStateMergeDistinguishesPathAndDomain(t *testing.T) {
	existing := schemas.StorageState{
		Cookies: []schemas.Cookie{{Name: "sid", Domain: "example.com", Path: "/", Value: "a"}},
	}
	next := schemas.StorageState{
		Cookies: []schemas.Cookie{
			{Name: "sid", Domain: "example.com", Path: "/admin", Value: "b"},
			{Name: "sid", Domain: "sub.example.com", Path: "/", Value: "c"},
		},
	}

	merged := existing.Merge(next)
	assert.Len(t, merged.Cookies, 3, "cookies differing only in path or domain are distinct")
}

func TestStorageStateMergeWithEmpty(t *testing.T) {
	doc := schemas.StorageState{
		Cookies: []schemas.Cookie{{Name: "sid", Domain: "example.com", Path: "/", Value: "a"}},
	}

	assert.Equal(t, doc.Cookies, doc.Merge(schemas.StorageState{}).Cookies)
	assert.Equal(t, doc.Cookies, schemas.StorageState{}.Merge(doc).Cookies)
}

func TestStorageStateWireFormat(t *testing.T) {
	doc := schemas.StorageState{
		Cookies: []schemas.Cookie{{
			Name: "sid", Value: "abc", Domain: ".example.com", Path: "/",
			Expires: 1767225600, HTTPOnly: true, Secure: true, SameSite: "Lax",
		}},
		Origins: []schemas.OriginState{{
			Origin:       "https://example.com",
			LocalStorage: []schemas.StorageEntry{{Name: "token", Value: "xyz"}},
		}},
	}

	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	// The field names are a cross-tool contract; spot-check the wire keys.
	s := string(raw)
	for _, key := range []string{`"cookies"`, `"origins"`, `"httpOnly"`, `"sameSite"`, `"localStorage"`, `"expires"`} {
		assert.Contains(t, s, key)
	}

	var back schemas.StorageState
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, doc, back)
}
